package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// VersionVectorEntry represents a single replica's counter in a version vector
type VersionVectorEntry struct {
	ReplicaID string
	Counter   int64
}

// VersionVector tracks causality across replicas of one database
type VersionVector struct {
	Entries []VersionVectorEntry
}

// ConflictStatus is the outcome of comparing a remote vector against a local one
type ConflictStatus int

const (
	// AlreadyMerged means the remote vector is causally <= local
	AlreadyMerged ConflictStatus = iota
	// Update means the remote vector strictly dominates local
	Update
	// Conflict means neither vector dominates
	Conflict
)

// String returns a readable name for the status
func (s ConflictStatus) String() string {
	switch s {
	case AlreadyMerged:
		return "already_merged"
	case Update:
		return "update"
	case Conflict:
		return "conflict"
	default:
		return fmt.Sprintf("conflict_status(%d)", int(s))
	}
}

// NewVersionVector builds a vector from replica/counter pairs
func NewVersionVector(counters map[string]int64) VersionVector {
	entries := make([]VersionVectorEntry, 0, len(counters))
	for id, c := range counters {
		entries = append(entries, VersionVectorEntry{ReplicaID: id, Counter: c})
	}
	return VersionVector{Entries: entries}
}

// Get returns the counter for replicaID, or 0 if absent
func (v VersionVector) Get(replicaID string) int64 {
	for _, e := range v.Entries {
		if e.ReplicaID == replicaID {
			return e.Counter
		}
	}
	return 0
}

// Has reports whether the vector carries a non-zero entry for replicaID
func (v VersionVector) Has(replicaID string) bool {
	return v.Get(replicaID) > 0
}

// IsEmpty reports whether the vector has no non-zero entries
func (v VersionVector) IsEmpty() bool {
	for _, e := range v.Entries {
		if e.Counter > 0 {
			return false
		}
	}
	return true
}

// ToMap converts the vector to a map
func (v VersionVector) ToMap() map[string]int64 {
	m := make(map[string]int64, len(v.Entries))
	for _, e := range v.Entries {
		m[e.ReplicaID] = e.Counter
	}
	return m
}

// Canonical returns a copy with zero counters dropped and entries sorted by replica id
func (v VersionVector) Canonical() VersionVector {
	entries := make([]VersionVectorEntry, 0, len(v.Entries))
	for _, e := range v.Entries {
		if e.Counter > 0 {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ReplicaID < entries[j].ReplicaID
	})
	return VersionVector{Entries: entries}
}

// String renders the canonical form, e.g. "A:3, B:1"
func (v VersionVector) String() string {
	c := v.Canonical()
	if len(c.Entries) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, e := range c.Entries {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(e.ReplicaID)
		sb.WriteByte(':')
		sb.WriteString(strconv.FormatInt(e.Counter, 10))
	}
	return sb.String()
}

// MarshalText implements encoding.TextMarshaler so records persist the canonical form
func (v VersionVector) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (v *VersionVector) UnmarshalText(text []byte) error {
	parsed, err := ParseVersionVector(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ParseVersionVector parses the canonical string form. Input order does not matter.
func ParseVersionVector(s string) (VersionVector, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return VersionVector{}, nil
	}

	parts := strings.Split(s, ",")
	seen := make(map[string]struct{}, len(parts))
	entries := make([]VersionVectorEntry, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		idx := strings.LastIndexByte(part, ':')
		if idx <= 0 || idx == len(part)-1 {
			return VersionVector{}, fmt.Errorf("malformed vector entry %q", part)
		}
		id := part[:idx]
		counter, err := strconv.ParseInt(part[idx+1:], 10, 64)
		if err != nil {
			return VersionVector{}, fmt.Errorf("malformed counter in vector entry %q: %w", part, err)
		}
		if counter < 0 {
			return VersionVector{}, fmt.Errorf("negative counter in vector entry %q", part)
		}
		if _, dup := seen[id]; dup {
			return VersionVector{}, fmt.Errorf("duplicate replica id %q in vector", id)
		}
		seen[id] = struct{}{}
		entries = append(entries, VersionVectorEntry{ReplicaID: id, Counter: counter})
	}

	return VersionVector{Entries: entries}.Canonical(), nil
}

// MustParseVersionVector is ParseVersionVector for literals known to be valid
func MustParseVersionVector(s string) VersionVector {
	v, err := ParseVersionVector(s)
	if err != nil {
		panic(err)
	}
	return v
}
