package model

import "time"

// RevisionRecord is an immutable historical snapshot of a document
type RevisionRecord struct {
	ID                string        `json:"id"`
	Collection        string        `json:"collection"`
	Vector            VersionVector `json:"vector"`
	Body              []byte        `json:"body,omitempty"` // nil for a delete marker
	Flags             DocumentFlags `json:"flags"`
	DeletedMarkerEtag int64         `json:"deleted_marker_etag,omitempty"`
	LastModified      time.Time     `json:"last_modified"`
	TransactionMarker int32         `json:"transaction_marker"`
	Etag              int64         `json:"etag"`
}

// IsDeleteMarker reports whether the revision records a deletion
func (r *RevisionRecord) IsDeleteMarker() bool {
	return r.Body == nil
}

// RevisionTombstoneRecord marks a pruned or replicated-away revision
type RevisionTombstoneRecord struct {
	Vector    VersionVector `json:"vector"`
	ID        string        `json:"id"`
	Etag      int64         `json:"etag"`
	DeletedAt time.Time     `json:"deleted_at"`
	Reason    string        `json:"reason,omitempty"`
}

// RetentionPolicy controls how much history is kept for a collection
type RetentionPolicy struct {
	Disabled                 bool           `yaml:"disabled" json:"disabled"`
	MinimumRevisionsToKeep   *int64         `yaml:"minimum_revisions_to_keep" json:"minimum_revisions_to_keep,omitempty"`
	MinimumRevisionAgeToKeep *time.Duration `yaml:"minimum_revision_age_to_keep" json:"minimum_revision_age_to_keep,omitempty"`
	MaxDeletesPerUpdate      *int64         `yaml:"max_deletes_per_update" json:"max_deletes_per_update,omitempty"`
	PurgeOnDelete            bool           `yaml:"purge_on_delete" json:"purge_on_delete"`
}

// RevisionsConfiguration resolves a RetentionPolicy per collection
type RevisionsConfiguration struct {
	Default     *RetentionPolicy           `yaml:"default" json:"default,omitempty"`
	Conflicts   *RetentionPolicy           `yaml:"conflicts" json:"conflicts,omitempty"`
	Collections map[string]RetentionPolicy `yaml:"collections" json:"collections,omitempty"`
}

// DefaultConflictsPolicy keeps conflict and resolution history for 45 days
func DefaultConflictsPolicy() *RetentionPolicy {
	age := 45 * 24 * time.Hour
	return &RetentionPolicy{MinimumRevisionAgeToKeep: &age}
}

// PolicyFor returns the policy governing a document of collection carrying flags.
// A nil result means no revisions are kept.
func (c *RevisionsConfiguration) PolicyFor(collection string, flags DocumentFlags) *RetentionPolicy {
	if c == nil {
		if flags&(FlagConflicted|FlagResolved) != 0 {
			return DefaultConflictsPolicy()
		}
		return nil
	}
	if p, ok := c.Collections[collection]; ok {
		return &p
	}
	if flags&(FlagConflicted|FlagResolved) != 0 {
		if c.Conflicts != nil {
			return c.Conflicts
		}
		return DefaultConflictsPolicy()
	}
	return c.Default
}

// Enabled reports whether a policy keeps any history at all
func (p *RetentionPolicy) Enabled() bool {
	return p != nil && !p.Disabled
}
