package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/model"
)

const (
	// Size limits
	MaxIDSize         = 2048             // 2 KB
	MaxBodySize       = 64 * 1024 * 1024 // 64 MB
	MaxCollectionSize = 256

	// Vector limits
	MaxVectorEntries = 1000
	MaxReplicaIDSize = 128
	MaxCounters      = 1024
)

// Validator validates documents and replicated items
type Validator struct {
	maxIDSize         int
	maxBodySize       int
	maxCollectionSize int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxIDSize:         MaxIDSize,
		maxBodySize:       MaxBodySize,
		maxCollectionSize: MaxCollectionSize,
	}
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(maxIDSize, maxBodySize, maxCollectionSize int) *Validator {
	return &Validator{
		maxIDSize:         maxIDSize,
		maxBodySize:       maxBodySize,
		maxCollectionSize: maxCollectionSize,
	}
}

// ValidateDocument validates a local document write
func (v *Validator) ValidateDocument(id, collection string, body []byte) error {
	if err := v.ValidateID(id); err != nil {
		return err
	}
	if err := v.ValidateCollection(id, collection); err != nil {
		return err
	}
	return v.ValidateBody(id, body)
}

// ValidateID validates a document id
func (v *Validator) ValidateID(id string) error {
	// Check if empty
	if id == "" {
		return errors.InvalidArgument("document id cannot be empty", nil)
	}

	// Check size
	if len(id) > v.maxIDSize {
		return errors.InvalidArgument(fmt.Sprintf("document id exceeds maximum size of %d bytes", v.maxIDSize), nil)
	}

	// Null bytes separate key parts in storage
	if strings.Contains(id, "\x00") {
		return errors.InvalidArgument("document id cannot contain null bytes", nil)
	}

	for _, r := range id {
		if unicode.IsControl(r) {
			return errors.InvalidArgument("document id cannot contain control characters", nil)
		}
	}

	return nil
}

// ValidateCollection validates a collection name; empty is allowed
func (v *Validator) ValidateCollection(id, collection string) error {
	if len(collection) > v.maxCollectionSize {
		return errors.InvalidItem(id, fmt.Sprintf("collection exceeds maximum size of %d bytes", v.maxCollectionSize))
	}
	if strings.ContainsFunc(collection, unicode.IsControl) {
		return errors.InvalidItem(id, "collection cannot contain control characters")
	}
	return nil
}

// ValidateBody checks that body is JSON within size limits
func (v *Validator) ValidateBody(id string, body []byte) error {
	if len(body) == 0 {
		return errors.InvalidItem(id, "document body cannot be empty")
	}
	if len(body) > v.maxBodySize {
		return errors.InvalidItem(id, fmt.Sprintf("document body exceeds maximum size of %d bytes", v.maxBodySize))
	}
	if !json.Valid(body) {
		return errors.InvalidItem(id, "document body is not valid JSON")
	}
	return nil
}

// ValidateVector validates a version vector
func (v *Validator) ValidateVector(id string, vector model.VersionVector) error {
	if vector.IsEmpty() {
		return errors.InvalidItem(id, "version vector cannot be empty")
	}

	// Check number of entries
	if len(vector.Entries) > MaxVectorEntries {
		return errors.InvalidItem(id, fmt.Sprintf("version vector has too many entries: %d > %d", len(vector.Entries), MaxVectorEntries))
	}

	// Validate each entry
	for i, entry := range vector.Entries {
		if entry.ReplicaID == "" {
			return errors.InvalidItem(id, fmt.Sprintf("version vector entry %d has empty replica id", i))
		}
		if len(entry.ReplicaID) > MaxReplicaIDSize {
			return errors.InvalidItem(id, fmt.Sprintf("version vector entry %d replica id exceeds maximum size of %d", i, MaxReplicaIDSize))
		}
		if entry.Counter < 0 {
			return errors.InvalidItem(id, fmt.Sprintf("version vector entry %d has negative counter: %d", i, entry.Counter))
		}
	}

	return nil
}

// ValidateItem validates a replicated item before it is applied
func (v *Validator) ValidateItem(item *model.ReplicatedItem) error {
	if item == nil {
		return errors.InvalidArgument("replicated item cannot be nil", nil)
	}
	if err := v.ValidateID(item.ID); err != nil {
		return errors.InvalidItem(item.ID, err.Error())
	}
	if err := v.ValidateCollection(item.ID, item.Collection); err != nil {
		return err
	}
	if err := v.ValidateVector(item.ID, item.Vector); err != nil {
		return err
	}

	switch p := item.Payload.(type) {
	case nil:
		return errors.InvalidItem(item.ID, "item has no payload")
	case model.DocumentPayload:
		return v.ValidateBody(item.ID, p.Body)
	case model.RevisionPayload:
		// A nil body is a delete marker
		if p.Body == nil {
			return nil
		}
		return v.ValidateBody(item.ID, p.Body)
	case model.AttachmentPayload:
		if p.Name == "" || p.Hash == "" {
			return errors.InvalidItem(item.ID, "attachment requires a name and a hash")
		}
	case model.AttachmentTombstonePayload:
		if p.Name == "" {
			return errors.InvalidItem(item.ID, "attachment tombstone requires a name")
		}
	case model.CounterGroupPayload:
		if len(p.Counters) > MaxCounters {
			return errors.InvalidItem(item.ID, "counter group has too many counters")
		}
	case model.TimeSeriesSegmentPayload:
		if p.Name == "" {
			return errors.InvalidItem(item.ID, "time series segment requires a name")
		}
	case model.TimeSeriesDeletedRangePayload:
		if p.Name == "" {
			return errors.InvalidItem(item.ID, "deleted range requires a series name")
		}
		if p.To.Before(p.From) {
			return errors.InvalidItem(item.ID, "deleted range ends before it starts")
		}
	}
	return nil
}
