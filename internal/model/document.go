package model

import "time"

// DocumentRecord is the current state of one document id
type DocumentRecord struct {
	ID           string        `json:"id"`
	Collection   string        `json:"collection"`
	Body         []byte        `json:"body,omitempty"`
	Vector       VersionVector `json:"vector"`
	Etag         int64         `json:"etag"`
	Flags        DocumentFlags `json:"flags"`
	LastModified time.Time     `json:"last_modified"`
	Deleted      bool          `json:"deleted,omitempty"`
}

// ConflictRecord is one surviving alternative of a conflicted document
type ConflictRecord struct {
	ID           string        `json:"id"`
	Collection   string        `json:"collection"`
	Vector       VersionVector `json:"vector"`
	Body         []byte        `json:"body,omitempty"` // nil for a tombstone
	LastModified time.Time     `json:"last_modified"`
	Etag         int64         `json:"etag"`
	Flags        DocumentFlags `json:"flags"`
}

// IsTombstone reports whether this member represents a deletion
func (c *ConflictRecord) IsTombstone() bool {
	return c.Body == nil
}

// AttachmentRecord is the metadata of one named attachment of a document
type AttachmentRecord struct {
	DocumentID   string        `json:"document_id"`
	Name         string        `json:"name"`
	ContentType  string        `json:"content_type"`
	Hash         string        `json:"hash"`
	Vector       VersionVector `json:"vector"`
	LastModified time.Time     `json:"last_modified"`
	Etag         int64         `json:"etag"`
	Deleted      bool          `json:"deleted,omitempty"`
}

// CounterGroupRecord holds all counters of one document
type CounterGroupRecord struct {
	DocumentID   string           `json:"document_id"`
	Collection   string           `json:"collection"`
	Counters     map[string]int64 `json:"counters"`
	Vector       VersionVector    `json:"vector"`
	LastModified time.Time        `json:"last_modified"`
	Etag         int64            `json:"etag"`
}

// TimeSeriesSegmentRecord is a stored segment of a time series
type TimeSeriesSegmentRecord struct {
	DocumentID   string            `json:"document_id"`
	Name         string            `json:"name"`
	Baseline     time.Time         `json:"baseline"`
	Points       []TimeSeriesPoint `json:"points"`
	Vector       VersionVector     `json:"vector"`
	LastModified time.Time         `json:"last_modified"`
	Etag         int64             `json:"etag"`
}

// TimeSeriesDeletedRangeRecord remembers an applied range deletion
type TimeSeriesDeletedRangeRecord struct {
	DocumentID   string        `json:"document_id"`
	Name         string        `json:"name"`
	From         time.Time     `json:"from"`
	To           time.Time     `json:"to"`
	Vector       VersionVector `json:"vector"`
	LastModified time.Time     `json:"last_modified"`
	Etag         int64         `json:"etag"`
}
