package model

import (
	"fmt"
	"time"
)

// DocumentFlags is a bit set carried by documents, revisions and replicated items
type DocumentFlags uint32

const (
	FlagNone            DocumentFlags = 0
	FlagRevision        DocumentFlags = 1 << 0
	FlagConflicted      DocumentFlags = 1 << 1
	FlagResolved        DocumentFlags = 1 << 2
	FlagHasRevisions    DocumentFlags = 1 << 3
	FlagDeleteRevision  DocumentFlags = 1 << 4
	FlagFromReplication DocumentFlags = 1 << 5
	FlagHasAttachments  DocumentFlags = 1 << 6
	FlagHasCounters     DocumentFlags = 1 << 7
	FlagHasTimeSeries   DocumentFlags = 1 << 8
	FlagArtificial      DocumentFlags = 1 << 9
)

// Contains reports whether all bits of f are set
func (d DocumentFlags) Contains(f DocumentFlags) bool {
	return d&f == f
}

// Strip clears the bits of f
func (d DocumentFlags) Strip(f DocumentFlags) DocumentFlags {
	return d &^ f
}

// ItemKind is the wire discriminant of a replicated item
type ItemKind byte

const (
	KindDocument               ItemKind = 1
	KindDocumentTombstone      ItemKind = 2
	KindRevision               ItemKind = 3
	KindRevisionTombstone      ItemKind = 4
	KindAttachment             ItemKind = 5
	KindAttachmentTombstone    ItemKind = 6
	KindCounterGroup           ItemKind = 7
	KindTimeSeriesSegment      ItemKind = 8
	KindTimeSeriesDeletedRange ItemKind = 9
)

func (k ItemKind) String() string {
	switch k {
	case KindDocument:
		return "document"
	case KindDocumentTombstone:
		return "document_tombstone"
	case KindRevision:
		return "revision"
	case KindRevisionTombstone:
		return "revision_tombstone"
	case KindAttachment:
		return "attachment"
	case KindAttachmentTombstone:
		return "attachment_tombstone"
	case KindCounterGroup:
		return "counter_group"
	case KindTimeSeriesSegment:
		return "time_series_segment"
	case KindTimeSeriesDeletedRange:
		return "time_series_deleted_range"
	default:
		return fmt.Sprintf("item_kind(%d)", byte(k))
	}
}

// ItemPayload is implemented only by the payload types in this package
type ItemPayload interface {
	Kind() ItemKind
	sealed()
}

// ReplicatedItem is one unit of replicated state
type ReplicatedItem struct {
	ID                string
	Collection        string
	Vector            VersionVector
	LastModified      time.Time
	TransactionMarker int32
	Flags             DocumentFlags
	Payload           ItemPayload
}

// Kind returns the discriminant of the item's payload
func (i *ReplicatedItem) Kind() ItemKind {
	if i.Payload == nil {
		return 0
	}
	return i.Payload.Kind()
}

// DocumentPayload carries a document body (JSON)
type DocumentPayload struct {
	Body []byte
}

// DocumentTombstonePayload marks a deleted document
type DocumentTombstonePayload struct{}

// RevisionPayload carries a historical snapshot; a nil Body is a delete marker
type RevisionPayload struct {
	Body []byte
}

// RevisionTombstonePayload removes the revision keyed by the item's vector
type RevisionTombstonePayload struct{}

// AttachmentPayload carries attachment metadata; content travels as a separate stream keyed by Hash
type AttachmentPayload struct {
	Name        string
	ContentType string
	Hash        string
}

// AttachmentTombstonePayload marks a deleted attachment
type AttachmentTombstonePayload struct {
	Name string
}

// CounterGroupPayload carries all counters of one document
type CounterGroupPayload struct {
	Counters map[string]int64
}

// TimeSeriesPoint is one sample of a time series
type TimeSeriesPoint struct {
	Timestamp time.Time
	Values    []float64
	Tag       string
}

// TimeSeriesSegmentPayload carries a segment of points starting at Baseline
type TimeSeriesSegmentPayload struct {
	Name     string
	Baseline time.Time
	Points   []TimeSeriesPoint
}

// TimeSeriesDeletedRangePayload removes the points of a series in [From, To]
type TimeSeriesDeletedRangePayload struct {
	Name string
	From time.Time
	To   time.Time
}

func (DocumentPayload) Kind() ItemKind               { return KindDocument }
func (DocumentTombstonePayload) Kind() ItemKind      { return KindDocumentTombstone }
func (RevisionPayload) Kind() ItemKind               { return KindRevision }
func (RevisionTombstonePayload) Kind() ItemKind      { return KindRevisionTombstone }
func (AttachmentPayload) Kind() ItemKind             { return KindAttachment }
func (AttachmentTombstonePayload) Kind() ItemKind    { return KindAttachmentTombstone }
func (CounterGroupPayload) Kind() ItemKind           { return KindCounterGroup }
func (TimeSeriesSegmentPayload) Kind() ItemKind      { return KindTimeSeriesSegment }
func (TimeSeriesDeletedRangePayload) Kind() ItemKind { return KindTimeSeriesDeletedRange }

func (DocumentPayload) sealed()               {}
func (DocumentTombstonePayload) sealed()      {}
func (RevisionPayload) sealed()               {}
func (RevisionTombstonePayload) sealed()      {}
func (AttachmentPayload) sealed()             {}
func (AttachmentTombstonePayload) sealed()    {}
func (CounterGroupPayload) sealed()           {}
func (TimeSeriesSegmentPayload) sealed()      {}
func (TimeSeriesDeletedRangePayload) sealed() {}

// IsDeletion reports whether the item removes state rather than adding it
func (i *ReplicatedItem) IsDeletion() bool {
	switch i.Payload.(type) {
	case DocumentTombstonePayload, RevisionTombstonePayload, AttachmentTombstonePayload, TimeSeriesDeletedRangePayload:
		return true
	default:
		return false
	}
}

// AttachmentStream is the raw content of one attachment, keyed by content hash
type AttachmentStream struct {
	Hash string
	Data []byte
	// Path is set instead of Data when the content was spilled to a temp file
	Path string
}
