package wire

import (
	"fmt"
	"math"
	"time"

	"github.com/devrev/pairdb/docstore/internal/model"
	"google.golang.org/protobuf/encoding/protowire"
)

// Item fields, following the kind discriminant byte
const (
	itemID           protowire.Number = 1
	itemCollection   protowire.Number = 2
	itemVector       protowire.Number = 3
	itemTxMarker     protowire.Number = 4
	itemLastModified protowire.Number = 5
	itemFlags        protowire.Number = 6

	itemBody        protowire.Number = 10
	itemName        protowire.Number = 11
	itemContentType protowire.Number = 12
	itemHash        protowire.Number = 13
	itemCounter     protowire.Number = 14
	itemBaseline    protowire.Number = 15
	itemPoint       protowire.Number = 16
	itemFrom        protowire.Number = 17
	itemTo          protowire.Number = 18
)

// Nested message fields
const (
	counterName  protowire.Number = 1
	counterValue protowire.Number = 2

	pointTimestamp protowire.Number = 1
	pointValue     protowire.Number = 2
	pointTag       protowire.Number = 3
)

// Copier copies decoded bytes out of a frame buffer
type Copier interface {
	Copy(b []byte) ([]byte, error)
}

type heapCopier struct{}

func (heapCopier) Copy(b []byte) ([]byte, error) {
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func appendTime(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	return appendVarintField(b, num, protowire.EncodeZigZag(t.UnixNano()))
}

func decodeTime(v uint64) time.Time {
	return time.Unix(0, protowire.DecodeZigZag(v)).UTC()
}

// EncodeItem encodes one replicated item
func EncodeItem(item *model.ReplicatedItem) ([]byte, error) {
	if item.Payload == nil {
		return nil, fmt.Errorf("item %q has no payload", item.ID)
	}

	b := []byte{byte(item.Kind())}
	b = appendStringField(b, itemID, item.ID)
	b = appendStringField(b, itemCollection, item.Collection)
	b = appendStringField(b, itemVector, item.Vector.String())
	b = appendVarintField(b, itemTxMarker, protowire.EncodeZigZag(int64(item.TransactionMarker)))
	b = appendTime(b, itemLastModified, item.LastModified)
	b = appendVarintField(b, itemFlags, uint64(item.Flags))

	switch p := item.Payload.(type) {
	case model.DocumentPayload:
		b = appendBytesField(b, itemBody, p.Body)
	case model.DocumentTombstonePayload:
	case model.RevisionPayload:
		if p.Body != nil {
			b = appendBytesField(b, itemBody, p.Body)
		}
	case model.RevisionTombstonePayload:
	case model.AttachmentPayload:
		b = appendStringField(b, itemName, p.Name)
		b = appendStringField(b, itemContentType, p.ContentType)
		b = appendStringField(b, itemHash, p.Hash)
	case model.AttachmentTombstonePayload:
		b = appendStringField(b, itemName, p.Name)
	case model.CounterGroupPayload:
		for name, v := range p.Counters {
			var m []byte
			m = appendStringField(m, counterName, name)
			m = appendVarintField(m, counterValue, protowire.EncodeZigZag(v))
			b = appendBytesField(b, itemCounter, m)
		}
	case model.TimeSeriesSegmentPayload:
		b = appendStringField(b, itemName, p.Name)
		b = appendTime(b, itemBaseline, p.Baseline)
		for _, pt := range p.Points {
			b = appendBytesField(b, itemPoint, encodePoint(pt))
		}
	case model.TimeSeriesDeletedRangePayload:
		b = appendStringField(b, itemName, p.Name)
		b = appendTime(b, itemFrom, p.From)
		b = appendTime(b, itemTo, p.To)
	default:
		return nil, fmt.Errorf("unknown item kind %T", item.Payload)
	}
	return b, nil
}

func encodePoint(pt model.TimeSeriesPoint) []byte {
	var m []byte
	m = appendTime(m, pointTimestamp, pt.Timestamp)
	for _, v := range pt.Values {
		m = protowire.AppendTag(m, pointValue, protowire.Fixed64Type)
		m = protowire.AppendFixed64(m, math.Float64bits(v))
	}
	m = appendStringField(m, pointTag, pt.Tag)
	return m
}

type itemFields struct {
	body        []byte
	hasBody     bool
	name        string
	contentType string
	hash        string
	counters    map[string]int64
	baseline    time.Time
	points      []model.TimeSeriesPoint
	from, to    time.Time
}

// DecodeItem decodes one replicated item, copying bodies through c so the
// item does not alias the frame buffer. A nil c copies to the heap.
func DecodeItem(b []byte, c Copier) (*model.ReplicatedItem, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("empty item frame")
	}
	if c == nil {
		c = heapCopier{}
	}

	kind := model.ItemKind(b[0])
	item := &model.ReplicatedItem{}
	var f itemFields
	var vector string

	err := walk(b[1:], func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case itemID:
			v, n, err := bytesField(typ, b)
			item.ID = string(v)
			return n, err
		case itemCollection:
			v, n, err := bytesField(typ, b)
			item.Collection = string(v)
			return n, err
		case itemVector:
			v, n, err := bytesField(typ, b)
			vector = string(v)
			return n, err
		case itemTxMarker:
			v, n, err := varint(typ, b)
			item.TransactionMarker = int32(protowire.DecodeZigZag(v))
			return n, err
		case itemLastModified:
			v, n, err := varint(typ, b)
			item.LastModified = decodeTime(v)
			return n, err
		case itemFlags:
			v, n, err := varint(typ, b)
			item.Flags = model.DocumentFlags(v)
			return n, err
		case itemBody:
			v, n, err := bytesField(typ, b)
			if err != nil {
				return 0, err
			}
			body, err := c.Copy(v)
			f.body, f.hasBody = body, true
			return n, err
		case itemName:
			v, n, err := bytesField(typ, b)
			f.name = string(v)
			return n, err
		case itemContentType:
			v, n, err := bytesField(typ, b)
			f.contentType = string(v)
			return n, err
		case itemHash:
			v, n, err := bytesField(typ, b)
			f.hash = string(v)
			return n, err
		case itemCounter:
			v, n, err := bytesField(typ, b)
			if err != nil {
				return 0, err
			}
			name, value, err := decodeCounter(v)
			if f.counters == nil {
				f.counters = make(map[string]int64)
			}
			f.counters[name] = value
			return n, err
		case itemBaseline:
			v, n, err := varint(typ, b)
			f.baseline = decodeTime(v)
			return n, err
		case itemPoint:
			v, n, err := bytesField(typ, b)
			if err != nil {
				return 0, err
			}
			pt, err := decodePoint(v)
			f.points = append(f.points, pt)
			return n, err
		case itemFrom:
			v, n, err := varint(typ, b)
			f.from = decodeTime(v)
			return n, err
		case itemTo:
			v, n, err := varint(typ, b)
			f.to = decodeTime(v)
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, fmt.Errorf("malformed %s item: %w", kind, err)
	}

	item.Vector, err = model.ParseVersionVector(vector)
	if err != nil {
		return nil, fmt.Errorf("malformed %s item %q: %w", kind, item.ID, err)
	}

	switch kind {
	case model.KindDocument:
		body := f.body
		if body == nil {
			body = []byte{}
		}
		item.Payload = model.DocumentPayload{Body: body}
	case model.KindDocumentTombstone:
		item.Payload = model.DocumentTombstonePayload{}
	case model.KindRevision:
		var body []byte
		if f.hasBody {
			body = f.body
		}
		item.Payload = model.RevisionPayload{Body: body}
	case model.KindRevisionTombstone:
		item.Payload = model.RevisionTombstonePayload{}
	case model.KindAttachment:
		item.Payload = model.AttachmentPayload{Name: f.name, ContentType: f.contentType, Hash: f.hash}
	case model.KindAttachmentTombstone:
		item.Payload = model.AttachmentTombstonePayload{Name: f.name}
	case model.KindCounterGroup:
		item.Payload = model.CounterGroupPayload{Counters: f.counters}
	case model.KindTimeSeriesSegment:
		item.Payload = model.TimeSeriesSegmentPayload{Name: f.name, Baseline: f.baseline, Points: f.points}
	case model.KindTimeSeriesDeletedRange:
		item.Payload = model.TimeSeriesDeletedRangePayload{Name: f.name, From: f.from, To: f.to}
	default:
		return nil, fmt.Errorf("unknown item kind %d", byte(kind))
	}
	return item, nil
}

func decodeCounter(b []byte) (string, int64, error) {
	var name string
	var value int64
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case counterName:
			v, n, err := bytesField(typ, b)
			name = string(v)
			return n, err
		case counterValue:
			v, n, err := varint(typ, b)
			value = protowire.DecodeZigZag(v)
			return n, err
		}
		return 0, nil
	})
	return name, value, err
}

func decodePoint(b []byte) (model.TimeSeriesPoint, error) {
	var pt model.TimeSeriesPoint
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case pointTimestamp:
			v, n, err := varint(typ, b)
			pt.Timestamp = decodeTime(v)
			return n, err
		case pointValue:
			if typ != protowire.Fixed64Type {
				return 0, fmt.Errorf("unexpected wire type %d", typ)
			}
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			pt.Values = append(pt.Values, math.Float64frombits(v))
			return n, nil
		case pointTag:
			v, n, err := bytesField(typ, b)
			pt.Tag = string(v)
			return n, err
		}
		return 0, nil
	})
	return pt, err
}
