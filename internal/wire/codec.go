// Package wire encodes replication frames with the protobuf wire format.
// Messages are hand-encoded with protowire so frames stay stable without
// generated code; unknown fields are skipped on decode.
package wire

import (
	"fmt"
	"math"

	"github.com/devrev/pairdb/docstore/internal/model"
	"google.golang.org/protobuf/encoding/protowire"
)

// Header fields
const (
	headerType            protowire.Number = 1
	headerLastItemCounter protowire.Number = 2
	headerItemCount       protowire.Number = 3
	headerStreamCount     protowire.Number = 4
	headerSenderVector    protowire.Number = 5
)

// Reply fields
const (
	replyType          protowire.Number = 1
	replyRespondingTo  protowire.Number = 2
	replyLastAccepted  protowire.Number = 3
	replyCurrentEtag   protowire.Number = 4
	replyCurrentVector protowire.Number = 5
	replyException     protowire.Number = 6
	replyMissingHashes protowire.Number = 7
)

// Attachment stream fields
const (
	streamHash protowire.Number = 1
	streamData protowire.Number = 2
)

// fieldFunc consumes the value of one field and returns the bytes read.
// Returning 0 skips the field.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func walk(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return protowire.ParseError(m)
			}
		}
		b = b[m:]
	}
	return nil
}

func varint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("unexpected wire type %d", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func bytesField(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("unexpected wire type %d", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// EncodeHeader encodes a batch header frame
func EncodeHeader(h *model.BatchHeader) []byte {
	var b []byte
	b = appendVarintField(b, headerType, uint64(h.Type))
	b = appendVarintField(b, headerLastItemCounter, protowire.EncodeZigZag(h.LastItemCounter))
	b = appendVarintField(b, headerItemCount, uint64(h.ItemCount))
	b = appendVarintField(b, headerStreamCount, uint64(h.AttachmentStreamCount))
	b = appendStringField(b, headerSenderVector, h.SenderVector)
	return b
}

// DecodeHeader decodes a batch header frame
func DecodeHeader(b []byte) (*model.BatchHeader, error) {
	h := &model.BatchHeader{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case headerType:
			v, n, err := varint(typ, b)
			h.Type = model.MessageType(v)
			return n, err
		case headerLastItemCounter:
			v, n, err := varint(typ, b)
			h.LastItemCounter = protowire.DecodeZigZag(v)
			return n, err
		case headerItemCount:
			v, n, err := count(typ, b)
			h.ItemCount = v
			return n, err
		case headerStreamCount:
			v, n, err := count(typ, b)
			h.AttachmentStreamCount = v
			return n, err
		case headerSenderVector:
			v, n, err := bytesField(typ, b)
			h.SenderVector = string(v)
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, fmt.Errorf("malformed batch header: %w", err)
	}
	if h.ItemCount < 0 || h.AttachmentStreamCount < 0 {
		return nil, fmt.Errorf("malformed batch header: negative counts")
	}
	return h, nil
}

// count reads a varint batch count that must fit an int32
func count(typ protowire.Type, b []byte) (int32, int, error) {
	v, n, err := varint(typ, b)
	if err != nil {
		return 0, n, err
	}
	if v > math.MaxInt32 {
		return 0, n, fmt.Errorf("count %d out of range", v)
	}
	return int32(v), n, nil
}

// EncodeReply encodes a reply frame
func EncodeReply(r *model.BatchReply) []byte {
	var b []byte
	b = appendVarintField(b, replyType, uint64(r.Type))
	b = appendVarintField(b, replyRespondingTo, uint64(r.RespondingTo))
	b = appendVarintField(b, replyLastAccepted, protowire.EncodeZigZag(r.LastAccepted))
	b = appendVarintField(b, replyCurrentEtag, protowire.EncodeZigZag(r.CurrentEtag))
	b = appendStringField(b, replyCurrentVector, r.CurrentVector)
	b = appendStringField(b, replyException, r.Exception)
	for _, h := range r.MissingHashes {
		b = appendBytesField(b, replyMissingHashes, []byte(h))
	}
	return b
}

// DecodeReply decodes a reply frame
func DecodeReply(b []byte) (*model.BatchReply, error) {
	r := &model.BatchReply{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case replyType:
			v, n, err := varint(typ, b)
			r.Type = model.ReplyType(v)
			return n, err
		case replyRespondingTo:
			v, n, err := varint(typ, b)
			r.RespondingTo = model.MessageType(v)
			return n, err
		case replyLastAccepted:
			v, n, err := varint(typ, b)
			r.LastAccepted = protowire.DecodeZigZag(v)
			return n, err
		case replyCurrentEtag:
			v, n, err := varint(typ, b)
			r.CurrentEtag = protowire.DecodeZigZag(v)
			return n, err
		case replyCurrentVector:
			v, n, err := bytesField(typ, b)
			r.CurrentVector = string(v)
			return n, err
		case replyException:
			v, n, err := bytesField(typ, b)
			r.Exception = string(v)
			return n, err
		case replyMissingHashes:
			v, n, err := bytesField(typ, b)
			r.MissingHashes = append(r.MissingHashes, string(v))
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, fmt.Errorf("malformed reply: %w", err)
	}
	return r, nil
}

// EncodeStream encodes one attachment stream frame
func EncodeStream(hash string, data []byte) []byte {
	var b []byte
	b = appendStringField(b, streamHash, hash)
	b = appendBytesField(b, streamData, data)
	return b
}

// DecodeStream decodes an attachment stream frame. The returned data
// aliases b.
func DecodeStream(b []byte) (string, []byte, error) {
	var hash string
	var data []byte
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case streamHash:
			v, n, err := bytesField(typ, b)
			hash = string(v)
			return n, err
		case streamData:
			v, n, err := bytesField(typ, b)
			data = v
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return "", nil, fmt.Errorf("malformed attachment stream: %w", err)
	}
	if hash == "" {
		return "", nil, fmt.Errorf("malformed attachment stream: missing hash")
	}
	return hash, data, nil
}
