package wire

import (
	"context"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// gRPC names of the replication stream
const (
	ReplicationService = "pairdb.docstore.Replication"
	IncomingMethod     = "/" + ReplicationService + "/Incoming"
)

// Metadata keys sent when a stream opens
const (
	MetadataSource           = "docstore-source"
	MetadataTranslateSink    = "docstore-translate-sink"
	MetadataPreventDeletions = "docstore-prevent-deletions"
)

// IncomingStreamDesc describes the bidirectional replication stream
var IncomingStreamDesc = grpc.StreamDesc{
	StreamName:    "Incoming",
	ServerStreams: true,
	ClientStreams: true,
}

type msgStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// GRPCConn carries frames over a gRPC stream, one BytesValue per frame.
// Writes are serialized; gRPC allows one concurrent reader and writer.
type GRPCConn struct {
	stream msgStream
	sendMu sync.Mutex
}

// NewGRPCConn wraps a client or server stream
func NewGRPCConn(stream msgStream) *GRPCConn {
	return &GRPCConn{stream: stream}
}

// ReadFrame blocks until the next frame arrives. Cancellation follows the
// stream's own context.
func (c *GRPCConn) ReadFrame(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var msg wrapperspb.BytesValue
	if err := c.stream.RecvMsg(&msg); err != nil {
		return nil, err
	}
	return msg.GetValue(), nil
}

// WriteFrame sends one frame
func (c *GRPCConn) WriteFrame(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.stream.SendMsg(wrapperspb.Bytes(frame))
}

// Close half-closes a client stream. Server streams end when the handler
// returns.
func (c *GRPCConn) Close() error {
	if cs, ok := c.stream.(grpc.ClientStream); ok {
		c.sendMu.Lock()
		defer c.sendMu.Unlock()
		return cs.CloseSend()
	}
	return nil
}
