package client

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/wire"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// ReplicationClient opens replication streams to a peer database
type ReplicationClient struct {
	target string
	conn   *grpc.ClientConn
	logger *zap.Logger
}

// StreamOptions describe the link a stream is opened for
type StreamOptions struct {
	// Source is how the receiver names this sender
	Source               string
	TranslateSinkEntries bool
	PreventDeletions     bool
}

// NewReplicationClient creates a client for target. Extra dial options are
// appended after insecure transport credentials.
func NewReplicationClient(target string, logger *zap.Logger, opts ...grpc.DialOption) (*ReplicationClient, error) {
	dialOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", target, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReplicationClient{target: target, conn: conn, logger: logger}, nil
}

// Open starts an incoming stream on the peer
func (c *ReplicationClient) Open(ctx context.Context, opts StreamOptions) (*Stream, error) {
	ctx = metadata.AppendToOutgoingContext(ctx,
		wire.MetadataSource, opts.Source,
		wire.MetadataTranslateSink, strconv.FormatBool(opts.TranslateSinkEntries),
		wire.MetadataPreventDeletions, strconv.FormatBool(opts.PreventDeletions))
	cs, err := c.conn.NewStream(ctx, &wire.IncomingStreamDesc, wire.IncomingMethod)
	if err != nil {
		return nil, fmt.Errorf("failed to open replication stream to %s: %w", c.target, err)
	}
	c.logger.Debug("Opened replication stream",
		zap.String("target", c.target),
		zap.String("source", opts.Source))
	return &Stream{conn: wire.NewGRPCConn(cs)}, nil
}

// OpenWithRetry retries Open with exponential backoff
func (c *ReplicationClient) OpenWithRetry(ctx context.Context, opts StreamOptions, maxRetries uint64, base time.Duration) (*Stream, error) {
	var stream *Stream
	backoff := retry.WithMaxRetries(maxRetries, retry.NewExponential(base))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		s, err := c.Open(ctx, opts)
		if err != nil {
			c.logger.Warn("Failed to open replication stream, retrying",
				zap.String("target", c.target),
				zap.Error(err))
			return retry.RetryableError(err)
		}
		stream = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open replication stream after %d retries: %w", maxRetries, err)
	}
	return stream, nil
}

// Close closes the client connection
func (c *ReplicationClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Stream is the sending side of one replication connection. It is not
// safe for concurrent use.
type Stream struct {
	conn *wire.GRPCConn
}

// SendDocuments ships a batch and waits for the reply. Attachment streams
// follow the items, keyed by content hash.
func (s *Stream) SendDocuments(ctx context.Context, lastCounter int64, items []*model.ReplicatedItem, streams map[string][]byte) (*model.BatchReply, error) {
	header := &model.BatchHeader{
		Type:                  model.MessageDocuments,
		LastItemCounter:       lastCounter,
		ItemCount:             int32(len(items)),
		AttachmentStreamCount: int32(len(streams)),
	}
	if err := s.conn.WriteFrame(ctx, wire.EncodeHeader(header)); err != nil {
		return nil, err
	}
	for _, item := range items {
		frame, err := wire.EncodeItem(item)
		if err != nil {
			return nil, err
		}
		if err := s.conn.WriteFrame(ctx, frame); err != nil {
			return nil, err
		}
	}
	for hash, data := range streams {
		if err := s.conn.WriteFrame(ctx, wire.EncodeStream(hash, data)); err != nil {
			return nil, err
		}
	}
	return s.Reply(ctx)
}

// Heartbeat announces the sender's vector and last counter
func (s *Stream) Heartbeat(ctx context.Context, vector string, lastCounter int64) (*model.BatchReply, error) {
	header := &model.BatchHeader{
		Type:            model.MessageHeartbeat,
		LastItemCounter: lastCounter,
		SenderVector:    vector,
	}
	if err := s.conn.WriteFrame(ctx, wire.EncodeHeader(header)); err != nil {
		return nil, err
	}
	return s.Reply(ctx)
}

// Reply reads the next reply, skipping keep-alives
func (s *Stream) Reply(ctx context.Context) (*model.BatchReply, error) {
	for {
		frame, err := s.conn.ReadFrame(ctx)
		if err != nil {
			return nil, err
		}
		r, err := wire.DecodeReply(frame)
		if err != nil {
			return nil, err
		}
		if r.Type != model.ReplyProcessing {
			return r, nil
		}
	}
}

// CloseSend tells the peer no more batches follow
func (s *Stream) CloseSend() error {
	return s.conn.Close()
}

// Wait reads until the peer ends the stream and returns its final status
func (s *Stream) Wait(ctx context.Context) error {
	for {
		if _, err := s.conn.ReadFrame(ctx); err != nil {
			return err
		}
	}
}
