package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/docstore/internal/algorithm"
	"github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/util/batchmem"
	"github.com/devrev/pairdb/docstore/internal/wire"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FrameConn carries whole frames in both directions
type FrameConn interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, frame []byte) error
}

// HandlerState is the position of an incoming handler in its receive loop
type HandlerState int32

const (
	StateAwaitMessage HandlerState = iota
	StateParseHeader
	StateDocumentsBatch
	StateHeartbeat
	StateRespond
	StateClosed
)

func (s HandlerState) String() string {
	switch s {
	case StateAwaitMessage:
		return "await_message"
	case StateParseHeader:
		return "parse_header"
	case StateDocumentsBatch:
		return "documents_batch"
	case StateHeartbeat:
		return "heartbeat"
	case StateRespond:
		return "respond"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("handler_state(%d)", int32(s))
	}
}

// ItemFilter drops items from a parsed batch before it is applied
type ItemFilter interface {
	Filter(items []*model.ReplicatedItem) []*model.ReplicatedItem
}

// PreventSinkDeletionsFilter drops every item that removes state
type PreventSinkDeletionsFilter struct{}

// Filter implements ItemFilter
func (PreventSinkDeletionsFilter) Filter(items []*model.ReplicatedItem) []*model.ReplicatedItem {
	kept := items[:0]
	for _, item := range items {
		if !item.IsDeletion() {
			kept = append(kept, item)
		}
	}
	return kept
}

// IncomingOptions configures one incoming connection
type IncomingOptions struct {
	// Source identifies the peer; checkpoints are kept per source
	Source string
	// TranslateSinkEntries rewrites vectors arriving over a hub/sink link
	TranslateSinkEntries bool
	// PreventDeletions drops deletions received from a sink
	PreventDeletions  bool
	Filters           []ItemFilter
	KeepAliveInterval time.Duration
}

// IncomingHandler receives replication batches and heartbeats from one peer
// and answers each with a reply
type IncomingHandler struct {
	id      string
	session *DatabaseSession
	conn    FrameConn
	opts    IncomingOptions
	logger  *zap.Logger

	state            atomic.Int32
	heartbeatPending atomic.Bool
}

// NewIncomingHandler creates a handler for conn
func (s *DatabaseSession) NewIncomingHandler(conn FrameConn, opts IncomingOptions) *IncomingHandler {
	if opts.KeepAliveInterval <= 0 {
		opts.KeepAliveInterval = s.cfg.KeepAliveInterval
	}
	if opts.PreventDeletions {
		opts.Filters = append(opts.Filters, PreventSinkDeletionsFilter{})
	}
	id := uuid.NewString()
	return &IncomingHandler{
		id:      id,
		session: s,
		conn:    conn,
		opts:    opts,
		logger: s.logger.With(
			zap.String("connection", id),
			zap.String("source", opts.Source)),
	}
}

// ID returns the connection id
func (h *IncomingHandler) ID() string {
	return h.id
}

// State returns the current loop state
func (h *IncomingHandler) State() HandlerState {
	return HandlerState(h.state.Load())
}

func (h *IncomingHandler) setState(s HandlerState) {
	h.state.Store(int32(s))
}

// Run serves the connection until the peer disconnects, ctx is canceled or
// a batch fails. A clean disconnect returns nil.
func (h *IncomingHandler) Run(ctx context.Context) error {
	h.session.registerConnection(h)
	defer h.session.unregisterConnection(h)
	defer h.setState(StateClosed)
	if c, ok := h.conn.(io.Closer); ok {
		defer c.Close()
	}

	h.logger.Info("Incoming replication started")
	for {
		h.setState(StateAwaitMessage)
		frame, err := h.conn.ReadFrame(ctx)
		if err != nil {
			if stderrors.Is(err, io.EOF) || ctx.Err() != nil {
				h.logger.Info("Incoming replication stopped")
				return nil
			}
			return fmt.Errorf("failed to read message: %w", err)
		}

		h.setState(StateParseHeader)
		header, err := wire.DecodeHeader(frame)
		if err != nil {
			err = errors.ProtocolViolation("malformed batch header", err)
			h.sendError(ctx, 0, err)
			return err
		}

		var reply *model.BatchReply
		switch header.Type {
		case model.MessageDocuments:
			h.setState(StateDocumentsBatch)
			reply, err = h.handleDocuments(ctx, header)
		case model.MessageHeartbeat:
			h.setState(StateHeartbeat)
			reply, err = h.handleHeartbeat(ctx, header)
		default:
			err = errors.ProtocolViolation(fmt.Sprintf("unknown message type %d", byte(header.Type)), nil)
		}

		h.setState(StateRespond)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.HasCode(err, errors.ErrCodeMissingAttachments) {
				if werr := h.conn.WriteFrame(ctx, wire.EncodeReply(h.missingReply(header, err))); werr != nil {
					return fmt.Errorf("failed to send reply: %w", werr)
				}
				continue
			}
			h.logger.Error("Replication batch failed", zap.Error(err))
			h.sendError(ctx, header.Type, err)
			return err
		}
		if err := h.conn.WriteFrame(ctx, wire.EncodeReply(reply)); err != nil {
			return fmt.Errorf("failed to send reply: %w", err)
		}
	}
}

// handleDocuments reads, applies and acknowledges one documents batch
func (h *IncomingHandler) handleDocuments(ctx context.Context, header *model.BatchHeader) (*model.BatchReply, error) {
	start := time.Now()
	s := h.session

	alloc := batchmem.New(s.cfg.Allocator, h.logger)
	defer func() {
		if err := alloc.Release(); err != nil {
			h.logger.Warn("Failed to release batch memory", zap.Error(err))
		}
	}()

	if header.ItemCount < 0 || header.AttachmentStreamCount < 0 {
		return nil, errors.ProtocolViolation("negative batch counts", nil)
	}
	if header.ItemCount > s.cfg.MaxBatchItems {
		return nil, errors.ProtocolViolation(fmt.Sprintf("batch announces %d items, limit is %d", header.ItemCount, s.cfg.MaxBatchItems), nil)
	}
	if header.AttachmentStreamCount > s.cfg.MaxAttachmentStreams {
		return nil, errors.ProtocolViolation(fmt.Sprintf("batch announces %d attachment streams, limit is %d", header.AttachmentStreamCount, s.cfg.MaxAttachmentStreams), nil)
	}

	// Counts come from the peer; slices grow as frames actually arrive
	var items []*model.ReplicatedItem
	for i := int32(0); i < header.ItemCount; i++ {
		frame, err := h.conn.ReadFrame(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read item %d: %w", i, err)
		}
		item, err := wire.DecodeItem(frame, alloc)
		if err != nil {
			return nil, errors.ProtocolViolation(fmt.Sprintf("malformed item %d", i), err)
		}
		if err := s.validator.ValidateItem(item); err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	streams := make(map[string]model.AttachmentStream)
	for i := int32(0); i < header.AttachmentStreamCount; i++ {
		frame, err := h.conn.ReadFrame(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read attachment stream %d: %w", i, err)
		}
		hash, data, err := wire.DecodeStream(frame)
		if err != nil {
			return nil, errors.ProtocolViolation(fmt.Sprintf("malformed attachment stream %d", i), err)
		}
		st, err := alloc.Stream(hash, data)
		if err != nil {
			return nil, err
		}
		streams[hash] = st
	}

	for _, f := range h.opts.Filters {
		items = f.Filter(items)
	}

	cmd := s.NewApplyCommand(h.opts.Source, items, streams, header.LastItemCounter)
	cmd.TranslateSinkEntries = h.opts.TranslateSinkEntries

	if err := h.waitApplied(ctx, header, cmd); err != nil {
		s.metrics.RecordBatch("error", time.Since(start))
		return nil, err
	}
	s.metrics.RecordBatch("ok", time.Since(start))

	h.logger.Debug("Replication batch applied",
		zap.Int("items", len(items)),
		zap.Int("applied", cmd.Result.Applied),
		zap.Int("conflicts", cmd.Result.NewConflicts),
		zap.Int64("last_item_counter", header.LastItemCounter),
		zap.Duration("duration", time.Since(start)))

	return &model.BatchReply{
		Type:          model.ReplyOk,
		RespondingTo:  model.MessageDocuments,
		LastAccepted:  header.LastItemCounter,
		CurrentEtag:   cmd.Result.LastEtag,
		CurrentVector: cmd.Result.Vector.String(),
	}, nil
}

// waitApplied submits cmd and sends Processing replies until it completes
func (h *IncomingHandler) waitApplied(ctx context.Context, header *model.BatchHeader, cmd *MergedApplyCommand) error {
	future, err := h.session.merger.Submit(ctx, cmd)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(h.opts.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-future.Done():
			_, err := future.Wait(ctx)
			return err
		case <-ticker.C:
			keepAlive := &model.BatchReply{
				Type:         model.ReplyProcessing,
				RespondingTo: header.Type,
			}
			if err := h.conn.WriteFrame(ctx, wire.EncodeReply(keepAlive)); err != nil {
				return fmt.Errorf("failed to send keep-alive: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleHeartbeat merges the sender's vector when it carries something new.
// At most one merge per connection is in flight; extra heartbeats are
// acknowledged without queueing another.
func (h *IncomingHandler) handleHeartbeat(ctx context.Context, header *model.BatchHeader) (*model.BatchReply, error) {
	s := h.session

	sender, err := model.ParseVersionVector(header.SenderVector)
	if err != nil {
		return nil, errors.InvalidVector(header.SenderVector, err)
	}
	local, etag, checkpoint, err := s.replicationState(h.opts.Source)
	if err != nil {
		return nil, err
	}
	if h.opts.TranslateSinkEntries {
		sender = algorithm.TranslateSinkEntries(sender, local)
	}

	needsMerge := algorithm.Compare(sender, local) == model.Update || header.LastItemCounter > checkpoint
	switch {
	case !needsMerge:
		s.metrics.RecordHeartbeat("skipped")
	case !h.heartbeatPending.CompareAndSwap(false, true):
		s.metrics.RecordHeartbeat("coalesced")
	default:
		future, err := s.merger.Submit(ctx, &HeartbeatMergeCommand{
			session:         s,
			Source:          h.opts.Source,
			SenderVector:    sender,
			LastItemCounter: header.LastItemCounter,
		})
		if err != nil {
			h.heartbeatPending.Store(false)
			return nil, err
		}
		s.metrics.RecordHeartbeat("merged")
		go func() {
			<-future.Done()
			if _, err := future.Wait(context.Background()); err != nil {
				h.logger.Warn("Heartbeat merge failed", zap.Error(err))
			}
			h.heartbeatPending.Store(false)
		}()
	}

	return &model.BatchReply{
		Type:          model.ReplyOk,
		RespondingTo:  model.MessageHeartbeat,
		LastAccepted:  checkpoint,
		CurrentEtag:   etag,
		CurrentVector: local.String(),
	}, nil
}

func (h *IncomingHandler) missingReply(header *model.BatchHeader, err error) *model.BatchReply {
	reply := &model.BatchReply{
		Type:         model.ReplyMissingAttachments,
		RespondingTo: header.Type,
		Exception:    err.Error(),
	}
	var se *errors.StorageError
	if stderrors.As(err, &se) {
		if hashes, ok := se.Details["hashes"].([]string); ok {
			reply.MissingHashes = hashes
		}
	}
	h.fillState(reply)
	h.logger.Warn("Batch references missing attachments", zap.Strings("hashes", reply.MissingHashes))
	return reply
}

func (h *IncomingHandler) sendError(ctx context.Context, respondingTo model.MessageType, cause error) {
	reply := &model.BatchReply{
		Type:         model.ReplyError,
		RespondingTo: respondingTo,
		Exception:    cause.Error(),
	}
	h.fillState(reply)
	if err := h.conn.WriteFrame(ctx, wire.EncodeReply(reply)); err != nil {
		h.logger.Warn("Failed to send error reply", zap.Error(err))
	}
}

// fillState stamps reply with the checkpoint, etag and vector the peer
// resumes from
func (h *IncomingHandler) fillState(reply *model.BatchReply) {
	vector, etag, checkpoint, err := h.session.replicationState(h.opts.Source)
	if err != nil {
		h.logger.Warn("Failed to read replication state", zap.Error(err))
		return
	}
	reply.LastAccepted = checkpoint
	reply.CurrentEtag = etag
	reply.CurrentVector = vector.String()
}
