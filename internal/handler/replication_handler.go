package handler

import (
	stderrors "errors"
	"strconv"

	"github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/service"
	"github.com/devrev/pairdb/docstore/internal/wire"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ReplicationServer is the server side of the replication service
type ReplicationServer interface {
	Incoming(stream grpc.ServerStream) error
}

// ReplicationServiceDesc registers ReplicationServer with a gRPC server
var ReplicationServiceDesc = grpc.ServiceDesc{
	ServiceName: wire.ReplicationService,
	HandlerType: (*ReplicationServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    wire.IncomingStreamDesc.StreamName,
		Handler:       incomingStreamHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "docstore/replication",
}

func incomingStreamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(ReplicationServer).Incoming(stream)
}

// ReplicationHandler serves incoming replication streams for one database
type ReplicationHandler struct {
	session *service.DatabaseSession
	logger  *zap.Logger
}

// NewReplicationHandler creates a new replication handler
func NewReplicationHandler(session *service.DatabaseSession, logger *zap.Logger) *ReplicationHandler {
	return &ReplicationHandler{
		session: session,
		logger:  logger,
	}
}

// Register adds the handler to s
func (h *ReplicationHandler) Register(s *grpc.Server) {
	s.RegisterService(&ReplicationServiceDesc, h)
}

// Incoming runs an incoming handler over the stream until the peer closes
// it or the batch protocol fails
func (h *ReplicationHandler) Incoming(stream grpc.ServerStream) error {
	opts, err := incomingOptions(stream)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	ih := h.session.NewIncomingHandler(wire.NewGRPCConn(stream), opts)
	h.logger.Debug("Accepted replication stream",
		zap.String("connection_id", ih.ID()),
		zap.String("source", opts.Source))

	if err := ih.Run(stream.Context()); err != nil {
		h.logger.Warn("Replication stream failed",
			zap.String("connection_id", ih.ID()),
			zap.String("source", opts.Source),
			zap.Error(err))
		return toStatus(err)
	}
	return nil
}

func incomingOptions(stream grpc.ServerStream) (service.IncomingOptions, error) {
	md, _ := metadata.FromIncomingContext(stream.Context())
	opts := service.IncomingOptions{Source: first(md, wire.MetadataSource)}
	if opts.Source == "" {
		return opts, errors.InvalidArgument("missing "+wire.MetadataSource+" metadata", nil)
	}

	var err error
	if opts.TranslateSinkEntries, err = flag(md, wire.MetadataTranslateSink); err != nil {
		return opts, err
	}
	if opts.PreventDeletions, err = flag(md, wire.MetadataPreventDeletions); err != nil {
		return opts, err
	}
	return opts, nil
}

func first(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

func flag(md metadata.MD, key string) (bool, error) {
	v := first(md, key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errors.InvalidArgument("invalid "+key+" metadata", err)
	}
	return b, nil
}

func toStatus(err error) error {
	var se *errors.StorageError
	if stderrors.As(err, &se) {
		return se.ToGRPCStatus().Err()
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Internal, err.Error())
}
