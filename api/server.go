package api

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/frankonly/auditchain/audit"
	"github.com/frankonly/auditchain/chain"
	"github.com/frankonly/auditchain/crypto"
	"github.com/frankonly/auditchain/merkle"
	"github.com/frankonly/auditchain/storage"
)

type Server struct {
	svc *audit.Service
}

func NewServer(svc *audit.Service) *Server {
	return &Server{svc: svc}
}

// Register adds the AuditChain service to g
func (s *Server) Register(g grpc.ServiceRegistrar) {
	RegisterAuditChainServer(g, s)
}

func (s *Server) Hash(stream UploadStream) error {
	filename := firstMetadata(stream.Context(), FilenameKey)

	res, err := s.svc.Hash(stream.Context(), newChunkReader(stream), filename)
	if err != nil {
		return toStatus(err)
	}

	return sendStruct(stream, res)
}

func (s *Server) Verify(stream UploadStream) error {
	ctx := stream.Context()
	filename := firstMetadata(ctx, FilenameKey)
	stored := firstMetadata(ctx, StoredHashKey)
	if stored == "" {
		return status.Errorf(codes.InvalidArgument, "missing %q metadata", StoredHashKey)
	}

	res, err := s.svc.Verify(ctx, newChunkReader(stream), filename, stored)
	if err != nil {
		return toStatus(err)
	}

	return sendStruct(stream, res)
}

func (s *Server) Append(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req AppendRequest
	if err := FromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	op, err := chain.ParseOperation(req.Operation)
	if err != nil {
		return nil, toStatus(err)
	}

	b, err := s.svc.Append(ctx, op, req.Filename, req.Result)
	if err != nil {
		return nil, toStatus(err)
	}

	return toStatusStruct(b)
}

func (s *Server) Get(_ context.Context, in *wrapperspb.UInt64Value) (*structpb.Struct, error) {
	b, err := s.svc.Store().Get(in.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}

	return toStatusStruct(b)
}

func (s *Server) Search(_ context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	b, err := s.svc.Store().Search(in.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}

	return toStatusStruct(b)
}

func (s *Server) Blocks(_ *emptypb.Empty, stream BlockStream) error {
	for _, b := range s.svc.Store().All() {
		msg, err := ToStruct(b)
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		if err := stream.Send(msg); err != nil {
			return err
		}
	}

	return nil
}

func (s *Server) Validate(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	report, err := s.svc.Validate(ctx)
	if err != nil {
		return nil, toStatus(err)
	}

	return toStatusStruct(report)
}

func (s *Server) Root(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error) {
	root, err := s.svc.Store().Root()
	if err != nil {
		return nil, toStatus(err)
	}

	return wrapperspb.String(root), nil
}

func (s *Server) Proof(_ context.Context, in *wrapperspb.UInt64Value) (*structpb.Struct, error) {
	proof, err := s.svc.Proof(in.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}

	return toStatusStruct(proof)
}

func (s *Server) VerifyInclusion(_ context.Context, in *structpb.Struct) (*wrapperspb.BoolValue, error) {
	var req audit.InclusionRequest
	if err := FromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	ok, err := req.Verify()
	if err != nil {
		return nil, toStatus(err)
	}

	return wrapperspb.Bool(ok), nil
}

// toStatus maps domain errors to gRPC status errors
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, storage.ErrOutOfRange):
		return status.Error(codes.OutOfRange, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, merkle.ErrInvalidProof),
		errors.Is(err, chain.ErrInvalidOperation),
		errors.Is(err, audit.ErrMissingHash):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, crypto.ErrIO):
		return status.Error(codes.DataLoss, err.Error())
	case errors.Is(err, chain.ErrValidationTimeout), errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, chain.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func toStatusStruct(v interface{}) (*structpb.Struct, error) {
	msg, err := ToStruct(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	return msg, nil
}

func sendStruct(stream UploadStream, v interface{}) error {
	msg, err := toStatusStruct(v)
	if err != nil {
		return err
	}

	return stream.SendAndClose(msg)
}

func firstMetadata(ctx context.Context, key string) string {
	if values := metadata.ValueFromIncomingContext(ctx, key); len(values) > 0 {
		return values[0]
	}

	return ""
}

// chunkReader reads the bytes of an upload stream until the client closes it
type chunkReader struct {
	recv func() (*wrapperspb.BytesValue, error)
	buf  []byte
}

func newChunkReader(stream UploadStream) *chunkReader {
	return &chunkReader{recv: stream.Recv}
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		msg, err := r.recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return 0, io.EOF
			}
			return 0, err
		}
		r.buf = msg.GetValue()
	}

	n := copy(p, r.buf)
	r.buf = r.buf[n:]

	return n, nil
}
