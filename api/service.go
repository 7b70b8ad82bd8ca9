package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "auditchain.v1.AuditChain"

const (
	hashMethod            = "/" + ServiceName + "/Hash"
	verifyMethod          = "/" + ServiceName + "/Verify"
	appendMethod          = "/" + ServiceName + "/Append"
	getMethod             = "/" + ServiceName + "/Get"
	searchMethod          = "/" + ServiceName + "/Search"
	blocksMethod          = "/" + ServiceName + "/Blocks"
	validateMethod        = "/" + ServiceName + "/Validate"
	rootMethod            = "/" + ServiceName + "/Root"
	proofMethod           = "/" + ServiceName + "/Proof"
	verifyInclusionMethod = "/" + ServiceName + "/VerifyInclusion"
)

// Metadata keys carried by the upload streams
const (
	FilenameKey   = "filename"
	StoredHashKey = "stored-hash"
)

type (
	UploadStream = grpc.ClientStreamingServer[wrapperspb.BytesValue, structpb.Struct]
	BlockStream  = grpc.ServerStreamingServer[structpb.Struct]
)

// AuditChainServer is the server API of the AuditChain service
type AuditChainServer interface {
	Hash(UploadStream) error
	Verify(UploadStream) error
	Append(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Get(context.Context, *wrapperspb.UInt64Value) (*structpb.Struct, error)
	Search(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Blocks(*emptypb.Empty, BlockStream) error
	Validate(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Root(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error)
	Proof(context.Context, *wrapperspb.UInt64Value) (*structpb.Struct, error)
	VerifyInclusion(context.Context, *structpb.Struct) (*wrapperspb.BoolValue, error)
}

// RegisterAuditChainServer registers srv with s
func RegisterAuditChainServer(s grpc.ServiceRegistrar, srv AuditChainServer) {
	s.RegisterService(&serviceDesc, srv)
}

func unaryHandler[Req, Res any](method string, call func(AuditChainServer, context.Context, *Req) (*Res, error)) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(AuditChainServer), ctx, in)
		}

		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(AuditChainServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func uploadHandler(call func(AuditChainServer, UploadStream) error) grpc.StreamHandler {
	return func(srv interface{}, stream grpc.ServerStream) error {
		return call(srv.(AuditChainServer), &grpc.GenericServerStream[wrapperspb.BytesValue, structpb.Struct]{ServerStream: stream})
	}
}

func blocksHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(AuditChainServer).Blocks(in, &grpc.GenericServerStream[emptypb.Empty, structpb.Struct]{ServerStream: stream})
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AuditChainServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Append", Handler: unaryHandler(appendMethod, AuditChainServer.Append)},
		{MethodName: "Get", Handler: unaryHandler(getMethod, AuditChainServer.Get)},
		{MethodName: "Search", Handler: unaryHandler(searchMethod, AuditChainServer.Search)},
		{MethodName: "Validate", Handler: unaryHandler(validateMethod, AuditChainServer.Validate)},
		{MethodName: "Root", Handler: unaryHandler(rootMethod, AuditChainServer.Root)},
		{MethodName: "Proof", Handler: unaryHandler(proofMethod, AuditChainServer.Proof)},
		{MethodName: "VerifyInclusion", Handler: unaryHandler(verifyInclusionMethod, AuditChainServer.VerifyInclusion)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Hash", Handler: uploadHandler(AuditChainServer.Hash), ClientStreams: true},
		{StreamName: "Verify", Handler: uploadHandler(AuditChainServer.Verify), ClientStreams: true},
		{StreamName: "Blocks", Handler: blocksHandler, ServerStreams: true},
	},
}
