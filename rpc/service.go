package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	Tally_Upload_FullMethodName       = "/tally.v1.Tally/Upload"
	Tally_Submit_FullMethodName       = "/tally.v1.Tally/Submit"
	Tally_Query_FullMethodName        = "/tally.v1.Tally/Query"
	Tally_StreamOutput_FullMethodName = "/tally.v1.Tally/StreamOutput"
	Tally_Watch_FullMethodName        = "/tally.v1.Tally/Watch"
	Tally_ListJobs_FullMethodName     = "/tally.v1.Tally/ListJobs"
)

// TallyClient is the client API for the Tally service
type TallyClient interface {
	Upload(ctx context.Context, opts ...grpc.CallOption) (grpc.ClientStreamingClient[UploadChunk, SubmitResponse], error)
	Submit(ctx context.Context, in *SubmitRequest, opts ...grpc.CallOption) (*SubmitResponse, error)
	Query(ctx context.Context, in *QueryRequest, opts ...grpc.CallOption) (*QueryResponse, error)
	StreamOutput(ctx context.Context, in *OutputRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[OutputChunk], error)
	Watch(ctx context.Context, in *QueryRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[QueryResponse], error)
	ListJobs(ctx context.Context, in *ListJobsRequest, opts ...grpc.CallOption) (*ListJobsResponse, error)
}

type tallyClient struct {
	cc grpc.ClientConnInterface
}

// NewTallyClient binds a connection. Every call is sent with the JSON codec.
func NewTallyClient(cc grpc.ClientConnInterface) TallyClient {
	return &tallyClient{cc}
}

func callOptions(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

func (c *tallyClient) Upload(ctx context.Context, opts ...grpc.CallOption) (grpc.ClientStreamingClient[UploadChunk, SubmitResponse], error) {
	stream, err := c.cc.NewStream(ctx, &Tally_ServiceDesc.Streams[0], Tally_Upload_FullMethodName, callOptions(opts)...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[UploadChunk, SubmitResponse]{ClientStream: stream}, nil
}

func (c *tallyClient) Submit(ctx context.Context, in *SubmitRequest, opts ...grpc.CallOption) (*SubmitResponse, error) {
	out := new(SubmitResponse)
	if err := c.cc.Invoke(ctx, Tally_Submit_FullMethodName, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *tallyClient) Query(ctx context.Context, in *QueryRequest, opts ...grpc.CallOption) (*QueryResponse, error) {
	out := new(QueryResponse)
	if err := c.cc.Invoke(ctx, Tally_Query_FullMethodName, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *tallyClient) StreamOutput(ctx context.Context, in *OutputRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[OutputChunk], error) {
	stream, err := c.cc.NewStream(ctx, &Tally_ServiceDesc.Streams[1], Tally_StreamOutput_FullMethodName, callOptions(opts)...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[OutputRequest, OutputChunk]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

func (c *tallyClient) Watch(ctx context.Context, in *QueryRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[QueryResponse], error) {
	stream, err := c.cc.NewStream(ctx, &Tally_ServiceDesc.Streams[2], Tally_Watch_FullMethodName, callOptions(opts)...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[QueryRequest, QueryResponse]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

func (c *tallyClient) ListJobs(ctx context.Context, in *ListJobsRequest, opts ...grpc.CallOption) (*ListJobsResponse, error) {
	out := new(ListJobsResponse)
	if err := c.cc.Invoke(ctx, Tally_ListJobs_FullMethodName, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

// TallyServer is the server API for the Tally service.
// Implementations should embed UnimplementedTallyServer.
type TallyServer interface {
	Upload(grpc.ClientStreamingServer[UploadChunk, SubmitResponse]) error
	Submit(context.Context, *SubmitRequest) (*SubmitResponse, error)
	Query(context.Context, *QueryRequest) (*QueryResponse, error)
	StreamOutput(*OutputRequest, grpc.ServerStreamingServer[OutputChunk]) error
	Watch(*QueryRequest, grpc.ServerStreamingServer[QueryResponse]) error
	ListJobs(context.Context, *ListJobsRequest) (*ListJobsResponse, error)
}

// UnimplementedTallyServer answers every method with codes.Unimplemented
type UnimplementedTallyServer struct{}

func (UnimplementedTallyServer) Upload(grpc.ClientStreamingServer[UploadChunk, SubmitResponse]) error {
	return status.Errorf(codes.Unimplemented, "method Upload not implemented")
}
func (UnimplementedTallyServer) Submit(context.Context, *SubmitRequest) (*SubmitResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Submit not implemented")
}
func (UnimplementedTallyServer) Query(context.Context, *QueryRequest) (*QueryResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Query not implemented")
}
func (UnimplementedTallyServer) StreamOutput(*OutputRequest, grpc.ServerStreamingServer[OutputChunk]) error {
	return status.Errorf(codes.Unimplemented, "method StreamOutput not implemented")
}
func (UnimplementedTallyServer) Watch(*QueryRequest, grpc.ServerStreamingServer[QueryResponse]) error {
	return status.Errorf(codes.Unimplemented, "method Watch not implemented")
}
func (UnimplementedTallyServer) ListJobs(context.Context, *ListJobsRequest) (*ListJobsResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method ListJobs not implemented")
}

// RegisterTallyServer registers srv on s
func RegisterTallyServer(s grpc.ServiceRegistrar, srv TallyServer) {
	s.RegisterService(&Tally_ServiceDesc, srv)
}

func _Tally_Upload_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(TallyServer).Upload(&grpc.GenericServerStream[UploadChunk, SubmitResponse]{ServerStream: stream})
}

func _Tally_Submit_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(SubmitRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TallyServer).Submit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: Tally_Submit_FullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TallyServer).Submit(ctx, req.(*SubmitRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Tally_Query_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(QueryRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TallyServer).Query(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: Tally_Query_FullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TallyServer).Query(ctx, req.(*QueryRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Tally_StreamOutput_Handler(srv interface{}, stream grpc.ServerStream) error {
	m := new(OutputRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(TallyServer).StreamOutput(m, &grpc.GenericServerStream[OutputRequest, OutputChunk]{ServerStream: stream})
}

func _Tally_Watch_Handler(srv interface{}, stream grpc.ServerStream) error {
	m := new(QueryRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(TallyServer).Watch(m, &grpc.GenericServerStream[QueryRequest, QueryResponse]{ServerStream: stream})
}

func _Tally_ListJobs_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ListJobsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TallyServer).ListJobs(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: Tally_ListJobs_FullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TallyServer).ListJobs(ctx, req.(*ListJobsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// Tally_ServiceDesc describes tally.v1.Tally. Stream indexes are relied on
// by the client bindings above.
var Tally_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "tally.v1.Tally",
	HandlerType: (*TallyServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: _Tally_Submit_Handler},
		{MethodName: "Query", Handler: _Tally_Query_Handler},
		{MethodName: "ListJobs", Handler: _Tally_ListJobs_Handler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Upload", Handler: _Tally_Upload_Handler, ClientStreams: true},
		{StreamName: "StreamOutput", Handler: _Tally_StreamOutput_Handler, ServerStreams: true},
		{StreamName: "Watch", Handler: _Tally_Watch_Handler, ServerStreams: true},
	},
	Metadata: "tally/v1/tally.proto",
}
