package memory

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Wire contract for the user-memory service. Every RPC carries a
// google.protobuf.Struct in both directions so no generated stubs are needed.
//
//	CreateSession  {app_id, user_name}                  -> {user_id, session_id}
//	AddMessages    {session_id, user_id, messages[]}    -> {}
//	Chat           {session_id, user_id, queries[]}     -> {content}
//	DeleteSession  {session_id, user_id}                -> {}

// #region names
const (
	ServiceName = "steerability.memory.v1.MemoryService"

	methodCreateSession = "/" + ServiceName + "/CreateSession"
	methodAddMessages   = "/" + ServiceName + "/AddMessages"
	methodChat          = "/" + ServiceName + "/Chat"
	methodDeleteSession = "/" + ServiceName + "/DeleteSession"
)
// #endregion names

// #region client-interface
// ServiceClient is the raw RPC surface.
type ServiceClient interface {
	CreateSession(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	AddMessages(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Chat(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	DeleteSession(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type serviceClient struct {
	cc grpc.ClientConnInterface
}

// NewServiceClient binds the RPC surface to a connection.
func NewServiceClient(cc grpc.ClientConnInterface) ServiceClient {
	return &serviceClient{cc: cc}
}

func (c *serviceClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *serviceClient) CreateSession(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodCreateSession, in, opts...)
}

func (c *serviceClient) AddMessages(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodAddMessages, in, opts...)
}

func (c *serviceClient) Chat(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodChat, in, opts...)
}

func (c *serviceClient) DeleteSession(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodDeleteSession, in, opts...)
}
// #endregion client-interface

// #region server
// ServiceServer is implemented by memory service backends and test fakes.
type ServiceServer interface {
	CreateSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AddMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Chat(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterServiceServer registers srv on s.
func RegisterServiceServer(s grpc.ServiceRegistrar, srv ServiceServer) {
	s.RegisterService(&serviceDesc, srv)
}

func unaryHandler(method string, call func(ServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(ServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateSession", Handler: unaryHandler(methodCreateSession, ServiceServer.CreateSession)},
		{MethodName: "AddMessages", Handler: unaryHandler(methodAddMessages, ServiceServer.AddMessages)},
		{MethodName: "Chat", Handler: unaryHandler(methodChat, ServiceServer.Chat)},
		{MethodName: "DeleteSession", Handler: unaryHandler(methodDeleteSession, ServiceServer.DeleteSession)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "steerability/memory/v1/memory.proto",
}
// #endregion server
