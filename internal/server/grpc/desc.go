package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified admin service name.
const ServiceName = "identity.admin.v1.AdminService"

// AdminServer is the server API of the admin service. Requests and responses
// are google.protobuf.Struct so integrators need no generated stubs.
type AdminServer interface {
	VerifyAuthToken(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AuthenticateSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateProtectedProfile(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteUser(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type adminCall func(AdminServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(method string, call adminCall) grpc.MethodDesc {
	full := "/" + ServiceName + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(AdminServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(AdminServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// AdminServiceDesc describes the admin service for grpc.Server registration.
var AdminServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("VerifyAuthToken", AdminServer.VerifyAuthToken),
		unary("AuthenticateSession", AdminServer.AuthenticateSession),
		unary("UpdateProtectedProfile", AdminServer.UpdateProtectedProfile),
		unary("DeleteUser", AdminServer.DeleteUser),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "identity/admin/v1/admin.proto",
}

// RegisterAdminServer registers srv on s.
func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&AdminServiceDesc, srv)
}

// AdminClient calls the admin service over an established connection.
type AdminClient struct {
	cc grpc.ClientConnInterface
}

func NewAdminClient(cc grpc.ClientConnInterface) *AdminClient {
	return &AdminClient{cc: cc}
}

func (c *AdminClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AdminClient) VerifyAuthToken(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "VerifyAuthToken", in, opts...)
}

func (c *AdminClient) AuthenticateSession(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "AuthenticateSession", in, opts...)
}

func (c *AdminClient) UpdateProtectedProfile(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "UpdateProtectedProfile", in, opts...)
}

func (c *AdminClient) DeleteUser(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "DeleteUser", in, opts...)
}
