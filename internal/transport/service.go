// Package transport carries committed batches to out-of-process committer
// plugins over gRPC. Payloads are protobuf Struct values, so plugins need no
// generated code beyond the well-known types.
package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "tidewater.committer.v1.Committer"

const (
	methodCommit          = "/" + ServiceName + "/Commit"
	methodActivateVersion = "/" + ServiceName + "/ActivateVersion"
	methodHealth          = "/" + ServiceName + "/Health"
)

// CommitterServer is implemented by plugins.
type CommitterServer interface {
	Commit(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	ActivateVersion(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Health(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

var CommitterServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CommitterServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Commit", Handler: commitHandler},
		{MethodName: "ActivateVersion", Handler: activateVersionHandler},
		{MethodName: "Health", Handler: healthHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tidewater/committer/v1/committer.proto",
}

func RegisterCommitterServer(s grpc.ServiceRegistrar, srv CommitterServer) {
	s.RegisterService(&CommitterServiceDesc, srv)
}

func commitHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CommitterServer).Commit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodCommit}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(CommitterServer).Commit(ctx, req.(*structpb.Struct))
	})
}

func activateVersionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CommitterServer).ActivateVersion(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodActivateVersion}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(CommitterServer).ActivateVersion(ctx, req.(*structpb.Struct))
	})
}

func healthHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CommitterServer).Health(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodHealth}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(CommitterServer).Health(ctx, req.(*emptypb.Empty))
	})
}

// CommitterClient calls a plugin.
type CommitterClient struct {
	cc grpc.ClientConnInterface
}

func NewCommitterClient(cc grpc.ClientConnInterface) *CommitterClient {
	return &CommitterClient{cc: cc}
}

func (c *CommitterClient) Commit(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, methodCommit, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *CommitterClient) ActivateVersion(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, methodActivateVersion, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *CommitterClient) Health(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodHealth, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// UnimplementedCommitter can be embedded by plugins that only commit.
type UnimplementedCommitter struct{}

func (UnimplementedCommitter) ActivateVersion(context.Context, *structpb.Struct) (*emptypb.Empty, error) {
	return &emptypb.Empty{}, nil
}

func (UnimplementedCommitter) Health(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{"ok": true})
}
