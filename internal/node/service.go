package node

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified name of the Region service.
const ServiceName = "geoconflict.v1.Region"

// Method names of the Region service.
const (
	MethodCreate         = "Create"
	MethodRead           = "Read"
	MethodReadCurrent    = "ReadCurrent"
	MethodReplace        = "Replace"
	MethodDelete         = "Delete"
	MethodListConflicts  = "ListConflicts"
	MethodDeleteConflict = "DeleteConflict"
	MethodDescribe       = "Describe"
)

// RegionServer is the server API of the Region service. Every message is a
// structpb.Struct; every request names the region it targets.
type RegionServer interface {
	Create(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Read(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReadCurrent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Replace(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Delete(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListConflicts(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteConflict(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Describe(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(RegionServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func handler(name string, call unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(RegionServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(RegionServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// RegionServiceDesc describes the Region service for grpc.Server.RegisterService.
var RegionServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RegionServer)(nil),
	Methods: []grpc.MethodDesc{
		handler(MethodCreate, RegionServer.Create),
		handler(MethodRead, RegionServer.Read),
		handler(MethodReadCurrent, RegionServer.ReadCurrent),
		handler(MethodReplace, RegionServer.Replace),
		handler(MethodDelete, RegionServer.Delete),
		handler(MethodListConflicts, RegionServer.ListConflicts),
		handler(MethodDeleteConflict, RegionServer.DeleteConflict),
		handler(MethodDescribe, RegionServer.Describe),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "geoconflict/v1/region.proto",
}

// RegisterRegionServer registers srv on s.
func RegisterRegionServer(s grpc.ServiceRegistrar, srv RegionServer) {
	s.RegisterService(&RegionServiceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}
