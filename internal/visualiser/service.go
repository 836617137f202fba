package visualiser

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// MapServiceName is the fully qualified gRPC service name.
const MapServiceName = "psdf.MapService"

const (
	methodGetStatus    = "/" + MapServiceName + "/GetStatus"
	methodGetLatestMap = "/" + MapServiceName + "/GetLatestMap"
	methodGetSurface   = "/" + MapServiceName + "/GetSurface"
	methodPersist      = "/" + MapServiceName + "/Persist"
	methodStreamMaps   = "/" + MapServiceName + "/StreamMaps"
)

// MapServiceServer is the server API of psdf.MapService. Payloads use the
// protobuf well-known wrapper types; see proto/psdf.proto for their layout.
type MapServiceServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error)
	GetLatestMap(context.Context, *emptypb.Empty) (*wrapperspb.BytesValue, error)
	GetSurface(context.Context, *emptypb.Empty) (*wrapperspb.BytesValue, error)
	Persist(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	StreamMaps(*emptypb.Empty, MapService_StreamMapsServer) error
}

// MapService_StreamMapsServer is the server side of StreamMaps.
type MapService_StreamMapsServer interface {
	Send(*wrapperspb.BytesValue) error
	grpc.ServerStream
}

type streamMapsServer struct {
	grpc.ServerStream
}

func (s *streamMapsServer) Send(m *wrapperspb.BytesValue) error {
	return s.ServerStream.SendMsg(m)
}

// RegisterMapServiceServer registers srv on s.
func RegisterMapServiceServer(s grpc.ServiceRegistrar, srv MapServiceServer) {
	s.RegisterService(&mapServiceDesc, srv)
}

func unaryHandler[Req any, Resp any](method string, call func(MapServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(MapServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(MapServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func streamMapsHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(MapServiceServer).StreamMaps(in, &streamMapsServer{stream})
}

var mapServiceDesc = grpc.ServiceDesc{
	ServiceName: MapServiceName,
	HandlerType: (*MapServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: unaryHandler(methodGetStatus, MapServiceServer.GetStatus)},
		{MethodName: "GetLatestMap", Handler: unaryHandler(methodGetLatestMap, MapServiceServer.GetLatestMap)},
		{MethodName: "GetSurface", Handler: unaryHandler(methodGetSurface, MapServiceServer.GetSurface)},
		{MethodName: "Persist", Handler: unaryHandler(methodPersist, MapServiceServer.Persist)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamMaps", Handler: streamMapsHandler, ServerStreams: true},
	},
	Metadata: "proto/psdf.proto",
}
