package grpc

import (
    "context"

    "google.golang.org/grpc"

    "github.com/amirimatin/go-clustercore/pkg/integrity"
    "github.com/amirimatin/go-clustercore/pkg/observability/tracing"
    "github.com/amirimatin/go-clustercore/pkg/transport"
)

const serviceName = "clustercore.v1.Cluster"

const (
    methodStatus    = "/" + serviceName + "/GetStatus"
    methodHeartbeat = "/" + serviceName + "/Heartbeat"
    methodJoin      = "/" + serviceName + "/Join"
    methodSync      = "/" + serviceName + "/Sync"
)

// internal request/response types used over gRPC JSON codec
type empty struct{}
type statusBlob struct{ Data []byte `json:"data"` }

type clusterServer interface {
    GetStatus(ctx context.Context, in *empty) (*statusBlob, error)
    Heartbeat(ctx context.Context, in *integrity.Envelope) (*transport.HeartbeatReply, error)
    Join(ctx context.Context, in *transport.JoinRequest) (*transport.JoinResponse, error)
    Sync(ctx context.Context, in *integrity.Envelope) (*integrity.Envelope, error)
}

type clusterImpl struct {
    h transport.Handlers
}

func (m *clusterImpl) GetStatus(ctx context.Context, _ *empty) (*statusBlob, error) {
    if m.h.Status == nil { return nil, toStatus(notSupported()) }
    ctx, end := tracing.StartSpan(ctx, "grpc.status")
    defer end()
    b, err := m.h.Status(ctx)
    if err != nil { return nil, toStatus(err) }
    return &statusBlob{Data: b}, nil
}

func (m *clusterImpl) Heartbeat(ctx context.Context, in *integrity.Envelope) (*transport.HeartbeatReply, error) {
    if m.h.Heartbeat == nil { return nil, toStatus(notSupported()) }
    ctx, end := tracing.StartSpan(ctx, "grpc.heartbeat")
    defer end()
    out, err := m.h.Heartbeat(ctx, *in)
    if err != nil { return nil, toStatus(err) }
    return &out, nil
}

// Join hands its follow-up to the stats handler, which runs it once the RPC
// has ended.
func (m *clusterImpl) Join(ctx context.Context, in *transport.JoinRequest) (*transport.JoinResponse, error) {
    if m.h.Join == nil { return nil, toStatus(notSupported()) }
    sctx, end := tracing.StartSpan(ctx, "grpc.join")
    defer end()
    out, after, err := m.h.Join(sctx, *in)
    if err != nil { return nil, toStatus(err) }
    if after != nil { setFollowUp(ctx, after) }
    return &out, nil
}

func (m *clusterImpl) Sync(ctx context.Context, in *integrity.Envelope) (*integrity.Envelope, error) {
    if m.h.Sync == nil { return nil, toStatus(notSupported()) }
    ctx, end := tracing.StartSpan(ctx, "grpc.sync")
    defer end()
    out, err := m.h.Sync(ctx, *in)
    if err != nil { return nil, toStatus(err) }
    return &out, nil
}

// Service descriptor and handlers (hand-written, no codegen required)
var _Cluster_serviceDesc = grpc.ServiceDesc{
    ServiceName: serviceName,
    HandlerType: (*clusterServer)(nil),
    Methods: []grpc.MethodDesc{
        {MethodName: "GetStatus", Handler: _Cluster_GetStatus_Handler},
        {MethodName: "Heartbeat", Handler: _Cluster_Heartbeat_Handler},
        {MethodName: "Join", Handler: _Cluster_Join_Handler},
        {MethodName: "Sync", Handler: _Cluster_Sync_Handler},
    },
}

func _Cluster_GetStatus_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
    in := new(empty)
    if err := dec(in); err != nil { return nil, err }
    if interceptor == nil { return srv.(clusterServer).GetStatus(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodStatus}
    handler := func(ctx context.Context, req interface{}) (interface{}, error) {
        return srv.(clusterServer).GetStatus(ctx, req.(*empty))
    }
    return interceptor(ctx, in, info, handler)
}

func _Cluster_Heartbeat_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
    in := new(integrity.Envelope)
    if err := dec(in); err != nil { return nil, toStatus(transport.SchemaViolation(err.Error())) }
    if interceptor == nil { return srv.(clusterServer).Heartbeat(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodHeartbeat}
    handler := func(ctx context.Context, req interface{}) (interface{}, error) {
        return srv.(clusterServer).Heartbeat(ctx, req.(*integrity.Envelope))
    }
    return interceptor(ctx, in, info, handler)
}

func _Cluster_Join_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
    in := new(transport.JoinRequest)
    if err := dec(in); err != nil { return nil, toStatus(transport.SchemaViolation(err.Error())) }
    if interceptor == nil { return srv.(clusterServer).Join(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodJoin}
    handler := func(ctx context.Context, req interface{}) (interface{}, error) {
        return srv.(clusterServer).Join(ctx, req.(*transport.JoinRequest))
    }
    return interceptor(ctx, in, info, handler)
}

func _Cluster_Sync_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
    in := new(integrity.Envelope)
    if err := dec(in); err != nil { return nil, toStatus(transport.SchemaViolation(err.Error())) }
    if interceptor == nil { return srv.(clusterServer).Sync(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSync}
    handler := func(ctx context.Context, req interface{}) (interface{}, error) {
        return srv.(clusterServer).Sync(ctx, req.(*integrity.Envelope))
    }
    return interceptor(ctx, in, info, handler)
}
