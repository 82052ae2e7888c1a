package grpc

import (
    "context"
    "crypto/tls"
    "errors"
    "net"
    "time"

    "go.uber.org/zap"
    "google.golang.org/grpc"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/health"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"
    "google.golang.org/grpc/keepalive"

    "github.com/amirimatin/go-gossip/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-gossip/pkg/observability/metrics"
    "github.com/amirimatin/go-gossip/pkg/observability/tracing"
    "github.com/amirimatin/go-gossip/pkg/transport"
)

// errNotSupported is returned for management calls without a handler.
var errNotSupported = errors.New("not supported")

// Server implements transport.RPCServer over gRPC using a JSON codec.
type Server struct {
    bind   string
    lis    net.Listener
    srv    *grpc.Server
    tlsCfg *tls.Config
    log    *zap.Logger
}

func NewServer(bind string, logger *zap.Logger) *Server {
    return &Server{bind: bind, log: logutil.OrNop(logger)}
}

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

type empty struct{}
type blob struct {
    Data []byte `json:"data"`
}

type managementServer interface {
    GetStatus(ctx context.Context, in *empty) (*blob, error)
    GetMembers(ctx context.Context, in *empty) (*blob, error)
    Publish(ctx context.Context, in *transport.PublishRequest) (*transport.PublishResponse, error)
    Join(ctx context.Context, in *transport.JoinRequest) (*transport.JoinResponse, error)
    Leave(ctx context.Context, in *transport.LeaveRequest) (*transport.LeaveResponse, error)
}

type mgmtImpl struct{ h transport.Handlers }

func count(op string, err error) {
    res := "ok"
    if err != nil { res = "error" }
    obsmetrics.MgmtRequests.WithLabelValues(op, res).Inc()
}

func (m *mgmtImpl) GetStatus(ctx context.Context, _ *empty) (*blob, error) {
    if m.h.Status == nil { return nil, errNotSupported }
    ctx, end := tracing.StartSpan(ctx, "grpc.status")
    defer end()
    b, err := m.h.Status(ctx)
    count("status", err)
    if err != nil { return nil, err }
    return &blob{Data: b}, nil
}

func (m *mgmtImpl) GetMembers(ctx context.Context, _ *empty) (*blob, error) {
    if m.h.Members == nil { return nil, errNotSupported }
    ctx, end := tracing.StartSpan(ctx, "grpc.members")
    defer end()
    b, err := m.h.Members(ctx)
    count("members", err)
    if err != nil { return nil, err }
    return &blob{Data: b}, nil
}

func (m *mgmtImpl) Publish(ctx context.Context, in *transport.PublishRequest) (*transport.PublishResponse, error) {
    if in == nil { in = &transport.PublishRequest{} }
    if m.h.Publish == nil { return &transport.PublishResponse{Error: errNotSupported.Error()}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.publish")
    defer end()
    out, err := m.h.Publish(ctx, *in)
    count("publish", err)
    if err != nil { return &transport.PublishResponse{Error: err.Error()}, nil }
    return &out, nil
}

func (m *mgmtImpl) Join(ctx context.Context, in *transport.JoinRequest) (*transport.JoinResponse, error) {
    if in == nil { in = &transport.JoinRequest{} }
    if m.h.Join == nil { return &transport.JoinResponse{Accepted: false, Error: errNotSupported.Error()}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.join")
    defer end()
    out, err := m.h.Join(ctx, *in)
    count("join", err)
    if err != nil { return &transport.JoinResponse{Accepted: false, Error: err.Error()}, nil }
    return &out, nil
}

func (m *mgmtImpl) Leave(ctx context.Context, in *transport.LeaveRequest) (*transport.LeaveResponse, error) {
    if in == nil { in = &transport.LeaveRequest{} }
    if m.h.Leave == nil { return &transport.LeaveResponse{Accepted: false, Error: "leave not supported"}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.leave")
    defer end()
    out, err := m.h.Leave(ctx, *in)
    count("leave", err)
    if err != nil { return &transport.LeaveResponse{Accepted: false, Error: err.Error()}, nil }
    return &out, nil
}

// Service descriptor and handlers (hand-written, no codegen required)
var _Management_serviceDesc = grpc.ServiceDesc{
    ServiceName: "gossip.v1.Management",
    HandlerType: (*managementServer)(nil),
    Methods: []grpc.MethodDesc{
        {MethodName: "GetStatus", Handler: _Management_GetStatus_Handler},
        {MethodName: "GetMembers", Handler: _Management_GetMembers_Handler},
        {MethodName: "Publish", Handler: _Management_Publish_Handler},
        {MethodName: "Join", Handler: _Management_Join_Handler},
        {MethodName: "Leave", Handler: _Management_Leave_Handler},
    },
}

// unary builds a method handler for a request type In. It keeps interceptor
// support the way generated code does.
func unary[In any, Out any](method string, call func(managementServer, context.Context, *In) (Out, error)) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
    return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
        in := new(In)
        if err := dec(in); err != nil { return nil, err }
        if interceptor == nil { return call(srv.(managementServer), ctx, in) }
        info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/gossip.v1.Management/" + method}
        handler := func(ctx context.Context, req interface{}) (interface{}, error) {
            return call(srv.(managementServer), ctx, req.(*In))
        }
        return interceptor(ctx, in, info, handler)
    }
}

var (
    _Management_GetStatus_Handler = unary("GetStatus", func(s managementServer, ctx context.Context, in *empty) (*blob, error) {
        return s.GetStatus(ctx, in)
    })
    _Management_GetMembers_Handler = unary("GetMembers", func(s managementServer, ctx context.Context, in *empty) (*blob, error) {
        return s.GetMembers(ctx, in)
    })
    _Management_Publish_Handler = unary("Publish", func(s managementServer, ctx context.Context, in *transport.PublishRequest) (*transport.PublishResponse, error) {
        return s.Publish(ctx, in)
    })
    _Management_Join_Handler = unary("Join", func(s managementServer, ctx context.Context, in *transport.JoinRequest) (*transport.JoinResponse, error) {
        return s.Join(ctx, in)
    })
    _Management_Leave_Handler = unary("Leave", func(s managementServer, ctx context.Context, in *transport.LeaveRequest) (*transport.LeaveResponse, error) {
        return s.Leave(ctx, in)
    })
)

func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
    lis, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    s.lis = lis
    s.bind = lis.Addr().String()
    var opts []grpc.ServerOption
    opts = append(opts, grpc.ForceServerCodec(jsonCodec{}))
    opts = append(opts, grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}))
    opts = append(opts, grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}))
    if s.tlsCfg != nil { opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg))) }
    srv := grpc.NewServer(opts...)
    s.srv = srv
    healthpb.RegisterHealthServer(srv, health.NewServer())
    srv.RegisterService(&_Management_serviceDesc, &mgmtImpl{h: h})

    go func() {
        <-ctx.Done()
        ch := make(chan struct{})
        go func() { srv.GracefulStop(); close(ch) }()
        select {
        case <-ch:
        case <-time.After(2 * time.Second):
            srv.Stop()
        }
    }()
    go func() { _ = srv.Serve(lis) }()
    s.log.Info("grpc management listening", zap.String("addr", s.bind))
    return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string { return s.bind }

func (s *Server) Stop(ctx context.Context) error {
    if s.srv == nil { return nil }
    ch := make(chan struct{})
    go func() { s.srv.GracefulStop(); close(ch) }()
    select {
    case <-ch:
    case <-ctx.Done():
        s.srv.Stop()
    }
    s.srv = nil
    if s.lis != nil { _ = s.lis.Close(); s.lis = nil }
    return nil
}

var _ transport.RPCServer = (*Server)(nil)
