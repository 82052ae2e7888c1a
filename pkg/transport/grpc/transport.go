// Package grpc carries gossip channels over gRPC bidirectional streams and
// serves the management API over unary gRPC calls. Both use a JSON codec.
package grpc

import (
    "context"
    "crypto/tls"
    "errors"
    "fmt"
    "io"
    "net"
    "sync"
    "time"

    "go.uber.org/zap"
    "google.golang.org/grpc"
    "google.golang.org/grpc/backoff"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/credentials/insecure"
    "google.golang.org/grpc/health"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"
    "google.golang.org/grpc/keepalive"

    "github.com/amirimatin/go-gossip/pkg/internal/logutil"
    "github.com/amirimatin/go-gossip/pkg/internal/pubsub"
    obsmetrics "github.com/amirimatin/go-gossip/pkg/observability/metrics"
    "github.com/amirimatin/go-gossip/pkg/observability/tracing"
    "github.com/amirimatin/go-gossip/pkg/transport"
)

// Options configures a gRPC Transport.
type Options struct {
    // Bind is the listen address, host:port. Port 0 picks a free port.
    Bind string
    // Advertise is the address announced to peers; defaults to the bound
    // address.
    Advertise string
    // LocalID is the member id announced in the handshake.
    LocalID   string
    ServerTLS *tls.Config
    ClientTLS *tls.Config
    // IdleTTL evicts outbound channels not used for that long.
    IdleTTL time.Duration
    // DialTimeout bounds connect plus handshake of an outbound channel.
    DialTimeout time.Duration
    QueueSize   int
    Buffer      int
    Logger      *zap.Logger
}

func (o Options) withDefaults() Options {
    if o.IdleTTL <= 0 { o.IdleTTL = 2 * time.Minute }
    if o.DialTimeout <= 0 { o.DialTimeout = 3 * time.Second }
    return o
}

// Transport implements transport.Transport over gRPC streams. Call Start
// before use.
type Transport struct {
    opts Options
    log  *zap.Logger
    bus  *pubsub.Bus[transport.Envelope]
    cm   *ConnManager

    ctx    context.Context
    cancel context.CancelFunc

    mu      sync.Mutex
    lis     net.Listener
    srv     *grpc.Server
    health  *health.Server
    local   transport.Endpoint
    out     map[transport.Endpoint]*outbound
    all     map[*transport.Channel]struct{}
    started bool
    closed  bool
}

type outbound struct {
    ch       *transport.Channel
    lastUsed time.Time
}

func New(opts Options) *Transport {
    opts = opts.withDefaults()
    ctx, cancel := context.WithCancel(context.Background())
    t := &Transport{
        opts:   opts,
        log:    logutil.OrNop(opts.Logger),
        bus:    pubsub.New[transport.Envelope](opts.Buffer),
        ctx:    ctx,
        cancel: cancel,
        out:    make(map[transport.Endpoint]*outbound),
        all:    make(map[*transport.Channel]struct{}),
    }
    t.cm = NewConnManager(opts.IdleTTL, t.dial)
    return t
}

// Start binds the listener and serves inbound streams until Close or ctx is
// done.
func (t *Transport) Start(ctx context.Context) error {
    t.mu.Lock()
    defer t.mu.Unlock()
    if t.closed { return transport.ErrTransportClosed }
    if t.started { return nil }
    lis, err := net.Listen("tcp", t.opts.Bind)
    if err != nil { return fmt.Errorf("grpc transport: listen %s: %w", t.opts.Bind, err) }
    adv := t.opts.Advertise
    if adv == "" { adv = lis.Addr().String() }
    local, err := transport.EndpointFromAddr(adv)
    if err != nil {
        _ = lis.Close()
        return fmt.Errorf("grpc transport: advertise address: %w", err)
    }

    opts := []grpc.ServerOption{
        grpc.ForceServerCodec(jsonCodec{}),
        grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}),
        grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}),
    }
    if t.opts.ServerTLS != nil { opts = append(opts, grpc.Creds(credentials.NewTLS(t.opts.ServerTLS))) }
    srv := grpc.NewServer(opts...)
    hs := health.NewServer()
    healthpb.RegisterHealthServer(srv, hs)
    srv.RegisterService(&_Transport_serviceDesc, &streamServer{t: t})

    t.lis, t.srv, t.health, t.local, t.started = lis, srv, hs, local, true
    t.log = t.log.With(zap.String("transport", local.String()))
    go func() {
        if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
            t.log.Warn("grpc transport: serve", zap.Error(err))
        }
    }()
    go t.janitor()
    go func() {
        select {
        case <-ctx.Done():
            _ = t.Close()
        case <-t.ctx.Done():
        }
    }()
    t.log.Info("grpc transport listening", zap.String("bind", lis.Addr().String()))
    return nil
}

// Local returns the advertised endpoint. Before Start it is derived from the
// options alone.
func (t *Transport) Local() transport.Endpoint {
    t.mu.Lock()
    defer t.mu.Unlock()
    if t.started { return t.local }
    addr := t.opts.Advertise
    if addr == "" { addr = t.opts.Bind }
    ep, _ := transport.EndpointFromAddr(addr)
    return ep
}

func (t *Transport) handshake() transport.HandshakeData {
    return transport.Handshake(t.Local(), t.opts.LocalID)
}

// Listen streams inbound envelopes until ctx is done or the transport closes.
func (t *Transport) Listen(ctx context.Context) <-chan transport.Envelope { return t.bus.Subscribe(ctx) }

// To returns the cached channel to ep or opens a new one in the background.
func (t *Transport) To(ep transport.Endpoint) (transport.Sender, error) {
    if ep.IsZero() { return nil, fmt.Errorf("grpc transport: empty endpoint") }
    t.mu.Lock()
    defer t.mu.Unlock()
    if t.closed { return nil, transport.ErrTransportClosed }
    if ob, ok := t.out[ep]; ok && ob.ch.Status() != transport.StatusClosed {
        ob.lastUsed = time.Now()
        obsmetrics.ChannelReuse.Inc()
        return ob.ch, nil
    }
    conn := &streamConn{}
    ch := transport.NewConnector(conn, t.channelOptions(func(c *transport.Channel) {
        t.mu.Lock()
        if ob, ok := t.out[ep]; ok && ob.ch == c { delete(t.out, ep) }
        t.mu.Unlock()
    }))
    t.out[ep] = &outbound{ch: ch, lastUsed: time.Now()}
    t.all[ch] = struct{}{}
    obsmetrics.ChannelDials.Inc()
    obsmetrics.ChannelsActive.Inc()
    go t.connect(ch, conn, ep)
    return ch, nil
}

func (t *Transport) channelOptions(onClose func(*transport.Channel)) transport.ChannelOptions {
    return transport.ChannelOptions{
        Logger:    t.log,
        QueueSize: t.opts.QueueSize,
        OnClose: func(c *transport.Channel) {
            t.mu.Lock()
            delete(t.all, c)
            t.mu.Unlock()
            obsmetrics.ChannelsActive.Dec()
            if onClose != nil { onClose(c) }
        },
    }
}

func (t *Transport) dial(ctx context.Context, target string) (*grpc.ClientConn, error) {
    opts := []grpc.DialOption{
        grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
        grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
        grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
    }
    if t.opts.ClientTLS != nil {
        opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(t.opts.ClientTLS)))
    } else {
        opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
    }
    return grpc.NewClient(target, opts...)
}

// connect opens the stream for an outbound channel and runs the handshake.
// Any failure closes the channel with the error as cause.
func (t *Transport) connect(ch *transport.Channel, conn *streamConn, ep transport.Endpoint) {
    _, end := tracing.StartSpan(t.ctx, "grpc.handshake", "peer", ep.String(), "side", "client")
    defer end()
    fail := func(err error) {
        t.log.Debug("grpc transport: connect failed", zap.Stringer("to", ep), zap.Error(err))
        ch.Close(fmt.Errorf("%w: %s: %v", transport.ErrUnreachable, ep, err), nil)
    }

    dctx, dcancel := context.WithTimeout(t.ctx, t.opts.DialTimeout)
    defer dcancel()
    cc, release, err := t.cm.Get(dctx, ep.Addr())
    if err != nil {
        fail(err)
        return
    }
    sctx, scancel := context.WithCancel(t.ctx)
    timer := time.AfterFunc(t.opts.DialTimeout, scancel)
    cs, err := cc.NewStream(sctx, &streamDesc, streamMethod)
    if err != nil {
        scancel()
        release()
        fail(err)
        return
    }
    if !conn.attach(cs, scancel, release) { return }

    if err := ch.Flip(transport.StatusConnectInProgress, transport.StatusConnected); err != nil {
        ch.Close(err, nil)
        return
    }
    if err := ch.Flip(transport.StatusConnected, transport.StatusHandshakeInProgress); err != nil {
        ch.Close(err, nil)
        return
    }
    local := t.handshake()
    if err := conn.send(&frame{Handshake: &local}); err != nil {
        fail(err)
        return
    }
    var f frame
    if err := cs.RecvMsg(&f); err != nil {
        fail(err)
        return
    }
    timer.Stop()
    if f.Handshake == nil {
        ch.Close(fmt.Errorf("grpc transport: %s: %w", ep, transport.ErrEmptyHandshake), nil)
        return
    }
    err = ch.SetRemoteHandshake(*f.Handshake)
    if err == nil { err = ch.Flip(transport.StatusHandshakeInProgress, transport.StatusHandshakePassed) }
    if err == nil { err = ch.Flip(transport.StatusHandshakePassed, transport.StatusReady) }
    if err != nil {
        ch.Close(err, nil)
        return
    }
    t.readLoop(ch, cs, f.Handshake.Endpoint)
}

// readLoop publishes inbound messages until the stream fails, then closes
// the channel.
func (t *Transport) readLoop(ch *transport.Channel, s msgStream, from transport.Endpoint) {
    for {
        var f frame
        if err := s.RecvMsg(&f); err != nil {
            if errors.Is(err, io.EOF) {
                ch.Close(nil, nil)
            } else {
                ch.Close(err, nil)
            }
            return
        }
        if f.Message == nil { continue }
        msg := *f.Message
        t.bus.Publish(transport.Envelope{Channel: ch, Message: msg, Source: from, CorrelationID: msg.CorrelationID})
    }
}

type streamServer struct{ t *Transport }

// Stream serves one inbound connection as an acceptor channel.
func (s *streamServer) Stream(stream grpc.ServerStream) error {
    t := s.t
    conn := &streamConn{stream: stream}
    ch := transport.NewAcceptor(conn, t.channelOptions(nil))
    t.mu.Lock()
    if t.closed {
        t.mu.Unlock()
        ch.Close(transport.ErrTransportClosed, nil)
        return transport.ErrTransportClosed
    }
    t.all[ch] = struct{}{}
    t.mu.Unlock()
    obsmetrics.ChannelsActive.Inc()

    remote, err := s.handshake(ch, conn, stream)
    if err != nil {
        ch.Close(err, nil)
        return err
    }
    go t.readLoop(ch, stream, remote)
    <-ch.Done()
    return nil
}

func (s *streamServer) handshake(ch *transport.Channel, conn *streamConn, stream grpc.ServerStream) (transport.Endpoint, error) {
    _, end := tracing.StartSpan(stream.Context(), "grpc.handshake", "side", "server")
    defer end()
    var f frame
    if err := stream.RecvMsg(&f); err != nil { return transport.Endpoint{}, err }
    if err := ch.Flip(transport.StatusConnected, transport.StatusHandshakeInProgress); err != nil { return transport.Endpoint{}, err }
    if f.Handshake == nil { return transport.Endpoint{}, transport.ErrEmptyHandshake }
    if err := ch.SetRemoteHandshake(*f.Handshake); err != nil { return transport.Endpoint{}, err }
    local := s.t.handshake()
    if err := conn.send(&frame{Handshake: &local}); err != nil { return transport.Endpoint{}, err }
    if err := ch.Flip(transport.StatusHandshakeInProgress, transport.StatusHandshakePassed); err != nil { return transport.Endpoint{}, err }
    if err := ch.Flip(transport.StatusHandshakePassed, transport.StatusReady); err != nil { return transport.Endpoint{}, err }
    s.t.log.Debug("accepted channel", zap.Stringer("from", f.Handshake.Endpoint), zap.Stringer("channel", ch))
    return f.Handshake.Endpoint, nil
}

// janitor closes outbound channels idle for longer than IdleTTL.
func (t *Transport) janitor() {
    ticker := time.NewTicker(t.opts.IdleTTL / 2)
    defer ticker.Stop()
    for {
        select {
        case <-t.ctx.Done():
            return
        case now := <-ticker.C:
            t.evictIdle(now)
        }
    }
}

func (t *Transport) evictIdle(now time.Time) int {
    cutoff := now.Add(-t.opts.IdleTTL)
    var idle []*transport.Channel
    t.mu.Lock()
    for ep, ob := range t.out {
        if ob.lastUsed.Before(cutoff) {
            idle = append(idle, ob.ch)
            delete(t.out, ep)
        }
    }
    t.mu.Unlock()
    for _, ch := range idle {
        obsmetrics.ChannelEvictions.Inc()
        ch.Close(nil, nil)
    }
    return len(idle)
}

// Close stops the server, closes every channel and the listener channels.
func (t *Transport) Close() error {
    t.mu.Lock()
    if t.closed {
        t.mu.Unlock()
        return nil
    }
    t.closed = true
    srv, hs := t.srv, t.health
    chs := make([]*transport.Channel, 0, len(t.all))
    for c := range t.all { chs = append(chs, c) }
    t.mu.Unlock()

    if hs != nil { hs.Shutdown() }
    for _, c := range chs { c.Close(transport.ErrTransportClosed, nil) }
    t.cancel()
    if srv != nil {
        done := make(chan struct{})
        go func() { srv.GracefulStop(); close(done) }()
        select {
        case <-done:
        case <-time.After(2 * time.Second):
            srv.Stop()
        }
    }
    t.cm.Close()
    t.bus.Close()
    return nil
}

var (
    _ transport.Transport = (*Transport)(nil)
    _ transport.Starter   = (*Transport)(nil)
)
