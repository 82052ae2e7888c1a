package cluster

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "sync"
    "time"

    "go.uber.org/zap"

    "github.com/amirimatin/go-gossip/pkg/gossip"
    "github.com/amirimatin/go-gossip/pkg/internal/pubsub"
    "github.com/amirimatin/go-gossip/pkg/membership"
    obsmetrics "github.com/amirimatin/go-gossip/pkg/observability/metrics"
    "github.com/amirimatin/go-gossip/pkg/observability/tracing"
    "github.com/amirimatin/go-gossip/pkg/transport"
)

// PublishQualifier is the qualifier given to gossips injected through the
// management API without one.
const PublishQualifier = "app/publish"

// Facade exposes the high-level API for consumers.
type Facade interface {
    Start(ctx context.Context) error
    Gossip(ctx context.Context, msg transport.Message) (string, error)
    ListenGossips(ctx context.Context) <-chan transport.Message
    Subscribe(ctx context.Context) <-chan Event
    Members() []membership.MemberInfo
    Status(ctx context.Context) (*ClusterStatus, error)
    Join(ctx context.Context, seeds []string) error
    Leave(ctx context.Context) error
    Stop(ctx context.Context) error
}

// Cluster is the concrete implementation of the Facade. It feeds the gossip
// engine with the membership view, runs the management endpoint and fans
// delivered gossips out to the application.
type Cluster struct {
    opts Options
    log  *zap.Logger
    mem  membership.Membership
    tr   transport.Transport
    rpcS transport.RPCServer

    events  *pubsub.Bus[Event]
    gossips *pubsub.Bus[transport.Message]

    mu  sync.RWMutex
    run struct {
        started bool
        closed  bool
        cancel  context.CancelFunc
    }
    proto *gossip.Protocol
    wg    sync.WaitGroup
}

var _ Facade = (*Cluster)(nil)

// New constructs a new Cluster instance from validated options. It performs no
// network activity; call Start to launch the node.
func New(opts Options) (*Cluster, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    if opts.MemberRefresh == 0 { opts.MemberRefresh = DefaultMemberRefresh }
    lg := opts.Logger
    if lg == nil { lg = zap.NewNop() }
    buf := opts.Gossip.SubscriberBuffer
    if buf <= 0 { buf = gossip.DefaultSubscriberBuffer }
    return &Cluster{
        opts:    opts,
        log:     lg.With(zap.String("node", string(opts.NodeID))),
        mem:     opts.Membership,
        tr:      opts.Transport,
        rpcS:    opts.RPCServer,
        events:  pubsub.New[Event](64),
        gossips: pubsub.New[transport.Message](buf),
    }, nil
}

// Close is a convenience alias for Stop with a background context.
func (c *Cluster) Close() error { return c.Stop(context.Background()) }

// Start launches the transport, membership, the gossip engine and the
// management endpoint.
func (c *Cluster) Start(ctx context.Context) error {
    c.mu.Lock()
    defer c.mu.Unlock()
    if c.run.closed { return ErrClosed }
    if c.run.started { return nil }
    obsmetrics.Register()

    if s, ok := c.tr.(transport.Starter); ok {
        if err := s.Start(ctx); err != nil { return err }
    }
    local := c.tr.Local()
    self := membership.Endpoint{ID: string(c.opts.NodeID), Host: local.Host, Port: local.Port}
    gopts := c.opts.Gossip
    if gopts.Logger == nil { gopts.Logger = c.opts.Logger }
    proto, err := gossip.New(self, c.tr, gopts)
    if err != nil { return err }

    if err := c.mem.Start(ctx); err != nil { return fmt.Errorf("cluster: membership: %w", err) }
    if c.opts.Discovery != nil {
        seeds, err := c.opts.Discovery.Seeds(ctx)
        switch {
        case err != nil:
            c.log.Warn("seed discovery failed", zap.Error(err))
        case len(seeds) > 0:
            c.log.Info("joining membership seeds", zap.Strings("seeds", seeds))
            if err := c.mem.Join(seeds); err != nil { c.log.Warn("join seeds failed", zap.Error(err)) }
        }
    }

    rctx, cancel := context.WithCancel(context.Background())
    delivered := proto.Listen(rctx)
    if err := proto.Start(rctx); err != nil {
        cancel()
        c.stopMembership()
        return err
    }
    // handlers needing the protocol wait on c.mu until Start returns
    if c.rpcS != nil {
        if err := c.rpcS.Start(ctx, c.handlers()); err != nil {
            cancel()
            proto.Stop()
            c.stopMembership()
            return fmt.Errorf("cluster: management endpoint: %w", err)
        }
        c.log.Info("management endpoint listening", zap.String("addr", c.rpcS.Addr()))
    }
    c.proto = proto
    c.run.cancel = cancel
    c.run.started = true
    c.syncMembers()

    c.wg.Add(3)
    go c.membershipEventsLoop(rctx)
    go c.refreshLoop(rctx)
    go c.deliverLoop(rctx, delivered)
    c.log.Info("cluster started", zap.String("endpoint", self.String()))
    return nil
}

// Stop gracefully shuts down the gossip engine, membership, the management
// server and the transport.
func (c *Cluster) Stop(ctx context.Context) error {
    c.mu.Lock()
    if c.run.closed {
        c.mu.Unlock()
        return nil
    }
    c.run.closed = true
    started, cancel, proto := c.run.started, c.run.cancel, c.proto
    c.mu.Unlock()

    var errs []error
    if started {
        cancel()
        proto.Stop()
        if err := c.mem.Leave(); err != nil { errs = append(errs, err) }
        if err := c.mem.Stop(); err != nil { errs = append(errs, err) }
        c.wg.Wait()
        if c.rpcS != nil {
            if err := c.rpcS.Stop(ctx); err != nil { errs = append(errs, err) }
        }
    }
    if err := c.tr.Close(); err != nil { errs = append(errs, err) }
    c.events.Close()
    c.gossips.Close()
    c.log.Info("cluster stopped")
    return errors.Join(errs...)
}

// stopMembership undoes a membership Start when the node fails to come up.
func (c *Cluster) stopMembership() {
    if err := c.mem.Leave(); err != nil { c.log.Warn("membership leave", zap.Error(err)) }
    if err := c.mem.Stop(); err != nil { c.log.Warn("membership stop", zap.Error(err)) }
}

func (c *Cluster) protocol() (*gossip.Protocol, error) {
    c.mu.RLock()
    defer c.mu.RUnlock()
    if c.run.closed { return nil, ErrClosed }
    if !c.run.started { return nil, ErrNotStarted }
    return c.proto, nil
}

// Gossip spreads msg to the cluster and returns the assigned gossip id. The
// message is not delivered to this node's own listeners.
func (c *Cluster) Gossip(ctx context.Context, msg transport.Message) (string, error) {
    _, end := tracing.StartSpan(ctx, "cluster.Gossip", "qualifier", msg.Qualifier)
    defer end()
    p, err := c.protocol()
    if err != nil { return "", err }
    return p.Gossip(msg)
}

// ListenGossips subscribes to gossips received from other nodes until ctx is
// done or the cluster stops.
func (c *Cluster) ListenGossips(ctx context.Context) <-chan transport.Message { return c.gossips.Subscribe(ctx) }

// Members returns the membership view, including this node.
func (c *Cluster) Members() []membership.MemberInfo { return c.mem.Members() }

// Join asks membership to contact the given seeds.
func (c *Cluster) Join(ctx context.Context, seeds []string) error {
    if _, err := c.protocol(); err != nil { return err }
    _, end := tracing.StartSpan(ctx, "cluster.Join")
    defer end()
    if err := c.mem.Join(seeds); err != nil { return err }
    c.syncMembers()
    return nil
}

// Leave announces a graceful departure. Gossip keeps running until Stop.
func (c *Cluster) Leave(ctx context.Context) error {
    if _, err := c.protocol(); err != nil { return err }
    _, end := tracing.StartSpan(ctx, "cluster.Leave")
    defer end()
    return c.mem.Leave()
}

// Status returns a snapshot of this node.
func (c *Cluster) Status(ctx context.Context) (*ClusterStatus, error) {
    c.mu.RLock()
    running := c.run.started && !c.run.closed
    proto := c.proto
    c.mu.RUnlock()

    s := &ClusterStatus{NodeID: string(c.opts.NodeID), HealthScore: -1, Healthy: running}
    s.Members = c.mem.Members()
    obsmetrics.ClusterMembers.Set(float64(len(s.Members)))
    if hr, ok := c.mem.(membership.HealthReporter); ok {
        s.HealthScore = hr.HealthScore()
        switch {
        case s.HealthScore < 0:
            s.Healthy = false
        case s.HealthScore > 0:
            s.Warnings = append(s.Warnings, fmt.Sprintf("membership health score %d", s.HealthScore))
        }
    }
    if proto != nil {
        s.Endpoint = proto.Local().String()
        s.GossipPeers = len(proto.Members())
        s.Gossips = proto.Size()
    }
    if !running { s.Warnings = append(s.Warnings, "not running") }
    if running && s.GossipPeers == 0 { s.Warnings = append(s.Warnings, "no gossip peers") }
    if c.rpcS != nil { s.MgmtAddr = c.rpcS.Addr() }
    return s, nil
}

// syncMembers replaces the gossip member list with the membership view.
func (c *Cluster) syncMembers() {
    c.mu.RLock()
    proto := c.proto
    c.mu.RUnlock()
    if proto == nil { return }
    members := c.mem.Members()
    proto.SetMembers(membership.Endpoints(members, string(c.opts.NodeID)))
    obsmetrics.ClusterMembers.Set(float64(len(members)))
}

func (c *Cluster) membershipEventsLoop(ctx context.Context) {
    defer c.wg.Done()
    evch := c.mem.Events()
    for {
        select {
        case <-ctx.Done():
            return
        case e, ok := <-evch:
            if !ok { return }
            c.syncMembers()
            ev := eventFrom(e)
            c.log.Info("membership change", zap.String("type", string(ev.Type)), zap.String("member", ev.Member.ID))
            c.events.Publish(ev)
        }
    }
}

func (c *Cluster) refreshLoop(ctx context.Context) {
    defer c.wg.Done()
    t := time.NewTicker(c.opts.MemberRefresh)
    defer t.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-t.C:
            c.syncMembers()
        }
    }
}

func (c *Cluster) deliverLoop(ctx context.Context, in <-chan transport.Message) {
    defer c.wg.Done()
    for msg := range in {
        c.gossips.Publish(msg)
        if c.opts.Handler == nil { continue }
        if err := c.opts.Handler.HandleGossip(ctx, msg); err != nil {
            c.log.Warn("gossip handler failed", zap.String("qualifier", msg.Qualifier), zap.Error(err))
        }
    }
}

func (c *Cluster) handlers() transport.Handlers {
    return transport.Handlers{
        Status: func(ctx context.Context) ([]byte, error) {
            st, err := c.Status(ctx)
            if err != nil { return nil, err }
            return json.Marshal(st)
        },
        Members: func(ctx context.Context) ([]byte, error) { return json.Marshal(c.Members()) },
        Publish: c.handlePublish,
        Join: func(ctx context.Context, req transport.JoinRequest) (transport.JoinResponse, error) {
            if len(req.Seeds) == 0 { return transport.JoinResponse{Error: "no seeds"}, nil }
            if err := c.Join(ctx, req.Seeds); err != nil {
                c.log.Warn("join rejected", zap.Strings("seeds", req.Seeds), zap.Error(err))
                return transport.JoinResponse{Error: err.Error()}, nil
            }
            return transport.JoinResponse{Accepted: true}, nil
        },
        Leave: func(ctx context.Context, _ transport.LeaveRequest) (transport.LeaveResponse, error) {
            if err := c.Leave(ctx); err != nil { return transport.LeaveResponse{Error: err.Error()}, nil }
            return transport.LeaveResponse{Accepted: true}, nil
        },
    }
}

func (c *Cluster) handlePublish(ctx context.Context, req transport.PublishRequest) (transport.PublishResponse, error) {
    ctx, end := tracing.StartSpan(ctx, "cluster.handlePublish")
    defer end()
    q := req.Qualifier
    if q == "" { q = PublishQualifier }
    if q == gossip.Qualifier { return transport.PublishResponse{Error: "reserved qualifier"}, nil }
    id, err := c.Gossip(ctx, transport.Message{Qualifier: q, Headers: req.Headers, Data: req.Data})
    if err != nil { return transport.PublishResponse{Error: err.Error()}, nil }
    return transport.PublishResponse{ID: id}, nil
}
