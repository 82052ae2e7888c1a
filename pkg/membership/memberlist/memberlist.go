// Package memberlist provides failure detection and membership over
// HashiCorp memberlist (SWIM). The gossip transport address of each member is
// carried in its node metadata.
package memberlist

import (
    "context"
    "encoding/json"
    "fmt"
    "net"
    "strconv"
    "sync"
    "time"

    "github.com/hashicorp/memberlist"
    "go.uber.org/zap"

    "github.com/amirimatin/go-gossip/pkg/internal/logutil"
    base "github.com/amirimatin/go-gossip/pkg/membership"
)

// Options configures the memberlist-based membership implementation.
type Options struct {
    // NodeID is the unique node identifier.
    NodeID string

    // Bind is the bind address in host:port form (e.g. ":7946" or "0.0.0.0:7946").
    Bind string

    // Advertise is the address peers use to reach this node. If empty,
    // memberlist derives it from Bind.
    Advertise string

    // Meta is propagated to peers with the alive message; base.MetaGossip
    // should hold the gossip transport address.
    Meta map[string]string

    // Logger is optional.
    Logger *zap.Logger

    // Tuning parameters (optional). Zero means use defaults.
    ProbeInterval time.Duration
    ProbeTimeout  time.Duration
    SuspicionMult int
    // EventBuffer sizes the Events channel; zero means 64.
    EventBuffer int
}

// impl implements base.Membership using HashiCorp memberlist.
type impl struct {
    mu   sync.RWMutex
    opts Options
    log  *zap.Logger
    ml   *memberlist.Memberlist

    evMu   sync.Mutex
    evts   chan base.Event
    closed bool
}

// New constructs a memberlist-backed membership.
func New(opts Options) (base.Membership, error) {
    if opts.NodeID == "" { return nil, fmt.Errorf("memberlist: empty NodeID") }
    if opts.Bind == "" { return nil, fmt.Errorf("memberlist: empty Bind address") }
    if opts.EventBuffer <= 0 { opts.EventBuffer = 64 }
    return &impl{
        opts: opts,
        log:  logutil.OrNop(opts.Logger).With(zap.String("component", "memberlist")),
        evts: make(chan base.Event, opts.EventBuffer),
    }, nil
}

func splitAddr(kind, addr string) (string, int, error) {
    host, portStr, err := net.SplitHostPort(addr)
    if err != nil { return "", 0, fmt.Errorf("memberlist: invalid %s address %q: %w", kind, addr, err) }
    port, err := strconv.Atoi(portStr)
    if err != nil || port < 0 || port > 65535 { return "", 0, fmt.Errorf("memberlist: invalid port in %s address %q", kind, addr) }
    return host, port, nil
}

// Start creates and launches the underlying memberlist instance.
func (m *impl) Start(ctx context.Context) error {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.ml != nil { return nil }

    cfg := memberlist.DefaultLANConfig()
    cfg.Name = m.opts.NodeID
    host, port, err := splitAddr("bind", m.opts.Bind)
    if err != nil { return err }
    cfg.BindAddr, cfg.BindPort = host, port
    if m.opts.Advertise != "" {
        ahost, aport, err := splitAddr("advertise", m.opts.Advertise)
        if err != nil { return err }
        cfg.AdvertiseAddr, cfg.AdvertisePort = ahost, aport
    }
    if m.opts.ProbeInterval > 0 { cfg.ProbeInterval = m.opts.ProbeInterval }
    if m.opts.ProbeTimeout > 0 { cfg.ProbeTimeout = m.opts.ProbeTimeout }
    if m.opts.SuspicionMult > 0 { cfg.SuspicionMult = m.opts.SuspicionMult }
    cfg.LogOutput = nil
    cfg.Logger = logutil.Std(m.log, "memberlist")

    cfg.Events = &eventDelegate{emit: m.emit}
    metaBytes, err := json.Marshal(m.opts.Meta)
    if err != nil { return fmt.Errorf("memberlist: encode meta: %w", err) }
    if len(metaBytes) > memberlist.MetaMaxSize {
        return fmt.Errorf("memberlist: node meta is %d bytes, limit %d", len(metaBytes), memberlist.MetaMaxSize)
    }
    cfg.Delegate = &nodeDelegate{meta: metaBytes}

    ml, err := memberlist.Create(cfg)
    if err != nil { return err }
    m.ml = ml
    m.log.Info("memberlist started", zap.String("node", m.opts.NodeID), zap.String("addr", ml.LocalNode().Address()))

    go func() {
        <-ctx.Done()
        _ = m.Stop()
    }()
    return nil
}

func (m *impl) Join(seeds []string) error {
    m.mu.RLock()
    ml := m.ml
    m.mu.RUnlock()
    if ml == nil { return fmt.Errorf("memberlist: not started") }
    if len(seeds) == 0 { return nil }
    n, err := ml.Join(seeds)
    m.log.Debug("memberlist join", zap.Strings("seeds", seeds), zap.Int("contacted", n), zap.Error(err))
    return err
}

func toInfo(n *memberlist.Node) base.MemberInfo {
    meta := map[string]string{}
    if len(n.Meta) > 0 { _ = json.Unmarshal(n.Meta, &meta) }
    return base.MemberInfo{ID: n.Name, Addr: net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port))), Meta: meta}
}

func (m *impl) Local() base.MemberInfo {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.ml == nil { return base.MemberInfo{ID: m.opts.NodeID, Meta: m.opts.Meta} }
    return toInfo(m.ml.LocalNode())
}

func (m *impl) Members() []base.MemberInfo {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.ml == nil { return nil }
    nodes := m.ml.Members()
    out := make([]base.MemberInfo, 0, len(nodes))
    for _, n := range nodes { out = append(out, toInfo(n)) }
    return out
}

func (m *impl) Events() <-chan base.Event { return m.evts }

func (m *impl) Leave() error {
    m.mu.RLock()
    ml := m.ml
    m.mu.RUnlock()
    if ml == nil { return nil }
    // best-effort: give the leave intent a second to spread
    if err := ml.Leave(time.Second); err != nil { m.log.Warn("memberlist leave", zap.Error(err)) }
    return nil
}

func (m *impl) Stop() error {
    m.mu.Lock()
    ml := m.ml
    m.ml = nil
    m.mu.Unlock()
    if ml != nil { _ = ml.Shutdown() }

    m.evMu.Lock()
    defer m.evMu.Unlock()
    if m.closed { return nil }
    m.closed = true
    close(m.evts)
    return nil
}

// HealthScore exposes memberlist's awareness score; -1 when not running.
func (m *impl) HealthScore() int {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.ml == nil { return -1 }
    return m.ml.GetHealthScore()
}

func (m *impl) emit(e base.Event) {
    m.evMu.Lock()
    defer m.evMu.Unlock()
    if m.closed { return }
    select {
    case m.evts <- e:
    default:
        m.log.Warn("memberlist: dropping event, channel full", zap.String("type", string(e.Type)), zap.String("member", e.Member.ID))
    }
}

// eventDelegate adapts memberlist events to base.Event.
type eventDelegate struct {
    emit func(e base.Event)
}

func (d *eventDelegate) NotifyJoin(n *memberlist.Node) {
    if n == nil { return }
    d.emit(base.Event{Type: base.EventJoin, Member: toInfo(n), At: time.Now()})
}

// NotifyLeave covers both a graceful leave and a node declared dead.
func (d *eventDelegate) NotifyLeave(n *memberlist.Node) {
    if n == nil { return }
    typ := base.EventLeave
    if n.State == memberlist.StateDead { typ = base.EventFailed }
    d.emit(base.Event{Type: typ, Member: toInfo(n), At: time.Now()})
}

// NotifyUpdate is reported as a join: the member is alive with new meta.
func (d *eventDelegate) NotifyUpdate(n *memberlist.Node) {
    if n == nil { return }
    d.emit(base.Event{Type: base.EventJoin, Member: toInfo(n), At: time.Now()})
}

// nodeDelegate publishes the static node metadata.
type nodeDelegate struct{ meta []byte }

func (d *nodeDelegate) NodeMeta(limit int) []byte {
    if len(d.meta) <= limit { return d.meta }
    return nil
}

func (d *nodeDelegate) NotifyMsg([]byte)                       {}
func (d *nodeDelegate) GetBroadcasts(int, int) [][]byte        { return nil }
func (d *nodeDelegate) LocalState(join bool) []byte            { return nil }
func (d *nodeDelegate) MergeRemoteState(buf []byte, join bool) {}

var _ base.HealthReporter = (*impl)(nil)
