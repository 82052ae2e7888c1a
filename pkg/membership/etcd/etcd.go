// Package etcd implements membership on top of an etcd registry. Every node
// keeps a lease-bound key under <prefix>/members/<id>; a watch on the prefix
// turns puts into joins and deletes (lease expiry or revoke) into leaves.
package etcd

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "sort"
    "strings"
    "sync"
    "time"

    clientv3 "go.etcd.io/etcd/client/v3"
    "go.uber.org/zap"

    base "github.com/amirimatin/go-gossip/pkg/membership"
)

// Client is the subset of *clientv3.Client used here.
type Client interface {
    clientv3.KV
    clientv3.Lease
    clientv3.Watcher
}

type Options struct {
    NodeID string
    // Addr is the member address published to peers (usually the gossip
    // transport host:port).
    Addr string
    Meta map[string]string
    // Endpoints of the etcd cluster. Ignored when Client is set.
    Endpoints   []string
    DialTimeout time.Duration
    // Prefix namespaces the registry keys; default "/go-gossip".
    Prefix string
    // TTL of the member lease; default 10s, rounded up to whole seconds.
    TTL         time.Duration
    EventBuffer int
    Logger      *zap.Logger
    // Client, when set, is used instead of dialing Endpoints and is not
    // closed by Stop.
    Client Client
}

type Membership struct {
    opts   Options
    log    *zap.Logger
    cli    Client
    closer func() error
    local  base.MemberInfo

    mu      sync.Mutex
    members map[string]base.MemberInfo
    lease   clientv3.LeaseID
    cancel  context.CancelFunc
    closed  bool
    wg      sync.WaitGroup

    evts chan base.Event
}

func New(opts Options) (*Membership, error) {
    if opts.NodeID == "" { return nil, errors.New("etcd membership: empty node id") }
    if strings.Contains(opts.NodeID, "/") { return nil, errors.New("etcd membership: node id must not contain '/'") }
    if opts.Client == nil && len(opts.Endpoints) == 0 { return nil, errors.New("etcd membership: no endpoints") }
    if opts.Prefix == "" { opts.Prefix = "/go-gossip" }
    opts.Prefix = strings.TrimRight(opts.Prefix, "/")
    if opts.TTL <= 0 { opts.TTL = 10 * time.Second }
    if opts.DialTimeout <= 0 { opts.DialTimeout = 5 * time.Second }
    if opts.EventBuffer <= 0 { opts.EventBuffer = 64 }
    lg := opts.Logger
    if lg == nil { lg = zap.NewNop() }
    return &Membership{
        opts:    opts,
        log:     lg.With(zap.String("component", "etcd-membership")),
        cli:     opts.Client,
        local:   base.MemberInfo{ID: opts.NodeID, Addr: opts.Addr, Meta: opts.Meta},
        members: make(map[string]base.MemberInfo),
        evts:    make(chan base.Event, opts.EventBuffer),
    }, nil
}

func (m *Membership) membersPrefix() string { return m.opts.Prefix + "/members/" }

func (m *Membership) key(id string) string { return m.membersPrefix() + id }

// Start registers the local member, loads the current registry and starts
// watching it.
func (m *Membership) Start(ctx context.Context) error {
    m.mu.Lock()
    if m.closed {
        m.mu.Unlock()
        return errors.New("etcd membership: stopped")
    }
    if m.cancel != nil {
        m.mu.Unlock()
        return nil
    }
    rctx, cancel := context.WithCancel(ctx)
    m.cancel = cancel
    m.mu.Unlock()

    if m.cli == nil {
        c, err := clientv3.New(clientv3.Config{Endpoints: m.opts.Endpoints, DialTimeout: m.opts.DialTimeout})
        if err != nil { return fmt.Errorf("etcd membership: dial: %w", err) }
        m.cli, m.closer = c, c.Close
    }
    if err := m.register(rctx); err != nil { return err }

    resp, err := m.cli.Get(rctx, m.membersPrefix(), clientv3.WithPrefix())
    if err != nil { return fmt.Errorf("etcd membership: list: %w", err) }
    for _, kv := range resp.Kvs { m.handlePut(kv.Key, kv.Value) }

    wch := m.cli.Watch(rctx, m.membersPrefix(), clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
    m.wg.Add(1)
    go m.watchLoop(rctx, wch)
    m.log.Info("registered", zap.String("key", m.key(m.local.ID)), zap.Int("members", len(m.Members())))
    return nil
}

func (m *Membership) register(ctx context.Context) error {
    val, err := json.Marshal(m.local)
    if err != nil { return err }
    secs := int64((m.opts.TTL + time.Second - 1) / time.Second)
    lease, err := m.cli.Grant(ctx, secs)
    if err != nil { return fmt.Errorf("etcd membership: grant: %w", err) }
    if _, err := m.cli.Put(ctx, m.key(m.local.ID), string(val), clientv3.WithLease(lease.ID)); err != nil {
        return fmt.Errorf("etcd membership: put: %w", err)
    }
    ka, err := m.cli.KeepAlive(ctx, lease.ID)
    if err != nil { return fmt.Errorf("etcd membership: keepalive: %w", err) }
    m.mu.Lock()
    m.lease = lease.ID
    m.mu.Unlock()
    m.wg.Add(1)
    go func() {
        defer m.wg.Done()
        for range ka {
        }
        if ctx.Err() == nil { m.log.Warn("lease keepalive ended", zap.Int64("lease", int64(lease.ID))) }
    }()
    return nil
}

func (m *Membership) watchLoop(ctx context.Context, wch clientv3.WatchChan) {
    defer m.wg.Done()
    for {
        select {
        case <-ctx.Done():
            return
        case wr, ok := <-wch:
            if !ok { return }
            if err := wr.Err(); err != nil {
                m.log.Warn("watch error", zap.Error(err))
                continue
            }
            for _, ev := range wr.Events {
                switch ev.Type {
                case clientv3.EventTypePut:
                    m.handlePut(ev.Kv.Key, ev.Kv.Value)
                case clientv3.EventTypeDelete:
                    m.handleDelete(ev.Kv.Key)
                }
            }
        }
    }
}

// handlePut records a member and emits a join when it is new or changed.
func (m *Membership) handlePut(key, value []byte) {
    var mi base.MemberInfo
    if err := json.Unmarshal(value, &mi); err != nil {
        m.log.Warn("bad registry value", zap.ByteString("key", key), zap.Error(err))
        return
    }
    if id := strings.TrimPrefix(string(key), m.membersPrefix()); mi.ID == "" { mi.ID = id }
    m.mu.Lock()
    defer m.mu.Unlock()
    if old, ok := m.members[mi.ID]; ok && sameMember(old, mi) { return }
    m.members[mi.ID] = mi
    m.emitLocked(base.EventJoin, mi)
}

func (m *Membership) handleDelete(key []byte) {
    id := strings.TrimPrefix(string(key), m.membersPrefix())
    m.mu.Lock()
    defer m.mu.Unlock()
    mi, ok := m.members[id]
    if !ok { return }
    delete(m.members, id)
    m.emitLocked(base.EventLeave, mi)
}

func sameMember(a, b base.MemberInfo) bool {
    if a.ID != b.ID || a.Addr != b.Addr || len(a.Meta) != len(b.Meta) { return false }
    for k, v := range a.Meta {
        if b.Meta[k] != v { return false }
    }
    return true
}

func (m *Membership) emitLocked(t base.EventType, mi base.MemberInfo) {
    if m.closed { return }
    select {
    case m.evts <- base.Event{Type: t, Member: mi, At: time.Now()}:
    default:
        m.log.Warn("event channel full, dropping event", zap.String("type", string(t)), zap.String("member", mi.ID))
    }
}

// Join is a no-op: the registry itself is the rendezvous point.
func (m *Membership) Join(seeds []string) error { return nil }

func (m *Membership) Local() base.MemberInfo { return m.local }

func (m *Membership) Members() []base.MemberInfo {
    m.mu.Lock()
    defer m.mu.Unlock()
    out := make([]base.MemberInfo, 0, len(m.members))
    for _, mi := range m.members { out = append(out, mi) }
    sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
    return out
}

func (m *Membership) Events() <-chan base.Event { return m.evts }

// Leave revokes the member lease, which deletes the registry key.
func (m *Membership) Leave() error {
    m.mu.Lock()
    lease := m.lease
    m.lease = clientv3.NoLease
    m.mu.Unlock()
    if lease == clientv3.NoLease { return nil }
    ctx, cancel := context.WithTimeout(context.Background(), m.opts.DialTimeout)
    defer cancel()
    if _, err := m.cli.Revoke(ctx, lease); err != nil { return fmt.Errorf("etcd membership: revoke: %w", err) }
    return nil
}

func (m *Membership) Stop() error {
    m.mu.Lock()
    if m.closed {
        m.mu.Unlock()
        return nil
    }
    m.closed = true
    cancel := m.cancel
    m.mu.Unlock()
    if cancel != nil { cancel() }
    m.wg.Wait()
    m.mu.Lock()
    close(m.evts)
    m.mu.Unlock()
    if m.closer != nil { return m.closer() }
    return nil
}

var _ base.Membership = (*Membership)(nil)
