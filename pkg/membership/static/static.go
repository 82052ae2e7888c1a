// Package static is a membership with a fixed, explicitly managed member
// list and no failure detection. It suits tests, the in-process demo and
// deployments where an external system decides who is alive.
package static

import (
    "context"
    "fmt"
    "sort"
    "strings"
    "sync"
    "time"

    base "github.com/amirimatin/go-gossip/pkg/membership"
)

type Options struct {
    Local base.MemberInfo
    Peers []base.MemberInfo
    // EventBuffer sizes the Events channel; zero means 64.
    EventBuffer int
}

// Membership is the static implementation. Besides base.Membership it offers
// Add and Remove to change the list at runtime.
type Membership struct {
    mu      sync.Mutex
    local   base.MemberInfo
    members map[string]base.MemberInfo
    evts    chan base.Event
    started bool
    closed  bool
}

func New(opts Options) (*Membership, error) {
    if opts.Local.ID == "" { return nil, fmt.Errorf("static: empty local id") }
    if opts.EventBuffer <= 0 { opts.EventBuffer = 64 }
    m := &Membership{
        local:   opts.Local,
        members: map[string]base.MemberInfo{opts.Local.ID: opts.Local},
        evts:    make(chan base.Event, opts.EventBuffer),
    }
    for _, p := range opts.Peers {
        if p.ID == "" { return nil, fmt.Errorf("static: peer without id") }
        m.members[p.ID] = p
    }
    return m, nil
}

// Start emits a join event for every known member.
func (m *Membership) Start(ctx context.Context) error {
    m.mu.Lock()
    if m.closed {
        m.mu.Unlock()
        return fmt.Errorf("static: stopped")
    }
    if m.started {
        m.mu.Unlock()
        return nil
    }
    m.started = true
    for _, mi := range m.sortedLocked() { m.emitLocked(base.EventJoin, mi) }
    m.mu.Unlock()
    go func() {
        <-ctx.Done()
        _ = m.Stop()
    }()
    return nil
}

// Join adds members given as "id@host:port" or "scheme://id@host:port".
func (m *Membership) Join(seeds []string) error {
    for _, s := range seeds {
        if !strings.Contains(s, "://") { s = "tcp://" + s }
        ep, err := base.ParseEndpoint(s)
        if err != nil { return fmt.Errorf("static: seed: %w", err) }
        m.Add(base.MemberInfo{ID: ep.ID, Addr: ep.Addr()})
    }
    return nil
}

// Add inserts or replaces a member and emits a join event.
func (m *Membership) Add(mi base.MemberInfo) {
    m.mu.Lock()
    defer m.mu.Unlock()
    if mi.ID == "" || m.closed { return }
    m.members[mi.ID] = mi
    if m.started { m.emitLocked(base.EventJoin, mi) }
}

// Remove drops a member and emits a leave event.
func (m *Membership) Remove(id string) {
    m.mu.Lock()
    defer m.mu.Unlock()
    mi, ok := m.members[id]
    if !ok || id == m.local.ID { return }
    delete(m.members, id)
    if m.started { m.emitLocked(base.EventLeave, mi) }
}

func (m *Membership) Local() base.MemberInfo { return m.local }

func (m *Membership) Members() []base.MemberInfo {
    m.mu.Lock()
    defer m.mu.Unlock()
    return m.sortedLocked()
}

func (m *Membership) sortedLocked() []base.MemberInfo {
    out := make([]base.MemberInfo, 0, len(m.members))
    for _, mi := range m.members { out = append(out, mi) }
    sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
    return out
}

func (m *Membership) Events() <-chan base.Event { return m.evts }

// Leave forgets every peer and announces the local member's departure.
func (m *Membership) Leave() error {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.closed { return nil }
    m.members = map[string]base.MemberInfo{m.local.ID: m.local}
    m.emitLocked(base.EventLeave, m.local)
    return nil
}

func (m *Membership) Stop() error {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.closed { return nil }
    m.closed = true
    close(m.evts)
    return nil
}

func (m *Membership) emitLocked(t base.EventType, mi base.MemberInfo) {
    if m.closed { return }
    select {
    case m.evts <- base.Event{Type: t, Member: mi, At: time.Now()}:
    default:
        // drop if the consumer is slow; Members() stays authoritative
    }
}

var _ base.Membership = (*Membership)(nil)
