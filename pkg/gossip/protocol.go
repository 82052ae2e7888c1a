package gossip

import (
    "context"
    "fmt"
    "math/rand/v2"
    "sync"
    "sync/atomic"
    "time"

    "go.uber.org/zap"

    "github.com/amirimatin/go-gossip/pkg/internal/logutil"
    "github.com/amirimatin/go-gossip/pkg/internal/pubsub"
    "github.com/amirimatin/go-gossip/pkg/membership"
    obsmetrics "github.com/amirimatin/go-gossip/pkg/observability/metrics"
    "github.com/amirimatin/go-gossip/pkg/observability/tracing"
    "github.com/amirimatin/go-gossip/pkg/transport"
)

// Protocol is the gossip dissemination engine. A scheduled round loop sends
// pending gossips to a random subset of members while a receive loop
// deduplicates inbound batches and delivers new gossips to listeners.
type Protocol struct {
    local membership.Endpoint
    tr    transport.Transport
    opts  Options
    log   *zap.Logger

    members atomic.Pointer[[]membership.Endpoint]

    // mu guards table, queue and period; the round loop and the receive loop
    // run concurrently.
    mu     sync.Mutex
    table  *table
    queue  []transport.Message
    period uint64

    bus     *pubsub.Bus[transport.Message]
    ids     *idSource
    now     func() time.Time
    shuffle func([]membership.Endpoint)
    roundFn func(ctx context.Context)

    life struct {
        mu      sync.Mutex
        started bool
        stopped bool
        cancel  context.CancelFunc
    }
    wg sync.WaitGroup
}

// New constructs the engine for the member local. It performs no network
// activity; call Start to begin rounds.
func New(local membership.Endpoint, tr transport.Transport, opts Options) (*Protocol, error) {
    if tr == nil { return nil, fmt.Errorf("gossip: nil transport") }
    if local.ID == "" { return nil, fmt.Errorf("gossip: local endpoint without id") }
    if err := opts.Validate(); err != nil { return nil, err }
    opts = opts.withDefaults()
    tbl, err := newTable(opts.MaxTableSize, opts.Retention)
    if err != nil { return nil, err }
    p := &Protocol{
        local: local,
        tr:    tr,
        opts:  opts,
        log:   logutil.OrNop(opts.Logger).With(zap.String("member", local.ID)),
        table: tbl,
        bus:   pubsub.New[transport.Message](opts.SubscriberBuffer),
        ids:   newIDSource(),
        now:   time.Now,
        shuffle: func(m []membership.Endpoint) {
            rand.Shuffle(len(m), func(i, j int) { m[i], m[j] = m[j], m[i] })
        },
    }
    p.roundFn = p.doRound
    empty := []membership.Endpoint{}
    p.members.Store(&empty)
    return p, nil
}

// Local returns the endpoint of this member.
func (p *Protocol) Local() membership.Endpoint { return p.local }

// SetMembers replaces the membership snapshot. The local member is ignored.
// The new snapshot is picked up by the next round.
func (p *Protocol) SetMembers(members []membership.Endpoint) {
    cp := make([]membership.Endpoint, 0, len(members))
    seen := make(map[membership.Endpoint]struct{}, len(members))
    for _, m := range members {
        if m.ID == p.local.ID { continue }
        if _, dup := seen[m]; dup { continue }
        seen[m] = struct{}{}
        cp = append(cp, m)
    }
    p.members.Store(&cp)
}

// Members returns the current membership snapshot.
func (p *Protocol) Members() []membership.Endpoint {
    return append([]membership.Endpoint(nil), (*p.members.Load())...)
}

// Start subscribes to the transport and schedules rounds every
// GossipInterval. Rounds never overlap.
func (p *Protocol) Start(ctx context.Context) error {
    p.life.mu.Lock()
    defer p.life.mu.Unlock()
    if p.life.stopped { return ErrStopped }
    if p.life.started { return ErrAlreadyStarted }
    p.life.started = true
    ctx, cancel := context.WithCancel(ctx)
    p.life.cancel = cancel
    inbound := p.tr.Listen(ctx)
    p.wg.Add(2)
    go p.receiveLoop(ctx, inbound)
    go p.roundLoop(ctx)
    p.log.Info("gossip protocol started",
        zap.Duration("interval", p.opts.GossipInterval),
        zap.Int("maxGossipSent", p.opts.MaxGossipSent),
        zap.Int("fanout", p.opts.MaxEndpointsToSelect))
    return nil
}

// Stop cancels the round schedule and the transport subscription. When it
// returns no round is running and none will start. Sends already handed to
// the transport are not awaited. Listener channels are closed.
func (p *Protocol) Stop() {
    p.life.mu.Lock()
    if p.life.stopped {
        p.life.mu.Unlock()
        return
    }
    p.life.stopped = true
    cancel := p.life.cancel
    p.life.mu.Unlock()
    if cancel != nil { cancel() }
    p.wg.Wait()
    p.bus.Close()
    p.log.Info("gossip protocol stopped")
}

// Listen returns a stream of payloads of newly seen gossips from peers. Each
// subscriber sees only gossips delivered after it subscribed. The channel is
// closed when ctx is done or the protocol stops.
func (p *Protocol) Listen(ctx context.Context) <-chan transport.Message {
    return p.bus.Subscribe(ctx)
}

// Gossip injects a new fact and returns its id. It starts spreading on the
// next round. Local listeners are not notified of their own gossips.
func (p *Protocol) Gossip(msg transport.Message) (string, error) {
    now := p.now()
    id, err := p.ids.next(now)
    if err != nil { return "", fmt.Errorf("gossip: new id: %w", err) }
    p.mu.Lock()
    p.table.add(Gossip{ID: id, Payload: msg}, now)
    p.mu.Unlock()
    obsmetrics.GossipsOriginated.Inc()
    p.log.Debug("gossip originated", zap.String("id", id), zap.String("qualifier", msg.Qualifier))
    return id, nil
}

// Size returns the number of remembered gossips.
func (p *Protocol) Size() int {
    p.mu.Lock()
    defer p.mu.Unlock()
    return p.table.len()
}

func (p *Protocol) receiveLoop(ctx context.Context, inbound <-chan transport.Envelope) {
    defer p.wg.Done()
    for {
        select {
        case <-ctx.Done():
            return
        case env, ok := <-inbound:
            if !ok { return }
            p.onMessage(env)
        }
    }
}

func (p *Protocol) roundLoop(ctx context.Context) {
    defer p.wg.Done()
    t := time.NewTimer(p.opts.GossipInterval)
    defer t.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-t.C:
        }
        if ctx.Err() != nil { return }
        p.roundFn(ctx)
        t.Reset(p.opts.GossipInterval)
    }
}

// onMessage handles one inbound envelope: foreign traffic is ignored, known
// gossip ids are discarded and new ones are remembered and queued for
// delivery.
func (p *Protocol) onMessage(env transport.Envelope) {
    if env.Message.Qualifier != Qualifier { return }
    req, err := Decode(env.Message)
    if err != nil {
        p.log.Warn("gossip: malformed request", zap.Stringer("source", env.Source), zap.Error(err))
        return
    }
    _, end := tracing.StartSpan(context.Background(), "gossip.receive", "source", env.Source.String())
    defer end()
    now := p.now()
    p.mu.Lock()
    for _, g := range req.Gossips {
        obsmetrics.GossipsReceived.Inc()
        if g.ID == "" { continue }
        if !p.table.add(g, now) {
            obsmetrics.GossipsDuplicate.Inc()
            continue
        }
        p.queue = append(p.queue, g.Payload)
    }
    p.mu.Unlock()
    p.processGossipQueue()
}

// processGossipQueue drains queued payloads to listeners and returns how many
// were drained.
func (p *Protocol) processGossipQueue() int {
    p.mu.Lock()
    q := p.queue
    p.queue = nil
    p.mu.Unlock()
    for _, msg := range q {
        p.bus.Publish(msg)
        obsmetrics.GossipsDelivered.Inc()
    }
    return len(q)
}

func (p *Protocol) doRound(ctx context.Context) {
    _, end := tracing.StartSpan(ctx, "gossip.round")
    defer end()
    members := p.Members()
    p.mu.Lock()
    p.period++
    period := p.period
    if n := p.table.expire(p.now()); n > 0 {
        p.log.Debug("gossips expired", zap.Int("count", n))
    }
    pending := p.pendingLocked(members)
    size := p.table.len()
    p.mu.Unlock()

    obsmetrics.GossipRounds.Inc()
    obsmetrics.GossipTableSize.Set(float64(size))
    obsmetrics.GossipPending.Set(float64(len(pending)))
    p.sendGossips(members, pending, period)
}

// pendingLocked prunes send counts of members that left and returns one
// LocalState per (gossip, member) pair below the send cap.
func (p *Protocol) pendingLocked(members []membership.Endpoint) []LocalState {
    live := make(map[string]struct{}, len(members))
    for _, m := range members { live[m.String()] = struct{}{} }
    var out []LocalState
    for _, e := range p.table.entries() {
        for k := range e.sent {
            if _, ok := live[k]; !ok { delete(e.sent, k) }
        }
        for _, m := range members {
            if n := e.sent[m.String()]; n < p.opts.MaxGossipSent {
                out = append(out, LocalState{Gossip: e.gossip, Member: m, SentCount: n})
            }
        }
    }
    return out
}

// sendGossips sends one batch to each of up to MaxEndpointsToSelect random
// members that still have pending gossips. A batch holds the candidates the
// member has not yet been sent MaxGossipSent times. It returns the number of
// sends handed to the transport.
func (p *Protocol) sendGossips(members []membership.Endpoint, pending []LocalState, period uint64) int {
    if len(pending) == 0 || len(members) == 0 { return 0 }
    candidates := uniqueGossips(pending)
    selected, sent := 0, 0
    for _, m := range p.shuffled(members) {
        if selected == p.opts.MaxEndpointsToSelect { break }
        batch := p.claim(m, candidates)
        if len(batch) == 0 { continue }
        selected++
        if p.send(m, batch, period) { sent++ }
    }
    return sent
}

func (p *Protocol) shuffled(members []membership.Endpoint) []membership.Endpoint {
    cand := make([]membership.Endpoint, 0, len(members))
    for _, m := range members {
        if m.ID == p.local.ID { continue }
        cand = append(cand, m)
    }
    p.shuffle(cand)
    return cand
}

// claim returns the candidates below the send cap for m and counts them as
// sent. A send in flight therefore holds its slot; release gives it back if
// the send fails.
func (p *Protocol) claim(m membership.Endpoint, candidates []Gossip) []Gossip {
    key := m.String()
    p.mu.Lock()
    defer p.mu.Unlock()
    batch := make([]Gossip, 0, len(candidates))
    for _, g := range candidates {
        e, ok := p.table.get(g.ID)
        if !ok {
            // not tracked: nothing to count against
            batch = append(batch, g)
            continue
        }
        if e.sent[key] < p.opts.MaxGossipSent {
            e.sent[key]++
            batch = append(batch, g)
        }
    }
    return batch
}

func (p *Protocol) release(m membership.Endpoint, batch []Gossip) {
    key := m.String()
    p.mu.Lock()
    defer p.mu.Unlock()
    for _, g := range batch {
        e, ok := p.table.get(g.ID)
        if !ok { continue }
        if e.sent[key] > 0 { e.sent[key]-- }
    }
}

// send hands batch to the channel for m. The batch was claimed by the
// caller; it is released when the channel cannot be opened or the send
// fails.
func (p *Protocol) send(m membership.Endpoint, batch []Gossip, period uint64) bool {
    msg, err := Encode(Request{Gossips: batch}, fmt.Sprintf("%s-%d", p.local.ID, period))
    if err != nil {
        p.release(m, batch)
        p.log.Warn("gossip: encode batch", zap.Error(err))
        return false
    }
    sender, err := p.tr.To(m.Transport())
    if err != nil {
        p.release(m, batch)
        obsmetrics.GossipSends.WithLabelValues("failed").Inc()
        p.log.Warn("gossip: open channel failed", zap.Stringer("to", m), zap.Error(err))
        return false
    }
    fut := transport.NewFuture()
    fut.OnComplete(func(err error) {
        if err != nil {
            p.release(m, batch)
            obsmetrics.GossipSends.WithLabelValues("failed").Inc()
            p.log.Warn("gossip: send failed", zap.Stringer("to", m), zap.Uint64("period", period), zap.Error(err))
            return
        }
        obsmetrics.GossipSends.WithLabelValues("ok").Inc()
    })
    sender.Send(msg, fut)
    return true
}

// sentCount reports how many sends of gossip id to m succeeded or are in
// flight.
func (p *Protocol) sentCount(id string, m membership.Endpoint) int {
    p.mu.Lock()
    defer p.mu.Unlock()
    e, ok := p.table.get(id)
    if !ok { return 0 }
    return e.sent[m.String()]
}

func uniqueGossips(states []LocalState) []Gossip {
    seen := make(map[string]struct{}, len(states))
    out := make([]Gossip, 0, len(states))
    for _, s := range states {
        if _, ok := seen[s.Gossip.ID]; ok { continue }
        seen[s.Gossip.ID] = struct{}{}
        out = append(out, s.Gossip)
    }
    return out
}
