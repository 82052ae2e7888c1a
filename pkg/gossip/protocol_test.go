package gossip

import (
    "context"
    "errors"
    "fmt"
    "sync"
    "sync/atomic"
    "testing"
    "time"

    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-gossip/pkg/membership"
    "github.com/amirimatin/go-gossip/pkg/transport"
)

var (
    self = membership.MustParseEndpoint("tcp://id@host:1")
    m1   = membership.MustParseEndpoint("tcp://id1@host:11")
    m2   = membership.MustParseEndpoint("tcp://id2@host:22")
    m3   = membership.MustParseEndpoint("tcp://id3@host:33")
)

func newTestProtocol(t *testing.T, tr transport.Transport, mut func(*Options)) *Protocol {
    t.Helper()
    opts := Options{GossipInterval: 200 * time.Millisecond, MaxGossipSent: 2, MaxEndpointsToSelect: 2}
    if mut != nil { mut(&opts) }
    p, err := New(self, tr, opts)
    require.NoError(t, err)
    p.SetMembers([]membership.Endpoint{m1, m2, m3})
    return p
}

func gossipEnvelope(t *testing.T, from transport.Endpoint, ids ...string) transport.Envelope {
    t.Helper()
    req := Request{}
    for _, id := range ids {
        req.Gossips = append(req.Gossips, Gossip{ID: id, Payload: transport.Message{Data: []byte("data-" + id)}})
    }
    msg, err := Encode(req, "c")
    require.NoError(t, err)
    return transport.Envelope{Message: msg, Source: from}
}

func drain(ch <-chan transport.Message) []transport.Message {
    var out []transport.Message
    for {
        select {
        case m, ok := <-ch:
            if !ok { return out }
            out = append(out, m)
        case <-time.After(50 * time.Millisecond):
            return out
        }
    }
}

func TestOnMessageDeliversEachGossipOnce(t *testing.T) {
    p := newTestProtocol(t, newFakeTransport(), nil)
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    out := p.Listen(ctx)

    ep1 := transport.Endpoint{Host: "host", Port: 1}
    ep2 := transport.Endpoint{Host: "host", Port: 2}
    p.onMessage(gossipEnvelope(t, ep2, "1", "2", "3"))
    p.onMessage(transport.Envelope{Message: transport.Message{Qualifier: "com.pt.openapi.hello/"}, Source: ep1})
    p.onMessage(gossipEnvelope(t, ep1, "1", "2", "3"))
    p.onMessage(gossipEnvelope(t, ep1, "2", "4", "5"))
    require.Equal(t, 0, p.processGossipQueue())

    got := drain(out)
    require.Len(t, got, 5)
    var data []string
    for _, m := range got { data = append(data, string(m.Data)) }
    require.ElementsMatch(t, []string{"data-1", "data-2", "data-3", "data-4", "data-5"}, data)
    require.Equal(t, 5, p.Size())
}

func TestOnMessageIgnoresMalformed(t *testing.T) {
    p := newTestProtocol(t, newFakeTransport(), nil)
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    out := p.Listen(ctx)
    p.onMessage(transport.Envelope{Message: transport.Message{Qualifier: Qualifier, Data: []byte("{")}})
    require.Empty(t, drain(out))
    require.Equal(t, 0, p.Size())
}

func TestSendGossipsFanOut(t *testing.T) {
    tr := newFakeTransport()
    p := newTestProtocol(t, tr, nil)
    g := Gossip{ID: "2", Payload: transport.Message{Data: []byte("data")}}
    pending := []LocalState{{Gossip: g, Member: m2, SentCount: 0}}

    n := p.sendGossips(p.Members(), pending, 42)
    require.Equal(t, 2, n)
    to, sends := tr.counts()
    require.Equal(t, 2, to)
    require.Equal(t, 2, sends)

    seen := map[transport.Endpoint]bool{}
    for _, s := range tr.sentMessages() {
        require.False(t, seen[s.to], "duplicate target %v", s.to)
        seen[s.to] = true
        require.Equal(t, Qualifier, s.msg.Qualifier)
        require.Equal(t, "id-42", s.msg.CorrelationID)
        req, err := Decode(s.msg)
        require.NoError(t, err)
        require.Len(t, req.Gossips, 1)
        require.Equal(t, "2", req.Gossips[0].ID)
    }
}

func TestSendGossipsNothingPending(t *testing.T) {
    tr := newFakeTransport()
    p := newTestProtocol(t, tr, nil)
    require.Equal(t, 0, p.sendGossips(p.Members(), nil, 1))
    to, sends := tr.counts()
    require.Zero(t, to)
    require.Zero(t, sends)
}

func TestRoundsStopAtSendCap(t *testing.T) {
    tr := newFakeTransport()
    p := newTestProtocol(t, tr, func(o *Options) { o.MaxEndpointsToSelect = 3 })
    id, err := p.Gossip(transport.Message{Data: []byte("x")})
    require.NoError(t, err)

    for i := 0; i < 5; i++ { p.doRound(context.Background()) }

    _, sends := tr.counts()
    require.Equal(t, 6, sends)
    for _, m := range []membership.Endpoint{m1, m2, m3} {
        require.Equal(t, 2, p.sentCount(id, m))
    }
    p.mu.Lock()
    require.Empty(t, p.pendingLocked(p.Members()))
    p.mu.Unlock()
}

func TestFailedSendIsRetried(t *testing.T) {
    tr := newFakeTransport()
    tr.sendErr = errors.New("boom")
    p := newTestProtocol(t, tr, func(o *Options) { o.MaxEndpointsToSelect = 3 })
    id, err := p.Gossip(transport.Message{Data: []byte("x")})
    require.NoError(t, err)

    for i := 0; i < 3; i++ { p.doRound(context.Background()) }
    _, sends := tr.counts()
    require.Equal(t, 9, sends)
    require.Zero(t, p.sentCount(id, m1))

    tr.mu.Lock()
    tr.sendErr = nil
    tr.mu.Unlock()
    p.doRound(context.Background())
    require.Equal(t, 1, p.sentCount(id, m1))
}

func TestInFlightSendsCountTowardsCap(t *testing.T) {
    tr := newFakeTransport()
    tr.hold = true
    p := newTestProtocol(t, tr, nil)
    p.SetMembers([]membership.Endpoint{m1})
    id, err := p.Gossip(transport.Message{Data: []byte("x")})
    require.NoError(t, err)

    for i := 0; i < 5; i++ { p.doRound(context.Background()) }
    _, sends := tr.counts()
    require.Equal(t, 2, sends)
    require.Equal(t, 2, p.sentCount(id, m1))

    tr.completeHeld(nil)
    p.doRound(context.Background())
    _, sends = tr.counts()
    require.Equal(t, 2, sends)
}

func TestFailedInFlightSendFreesItsSlot(t *testing.T) {
    tr := newFakeTransport()
    tr.hold = true
    p := newTestProtocol(t, tr, nil)
    p.SetMembers([]membership.Endpoint{m1})
    id, err := p.Gossip(transport.Message{Data: []byte("x")})
    require.NoError(t, err)

    p.doRound(context.Background())
    require.Equal(t, 1, p.sentCount(id, m1))
    tr.completeHeld(transport.ErrUnreachable)
    require.Zero(t, p.sentCount(id, m1))

    p.doRound(context.Background())
    _, sends := tr.counts()
    require.Equal(t, 2, sends)
    require.Equal(t, 1, p.sentCount(id, m1))
}

func TestFanOutPicksMembersWithPendingGossips(t *testing.T) {
    tr := newFakeTransport()
    p := newTestProtocol(t, tr, nil)
    p.shuffle = func([]membership.Endpoint) {}
    id, err := p.Gossip(transport.Message{Data: []byte("x")})
    require.NoError(t, err)
    p.mu.Lock()
    e, ok := p.table.get(id)
    require.True(t, ok)
    e.sent[m1.String()] = 2
    e.sent[m2.String()] = 2
    p.mu.Unlock()

    p.doRound(context.Background())
    msgs := tr.sentMessages()
    require.Len(t, msgs, 1)
    require.Equal(t, m3.Transport(), msgs[0].to)
    require.Equal(t, 1, p.sentCount(id, m3))
}

func TestFanOutSkipsCappedMembersUntilFull(t *testing.T) {
    tr := newFakeTransport()
    p := newTestProtocol(t, tr, nil)
    p.shuffle = func([]membership.Endpoint) {}
    id, err := p.Gossip(transport.Message{Data: []byte("x")})
    require.NoError(t, err)
    p.mu.Lock()
    e, _ := p.table.get(id)
    e.sent[m1.String()] = 2
    p.mu.Unlock()

    p.doRound(context.Background())
    var to []transport.Endpoint
    for _, s := range tr.sentMessages() { to = append(to, s.to) }
    require.Equal(t, []transport.Endpoint{m2.Transport(), m3.Transport()}, to)
}

func TestLargeBatchIsDeliveredWhole(t *testing.T) {
    p := newTestProtocol(t, newFakeTransport(), func(o *Options) { o.SubscriberBuffer = 8 })
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    out := p.Listen(ctx)

    ids := make([]string, 100)
    for i := range ids { ids[i] = fmt.Sprintf("g-%03d", i) }
    p.onMessage(gossipEnvelope(t, m1.Transport(), ids...))

    got := drain(out)
    require.Len(t, got, 100)
    seen := map[string]bool{}
    for _, m := range got {
        require.False(t, seen[string(m.Data)])
        seen[string(m.Data)] = true
    }
}

func TestToFailureSkipsMember(t *testing.T) {
    tr := newFakeTransport()
    tr.toErr = transport.ErrUnreachable
    p := newTestProtocol(t, tr, nil)
    _, err := p.Gossip(transport.Message{Data: []byte("x")})
    require.NoError(t, err)
    p.doRound(context.Background())
    to, sends := tr.counts()
    require.Equal(t, 2, to)
    require.Zero(t, sends)
}

func TestNewMemberReceivesLiveGossips(t *testing.T) {
    tr := newFakeTransport()
    p := newTestProtocol(t, tr, func(o *Options) { o.MaxEndpointsToSelect = 4 })
    id, err := p.Gossip(transport.Message{Data: []byte("x")})
    require.NoError(t, err)
    for i := 0; i < 3; i++ { p.doRound(context.Background()) }

    m4 := membership.MustParseEndpoint("tcp://id4@host:44")
    p.SetMembers([]membership.Endpoint{m1, m2, m3, m4})
    _, before := tr.counts()
    p.doRound(context.Background())
    _, after := tr.counts()
    require.Equal(t, 1, after-before)
    require.Equal(t, 1, p.sentCount(id, m4))
}

func TestDepartedMembersArePruned(t *testing.T) {
    tr := newFakeTransport()
    p := newTestProtocol(t, tr, func(o *Options) { o.MaxEndpointsToSelect = 3 })
    id, err := p.Gossip(transport.Message{Data: []byte("x")})
    require.NoError(t, err)
    p.doRound(context.Background())
    require.Equal(t, 1, p.sentCount(id, m3))

    p.SetMembers([]membership.Endpoint{m1, m2})
    p.doRound(context.Background())
    p.mu.Lock()
    e, ok := p.table.get(id)
    require.True(t, ok)
    _, has := e.sent[m3.String()]
    p.mu.Unlock()
    require.False(t, has)
}

func TestGossipExpiresAfterRetention(t *testing.T) {
    tr := newFakeTransport()
    p := newTestProtocol(t, tr, func(o *Options) { o.Retention = time.Minute })
    now := time.Unix(1700000000, 0)
    p.now = func() time.Time { return now }
    _, err := p.Gossip(transport.Message{Data: []byte("x")})
    require.NoError(t, err)
    require.Equal(t, 1, p.Size())

    now = now.Add(2 * time.Minute)
    p.doRound(context.Background())
    require.Equal(t, 0, p.Size())
    _, sends := tr.counts()
    require.Zero(t, sends)
}

func TestLocalGossipNotDeliveredLocally(t *testing.T) {
    p := newTestProtocol(t, newFakeTransport(), nil)
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    out := p.Listen(ctx)
    id, err := p.Gossip(transport.Message{Data: []byte("x")})
    require.NoError(t, err)
    require.NotEmpty(t, id)
    require.Empty(t, drain(out))

    // an echo from a peer is a duplicate, not a delivery
    p.onMessage(gossipEnvelope(t, m1.Transport(), id))
    require.Empty(t, drain(out))
}

func TestGossipIDsAreUnique(t *testing.T) {
    p := newTestProtocol(t, newFakeTransport(), nil)
    ids := map[string]bool{}
    for i := 0; i < 100; i++ {
        id, err := p.Gossip(transport.Message{})
        require.NoError(t, err)
        require.False(t, ids[id])
        ids[id] = true
    }
    require.Equal(t, 100, p.Size())
}

func TestSetMembersDropsSelf(t *testing.T) {
    p := newTestProtocol(t, newFakeTransport(), nil)
    p.SetMembers([]membership.Endpoint{self, m1, m1})
    require.Equal(t, []membership.Endpoint{m1}, p.Members())
}

func TestRoundsDoNotOverlapAndStopWaits(t *testing.T) {
    p := newTestProtocol(t, newFakeTransport(), func(o *Options) { o.GossipInterval = 5 * time.Millisecond })
    var calls, inFlight, maxInFlight atomic.Int32
    started := make(chan struct{}, 1)
    release := make(chan struct{})
    p.roundFn = func(ctx context.Context) {
        n := inFlight.Add(1)
        if n > maxInFlight.Load() { maxInFlight.Store(n) }
        if calls.Add(1) == 1 {
            started <- struct{}{}
            <-release
        }
        inFlight.Add(-1)
    }
    require.NoError(t, p.Start(context.Background()))

    select {
    case <-started:
    case <-time.After(2 * time.Second):
        t.Fatal("round did not start")
    }

    stopped := make(chan struct{})
    go func() { p.Stop(); close(stopped) }()
    select {
    case <-stopped:
        t.Fatal("Stop returned while a round was running")
    case <-time.After(50 * time.Millisecond):
    }
    close(release)
    select {
    case <-stopped:
    case <-time.After(2 * time.Second):
        t.Fatal("Stop did not return")
    }

    n := calls.Load()
    time.Sleep(50 * time.Millisecond)
    require.Equal(t, n, calls.Load())
    require.Equal(t, int32(1), n)
    require.Equal(t, int32(1), maxInFlight.Load())
}

func TestStartStopLifecycle(t *testing.T) {
    p := newTestProtocol(t, newFakeTransport(), nil)
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    out := p.Listen(ctx)
    require.NoError(t, p.Start(context.Background()))
    require.ErrorIs(t, p.Start(context.Background()), ErrAlreadyStarted)
    p.Stop()
    p.Stop()
    require.ErrorIs(t, p.Start(context.Background()), ErrStopped)
    _, ok := <-out
    require.False(t, ok)
}

func TestReceiveLoopDelivers(t *testing.T) {
    tr := newFakeTransport()
    p := newTestProtocol(t, tr, nil)
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    out := p.Listen(ctx)
    require.NoError(t, p.Start(ctx))
    defer p.Stop()

    tr.inbound <- gossipEnvelope(t, m1.Transport(), "a")
    select {
    case m := <-out:
        require.Equal(t, "data-a", string(m.Data))
    case <-time.After(2 * time.Second):
        t.Fatal("no delivery")
    }
}

func TestNewRejectsBadInput(t *testing.T) {
    _, err := New(self, nil, Options{})
    require.Error(t, err)
    _, err = New(membership.Endpoint{Host: "h", Port: 1}, newFakeTransport(), Options{})
    require.Error(t, err)
    _, err = New(self, newFakeTransport(), Options{MaxGossipSent: -1})
    require.ErrorIs(t, err, ErrInvalidOptions)
}

func TestConcurrentGossipAndRounds(t *testing.T) {
    tr := newFakeTransport()
    p := newTestProtocol(t, tr, nil)
    var wg sync.WaitGroup
    for i := 0; i < 4; i++ {
        wg.Add(1)
        go func() {
            defer wg.Done()
            for j := 0; j < 50; j++ {
                if _, err := p.Gossip(transport.Message{Data: []byte("x")}); err != nil { t.Error(err) }
            }
        }()
    }
    wg.Add(1)
    go func() {
        defer wg.Done()
        for j := 0; j < 20; j++ { p.doRound(context.Background()) }
    }()
    wg.Wait()
    require.Equal(t, 200, p.Size())
}
