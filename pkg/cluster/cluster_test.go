package cluster

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "testing"
    "time"

    "github.com/stretchr/testify/require"
    "go.uber.org/zap/zaptest"

    "github.com/amirimatin/go-gossip/pkg/gossip"
    "github.com/amirimatin/go-gossip/pkg/membership"
    "github.com/amirimatin/go-gossip/pkg/membership/static"
    "github.com/amirimatin/go-gossip/pkg/transport"
    "github.com/amirimatin/go-gossip/pkg/transport/local"
)

type testNode struct {
    c   *Cluster
    mem *static.Membership
}

func info(id string, port int) membership.MemberInfo {
    return membership.MemberInfo{ID: id, Addr: fmt.Sprintf("node:%d", port)}
}

func newNode(t *testing.T, n *local.Network, id string, port int, peers []membership.MemberInfo, h GossipHandler) *testNode {
    t.Helper()
    tr, err := n.Bind(transport.Endpoint{Host: "node", Port: port}, local.Options{ID: id})
    require.NoError(t, err)
    mem, err := static.New(static.Options{Local: info(id, port), Peers: peers})
    require.NoError(t, err)
    c, err := New(Options{
        NodeID:        NodeID(id),
        Transport:     tr,
        Membership:    mem,
        Gossip:        gossip.Options{GossipInterval: 10 * time.Millisecond},
        Handler:       h,
        MemberRefresh: 20 * time.Millisecond,
        Logger:        zaptest.NewLogger(t),
    })
    require.NoError(t, err)
    t.Cleanup(func() { _ = c.Close() })
    return &testNode{c: c, mem: mem}
}

func start(t *testing.T, nodes ...*testNode) {
    t.Helper()
    for _, n := range nodes { require.NoError(t, n.c.Start(context.Background())) }
}

func recvGossip(t *testing.T, ch <-chan transport.Message) transport.Message {
    t.Helper()
    select {
    case m := <-ch:
        return m
    case <-time.After(3 * time.Second):
        t.Fatal("timed out waiting for gossip")
    }
    return transport.Message{}
}

func TestGossipReachesEveryNodeOnce(t *testing.T) {
    n := local.NewNetwork()
    all := []membership.MemberInfo{info("a", 1), info("b", 2), info("c", 3)}
    a := newNode(t, n, "a", 1, all, nil)
    b := newNode(t, n, "b", 2, all, nil)
    c := newNode(t, n, "c", 3, all, nil)
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    subB, subC, subA := b.c.ListenGossips(ctx), c.c.ListenGossips(ctx), a.c.ListenGossips(ctx)
    start(t, a, b, c)

    id, err := a.c.Gossip(ctx, transport.Message{Qualifier: "test", Data: []byte("hello")})
    require.NoError(t, err)
    require.NotEmpty(t, id)

    for _, sub := range []<-chan transport.Message{subB, subC} {
        m := recvGossip(t, sub)
        require.Equal(t, "test", m.Qualifier)
        require.Equal(t, []byte("hello"), m.Data)
    }
    time.Sleep(150 * time.Millisecond)
    require.Len(t, subB, 0)
    require.Len(t, subC, 0)
    require.Len(t, subA, 0)
}

func TestBurstLargerThanBufferIsDeliveredWhole(t *testing.T) {
    n := local.NewNetwork()
    all := []membership.MemberInfo{info("a", 1), info("b", 2)}
    a := newNode(t, n, "a", 1, all, nil)
    b := newNode(t, n, "b", 2, all, nil)
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    sub := b.c.ListenGossips(ctx)
    start(t, a, b)

    const burst = 3 * gossip.DefaultSubscriberBuffer
    for i := 0; i < burst; i++ {
        _, err := a.c.Gossip(ctx, transport.Message{Qualifier: "burst", Data: []byte(fmt.Sprint(i))})
        require.NoError(t, err)
    }
    require.Eventually(t, func() bool { return b.c.proto.Size() == burst }, 5*time.Second, 10*time.Millisecond)

    seen := map[string]bool{}
    for len(seen) < burst {
        m := recvGossip(t, sub)
        require.False(t, seen[string(m.Data)], "duplicate %s", m.Data)
        seen[string(m.Data)] = true
    }
}

func TestGossipRelaysAcrossChain(t *testing.T) {
    n := local.NewNetwork()
    got := make(chan transport.Message, 4)
    a := newNode(t, n, "a", 1, []membership.MemberInfo{info("b", 2)}, nil)
    b := newNode(t, n, "b", 2, []membership.MemberInfo{info("a", 1), info("c", 3)}, nil)
    c := newNode(t, n, "c", 3, []membership.MemberInfo{info("b", 2)}, HandlerFunc(func(_ context.Context, m transport.Message) error {
        got <- m
        return nil
    }))
    start(t, a, b, c)

    _, err := a.c.Gossip(context.Background(), transport.Message{Qualifier: "relay", Data: []byte("x")})
    require.NoError(t, err)
    require.Equal(t, "relay", recvGossip(t, got).Qualifier)
}

func TestMembershipEventsUpdateGossipPeers(t *testing.T) {
    n := local.NewNetwork()
    a := newNode(t, n, "a", 1, []membership.MemberInfo{info("b", 2)}, nil)
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    events := a.c.Subscribe(ctx)
    start(t, a)

    seen := map[string]EventType{}
    for len(seen) < 2 {
        select {
        case e := <-events:
            seen[e.Member.ID] = e.Type
        case <-time.After(2 * time.Second):
            t.Fatalf("missing join events, got %v", seen)
        }
    }
    require.Equal(t, map[string]EventType{"a": EventMemberJoin, "b": EventMemberJoin}, seen)

    st, err := a.c.Status(ctx)
    require.NoError(t, err)
    require.Equal(t, 1, st.GossipPeers)

    a.mem.Add(info("c", 3))
    require.Eventually(t, func() bool {
        st, _ := a.c.Status(ctx)
        return st.GossipPeers == 2
    }, 2*time.Second, 10*time.Millisecond)

    a.mem.Remove("b")
    var e Event
    require.Eventually(t, func() bool {
        select {
        case e = <-events:
            return e.Type == EventMemberLeave
        default:
            return false
        }
    }, 2*time.Second, 5*time.Millisecond)
    require.Equal(t, "b", e.Member.ID)
    st, _ = a.c.Status(ctx)
    require.Equal(t, 1, st.GossipPeers)
    require.Equal(t, "tcp://a@node:1", st.Endpoint)
    require.True(t, st.Healthy)
}

func TestManagementHandlers(t *testing.T) {
    n := local.NewNetwork()
    a := newNode(t, n, "a", 1, nil, nil)
    start(t, a)
    h := a.c.handlers()
    ctx := context.Background()

    pr, err := h.Publish(ctx, transport.PublishRequest{Data: []byte("p")})
    require.NoError(t, err)
    require.Empty(t, pr.Error)
    require.NotEmpty(t, pr.ID)
    pr, _ = h.Publish(ctx, transport.PublishRequest{Qualifier: gossip.Qualifier})
    require.Equal(t, "reserved qualifier", pr.Error)

    jr, _ := h.Join(ctx, transport.JoinRequest{})
    require.False(t, jr.Accepted)
    jr, _ = h.Join(ctx, transport.JoinRequest{Seeds: []string{"b@node:2"}})
    require.True(t, jr.Accepted, jr.Error)
    require.Len(t, a.c.Members(), 2)

    raw, err := h.Members(ctx)
    require.NoError(t, err)
    var members []membership.MemberInfo
    require.NoError(t, json.Unmarshal(raw, &members))
    require.Equal(t, "b", members[1].ID)

    raw, err = h.Status(ctx)
    require.NoError(t, err)
    var st ClusterStatus
    require.NoError(t, json.Unmarshal(raw, &st))
    require.Equal(t, "a", st.NodeID)
    require.Equal(t, 1, st.Gossips)
    require.Equal(t, -1, st.HealthScore)

    lr, _ := h.Leave(ctx, transport.LeaveRequest{})
    require.True(t, lr.Accepted)
    require.Len(t, a.c.Members(), 1)
}

func TestLifecycle(t *testing.T) {
    n := local.NewNetwork()
    a := newNode(t, n, "a", 1, nil, nil)
    ctx := context.Background()

    _, err := a.c.Gossip(ctx, transport.Message{Qualifier: "x"})
    require.ErrorIs(t, err, ErrNotStarted)
    require.ErrorIs(t, a.c.Join(ctx, []string{"b@node:2"}), ErrNotStarted)
    st, err := a.c.Status(ctx)
    require.NoError(t, err)
    require.False(t, st.Healthy)

    require.NoError(t, a.c.Start(ctx))
    require.NoError(t, a.c.Start(ctx))
    sub := a.c.ListenGossips(ctx)
    events := a.c.Subscribe(ctx)

    require.NoError(t, a.c.Stop(ctx))
    require.NoError(t, a.c.Stop(ctx))
    _, err = a.c.Gossip(ctx, transport.Message{Qualifier: "x"})
    require.ErrorIs(t, err, ErrClosed)
    require.ErrorIs(t, a.c.Start(ctx), ErrClosed)
    for range sub {
    }
    for range events {
    }

    // the transport was closed with the cluster
    _, err = n.Bind(transport.Endpoint{Host: "node", Port: 1}, local.Options{ID: "a2"})
    require.NoError(t, err)
}

type failingRPC struct{ stopped bool }

func (f *failingRPC) Start(context.Context, transport.Handlers) error { return errors.New("address in use") }
func (f *failingRPC) Addr() string { return "" }
func (f *failingRPC) Stop(context.Context) error { f.stopped = true; return nil }

func TestStartRollsBackWhenManagementFails(t *testing.T) {
    n := local.NewNetwork()
    a := newNode(t, n, "a", 1, []membership.MemberInfo{info("b", 2)}, nil)
    rpc := &failingRPC{}
    a.c.rpcS = rpc
    ctx := context.Background()

    err := a.c.Start(ctx)
    require.ErrorContains(t, err, "address in use")
    for range a.mem.Events() {
    }
    _, err = a.c.Gossip(ctx, transport.Message{Qualifier: "x"})
    require.ErrorIs(t, err, ErrNotStarted)
    st, err := a.c.Status(ctx)
    require.NoError(t, err)
    require.False(t, st.Healthy)

    require.NoError(t, a.c.Close())
    require.False(t, rpc.stopped)
}

func TestOptionsValidate(t *testing.T) {
    n := local.NewNetwork()
    tr, err := n.Bind(transport.Endpoint{Host: "node", Port: 1}, local.Options{ID: "a"})
    require.NoError(t, err)
    mem, err := static.New(static.Options{Local: info("a", 1)})
    require.NoError(t, err)

    cases := map[string]Options{
        "no id":         {Transport: tr, Membership: mem},
        "no transport":  {NodeID: "a", Membership: mem},
        "no membership": {NodeID: "a", Transport: tr},
        "bad refresh":   {NodeID: "a", Transport: tr, Membership: mem, MemberRefresh: -1},
        "bad gossip":    {NodeID: "a", Transport: tr, Membership: mem, Gossip: gossip.Options{MaxGossipSent: -1}},
    }
    for name, o := range cases {
        _, err := New(o)
        require.Error(t, err, name)
    }
    _, err = New(Options{NodeID: "a", Transport: tr, Membership: mem})
    require.NoError(t, err)
}
