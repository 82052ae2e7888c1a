// Package local is an in-process transport. Every Transport bound to the same
// Network can reach the others through channels that run the full connect and
// handshake lifecycle without touching sockets. It backs tests and the demo
// binary, and lets tests partition members with SetDown.
package local

import (
    "context"
    "fmt"
    "sync"
    "sync/atomic"

    "go.uber.org/zap"

    "github.com/amirimatin/go-gossip/pkg/internal/logutil"
    "github.com/amirimatin/go-gossip/pkg/internal/pubsub"
    obsmetrics "github.com/amirimatin/go-gossip/pkg/observability/metrics"
    "github.com/amirimatin/go-gossip/pkg/transport"
)

// Network is a registry of in-process transports keyed by endpoint.
type Network struct {
    mu    sync.Mutex
    nodes map[transport.Endpoint]*Transport
    down  map[transport.Endpoint]bool
}

func NewNetwork() *Network {
    return &Network{nodes: make(map[transport.Endpoint]*Transport), down: make(map[transport.Endpoint]bool)}
}

// Options configures a bound Transport.
type Options struct {
    // ID is announced in the handshake.
    ID        string
    QueueSize int
    Buffer    int
    Logger    *zap.Logger
}

// Bind registers a transport at ep.
func (n *Network) Bind(ep transport.Endpoint, opts Options) (*Transport, error) {
    if ep.IsZero() { return nil, fmt.Errorf("local: empty endpoint") }
    n.mu.Lock()
    defer n.mu.Unlock()
    if _, ok := n.nodes[ep]; ok { return nil, fmt.Errorf("local: %s already bound", ep) }
    t := &Transport{
        net:   n,
        local: ep,
        opts:  opts,
        log:   logutil.OrNop(opts.Logger).With(zap.String("transport", ep.String())),
        bus:   pubsub.New[transport.Envelope](opts.Buffer),
        out:   make(map[transport.Endpoint]*transport.Channel),
        all:   make(map[*transport.Channel]struct{}),
    }
    n.nodes[ep] = t
    return t, nil
}

// SetDown makes ep unreachable (or reachable again). Taking an endpoint down
// closes every channel it owns; connects and writes to it fail with
// transport.ErrUnreachable until it is brought back.
func (n *Network) SetDown(ep transport.Endpoint, down bool) {
    n.mu.Lock()
    if down {
        n.down[ep] = true
    } else {
        delete(n.down, ep)
    }
    t := n.nodes[ep]
    n.mu.Unlock()
    if down && t != nil { t.closeChannels(transport.ErrUnreachable) }
}

func (n *Network) lookup(ep transport.Endpoint) (*Transport, error) {
    n.mu.Lock()
    defer n.mu.Unlock()
    t, ok := n.nodes[ep]
    if !ok || n.down[ep] { return nil, fmt.Errorf("%w: %s", transport.ErrUnreachable, ep) }
    return t, nil
}

func (n *Network) isDown(ep transport.Endpoint) bool {
    n.mu.Lock()
    defer n.mu.Unlock()
    return n.down[ep]
}

func (n *Network) unbind(t *Transport) {
    n.mu.Lock()
    defer n.mu.Unlock()
    if n.nodes[t.local] == t { delete(n.nodes, t.local) }
}

// Transport is one member's view of a Network.
type Transport struct {
    net   *Network
    local transport.Endpoint
    opts  Options
    log   *zap.Logger
    bus   *pubsub.Bus[transport.Envelope]

    mu     sync.Mutex
    out    map[transport.Endpoint]*transport.Channel
    all    map[*transport.Channel]struct{}
    closed bool
}

func (t *Transport) Local() transport.Endpoint { return t.local }

// Handshake is what this transport announces to peers.
func (t *Transport) Handshake() transport.HandshakeData { return transport.Handshake(t.local, t.opts.ID) }

// To returns the cached channel to ep or starts a new one. The returned
// channel queues writes until the handshake completes.
func (t *Transport) To(ep transport.Endpoint) (transport.Sender, error) {
    t.mu.Lock()
    defer t.mu.Unlock()
    if t.closed { return nil, transport.ErrTransportClosed }
    if ch, ok := t.out[ep]; ok && ch.Status() != transport.StatusClosed {
        obsmetrics.ChannelReuse.Inc()
        return ch, nil
    }
    p := &pipe{net: t.net}
    ch := transport.NewConnector(&pipeEnd{p: p, side: 0, self: t.local}, t.channelOptions(func(c *transport.Channel) {
        t.mu.Lock()
        if t.out[ep] == c { delete(t.out, ep) }
        t.mu.Unlock()
    }))
    p.set(0, ch, t)
    t.out[ep] = ch
    t.all[ch] = struct{}{}
    obsmetrics.ChannelDials.Inc()
    obsmetrics.ChannelsActive.Inc()
    go t.connect(ch, p, ep)
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

// connect drives ch through connect and handshake against the transport
// bound at ep. Any failure closes ch, which also fails its queued writes.
func (t *Transport) connect(ch *transport.Channel, p *pipe, ep transport.Endpoint) {
    peer, err := t.net.lookup(ep)
    if err == nil { err = ch.Flip(transport.StatusConnectInProgress, transport.StatusConnected) }
    if err == nil { err = ch.Flip(transport.StatusConnected, transport.StatusHandshakeInProgress) }
    if err == nil { _, err = peer.accept(p, t.local, t.Handshake()) }
    if err == nil { err = ch.SetRemoteHandshake(peer.Handshake()) }
    if err == nil { err = ch.Flip(transport.StatusHandshakeInProgress, transport.StatusHandshakePassed) }
    if err == nil { err = ch.Flip(transport.StatusHandshakePassed, transport.StatusReady) }
    if err != nil {
        t.log.Debug("connect failed", zap.Stringer("to", ep), zap.Error(err))
        ch.Close(err, nil)
    }
}

// accept creates the inbound side of p and completes its handshake.
func (t *Transport) accept(p *pipe, from transport.Endpoint, hs transport.HandshakeData) (*transport.Channel, error) {
    t.mu.Lock()
    if t.closed {
        t.mu.Unlock()
        return nil, transport.ErrTransportClosed
    }
    ch := transport.NewAcceptor(&pipeEnd{p: p, side: 1, self: t.local}, t.channelOptions(nil))
    p.set(1, ch, t)
    t.all[ch] = struct{}{}
    t.mu.Unlock()
    obsmetrics.ChannelsActive.Inc()

    err := ch.Flip(transport.StatusConnected, transport.StatusHandshakeInProgress)
    if err == nil { err = ch.SetRemoteHandshake(hs) }
    if err == nil { err = ch.Flip(transport.StatusHandshakeInProgress, transport.StatusHandshakePassed) }
    if err == nil { err = ch.Flip(transport.StatusHandshakePassed, transport.StatusReady) }
    if err != nil {
        ch.Close(err, nil)
        return nil, err
    }
    t.log.Debug("accepted channel", zap.Stringer("from", from), zap.Stringer("channel", ch))
    return ch, nil
}

// Listen streams inbound envelopes until ctx is done or the transport closes.
func (t *Transport) Listen(ctx context.Context) <-chan transport.Envelope { return t.bus.Subscribe(ctx) }

// Close unbinds the transport and closes all of its channels.
func (t *Transport) Close() error {
    t.mu.Lock()
    if t.closed {
        t.mu.Unlock()
        return nil
    }
    t.closed = true
    t.mu.Unlock()
    t.net.unbind(t)
    t.closeChannels(nil)
    t.bus.Close()
    return nil
}

func (t *Transport) closeChannels(cause error) {
    t.mu.Lock()
    chs := make([]*transport.Channel, 0, len(t.all))
    for c := range t.all { chs = append(chs, c) }
    t.mu.Unlock()
    for _, c := range chs { c.Close(cause, nil) }
}

func (t *Transport) deliver(ch *transport.Channel, from transport.Endpoint, msg transport.Message) {
    t.bus.Publish(transport.Envelope{Channel: ch, Message: msg, Source: from, CorrelationID: msg.CorrelationID})
}

// pipe joins an outbound channel with the channel accepted for it.
type pipe struct {
    net    *Network
    mu     sync.Mutex
    ends   [2]*transport.Channel
    owners [2]*Transport
    closed atomic.Bool
}

func (p *pipe) set(side int, ch *transport.Channel, owner *Transport) {
    p.mu.Lock()
    p.ends[side], p.owners[side] = ch, owner
    p.mu.Unlock()
}

func (p *pipe) peer(side int) (*transport.Channel, *Transport) {
    p.mu.Lock()
    defer p.mu.Unlock()
    return p.ends[1-side], p.owners[1-side]
}

type pipeEnd struct {
    p    *pipe
    side int
    self transport.Endpoint
}

func (e *pipeEnd) Write(msg transport.Message) error {
    if e.p.closed.Load() { return transport.ErrChannelClosed }
    ch, owner := e.p.peer(e.side)
    if ch == nil || owner == nil { return transport.ErrUnreachable }
    if e.p.net.isDown(e.self) || e.p.net.isDown(owner.local) {
        return fmt.Errorf("%w: %s", transport.ErrUnreachable, owner.local)
    }
    owner.deliver(ch, e.self, msg.Clone())
    return nil
}

// Close tears down both ends. The peer end is closed asynchronously since
// its Close calls back into this pipe.
func (e *pipeEnd) Close() error {
    if !e.p.closed.CompareAndSwap(false, true) { return nil }
    if ch, _ := e.p.peer(e.side); ch != nil { go ch.Close(nil, nil) }
    return nil
}

var _ transport.Transport = (*Transport)(nil)
