package transport

import (
    "fmt"
    "sync"
    "sync/atomic"

    "go.uber.org/zap"

    "github.com/amirimatin/go-gossip/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-gossip/pkg/observability/metrics"
)

// DefaultQueueSize bounds the writes a channel buffers while it is not READY.
const DefaultQueueSize = 1024

// Conn is the physical connection a Channel owns. Write is called from a
// single goroutine at a time.
type Conn interface {
    Write(msg Message) error
    Close() error
}

// ChannelOptions configures a Channel.
type ChannelOptions struct {
    // OnClose runs exactly once, after the underlying connection was closed.
    OnClose func(*Channel)
    // Logger is optional.
    Logger *zap.Logger
    // QueueSize bounds pending writes; zero means DefaultQueueSize.
    QueueSize int
}

var channelSeq atomic.Uint64

// Channel wraps one connection and enforces its lifecycle:
//
//    CONNECT_IN_PROGRESS -> CONNECTED -> HANDSHAKE_IN_PROGRESS -> HANDSHAKE_PASSED -> READY
//
// with CLOSED reachable from any other status through Close or Flip. Status
// changes only via Flip (compare-and-swap) and Close. Writes are queued and flushed in order
// once the channel is READY.
type Channel struct {
    id     uint64
    conn   Conn
    status atomic.Int32
    cause  atomic.Pointer[error]
    remote atomic.Pointer[HandshakeData]

    ready chan struct{}
    done  chan struct{}
    wake  chan struct{}

    mu       sync.Mutex
    queue    []pendingWrite
    closing  bool
    maxQueue int

    writerOnce sync.Once
    closeOnce  sync.Once
    closeErr   error
    onClose    func(*Channel)
    log        *zap.Logger
}

type pendingWrite struct {
    msg Message
    fut *Future
}

// NewConnector returns a channel for an outbound connection, starting at
// CONNECT_IN_PROGRESS.
func NewConnector(conn Conn, opts ChannelOptions) *Channel {
    return newChannel(conn, StatusConnectInProgress, opts)
}

// NewAcceptor returns a channel for an accepted inbound connection, starting
// at CONNECTED.
func NewAcceptor(conn Conn, opts ChannelOptions) *Channel {
    return newChannel(conn, StatusConnected, opts)
}

func newChannel(conn Conn, initial Status, opts ChannelOptions) *Channel {
    if opts.QueueSize <= 0 { opts.QueueSize = DefaultQueueSize }
    c := &Channel{
        id:       channelSeq.Add(1),
        conn:     conn,
        ready:    make(chan struct{}),
        done:     make(chan struct{}),
        wake:     make(chan struct{}, 1),
        maxQueue: opts.QueueSize,
        onClose:  opts.OnClose,
        log:      logutil.OrNop(opts.Logger),
    }
    c.status.Store(int32(initial))
    return c
}

func (c *Channel) ID() uint64 { return c.id }

func (c *Channel) String() string { return fmt.Sprintf("channel#%d", c.id) }

func (c *Channel) Status() Status { return Status(c.status.Load()) }

// Cause returns the first recorded failure, or nil.
func (c *Channel) Cause() error {
    if p := c.cause.Load(); p != nil { return *p }
    return nil
}

// Ready is closed when the channel reaches READY.
func (c *Channel) Ready() <-chan struct{} { return c.ready }

// Done is closed when the channel is closed.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Flip moves the status from expected to next. It fails with a
// *BrokenTransitionError, leaving the status untouched, when the current
// status is not expected or expected -> next is not a lifecycle edge.
// Flipping to CLOSED closes the channel as Close(nil, nil) would.
func (c *Channel) Flip(expected, next Status) error {
    if !CanFlip(expected, next) || !c.status.CompareAndSwap(int32(expected), int32(next)) {
        return &BrokenTransitionError{Channel: c.String(), Expected: expected, Actual: c.Status(), Requested: next}
    }
    if next == StatusClosed {
        c.Close(nil, nil)
        return nil
    }
    obsmetrics.ChannelTransitions.WithLabelValues(next.String()).Inc()
    if next == StatusReady { close(c.ready) }
    c.log.Debug("channel transition", zap.Stringer("channel", c), zap.Stringer("from", expected), zap.Stringer("to", next))
    return nil
}

// Send queues msg for writing. If the channel already recorded a failure the
// future fails right away with that cause and the connection is not touched.
// The writer goroutine starts with the first queued write; a channel holding
// queued writes must eventually be closed or reach READY to release it.
func (c *Channel) Send(msg Message, f *Future) {
    if err := c.Cause(); err != nil {
        c.reject(msg, f, err)
        return
    }
    c.mu.Lock()
    if c.closing {
        c.mu.Unlock()
        c.reject(msg, f, c.closedCause())
        return
    }
    if len(c.queue) >= c.maxQueue {
        c.mu.Unlock()
        c.reject(msg, f, ErrQueueFull)
        return
    }
    c.queue = append(c.queue, pendingWrite{msg: msg, fut: f})
    c.mu.Unlock()
    c.writerOnce.Do(func() { go c.writeLoop() })
    select {
    case c.wake <- struct{}{}:
    default:
    }
}

func (c *Channel) reject(msg Message, f *Future, err error) {
    if f == nil {
        c.log.Debug("dropping message on failed channel", zap.Stringer("channel", c), zap.String("qualifier", msg.Qualifier), zap.Error(err))
        return
    }
    f.Complete(err)
}

// Close records cause unless a cause was already recorded, moves the channel
// to CLOSED, closes the connection and runs the close callback. Only the first
// call does work; f completes with the result of closing the connection.
func (c *Channel) Close(cause error, f *Future) {
    if cause == nil { cause = &ClosedError{Channel: c.String()} }
    c.cause.CompareAndSwap(nil, &cause)
    c.status.Store(int32(StatusClosed))
    c.closeOnce.Do(func() {
        c.mu.Lock()
        c.closing = true
        c.mu.Unlock()
        close(c.done)
        if c.conn != nil { c.closeErr = c.conn.Close() }
        obsmetrics.ChannelTransitions.WithLabelValues(StatusClosed.String()).Inc()
        c.log.Debug("channel closed", zap.Stringer("channel", c), zap.NamedError("cause", c.Cause()))
        if c.onClose != nil { c.onClose(c) }
    })
    f.Complete(c.closeErr)
}

// SetRemoteHandshake records the peer's handshake. It may be called once and
// rejects empty data.
func (c *Channel) SetRemoteHandshake(hs HandshakeData) error {
    if err := hs.Validate(); err != nil { return err }
    if !c.remote.CompareAndSwap(nil, &hs) { return ErrHandshakeSet }
    return nil
}

// RemoteHandshake returns the peer's handshake, if known.
func (c *Channel) RemoteHandshake() (HandshakeData, bool) {
    p := c.remote.Load()
    if p == nil { return HandshakeData{}, false }
    return *p, true
}

// RemoteEndpoint returns the peer's advertised endpoint; ok is false until the
// handshake completed.
func (c *Channel) RemoteEndpoint() (Endpoint, bool) {
    hs, ok := c.RemoteHandshake()
    if !ok || hs.Endpoint.IsZero() { return Endpoint{}, false }
    return hs.Endpoint, true
}

// RemoteEndpointID returns the peer's member id; ok is false until the
// handshake completed or when the peer did not announce one.
func (c *Channel) RemoteEndpointID() (string, bool) {
    hs, ok := c.RemoteHandshake()
    if !ok || hs.EndpointID == "" { return "", false }
    return hs.EndpointID, true
}

func (c *Channel) closedCause() error {
    if err := c.Cause(); err != nil { return err }
    return &ClosedError{Channel: c.String()}
}

func (c *Channel) writeLoop() {
    select {
    case <-c.ready:
    case <-c.done:
        c.failPending()
        return
    }
    for {
        c.mu.Lock()
        batch := c.queue
        c.queue = nil
        c.mu.Unlock()
        c.flush(batch)
        select {
        case <-c.wake:
        case <-c.done:
            c.failPending()
            return
        }
    }
}

func (c *Channel) flush(batch []pendingWrite) {
    for i, w := range batch {
        if err := c.Cause(); err != nil {
            for _, rest := range batch[i:] { rest.fut.Complete(err) }
            return
        }
        err := c.conn.Write(w.msg)
        w.fut.Complete(err)
        if err != nil {
            c.Close(err, nil)
            for _, rest := range batch[i+1:] { rest.fut.Complete(c.Cause()) }
            return
        }
    }
}

func (c *Channel) failPending() {
    c.mu.Lock()
    batch := c.queue
    c.queue = nil
    c.mu.Unlock()
    err := c.closedCause()
    for _, w := range batch { w.fut.Complete(err) }
}

var _ Sender = (*Channel)(nil)
