package gossip

import (
    "context"
    "sync"

    "github.com/amirimatin/go-gossip/pkg/transport"
)

type sentMsg struct {
    to  transport.Endpoint
    msg transport.Message
}

// fakeTransport records To/Send calls and lets tests inject inbound envelopes.
type fakeTransport struct {
    mu      sync.Mutex
    local   transport.Endpoint
    inbound chan transport.Envelope
    toCalls []transport.Endpoint
    sends   []sentMsg
    sendErr error
    toErr   error
    // hold keeps send futures pending until the test completes them.
    hold    bool
    held    []*transport.Future
}

func newFakeTransport() *fakeTransport {
    return &fakeTransport{
        local:   transport.Endpoint{Host: "host", Port: 1},
        inbound: make(chan transport.Envelope, 16),
    }
}

func (f *fakeTransport) Local() transport.Endpoint { return f.local }

func (f *fakeTransport) To(ep transport.Endpoint) (transport.Sender, error) {
    f.mu.Lock()
    defer f.mu.Unlock()
    f.toCalls = append(f.toCalls, ep)
    if f.toErr != nil { return nil, f.toErr }
    return &fakeSender{t: f, to: ep}, nil
}

func (f *fakeTransport) Listen(ctx context.Context) <-chan transport.Envelope { return f.inbound }

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) counts() (to, send int) {
    f.mu.Lock()
    defer f.mu.Unlock()
    return len(f.toCalls), len(f.sends)
}

func (f *fakeTransport) sentMessages() []sentMsg {
    f.mu.Lock()
    defer f.mu.Unlock()
    return append([]sentMsg(nil), f.sends...)
}

type fakeSender struct {
    t  *fakeTransport
    to transport.Endpoint
}

func (s *fakeSender) Send(msg transport.Message, fut *transport.Future) {
    s.t.mu.Lock()
    s.t.sends = append(s.t.sends, sentMsg{to: s.to, msg: msg})
    err := s.t.sendErr
    if s.t.hold {
        s.t.held = append(s.t.held, fut)
        s.t.mu.Unlock()
        return
    }
    s.t.mu.Unlock()
    fut.Complete(err)
}

// completeHeld resolves every held future with err.
func (f *fakeTransport) completeHeld(err error) {
    f.mu.Lock()
    held := f.held
    f.held = nil
    f.mu.Unlock()
    for _, fut := range held { fut.Complete(err) }
}
