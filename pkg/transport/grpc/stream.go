package grpc

import (
    "sync"

    "google.golang.org/grpc"

    "github.com/amirimatin/go-gossip/pkg/transport"
)

const streamMethod = "/gossip.v1.Transport/Stream"

// frame is one unit on a transport stream. The first frame in each direction
// carries a handshake, every later frame a message.
type frame struct {
    Handshake *transport.HandshakeData `json:"handshake,omitempty"`
    Message   *transport.Message       `json:"message,omitempty"`
}

type transportServer interface {
    Stream(grpc.ServerStream) error
}

var streamDesc = grpc.StreamDesc{
    StreamName:    "Stream",
    ServerStreams: true,
    ClientStreams: true,
}

var _Transport_serviceDesc = grpc.ServiceDesc{
    ServiceName: "gossip.v1.Transport",
    HandlerType: (*transportServer)(nil),
    Streams: []grpc.StreamDesc{{
        StreamName:    "Stream",
        ServerStreams: true,
        ClientStreams: true,
        Handler:       _Transport_Stream_Handler,
    }},
}

func _Transport_Stream_Handler(srv interface{}, stream grpc.ServerStream) error {
    return srv.(transportServer).Stream(stream)
}

type msgStream interface {
    SendMsg(m interface{}) error
    RecvMsg(m interface{}) error
}

// streamConn adapts a gRPC stream to transport.Conn. SendMsg is not safe for
// concurrent use, so writes are serialized.
type streamConn struct {
    mu      sync.Mutex
    stream  msgStream
    closed  bool
    onClose []func()
}

// attach binds a client stream once it is open. It reports false when the
// conn was closed in the meantime, in which case cleanup already ran.
func (c *streamConn) attach(s msgStream, cleanup ...func()) bool {
    c.mu.Lock()
    if c.closed {
        c.mu.Unlock()
        for _, fn := range cleanup { fn() }
        return false
    }
    c.stream = s
    c.onClose = append(c.onClose, cleanup...)
    c.mu.Unlock()
    return true
}

func (c *streamConn) send(f *frame) error {
    c.mu.Lock()
    defer c.mu.Unlock()
    if c.closed { return transport.ErrChannelClosed }
    if c.stream == nil { return transport.ErrUnreachable }
    return c.stream.SendMsg(f)
}

func (c *streamConn) Write(msg transport.Message) error { return c.send(&frame{Message: &msg}) }

func (c *streamConn) Close() error {
    c.mu.Lock()
    if c.closed {
        c.mu.Unlock()
        return nil
    }
    c.closed = true
    fns := c.onClose
    c.onClose = nil
    c.mu.Unlock()
    for _, fn := range fns { fn() }
    return nil
}
