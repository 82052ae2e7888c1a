package transport

import "context"

// Sender accepts messages for delivery to one peer. *Channel implements it.
type Sender interface {
    Send(msg Message, f *Future)
}

// Envelope is one inbound message together with the channel it arrived on.
type Envelope struct {
    Channel       *Channel
    Message       Message
    Source        Endpoint
    CorrelationID string
}

// Transport opens channels to peers and exposes inbound traffic.
type Transport interface {
    // Local returns the endpoint peers use to reach this transport.
    Local() Endpoint
    // To returns a channel for sending to ep, reusing an existing one when
    // possible. Connection failures surface through the channel, not here.
    To(ep Endpoint) (Sender, error)
    // Listen subscribes to inbound envelopes until ctx is done. Slow
    // subscribers miss envelopes rather than blocking the transport.
    Listen(ctx context.Context) <-chan Envelope
    Close() error
}

// Starter is implemented by transports that must bind sockets before use.
type Starter interface {
    Start(ctx context.Context) error
}

// Handshake builds the handshake a transport announces to peers.
func Handshake(local Endpoint, id string) HandshakeData {
    return HandshakeData{Endpoint: local, EndpointID: id}
}
