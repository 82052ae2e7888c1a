package transport

import (
    "errors"
    "fmt"
)

var (
    ErrChannelClosed   = errors.New("transport: channel closed")
    ErrQueueFull       = errors.New("transport: channel send queue full")
    ErrEmptyHandshake  = errors.New("transport: empty handshake data")
    ErrHandshakeSet    = errors.New("transport: remote handshake already set")
    ErrTransportClosed = errors.New("transport: transport closed")
    ErrUnreachable     = errors.New("transport: endpoint unreachable")
)

// BrokenTransitionError reports a Flip whose expected status did not match the
// channel's actual status, or whose requested edge is not a lifecycle edge.
type BrokenTransitionError struct {
    Channel   string
    Expected  Status
    Actual    Status
    Requested Status
}

func (e *BrokenTransitionError) Error() string {
    return fmt.Sprintf("transport: broken transition on %s: expected=%s actual=%s requested=%s", e.Channel, e.Expected, e.Actual, e.Requested)
}

// ClosedError is the cause recorded on a channel closed without an explicit
// cause. It matches ErrChannelClosed with errors.Is.
type ClosedError struct {
    Channel string
}

func (e *ClosedError) Error() string { return fmt.Sprintf("transport: %s closed", e.Channel) }

func (e *ClosedError) Is(target error) bool { return target == ErrChannelClosed }
