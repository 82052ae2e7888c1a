package cluster

import (
    "context"

    "github.com/amirimatin/go-gossip/pkg/transport"
)

// GossipHandler lets an application consume delivered gossips without
// managing a ListenGossips subscription. Payloads are opaque to the cluster.
// Handlers run on a single goroutine, in delivery order; a slow handler
// causes later gossips to be dropped for it.
type GossipHandler interface {
    HandleGossip(ctx context.Context, msg transport.Message) error
}

// HandlerFunc adapts a function to GossipHandler.
type HandlerFunc func(ctx context.Context, msg transport.Message) error

func (f HandlerFunc) HandleGossip(ctx context.Context, msg transport.Message) error { return f(ctx, msg) }
