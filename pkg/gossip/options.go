package gossip

import (
    "fmt"
    "time"

    "go.uber.org/zap"
)

// Defaults applied by Options.withDefaults.
const (
    DefaultGossipInterval       = 200 * time.Millisecond
    DefaultMaxGossipSent        = 2
    DefaultMaxEndpointsToSelect = 2
    DefaultRetention            = 5 * time.Minute
    DefaultMaxTableSize         = 65536
    DefaultSubscriberBuffer     = 64
)

// Options configures the gossip engine. All fields are read once at New.
type Options struct {
    // GossipInterval is the delay between the end of one round and the start
    // of the next.
    GossipInterval time.Duration
    // MaxGossipSent caps how many times a gossip is sent to one member.
    MaxGossipSent int
    // MaxEndpointsToSelect is the per-round fan-out.
    MaxEndpointsToSelect int
    // Retention is how long a gossip id is remembered for deduplication and
    // propagation after it was first seen.
    Retention time.Duration
    // MaxTableSize bounds the number of remembered gossip ids; the oldest are
    // evicted first.
    MaxTableSize int
    // SubscriberBuffer is the channel buffer handed to each Listen caller.
    SubscriberBuffer int
    // Logger is optional.
    Logger *zap.Logger
}

// DefaultOptions returns Options with every default filled in.
func DefaultOptions() Options { return Options{}.withDefaults() }

func (o Options) withDefaults() Options {
    if o.GossipInterval == 0 { o.GossipInterval = DefaultGossipInterval }
    if o.MaxGossipSent == 0 { o.MaxGossipSent = DefaultMaxGossipSent }
    if o.MaxEndpointsToSelect == 0 { o.MaxEndpointsToSelect = DefaultMaxEndpointsToSelect }
    if o.Retention == 0 { o.Retention = DefaultRetention }
    if o.MaxTableSize == 0 { o.MaxTableSize = DefaultMaxTableSize }
    if o.SubscriberBuffer == 0 { o.SubscriberBuffer = DefaultSubscriberBuffer }
    return o
}

// Validate checks numeric bounds after defaults were applied.
func (o Options) Validate() error {
    o = o.withDefaults()
    switch {
    case o.GossipInterval < 0:
        return fmt.Errorf("%w: negative gossip interval", ErrInvalidOptions)
    case o.MaxGossipSent < 1:
        return fmt.Errorf("%w: max gossip sent must be >= 1", ErrInvalidOptions)
    case o.MaxEndpointsToSelect < 1:
        return fmt.Errorf("%w: max endpoints to select must be >= 1", ErrInvalidOptions)
    case o.Retention < 0:
        return fmt.Errorf("%w: negative retention", ErrInvalidOptions)
    case o.MaxTableSize < 1:
        return fmt.Errorf("%w: max table size must be >= 1", ErrInvalidOptions)
    case o.SubscriberBuffer < 1:
        return fmt.Errorf("%w: subscriber buffer must be >= 1", ErrInvalidOptions)
    }
    return nil
}
