package cluster

import (
    "errors"
    "time"

    "go.uber.org/zap"

    "github.com/amirimatin/go-gossip/pkg/discovery"
    "github.com/amirimatin/go-gossip/pkg/gossip"
    "github.com/amirimatin/go-gossip/pkg/membership"
    "github.com/amirimatin/go-gossip/pkg/transport"
)

type NodeID string

// DefaultMemberRefresh is how often the gossip member list is re-read from
// membership in addition to event-driven updates.
const DefaultMemberRefresh = time.Second

// Options carries dependency-injected components and runtime configuration used
// to assemble the cluster facade. Instances are typically produced from
// bootstrap.Build.
type Options struct {
    // NodeID is the unique identifier of this node within the cluster. It
    // must match the membership's local member id.
    NodeID NodeID
    // Transport carries gossip batches between nodes. The cluster starts it
    // (when it implements transport.Starter) and closes it on Stop.
    Transport transport.Transport
    // Membership implementation (required).
    Membership membership.Membership
    // Discovery provides seeds joined at start (optional).
    Discovery discovery.Discovery
    // Gossip tunes the dissemination engine.
    Gossip gossip.Options
    // RPCServer serves the management API (optional).
    RPCServer transport.RPCServer
    // Handler receives every gossip delivered on this node (optional).
    Handler GossipHandler
    // MemberRefresh is the periodic membership resync; zero means
    // DefaultMemberRefresh.
    MemberRefresh time.Duration
    Logger        *zap.Logger
}

// Validate performs a minimal validation of Options. It does not start any
// network activity and is safe to call before New.
func (o Options) Validate() error {
    if o.NodeID == "" { return errors.New("cluster: empty NodeID") }
    if o.Transport == nil { return errors.New("cluster: nil Transport") }
    if o.Membership == nil { return errors.New("cluster: nil Membership") }
    if o.MemberRefresh < 0 { return errors.New("cluster: negative MemberRefresh") }
    return o.Gossip.Validate()
}
