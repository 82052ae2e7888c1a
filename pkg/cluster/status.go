package cluster

import (
    "github.com/amirimatin/go-gossip/pkg/membership"
)

// ClusterStatus is a JSON-serializable snapshot of this node, served by the
// management /status endpoint.
type ClusterStatus struct {
    NodeID string `json:"nodeId"`
    // Endpoint is the gossip endpoint (scheme://id@host:port) of this node.
    Endpoint string `json:"endpoint,omitempty"`
    // Healthy is true while the node runs and membership reports no failure.
    Healthy bool `json:"healthy"`
    // HealthScore comes from membership when it reports one; -1 otherwise.
    HealthScore int `json:"healthScore"`
    // Members lists the membership view including this node.
    Members []membership.MemberInfo `json:"members"`
    // GossipPeers is the number of members the gossip engine sends to.
    GossipPeers int `json:"gossipPeers"`
    // Gossips is the number of gossip ids currently remembered.
    Gossips  int      `json:"gossips"`
    MgmtAddr string   `json:"mgmtAddr,omitempty"`
    Warnings []string `json:"warnings,omitempty"`
}
