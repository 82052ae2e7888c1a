package membership

import (
    "context"
    "fmt"
    "time"

    "github.com/amirimatin/go-gossip/pkg/transport"
)

// Well-known MemberInfo.Meta keys.
const (
    // MetaGossip holds the host:port of the member's gossip transport.
    MetaGossip = "gossip"
    // MetaMgmt holds the host:port of the member's management API.
    MetaMgmt = "mgmt"
)

// MemberInfo describes a cluster member as observed by the membership layer
// (e.g., memberlist). Meta carries auxiliary data such as the gossip and
// management addresses.
type MemberInfo struct {
    ID   string            `json:"id"`
    Addr string            `json:"addr"`
    Meta map[string]string `json:"meta,omitempty"`
}

// Endpoint converts the member into a cluster endpoint, preferring the gossip
// transport address from Meta over the membership address.
func (m MemberInfo) Endpoint() (Endpoint, error) {
    if m.ID == "" { return Endpoint{}, fmt.Errorf("membership: member without id") }
    addr := m.Addr
    if v := m.Meta[MetaGossip]; v != "" { addr = v }
    host, port, err := transport.SplitHostPort(addr)
    if err != nil { return Endpoint{}, fmt.Errorf("membership: member %s: %w", m.ID, err) }
    return Endpoint{ID: m.ID, Host: host, Port: port}, nil
}

type EventType string

const (
    // EventJoin indicates a member joined or became visible.
    EventJoin   EventType = "join"
    // EventLeave indicates a member left the cluster.
    EventLeave  EventType = "leave"
    // EventFailed indicates membership marked the node as failed/unreachable.
    EventFailed EventType = "failed"
)

// Event is the translated membership change notification.
type Event struct {
    Type   EventType
    Member MemberInfo
    At     time.Time
}

// Membership is the abstraction over the failure-detection layer. It decides
// which members are alive; the gossip engine only consumes snapshots of it.
type Membership interface {
    Start(ctx context.Context) error
    Join(seeds []string) error
    Local() MemberInfo
    Members() []MemberInfo
    Events() <-chan Event
    Leave() error
    Stop() error
}

// Endpoints converts members to cluster endpoints, skipping the member with
// id self and any member whose address cannot be parsed.
func Endpoints(members []MemberInfo, self string) []Endpoint {
    out := make([]Endpoint, 0, len(members))
    for _, m := range members {
        if m.ID == self { continue }
        ep, err := m.Endpoint()
        if err != nil { continue }
        out = append(out, ep)
    }
    return out
}
