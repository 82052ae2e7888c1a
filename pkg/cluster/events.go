package cluster

import (
    "context"
    "time"

    "github.com/amirimatin/go-gossip/pkg/membership"
)

type EventType string

const (
    EventMemberJoin   EventType = "member_join"
    EventMemberLeave  EventType = "member_leave"
    EventMemberFailed EventType = "member_failed"
)

// Event is an application-consumable event describing a membership change.
type Event struct {
    Type   EventType
    At     time.Time
    Member membership.MemberInfo
}

func eventFrom(e membership.Event) Event {
    t := EventMemberJoin
    switch e.Type {
    case membership.EventLeave:
        t = EventMemberLeave
    case membership.EventFailed:
        t = EventMemberFailed
    }
    at := e.At
    if at.IsZero() { at = time.Now() }
    return Event{Type: t, At: at, Member: e.Member}
}

// Subscribe returns a channel of membership events. The returned channel is
// buffered and closed when ctx is done or the cluster stops. Events may be
// dropped if the consumer is too slow.
func (c *Cluster) Subscribe(ctx context.Context) <-chan Event { return c.events.Subscribe(ctx) }
