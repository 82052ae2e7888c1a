// Package gossip implements epidemic dissemination of opaque facts between
// cluster members.
//
// Every round the engine picks up to MaxEndpointsToSelect members and sends
// each of them one batch holding the gossips that member has received fewer
// than MaxGossipSent times. Inbound batches are deduplicated by gossip id, so
// each distinct gossip reaches local listeners once no matter how many peers
// forward it. Delivery is best effort and unordered.
package gossip

import (
    "encoding/json"
    "fmt"

    "github.com/amirimatin/go-gossip/pkg/membership"
    "github.com/amirimatin/go-gossip/pkg/transport"
)

// Qualifier tags transport messages that carry a gossip Request.
const Qualifier = "gossip/request"

// Gossip is one immutable fact. ID is the cluster-wide dedup key.
type Gossip struct {
    ID      string            `json:"id"`
    Payload transport.Message `json:"payload"`
}

// Request is the batch of gossips sent to a member in one message.
type Request struct {
    Gossips []Gossip `json:"gossips"`
}

// LocalState records how many times a gossip was sent to a member.
type LocalState struct {
    Gossip    Gossip
    Member    membership.Endpoint
    SentCount int
}

// Encode wraps req into a gossip-tagged transport message.
func Encode(req Request, correlationID string) (transport.Message, error) {
    b, err := json.Marshal(req)
    if err != nil { return transport.Message{}, fmt.Errorf("gossip: encode request: %w", err) }
    return transport.Message{Qualifier: Qualifier, CorrelationID: correlationID, Data: b}, nil
}

// Decode extracts the Request carried by msg.
func Decode(msg transport.Message) (Request, error) {
    if msg.Qualifier != Qualifier {
        return Request{}, fmt.Errorf("%w: %q", ErrNotGossip, msg.Qualifier)
    }
    var req Request
    if err := json.Unmarshal(msg.Data, &req); err != nil {
        return Request{}, fmt.Errorf("gossip: decode request: %w", err)
    }
    return req, nil
}
