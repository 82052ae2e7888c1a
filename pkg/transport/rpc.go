package transport

import "context"

// StatusFunc returns a JSON-encoded status payload for management /status.
// Using []byte avoids import cycles on cluster types.
type StatusFunc func(ctx context.Context) ([]byte, error)

// MembersFunc returns a JSON-encoded member list for management /members.
type MembersFunc func(ctx context.Context) ([]byte, error)

// PublishRequest asks a node to inject a new gossip into the cluster.
type PublishRequest struct {
    Qualifier string            `json:"qualifier,omitempty"`
    Headers   map[string]string `json:"headers,omitempty"`
    Data      []byte            `json:"data"`
}

// PublishResponse carries the id assigned to the injected gossip.
type PublishResponse struct {
    ID    string `json:"id,omitempty"`
    Error string `json:"error,omitempty"`
}

// PublishFunc handles gossip injection requests.
type PublishFunc func(ctx context.Context, req PublishRequest) (PublishResponse, error)

// JoinRequest asks a node to join the membership of the given seeds.
type JoinRequest struct {
    Seeds []string `json:"seeds"`
}

// JoinResponse indicates acceptance or error.
type JoinResponse struct {
    Accepted bool   `json:"accepted"`
    Error    string `json:"error,omitempty"`
}

// JoinFunc handles join requests.
type JoinFunc func(ctx context.Context, req JoinRequest) (JoinResponse, error)

// LeaveRequest asks a node to leave the membership gracefully.
type LeaveRequest struct{}

// LeaveResponse indicates whether the leave was accepted.
type LeaveResponse struct {
    Accepted bool   `json:"accepted"`
    Error    string `json:"error,omitempty"`
}

// LeaveFunc handles leave requests.
type LeaveFunc func(ctx context.Context, req LeaveRequest) (LeaveResponse, error)

// Handlers bundles the management callbacks served by an RPCServer. Nil
// handlers are reported as not supported.
type Handlers struct {
    Status  StatusFunc
    Members MembersFunc
    Publish PublishFunc
    Join    JoinFunc
    Leave   LeaveFunc
}

// RPCServer exposes management endpoints (status, members, publish, join,
// leave, metrics).
type RPCServer interface {
    Start(ctx context.Context, h Handlers) error
    Addr() string
    Stop(ctx context.Context) error
}

// RPCClient calls the management endpoints of a node.
type RPCClient interface {
    GetStatus(ctx context.Context, addr string) ([]byte, error)
    GetMembers(ctx context.Context, addr string) ([]byte, error)
    PostPublish(ctx context.Context, addr string, req PublishRequest) (PublishResponse, error)
    PostJoin(ctx context.Context, addr string, req JoinRequest) (JoinResponse, error)
    PostLeave(ctx context.Context, addr string, req LeaveRequest) (LeaveResponse, error)
}
