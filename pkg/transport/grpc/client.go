package grpc

import (
    "context"
    "crypto/tls"
    "errors"
    "sync"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/backoff"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/credentials/insecure"
    "google.golang.org/grpc/keepalive"

    "github.com/amirimatin/go-gossip/pkg/transport"
)

// Client calls the gRPC management service of a node.
type Client struct {
    timeout time.Duration
    tlsCfg  *tls.Config
    once    sync.Once
    cm      *ConnManager
}

func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    return &Client{timeout: timeout}
}

// UseTLS sets TLS config for the client.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

func (c *Client) dial(ctx context.Context, target string) (*grpc.ClientConn, error) {
    opts := []grpc.DialOption{
        grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
        grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
        grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
    }
    if c.tlsCfg != nil {
        opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(c.tlsCfg)))
    } else {
        opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
    }
    return grpc.NewClient(target, opts...)
}

// getConn returns a managed connection, creating the manager on first use.
func (c *Client) getConn(ctx context.Context, addr string) (*grpc.ClientConn, func(), error) {
    c.once.Do(func() { c.cm = NewConnManager(30*time.Second, c.dial) })
    return c.cm.Get(ctx, addr)
}

func (c *Client) invoke(ctx context.Context, addr, method string, in, out interface{}) error {
    cctx, cancel := context.WithTimeout(ctx, c.timeout)
    defer cancel()
    cc, rel, err := c.getConn(cctx, addr)
    if err != nil { return err }
    defer rel()
    return cc.Invoke(cctx, "/gossip.v1.Management/"+method, in, out, grpc.WaitForReady(true))
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    out := new(blob)
    if err := c.invoke(ctx, addr, "GetStatus", &empty{}, out); err != nil { return nil, err }
    return out.Data, nil
}

func (c *Client) GetMembers(ctx context.Context, addr string) ([]byte, error) {
    out := new(blob)
    if err := c.invoke(ctx, addr, "GetMembers", &empty{}, out); err != nil { return nil, err }
    return out.Data, nil
}

func (c *Client) PostPublish(ctx context.Context, addr string, req transport.PublishRequest) (transport.PublishResponse, error) {
    var resp transport.PublishResponse
    if err := c.invoke(ctx, addr, "Publish", &req, &resp); err != nil { return resp, err }
    if resp.Error != "" { return resp, errors.New(resp.Error) }
    return resp, nil
}

func (c *Client) PostJoin(ctx context.Context, addr string, req transport.JoinRequest) (transport.JoinResponse, error) {
    var resp transport.JoinResponse
    if err := c.invoke(ctx, addr, "Join", &req, &resp); err != nil { return resp, err }
    return resp, nil
}

func (c *Client) PostLeave(ctx context.Context, addr string, req transport.LeaveRequest) (transport.LeaveResponse, error) {
    var resp transport.LeaveResponse
    if err := c.invoke(ctx, addr, "Leave", &req, &resp); err != nil { return resp, err }
    return resp, nil
}

// Close releases cached connections.
func (c *Client) Close() {
    if c.cm != nil { c.cm.Close() }
}

var _ transport.RPCClient = (*Client)(nil)
