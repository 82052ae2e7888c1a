package httpjson

import (
    "bytes"
    "context"
    "crypto/tls"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "net/http"
    "time"

    "github.com/amirimatin/go-gossip/pkg/transport"
)

// Client is a thin HTTP client for the management API. It supports optional
// TLS and retries failed calls with exponential backoff.
type Client struct {
    httpc     *http.Client
    transport *http.Transport
    isTLS     bool
    attempts  int
}

// NewClient constructs a new Client with the given per-request timeout.
func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    tr := &http.Transport{}
    return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr, attempts: 3}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
    if c.transport != nil { c.transport.TLSClientConfig = cfg }
    c.isTLS = cfg != nil
    return c
}

func (c *Client) url(addr, path string) string {
    scheme := "http"
    if c.isTLS { scheme = "https" }
    return fmt.Sprintf("%s://%s%s", scheme, addr, path)
}

// do performs the request up to c.attempts times. A non-2xx reply is an
// error; its body is still returned so callers can decode error documents.
func (c *Client) do(ctx context.Context, method, url string, body []byte) ([]byte, error) {
    var lastErr error
    for attempt := 0; attempt < c.attempts; attempt++ {
        var rd io.Reader
        if body != nil { rd = bytes.NewReader(body) }
        req, err := http.NewRequestWithContext(ctx, method, url, rd)
        if err != nil { return nil, err }
        if body != nil { req.Header.Set("Content-Type", "application/json") }
        resp, err := c.httpc.Do(req)
        if err != nil {
            lastErr = err
        } else {
            b, rerr := io.ReadAll(resp.Body)
            _ = resp.Body.Close()
            switch {
            case rerr != nil:
                lastErr = rerr
            case resp.StatusCode >= 200 && resp.StatusCode < 300:
                return b, nil
            case resp.StatusCode < 500:
                // client errors are not retried
                return b, &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(b))}
            default:
                lastErr = &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(b))}
                if method == http.MethodPost { return b, lastErr }
            }
        }
        select {
        case <-ctx.Done():
            if lastErr == nil { lastErr = ctx.Err() }
            return nil, lastErr
        case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
        }
    }
    return nil, lastErr
}

// StatusError is a non-2xx management reply.
type StatusError struct {
    Code int
    Body string
}

func (e *StatusError) Error() string { return fmt.Sprintf("status %d: %s", e.Code, e.Body) }

// post sends req and decodes the reply into out. When the call fails and the
// reply carried an error message, errMsg surfaces it as the returned error.
func (c *Client) post(ctx context.Context, addr, path string, req, out interface{}, errMsg func() string) error {
    body, err := json.Marshal(req)
    if err != nil { return err }
    b, err := c.do(ctx, http.MethodPost, c.url(addr, path), body)
    if len(b) > 0 { _ = json.Unmarshal(b, out) }
    if err != nil {
        if msg := errMsg(); msg != "" { return errors.New(msg) }
        return err
    }
    return nil
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    return c.do(ctx, http.MethodGet, c.url(addr, "/status"), nil)
}

func (c *Client) GetMembers(ctx context.Context, addr string) ([]byte, error) {
    return c.do(ctx, http.MethodGet, c.url(addr, "/members"), nil)
}

func (c *Client) PostPublish(ctx context.Context, addr string, req transport.PublishRequest) (transport.PublishResponse, error) {
    var out transport.PublishResponse
    err := c.post(ctx, addr, "/gossip", req, &out, func() string { return out.Error })
    return out, err
}

func (c *Client) PostJoin(ctx context.Context, addr string, req transport.JoinRequest) (transport.JoinResponse, error) {
    var out transport.JoinResponse
    err := c.post(ctx, addr, "/join", req, &out, func() string { return out.Error })
    return out, err
}

func (c *Client) PostLeave(ctx context.Context, addr string, req transport.LeaveRequest) (transport.LeaveResponse, error) {
    var out transport.LeaveResponse
    err := c.post(ctx, addr, "/leave", req, &out, func() string { return out.Error })
    return out, err
}

var _ transport.RPCClient = (*Client)(nil)
