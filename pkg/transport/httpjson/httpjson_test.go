package httpjson

import (
    "context"
    "errors"
    "net/http"
    "net/http/httptest"
    "strings"
    "sync/atomic"
    "testing"
    "time"

    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-gossip/pkg/internal/testutil"
    tlsx "github.com/amirimatin/go-gossip/pkg/security/tlsconfig"
    "github.com/amirimatin/go-gossip/pkg/transport"
)

func handlers(published *transport.PublishRequest) transport.Handlers {
    return transport.Handlers{
        Status:  func(context.Context) ([]byte, error) { return []byte(`{"id":"n1"}`), nil },
        Members: func(context.Context) ([]byte, error) { return []byte(`[{"id":"n2"}]`), nil },
        Publish: func(_ context.Context, req transport.PublishRequest) (transport.PublishResponse, error) {
            if len(req.Data) == 0 { return transport.PublishResponse{}, errors.New("empty payload") }
            *published = req
            return transport.PublishResponse{ID: "g-1"}, nil
        },
        Join: func(_ context.Context, req transport.JoinRequest) (transport.JoinResponse, error) {
            return transport.JoinResponse{Accepted: len(req.Seeds) > 0}, nil
        },
    }
}

func addr(ts *httptest.Server) string { return strings.TrimPrefix(ts.URL, "http://") }

func TestManagementRoundTrip(t *testing.T) {
    var published transport.PublishRequest
    ts := httptest.NewServer(Handler(handlers(&published)))
    defer ts.Close()
    cli := NewClient(time.Second)
    ctx := context.Background()

    b, err := cli.GetStatus(ctx, addr(ts))
    require.NoError(t, err)
    require.JSONEq(t, `{"id":"n1"}`, string(b))

    b, err = cli.GetMembers(ctx, addr(ts))
    require.NoError(t, err)
    require.JSONEq(t, `[{"id":"n2"}]`, string(b))

    pr, err := cli.PostPublish(ctx, addr(ts), transport.PublishRequest{Qualifier: "app/x", Headers: map[string]string{"a": "b"}, Data: []byte("payload")})
    require.NoError(t, err)
    require.Equal(t, "g-1", pr.ID)
    require.Equal(t, "app/x", published.Qualifier)
    require.Equal(t, "payload", string(published.Data))
    require.Equal(t, "b", published.Headers["a"])

    _, err = cli.PostPublish(ctx, addr(ts), transport.PublishRequest{})
    require.EqualError(t, err, "empty payload")

    jr, err := cli.PostJoin(ctx, addr(ts), transport.JoinRequest{Seeds: []string{"127.0.0.1:7946"}})
    require.NoError(t, err)
    require.True(t, jr.Accepted)

    _, err = cli.PostLeave(ctx, addr(ts), transport.LeaveRequest{})
    var se *StatusError
    require.ErrorAs(t, err, &se)
    require.Equal(t, http.StatusNotImplemented, se.Code)
}

func TestMethodAndBodyChecks(t *testing.T) {
    ts := httptest.NewServer(Handler(transport.Handlers{}))
    defer ts.Close()

    resp, err := http.Post(ts.URL+"/status", "application/json", nil)
    require.NoError(t, err)
    resp.Body.Close()
    require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

    resp, err = http.Get(ts.URL + "/healthz")
    require.NoError(t, err)
    resp.Body.Close()
    require.Equal(t, http.StatusOK, resp.StatusCode)

    resp, err = http.Get(ts.URL + "/metrics")
    require.NoError(t, err)
    resp.Body.Close()
    require.Equal(t, http.StatusOK, resp.StatusCode)

    ts2 := httptest.NewServer(Handler(handlers(new(transport.PublishRequest))))
    defer ts2.Close()
    resp, err = http.Post(ts2.URL+"/gossip", "application/json", strings.NewReader("{"))
    require.NoError(t, err)
    resp.Body.Close()
    require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClientRetriesServerErrors(t *testing.T) {
    var calls atomic.Int32
    ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        if calls.Add(1) < 3 {
            http.Error(w, "busy", http.StatusServiceUnavailable)
            return
        }
        _, _ = w.Write([]byte(`{}`))
    }))
    defer ts.Close()
    b, err := NewClient(time.Second).GetStatus(context.Background(), addr(ts))
    require.NoError(t, err)
    require.Equal(t, "{}", string(b))
    require.Equal(t, int32(3), calls.Load())
}

func TestServerWithTLS(t *testing.T) {
    c := testutil.MustMakeCerts(t, t.TempDir())
    srvTLS, err := tlsx.Options{Enable: true, CAFile: c.CACert, CertFile: c.ServerCert, KeyFile: c.ServerKey}.ServerHotReload()
    require.NoError(t, err)
    cliTLS, err := tlsx.Options{Enable: true, CAFile: c.CACert, CertFile: c.ClientCert, KeyFile: c.ClientKey}.Client()
    require.NoError(t, err)

    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    srv := NewServer("127.0.0.1:0", nil).UseTLS(srvTLS)
    require.NoError(t, srv.Start(ctx, handlers(new(transport.PublishRequest))))
    defer func() { _ = srv.Stop(context.Background()) }()

    b, err := NewClient(2*time.Second).UseTLS(cliTLS).GetStatus(ctx, srv.Addr())
    require.NoError(t, err)
    require.JSONEq(t, `{"id":"n1"}`, string(b))

    plain := NewClient(time.Second)
    plain.attempts = 1
    _, err = plain.GetStatus(ctx, srv.Addr())
    require.Error(t, err)
}
