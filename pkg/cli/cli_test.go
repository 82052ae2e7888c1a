package cli

import (
    "bytes"
    "context"
    "encoding/json"
    "net/http/httptest"
    "strings"
    "testing"

    "github.com/spf13/cobra"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-gossip/pkg/transport"
    "github.com/amirimatin/go-gossip/pkg/transport/httpjson"
)

type recorder struct {
    published transport.PublishRequest
    joined    []string
    left      bool
}

func (r *recorder) handlers() transport.Handlers {
    return transport.Handlers{
        Status:  func(context.Context) ([]byte, error) { return []byte(`{"nodeId":"a","healthy":true}`), nil },
        Members: func(context.Context) ([]byte, error) { return []byte(`[{"id":"a","addr":"h:1"}]`), nil },
        Publish: func(_ context.Context, req transport.PublishRequest) (transport.PublishResponse, error) {
            r.published = req
            return transport.PublishResponse{ID: "01J"}, nil
        },
        Join: func(_ context.Context, req transport.JoinRequest) (transport.JoinResponse, error) {
            r.joined = req.Seeds
            return transport.JoinResponse{Accepted: true}, nil
        },
        Leave: func(context.Context, transport.LeaveRequest) (transport.LeaveResponse, error) {
            r.left = true
            return transport.LeaveResponse{Accepted: true}, nil
        },
    }
}

func execute(t *testing.T, stdin string, args ...string) string {
    t.Helper()
    root := &cobra.Command{Use: "gossipctl", SilenceUsage: true, SilenceErrors: true}
    AddAll(root)
    var out bytes.Buffer
    root.SetOut(&out)
    root.SetIn(strings.NewReader(stdin))
    root.SetArgs(args)
    require.NoError(t, root.Execute())
    return out.String()
}

func TestClientCommands(t *testing.T) {
    rec := &recorder{}
    ts := httptest.NewServer(httpjson.Handler(rec.handlers()))
    defer ts.Close()
    addr := strings.TrimPrefix(ts.URL, "http://")

    out := execute(t, "", "status", "--addr", addr)
    require.JSONEq(t, `{"nodeId":"a","healthy":true}`, out)

    out = execute(t, "", "members", "--addr", addr)
    require.Contains(t, out, `"id":"a"`)

    out = execute(t, "", "publish", "--addr", addr, "--qualifier", "orders", "--header", "k=v", "hello")
    var pr transport.PublishResponse
    require.NoError(t, json.Unmarshal([]byte(out), &pr))
    require.Equal(t, "01J", pr.ID)
    require.Equal(t, "orders", rec.published.Qualifier)
    require.Equal(t, map[string]string{"k": "v"}, rec.published.Headers)
    require.Equal(t, []byte("hello"), rec.published.Data)

    execute(t, "from stdin", "publish", "--addr", addr, "-")
    require.Equal(t, []byte("from stdin"), rec.published.Data)

    out = execute(t, "", "join", "--addr", addr, "b@h:2,c@h:3", "d@h:4")
    require.Contains(t, out, `"accepted":true`)
    require.Equal(t, []string{"b@h:2", "c@h:3", "d@h:4"}, rec.joined)

    execute(t, "", "leave", "--addr", addr)
    require.True(t, rec.left)
}

func TestRunRejectsMissingID(t *testing.T) {
    t.Setenv("GOSSIP_ID", "")
    root := &cobra.Command{Use: "gossipctl", SilenceUsage: true, SilenceErrors: true}
    AddAll(root)
    root.SetOut(&bytes.Buffer{})
    root.SetArgs([]string{"run", "--membership", "static"})
    require.ErrorContains(t, root.Execute(), "id is required")
}

func TestJoinNeedsSeeds(t *testing.T) {
    root := &cobra.Command{Use: "gossipctl", SilenceUsage: true, SilenceErrors: true}
    AddAll(root)
    root.SetArgs([]string{"join"})
    require.Error(t, root.Execute())
}
