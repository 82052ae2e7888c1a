package bootstrap

import (
    "context"
    "encoding/json"
    "testing"
    "time"

    "github.com/stretchr/testify/require"
    "go.uber.org/zap/zaptest"

    "github.com/amirimatin/go-gossip/pkg/cluster"
    "github.com/amirimatin/go-gossip/pkg/config"
    "github.com/amirimatin/go-gossip/pkg/transport"
    "github.com/amirimatin/go-gossip/pkg/transport/local"
)

func nodeConfig(id, bind, proto string, peers ...string) config.Config {
    cfg := config.Default()
    cfg.NodeID = id
    cfg.Transport.Kind = "local"
    cfg.Transport.Bind = bind
    cfg.Membership.Kind = "static"
    cfg.Membership.Peers = peers
    cfg.Gossip.Interval = 10 * time.Millisecond
    cfg.Mgmt.Addr = "127.0.0.1:0"
    cfg.Mgmt.Proto = proto
    return cfg
}

func TestRunPublishThroughManagementAPI(t *testing.T) {
    for _, proto := range []string{"http", "grpc"} {
        t.Run(proto, func(t *testing.T) {
            n := local.NewNetwork()
            ctx, cancel := context.WithCancel(context.Background())
            defer cancel()
            got := make(chan transport.Message, 4)

            a, err := Run(ctx, nodeConfig("a", "node:1", proto, "b@node:2"), Deps{Network: n, Logger: zaptest.NewLogger(t)})
            require.NoError(t, err)
            defer a.Close()
            b, err := Run(ctx, nodeConfig("b", "node:2", proto, "a@node:1"), Deps{
                Network: n,
                Logger:  zaptest.NewLogger(t),
                Handler: cluster.HandlerFunc(func(_ context.Context, m transport.Message) error {
                    got <- m
                    return nil
                }),
            })
            require.NoError(t, err)
            defer b.Close()

            st, err := a.Status(ctx)
            require.NoError(t, err)
            require.NotEmpty(t, st.MgmtAddr)

            cli, err := NewClient(config.MgmtConfig{Proto: proto}, 2*time.Second)
            require.NoError(t, err)
            defer cli.Close()

            resp, err := cli.PostPublish(ctx, st.MgmtAddr, transport.PublishRequest{Qualifier: "orders", Data: []byte(`{"n":1}`)})
            require.NoError(t, err)
            require.NotEmpty(t, resp.ID)

            select {
            case m := <-got:
                require.Equal(t, "orders", m.Qualifier)
                require.JSONEq(t, `{"n":1}`, string(m.Data))
            case <-time.After(3 * time.Second):
                t.Fatal("gossip published through the management API never arrived")
            }

            raw, err := cli.GetStatus(ctx, st.MgmtAddr)
            require.NoError(t, err)
            var remote cluster.ClusterStatus
            require.NoError(t, json.Unmarshal(raw, &remote))
            require.Equal(t, "a", remote.NodeID)
            require.Equal(t, 1, remote.GossipPeers)
        })
    }
}

func TestBuildRejectsBadConfig(t *testing.T) {
    _, err := Build(config.Default(), Deps{})
    require.Error(t, err)

    cfg := nodeConfig("a", "node:1", "http")
    _, err = Build(cfg, Deps{})
    require.ErrorContains(t, err, "Deps.Network")

    cfg = nodeConfig("a", "node:1", "http", "no-id-here:1")
    _, err = Build(cfg, Deps{Network: local.NewNetwork()})
    require.ErrorContains(t, err, "static peer")

    cfg = nodeConfig("a", "node:1", "http")
    cfg.Mgmt.TLS.Enable = true
    _, err = Build(cfg, Deps{Network: local.NewNetwork()})
    require.ErrorContains(t, err, "mgmt tls")
}

func TestParsePeer(t *testing.T) {
    mi, err := parsePeer(" b@10.0.0.2:7100 ")
    require.NoError(t, err)
    require.Equal(t, "b", mi.ID)
    require.Equal(t, "10.0.0.2:7100", mi.Addr)
    mi, err = parsePeer("tcp://c@host:1")
    require.NoError(t, err)
    require.Equal(t, "host:1", mi.Addr)
}
