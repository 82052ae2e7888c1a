//go:build integration

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
    "github.com/amirimatin/go-gossip/pkg/internal/testutil"
    tlsx "github.com/amirimatin/go-gossip/pkg/security/tlsconfig"
    "github.com/amirimatin/go-gossip/pkg/transport"
)

// Three nodes over real sockets: memberlist failure detection, the gRPC
// stream transport and the HTTP management API, all with mutual TLS.
func TestTLSThreeNodesMemberlistGRPC(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
    defer cancel()
    certs := testutil.MustMakeCerts(t, t.TempDir())
    nodeTLS := tlsx.Options{Enable: true, CAFile: certs.CACert, CertFile: certs.ServerCert, KeyFile: certs.ServerKey}

    var seed string
    got := map[string]chan transport.Message{}
    var nodes []*cluster.Cluster
    var mgmt []string
    for _, id := range []string{"n1", "n2", "n3"} {
        cfg := config.Default()
        cfg.NodeID = id
        cfg.Transport.Bind = testutil.FreeAddr(t)
        cfg.Transport.TLS = nodeTLS
        cfg.Membership.Bind = testutil.FreeAddr(t)
        cfg.Mgmt.Addr = testutil.FreeAddr(t)
        cfg.Mgmt.TLS = nodeTLS
        cfg.Gossip.Interval = 20 * time.Millisecond
        if seed != "" { cfg.Discovery.Seeds = []string{seed} } else { seed = cfg.Membership.Bind }

        ch := make(chan transport.Message, 4)
        got[id] = ch
        cl, err := Run(ctx, cfg, Deps{
            Logger: zaptest.NewLogger(t),
            Handler: cluster.HandlerFunc(func(_ context.Context, m transport.Message) error {
                ch <- m
                return nil
            }),
        })
        require.NoError(t, err, id)
        defer cl.Close()
        nodes = append(nodes, cl)
        mgmt = append(mgmt, cfg.Mgmt.Addr)
    }

    cli, err := NewClient(config.MgmtConfig{Proto: "http", TLS: tlsx.Options{Enable: true, CAFile: certs.CACert, CertFile: certs.ClientCert, KeyFile: certs.ClientKey}}, 3*time.Second)
    require.NoError(t, err)
    defer cli.Close()

    testutil.WaitUntil(t, 20*time.Second, func() error {
        for _, addr := range mgmt {
            raw, err := cli.GetStatus(ctx, addr)
            if err != nil { return err }
            var st cluster.ClusterStatus
            if err := json.Unmarshal(raw, &st); err != nil { return err }
            if st.GossipPeers != 2 { return testutil.ErrNotYet }
        }
        return nil
    })

    resp, err := cli.PostPublish(ctx, mgmt[0], transport.PublishRequest{Qualifier: "it", Data: []byte("over tls")})
    require.NoError(t, err)
    require.NotEmpty(t, resp.ID)
    for _, id := range []string{"n2", "n3"} {
        select {
        case m := <-got[id]:
            require.Equal(t, []byte("over tls"), m.Data)
        case <-time.After(10 * time.Second):
            t.Fatalf("%s never received the gossip", id)
        }
    }

    // n3 leaves; the others stop gossiping to it
    require.NoError(t, nodes[2].Close())
    testutil.WaitUntil(t, 30*time.Second, func() error {
        st, err := nodes[0].Status(ctx)
        if err != nil { return err }
        if st.GossipPeers != 1 { return testutil.ErrNotYet }
        return nil
    })
}
