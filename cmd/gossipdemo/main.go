// Command gossipdemo runs a small cluster inside one process over the local
// transport and prints every gossip as it reaches each node.
package main

import (
    "context"
    "flag"
    "fmt"
    "os"
    "os/signal"
    "syscall"
    "time"

    "go.uber.org/zap"

    "github.com/amirimatin/go-gossip/pkg/bootstrap"
    "github.com/amirimatin/go-gossip/pkg/cluster"
    "github.com/amirimatin/go-gossip/pkg/config"
    "github.com/amirimatin/go-gossip/pkg/transport"
    "github.com/amirimatin/go-gossip/pkg/transport/local"
)

func main() {
    var (
        nodes    = flag.Int("nodes", 5, "number of nodes")
        fanout   = flag.Int("fanout", 2, "members contacted per round")
        interval = flag.Duration("interval", 100*time.Millisecond, "delay between rounds")
        every    = flag.Duration("every", 2*time.Second, "how often node-1 publishes")
        level    = flag.String("log-level", "warn", "log level")
    )
    flag.Parse()

    lvl, err := zap.ParseAtomicLevel(*level)
    if err != nil {
        fmt.Fprintln(os.Stderr, err)
        os.Exit(1)
    }
    zc := zap.NewDevelopmentConfig()
    zc.Level = lvl
    lg, err := zc.Build()
    if err != nil {
        fmt.Fprintln(os.Stderr, err)
        os.Exit(1)
    }
    defer func() { _ = lg.Sync() }()

    ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
    defer cancel()

    n := local.NewNetwork()
    ids := make([]string, *nodes)
    peers := make([]string, *nodes)
    for i := range ids {
        ids[i] = fmt.Sprintf("node-%d", i+1)
        peers[i] = fmt.Sprintf("%s@demo:%d", ids[i], 7100+i)
    }

    var cls []*cluster.Cluster
    for i, id := range ids {
        cfg := config.Default()
        cfg.NodeID = id
        cfg.Transport.Kind = "local"
        cfg.Transport.Bind = fmt.Sprintf("demo:%d", 7100+i)
        cfg.Membership.Kind = "static"
        cfg.Membership.Peers = peers
        cfg.Gossip.Fanout = *fanout
        cfg.Gossip.Interval = *interval
        cfg.Mgmt.Addr = ""
        self := id
        cl, err := bootstrap.Run(ctx, cfg, bootstrap.Deps{
            Network: n,
            Logger:  lg.Named(id),
            Handler: cluster.HandlerFunc(func(_ context.Context, m transport.Message) error {
                fmt.Printf("%s %-8s got %s: %s\n", time.Now().Format("15:04:05.000"), self, m.Headers["seq"], m.Data)
                return nil
            }),
        })
        if err != nil {
            lg.Fatal("start node", zap.String("node", id), zap.Error(err))
        }
        defer cl.Close()
        cls = append(cls, cl)
    }
    fmt.Printf("%d nodes running. Press Ctrl+C to exit.\n", len(cls))

    t := time.NewTicker(*every)
    defer t.Stop()
    for seq := 1; ; seq++ {
        select {
        case <-ctx.Done():
            return
        case <-t.C:
            msg := transport.Message{Qualifier: "demo", Headers: map[string]string{"seq": fmt.Sprint(seq)}, Data: []byte(fmt.Sprintf("tick %d", seq))}
            id, err := cls[0].Gossip(ctx, msg)
            if err != nil {
                lg.Warn("gossip failed", zap.Error(err))
                continue
            }
            fmt.Printf("%s %-8s sent %s (%s)\n", time.Now().Format("15:04:05.000"), ids[0], msg.Headers["seq"], id)
        }
    }
}
