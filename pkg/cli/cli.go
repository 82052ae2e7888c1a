// Package cli provides cobra commands to run a gossip node and to drive a
// running node through its management API.
package cli

import (
    "context"
    "encoding/json"
    "fmt"
    "io"
    "os"
    "os/signal"
    "strings"
    "syscall"
    "time"

    "github.com/spf13/cobra"
    "go.uber.org/zap"

    "github.com/amirimatin/go-gossip/pkg/bootstrap"
    "github.com/amirimatin/go-gossip/pkg/config"
    "github.com/amirimatin/go-gossip/pkg/internal/logutil"
    "github.com/amirimatin/go-gossip/pkg/observability/tracing"
    tlsx "github.com/amirimatin/go-gossip/pkg/security/tlsconfig"
    "github.com/amirimatin/go-gossip/pkg/transport"
)

// AddAll attaches run/status/members/publish/join/leave to root.
func AddAll(root *cobra.Command) {
    root.AddCommand(NewRunCmd(), NewStatusCmd(), NewMembersCmd(), NewPublishCmd(), NewJoinCmd(), NewLeaveCmd())
}

// NewGossipCommand returns a parent command "gossip" for embedding into a
// service's own CLI.
func NewGossipCommand() *cobra.Command {
    parent := &cobra.Command{Use: "gossip", Short: "gossip node commands"}
    AddAll(parent)
    return parent
}

// NewRunCmd returns the "run" command used to start a node. Flags override
// the config file and GOSSIP_* environment.
func NewRunCmd() *cobra.Command {
    var (
        cfgFile                                  string
        id, bind, adv, memKind, memBind, memAdv  string
        discKind, filePath, mgmtAddr, mgmtProto  string
        logLevel                                 string
        peers, seeds, dnsNames, etcdEndpoints    []string
        interval                                 time.Duration
        fanout, maxSent                          int
        tlsEnable, tlsSkip, traceEnable, logJSON bool
        tlsCA, tlsCert, tlsKey, tlsServerName    string
    )
    cmd := &cobra.Command{
        Use:   "run",
        Short: "Run a gossip node",
        RunE: func(cmd *cobra.Command, args []string) error {
            ov := map[string]any{}
            set := func(flag, key string, v any) {
                if cmd.Flags().Changed(flag) { ov[key] = v }
            }
            set("id", "id", id)
            set("bind", "transport.bind", bind)
            set("advertise", "transport.advertise", adv)
            set("membership", "membership.kind", memKind)
            set("mem-bind", "membership.bind", memBind)
            set("mem-adv", "membership.advertise", memAdv)
            set("peers", "membership.peers", peers)
            set("etcd-endpoints", "membership.etcd.endpoints", etcdEndpoints)
            set("discovery", "discovery.kind", discKind)
            set("join", "discovery.seeds", seeds)
            set("dns-names", "discovery.names", dnsNames)
            set("file-path", "discovery.path", filePath)
            set("interval", "gossip.interval", interval)
            set("fanout", "gossip.fanout", fanout)
            set("max-sent", "gossip.maxsent", maxSent)
            set("mgmt-addr", "mgmt.addr", mgmtAddr)
            set("mgmt-proto", "mgmt.proto", mgmtProto)
            set("log-level", "log.level", logLevel)
            set("log-json", "log.json", logJSON)
            set("trace", "tracing", traceEnable)
            for _, prefix := range []string{"transport.tls.", "mgmt.tls."} {
                set("tls-enable", prefix+"enable", tlsEnable)
                set("tls-ca", prefix+"ca", tlsCA)
                set("tls-cert", prefix+"cert", tlsCert)
                set("tls-key", prefix+"key", tlsKey)
                set("tls-skip-verify", prefix+"insecure", tlsSkip)
                set("tls-server-name", prefix+"servername", tlsServerName)
            }
            cfg, err := config.NewLoader(config.WithFile(cfgFile), config.WithOverrides(ov)).Load()
            if err != nil { return err }

            lg, err := logutil.New(cfg.LogOptions())
            if err != nil { return fmt.Errorf("logger: %w", err) }
            defer func() { _ = lg.Sync() }()

            ctx, cancel := signalContext()
            defer cancel()
            if cfg.Tracing {
                shutdown, err := tracing.Setup(true)
                if err != nil {
                    lg.Warn("tracing setup failed", zap.Error(err))
                } else {
                    defer func() { _ = shutdown(context.Background()) }()
                }
            }

            cl, err := bootstrap.Run(ctx, cfg, bootstrap.Deps{Logger: lg})
            if err != nil { return err }
            defer cl.Close()

            fmt.Fprintln(cmd.OutOrStdout(), "gossip node running. Press Ctrl+C to exit.")
            <-ctx.Done()
            return nil
        },
    }
    f := cmd.Flags()
    f.StringVar(&cfgFile, "config", "", "YAML config file")
    f.StringVar(&id, "id", "", "node id (required unless set in config)")
    f.StringVar(&bind, "bind", "127.0.0.1:7100", "gossip transport bind addr (host:port)")
    f.StringVar(&adv, "advertise", "", "gossip transport advertise addr (host:port, optional)")
    f.StringVar(&memKind, "membership", "memberlist", "membership backend: memberlist|static|etcd")
    f.StringVar(&memBind, "mem-bind", "127.0.0.1:7946", "memberlist bind addr (host:port)")
    f.StringVar(&memAdv, "mem-adv", "", "memberlist advertise addr (host:port, optional)")
    f.StringSliceVar(&peers, "peers", nil, "static members as id@host:port (membership=static)")
    f.StringSliceVar(&etcdEndpoints, "etcd-endpoints", nil, "etcd endpoints (membership=etcd)")
    f.StringVar(&discKind, "discovery", "static", "seed discovery: static|dns|file")
    f.StringSliceVar(&seeds, "join", nil, "seed nodes to join (discovery=static)")
    f.StringSliceVar(&dnsNames, "dns-names", nil, "DNS names or SRV records (discovery=dns)")
    f.StringVar(&filePath, "file-path", "", "path or glob of seed files (discovery=file)")
    f.DurationVar(&interval, "interval", 200*time.Millisecond, "delay between gossip rounds")
    f.IntVar(&fanout, "fanout", 2, "members contacted per round")
    f.IntVar(&maxSent, "max-sent", 2, "times a gossip is sent to each member")
    f.StringVar(&mgmtAddr, "mgmt-addr", "127.0.0.1:17946", "management address (host:port)")
    f.StringVar(&mgmtProto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
    f.StringVar(&logLevel, "log-level", "info", "log level: debug|info|warn|error")
    f.BoolVar(&logJSON, "log-json", false, "JSON log output")
    f.BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
    f.BoolVar(&tlsEnable, "tls-enable", false, "enable mTLS for gossip transport and management API")
    f.StringVar(&tlsCA, "tls-ca", "", "path to CA cert (PEM)")
    f.StringVar(&tlsCert, "tls-cert", "", "path to node certificate (PEM)")
    f.StringVar(&tlsKey, "tls-key", "", "path to node private key (PEM)")
    f.BoolVar(&tlsSkip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    f.StringVar(&tlsServerName, "tls-server-name", "", "expected server name (for TLS validation)")
    return cmd
}

// clientFlags are shared by the commands that talk to a running node.
type clientFlags struct {
    addr    string
    proto   string
    timeout time.Duration
    tls     tlsx.Options
}

func (c *clientFlags) register(cmd *cobra.Command) {
    f := cmd.Flags()
    f.StringVar(&c.addr, "addr", "127.0.0.1:17946", "management address of a node (host:port)")
    f.StringVar(&c.proto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
    f.DurationVar(&c.timeout, "timeout", 3*time.Second, "request timeout")
    f.BoolVar(&c.tls.Enable, "tls-enable", false, "enable mTLS for management transport")
    f.StringVar(&c.tls.CAFile, "tls-ca", "", "path to CA cert (PEM)")
    f.StringVar(&c.tls.CertFile, "tls-cert", "", "path to client certificate (PEM)")
    f.StringVar(&c.tls.KeyFile, "tls-key", "", "path to client private key (PEM)")
    f.BoolVar(&c.tls.InsecureSkipVerify, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    f.StringVar(&c.tls.ServerName, "tls-server-name", "", "expected server name (for TLS validation)")
}

// do runs fn with a connected client and a request-scoped context.
func (c *clientFlags) do(fn func(context.Context, transport.RPCClient) error) error {
    cli, err := bootstrap.NewClient(config.MgmtConfig{Proto: c.proto, TLS: c.tls}, c.timeout)
    if err != nil { return err }
    defer cli.Close()
    ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
    defer cancel()
    return fn(ctx, cli)
}

func writeRaw(w io.Writer, data []byte) error {
    if _, err := w.Write(data); err != nil { return err }
    if len(data) == 0 || data[len(data)-1] != '\n' {
        _, err := io.WriteString(w, "\n")
        return err
    }
    return nil
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
    var cf clientFlags
    cmd := &cobra.Command{
        Use:   "status",
        Short: "Fetch node status as JSON",
        RunE: func(cmd *cobra.Command, args []string) error {
            return cf.do(func(ctx context.Context, cli transport.RPCClient) error {
                data, err := cli.GetStatus(ctx, cf.addr)
                if err != nil { return fmt.Errorf("status error: %w", err) }
                return writeRaw(cmd.OutOrStdout(), data)
            })
        },
    }
    cf.register(cmd)
    return cmd
}

// NewMembersCmd returns the "members" command.
func NewMembersCmd() *cobra.Command {
    var cf clientFlags
    cmd := &cobra.Command{
        Use:   "members",
        Short: "List the membership view of a node as JSON",
        RunE: func(cmd *cobra.Command, args []string) error {
            return cf.do(func(ctx context.Context, cli transport.RPCClient) error {
                data, err := cli.GetMembers(ctx, cf.addr)
                if err != nil { return fmt.Errorf("members error: %w", err) }
                return writeRaw(cmd.OutOrStdout(), data)
            })
        },
    }
    cf.register(cmd)
    return cmd
}

// NewPublishCmd returns the "publish" command. The payload is the argument,
// or stdin when the argument is "-".
func NewPublishCmd() *cobra.Command {
    var (
        cf        clientFlags
        qualifier string
        headers   map[string]string
    )
    cmd := &cobra.Command{
        Use:   "publish <data|->",
        Short: "Inject a gossip through a node",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            data := []byte(args[0])
            if args[0] == "-" {
                var err error
                if data, err = io.ReadAll(cmd.InOrStdin()); err != nil { return err }
            }
            return cf.do(func(ctx context.Context, cli transport.RPCClient) error {
                resp, err := cli.PostPublish(ctx, cf.addr, transport.PublishRequest{Qualifier: qualifier, Headers: headers, Data: data})
                if err != nil { return fmt.Errorf("publish error: %w", err) }
                return json.NewEncoder(cmd.OutOrStdout()).Encode(resp)
            })
        },
    }
    cf.register(cmd)
    cmd.Flags().StringVar(&qualifier, "qualifier", "", "message qualifier (default app/publish)")
    cmd.Flags().StringToStringVar(&headers, "header", nil, "message headers as key=value")
    return cmd
}

// NewJoinCmd returns the "join" command.
func NewJoinCmd() *cobra.Command {
    var cf clientFlags
    cmd := &cobra.Command{
        Use:   "join <seed>...",
        Short: "Ask a node to join the given seeds",
        Args:  cobra.MinimumNArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            seeds := make([]string, 0, len(args))
            for _, a := range args { seeds = append(seeds, strings.Split(a, ",")...) }
            return cf.do(func(ctx context.Context, cli transport.RPCClient) error {
                resp, err := cli.PostJoin(ctx, cf.addr, transport.JoinRequest{Seeds: seeds})
                if err != nil { return fmt.Errorf("join error: %w", err) }
                return json.NewEncoder(cmd.OutOrStdout()).Encode(resp)
            })
        },
    }
    cf.register(cmd)
    return cmd
}

// NewLeaveCmd returns the "leave" command.
func NewLeaveCmd() *cobra.Command {
    var cf clientFlags
    cmd := &cobra.Command{
        Use:   "leave",
        Short: "Ask a node to leave the cluster gracefully",
        RunE: func(cmd *cobra.Command, args []string) error {
            return cf.do(func(ctx context.Context, cli transport.RPCClient) error {
                resp, err := cli.PostLeave(ctx, cf.addr, transport.LeaveRequest{})
                if err != nil { return fmt.Errorf("leave error: %w", err) }
                return json.NewEncoder(cmd.OutOrStdout()).Encode(resp)
            })
        },
    }
    cf.register(cmd)
    return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
    ctx, cancel := context.WithCancel(context.Background())
    go func() {
        ch := make(chan os.Signal, 1)
        signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
        select {
        case <-ch:
            cancel()
        case <-ctx.Done():
        }
        signal.Stop(ch)
    }()
    return ctx, cancel
}
