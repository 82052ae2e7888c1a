// Package bootstrap assembles a node from config.Config: transport,
// membership, discovery, the management server and the cluster facade.
package bootstrap

import (
    "context"
    "crypto/tls"
    "errors"
    "fmt"
    "strings"
    "time"

    "go.uber.org/zap"

    "github.com/amirimatin/go-gossip/pkg/cluster"
    "github.com/amirimatin/go-gossip/pkg/config"
    "github.com/amirimatin/go-gossip/pkg/discovery"
    dDNS "github.com/amirimatin/go-gossip/pkg/discovery/dns"
    dFile "github.com/amirimatin/go-gossip/pkg/discovery/file"
    dStatic "github.com/amirimatin/go-gossip/pkg/discovery/static"
    "github.com/amirimatin/go-gossip/pkg/internal/logutil"
    base "github.com/amirimatin/go-gossip/pkg/membership"
    memetcd "github.com/amirimatin/go-gossip/pkg/membership/etcd"
    ml "github.com/amirimatin/go-gossip/pkg/membership/memberlist"
    memstatic "github.com/amirimatin/go-gossip/pkg/membership/static"
    "github.com/amirimatin/go-gossip/pkg/transport"
    grpctr "github.com/amirimatin/go-gossip/pkg/transport/grpc"
    httpjson "github.com/amirimatin/go-gossip/pkg/transport/httpjson"
    "github.com/amirimatin/go-gossip/pkg/transport/local"
)

// Deps carries in-process collaborators that configuration cannot express.
type Deps struct {
    // Logger (optional). If nil, logging is discarded.
    Logger *zap.Logger
    // Handler receives delivered gossips (optional).
    Handler cluster.GossipHandler
    // Network is required when transport.kind is local.
    Network *local.Network
}

// Build assembles a cluster.Cluster from cfg without starting it.
func Build(cfg config.Config, deps Deps) (*cluster.Cluster, error) {
    if err := cfg.Validate(); err != nil { return nil, err }
    lg := logutil.OrNop(deps.Logger)

    gossipAddr := cfg.Transport.Advertise
    if gossipAddr == "" { gossipAddr = cfg.Transport.Bind }
    tr, err := buildTransport(cfg, deps.Network, lg)
    if err != nil { return nil, err }

    meta := map[string]string{base.MetaGossip: gossipAddr}
    if cfg.Mgmt.Addr != "" { meta[base.MetaMgmt] = cfg.Mgmt.Addr }
    mem, err := buildMembership(cfg, gossipAddr, meta, lg)
    if err != nil {
        _ = tr.Close()
        return nil, err
    }

    var srv transport.RPCServer
    if cfg.Mgmt.Addr != "" {
        srv, err = buildMgmtServer(cfg.Mgmt, lg)
        if err != nil {
            _ = tr.Close()
            return nil, err
        }
    }

    cl, err := cluster.New(cluster.Options{
        NodeID:     cluster.NodeID(cfg.NodeID),
        Transport:  tr,
        Membership: mem,
        Discovery:  buildDiscovery(cfg.Discovery, lg),
        Gossip:     cfg.GossipOptions(),
        RPCServer:  srv,
        Handler:    deps.Handler,
        Logger:     lg,
    })
    if err != nil {
        _ = tr.Close()
        return nil, err
    }
    return cl, nil
}

// Run builds and starts the cluster, returning the instance for lifecycle
// control. The caller is responsible for calling Close() when finished.
func Run(ctx context.Context, cfg config.Config, deps Deps) (*cluster.Cluster, error) {
    cl, err := Build(cfg, deps)
    if err != nil { return nil, err }
    if err := cl.Start(ctx); err != nil {
        _ = cl.Close()
        return nil, err
    }
    return cl, nil
}

func buildTransport(cfg config.Config, n *local.Network, lg *zap.Logger) (transport.Transport, error) {
    tc := cfg.Transport
    switch tc.Kind {
    case "local":
        if n == nil { return nil, errors.New("bootstrap: local transport needs Deps.Network") }
        addr := tc.Advertise
        if addr == "" { addr = tc.Bind }
        ep, err := transport.EndpointFromAddr(addr)
        if err != nil { return nil, fmt.Errorf("bootstrap: transport address: %w", err) }
        return n.Bind(ep, local.Options{ID: cfg.NodeID, Logger: lg})
    default:
        var srvTLS, cliTLS *tls.Config
        if tc.TLS.Enable {
            var err error
            if srvTLS, err = tc.TLS.ServerHotReload(); err != nil { return nil, fmt.Errorf("bootstrap: transport tls: %w", err) }
            if cliTLS, err = tc.TLS.ClientHotReload(); err != nil { return nil, fmt.Errorf("bootstrap: transport tls: %w", err) }
        }
        return grpctr.New(grpctr.Options{
            Bind:        tc.Bind,
            Advertise:   tc.Advertise,
            LocalID:     cfg.NodeID,
            ServerTLS:   srvTLS,
            ClientTLS:   cliTLS,
            IdleTTL:     tc.IdleTTL,
            DialTimeout: tc.DialTimeout,
            Logger:      lg,
        }), nil
    }
}

// parsePeer accepts "id@host:port" with or without a scheme.
func parsePeer(s string) (base.MemberInfo, error) {
    s = strings.TrimSpace(s)
    if !strings.Contains(s, "://") { s = transport.DefaultScheme + "://" + s }
    ep, err := base.ParseEndpoint(s)
    if err != nil { return base.MemberInfo{}, err }
    return base.MemberInfo{ID: ep.ID, Addr: ep.Addr()}, nil
}

func buildMembership(cfg config.Config, gossipAddr string, meta map[string]string, lg *zap.Logger) (base.Membership, error) {
    mc := cfg.Membership
    switch mc.Kind {
    case "static":
        opts := memstatic.Options{Local: base.MemberInfo{ID: cfg.NodeID, Addr: gossipAddr, Meta: meta}}
        for _, p := range mc.Peers {
            mi, err := parsePeer(p)
            if err != nil { return nil, fmt.Errorf("bootstrap: static peer: %w", err) }
            if mi.ID == cfg.NodeID { continue }
            opts.Peers = append(opts.Peers, mi)
        }
        return memstatic.New(opts)
    case "etcd":
        return memetcd.New(memetcd.Options{
            NodeID:      cfg.NodeID,
            Addr:        gossipAddr,
            Meta:        meta,
            Endpoints:   mc.Etcd.Endpoints,
            Prefix:      mc.Etcd.Prefix,
            TTL:         mc.Etcd.TTL,
            DialTimeout: mc.Etcd.DialTimeout,
            Logger:      lg,
        })
    default:
        return ml.New(ml.Options{NodeID: cfg.NodeID, Bind: mc.Bind, Advertise: mc.Advertise, Meta: meta, Logger: lg})
    }
}

func buildDiscovery(dc config.DiscoveryConfig, lg *zap.Logger) discovery.Discovery {
    switch dc.Kind {
    case "dns":
        return dDNS.New(dDNS.Options{Names: dc.Names, Port: dc.Port, Refresh: dc.Refresh, Logger: lg})
    case "file":
        return dFile.New(dFile.Options{Path: dc.Path, Env: dc.Env, Refresh: dc.Refresh, Logger: lg})
    default:
        if len(dc.Seeds) == 0 { return nil }
        return dStatic.New(dc.Seeds...)
    }
}

func buildMgmtServer(mc config.MgmtConfig, lg *zap.Logger) (transport.RPCServer, error) {
    srvTLS, err := mc.TLS.ServerHotReload()
    if err != nil { return nil, fmt.Errorf("bootstrap: mgmt tls: %w", err) }
    switch mc.Proto {
    case "grpc":
        return grpctr.NewServer(mc.Addr, lg).UseTLS(srvTLS), nil
    default:
        return httpjson.NewServer(mc.Addr, lg).UseTLS(srvTLS), nil
    }
}

// Client is a management client plus the function releasing it.
type Client struct {
    transport.RPCClient
    close func()
}

func (c *Client) Close() {
    if c.close != nil { c.close() }
}

// NewClient returns a management client speaking mc.Proto, with mTLS when
// mc.TLS is enabled.
func NewClient(mc config.MgmtConfig, timeout time.Duration) (*Client, error) {
    cliTLS, err := mc.TLS.Client()
    if err != nil { return nil, fmt.Errorf("bootstrap: mgmt tls: %w", err) }
    switch mc.Proto {
    case "grpc":
        c := grpctr.NewClient(timeout).UseTLS(cliTLS)
        return &Client{RPCClient: c, close: c.Close}, nil
    default:
        return &Client{RPCClient: httpjson.NewClient(timeout).UseTLS(cliTLS)}, nil
    }
}
