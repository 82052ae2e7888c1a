// Package dns resolves seeds from SRV records ("_svc._proto.domain") or
// from A/AAAA records combined with a fixed port.
package dns

import (
    "context"
    "fmt"
    "net"
    "strconv"
    "strings"
    "sync"
    "time"

    "go.uber.org/zap"

    "github.com/amirimatin/go-gossip/pkg/discovery"
)

// Resolver is the part of *net.Resolver used for lookups.
type Resolver interface {
    LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
    LookupHost(ctx context.Context, host string) ([]string, error)
}

type Options struct {
    // Names are SRV names, hostnames, or literal host:port seeds.
    Names []string
    // Port used with A/AAAA answers; default 7946.
    Port int
    // Refresh controls cache staleness; if zero, defaults to 5s.
    Refresh time.Duration
    // Resolver defaults to net.DefaultResolver.
    Resolver Resolver
    Logger   *zap.Logger
}

type source struct {
    opts  Options
    log   *zap.Logger
    mu    sync.Mutex
    last  time.Time
    cache []string
}

// New returns a DNS-backed discovery that caches answers for Refresh.
func New(opts Options) discovery.Discovery {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    if opts.Port == 0 { opts.Port = 7946 }
    if opts.Resolver == nil { opts.Resolver = net.DefaultResolver }
    lg := opts.Logger
    if lg == nil { lg = zap.NewNop() }
    return &source{opts: opts, log: lg.With(zap.String("discovery", "dns"))}
}

func (d *source) Seeds(ctx context.Context) ([]string, error) {
    d.mu.Lock()
    defer d.mu.Unlock()
    if len(d.cache) > 0 && time.Since(d.last) < d.opts.Refresh {
        return append([]string(nil), d.cache...), nil
    }
    seeds, err := d.resolveAll(ctx)
    if err != nil && len(d.cache) > 0 {
        d.log.Warn("resolution failed, serving cached seeds", zap.Error(err))
        return append([]string(nil), d.cache...), nil
    }
    if err != nil { return nil, err }
    d.cache, d.last = seeds, time.Now()
    return append([]string(nil), seeds...), nil
}

// resolveAll fails only when no name produced a seed.
func (d *source) resolveAll(ctx context.Context) ([]string, error) {
    var out []string
    var lastErr error
    for _, name := range d.opts.Names {
        name = strings.TrimSpace(name)
        switch {
        case name == "":
            continue
        case !strings.HasPrefix(name, "_") && strings.Contains(name, ":"):
            out = append(out, name)
            continue
        case strings.HasPrefix(name, "_") && strings.Contains(name, "._"):
            recs, err := d.lookupSRV(ctx, name)
            if err == nil && len(recs) > 0 {
                out = append(out, recs...)
                continue
            }
            if err != nil { d.log.Debug("srv lookup failed", zap.String("name", name), zap.Error(err)) }
        }
        hosts, err := d.lookupHost(ctx, name)
        if err != nil {
            lastErr = err
            d.log.Debug("host lookup failed", zap.String("name", name), zap.Error(err))
            continue
        }
        out = append(out, hosts...)
    }
    out = discovery.Normalize(out)
    if len(out) == 0 && lastErr != nil { return nil, fmt.Errorf("dns discovery: %w", lastErr) }
    return out, nil
}

func (d *source) lookupSRV(ctx context.Context, fqdn string) ([]string, error) {
    svc, proto, domain := parseSRVName(fqdn)
    if svc == "" { return nil, fmt.Errorf("dns discovery: bad srv name %q", fqdn) }
    _, addrs, err := d.opts.Resolver.LookupSRV(ctx, svc, proto, domain)
    if err != nil { return nil, err }
    out := make([]string, 0, len(addrs))
    for _, a := range addrs {
        out = append(out, net.JoinHostPort(strings.TrimSuffix(a.Target, "."), strconv.Itoa(int(a.Port))))
    }
    return out, nil
}

func (d *source) lookupHost(ctx context.Context, host string) ([]string, error) {
    ips, err := d.opts.Resolver.LookupHost(ctx, host)
    if err != nil { return nil, err }
    out := make([]string, 0, len(ips))
    for _, ip := range ips { out = append(out, net.JoinHostPort(ip, strconv.Itoa(d.opts.Port))) }
    return out, nil
}

// parseSRVName splits "_service._proto.name"; any part missing yields empty
// strings.
func parseSRVName(fqdn string) (service, proto, name string) {
    parts := strings.SplitN(fqdn, ".", 3)
    if len(parts) < 3 || parts[2] == "" { return "", "", "" }
    return strings.TrimPrefix(parts[0], "_"), strings.TrimPrefix(parts[1], "_"), parts[2]
}
