// Package config loads node configuration with koanf. Sources are applied in
// order, later ones winning: defaults, YAML file, GOSSIP_* environment,
// explicit overrides (usually command-line flags).
//
// Environment keys map by lowercasing and turning '_' into '.', so
// GOSSIP_GOSSIP_INTERVAL=100ms sets gossip.interval. Keys therefore never
// contain underscores.
package config

import (
    "errors"
    "fmt"
    "strings"
    "time"

    "github.com/knadh/koanf/maps"
    "github.com/knadh/koanf/parsers/yaml"
    "github.com/knadh/koanf/providers/env"
    "github.com/knadh/koanf/providers/file"
    "github.com/knadh/koanf/v2"
    "go.uber.org/zap"

    "github.com/amirimatin/go-gossip/pkg/gossip"
    "github.com/amirimatin/go-gossip/pkg/internal/logutil"
    "github.com/amirimatin/go-gossip/pkg/security/tlsconfig"
)

// DefaultEnvPrefix is the environment variable prefix.
const DefaultEnvPrefix = "GOSSIP_"

type Config struct {
    NodeID     string           `koanf:"id"`
    Log        LogConfig        `koanf:"log"`
    Transport  TransportConfig  `koanf:"transport"`
    Membership MembershipConfig `koanf:"membership"`
    Discovery  DiscoveryConfig  `koanf:"discovery"`
    Gossip     GossipConfig     `koanf:"gossip"`
    Mgmt       MgmtConfig       `koanf:"mgmt"`
    Tracing    bool             `koanf:"tracing"`
}

type LogConfig struct {
    Level string `koanf:"level"`
    JSON  bool   `koanf:"json"`
}

// TransportConfig selects the gossip transport. Kind "local" is an
// in-process network only useful inside a single binary.
type TransportConfig struct {
    Kind        string            `koanf:"kind"`
    Bind        string            `koanf:"bind"`
    Advertise   string            `koanf:"advertise"`
    IdleTTL     time.Duration     `koanf:"idlettl"`
    DialTimeout time.Duration     `koanf:"dialtimeout"`
    TLS         tlsconfig.Options `koanf:"tls"`
}

// MembershipConfig selects failure detection: memberlist, static or etcd.
type MembershipConfig struct {
    Kind      string `koanf:"kind"`
    Bind      string `koanf:"bind"`
    Advertise string `koanf:"advertise"`
    // Peers are "id@host:port" entries for the static kind.
    Peers []string   `koanf:"peers"`
    Etcd  EtcdConfig `koanf:"etcd"`
}

type EtcdConfig struct {
    Endpoints   []string      `koanf:"endpoints"`
    Prefix      string        `koanf:"prefix"`
    TTL         time.Duration `koanf:"ttl"`
    DialTimeout time.Duration `koanf:"dialtimeout"`
}

// DiscoveryConfig provides the seeds joined at start: static, dns or file.
type DiscoveryConfig struct {
    Kind    string        `koanf:"kind"`
    Seeds   []string      `koanf:"seeds"`
    Names   []string      `koanf:"names"`
    Port    int           `koanf:"port"`
    Path    string        `koanf:"path"`
    Env     string        `koanf:"env"`
    Refresh time.Duration `koanf:"refresh"`
}

type GossipConfig struct {
    Interval  time.Duration `koanf:"interval"`
    MaxSent   int           `koanf:"maxsent"`
    Fanout    int           `koanf:"fanout"`
    Retention time.Duration `koanf:"retention"`
    TableSize int           `koanf:"tablesize"`
    Buffer    int           `koanf:"buffer"`
}

// MgmtConfig configures the management API; Proto is http or grpc.
type MgmtConfig struct {
    Addr  string            `koanf:"addr"`
    Proto string            `koanf:"proto"`
    TLS   tlsconfig.Options `koanf:"tls"`
}

// Default returns the configuration used when no source sets a key.
func Default() Config {
    return Config{
        Log:        LogConfig{Level: "info"},
        Transport:  TransportConfig{Kind: "grpc", Bind: "127.0.0.1:7100", IdleTTL: 2 * time.Minute, DialTimeout: 3 * time.Second},
        Membership: MembershipConfig{Kind: "memberlist", Bind: "127.0.0.1:7946", Etcd: EtcdConfig{Prefix: "/go-gossip", TTL: 10 * time.Second, DialTimeout: 5 * time.Second}},
        Discovery:  DiscoveryConfig{Kind: "static", Port: 7946, Refresh: 5 * time.Second},
        Gossip: GossipConfig{
            Interval:  gossip.DefaultGossipInterval,
            MaxSent:   gossip.DefaultMaxGossipSent,
            Fanout:    gossip.DefaultMaxEndpointsToSelect,
            Retention: gossip.DefaultRetention,
            TableSize: gossip.DefaultMaxTableSize,
            Buffer:    gossip.DefaultSubscriberBuffer,
        },
        Mgmt: MgmtConfig{Addr: "127.0.0.1:17946", Proto: "http"},
    }
}

// GossipOptions converts the gossip section for gossip.New.
func (c Config) GossipOptions() gossip.Options {
    return gossip.Options{
        GossipInterval:       c.Gossip.Interval,
        MaxGossipSent:        c.Gossip.MaxSent,
        MaxEndpointsToSelect: c.Gossip.Fanout,
        Retention:            c.Gossip.Retention,
        MaxTableSize:         c.Gossip.TableSize,
        SubscriberBuffer:     c.Gossip.Buffer,
    }
}

// LogOptions converts the log section for logutil.New.
func (c Config) LogOptions() logutil.Options { return logutil.Options{Level: c.Log.Level, JSON: c.Log.JSON} }

// Logger builds the zap logger described by the log section.
func (c Config) Logger() (*zap.Logger, error) { return logutil.New(c.LogOptions()) }

func oneOf(field, v string, allowed ...string) error {
    for _, a := range allowed {
        if v == a { return nil }
    }
    return fmt.Errorf("config: %s must be one of %s, got %q", field, strings.Join(allowed, "|"), v)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
    var errs []error
    if c.NodeID == "" { errs = append(errs, errors.New("config: id is required")) }
    if strings.ContainsAny(c.NodeID, "@/ ") { errs = append(errs, fmt.Errorf("config: id %q must not contain '@', '/' or spaces", c.NodeID)) }
    errs = append(errs,
        oneOf("transport.kind", c.Transport.Kind, "grpc", "local"),
        oneOf("membership.kind", c.Membership.Kind, "memberlist", "static", "etcd"),
        oneOf("discovery.kind", c.Discovery.Kind, "static", "dns", "file"),
        oneOf("mgmt.proto", c.Mgmt.Proto, "http", "grpc"),
    )
    if c.Transport.Kind == "grpc" && c.Transport.Bind == "" { errs = append(errs, errors.New("config: transport.bind is required")) }
    if c.Membership.Kind == "memberlist" && c.Membership.Bind == "" { errs = append(errs, errors.New("config: membership.bind is required")) }
    if c.Membership.Kind == "etcd" && len(c.Membership.Etcd.Endpoints) == 0 {
        errs = append(errs, errors.New("config: membership.etcd.endpoints is required"))
    }
    if c.Discovery.Kind == "file" && c.Discovery.Path == "" && c.Discovery.Env == "" {
        errs = append(errs, errors.New("config: discovery.path or discovery.env is required"))
    }
    if err := c.GossipOptions().Validate(); err != nil { errs = append(errs, err) }
    return errors.Join(errs...)
}

// mapProvider is a koanf provider over an in-memory map with dotted keys.
type mapProvider map[string]any

func (m mapProvider) ReadBytes() ([]byte, error) { return nil, errors.New("config: map provider has no bytes") }

func (m mapProvider) Read() (map[string]any, error) { return maps.Unflatten(m, "."), nil }

// Loader accumulates configuration sources.
type Loader struct {
    k         *koanf.Koanf
    envPrefix string
    filePath  string
    overrides map[string]any
}

type Option func(*Loader)

func WithEnvPrefix(prefix string) Option { return func(l *Loader) { l.envPrefix = prefix } }

// WithFile adds a YAML file; an empty path is ignored.
func WithFile(path string) Option { return func(l *Loader) { l.filePath = path } }

// WithOverrides applies dotted keys last (e.g. "gossip.fanout": 3).
func WithOverrides(m map[string]any) Option { return func(l *Loader) { l.overrides = m } }

func NewLoader(opts ...Option) *Loader {
    l := &Loader{k: koanf.New("."), envPrefix: DefaultEnvPrefix}
    for _, o := range opts { o(l) }
    return l
}

// Load merges every source over Default and validates the result.
func (l *Loader) Load() (Config, error) {
    def := Default()
    if err := l.k.Load(structMap(def), nil); err != nil { return Config{}, fmt.Errorf("config: defaults: %w", err) }
    if l.filePath != "" {
        if err := l.k.Load(file.Provider(l.filePath), yaml.Parser()); err != nil {
            return Config{}, fmt.Errorf("config: load file %s: %w", l.filePath, err)
        }
    }
    prefix := l.envPrefix
    cb := func(s string) string { return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, prefix)), "_", ".") }
    if err := l.k.Load(env.Provider(prefix, ".", cb), nil); err != nil { return Config{}, fmt.Errorf("config: load env: %w", err) }
    if len(l.overrides) > 0 {
        if err := l.k.Load(mapProvider(l.overrides), nil); err != nil { return Config{}, fmt.Errorf("config: overrides: %w", err) }
    }
    var cfg Config
    if err := l.k.Unmarshal("", &cfg); err != nil { return Config{}, fmt.Errorf("config: unmarshal: %w", err) }
    if err := cfg.Validate(); err != nil { return Config{}, err }
    return cfg, nil
}

// Keys lists every loaded key; handy for debugging precedence.
func (l *Loader) Keys() []string { return l.k.Keys() }

// structMap lists the defaults as dotted keys.
func structMap(c Config) mapProvider {
    return mapProvider{
        "log.level":                     c.Log.Level,
        "transport.kind":                c.Transport.Kind,
        "transport.bind":                c.Transport.Bind,
        "transport.idlettl":             c.Transport.IdleTTL.String(),
        "transport.dialtimeout":         c.Transport.DialTimeout.String(),
        "membership.kind":               c.Membership.Kind,
        "membership.bind":               c.Membership.Bind,
        "membership.etcd.prefix":        c.Membership.Etcd.Prefix,
        "membership.etcd.ttl":           c.Membership.Etcd.TTL.String(),
        "membership.etcd.dialtimeout":   c.Membership.Etcd.DialTimeout.String(),
        "discovery.kind":                c.Discovery.Kind,
        "discovery.port":                c.Discovery.Port,
        "discovery.refresh":             c.Discovery.Refresh.String(),
        "gossip.interval":               c.Gossip.Interval.String(),
        "gossip.maxsent":                c.Gossip.MaxSent,
        "gossip.fanout":                 c.Gossip.Fanout,
        "gossip.retention":              c.Gossip.Retention.String(),
        "gossip.tablesize":              c.Gossip.TableSize,
        "gossip.buffer":                 c.Gossip.Buffer,
        "mgmt.addr":                     c.Mgmt.Addr,
        "mgmt.proto":                    c.Mgmt.Proto,
    }
}
