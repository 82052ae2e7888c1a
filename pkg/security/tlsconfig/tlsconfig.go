// Package tlsconfig builds mutual TLS configs for the gossip transport and the
// management API from PEM files.
package tlsconfig

import (
    "crypto/tls"
    "crypto/x509"
    "errors"
    "fmt"
    "os"
    "sync"
    "time"
)

// DefaultReloadInterval is how long a loaded certificate is reused before the
// hot-reload configs read it from disk again.
const DefaultReloadInterval = 10 * time.Second

// Options defines mTLS configuration inputs.
type Options struct {
    Enable             bool   `koanf:"enable"`
    CAFile             string `koanf:"ca"`
    CertFile           string `koanf:"cert"`
    KeyFile            string `koanf:"key"`
    InsecureSkipVerify bool   `koanf:"insecure"`
    ServerName         string `koanf:"servername"`
    // ReloadInterval applies to the hot-reload variants; zero means
    // DefaultReloadInterval.
    ReloadInterval time.Duration `koanf:"reload"`
}

var errServerCert = errors.New("tls: server cert/key required when TLS enabled")

func loadPool(path string) (*x509.CertPool, error) {
    ca, err := os.ReadFile(path)
    if err != nil { return nil, err }
    pool := x509.NewCertPool()
    if !pool.AppendCertsFromPEM(ca) { return nil, fmt.Errorf("tls: no certificates in %s", path) }
    return pool, nil
}

// Server returns a tls.Config for servers if enabled, otherwise nil. A CA file
// turns on client certificate verification.
func (o Options) Server() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    if o.CertFile == "" || o.KeyFile == "" { return nil, errServerCert }
    cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
    if err != nil { return nil, err }
    cfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
    if err := o.requireClientCerts(cfg); err != nil { return nil, err }
    return cfg, nil
}

// Client returns a tls.Config for clients if enabled, otherwise nil.
func (o Options) Client() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    cfg, err := o.clientBase()
    if err != nil { return nil, err }
    if o.CertFile != "" && o.KeyFile != "" {
        cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
        if err != nil { return nil, err }
        cfg.Certificates = []tls.Certificate{cert}
    }
    return cfg, nil
}

// ServerHotReload returns a server tls.Config that reloads the certificate
// from disk lazily, on handshake, so it can be rotated without a restart. The
// CA pool is loaded once.
func (o Options) ServerHotReload() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    if o.CertFile == "" || o.KeyFile == "" { return nil, errServerCert }
    cfg := &tls.Config{MinVersion: tls.VersionTLS12}
    if err := o.requireClientCerts(cfg); err != nil { return nil, err }
    kp := o.keyPair()
    if _, err := kp.get(); err != nil { return nil, err }
    cfg.GetCertificate = func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return kp.get() }
    return cfg, nil
}

// ClientHotReload returns a client tls.Config that reloads the client
// certificate from disk on demand. CA roots are loaded once.
func (o Options) ClientHotReload() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    cfg, err := o.clientBase()
    if err != nil { return nil, err }
    if o.CertFile == "" || o.KeyFile == "" { return cfg, nil }
    kp := o.keyPair()
    cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) { return kp.get() }
    return cfg, nil
}

func (o Options) requireClientCerts(cfg *tls.Config) error {
    if o.CAFile == "" { return nil }
    pool, err := loadPool(o.CAFile)
    if err != nil { return err }
    cfg.ClientCAs = pool
    cfg.ClientAuth = tls.RequireAndVerifyClientCert
    return nil
}

func (o Options) clientBase() (*tls.Config, error) {
    cfg := &tls.Config{InsecureSkipVerify: o.InsecureSkipVerify, MinVersion: tls.VersionTLS12} //nolint:gosec
    if o.ServerName != "" { cfg.ServerName = o.ServerName }
    if o.CAFile != "" {
        pool, err := loadPool(o.CAFile)
        if err != nil { return nil, err }
        cfg.RootCAs = pool
    }
    return cfg, nil
}

func (o Options) keyPair() *reloadingKeyPair {
    ttl := o.ReloadInterval
    if ttl <= 0 { ttl = DefaultReloadInterval }
    return &reloadingKeyPair{certFile: o.CertFile, keyFile: o.KeyFile, ttl: ttl}
}

// reloadingKeyPair caches a key pair and rereads it once older than ttl.
type reloadingKeyPair struct {
    certFile, keyFile string
    ttl               time.Duration

    mu       sync.RWMutex
    cached   *tls.Certificate
    lastLoad time.Time
}

func (r *reloadingKeyPair) get() (*tls.Certificate, error) {
    r.mu.RLock()
    if r.cached != nil && time.Since(r.lastLoad) < r.ttl {
        c := *r.cached
        r.mu.RUnlock()
        return &c, nil
    }
    r.mu.RUnlock()
    cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
    if err != nil { return nil, err }
    r.mu.Lock()
    r.cached = &cert
    r.lastLoad = time.Now()
    r.mu.Unlock()
    return &cert, nil
}
