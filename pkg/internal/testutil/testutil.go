// Package testutil holds helpers shared by package tests: a throwaway PKI for
// TLS tests and a polling wait.
package testutil

import (
    "crypto/rand"
    "crypto/rsa"
    "crypto/x509"
    "crypto/x509/pkix"
    "encoding/pem"
    "errors"
    "math/big"
    "net"
    "os"
    "path/filepath"
    "testing"
    "time"
)

// ErrNotYet is returned by WaitUntil conditions that are not satisfied yet.
var ErrNotYet = errors.New("not yet")

// Certs are PEM file paths of a CA plus one server and one client leaf, both
// valid for 127.0.0.1. The server leaf also allows client auth so a node can
// use it on both ends of a mutual TLS connection.
type Certs struct {
    CACert, CAKey         string
    ServerCert, ServerKey string
    ClientCert, ClientKey string
}

// MustMakeCerts writes a fresh CA and leaf certificates into dir.
func MustMakeCerts(t testing.TB, dir string) Certs {
    t.Helper()
    caPriv, err := rsa.GenerateKey(rand.Reader, 2048)
    if err != nil { t.Fatalf("ca key: %v", err) }
    caTpl := &x509.Certificate{SerialNumber: big.NewInt(1), Subject: pkix.Name{CommonName: "go-gossip-ca"}, NotBefore: time.Now().Add(-time.Hour), NotAfter: time.Now().Add(48 * time.Hour), KeyUsage: x509.KeyUsageCertSign | x509.KeyUsageCRLSign, IsCA: true, BasicConstraintsValid: true}
    caDER, err := x509.CreateCertificate(rand.Reader, caTpl, caTpl, &caPriv.PublicKey, caPriv)
    if err != nil { t.Fatalf("ca cert: %v", err) }
    var c Certs
    c.CACert = filepath.Join(dir, "ca.crt")
    c.CAKey = filepath.Join(dir, "ca.key")
    writePEM(t, c.CACert, "CERTIFICATE", caDER)
    writePEM(t, c.CAKey, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(caPriv))

    makeLeaf := func(cn, crtName, keyName string, isClient bool) (string, string) {
        priv, err := rsa.GenerateKey(rand.Reader, 2048)
        if err != nil { t.Fatalf("leaf key: %v", err) }
        tpl := &x509.Certificate{SerialNumber: big.NewInt(time.Now().UnixNano()), Subject: pkix.Name{CommonName: cn}, NotBefore: time.Now().Add(-time.Hour), NotAfter: time.Now().Add(24 * time.Hour), KeyUsage: x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment}
        if isClient {
            tpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
        } else {
            tpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
        }
        tpl.IPAddresses = []net.IP{net.ParseIP("127.0.0.1")}
        der, err := x509.CreateCertificate(rand.Reader, tpl, caTpl, &priv.PublicKey, caPriv)
        if err != nil { t.Fatalf("leaf cert: %v", err) }
        crtPath := filepath.Join(dir, crtName)
        keyPath := filepath.Join(dir, keyName)
        writePEM(t, crtPath, "CERTIFICATE", der)
        writePEM(t, keyPath, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(priv))
        return crtPath, keyPath
    }

    c.ServerCert, c.ServerKey = makeLeaf("go-gossip-server", "server.crt", "server.key", false)
    c.ClientCert, c.ClientKey = makeLeaf("go-gossip-client", "client.crt", "client.key", true)
    return c
}

func writePEM(t testing.TB, path, typ string, der []byte) {
    t.Helper()
    f, err := os.Create(path)
    if err != nil { t.Fatalf("create %s: %v", path, err) }
    defer f.Close()
    if err := pem.Encode(f, &pem.Block{Type: typ, Bytes: der}); err != nil {
        t.Fatalf("pem encode %s: %v", path, err)
    }
}

// WaitUntil polls fn until it returns nil or timeout elapses.
func WaitUntil(t testing.TB, timeout time.Duration, fn func() error) {
    t.Helper()
    deadline := time.Now().Add(timeout)
    var last error
    for time.Now().Before(deadline) {
        if err := fn(); err == nil {
            return
        } else {
            last = err
        }
        time.Sleep(50 * time.Millisecond)
    }
    t.Fatalf("timeout waiting for condition: %v", last)
}

// FreeAddr returns a loopback address that nothing listens on.
func FreeAddr(t testing.TB) string {
    t.Helper()
    l, err := net.Listen("tcp", "127.0.0.1:0")
    if err != nil { t.Fatalf("listen: %v", err) }
    addr := l.Addr().String()
    _ = l.Close()
    return addr
}
