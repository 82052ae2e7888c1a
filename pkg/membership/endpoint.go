package membership

import (
    "fmt"
    "net"
    "net/url"
    "strconv"
    "strings"

    "github.com/amirimatin/go-gossip/pkg/transport"
)

// Endpoint identifies a logical cluster member: scheme://id@host:port.
// Equality covers all three fields.
type Endpoint struct {
    ID   string `json:"id"`
    Host string `json:"host"`
    Port int    `json:"port"`
}

// ParseEndpoint parses "scheme://id@host:port". The scheme is required but not
// retained.
func ParseEndpoint(s string) (Endpoint, error) {
    s = strings.TrimSpace(s)
    if !strings.Contains(s, "://") {
        return Endpoint{}, fmt.Errorf("membership: endpoint %q: missing scheme", s)
    }
    u, err := url.Parse(s)
    if err != nil { return Endpoint{}, fmt.Errorf("membership: endpoint %q: %w", s, err) }
    if u.User == nil || u.User.Username() == "" {
        return Endpoint{}, fmt.Errorf("membership: endpoint %q: missing member id", s)
    }
    if u.Path != "" && u.Path != "/" {
        return Endpoint{}, fmt.Errorf("membership: endpoint %q: unexpected path", s)
    }
    host, port, err := transport.SplitHostPort(u.Host)
    if err != nil { return Endpoint{}, fmt.Errorf("membership: endpoint %q: %w", s, err) }
    return Endpoint{ID: u.User.Username(), Host: host, Port: port}, nil
}

// MustParseEndpoint is ParseEndpoint that panics on error. Meant for tests and
// constants.
func MustParseEndpoint(s string) Endpoint {
    e, err := ParseEndpoint(s)
    if err != nil { panic(err) }
    return e
}

func (e Endpoint) String() string {
    return transport.DefaultScheme + "://" + e.ID + "@" + e.Addr()
}

// Addr returns host:port.
func (e Endpoint) Addr() string { return net.JoinHostPort(e.Host, strconv.Itoa(e.Port)) }

// Transport returns the network address of the member.
func (e Endpoint) Transport() transport.Endpoint {
    return transport.Endpoint{Host: e.Host, Port: e.Port}
}

func (e Endpoint) Equal(o Endpoint) bool { return e == o }

func (e Endpoint) IsZero() bool { return e == Endpoint{} }
