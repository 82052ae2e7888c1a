package transport

import (
    "fmt"
    "net"
    "net/url"
    "strconv"
    "strings"
)

// DefaultScheme is used when formatting endpoints.
const DefaultScheme = "tcp"

// Endpoint is a network address a channel targets, written as
// scheme://host:port. It carries no member identity.
type Endpoint struct {
    Host string `json:"host"`
    Port int    `json:"port"`
}

// ParseEndpoint parses "scheme://host:port". The scheme is required but not
// retained.
func ParseEndpoint(s string) (Endpoint, error) {
    u, err := parseURL(s)
    if err != nil { return Endpoint{}, err }
    if u.User != nil {
        return Endpoint{}, fmt.Errorf("transport: endpoint %q must not carry an id", s)
    }
    host, port, err := SplitHostPort(u.Host)
    if err != nil { return Endpoint{}, fmt.Errorf("transport: endpoint %q: %w", s, err) }
    return Endpoint{Host: host, Port: port}, nil
}

// EndpointFromAddr builds an endpoint from a plain host:port string.
func EndpointFromAddr(addr string) (Endpoint, error) {
    host, port, err := SplitHostPort(addr)
    if err != nil { return Endpoint{}, err }
    return Endpoint{Host: host, Port: port}, nil
}

func (e Endpoint) String() string { return DefaultScheme + "://" + e.Addr() }

// Addr returns host:port suitable for dialing.
func (e Endpoint) Addr() string { return net.JoinHostPort(e.Host, strconv.Itoa(e.Port)) }

func (e Endpoint) IsZero() bool { return e.Host == "" && e.Port == 0 }

func parseURL(s string) (*url.URL, error) {
    s = strings.TrimSpace(s)
    if !strings.Contains(s, "://") {
        return nil, fmt.Errorf("transport: endpoint %q: missing scheme", s)
    }
    u, err := url.Parse(s)
    if err != nil { return nil, fmt.Errorf("transport: endpoint %q: %w", s, err) }
    if u.Scheme == "" { return nil, fmt.Errorf("transport: endpoint %q: missing scheme", s) }
    if u.Path != "" && u.Path != "/" { return nil, fmt.Errorf("transport: endpoint %q: unexpected path", s) }
    return u, nil
}

// SplitHostPort splits host:port and validates the port range.
func SplitHostPort(hostport string) (string, int, error) {
    host, portStr, err := net.SplitHostPort(hostport)
    if err != nil { return "", 0, err }
    if host == "" { return "", 0, fmt.Errorf("empty host in %q", hostport) }
    port, err := strconv.Atoi(portStr)
    if err != nil || port < 0 || port > 65535 {
        return "", 0, fmt.Errorf("invalid port: %q", portStr)
    }
    return host, port, nil
}
