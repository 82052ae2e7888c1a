package dns

import (
    "context"
    "errors"
    "net"
    "testing"
    "time"

    "github.com/stretchr/testify/require"
)

type fakeResolver struct {
    srv   map[string][]*net.SRV
    hosts map[string][]string
    calls int
}

func (f *fakeResolver) LookupSRV(_ context.Context, service, proto, name string) (string, []*net.SRV, error) {
    f.calls++
    recs, ok := f.srv["_"+service+"._"+proto+"."+name]
    if !ok { return "", nil, errors.New("no such srv") }
    return "", recs, nil
}

func (f *fakeResolver) LookupHost(_ context.Context, host string) ([]string, error) {
    f.calls++
    ips, ok := f.hosts[host]
    if !ok { return nil, errors.New("no such host") }
    return ips, nil
}

func TestParseSRVName(t *testing.T) {
    s, p, n := parseSRVName("_gossip._tcp.example.com")
    require.Equal(t, []string{"gossip", "tcp", "example.com"}, []string{s, p, n})
    s, p, n = parseSRVName("bad.srv")
    require.Equal(t, []string{"", "", ""}, []string{s, p, n})
}

func TestResolveMixedNames(t *testing.T) {
    r := &fakeResolver{
        srv:   map[string][]*net.SRV{"_gossip._tcp.example.com": {{Target: "n1.example.com.", Port: 7000}}},
        hosts: map[string][]string{"n2.example.com": {"10.0.0.2", "::1"}},
    }
    d := New(Options{Names: []string{"_gossip._tcp.example.com", "n2.example.com", "1.2.3.4:7946", ""}, Port: 9000, Resolver: r})
    got, err := d.Seeds(context.Background())
    require.NoError(t, err)
    require.Equal(t, []string{"1.2.3.4:7946", "10.0.0.2:9000", "[::1]:9000", "n1.example.com:7000"}, got)

    calls := r.calls
    _, err = d.Seeds(context.Background())
    require.NoError(t, err)
    require.Equal(t, calls, r.calls, "cached answer expected")
}

func TestResolveFailureFallsBackToCache(t *testing.T) {
    r := &fakeResolver{hosts: map[string][]string{"n.example.com": {"10.0.0.9"}}}
    d := New(Options{Names: []string{"n.example.com"}, Refresh: time.Nanosecond, Resolver: r}).(*source)
    got, err := d.Seeds(context.Background())
    require.NoError(t, err)
    require.Equal(t, []string{"10.0.0.9:7946"}, got)

    r.hosts = nil
    got, err = d.Seeds(context.Background())
    require.NoError(t, err)
    require.Equal(t, []string{"10.0.0.9:7946"}, got)

    _, err = New(Options{Names: []string{"gone.example.com"}, Resolver: r}).Seeds(context.Background())
    require.Error(t, err)
}
