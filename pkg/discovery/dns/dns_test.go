package dns

import (
    "context"
    "errors"
    "net"
    "sync"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

type fakeResolver struct {
    mu    sync.Mutex
    hosts map[string][]string
    srv   map[string][]*net.SRV
    fail  bool
    calls int
}

func (f *fakeResolver) LookupSRV(_ context.Context, service, proto, name string) (string, []*net.SRV, error) {
    f.mu.Lock()
    defer f.mu.Unlock()
    f.calls++
    if f.fail { return "", nil, errors.New("servfail") }
    recs, ok := f.srv["_"+service+"._"+proto+"."+name]
    if !ok { return "", nil, &net.DNSError{Err: "no such host", Name: name, IsNotFound: true} }
    return "", recs, nil
}

func (f *fakeResolver) LookupHost(_ context.Context, host string) ([]string, error) {
    f.mu.Lock()
    defer f.mu.Unlock()
    f.calls++
    if f.fail { return nil, errors.New("servfail") }
    ips, ok := f.hosts[host]
    if !ok { return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true} }
    return ips, nil
}

func TestParseSRVName(t *testing.T) {
    s, p, n := parseSRVName("_gossip._tcp.example.com")
    assert.Equal(t, []string{"gossip", "tcp", "example.com"}, []string{s, p, n})
    s, p, n = parseSRVName("a.example.com")
    assert.Empty(t, s+p+n)
}

func TestSeeds_MixedNames(t *testing.T) {
    r := &fakeResolver{
        hosts: map[string][]string{"a.example.com": {"10.0.0.1"}, "b.example.com": {"10.0.0.2", "10.0.0.1"}},
        srv:   map[string][]*net.SRV{"_gossip._tcp.example.com": {{Target: "f.example.com.", Port: 8946}}},
    }
    d := New(Options{
        Names:    []string{"a.example.com", " b.example.com ", "_gossip._tcp.example.com", "10.0.0.9:7000", "", "gone.example.com"},
        Port:     7946,
        Resolver: r,
    })
    assert.Equal(t, []string{"10.0.0.1:7946", "10.0.0.2:7946", "10.0.0.9:7000", "f.example.com:8946"}, d.Seeds())
}

func TestSeeds_CachedUntilRefresh(t *testing.T) {
    r := &fakeResolver{hosts: map[string][]string{"a.example.com": {"10.0.0.1"}}}
    d := New(Options{Names: []string{"a.example.com"}, Refresh: time.Hour, Resolver: r})
    require.Len(t, d.Seeds(), 1)
    require.Len(t, d.Seeds(), 1)
    assert.Equal(t, 1, r.calls)
}

func TestSeeds_KeepsLastListOnOutage(t *testing.T) {
    r := &fakeResolver{hosts: map[string][]string{"a.example.com": {"10.0.0.1"}}}
    d := New(Options{Names: []string{"a.example.com"}, Refresh: time.Nanosecond, Resolver: r})
    require.Equal(t, []string{"10.0.0.1:7946"}, d.Seeds())

    r.mu.Lock()
    r.fail = true
    r.mu.Unlock()
    time.Sleep(time.Millisecond)
    assert.Equal(t, []string{"10.0.0.1:7946"}, d.Seeds())
}

func TestSeeds_NamesFuncFollowsTopology(t *testing.T) {
    r := &fakeResolver{hosts: map[string][]string{"a.example.com": {"10.0.0.1"}, "f.example.com": {"10.0.0.6"}}}
    names := []string{"a.example.com"}
    d := New(Options{NamesFunc: func() []string { return names }, Refresh: time.Nanosecond, Resolver: r})
    require.Equal(t, []string{"10.0.0.1:7946"}, d.Seeds())
    names = []string{"a.example.com", "f.example.com"}
    time.Sleep(time.Millisecond)
    assert.Equal(t, []string{"10.0.0.1:7946", "10.0.0.6:7946"}, d.Seeds())
}

func TestSeeds_Localhost(t *testing.T) {
    got := New(Options{Names: []string{"localhost"}, Port: 12345}).Seeds()
    require.NotEmpty(t, got)
    for _, hp := range got {
        _, port, err := net.SplitHostPort(hp)
        require.NoError(t, err)
        assert.Equal(t, "12345", port)
    }
}
