// Package dns resolves gossip seeds from DNS. Names are either SRV records
// (_service._proto.domain), plain host names resolved at a fixed port, or
// literal host:port pairs passed through.
package dns

import (
    "context"
    "net"
    "sort"
    "strconv"
    "strings"
    "sync"
    "time"

    mapset "github.com/deckarep/golang-set/v2"
    "go.uber.org/zap"
    "golang.org/x/sync/errgroup"

    "github.com/amirimatin/go-clustercore/pkg/discovery"
    "github.com/amirimatin/go-clustercore/pkg/internal/logutil"
)

// Resolver is the subset of *net.Resolver used for lookups.
type Resolver interface {
    LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
    LookupHost(ctx context.Context, host string) ([]string, error)
}

type Options struct {
    Names []string
    // NamesFunc replaces Names when set. It is read on every refresh, so the
    // topology fqdns can be handed over directly.
    NamesFunc func() []string
    // Port is used for names resolved through A/AAAA records.
    Port int
    // Refresh is how long a resolved seed list is reused.
    Refresh time.Duration
    // Timeout bounds one refresh.
    Timeout  time.Duration
    Resolver Resolver
    Logger   *zap.Logger
}

type seeds struct {
    opts Options

    mu    sync.Mutex
    at    time.Time
    cache []string
}

// New returns a caching DNS discovery.
func New(opts Options) discovery.Discovery {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    if opts.Timeout <= 0 { opts.Timeout = 2 * time.Second }
    if opts.Port == 0 { opts.Port = 7946 }
    if opts.Resolver == nil { opts.Resolver = net.DefaultResolver }
    if opts.Logger == nil { opts.Logger = zap.NewNop() }
    return &seeds{opts: opts}
}

// Seeds returns the cached list while it is fresh. A refresh that resolves
// nothing keeps the previous list, so a DNS outage does not empty it.
func (d *seeds) Seeds() []string {
    d.mu.Lock()
    defer d.mu.Unlock()
    if time.Since(d.at) < d.opts.Refresh && len(d.cache) > 0 { return append([]string(nil), d.cache...) }

    ctx, cancel := context.WithTimeout(context.Background(), d.opts.Timeout)
    defer cancel()
    if out := d.resolve(ctx); len(out) > 0 || len(d.cache) == 0 {
        d.cache = out
    }
    d.at = time.Now()
    return append([]string(nil), d.cache...)
}

func (d *seeds) resolve(ctx context.Context) []string {
    names := d.opts.Names
    if d.opts.NamesFunc != nil { names = d.opts.NamesFunc() }

    found := mapset.NewSet[string]()
    g, ctx := errgroup.WithContext(ctx)
    for _, name := range names {
        name := strings.TrimSpace(name)
        if name == "" { continue }
        if isSRV(name) {
            g.Go(func() error {
                found.Append(d.lookupSRV(ctx, name)...)
                return nil
            })
            continue
        }
        if _, _, err := net.SplitHostPort(name); err == nil {
            found.Add(name)
            continue
        }
        g.Go(func() error {
            found.Append(d.lookupHost(ctx, name)...)
            return nil
        })
    }
    _ = g.Wait()

    out := found.ToSlice()
    sort.Strings(out)
    return out
}

func (d *seeds) lookupSRV(ctx context.Context, name string) []string {
    svc, proto, domain := parseSRVName(name)
    _, recs, err := d.opts.Resolver.LookupSRV(ctx, svc, proto, domain)
    if err != nil {
        logutil.Debugf(d.opts.Logger, "srv lookup %s: %v", name, err)
        return nil
    }
    out := make([]string, 0, len(recs))
    for _, r := range recs {
        out = append(out, net.JoinHostPort(strings.TrimSuffix(r.Target, "."), strconv.Itoa(int(r.Port))))
    }
    return out
}

func (d *seeds) lookupHost(ctx context.Context, host string) []string {
    ips, err := d.opts.Resolver.LookupHost(ctx, host)
    if err != nil {
        logutil.Warnf(d.opts.Logger, "cannot resolve gossip seed %s: %v", host, err)
        return nil
    }
    out := make([]string, 0, len(ips))
    for _, ip := range ips {
        out = append(out, net.JoinHostPort(ip, strconv.Itoa(d.opts.Port)))
    }
    return out
}

func isSRV(name string) bool {
    s, p, n := parseSRVName(name)
    return s != "" && p != "" && n != ""
}

// parseSRVName splits _service._proto.domain.
func parseSRVName(name string) (service, proto, domain string) {
    parts := strings.SplitN(name, ".", 3)
    if len(parts) < 3 || !strings.HasPrefix(parts[0], "_") || !strings.HasPrefix(parts[1], "_") { return "", "", "" }
    return parts[0][1:], parts[1][1:], parts[2]
}
