// Package status runs per-service health checks and reduces their codes to
// one cluster status code and color.
package status

import (
    "context"
    "net/http"
    "sync"
    "time"

    "go.uber.org/zap"
    "golang.org/x/sync/errgroup"

    "github.com/amirimatin/go-clustercore/pkg/internal/logutil"
)

const (
    Green = "green"
    Amber = "amber"
    Red   = "red"

    // CoreService is the name under which the management plane reports itself.
    CoreService = "core"

    // EphemeralCode is reported while the node has no cluster configuration.
    EphemeralCode = 1
)

// Check reports the health of one service. Zero means healthy.
type Check interface {
    Name() string
    Check(ctx context.Context) int
}

// CheckFunc adapts a function to Check.
type CheckFunc struct {
    Service string
    Fn      func(ctx context.Context) int
}

func (c CheckFunc) Name() string                  { return c.Service }
func (c CheckFunc) Check(ctx context.Context) int { return c.Fn(ctx) }

// HTTPCheck is healthy when GET URL answers 2xx within Timeout.
type HTTPCheck struct {
    Service string
    URL     string
    Timeout time.Duration
    Client  *http.Client
}

func (c HTTPCheck) Name() string { return c.Service }

func (c HTTPCheck) Check(ctx context.Context) int {
    to := c.Timeout
    if to <= 0 { to = 2 * time.Second }
    ctx, cancel := context.WithTimeout(ctx, to)
    defer cancel()
    req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
    if err != nil { return 1 }
    cli := c.Client
    if cli == nil { cli = http.DefaultClient }
    resp, err := cli.Do(req)
    if err != nil { return 1 }
    _ = resp.Body.Close()
    if resp.StatusCode < 200 || resp.StatusCode > 299 { return 1 }
    return 0
}

// Color maps a cluster code to its color.
func Color(code int) string {
    switch {
    case code == 0:
        return Green
    case code < 10:
        return Amber
    default:
        return Red
    }
}

// Reduce returns the first non-zero code found walking order, and its color.
// Services absent from codes are skipped.
func Reduce(order []string, codes map[string]int) (int, string) {
    for _, svc := range order {
        if c, ok := codes[svc]; ok && c != 0 { return c, Color(c) }
    }
    return 0, Green
}

// Aggregator runs a fixed, ordered set of checks. The core check always runs
// and is ordered last.
type Aggregator struct {
    checks []Check
    order  []string
    log    *zap.Logger
}

// NewAggregator builds an aggregator over checks plus core.
func NewAggregator(log *zap.Logger, core Check, checks ...Check) *Aggregator {
    if log == nil { log = zap.NewNop() }
    a := &Aggregator{log: log}
    for _, c := range checks {
        if c == nil || c.Name() == CoreService { continue }
        a.checks = append(a.checks, c)
        a.order = append(a.order, c.Name())
    }
    if core == nil { core = CheckFunc{Service: CoreService, Fn: func(context.Context) int { return 0 }} }
    a.checks = append(a.checks, core)
    a.order = append(a.order, CoreService)
    return a
}

// Order is the fixed reduction order.
func (a *Aggregator) Order() []string { return append([]string(nil), a.order...) }

// Run executes every check in parallel and waits for all of them.
func (a *Aggregator) Run(ctx context.Context) map[string]int {
    var mu sync.Mutex
    out := make(map[string]int, len(a.checks))
    g, gctx := errgroup.WithContext(ctx)
    for _, c := range a.checks {
        c := c
        g.Go(func() error {
            code := c.Check(gctx)
            if code != 0 { logutil.Warnf(a.log, "[%s] service has status code %d", c.Name(), code) }
            mu.Lock()
            out[c.Name()] = code
            mu.Unlock()
            return nil
        })
    }
    _ = g.Wait()
    return out
}

// Consolidate runs all checks and reduces them.
func (a *Aggregator) Consolidate(ctx context.Context) (map[string]int, int, string) {
    codes := a.Run(ctx)
    code, color := Reduce(a.order, codes)
    return codes, code, color
}
