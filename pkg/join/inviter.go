// Package join implements both sides of the node-join protocol: the Inviter
// run by a configured node, and the Acceptor run by an ephemeral one.
package join

import (
    "context"
    "errors"
    "fmt"
    "sync"
    "time"

    mapset "github.com/deckarep/golang-set/v2"
    "go.uber.org/zap"

    "github.com/amirimatin/go-clustercore/pkg/internal/logutil"
    "github.com/amirimatin/go-clustercore/pkg/observability/metrics"
    "github.com/amirimatin/go-clustercore/pkg/observability/tracing"
    "github.com/amirimatin/go-clustercore/pkg/state"
    "github.com/amirimatin/go-clustercore/pkg/state/disk"
    "github.com/amirimatin/go-clustercore/pkg/transport"
)

const (
    AsBroker   = "broker_node"
    AsFlanking = "flanking_node"
)

// InviterOptions wire the inviting side of a join.
type InviterOptions struct {
    State   *state.ClusterState
    Store   *disk.Store
    Client  transport.RPCClient
    Resolve func(fqdn string) string
    // Interval is the heartbeat ceiling: the retry period and, times 0.9,
    // the per-attempt timeout.
    Interval time.Duration
    Logger   *zap.Logger
    // Joined runs once an invitee accepted, typically to send it a one-shot
    // heartbeat.
    Joined func(fqdn string)
}

func (o InviterOptions) Validate() error {
    if o.State == nil || o.Store == nil || o.Client == nil { return errors.New("join: state, store and client required") }
    if o.Interval <= 0 { return errors.New("join: interval must be positive") }
    return nil
}

// Inviter sends invitations. At most one background retry loop runs per
// invitee.
type Inviter struct {
    opts     InviterOptions
    log      *zap.Logger
    inflight mapset.Set[string]
    ctx      context.Context
    cancel   context.CancelFunc
    wg       sync.WaitGroup
}

func NewInviter(opts InviterOptions) (*Inviter, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    if opts.Resolve == nil { opts.Resolve = func(fqdn string) string { return fqdn } }
    log := opts.Logger
    if log == nil { log = zap.NewNop() }
    ctx, cancel := context.WithCancel(context.Background())
    return &Inviter{opts: opts, log: log, inflight: mapset.NewSet[string](), ctx: ctx, cancel: cancel}, nil
}

// Invite makes one synchronous attempt and, if it fails, keeps retrying in
// the background every interval until the invitee accepts or the inviter is
// closed. It returns the first attempt's error.
func (i *Inviter) Invite(ctx context.Context, fqdn string) error {
    if fqdn == "" { return errors.New("join: empty invitee") }
    if i.inflight.Contains(fqdn) {
        logutil.Debugf(i.log, "invite to %s already in progress", fqdn)
        return nil
    }
    err := i.attempt(ctx, fqdn)
    if err == nil {
        logutil.Infof(i.log, "node %s has joined the cluster", fqdn)
        i.joined(fqdn)
        return nil
    }
    if !i.inflight.Add(fqdn) { return err }
    logutil.Warnf(i.log, "initial cluster join failed for node %s (%v); will continue trying", fqdn, err)
    i.wg.Add(1)
    go i.retryLoop(fqdn)
    return err
}

// retryLoop attempts the invite once per interval. Each attempt times out
// before the next tick.
func (i *Inviter) retryLoop(fqdn string) {
    defer i.wg.Done()
    defer i.inflight.Remove(fqdn)
    start := time.Now()
    ticker := time.NewTicker(i.opts.Interval)
    defer ticker.Stop()
    for {
        select {
        case <-i.ctx.Done():
            logutil.Debugf(i.log, "stopped inviting %s", fqdn)
            return
        case <-ticker.C:
        }
        if err := i.attempt(i.ctx, fqdn); err != nil {
            logutil.Debugf(i.log, "still waiting for node %s to join the cluster, it's been %s", fqdn, time.Since(start).Round(time.Second))
            continue
        }
        logutil.Infof(i.log, "node %s has now joined the cluster", fqdn)
        i.joined(fqdn)
        return
    }
}

func (i *Inviter) joined(fqdn string) {
    if i.opts.Joined != nil { i.opts.Joined(fqdn) }
}

// Pending reports whether a retry loop is running for fqdn.
func (i *Inviter) Pending(fqdn string) bool { return i.inflight.Contains(fqdn) }

// Close stops every retry loop and waits for them.
func (i *Inviter) Close() {
    i.cancel()
    i.wg.Wait()
}

func (i *Inviter) attempt(ctx context.Context, fqdn string) error {
    ctx, end := tracing.StartSpanWith(ctx, "join.invite", tracing.Peer(fqdn))
    defer end()
    req, err := i.request(fqdn)
    if err != nil { metrics.Invites.WithLabelValues("error").Inc(); return err }
    ctx, cancel := context.WithTimeout(ctx, time.Duration(float64(i.opts.Interval)*0.9))
    defer cancel()
    logutil.Debugf(i.log, "inviting %s to join the cluster", fqdn)
    resp, err := i.opts.Client.PostJoin(ctx, i.opts.Resolve(fqdn), req)
    if err != nil { metrics.Invites.WithLabelValues("error").Inc(); return err }
    if resp.Cluster == "" || resp.Node == "" {
        metrics.Invites.WithLabelValues("invalid").Inc()
        return fmt.Errorf("join: invalid response from %s", fqdn)
    }
    if resp.Cluster != req.Cluster {
        metrics.Invites.WithLabelValues("invalid").Inc()
        return fmt.Errorf("join: %s answered for cluster %s", fqdn, resp.Cluster)
    }
    metrics.Invites.WithLabelValues("ok").Inc()
    logutil.Infof(i.log, "node %s will join the cluster", resp.Node)
    return nil
}

// request builds the invitation from the newest snapshots on disk, since what
// peers converge on is what is written there.
func (i *Inviter) request(fqdn string) (transport.JoinRequest, error) {
    settings, err := i.opts.Store.Latest(disk.Settings)
    if err != nil { return transport.JoinRequest{}, fmt.Errorf("join: load settings: %w", err) }
    keyset, err := i.opts.Store.Latest(disk.Keys)
    if err != nil { return transport.JoinRequest{}, fmt.Errorf("join: load keys: %w", err) }
    st := i.opts.State
    as := AsBroker
    if st.Topology().IsFlanking(fqdn) { as = AsFlanking }
    return transport.JoinRequest{
        You:      fqdn,
        Join:     st.Node().FQDN,
        As:       as,
        Cluster:  st.Identity().ClusterUUID,
        Settings: settings,
        Keys:     keyset,
    }, nil
}
