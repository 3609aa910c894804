// Package cluster is the consensus core: it owns the cluster state, runs the
// heartbeat loop, answers peer requests and decides when to sync, invite or
// follow a new leader.
package cluster

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "math"
    "net"
    "strconv"
    "sync"
    "time"

    "github.com/flowchartsman/retry"
    "go.uber.org/atomic"
    "go.uber.org/multierr"
    "go.uber.org/zap"
    "golang.org/x/sync/singleflight"

    "github.com/amirimatin/go-clustercore/pkg/ca"
    "github.com/amirimatin/go-clustercore/pkg/consensus"
    "github.com/amirimatin/go-clustercore/pkg/discovery"
    "github.com/amirimatin/go-clustercore/pkg/heartbeat"
    "github.com/amirimatin/go-clustercore/pkg/integrity"
    "github.com/amirimatin/go-clustercore/pkg/internal/logutil"
    "github.com/amirimatin/go-clustercore/pkg/join"
    "github.com/amirimatin/go-clustercore/pkg/keys"
    "github.com/amirimatin/go-clustercore/pkg/membership"
    obsmetrics "github.com/amirimatin/go-clustercore/pkg/observability/metrics"
    "github.com/amirimatin/go-clustercore/pkg/observability/tracing"
    "github.com/amirimatin/go-clustercore/pkg/state"
    "github.com/amirimatin/go-clustercore/pkg/status"
    "github.com/amirimatin/go-clustercore/pkg/syncer"
    "github.com/amirimatin/go-clustercore/pkg/transport"
)

const reconfigureTimeout = 3 * time.Second

// Cluster wires the cluster state, the heartbeat loop, the join and sync
// protocols and the leadership oracle into a running node.
type Cluster struct {
    opts Options
    log  *zap.Logger
    st   *state.ClusterState

    codec    atomic.Pointer[integrity.Codec]
    rate     *heartbeat.Rate
    sched    *heartbeat.Scheduler
    agg      *status.Aggregator
    inviter  *join.Inviter
    acceptor *join.Acceptor
    puller   *syncer.Puller
    syncSrv  *syncer.Server
    eb       eventBus
    sf       singleflight.Group

    mu  sync.Mutex
    run struct {
        started bool
        closed  bool
    }
    running atomic.Bool
    ctx     context.Context
    cancel  context.CancelFunc

    bgMu    sync.Mutex
    bgDone  bool
    bg      sync.WaitGroup
    reload  sync.Mutex
    noted   struct {
        sync.Mutex
        phase  state.Phase
        leader state.LeaderPointer
    }
    applied struct {
        sync.Mutex
        nodes map[string]state.NodeRecord
    }
}

// New constructs a Cluster from validated options. It performs no network
// activity; call Start to launch the node.
func New(opts Options) (*Cluster, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    opts.Timings.fill()
    log := opts.Logger
    if log == nil { log = zap.NewNop() }
    ctx, cancel := context.WithCancel(context.Background())
    c := &Cluster{
        opts:   opts,
        log:    log,
        st:     opts.State,
        rate:   heartbeat.NewRate(int64(opts.Timings.Ceiling/opts.Timings.Unit), opts.Timings.Unit),
        sched:  heartbeat.NewScheduler(),
        ctx:    ctx,
        cancel: cancel,
    }
    c.codec.Store(integrity.New(nil))
    c.noted.phase = c.st.Phase()
    c.applied.nodes = make(map[string]state.NodeRecord)
    c.agg = status.NewAggregator(log.Named("status"), status.CheckFunc{Service: status.CoreService, Fn: c.coreCheck}, opts.Checks...)

    var err error
    c.acceptor, err = join.NewAcceptor(join.AcceptorOptions{
        State:  c.st,
        Store:  opts.Store,
        CA:     opts.CA,
        Logger: log.Named("join"),
        Reload: c.reloadAfterReply,
    })
    if err != nil { cancel(); return nil, err }
    c.inviter, err = join.NewInviter(join.InviterOptions{
        State:    c.st,
        Store:    opts.Store,
        Client:   opts.RPCClient,
        Resolve:  c.resolve,
        Interval: opts.Timings.Ceiling,
        Logger:   log.Named("join"),
        Joined:   func(fqdn string) { c.sendHeartbeat(fqdn, false, true) },
    })
    if err != nil { cancel(); return nil, err }
    so := syncer.Options{
        State:   c.st,
        Store:   opts.Store,
        Client:  opts.RPCClient,
        Codec:   c.codec.Load,
        Resolve: c.resolve,
        Timeout: opts.Timings.SyncTimeout,
        Logger:  log.Named("sync"),
        Reload:  c.reloadAfterSync,
    }
    if c.puller, err = syncer.NewPuller(so); err != nil { cancel(); return nil, err }
    if c.syncSrv, err = syncer.NewServer(so); err != nil { cancel(); return nil, err }
    return c, nil
}

// Close is a convenience alias for Stop with a background context.
func (c *Cluster) Close() error {
    return c.Stop(context.Background())
}

// Start loads the configuration from disk, launches membership, the
// leadership oracle and the peer endpoint, then starts the heartbeat.
func (c *Cluster) Start(ctx context.Context) error {
    c.mu.Lock()
    defer c.mu.Unlock()
    if c.run.closed { return ErrStopped }
    if c.run.started { return nil }
    c.run.started = true
    obsmetrics.Register()

    if err := c.Reload(ctx); err != nil { return err }

    if m := c.opts.Membership; m != nil {
        if err := m.Start(ctx); err != nil { return err }
        if d := c.opts.Discovery; d != nil {
            c.background(func(ctx context.Context) { c.joinSeeds(ctx, m, d) })
        }
        c.background(c.membershipEventsLoop)
    }
    if cons := c.opts.Consensus; cons != nil {
        if err := cons.Start(ctx); err != nil { return err }
        if ln, ok := cons.(consensus.LeaderNotifier); ok {
            c.background(func(ctx context.Context) { c.leaderLoop(ctx, ln.LeaderCh()) })
        }
    }
    if s := c.opts.RPCServer; s != nil {
        if err := s.Start(ctx, c.Handlers()); err != nil { return err }
        logutil.Infof(c.log, "peer endpoint listening at %s", s.Addr())
    }

    c.running.Store(true)
    obsmetrics.SetPhase(string(c.st.Phase()))
    c.kick()
    return nil
}

// Stop cancels every timer and background task, then shuts down the peer
// endpoint, membership and the oracle.
func (c *Cluster) Stop(ctx context.Context) error {
    c.mu.Lock()
    defer c.mu.Unlock()
    if c.run.closed { return nil }
    c.run.closed = true
    c.running.Store(false)
    c.cancel()

    c.sched.Stop()
    c.inviter.Close()
    var err error
    if s := c.opts.RPCServer; s != nil && c.run.started { err = multierr.Append(err, s.Stop(ctx)) }
    c.bgMu.Lock()
    c.bgDone = true
    c.bgMu.Unlock()
    c.bg.Wait()
    if !c.run.started { return err }
    if m := c.opts.Membership; m != nil {
        err = multierr.Append(err, m.Leave())
        err = multierr.Append(err, m.Stop())
    }
    if cons := c.opts.Consensus; cons != nil { err = multierr.Append(err, cons.Stop()) }
    return err
}

// Handlers are the peer-facing entry points, for the transport servers.
func (c *Cluster) Handlers() transport.Handlers {
    return transport.Handlers{
        Status:    c.statusJSON,
        Heartbeat: c.handleHeartbeat,
        Join:      c.handleJoin,
        Sync:      c.syncSrv.Serve,
    }
}

// State exposes the cluster state for reading.
func (c *Cluster) State() *state.ClusterState { return c.st }

// Phase is the current phase of the local node.
func (c *Cluster) Phase() state.Phase { return c.st.Phase() }

// Status refreshes the local status when stale and returns the full view.
func (c *Cluster) Status(ctx context.Context) state.View {
    c.refreshStatus(ctx, false)
    return c.st.View()
}

// Invite asks fqdn to join this cluster. The node must be configured and fqdn
// must be part of its topology. Failed attempts keep retrying in the
// background until the cluster stops.
func (c *Cluster) Invite(ctx context.Context, fqdn string) error {
    if c.st.Ephemeral() { return ErrEphemeral }
    if !c.st.Topology().Contains(fqdn) { return fmt.Errorf("%w: %s", ErrNotInTopology, fqdn) }
    return c.inviter.Invite(ctx, fqdn)
}

// Reload reads the newest snapshots and node.json from disk into the state,
// re-keys the integrity codec and primes the CA. Without configuration on
// disk the node stays ephemeral.
func (c *Cluster) Reload(ctx context.Context) error {
    c.reload.Lock()
    defer c.reload.Unlock()
    newest, err := c.opts.Store.Load()
    if err != nil { return fmt.Errorf("cluster: load: %w", err) }
    if newest.Settings.Serial == 0 || newest.Keys.Serial == 0 || newest.Node.FQDN == "" {
        logutil.Infof(c.log, "no cluster configuration found, running in ephemeral mode")
        c.st.SetClusterStatus(status.EphemeralCode, status.Color(status.EphemeralCode))
        c.notePhase()
        return nil
    }
    set, err := keys.Unseal(newest.Keys.Data)
    if err != nil { return fmt.Errorf("cluster: keys.%s.json: %w", newest.Keys.Serial, err) }
    topo, err := state.ParseTopology(newest.Settings.Data)
    if err != nil { return err }
    fqdn := newest.Node.FQDN
    serial := topo.SerialOf(fqdn)
    if serial == 0 { return fmt.Errorf("%w: %s", ErrNotInTopology, fqdn) }
    if newest.Node.Serial != serial {
        logutil.Warnf(c.log, "node.json names serial %d but settings place %s at %d", newest.Node.Serial, fqdn, serial)
    }

    c.st.Load(state.Loaded{
        ClusterUUID: set.Cluster,
        Node: state.NodeRecord{
            UUID:     newest.Node.UUID,
            FQDN:     fqdn,
            Hostname: newest.Node.Hostname,
            IP:       c.opts.NodeIP,
            Serial:   serial,
        },
        Settings: newest.Settings,
        Keys:     newest.Keys,
        Topology: topo,
    })
    c.codec.Store(integrity.New(set.Secret()))
    if c.opts.CA != nil {
        if err := c.opts.CA.Prime(set); err != nil && !errors.Is(err, ca.ErrNoRoot) {
            logutil.Warnf(c.log, "failed to prime the CA configuration: %v", err)
        }
    }
    logutil.Infof(c.log, "loaded settings %s and keys %s, this is node %d of cluster %s", newest.Settings.Serial, newest.Keys.Serial, serial, set.Cluster)
    c.eb.publish(Event{Type: EventReloaded, Details: map[string]string{
        "settings_serial": newest.Settings.Serial.String(),
        "keys_serial":     newest.Keys.Serial.String(),
    }})
    c.noteLeader()
    c.notePhase()

    var herr error
    if h := c.opts.Hooks.Reload; h != nil { herr = h(ctx) }
    if c.running.Load() {
        c.rate.Reset()
        c.kick()
    }
    return herr
}

func (c *Cluster) reloadAfterReply() {
    if err := c.Reload(c.ctx); err != nil { logutil.Errorf(c.log, "reload after join failed: %v", err) }
}

func (c *Cluster) reloadAfterSync() {
    if err := c.Reload(c.ctx); err != nil { logutil.Errorf(c.log, "reload after sync failed: %v", err) }
}

// kick refreshes the status and restarts the heartbeat off the caller's
// goroutine.
func (c *Cluster) kick() {
    c.sched.ScheduleAfter(keyKick, 0, func() {
        c.refreshStatus(c.ctx, true)
        c.runHeartbeat(true)
    })
}

func (c *Cluster) handleJoin(ctx context.Context, req transport.JoinRequest) (transport.JoinResponse, func(), error) {
    ctx, end := tracing.StartSpanWith(ctx, "cluster.handleJoin", tracing.Peer(req.Join))
    defer end()
    return c.acceptor.Accept(ctx, req)
}

// background runs fn on its own goroutine until Stop. Calls after Stop are
// dropped.
func (c *Cluster) background(fn func(ctx context.Context)) {
    c.bgMu.Lock()
    defer c.bgMu.Unlock()
    if c.bgDone { return }
    c.bg.Add(1)
    go func() {
        defer c.bg.Done()
        fn(c.ctx)
    }()
}

func (c *Cluster) leaderLoop(ctx context.Context, ch <-chan consensus.LeaderInfo) {
    for {
        select {
        case <-ctx.Done():
            return
        case li, ok := <-ch:
            if !ok { return }
            obsmetrics.LeaderChanges.Inc()
            logutil.Debugf(c.log, "leadership oracle reports leader %q at term %d", li.ID, li.Term)
            c.reconcileLeader()
        }
    }
}

// joinSeeds contacts the gossip seeds, backing off with jitter up to the
// heartbeat ceiling until one answers. Seeds are re-read on every attempt so
// a topology loaded by a join counts.
func (c *Cluster) joinSeeds(ctx context.Context, m membership.Membership, d discovery.Discovery) {
    r := retry.NewRetrier(math.MaxInt32, c.opts.Timings.Unit, c.opts.Timings.Ceiling)
    err := r.RunContext(ctx, func(context.Context) error {
        seeds := d.Seeds()
        if len(seeds) == 0 { return errNoSeeds }
        logutil.Infof(c.log, "joining membership seeds: %v", seeds)
        if err := m.Join(seeds); err != nil {
            logutil.Warnf(c.log, "membership join failed: %v", err)
            return err
        }
        return nil
    })
    if err != nil { logutil.Debugf(c.log, "stopped joining membership seeds: %v", err) }
}

func (c *Cluster) membershipEventsLoop(ctx context.Context) {
    evch := c.opts.Membership.Events()
    for {
        select {
        case <-ctx.Done():
            return
        case e, ok := <-evch:
            if !ok { return }
            c.onMembershipEvent(e)
        }
    }
}

func (c *Cluster) onMembershipEvent(e membership.Event) {
    topo := c.st.Topology()
    fqdn := e.Member.ID
    if fqdn == c.st.Node().FQDN || !topo.Contains(fqdn) { return }
    switch e.Type {
    case membership.EventLeave, membership.EventFailed:
        logutil.Warnf(c.log, "gossip reports node %s as %s", fqdn, e.Type)
        c.st.MarkPeerDown(fqdn, string(e.Type))
        c.eb.publish(Event{Type: EventPeerDown, At: e.At, Peer: fqdn, Details: map[string]string{"reason": string(e.Type)}})
        c.updatePeersGauge()
        if e.Type == membership.EventLeave { c.removeVoter(fqdn) }
    case membership.EventJoin:
        c.eb.publish(Event{Type: EventPeerUp, At: e.At, Peer: fqdn})
        if addr := e.Member.Raft(); addr != "" && !topo.IsFlanking(fqdn) { c.addVoter(fqdn, addr) }
    case membership.EventUpdate:
    }
}

func (c *Cluster) reconfigurer() consensus.Reconfigurer {
    cons := c.opts.Consensus
    if cons == nil || !cons.IsLeader() { return nil }
    rc, _ := cons.(consensus.Reconfigurer)
    return rc
}

func (c *Cluster) addVoter(fqdn, addr string) {
    rc := c.reconfigurer()
    if rc == nil { return }
    if err := rc.AddVoter(fqdn, addr, reconfigureTimeout); err != nil {
        logutil.Warnf(c.log, "add voter failed: id=%s addr=%s err=%v", fqdn, addr, err)
        return
    }
    logutil.Infof(c.log, "voter %s at %s is part of the consensus", fqdn, addr)
}

func (c *Cluster) removeVoter(fqdn string) {
    rc := c.reconfigurer()
    if rc == nil { return }
    if err := rc.RemoveServer(fqdn, reconfigureTimeout); err != nil {
        logutil.Warnf(c.log, "remove voter failed: id=%s err=%v", fqdn, err)
        return
    }
    logutil.Infof(c.log, "removed voter: id=%s", fqdn)
    if n, ok := c.st.NodeByFQDN(fqdn); ok { c.applyRoster(consensus.OpRemoveNode, map[string]string{"uuid": n.UUID}) }
}

// applyRoster replicates a roster change through the oracle's log. Only the
// oracle leader can apply; elsewhere it is a no-op.
func (c *Cluster) applyRoster(op string, payload any) {
    cons := c.opts.Consensus
    if cons == nil || !cons.IsLeader() { return }
    b, err := json.Marshal(payload)
    if err != nil { return }
    if err := cons.Apply(consensus.Command{Op: op, Payload: b}, 2*time.Second); err != nil {
        logutil.Debugf(c.log, "roster %s not replicated: %v", op, err)
    }
}

// replicateNode applies an upsert when the record differs from the last one
// this node replicated.
func (c *Cluster) replicateNode(n state.NodeRecord) {
    c.applied.Lock()
    if prev, ok := c.applied.nodes[n.UUID]; ok && prev == n {
        c.applied.Unlock()
        return
    }
    c.applied.nodes[n.UUID] = n
    c.applied.Unlock()
    c.background(func(context.Context) { c.applyRoster(consensus.OpUpsertNode, n) })
}

// resolve maps a peer fqdn to its management address: the address gossiped
// by the peer, else fqdn:peer_port.
func (c *Cluster) resolve(fqdn string) string {
    if c.opts.Resolve != nil { return c.opts.Resolve(fqdn) }
    if m := c.opts.Membership; m != nil {
        for _, mi := range m.Members() {
            if mi.ID == fqdn && mi.Mgmt() != "" { return mi.Mgmt() }
        }
    }
    if c.opts.PeerPort > 0 { return net.JoinHostPort(fqdn, strconv.Itoa(c.opts.PeerPort)) }
    return fqdn
}

// grace is the uptime below which inbound heartbeats are verified but not
// acted upon.
func (c *Cluster) grace() time.Duration { return 2 * c.opts.Timings.Ceiling }

func (c *Cluster) updatePeersGauge() {
    up := 0
    for _, h := range c.st.Peers() {
        if h.Up { up++ }
    }
    obsmetrics.PeersUp.Set(float64(up))
}
