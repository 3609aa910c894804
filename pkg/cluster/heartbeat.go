package cluster

import (
    "context"
    "encoding/json"
    "time"

    "github.com/amirimatin/go-clustercore/pkg/heartbeat"
    "github.com/amirimatin/go-clustercore/pkg/integrity"
    "github.com/amirimatin/go-clustercore/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-clustercore/pkg/observability/metrics"
    "github.com/amirimatin/go-clustercore/pkg/observability/tracing"
    "github.com/amirimatin/go-clustercore/pkg/state"
    "github.com/amirimatin/go-clustercore/pkg/transport"
)

// Scheduler keys that are not peer fqdns.
const (
    keyKick       = "#kick"
    keyLocal      = "#local"
    keyLeaderless = "#leaderless"
    keySync       = "#sync:"
)

const errInvalidResponse = "invalid heartbeat response"

// runHeartbeat arms the next heartbeat. A leader, or a node without remote
// peers, runs the local tick instead. Without a leader the node broadcasts to
// every configured node.
func (c *Cluster) runHeartbeat(broadcast bool) {
    if !c.running.Load() || c.st.Ephemeral() { return }
    c.reconcileLeader()

    topo := c.st.Topology()
    self := c.st.Node().FQDN
    if topo.LocalOnly() || c.st.Leading() {
        c.cancelPeers(topo, nil)
        if broadcast && !topo.LocalOnly() {
            // a leader announces itself once after (re)loading, which is also
            // how ephemeral nodes get their invite
            for _, fqdn := range topo.Nodes() {
                if fqdn == self { continue }
                fqdn := fqdn
                c.background(func(context.Context) { c.sendHeartbeat(fqdn, true, true) })
            }
        }
        if broadcast { c.rate.Reset() }
        d := c.rate.Next()
        obsmetrics.HeartbeatInterval.Set(float64(c.rate.Current()))
        c.sched.ScheduleAfter(keyLocal, d, c.localTick)
        return
    }

    var targets []string
    switch {
    case broadcast:
        targets = topo.Nodes()
    case c.st.LeaderFQDN() != "":
        targets = []string{c.st.LeaderFQDN()}
    default:
        logutil.Debugf(c.log, "no cluster leader yet, will send a broadcast heartbeat in %s", c.opts.Timings.LeaderlessRetry)
        c.sched.ScheduleAfter(keyLeaderless, c.opts.Timings.LeaderlessRetry, func() { c.runHeartbeat(true) })
        return
    }
    peers := targets[:0:0]
    for _, t := range targets {
        if t != self { peers = append(peers, t) }
    }
    if len(peers) == 0 {
        logutil.Infof(c.log, "no heartbeat targets found, stopping heartbeat")
        return
    }

    if broadcast { c.rate.Reset() }
    d := c.rate.Next()
    obsmetrics.HeartbeatInterval.Set(float64(c.rate.Current()))
    c.cancelPeers(topo, peers)
    for _, fqdn := range peers {
        fqdn := fqdn
        c.sched.ScheduleAfter(fqdn, d, func() { c.sendHeartbeat(fqdn, broadcast, false) })
    }
}

// cancelPeers drops pending heartbeats to configured nodes not in keep.
func (c *Cluster) cancelPeers(topo state.Topology, keep []string) {
    for _, n := range topo.Nodes() {
        if !contains(keep, n) { c.sched.Cancel(n) }
    }
}

func (c *Cluster) localTick() {
    logutil.Debugf(c.log, "running local heartbeat")
    c.refreshStatus(c.ctx, false)
    c.runHeartbeat(false)
}

func (c *Cluster) heartbeatRequest(to string, broadcast bool) transport.HeartbeatRequest {
    st := c.st
    n, l, id := st.Node(), st.Leader(), st.Identity()
    return transport.HeartbeatRequest{
        From:           transport.NodeRef{FQDN: n.FQDN, Serial: n.Serial, UUID: n.UUID},
        To:             to,
        Cluster:        id.ClusterUUID,
        ClusterLeader:  transport.LeaderRef{Serial: l.Serial, UUID: l.UUID},
        Version:        id.Version,
        SettingsSerial: st.Settings().Serial,
        KeysSerial:     st.Keys().Serial,
        Status:         st.Status(),
        Nodes:          st.Roster(),
        Broadcast:      broadcast,
        Uptime:         int64(st.Uptime() / time.Second),
    }
}

// sendHeartbeat performs one round trip with fqdn and acts on the answer.
// Unless justOnce, the next heartbeat is armed whatever the outcome.
func (c *Cluster) sendHeartbeat(fqdn string, broadcast, justOnce bool) {
    if !justOnce { defer c.runHeartbeat(false) }
    if fqdn == "" {
        logutil.Warnf(c.log, "cannot send heartbeat to an empty fqdn")
        return
    }
    ctx, end := tracing.StartSpanWith(c.ctx, "heartbeat.send", tracing.Peer(fqdn))
    defer end()
    if !broadcast { c.refreshStatus(ctx, false) }

    env, err := c.codec.Load().Wrap(c.heartbeatRequest(fqdn, broadcast))
    if err != nil {
        logutil.Errorf(c.log, "failed to encode heartbeat: %v", err)
        return
    }
    start := time.Now()
    cctx, cancel := context.WithTimeout(ctx, c.opts.Timings.HeartbeatTimeout)
    reply, err := c.opts.RPCClient.PostHeartbeat(cctx, c.resolve(fqdn), env)
    cancel()
    rtt := time.Since(start)
    kind := "Heartbeat"
    if broadcast { kind = "Broadcast heartbeat" }
    logutil.Debugf(c.log, "%s to %s took %dms", kind, fqdn, rtt.Milliseconds())
    c.verifyResponse(fqdn, reply, rtt, err)
}

// verifyResponse records the outcome of a heartbeat in the peer health map
// and executes the action the peer asked for.
func (c *Cluster) verifyResponse(fqdn string, reply transport.HeartbeatReply, rtt time.Duration, err error) {
    st := c.st
    if err != nil {
        obsmetrics.HeartbeatsSent.WithLabelValues("error").Inc()
        was := st.Peers()[fqdn]
        st.SetPeerHealth(fqdn, state.PeerHealth{Up: false, OK: false, Error: err.Error(), RTT: rtt})
        if st.Uptime() > c.grace() {
            logutil.Warnf(c.log, "heartbeat to %s failed: %v", fqdn, err)
        } else {
            logutil.Debugf(c.log, "heartbeat to %s failed: %v", fqdn, err)
        }
        if was.Up { c.eb.publish(Event{Type: EventPeerDown, Peer: fqdn, Details: map[string]string{"reason": err.Error()}}) }
        c.updatePeersGauge()
        return
    }

    var resp transport.HeartbeatResponse
    if !reply.Wrapped() {
        if reply.Action != transport.ActionInvite {
            obsmetrics.HeartbeatsSent.WithLabelValues("invalid").Inc()
            logutil.Warnf(c.log, "invalid heartbeat response from %s", fqdn)
            st.SetPeerHealth(fqdn, state.PeerHealth{Up: true, OK: false, Error: errInvalidResponse, RTT: rtt})
            c.updatePeersGauge()
            return
        }
        resp = transport.HeartbeatResponse{Action: reply.Action, Version: reply.Version}
    } else if !c.codec.Load().Unwrap(reply.Envelope(), &resp) {
        obsmetrics.HeartbeatsSent.WithLabelValues("checksum").Inc()
        logutil.Warnf(c.log, "heartbeat checksum failure in response from %s", fqdn)
        st.SetPeerHealth(fqdn, state.PeerHealth{Up: true, OK: false, Error: transport.ProblemChecksum, RTT: rtt})
        return
    }
    obsmetrics.HeartbeatRTT.Observe(rtt.Seconds())

    data, _ := json.Marshal(resp)
    ok := len(resp.Errors) == 0
    st.SetPeerHealth(fqdn, state.PeerHealth{Up: true, OK: ok, Data: data, RTT: rtt})
    c.updatePeersGauge()
    if ok {
        obsmetrics.HeartbeatsSent.WithLabelValues("ok").Inc()
    } else {
        obsmetrics.HeartbeatsSent.WithLabelValues("irregular").Inc()
        for _, e := range resp.Errors { logutil.Warnf(c.log, "irregular heartbeat error from %s: %s", fqdn, e) }
    }
    if rtt > c.opts.Timings.MaxRTT {
        logutil.Warnf(c.log, "heartbeat RTT to %s was %dms which is above the warning mark", fqdn, rtt.Milliseconds())
    }

    if resp.Action != transport.ActionNone { obsmetrics.Actions.WithLabelValues(resp.Action.String()).Inc() }
    switch resp.Action {
    case transport.ActionSync, transport.ActionStartSync:
        c.background(func(ctx context.Context) { _, _ = c.puller.Pull(ctx, fqdn) })
    case transport.ActionInvite:
        c.background(func(ctx context.Context) { _ = c.inviter.Invite(ctx, fqdn) })
    case transport.ActionLeaderChange:
        c.adoptLeader(resp.ClusterLeader, fqdn, true)
    case transport.ActionNone:
        c.mergeRoster(resp.Nodes)
    }

    if resp.Status.Cluster.Color != "" {
        c.mergePeerStatus(resp.Status)
        if !st.Leading() { st.SetClusterStatus(resp.Status.Cluster.Code, resp.Status.Cluster.Color) }
    }
    if resp.Action != transport.ActionLeaderChange && resp.ClusterLeader.Serial > 0 {
        c.adoptLeader(resp.ClusterLeader, fqdn, false)
    }
}

// handleHeartbeat answers POST /cluster/heartbeat.
func (c *Cluster) handleHeartbeat(ctx context.Context, env integrity.Envelope) (transport.HeartbeatReply, error) {
    ctx, end := tracing.StartSpan(ctx, "heartbeat.receive")
    defer end()
    st := c.st

    var req transport.HeartbeatRequest
    if err := json.Unmarshal(env.Data, &req); err != nil {
        obsmetrics.HeartbeatsReceived.WithLabelValues("invalid").Inc()
        return transport.HeartbeatReply{}, transport.SchemaViolation(err.Error())
    }
    if err := transport.Validate(req); err != nil {
        obsmetrics.HeartbeatsReceived.WithLabelValues("invalid").Inc()
        logutil.Warnf(c.log, "received invalid heartbeat from %s: %v", req.From.FQDN, err)
        return transport.HeartbeatReply{}, err
    }
    if st.Ephemeral() {
        obsmetrics.HeartbeatsReceived.WithLabelValues("ephemeral").Inc()
        logutil.Debugf(c.log, "received heartbeat from %s while ephemeral, asking for an invite", req.From.FQDN)
        return transport.HeartbeatReply{Action: transport.ActionInvite, Version: st.Identity().Version}, nil
    }
    codec := c.codec.Load()
    if !codec.Valid(env) {
        obsmetrics.HeartbeatsReceived.WithLabelValues("checksum").Inc()
        logutil.Warnf(c.log, "received heartbeat with invalid checksum from %s", req.From.FQDN)
        return transport.HeartbeatReply{}, transport.ChecksumMismatch()
    }

    if req.Broadcast && !st.Leading() {
        c.rate.Reset()
        logutil.Infof(c.log, "received a broadcast heartbeat from %s, increasing heartbeat rate to stabilize the cluster", req.From.FQDN)
    } else {
        logutil.Debugf(c.log, "incoming heartbeat from %s", req.From.FQDN)
    }
    if st.Leading() { c.mergePeerStatus(req.Status) }
    c.refreshStatus(ctx, false)

    res := heartbeat.Verify(req, heartbeat.LocalFrom(st), c.oracle())
    if res.Promote { c.promote() }
    for _, code := range res.Errors {
        obsmetrics.VerifyErrors.WithLabelValues(code).Inc()
        logutil.Debugf(c.log, "heartbeat from %s: %s", req.From.FQDN, code)
    }
    if res.Has(heartbeat.ErrRogueClusterMember) {
        logutil.Warnf(c.log, "rogue cluster member: received heartbeat from %s which is not a node of this cluster", req.From.FQDN)
    }
    if res.Has(heartbeat.ErrClusterMismatch) {
        logutil.Errorf(c.log, "cluster mismatch in heartbeat from %s: it belongs to cluster %s", req.From.FQDN, req.Cluster)
        st.MarkDegraded()
        c.notePhase()
    }
    if res.Clean() { c.acceptSender(req) }
    if st.Uptime() > c.grace() { c.act(req.From.FQDN, res.Action) }
    obsmetrics.HeartbeatsReceived.WithLabelValues("ok").Inc()

    errs := res.Errors
    if errs == nil { errs = []string{} }
    n, l, id := st.Node(), st.Leader(), st.Identity()
    out, err := codec.Wrap(transport.HeartbeatResponse{
        Action:         res.Action.Reply(),
        Errors:         errs,
        Cluster:        id.ClusterUUID,
        ClusterLeader:  transport.LeaderRef{Serial: l.Serial, UUID: l.UUID},
        Node:           n.UUID,
        NodeSerial:     n.Serial,
        SettingsSerial: st.Settings().Serial,
        KeysSerial:     st.Keys().Serial,
        Version:        id.Version,
        Nodes:          st.Roster(),
        Status:         st.Status(),
    })
    if err != nil { return transport.HeartbeatReply{}, err }
    return transport.ReplyFromEnvelope(out), nil
}

// act executes the action of an inbound heartbeat on the receiving side. A
// sync is deferred so it never runs inside the request.
func (c *Cluster) act(from string, a transport.Action) {
    switch a {
    case transport.ActionStartSync:
        obsmetrics.Actions.WithLabelValues(a.String()).Inc()
        logutil.Debugf(c.log, "%s is ahead, pulling its data in %s", from, c.opts.Timings.StartSyncDelay)
        c.sched.ScheduleAfter(keySync+from, c.opts.Timings.StartSyncDelay, func() { _, _ = c.puller.Pull(c.ctx, from) })
    case transport.ActionLeaderChange:
        c.reconcileLeader()
    case transport.ActionNone, transport.ActionSync, transport.ActionInvite:
    }
}

// acceptSender adds the sender's own record to the roster after a clean
// heartbeat. The oracle leader also replicates it.
func (c *Cluster) acceptSender(req transport.HeartbeatRequest) {
    if req.From.UUID == "" { return }
    n, ok := req.Nodes[req.From.UUID]
    if !ok || (n.FQDN != "" && n.FQDN != req.From.FQDN) { return }
    n.UUID, n.FQDN = req.From.UUID, req.From.FQDN
    if n.Serial == 0 { n.Serial = req.From.Serial }
    c.st.UpsertNode(n)
    if c.st.Leading() { c.replicateNode(n) }
}

func (c *Cluster) mergeRoster(nodes map[string]state.NodeRecord) {
    self := c.st.Node().UUID
    topo := c.st.Topology()
    for uuid, n := range nodes {
        if uuid == self || !topo.Contains(n.FQDN) { continue }
        n.UUID = uuid
        c.st.UpsertNode(n)
    }
}

// mergePeerStatus copies per-node service codes of configured peers.
func (c *Cluster) mergePeerStatus(s state.Status) {
    self := c.st.Node().FQDN
    topo := c.st.Topology()
    for fqdn, codes := range s.Nodes {
        if fqdn == self || !topo.Contains(fqdn) { continue }
        c.st.SetNodeStatus(fqdn, codes)
    }
}

func contains(list []string, v string) bool {
    for _, x := range list {
        if x == v { return true }
    }
    return false
}
