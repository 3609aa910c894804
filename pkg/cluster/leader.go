package cluster

import (
    "github.com/amirimatin/go-clustercore/pkg/heartbeat"
    "github.com/amirimatin/go-clustercore/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-clustercore/pkg/observability/metrics"
    "github.com/amirimatin/go-clustercore/pkg/state"
    "github.com/amirimatin/go-clustercore/pkg/transport"
)

// oracle answers the self-promotion question. Without a consensus engine the
// peers' view is the only authority, so a node named leader accepts.
func (c *Cluster) oracle() heartbeat.LeaderOracle {
    if cons := c.opts.Consensus; cons != nil { return cons }
    return heartbeat.OracleFunc(func() bool { return true })
}

// oracleLeader maps the oracle's leader id (a node fqdn) to its topology
// serial, or 0 when the oracle knows no leader.
func (c *Cluster) oracleLeader() int {
    cons := c.opts.Consensus
    if cons == nil { return 0 }
    id, _, ok := cons.Leader()
    if !ok { return 0 }
    return c.st.Topology().SerialOf(id)
}

// reconcileLeader aligns the leader pointer with the oracle.
func (c *Cluster) reconcileLeader() {
    if c.st.Ephemeral() { return }
    cons := c.opts.Consensus
    if cons == nil {
        if c.st.Topology().LocalOnly() { c.promote() }
        return
    }
    if cons.IsLeader() {
        c.promote()
        return
    }
    serial := c.oracleLeader()
    if serial == 0 || serial == c.st.Leader().Serial || serial == c.st.Node().Serial { return }
    c.setLeader(c.pointerFor(serial))
}

// adoptLeader follows the leader named by a peer. When the peer asked for a
// leader change and names nobody, the node goes leaderless. A leader known
// to the local oracle is never overridden.
func (c *Cluster) adoptLeader(ref transport.LeaderRef, from string, change bool) {
    st := c.st
    if known := c.oracleLeader(); known != 0 && known != ref.Serial { return }
    if ref.Serial == 0 || st.Topology().FQDNOf(ref.Serial) == "" {
        if change && st.ClearLeader() {
            logutil.Infof(c.log, "%s reports no cluster leader, going leaderless", from)
            c.noteLeader()
        }
        return
    }
    if ref.Serial == st.Leader().Serial { return }
    if ref.Serial == st.Node().Serial {
        if c.oracle().IsLeader() { c.promote() }
        return
    }
    l := c.pointerFor(ref.Serial)
    if ref.UUID != "" { l.UUID = ref.UUID }
    logutil.Infof(c.log, "following %s as cluster leader, as reported by %s", st.Topology().FQDNOf(ref.Serial), from)
    c.setLeader(l)
}

func (c *Cluster) pointerFor(serial int) state.LeaderPointer {
    l := state.LeaderPointer{Serial: serial}
    if n, ok := c.st.NodeByFQDN(c.st.Topology().FQDNOf(serial)); ok { l.UUID = n.UUID }
    return l
}

func (c *Cluster) promote() {
    if !c.st.PromoteSelf() { return }
    logutil.Infof(c.log, "we are now leading this cluster")
    c.noteLeader()
    if c.running.Load() { c.kick() }
}

func (c *Cluster) setLeader(l state.LeaderPointer) {
    if c.st.SetLeader(l) { c.noteLeader() }
}

// noteLeader publishes a leader change if the pointer moved since the last
// call, then checks the phase.
func (c *Cluster) noteLeader() {
    l := c.st.Leader()
    c.noted.Lock()
    changed := c.noted.leader != l
    c.noted.leader = l
    c.noted.Unlock()
    if changed {
        v := 0.0
        if c.st.Leading() { v = 1 }
        obsmetrics.IsLeader.Set(v)
        lc := l
        c.eb.publish(Event{Type: EventLeaderChanged, Leader: &lc})
        if h := c.opts.Hooks.OnLeaderChange; h != nil { h(l) }
    }
    c.notePhase()
}

// notePhase publishes a phase change if the phase moved since the last call.
func (c *Cluster) notePhase() {
    p := c.st.Phase()
    c.noted.Lock()
    from := c.noted.phase
    c.noted.phase = p
    c.noted.Unlock()
    if from == p { return }
    obsmetrics.SetPhase(string(p))
    logutil.Infof(c.log, "phase changed from %s to %s", from, p)
    c.eb.publish(Event{Type: EventPhaseChanged, From: from, To: p})
    if h := c.opts.Hooks.OnPhaseChange; h != nil { h(from, p) }
}
