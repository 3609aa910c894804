package cluster

import (
    "context"
    "encoding/json"

    obsmetrics "github.com/amirimatin/go-clustercore/pkg/observability/metrics"
    "github.com/amirimatin/go-clustercore/pkg/state"
    "github.com/amirimatin/go-clustercore/pkg/status"
)

// Codes reported by the core check.
const (
    codeLeaderless = 2
    codeDegraded   = 20
)

// refreshStatus runs the service checks and stores the local node status.
// Unless forced it does nothing while the last refresh is younger than the
// configured max age. Only the leader consolidates the cluster status.
func (c *Cluster) refreshStatus(ctx context.Context, force bool) {
    st := c.st
    if st.Ephemeral() {
        st.SetClusterStatus(status.EphemeralCode, status.Color(status.EphemeralCode))
        return
    }
    if !force && st.StatusAge() < c.opts.Timings.StatusMaxAge { return }
    _, _, _ = c.sf.Do("status", func() (interface{}, error) {
        codes, code, color := c.agg.Consolidate(ctx)
        st.SetNodeStatus(st.Node().FQDN, codes)
        if st.Leading() {
            code, color = c.consolidate(code, color)
            st.SetClusterStatus(code, color)
            obsmetrics.ClusterStatusCode.Set(float64(code))
        }
        return nil, nil
    })
}

// consolidate extends the local reduction to the peers' codes, in topology
// order: the first non-zero code decides.
func (c *Cluster) consolidate(code int, color string) (int, string) {
    if code != 0 { return code, color }
    self := c.st.Node().FQDN
    nodes := c.st.Status().Nodes
    order := c.agg.Order()
    for _, fqdn := range c.st.Topology().Nodes() {
        if fqdn == self { continue }
        if codes, ok := nodes[fqdn]; ok {
            if pc, pcolor := status.Reduce(order, codes); pc != 0 { return pc, pcolor }
        }
    }
    return code, color
}

// coreCheck reports the health of the consensus core itself.
func (c *Cluster) coreCheck(context.Context) int {
    switch c.st.Phase() {
    case state.PhaseEphemeral:
        return status.EphemeralCode
    case state.PhaseDegraded:
        return codeDegraded
    case state.PhaseLeaderless:
        return codeLeaderless
    default:
        return 0
    }
}

func (c *Cluster) statusJSON(ctx context.Context) ([]byte, error) {
    return json.Marshal(c.Status(ctx))
}
