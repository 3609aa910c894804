package cluster

import (
    "errors"
    "time"

    "go.uber.org/zap"

    "github.com/amirimatin/go-clustercore/pkg/ca"
    "github.com/amirimatin/go-clustercore/pkg/consensus"
    "github.com/amirimatin/go-clustercore/pkg/discovery"
    "github.com/amirimatin/go-clustercore/pkg/membership"
    "github.com/amirimatin/go-clustercore/pkg/state"
    "github.com/amirimatin/go-clustercore/pkg/state/disk"
    "github.com/amirimatin/go-clustercore/pkg/status"
    "github.com/amirimatin/go-clustercore/pkg/transport"
)

// Timings mirrors the heartbeat.*, sync.* and status.* configuration keys.
type Timings struct {
    // Ceiling is the slowest heartbeat interval; the rate grows towards it in
    // Unit steps. Actions on inbound heartbeats wait until uptime exceeds
    // twice the ceiling.
    Ceiling          time.Duration
    Unit             time.Duration
    HeartbeatTimeout time.Duration
    MaxRTT           time.Duration
    SyncTimeout      time.Duration
    StatusMaxAge     time.Duration
    // LeaderlessRetry is the wait before re-broadcasting when no leader is
    // known and there is nobody to send to.
    LeaderlessRetry time.Duration
    // StartSyncDelay defers a pull triggered by an inbound heartbeat so it
    // does not run inside the request.
    StartSyncDelay time.Duration
}

// DefaultTimings are the production values.
func DefaultTimings() Timings {
    return Timings{
        Ceiling:          30 * time.Second,
        Unit:             time.Second,
        HeartbeatTimeout: 1666 * time.Millisecond,
        MaxRTT:           150 * time.Millisecond,
        SyncTimeout:      5 * time.Second,
        StatusMaxAge:     10 * time.Second,
        LeaderlessRetry:  3 * time.Second,
        StartSyncDelay:   666 * time.Millisecond,
    }
}

func (t *Timings) fill() {
    d := DefaultTimings()
    if t.Ceiling <= 0 { t.Ceiling = d.Ceiling }
    if t.Unit <= 0 { t.Unit = d.Unit }
    if t.HeartbeatTimeout <= 0 { t.HeartbeatTimeout = d.HeartbeatTimeout }
    if t.MaxRTT <= 0 { t.MaxRTT = d.MaxRTT }
    if t.SyncTimeout <= 0 { t.SyncTimeout = d.SyncTimeout }
    if t.StatusMaxAge <= 0 { t.StatusMaxAge = d.StatusMaxAge }
    if t.LeaderlessRetry <= 0 { t.LeaderlessRetry = d.LeaderlessRetry }
    if t.StartSyncDelay <= 0 { t.StartSyncDelay = d.StartSyncDelay }
}

// Options carries dependency-injected components and runtime configuration used
// to assemble the cluster core. Instances are typically produced by the
// bootstrap package from config.Config.
type Options struct {
    // State is the process-local cluster state. The core is its only writer.
    State *state.ClusterState
    // Store persists settings, keys and node.json under the data directory.
    Store *disk.Store

    RPCServer transport.RPCServer
    RPCClient transport.RPCClient

    // Consensus is the leadership oracle. Without it a node only leads a
    // single-node cluster.
    Consensus consensus.Consensus

    // Membership and Discovery are optional. Gossip failures mark peers down
    // and gossip metadata locates management endpoints.
    Membership membership.Membership
    Discovery  discovery.Discovery

    // CA primes the local certificate authority on every reload.
    CA ca.Provisioner

    // Checks are the service health checks, in status reduction order. The
    // core check is added by the cluster.
    Checks []status.Check

    // NodeIP is advertised in the local node record.
    NodeIP string

    // PeerPort is appended to a peer fqdn when gossip does not advertise its
    // management address.
    PeerPort int
    // Resolve overrides peer address resolution entirely.
    Resolve func(fqdn string) string

    Timings Timings
    Hooks   Hooks
    Logger  *zap.Logger
}

// Validate performs a minimal validation of Options. It does not start any
// network activity and is safe to call before New.
func (o Options) Validate() error {
    if o.State == nil { return errors.New("cluster: nil State") }
    if o.Store == nil { return errors.New("cluster: nil Store") }
    if o.RPCClient == nil { return errors.New("cluster: nil RPCClient") }
    if o.PeerPort < 0 || o.PeerPort > 65535 { return errors.New("cluster: peer port out of range") }
    return nil
}
