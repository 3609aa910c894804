package heartbeat

import (
    "github.com/amirimatin/go-clustercore/pkg/state"
    "github.com/amirimatin/go-clustercore/pkg/transport"
)

// Error codes reported back to the sender of a heartbeat.
const (
    ErrVersionMismatch        = "VERSION_MISMATCH"
    ErrRogueClusterMember     = "ROGUE_CLUSTER_MEMBER"
    ErrTargetFQDNMismatch     = "HEARTBEAT_TARGET_FQDN_MISMATCH"
    ErrSettingsSerialMismatch = "SETTINGS_SERIAL_MISMATCH"
    ErrKeysSerialMismatch     = "KEYS_SERIAL_MISMATCH"
    ErrLeaderMismatch         = "LEADER_MISMATCH"
    ErrClusterMismatch        = "CLUSTER_MISMATCH"
)

// LeaderOracle answers whether the local node holds leadership in the
// replicated database layer.
type LeaderOracle interface {
    IsLeader() bool
}

// OracleFunc adapts a function to LeaderOracle.
type OracleFunc func() bool

func (f OracleFunc) IsLeader() bool { return f() }

// Local is the slice of cluster state a verification compares against.
type Local struct {
    FQDN           string
    NodeSerial     int
    Cluster        string
    Version        string
    SettingsSerial state.Serial
    KeysSerial     state.Serial
    LeaderSerial   int
    Topology       state.Topology
}

// LocalFrom captures the verification view of s.
func LocalFrom(s *state.ClusterState) Local {
    n := s.Node()
    return Local{
        FQDN:           n.FQDN,
        NodeSerial:     n.Serial,
        Cluster:        s.Identity().ClusterUUID,
        Version:        s.Identity().Version,
        SettingsSerial: s.Settings().Serial,
        KeysSerial:     s.Keys().Serial,
        LeaderSerial:   s.Leader().Serial,
        Topology:       s.Topology(),
    }
}

// Result is the outcome of verifying one heartbeat.
type Result struct {
    Action transport.Action
    Errors []string
    // Promote is set when the sender names us as leader and the oracle
    // agrees; the caller points the leader at the local node.
    Promote bool
}

// Clean reports a heartbeat that raised no errors.
func (r Result) Clean() bool { return len(r.Errors) == 0 }

// Has reports whether code was raised.
func (r Result) Has(code string) bool {
    for _, e := range r.Errors {
        if e == code { return true }
    }
    return false
}

// Verify runs every check in a fixed order. Each check may append an error
// and set the action; a later check overrides the action of an earlier one.
func Verify(req transport.HeartbeatRequest, local Local, oracle LeaderOracle) Result {
    var res Result
    fail := func(code string, a transport.Action) {
        res.Errors = append(res.Errors, code)
        if a != transport.ActionNone { res.Action = a }
    }

    if req.Version != local.Version { fail(ErrVersionMismatch, transport.ActionNone) }

    if !local.Topology.Contains(req.From.FQDN) { fail(ErrRogueClusterMember, transport.ActionNone) }

    if req.To != local.FQDN { fail(ErrTargetFQDNMismatch, transport.ActionNone) }

    if req.SettingsSerial != local.SettingsSerial {
        fail(ErrSettingsSerialMismatch, syncDirection(req.SettingsSerial, local.SettingsSerial))
    }

    if req.KeysSerial != local.KeysSerial {
        fail(ErrKeysSerialMismatch, syncDirection(req.KeysSerial, local.KeysSerial))
    }

    if remote := req.ClusterLeader.Serial; remote == 0 || remote != local.LeaderSerial {
        if remote != 0 && remote == local.NodeSerial && oracle != nil && oracle.IsLeader() {
            res.Promote = true
        } else {
            fail(ErrLeaderMismatch, transport.ActionLeaderChange)
        }
    }

    if req.Cluster != local.Cluster { fail(ErrClusterMismatch, transport.ActionNone) }

    return res
}

func syncDirection(remote, local state.Serial) transport.Action {
    if remote > local { return transport.ActionStartSync }
    return transport.ActionSync
}
