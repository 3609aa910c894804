// Package state holds the process-local view of the cluster: identity, the
// local node, the believed leader, the roster, peer health, status and the
// two versioned artifacts (settings and keys).
//
// ClusterState is owned by the cluster orchestrator. Other components read it
// through accessors, which always return copies.
package state

import (
    "encoding/json"
    "sync"
    "time"
)

// Loaded is the result of reading the newest snapshots from disk.
type Loaded struct {
    ClusterUUID string
    Node        NodeRecord
    Settings    Snapshot
    Keys        Snapshot
    Topology    Topology
}

// ClusterState is safe for concurrent use.
type ClusterState struct {
    mu       sync.RWMutex
    started  time.Time
    ident    Identity
    node     NodeRecord
    leader   LeaderPointer
    settings Snapshot
    keys     Snapshot
    topo     Topology
    roster   map[string]NodeRecord
    peers    map[string]PeerHealth
    status   Status
    statusAt time.Time
    degraded bool
}

// New returns an ephemeral state for a node running version.
func New(version string) *ClusterState {
    return &ClusterState{
        started: time.Now(),
        ident:   Identity{Version: version},
        roster:  make(map[string]NodeRecord),
        peers:   make(map[string]PeerHealth),
        status:  Status{Nodes: make(map[string]map[string]int)},
    }
}

// Load replaces the configuration-derived part of the state. The leader is
// kept only if it is still part of the topology; a degraded mark is cleared.
func (s *ClusterState) Load(l Loaded) {
    s.mu.Lock()
    defer s.mu.Unlock()
    s.ident.ClusterUUID = l.ClusterUUID
    s.node = l.Node
    s.settings = cloneSnapshot(l.Settings)
    s.keys = cloneSnapshot(l.Keys)
    s.topo = l.Topology
    if s.topo.FQDNOf(s.leader.Serial) == "" { s.leader = LeaderPointer{} }
    for uuid, n := range s.roster {
        if !s.topo.Contains(n.FQDN) { delete(s.roster, uuid) }
    }
    if l.Node.UUID != "" { s.roster[l.Node.UUID] = l.Node }
    s.degraded = false
}

func (s *ClusterState) Identity() Identity     { s.mu.RLock(); defer s.mu.RUnlock(); return s.ident }
func (s *ClusterState) Node() NodeRecord       { s.mu.RLock(); defer s.mu.RUnlock(); return s.node }
func (s *ClusterState) Leader() LeaderPointer  { s.mu.RLock(); defer s.mu.RUnlock(); return s.leader }
func (s *ClusterState) Topology() Topology     { s.mu.RLock(); defer s.mu.RUnlock(); return s.topo }
func (s *ClusterState) Settings() Snapshot     { s.mu.RLock(); defer s.mu.RUnlock(); return cloneSnapshot(s.settings) }
func (s *ClusterState) Keys() Snapshot         { s.mu.RLock(); defer s.mu.RUnlock(); return cloneSnapshot(s.keys) }
func (s *ClusterState) Uptime() time.Duration  { return time.Since(s.started) }

// Ephemeral reports whether the node has no cluster configuration yet.
func (s *ClusterState) Ephemeral() bool {
    s.mu.RLock()
    defer s.mu.RUnlock()
    return s.settings.Serial == 0 || s.ident.ClusterUUID == ""
}

// Leading reports whether the leader pointer designates the local node.
func (s *ClusterState) Leading() bool {
    s.mu.RLock()
    defer s.mu.RUnlock()
    return s.leadingLocked()
}

func (s *ClusterState) leadingLocked() bool {
    return s.leader.Known() && s.leader.Serial == s.node.Serial
}

// LeaderFQDN returns the fqdn of the believed leader, or "".
func (s *ClusterState) LeaderFQDN() string {
    s.mu.RLock()
    defer s.mu.RUnlock()
    return s.topo.FQDNOf(s.leader.Serial)
}

// Phase derives the membership phase from the current state.
func (s *ClusterState) Phase() Phase {
    s.mu.RLock()
    defer s.mu.RUnlock()
    switch {
    case s.settings.Serial == 0 || s.ident.ClusterUUID == "":
        return PhaseEphemeral
    case s.degraded:
        return PhaseDegraded
    case !s.leader.Known():
        return PhaseLeaderless
    case s.leadingLocked():
        return PhaseLeader
    default:
        return PhaseFollower
    }
}

// SetLeader records l as the believed leader. It returns true when the
// pointer changed.
func (s *ClusterState) SetLeader(l LeaderPointer) bool {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.leader == l { return false }
    s.leader = l
    return true
}

// PromoteSelf points the leader at the local node.
func (s *ClusterState) PromoteSelf() bool {
    s.mu.Lock()
    defer s.mu.Unlock()
    l := LeaderPointer{UUID: s.node.UUID, Serial: s.node.Serial}
    if s.leader == l { return false }
    s.leader = l
    return true
}

// ClearLeader forgets the leader, returning the node to LEADERLESS.
func (s *ClusterState) ClearLeader() bool { return s.SetLeader(LeaderPointer{}) }

// MarkDegraded flags an unrecoverable cluster identity mismatch.
func (s *ClusterState) MarkDegraded() {
    s.mu.Lock()
    s.degraded = true
    s.mu.Unlock()
}

// UpsertNode writes n into the roster, keyed by uuid. A record of the same
// fqdn under another uuid is replaced, unless it is the local one.
func (s *ClusterState) UpsertNode(n NodeRecord) {
    if n.UUID == "" { return }
    s.mu.Lock()
    for id, old := range s.roster {
        if old.FQDN == n.FQDN && id != n.UUID && id != s.node.UUID { delete(s.roster, id) }
    }
    s.roster[n.UUID] = n
    s.mu.Unlock()
}

// RemoveNode drops uuid from the roster. The local record is kept.
func (s *ClusterState) RemoveNode(uuid string) {
    s.mu.Lock()
    if uuid != s.node.UUID { delete(s.roster, uuid) }
    s.mu.Unlock()
}

// Roster returns a copy of the known node records keyed by uuid.
func (s *ClusterState) Roster() map[string]NodeRecord {
    s.mu.RLock()
    defer s.mu.RUnlock()
    out := make(map[string]NodeRecord, len(s.roster))
    for k, v := range s.roster { out[k] = v }
    return out
}

// NodeByFQDN looks up a roster entry by fqdn.
func (s *ClusterState) NodeByFQDN(fqdn string) (NodeRecord, bool) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    for _, n := range s.roster {
        if n.FQDN == fqdn { return n, true }
    }
    return NodeRecord{}, false
}

// SetPeerHealth records the outcome of a round trip with fqdn.
func (s *ClusterState) SetPeerHealth(fqdn string, h PeerHealth) {
    if h.At.IsZero() { h.At = time.Now() }
    s.mu.Lock()
    s.peers[fqdn] = h
    s.mu.Unlock()
}

// MarkPeerDown flips a peer to down without discarding its last data.
func (s *ClusterState) MarkPeerDown(fqdn, reason string) {
    s.mu.Lock()
    h := s.peers[fqdn]
    h.Up, h.OK, h.Error, h.At = false, false, reason, time.Now()
    s.peers[fqdn] = h
    s.mu.Unlock()
}

// Peers returns a copy of the peer health map.
func (s *ClusterState) Peers() map[string]PeerHealth {
    s.mu.RLock()
    defer s.mu.RUnlock()
    out := make(map[string]PeerHealth, len(s.peers))
    for k, v := range s.peers { out[k] = v }
    return out
}

// SetNodeStatus stores per-service codes for fqdn.
func (s *ClusterState) SetNodeStatus(fqdn string, codes map[string]int) {
    cp := make(map[string]int, len(codes))
    for k, v := range codes { cp[k] = v }
    s.mu.Lock()
    s.status.Nodes[fqdn] = cp
    if fqdn == s.node.FQDN { s.statusAt = time.Now() }
    s.mu.Unlock()
}

// SetClusterStatus stores the consolidated status. Leading and the leader
// serial are filled from the current leader pointer.
func (s *ClusterState) SetClusterStatus(code int, color string) {
    s.mu.Lock()
    s.status.Cluster = ClusterStatus{
        Code:         code,
        Color:        color,
        Time:         time.Now(),
        Leading:      s.leadingLocked(),
        LeaderSerial: s.leader.Serial,
    }
    s.mu.Unlock()
}

// Status returns a copy of the status.
func (s *ClusterState) Status() Status {
    s.mu.RLock()
    defer s.mu.RUnlock()
    return s.status.clone()
}

// StatusAge is the time since the local node status was last refreshed.
func (s *ClusterState) StatusAge() time.Duration {
    s.mu.RLock()
    defer s.mu.RUnlock()
    if s.statusAt.IsZero() { return time.Duration(1<<63 - 1) }
    return time.Since(s.statusAt)
}

// View is a JSON-friendly snapshot of the whole state, used by /status.
type View struct {
    Phase          Phase                 `json:"phase"`
    Identity       Identity              `json:"identity"`
    Node           NodeRecord            `json:"node"`
    Leader         LeaderPointer         `json:"leader"`
    LeaderFQDN     string                `json:"leader_fqdn,omitempty"`
    SettingsSerial Serial                `json:"settings_serial"`
    KeysSerial     Serial                `json:"keys_serial"`
    Topology       []string              `json:"topology"`
    Roster         map[string]NodeRecord `json:"nodes"`
    Peers          map[string]PeerHealth `json:"peers"`
    Status         Status                `json:"status"`
    Uptime         string                `json:"uptime"`
}

// View captures the state for external readers.
func (s *ClusterState) View() View {
    v := View{Phase: s.Phase(), Roster: s.Roster(), Peers: s.Peers(), Status: s.Status(), LeaderFQDN: s.LeaderFQDN()}
    s.mu.RLock()
    v.Identity, v.Node, v.Leader = s.ident, s.node, s.leader
    v.SettingsSerial, v.KeysSerial = s.settings.Serial, s.keys.Serial
    v.Topology = s.topo.Nodes()
    s.mu.RUnlock()
    v.Uptime = s.Uptime().Round(time.Second).String()
    return v
}

func cloneSnapshot(in Snapshot) Snapshot {
    return Snapshot{Serial: in.Serial, Data: append(json.RawMessage(nil), in.Data...)}
}
