// Package roster is the replicated list of node records. It is applied by the
// raft FSM so every voter converges on the same set of uuids.
package roster

import (
    "encoding/json"
    "errors"
    "sort"
    "sync"

    "github.com/amirimatin/go-clustercore/pkg/state"
)

var ErrEmptyUUID = errors.New("roster: empty node uuid")

// Applier is implemented by anything that can absorb roster commands and be
// snapshotted by the consensus layer.
type Applier interface {
    ApplyUpsert(n state.NodeRecord) error
    ApplyRemove(uuid string) error
    Snapshot() ([]byte, error)
    Restore(buf []byte) error
}

// Roster is an in-memory FSM of node records keyed by uuid.
type Roster struct {
    mu    sync.RWMutex
    nodes map[string]state.NodeRecord
}

func New() *Roster { return &Roster{nodes: make(map[string]state.NodeRecord)} }

func (r *Roster) ApplyUpsert(n state.NodeRecord) error {
    if n.UUID == "" { return ErrEmptyUUID }
    r.mu.Lock(); defer r.mu.Unlock()
    // a node re-joining under a new uuid replaces its previous record
    for id, old := range r.nodes {
        if old.FQDN == n.FQDN && id != n.UUID { delete(r.nodes, id) }
    }
    r.nodes[n.UUID] = n
    return nil
}

func (r *Roster) ApplyRemove(uuid string) error {
    if uuid == "" { return ErrEmptyUUID }
    r.mu.Lock(); defer r.mu.Unlock()
    delete(r.nodes, uuid)
    return nil
}

// Get returns the record for uuid.
func (r *Roster) Get(uuid string) (state.NodeRecord, bool) {
    r.mu.RLock(); defer r.mu.RUnlock()
    n, ok := r.nodes[uuid]
    return n, ok
}

// List returns the records ordered by serial.
func (r *Roster) List() []state.NodeRecord {
    r.mu.RLock(); defer r.mu.RUnlock()
    out := make([]state.NodeRecord, 0, len(r.nodes))
    for _, n := range r.nodes { out = append(out, n) }
    sort.Slice(out, func(i, j int) bool {
        if out[i].Serial != out[j].Serial { return out[i].Serial < out[j].Serial }
        return out[i].UUID < out[j].UUID
    })
    return out
}

type snapshotV1 struct {
    Version int                `json:"version"`
    Nodes   []state.NodeRecord `json:"nodes"`
}

// Snapshot encodes the roster as stable JSON.
func (r *Roster) Snapshot() ([]byte, error) {
    return json.Marshal(snapshotV1{Version: 1, Nodes: r.List()})
}

func (r *Roster) Restore(buf []byte) error {
    var snap snapshotV1
    if err := json.Unmarshal(buf, &snap); err != nil { return err }
    r.mu.Lock(); defer r.mu.Unlock()
    r.nodes = make(map[string]state.NodeRecord, len(snap.Nodes))
    for _, n := range snap.Nodes {
        if n.UUID == "" { continue }
        r.nodes[n.UUID] = n
    }
    return nil
}

var _ Applier = (*Roster)(nil)

// Mirror applies commands to a Roster and copies the outcome into the live
// cluster state, for records of configured nodes.
type Mirror struct {
    *Roster
    st *state.ClusterState
}

func NewMirror(st *state.ClusterState) *Mirror { return &Mirror{Roster: New(), st: st} }

func (m *Mirror) ApplyUpsert(n state.NodeRecord) error {
    if err := m.Roster.ApplyUpsert(n); err != nil { return err }
    if m.st.Topology().Contains(n.FQDN) { m.st.UpsertNode(n) }
    return nil
}

func (m *Mirror) ApplyRemove(uuid string) error {
    if err := m.Roster.ApplyRemove(uuid); err != nil { return err }
    m.st.RemoveNode(uuid)
    return nil
}

func (m *Mirror) Restore(buf []byte) error {
    if err := m.Roster.Restore(buf); err != nil { return err }
    topo := m.st.Topology()
    for _, n := range m.List() {
        if topo.Contains(n.FQDN) { m.st.UpsertNode(n) }
    }
    return nil
}

var _ Applier = (*Mirror)(nil)
