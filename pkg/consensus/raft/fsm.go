package raftcons

import (
    "encoding/json"
    "fmt"
    "io"

    "github.com/hashicorp/raft"

    c "github.com/amirimatin/go-clustercore/pkg/consensus"
    "github.com/amirimatin/go-clustercore/pkg/state"
    "github.com/amirimatin/go-clustercore/pkg/state/roster"
)

// rosterFSM bridges Raft Apply/Snapshot to a roster.
type rosterFSM struct {
    r roster.Applier
}

func newRosterFSM(r roster.Applier) *rosterFSM { return &rosterFSM{r: r} }

// RemovePayload is the body of an OpRemoveNode command.
type RemovePayload struct {
    UUID string `json:"uuid"`
}

func (f *rosterFSM) Apply(l *raft.Log) interface{} {
    var cmd c.Command
    if err := json.Unmarshal(l.Data, &cmd); err != nil { return err }
    switch cmd.Op {
    case c.OpUpsertNode:
        var n state.NodeRecord
        if err := json.Unmarshal(cmd.Payload, &n); err != nil { return err }
        return f.r.ApplyUpsert(n)
    case c.OpRemoveNode:
        var req RemovePayload
        if err := json.Unmarshal(cmd.Payload, &req); err != nil { return err }
        return f.r.ApplyRemove(req.UUID)
    default:
        return fmt.Errorf("raftcons: unknown op %q", cmd.Op)
    }
}

func (f *rosterFSM) Snapshot() (raft.FSMSnapshot, error) {
    blob, err := f.r.Snapshot()
    if err != nil { return nil, err }
    return &snapshot{blob: blob}, nil
}

func (f *rosterFSM) Restore(rc io.ReadCloser) error {
    defer rc.Close()
    data, err := io.ReadAll(rc)
    if err != nil { return err }
    return f.r.Restore(data)
}

type snapshot struct {
    blob []byte
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
    if _, err := sink.Write(s.blob); err != nil { _ = sink.Cancel(); return err }
    return sink.Close()
}

func (s *snapshot) Release() {}

var _ raft.FSM = (*rosterFSM)(nil)
