// Package consensus abstracts the replicated database layer the cluster uses
// as its leadership oracle. The heartbeat protocol only asks it who leads;
// roster commands ride on its log so voters agree on node uuids.
package consensus

import (
    "context"
    "time"
)

// Roster commands understood by the FSM.
const (
    OpUpsertNode = "UpsertNode"
    OpRemoveNode = "RemoveNode"
)

// Command represents a replicated log command. Payload is JSON whose shape
// depends on Op.
type Command struct {
    Op      string
    Payload []byte
}

// Consensus is the minimal abstraction over a leader-based consensus engine
// (e.g., RAFT). It exposes leadership, term information and a write path.
type Consensus interface {
    Start(ctx context.Context) error
    Apply(cmd Command, timeout time.Duration) error
    IsLeader() bool
    // Leader returns the server id of the current leader. Ids are node fqdns.
    Leader() (id string, addr string, ok bool)
    Term() uint64
    Stop() error
}
