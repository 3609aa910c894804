package raftcons

import (
    "errors"
    "time"

    "go.uber.org/zap"

    "github.com/amirimatin/go-clustercore/pkg/state/roster"
)

// Peer is a voter known before the cluster forms. IDs are node fqdns.
type Peer struct {
    ID   string
    Addr string
}

// Options configure the Raft-based Consensus implementation.
type Options struct {
    // NodeID is the local node fqdn.
    NodeID string
    Logger *zap.Logger

    // Bootstrap forms the cluster on first Start with the local node and
    // Peers as voters. It is a no-op when raft state already exists.
    Bootstrap bool
    Peers     []Peer

    // Timeouts (optional). Zero means defaults.
    HeartbeatTimeout time.Duration
    ElectionTimeout  time.Duration
    CommitTimeout    time.Duration
    ApplyTimeout     time.Duration // client-side apply wait

    // If BindAddr is non-empty, a TCP transport is used bound to this address
    // (e.g., "127.0.0.1:0"). Otherwise, an in-memory transport is used.
    BindAddr  string
    Advertise string

    // DataDir selects on-disk stores when non-empty (bolt store for log/stable,
    // file snapshot store). When empty, in-memory stores are used.
    DataDir           string
    SnapshotsRetained int

    // Roster receives applied roster commands. Defaults to a fresh roster.
    Roster roster.Applier
}

func (o Options) Validate() error {
    if o.NodeID == "" { return errors.New("raftcons: empty NodeID") }
    for _, p := range o.Peers {
        if p.ID == "" || p.Addr == "" { return errors.New("raftcons: peer needs id and address") }
    }
    return nil
}
