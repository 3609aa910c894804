package cluster

import "errors"

var (
    ErrStopped       = errors.New("cluster: stopped")
    ErrEphemeral     = errors.New("cluster: node is ephemeral")
    ErrNotInTopology = errors.New("cluster: node is not part of the topology")

    errNoSeeds = errors.New("cluster: no gossip seeds")
)
