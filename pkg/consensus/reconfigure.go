package consensus

import "time"

// Reconfigurer adds and removes voters. The cluster leader uses it to keep the
// voter set equal to the configured broker nodes.
type Reconfigurer interface {
    AddVoter(id, addr string, timeout time.Duration) error
    RemoveServer(id string, timeout time.Duration) error
}
