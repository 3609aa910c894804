package cluster

import (
    "context"

    "github.com/amirimatin/go-clustercore/pkg/state"
)

// Hooks lets the embedding service react to cluster changes without the core
// depending on it. Every hook is optional.
type Hooks struct {
    // Reload runs after new settings or keys were loaded from disk, so the
    // service can restart whatever depends on them.
    Reload func(ctx context.Context) error
    // OnPhaseChange runs when the local phase changes.
    OnPhaseChange func(from, to state.Phase)
    // OnLeaderChange runs when the leader pointer changes.
    OnLeaderChange func(l state.LeaderPointer)
}
