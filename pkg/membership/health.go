package membership

import "context"

// HealthReporter is implemented by layers that expose a local health score.
// Zero is healthy; higher is worse; -1 means not running.
type HealthReporter interface {
    HealthScore() int
}

// GossipCheck turns a health score into a service status code: 0 healthy,
// the score itself (capped at 9) while degraded, 10 when not running.
type GossipCheck struct {
    Reporter HealthReporter
}

func (GossipCheck) Name() string { return "gossip" }

func (g GossipCheck) Check(context.Context) int {
    s := g.Reporter.HealthScore()
    switch {
    case s < 0:
        return 10
    case s > 9:
        return 9
    default:
        return s
    }
}
