package cluster

import (
    "context"
    "sync"
    "time"

    "go.uber.org/atomic"

    "github.com/amirimatin/go-clustercore/pkg/state"
)

type EventType string

const (
    EventPhaseChanged  EventType = "phase_changed"
    EventLeaderChanged EventType = "leader_changed"
    EventPeerUp        EventType = "peer_up"
    EventPeerDown      EventType = "peer_down"
    // EventReloaded follows every successful load of settings and keys,
    // whether they came from setup, a join or a sync pull.
    EventReloaded EventType = "reloaded"
)

// Event describes a change of the node's view of the cluster. Fields not
// relevant to Type are left zero.
type Event struct {
    Type    EventType
    At      time.Time
    From    state.Phase
    To      state.Phase
    Leader  *state.LeaderPointer
    Peer    string
    Details map[string]string
}

// Subscribe returns a buffered channel of events, closed once ctx is done.
// A subscriber that falls behind misses events rather than stalling the node.
func (c *Cluster) Subscribe(ctx context.Context) <-chan Event {
    sub := &subscriber{ch: make(chan Event, 64)}
    c.eb.add(sub)
    go func() {
        <-ctx.Done()
        c.eb.remove(sub)
    }()
    return sub.ch
}

// DroppedEvents counts events lost to slow subscribers.
func (c *Cluster) DroppedEvents() int64 { return c.eb.dropped.Load() }

type subscriber struct {
    ch chan Event
}

type eventBus struct {
    mu      sync.Mutex
    subs    []*subscriber
    dropped atomic.Int64
}

func (e *eventBus) add(s *subscriber) {
    e.mu.Lock()
    e.subs = append(e.subs, s)
    e.mu.Unlock()
}

func (e *eventBus) remove(s *subscriber) {
    e.mu.Lock()
    defer e.mu.Unlock()
    for i, cur := range e.subs {
        if cur == s {
            e.subs = append(e.subs[:i], e.subs[i+1:]...)
            close(s.ch)
            return
        }
    }
}

func (e *eventBus) publish(ev Event) {
    if ev.At.IsZero() { ev.At = time.Now() }
    e.mu.Lock()
    defer e.mu.Unlock()
    for _, s := range e.subs {
        select {
        case s.ch <- ev:
        default:
            e.dropped.Inc()
        }
    }
}
