package heartbeat

import (
    "sync"
    "time"
)

// Scheduler keeps at most one pending timer per target. Scheduling a target
// that already has a pending timer stops the old one first.
type Scheduler struct {
    mu      sync.Mutex
    timers  map[string]*entry
    stopped bool
    wg      sync.WaitGroup
}

type entry struct {
    t *time.Timer
}

func NewScheduler() *Scheduler { return &Scheduler{timers: make(map[string]*entry)} }

// ScheduleAfter arms fn for target after d. It returns false once the
// scheduler is stopped.
func (s *Scheduler) ScheduleAfter(target string, d time.Duration, fn func()) bool {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.stopped { return false }
    if old, ok := s.timers[target]; ok {
        if old.t.Stop() { s.wg.Done() }
    }
    e := &entry{}
    s.wg.Add(1)
    e.t = time.AfterFunc(d, func() {
        defer s.wg.Done()
        s.mu.Lock()
        if cur, ok := s.timers[target]; ok && cur == e { delete(s.timers, target) }
        stopped := s.stopped
        s.mu.Unlock()
        if !stopped { fn() }
    })
    s.timers[target] = e
    return true
}

// Cancel stops the pending timer for target, if any.
func (s *Scheduler) Cancel(target string) {
    s.mu.Lock()
    defer s.mu.Unlock()
    if e, ok := s.timers[target]; ok {
        if e.t.Stop() { s.wg.Done() }
        delete(s.timers, target)
    }
}

// CancelAllExcept stops every pending timer whose target is not in keep.
func (s *Scheduler) CancelAllExcept(keep ...string) {
    s.mu.Lock()
    defer s.mu.Unlock()
    for target, e := range s.timers {
        if contains(keep, target) { continue }
        if e.t.Stop() { s.wg.Done() }
        delete(s.timers, target)
    }
}

// Pending reports the targets with an armed timer.
func (s *Scheduler) Pending() []string {
    s.mu.Lock()
    defer s.mu.Unlock()
    out := make([]string, 0, len(s.timers))
    for t := range s.timers { out = append(out, t) }
    return out
}

// Stop cancels every pending timer, refuses new ones and waits for callbacks
// already running to return.
func (s *Scheduler) Stop() {
    s.mu.Lock()
    s.stopped = true
    for target, e := range s.timers {
        if e.t.Stop() { s.wg.Done() }
        delete(s.timers, target)
    }
    s.mu.Unlock()
    s.wg.Wait()
}

func contains(list []string, v string) bool {
    for _, x := range list {
        if x == v { return true }
    }
    return false
}
