// Package heartbeat holds the pieces of the heartbeat loop that do not need
// the network: the adaptive rate, the per-target timer scheduler and the
// verifier that turns an inbound heartbeat into errors and an action.
package heartbeat

import (
    "time"

    "go.uber.org/atomic"
)

// Rate is the adaptive heartbeat interval, counted in Units (seconds in
// production). It starts at 1, grows by half on every tick up to the ceiling
// and drops back to 1 on instability.
type Rate struct {
    cur     atomic.Int64
    ceiling int64
    unit    time.Duration
}

// NewRate returns a rate bounded by ceiling units of unit each.
func NewRate(ceiling int64, unit time.Duration) *Rate {
    if ceiling < 1 { ceiling = 1 }
    if unit <= 0 { unit = time.Second }
    r := &Rate{ceiling: ceiling, unit: unit}
    r.cur.Store(1)
    return r
}

// NextInterval returns min(ceil(cur*1.5), ceiling), never below 1.
func NextInterval(cur, ceiling int64) int64 {
    if cur < 1 { cur = 1 }
    next := (cur*3 + 1) / 2
    if next > ceiling { next = ceiling }
    if next < 1 { next = 1 }
    return next
}

// Next advances the rate and returns the delay before the next heartbeat.
func (r *Rate) Next() time.Duration {
    for {
        cur := r.cur.Load()
        next := NextInterval(cur, r.ceiling)
        if r.cur.CompareAndSwap(cur, next) { return time.Duration(next) * r.unit }
    }
}

// Reset drops the rate back to one unit.
func (r *Rate) Reset() { r.cur.Store(1) }

// Current is the interval in units.
func (r *Rate) Current() int64 { return r.cur.Load() }

// Ceiling is the upper bound in units.
func (r *Rate) Ceiling() int64 { return r.ceiling }

// CeilingDuration is the upper bound as a duration.
func (r *Rate) CeilingDuration() time.Duration { return time.Duration(r.ceiling) * r.unit }
