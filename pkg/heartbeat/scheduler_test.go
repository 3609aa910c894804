package heartbeat

import (
    "sync/atomic"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
    "go.uber.org/goleak"
)

func TestMain(m *testing.M) { goleak.VerifyTestMain(m) }

func TestScheduler_OneTimerPerTarget(t *testing.T) {
    s := NewScheduler()
    defer s.Stop()

    var fired int32
    for i := 0; i < 10; i++ {
        require.True(t, s.ScheduleAfter("b.example.com", 40*time.Millisecond, func() { atomic.AddInt32(&fired, 1) }))
    }
    assert.Len(t, s.Pending(), 1)
    time.Sleep(150 * time.Millisecond)
    assert.EqualValues(t, 1, atomic.LoadInt32(&fired))
    assert.Empty(t, s.Pending())
}

func TestScheduler_Cancel(t *testing.T) {
    s := NewScheduler()
    defer s.Stop()

    var fired int32
    s.ScheduleAfter("a", 30*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
    s.ScheduleAfter("b", 30*time.Millisecond, func() { atomic.AddInt32(&fired, 10) })
    s.ScheduleAfter("c", 30*time.Millisecond, func() { atomic.AddInt32(&fired, 100) })
    s.Cancel("a")
    s.CancelAllExcept("c")
    time.Sleep(100 * time.Millisecond)
    assert.EqualValues(t, 100, atomic.LoadInt32(&fired))
}

func TestScheduler_StopRefusesNewTimers(t *testing.T) {
    s := NewScheduler()
    var fired int32
    s.ScheduleAfter("a", time.Hour, func() { atomic.AddInt32(&fired, 1) })
    s.Stop()
    assert.False(t, s.ScheduleAfter("a", time.Millisecond, func() { atomic.AddInt32(&fired, 1) }))
    time.Sleep(20 * time.Millisecond)
    assert.Zero(t, atomic.LoadInt32(&fired))
    assert.Empty(t, s.Pending())
}

func TestScheduler_RearmFromCallback(t *testing.T) {
    s := NewScheduler()
    var n int32
    done := make(chan struct{})
    var tick func()
    tick = func() {
        if atomic.AddInt32(&n, 1) == 3 { close(done); return }
        s.ScheduleAfter("a", 5*time.Millisecond, tick)
    }
    s.ScheduleAfter("a", 5*time.Millisecond, tick)
    select {
    case <-done:
    case <-time.After(time.Second):
        t.Fatalf("timer chain did not complete")
    }
    s.Stop()
    assert.EqualValues(t, 3, atomic.LoadInt32(&n))
}
