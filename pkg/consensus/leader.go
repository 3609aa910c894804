package consensus

// LeaderInfo describes the current known leader.
type LeaderInfo struct {
    ID   string
    Addr string
    Term uint64
}

// LeaderNotifier is implemented by engines that push leadership changes. The
// channel is buffered; slow readers lose intermediate updates, never the
// ability to ask Leader() again.
type LeaderNotifier interface {
    LeaderCh() <-chan LeaderInfo
}
