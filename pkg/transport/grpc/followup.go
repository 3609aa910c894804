package grpc

import (
    "context"
    "sync"

    "google.golang.org/grpc/stats"
)

type followUpKey struct{}

type followUp struct {
    mu sync.Mutex
    fn func()
}

func setFollowUp(ctx context.Context, fn func()) {
    if f, ok := ctx.Value(followUpKey{}).(*followUp); ok {
        f.mu.Lock()
        f.fn = fn
        f.mu.Unlock()
        return
    }
    // no stats handler installed; run after the handler returns
    go fn()
}

// followUps is a stats.Handler that runs a handler's follow-up once the RPC
// has ended, i.e. after the response was sent.
type followUps struct {
    wg sync.WaitGroup
}

func (h *followUps) TagRPC(ctx context.Context, _ *stats.RPCTagInfo) context.Context {
    return context.WithValue(ctx, followUpKey{}, &followUp{})
}

func (h *followUps) HandleRPC(ctx context.Context, s stats.RPCStats) {
    if _, ok := s.(*stats.End); !ok { return }
    f, ok := ctx.Value(followUpKey{}).(*followUp)
    if !ok { return }
    f.mu.Lock()
    fn := f.fn
    f.fn = nil
    f.mu.Unlock()
    if fn == nil { return }
    h.wg.Add(1)
    go func() {
        defer h.wg.Done()
        fn()
    }()
}

func (h *followUps) TagConn(ctx context.Context, _ *stats.ConnTagInfo) context.Context { return ctx }
func (h *followUps) HandleConn(context.Context, stats.ConnStats)                       {}

func (h *followUps) wait() { h.wg.Wait() }

var _ stats.Handler = (*followUps)(nil)
