package grpc

import (
    "context"
    "errors"
    "sync"
    "time"

    "golang.org/x/sync/singleflight"
    "google.golang.org/grpc"
    "google.golang.org/grpc/connectivity"

    obsmetrics "github.com/amirimatin/go-clustercore/pkg/observability/metrics"
)

var errConnClosed = errors.New("grpc: connection closed")

type dialFunc func(ctx context.Context, target string) (*grpc.ClientConn, error)

// ConnManager caches one connection per peer. Concurrent first requests to a
// peer share a single dial; idle or broken connections are dropped.
type ConnManager struct {
    ttl    time.Duration
    dial   dialFunc
    dials  singleflight.Group
    done   chan struct{}
    closed sync.Once

    mu    sync.Mutex
    conns map[string]*peerConn
}

type peerConn struct {
    cc    *grpc.ClientConn
    inUse int
    used  time.Time
}

func NewConnManager(ttl time.Duration, dial dialFunc) *ConnManager {
    if ttl <= 0 { ttl = 30 * time.Second }
    m := &ConnManager{ttl: ttl, dial: dial, conns: make(map[string]*peerConn), done: make(chan struct{})}
    go m.sweep()
    return m
}

// Get returns the connection to target and a func releasing it.
func (m *ConnManager) Get(ctx context.Context, target string) (*grpc.ClientConn, func(), error) {
    if cc := m.acquire(target); cc != nil {
        obsmetrics.GRPCConnReuse.Inc()
        return cc, func() { m.release(target) }, nil
    }
    _, err, _ := m.dials.Do(target, func() (any, error) {
        cc, err := m.dial(ctx, target)
        if err != nil { return nil, err }
        m.mu.Lock()
        m.conns[target] = &peerConn{cc: cc, used: time.Now()}
        m.mu.Unlock()
        obsmetrics.GRPCConnDials.Inc()
        obsmetrics.GRPCConnActive.Inc()
        return nil, nil
    })
    if err != nil { return nil, func() {}, err }
    cc := m.acquire(target)
    if cc == nil { return nil, func() {}, errConnClosed }
    return cc, func() { m.release(target) }, nil
}

func (m *ConnManager) acquire(target string) *grpc.ClientConn {
    m.mu.Lock()
    defer m.mu.Unlock()
    pc, ok := m.conns[target]
    if !ok { return nil }
    if s := pc.cc.GetState(); s == connectivity.Shutdown || s == connectivity.TransientFailure {
        m.dropLocked(target, pc)
        return nil
    }
    pc.inUse++
    pc.used = time.Now()
    return pc.cc
}

func (m *ConnManager) release(target string) {
    m.mu.Lock()
    if pc, ok := m.conns[target]; ok && pc.inUse > 0 {
        pc.inUse--
        pc.used = time.Now()
    }
    m.mu.Unlock()
}

// dropLocked closes pc. Callers still holding it see their calls fail.
func (m *ConnManager) dropLocked(target string, pc *peerConn) {
    _ = pc.cc.Close()
    delete(m.conns, target)
    obsmetrics.GRPCConnEvictions.Inc()
    obsmetrics.GRPCConnActive.Dec()
}

// Close drops every connection. It is safe to call twice.
func (m *ConnManager) Close() {
    m.closed.Do(func() { close(m.done) })
    m.mu.Lock()
    for target, pc := range m.conns { m.dropLocked(target, pc) }
    m.mu.Unlock()
}

func (m *ConnManager) sweep() {
    t := time.NewTicker(m.ttl / 2)
    defer t.Stop()
    for {
        select {
        case <-m.done:
            return
        case now := <-t.C:
            m.mu.Lock()
            for target, pc := range m.conns {
                if pc.inUse == 0 && now.Sub(pc.used) > m.ttl { m.dropLocked(target, pc) }
            }
            m.mu.Unlock()
        }
    }
}
