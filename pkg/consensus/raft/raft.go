package raftcons

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "net"
    "os"
    "path/filepath"
    "strconv"
    "sync"
    "time"

    "github.com/hashicorp/raft"
    raftboltdb "github.com/hashicorp/raft-boltdb"
    "go.uber.org/zap"

    c "github.com/amirimatin/go-clustercore/pkg/consensus"
    "github.com/amirimatin/go-clustercore/pkg/internal/logutil"
    "github.com/amirimatin/go-clustercore/pkg/state/roster"
)

// Node implements consensus.Consensus using HashiCorp Raft. Server ids are
// node fqdns so the cluster can map the raft leader to a topology serial.
type Node struct {
    opts Options
    log  *zap.Logger
    out  io.Writer

    mu    sync.Mutex
    r     *raft.Raft
    obs   *raft.Observer
    obsCh chan raft.Observation
    lch   chan c.LeaderInfo
    addr  raft.ServerAddress
    trans raft.Transport
    lb    raft.LoopbackTransport
    ros   roster.Applier
    bolt  *raftboltdb.BoltStore
}

func New(opts Options) (*Node, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    if opts.Logger == nil { opts.Logger = zap.NewNop() }
    if opts.Roster == nil { opts.Roster = roster.New() }
    return &Node{
        opts: opts,
        log:  opts.Logger,
        out:  logutil.StdLog(opts.Logger, "raft").Writer(),
        lch:  make(chan c.LeaderInfo, 16),
        ros:  opts.Roster,
    }, nil
}

func (n *Node) Start(ctx context.Context) error {
    n.mu.Lock()
    defer n.mu.Unlock()
    if n.r != nil { return nil }

    cfg := raft.DefaultConfig()
    cfg.LocalID = raft.ServerID(n.opts.NodeID)
    cfg.LogOutput = n.out
    if n.opts.HeartbeatTimeout > 0 {
        cfg.HeartbeatTimeout = n.opts.HeartbeatTimeout
        // lease must not exceed the heartbeat timeout
        if cfg.LeaderLeaseTimeout > cfg.HeartbeatTimeout {
            cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout / 2
            if cfg.LeaderLeaseTimeout == 0 { cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout }
        }
    }
    if n.opts.ElectionTimeout > 0 { cfg.ElectionTimeout = n.opts.ElectionTimeout }
    if n.opts.CommitTimeout > 0 { cfg.CommitTimeout = n.opts.CommitTimeout }

    var (
        logs   raft.LogStore
        stable raft.StableStore
        snaps  raft.SnapshotStore
        addr   raft.ServerAddress
        trans  raft.Transport
        err    error
    )

    if n.opts.DataDir != "" {
        if n.opts.SnapshotsRetained == 0 { n.opts.SnapshotsRetained = 2 }
        if err := os.MkdirAll(n.opts.DataDir, 0o755); err != nil { return err }
        bstore, err := raftboltdb.NewBoltStore(filepath.Join(n.opts.DataDir, "raft.db"))
        if err != nil { return err }
        n.bolt = bstore
        logs, stable = bstore, bstore
        snaps, err = raft.NewFileSnapshotStore(n.opts.DataDir, n.opts.SnapshotsRetained, n.out)
        if err != nil { return err }
    } else {
        logs = raft.NewInmemStore()
        stable = raft.NewInmemStore()
        snaps = raft.NewInmemSnapshotStore()
    }

    if n.opts.BindAddr != "" {
        var adv net.Addr
        if n.opts.Advertise != "" {
            if adv, err = net.ResolveTCPAddr("tcp", n.opts.Advertise); err != nil { return fmt.Errorf("raftcons: advertise: %w", err) }
        }
        nt, err := raft.NewTCPTransport(n.opts.BindAddr, adv, 3, time.Second, n.out)
        if err != nil { return err }
        trans, addr = nt, nt.LocalAddr()
    } else {
        addr, trans = raft.NewInmemTransport(raft.ServerAddress(n.opts.NodeID))
    }

    r, err := raft.NewRaft(cfg, newRosterFSM(n.ros), logs, stable, snaps, trans)
    if err != nil { return err }
    n.r, n.addr, n.trans = r, addr, trans
    if lb, ok := trans.(raft.LoopbackTransport); ok { n.lb = lb }

    n.obsCh = make(chan raft.Observation, 32)
    n.obs = raft.NewObserver(n.obsCh, false, func(o *raft.Observation) bool {
        _, ok := o.Data.(raft.LeaderObservation)
        return ok
    })
    r.RegisterObserver(n.obs)
    go func(ch <-chan raft.Observation) {
        for range ch {
            if id, addr, ok := n.Leader(); ok {
                n.emitLeader(c.LeaderInfo{ID: id, Addr: addr, Term: n.Term()})
            }
        }
    }(n.obsCh)

    if n.opts.Bootstrap {
        servers := []raft.Server{{ID: cfg.LocalID, Address: addr}}
        for _, p := range n.opts.Peers {
            if p.ID == n.opts.NodeID { continue }
            servers = append(servers, raft.Server{ID: raft.ServerID(p.ID), Address: raft.ServerAddress(p.Addr)})
        }
        if err := r.BootstrapCluster(raft.Configuration{Servers: servers}).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
            return err
        }
    }
    logutil.Infof(n.log, "raft started: id=%s addr=%s", n.opts.NodeID, addr)

    go func() {
        <-ctx.Done()
        _ = n.Stop()
    }()
    return nil
}

func (n *Node) engine() *raft.Raft {
    n.mu.Lock()
    defer n.mu.Unlock()
    return n.r
}

func (n *Node) Apply(cmd c.Command, timeout time.Duration) error {
    r := n.engine()
    if r == nil { return fmt.Errorf("raftcons: not started") }
    if r.State() != raft.Leader { return fmt.Errorf("raftcons: not leader") }
    data, err := json.Marshal(cmd)
    if err != nil { return err }
    t := timeout
    if t <= 0 && n.opts.ApplyTimeout > 0 { t = n.opts.ApplyTimeout }
    af := r.Apply(data, t)
    if err := af.Error(); err != nil { return err }
    if v := af.Response(); v != nil {
        if e, ok := v.(error); ok && e != nil { return e }
    }
    return nil
}

func (n *Node) IsLeader() bool {
    r := n.engine()
    return r != nil && r.State() == raft.Leader
}

func (n *Node) Leader() (id string, addr string, ok bool) {
    r := n.engine()
    if r == nil { return "", "", false }
    a, sid := r.LeaderWithID()
    if sid == "" { return "", "", false }
    return string(sid), string(a), true
}

func (n *Node) Term() uint64 {
    r := n.engine()
    if r == nil { return 0 }
    if v := r.Stats()["current_term"]; v != "" {
        if u, err := strconv.ParseUint(v, 10, 64); err == nil { return u }
    }
    return 0
}

// Addr is the raft transport address.
func (n *Node) Addr() string {
    n.mu.Lock()
    defer n.mu.Unlock()
    return string(n.addr)
}

func (n *Node) Stop() error {
    n.mu.Lock()
    defer n.mu.Unlock()
    if n.r == nil { return nil }
    n.r.DeregisterObserver(n.obs)
    close(n.obsCh)
    err := n.r.Shutdown().Error()
    if closer, ok := n.trans.(io.Closer); ok { _ = closer.Close() }
    if n.bolt != nil { _ = n.bolt.Close(); n.bolt = nil }
    n.r = nil
    return err
}

var _ c.Consensus = (*Node)(nil)

func (n *Node) LeaderCh() <-chan c.LeaderInfo { return n.lch }

func (n *Node) emitLeader(li c.LeaderInfo) {
    select {
    case n.lch <- li:
    default:
    }
}

// StateSnapshot returns the current roster snapshot.
func (n *Node) StateSnapshot() ([]byte, error) { return n.ros.Snapshot() }

// AddVoter adds a voting server to the Raft cluster if not already present.
func (n *Node) AddVoter(id, addr string, timeout time.Duration) error {
    r := n.engine()
    if r == nil { return fmt.Errorf("raftcons: not started") }
    cfg := r.GetConfiguration()
    if err := cfg.Error(); err == nil {
        for _, srv := range cfg.Configuration().Servers {
            if string(srv.ID) != id { continue }
            if string(srv.Address) == addr { return nil }
            // stale address
            if err := r.RemoveServer(srv.ID, 0, timeout).Error(); err != nil { return err }
            break
        }
    }
    return r.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, timeout).Error()
}

// RemoveServer removes a server from the Raft cluster if present.
func (n *Node) RemoveServer(id string, timeout time.Duration) error {
    r := n.engine()
    if r == nil { return fmt.Errorf("raftcons: not started") }
    return r.RemoveServer(raft.ServerID(id), 0, timeout).Error()
}

var _ c.Reconfigurer = (*Node)(nil)
var _ c.LeaderNotifier = (*Node)(nil)
