// Package bootstrap assembles a cluster node from a config.Config: storage,
// peer transport, gossip, discovery, the raft oracle and service checks.
package bootstrap

import (
    "context"
    "crypto/tls"
    "net"
    "path/filepath"
    "strconv"

    "go.uber.org/zap"

    "github.com/amirimatin/go-clustercore/pkg/ca"
    "github.com/amirimatin/go-clustercore/pkg/cluster"
    "github.com/amirimatin/go-clustercore/pkg/config"
    "github.com/amirimatin/go-clustercore/pkg/consensus"
    raftcons "github.com/amirimatin/go-clustercore/pkg/consensus/raft"
    "github.com/amirimatin/go-clustercore/pkg/discovery"
    dDNS "github.com/amirimatin/go-clustercore/pkg/discovery/dns"
    dStatic "github.com/amirimatin/go-clustercore/pkg/discovery/static"
    "github.com/amirimatin/go-clustercore/pkg/membership"
    ml "github.com/amirimatin/go-clustercore/pkg/membership/memberlist"
    "github.com/amirimatin/go-clustercore/pkg/state"
    "github.com/amirimatin/go-clustercore/pkg/state/disk"
    "github.com/amirimatin/go-clustercore/pkg/state/roster"
    "github.com/amirimatin/go-clustercore/pkg/status"
    "github.com/amirimatin/go-clustercore/pkg/transport"
    mgmtgrpc "github.com/amirimatin/go-clustercore/pkg/transport/grpc"
    httpjson "github.com/amirimatin/go-clustercore/pkg/transport/httpjson"
)

// Build assembles a cluster.Cluster from cfg without starting it.
func Build(cfg *config.Config, log *zap.Logger, hooks cluster.Hooks) (*cluster.Cluster, error) {
    if err := cfg.Validate(); err != nil { return nil, err }
    if log == nil { log = zap.NewNop() }
    fqdn := cfg.Node.FQDN

    store, err := disk.New(cfg.DataDir)
    if err != nil { return nil, err }
    st := state.New(cfg.Version)
    // the topology on disk, if any, seeds the raft voters and gossip metadata
    newest, err := store.Load()
    if err != nil { return nil, err }
    topo, err := state.ParseTopology(newest.Settings.Data)
    if err != nil { return nil, err }

    srv, cli, err := Transport(cfg, log)
    if err != nil { return nil, err }

    var mem membership.Membership
    if cfg.Membership.Bind != "" {
        meta := map[string]string{membership.MetaMgmt: Advertise(cfg.Mgmt.Addr, fqdn)}
        if newest.Node.UUID != "" { meta[membership.MetaUUID] = newest.Node.UUID }
        if s := topo.SerialOf(fqdn); s > 0 { meta[membership.MetaSerial] = strconv.Itoa(s) }
        if cfg.Raft.Addr != "" { meta[membership.MetaRaft] = Advertise(cfg.Raft.Addr, fqdn) }
        mem, err = ml.New(ml.Options{
            NodeID:    fqdn,
            Bind:      cfg.Membership.Bind,
            Advertise: cfg.Membership.Advertise,
            Meta:      meta,
            Logger:    log.Named("membership"),
        })
        if err != nil { return nil, err }
    }

    var cons consensus.Consensus
    if cfg.Raft.Addr != "" {
        cons, err = raftcons.New(raftcons.Options{
            NodeID:    fqdn,
            Logger:    log.Named("raft"),
            Bootstrap: cfg.Raft.Bootstrap,
            Peers:     raftPeers(topo, fqdn, cfg.Raft.Addr),
            BindAddr:  cfg.Raft.Addr,
            Advertise: Advertise(cfg.Raft.Addr, fqdn),
            DataDir:   cfg.Raft.Dir,
            Roster:    roster.NewMirror(st),
        })
        if err != nil { return nil, err }
    }

    var checks []status.Check
    if hr, ok := mem.(membership.HealthReporter); ok { checks = append(checks, membership.GossipCheck{Reporter: hr}) }
    for _, s := range cfg.Services {
        checks = append(checks, status.HTTPCheck{Service: s.Name, URL: s.URL, Timeout: cfg.Heartbeat.Timeout})
    }

    return cluster.New(cluster.Options{
        State:      st,
        Store:      store,
        RPCServer:  srv,
        RPCClient:  cli,
        Consensus:  cons,
        Membership: mem,
        Discovery:  Discovery(cfg, st),
        CA:         ca.NewFileProvisioner(filepath.Join(cfg.DataDir, "ca")),
        Checks:     checks,
        NodeIP:     cfg.Node.IP,
        PeerPort:   cfg.Mgmt.PeerPort,
        Timings: cluster.Timings{
            Ceiling:          cfg.Heartbeat.Interval,
            Unit:             cfg.Heartbeat.Unit,
            HeartbeatTimeout: cfg.Heartbeat.Timeout,
            MaxRTT:           cfg.Heartbeat.MaxRTT,
            SyncTimeout:      cfg.Sync.Timeout,
            StatusMaxAge:     cfg.Status.MaxAge,
        },
        Hooks:  hooks,
        Logger: log,
    })
}

// Run builds and starts the node. The caller stops it with Stop or Close.
func Run(ctx context.Context, cfg *config.Config, log *zap.Logger, hooks cluster.Hooks) (*cluster.Cluster, error) {
    cl, err := Build(cfg, log, hooks)
    if err != nil { return nil, err }
    if err := cl.Start(ctx); err != nil {
        _ = cl.Close()
        return nil, err
    }
    return cl, nil
}

// Transport returns the peer server and client for mgmt.proto, with mTLS
// when tls.enable is set. Certificates are re-read on rotation.
func Transport(cfg *config.Config, log *zap.Logger) (transport.RPCServer, transport.RPCClient, error) {
    if log == nil { log = zap.NewNop() }
    var srvTLS, cliTLS *tls.Config
    if cfg.TLS.Enable {
        var err error
        topts := cfg.TLS.Options()
        if srvTLS, err = topts.ServerHotReload(); err != nil { return nil, nil, err }
        if cliTLS, err = topts.ClientHotReload(); err != nil { return nil, nil, err }
    }
    timeout := cfg.Sync.Timeout
    switch cfg.Mgmt.Proto {
    case "grpc":
        s := mgmtgrpc.NewServer(cfg.Mgmt.Addr, log.Named("grpc"))
        c := mgmtgrpc.NewClient(timeout)
        if srvTLS != nil {
            s.UseTLS(srvTLS)
            c.UseTLS(cliTLS)
        }
        return s, c, nil
    default:
        s := httpjson.NewServer(cfg.Mgmt.Addr, log.Named("http"))
        c := httpjson.NewClient(timeout)
        if srvTLS != nil {
            s.UseTLS(srvTLS)
            c.UseTLS(cliTLS)
        }
        return s, c, nil
    }
}

// Client returns only the peer client, for command-line tools.
func Client(cfg *config.Config) (transport.RPCClient, error) {
    _, c, err := Transport(cfg, zap.NewNop())
    return c, err
}

// Discovery yields gossip seeds. The default derives them from the configured
// topology, so a node finds its peers as soon as it has settings.
func Discovery(cfg *config.Config, st *state.ClusterState) discovery.Discovery {
    if cfg.Membership.Bind == "" { return nil }
    nodes := func() []string { return st.Topology().Nodes() }
    switch cfg.Discovery.Kind {
    case "static":
        return dStatic.New(cfg.Membership.Seeds...)
    case "dns":
        opts := dDNS.Options{Names: cfg.Discovery.DNSNames, Port: cfg.Discovery.DNSPort, Refresh: cfg.Discovery.Refresh}
        if len(opts.Names) == 0 { opts.NamesFunc = nodes }
        return dDNS.New(opts)
    default:
        return dStatic.Topology(nodes, cfg.Node.FQDN, port(cfg.Membership.Bind))
    }
}

// Advertise turns a bind address into one peers can dial, substituting host
// when the bind host is empty or unspecified.
func Advertise(bind, host string) string {
    h, p, err := net.SplitHostPort(bind)
    if err != nil { return bind }
    if ip := net.ParseIP(h); h == "" || (ip != nil && ip.IsUnspecified()) { h = host }
    return net.JoinHostPort(h, p)
}

// raftPeers lists the broker nodes as voters, at the local raft port.
func raftPeers(topo state.Topology, self, bind string) []raftcons.Peer {
    p := port(bind)
    if p == 0 { return nil }
    var out []raftcons.Peer
    for _, fqdn := range topo.Brokers {
        if fqdn == self { continue }
        out = append(out, raftcons.Peer{ID: fqdn, Addr: net.JoinHostPort(fqdn, strconv.Itoa(p))})
    }
    return out
}

func port(addr string) int {
    _, p, err := net.SplitHostPort(addr)
    if err != nil { return 0 }
    n, _ := strconv.Atoi(p)
    return n
}
