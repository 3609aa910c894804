package join

import (
    "context"
    "errors"
    "fmt"
    "strings"

    "github.com/google/uuid"
    "go.uber.org/zap"

    "github.com/amirimatin/go-clustercore/pkg/ca"
    "github.com/amirimatin/go-clustercore/pkg/internal/logutil"
    "github.com/amirimatin/go-clustercore/pkg/keys"
    "github.com/amirimatin/go-clustercore/pkg/observability/metrics"
    "github.com/amirimatin/go-clustercore/pkg/state"
    "github.com/amirimatin/go-clustercore/pkg/state/disk"
    "github.com/amirimatin/go-clustercore/pkg/transport"
)

// AcceptorOptions wire the invitee side of a join.
type AcceptorOptions struct {
    State  *state.ClusterState
    Store  *disk.Store
    CA     ca.Provisioner
    Logger *zap.Logger
    // Reload is handed back to the transport and runs once the join
    // response has been written.
    Reload func()
}

func (o AcceptorOptions) Validate() error {
    if o.State == nil { return errors.New("join: state required") }
    if o.Store == nil { return errors.New("join: store required") }
    return nil
}

// Acceptor handles POST /cluster/join on the invited node.
type Acceptor struct {
    opts AcceptorOptions
    log  *zap.Logger
}

func NewAcceptor(opts AcceptorOptions) (*Acceptor, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    log := opts.Logger
    if log == nil { log = zap.NewNop() }
    return &Acceptor{opts: opts, log: log}, nil
}

// Accept persists the offered snapshots and the new node record when the node
// is ephemeral. A configured node only acknowledges an invite that names it
// and its own cluster. In-memory state is never touched here; the returned
// after func triggers the reload that picks up the new files.
func (a *Acceptor) Accept(ctx context.Context, req transport.JoinRequest) (transport.JoinResponse, func(), error) {
    st := a.opts.State
    if !st.Ephemeral() {
        id, node := st.Identity(), st.Node()
        if req.You == node.FQDN && req.Cluster == id.ClusterUUID {
            metrics.JoinRequests.WithLabelValues("rejoin").Inc()
            return transport.JoinResponse{Cluster: id.ClusterUUID, Node: node.UUID, Serial: st.Settings().Serial}, nil, nil
        }
        metrics.JoinRequests.WithLabelValues("refused").Inc()
        logutil.Warnf(a.log, "refused invite from %s: node is not ephemeral", req.Join)
        return transport.JoinResponse{}, nil, transport.EphemeralRequired()
    }

    if err := transport.Validate(req); err != nil {
        metrics.JoinRequests.WithLabelValues("invalid").Inc()
        logutil.Warnf(a.log, "refused request to join cluster %s as %s: %v", fingerprint(req.Cluster), req.As, err)
        return transport.JoinResponse{}, nil, err
    }
    set, node, err := a.check(req)
    if err != nil {
        metrics.JoinRequests.WithLabelValues("invalid").Inc()
        logutil.Warnf(a.log, "refused request to join cluster %s: %v", fingerprint(req.Cluster), err)
        return transport.JoinResponse{}, nil, err
    }
    logutil.Infof(a.log, "accepted request to join cluster %s as %s", fingerprint(req.Cluster), req.As)

    if err := a.persist(req, node, set); err != nil {
        metrics.JoinRequests.WithLabelValues("failed").Inc()
        logutil.Errorf(a.log, "join: %v", err)
        return transport.JoinResponse{}, nil, transport.PersistenceFailed(err)
    }
    metrics.JoinRequests.WithLabelValues("accepted").Inc()
    return transport.JoinResponse{Cluster: set.Cluster, Node: node.UUID, Serial: req.Settings.Serial}, a.opts.Reload, nil
}

func (a *Acceptor) check(req transport.JoinRequest) (keys.Set, disk.NodeFile, error) {
    if req.Settings.Serial <= 0 || req.Keys.Serial <= 0 {
        return keys.Set{}, disk.NodeFile{}, transport.SchemaViolation("settings and keys serials must be positive integers")
    }
    if len(req.Settings.Data) == 0 || len(req.Keys.Data) == 0 {
        return keys.Set{}, disk.NodeFile{}, transport.SchemaViolation("settings and keys data are required")
    }
    topo, err := state.ParseTopology(req.Settings.Data)
    if err != nil { return keys.Set{}, disk.NodeFile{}, transport.SchemaViolation(err.Error()) }
    serial := topo.SerialOf(req.You)
    if serial == 0 {
        return keys.Set{}, disk.NodeFile{}, transport.SchemaViolation(fmt.Sprintf("%s is not a node of the offered settings", req.You))
    }
    set, err := keys.Unseal(req.Keys.Data)
    if err != nil { return keys.Set{}, disk.NodeFile{}, transport.SchemaViolation(err.Error()) }
    if set.Cluster != req.Cluster {
        return keys.Set{}, disk.NodeFile{}, transport.SchemaViolation("cluster does not match the offered keys")
    }
    node := disk.NodeFile{
        FQDN:     req.You,
        Hostname: strings.SplitN(req.You, ".", 2)[0],
        Serial:   serial,
        UUID:     uuid.NewString(),
    }
    return set, node, nil
}

func (a *Acceptor) persist(req transport.JoinRequest, node disk.NodeFile, set keys.Set) error {
    s := a.opts.Store
    logutil.Debugf(a.log, "joining cluster, writing settings.%s.json and keys.%s.json", req.Settings.Serial, req.Keys.Serial)
    if err := s.WriteSnapshots(req.Settings, req.Keys); err != nil { return err }
    if err := s.WriteNode(node); err != nil { return err }
    if a.opts.CA == nil { return nil }
    if err := a.opts.CA.Prime(set); err != nil {
        if errors.Is(err, ca.ErrNoRoot) {
            logutil.Warnf(a.log, "offered keys carry no CA root; skipping CA configuration")
            return nil
        }
        return err
    }
    return nil
}

func fingerprint(id string) string {
    if len(id) > 8 { return id[:8] }
    return id
}
