// Package syncer pulls the newest settings and keys snapshots from a peer and
// serves them to peers that are behind.
package syncer

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "time"

    "go.uber.org/zap"
    "golang.org/x/sync/singleflight"

    "github.com/amirimatin/go-clustercore/pkg/integrity"
    "github.com/amirimatin/go-clustercore/pkg/internal/logutil"
    "github.com/amirimatin/go-clustercore/pkg/observability/metrics"
    "github.com/amirimatin/go-clustercore/pkg/observability/tracing"
    "github.com/amirimatin/go-clustercore/pkg/state"
    "github.com/amirimatin/go-clustercore/pkg/state/disk"
    "github.com/amirimatin/go-clustercore/pkg/transport"
)

const DefaultTimeout = 5 * time.Second

var ErrInvalidResponse = errors.New("syncer: invalid sync response")

// Options wire a Puller or a Server.
type Options struct {
    State   *state.ClusterState
    Store   *disk.Store
    Client  transport.RPCClient
    // Codec returns the codec keyed with the current cluster secret.
    Codec   func() *integrity.Codec
    Resolve func(fqdn string) string
    Timeout time.Duration
    Logger  *zap.Logger
    // Reload runs after new snapshots were written.
    Reload func()
}

func (o *Options) setDefaults() error {
    if o.State == nil || o.Store == nil || o.Codec == nil { return errors.New("syncer: state, store and codec required") }
    if o.Timeout <= 0 { o.Timeout = DefaultTimeout }
    if o.Resolve == nil { o.Resolve = func(fqdn string) string { return fqdn } }
    if o.Logger == nil { o.Logger = zap.NewNop() }
    return nil
}

// Puller fetches snapshots from peers. Concurrent pulls from the same peer
// share one request.
type Puller struct {
    opts  Options
    log   *zap.Logger
    group singleflight.Group
}

func NewPuller(opts Options) (*Puller, error) {
    if err := opts.setDefaults(); err != nil { return nil, err }
    if opts.Client == nil { return nil, errors.New("syncer: client required") }
    return &Puller{opts: opts, log: opts.Logger}, nil
}

// Pull asks fqdn for its newest snapshots and writes those newer than the
// local ones. It reports whether anything was written; in that case the
// reload hook has run.
func (p *Puller) Pull(ctx context.Context, fqdn string) (bool, error) {
    v, err, _ := p.group.Do(fqdn, func() (interface{}, error) { return p.pull(ctx, fqdn) })
    if err != nil { return false, err }
    return v.(bool), nil
}

func (p *Puller) pull(ctx context.Context, fqdn string) (bool, error) {
    ctx, end := tracing.StartSpanWith(ctx, "sync.pull", tracing.Peer(fqdn))
    defer end()
    logutil.Debugf(p.log, "pulling cluster data from %s", fqdn)

    st := p.opts.State
    node := st.Node()
    codec := p.opts.Codec()
    env, err := codec.Wrap(transport.SyncRequest{From: transport.SyncRef{
        NodeRef:        transport.NodeRef{FQDN: node.FQDN, Serial: node.Serial, UUID: node.UUID},
        KeysSerial:     st.Keys().Serial,
        SettingsSerial: st.Settings().Serial,
    }})
    if err != nil { metrics.Syncs.WithLabelValues("error").Inc(); return false, err }

    cctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
    defer cancel()
    out, err := p.opts.Client.PostSync(cctx, p.opts.Resolve(fqdn), env)
    if err != nil {
        metrics.Syncs.WithLabelValues("error").Inc()
        logutil.Warnf(p.log, "sync from %s failed: %v", fqdn, err)
        return false, err
    }
    var resp transport.SyncResponse
    if !codec.Unwrap(out, &resp) || !validResponse(resp) {
        metrics.Syncs.WithLabelValues("invalid").Inc()
        logutil.Errorf(p.log, "invalid sync response from %s, discarding update", fqdn)
        return false, ErrInvalidResponse
    }

    wrote, err := p.write(resp)
    if err != nil {
        metrics.Syncs.WithLabelValues("error").Inc()
        logutil.Errorf(p.log, "failed to write synced data to disk: %v", err)
        return false, err
    }
    if !wrote {
        metrics.Syncs.WithLabelValues("current").Inc()
        logutil.Debugf(p.log, "sync from %s carried nothing newer", fqdn)
        return false, nil
    }
    metrics.Syncs.WithLabelValues("ok").Inc()
    logutil.Infof(p.log, "updated cluster config from %s (settings %s, keys %s)", fqdn, resp.SettingsSerial, resp.KeysSerial)
    if p.opts.Reload != nil { p.opts.Reload() }
    return true, nil
}

// write stores the snapshots whose serial is newer than what this node has,
// in memory or on disk. Older or equal ones are ignored.
func (p *Puller) write(resp transport.SyncResponse) (bool, error) {
    wrote := false
    for _, item := range []struct {
        kind  disk.Kind
        local state.Serial
        snap  state.Snapshot
    }{
        {disk.Keys, p.opts.State.Keys().Serial, state.Snapshot{Serial: resp.KeysSerial, Data: resp.Keys}},
        {disk.Settings, p.opts.State.Settings().Serial, state.Snapshot{Serial: resp.SettingsSerial, Data: resp.Settings}},
    } {
        onDisk, err := p.opts.Store.LatestSerial(item.kind)
        if err != nil { return wrote, err }
        if item.snap.Serial <= item.local || item.snap.Serial <= onDisk { continue }
        if err := p.opts.Store.WriteSnapshot(item.kind, item.snap); err != nil { return wrote, fmt.Errorf("syncer: write %s: %w", item.kind, err) }
        wrote = true
    }
    return wrote, nil
}

func validResponse(r transport.SyncResponse) bool {
    return r.KeysSerial > 0 && r.SettingsSerial > 0 && json.Valid(r.Keys) && json.Valid(r.Settings)
}

// Server answers sync requests from peers.
type Server struct {
    opts Options
    log  *zap.Logger
}

func NewServer(opts Options) (*Server, error) {
    if err := opts.setDefaults(); err != nil { return nil, err }
    return &Server{opts: opts, log: opts.Logger}, nil
}

// Serve verifies the request and answers with the newest on-disk snapshots.
func (s *Server) Serve(ctx context.Context, env integrity.Envelope) (integrity.Envelope, error) {
    _, end := tracing.StartSpan(ctx, "sync.serve")
    defer end()
    codec := s.opts.Codec()
    var req transport.SyncRequest
    if !codec.Unwrap(env, &req) {
        logutil.Warnf(s.log, "received sync request with invalid checksum")
        return integrity.Envelope{}, transport.ChecksumMismatch()
    }
    if err := transport.Validate(req); err != nil {
        logutil.Warnf(s.log, "received invalid sync request from %s: %v", req.From.FQDN, err)
        return integrity.Envelope{}, err
    }
    if !s.opts.State.Topology().Contains(req.From.FQDN) {
        logutil.Warnf(s.log, "refused sync request from %s which is not a node of this cluster", req.From.FQDN)
        return integrity.Envelope{}, transport.RogueMember(req.From.FQDN)
    }
    settings, err := s.opts.Store.Latest(disk.Settings)
    if err != nil { return integrity.Envelope{}, transport.PersistenceFailed(err) }
    keyset, err := s.opts.Store.Latest(disk.Keys)
    if err != nil { return integrity.Envelope{}, transport.PersistenceFailed(err) }
    logutil.Debugf(s.log, "serving settings %s and keys %s to %s", settings.Serial, keyset.Serial, req.From.FQDN)
    return codec.Wrap(transport.SyncResponse{
        Keys:           keyset.Data,
        Settings:       settings.Data,
        KeysSerial:     keyset.Serial,
        SettingsSerial: settings.Serial,
    })
}
