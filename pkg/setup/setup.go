// Package setup creates the first configuration of a cluster on one node:
// the settings and keys snapshots and node.json. Every other node receives
// them by invitation.
package setup

import (
    "crypto/rand"
    "encoding/hex"
    "encoding/json"
    "errors"
    "fmt"
    "os"
    "strings"

    "github.com/google/uuid"
    "gopkg.in/yaml.v3"

    "github.com/amirimatin/go-clustercore/pkg/ca"
    "github.com/amirimatin/go-clustercore/pkg/keys"
    "github.com/amirimatin/go-clustercore/pkg/state"
    "github.com/amirimatin/go-clustercore/pkg/state/disk"
)

var (
    ErrConfigured = errors.New("setup: node already has a cluster configuration")
    ErrNotListed  = errors.New("setup: node is not listed in cluster.broker_nodes or cluster.flanking_nodes")
)

// Options for Run. Settings is YAML (JSON is accepted as a YAML subset) and
// must list the node under cluster.broker_nodes or cluster.flanking_nodes.
type Options struct {
    FQDN     string
    Settings []byte
    // Plain stores the key set unsealed.
    Plain bool
    // CAName is the common name of the generated root; defaults to the
    // cluster uuid.
    CAName string
    // Force overwrites an existing configuration.
    Force bool
}

// Result describes what was written.
type Result struct {
    Cluster  string       `json:"cluster"`
    Node     string       `json:"node"`
    Serial   int          `json:"serial"`
    Snapshot state.Serial `json:"snapshot"`
    CA       string       `json:"ca_fingerprint"`
}

// Run writes a fresh configuration into store.
func Run(store *disk.Store, opts Options) (Result, error) {
    if opts.FQDN == "" { return Result{}, errors.New("setup: fqdn is required") }
    if !opts.Force {
        if serial, err := store.LatestSerial(disk.Settings); err == nil && serial > 0 { return Result{}, ErrConfigured }
    }
    settings, err := toJSON(opts.Settings)
    if err != nil { return Result{}, err }
    topo, err := state.ParseTopology(settings)
    if err != nil { return Result{}, err }
    serial := topo.SerialOf(opts.FQDN)
    if serial == 0 { return Result{}, fmt.Errorf("%w: %s", ErrNotListed, opts.FQDN) }

    cluster := uuid.NewString()
    name := opts.CAName
    if name == "" { name = "clustercore " + cluster }
    root, err := ca.GenerateRoot(name, 10)
    if err != nil { return Result{}, fmt.Errorf("setup: generate ca: %w", err) }
    set := keys.Set{Cluster: cluster, Rpwd: randomHex(32), JWT: randomHex(32), CA: root}
    keyData, err := encodeKeys(set, opts.Plain)
    if err != nil { return Result{}, err }
    fp, err := ca.Fingerprint(root.Certificate)
    if err != nil { return Result{}, err }

    snap := state.NewSerial()
    if err := store.WriteSnapshots(
        state.Snapshot{Serial: snap, Data: settings},
        state.Snapshot{Serial: snap, Data: keyData},
    ); err != nil {
        return Result{}, fmt.Errorf("setup: %w", err)
    }
    node := disk.NodeFile{
        FQDN:     opts.FQDN,
        Hostname: strings.SplitN(opts.FQDN, ".", 2)[0],
        Serial:   serial,
        UUID:     uuid.NewString(),
    }
    if err := store.WriteNode(node); err != nil { return Result{}, fmt.Errorf("setup: %w", err) }
    return Result{Cluster: cluster, Node: node.UUID, Serial: serial, Snapshot: snap, CA: fp}, nil
}

// ReadFile is Run with the settings read from path.
func ReadFile(store *disk.Store, path string, opts Options) (Result, error) {
    b, err := os.ReadFile(path)
    if err != nil { return Result{}, err }
    opts.Settings = b
    return Run(store, opts)
}

func toJSON(src []byte) (json.RawMessage, error) {
    var doc map[string]any
    if err := yaml.Unmarshal(src, &doc); err != nil { return nil, fmt.Errorf("setup: settings: %w", err) }
    if doc == nil { return nil, errors.New("setup: settings are empty") }
    out, err := json.Marshal(doc)
    if err != nil { return nil, fmt.Errorf("setup: settings: %w", err) }
    return out, nil
}

func encodeKeys(set keys.Set, plain bool) (json.RawMessage, error) {
    if plain { return json.Marshal(set) }
    seal, err := keys.NewSeal()
    if err != nil { return nil, err }
    return keys.SealSet(set, seal)
}

func randomHex(n int) string {
    b := make([]byte, n)
    if _, err := rand.Read(b); err != nil { panic(err) }
    return hex.EncodeToString(b)
}
