// Package disk persists settings and keys snapshots and the local node record
// under the data directory. File names carry the serial; the newest serial on
// disk is authoritative.
package disk

import (
    "encoding/json"
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "regexp"
    "sync"

    "go.uber.org/multierr"

    "github.com/amirimatin/go-clustercore/pkg/state"
)

// Kind names a versioned artifact.
type Kind string

const (
    Settings Kind = "settings"
    Keys     Kind = "keys"

    nodeFile = "node.json"
)

var (
    ErrNotFound = errors.New("disk: snapshot not found")
    ErrBadKind  = errors.New("disk: unknown snapshot kind")

    patterns = map[Kind]*regexp.Regexp{
        Settings: regexp.MustCompile(`^settings\.([0-9]+)\.json$`),
        Keys:     regexp.MustCompile(`^keys\.([0-9]+)\.json$`),
    }
)

// NodeFile is the on-disk form of the local node record.
type NodeFile struct {
    FQDN     string `json:"fqdn"`
    Hostname string `json:"hostname"`
    Serial   int    `json:"serial"`
    UUID     string `json:"uuid"`
}

// Store serializes all writes under a single lock. Every file is written to
// a temp file in the same directory and renamed into place.
type Store struct {
    dir string
    mu  sync.Mutex
}

// New returns a store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
    if dir == "" { return nil, fmt.Errorf("disk: empty data dir") }
    if err := os.MkdirAll(dir, 0o755); err != nil { return nil, err }
    return &Store{dir: dir}, nil
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) path(k Kind, serial state.Serial) string {
    return filepath.Join(s.dir, fmt.Sprintf("%s.%s.json", k, serial))
}

func perm(k Kind) os.FileMode {
    if k == Keys { return 0o600 }
    return 0o644
}

// WriteSnapshot stores snap under its serial.
func (s *Store) WriteSnapshot(k Kind, snap state.Snapshot) error {
    if _, ok := patterns[k]; !ok { return ErrBadKind }
    if snap.Serial <= 0 { return state.ErrBadSerial }
    if !json.Valid(snap.Data) { return fmt.Errorf("disk: %s.%s: invalid json", k, snap.Serial) }
    s.mu.Lock(); defer s.mu.Unlock()
    return writeAtomic(s.path(k, snap.Serial), snap.Data, perm(k))
}

// WriteSnapshots writes a settings and keys pair. When the keys cannot be
// written, a settings file created by this call is removed again so the pair
// never lands half way.
func (s *Store) WriteSnapshots(settings, keys state.Snapshot) error {
    sp := s.path(Settings, settings.Serial)
    _, statErr := os.Stat(sp)
    existed := statErr == nil
    if err := s.WriteSnapshot(Settings, settings); err != nil { return err }
    err := s.WriteSnapshot(Keys, keys)
    if err == nil || existed { return err }
    s.mu.Lock(); defer s.mu.Unlock()
    if rmErr := os.Remove(sp); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
        err = multierr.Append(err, rmErr)
    }
    return err
}

// WriteNode replaces node.json.
func (s *Store) WriteNode(n NodeFile) error {
    b, err := json.MarshalIndent(n, "", "  ")
    if err != nil { return err }
    s.mu.Lock(); defer s.mu.Unlock()
    return writeAtomic(filepath.Join(s.dir, nodeFile), b, 0o644)
}

// ReadNode reads node.json; ErrNotFound when absent.
func (s *Store) ReadNode() (NodeFile, error) {
    var n NodeFile
    b, err := os.ReadFile(filepath.Join(s.dir, nodeFile))
    if errors.Is(err, os.ErrNotExist) { return n, ErrNotFound }
    if err != nil { return n, err }
    if err := json.Unmarshal(b, &n); err != nil { return n, fmt.Errorf("disk: node.json: %w", err) }
    return n, nil
}

// LatestSerial returns the highest serial stored for k, or 0 when none.
func (s *Store) LatestSerial(k Kind) (state.Serial, error) {
    re, ok := patterns[k]
    if !ok { return 0, ErrBadKind }
    entries, err := os.ReadDir(s.dir)
    if err != nil { return 0, err }
    var best state.Serial
    for _, e := range entries {
        if e.IsDir() { continue }
        m := re.FindStringSubmatch(e.Name())
        if m == nil { continue }
        v, err := state.ParseSerial(m[1])
        if err != nil { continue }
        if v > best { best = v }
    }
    return best, nil
}

// ReadSnapshot reads the snapshot stored for k at serial.
func (s *Store) ReadSnapshot(k Kind, serial state.Serial) (state.Snapshot, error) {
    if _, ok := patterns[k]; !ok { return state.Snapshot{}, ErrBadKind }
    b, err := os.ReadFile(s.path(k, serial))
    if errors.Is(err, os.ErrNotExist) { return state.Snapshot{}, ErrNotFound }
    if err != nil { return state.Snapshot{}, err }
    return state.Snapshot{Serial: serial, Data: b}, nil
}

// Latest reads the newest snapshot for k.
func (s *Store) Latest(k Kind) (state.Snapshot, error) {
    serial, err := s.LatestSerial(k)
    if err != nil { return state.Snapshot{}, err }
    if serial == 0 { return state.Snapshot{}, ErrNotFound }
    return s.ReadSnapshot(k, serial)
}

// Newest is the pair of newest snapshots plus the node file. Missing pieces
// are left zero.
type Newest struct {
    Settings state.Snapshot
    Keys     state.Snapshot
    Node     NodeFile
}

// Load reads the newest settings, keys and node.json.
func (s *Store) Load() (Newest, error) {
    var out Newest
    var errs error
    for k, dst := range map[Kind]*state.Snapshot{Settings: &out.Settings, Keys: &out.Keys} {
        snap, err := s.Latest(k)
        if err != nil && !errors.Is(err, ErrNotFound) { errs = multierr.Append(errs, err); continue }
        *dst = snap
    }
    n, err := s.ReadNode()
    if err != nil && !errors.Is(err, ErrNotFound) { errs = multierr.Append(errs, err) }
    out.Node = n
    return out, errs
}

func writeAtomic(path string, data []byte, mode os.FileMode) (err error) {
    tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
    if err != nil { return err }
    defer func() {
        if err != nil { _ = os.Remove(tmp.Name()) }
    }()
    if _, err = tmp.Write(data); err != nil { _ = tmp.Close(); return err }
    if err = tmp.Sync(); err != nil { _ = tmp.Close(); return err }
    if err = tmp.Close(); err != nil { return err }
    if err = os.Chmod(tmp.Name(), mode); err != nil { return err }
    return os.Rename(tmp.Name(), path)
}
