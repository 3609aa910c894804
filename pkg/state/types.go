package state

import (
    "bytes"
    "encoding/json"
    "errors"
    "fmt"
    "math"
    "strconv"
    "time"
)

// Phase is the cluster-membership state of the local node.
type Phase string

const (
    PhaseEphemeral  Phase = "EPHEMERAL"
    PhaseLeaderless Phase = "LEADERLESS"
    PhaseFollower   Phase = "FOLLOWER"
    PhaseLeader     Phase = "LEADER"
    PhaseDegraded   Phase = "DEGRADED"
)

// ErrBadSerial is returned when a serial is not a positive integer.
var ErrBadSerial = errors.New("state: serial must be a positive integer")

// Serial is a Unix-millisecond timestamp used as the version of a snapshot.
// It decodes from a JSON number or a numeric string and nothing else, so it is
// always safe to use in a file name.
type Serial int64

// NewSerial returns a serial for the current time.
func NewSerial() Serial { return Serial(time.Now().UnixMilli()) }

func (s Serial) String() string { return strconv.FormatInt(int64(s), 10) }

func (s *Serial) UnmarshalJSON(b []byte) error {
    b = bytes.TrimSpace(b)
    if bytes.Equal(b, []byte("null")) { *s = 0; return nil }
    if len(b) > 1 && b[0] == '"' && b[len(b)-1] == '"' { b = b[1 : len(b)-1] }
    v, err := ParseSerial(string(b))
    if err != nil { return err }
    *s = v
    return nil
}

// ParseSerial coerces a textual serial to a number. Integral floats are
// accepted ("1.7e12"), anything else is rejected.
func ParseSerial(text string) (Serial, error) {
    if n, err := strconv.ParseInt(text, 10, 64); err == nil {
        if n < 0 { return 0, ErrBadSerial }
        return Serial(n), nil
    }
    f, err := strconv.ParseFloat(text, 64)
    if err != nil || f < 0 || f != math.Trunc(f) || f >= math.MaxInt64 || math.IsInf(f, 0) {
        return 0, fmt.Errorf("%w: %q", ErrBadSerial, text)
    }
    return Serial(f), nil
}

// Identity is the immutable identity of the cluster.
type Identity struct {
    ClusterUUID string `json:"cluster"`
    Version     string `json:"version"`
}

// NodeRecord describes one configured node.
type NodeRecord struct {
    UUID     string `json:"uuid"`
    FQDN     string `json:"fqdn"`
    Hostname string `json:"hostname"`
    IP       string `json:"ip,omitempty"`
    Serial   int    `json:"serial"`
}

// LeaderPointer identifies the node believed to lead the cluster.
type LeaderPointer struct {
    UUID   string `json:"uuid,omitempty"`
    Serial int    `json:"serial,omitempty"`
}

// Known reports whether a leader is set.
func (l LeaderPointer) Known() bool { return l.Serial > 0 }

// Snapshot is a versioned settings or keys payload. Data is kept as raw JSON
// so it is written and checksummed byte for byte.
type Snapshot struct {
    Serial Serial          `json:"serial"`
    Data   json.RawMessage `json:"data"`
}

// PeerHealth is the outcome of the last heartbeat round trip with a peer.
type PeerHealth struct {
    Up    bool            `json:"up"`
    OK    bool            `json:"ok"`
    Data  json.RawMessage `json:"data,omitempty"`
    Error string          `json:"error,omitempty"`
    RTT   time.Duration   `json:"rtt"`
    At    time.Time       `json:"at"`
}

// ClusterStatus is the consolidated health of the cluster.
type ClusterStatus struct {
    Code         int       `json:"code"`
    Color        string    `json:"color"`
    Time         time.Time `json:"time"`
    Leading      bool      `json:"leading"`
    LeaderSerial int       `json:"leader_serial"`
}

// Status carries the cluster status and, per node fqdn, per-service codes.
type Status struct {
    Cluster ClusterStatus             `json:"cluster"`
    Nodes   map[string]map[string]int `json:"nodes,omitempty"`
}

func (s Status) clone() Status {
    out := Status{Cluster: s.Cluster, Nodes: make(map[string]map[string]int, len(s.Nodes))}
    for fqdn, codes := range s.Nodes {
        cp := make(map[string]int, len(codes))
        for k, v := range codes { cp[k] = v }
        out.Nodes[fqdn] = cp
    }
    return out
}
