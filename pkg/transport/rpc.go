package transport

import (
    "context"
    "encoding/json"

    "github.com/amirimatin/go-clustercore/pkg/integrity"
    "github.com/amirimatin/go-clustercore/pkg/state"
)

// NodeRef identifies the sending node.
type NodeRef struct {
    FQDN   string `json:"fqdn" validate:"required,hostname_rfc1123|ip"`
    Serial int    `json:"serial" validate:"gte=0"`
    UUID   string `json:"uuid"`
}

// SyncRef is the sync requester together with its snapshot serials.
type SyncRef struct {
    NodeRef
    KeysSerial     state.Serial `json:"keys_serial"`
    SettingsSerial state.Serial `json:"settings_serial"`
}

// LeaderRef names a leader. Zero fields are omitted on the wire.
type LeaderRef struct {
    Serial int    `json:"serial,omitempty"`
    UUID   string `json:"uuid,omitempty"`
}

// HeartbeatRequest is the checksummed payload of POST /cluster/heartbeat.
type HeartbeatRequest struct {
    From           NodeRef                     `json:"from" validate:"required"`
    To             string                      `json:"to" validate:"required"`
    Cluster        string                      `json:"cluster"`
    ClusterLeader  LeaderRef                   `json:"cluster_leader"`
    Version        string                      `json:"version" validate:"required"`
    SettingsSerial state.Serial                `json:"settings_serial"`
    KeysSerial     state.Serial                `json:"keys_serial"`
    Status         state.Status                `json:"status"`
    Nodes          map[string]state.NodeRecord `json:"nodes"`
    Broadcast      bool                        `json:"broadcast"`
    Uptime         int64                       `json:"uptime"`
}

// HeartbeatResponse is the checksummed answer to a heartbeat.
type HeartbeatResponse struct {
    Action         Action                      `json:"action,omitempty"`
    Errors         []string                    `json:"errors"`
    Cluster        string                      `json:"cluster"`
    ClusterLeader  LeaderRef                   `json:"cluster_leader"`
    Node           string                      `json:"node"`
    NodeSerial     int                         `json:"node_serial"`
    SettingsSerial state.Serial                `json:"settings_serial"`
    KeysSerial     state.Serial                `json:"keys_serial"`
    Version        string                      `json:"version"`
    Nodes          map[string]state.NodeRecord `json:"nodes"`
    Status         state.Status                `json:"status"`
}

// HeartbeatReply is the body of a heartbeat response: either a checksum
// envelope, or a bare {action, version} from an ephemeral node.
type HeartbeatReply struct {
    Data     json.RawMessage `json:"data,omitempty"`
    Checksum string          `json:"checksum,omitempty"`
    Action   Action          `json:"action,omitempty"`
    Version  string          `json:"version,omitempty"`
}

// Wrapped reports whether the reply carries a checksum envelope.
func (r HeartbeatReply) Wrapped() bool { return len(r.Data) > 0 || r.Checksum != "" }

func (r HeartbeatReply) Envelope() integrity.Envelope {
    return integrity.Envelope{Data: r.Data, Checksum: r.Checksum}
}

// ReplyFromEnvelope builds a wrapped reply.
func ReplyFromEnvelope(env integrity.Envelope) HeartbeatReply {
    return HeartbeatReply{Data: env.Data, Checksum: env.Checksum}
}

// JoinRequest is the unwrapped body of POST /cluster/join.
type JoinRequest struct {
    You      string         `json:"you" validate:"required,hostname_rfc1123|ip"`
    Join     string         `json:"join" validate:"required"`
    As       string         `json:"as" validate:"required,oneof=broker_node flanking_node"`
    Cluster  string         `json:"cluster" validate:"required"`
    Settings state.Snapshot `json:"settings"`
    Keys     state.Snapshot `json:"keys"`
}

// JoinResponse acknowledges a join.
type JoinResponse struct {
    Cluster string       `json:"cluster"`
    Node    string       `json:"node"`
    Serial  state.Serial `json:"serial,omitempty"`
}

// SyncRequest is the checksummed payload of POST /cluster/sync.
type SyncRequest struct {
    From SyncRef `json:"from" validate:"required"`
}

// SyncResponse is the checksummed answer to a sync request.
type SyncResponse struct {
    Keys           json.RawMessage `json:"keys"`
    Settings       json.RawMessage `json:"settings"`
    KeysSerial     state.Serial    `json:"keys_serial"`
    SettingsSerial state.Serial    `json:"settings_serial"`
}

// StatusFunc returns a JSON-encoded status payload for GET /status.
type StatusFunc func(ctx context.Context) ([]byte, error)

// HeartbeatFunc handles an inbound heartbeat envelope.
type HeartbeatFunc func(ctx context.Context, env integrity.Envelope) (HeartbeatReply, error)

// JoinFunc handles an invitation. The returned after func, when non-nil, must
// be run by the transport once the response has been delivered.
type JoinFunc func(ctx context.Context, req JoinRequest) (resp JoinResponse, after func(), err error)

// SyncFunc handles an inbound sync envelope.
type SyncFunc func(ctx context.Context, env integrity.Envelope) (integrity.Envelope, error)

// Handlers bundles the server-side entry points.
type Handlers struct {
    Status    StatusFunc
    Heartbeat HeartbeatFunc
    Join      JoinFunc
    Sync      SyncFunc
}

// RPCServer exposes the cluster endpoints to peers.
type RPCServer interface {
    Start(ctx context.Context, h Handlers) error
    Addr() string
    Stop(ctx context.Context) error
}

// RPCClient performs calls to peers using the chosen management protocol
// (HTTP/JSON or gRPC JSON codec).
type RPCClient interface {
    GetStatus(ctx context.Context, addr string) ([]byte, error)
    PostHeartbeat(ctx context.Context, addr string, env integrity.Envelope) (HeartbeatReply, error)
    PostJoin(ctx context.Context, addr string, req JoinRequest) (JoinResponse, error)
    PostSync(ctx context.Context, addr string, env integrity.Envelope) (integrity.Envelope, error)
}
