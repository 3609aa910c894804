// Package membership is the gossip layer. It does not decide anything about
// the cluster; it tells the orchestrator which peers are reachable and where
// their management endpoints listen.
package membership

import (
    "context"
    "strconv"
    "time"
)

// Metadata keys gossiped with every member.
const (
    MetaUUID   = "uuid"
    MetaSerial = "serial"
    MetaMgmt   = "mgmt"
    MetaRaft   = "raft"
)

// MemberInfo describes a member as observed by the gossip layer. ID is the
// node fqdn.
type MemberInfo struct {
    ID   string
    Addr string
    Meta map[string]string
}

// Mgmt returns the advertised management address, if any.
func (m MemberInfo) Mgmt() string { return m.Meta[MetaMgmt] }

// Raft returns the advertised consensus address, if any.
func (m MemberInfo) Raft() string { return m.Meta[MetaRaft] }

// Serial returns the advertised topology serial, or 0.
func (m MemberInfo) Serial() int {
    n, err := strconv.Atoi(m.Meta[MetaSerial])
    if err != nil { return 0 }
    return n
}

type EventType string

const (
    EventJoin   EventType = "join"
    EventUpdate EventType = "update"
    // EventLeave is a graceful departure.
    EventLeave EventType = "leave"
    // EventFailed means the failure detector declared the member dead.
    EventFailed EventType = "failed"
)

// Event is the translated membership change notification.
type Event struct {
    Type   EventType
    Member MemberInfo
    At     time.Time
}

// Membership is the abstraction over the underlying gossip/failure-detection
// layer.
type Membership interface {
    Start(ctx context.Context) error
    Join(seeds []string) error
    Local() MemberInfo
    Members() []MemberInfo
    Events() <-chan Event
    Leave() error
    Stop() error
}
