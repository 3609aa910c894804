package transport

import (
    "errors"
    "fmt"
    "net/http"
)

// Action is the corrective step a heartbeat verification asks for.
type Action uint8

const (
    ActionNone Action = iota
    ActionStartSync
    ActionSync
    ActionInvite
    ActionLeaderChange
)

var ErrUnknownAction = errors.New("transport: unknown action")

var actionNames = [...]string{"", "START_SYNC", "SYNC", "INVITE", "LEADER_CHANGE"}

func (a Action) String() string {
    if int(a) < len(actionNames) { return actionNames[a] }
    return fmt.Sprintf("Action(%d)", uint8(a))
}

func (a Action) MarshalText() ([]byte, error) {
    if int(a) >= len(actionNames) { return nil, ErrUnknownAction }
    return []byte(actionNames[a]), nil
}

func (a *Action) UnmarshalText(b []byte) error {
    for i, n := range actionNames {
        if n == string(b) { *a = Action(i); return nil }
    }
    return fmt.Errorf("%w: %q", ErrUnknownAction, b)
}

// Reply maps the verifier's action to the one sent back to the peer: a node
// that starts a sync itself tells the peer to sync as well.
func (a Action) Reply() Action {
    if a == ActionStartSync { return ActionSync }
    return a
}

// Problem types returned by request handlers.
const (
    ProblemSchema      = "core.schema.violation"
    ProblemChecksum    = "core.checksum.mismatch"
    ProblemEphemeral   = "core.ephemeral.required"
    ProblemPersistence = "core.persistence.failed"
    ProblemRogue       = "core.member.unknown"
)

// Problem is an error with an HTTP status, serialized as the response body.
type Problem struct {
    Status int    `json:"status"`
    Type   string `json:"type"`
    Title  string `json:"title"`
    Detail string `json:"detail,omitempty"`
}

func (p *Problem) Error() string {
    if p.Detail != "" { return fmt.Sprintf("%s (%d): %s", p.Type, p.Status, p.Detail) }
    return fmt.Sprintf("%s (%d)", p.Type, p.Status)
}

func newProblem(status int, typ, title, detail string) *Problem {
    return &Problem{Status: status, Type: typ, Title: title, Detail: detail}
}

func SchemaViolation(detail string) *Problem {
    return newProblem(http.StatusBadRequest, ProblemSchema, "Schema violation", detail)
}

func ChecksumMismatch() *Problem {
    return newProblem(http.StatusForbidden, ProblemChecksum, "Checksum mismatch", "")
}

func EphemeralRequired() *Problem {
    return newProblem(http.StatusConflict, ProblemEphemeral, "Node is not ephemeral", "")
}

func RogueMember(fqdn string) *Problem {
    return newProblem(http.StatusForbidden, ProblemRogue, "Not a member of this cluster", fqdn)
}

func PersistenceFailed(err error) *Problem {
    return newProblem(http.StatusInternalServerError, ProblemPersistence, "Failed to persist cluster data", err.Error())
}

// AsProblem converts err to a Problem; errors that are not problems become a
// generic 500.
func AsProblem(err error) *Problem {
    var p *Problem
    if errors.As(err, &p) { return p }
    return newProblem(http.StatusInternalServerError, "core.internal", "Internal error", err.Error())
}
