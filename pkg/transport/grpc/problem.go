package grpc

import (
    "encoding/json"
    "errors"
    "net/http"

    "google.golang.org/grpc/codes"
    "google.golang.org/grpc/status"

    "github.com/amirimatin/go-clustercore/pkg/transport"
)

// toStatus carries a transport.Problem across gRPC. The status message holds
// the problem document so clients get the same error back.
func toStatus(err error) error {
    p := transport.AsProblem(err)
    b, _ := json.Marshal(p)
    return status.Error(codeOf(p.Status), string(b))
}

// fromStatus restores a problem from a gRPC error. Other errors pass through.
func fromStatus(err error) error {
    if err == nil { return nil }
    st, ok := status.FromError(err)
    if !ok { return err }
    var p transport.Problem
    if json.Unmarshal([]byte(st.Message()), &p) == nil && p.Type != "" { return &p }
    return err
}

func codeOf(httpStatus int) codes.Code {
    switch httpStatus {
    case http.StatusBadRequest:
        return codes.InvalidArgument
    case http.StatusForbidden:
        return codes.PermissionDenied
    case http.StatusConflict:
        return codes.FailedPrecondition
    case http.StatusNotImplemented:
        return codes.Unimplemented
    default:
        return codes.Internal
    }
}

func notSupported() error {
    return &transport.Problem{Status: http.StatusNotImplemented, Type: "core.not_supported", Title: "Not supported"}
}

// IsProblem reports whether err carries a problem of the given type.
func IsProblem(err error, typ string) bool {
    var p *transport.Problem
    return errors.As(err, &p) && p.Type == typ
}
