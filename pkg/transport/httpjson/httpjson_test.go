package httpjson

import (
    "context"
    "encoding/json"
    "net/http"
    "net/http/httptest"
    "strings"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-clustercore/pkg/integrity"
    "github.com/amirimatin/go-clustercore/pkg/transport"
)

func mount(t *testing.T, h transport.Handlers) (*Server, *Client, string) {
    t.Helper()
    s := NewServer("127.0.0.1:0", nil)
    ts := httptest.NewServer(s.Router(h))
    t.Cleanup(ts.Close)
    return s, NewClient(time.Second), strings.TrimPrefix(ts.URL, "http://")
}

func TestHeartbeat_RoundTrip(t *testing.T) {
    codec := integrity.New([]byte("secret"))
    _, c, addr := mount(t, transport.Handlers{
        Heartbeat: func(ctx context.Context, env integrity.Envelope) (transport.HeartbeatReply, error) {
            var req transport.HeartbeatRequest
            if !codec.Unwrap(env, &req) { return transport.HeartbeatReply{}, transport.ChecksumMismatch() }
            out, err := codec.Wrap(transport.HeartbeatResponse{Node: "u-" + req.To, Action: transport.ActionSync})
            return transport.ReplyFromEnvelope(out), err
        },
    })

    env, err := codec.Wrap(transport.HeartbeatRequest{To: "b.example.com"})
    require.NoError(t, err)
    reply, err := c.PostHeartbeat(context.Background(), addr, env)
    require.NoError(t, err)
    require.True(t, reply.Wrapped())
    var resp transport.HeartbeatResponse
    require.True(t, codec.Unwrap(reply.Envelope(), &resp))
    assert.Equal(t, "u-b.example.com", resp.Node)
    assert.Equal(t, transport.ActionSync, resp.Action)

    forged := integrity.New([]byte("other"))
    env, _ = forged.Wrap(transport.HeartbeatRequest{To: "b.example.com"})
    _, err = c.PostHeartbeat(context.Background(), addr, env)
    p := transport.AsProblem(err)
    assert.Equal(t, http.StatusForbidden, p.Status)
    assert.Equal(t, transport.ProblemChecksum, p.Type)
}

func TestHeartbeat_UnwrappedInvite(t *testing.T) {
    _, c, addr := mount(t, transport.Handlers{
        Heartbeat: func(ctx context.Context, env integrity.Envelope) (transport.HeartbeatReply, error) {
            return transport.HeartbeatReply{Action: transport.ActionInvite, Version: "1.0.0"}, nil
        },
    })
    reply, err := c.PostHeartbeat(context.Background(), addr, integrity.Envelope{})
    require.NoError(t, err)
    assert.False(t, reply.Wrapped())
    assert.Equal(t, transport.ActionInvite, reply.Action)
    assert.Equal(t, "1.0.0", reply.Version)
}

func TestJoin_RepliesBeforeFollowUp(t *testing.T) {
    release := make(chan struct{})
    ran := make(chan struct{})
    s, c, addr := mount(t, transport.Handlers{
        Join: func(ctx context.Context, req transport.JoinRequest) (transport.JoinResponse, func(), error) {
            return transport.JoinResponse{Cluster: req.Cluster, Node: "u-1", Serial: 100}, func() {
                <-release
                close(ran)
            }, nil
        },
    })

    resp, err := c.PostJoin(context.Background(), addr, transport.JoinRequest{Cluster: "c-1"})
    require.NoError(t, err)
    assert.Equal(t, "c-1", resp.Cluster)
    select {
    case <-ran:
        t.Fatal("follow-up ran before the reply was read")
    default:
    }
    close(release)
    s.after.Wait()
    <-ran
}

func TestJoin_ProblemAndSchema(t *testing.T) {
    _, c, addr := mount(t, transport.Handlers{
        Join: func(ctx context.Context, req transport.JoinRequest) (transport.JoinResponse, func(), error) {
            return transport.JoinResponse{}, nil, transport.EphemeralRequired()
        },
    })
    _, err := c.PostJoin(context.Background(), addr, transport.JoinRequest{})
    assert.Equal(t, http.StatusConflict, transport.AsProblem(err).Status)

    resp, err := http.Post("http://"+addr+PathJoin, "application/json", strings.NewReader("{"))
    require.NoError(t, err)
    defer resp.Body.Close()
    assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
    assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
    var p transport.Problem
    require.NoError(t, json.NewDecoder(resp.Body).Decode(&p))
    assert.Equal(t, transport.ProblemSchema, p.Type)

    get, err := http.Get("http://" + addr + PathJoin)
    require.NoError(t, err)
    get.Body.Close()
    assert.Equal(t, http.StatusMethodNotAllowed, get.StatusCode)
}

func TestSync_RoundTrip(t *testing.T) {
    _, c, addr := mount(t, transport.Handlers{
        Sync: func(ctx context.Context, env integrity.Envelope) (integrity.Envelope, error) {
            return integrity.Envelope{Data: json.RawMessage(`{"keys_serial":2}`), Checksum: "abc"}, nil
        },
    })
    out, err := c.PostSync(context.Background(), addr, integrity.Envelope{Data: json.RawMessage(`{}`)})
    require.NoError(t, err)
    assert.Equal(t, "abc", out.Checksum)
    assert.JSONEq(t, `{"keys_serial":2}`, string(out.Data))
}

func TestServer_StartStatusStop(t *testing.T) {
    s := NewServer("127.0.0.1:0", nil)
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    require.NoError(t, s.Start(ctx, transport.Handlers{
        Status: func(ctx context.Context) ([]byte, error) { return []byte(`{"phase":"LEADER"}`), nil },
    }))
    c := NewClient(time.Second)
    data, err := c.GetStatus(context.Background(), s.Addr())
    require.NoError(t, err)
    assert.JSONEq(t, `{"phase":"LEADER"}`, string(data))

    resp, err := http.Get("http://" + s.Addr() + "/healthz")
    require.NoError(t, err)
    resp.Body.Close()
    assert.Equal(t, http.StatusOK, resp.StatusCode)

    _, err = c.PostHeartbeat(context.Background(), s.Addr(), integrity.Envelope{})
    assert.Equal(t, http.StatusNotImplemented, transport.AsProblem(err).Status)

    require.NoError(t, s.Stop(context.Background()))
    require.NoError(t, s.Stop(context.Background()))
}
