package grpc

import (
    "context"
    "encoding/json"
    "net/http"
    "sync"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
    "go.uber.org/atomic"
    "google.golang.org/grpc"
    "google.golang.org/grpc/credentials/insecure"

    "github.com/amirimatin/go-clustercore/pkg/integrity"
    "github.com/amirimatin/go-clustercore/pkg/transport"
)

func start(t *testing.T, h transport.Handlers) (*Server, *Client) {
    t.Helper()
    s := NewServer("127.0.0.1:0", nil)
    ctx, cancel := context.WithCancel(context.Background())
    require.NoError(t, s.Start(ctx, h))
    c := NewClient(2 * time.Second)
    t.Cleanup(func() {
        c.Close()
        cancel()
        _ = s.Stop(context.Background())
    })
    return s, c
}

func TestGRPC_HeartbeatAndStatus(t *testing.T) {
    codec := integrity.New([]byte("secret"))
    s, c := start(t, transport.Handlers{
        Status: func(ctx context.Context) ([]byte, error) { return []byte(`{"phase":"FOLLOWER"}`), nil },
        Heartbeat: func(ctx context.Context, env integrity.Envelope) (transport.HeartbeatReply, error) {
            if !codec.Valid(env) { return transport.HeartbeatReply{}, transport.ChecksumMismatch() }
            out, err := codec.Wrap(transport.HeartbeatResponse{Node: "u-b"})
            return transport.ReplyFromEnvelope(out), err
        },
    })

    data, err := c.GetStatus(context.Background(), s.Addr())
    require.NoError(t, err)
    assert.JSONEq(t, `{"phase":"FOLLOWER"}`, string(data))

    env, _ := codec.Wrap(transport.HeartbeatRequest{To: "b"})
    reply, err := c.PostHeartbeat(context.Background(), s.Addr(), env)
    require.NoError(t, err)
    var resp transport.HeartbeatResponse
    require.True(t, codec.Unwrap(reply.Envelope(), &resp))
    assert.Equal(t, "u-b", resp.Node)

    bad, _ := integrity.New([]byte("x")).Wrap(transport.HeartbeatRequest{To: "b"})
    _, err = c.PostHeartbeat(context.Background(), s.Addr(), bad)
    require.Error(t, err)
    assert.True(t, IsProblem(err, transport.ProblemChecksum))
    assert.Equal(t, http.StatusForbidden, transport.AsProblem(err).Status)
}

func TestGRPC_JoinFollowUpRunsAfterReply(t *testing.T) {
    release := make(chan struct{})
    ran := make(chan struct{})
    s, c := start(t, transport.Handlers{
        Join: func(ctx context.Context, req transport.JoinRequest) (transport.JoinResponse, func(), error) {
            return transport.JoinResponse{Cluster: req.Cluster, Node: "u-1"}, func() {
                <-release
                close(ran)
            }, nil
        },
    })
    resp, err := c.PostJoin(context.Background(), s.Addr(), transport.JoinRequest{Cluster: "c-1"})
    require.NoError(t, err)
    assert.Equal(t, "c-1", resp.Cluster)
    close(release)
    select {
    case <-ran:
    case <-time.After(2 * time.Second):
        t.Fatal("follow-up never ran")
    }
}

func TestGRPC_SyncAndUnsupported(t *testing.T) {
    s, c := start(t, transport.Handlers{
        Sync: func(ctx context.Context, env integrity.Envelope) (integrity.Envelope, error) {
            return integrity.Envelope{Data: json.RawMessage(`{"a":1}`), Checksum: "c"}, nil
        },
    })
    out, err := c.PostSync(context.Background(), s.Addr(), integrity.Envelope{})
    require.NoError(t, err)
    assert.Equal(t, "c", out.Checksum)

    _, err = c.PostJoin(context.Background(), s.Addr(), transport.JoinRequest{})
    assert.Equal(t, http.StatusNotImplemented, transport.AsProblem(err).Status)
}

func TestProblemStatusRoundTrip(t *testing.T) {
    err := fromStatus(toStatus(transport.EphemeralRequired()))
    p := transport.AsProblem(err)
    assert.Equal(t, http.StatusConflict, p.Status)
    assert.Equal(t, transport.ProblemEphemeral, p.Type)
    assert.Nil(t, fromStatus(nil))
}

func TestConnManager_SharesDialAndEvictsIdle(t *testing.T) {
    var dials atomic.Int32
    gate := make(chan struct{})
    m := NewConnManager(40*time.Millisecond, func(ctx context.Context, target string) (*grpc.ClientConn, error) {
        dials.Add(1)
        <-gate
        return grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
    })
    defer m.Close()

    var wg sync.WaitGroup
    for i := 0; i < 4; i++ {
        wg.Add(1)
        go func() {
            defer wg.Done()
            cc, release, err := m.Get(context.Background(), "127.0.0.1:1")
            assert.NoError(t, err)
            assert.NotNil(t, cc)
            release()
        }()
    }
    time.Sleep(20 * time.Millisecond)
    close(gate)
    wg.Wait()
    assert.Equal(t, int32(1), dials.Load())

    require.Eventually(t, func() bool {
        m.mu.Lock()
        defer m.mu.Unlock()
        return len(m.conns) == 0
    }, time.Second, 10*time.Millisecond)
    _, release, err := m.Get(context.Background(), "127.0.0.1:1")
    require.NoError(t, err)
    release()
    assert.Equal(t, int32(2), dials.Load())
}
