package join

import (
    "context"
    "encoding/json"
    "errors"
    "net/http"
    "os"
    "path/filepath"
    "sync"
    "sync/atomic"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
    "go.uber.org/goleak"

    "github.com/amirimatin/go-clustercore/pkg/ca"
    "github.com/amirimatin/go-clustercore/pkg/integrity"
    "github.com/amirimatin/go-clustercore/pkg/keys"
    "github.com/amirimatin/go-clustercore/pkg/state"
    "github.com/amirimatin/go-clustercore/pkg/state/disk"
    "github.com/amirimatin/go-clustercore/pkg/transport"
)

func TestMain(m *testing.M) { goleak.VerifyTestMain(m) }

var settingsJSON = json.RawMessage(`{"cluster":{"broker_nodes":["a.example.com","b.example.com"],"flanking_nodes":["f.example.com"]}}`)

func sealedKeys(t *testing.T, cluster string) json.RawMessage {
    t.Helper()
    root, err := ca.GenerateRoot("test", 1)
    require.NoError(t, err)
    seal, err := keys.NewSeal()
    require.NoError(t, err)
    raw, err := keys.SealSet(keys.Set{Cluster: cluster, Rpwd: "pw", CA: root}, seal)
    require.NoError(t, err)
    return raw
}

func joinRequest(t *testing.T) transport.JoinRequest {
    return transport.JoinRequest{
        You:      "b.example.com",
        Join:     "a.example.com",
        As:       AsBroker,
        Cluster:  "c-1",
        Settings: state.Snapshot{Serial: 100, Data: settingsJSON},
        Keys:     state.Snapshot{Serial: 100, Data: sealedKeys(t, "c-1")},
    }
}

func newAcceptor(t *testing.T, st *state.ClusterState) (*Acceptor, *disk.Store, *int32) {
    dir := t.TempDir()
    store, err := disk.New(dir)
    require.NoError(t, err)
    var reloads int32
    a, err := NewAcceptor(AcceptorOptions{
        State:  st,
        Store:  store,
        CA:     ca.NewFileProvisioner(filepath.Join(dir, "ca")),
        Reload: func() { atomic.AddInt32(&reloads, 1) },
    })
    require.NoError(t, err)
    return a, store, &reloads
}

func configured() *state.ClusterState {
    st := state.New("1.0.0")
    st.Load(state.Loaded{
        ClusterUUID: "c-1",
        Node:        state.NodeRecord{UUID: "u-b", FQDN: "b.example.com", Serial: 2},
        Settings:    state.Snapshot{Serial: 100, Data: settingsJSON},
        Keys:        state.Snapshot{Serial: 100, Data: json.RawMessage(`{}`)},
        Topology:    state.NewTopology([]string{"a.example.com", "b.example.com"}, []string{"f.example.com"}),
    })
    return st
}

func TestAccept_Ephemeral(t *testing.T) {
    st := state.New("1.0.0")
    a, store, reloads := newAcceptor(t, st)

    resp, after, err := a.Accept(context.Background(), joinRequest(t))
    require.NoError(t, err)
    require.NotNil(t, after)
    assert.Equal(t, "c-1", resp.Cluster)
    assert.NotEmpty(t, resp.Node)

    // nothing reloads until the transport runs after()
    assert.Zero(t, atomic.LoadInt32(reloads))
    assert.True(t, st.Ephemeral())
    after()
    assert.EqualValues(t, 1, atomic.LoadInt32(reloads))

    out, err := store.Load()
    require.NoError(t, err)
    assert.Equal(t, state.Serial(100), out.Settings.Serial)
    assert.Equal(t, state.Serial(100), out.Keys.Serial)
    assert.Equal(t, disk.NodeFile{FQDN: "b.example.com", Hostname: "b", Serial: 2, UUID: resp.Node}, out.Node)

    _, err = os.Stat(filepath.Join(store.Dir(), "ca", ca.ConfigFile))
    assert.NoError(t, err)
}

func TestAccept_FlankingSerial(t *testing.T) {
    a, store, _ := newAcceptor(t, state.New("1.0.0"))
    req := joinRequest(t)
    req.You, req.As = "f.example.com", AsFlanking
    _, _, err := a.Accept(context.Background(), req)
    require.NoError(t, err)
    n, err := store.ReadNode()
    require.NoError(t, err)
    assert.Equal(t, 3, n.Serial)
    assert.Equal(t, "f", n.Hostname)
}

func TestAccept_Configured(t *testing.T) {
    a, _, _ := newAcceptor(t, configured())

    req := joinRequest(t)
    resp, after, err := a.Accept(context.Background(), req)
    require.NoError(t, err)
    assert.Nil(t, after)
    assert.Equal(t, transport.JoinResponse{Cluster: "c-1", Node: "u-b", Serial: 100}, resp)

    req.Cluster = "c-2"
    _, _, err = a.Accept(context.Background(), req)
    assert.Equal(t, http.StatusConflict, transport.AsProblem(err).Status)

    req = joinRequest(t)
    req.You = "a.example.com"
    _, _, err = a.Accept(context.Background(), req)
    assert.Equal(t, transport.ProblemEphemeral, transport.AsProblem(err).Type)
}

func TestAccept_SchemaViolations(t *testing.T) {
    tests := []struct {
        name string
        mut  func(*transport.JoinRequest)
    }{
        {"missing you", func(r *transport.JoinRequest) { r.You = "" }},
        {"bad role", func(r *transport.JoinRequest) { r.As = "observer" }},
        {"zero serial", func(r *transport.JoinRequest) { r.Settings.Serial = 0 }},
        {"not in topology", func(r *transport.JoinRequest) { r.You = "z.example.com" }},
        {"bad keys", func(r *transport.JoinRequest) { r.Keys.Data = json.RawMessage(`"nope"`) }},
        {"cluster mismatch", func(r *transport.JoinRequest) { r.Cluster = "c-9" }},
    }
    for _, tt := range tests {
        t.Run(tt.name, func(t *testing.T) {
            a, store, _ := newAcceptor(t, state.New("1.0.0"))
            req := joinRequest(t)
            tt.mut(&req)
            _, after, err := a.Accept(context.Background(), req)
            assert.Nil(t, after)
            assert.Equal(t, http.StatusBadRequest, transport.AsProblem(err).Status)
            serial, _ := store.LatestSerial(disk.Settings)
            assert.Zero(t, serial)
        })
    }
}

func TestAccept_PersistenceFailure(t *testing.T) {
    st := state.New("1.0.0")
    a, store, _ := newAcceptor(t, st)
    // a directory where the snapshot file should go makes the rename fail
    require.NoError(t, os.Mkdir(filepath.Join(store.Dir(), "keys.100.json"), 0o755))

    _, after, err := a.Accept(context.Background(), joinRequest(t))
    assert.Nil(t, after)
    p := transport.AsProblem(err)
    assert.Equal(t, http.StatusInternalServerError, p.Status)
    assert.Equal(t, transport.ProblemPersistence, p.Type)
    assert.True(t, st.Ephemeral())
}

type fakeClient struct {
    mu      sync.Mutex
    fails   int
    calls   int
    at      []time.Time
    reqs    []transport.JoinRequest
    cluster string
    // when set, every call fails until it is closed
    gate chan struct{}
}

func (f *fakeClient) PostJoin(ctx context.Context, addr string, req transport.JoinRequest) (transport.JoinResponse, error) {
    f.mu.Lock()
    defer f.mu.Unlock()
    f.calls++
    f.at = append(f.at, time.Now())
    f.reqs = append(f.reqs, req)
    if f.calls <= f.fails { return transport.JoinResponse{}, errors.New("connection refused") }
    if f.gate != nil {
        select {
        case <-f.gate:
        default:
            return transport.JoinResponse{}, errors.New("connection refused")
        }
    }
    return transport.JoinResponse{Cluster: f.cluster, Node: "u-new"}, nil
}

func (f *fakeClient) count() int { f.mu.Lock(); defer f.mu.Unlock(); return f.calls }

func (f *fakeClient) GetStatus(context.Context, string) ([]byte, error) { return nil, nil }
func (f *fakeClient) PostHeartbeat(context.Context, string, integrity.Envelope) (transport.HeartbeatReply, error) {
    return transport.HeartbeatReply{}, nil
}
func (f *fakeClient) PostSync(context.Context, string, integrity.Envelope) (integrity.Envelope, error) {
    return integrity.Envelope{}, nil
}

func newInviter(t *testing.T, client *fakeClient, joined chan string) *Inviter {
    store, err := disk.New(t.TempDir())
    require.NoError(t, err)
    require.NoError(t, store.WriteSnapshots(
        state.Snapshot{Serial: 100, Data: settingsJSON},
        state.Snapshot{Serial: 101, Data: json.RawMessage(`{"cluster":"c-1"}`)},
    ))
    st := configured()
    inv, err := NewInviter(InviterOptions{
        State:    st,
        Store:    store,
        Client:   client,
        Interval: 20 * time.Millisecond,
        Joined:   func(fqdn string) { joined <- fqdn },
    })
    require.NoError(t, err)
    return inv
}

func TestInvite_FirstAttempt(t *testing.T) {
    client := &fakeClient{cluster: "c-1"}
    joined := make(chan string, 1)
    inv := newInviter(t, client, joined)
    defer inv.Close()

    require.NoError(t, inv.Invite(context.Background(), "f.example.com"))
    assert.Equal(t, "f.example.com", <-joined)
    require.Len(t, client.reqs, 1)
    req := client.reqs[0]
    assert.Equal(t, AsFlanking, req.As)
    assert.Equal(t, "b.example.com", req.Join)
    assert.Equal(t, state.Serial(100), req.Settings.Serial)
    assert.Equal(t, state.Serial(101), req.Keys.Serial)
}

func TestInvite_RetriesInBackground(t *testing.T) {
    client := &fakeClient{cluster: "c-1", gate: make(chan struct{})}
    joined := make(chan string, 2)
    inv := newInviter(t, client, joined)
    defer inv.Close()

    assert.Error(t, inv.Invite(context.Background(), "a.example.com"))
    assert.True(t, inv.Pending("a.example.com"))
    // a second invite while the loop runs does not start another one
    assert.NoError(t, inv.Invite(context.Background(), "a.example.com"))
    time.Sleep(50 * time.Millisecond)
    close(client.gate)

    select {
    case fqdn := <-joined:
        assert.Equal(t, "a.example.com", fqdn)
    case <-time.After(5 * time.Second):
        t.Fatalf("invitee never joined")
    }
    assert.Eventually(t, func() bool { return !inv.Pending("a.example.com") }, time.Second, 10*time.Millisecond)
    assert.GreaterOrEqual(t, client.count(), 3)
    assert.Empty(t, joined)
}

func TestInvite_CloseStopsRetry(t *testing.T) {
    client := &fakeClient{cluster: "c-1", fails: 1 << 30}
    inv := newInviter(t, client, make(chan string, 1))
    assert.Error(t, inv.Invite(context.Background(), "a.example.com"))
    time.Sleep(50 * time.Millisecond)
    inv.Close()
    n := client.count()
    time.Sleep(60 * time.Millisecond)
    assert.Equal(t, n, client.count())
    assert.False(t, inv.Pending("a.example.com"))
}

func TestInvite_RetriesEveryInterval(t *testing.T) {
    client := &fakeClient{cluster: "c-1", fails: 1 << 30}
    inv := newInviter(t, client, make(chan string, 1))
    assert.Error(t, inv.Invite(context.Background(), "a.example.com"))
    require.Eventually(t, func() bool { return client.count() >= 16 }, 2*time.Second, 5*time.Millisecond)
    inv.Close()

    client.mu.Lock()
    at := append([]time.Time(nil), client.at...)
    client.mu.Unlock()
    // skip the synchronous first attempt; the loop starts one tick later
    retries := at[1:]
    mean := retries[len(retries)-1].Sub(retries[0]) / time.Duration(len(retries)-1)
    assert.GreaterOrEqual(t, mean, 15*time.Millisecond)
    assert.Less(t, mean, 27*time.Millisecond, "retries must not back off or jitter beyond the interval")
}

func TestInvite_WrongCluster(t *testing.T) {
    client := &fakeClient{cluster: "c-other", fails: 0}
    inv := newInviter(t, client, make(chan string, 1))
    err := inv.Invite(context.Background(), "a.example.com")
    assert.ErrorContains(t, err, "c-other")
    inv.Close()
}
