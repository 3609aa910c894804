package state

import (
    "encoding/json"
    "math"
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func loaded() Loaded {
    topo := NewTopology([]string{"a.example.com", "b.example.com"}, []string{"f.example.com"})
    return Loaded{
        ClusterUUID: "c-1",
        Node:        NodeRecord{UUID: "u-a", FQDN: "a.example.com", Hostname: "a", Serial: 1},
        Settings:    Snapshot{Serial: 100, Data: json.RawMessage(`{}`)},
        Keys:        Snapshot{Serial: 100, Data: json.RawMessage(`{}`)},
        Topology:    topo,
    }
}

func TestClusterState_Phases(t *testing.T) {
    s := New("1.0.0")
    assert.Equal(t, PhaseEphemeral, s.Phase())
    assert.True(t, s.Ephemeral())

    s.Load(loaded())
    assert.Equal(t, PhaseLeaderless, s.Phase())

    require.True(t, s.SetLeader(LeaderPointer{UUID: "u-b", Serial: 2}))
    assert.Equal(t, PhaseFollower, s.Phase())
    assert.Equal(t, "b.example.com", s.LeaderFQDN())
    assert.False(t, s.SetLeader(LeaderPointer{UUID: "u-b", Serial: 2}))

    require.True(t, s.PromoteSelf())
    assert.Equal(t, PhaseLeader, s.Phase())
    assert.True(t, s.Leading())

    s.MarkDegraded()
    assert.Equal(t, PhaseDegraded, s.Phase())

    s.Load(loaded())
    assert.Equal(t, PhaseLeader, s.Phase())
    s.ClearLeader()
    assert.Equal(t, PhaseLeaderless, s.Phase())
}

func TestClusterState_LoadDropsStaleLeaderAndRoster(t *testing.T) {
    s := New("1.0.0")
    l := loaded()
    s.Load(l)
    s.SetLeader(LeaderPointer{Serial: 3})
    s.UpsertNode(NodeRecord{UUID: "u-f", FQDN: "f.example.com", Serial: 3})

    l.Topology = NewTopology([]string{"a.example.com", "b.example.com"}, nil)
    s.Load(l)
    assert.False(t, s.Leader().Known())
    _, ok := s.NodeByFQDN("f.example.com")
    assert.False(t, ok)
    _, ok = s.NodeByFQDN("a.example.com")
    assert.True(t, ok)
}

func TestClusterState_StatusCopies(t *testing.T) {
    s := New("1.0.0")
    s.Load(loaded())
    s.PromoteSelf()
    s.SetNodeStatus("a.example.com", map[string]int{"core": 0})
    s.SetClusterStatus(0, "green")

    st := s.Status()
    st.Nodes["a.example.com"]["core"] = 9
    assert.Equal(t, 0, s.Status().Nodes["a.example.com"]["core"])
    assert.True(t, s.Status().Cluster.Leading)
    assert.Equal(t, 1, s.Status().Cluster.LeaderSerial)
    assert.Less(t, int64(s.StatusAge()), int64(1e9))
}

func TestClusterState_PeerHealth(t *testing.T) {
    s := New("1.0.0")
    s.SetPeerHealth("b.example.com", PeerHealth{Up: true, OK: true, Data: json.RawMessage(`{"x":1}`)})
    s.MarkPeerDown("b.example.com", "failed")
    h := s.Peers()["b.example.com"]
    assert.False(t, h.Up)
    assert.Equal(t, "failed", h.Error)
    assert.JSONEq(t, `{"x":1}`, string(h.Data))
}

func TestSerial_Coercion(t *testing.T) {
    tests := []struct {
        in   string
        want Serial
        ok   bool
    }{
        {`1700000000000`, 1700000000000, true},
        {`"1700000000000"`, 1700000000000, true},
        {`1.7e12`, 1700000000000, true},
        {`null`, 0, true},
        {`"../../etc/passwd"`, 0, false},
        {`"12abc"`, 0, false},
        {`-5`, 0, false},
        {`1.5`, 0, false},
        {`{}`, 0, false},
        {`9223372036854775807`, math.MaxInt64, true},
        {`9223372036854775808`, 0, false},
        {`9.223372036854775807e18`, 0, false},
        {`1e19`, 0, false},
    }
    for _, tt := range tests {
        var s Serial
        err := json.Unmarshal([]byte(tt.in), &s)
        if tt.ok {
            require.NoError(t, err, tt.in)
            assert.Equal(t, tt.want, s, tt.in)
        } else {
            assert.Error(t, err, tt.in)
        }
    }
}

func TestTopology(t *testing.T) {
    topo, err := ParseTopology(json.RawMessage(`{"cluster":{"broker_nodes":["a","b","a"],"flanking_nodes":["f"]}}`))
    require.NoError(t, err)
    assert.Equal(t, []string{"a", "b", "f"}, topo.Nodes())
    assert.Equal(t, 3, topo.SerialOf("f"))
    assert.Equal(t, "b", topo.FQDNOf(2))
    assert.Equal(t, "", topo.FQDNOf(4))
    assert.True(t, topo.IsFlanking("f"))
    assert.True(t, topo.Contains("a"))
    assert.False(t, topo.Contains("z"))
    assert.False(t, topo.LocalOnly())

    assert.True(t, NewTopology([]string{"solo"}, nil).LocalOnly())
    assert.False(t, Topology{}.Contains("a"))
}
