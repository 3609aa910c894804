package heartbeat

import (
    "testing"

    "github.com/stretchr/testify/assert"

    "github.com/amirimatin/go-clustercore/pkg/state"
    "github.com/amirimatin/go-clustercore/pkg/transport"
)

func local() Local {
    return Local{
        FQDN:           "a.example.com",
        NodeSerial:     1,
        Cluster:        "c-1",
        Version:        "1.0.0",
        SettingsSerial: 100,
        KeysSerial:     100,
        LeaderSerial:   1,
        Topology:       state.NewTopology([]string{"a.example.com", "b.example.com"}, nil),
    }
}

func request() transport.HeartbeatRequest {
    return transport.HeartbeatRequest{
        From:           transport.NodeRef{FQDN: "b.example.com", Serial: 2, UUID: "u-b"},
        To:             "a.example.com",
        Cluster:        "c-1",
        ClusterLeader:  transport.LeaderRef{Serial: 1, UUID: "u-a"},
        Version:        "1.0.0",
        SettingsSerial: 100,
        KeysSerial:     100,
    }
}

var notLeader = OracleFunc(func() bool { return false })
var leader = OracleFunc(func() bool { return true })

func TestVerify_Clean(t *testing.T) {
    res := Verify(request(), local(), notLeader)
    assert.True(t, res.Clean())
    assert.Equal(t, transport.ActionNone, res.Action)
    assert.False(t, res.Promote)
}

func TestVerify_Checks(t *testing.T) {
    tests := []struct {
        name   string
        mut    func(*transport.HeartbeatRequest, *Local)
        errs   []string
        action transport.Action
    }{
        {"version", func(r *transport.HeartbeatRequest, _ *Local) { r.Version = "2.0.0" }, []string{ErrVersionMismatch}, transport.ActionNone},
        {"rogue", func(r *transport.HeartbeatRequest, _ *Local) { r.From.FQDN = "z.example.com" }, []string{ErrRogueClusterMember}, transport.ActionNone},
        {"target", func(r *transport.HeartbeatRequest, _ *Local) { r.To = "b.example.com" }, []string{ErrTargetFQDNMismatch}, transport.ActionNone},
        {"settings ahead", func(r *transport.HeartbeatRequest, _ *Local) { r.SettingsSerial = 200 }, []string{ErrSettingsSerialMismatch}, transport.ActionStartSync},
        {"settings behind", func(r *transport.HeartbeatRequest, _ *Local) { r.SettingsSerial = 50 }, []string{ErrSettingsSerialMismatch}, transport.ActionSync},
        {"keys ahead", func(r *transport.HeartbeatRequest, _ *Local) { r.KeysSerial = 200 }, []string{ErrKeysSerialMismatch}, transport.ActionStartSync},
        {"cluster", func(r *transport.HeartbeatRequest, _ *Local) { r.Cluster = "c-2" }, []string{ErrClusterMismatch}, transport.ActionNone},
        {"leader missing", func(r *transport.HeartbeatRequest, _ *Local) { r.ClusterLeader = transport.LeaderRef{} }, []string{ErrLeaderMismatch}, transport.ActionLeaderChange},
        {"leader differs", func(r *transport.HeartbeatRequest, l *Local) { r.ClusterLeader.Serial = 2; l.LeaderSerial = 0 }, []string{ErrLeaderMismatch}, transport.ActionLeaderChange},
        {
            "last match wins",
            func(r *transport.HeartbeatRequest, _ *Local) { r.SettingsSerial = 200; r.KeysSerial = 50 },
            []string{ErrSettingsSerialMismatch, ErrKeysSerialMismatch},
            transport.ActionSync,
        },
        {
            "leader change overrides sync",
            func(r *transport.HeartbeatRequest, _ *Local) { r.SettingsSerial = 200; r.ClusterLeader = transport.LeaderRef{} },
            []string{ErrSettingsSerialMismatch, ErrLeaderMismatch},
            transport.ActionLeaderChange,
        },
        {
            "cluster keeps earlier action",
            func(r *transport.HeartbeatRequest, _ *Local) { r.KeysSerial = 200; r.Cluster = "other" },
            []string{ErrKeysSerialMismatch, ErrClusterMismatch},
            transport.ActionStartSync,
        },
    }
    for _, tt := range tests {
        t.Run(tt.name, func(t *testing.T) {
            req, l := request(), local()
            tt.mut(&req, &l)
            res := Verify(req, l, notLeader)
            assert.Equal(t, tt.errs, res.Errors)
            assert.Equal(t, tt.action, res.Action)
        })
    }
}

func TestVerify_SelfPromotion(t *testing.T) {
    l := local()
    l.LeaderSerial = 0
    req := request()
    req.ClusterLeader = transport.LeaderRef{Serial: 1, UUID: "u-a"}

    res := Verify(req, l, leader)
    assert.True(t, res.Promote)
    assert.True(t, res.Clean())

    res = Verify(req, l, notLeader)
    assert.False(t, res.Promote)
    assert.Equal(t, []string{ErrLeaderMismatch}, res.Errors)
    assert.Equal(t, transport.ActionLeaderChange, res.Action)

    res = Verify(req, l, nil)
    assert.False(t, res.Promote)
    assert.True(t, res.Has(ErrLeaderMismatch))
}
