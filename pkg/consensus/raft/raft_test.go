package raftcons

import (
    "context"
    "fmt"
    "testing"
    "time"

    "github.com/travisjeffery/go-dynaport"
)

func TestRaft_SingleNodeLeadership(t *testing.T) {
    n, err := New(Options{NodeID: "n1", Bootstrap: true, ApplyTimeout: 2 * time.Second})
    if err != nil { t.Fatalf("new: %v", err) }

    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    if err := n.Start(ctx); err != nil { t.Fatalf("start: %v", err) }
    defer n.Stop()

    // Wait until IsLeader becomes true or times out
    deadline := time.Now().Add(3 * time.Second)
    for time.Now().Before(deadline) {
        if n.IsLeader() { break }
        time.Sleep(50 * time.Millisecond)
    }
    if !n.IsLeader() { t.Fatalf("node did not become leader in time") }

    // Ensure we receive a leadership notification
    select {
    case li, ok := <-n.LeaderCh():
        if !ok { t.Fatalf("leader channel closed unexpectedly") }
        if li.ID != "n1" { t.Fatalf("leader id = %q, want n1", li.ID) }
    case <-time.After(2 * time.Second):
        t.Fatalf("timed out waiting for leader event")
    }
}

func TestRaft_BootstrapFromPeers(t *testing.T) {
    ports := dynaport.Get(3)
    ids := []string{"a.example.com", "b.example.com", "c.example.com"}
    var peers []Peer
    for i, id := range ids {
        peers = append(peers, Peer{ID: id, Addr: fmt.Sprintf("127.0.0.1:%d", ports[i])})
    }

    ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
    defer cancel()
    var nodes []*Node
    for i, id := range ids {
        n, err := New(Options{
            NodeID:           id,
            Bootstrap:        true,
            Peers:            peers,
            BindAddr:         peers[i].Addr,
            DataDir:          t.TempDir(),
            HeartbeatTimeout: 150 * time.Millisecond,
            ElectionTimeout:  300 * time.Millisecond,
        })
        if err != nil { t.Fatalf("new %s: %v", id, err) }
        if err := n.Start(ctx); err != nil { t.Fatalf("start %s: %v", id, err) }
        defer n.Stop()
        nodes = append(nodes, n)
    }

    deadline := time.Now().Add(10 * time.Second)
    for time.Now().Before(deadline) {
        leaders := 0
        for _, n := range nodes {
            if n.IsLeader() { leaders++ }
        }
        id, _, ok := nodes[0].Leader()
        if leaders == 1 && ok {
            found := false
            for _, want := range ids { found = found || want == id }
            if !found { t.Fatalf("leader id %q is not a configured fqdn", id) }
            return
        }
        time.Sleep(50 * time.Millisecond)
    }
    t.Fatalf("no single leader elected")
}

func TestOptions_Validate(t *testing.T) {
    if _, err := New(Options{}); err == nil { t.Fatalf("empty NodeID accepted") }
    if _, err := New(Options{NodeID: "a", Peers: []Peer{{ID: "b"}}}); err == nil { t.Fatalf("peer without address accepted") }
}
