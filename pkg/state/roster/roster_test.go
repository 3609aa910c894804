package roster

import (
    "testing"

    "github.com/amirimatin/go-clustercore/pkg/state"
)

func TestRoster_UpsertRemoveSnapshotRestore(t *testing.T) {
    r := New()

    a := state.NodeRecord{UUID: "u1", FQDN: "a.example.com", Hostname: "a", Serial: 1}
    b := state.NodeRecord{UUID: "u2", FQDN: "b.example.com", Hostname: "b", Serial: 2}

    if err := r.ApplyUpsert(b); err != nil { t.Fatalf("upsert b: %v", err) }
    if err := r.ApplyUpsert(a); err != nil { t.Fatalf("upsert a: %v", err) }

    snap, err := r.Snapshot()
    if err != nil { t.Fatalf("snapshot: %v", err) }

    if err := r.ApplyRemove("u1"); err != nil { t.Fatalf("remove: %v", err) }
    if _, ok := r.Get("u1"); ok { t.Fatalf("u1 still present") }

    r2 := New()
    if err := r2.Restore(snap); err != nil { t.Fatalf("restore: %v", err) }
    snap2, err := r2.Snapshot()
    if err != nil { t.Fatalf("snapshot2: %v", err) }
    if string(snap2) != string(snap) {
        t.Fatalf("round-trip mismatch:\n got: %s\nwant: %s", snap2, snap)
    }
    if l := r2.List(); len(l) != 2 || l[0].UUID != "u1" {
        t.Fatalf("list not ordered by serial: %+v", l)
    }
}

func TestRoster_RejoinReplacesRecord(t *testing.T) {
    r := New()
    _ = r.ApplyUpsert(state.NodeRecord{UUID: "old", FQDN: "a.example.com", Serial: 1})
    _ = r.ApplyUpsert(state.NodeRecord{UUID: "new", FQDN: "a.example.com", Serial: 1})
    if l := r.List(); len(l) != 1 || l[0].UUID != "new" {
        t.Fatalf("expected single record for a.example.com, got %+v", l)
    }
}

func TestRoster_ErrorsOnEmptyUUID(t *testing.T) {
    r := New()
    if err := r.ApplyUpsert(state.NodeRecord{}); err == nil {
        t.Fatalf("expected error on empty uuid")
    }
    if err := r.ApplyRemove(""); err == nil {
        t.Fatalf("expected error on empty uuid for remove")
    }
}

func TestMirror_CopiesConfiguredNodes(t *testing.T) {
    st := state.New("1")
    st.Load(state.Loaded{
        ClusterUUID: "c",
        Node:        state.NodeRecord{UUID: "u1", FQDN: "a.example.com", Serial: 1},
        Settings:    state.Snapshot{Serial: 1, Data: []byte(`{}`)},
        Keys:        state.Snapshot{Serial: 1, Data: []byte(`{}`)},
        Topology:    state.NewTopology([]string{"a.example.com", "b.example.com"}, nil),
    })
    m := NewMirror(st)

    if err := m.ApplyUpsert(state.NodeRecord{UUID: "u2", FQDN: "b.example.com", Serial: 2}); err != nil { t.Fatal(err) }
    if err := m.ApplyUpsert(state.NodeRecord{UUID: "u9", FQDN: "z.example.com", Serial: 9}); err != nil { t.Fatal(err) }
    if _, ok := st.NodeByFQDN("b.example.com"); !ok { t.Fatalf("b not mirrored") }
    if _, ok := st.NodeByFQDN("z.example.com"); ok { t.Fatalf("unconfigured node mirrored") }
    if _, ok := m.Get("u9"); !ok { t.Fatalf("roster should still hold u9") }

    if err := m.ApplyRemove("u2"); err != nil { t.Fatal(err) }
    if _, ok := st.NodeByFQDN("b.example.com"); ok { t.Fatalf("b still in state") }
    if err := m.ApplyRemove("u1"); err != nil { t.Fatal(err) }
    if _, ok := st.NodeByFQDN("a.example.com"); !ok { t.Fatalf("local record must survive removal") }
}
