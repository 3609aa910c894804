package state

import (
    "encoding/json"
    "fmt"
    "strings"

    mapset "github.com/deckarep/golang-set/v2"
)

// Topology is the set of configured nodes, read from the settings snapshot.
// Broker nodes come first; a node's serial is its 1-based position.
type Topology struct {
    Brokers  []string
    Flanking []string
    members  mapset.Set[string]
}

type settingsCluster struct {
    Cluster struct {
        BrokerNodes   []string `json:"broker_nodes"`
        FlankingNodes []string `json:"flanking_nodes"`
    } `json:"cluster"`
}

// NewTopology builds a topology from explicit node lists.
func NewTopology(brokers, flanking []string) Topology {
    t := Topology{members: mapset.NewThreadUnsafeSet[string]()}
    for _, n := range brokers {
        n = strings.TrimSpace(n)
        if n == "" || t.members.Contains(n) { continue }
        t.Brokers = append(t.Brokers, n)
        t.members.Add(n)
    }
    for _, n := range flanking {
        n = strings.TrimSpace(n)
        if n == "" || t.members.Contains(n) { continue }
        t.Flanking = append(t.Flanking, n)
        t.members.Add(n)
    }
    return t
}

// ParseTopology reads cluster.broker_nodes and cluster.flanking_nodes from a
// settings payload.
func ParseTopology(settings json.RawMessage) (Topology, error) {
    if len(settings) == 0 { return Topology{}, nil }
    var s settingsCluster
    if err := json.Unmarshal(settings, &s); err != nil { return Topology{}, fmt.Errorf("state: settings: %w", err) }
    return NewTopology(s.Cluster.BrokerNodes, s.Cluster.FlankingNodes), nil
}

// Contains reports whether fqdn is a configured node.
func (t Topology) Contains(fqdn string) bool {
    return t.members != nil && t.members.Contains(fqdn)
}

// Nodes returns all configured fqdns, brokers first.
func (t Topology) Nodes() []string {
    out := make([]string, 0, len(t.Brokers)+len(t.Flanking))
    out = append(out, t.Brokers...)
    return append(out, t.Flanking...)
}

// SerialOf returns the 1-based serial of fqdn, or 0 when unknown.
func (t Topology) SerialOf(fqdn string) int {
    for i, n := range t.Nodes() {
        if n == fqdn { return i + 1 }
    }
    return 0
}

// FQDNOf returns the fqdn holding serial, or "".
func (t Topology) FQDNOf(serial int) string {
    nodes := t.Nodes()
    if serial < 1 || serial > len(nodes) { return "" }
    return nodes[serial-1]
}

// IsFlanking reports whether fqdn is configured as a flanking node.
func (t Topology) IsFlanking(fqdn string) bool {
    for _, n := range t.Flanking {
        if n == fqdn { return true }
    }
    return false
}

// LocalOnly reports whether there are no remote nodes to heartbeat.
func (t Topology) LocalOnly() bool { return len(t.Brokers) == 1 && len(t.Flanking) < 1 }

// Size is the number of configured nodes.
func (t Topology) Size() int { return len(t.Brokers) + len(t.Flanking) }
