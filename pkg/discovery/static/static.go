// Package static provides fixed and topology-derived gossip seeds.
package static

import (
    "net"
    "strconv"
    "strings"

    mapset "github.com/deckarep/golang-set/v2"

    "github.com/amirimatin/go-clustercore/pkg/discovery"
)

// New returns the given seeds, trimmed and without duplicates, in order.
func New(seeds ...string) discovery.Discovery {
    seen := mapset.NewThreadUnsafeSet[string]()
    var cleaned []string
    for _, v := range seeds {
        v = strings.TrimSpace(v)
        if v != "" && seen.Add(v) { cleaned = append(cleaned, v) }
    }
    return discovery.Func(func() []string { return append([]string(nil), cleaned...) })
}

// Topology yields every node fqdn from nodes except self, at the gossip
// port. nodes is called on each use so a reloaded topology is picked up.
func Topology(nodes func() []string, self string, port int) discovery.Discovery {
    p := strconv.Itoa(port)
    return discovery.Func(func() []string {
        var out []string
        for _, n := range nodes() {
            if n != self { out = append(out, net.JoinHostPort(n, p)) }
        }
        return out
    })
}
