// Package discovery provides gossip seeds. Seeds are host:port addresses of
// the membership layer, usually derived from the configured topology.
package discovery

// Discovery abstracts how seed nodes are provided.
type Discovery interface {
    Seeds() []string
}

// Func adapts a function to Discovery.
type Func func() []string

func (f Func) Seeds() []string { return f() }
