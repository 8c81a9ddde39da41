// Package graph is the authority edge set: who may administer whom.
package graph

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Label is the kind of authority an edge grants its source over its target.
type Label string

const (
	Owner     Label = "owner"
	Authority Label = "authority"
	Ward      Label = "ward"
	Bud       Label = "bud"
	EOA       Label = "externally owned account"
)

// Edge says Source holds Label over Target.
type Edge struct {
	Source    common.Address `json:"source"`
	Target    common.Address `json:"target"`
	Label     Label          `json:"label"`
	Timestamp time.Time      `json:"timestamp"`
}

type key struct {
	source, target common.Address
	label          Label
}

func (e Edge) key() key { return key{e.Source, e.Target, e.Label} }

// Graph is a set of edges unique on (source, target, label), kept in
// discovery order.
type Graph struct {
	edges []Edge
	index map[key]struct{}
}

func New(edges ...Edge) *Graph {
	g := &Graph{index: make(map[key]struct{})}
	for _, e := range edges {
		g.Add(e)
	}
	return g
}

// Add appends e unless an edge with the same triple exists. It reports whether
// e was added.
func (g *Graph) Add(e Edge) bool {
	if g.index == nil {
		g.index = make(map[key]struct{})
	}
	if _, ok := g.index[e.key()]; ok {
		return false
	}
	g.index[e.key()] = struct{}{}
	g.edges = append(g.edges, e)
	return true
}

func (g *Graph) Has(source, target common.Address, label Label) bool {
	_, ok := g.index[key{source, target, label}]
	return ok
}

// Edges returns the edges in discovery order. The slice must not be modified.
func (g *Graph) Edges() []Edge {
	if g == nil {
		return nil
	}
	return g.edges
}

func (g *Graph) Len() int {
	if g == nil {
		return 0
	}
	return len(g.edges)
}

// Nodes lists every edge endpoint once, sources before targets, first seen first.
func (g *Graph) Nodes() []common.Address {
	seen := make(map[common.Address]struct{})
	var nodes []common.Address
	add := func(a common.Address) {
		if _, ok := seen[a]; !ok {
			seen[a] = struct{}{}
			nodes = append(nodes, a)
		}
	}
	for _, e := range g.Edges() {
		add(e.Source)
	}
	for _, e := range g.Edges() {
		add(e.Target)
	}
	return nodes
}

// Merge appends every edge of a missing from b to b and returns b. A nil b is
// treated as empty.
func Merge(a, b *Graph) *Graph {
	if b == nil {
		b = New()
	}
	for _, e := range a.Edges() {
		b.Add(e)
	}
	return b
}

// MarshalJSON encodes the graph as its edge list.
func (g *Graph) MarshalJSON() ([]byte, error) {
	edges := g.Edges()
	if edges == nil {
		edges = []Edge{}
	}
	return marshalEdges(edges)
}

func (g *Graph) UnmarshalJSON(data []byte) error {
	edges, err := unmarshalEdges(data)
	if err != nil {
		return err
	}
	*g = *New(edges...)
	return nil
}
