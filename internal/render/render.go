// Package render draws an authority graph as text trees: forward trees listing
// who controls a contract, reverse trees listing what a party controls.
package render

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/xlab/treeprint"

	"github.com/PulseMakerWin/dss-ward/internal/graph"
)

// Node is a tree node. Children keep insertion order.
type Node struct {
	Label    string
	Children []*Node
}

// set inserts a child, or replaces the children of an existing child with the
// same label in place.
func (n *Node) set(label string, children []*Node) {
	for _, c := range n.Children {
		if c.Label == label {
			c.Children = children
			return
		}
	}
	n.Children = append(n.Children, &Node{Label: label, Children: children})
}

type walker struct {
	names   graph.Namer
	depth   int
	reverse bool
	edges   map[common.Address][]graph.Edge
}

func newWalker(g *graph.Graph, names graph.Namer, depth int, reverse bool) *walker {
	w := &walker{names: names, depth: depth, reverse: reverse, edges: make(map[common.Address][]graph.Edge)}
	for _, e := range g.Edges() {
		k := e.Target
		if reverse {
			k = e.Source
		}
		w.edges[k] = append(w.edges[k], e)
	}
	return w
}

func (w *walker) children(parents []common.Address, root common.Address, level int) []*Node {
	if w.depth > 0 && level == w.depth {
		return nil
	}
	n := &Node{}
	path := append(parents[:len(parents):len(parents)], root)
	for _, e := range w.edges[root] {
		far, label := e.Source, string(e.Label)+": "+w.names.Name(e.Source)
		if w.reverse {
			far, label = e.Target, string(e.Label)+" of "+w.names.Name(e.Target)
		}
		if contains(parents, far) {
			continue
		}
		n.set(label, w.children(path, far, level+1))
	}
	return n.Children
}

func contains(addrs []common.Address, a common.Address) bool {
	for _, x := range addrs {
		if x == a {
			return true
		}
	}
	return false
}

// Forward is the tree of parties holding authority over root, following edges
// from target to source. A depth of 0 is unbounded; an address already on
// the path from the root is not descended into again.
func Forward(g *graph.Graph, names graph.Namer, root common.Address, depth int) *Node {
	w := newWalker(g, names, depth, false)
	return &Node{Label: names.Name(root), Children: w.children(nil, root, 0)}
}

// Reverse is the tree of everything root holds authority over.
func Reverse(g *graph.Graph, names graph.Namer, root common.Address, depth int) *Node {
	w := newWalker(g, names, depth, true)
	return &Node{Label: names.Name(root), Children: w.children(nil, root, 0)}
}

// Text renders the tree with the root label on the first line.
func Text(n *Node) string {
	t := treeprint.NewWithRoot(n.Label)
	var add func(t treeprint.Tree, children []*Node)
	add = func(t treeprint.Tree, children []*Node) {
		for _, c := range children {
			add(t.AddBranch(c.Label), c.Children)
		}
	}
	add(t, n.Children)
	return t.String()
}

// Trees renders the forward tree of each root, separated by blank lines.
func Trees(g *graph.Graph, names graph.Namer, roots []common.Address, depth int) string {
	var b strings.Builder
	for _, r := range roots {
		b.WriteString(Text(Forward(g, names, r, depth)))
		b.WriteString("\n")
	}
	return b.String()
}
