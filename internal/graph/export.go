package graph

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func marshalEdges(edges []Edge) ([]byte, error) {
	return json.Marshal(edges)
}

func unmarshalEdges(data []byte) ([]Edge, error) {
	var edges []Edge
	if err := json.Unmarshal(data, &edges); err != nil {
		return nil, fmt.Errorf("decode edges: %w", err)
	}
	return edges, nil
}

// Namer resolves an address to its display name.
type Namer interface {
	Name(addr common.Address) string
}

// ExportNode is a graph node keyed by display name.
type ExportNode struct {
	ID string `json:"id"`
}

// ExportLink is an edge with endpoints replaced by display names.
type ExportLink struct {
	Source    string    `json:"source"`
	Target    string    `json:"target"`
	Label     Label     `json:"label"`
	Timestamp time.Time `json:"timestamp"`
}

// Export is the structured graph document consumed by visualisers.
type Export struct {
	Nodes []ExportNode `json:"nodes"`
	Links []ExportLink `json:"links"`
}

// NewExport names every edge endpoint. extra node ids (the full directory for
// the full-system export) are appended when not already present.
func NewExport(g *Graph, names Namer, extra ...string) Export {
	out := Export{Nodes: []ExportNode{}, Links: []ExportLink{}}
	seen := make(map[string]struct{})
	addNode := func(id string) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out.Nodes = append(out.Nodes, ExportNode{ID: id})
		}
	}
	for _, e := range g.Edges() {
		out.Links = append(out.Links, ExportLink{
			Source:    names.Name(e.Source),
			Target:    names.Name(e.Target),
			Label:     e.Label,
			Timestamp: e.Timestamp,
		})
	}
	for _, a := range g.Nodes() {
		addNode(names.Name(a))
	}
	for _, id := range extra {
		addNode(id)
	}
	return out
}
