package authority

import (
	"context"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/PulseMakerWin/dss-ward/internal/graph"
	"github.com/PulseMakerWin/dss-ward/internal/store"
)

// Orchestrator builds one graph per root and merges them in root order.
// Per-root graphs are saved under their display name and, with ReuseGraphs,
// loaded instead of rebuilt.
type Orchestrator struct {
	Builder     *Builder
	Store       store.Store
	Names       graph.Namer
	ReuseGraphs bool
	Log         *slog.Logger
}

// BuildEach harvests all roots in one pass first, then builds each root.
func (o *Orchestrator) BuildEach(ctx context.Context, roots []common.Address) (*graph.Graph, error) {
	graphs, err := o.Each(ctx, roots)
	if err != nil {
		return nil, err
	}
	merged := graph.New()
	for _, g := range graphs {
		merged = graph.Merge(g, merged)
	}
	return merged, nil
}

// Each is BuildEach without the merge: graphs[i] belongs to roots[i].
func (o *Orchestrator) Each(ctx context.Context, roots []common.Address) ([]*graph.Graph, error) {
	if !o.ReuseGraphs {
		if err := o.Builder.Session().Prefetch(ctx, roots); err != nil {
			return nil, err
		}
	}
	graphs := make([]*graph.Graph, 0, len(roots))
	for i, root := range roots {
		o.Log.Info("building graph", "root", o.Names.Name(root), "index", i+1, "of", len(roots))
		g, err := o.Graph(ctx, root)
		if err != nil {
			return nil, err
		}
		graphs = append(graphs, g)
	}
	return graphs, nil
}

// Graph returns the authority graph of a single root.
func (o *Orchestrator) Graph(ctx context.Context, root common.Address) (*graph.Graph, error) {
	name := o.Names.Name(root)
	key := store.GraphKey(name)
	if o.ReuseGraphs {
		g := graph.New()
		ok, err := o.Store.Get(key, g)
		switch {
		case err != nil:
			o.Log.Warn("ignoring unreadable cached graph", "root", name, "err", err)
		case ok:
			o.Log.Info("loaded cached graph", "root", name, "edges", g.Len())
			return g, nil
		default:
			o.Log.Info("no cached graph found", "root", name)
		}
	}
	g, err := o.Builder.Build(ctx, root)
	if err != nil {
		return nil, err
	}
	if err := o.Store.Put(key, g); err != nil {
		o.Log.Warn("could not cache graph", "root", name, "err", err)
	}
	return g, nil
}
