// Package export publishes authority graphs: as JSON documents for
// visualisers and as rows in Postgres for querying across runs.
package export

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/PulseMakerWin/dss-ward/internal/graph"
)

var schema = []string{`
	CREATE TABLE IF NOT EXISTS ward_nodes (
		graph TEXT NOT NULL,
		address TEXT NOT NULL,
		name TEXT NOT NULL,
		PRIMARY KEY (graph, address)
	)`, `
	CREATE TABLE IF NOT EXISTS ward_edges (
		graph TEXT NOT NULL,
		source TEXT NOT NULL,
		target TEXT NOT NULL,
		label TEXT NOT NULL,
		discovered_at TIMESTAMPTZ,
		run_id TEXT,
		created_at TIMESTAMPTZ DEFAULT NOW(),
		PRIMARY KEY (graph, source, target, label)
	)`,
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres writes graphs to ward_nodes and ward_edges.
// Uses ON CONFLICT DO NOTHING so exporting the same graph twice adds no rows.
type Postgres struct {
	db    execer
	runID string
	close func()
}

func NewPostgres(ctx context.Context, connStr, runID string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("create table: %w", err)
		}
	}
	return &Postgres{db: pool, runID: runID, close: pool.Close}, nil
}

// Export inserts every node and edge of g under the graph name.
func (p *Postgres) Export(ctx context.Context, name string, g *graph.Graph, names graph.Namer) error {
	for _, a := range g.Nodes() {
		_, err := p.db.Exec(ctx,
			`INSERT INTO ward_nodes (graph, address, name)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (graph, address) DO NOTHING`,
			name, a.Hex(), names.Name(a),
		)
		if err != nil {
			return fmt.Errorf("insert node %s: %w", a.Hex(), err)
		}
	}
	for _, e := range g.Edges() {
		_, err := p.db.Exec(ctx,
			`INSERT INTO ward_edges (graph, source, target, label, discovered_at, run_id)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (graph, source, target, label) DO NOTHING`,
			name, e.Source.Hex(), e.Target.Hex(), string(e.Label), e.Timestamp, p.runID,
		)
		if err != nil {
			return fmt.Errorf("insert edge %s -> %s: %w", e.Source.Hex(), e.Target.Hex(), err)
		}
	}
	return nil
}

func (p *Postgres) Close() {
	if p.close != nil {
		p.close()
	}
}
