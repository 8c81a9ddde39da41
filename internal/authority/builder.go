// Package authority reconstructs the authority graph: starting from root
// contracts it probes owners, authorities, wards and buds level by level until
// no new party turns up.
package authority

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/PulseMakerWin/dss-ward/internal/chain"
	"github.com/PulseMakerWin/dss-ward/internal/graph"
	"github.com/PulseMakerWin/dss-ward/internal/metrics"
)

// Prober answers the per-address authority questions.
type Prober interface {
	IsEOA(ctx context.Context, addr common.Address) (bool, error)
	Owner(ctx context.Context, target common.Address) (chain.Result, error)
	Authority(ctx context.Context, target common.Address) (chain.Result, error)
	Deployer(ctx context.Context, target common.Address) (chain.Result, error)
	Ward(ctx context.Context, target, candidate common.Address) (chain.Answer, error)
	Bud(ctx context.Context, target, candidate common.Address) (chain.Answer, error)
}

// Profile is everything that holds authority over one address.
type Profile struct {
	Address   common.Address
	EOA       bool
	Owner     chain.Result
	Authority chain.Result
	Wards     []common.Address
	Buds      []common.Address
}

// Edges turns the profile into graph edges targeting the profiled address.
func (p Profile) Edges(at time.Time) []graph.Edge {
	var edges []graph.Edge
	add := func(source common.Address, label graph.Label) {
		edges = append(edges, graph.Edge{Source: source, Target: p.Address, Label: label, Timestamp: at})
	}
	if p.EOA {
		add(p.Address, graph.EOA)
	}
	if owner, ok := p.Owner.Get(); ok {
		add(owner, graph.Owner)
	}
	if auth, ok := p.Authority.Get(); ok {
		add(auth, graph.Authority)
	}
	for _, w := range p.Wards {
		add(w, graph.Ward)
	}
	for _, b := range p.Buds {
		add(b, graph.Bud)
	}
	return edges
}

// Options tunes a Builder.
type Options struct {
	// MaxDepth bounds the number of BFS levels; 0 is unbounded.
	MaxDepth int
	// Now stamps discovered edges. Defaults to time.Now in UTC.
	Now func() time.Time
}

// Builder runs the breadth-first expansion. It is not safe for concurrent use.
type Builder struct {
	session *Session
	prober  Prober
	names   graph.Namer
	opts    Options
	log     *slog.Logger
}

func NewBuilder(session *Session, prober Prober, names graph.Namer, opts Options, log *slog.Logger) *Builder {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Builder{session: session, prober: prober, names: names, opts: opts, log: log}
}

func (b *Builder) Session() *Session { return b.session }

// Build expands the frontier seeded with roots until no unvisited party is
// found or MaxDepth levels have been expanded.
func (b *Builder) Build(ctx context.Context, roots ...common.Address) (*graph.Graph, error) {
	g := graph.New()
	visited := make(map[common.Address]struct{})
	next := roots

	for level := 0; len(next) > 0 && (b.opts.MaxDepth == 0 || level < b.opts.MaxDepth); level++ {
		current := unique(next)
		for _, a := range current {
			visited[a] = struct{}{}
		}
		next = nil
		b.log.Debug("expanding level", "level", level, "addresses", len(current))

		if err := b.session.Prefetch(ctx, current); err != nil {
			return nil, err
		}
		for _, target := range current {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("build interrupted: %w", err)
			}
			p, err := b.Profile(ctx, target)
			if err != nil {
				return nil, err
			}
			for _, e := range p.Edges(b.opts.Now()) {
				if g.Add(e) {
					metrics.EdgesDiscovered.WithLabelValues(string(e.Label)).Inc()
				}
				if e.Label != graph.EOA {
					next = append(next, e.Source)
				}
			}
		}

		fresh := next[:0]
		for _, a := range next {
			if _, ok := visited[a]; !ok {
				fresh = append(fresh, a)
			}
		}
		next = fresh
	}
	return g, nil
}

// Profile probes everything holding authority over addr. Reverting and
// failing probes count as absent; only harvest errors and cancellation are
// returned.
func (b *Builder) Profile(ctx context.Context, addr common.Address) (Profile, error) {
	who := b.names.Name(addr)
	log := b.log.With("target", who, "address", addr.Hex())
	log.Info("starting check")

	p := Profile{Address: addr}
	eoa, err := b.prober.IsEOA(ctx, addr)
	if err != nil {
		if ctx.Err() != nil {
			return p, ctx.Err()
		}
		log.Warn("code lookup failed", "err", err)
	}
	p.EOA = eoa
	log.Info("checked if externally owned", "eoa", eoa)

	p.Owner = b.address(ctx, log, "owner", addr, b.prober.Owner)
	p.Authority = b.address(ctx, log, "authority", addr, b.prober.Authority)
	if ctx.Err() != nil {
		return p, ctx.Err()
	}

	grantees, err := b.session.Grantees(ctx, addr)
	if err != nil {
		return p, err
	}

	var suspects []common.Address
	if d, ok := b.address(ctx, log, "deployer", addr, b.prober.Deployer).Get(); ok {
		suspects = append(suspects, d)
	}
	suspects = unique(append(suspects, grantees...))

	wards, err := b.confirm(ctx, log, "wards", addr, suspects, b.prober.Ward)
	if err != nil {
		return p, err
	}
	for _, w := range wards {
		if w != addr {
			p.Wards = append(p.Wards, w)
		}
	}

	p.Buds, err = b.confirm(ctx, log, "buds", addr, grantees, b.prober.Bud)
	if err != nil {
		return p, err
	}
	return p, nil
}

func (b *Builder) address(ctx context.Context, log *slog.Logger, kind string, addr common.Address, probe func(context.Context, common.Address) (chain.Result, error)) chain.Result {
	res, err := probe(ctx, addr)
	if err != nil {
		log.Warn("probe failed, treating as absent", "probe", kind, "err", err)
		return chain.Absent
	}
	if a, ok := res.Get(); ok {
		log.Info("found "+kind, kind, b.names.Name(a))
	} else {
		log.Debug("no " + kind)
	}
	return res
}

// confirm keeps the candidates the accessor answers yes for. The first time
// the accessor turns out to be missing the remaining candidates are skipped:
// the contract has no such mechanism.
func (b *Builder) confirm(ctx context.Context, log *slog.Logger, accessor string, target common.Address, candidates []common.Address, probe func(context.Context, common.Address, common.Address) (chain.Answer, error)) ([]common.Address, error) {
	start := time.Now()
	var confirmed []common.Address
	for i, c := range candidates {
		ans, err := probe(ctx, target, c)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn("probe failed", "accessor", accessor, "candidate", c.Hex(), "err", err)
			ans = chain.Unsupported
		}
		if ans == chain.Unsupported {
			metrics.ProbeShortCircuits.WithLabelValues(accessor).Inc()
			log.Info("no "+accessor, "checked", i+1, "candidates", len(candidates))
			return confirmed, nil
		}
		if ans == chain.Yes {
			confirmed = append(confirmed, c)
		}
	}
	log.Info("checked "+accessor, "found", len(confirmed), "candidates", len(candidates), "seconds", int(time.Since(start).Seconds()))
	return confirmed, nil
}
