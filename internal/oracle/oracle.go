// Package oracle finds the price feed contracts behind the registry's PIP_
// oracles.
package oracle

import (
	"context"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/PulseMakerWin/dss-ward/internal/chain"
	"github.com/PulseMakerWin/dss-ward/internal/directory"
)

// Prefix marks oracle entries in the registry.
const Prefix = "PIP_"

// Prober reads the feed accessors of an oracle.
type Prober interface {
	Orb0(ctx context.Context, oracle common.Address) (chain.Result, error)
	Orb1(ctx context.Context, oracle common.Address) (chain.Result, error)
	Src(ctx context.Context, oracle common.Address) (chain.Result, error)
}

// Set is the oracle subset: every PIP_ address followed by its feeds, and a
// directory naming the feeds.
type Set struct {
	Addresses []common.Address
	Directory *directory.Directory
}

// Discover walks the directory in registry order. LP oracles contribute both
// token oracles (orb0, orb1); any other oracle contributes its src.
func Discover(ctx context.Context, p Prober, dir *directory.Directory, log *slog.Logger) (Set, error) {
	var (
		addrs   []common.Address
		aliases []directory.Entry
	)
	for _, e := range dir.Entries() {
		if !strings.HasPrefix(e.Name, Prefix) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return Set{}, err
		}
		addrs = append(addrs, e.Address)

		orb0 := probe(ctx, log, e, "orb0", p.Orb0)
		orb1 := probe(ctx, log, e, "orb1", p.Orb1)
		a0, ok0 := orb0.Get()
		a1, ok1 := orb1.Get()
		if ok0 && ok1 {
			addrs = append(addrs, a0, a1)
			aliases = append(aliases,
				directory.Entry{Address: a0, Name: e.Name + "_ORB0"},
				directory.Entry{Address: a1, Name: e.Name + "_ORB1"},
			)
			log.Info("found orbs", "oracle", e.Name, "orb0", a0.Hex(), "orb1", a1.Hex())
			continue
		}
		if src, ok := probe(ctx, log, e, "src", p.Src).Get(); ok {
			addrs = append(addrs, src)
			aliases = append(aliases, directory.Entry{Address: src, Name: e.Name + "_SRC"})
			log.Info("found source", "oracle", e.Name, "src", src.Hex())
			continue
		}
		log.Info("no source", "oracle", e.Name)
	}
	log.Info("found oracle addresses", "count", len(addrs))
	return Set{Addresses: addrs, Directory: dir.With(aliases...)}, nil
}

func probe(ctx context.Context, log *slog.Logger, e directory.Entry, accessor string, fn func(context.Context, common.Address) (chain.Result, error)) chain.Result {
	res, err := fn(ctx, e.Address)
	if err != nil {
		log.Warn("oracle probe failed", "oracle", e.Name, "accessor", accessor, "err", err)
		return chain.Absent
	}
	return res
}
