package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/PulseMakerWin/dss-ward/internal/authority"
	"github.com/PulseMakerWin/dss-ward/internal/chain"
	"github.com/PulseMakerWin/dss-ward/internal/directory"
	"github.com/PulseMakerWin/dss-ward/internal/export"
	"github.com/PulseMakerWin/dss-ward/internal/graph"
	"github.com/PulseMakerWin/dss-ward/internal/harvest"
	"github.com/PulseMakerWin/dss-ward/internal/oracle"
	"github.com/PulseMakerWin/dss-ward/internal/render"
	"github.com/PulseMakerWin/dss-ward/internal/snapshot"
	"github.com/PulseMakerWin/dss-ward/internal/store"
)

type mode string

const (
	modeFull        mode = "full"
	modeOracles     mode = "oracles"
	modeTree        mode = "tree"
	modePermissions mode = "permissions"
)

// vatName is the registry name of the core accounting contract.
const vatName = "MCD_VAT"

// reuse is the set of cached artifacts a run may reuse instead of refetching.
type reuse struct {
	chainLog, logs, graphs bool
}

func parseReuse(values []string) (reuse, error) {
	var r reuse
	for _, v := range values {
		switch strings.TrimSpace(v) {
		case "chainlog":
			r.chainLog = true
		case "logs":
			r.logs = true
		case "graph":
			r.graphs = true
		default:
			return reuse{}, fmt.Errorf("--cached: unknown value %q (want chainlog, logs or graph)", v)
		}
	}
	return r, nil
}

// graphExporter publishes a named graph to an external sink.
type graphExporter interface {
	Export(ctx context.Context, name string, g *graph.Graph, names graph.Namer) error
	Close()
}

// crawler is one run: the transport, the caches and the shared log session.
type crawler struct {
	cfg    *Config
	reuse  reuse
	depth  int
	log    *slog.Logger
	out    io.Writer
	color  bool
	closer []func()

	prober   authority.Prober
	oracles  oracle.Prober
	store    store.Store
	dir      *directory.Directory
	session  *authority.Session
	recorder *snapshot.Recorder
	exporter graphExporter
}

func openStore(cfg CacheConfig, log *slog.Logger) (store.Store, error) {
	if cfg.Backend == "badger" {
		return store.OpenBadger(store.BadgerConfig{Path: filepath.Join(cfg.Dir, "badger"), Logger: log})
	}
	return store.NewFileStore(cfg.Dir)
}

func openCrawler(ctx context.Context, cfg *Config, r reuse, depth int, runID string, log *slog.Logger, out io.Writer, color bool) (*crawler, error) {
	c := &crawler{cfg: cfg, reuse: r, depth: depth, log: log, out: out, color: color}

	st, err := openStore(cfg.Cache, log)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	c.store = st
	c.closer = append(c.closer, func() {
		if err := st.Close(); err != nil {
			log.Warn("close cache", "err", err)
		}
	})

	client, err := chain.Dial(ctx, cfg.chainConfig())
	if err != nil {
		c.Close()
		return nil, err
	}
	c.closer = append(c.closer, client.Close)
	prober := chain.NewProber(client, cfg.retry())
	c.prober, c.oracles = prober, prober

	if cfg.Export.PostgresURL != "" {
		pg, err := export.NewPostgres(ctx, cfg.Export.PostgresURL, runID)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("create exporter: %w", err)
		}
		c.exporter = pg
		c.closer = append(c.closer, pg.Close)
	}

	c.dir, err = directory.Load(ctx, prober, common.HexToAddress(cfg.Chain.DirectoryAddress), st, r.chainLog, log)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("load chain log: %w", err)
	}

	h := harvest.New(client, st, harvest.Config{
		FromBlock:  cfg.Chain.FromBlock,
		BatchSize:  cfg.Harvest.BatchSize,
		Retry:      cfg.retry(),
		ReuseCache: r.logs,
	}, log)
	c.session = authority.NewSession(h)
	c.recorder = &snapshot.Recorder{Root: cfg.Output.Dir, Log: log}
	return c, nil
}

func (c *crawler) Close() {
	for i := len(c.closer) - 1; i >= 0; i-- {
		c.closer[i]()
	}
	c.closer = nil
}

func (c *crawler) orchestrator(names *directory.Directory) *authority.Orchestrator {
	b := authority.NewBuilder(c.session, c.prober, names, authority.Options{MaxDepth: c.depth}, c.log)
	return &authority.Orchestrator{Builder: b, Store: c.store, Names: names, ReuseGraphs: c.reuse.graphs, Log: c.log}
}

func (c *crawler) run(ctx context.Context, m mode, targets []string) error {
	switch m {
	case modeFull:
		return c.full(ctx)
	case modeOracles:
		return c.oracleMode(ctx)
	case modeTree:
		return c.tree(ctx, targets)
	case modePermissions:
		return c.permissions(ctx, targets)
	}
	return fmt.Errorf("unknown mode %q", m)
}

func (c *crawler) vat() (common.Address, error) {
	addr, err := c.dir.Resolve(vatName)
	if err != nil {
		return common.Address{}, fmt.Errorf("chain log: %w", err)
	}
	return addr, nil
}

// full maps the core accounting contract, every oracle and then every other
// registry address not reached yet.
func (c *crawler) full(ctx context.Context) error {
	c.log.Info("performing full system lookup")
	vat, err := c.vat()
	if err != nil {
		return err
	}
	set, err := oracle.Discover(ctx, c.oracles, c.dir, c.log)
	if err != nil {
		return err
	}
	names := set.Directory
	roots := append([]common.Address{vat}, set.Addresses...)
	o := c.orchestrator(names)

	full := graph.New()
	ok := false
	if c.reuse.graphs {
		if ok, err = c.store.Get(store.GraphKey(string(modeFull)), full); err != nil {
			c.log.Warn("ignoring unreadable cached graph", "graph", modeFull, "err", err)
			ok = false
		}
	}
	if !ok {
		if full, err = o.BuildEach(ctx, roots); err != nil {
			return err
		}
		reached := full.Nodes()
		var extra []common.Address
		for _, a := range names.Addresses() {
			if !slices.Contains(reached, a) {
				extra = append(extra, a)
			}
		}
		c.log.Info("mapping remaining registry addresses", "count", len(extra))
		rest, err := o.BuildEach(ctx, extra)
		if err != nil {
			return err
		}
		full = graph.Merge(full, rest)
		if err := c.store.Put(store.GraphKey(string(modeFull)), full); err != nil {
			c.log.Warn("could not cache graph", "graph", modeFull, "err", err)
		}
	}

	if err := c.publish(ctx, string(modeFull), full, names, names.Names()...); err != nil {
		return err
	}
	return c.record(snapshot.Full, render.Trees(full, names, roots, c.depth))
}

func (c *crawler) oracleMode(ctx context.Context) error {
	set, err := oracle.Discover(ctx, c.oracles, c.dir, c.log)
	if err != nil {
		return err
	}
	g, err := c.orchestrator(set.Directory).BuildEach(ctx, set.Addresses)
	if err != nil {
		return err
	}
	if err := c.publish(ctx, string(modeOracles), g, set.Directory); err != nil {
		return err
	}
	return c.record(string(modeOracles), render.Trees(g, set.Directory, set.Addresses, c.depth))
}

// resolve turns command-line targets into addresses.
func (c *crawler) resolve(targets []string) ([]common.Address, error) {
	addrs := make([]common.Address, 0, len(targets))
	for _, t := range targets {
		addr, err := c.dir.Resolve(t)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// tree prints who controls each target and exports each target's graph
// under its display name.
func (c *crawler) tree(ctx context.Context, targets []string) error {
	addrs, err := c.resolve(targets)
	if err != nil {
		return err
	}
	graphs, err := c.orchestrator(c.dir).Each(ctx, addrs)
	if err != nil {
		return err
	}
	for i, addr := range addrs {
		if err := c.publish(ctx, c.dir.Name(addr), graphs[i], c.dir); err != nil {
			return err
		}
		fmt.Fprintln(c.out, render.Text(render.Forward(graphs[i], c.dir, addr, c.depth)))
	}
	return nil
}

// permissions prints what each target controls within the core and oracle
// graphs. The core graph is exported under its name, the oracle graphs as
// oracles.
func (c *crawler) permissions(ctx context.Context, targets []string) error {
	addrs, err := c.resolve(targets)
	if err != nil {
		return err
	}
	vat, err := c.vat()
	if err != nil {
		return err
	}
	set, err := oracle.Discover(ctx, c.oracles, c.dir, c.log)
	if err != nil {
		return err
	}
	names := set.Directory
	graphs, err := c.orchestrator(names).Each(ctx, append([]common.Address{vat}, set.Addresses...))
	if err != nil {
		return err
	}
	oracles := graph.New()
	for _, g := range graphs[1:] {
		oracles = graph.Merge(g, oracles)
	}
	if err := c.publish(ctx, names.Name(vat), graphs[0], names); err != nil {
		return err
	}
	if err := c.publish(ctx, string(modeOracles), oracles, names); err != nil {
		return err
	}
	g := graph.Merge(oracles, graph.Merge(graphs[0], graph.New()))
	for _, addr := range addrs {
		c.log.Info("performing permissions lookup", "target", names.Name(addr))
		fmt.Fprintln(c.out, render.Text(render.Reverse(g, names, addr, c.depth)))
	}
	return nil
}

// publish writes the JSON export and, when configured, the Postgres rows.
func (c *crawler) publish(ctx context.Context, name string, g *graph.Graph, names *directory.Directory, extra ...string) error {
	p, err := export.WriteJSON(filepath.Join(c.cfg.Output.Dir, "graph"), name, graph.NewExport(g, names, extra...))
	if err != nil {
		return err
	}
	c.log.Info("wrote graph", "graph", name, "path", p, "edges", g.Len())
	if c.exporter == nil {
		return nil
	}
	if err := c.exporter.Export(ctx, name, g, names); err != nil {
		return fmt.Errorf("export %s: %w", name, err)
	}
	return nil
}

// record prints the report and stores it as the category's latest snapshot.
func (c *crawler) record(category, text string) error {
	fmt.Fprintln(c.out, text)
	res, err := c.recorder.Record(category, text)
	if err != nil {
		return err
	}
	if !res.Changed {
		fmt.Fprintln(c.out, "no changes since last lookup")
		return nil
	}
	printDiff(c.out, res.Diffs, c.color)
	fmt.Fprintln(c.out, "\nchanges detected since last lookup")
	return nil
}
