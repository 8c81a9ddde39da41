package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/PulseMakerWin/dss-ward/internal/authority"
	"github.com/PulseMakerWin/dss-ward/internal/chain"
	"github.com/PulseMakerWin/dss-ward/internal/directory"
	"github.com/PulseMakerWin/dss-ward/internal/graph"
	"github.com/PulseMakerWin/dss-ward/internal/harvest"
	"github.com/PulseMakerWin/dss-ward/internal/snapshot"
	"github.com/PulseMakerWin/dss-ward/internal/store"
)

func TestStatusLabel(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, "2xx"}, {302, "3xx"}, {404, "4xx"}, {500, "5xx"}, {100, "unknown"},
	}
	for _, tt := range tests {
		if got := statusLabel(tt.code); got != tt.want {
			t.Errorf("statusLabel(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestHandleHealthz(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handleHealthz(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("GET /healthz = %d, want 200", rec.Code)
	}
	req = httptest.NewRequest(http.MethodPost, "/healthz", nil)
	rec = httptest.NewRecorder()
	handleHealthz(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /healthz = %d, want 405", rec.Code)
	}
}

func TestInstrumentServesMetrics(t *testing.T) {
	srv := httptest.NewServer(instrument(newMux()))
	defer srv.Close()
	if _, err := http.Get(srv.URL + "/healthz"); err != nil {
		t.Fatal(err)
	}
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `http_requests_total{method="GET",path="/healthz",status="2xx"}`) {
		t.Error("metrics should count the healthz request")
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{fmt.Errorf("%w at block 9: %w", harvest.ErrInterrupted, context.Canceled), 130},
		{fmt.Errorf("build interrupted: %w", context.Canceled), 130},
		{errors.New("config: ETH_RPC_URL (or rpc.url) is required"), 1},
	}
	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Harvest.BatchSize != 4096 || cfg.Harvest.MaxAttempts != 3 || cfg.Harvest.RetryDelay != 2*time.Second {
		t.Errorf("harvest defaults = %+v", cfg.Harvest)
	}
	if cfg.Chain.FromBlock != 8928152 {
		t.Errorf("from_block = %d, want 8928152", cfg.Chain.FromBlock)
	}
	if cfg.Chain.DirectoryAddress != "0xdA0Ab1e0017DEbCd72Be8599041a2aa3bA7e740F" {
		t.Errorf("directory_address = %s", cfg.Chain.DirectoryAddress)
	}
	if err := cfg.Validate(); err == nil {
		t.Error("missing rpc url should fail validation")
	}
}

func TestLoadConfigFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "ward.yaml")
	body := `
rpc:
  url: http://localhost:8545
  timeout: 5s
  deployer_lookup: false
harvest:
  batch_size: 2000
cache:
  backend: badger
log:
  level: debug
  format: text
`
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(p)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RPC.URL != "http://localhost:8545" || cfg.RPC.Timeout != 5*time.Second || cfg.RPC.DeployerLookup {
		t.Errorf("rpc = %+v", cfg.RPC)
	}
	if cfg.RPC.RequestsPerSecond != 10 {
		t.Errorf("unset keys keep defaults, requests_per_second = %v", cfg.RPC.RequestsPerSecond)
	}
	if cfg.Harvest.BatchSize != 2000 || cfg.Cache.Backend != "badger" {
		t.Errorf("harvest/cache = %+v %+v", cfg.Harvest, cfg.Cache)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate = %v", err)
	}
}

func TestConfigEnvOverrides(t *testing.T) {
	t.Setenv("ETH_RPC_URL", "https://eth.example")
	t.Setenv("DATABASE_URL", "postgres://a:b@c/d")
	t.Setenv("WARD_CACHE_DIR", "/tmp/ward-cache")
	t.Setenv("WARD_OUTPUT_DIR", "/tmp/ward-out")
	t.Setenv("PORT", ":9100")
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.applyEnv()
	if cfg.RPC.URL != "https://eth.example" || cfg.Export.PostgresURL != "postgres://a:b@c/d" {
		t.Errorf("rpc/export = %q %q", cfg.RPC.URL, cfg.Export.PostgresURL)
	}
	if cfg.Cache.Dir != "/tmp/ward-cache" || cfg.Output.Dir != "/tmp/ward-out" {
		t.Errorf("dirs = %q %q", cfg.Cache.Dir, cfg.Output.Dir)
	}
	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("metrics addr = %q, want :9100", cfg.Metrics.Addr)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"batch too large", func(c *Config) { c.Harvest.BatchSize = 10001 }},
		{"batch zero", func(c *Config) { c.Harvest.BatchSize = 0 }},
		{"bad registry", func(c *Config) { c.Chain.DirectoryAddress = "0x1234" }},
		{"bad backend", func(c *Config) { c.Cache.Backend = "redis" }},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }},
		{"no attempts", func(c *Config) { c.Harvest.MaxAttempts = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.RPC.URL = "http://localhost:8545"
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate should fail")
			}
		})
	}
}

func TestParseReuse(t *testing.T) {
	r, err := parseReuse([]string{"chainlog", "graph"})
	if err != nil {
		t.Fatal(err)
	}
	if !r.chainLog || r.logs || !r.graphs {
		t.Errorf("parseReuse = %+v", r)
	}
	if _, err := parseReuse([]string{"blocks"}); err == nil {
		t.Error("unknown value should fail")
	}
}

func TestRootCommandArgs(t *testing.T) {
	var out, errOut bytes.Buffer
	cmd := newRootCmd(&out, &errOut)
	cmd.SetArgs([]string{"tree"})
	if err := cmd.Execute(); err == nil {
		t.Error("tree without targets should fail")
	}

	t.Setenv("ETH_RPC_URL", "")
	cmd = newRootCmd(&out, &errOut)
	cmd.SetArgs([]string{"oracles"})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "ETH_RPC_URL") {
		t.Errorf("missing rpc url: err = %v", err)
	}
}

func TestPrintDiffPlain(t *testing.T) {
	var buf bytes.Buffer
	printDiff(&buf, []diffmatchpatch.Diff{
		{Type: diffmatchpatch.DiffEqual, Text: "ward: MCD_"},
		{Type: diffmatchpatch.DiffDelete, Text: "JUG"},
		{Type: diffmatchpatch.DiffInsert, Text: "CAT"},
	}, false)
	if got, want := buf.String(), "ward: MCD_[-JUG-]{+CAT+}"; got != want {
		t.Errorf("printDiff = %q, want %q", got, want)
	}
}

// fakeChain answers probes for a small system: the vat is warded by the
// pause proxy, which is owned by the pause, and one oracle reads a median.
type fakeChain struct {
	owners map[common.Address]common.Address
	wards  map[common.Address][]common.Address
	srcs   map[common.Address]common.Address
}

func (f *fakeChain) IsEOA(ctx context.Context, a common.Address) (bool, error) { return false, nil }

func (f *fakeChain) Owner(ctx context.Context, a common.Address) (chain.Result, error) {
	if o, ok := f.owners[a]; ok {
		return chain.Present(o), nil
	}
	return chain.Absent, nil
}

func (f *fakeChain) Authority(ctx context.Context, a common.Address) (chain.Result, error) {
	return chain.Absent, nil
}

func (f *fakeChain) Deployer(ctx context.Context, a common.Address) (chain.Result, error) {
	return chain.Absent, nil
}

func (f *fakeChain) Ward(ctx context.Context, target, c common.Address) (chain.Answer, error) {
	for _, w := range f.wards[target] {
		if w == c {
			return chain.Yes, nil
		}
	}
	return chain.No, nil
}

func (f *fakeChain) Bud(ctx context.Context, target, c common.Address) (chain.Answer, error) {
	return chain.Unsupported, nil
}

func (f *fakeChain) Orb0(ctx context.Context, a common.Address) (chain.Result, error) {
	return chain.Absent, nil
}

func (f *fakeChain) Orb1(ctx context.Context, a common.Address) (chain.Result, error) {
	return chain.Absent, nil
}

func (f *fakeChain) Src(ctx context.Context, a common.Address) (chain.Result, error) {
	if s, ok := f.srcs[a]; ok {
		return chain.Present(s), nil
	}
	return chain.Absent, nil
}

// fakeLogs emits one rely log per granted ward.
type fakeLogs struct {
	wards    map[common.Address][]common.Address
	requests [][]common.Address
}

func (f *fakeLogs) Harvest(ctx context.Context, addrs []common.Address) ([]harvest.Event, error) {
	f.requests = append(f.requests, addrs)
	var out []harvest.Event
	for _, a := range addrs {
		for _, w := range f.wards[a] {
			out = append(out, harvest.Event{Address: a, Topics: []common.Hash{harvest.Topics()[0][0], common.BytesToHash(w.Bytes())}})
		}
	}
	return out, nil
}

var (
	vat    = common.HexToAddress("0x35D1b3F3D7966A1DFe207aa4514C12a259A0492B")
	proxy  = common.HexToAddress("0xBE8E3e3618f7474F8cB1d074A26afFef007E98FB")
	pause  = common.HexToAddress("0xbE286431454714F511008713973d3B053A2d38f3")
	pipEth = common.HexToAddress("0x81FE72B5A8d1A857d176C3E7d5Bd2679A9B85763")
	median = common.HexToAddress("0x64DE91F5A373Cd4c28de3600cB34C7C6cE410C85")
	cat    = common.HexToAddress("0xa5679C04fc3d9d8b0AaB1F0ab83555b301cA70Ea")
)

func testCrawler(t *testing.T, out io.Writer) *crawler {
	t.Helper()
	st, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	wards := map[common.Address][]common.Address{vat: {proxy}, median: {proxy}}
	fc := &fakeChain{
		owners: map[common.Address]common.Address{proxy: pause},
		wards:  wards,
		srcs:   map[common.Address]common.Address{pipEth: median},
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	outDir := t.TempDir()
	return &crawler{
		cfg:     &Config{Output: OutputConfig{Dir: outDir}},
		log:     log,
		out:     out,
		prober:  fc,
		oracles: fc,
		store:   st,
		dir: directory.New([]directory.Entry{
			{Address: vat, Name: "MCD_VAT"},
			{Address: proxy, Name: "MCD_PAUSE_PROXY"},
			{Address: pipEth, Name: "PIP_ETH"},
			{Address: cat, Name: "MCD_CAT"},
		}),
		session:  authority.NewSession(&fakeLogs{wards: wards}),
		recorder: &snapshot.Recorder{Root: outDir, Log: log},
	}
}

// recordingExporter captures exported graphs.
type recordingExporter struct {
	graphs map[string]*graph.Graph
}

func (r *recordingExporter) Export(ctx context.Context, name string, g *graph.Graph, names graph.Namer) error {
	r.graphs[name] = g
	return nil
}

func (r *recordingExporter) Close() {}

func TestFullMode(t *testing.T) {
	var out bytes.Buffer
	c := testCrawler(t, &out)
	exp := &recordingExporter{graphs: map[string]*graph.Graph{}}
	c.exporter = exp

	if err := c.run(context.Background(), modeFull, nil); err != nil {
		t.Fatal(err)
	}
	latest, err := snapshot.Latest(c.cfg.Output.Dir, snapshot.Full)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"MCD_VAT\n", "ward: MCD_PAUSE_PROXY", "owner: " + pause.Hex(), "PIP_ETH_SRC"} {
		if !strings.Contains(latest, want) {
			t.Errorf("report missing %q:\n%s", want, latest)
		}
	}
	if _, err := os.Stat(filepath.Join(c.cfg.Output.Dir, "graph", "full.json")); err != nil {
		t.Errorf("full export: %v", err)
	}
	g := exp.graphs["full"]
	if g == nil || !g.Has(proxy, median, graph.Ward) || !g.Has(pause, proxy, graph.Owner) {
		t.Errorf("exported graph = %v", g.Edges())
	}

	out.Reset()
	if err := c.run(context.Background(), modeFull, nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "no changes since last lookup") {
		t.Errorf("second run should report no changes:\n%s", out.String())
	}
}

func TestTreeAndPermissionsModes(t *testing.T) {
	var out bytes.Buffer
	c := testCrawler(t, &out)
	if err := c.run(context.Background(), modeTree, []string{"MCD_VAT"}); err != nil {
		t.Fatal(err)
	}
	if want := "MCD_VAT\n└── ward: MCD_PAUSE_PROXY\n    └── owner: " + pause.Hex() + "\n"; !strings.HasPrefix(out.String(), want) {
		t.Errorf("tree =\n%s\nwant prefix\n%s", out.String(), want)
	}

	out.Reset()
	if err := c.run(context.Background(), modePermissions, []string{proxy.Hex()}); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"ward of MCD_VAT", "ward of PIP_ETH_SRC"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("permissions missing %q:\n%s", want, out.String())
		}
	}

	for _, name := range []string{"MCD_VAT", "oracles"} {
		if _, err := os.Stat(filepath.Join(c.cfg.Output.Dir, "graph", name+".json")); err != nil {
			t.Errorf("%s export: %v", name, err)
		}
	}

	err := c.run(context.Background(), modeTree, []string{"MCD_NOPE"})
	if !errors.Is(err, directory.ErrUnknownTarget) {
		t.Errorf("unknown target: err = %v", err)
	}
}

func TestTreeModeHarvestsTargetsTogether(t *testing.T) {
	var out bytes.Buffer
	c := testCrawler(t, &out)
	fc := c.prober.(*fakeChain)
	fc.wards[cat] = []common.Address{proxy}
	logs := &fakeLogs{wards: fc.wards}
	c.session = authority.NewSession(logs)
	exp := &recordingExporter{graphs: map[string]*graph.Graph{}}
	c.exporter = exp

	if err := c.run(context.Background(), modeTree, []string{"MCD_VAT", "MCD_CAT"}); err != nil {
		t.Fatal(err)
	}
	if len(logs.requests) == 0 || len(logs.requests[0]) != 2 {
		t.Errorf("first harvest request = %v, want both targets", logs.requests)
	}
	for _, name := range []string{"MCD_VAT", "MCD_CAT"} {
		if _, err := os.Stat(filepath.Join(c.cfg.Output.Dir, "graph", name+".json")); err != nil {
			t.Errorf("%s export: %v", name, err)
		}
		if exp.graphs[name] == nil {
			t.Errorf("%s not exported", name)
		}
	}
	if !strings.Contains(out.String(), "MCD_CAT\n└── ward: MCD_PAUSE_PROXY") {
		t.Errorf("tree output:\n%s", out.String())
	}
}

func TestFullModeMergesRemainingAddressesFirst(t *testing.T) {
	var out bytes.Buffer
	c := testCrawler(t, &out)
	c.prober.(*fakeChain).wards[cat] = []common.Address{proxy}
	exp := &recordingExporter{graphs: map[string]*graph.Graph{}}
	c.exporter = exp

	if err := c.run(context.Background(), modeFull, nil); err != nil {
		t.Fatal(err)
	}
	edges := exp.graphs["full"].Edges()
	if len(edges) == 0 || edges[0].Target != cat {
		t.Fatalf("full graph should start with the remaining registry edges, got %v", edges)
	}
	if !exp.graphs["full"].Has(proxy, vat, graph.Ward) {
		t.Error("full graph lost the core edges")
	}
}
