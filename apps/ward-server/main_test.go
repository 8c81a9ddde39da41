package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/PulseMakerWin/dss-ward/internal/export"
	"github.com/PulseMakerWin/dss-ward/internal/graph"
	"github.com/PulseMakerWin/dss-ward/internal/snapshot"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestRateLimiter_allowIP(t *testing.T) {
	r := newRateLimiter(2, time.Minute)
	if !r.allowIP("1.2.3.4") {
		t.Error("first request should allow")
	}
	if !r.allowIP("1.2.3.4") {
		t.Error("second request should allow")
	}
	if r.allowIP("1.2.3.4") {
		t.Error("third request should rate limit")
	}
	if !r.allowIP("5.6.7.8") {
		t.Error("different IP should allow")
	}
}

func TestRateLimiter_windowExpires(t *testing.T) {
	r := newRateLimiter(1, 20*time.Millisecond)
	if !r.allowIP("1.2.3.4") {
		t.Fatal("first request should allow")
	}
	if r.allowIP("1.2.3.4") {
		t.Fatal("second request should rate limit")
	}
	time.Sleep(30 * time.Millisecond)
	if !r.allowIP("1.2.3.4") {
		t.Error("request after the window should allow")
	}
}

func TestStatusLabel(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, "2xx"}, {299, "2xx"}, {404, "4xx"}, {429, "4xx"}, {500, "5xx"},
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
	if !strings.Contains(rec.Body.String(), "ok") {
		t.Error("body should contain ok")
	}

	req = httptest.NewRequest(http.MethodPost, "/healthz", nil)
	rec = httptest.NewRecorder()
	handleHealthz(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /healthz = %d, want 405", rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/reports", nil)
	req.RemoteAddr = "5.5.5.5:1234"
	if got := clientIP(req); got != "5.5.5.5" {
		t.Errorf("RemoteAddr: %q", got)
	}
	req.Header.Set("X-Forwarded-For", "1.2.3.4, 10.0.0.1")
	if got := clientIP(req); got != "1.2.3.4" {
		t.Errorf("X-Forwarded-For: %q", got)
	}
	req.Header.Set("X-Forwarded-For", ",1.2.3.4") // comma at 0: fall back to RemoteAddr
	if got := clientIP(req); got != "5.5.5.5" {
		t.Errorf("malformed X-Forwarded-For: %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/reports", nil)
	req.RemoteAddr = "[2001:db8::1]:443"
	if got := clientIP(req); got != "2001:db8::1" {
		t.Errorf("IPv6 RemoteAddr: %q", got)
	}
	other := httptest.NewRequest(http.MethodGet, "/reports", nil)
	other.RemoteAddr = "[2001:db8::2]:443"
	if clientIP(req) == clientIP(other) {
		t.Error("distinct IPv6 clients must not share a rate limit key")
	}
}

// fixture writes a full report, an oracles report and the full graph export.
func fixture(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	rec := &snapshot.Recorder{Root: root, Log: discard}
	if _, err := rec.Record(snapshot.Full, "MCD_VAT\n└── ward: MCD_PAUSE_PROXY\n"); err != nil {
		t.Fatal(err)
	}
	if _, err := rec.Record("oracles", "PIP_ETH\n"); err != nil {
		t.Fatal(err)
	}
	vat := common.HexToAddress("0x35D1b3F3D7966A1DFe207aa4514C12a259A0492B")
	proxy := common.HexToAddress("0xBE8E3e3618f7474F8cB1d074A26afFef007E98FB")
	g := graph.New(graph.Edge{Source: proxy, Target: vat, Label: graph.Ward})
	exp := graph.NewExport(g, nameless{})
	if _, err := export.WriteJSON(filepath.Join(root, "graph"), "full", exp); err != nil {
		t.Fatal(err)
	}
	return root
}

type nameless struct{}

func (nameless) Name(a common.Address) string { return a.Hex() }

func newTestServer(t *testing.T, root string, limit int) *httptest.Server {
	t.Helper()
	index := newReportIndex(root, discard)
	if err := index.reload(); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(instrument(newMux(index, root, newRateLimiter(limit, time.Minute))))
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestReportEndpoints(t *testing.T) {
	srv := newTestServer(t, fixture(t), 100)

	t.Run("categories", func(t *testing.T) {
		code, body := get(t, srv.URL+"/reports")
		if code != http.StatusOK {
			t.Fatalf("GET /reports = %d", code)
		}
		var got struct{ Categories []string }
		if err := json.Unmarshal([]byte(body), &got); err != nil {
			t.Fatal(err)
		}
		if strings.Join(got.Categories, ",") != "full,oracles" {
			t.Errorf("categories = %v", got.Categories)
		}
	})

	t.Run("report", func(t *testing.T) {
		code, body := get(t, srv.URL+"/reports/full")
		if code != http.StatusOK || !strings.HasPrefix(body, "MCD_VAT\n") {
			t.Errorf("GET /reports/full = %d %q", code, body)
		}
	})

	t.Run("unknown report", func(t *testing.T) {
		if code, _ := get(t, srv.URL+"/reports/tree"); code != http.StatusNotFound {
			t.Errorf("GET /reports/tree = %d, want 404", code)
		}
	})

	t.Run("graph", func(t *testing.T) {
		code, body := get(t, srv.URL+"/graphs/full")
		if code != http.StatusOK {
			t.Fatalf("GET /graphs/full = %d", code)
		}
		var exp graph.Export
		if err := json.Unmarshal([]byte(body), &exp); err != nil {
			t.Fatal(err)
		}
		if len(exp.Links) != 1 || exp.Links[0].Label != graph.Ward {
			t.Errorf("links = %+v", exp.Links)
		}
	})

	t.Run("missing graph", func(t *testing.T) {
		if code, _ := get(t, srv.URL+"/graphs/oracles"); code != http.StatusNotFound {
			t.Errorf("GET /graphs/oracles = %d, want 404", code)
		}
	})

	t.Run("invalid name", func(t *testing.T) {
		if code, _ := get(t, srv.URL+"/graphs/full.bak"); code != http.StatusBadRequest {
			t.Errorf("GET /graphs/full.bak = %d, want 400", code)
		}
	})

	t.Run("method not allowed", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/reports", "text/plain", nil)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("POST /reports = %d, want 405", resp.StatusCode)
		}
	})
}

func TestRateLimitedEndpoint(t *testing.T) {
	srv := newTestServer(t, fixture(t), 3)
	for i := 0; i < 4; i++ {
		code, _ := get(t, srv.URL+"/reports/full")
		if i < 3 && code != http.StatusOK {
			t.Errorf("request %d: %d, want 200", i, code)
		}
		if i == 3 && code != http.StatusTooManyRequests {
			t.Errorf("request 3 (rate limit): %d, want 429", code)
		}
	}
	if code, _ := get(t, srv.URL+"/healthz"); code != http.StatusOK {
		t.Errorf("healthz is not rate limited: %d", code)
	}
}

func TestWatchReloadsReports(t *testing.T) {
	root := fixture(t)
	index := newReportIndex(root, discard)
	if err := index.reload(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- index.watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()
	time.Sleep(100 * time.Millisecond) // let the watcher register

	rec := &snapshot.Recorder{Root: root, Log: discard}
	if _, err := rec.Record("oracles", "PIP_ETH\n└── ward: MCD_PAUSE_PROXY\n"); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if text, _ := index.get("oracles"); strings.Contains(text, "ward: MCD_PAUSE_PROXY") {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("index was not reloaded after latest.txt changed")
}
