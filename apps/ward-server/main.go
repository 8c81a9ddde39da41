// Ward-server: read-only HTTP API over the reports and graph exports written
// by ward. Rate-limited by IP (60/min).
// Endpoints: GET /reports, GET /reports/{category}, GET /graphs/{name},
// GET /healthz, GET /metrics.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/PulseMakerWin/dss-ward/internal/export"
)

// Rate limit: 60 req/min per IP.
const (
	perIPLimit  = 60
	windowPerIP = time.Minute
)

// rateLimiter enforces a per-IP limit within a sliding window.
type rateLimiter struct {
	mu      sync.Mutex
	ipHits  map[string][]time.Time
	limitIP int
	winIP   time.Duration
}

func newRateLimiter(limit int, win time.Duration) *rateLimiter {
	return &rateLimiter{ipHits: make(map[string][]time.Time), limitIP: limit, winIP: win}
}

func (r *rateLimiter) allowIP(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(ip)
	if len(r.ipHits[ip]) >= r.limitIP {
		return false
	}
	r.ipHits[ip] = append(r.ipHits[ip], time.Now())
	return true
}

// prune removes timestamps older than the sliding window to keep map size bounded.
func (r *rateLimiter) prune(ip string) {
	cutoff := time.Now().Add(-r.winIP)
	var valid []time.Time
	for _, t := range r.ipHits[ip] {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	if len(valid) == 0 {
		delete(r.ipHits, ip)
	} else {
		r.ipHits[ip] = valid
	}
}

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests"},
		[]string{"method", "path", "status"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
	rateLimitHits = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "ward_server_rate_limit_total", Help: "Requests rejected by the per-IP rate limit"},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration, rateLimitHits)
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	root := os.Getenv("WARD_OUTPUT_DIR")
	if root == "" {
		root = "."
	}
	index := newReportIndex(root, logger)
	if err := index.reload(); err != nil {
		slog.Error("load reports", "err", err)
		os.Exit(1)
	}

	addr := ":8080"
	if p := os.Getenv("PORT"); p != "" {
		p = strings.TrimPrefix(p, ":") // allow PORT=8080 or PORT=:8080
		if p != "" {
			addr = ":" + p
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := &http.Server{Addr: addr, Handler: instrument(newMux(index, root, newRateLimiter(perIPLimit, windowPerIP)))}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return index.watch(ctx) })
	g.Go(func() error {
		slog.Info("starting", "addr", addr, "reports", root)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		slog.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func newMux(index *reportIndex, root string, limiter *rateLimiter) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("GET /reports", limit(limiter, handleCategories(index)))
	mux.Handle("GET /reports/{category}", limit(limiter, handleReport(index)))
	mux.Handle("GET /graphs/{name}", limit(limiter, handleGraph(filepath.Join(root, "graph"))))
	return mux
}

// instrument wraps handlers to record Prometheus metrics (method, path, status, duration).
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := r.URL.Path
		method := r.Method
		ww := &responseWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(ww, r)
		status := statusLabel(ww.status)
		requestsTotal.WithLabelValues(method, path, status).Inc()
		requestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

// responseWriter captures status code for Prometheus labeling.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "unknown"
	}
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// clientIP uses the leftmost X-Forwarded-For entry (behind proxy); fallback to RemoteAddr.
func clientIP(r *http.Request) string {
	ip := r.Header.Get("X-Forwarded-For")
	if idx := strings.Index(ip, ","); idx >= 0 {
		ip = strings.TrimSpace(ip[:idx])
	} else {
		ip = strings.TrimSpace(ip)
	}
	if ip == "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return r.RemoteAddr
		}
		ip = host
	}
	return ip
}

func limit(limiter *rateLimiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !limiter.allowIP(ip) {
			rateLimitHits.Inc()
			slog.Warn("rate limit ip", "ip", ip)
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		slog.Error("encode response", "err", err)
		http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func handleCategories(index *reportIndex) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string][]string{"categories": index.categories()})
	}
}

func handleReport(index *reportIndex) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		category := r.PathValue("category")
		if !validName(category) {
			http.Error(w, `{"error":"invalid category"}`, http.StatusBadRequest)
			return
		}
		text, ok := index.get(category)
		if !ok {
			http.Error(w, `{"error":"no report"}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(text))
	}
}

func handleGraph(dir string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimSuffix(r.PathValue("name"), ".json")
		if !validName(name) {
			http.Error(w, `{"error":"invalid graph name"}`, http.StatusBadRequest)
			return
		}
		exp, err := export.ReadJSON(dir, name)
		if errors.Is(err, os.ErrNotExist) {
			http.Error(w, `{"error":"no graph"}`, http.StatusNotFound)
			return
		}
		if err != nil {
			slog.Error("read graph", "graph", name, "err", err)
			http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
			return
		}
		writeJSON(w, exp)
	}
}
