// Ward: maps who can administer the Maker core contracts and oracles. Crawls
// the chain log registry, harvests rely/kiss logs, probes owners, authorities,
// wards and buds, and records the resulting authority trees. Optionally serves
// /healthz and /metrics while crawling.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/PulseMakerWin/dss-ward/internal/harvest"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "HTTP requests"},
		[]string{"method", "path", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "Request latency", Buckets: prometheus.DefBuckets},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration)
}

// exitInterrupted follows the shell convention for SIGINT.
const exitInterrupted = 130

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	// A second signal kills the process.
	go func() {
		<-ctx.Done()
		stop()
	}()
	err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx)
	stop()
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, harvest.ErrInterrupted), errors.Is(err, context.Canceled):
		slog.Warn("interrupted, progress saved", "err", err)
		return exitInterrupted
	default:
		slog.Error("ward failed", "err", err)
		return 1
	}
}

type options struct {
	configPath  string
	level       int
	cached      []string
	metricsAddr string
	logFormat   string
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "ward",
		Short: "Map who can administer the Maker core contracts",
		Long: "Without a subcommand ward performs the full system lookup: the vat, every\n" +
			"oracle and every other chain log address, recorded under log/.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, modeFull, nil)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "YAML config file")
	flags.IntVarP(&opts.level, "level", "l", 0, "maximum depth for graphs and trees (0 = unbounded)")
	flags.StringSliceVarP(&opts.cached, "cached", "c", nil, "reuse cached data: chainlog, logs, graph")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve /metrics and /healthz on this address while crawling")
	flags.StringVar(&opts.logFormat, "log-format", "", "log format: json or text")

	root.AddCommand(
		&cobra.Command{
			Use:   "full",
			Short: "Map the vat, the oracles and every other chain log address",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return opts.run(cmd, modeFull, nil)
			},
		},
		&cobra.Command{
			Use:   "oracles",
			Short: "Map the oracles and their price feeds",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return opts.run(cmd, modeOracles, nil)
			},
		},
		&cobra.Command{
			Use:   "tree <target>...",
			Short: "Print who controls each target (address or chain log name)",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return opts.run(cmd, modeTree, args)
			},
		},
		&cobra.Command{
			Use:   "permissions <target>...",
			Short: "Print what each target controls",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return opts.run(cmd, modePermissions, args)
			},
		},
	)
	return root
}

// config loads the file, applies the environment and then the flags.
func (o *options) config() (*Config, error) {
	cfg, err := LoadConfig(o.configPath)
	if err != nil {
		return nil, err
	}
	cfg.applyEnv()
	if o.metricsAddr != "" {
		cfg.Metrics.Addr = o.metricsAddr
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *Config, w io.Writer) *slog.Logger {
	level, _ := cfg.level()
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func (o *options) run(cmd *cobra.Command, m mode, targets []string) error {
	cfg, err := o.config()
	if err != nil {
		return err
	}
	r, err := parseReuse(o.cached)
	if err != nil {
		return err
	}
	if o.level < 0 {
		return errors.New("--level must not be negative")
	}
	runID := uuid.NewString()
	logger := newLogger(cfg, cmd.ErrOrStderr()).With("run", runID, "mode", string(m))
	slog.SetDefault(logger)

	color := false
	if f, ok := cmd.OutOrStdout().(*os.File); ok {
		color = isTerminal(f)
	}

	g, ctx := errgroup.WithContext(cmd.Context())
	done := make(chan struct{})
	if cfg.Metrics.Addr != "" {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: instrument(newMux())}
		g.Go(func() error {
			logger.Info("serving metrics", "addr", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			select {
			case <-ctx.Done():
			case <-done:
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		defer close(done)
		c, err := openCrawler(ctx, cfg, r, o.level, runID, logger, cmd.OutOrStdout(), color)
		if err != nil {
			return err
		}
		defer c.Close()
		return c.run(ctx, m, targets)
	})
	return g.Wait()
}

func newMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
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

// instrument wraps handlers to record Prometheus metrics.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := r.URL.Path
		method := r.Method
		ww := &responseWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(ww, r)
		status := statusLabel(ww.status)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
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
