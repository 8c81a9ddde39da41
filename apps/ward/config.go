package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/PulseMakerWin/dss-ward/internal/chain"
	"github.com/PulseMakerWin/dss-ward/internal/harvest"
)

// Config is the crawler configuration. Every key is optional; ETH_RPC_URL
// or rpc.url must be set.
type Config struct {
	RPC     RPCConfig     `yaml:"rpc"`
	Chain   ChainConfig   `yaml:"chain"`
	Harvest HarvestConfig `yaml:"harvest"`
	Cache   CacheConfig   `yaml:"cache"`
	Output  OutputConfig  `yaml:"output"`
	Export  ExportConfig  `yaml:"export"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

type RPCConfig struct {
	URL               string        `yaml:"url"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	Timeout           time.Duration `yaml:"timeout"`
	DeployerLookup    bool          `yaml:"deployer_lookup"`
}

type ChainConfig struct {
	DirectoryAddress string `yaml:"directory_address"`
	FromBlock        uint64 `yaml:"from_block"`
}

type HarvestConfig struct {
	BatchSize   uint64        `yaml:"batch_size"`
	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

// CacheConfig selects the cache backend: file (JSON files) or badger.
type CacheConfig struct {
	Backend string `yaml:"backend"`
	Dir     string `yaml:"dir"`
}

type OutputConfig struct {
	Dir string `yaml:"dir"`
}

// ExportConfig enables the Postgres graph export when PostgresURL is set.
type ExportConfig struct {
	PostgresURL string `yaml:"postgres_url"`
}

// MetricsConfig serves /metrics and /healthz while crawling when Addr is set.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	mainnetChainLog = "0xdA0Ab1e0017DEbCd72Be8599041a2aa3bA7e740F"
	// mcdDeployBlock is the block the core system was deployed at.
	mcdDeployBlock = 8928152
)

func defaultConfig() Config {
	return Config{
		RPC: RPCConfig{
			RequestsPerSecond: 10,
			Burst:             1,
			Timeout:           30 * time.Second,
			DeployerLookup:    true,
		},
		Chain: ChainConfig{
			DirectoryAddress: mainnetChainLog,
			FromBlock:        mcdDeployBlock,
		},
		Harvest: HarvestConfig{
			BatchSize:   harvest.DefaultBatchSize,
			MaxAttempts: chain.DefaultRetry.Attempts,
			RetryDelay:  chain.DefaultRetry.Delay,
		},
		Cache:  CacheConfig{Backend: "file", Dir: "cached"},
		Output: OutputConfig{Dir: "."},
		Log:    LogConfig{Level: "info", Format: "json"},
	}
}

// LoadConfig reads path over the defaults. An empty path yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return &cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// applyEnv overrides file settings from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("ETH_RPC_URL"); v != "" {
		c.RPC.URL = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Export.PostgresURL = v
	}
	if v := os.Getenv("WARD_CACHE_DIR"); v != "" {
		c.Cache.Dir = v
	}
	if v := os.Getenv("WARD_OUTPUT_DIR"); v != "" {
		c.Output.Dir = v
	}
	if p := os.Getenv("PORT"); p != "" {
		p = strings.TrimPrefix(p, ":") // allow PORT=8080 or PORT=:8080
		if p != "" {
			c.Metrics.Addr = ":" + p
		}
	}
}

// Validate checks the configuration before any RPC is made.
func (c *Config) Validate() error {
	if c.RPC.URL == "" {
		return errors.New("ETH_RPC_URL (or rpc.url) is required")
	}
	if !chain.IsAddress(c.Chain.DirectoryAddress) {
		return fmt.Errorf("chain.directory_address %q is not an address", c.Chain.DirectoryAddress)
	}
	if c.Harvest.BatchSize < 1 || c.Harvest.BatchSize > harvest.MaxBatchSize {
		return fmt.Errorf("harvest.batch_size must be between 1 and %d", harvest.MaxBatchSize)
	}
	if c.Harvest.MaxAttempts < 1 {
		return errors.New("harvest.max_attempts must be at least 1")
	}
	if c.RPC.RequestsPerSecond < 0 {
		return errors.New("rpc.requests_per_second must not be negative")
	}
	switch c.Cache.Backend {
	case "file", "badger":
	default:
		return fmt.Errorf("cache.backend must be file or badger, got %q", c.Cache.Backend)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	if _, err := c.level(); err != nil {
		return err
	}
	return nil
}

func (c *Config) level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

func (c *Config) chainConfig() chain.Config {
	return chain.Config{
		URL:               c.RPC.URL,
		RequestsPerSecond: c.RPC.RequestsPerSecond,
		Burst:             c.RPC.Burst,
		Timeout:           c.RPC.Timeout,
		DeployerLookup:    c.RPC.DeployerLookup,
	}
}

func (c *Config) retry() chain.RetryPolicy {
	return chain.RetryPolicy{Attempts: c.Harvest.MaxAttempts, Delay: c.Harvest.RetryDelay}
}
