// Package config loads the store's tunable budgets and paths through a
// layered defaults → file → environment stack, grounded on the teacher's
// core/backend/config package but scoped to the handful of values this
// store actually needs.
package config

import (
	"fmt"
	"math"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// Config holds every tunable the converter and storage handler read at
// construction time. None of it is re-read after startup.
type Config struct {
	// CacheFilePath is the single backing file for the store.
	CacheFilePath string `mapstructure:"cache_file_path"`

	// WorkerPoolSize sizes internal/eventloop.Pool. Defaults to
	// hardware_concurrency * 1.5 rounded up, the Go-native reading of the
	// reference implementation's UV_THREADPOOL_SIZE bump (spec.md §4,
	// §9).
	WorkerPoolSize int `mapstructure:"worker_pool_size"`

	// ReaderBatchSize is the target point count per convert_data call
	// (spec.md §4.5).
	ReaderBatchSize int `mapstructure:"reader_batch_size"`

	// ReadSortByteBudget caps read_sort_active_approximate_size (spec.md
	// §4.5, §9 open question (b) — the source's 1 MiB default is
	// suspiciously small for production inputs; kept tunable rather than
	// hard-coded).
	ReadSortByteBudget uint64 `mapstructure:"read_sort_byte_budget"`

	// NodeLimit is the tree engine's per-leaf point-count budget before a
	// split (spec.md §4.6).
	NodeLimit uint32 `mapstructure:"node_limit"`

	// LODStrideDivisor is loaded and validated here, but internal/lod does
	// not read it: the LOD generator always stride-samples down to
	// totalPoints / 8 (capped by the node limit).
	LODStrideDivisor int `mapstructure:"lod_stride_divisor"`
}

const envPrefix = "PTSTORE"

// defaultWorkerPoolSize returns hardware_concurrency * 1.5, rounded up.
func defaultWorkerPoolSize() int {
	return int(math.Ceil(float64(runtime.NumCPU()) * 1.5))
}

// Load reads configuration from, in ascending priority: built-in
// defaults, an optional config file named "pointstore" (yaml/json/toml,
// searched in ".", "./config", "/etc/pointstore"), and PTSTORE_-prefixed
// environment variables (PTSTORE_WORKER_POOL_SIZE etc.).
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("cache_file_path", "pointstore.bin")
	v.SetDefault("worker_pool_size", defaultWorkerPoolSize())
	v.SetDefault("reader_batch_size", 20000)
	v.SetDefault("read_sort_byte_budget", uint64(1<<20))
	v.SetDefault("node_limit", uint32(8192))
	v.SetDefault("lod_stride_divisor", 8)

	v.SetConfigName("pointstore")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/pointstore")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.WorkerPoolSize < 1 {
		return fmt.Errorf("config: worker_pool_size must be at least 1, got %d", c.WorkerPoolSize)
	}
	if c.ReaderBatchSize < 1 {
		return fmt.Errorf("config: reader_batch_size must be at least 1, got %d", c.ReaderBatchSize)
	}
	if c.NodeLimit < 1 {
		return fmt.Errorf("config: node_limit must be at least 1, got %d", c.NodeLimit)
	}
	if c.LODStrideDivisor < 2 {
		return fmt.Errorf("config: lod_stride_divisor must be at least 2, got %d", c.LODStrideDivisor)
	}
	return nil
}
