// SPDX-License-Identifier: MIT

// Package config loads the YAML configuration shared by the mrcl tools.
//
// Configuration is read from the file named by MRCL_CONFIG, or from an
// explicit path. Without MRCL_CONFIG the built-in defaults are used, which
// run everything in memory. Two environment variables override the file:
// MRCL_STORE_PATH (store.path) and MRCL_LOG_LEVEL (log.level).
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/achimnol/mrcl/block"
	"github.com/achimnol/mrcl/kvstore"
	"github.com/achimnol/mrcl/matrix"
	"github.com/achimnol/mrcl/registry"
)

// Environment variables read by Load.
const (
	EnvConfig    = "MRCL_CONFIG"
	EnvStorePath = "MRCL_STORE_PATH"
	EnvLogLevel  = "MRCL_LOG_LEVEL"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Config is the master configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store"`
	Batch    BatchConfig    `yaml:"batch"`
	Registry RegistryConfig `yaml:"registry"`
	Block    BlockConfig    `yaml:"block"`
	Jacobi   JacobiConfig   `yaml:"jacobi"`
	Log      LogConfig      `yaml:"log"`
}

// StoreConfig selects the table store.
type StoreConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `yaml:"backend"`

	// Path is the SQLite database file. Ignored by the memory backend.
	Path string `yaml:"path"`

	// PoolSize is the SQLite connection count; 0 picks a default.
	PoolSize int `yaml:"pool_size"`
}

// BatchConfig shapes the local batch engine.
type BatchConfig struct {
	// Parallelism bounds concurrent tasks; 0 means GOMAXPROCS.
	Parallelism int `yaml:"parallelism"`

	// Splits is the default map task count per job; 0 means Parallelism.
	Splits int `yaml:"splits"`

	// ScratchDir holds intermediate sequence files.
	ScratchDir string `yaml:"scratch_dir"`
}

// RegistryConfig tunes garbage collection of unreferenced matrices.
type RegistryConfig struct {
	// GCRetries is how many times a pending disable is polled.
	GCRetries int `yaml:"gc_retries"`

	// GCBackoff is the first poll delay, doubled per retry (e.g. "10ms").
	GCBackoff string `yaml:"gc_backoff"`

	// GCMaxBackoff caps the poll delay.
	GCMaxBackoff string `yaml:"gc_max_backoff"`
}

// BlockConfig configures block matrices.
type BlockConfig struct {
	// Size is the block edge length.
	Size int `yaml:"size"`

	// Dir is the FileStore root. Empty stores blocks in the table store.
	Dir string `yaml:"dir"`

	// Compression is "none", "bg4_lz4" or "zstd" (table store only).
	Compression string `yaml:"compression"`

	// Accelerator is "auto" (BLAS when available) or "off".
	Accelerator string `yaml:"accelerator"`
}

// JacobiConfig configures the eigenvalue iteration.
type JacobiConfig struct {
	// MaxIterations caps a run; 0 uses the library default.
	MaxIterations int `yaml:"max_iterations"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Store: StoreConfig{Backend: BackendMemory},
		Batch: BatchConfig{ScratchDir: matrix.DefaultScratchDir()},
		Registry: RegistryConfig{
			GCRetries:    registry.DefaultGCRetries,
			GCBackoff:    registry.DefaultGCBackoff.String(),
			GCMaxBackoff: registry.DefaultGCMaxBackoff.String(),
		},
		Block: BlockConfig{
			Size:        block.DefaultBlockSize,
			Compression: block.CompressionBG4LZ4.String(),
			Accelerator: "auto",
		},
		Jacobi: JacobiConfig{MaxIterations: matrix.DefaultMaxIterations},
		Log:    LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads the file named by MRCL_CONFIG, or starts from Default when
// the variable is unset, then applies the environment overrides.
func Load() (*Config, error) {
	if path := os.Getenv(EnvConfig); path != "" {
		return LoadFile(path)
	}
	cfg := Default()
	cfg.applyEnv()

	return cfg, cfg.Validate()
}

// LoadFile reads path over the defaults, applies the environment
// overrides and validates the result.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	cfg.applyEnv()
	if err = cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvStorePath); v != "" {
		c.Store.Path = v
		if c.Store.Backend == BackendMemory {
			c.Store.Backend = BackendSQLite
		}
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
}

// Validate checks the configuration for errors. Every problem is reported.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend))
	}
	if c.Store.PoolSize < 0 {
		errs = append(errs, fmt.Errorf("store.pool_size: %d is negative", c.Store.PoolSize))
	}
	if c.Batch.Parallelism < 0 || c.Batch.Splits < 0 {
		errs = append(errs, errors.New("batch: parallelism and splits must not be negative"))
	}
	if c.Batch.ScratchDir == "" {
		errs = append(errs, errors.New("batch.scratch_dir is required"))
	}
	if c.Registry.GCRetries <= 0 {
		errs = append(errs, fmt.Errorf("registry.gc_retries: %d is not positive", c.Registry.GCRetries))
	}
	if _, _, err := c.gcBackoff(); err != nil {
		errs = append(errs, err)
	}
	if c.Block.Size <= 0 {
		errs = append(errs, fmt.Errorf("block.size: %d is not positive", c.Block.Size))
	}
	if _, err := block.ParseCompression(c.Block.Compression); err != nil {
		errs = append(errs, fmt.Errorf("block.compression: %w", err))
	}
	if c.Block.Accelerator != "auto" && c.Block.Accelerator != "off" {
		errs = append(errs, fmt.Errorf("block.accelerator: %q is neither auto nor off", c.Block.Accelerator))
	}
	if c.Jacobi.MaxIterations < 0 {
		errs = append(errs, fmt.Errorf("jacobi.max_iterations: %d is negative", c.Jacobi.MaxIterations))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format: %q is neither text nor json", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}

	return nil
}

func (c *Config) gcBackoff() (initial, limit time.Duration, err error) {
	if initial, err = time.ParseDuration(c.Registry.GCBackoff); err != nil {
		return 0, 0, fmt.Errorf("registry.gc_backoff: %w", err)
	}
	if limit, err = time.ParseDuration(c.Registry.GCMaxBackoff); err != nil {
		return 0, 0, fmt.Errorf("registry.gc_max_backoff: %w", err)
	}
	if initial <= 0 || limit < initial {
		return 0, 0, fmt.Errorf("registry: gc backoff %s..%s is not a positive range", initial, limit)
	}

	return initial, limit, nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}

	return l, nil
}

// Logger builds the process logger writing to w.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	return slog.New(slog.NewTextHandler(w, opts))
}

// OpenStore opens the configured table store. The caller closes it.
func (c *Config) OpenStore(logger *slog.Logger) (kvstore.Store, error) {
	switch c.Store.Backend {
	case BackendSQLite:
		s, err := kvstore.OpenSQLite(kvstore.SQLiteConfig{Path: c.Store.Path, PoolSize: c.Store.PoolSize, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("config: open store: %w", err)
		}
		return s, nil
	case BackendMemory:
		return kvstore.NewMemory(kvstore.WithMemoryLogger(logger)), nil
	default:
		return nil, fmt.Errorf("config: unknown backend %q", c.Store.Backend)
	}
}

// MatrixOptions translates the configuration into matrix.Service options.
// The configuration must have passed Validate.
func (c *Config) MatrixOptions(logger *slog.Logger) []matrix.Option {
	opts := []matrix.Option{
		matrix.WithScratchDir(c.Batch.ScratchDir),
		matrix.WithGCRetries(c.Registry.GCRetries),
		matrix.WithMultiplier(c.multiplier()),
		matrix.WithLogger(logger),
	}
	if c.Batch.Parallelism > 0 {
		opts = append(opts, matrix.WithParallelism(c.Batch.Parallelism))
	}
	if c.Batch.Splits > 0 {
		opts = append(opts, matrix.WithSplits(c.Batch.Splits))
	}
	if initial, limit, err := c.gcBackoff(); err == nil {
		opts = append(opts, matrix.WithGCBackoff(initial, limit))
	}
	if c.Jacobi.MaxIterations > 0 {
		opts = append(opts, matrix.WithMaxIterations(c.Jacobi.MaxIterations))
	}

	return opts
}

// multiplier selects the GEMM device shared by block matrices and the
// blocked multiply of stored matrices.
func (c *Config) multiplier() block.Multiplier {
	return block.SelectMultiplier(c.Block.Accelerator == "auto")
}

// BlockStore opens the configured block store: a FileStore under
// block.dir, or a TableStore in table of store otherwise.
func (c *Config) BlockStore(ctx context.Context, store kvstore.Store, table string, logger *slog.Logger) (block.Store, error) {
	comp, err := block.ParseCompression(c.Block.Compression)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	opts := []block.StoreOption{block.WithStoreLogger(logger), block.WithCompression(comp)}
	if c.Block.Dir != "" {
		return block.NewFileStore(c.Block.Dir, opts...)
	}

	return block.NewTableStore(ctx, store, table, opts...)
}

// BlockOptions translates the configuration into block.Matrix options.
func (c *Config) BlockOptions(logger *slog.Logger) []block.Option {
	opts := []block.Option{
		block.WithBlockSize(c.Block.Size),
		block.WithMultiplier(c.multiplier()),
		block.WithLogger(logger),
	}
	if c.Batch.Parallelism > 0 {
		opts = append(opts, block.WithParallelism(c.Batch.Parallelism))
	}

	return opts
}
