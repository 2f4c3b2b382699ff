// SPDX-License-Identifier: MIT

// Package matrix: functional configuration for Service. This file defines:
//   - Option / Options (functional options with internal state),
//   - documented defaults (constants),
//   - WithX constructors with validation (panic on nonsensical values),
//   - gatherOptions helper (internal) that fills the collaborators a caller
//     did not supply.
//
// Notes:
//   - Collaborators (engine, registry) passed in are used as-is; GC and
//     parallelism options only shape the ones NewService builds itself.
//   - No global state: two Services over two stores never interact.
package matrix

import (
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/achimnol/mrcl/batch"
	"github.com/achimnol/mrcl/block"
	"github.com/achimnol/mrcl/registry"
)

// ---------- Defaults (single source of truth) ----------

const (
	// DefaultMaxIterations caps Jacobi when the caller passes a cap <= 0.
	DefaultMaxIterations = 10000

	// JacobiEpsilon is the absolute eigenvalue change below which a row is
	// considered unchanged.
	JacobiEpsilon = 1e-7
)

// DefaultScratchDir returns the directory used for intermediate sequence
// files when WithScratchDir is not given.
func DefaultScratchDir() string { return filepath.Join(os.TempDir(), "mrcl") }

// Option configures a Service.
type Option func(*Options)

// Options holds the resolved Service configuration. Fields are unexported;
// use the WithX constructors.
type Options struct {
	engine      batch.Engine
	registry    *registry.Registry
	parallelism int
	splits      int
	maxIter     int
	scratchDir  string
	gcRetries   int
	gcBackoff   time.Duration
	gcMax       time.Duration
	multiplier  block.Multiplier
	logger      *slog.Logger
}

// WithEngine runs every distributed pass on e. Its function registry
// receives the matrix transforms.
func WithEngine(e batch.Engine) Option {
	if e == nil {
		panic("matrix: WithEngine(nil)")
	}

	return func(o *Options) { o.engine = e }
}

// WithRegistry shares an alias registry; it must manage the same store.
func WithRegistry(r *registry.Registry) Option {
	if r == nil {
		panic("matrix: WithRegistry(nil)")
	}

	return func(o *Options) { o.registry = r }
}

// WithParallelism bounds concurrent per-row multiply jobs, and the task
// parallelism of an engine built by NewService.
func WithParallelism(n int) Option {
	if n <= 0 {
		panic("matrix: WithParallelism: n must be > 0")
	}

	return func(o *Options) { o.parallelism = n }
}

// WithSplits sets the default map task count of an engine built by
// NewService.
func WithSplits(n int) Option {
	if n <= 0 {
		panic("matrix: WithSplits: n must be > 0")
	}

	return func(o *Options) { o.splits = n }
}

// WithMaxIterations sets the default Jacobi iteration cap.
func WithMaxIterations(n int) Option {
	if n <= 0 {
		panic("matrix: WithMaxIterations: n must be > 0")
	}

	return func(o *Options) { o.maxIter = n }
}

// WithScratchDir sets where intermediate sequence files are staged.
func WithScratchDir(dir string) Option {
	if dir == "" {
		panic("matrix: WithScratchDir: empty dir")
	}

	return func(o *Options) { o.scratchDir = dir }
}

// WithGCRetries is forwarded to a registry built by NewService.
func WithGCRetries(n int) Option {
	if n < 0 {
		panic("matrix: WithGCRetries: n must be >= 0")
	}

	return func(o *Options) { o.gcRetries = n }
}

// WithGCBackoff is forwarded to a registry built by NewService.
func WithGCBackoff(initial, max time.Duration) Option {
	if initial <= 0 || max < initial {
		panic("matrix: WithGCBackoff: need 0 < initial <= max")
	}

	return func(o *Options) { o.gcBackoff, o.gcMax = initial, max }
}

// WithMultiplier sets the GEMM device for the tile products of
// MultiplyBlocked. The default is block.SelectMultiplier(true).
func WithMultiplier(m block.Multiplier) Option {
	if m == nil {
		panic("matrix: WithMultiplier(nil)")
	}

	return func(o *Options) { o.multiplier = m }
}

// WithLogger sets the service logger; nil discards.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.logger = l }
}

func defaultOptions() Options {
	return Options{
		parallelism: runtime.GOMAXPROCS(0),
		maxIter:     DefaultMaxIterations,
		scratchDir:  DefaultScratchDir(),
		gcRetries:   registry.DefaultGCRetries,
		gcBackoff:   registry.DefaultGCBackoff,
		gcMax:       registry.DefaultGCMaxBackoff,
	}
}

func gatherOptions(opts []Option) Options {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}
	if o.multiplier == nil {
		o.multiplier = block.SelectMultiplier(true)
	}

	return o
}
