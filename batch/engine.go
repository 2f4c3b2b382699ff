// SPDX-License-Identifier: MIT

package batch

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/achimnol/mrcl/kvstore"
)

// Engine accepts jobs for asynchronous execution.
type Engine interface {
	// Registry returns the function registry jobs are resolved against.
	Registry() *Registry

	// Submit validates job and starts it. The job runs under ctx: cancelling
	// ctx aborts it.
	Submit(ctx context.Context, job *Job) (*Handle, error)
}

// Run submits job and blocks until it finishes.
func Run(ctx context.Context, e Engine, job *Job) error {
	h, err := e.Submit(ctx, job)
	if err != nil {
		return err
	}

	return h.Wait(ctx)
}

// Stats summarizes a finished job.
type Stats struct {
	InputRows  int
	MapTasks   int
	Emitted    int
	Groups     int
	OutputPuts int
	OutputRecs int
	Elapsed    time.Duration
}

// Handle tracks one submitted job.
type Handle struct {
	job  string
	done chan struct{}

	mu     sync.Mutex
	status Status
	err    error
	stats  Stats
}

func newHandle(job string) *Handle {
	return &Handle{job: job, done: make(chan struct{}), status: Pending}
}

// Job returns the job name.
func (h *Handle) Job() string { return h.job }

// Status polls the current state without blocking.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.status
}

// Done reports whether the job reached a terminal state.
func (h *Handle) Done() bool { return h.Status().Terminal() }

// Err returns the failure cause once the job failed, else nil.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.err
}

// Stats returns the job statistics; meaningful once Done.
func (h *Handle) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.stats
}

// Wait blocks until the job finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) setRunning() {
	h.mu.Lock()
	h.status = Running
	h.mu.Unlock()
}

func (h *Handle) finish(stats Stats, err error) {
	h.mu.Lock()
	h.stats = stats
	if err != nil {
		h.status = Failed
		h.err = fmt.Errorf("%w: %s: %w", ErrJobFailed, h.job, err)
	} else {
		h.status = Succeeded
	}
	h.mu.Unlock()
	close(h.done)
}

// LocalOption configures a Local engine.
type LocalOption func(*Local)

// WithParallelism bounds concurrently running tasks per phase.
func WithParallelism(n int) LocalOption {
	if n <= 0 {
		panic("batch: WithParallelism: n must be > 0")
	}

	return func(l *Local) { l.parallelism = n }
}

// WithSplits sets the default number of map tasks per job.
func WithSplits(n int) LocalOption {
	if n <= 0 {
		panic("batch: WithSplits: n must be > 0")
	}

	return func(l *Local) { l.splits = n }
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) LocalOption {
	return func(l *Local) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithRegistry shares a function registry between engines.
func WithRegistry(r *Registry) LocalOption {
	return func(l *Local) {
		if r != nil {
			l.registry = r
		}
	}
}

// Local runs jobs on goroutines of the current process against a shared
// kvstore.Store. Tasks never share driver state: each gets its own
// TaskContext and output buffer.
type Local struct {
	store       kvstore.Store
	registry    *Registry
	parallelism int
	splits      int
	logger      *slog.Logger
}

var _ Engine = (*Local)(nil)

// NewLocal returns an engine over store.
func NewLocal(store kvstore.Store, opts ...LocalOption) *Local {
	l := &Local{
		store:       store,
		registry:    NewRegistry(),
		parallelism: runtime.GOMAXPROCS(0),
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.splits == 0 {
		l.splits = l.parallelism
	}

	return l
}

// Registry implements Engine.
func (l *Local) Registry() *Registry { return l.registry }

// Submit implements Engine. Validation, function lookup and the input table
// check happen synchronously; the passes run on a background goroutine.
func (l *Local) Submit(ctx context.Context, job *Job) (*Handle, error) {
	if err := job.validate(); err != nil {
		return nil, err
	}
	mapFn, err := l.registry.transform(job.Transform)
	if err != nil {
		return nil, fmt.Errorf("batch: submit %s: %w", job.Name, err)
	}
	var combineFn CombineFunc
	if job.Combine != "" {
		if combineFn, err = l.registry.combine(job.Combine); err != nil {
			return nil, fmt.Errorf("batch: submit %s: %w", job.Name, err)
		}
	}
	input, err := l.store.Table(ctx, job.Input.Table)
	if err != nil {
		return nil, fmt.Errorf("batch: submit %s: %w", job.Name, err)
	}

	h := newHandle(job.Name)
	l.logger.Debug("job submitted", "job", job.Name, "input", job.Input.Table,
		"transform", job.Transform, "combine", job.Combine)
	go func() {
		h.setRunning()
		start := time.Now()
		stats, err := l.run(ctx, job, input, mapFn, combineFn)
		stats.Elapsed = time.Since(start)
		if err != nil {
			l.logger.Warn("job failed", "job", job.Name, "error", err, "elapsed", stats.Elapsed)
		} else {
			l.logger.Debug("job finished", "job", job.Name, "tasks", stats.MapTasks,
				"emitted", stats.Emitted, "elapsed", stats.Elapsed)
		}
		h.finish(stats, err)
	}()

	return h, nil
}

// pair is one intermediate record.
type pair struct {
	key, value []byte
}

// bufferEmitter collects a task's emitted pairs.
type bufferEmitter struct {
	pairs []pair
}

func (b *bufferEmitter) Emit(key, value []byte) error {
	b.pairs = append(b.pairs, pair{key: bytes.Clone(key), value: bytes.Clone(value)})

	return nil
}

// run executes the map, shuffle and combine passes of one job.
func (l *Local) run(ctx context.Context, job *Job, input kvstore.Table, mapFn TransformFunc, combineFn CombineFunc) (Stats, error) {
	var stats Stats

	// Stage 1: materialize the input range.
	rows, err := kvstore.Collect(input.Scan(ctx, job.Input.Scan))
	if err != nil {
		return stats, err
	}
	stats.InputRows = len(rows)

	// Stage 2: map tasks over contiguous splits.
	splits := partition(len(rows), pickSplits(job.Splits, l.splits))
	stats.MapTasks = len(splits)
	outs := make([]bufferEmitter, len(splits))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.parallelism)
	for i, sp := range splits {
		g.Go(func() error {
			tc := newTaskContext(job, i, l.store, l.logger)
			for _, r := range rows[sp.lo:sp.hi] {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := mapFn(gctx, tc, r, &outs[i]); err != nil {
					return fmt.Errorf("map task %d: %w", i, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}

	var all []pair
	for i := range outs {
		all = append(all, outs[i].pairs...)
	}
	stats.Emitted = len(all)

	sink, err := l.openSink(ctx, job)
	if err != nil {
		return stats, err
	}

	// Map-only job: pairs go straight to the output in task order.
	if combineFn == nil {
		w := sink.writer(0)
		for _, p := range all {
			if err := w.Emit(p.key, p.value); err != nil {
				return stats, err
			}
		}
		stats.OutputPuts, stats.OutputRecs, err = sink.close([]*sinkWriter{w})
		return stats, err
	}

	// Stage 3: shuffle. The stable sort keeps emission order within a key.
	sort.SliceStable(all, func(a, b int) bool { return bytes.Compare(all[a].key, all[b].key) < 0 })
	groups := group(all)
	stats.Groups = len(groups)

	// Stage 4: combine tasks over contiguous key ranges.
	parts := partition(len(groups), l.parallelism)
	writers := make([]*sinkWriter, len(parts))
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(l.parallelism)
	for i, pt := range parts {
		writers[i] = sink.writer(i)
		g.Go(func() error {
			tc := newTaskContext(job, i, l.store, l.logger)
			for _, grp := range groups[pt.lo:pt.hi] {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := combineFn(gctx, tc, grp.key, grp.values, writers[i]); err != nil {
					return fmt.Errorf("combine task %d: %w", i, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}
	stats.OutputPuts, stats.OutputRecs, err = sink.close(writers)

	return stats, err
}

func pickSplits(job, engine int) int {
	if job > 0 {
		return job
	}

	return engine
}

// span is a half-open index range.
type span struct{ lo, hi int }

// partition cuts n items into at most k contiguous, near-equal spans.
func partition(n, k int) []span {
	if n == 0 {
		return nil
	}
	k = min(max(k, 1), n)
	out := make([]span, 0, k)
	size, rem := n/k, n%k
	lo := 0
	for i := 0; i < k; i++ {
		hi := lo + size
		if i < rem {
			hi++
		}
		out = append(out, span{lo: lo, hi: hi})
		lo = hi
	}

	return out
}

type keyGroup struct {
	key    []byte
	values [][]byte
}

// group folds sorted pairs into runs of equal keys.
func group(sorted []pair) []keyGroup {
	var out []keyGroup
	for _, p := range sorted {
		if n := len(out); n > 0 && bytes.Equal(out[n-1].key, p.key) {
			out[n-1].values = append(out[n-1].values, p.value)
			continue
		}
		out = append(out, keyGroup{key: p.key, values: [][]byte{p.value}})
	}

	return out
}

// sink is the job output. Table puts go through immediately; sequence
// records are buffered per writer and flushed in writer order on close,
// which is key order because combine partitions are contiguous.
type sink struct {
	job   *Job
	table kvstore.Table
}

func (l *Local) openSink(ctx context.Context, job *Job) (*sink, error) {
	s := &sink{job: job}
	if job.Output.Table != "" {
		t, err := l.store.Table(ctx, job.Output.Table)
		if err != nil {
			return nil, err
		}
		s.table = t
	}

	return s, nil
}

func (s *sink) writer(part int) *sinkWriter {
	return &sinkWriter{sink: s, part: part}
}

// close flushes buffered records and reports output counts.
func (s *sink) close(ws []*sinkWriter) (puts, recs int, err error) {
	for _, w := range ws {
		puts += w.puts
		recs += len(w.recs)
	}
	if s.job.Output.SeqFile == "" {
		return puts, recs, nil
	}
	if err := os.MkdirAll(filepath.Dir(s.job.Output.SeqFile), 0o755); err != nil {
		return puts, recs, err
	}
	sw, err := CreateSeqFile(s.job.Output.SeqFile)
	if err != nil {
		return puts, recs, err
	}
	for _, w := range ws {
		for _, p := range w.recs {
			if err := sw.Append(p.key, p.value); err != nil {
				_ = sw.Close()
				return puts, recs, err
			}
		}
	}

	return puts, recs, sw.Close()
}

// sinkWriter is the Writer of one combine task.
type sinkWriter struct {
	sink *sink
	part int
	puts int
	recs []pair
}

func (w *sinkWriter) Put(ctx context.Context, m *kvstore.Mutation) error {
	if w.sink.table == nil {
		if w.sink.job.Output.SeqFile == "" {
			return nil
		}
		return ErrUnsupportedOutput
	}
	w.puts++

	return w.sink.table.Put(ctx, m)
}

func (w *sinkWriter) Emit(key, value []byte) error {
	switch {
	case w.sink.job.Output.SeqFile != "":
		w.recs = append(w.recs, pair{key: bytes.Clone(key), value: bytes.Clone(value)})
		return nil
	case w.sink.table != nil:
		return ErrUnsupportedOutput
	default:
		return nil
	}
}
