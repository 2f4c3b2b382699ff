// SPDX-License-Identifier: MIT

package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/achimnol/mrcl/kvstore"
)

// Emitter receives intermediate (key, value) pairs from a transform.
type Emitter interface {
	Emit(key, value []byte) error
}

// Writer is the output side of a combine: Put for table output, Emit for
// sequence-file output.
type Writer interface {
	Emitter
	Put(ctx context.Context, m *kvstore.Mutation) error
}

// TransformFunc is the map side of a job, called once per input row.
type TransformFunc func(ctx context.Context, tc *TaskContext, row *kvstore.Result, out Emitter) error

// CombineFunc is the reduce side of a job, called once per distinct key
// with every value emitted for it, in emission order within each map task
// and map-task order across tasks.
type CombineFunc func(ctx context.Context, tc *TaskContext, key []byte, values [][]byte, out Writer) error

// Registry maps names to transform and combine functions. Safe for
// concurrent use; re-registering a name replaces the previous function.
type Registry struct {
	mu         sync.RWMutex
	transforms map[string]TransformFunc
	combines   map[string]CombineFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		transforms: make(map[string]TransformFunc),
		combines:   make(map[string]CombineFunc),
	}
}

// RegisterTransform binds name to fn. Panics on empty name or nil fn.
func (r *Registry) RegisterTransform(name string, fn TransformFunc) {
	if name == "" || fn == nil {
		panic("batch: RegisterTransform: empty name or nil func")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transforms[name] = fn
}

// RegisterCombine binds name to fn. Panics on empty name or nil fn.
func (r *Registry) RegisterCombine(name string, fn CombineFunc) {
	if name == "" || fn == nil {
		panic("batch: RegisterCombine: empty name or nil func")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.combines[name] = fn
}

// Transforms returns the registered transform names in sorted order.
func (r *Registry) Transforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.transforms))
	for n := range r.transforms {
		out = append(out, n)
	}
	sort.Strings(out)

	return out
}

func (r *Registry) transform(name string) (TransformFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.transforms[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransform, name)
	}

	return fn, nil
}

func (r *Registry) combine(name string) (CombineFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.combines[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCombine, name)
	}

	return fn, nil
}

// TaskContext is handed to every transform and combine invocation.
type TaskContext struct {
	Job    string
	Task   int
	Config Config
	Logger *slog.Logger

	store  kvstore.Store
	mu     sync.Mutex
	tables map[string]kvstore.Table
}

func newTaskContext(job *Job, task int, store kvstore.Store, logger *slog.Logger) *TaskContext {
	cfg := job.Config
	if cfg == nil {
		cfg = Config{}
	}

	return &TaskContext{
		Job:    job.Name,
		Task:   task,
		Config: cfg,
		Logger: logger.With("job", job.Name, "task", task),
		store:  store,
		tables: make(map[string]kvstore.Table),
	}
}

// Store returns the store the job runs against.
func (tc *TaskContext) Store() kvstore.Store { return tc.store }

// Table opens (and caches for the task's lifetime) a table by name.
func (tc *TaskContext) Table(ctx context.Context, name string) (kvstore.Table, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if t, ok := tc.tables[name]; ok {
		return t, nil
	}
	t, err := tc.store.Table(ctx, name)
	if err != nil {
		return nil, err
	}
	tc.tables[name] = t

	return t, nil
}

// EmitValue CBOR-encodes value and emits it under key.
func EmitValue(out Emitter, key []byte, value any) error {
	b, err := Marshal(value)
	if err != nil {
		return err
	}

	return out.Emit(key, b)
}
