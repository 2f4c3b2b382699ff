// SPDX-License-Identifier: MIT

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/achimnol/mrcl/kvstore"
)

const (
	// DefaultGCRetries bounds the disable polls of one Collect.
	DefaultGCRetries = 20
	// DefaultGCBackoff is the first wait between disable polls; it doubles
	// up to DefaultGCMaxBackoff.
	DefaultGCBackoff    = 10 * time.Millisecond
	DefaultGCMaxBackoff = 2 * time.Second
)

type options struct {
	retries    int
	backoff    time.Duration
	maxBackoff time.Duration
	logger     *slog.Logger
}

// Option configures a Registry.
type Option func(*options)

// WithGCRetries sets how many times Collect polls for a disabled table
// before giving up with ErrTableNotDisabled.
func WithGCRetries(n int) Option { return func(o *options) { o.retries = n } }

// WithGCBackoff sets the initial and maximum wait between polls.
func WithGCBackoff(initial, max time.Duration) Option {
	return func(o *options) { o.backoff, o.maxBackoff = initial, max }
}

// WithLogger sets the logger; nil discards.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// Registry is the alias table plus the garbage collector for the matrix
// tables it points at. Safe for concurrent use to the extent the store is.
type Registry struct {
	store   kvstore.Store
	aliases kvstore.Table
	opts    options
	logger  *slog.Logger
}

// Entry is one alias binding. An empty Path is a legal, dangling entry.
type Entry struct {
	Alias string
	Path  string
}

// New opens the alias table in store, creating it on first use.
func New(ctx context.Context, store kvstore.Store, opts ...Option) (*Registry, error) {
	o := options{retries: DefaultGCRetries, backoff: DefaultGCBackoff, maxBackoff: DefaultGCMaxBackoff}
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}
	if o.retries < 0 {
		o.retries = 0
	}
	if o.maxBackoff < o.backoff {
		o.maxBackoff = o.backoff
	}

	ok, err := store.TableExists(ctx, AliasTable)
	if err != nil {
		return nil, fmt.Errorf("registry: open: %w", err)
	}
	if !ok {
		err = store.CreateTable(ctx, kvstore.TableDescriptor{Name: AliasTable, Families: []string{FamilyPath}})
		if err != nil && !errors.Is(err, kvstore.ErrTableExists) {
			return nil, fmt.Errorf("registry: open: %w", err)
		}
	}
	t, err := store.Table(ctx, AliasTable)
	if err != nil {
		return nil, fmt.Errorf("registry: open: %w", err)
	}

	return &Registry{store: store, aliases: t, opts: o, logger: o.logger}, nil
}

// Store returns the store the registry manages.
func (r *Registry) Store() kvstore.Store { return r.store }

// Exists reports whether alias has an entry, whether or not its target
// still exists.
func (r *Registry) Exists(ctx context.Context, alias string) (bool, error) {
	res, err := r.aliases.Get(ctx, []byte(alias), FamilyPath)
	if err != nil {
		return false, fmt.Errorf("registry: exists %q: %w", alias, err)
	}

	return !res.Empty(), nil
}

// Resolve returns the physical path alias points at. A dangling entry
// resolves to "".
func (r *Registry) Resolve(ctx context.Context, alias string) (string, error) {
	res, err := r.aliases.Get(ctx, []byte(alias), FamilyPath)
	if err != nil {
		return "", fmt.Errorf("registry: resolve %q: %w", alias, err)
	}
	if res.Empty() {
		return "", fmt.Errorf("registry: resolve %q: %w", alias, ErrAliasNotFound)
	}

	return string(res.Value(FamilyPath, QualifierPath)), nil
}

// Bind points alias at path, replacing any previous binding. Reference
// counts are left alone.
func (r *Registry) Bind(ctx context.Context, alias, path string) error {
	if alias == "" {
		return ErrInvalidAlias
	}
	m := kvstore.NewMutation([]byte(alias)).Set(FamilyPath, QualifierPath, []byte(path))
	if err := r.aliases.Put(ctx, m); err != nil {
		return fmt.Errorf("registry: bind %q: %w", alias, err)
	}
	r.logger.Debug("alias bound", "alias", alias, "path", path)

	return nil
}

// Unbind removes alias and, when its target is left unreferenced,
// collects the target table. Unbinding a missing alias is a no-op.
func (r *Registry) Unbind(ctx context.Context, alias string) error {
	ok, err := r.Exists(ctx, alias)
	if err != nil || !ok {
		return err
	}
	path, err := r.Resolve(ctx, alias)
	if err != nil {
		return err
	}
	if err = r.aliases.Delete(ctx, kvstore.NewDeletion([]byte(alias))); err != nil {
		return fmt.Errorf("registry: unbind %q: %w", alias, err)
	}
	r.logger.Debug("alias removed", "alias", alias, "path", path)
	if path == "" {
		return nil
	}
	if ok, err = r.store.TableExists(ctx, path); err != nil || !ok {
		return err
	}

	refs, err := r.clearAlias(ctx, alias, path)
	if errors.Is(err, kvstore.ErrTableDisabled) {
		// An earlier collection stopped after the disable.
		return r.Collect(ctx, path)
	}
	if err != nil {
		return fmt.Errorf("registry: unbind %q: %w", alias, err)
	}
	if refs > 0 {
		return nil
	}

	return r.Collect(ctx, path)
}

// clearAlias releases the reference alias held on path. The alias-info
// column is dropped only while it still names alias, so unbinding one of
// several aliases leaves the others' record intact.
func (r *Registry) clearAlias(ctx context.Context, alias, path string) (int64, error) {
	t, err := r.store.Table(ctx, path)
	if err != nil {
		return 0, err
	}
	res, err := t.Get(ctx, MetadataRow, FamilyAlias)
	if err != nil {
		return 0, err
	}
	if string(res.Value(FamilyAlias, QualifierAliasName)) == alias {
		del := kvstore.NewDeletion(MetadataRow).Column(FamilyAlias, QualifierAliasName)
		if err = t.Delete(ctx, del); err != nil {
			return 0, err
		}
	}

	return t.Increment(ctx, MetadataRow, FamilyAttribute, QualifierReference, -1)
}

// Aliases lists every binding in alias order.
func (r *Registry) Aliases(ctx context.Context) ([]Entry, error) {
	var out []Entry
	for res, err := range r.aliases.Scan(ctx, kvstore.Scan{Families: []string{FamilyPath}}) {
		if err != nil {
			return nil, fmt.Errorf("registry: list aliases: %w", err)
		}
		out = append(out, Entry{Alias: string(res.Row), Path: string(res.Value(FamilyPath, QualifierPath))})
	}

	return out, nil
}

// Retain adds one reference to path and returns the new count.
func (r *Registry) Retain(ctx context.Context, path string) (int64, error) {
	return r.adjust(ctx, "retain", path, 1)
}

// Release drops one reference from path and returns the new count. It
// never collects; see Drop.
func (r *Registry) Release(ctx context.Context, path string) (int64, error) {
	return r.adjust(ctx, "release", path, -1)
}

func (r *Registry) adjust(ctx context.Context, op, path string, delta int64) (int64, error) {
	t, err := r.store.Table(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("registry: %s %s: %w", op, path, err)
	}
	n, err := t.Increment(ctx, MetadataRow, FamilyAttribute, QualifierReference, delta)
	if err != nil {
		return 0, fmt.Errorf("registry: %s %s: %w", op, path, err)
	}

	return n, nil
}

// References returns the reference count of path; an unset count is 0.
func (r *Registry) References(ctx context.Context, path string) (int64, error) {
	t, err := r.store.Table(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("registry: references %s: %w", path, err)
	}
	res, err := t.Get(ctx, MetadataRow, FamilyAttribute)
	if err != nil {
		return 0, fmt.Errorf("registry: references %s: %w", path, err)
	}
	v := res.Value(FamilyAttribute, QualifierReference)
	if v == nil {
		return 0, nil
	}
	n, err := kvstore.DecodeInt(v)
	if err != nil {
		return 0, fmt.Errorf("registry: references %s: %w", path, err)
	}

	return n, nil
}

// Drop collects path if nothing references it. A missing table is not an
// error.
func (r *Registry) Drop(ctx context.Context, path string) error {
	ok, err := r.store.TableExists(ctx, path)
	if err != nil || !ok {
		return err
	}
	refs, err := r.References(ctx, path)
	if errors.Is(err, kvstore.ErrTableDisabled) {
		return r.Collect(ctx, path)
	}
	if err != nil {
		return err
	}
	if refs > 0 {
		r.logger.Debug("drop skipped, still referenced", "path", path, "refs", refs)
		return nil
	}

	return r.Collect(ctx, path)
}
