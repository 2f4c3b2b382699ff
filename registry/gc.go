// SPDX-License-Identifier: MIT

package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/achimnol/mrcl/kvstore"
)

// Collect deletes the table at path. Stores may finish a disable
// asynchronously, so Collect polls IsTableEnabled with exponential backoff
// and gives up with ErrTableNotDisabled once the retry budget is spent.
// Collecting a missing table is a no-op, which makes Collect safe to
// re-run after a crash or a failed attempt.
func (r *Registry) Collect(ctx context.Context, path string) error {
	ok, err := r.store.TableExists(ctx, path)
	if err != nil {
		return fmt.Errorf("registry: collect %s: %w", path, err)
	}
	if !ok {
		return nil
	}
	if err = r.store.DisableTable(ctx, path); err != nil {
		return fmt.Errorf("registry: collect %s: %w", path, err)
	}

	polls := 0
	poll := func() error {
		polls++
		enabled, err := r.store.IsTableEnabled(ctx, path)
		if err != nil {
			return backoff.Permanent(err)
		}
		if enabled {
			return ErrTableNotDisabled
		}

		return nil
	}
	notify := func(_ error, next time.Duration) {
		r.logger.Debug("table still enabled, retrying", "path", path, "attempt", polls, "backoff", next)
	}
	if err = backoff.RetryNotify(poll, r.newBackOff(ctx), notify); err != nil {
		if errors.Is(err, ErrTableNotDisabled) {
			return fmt.Errorf("registry: collect %s after %d polls: %w", path, polls, err)
		}
		return fmt.Errorf("registry: collect %s: %w", path, err)
	}

	if err = r.store.DeleteTable(ctx, path); err != nil && !errors.Is(err, kvstore.ErrTableNotFound) {
		return fmt.Errorf("registry: collect %s: %w", path, err)
	}
	r.logger.Info("matrix table collected", "path", path)

	return nil
}

// newBackOff is the disable-poll schedule: doubling from the initial
// backoff up to the cap, at most retries waits, cut short by ctx.
func (r *Registry) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.backoff
	b.MaxInterval = r.opts.maxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.opts.retries)), ctx)
}

// Sweep reclaims orphans: matrix and collection tables that no alias
// resolves to and whose reference count is not positive. It must not run
// while unsaved matrices are in use, since those look exactly like
// orphans. It returns the collected paths.
func (r *Registry) Sweep(ctx context.Context) ([]string, error) {
	entries, err := r.Aliases(ctx)
	if err != nil {
		return nil, err
	}
	bound := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.Path != "" {
			bound[e.Path] = struct{}{}
		}
	}
	tables, err := r.store.ListTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: sweep: %w", err)
	}

	var swept []string
	for _, name := range tables {
		if !IsMatrixTable(name) {
			continue
		}
		if _, ok := bound[name]; ok {
			continue
		}
		refs, err := r.References(ctx, name)
		if err != nil && !errors.Is(err, kvstore.ErrTableDisabled) {
			return swept, err
		}
		if err == nil && refs > 0 {
			continue
		}
		if err = r.Collect(ctx, name); err != nil {
			return swept, err
		}
		swept = append(swept, name)
	}
	if len(swept) > 0 {
		r.logger.Info("sweep reclaimed tables", "count", len(swept))
	}

	return swept, nil
}
