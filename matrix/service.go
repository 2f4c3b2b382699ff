// SPDX-License-Identifier: MIT

package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/achimnol/mrcl/batch"
	"github.com/achimnol/mrcl/kvstore"
	"github.com/achimnol/mrcl/registry"
)

// Service owns the collaborators every matrix operation needs: the table
// store, the batch engine that runs distributed passes, and the alias
// registry. Matrices created through a Service keep a pointer to it.
type Service struct {
	store    kvstore.Store
	engine   batch.Engine
	registry *registry.Registry
	opts     Options
	logger   *slog.Logger
}

// NewService wires a Service over store. A batch.Local engine and a
// registry are built unless supplied with WithEngine and WithRegistry. The
// matrix transforms are registered on the engine's function registry.
func NewService(ctx context.Context, store kvstore.Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("matrix: NewService: nil store")
	}
	o := gatherOptions(opts)
	if o.engine == nil {
		local := []batch.LocalOption{batch.WithParallelism(o.parallelism), batch.WithLogger(o.logger)}
		if o.splits > 0 {
			local = append(local, batch.WithSplits(o.splits))
		}
		o.engine = batch.NewLocal(store, local...)
	}
	if o.registry == nil {
		r, err := registry.New(ctx, store,
			registry.WithGCRetries(o.gcRetries),
			registry.WithGCBackoff(o.gcBackoff, o.gcMax),
			registry.WithLogger(o.logger))
		if err != nil {
			return nil, matrixErrorf("NewService", err)
		}
		o.registry = r
	}

	s := &Service{store: store, engine: o.engine, registry: o.registry, opts: o, logger: o.logger}
	s.registerTransforms(o.engine.Registry())

	return s, nil
}

// Store returns the table store.
func (s *Service) Store() kvstore.Store { return s.store }

// Engine returns the batch engine.
func (s *Service) Engine() batch.Engine { return s.engine }

// Registry returns the alias registry.
func (s *Service) Registry() *registry.Registry { return s.registry }

// Aliases lists every alias binding.
func (s *Service) Aliases(ctx context.Context) ([]registry.Entry, error) {
	return s.registry.Aliases(ctx)
}

// Remove unbinds alias, collecting its matrix when nothing else
// references it.
func (s *Service) Remove(ctx context.Context, alias string) error {
	return s.registry.Unbind(ctx, alias)
}

// Sweep reclaims unreferenced matrix tables no alias points at. It must not
// run while unsaved matrices of this store are open.
func (s *Service) Sweep(ctx context.Context) ([]string, error) {
	return s.registry.Sweep(ctx)
}

func (s *Service) registerTransforms(r *batch.Registry) {
	r.RegisterTransform(transformAdd, addRow)
	r.RegisterTransform(transformMultiplyRow, multiplyRowMap)
	r.RegisterCombine(combineMultiplyRow, multiplyRowCombine)
	r.RegisterTransform(transformCollectLeft, collectLeftMap)
	r.RegisterTransform(transformCollectRight, collectRightMap)
	r.RegisterCombine(combineCollect, collectCombine)
	r.RegisterTransform(transformBlockMultiply, s.blockMultiplyMap)
	r.RegisterTransform(transformNorm, normMap)
	r.RegisterCombine(combineNorm, normCombine)
	r.RegisterTransform(transformJacobiInit, jacobiInitMap)
	r.RegisterTransform(transformJacobiPivot, jacobiPivotMap)
	r.RegisterCombine(combineJacobiPivot, jacobiPivotCombine)
	r.RegisterTransform(transformJacobiRotate, jacobiRotateMap)
}

// createTable makes a fresh physical table with prefix and families.
func (s *Service) createTable(ctx context.Context, prefix string, families []string) (string, error) {
	path := prefix + uuid.NewString()
	if err := s.store.CreateTable(ctx, kvstore.TableDescriptor{Name: path, Families: families}); err != nil {
		return "", err
	}

	return path, nil
}

// run submits job and waits for it.
func (s *Service) run(ctx context.Context, job *batch.Job) error {
	_, err := s.runStats(ctx, job)
	return err
}

// runStats is run for callers that inspect what the job produced.
func (s *Service) runStats(ctx context.Context, job *batch.Job) (batch.Stats, error) {
	h, err := s.engine.Submit(ctx, job)
	if err != nil {
		return batch.Stats{}, fmt.Errorf("job %q: %w", job.Name, err)
	}
	if err = h.Wait(ctx); err != nil {
		return h.Stats(), fmt.Errorf("job %q: %w", job.Name, err)
	}

	return h.Stats(), nil
}
