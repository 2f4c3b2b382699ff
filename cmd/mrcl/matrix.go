// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"

	"github.com/achimnol/mrcl/matrix"
)

func cmdCreate(ctx context.Context, e *env, args []string) error {
	flags := pflag.NewFlagSet("create", pflag.ContinueOnError)
	rows := flags.Int("rows", 0, "row count")
	cols := flags.Int("cols", 0, "column count")
	fill := flags.Float64("fill", 0, "constant cell value")
	seed := flags.Int64("random", 0, "fill with uniform values from this seed")
	identity := flags.Bool("identity", false, "ones on the diagonal")
	pos, err := parse(flags, args, 1, "ALIAS --rows R --cols C [--fill V | --random SEED | --identity]")
	if err != nil {
		return err
	}
	if *rows <= 0 || *cols <= 0 {
		return usagef("create: --rows and --cols must be positive")
	}

	var m *matrix.DenseMatrix
	switch {
	case *identity:
		m, err = e.svc.Identity(ctx, *rows, *cols)
	case flags.Changed("random"):
		m, err = e.svc.Random(ctx, *rows, *cols, *seed)
	default:
		m, err = e.svc.NewConstant(ctx, *rows, *cols, *fill)
	}
	if err != nil {
		return err
	}

	return saveAndClose(ctx, e, m, pos[0])
}

// saveAndClose binds alias to m and ends the handle.
func saveAndClose(ctx context.Context, e *env, m *matrix.DenseMatrix, alias string) error {
	if err := m.Save(ctx, alias); err != nil {
		return errors.Join(err, m.Close(ctx))
	}
	fmt.Fprintf(e.out, "%s -> %s (%dx%d)\n", alias, m.Path(), m.Rows(), m.Cols())

	return m.Close(ctx)
}

// open opens every alias; the returned func closes them all.
func open(ctx context.Context, e *env, aliases ...string) ([]*matrix.DenseMatrix, func() error, error) {
	var ms []*matrix.DenseMatrix
	closeAll := func() error {
		var errs []error
		for _, m := range ms {
			errs = append(errs, m.Close(ctx))
		}
		return errors.Join(errs...)
	}
	for _, a := range aliases {
		m, err := e.svc.Open(ctx, a)
		if err != nil {
			return nil, nil, errors.Join(err, closeAll())
		}
		ms = append(ms, m)
	}

	return ms, closeAll, nil
}

func cmdShow(ctx context.Context, e *env, args []string) error {
	pos, err := parse(pflag.NewFlagSet("show", pflag.ContinueOnError), args, 1, "ALIAS")
	if err != nil {
		return err
	}
	ms, closeAll, err := open(ctx, e, pos[0])
	if err != nil {
		return err
	}
	s, err := ms[0].Format(ctx)
	if err == nil {
		fmt.Fprint(e.out, s)
	}

	return errors.Join(err, closeAll())
}

func cmdAdd(ctx context.Context, e *env, args []string) error {
	flags := pflag.NewFlagSet("add", pflag.ContinueOnError)
	alpha := flags.Float64("alpha", 1, "scale of B")
	pos, err := parse(flags, args, 3, "OUT A B [--alpha X]")
	if err != nil {
		return err
	}
	ms, closeAll, err := open(ctx, e, pos[1], pos[2])
	if err != nil {
		return err
	}
	c, err := ms[0].Add(ctx, *alpha, ms[1])
	if err != nil {
		return errors.Join(err, closeAll())
	}

	return errors.Join(saveAndClose(ctx, e, c, pos[0]), closeAll())
}

func cmdMult(ctx context.Context, e *env, args []string) error {
	flags := pflag.NewFlagSet("mult", pflag.ContinueOnError)
	blocks := flags.Int("blocks", 0, "use the blocked strategy with this many blocks (a perfect square)")
	pos, err := parse(flags, args, 3, "OUT A B [--blocks N]")
	if err != nil {
		return err
	}
	ms, closeAll, err := open(ctx, e, pos[1], pos[2])
	if err != nil {
		return err
	}
	var c *matrix.DenseMatrix
	if flags.Changed("blocks") {
		c, err = ms[0].MultiplyBlocked(ctx, ms[1], *blocks)
	} else {
		c, err = ms[0].Multiply(ctx, ms[1])
	}
	if err != nil {
		return errors.Join(err, closeAll())
	}

	return errors.Join(saveAndClose(ctx, e, c, pos[0]), closeAll())
}

func cmdEigen(ctx context.Context, e *env, args []string) error {
	flags := pflag.NewFlagSet("eigen", pflag.ContinueOnError)
	maxIter := flags.Int("max-iter", 0, "iteration cap (default from config)")
	vectors := flags.Bool("vectors", false, "also print eigenvectors as columns")
	check := flags.Bool("check", false, "print the largest residual |A·V - V·Λ|")
	pos, err := parse(flags, args, 1, "ALIAS [--max-iter N] [--vectors] [--check]")
	if err != nil {
		return err
	}
	ms, closeAll, err := open(ctx, e, pos[0])
	if err != nil {
		return err
	}
	err = func() error {
		res, err := ms[0].Jacobi(ctx, *maxIter)
		if err != nil {
			return err
		}
		vals, err := ms[0].EigenValues(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(e.out, "%s after %d iterations, %d rotations\n", res.State, res.Iterations, res.Rotations)
		parts := make([]string, len(vals))
		for i, v := range vals {
			parts[i] = fmt.Sprintf("%g", v)
		}
		fmt.Fprintf(e.out, "eigenvalues: [%s]\n", strings.Join(parts, ", "))
		if *vectors {
			vecs, err := ms[0].EigenVectors(ctx)
			if err != nil {
				return err
			}
			fmt.Fprint(e.out, vecs.String())
		}
		if *check {
			r, err := ms[0].EigenResidual(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(e.out, "residual: %.3g\n", r)
		}
		return nil
	}()

	return errors.Join(err, closeAll())
}

func cmdNorm(ctx context.Context, e *env, args []string) error {
	flags := pflag.NewFlagSet("norm", pflag.ContinueOnError)
	kind := flags.String("type", "frobenius", "one, infinity, frobenius or maxvalue")
	pos, err := parse(flags, args, 1, "ALIAS [--type KIND]")
	if err != nil {
		return err
	}
	nt := matrix.NormType(-1)
	for _, k := range []matrix.NormType{matrix.NormOne, matrix.NormInfinity, matrix.NormFrobenius, matrix.NormMaxValue} {
		if k.String() == *kind {
			nt = k
		}
	}
	if nt < 0 {
		return usagef("norm: unknown type %q", *kind)
	}
	ms, closeAll, err := open(ctx, e, pos[0])
	if err != nil {
		return err
	}
	v, err := ms[0].Norm(ctx, nt)
	if err == nil {
		fmt.Fprintf(e.out, "%g\n", v)
	}

	return errors.Join(err, closeAll())
}

func cmdRemove(ctx context.Context, e *env, args []string) error {
	pos, err := parse(pflag.NewFlagSet("rm", pflag.ContinueOnError), args, 1, "ALIAS")
	if err != nil {
		return err
	}

	return e.svc.Remove(ctx, pos[0])
}

func cmdList(ctx context.Context, e *env, args []string) error {
	if _, err := parse(pflag.NewFlagSet("ls", pflag.ContinueOnError), args, 0, ""); err != nil {
		return err
	}
	entries, err := e.svc.Aliases(ctx)
	if err != nil {
		return err
	}
	for _, en := range entries {
		fmt.Fprintf(e.out, "%s\t%s\n", en.Alias, en.Path)
	}

	return nil
}

func cmdSweep(ctx context.Context, e *env, args []string) error {
	if _, err := parse(pflag.NewFlagSet("sweep", pflag.ContinueOnError), args, 0, ""); err != nil {
		return err
	}
	swept, err := e.svc.Sweep(ctx)
	for _, p := range swept {
		fmt.Fprintln(e.out, p)
	}

	return err
}
