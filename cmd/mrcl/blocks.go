// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/achimnol/mrcl/block"
)

// blockTable holds block payloads when block.dir is not configured.
const blockTable = "mrcl.blocks"

func cmdBlocks(ctx context.Context, e *env, args []string) error {
	if len(args) == 0 {
		return usagef("mrcl blocks create|show|mult|rm ...")
	}
	bs, err := e.cfg.BlockStore(ctx, e.store, blockTable, e.logger)
	if err != nil {
		return err
	}
	opts := e.cfg.BlockOptions(e.logger)

	switch sub, rest := args[0], args[1:]; sub {
	case "create":
		flags := pflag.NewFlagSet("blocks create", pflag.ContinueOnError)
		rows := flags.Int("rows", 0, "row count")
		cols := flags.Int("cols", 0, "column count")
		fill := flags.Float32("fill", 0, "constant cell value")
		seed := flags.Int64("random", 0, "fill with uniform values from this seed")
		pos, err := parse(flags, rest, 1, "NAME --rows R --cols C [--fill V | --random SEED]")
		if err != nil {
			return err
		}
		var m *block.Matrix
		if flags.Changed("random") {
			m, err = block.CreateRandom(ctx, bs, pos[0], *rows, *cols, *seed, opts...)
		} else {
			m, err = block.CreateFill(ctx, bs, pos[0], *rows, *cols, *fill, opts...)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(e.out, "%s (%dx%d, %dx%d blocks of %d)\n",
			m.Name(), m.Rows(), m.Cols(), m.BlockRows(), m.BlockCols(), m.BlockSize())
		return nil

	case "show":
		pos, err := parse(pflag.NewFlagSet("blocks show", pflag.ContinueOnError), rest, 1, "NAME")
		if err != nil {
			return err
		}
		m, err := block.Open(ctx, bs, pos[0], opts...)
		if err != nil {
			return err
		}
		s, err := m.Format(ctx)
		if err != nil {
			return err
		}
		fmt.Fprint(e.out, s)
		return nil

	case "mult":
		pos, err := parse(pflag.NewFlagSet("blocks mult", pflag.ContinueOnError), rest, 3, "OUT A B")
		if err != nil {
			return err
		}
		a, err := block.Open(ctx, bs, pos[1], opts...)
		if err != nil {
			return err
		}
		b, err := block.Open(ctx, bs, pos[2], opts...)
		if err != nil {
			return err
		}
		c, err := block.Multiply(ctx, pos[0], a, b, opts...)
		if err != nil {
			return err
		}
		fmt.Fprintf(e.out, "%s (%dx%d)\n", c.Name(), c.Rows(), c.Cols())
		return nil

	case "rm":
		pos, err := parse(pflag.NewFlagSet("blocks rm", pflag.ContinueOnError), rest, 1, "NAME")
		if err != nil {
			return err
		}
		return bs.Drop(ctx, pos[0])

	default:
		return usagef("blocks: unknown subcommand %q", sub)
	}
}
