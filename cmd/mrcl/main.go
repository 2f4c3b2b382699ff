// SPDX-License-Identifier: MIT

// mrcl is a small command-line front end for stored matrices. It reads
// its configuration from --config, MRCL_CONFIG, or the built-in defaults;
// use the sqlite backend for matrices that outlive one invocation.
//
// Usage:
//
//	mrcl [--config FILE] COMMAND [flags] ARGS
//
// Commands:
//
//	create ALIAS --rows R --cols C [--fill V | --random SEED | --identity]
//	show   ALIAS
//	add    OUT A B [--alpha X]
//	mult   OUT A B [--blocks N]
//	eigen  ALIAS [--max-iter N]
//	norm   ALIAS [--type one|infinity|frobenius|maxvalue]
//	rm     ALIAS
//	ls
//	sweep
//	blocks create|show|mult|rm ...
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/pflag"

	"github.com/achimnol/mrcl/config"
	"github.com/achimnol/mrcl/kvstore"
	"github.com/achimnol/mrcl/matrix"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// errUsage marks command-line mistakes.
var errUsage = errors.New("usage")

func usagef(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errUsage}, args...)...)
}

// env is what every command runs against.
type env struct {
	cfg    *config.Config
	store  kvstore.Store
	svc    *matrix.Service
	logger *slog.Logger
	out    io.Writer
}

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, e *env, args []string) error
}

var commands = []command{
	{"create", "create a named matrix", cmdCreate},
	{"show", "print a named matrix", cmdShow},
	{"add", "OUT = A + alpha*B", cmdAdd},
	{"mult", "OUT = A * B", cmdMult},
	{"eigen", "Jacobi eigenvalues of a symmetric matrix", cmdEigen},
	{"norm", "matrix norm", cmdNorm},
	{"rm", "remove an alias", cmdRemove},
	{"ls", "list aliases", cmdList},
	{"sweep", "reclaim unreferenced tables", cmdSweep},
	{"blocks", "block matrices: create, show, mult, rm", cmdBlocks},
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var configPath string
	flags := pflag.NewFlagSet("mrcl", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&configPath, "config", "", "configuration file (default: $"+config.EnvConfig+")")
	flags.SetInterspersed(false)
	flags.Usage = func() { printHelp(stderr, flags) }
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	rest := flags.Args()
	if len(rest) == 0 {
		printHelp(stderr, flags)
		return usagef("missing command")
	}

	var cmd *command
	for i := range commands {
		if commands[i].name == rest[0] {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		return usagef("unknown command %q", rest[0])
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := cfg.Logger(stderr)
	store, err := cfg.OpenStore(logger)
	if err != nil {
		return err
	}
	defer store.Close()
	svc, err := matrix.NewService(ctx, store, cfg.MatrixOptions(logger)...)
	if err != nil {
		return err
	}
	e := &env{cfg: cfg, store: store, svc: svc, logger: logger, out: stdout}
	logger.Debug("running command", "command", cmd.name, "backend", cfg.Store.Backend)

	return cmd.run(ctx, e, rest[1:])
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}

	return config.Load()
}

func printHelp(w io.Writer, flags *pflag.FlagSet) {
	fmt.Fprintf(w, "mrcl - stored matrices and their algebra\n\nUsage:\n  mrcl [flags] COMMAND [args]\n\nCommands:\n")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-8s %s\n", c.name, c.summary)
	}
	fmt.Fprintf(w, "\nFlags:\n")
	flags.PrintDefaults()
}

// parse parses a subcommand's flags and checks its positional count.
func parse(flags *pflag.FlagSet, args []string, want int, usage string) ([]string, error) {
	flags.SetOutput(io.Discard)
	if err := flags.Parse(args); err != nil {
		return nil, usagef("%s: %v", flags.Name(), err)
	}
	if flags.NArg() != want {
		return nil, usagef("mrcl %s %s", flags.Name(), usage)
	}

	return flags.Args(), nil
}
