// SPDX-License-Identifier: MIT

package kvstore

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// pool is a fixed-size set of SQLite connections sharing the standard
// pragmas and the kvstore schema. Individual connections are not safe for
// concurrent use; each goroutine takes its own and puts it back.
type pool struct {
	inner  *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// openPool opens path (created if missing) with size connections. All
// connections are initialized lazily on first take.
func openPool(path string, size int, logger *slog.Logger, onConnect func(*sqlite.Conn) error) (*pool, error) {
	if path == "" {
		return nil, fmt.Errorf("kvstore: sqlite path is required")
	}
	if size <= 0 {
		size = max(runtime.NumCPU(), 4)
	}

	inner, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize: size,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepareConn(conn, onConnect)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("kvstore: opening %s: %w", path, err)
	}
	logger.Info("sqlite pool opened", "path", path, "pool_size", size)

	return &pool{inner: inner, logger: logger, path: path}, nil
}

// take borrows a connection, blocking until one is free or ctx is done.
func (p *pool) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("kvstore: take: %w", err)
	}

	return conn, nil
}

func (p *pool) put(conn *sqlite.Conn) { p.inner.Put(conn) }

func (p *pool) close() error {
	if err := p.inner.Close(); err != nil {
		p.logger.Error("sqlite pool close error", "path", p.path, "error", err)
		return fmt.Errorf("kvstore: closing %s: %w", p.path, err)
	}
	p.logger.Info("sqlite pool closed", "path", p.path)

	return nil
}

// prepareConn applies pragmas once per connection, then the schema hook.
func prepareConn(conn *sqlite.Conn, onConnect func(*sqlite.Conn) error) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-8192",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("kvstore: %s: %w", pragma, err)
		}
	}
	if onConnect != nil {
		if err := onConnect(conn); err != nil {
			return fmt.Errorf("kvstore: on connect: %w", err)
		}
	}

	return nil
}
