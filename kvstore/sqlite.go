// SPDX-License-Identifier: MIT

package kvstore

import (
	"context"
	"iter"
	"log/slog"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// scanPageRows bounds how many rows one scan page materializes before the
// connection goes back to the pool.
const scanPageRows = 256

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv_tables (
	name    TEXT PRIMARY KEY,
	enabled INTEGER NOT NULL DEFAULT 1
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS kv_families (
	table_name TEXT NOT NULL,
	family     TEXT NOT NULL,
	PRIMARY KEY (table_name, family)
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS kv_cells (
	table_name TEXT NOT NULL,
	row        BLOB NOT NULL,
	family     TEXT NOT NULL,
	qualifier  TEXT NOT NULL,
	value      BLOB,
	PRIMARY KEY (table_name, row, family, qualifier)
) WITHOUT ROWID;
`

// SQLiteConfig holds the parameters for OpenSQLite. Path is required.
type SQLiteConfig struct {
	// Path of the database file; created if missing. ":memory:" requires
	// PoolSize 1 because every in-memory connection is a separate database.
	Path string

	// PoolSize is the connection count; <= 0 means max(NumCPU, 4).
	PoolSize int

	// Logger receives pool and admin events. Nil discards.
	Logger *slog.Logger
}

// SQLite is a durable Store. Every table lives in the shared kv_cells
// relation keyed by (table, row, family, qualifier); row keys are BLOBs, so
// SQLite's memcmp ordering matches bytes.Compare.
type SQLite struct {
	pool   *pool
	logger *slog.Logger
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (or creates) a store at cfg.Path.
func OpenSQLite(cfg SQLiteConfig) (*SQLite, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	p, err := openPool(cfg.Path, cfg.PoolSize, logger, func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteScript(conn, sqliteSchema, nil)
	})
	if err != nil {
		return nil, err
	}

	return &SQLite{pool: p, logger: logger}, nil
}

// Close implements Store.
func (s *SQLite) Close() error { return s.pool.close() }

// withConn borrows a connection for the duration of fn.
func (s *SQLite) withConn(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.put(conn)

	return fn(conn)
}

// withTx runs fn inside an IMMEDIATE transaction.
func (s *SQLite) withTx(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) (err error) {
		end, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return err
		}
		defer end(&err)

		return fn(conn)
	})
}

// tableState reports existence and enablement of name.
func tableState(conn *sqlite.Conn, name string) (exists, enabled bool, err error) {
	err = sqlitex.Execute(conn, `SELECT enabled FROM kv_tables WHERE name = ?`, &sqlitex.ExecOptions{
		Args: []any{name},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			exists = true
			enabled = stmt.ColumnInt64(0) != 0
			return nil
		},
	})

	return exists, enabled, err
}

// checkLive verifies that name exists, is enabled and declares every family in fams.
func checkLive(conn *sqlite.Conn, op, name string, fams []string) error {
	exists, enabled, err := tableState(conn, name)
	if err != nil {
		return storeErrorf(op, name, err)
	}
	if !exists {
		return storeErrorf(op, name, ErrTableNotFound)
	}
	if !enabled {
		return storeErrorf(op, name, ErrTableDisabled)
	}
	if len(fams) == 0 {
		return nil
	}
	declared := make(map[string]struct{})
	err = sqlitex.Execute(conn, `SELECT family FROM kv_families WHERE table_name = ?`, &sqlitex.ExecOptions{
		Args: []any{name},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			declared[stmt.ColumnText(0)] = struct{}{}
			return nil
		},
	})
	if err != nil {
		return storeErrorf(op, name, err)
	}
	for _, f := range fams {
		if _, ok := declared[f]; !ok {
			return storeErrorf(op, name, ErrUnknownFamily)
		}
	}

	return nil
}

// columnBlob copies a BLOB column out of the statement.
func columnBlob(stmt *sqlite.Stmt, col int) []byte {
	buf := make([]byte, stmt.ColumnLen(col))
	stmt.ColumnBytes(col, buf)

	return buf
}

// TableExists implements Admin.
func (s *SQLite) TableExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		var err error
		exists, _, err = tableState(conn, name)
		return err
	})

	return exists, err
}

// CreateTable implements Admin.
func (s *SQLite) CreateTable(ctx context.Context, desc TableDescriptor) error {
	if err := desc.validate(); err != nil {
		return storeErrorf("CreateTable", desc.Name, err)
	}
	err := s.withTx(ctx, func(conn *sqlite.Conn) error {
		exists, _, err := tableState(conn, desc.Name)
		if err != nil {
			return err
		}
		if exists {
			return storeErrorf("CreateTable", desc.Name, ErrTableExists)
		}
		if err := sqlitex.Execute(conn, `INSERT INTO kv_tables (name, enabled) VALUES (?, 1)`,
			&sqlitex.ExecOptions{Args: []any{desc.Name}}); err != nil {
			return err
		}
		for _, f := range desc.Families {
			if err := sqlitex.Execute(conn, `INSERT INTO kv_families (table_name, family) VALUES (?, ?)`,
				&sqlitex.ExecOptions{Args: []any{desc.Name, f}}); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		s.logger.Debug("table created", "table", desc.Name, "families", desc.Families)
	}

	return err
}

// DisableTable implements Admin. SQLite disables synchronously.
func (s *SQLite) DisableTable(ctx context.Context, name string) error {
	return s.withTx(ctx, func(conn *sqlite.Conn) error {
		exists, _, err := tableState(conn, name)
		if err != nil {
			return err
		}
		if !exists {
			return storeErrorf("DisableTable", name, ErrTableNotFound)
		}
		return sqlitex.Execute(conn, `UPDATE kv_tables SET enabled = 0 WHERE name = ?`,
			&sqlitex.ExecOptions{Args: []any{name}})
	})
}

// IsTableEnabled implements Admin.
func (s *SQLite) IsTableEnabled(ctx context.Context, name string) (bool, error) {
	var enabled bool
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		exists, en, err := tableState(conn, name)
		if err != nil {
			return err
		}
		if !exists {
			return storeErrorf("IsTableEnabled", name, ErrTableNotFound)
		}
		enabled = en
		return nil
	})

	return enabled, err
}

// DeleteTable implements Admin.
func (s *SQLite) DeleteTable(ctx context.Context, name string) error {
	err := s.withTx(ctx, func(conn *sqlite.Conn) error {
		exists, enabled, err := tableState(conn, name)
		if err != nil {
			return err
		}
		if !exists {
			return storeErrorf("DeleteTable", name, ErrTableNotFound)
		}
		if enabled {
			return storeErrorf("DeleteTable", name, ErrTableEnabled)
		}
		for _, q := range []string{
			`DELETE FROM kv_cells WHERE table_name = ?`,
			`DELETE FROM kv_families WHERE table_name = ?`,
			`DELETE FROM kv_tables WHERE name = ?`,
		} {
			if err := sqlitex.Execute(conn, q, &sqlitex.ExecOptions{Args: []any{name}}); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		s.logger.Debug("table deleted", "table", name)
	}

	return err
}

// ListTables implements Admin.
func (s *SQLite) ListTables(ctx context.Context) ([]string, error) {
	var names []string
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT name FROM kv_tables ORDER BY name`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				names = append(names, stmt.ColumnText(0))
				return nil
			},
		})
	})

	return names, err
}

// Table implements Store.
func (s *SQLite) Table(ctx context.Context, name string) (Table, error) {
	exists, err := s.TableExists(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, storeErrorf("Table", name, ErrTableNotFound)
	}

	return &sqlTable{store: s, name: name}, nil
}

// sqlTable is the Table view of one SQLite-backed table.
type sqlTable struct {
	store *SQLite
	name  string
}

func (t *sqlTable) Name() string { return t.name }

func (t *sqlTable) Get(ctx context.Context, row []byte, families ...string) (*Result, error) {
	res := NewResult(row)
	filter := Scan{Families: families}
	err := t.store.withConn(ctx, func(conn *sqlite.Conn) error {
		if err := checkLive(conn, "Get", t.name, families); err != nil {
			return err
		}
		return sqlitex.Execute(conn,
			`SELECT family, qualifier, value FROM kv_cells WHERE table_name = ? AND row = ?`,
			&sqlitex.ExecOptions{
				Args: []any{t.name, row},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					fam, q := stmt.ColumnText(0), stmt.ColumnText(1)
					if filter.selects(fam, q) {
						res.Add(fam, q, columnBlob(stmt, 2))
					}
					return nil
				},
			})
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

func (t *sqlTable) Put(ctx context.Context, m *Mutation) error {
	if len(m.Row) == 0 {
		return storeErrorf("Put", t.name, ErrEmptyRow)
	}
	if m.Len() == 0 {
		return nil
	}
	var fams []string
	m.Each(func(f, _ string, _ []byte) {
		for _, have := range fams {
			if have == f {
				return
			}
		}
		fams = append(fams, f)
	})

	return t.store.withTx(ctx, func(conn *sqlite.Conn) error {
		if err := checkLive(conn, "Put", t.name, fams); err != nil {
			return err
		}
		var err error
		m.Each(func(f, q string, v []byte) {
			if err != nil {
				return
			}
			err = upsertCell(conn, t.name, m.Row, f, q, v)
		})
		return err
	})
}

func upsertCell(conn *sqlite.Conn, table string, row []byte, family, qualifier string, value []byte) error {
	return sqlitex.Execute(conn,
		`INSERT INTO kv_cells (table_name, row, family, qualifier, value) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (table_name, row, family, qualifier) DO UPDATE SET value = excluded.value`,
		&sqlitex.ExecOptions{Args: []any{table, row, family, qualifier, value}})
}

func (t *sqlTable) Increment(ctx context.Context, row []byte, family, qualifier string, delta int64) (int64, error) {
	if len(row) == 0 {
		return 0, storeErrorf("Increment", t.name, ErrEmptyRow)
	}
	var out int64
	err := t.store.withTx(ctx, func(conn *sqlite.Conn) error {
		if err := checkLive(conn, "Increment", t.name, []string{family}); err != nil {
			return err
		}
		var cur []byte
		err := sqlitex.Execute(conn,
			`SELECT value FROM kv_cells WHERE table_name = ? AND row = ? AND family = ? AND qualifier = ?`,
			&sqlitex.ExecOptions{
				Args: []any{t.name, row, family, qualifier},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					cur = columnBlob(stmt, 0)
					return nil
				},
			})
		if err != nil {
			return err
		}
		v, enc, err := addCounter(cur, delta)
		if err != nil {
			return storeErrorf("Increment", t.name, err)
		}
		out = v
		return upsertCell(conn, t.name, row, family, qualifier, enc)
	})

	return out, err
}

func (t *sqlTable) Delete(ctx context.Context, d *Deletion) error {
	if len(d.Row) == 0 {
		return storeErrorf("Delete", t.name, ErrEmptyRow)
	}

	return t.store.withTx(ctx, func(conn *sqlite.Conn) error {
		if err := checkLive(conn, "Delete", t.name, d.touched()); err != nil {
			return err
		}
		if d.whole() {
			return sqlitex.Execute(conn, `DELETE FROM kv_cells WHERE table_name = ? AND row = ?`,
				&sqlitex.ExecOptions{Args: []any{t.name, d.Row}})
		}
		for _, f := range d.families {
			if err := sqlitex.Execute(conn, `DELETE FROM kv_cells WHERE table_name = ? AND row = ? AND family = ?`,
				&sqlitex.ExecOptions{Args: []any{t.name, d.Row, f}}); err != nil {
				return err
			}
		}
		for _, c := range d.columns {
			if err := sqlitex.Execute(conn,
				`DELETE FROM kv_cells WHERE table_name = ? AND row = ? AND family = ? AND qualifier = ?`,
				&sqlitex.ExecOptions{Args: []any{t.name, d.Row, c.Family, c.Qualifier}}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Scan pages through the range scanPageRows rows at a time. Each page is
// read under one connection and yielded after the connection is returned,
// so loop bodies may use the store freely.
func (t *sqlTable) Scan(ctx context.Context, s Scan) iter.Seq2[*Result, error] {
	return func(yield func(*Result, error) bool) {
		var after []byte
		for {
			page, err := t.page(ctx, s, after)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, r := range page.rows {
				if !yield(r, nil) {
					return
				}
			}
			if !page.more {
				return
			}
			after = page.last
		}
	}
}

type scanPage struct {
	rows []*Result
	last []byte
	more bool
}

// page reads the next batch of row keys strictly after `after` (or from
// StartRow when nil), then their cells.
func (t *sqlTable) page(ctx context.Context, s Scan, after []byte) (scanPage, error) {
	var p scanPage
	err := t.store.withConn(ctx, func(conn *sqlite.Conn) error {
		if err := checkLive(conn, "Scan", t.name, s.families()); err != nil {
			return err
		}
		var (
			where strings.Builder
			args  = []any{t.name}
		)
		where.WriteString(`table_name = ?`)
		if after != nil {
			where.WriteString(` AND row > ?`)
			args = append(args, after)
		} else if len(s.StartRow) > 0 {
			where.WriteString(` AND row >= ?`)
			args = append(args, s.StartRow)
		}
		if len(s.StopRow) > 0 {
			where.WriteString(` AND row < ?`)
			args = append(args, s.StopRow)
		}

		var keys [][]byte
		err := sqlitex.Execute(conn,
			`SELECT DISTINCT row FROM kv_cells WHERE `+where.String()+` ORDER BY row LIMIT ?`,
			&sqlitex.ExecOptions{
				Args: append(args, scanPageRows+1),
				ResultFunc: func(stmt *sqlite.Stmt) error {
					keys = append(keys, columnBlob(stmt, 0))
					return nil
				},
			})
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			return nil
		}
		if len(keys) > scanPageRows {
			keys = keys[:scanPageRows]
			p.more = true
		}
		first, last := keys[0], keys[len(keys)-1]
		p.last = last

		var cur *Result
		err = sqlitex.Execute(conn,
			`SELECT row, family, qualifier, value FROM kv_cells
			 WHERE table_name = ? AND row >= ? AND row <= ?
			 ORDER BY row, family, qualifier`,
			&sqlitex.ExecOptions{
				Args: []any{t.name, first, last},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					row := columnBlob(stmt, 0)
					if cur == nil || string(cur.Row) != string(row) {
						if cur != nil && !cur.Empty() {
							p.rows = append(p.rows, cur)
						}
						cur = NewResult(row)
					}
					fam, q := stmt.ColumnText(1), stmt.ColumnText(2)
					if s.selects(fam, q) {
						cur.Add(fam, q, columnBlob(stmt, 3))
					}
					return nil
				},
			})
		if cur != nil && !cur.Empty() {
			p.rows = append(p.rows, cur)
		}
		return err
	})

	return p, err
}
