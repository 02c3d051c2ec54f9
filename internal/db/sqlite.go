// Package db implements loom's persistence layer (C1): a narrow adapter
// over an embedded relational store (projects, tickets, runs, run steps)
// with a strictly-ordered migration list and a $1..$n placeholder rewrite
// compatible with the embedded SQLite engine's native `?` binding.
//
// Adapted from the teacher's internal/db/sqlite.go ordered-migration-slice
// pattern, extended with checksum validation and dryRun/target support per
// the specification's migration contract.
package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// Migration is one strictly-ordered schema step.
type Migration struct {
	ID       string
	Up       string
	checksum string
}

// DB wraps the SQL connection with the $n-placeholder query adapter and a
// nestable-transaction helper using savepoints.
type DB struct {
	sql  *sql.DB
	path string
	mu   sync.Mutex // serializes savepoint id allocation
	spID int
}

// Rows is the narrow result shape the adapter's Query returns.
type Rows struct {
	Columns []string
	Data    [][]any
}

// Open opens or creates the SQLite database at dbPath, enables WAL and
// foreign keys, and applies all pending migrations.
func Open(dbPath string) (*DB, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	d := &DB{sql: conn, path: dbPath}
	if err := d.Migrate(MigrateOptions{}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error { return d.sql.Close() }

// Query runs sqlText with $1..$n positional params and returns all rows.
func (d *DB) Query(ctx context.Context, sqlText string, params ...any) (*Rows, error) {
	text, args := Rewrite(sqlText, params)
	rows, err := d.sql.QueryContext(ctx, text, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := &Rows{Columns: cols}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		out.Data = append(out.Data, vals)
	}
	return out, rows.Err()
}

// Exec runs sqlText with $1..$n positional params for its side effects.
func (d *DB) Exec(ctx context.Context, sqlText string, params ...any) (sql.Result, error) {
	text, args := Rewrite(sqlText, params)
	return d.sql.ExecContext(ctx, text, args...)
}

// Tx is a nestable transaction handle: the outermost Tx wraps BEGIN/COMMIT,
// every nested WithTransaction call wraps a SAVEPOINT/RELEASE instead.
type Tx struct {
	db       *DB
	sqlTx    *sql.Tx
	savepoint string
}

// Query runs sqlText against the transaction.
func (t *Tx) Query(ctx context.Context, sqlText string, params ...any) (*Rows, error) {
	text, args := Rewrite(sqlText, params)
	rows, err := t.sqlTx.QueryContext(ctx, text, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := &Rows{Columns: cols}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		out.Data = append(out.Data, vals)
	}
	return out, rows.Err()
}

// Exec runs sqlText against the transaction.
func (t *Tx) Exec(ctx context.Context, sqlText string, params ...any) (sql.Result, error) {
	text, args := Rewrite(sqlText, params)
	return t.sqlTx.ExecContext(ctx, text, args...)
}

type txKey struct{}

// execer is implemented by both *DB and *Tx, letting Store methods run
// against "whatever connection ctx carries" transparently.
type execer interface {
	Query(ctx context.Context, sqlText string, params ...any) (*Rows, error)
	Exec(ctx context.Context, sqlText string, params ...any) (sql.Result, error)
}

// conn returns the transaction bound to ctx, if any, else d itself.
func (d *DB) conn(ctx context.Context) execer {
	if tx, ok := ctx.Value(txKey{}).(*Tx); ok {
		return tx
	}
	return d
}

// WithTransaction runs fn inside a transaction. If ctx already carries a
// transaction (a nested call), fn runs inside a SAVEPOINT that is released
// on success and rolled back to on error, without affecting the outer
// transaction's already-committed-pending work. The outermost call opens a
// real BEGIN/COMMIT.
func (d *DB) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	if outer, ok := ctx.Value(txKey{}).(*Tx); ok {
		d.mu.Lock()
		d.spID++
		name := fmt.Sprintf("sp_%d", d.spID)
		d.mu.Unlock()

		if _, err := outer.sqlTx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
			return err
		}
		inner := &Tx{db: d, sqlTx: outer.sqlTx, savepoint: name}
		if err := fn(context.WithValue(ctx, txKey{}, inner), inner); err != nil {
			_, _ = outer.sqlTx.ExecContext(ctx, "ROLLBACK TO "+name)
			return err
		}
		_, err := outer.sqlTx.ExecContext(ctx, "RELEASE "+name)
		return err
	}

	sqlTx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	tx := &Tx{db: d, sqlTx: sqlTx}
	if err := fn(context.WithValue(ctx, txKey{}, tx), tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

// MigrateOptions controls a single Migrate invocation.
type MigrateOptions struct {
	// DryRun checks the migration list and the checksums of already-applied
	// migrations without executing any DDL. It does not report which
	// migrations are pending.
	DryRun bool
	// Target, if non-empty, stops after applying the migration with this
	// id, even if later ids are already defined.
	Target string
}

// Migrate applies pending migrations from migrationList in order. Duplicate
// ids or checksums across the list are fatal before the tracking table is
// even created.
func (d *DB) Migrate(opts MigrateOptions) error {
	migrations := migrationList()

	seenID := make(map[string]bool, len(migrations))
	seenChecksum := make(map[string]bool, len(migrations))
	for _, m := range migrations {
		if seenID[m.ID] {
			return fmt.Errorf("duplicate migration id %q", m.ID)
		}
		seenID[m.ID] = true
		if seenChecksum[m.checksum] {
			return fmt.Errorf("duplicate migration checksum for id %q", m.ID)
		}
		seenChecksum[m.checksum] = true
	}

	if !opts.DryRun {
		if _, err := d.sql.Exec(`
		CREATE TABLE IF NOT EXISTS _migrations (
			id TEXT PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
			return fmt.Errorf("create _migrations table: %w", err)
		}
	}

	// In a dry run an absent _migrations table reads as no applied migrations.
	applied := map[string]string{}
	rows, err := d.sql.Query(`SELECT id, checksum FROM _migrations`)
	if err != nil && !opts.DryRun {
		return fmt.Errorf("read applied migrations: %w", err)
	}
	for err == nil && rows.Next() {
		var id, checksum string
		if err := rows.Scan(&id, &checksum); err != nil {
			rows.Close()
			return err
		}
		applied[id] = checksum
	}
	if err == nil {
		rows.Close()
	}

	ctx := context.Background()
	for _, m := range migrations {
		if existing, ok := applied[m.ID]; ok {
			if existing != m.checksum {
				return fmt.Errorf("migration %q checksum mismatch: applied %s, defined %s", m.ID, existing, m.checksum)
			}
			if opts.Target != "" && m.ID == opts.Target {
				break
			}
			continue
		}
		if opts.DryRun {
			continue
		}
		if _, err := d.sql.ExecContext(ctx, m.Up); err != nil {
			return fmt.Errorf("migration %q failed: %w", m.ID, err)
		}
		if _, err := d.sql.ExecContext(ctx, `INSERT INTO _migrations (id, checksum) VALUES (?, ?)`, m.ID, m.checksum); err != nil {
			return fmt.Errorf("record migration %q: %w", m.ID, err)
		}
		if opts.Target != "" && m.ID == opts.Target {
			break
		}
	}
	return nil
}

func checksum(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func mig(id, up string) Migration {
	return Migration{ID: id, Up: up, checksum: checksum(up)}
}
