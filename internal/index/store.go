// Package index implements the codebase index (C11): an incremental scan
// producing module/edge/hotspot/finding data consumed by the scout prompt.
// It is an external collaborator to the core engine — the scout reads this
// data, and the only engine-side write is the scheduler's wave dispatch in
// cmd/loom recording delivered files through RecordDelivery.
//
// The SQLite-backed store is adapted from the teacher's agents/rag/store.go
// (VectorStore: schema + migrate + cosine-similarity search over embedding
// chunks). This index has no inference step, so the embedding column and
// cosine helper are replaced outright with module/edge/hotspot/finding
// rows; the schema/migrate/store shape is otherwise the same pattern.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Module is one scanned source file's static summary.
type Module struct {
	Path         string
	Language     string
	Symbols      []string
	LinesOfCode  int
	LastModified time.Time
}

// Edge is a directed import/dependency relationship between two modules.
type Edge struct {
	From string
	To   string
	Kind string // "import"
}

// Hotspot ranks a module by recent change frequency, feeding the scout's
// "where to look" prompt section.
type Hotspot struct {
	Path        string
	ChangeCount int
	LastChanged time.Time
}

// Finding is a lightweight static-analysis observation (not a proposal) the
// scout prompt may cite as supporting evidence.
type Finding struct {
	Path     string
	Line     int
	Category string
	Message  string
}

// Store persists the codebase index in SQLite, scoped to one project's
// `.<appdir>/index.db`.
type Store struct {
	db *sql.DB
}

// Open creates or opens the index database at dbPath, ensuring schema.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate index db: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS modules (
		path TEXT PRIMARY KEY,
		language TEXT NOT NULL,
		symbols TEXT NOT NULL,
		lines_of_code INTEGER NOT NULL,
		last_modified DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS edges (
		from_path TEXT NOT NULL,
		to_path TEXT NOT NULL,
		kind TEXT NOT NULL,
		PRIMARY KEY (from_path, to_path, kind)
	);
	CREATE INDEX IF NOT EXISTS idx_edges_to ON edges(to_path);

	CREATE TABLE IF NOT EXISTS hotspots (
		path TEXT PRIMARY KEY,
		change_count INTEGER NOT NULL,
		last_changed DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS findings (
		path TEXT NOT NULL,
		line INTEGER NOT NULL,
		category TEXT NOT NULL,
		message TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_findings_path ON findings(path);
	`
	_, err := s.db.Exec(schema)
	return err
}

// UpsertModule replaces a module's row, keyed by path.
func (s *Store) UpsertModule(ctx context.Context, m Module) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO modules (path, language, symbols, lines_of_code, last_modified)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			language=excluded.language,
			symbols=excluded.symbols,
			lines_of_code=excluded.lines_of_code,
			last_modified=excluded.last_modified
	`, m.Path, m.Language, joinSymbols(m.Symbols), m.LinesOfCode, m.LastModified)
	return err
}

// DeleteModule removes a module and its outgoing edges, used when a scan
// observes the file was removed.
func (s *Store) DeleteModule(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM modules WHERE path = ?`, path); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM edges WHERE from_path = ?`, path)
	return err
}

// ReplaceEdges clears and rewrites a module's outgoing edges.
func (s *Store) ReplaceEdges(ctx context.Context, from string, edges []Edge) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE from_path = ?`, from); err != nil {
		return err
	}
	for _, e := range edges {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO edges (from_path, to_path, kind) VALUES (?, ?, ?)`, e.From, e.To, e.Kind); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DependentsOf returns modules whose edges point at path, for the scout's
// graph-boost scoring (spec.md §4.2 step 9's "+0.05 per dependent module").
func (s *Store) DependentsOf(ctx context.Context, path string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT from_path FROM edges WHERE to_path = ?`, path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecordChange bumps a hotspot's change count, used after every ticket
// delivery touching path.
func (s *Store) RecordChange(ctx context.Context, path string, when time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hotspots (path, change_count, last_changed)
		VALUES (?, 1, ?)
		ON CONFLICT(path) DO UPDATE SET
			change_count = change_count + 1,
			last_changed = excluded.last_changed
	`, path, when)
	return err
}

// TopHotspots returns the n most-changed modules, most-changed first.
func (s *Store) TopHotspots(ctx context.Context, n int) ([]Hotspot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, change_count, last_changed FROM hotspots
		ORDER BY change_count DESC, last_changed DESC LIMIT ?
	`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Hotspot
	for rows.Next() {
		var h Hotspot
		if err := rows.Scan(&h.Path, &h.ChangeCount, &h.LastChanged); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// ReplaceFindings clears and rewrites a module's findings.
func (s *Store) ReplaceFindings(ctx context.Context, path string, findings []Finding) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM findings WHERE path = ?`, path); err != nil {
		return err
	}
	for _, f := range findings {
		if _, err := tx.ExecContext(ctx, `INSERT INTO findings (path, line, category, message) VALUES (?, ?, ?, ?)`, f.Path, f.Line, f.Category, f.Message); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// FindingsFor returns all findings recorded for path.
func (s *Store) FindingsFor(ctx context.Context, path string) ([]Finding, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path, line, category, message FROM findings WHERE path = ? ORDER BY line`, path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Finding
	for rows.Next() {
		var f Finding
		if err := rows.Scan(&f.Path, &f.Line, &f.Category, &f.Message); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func joinSymbols(symbols []string) string {
	out := ""
	for i, s := range symbols {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}
