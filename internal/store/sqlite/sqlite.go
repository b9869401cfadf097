// Package sqlite is the durable Store adapter. Tables are stored in the
// worksheet model the rest of the system speaks: one ordered list of rows per
// table, each row a JSON array of string cells. That keeps the write path a
// plain append and makes Resize an index truncation, mirroring how the
// pipeline treats the backend.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a SQLite-backed table store. A single connection in WAL mode
// serializes all writes; the mutex keeps the append's read-max-then-insert
// atomic across goroutines.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if necessary) the database at path and prepares the
// backing schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	const schema = `
	CREATE TABLE IF NOT EXISTS sheet_rows (
		table_name TEXT NOT NULL,
		row_idx    INTEGER NOT NULL,
		cells      TEXT NOT NULL,
		PRIMARY KEY (table_name, row_idx)
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	log.Printf("[sqlite] OPENED | path=%s", path)
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureTable creates the table with the given header row if it has no rows.
func (s *Store) EnsureTable(ctx context.Context, table string, header []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.rowCount(ctx, table)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	return s.insertRows(ctx, table, 0, [][]string{header})
}

// AppendRows appends rows after the current last row and returns the number
// written. The insert runs in one transaction, so the count is all-or-nothing
// unless the process dies mid-commit.
func (s *Store) AppendRows(ctx context.Context, table string, rows [][]string) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.rowCount(ctx, table)
	if err != nil {
		return 0, err
	}
	if err := s.insertRows(ctx, table, n, rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// GetAllValues returns every row of the table in order, header first.
func (s *Store) GetAllValues(ctx context.Context, table string) ([][]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cells FROM sheet_rows WHERE table_name = ? ORDER BY row_idx`, table)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	var out [][]string
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		var cells []string
		if err := json.Unmarshal([]byte(raw), &cells); err != nil {
			return nil, fmt.Errorf("decode row in %s: %w", table, err)
		}
		out = append(out, cells)
	}
	return out, rows.Err()
}

// Resize truncates the table to exactly n rows (header included). Extending
// beyond the current size is a no-op; worksheet-style blank padding carries
// no information here.
func (s *Store) Resize(ctx context.Context, table string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sheet_rows WHERE table_name = ? AND row_idx >= ?`, table, n)
	if err != nil {
		return fmt.Errorf("resize %s: %w", table, err)
	}
	return nil
}

func (s *Store) rowCount(ctx context.Context, table string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sheet_rows WHERE table_name = ?`, table).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

func (s *Store) insertRows(ctx context.Context, table string, startIdx int, rows [][]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO sheet_rows (table_name, row_idx, cells) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, row := range rows {
		cells, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("encode row: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, table, startIdx+i, string(cells)); err != nil {
			return fmt.Errorf("insert into %s: %w", table, err)
		}
	}
	return tx.Commit()
}
