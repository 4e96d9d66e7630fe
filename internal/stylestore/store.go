// Package stylestore persists applied style documents in SQLite so that a
// restarted daemon comes back with the last style.
package stylestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no style has been saved for an instance.
var ErrNotFound = errors.New("stylestore: not found")

// DefaultKeep is the number of documents kept per instance.
const DefaultKeep = 20

const schema = `
CREATE TABLE IF NOT EXISTS style_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	instance_id TEXT NOT NULL,
	document TEXT NOT NULL,
	applied_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_style_history_instance ON style_history(instance_id, id);
`

// Entry is one saved style document.
type Entry struct {
	ID        int64     `json:"id"`
	Document  string    `json:"document"`
	AppliedAt time.Time `json:"applied_at"`
}

type Store struct {
	db   *sql.DB
	keep int
}

// Open opens (or creates) the database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("stylestore: create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("stylestore: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("stylestore: ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("stylestore: migrate: %w", err)
	}
	return &Store{db: db, keep: DefaultKeep}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SetKeep changes how many documents are kept per instance.
func (s *Store) SetKeep(n int) {
	if n > 0 {
		s.keep = n
	}
}

// Save appends a document and prunes the instance's history.
func (s *Store) Save(ctx context.Context, instanceID, document string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("stylestore: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO style_history(instance_id, document, applied_at) VALUES (?, ?, ?)`,
		instanceID, document, ts(time.Now()),
	); err != nil {
		return fmt.Errorf("stylestore: insert style: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
DELETE FROM style_history
WHERE instance_id = ?
  AND id NOT IN (
	SELECT id FROM style_history WHERE instance_id = ? ORDER BY id DESC LIMIT ?
  )
`, instanceID, instanceID, s.keep); err != nil {
		return fmt.Errorf("stylestore: prune history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("stylestore: commit: %w", err)
	}
	return nil
}

// Latest returns the most recently saved document of an instance.
func (s *Store) Latest(ctx context.Context, instanceID string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, document, applied_at FROM style_history
WHERE instance_id = ?
ORDER BY id DESC LIMIT 1
`, instanceID)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("stylestore: latest style: %w", err)
	}
	return e, nil
}

// History returns up to limit documents of an instance, newest first.
func (s *Store) History(ctx context.Context, instanceID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = s.keep
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, document, applied_at FROM style_history
WHERE instance_id = ?
ORDER BY id DESC LIMIT ?
`, instanceID, limit)
	if err != nil {
		return nil, fmt.Errorf("stylestore: list history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("stylestore: scan history: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(scanner interface{ Scan(dest ...any) error }) (Entry, error) {
	var (
		e       Entry
		applied string
	)
	if err := scanner.Scan(&e.ID, &e.Document, &applied); err != nil {
		return Entry{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, applied)
	if err != nil {
		return Entry{}, fmt.Errorf("parse applied_at: %w", err)
	}
	e.AppliedAt = t
	return e, nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
