// Package deadletter collects poison articles: those rejected with an
// invariant violation that must never be retried blindly. Entries land in a
// local SQLite file so they survive restarts and can be inspected offline
// without touching the main database.
package deadletter

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Entry is one dead-lettered article.
type Entry struct {
	ID        string
	ArticleID int64
	Reason    string
	CreatedAt time.Time
}

// Store is a SQLite-backed dead-letter collector.
type Store struct {
	db *sql.DB
}

// Open creates or opens the dead-letter database at path and ensures the
// schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("deadletter: open %s: %w", path, err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS dead_letter (
			id         TEXT PRIMARY KEY,
			article_id INTEGER NOT NULL,
			reason     TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("deadletter: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Record stores one poison article with the reason it was rejected.
func (s *Store) Record(ctx context.Context, articleID int64, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letter (id, article_id, reason, created_at) VALUES (?, ?, ?, ?)`,
		uuid.NewString(), articleID, reason, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("deadletter: record article %d: %w", articleID, err)
	}
	return nil
}

// List returns all entries, newest first.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, article_id, reason, created_at FROM dead_letter ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("deadletter: list: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.ArticleID, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("deadletter: scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close shuts down the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
