package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/issuelab/issuestream/internal/model"
)

// CreateArticle inserts an article with issue_id = 0 (unassigned). The
// title_hash unique index enforces upstream dedup; a colliding insert returns
// ErrDuplicate with the existing row untouched.
func (db *DB) CreateArticle(ctx context.Context, a model.Article) (model.Article, error) {
	if a.TitleHash == "" {
		a.TitleHash = model.HashTitle(a.Title)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	err := db.pool.QueryRow(ctx,
		`INSERT INTO article (issue_id, title, content, source, url, title_hash, published_at, created_at)
		 VALUES (0, $1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		a.Title, a.Content, a.Source, a.URL, a.TitleHash, a.PublishedAt, a.CreatedAt,
	).Scan(&a.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return model.Article{}, fmt.Errorf("storage: article %q: %w", a.Title, ErrDuplicate)
		}
		return model.Article{}, fmt.Errorf("storage: create article: %w", err)
	}
	return a, nil
}

// Article loads a single article row.
func (db *DB) Article(ctx context.Context, id int64) (model.Article, error) {
	var a model.Article
	err := db.pool.QueryRow(ctx,
		`SELECT id, issue_id, title, content, source, url, title_hash, published_at, created_at
		 FROM article WHERE id = $1`, id,
	).Scan(&a.ID, &a.IssueID, &a.Title, &a.Content, &a.Source, &a.URL, &a.TitleHash, &a.PublishedAt, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Article{}, fmt.Errorf("storage: article %d: %w", id, ErrNotFound)
		}
		return model.Article{}, fmt.Errorf("storage: get article %d: %w", id, err)
	}
	return a, nil
}

// ListUnassigned returns articles awaiting clustering with id > afterID,
// oldest first, so callers page through the backlog in ingest order without
// re-reading rows that stayed unassigned.
func (db *DB) ListUnassigned(ctx context.Context, afterID int64, limit int) ([]model.Article, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, issue_id, title, content, source, url, title_hash, published_at, created_at
		 FROM article WHERE issue_id = 0 AND id > $1
		 ORDER BY id
		 LIMIT $2`, afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list unassigned: %w", err)
	}
	defer rows.Close()

	var articles []model.Article
	for rows.Next() {
		var a model.Article
		if err := rows.Scan(&a.ID, &a.IssueID, &a.Title, &a.Content, &a.Source, &a.URL, &a.TitleHash, &a.PublishedAt, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan article: %w", err)
		}
		articles = append(articles, a)
	}
	return articles, rows.Err()
}

// IssueIDByTitleHash returns the issue an already-assigned article with this
// title hash belongs to, or ErrNotFound. Lets the core answer duplicates
// idempotently even if dedup upstream let one through.
func (db *DB) IssueIDByTitleHash(ctx context.Context, hash string) (int64, error) {
	var issueID int64
	err := db.pool.QueryRow(ctx,
		`SELECT issue_id FROM article WHERE title_hash = $1 AND issue_id <> 0 LIMIT 1`,
		hash,
	).Scan(&issueID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("storage: lookup title hash: %w", err)
	}
	return issueID, nil
}

// CountByIssue returns the number of article rows attributed to an issue.
// Used by integrity checks and tests to verify the centroid invariant.
func (db *DB) CountByIssue(ctx context.Context, issueID int64) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM article WHERE issue_id = $1`, issueID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count by issue: %w", err)
	}
	return n, nil
}
