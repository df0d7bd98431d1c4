package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/issuelab/issuestream/internal/model"
)

// Issue loads an issue row together with its centroid.
func (db *DB) Issue(ctx context.Context, id int64) (model.Issue, error) {
	var i model.Issue
	err := db.pool.QueryRow(ctx,
		`SELECT i.id, i.title, i.content, i.article_count, i.started_at, i.updated_at, i.created_at, ie.dense
		 FROM issue i
		 JOIN issue_embedding ie ON ie.issue_id = i.id
		 WHERE i.id = $1`, id,
	).Scan(&i.ID, &i.Title, &i.Content, &i.ArticleCount, &i.StartedAt, &i.UpdatedAt, &i.CreatedAt, &i.Centroid)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Issue{}, fmt.Errorf("storage: issue %d: %w", id, ErrNotFound)
		}
		return model.Issue{}, fmt.Errorf("storage: get issue %d: %w", id, err)
	}
	return i, nil
}

// CreateIssueWithArticle opens a new issue seeded by the given article and
// assigns the article to it, all in one transaction: the issue row, its
// centroid (the article embedding itself), the article's issue_id, and the
// article_embedding row commit together or not at all.
func (db *DB) CreateIssueWithArticle(ctx context.Context, a model.Article, emb pgvector.Vector, now time.Time) (model.Issue, error) {
	var issue model.Issue

	err := WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		issue = model.Issue{
			Title:        a.Title,
			Content:      a.Content,
			ArticleCount: 1,
			StartedAt:    now,
			UpdatedAt:    now,
			CreatedAt:    now,
			Centroid:     emb,
		}
		err = tx.QueryRow(ctx,
			`INSERT INTO issue (title, content, article_count, started_at, updated_at, created_at)
			 VALUES ($1, $2, 1, $3, $3, $3)
			 RETURNING id`,
			issue.Title, issue.Content, now,
		).Scan(&issue.ID)
		if err != nil {
			return fmt.Errorf("storage: insert issue: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO issue_embedding (issue_id, dense, created_at) VALUES ($1, $2, $3)`,
			issue.ID, emb, now,
		); err != nil {
			return fmt.Errorf("storage: insert issue embedding: %w", err)
		}

		if err := assignArticleTx(ctx, tx, a.ID, issue.ID, emb, now); err != nil {
			return err
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return model.Issue{}, err
	}
	return issue, nil
}

// MergeArticle attaches an article to an existing issue with an optimistic
// concurrency check: the update only applies while article_count still equals
// expectedCount. On a lost race it returns ErrConflict and the caller retries
// against fresh issue state, so the centroid stays the exact mean of members
// regardless of commit order.
func (db *DB) MergeArticle(ctx context.Context, articleID, issueID int64, expectedCount int, centroid pgvector.Vector, articleEmb pgvector.Vector, now time.Time) error {
	return WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		// updated_at never goes backwards, even if a delayed merge commits
		// with an older event time.
		tag, err := tx.Exec(ctx,
			`UPDATE issue
			 SET article_count = article_count + 1,
			     updated_at = GREATEST(updated_at, $1)
			 WHERE id = $2 AND article_count = $3`,
			now, issueID, expectedCount,
		)
		if err != nil {
			return fmt.Errorf("storage: update issue %d: %w", issueID, err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM issue WHERE id = $1)`, issueID).Scan(&exists); err != nil {
				return fmt.Errorf("storage: check issue %d: %w", issueID, err)
			}
			if !exists {
				return fmt.Errorf("storage: issue %d: %w", issueID, ErrNotFound)
			}
			return ErrConflict
		}

		if _, err := tx.Exec(ctx,
			`UPDATE issue_embedding SET dense = $1 WHERE issue_id = $2`,
			centroid, issueID,
		); err != nil {
			return fmt.Errorf("storage: update issue embedding %d: %w", issueID, err)
		}

		if err := assignArticleTx(ctx, tx, articleID, issueID, articleEmb, now); err != nil {
			return err
		}

		return tx.Commit(ctx)
	})
}

// assignArticleTx writes the article's one-time issue assignment and its
// embedding row. The issue_id = 0 guard makes assignment exactly-once.
func assignArticleTx(ctx context.Context, tx pgx.Tx, articleID, issueID int64, emb pgvector.Vector, now time.Time) error {
	tag, err := tx.Exec(ctx,
		`UPDATE article SET issue_id = $1 WHERE id = $2 AND issue_id = 0`,
		issueID, articleID,
	)
	if err != nil {
		return fmt.Errorf("storage: assign article %d: %w", articleID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: article %d already assigned: %w", articleID, ErrDuplicate)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO article_embedding (article_id, dense, created_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (article_id) DO NOTHING`,
		articleID, emb, now,
	); err != nil {
		return fmt.Errorf("storage: insert article embedding %d: %w", articleID, err)
	}
	return nil
}

// ListIssues returns all issues, most recently updated first.
func (db *DB) ListIssues(ctx context.Context) ([]model.Issue, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT i.id, i.title, i.content, i.article_count, i.started_at, i.updated_at, i.created_at, ie.dense
		 FROM issue i
		 JOIN issue_embedding ie ON ie.issue_id = i.id
		 ORDER BY i.updated_at DESC, i.id`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list issues: %w", err)
	}
	defer rows.Close()

	var issues []model.Issue
	for rows.Next() {
		var i model.Issue
		if err := rows.Scan(&i.ID, &i.Title, &i.Content, &i.ArticleCount, &i.StartedAt, &i.UpdatedAt, &i.CreatedAt, &i.Centroid); err != nil {
			return nil, fmt.Errorf("storage: scan issue: %w", err)
		}
		issues = append(issues, i)
	}
	return issues, rows.Err()
}
