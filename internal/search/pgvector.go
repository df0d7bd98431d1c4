package search

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PgVectorIndex implements Index directly on the issue_embedding table using
// pgvector's cosine-distance operator. With this backend the index and the
// authoritative store share one database, so retrieval never goes stale.
type PgVectorIndex struct {
	pool *pgxpool.Pool
}

// NewPgVectorIndex creates an Index backed by the issue_embedding table.
func NewPgVectorIndex(pool *pgxpool.Pool) *PgVectorIndex {
	return &PgVectorIndex{pool: pool}
}

// Search returns the k issues whose centroid is nearest the embedding.
// `<=>` is cosine distance, so ascending order means most similar first.
func (p *PgVectorIndex) Search(ctx context.Context, embedding pgvector.Vector, k int) ([]Candidate, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT ie.issue_id, ie.dense, i.updated_at
		 FROM issue_embedding ie
		 JOIN issue i ON i.id = ie.issue_id
		 ORDER BY ie.dense <=> $1
		 LIMIT $2`,
		embedding, k,
	)
	if err != nil {
		return nil, fmt.Errorf("search: pgvector query: %w", err)
	}
	defer rows.Close()

	var candidates []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.IssueID, &c.Centroid, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("search: scan candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search: iterate candidates: %w", err)
	}
	return candidates, nil
}

// Upsert writes the centroid row. The merge/create transactions already
// maintain issue_embedding, so this is an idempotent re-write of the same
// values; it exists so all Index backends share one reconciliation path.
func (p *PgVectorIndex) Upsert(ctx context.Context, issueID int64, centroid pgvector.Vector, _ time.Time) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO issue_embedding (issue_id, dense)
		 VALUES ($1, $2)
		 ON CONFLICT (issue_id) DO UPDATE SET dense = EXCLUDED.dense`,
		issueID, centroid,
	)
	if err != nil {
		return fmt.Errorf("search: pgvector upsert issue %d: %w", issueID, err)
	}
	return nil
}
