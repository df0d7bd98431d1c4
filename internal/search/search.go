// Package search provides candidate retrieval over issue centroids.
//
// The clustering core only needs a shortlist of nearby issues; scoring and
// the merge decision are recomputed against the relational store, which is
// authoritative. Implementations may be exact (pgvector, in-memory) or
// approximate (Qdrant) — the core tolerates approximate neighbors and
// shortlists shorter than k, including empty ones.
package search

import (
	"context"
	"time"

	"github.com/pgvector/pgvector-go"
)

// Candidate is one entry of the retrieval shortlist: an issue centroid close
// to the query embedding. UpdatedAt is the index's copy and may lag the
// relational store; callers re-read the issue row before deciding.
type Candidate struct {
	IssueID   int64
	Centroid  pgvector.Vector
	UpdatedAt time.Time
}

// Index is the vector index over issue centroids.
// Implementations must be safe for concurrent use.
type Index interface {
	// Search returns up to k issues nearest to the embedding by cosine
	// similarity, most similar first. An empty result is not an error.
	Search(ctx context.Context, embedding pgvector.Vector, k int) ([]Candidate, error)

	// Upsert writes an issue's centroid to the index. Called after the
	// relational transaction commits; the index is reconciled from the
	// relational store, never the other way around.
	Upsert(ctx context.Context, issueID int64, centroid pgvector.Vector, updatedAt time.Time) error
}
