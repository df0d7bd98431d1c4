package model

import (
	"time"

	"github.com/pgvector/pgvector-go"
)

// Issue is a live cluster of articles covering the same real-world event.
//
// The centroid is the arithmetic mean of all member article embeddings and is
// never re-normalized. ArticleCount doubles as the optimistic-concurrency
// version for centroid updates: a merge only commits if the count it read is
// still current.
type Issue struct {
	ID           int64     `json:"id"`
	Title        string    `json:"title"`
	Content      string    `json:"content"`
	ArticleCount int       `json:"article_count"`
	StartedAt    time.Time `json:"started_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	CreatedAt    time.Time `json:"created_at"`

	// Centroid is loaded from issue_embedding alongside the issue row.
	Centroid pgvector.Vector `json:"-"`
}
