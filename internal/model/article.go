// Package model defines the domain entities shared across the engine:
// articles, issues, and the crawl items produced by feed ingestion.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"
)

// UnassignedIssueID marks an article that has not been clustered yet.
// It must never survive a successful clustering pass.
const UnassignedIssueID int64 = 0

// Article is a single ingested news article. Rows are immutable except for
// issue_id, which is written exactly once by the clustering core.
type Article struct {
	ID          int64      `json:"id"`
	IssueID     int64      `json:"issue_id"`
	Title       string     `json:"title"`
	Content     string     `json:"content"`
	Source      string     `json:"source"`
	URL         string     `json:"url"`
	TitleHash   string     `json:"title_hash"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`

	// Embedding is populated during clustering; nil until then.
	Embedding *pgvector.Vector `json:"-"`
}

// Assigned reports whether the article has already been attached to an issue.
func (a Article) Assigned() bool {
	return a.IssueID != UnassignedIssueID
}

// HashTitle computes the dedup key for an article title: SHA-256 over the
// lower-cased title with surrounding and internal whitespace collapsed, so
// trivially re-formatted duplicates hash identically.
func HashTitle(title string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(title), " "))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
