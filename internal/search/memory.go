package search

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/pgvector/pgvector-go"
)

// MemoryIndex is an exact, brute-force Index over in-memory centroids.
// Used by the test suite and as a fallback for tiny single-node deployments.
type MemoryIndex struct {
	mu      sync.RWMutex
	entries map[int64]Candidate
}

// NewMemoryIndex creates an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{entries: make(map[int64]Candidate)}
}

// Search scans all stored centroids and returns the k most cosine-similar.
func (m *MemoryIndex) Search(_ context.Context, embedding pgvector.Vector, k int) ([]Candidate, error) {
	if k <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	query := embedding.Slice()
	type scored struct {
		cand Candidate
		sim  float64
	}
	all := make([]scored, 0, len(m.entries))
	for _, c := range m.entries {
		all = append(all, scored{cand: c, sim: cosine(query, c.Centroid.Slice())})
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].sim != all[j].sim {
			return all[i].sim > all[j].sim
		}
		return all[i].cand.IssueID < all[j].cand.IssueID
	})

	if len(all) > k {
		all = all[:k]
	}
	out := make([]Candidate, len(all))
	for i, s := range all {
		out[i] = s.cand
	}
	return out, nil
}

// Upsert stores or replaces the centroid for an issue.
func (m *MemoryIndex) Upsert(_ context.Context, issueID int64, centroid pgvector.Vector, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[issueID] = Candidate{IssueID: issueID, Centroid: centroid, UpdatedAt: updatedAt}
	return nil
}

// Len returns the number of indexed issues.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// cosine computes cosine similarity with float64 accumulation.
// Zero-norm inputs yield 0 rather than NaN.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
