package cluster_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/issuelab/issuestream/internal/model"
	"github.com/issuelab/issuestream/internal/search"
	"github.com/issuelab/issuestream/internal/service/cluster"
	"github.com/issuelab/issuestream/internal/storage"
	"github.com/issuelab/issuestream/internal/testutil"
)

// fakeStore is an in-memory Store with the same optimistic concurrency
// semantics as the Postgres implementation.
type fakeStore struct {
	mu          sync.Mutex
	issues      map[int64]model.Issue
	assignments map[int64]int64 // article ID -> issue ID
	byHash      map[string]int64
	nextID      int64

	// forceConflicts makes every MergeArticle fail with ErrConflict.
	forceConflicts bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		issues:      make(map[int64]model.Issue),
		assignments: make(map[int64]int64),
		byHash:      make(map[string]int64),
	}
}

func (f *fakeStore) addIssue(id int64, centroid []float32, count int, updatedAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issues[id] = model.Issue{
		ID:           id,
		Title:        fmt.Sprintf("issue %d", id),
		ArticleCount: count,
		StartedAt:    updatedAt.Add(-time.Hour),
		UpdatedAt:    updatedAt,
		CreatedAt:    updatedAt.Add(-time.Hour),
		Centroid:     pgvector.NewVector(centroid),
	}
	if id >= f.nextID {
		f.nextID = id + 1
	}
}

func (f *fakeStore) Issue(_ context.Context, id int64) (model.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue, ok := f.issues[id]
	if !ok {
		return model.Issue{}, storage.ErrNotFound
	}
	return issue, nil
}

func (f *fakeStore) CreateIssueWithArticle(_ context.Context, a model.Article, emb pgvector.Vector, now time.Time) (model.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	issue := model.Issue{
		ID:           f.nextID,
		Title:        a.Title,
		Content:      a.Content,
		ArticleCount: 1,
		StartedAt:    now,
		UpdatedAt:    now,
		CreatedAt:    now,
		Centroid:     emb,
	}
	f.issues[issue.ID] = issue
	f.assignments[a.ID] = issue.ID
	f.byHash[a.TitleHash] = issue.ID
	return issue, nil
}

func (f *fakeStore) MergeArticle(_ context.Context, articleID, issueID int64, expectedCount int, centroid, _ pgvector.Vector, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.forceConflicts {
		return storage.ErrConflict
	}
	issue, ok := f.issues[issueID]
	if !ok {
		return storage.ErrNotFound
	}
	if issue.ArticleCount != expectedCount {
		return storage.ErrConflict
	}
	issue.ArticleCount++
	issue.Centroid = centroid
	if now.After(issue.UpdatedAt) {
		issue.UpdatedAt = now
	}
	f.issues[issueID] = issue
	f.assignments[articleID] = issueID
	return nil
}

func (f *fakeStore) IssueIDByTitleHash(_ context.Context, hash string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.byHash[hash]; ok {
		return id, nil
	}
	return 0, storage.ErrNotFound
}

// stubEmbedder returns a fixed vector per title.
type stubEmbedder struct {
	dims    int
	vectors map[string][]float32
	err     error
}

func (s *stubEmbedder) Embed(_ context.Context, title, _ string) (pgvector.Vector, error) {
	if s.err != nil {
		return pgvector.Vector{}, s.err
	}
	v, ok := s.vectors[title]
	if !ok {
		return pgvector.Vector{}, fmt.Errorf("no stub vector for %q", title)
	}
	out := make([]float32, len(v))
	copy(out, v)
	return pgvector.NewVector(out), nil
}

func (s *stubEmbedder) Dimensions() int { return s.dims }

func unit(v ...float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	mag := float32(math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / mag
	}
	return out
}

func testParams() cluster.Params {
	p := cluster.DefaultParams()
	p.Lambda = 1 // per hour, matches the reference scenarios
	p.Dimensions = 3
	return p
}

func newService(t *testing.T, store cluster.Store, index search.Index, emb *stubEmbedder, params cluster.Params) *cluster.Service {
	t.Helper()
	svc, err := cluster.New(store, index, emb, params, testutil.TestLogger())
	require.NoError(t, err)
	return svc
}

func seedIndex(t *testing.T, index search.Index, store *fakeStore) {
	t.Helper()
	for id, issue := range store.issues {
		require.NoError(t, index.Upsert(context.Background(), id, issue.Centroid, issue.UpdatedAt))
	}
}

func TestFreshMerge(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	store.addIssue(1, []float32{1, 0, 0}, 5, now)
	index := search.NewMemoryIndex()
	seedIndex(t, index, store)

	emb := &stubEmbedder{dims: 3, vectors: map[string][]float32{"a": {1, 0, 0}}}
	svc := newService(t, store, index, emb, testParams())

	d, err := svc.Process(context.Background(), model.Article{ID: 100, Title: "a"}, now)
	require.NoError(t, err)

	assert.Equal(t, cluster.OutcomeMerged, d.Outcome)
	assert.Equal(t, int64(1), d.IssueID)
	assert.InDelta(t, 1.0, d.Similarity, 1e-6)
	assert.InDelta(t, 1.0, d.TimeWeight, 1e-9)
	assert.InDelta(t, 1.0, d.Score, 1e-6)
	assert.InDelta(t, 0.5, d.Threshold, 1e-9)
	assert.InDelta(t, 1.0, d.Separability, 1e-9) // single candidate, check bypassed

	issue, err := store.Issue(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 6, issue.ArticleCount)
	for i, want := range []float64{1, 0, 0} {
		assert.InDelta(t, want, float64(issue.Centroid.Slice()[i]), 1e-6)
	}
}

func TestAgedRejection(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	store.addIssue(1, []float32{1, 0, 0}, 5, now.Add(-10*time.Hour))
	index := search.NewMemoryIndex()
	seedIndex(t, index, store)

	emb := &stubEmbedder{dims: 3, vectors: map[string][]float32{"a": {1, 0, 0}}}
	svc := newService(t, store, index, emb, testParams())

	d, err := svc.Process(context.Background(), model.Article{ID: 100, Title: "a"}, now)
	require.NoError(t, err)

	// W_time = e^-10 pushes the threshold to ~1 while the score caps at
	// ~0.7: a perfect semantic match still cannot revive a stale issue.
	assert.Equal(t, cluster.OutcomeCreated, d.Outcome)
	assert.NotEqual(t, int64(1), d.IssueID)
	assert.InDelta(t, 0.7, d.Score, 1e-3)
	assert.Greater(t, d.Threshold, 0.99)

	issue, err := store.Issue(context.Background(), d.IssueID)
	require.NoError(t, err)
	assert.Equal(t, 1, issue.ArticleCount)
}

func TestSeparabilityDecidesBetweenCloseIssues(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	setup := func(t *testing.T) (*fakeStore, *search.MemoryIndex) {
		store := newFakeStore()
		store.addIssue(1, []float32{1, 0, 0}, 4, now)
		store.addIssue(2, []float32{0, 1, 0}, 4, now)
		index := search.NewMemoryIndex()
		seedIndex(t, index, store)
		return store, index
	}

	t.Run("clear winner merges", func(t *testing.T) {
		store, index := setup(t)
		emb := &stubEmbedder{dims: 3, vectors: map[string][]float32{"a": unit(0.995, 0.1, 0)}}
		svc := newService(t, store, index, emb, testParams())

		d, err := svc.Process(context.Background(), model.Article{ID: 100, Title: "a"}, now)
		require.NoError(t, err)
		assert.Equal(t, cluster.OutcomeMerged, d.Outcome)
		assert.Equal(t, int64(1), d.IssueID)
		assert.Positive(t, d.Separability)
	})

	t.Run("bisector article opens a new issue", func(t *testing.T) {
		store, index := setup(t)
		// Exactly between the two centroids: equal similarity both ways,
		// separability 0, merge vetoed even though the score clears the
		// threshold.
		emb := &stubEmbedder{dims: 3, vectors: map[string][]float32{"a": unit(1, 1, 0)}}
		svc := newService(t, store, index, emb, testParams())

		d, err := svc.Process(context.Background(), model.Article{ID: 100, Title: "a"}, now)
		require.NoError(t, err)
		assert.Equal(t, cluster.OutcomeCreated, d.Outcome)
		assert.InDelta(t, 0.0, d.Separability, 1e-6)
		assert.GreaterOrEqual(t, d.Score, d.Threshold)
	})
}

func TestColdStart(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	index := search.NewMemoryIndex()

	emb := &stubEmbedder{dims: 3, vectors: map[string][]float32{"a": {0, 0, 1}}}
	svc := newService(t, store, index, emb, testParams())

	d, err := svc.Process(context.Background(), model.Article{ID: 100, Title: "a"}, now)
	require.NoError(t, err)

	assert.Equal(t, cluster.OutcomeCreated, d.Outcome)
	issue, err := store.Issue(context.Background(), d.IssueID)
	require.NoError(t, err)
	assert.Equal(t, 1, issue.ArticleCount)
	assert.Equal(t, now, issue.StartedAt)
	assert.Equal(t, now, issue.UpdatedAt)
	for i, want := range []float64{0, 0, 1} {
		assert.InDelta(t, want, float64(issue.Centroid.Slice()[i]), 1e-6)
	}

	// The new centroid must be retrievable for the next article.
	assert.Equal(t, 1, index.Len())
}

func TestMovingAverageAcrossMerges(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	index := search.NewMemoryIndex()

	// Related-but-distinct fresh articles; the point here is centroid
	// arithmetic across successive merges.
	params := testParams()
	params.TBase = 0.2

	va := []float32{1, 0, 0}
	vb := unit(1, 1, 0)
	vc := unit(1, 0, 1)
	emb := &stubEmbedder{dims: 3, vectors: map[string][]float32{
		"a": va, "b": vb, "c": vc,
	}}
	svc := newService(t, store, index, emb, params)

	ctx := context.Background()
	d1, err := svc.Process(ctx, model.Article{ID: 1, Title: "a"}, now)
	require.NoError(t, err)
	require.Equal(t, cluster.OutcomeCreated, d1.Outcome)

	d2, err := svc.Process(ctx, model.Article{ID: 2, Title: "b"}, now)
	require.NoError(t, err)
	require.Equal(t, cluster.OutcomeMerged, d2.Outcome)
	require.Equal(t, d1.IssueID, d2.IssueID)

	d3, err := svc.Process(ctx, model.Article{ID: 3, Title: "c"}, now)
	require.NoError(t, err)
	require.Equal(t, cluster.OutcomeMerged, d3.Outcome)

	issue, err := store.Issue(ctx, d1.IssueID)
	require.NoError(t, err)
	assert.Equal(t, 3, issue.ArticleCount)
	for i := range 3 {
		want := (float64(va[i]) + float64(vb[i]) + float64(vc[i])) / 3
		assert.InDelta(t, want, float64(issue.Centroid.Slice()[i]), 1e-5)
	}
}

func TestLowSimilarityFreshCandidateCreates(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	store.addIssue(1, []float32{1, 0, 0}, 5, now)
	index := search.NewMemoryIndex()
	seedIndex(t, index, store)

	// cos = 0.49, just under T_base. The composite score still clears the
	// fresh threshold (0.7·0.49 + 0.3 = 0.643 ≥ 0.5), but a weak semantic
	// match must not ride the time component into a merge.
	sim := float32(0.49)
	article := unit(sim, float32(math.Sqrt(float64(1-sim*sim))), 0)
	emb := &stubEmbedder{dims: 3, vectors: map[string][]float32{"a": article}}
	svc := newService(t, store, index, emb, testParams())

	d, err := svc.Process(context.Background(), model.Article{ID: 100, Title: "a"}, now)
	require.NoError(t, err)

	assert.Equal(t, cluster.OutcomeCreated, d.Outcome)
	assert.NotEqual(t, int64(1), d.IssueID)
	assert.Less(t, d.Similarity, 0.5)
	assert.GreaterOrEqual(t, d.Score, d.Threshold)
	assert.Equal(t, "similarity below base threshold", d.Reason)

	issue, err := store.Issue(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 5, issue.ArticleCount)
}

func TestPrecomputedEmbeddingReplay(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	store.addIssue(1, []float32{1, 0, 0}, 5, now)
	index := search.NewMemoryIndex()
	seedIndex(t, index, store)

	// The embedder is broken; a replayed article carrying its embedding
	// must never reach it.
	emb := &stubEmbedder{dims: 3, err: errors.New("model unavailable")}
	svc := newService(t, store, index, emb, testParams())

	vec := pgvector.NewVector([]float32{1, 0, 0})
	d, err := svc.Process(context.Background(), model.Article{ID: 100, Title: "a", Embedding: &vec}, now)
	require.NoError(t, err)

	assert.Equal(t, cluster.OutcomeMerged, d.Outcome)
	assert.Equal(t, int64(1), d.IssueID)
	assert.InDelta(t, 1.0, d.Similarity, 1e-6)
}

func TestConcurrentMergesKeepCentroidMean(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	centroid := unit(1, 0.02, 0.02)
	store.addIssue(1, centroid, 10, now)
	index := search.NewMemoryIndex()
	seedIndex(t, index, store)

	v1 := unit(1, 0.01, 0)
	v2 := unit(1, 0, 0.01)
	emb := &stubEmbedder{dims: 3, vectors: map[string][]float32{"a1": v1, "a2": v2}}
	svc := newService(t, store, index, emb, testParams())

	var wg sync.WaitGroup
	errs := make([]error, 2)
	decisions := make([]cluster.Decision, 2)
	for i, title := range []string{"a1", "a2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decisions[i], errs[i] = svc.Process(context.Background(), model.Article{ID: int64(100 + i), Title: title}, now)
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, cluster.OutcomeMerged, decisions[0].Outcome)
	assert.Equal(t, cluster.OutcomeMerged, decisions[1].Outcome)

	issue, err := store.Issue(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 12, issue.ArticleCount)

	// (10·C + A1 + A2) / 12, independent of commit order.
	for i := range 3 {
		want := (10*float64(centroid[i]) + float64(v1[i]) + float64(v2[i])) / 12
		assert.InDelta(t, want, float64(issue.Centroid.Slice()[i]), 1e-5)
	}
}

func TestDuplicateTitleIsIdempotent(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	index := search.NewMemoryIndex()

	emb := &stubEmbedder{dims: 3, vectors: map[string][]float32{"breaking story": {1, 0, 0}}}
	svc := newService(t, store, index, emb, testParams())

	ctx := context.Background()
	first, err := svc.Process(ctx, model.Article{ID: 1, Title: "breaking story"}, now)
	require.NoError(t, err)
	require.Equal(t, cluster.OutcomeCreated, first.Outcome)

	second, err := svc.Process(ctx, model.Article{ID: 2, Title: "breaking story"}, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, cluster.OutcomeDuplicate, second.Outcome)
	assert.Equal(t, first.IssueID, second.IssueID)
}

func TestAlreadyAssignedArticleIsUntouched(t *testing.T) {
	store := newFakeStore()
	index := search.NewMemoryIndex()
	emb := &stubEmbedder{dims: 3, vectors: map[string][]float32{}}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	svc, err := cluster.New(store, index, emb, testParams(), logger)
	require.NoError(t, err)

	d, err := svc.Process(context.Background(), model.Article{ID: 1, IssueID: 42, Title: "a"}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, cluster.OutcomeDuplicate, d.Outcome)
	assert.Equal(t, int64(42), d.IssueID)

	// This terminal path emits a decision line like every other one.
	assert.Contains(t, buf.String(), "clustering decision")
	assert.Contains(t, buf.String(), "already assigned")
}

func TestInvariantViolations(t *testing.T) {
	now := time.Now().UTC()
	store := newFakeStore()
	index := search.NewMemoryIndex()

	t.Run("dimension mismatch", func(t *testing.T) {
		emb := &stubEmbedder{dims: 3, vectors: map[string][]float32{"a": {1, 0}}}
		svc := newService(t, store, index, emb, testParams())

		_, err := svc.Process(context.Background(), model.Article{ID: 1, Title: "a"}, now)
		require.Error(t, err)
		assert.True(t, cluster.IsInvariant(err))
	})

	t.Run("NaN in embedding", func(t *testing.T) {
		emb := &stubEmbedder{dims: 3, vectors: map[string][]float32{"a": {float32(math.NaN()), 0, 1}}}
		svc := newService(t, store, index, emb, testParams())

		_, err := svc.Process(context.Background(), model.Article{ID: 1, Title: "a"}, now)
		require.Error(t, err)
		assert.True(t, cluster.IsInvariant(err))
	})
}

func TestEmbedderErrorPropagates(t *testing.T) {
	store := newFakeStore()
	index := search.NewMemoryIndex()
	emb := &stubEmbedder{dims: 3, err: errors.New("model unavailable")}
	svc := newService(t, store, index, emb, testParams())

	_, err := svc.Process(context.Background(), model.Article{ID: 1, Title: "a"}, time.Now())
	require.Error(t, err)
	assert.False(t, cluster.IsInvariant(err))
	assert.Contains(t, err.Error(), "embed")
}

func TestMergeRetriesExhausted(t *testing.T) {
	now := time.Now().UTC()
	store := newFakeStore()
	store.addIssue(1, []float32{1, 0, 0}, 5, now)
	store.forceConflicts = true
	index := search.NewMemoryIndex()
	seedIndex(t, index, store)

	emb := &stubEmbedder{dims: 3, vectors: map[string][]float32{"a": {1, 0, 0}}}
	svc := newService(t, store, index, emb, testParams())

	_, err := svc.Process(context.Background(), model.Article{ID: 1, Title: "a"}, now)
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrConflict)
	assert.False(t, cluster.IsInvariant(err))
}

func TestStaleIndexEntryIsSkipped(t *testing.T) {
	now := time.Now().UTC()
	store := newFakeStore()
	index := search.NewMemoryIndex()
	// Index references an issue the store doesn't have.
	require.NoError(t, index.Upsert(context.Background(), 99, pgvector.NewVector([]float32{1, 0, 0}), now))

	emb := &stubEmbedder{dims: 3, vectors: map[string][]float32{"a": {1, 0, 0}}}
	svc := newService(t, store, index, emb, testParams())

	d, err := svc.Process(context.Background(), model.Article{ID: 1, Title: "a"}, now)
	require.NoError(t, err)
	assert.Equal(t, cluster.OutcomeCreated, d.Outcome)
}
