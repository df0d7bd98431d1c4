// Package cluster implements the online clustering decision core.
//
// For each article it embeds the text, retrieves candidate issues from the
// vector index, scores them with a composite of semantic similarity and time
// decay, applies a per-candidate dynamic threshold and a separability check,
// and either merges the article into the best issue (with a moving-average
// centroid update) or opens a new issue. One pass per article, no global
// re-clustering ever.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/issuelab/issuestream/internal/model"
	"github.com/issuelab/issuestream/internal/search"
	"github.com/issuelab/issuestream/internal/service/embedding"
	"github.com/issuelab/issuestream/internal/storage"
	"github.com/issuelab/issuestream/internal/telemetry"
)

// Params are the scoring and decision knobs.
type Params struct {
	Alpha        float64 // weight of semantic similarity in the composite score
	Beta         float64 // weight of time decay in the composite score
	Lambda       float64 // time-decay rate per hour
	TBase        float64 // base dynamic threshold, in (0, 1)
	TopK         int     // candidate shortlist size
	Dimensions   int     // embedding dimensionality
	MergeRetries int     // bounded retries for optimistic merge conflicts
}

// DefaultParams returns the reference configuration: α=0.7, β=0.3, λ=1/24
// per hour (24h half-life order), T_base=0.5, K=10, D=768.
func DefaultParams() Params {
	return Params{
		Alpha:        0.7,
		Beta:         0.3,
		Lambda:       1.0 / 24,
		TBase:        0.5,
		TopK:         10,
		Dimensions:   768,
		MergeRetries: 3,
	}
}

// Validate checks parameter ranges. α+β=1 is conventional but not required.
func (p Params) Validate() error {
	if p.Alpha < 0 || p.Beta < 0 {
		return fmt.Errorf("cluster: alpha and beta must be non-negative")
	}
	if p.Lambda <= 0 {
		return fmt.Errorf("cluster: lambda must be positive")
	}
	if p.TBase <= 0 || p.TBase >= 1 {
		return fmt.Errorf("cluster: t_base must be in (0, 1)")
	}
	if p.TopK <= 0 {
		return fmt.Errorf("cluster: top_k must be positive")
	}
	if p.Dimensions <= 0 {
		return fmt.Errorf("cluster: dimensions must be positive")
	}
	if p.MergeRetries < 0 {
		return fmt.Errorf("cluster: merge_retries must be non-negative")
	}
	return nil
}

// Store is the authoritative persistence the core decides against.
// *storage.DB implements it; tests use an in-memory fake.
type Store interface {
	// Issue loads fresh issue state including the centroid.
	Issue(ctx context.Context, id int64) (model.Issue, error)

	// CreateIssueWithArticle atomically opens an issue seeded by the
	// article and assigns the article to it.
	CreateIssueWithArticle(ctx context.Context, a model.Article, emb pgvector.Vector, now time.Time) (model.Issue, error)

	// MergeArticle atomically attaches the article to the issue,
	// conditional on article_count still being expectedCount. Returns
	// storage.ErrConflict on a lost race.
	MergeArticle(ctx context.Context, articleID, issueID int64, expectedCount int, centroid, articleEmb pgvector.Vector, now time.Time) error

	// IssueIDByTitleHash resolves a duplicate title to its issue, or
	// storage.ErrNotFound.
	IssueIDByTitleHash(ctx context.Context, hash string) (int64, error)
}

// Outcome is the terminal state of an article's decision.
type Outcome string

const (
	// OutcomeMerged means the article joined an existing issue.
	OutcomeMerged Outcome = "merged"
	// OutcomeCreated means the article opened a new issue.
	OutcomeCreated Outcome = "created"
	// OutcomeDuplicate means the article resolved by title hash to an
	// issue that already absorbed the same story.
	OutcomeDuplicate Outcome = "duplicate"
)

// Decision records how an article was assigned and the quantities behind the
// call, for logging and offline analysis.
type Decision struct {
	ArticleID    int64
	IssueID      int64
	Outcome      Outcome
	Similarity   float64
	TimeWeight   float64
	Score        float64
	Threshold    float64
	Separability float64
	Reason       string
}

// Service is the decision core. It holds no mutable state of its own; all
// shared state lives in the store and the index.
type Service struct {
	store    Store
	index    search.Index
	embedder embedding.Provider
	params   Params
	logger   *slog.Logger

	embedDuration  metric.Float64Histogram
	searchDuration metric.Float64Histogram
	decisions      metric.Int64Counter
}

// New creates the clustering service.
func New(store Store, index search.Index, embedder embedding.Provider, params Params, logger *slog.Logger) (*Service, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	meter := telemetry.Meter("issuestream/cluster")
	embDur, _ := meter.Float64Histogram("issuestream.embed.duration",
		metric.WithDescription("Time to generate article embeddings (ms)"),
		metric.WithUnit("ms"),
	)
	searchDur, _ := meter.Float64Histogram("issuestream.search.duration",
		metric.WithDescription("Time to retrieve candidate issues (ms)"),
		metric.WithUnit("ms"),
	)
	decisions, _ := meter.Int64Counter("issuestream.decisions",
		metric.WithDescription("Clustering decisions by outcome"),
	)

	return &Service{
		store:          store,
		index:          index,
		embedder:       embedder,
		params:         params,
		logger:         logger,
		embedDuration:  embDur,
		searchDuration: searchDur,
		decisions:      decisions,
	}, nil
}

// scoredCandidate pairs a candidate issue with its scoring quantities.
type scoredCandidate struct {
	issue     model.Issue
	sim       float64
	weight    float64
	score     float64
	threshold float64
}

// Process runs the full decision pipeline for one article: embed, retrieve,
// score, threshold, validate, decide, update. It is safe to call for many
// articles concurrently; merges into the same issue serialize through the
// store's optimistic concurrency check.
//
// Errors are recoverable by retrying the article, except those matching
// IsInvariant, which are poison and belong in the dead-letter collector.
func (s *Service) Process(ctx context.Context, a model.Article, now time.Time) (Decision, error) {
	// Assignment is one-shot: an already-clustered article keeps its issue.
	if a.Assigned() {
		d := Decision{ArticleID: a.ID, IssueID: a.IssueID, Outcome: OutcomeDuplicate, Reason: "already assigned"}
		s.finish(ctx, d)
		return d, nil
	}

	emb, vec, err := s.embedArticle(ctx, a)
	if err != nil {
		return Decision{}, err
	}

	// A duplicate title resolves to the issue that already took the story,
	// regardless of scores. Keeps decisions idempotent when upstream dedup
	// lets one through.
	if a.TitleHash == "" {
		a.TitleHash = model.HashTitle(a.Title)
	}
	if issueID, err := s.store.IssueIDByTitleHash(ctx, a.TitleHash); err == nil {
		d, err := s.merge(ctx, a, issueID, emb, vec, now)
		if err != nil {
			return Decision{}, err
		}
		d.Outcome = OutcomeDuplicate
		d.Reason = "duplicate title"
		s.finish(ctx, d)
		return d, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return Decision{}, fmt.Errorf("cluster: duplicate lookup: %w", err)
	}

	candidates, err := s.retrieve(ctx, emb)
	if err != nil {
		return Decision{}, err
	}

	scored, err := s.score(ctx, candidates, vec, now)
	if err != nil {
		return Decision{}, err
	}

	// No live candidates: cold start or empty shortlist. Open a new issue.
	if len(scored) == 0 {
		d, err := s.create(ctx, a, emb, now, "no candidates")
		if err != nil {
			return Decision{}, err
		}
		s.finish(ctx, d)
		return d, nil
	}

	best := scored[0]

	// With a single candidate the separability check is bypassed.
	sep := 1.0
	if len(scored) > 1 {
		sep = separability(best.sim, scored[1].sim)
	}

	d := Decision{
		ArticleID:    a.ID,
		Similarity:   best.sim,
		TimeWeight:   best.weight,
		Score:        best.score,
		Threshold:    best.threshold,
		Separability: sep,
	}

	// Raw similarity must clear T_base on its own: recency never rescues a
	// weak semantic match.
	if best.sim >= s.params.TBase && best.score >= best.threshold && sep > 0 {
		merged, err := s.merge(ctx, a, best.issue.ID, emb, vec, now)
		if err != nil {
			return Decision{}, err
		}
		d.IssueID = merged.IssueID
		d.Outcome = OutcomeMerged
		d.Reason = "score above dynamic threshold"
	} else {
		created, err := s.create(ctx, a, emb, now, rejectReason(best, sep, s.params.TBase))
		if err != nil {
			return Decision{}, err
		}
		d.IssueID = created.IssueID
		d.Outcome = OutcomeCreated
		d.Reason = created.Reason
	}

	s.finish(ctx, d)
	return d, nil
}

// embedArticle obtains the article embedding, validates it, and unit-
// normalizes it. Reuses a pre-computed embedding when the event already
// carries one (replays).
func (s *Service) embedArticle(ctx context.Context, a model.Article) (pgvector.Vector, []float32, error) {
	var emb pgvector.Vector
	if a.Embedding != nil {
		emb = *a.Embedding
	} else {
		start := time.Now()
		var err error
		emb, err = s.embedder.Embed(ctx, a.Title, a.Content)
		s.embedDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
		if err != nil {
			return pgvector.Vector{}, nil, fmt.Errorf("cluster: embed article %d: %w", a.ID, err)
		}
	}

	vec := emb.Slice()
	if len(vec) != s.params.Dimensions {
		return pgvector.Vector{}, nil, &InvariantError{
			Reason: fmt.Sprintf("embedding dimension %d, want %d", len(vec), s.params.Dimensions),
		}
	}
	for _, x := range vec {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return pgvector.Vector{}, nil, &InvariantError{Reason: "embedding contains NaN or Inf"}
		}
	}

	normalize(vec)
	return pgvector.NewVector(vec), vec, nil
}

// retrieve asks the index for the top-K shortlist. An empty index is not an
// error; an unreachable one is.
func (s *Service) retrieve(ctx context.Context, emb pgvector.Vector) ([]search.Candidate, error) {
	start := time.Now()
	candidates, err := s.index.Search(ctx, emb, s.params.TopK)
	s.searchDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	if err != nil {
		return nil, fmt.Errorf("cluster: retrieve candidates: %w", err)
	}
	return candidates, nil
}

// score re-reads each candidate's issue row (the index copy may be stale),
// computes similarity, time weight, composite score, and per-candidate
// dynamic threshold, then ranks deterministically: score desc, more recent
// updated_at first, larger article_count first, smaller id first.
func (s *Service) score(ctx context.Context, candidates []search.Candidate, vec []float32, now time.Time) ([]scoredCandidate, error) {
	scored := make([]scoredCandidate, 0, len(candidates))
	for _, c := range candidates {
		issue, err := s.store.Issue(ctx, c.IssueID)
		if errors.Is(err, storage.ErrNotFound) {
			// The index can briefly reference an issue the authoritative
			// store no longer has; skip it.
			s.logger.Warn("candidate issue missing, skipping", "issue_id", c.IssueID)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("cluster: read candidate issue %d: %w", c.IssueID, err)
		}
		if issue.ArticleCount < 1 {
			return nil, &InvariantError{Reason: fmt.Sprintf("issue %d has article_count %d", issue.ID, issue.ArticleCount)}
		}

		sim := cosine(vec, issue.Centroid.Slice())
		w := timeWeight(s.params.Lambda, now.Sub(issue.UpdatedAt))
		scored = append(scored, scoredCandidate{
			issue:     issue,
			sim:       sim,
			weight:    w,
			score:     s.params.Alpha*sim + s.params.Beta*w,
			threshold: dynamicThreshold(s.params.TBase, w),
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return rankBefore(scored[i], scored[j])
	})
	return scored, nil
}

// rankBefore orders candidates for the merge decision: score desc, then more
// recent updated_at, then larger article_count, then smaller id. Total and
// deterministic, so replays with the same shortlist decide identically.
func rankBefore(a, b scoredCandidate) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	if !a.issue.UpdatedAt.Equal(b.issue.UpdatedAt) {
		return a.issue.UpdatedAt.After(b.issue.UpdatedAt)
	}
	if a.issue.ArticleCount != b.issue.ArticleCount {
		return a.issue.ArticleCount > b.issue.ArticleCount
	}
	return a.issue.ID < b.issue.ID
}

// merge applies the moving-average centroid update under the store's
// optimistic concurrency check, re-reading fresh issue state after each lost
// race, up to the bounded retry budget.
func (s *Service) merge(ctx context.Context, a model.Article, issueID int64, emb pgvector.Vector, vec []float32, now time.Time) (Decision, error) {
	issue, err := s.store.Issue(ctx, issueID)
	if err != nil {
		return Decision{}, fmt.Errorf("cluster: read issue %d: %w", issueID, err)
	}

	var newCentroid []float32
	for attempt := 0; ; attempt++ {
		if issue.ArticleCount < 1 {
			return Decision{}, &InvariantError{Reason: fmt.Sprintf("issue %d has article_count %d", issue.ID, issue.ArticleCount)}
		}
		if len(issue.Centroid.Slice()) != len(vec) {
			return Decision{}, &InvariantError{
				Reason: fmt.Sprintf("issue %d centroid dimension %d, want %d", issue.ID, len(issue.Centroid.Slice()), len(vec)),
			}
		}

		newCentroid = updateCentroid(issue.Centroid.Slice(), issue.ArticleCount, vec)
		err = s.store.MergeArticle(ctx, a.ID, issue.ID, issue.ArticleCount, pgvector.NewVector(newCentroid), emb, now)
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrConflict) {
			return Decision{}, fmt.Errorf("cluster: merge article %d into issue %d: %w", a.ID, issue.ID, err)
		}
		if attempt >= s.params.MergeRetries {
			return Decision{}, fmt.Errorf("cluster: merge article %d into issue %d after %d retries: %w",
				a.ID, issue.ID, s.params.MergeRetries, err)
		}
		issue, err = s.store.Issue(ctx, issueID)
		if err != nil {
			return Decision{}, fmt.Errorf("cluster: reread issue %d: %w", issueID, err)
		}
	}

	// The relational store committed; the index copy is reconciliation
	// only, so a failed upsert is logged, not fatal.
	if err := s.index.Upsert(ctx, issue.ID, pgvector.NewVector(newCentroid), now); err != nil {
		s.logger.Warn("index upsert after merge failed", "issue_id", issue.ID, "error", err)
	}

	return Decision{ArticleID: a.ID, IssueID: issue.ID, Outcome: OutcomeMerged}, nil
}

// create opens a new issue whose centroid is the article embedding itself.
func (s *Service) create(ctx context.Context, a model.Article, emb pgvector.Vector, now time.Time, reason string) (Decision, error) {
	issue, err := s.store.CreateIssueWithArticle(ctx, a, emb, now)
	if err != nil {
		return Decision{}, fmt.Errorf("cluster: create issue for article %d: %w", a.ID, err)
	}

	if err := s.index.Upsert(ctx, issue.ID, emb, now); err != nil {
		s.logger.Warn("index upsert after create failed", "issue_id", issue.ID, "error", err)
	}

	return Decision{ArticleID: a.ID, IssueID: issue.ID, Outcome: OutcomeCreated, Reason: reason}, nil
}

// finish emits the decision log line and metric.
func (s *Service) finish(ctx context.Context, d Decision) {
	s.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(d.Outcome))))
	s.logger.Info("clustering decision",
		"article_id", d.ArticleID,
		"issue_id", d.IssueID,
		"outcome", string(d.Outcome),
		"score", d.Score,
		"threshold", d.Threshold,
		"similarity", d.Similarity,
		"separability", d.Separability,
		"reason", d.Reason,
	)
}

func rejectReason(best scoredCandidate, sep, tBase float64) string {
	if best.sim < tBase {
		return "similarity below base threshold"
	}
	if best.score < best.threshold {
		return "score below dynamic threshold"
	}
	if sep <= 0 {
		return "not separable from neighbor"
	}
	return "rejected"
}
