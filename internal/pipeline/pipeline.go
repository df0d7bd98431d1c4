// Package pipeline wires ingestion and clustering into the one-shot run the
// binary executes: fetch feeds, persist new articles, then cluster every
// unassigned article with bounded parallelism.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/issuelab/issuestream/internal/deadletter"
	"github.com/issuelab/issuestream/internal/feed"
	"github.com/issuelab/issuestream/internal/model"
	"github.com/issuelab/issuestream/internal/service/cluster"
	"github.com/issuelab/issuestream/internal/storage"
)

// clusterBatchSize bounds how many unassigned articles are loaded per pass.
const clusterBatchSize = 500

// Pipeline runs one full ingest-and-cluster cycle.
type Pipeline struct {
	db             *storage.DB
	fetcher        *feed.Fetcher
	cluster        *cluster.Service
	deadLetters    *deadletter.Store
	logger         *slog.Logger
	workers        int
	articleTimeout time.Duration
}

// New creates a Pipeline. deadLetters may be nil, in which case poison
// articles are only logged.
func New(db *storage.DB, fetcher *feed.Fetcher, clusterSvc *cluster.Service, deadLetters *deadletter.Store, workers int, articleTimeout time.Duration, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		db:             db,
		fetcher:        fetcher,
		cluster:        clusterSvc,
		deadLetters:    deadLetters,
		logger:         logger,
		workers:        workers,
		articleTimeout: articleTimeout,
	}
}

// Result summarizes one run.
type Result struct {
	Fetched      int
	Saved        int
	Duplicates   int
	Clustered    int
	Failed       int
	DeadLettered int
	Issues       []model.Issue
}

// Run fetches all sources, saves new articles, clusters the backlog, and
// returns the resulting issue list.
func (p *Pipeline) Run(ctx context.Context, sources []model.Source, run feed.RunConfig) (Result, error) {
	var res Result

	items := p.fetcher.FetchAll(ctx, sources, run.Workers)
	res.Fetched = len(items)

	for _, item := range items {
		a := model.Article{
			Title:     item.Title,
			Content:   item.Content,
			Source:    item.Source.Name(),
			URL:       item.URL,
			TitleHash: model.HashTitle(item.Title),
			CreatedAt: time.Now().UTC(),
		}
		if !item.PublishedAt.IsZero() {
			publishedAt := item.PublishedAt
			a.PublishedAt = &publishedAt
		}

		if _, err := p.db.CreateArticle(ctx, a); err != nil {
			if errors.Is(err, storage.ErrDuplicate) {
				res.Duplicates++
				continue
			}
			return res, fmt.Errorf("pipeline: save article: %w", err)
		}
		res.Saved++
	}

	clustered, failed, dead, err := p.clusterBacklog(ctx)
	res.Clustered = clustered
	res.Failed = failed
	res.DeadLettered = dead
	if err != nil {
		return res, err
	}

	issues, err := p.db.ListIssues(ctx)
	if err != nil {
		return res, err
	}
	res.Issues = issues

	p.logger.Info("pipeline done",
		"fetched", res.Fetched,
		"saved", res.Saved,
		"duplicates", res.Duplicates,
		"clustered", res.Clustered,
		"failed", res.Failed,
		"dead_lettered", res.DeadLettered,
		"issues", len(res.Issues),
	)
	return res, nil
}

// clusterBacklog processes unassigned articles in batches until none remain.
// Articles are independent, so each batch fans out across workers; a failed
// article stays unassigned for the next run, a poison article is
// dead-lettered so it never blocks the backlog again.
func (p *Pipeline) clusterBacklog(ctx context.Context) (clustered, failed, deadLettered int, err error) {
	var afterID int64
	for {
		articles, err := p.db.ListUnassigned(ctx, afterID, clusterBatchSize)
		if err != nil {
			return clustered, failed, deadLettered, fmt.Errorf("pipeline: list unassigned: %w", err)
		}
		if len(articles) == 0 {
			break
		}
		afterID = articles[len(articles)-1].ID

		var batchClustered, batchFailed, batchDead atomic.Int64
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.workers)
		for _, a := range articles {
			g.Go(func() error {
				actx, cancel := context.WithTimeout(gctx, p.articleTimeout)
				defer cancel()

				if _, err := p.cluster.Process(actx, a, time.Now().UTC()); err != nil {
					if cluster.IsInvariant(err) {
						batchDead.Add(1)
						p.logger.Error("poison article dead-lettered", "article_id", a.ID, "error", err)
						if p.deadLetters != nil {
							if dlErr := p.deadLetters.Record(ctx, a.ID, err.Error()); dlErr != nil {
								p.logger.Error("dead-letter write failed", "article_id", a.ID, "error", dlErr)
							}
						}
						return nil
					}
					batchFailed.Add(1)
					p.logger.Warn("article clustering failed, left for next run", "article_id", a.ID, "error", err)
					return nil
				}
				batchClustered.Add(1)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return clustered, failed, deadLettered, err
		}

		clustered += int(batchClustered.Load())
		failed += int(batchFailed.Load())
		deadLettered += int(batchDead.Load())

		if len(articles) < clusterBatchSize {
			break
		}
	}

	return clustered, failed, deadLettered, nil
}
