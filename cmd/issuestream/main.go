// Command issuestream runs one ingest-and-cluster cycle: fetch configured
// RSS feeds, persist new articles, assign every unassigned article to an
// issue, and print the resulting issue list.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/issuelab/issuestream/internal/config"
	"github.com/issuelab/issuestream/internal/deadletter"
	"github.com/issuelab/issuestream/internal/feed"
	"github.com/issuelab/issuestream/internal/pipeline"
	"github.com/issuelab/issuestream/internal/search"
	"github.com/issuelab/issuestream/internal/service/cluster"
	"github.com/issuelab/issuestream/internal/service/embedding"
	"github.com/issuelab/issuestream/internal/storage"
	"github.com/issuelab/issuestream/internal/telemetry"
	"github.com/issuelab/issuestream/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("ISSUESTREAM_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("issuestream starting", "version", version, "index", cfg.IndexBackend, "embedder", cfg.EmbeddingProvider)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	index, closeIndex, err := buildIndex(ctx, cfg, db, logger)
	if err != nil {
		return err
	}
	defer closeIndex()

	embedder := buildEmbedder(cfg)

	params := cluster.Params{
		Alpha:        cfg.Alpha,
		Beta:         cfg.Beta,
		Lambda:       cfg.Lambda,
		TBase:        cfg.TBase,
		TopK:         cfg.TopK,
		Dimensions:   cfg.EmbeddingDimensions,
		MergeRetries: cfg.MergeRetries,
	}
	clusterSvc, err := cluster.New(db, index, embedder, params, logger)
	if err != nil {
		return err
	}

	deadLetters, err := deadletter.Open(cfg.DeadLetterPath)
	if err != nil {
		return err
	}
	defer func() { _ = deadLetters.Close() }()

	sources, runCfg, err := feed.LoadSources(cfg.FeedConfigPath)
	if err != nil {
		return err
	}

	httpClient := &http.Client{Timeout: cfg.FetchTimeout}
	fetcher := feed.NewFetcher(httpClient, feed.NewScraper(httpClient), runCfg.Count, logger)

	p := pipeline.New(db, fetcher, clusterSvc, deadLetters, cfg.ClusterWorkers, cfg.ArticleTimeout, logger)
	result, err := p.Run(ctx, sources, runCfg)
	if err != nil {
		return err
	}

	fmt.Printf("fetched: %d  saved: %d  duplicates: %d  clustered: %d  failed: %d  dead-lettered: %d\n",
		result.Fetched, result.Saved, result.Duplicates, result.Clustered, result.Failed, result.DeadLettered)
	fmt.Println("issues:")
	for _, issue := range result.Issues {
		fmt.Printf("- id=%d articles=%d updated=%s title=%s\n",
			issue.ID, issue.ArticleCount, issue.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"), issue.Title)
	}
	return nil
}

// buildIndex selects the vector index backend. pgvector shares the main
// database; qdrant is a separate service and gets its collection ensured at
// startup.
func buildIndex(ctx context.Context, cfg config.Config, db *storage.DB, logger *slog.Logger) (search.Index, func(), error) {
	switch cfg.IndexBackend {
	case "qdrant":
		idx, err := search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := idx.EnsureCollection(ctx); err != nil {
			_ = idx.Close()
			return nil, nil, err
		}
		if err := idx.Healthy(ctx); err != nil {
			_ = idx.Close()
			return nil, nil, fmt.Errorf("qdrant unreachable: %w", err)
		}
		return idx, func() { _ = idx.Close() }, nil
	default:
		return search.NewPgVectorIndex(db.Pool()), func() {}, nil
	}
}

func buildEmbedder(cfg config.Config) embedding.Provider {
	if cfg.EmbeddingProvider == "openai" {
		return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.EmbeddingDimensions)
	}
	return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, cfg.EmbeddingDimensions)
}
