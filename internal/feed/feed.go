// Package feed fetches configured RSS sources, scrapes article bodies, and
// emits crawl items for persistence. Fetching is the ingestion edge of the
// pipeline; everything downstream treats its output as immutable events.
package feed

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/issuelab/issuestream/internal/model"
)

// rssDocument is the subset of RSS 2.0 the fetcher needs.
type rssDocument struct {
	XMLName xml.Name   `xml:"rss"`
	Channel rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title string    `xml:"title"`
	Items []rssItem `xml:"item"`
}

type rssItem struct {
	Title   string `xml:"title"`
	Link    string `xml:"link"`
	PubDate string `xml:"pubDate"`
}

// Fetcher downloads and parses RSS sources and scrapes linked articles.
type Fetcher struct {
	client  *http.Client
	scraper *Scraper
	count   int // per-feed item limit; 0 means all
	logger  *slog.Logger
}

// NewFetcher creates a Fetcher. count bounds how many items are taken from
// each feed, newest first as published by the feed.
func NewFetcher(client *http.Client, scraper *Scraper, count int, logger *slog.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Fetcher{client: client, scraper: scraper, count: count, logger: logger}
}

// Fetch collects one source: downloads the RSS document, then scrapes each
// linked article body. Items that fail to parse or scrape are skipped with a
// log line, not surfaced — one broken entry must not sink the feed.
func (f *Fetcher) Fetch(ctx context.Context, source model.Source) ([]model.CrawlItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("feed: create request for %s: %w", source.URL, err)
	}
	req.Header.Set("User-Agent", "issuestream-rss/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed: fetch %s: %w", source.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed: fetch %s: status %d", source.URL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("feed: read %s: %w", source.URL, err)
	}

	var doc rssDocument
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("feed: parse %s: %w", source.URL, err)
	}

	entries := doc.Channel.Items
	if f.count > 0 && len(entries) > f.count {
		entries = entries[:f.count]
	}

	items := make([]model.CrawlItem, 0, len(entries))
	for _, entry := range entries {
		link := strings.TrimSpace(entry.Link)
		if strings.Contains(link, "/video") {
			f.logger.Info("skipping video link", "url", link)
			continue
		}

		publishedAt, err := parsePubDate(entry.PubDate)
		if err != nil {
			f.logger.Info("skipping entry with bad pubDate", "url", link, "pub_date", entry.PubDate)
			continue
		}

		content, err := f.scraper.Scrape(ctx, link)
		if err != nil || content == "" {
			f.logger.Info("skipping entry without scraped body", "url", link, "error", err)
			continue
		}

		items = append(items, model.CrawlItem{
			Title:       strings.TrimSpace(entry.Title),
			Content:     content,
			Source:      source,
			URL:         link,
			PublishedAt: publishedAt,
		})
	}
	return items, nil
}

// FetchAll collects every source in parallel, bounded by workers. A failing
// source is logged and dropped; the rest of the run proceeds.
func (f *Fetcher) FetchAll(ctx context.Context, sources []model.Source, workers int) []model.CrawlItem {
	if workers <= 0 || workers > len(sources) {
		workers = len(sources)
	}

	var (
		mu    sync.Mutex
		items []model.CrawlItem
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, source := range sources {
		g.Go(func() error {
			fetched, err := f.Fetch(ctx, source)
			if err != nil {
				f.logger.Warn("feed fetch failed", "url", source.URL, "error", err)
				return nil
			}
			mu.Lock()
			items = append(items, fetched...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return items
}

// parsePubDate accepts the RFC 1123 family of formats feeds actually emit.
func parsePubDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("feed: empty pubDate")
	}
	if t, err := mail.ParseDate(raw); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range []string{time.RFC1123Z, time.RFC1123, time.RFC822Z, time.RFC822} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("feed: unparseable pubDate %q", raw)
}
