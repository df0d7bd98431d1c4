package feed

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// articleSelectors are tried in order; the first that yields text wins.
// Site-specific containers come first, generic article markup last.
var articleSelectors = []string{
	"#newsct_article",
	"#dic_area",
	"article",
	".article-body",
	"[itemprop='articleBody']",
}

// Scraper extracts the readable body text from an article page.
type Scraper struct {
	client *http.Client
}

// NewScraper creates a Scraper.
func NewScraper(client *http.Client) *Scraper {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Scraper{client: client}
}

// Scrape downloads the page and returns the extracted body text, or an empty
// string when nothing readable is found.
func (s *Scraper) Scrape(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("feed: create scrape request for %s: %w", url, err)
	}
	req.Header.Set("User-Agent", "issuestream-rss/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("feed: scrape %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("feed: scrape %s: status %d", url, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("feed: parse %s: %w", url, err)
	}

	doc.Find("script, style, nav, footer, header, aside, form, iframe, noscript").Remove()

	for _, selector := range articleSelectors {
		if text := extractText(doc, selector); text != "" {
			return text, nil
		}
	}

	// Last resort: all paragraphs on the page.
	return extractText(doc, "body p"), nil
}

// extractText joins the trimmed text of every paragraph-like node under the
// selector, skipping fragments too short to be sentences.
func extractText(doc *goquery.Document, selector string) string {
	var parts []string
	doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		text := strings.TrimSpace(sel.Text())
		if len(text) >= 40 {
			parts = append(parts, strings.Join(strings.Fields(text), " "))
		}
	})
	return strings.Join(parts, "\n")
}
