package model

import "time"

// Source identifies one RSS feed: the outlet it belongs to and the section
// within that outlet.
type Source struct {
	URL       string `json:"url"`
	Reference string `json:"reference"`
	Category  string `json:"category"`
}

// Name returns the "reference/category" label stored on articles.
func (s Source) Name() string {
	return s.Reference + "/" + s.Category
}

// CrawlItem is a scraped article before persistence.
type CrawlItem struct {
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	Source      Source    `json:"source"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at"`
}
