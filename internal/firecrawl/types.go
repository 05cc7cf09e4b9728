package firecrawl

import (
	"encoding/json"
	"time"
)

// Change statuses reported by the provider per scraped page.
const (
	StatusNew     = "new"
	StatusSame    = "same"
	StatusChanged = "changed"
	StatusRemoved = "removed"
)

// Document is one scraped page with its change-tracking metadata.
type Document struct {
	URL            string          `json:"url"`
	Markdown       string          `json:"markdown"`
	ChangeTracking *ChangeTracking `json:"changeTracking"`
}

// ChangeTracking compares this scrape against the provider's previous one.
type ChangeTracking struct {
	PreviousScrapeAt *time.Time `json:"previousScrapeAt"`
	ChangeStatus     string     `json:"changeStatus"`
	Visibility       string     `json:"visibility"`
	Diff             *Diff      `json:"diff"`
}

// Diff carries the rendered diff. Text is git-style; JSON is the structured
// form some modes return alongside it.
type Diff struct {
	Text string          `json:"text"`
	JSON json.RawMessage `json:"json"`
}

// DiffText returns the diff text, tolerating absent change tracking.
func (d Document) DiffText() string {
	if d.ChangeTracking == nil || d.ChangeTracking.Diff == nil {
		return ""
	}
	return d.ChangeTracking.Diff.Text
}

// Status returns the change status, or "" when the provider omitted tracking.
func (d Document) Status() string {
	if d.ChangeTracking == nil {
		return ""
	}
	return d.ChangeTracking.ChangeStatus
}

// CrawlOptions narrows URL discovery on crawl requests. Zero values are
// omitted from the wire payload so the provider applies its own defaults.
type CrawlOptions struct {
	AllowBackwardLinks bool     `json:"allowBackwardLinks,omitempty"`
	MaxDepth           int      `json:"maxDepth,omitempty"`
	Limit              int      `json:"limit,omitempty"`
	IncludePaths       []string `json:"includePaths,omitempty"`
	ExcludePaths       []string `json:"excludePaths,omitempty"`
}

type changeTrackingOptions struct {
	Modes []string `json:"modes"`
}

type scrapeOptions struct {
	Formats               []string              `json:"formats"`
	ChangeTrackingOptions changeTrackingOptions `json:"changeTrackingOptions"`
}

type scrapeRequest struct {
	URL                   string                `json:"url"`
	Formats               []string              `json:"formats"`
	ChangeTrackingOptions changeTrackingOptions `json:"changeTrackingOptions"`
}

type crawlRequest struct {
	URL string `json:"url"`
	CrawlOptions
	ScrapeOptions scrapeOptions `json:"scrapeOptions"`
}

type scrapeResponse struct {
	Success bool      `json:"success"`
	Data    *Document `json:"data"`
	Error   string    `json:"error"`
}

type crawlResponse struct {
	Success bool       `json:"success"`
	Data    []Document `json:"data"`
	Error   string     `json:"error"`
}
