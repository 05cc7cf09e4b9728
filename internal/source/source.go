package source

import (
	"fmt"
	"strings"

	"labtracker/internal/schedule"
)

// Tracking modes accepted by the change-tracking API.
const (
	ModeGitDiff = "git-diff"
	ModeJSON    = "json"
)

// Labels with pipeline-level meaning.
const (
	// LabelDocs marks a source as a documentation site: it is crawled
	// (not scraped) and rotated one-per-cycle.
	LabelDocs = "docs"

	// LabelAlwaysNotify skips relevance judgment; every change notifies.
	LabelAlwaysNotify = "always-notify"
)

// Source is one monitored endpoint. Identity is Name, unique across the
// loaded set. Immutable after load.
type Source struct {
	Name    string   `json:"name" validate:"required"`
	URL     string   `json:"url" validate:"required,url"`
	Mode    string   `json:"mode,omitempty"`
	Cadence string   `json:"cadence,omitempty"`
	Enabled bool     `json:"enabled"`
	Labels  []string `json:"labels,omitempty"`

	// Crawl tunes URL discovery for docs sources.
	Crawl *CrawlOptions `json:"crawlOptions,omitempty"`

	// parsed at load so a malformed cadence can never surface mid-cycle
	cadence *schedule.Cadence
}

// CrawlOptions controls the crawl endpoint's URL discovery.
type CrawlOptions struct {
	AllowBackwardLinks bool     `json:"allowBackwardLinks,omitempty"`
	MaxDepth           int      `json:"maxDepth,omitempty"`
	Limit              int      `json:"limit,omitempty"`
	IncludePaths       []string `json:"includePaths,omitempty"`
	ExcludePaths       []string `json:"excludePaths,omitempty"`
}

func (s *Source) HasLabel(label string) bool {
	for _, l := range s.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// CadenceSchedule returns the parsed cadence, or nil when the source is due
// every cycle.
func (s *Source) CadenceSchedule() *schedule.Cadence { return s.cadence }

// Normalize canonicalizes the mode and parses the cadence. Loaders call it
// once per source; a source that fails here must never reach the pipeline.
func (s *Source) Normalize() error {
	mode, err := CanonicalMode(s.Mode)
	if err != nil {
		return err
	}
	s.Mode = mode

	if strings.TrimSpace(s.Cadence) != "" {
		c, err := schedule.ParseCadence(s.Cadence)
		if err != nil {
			return err
		}
		s.cadence = c
	}
	return nil
}

// CanonicalMode maps the accepted spellings (GitDiff, git-diff, Json, json,
// any case) onto the wire values.
func CanonicalMode(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "gitdiff", "git-diff":
		return ModeGitDiff, nil
	case "json":
		return ModeJSON, nil
	default:
		return "", fmt.Errorf("unknown tracking mode %q", raw)
	}
}
