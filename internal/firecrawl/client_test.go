package firecrawl

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	logx "labtracker/pkg/logx"
)

func TestScrapeSendsChangeTrackingPayload(t *testing.T) {
	t.Parallel()

	var got struct {
		URL                   string   `json:"url"`
		Formats               []string `json:"formats"`
		ChangeTrackingOptions struct {
			Modes []string `json:"modes"`
		} `json:"changeTrackingOptions"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/scrape" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("Authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data": map[string]any{
				"markdown": "# Page",
				"changeTracking": map[string]any{
					"changeStatus": "changed",
					"visibility":   "visible",
					"diff":         map[string]any{"text": "+ added line"},
				},
			},
		})
	}))
	defer srv.Close()

	c := New(Config{APIURL: srv.URL, APIKey: "test-key"}, logx.Nop())
	doc, err := c.Scrape(context.Background(), "https://example.com/blog", "git-diff")
	if err != nil {
		t.Fatalf("Scrape: %v", err)
	}

	if got.URL != "https://example.com/blog" {
		t.Errorf("request url = %q", got.URL)
	}
	if len(got.Formats) != 2 || got.Formats[0] != "markdown" || got.Formats[1] != "changeTracking" {
		t.Errorf("formats = %v", got.Formats)
	}
	if len(got.ChangeTrackingOptions.Modes) != 1 || got.ChangeTrackingOptions.Modes[0] != "git-diff" {
		t.Errorf("modes = %v", got.ChangeTrackingOptions.Modes)
	}

	if doc.URL != "https://example.com/blog" {
		t.Errorf("doc url = %q", doc.URL)
	}
	if doc.Markdown != "# Page" {
		t.Errorf("markdown = %q", doc.Markdown)
	}
	if doc.Status() != StatusChanged || doc.DiffText() != "+ added line" {
		t.Errorf("status/diff = %q/%q", doc.Status(), doc.DiffText())
	}
}

func TestScrapeRejectsEmptyData(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	}))
	defer srv.Close()

	c := New(Config{APIURL: srv.URL}, logx.Nop())
	if _, err := c.Scrape(context.Background(), "https://example.com", "git-diff"); err == nil {
		t.Fatal("expected error on missing data")
	}
}

func TestCrawlPayloadAndURLFallback(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/crawl" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data": []map[string]any{
				{"url": "https://docs.example.com/a", "markdown": "A"},
				{"markdown": "B"},
			},
		})
	}))
	defer srv.Close()

	c := New(Config{APIURL: srv.URL}, logx.Nop())
	docs, err := c.Crawl(context.Background(), "https://docs.example.com", "git-diff", CrawlOptions{
		MaxDepth:     2,
		Limit:        10,
		IncludePaths: []string{"/docs"},
	})
	if err != nil {
		t.Fatalf("Crawl: %v", err)
	}

	// Crawl options sit at the top level of the payload.
	if got["maxDepth"] != float64(2) || got["limit"] != float64(10) {
		t.Errorf("crawl options = %v / %v", got["maxDepth"], got["limit"])
	}
	if _, ok := got["allowBackwardLinks"]; ok {
		t.Error("zero-valued option was not omitted")
	}
	so, ok := got["scrapeOptions"].(map[string]any)
	if !ok {
		t.Fatalf("scrapeOptions missing: %v", got)
	}
	if _, ok := so["changeTrackingOptions"]; !ok {
		t.Error("changeTrackingOptions not nested under scrapeOptions")
	}

	if len(docs) != 2 {
		t.Fatalf("docs = %d, want 2", len(docs))
	}
	if docs[1].URL != "https://docs.example.com" {
		t.Errorf("missing url not backfilled: %q", docs[1].URL)
	}
}

func TestPostRetriesAdvertised429Wait(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"success": false,
				"error":   "Rate limit exceeded. Retry after 7s.",
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    map[string]any{"markdown": "ok"},
		})
	}))
	defer srv.Close()

	c := New(Config{APIURL: srv.URL, MaxRetries: 2}, logx.Nop())
	var slept []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	doc, err := c.Scrape(context.Background(), "https://example.com", "git-diff")
	if err != nil {
		t.Fatalf("Scrape after retries: %v", err)
	}
	if doc.Markdown != "ok" {
		t.Errorf("markdown = %q", doc.Markdown)
	}
	if len(slept) != 2 || slept[0] != 7*time.Second || slept[1] != 7*time.Second {
		t.Errorf("slept = %v, want two 7s waits", slept)
	}
}

func TestPostGivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(Config{APIURL: srv.URL, MaxRetries: 1}, logx.Nop())
	var slept []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	_, err := c.Scrape(context.Background(), "https://example.com", "git-diff")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusTooManyRequests {
		t.Fatalf("err = %v, want 429 APIError", err)
	}
	if len(slept) != 1 || slept[0] != 3*time.Second {
		t.Errorf("slept = %v, want one 3s wait", slept)
	}
	if !apiErr.Transient() {
		t.Error("429 should classify as transient")
	}
}

func TestTransient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"server error", &APIError{Status: 500}, true},
		{"rate limited", &APIError{Status: 429}, true},
		{"request timeout", &APIError{Status: 408}, true},
		{"not found", &APIError{Status: 404}, false},
		{"unauthorized", &APIError{Status: 401}, false},
		{"network", &url.Error{Op: "Post", URL: "https://x", Err: errors.New("refused")}, true},
		{"deadline", context.DeadlineExceeded, true},
		{"other", errors.New("decode failed"), false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Transient(tt.err); got != tt.want {
				t.Errorf("Transient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
