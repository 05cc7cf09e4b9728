// Package firecrawl is a typed client for the provider's change-tracking API.
//
// Only the two endpoints the tracker uses are covered: /v1/scrape for
// single pages and /v1/crawl for documentation trees. Backend rate limiting
// (HTTP 429) is retried a bounded number of times, honoring the advertised
// retry delay; everything else is reported to the caller.
package firecrawl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	logx "labtracker/pkg/logx"
)

const (
	defaultAPIURL    = "https://api.firecrawl.dev"
	defaultTimeout   = 90 * time.Second
	defaultRetryWait = 60 * time.Second
	maxResponseBytes = 10 * 1024 * 1024
)

var trackedFormats = []string{"markdown", "changeTracking"}

// APIError is a non-2xx response from the provider.
type APIError struct {
	Status     int
	Message    string
	RetryAfter time.Duration // advertised wait on 429; 0 when unknown
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("firecrawl: http %d", e.Status)
	}
	return fmt.Sprintf("firecrawl: http %d: %s", e.Status, e.Message)
}

// Transient reports whether the failure is worth retrying on a later cycle.
func (e *APIError) Transient() bool {
	return e.Status == http.StatusTooManyRequests ||
		e.Status == http.StatusRequestTimeout ||
		e.Status >= 500
}

// Transient classifies an error from this package: provider hiccups and
// network-level failures are transient, contract violations are not.
func Transient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Config configures the client.
type Config struct {
	APIURL     string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int           // bounded 429 retries per request
	RetryWait  time.Duration // wait when the provider does not advertise one
}

// Client calls the change-tracking API.
type Client struct {
	apiURL     string
	apiKey     string
	httpc      *http.Client
	maxRetries int
	retryWait  time.Duration
	log        logx.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, log logx.Logger) *Client {
	apiURL := strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retryWait := cfg.RetryWait
	if retryWait <= 0 {
		retryWait = defaultRetryWait
	}
	return &Client{
		apiURL:     apiURL,
		apiKey:     cfg.APIKey,
		httpc:      &http.Client{Timeout: timeout},
		maxRetries: cfg.MaxRetries,
		retryWait:  retryWait,
		log:        log,
		sleep:      sleepCtx,
	}
}

// Scrape fetches one page with change tracking in the given mode
// ("git-diff" or "json").
func (c *Client) Scrape(ctx context.Context, pageURL, mode string) (Document, error) {
	req := scrapeRequest{
		URL:                   pageURL,
		Formats:               trackedFormats,
		ChangeTrackingOptions: changeTrackingOptions{Modes: []string{mode}},
	}
	var resp scrapeResponse
	if err := c.post(ctx, "/v1/scrape", req, &resp); err != nil {
		return Document{}, err
	}
	if resp.Data == nil {
		return Document{}, errors.New("firecrawl: no data in scrape response")
	}
	doc := *resp.Data
	doc.URL = pageURL
	return doc, nil
}

// Crawl fetches a documentation tree with change tracking per page.
func (c *Client) Crawl(ctx context.Context, rootURL, mode string, opts CrawlOptions) ([]Document, error) {
	req := crawlRequest{
		URL:          rootURL,
		CrawlOptions: opts,
		ScrapeOptions: scrapeOptions{
			Formats:               trackedFormats,
			ChangeTrackingOptions: changeTrackingOptions{Modes: []string{mode}},
		},
	}
	var resp crawlResponse
	if err := c.post(ctx, "/v1/crawl", req, &resp); err != nil {
		return nil, err
	}
	docs := resp.Data
	for i := range docs {
		if docs[i].URL == "" {
			docs[i].URL = rootURL
		}
	}
	return docs, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("firecrawl: encode request: %w", err)
	}

	attempt := 0
	for {
		err := c.do(ctx, endpoint, body, out)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusTooManyRequests && attempt < c.maxRetries {
			wait := apiErr.RetryAfter
			if wait <= 0 {
				wait = c.retryWait
			}
			c.log.Warn("provider rate limited, retrying",
				logx.String("endpoint", endpoint),
				logx.Duration("wait", wait),
				logx.Int("attempt", attempt+1))
			if serr := c.sleep(ctx, wait); serr != nil {
				return serr
			}
			attempt++
			continue
		}
		return err
	}
}

func (c *Client) do(ctx context.Context, endpoint string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("firecrawl: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("firecrawl: %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("firecrawl: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{
			Status:     resp.StatusCode,
			Message:    errorMessage(raw),
			RetryAfter: retryAfter(resp, raw),
		}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("firecrawl: decode response: %w", err)
	}
	return nil
}

func errorMessage(raw []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &e); err == nil && e.Error != "" {
		return e.Error
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

var retryAfterRe = regexp.MustCompile(`retry after (\d+)s`)

// retryAfter extracts the advertised 429 wait: the Retry-After header when
// present, otherwise the "retry after Ns" phrase in the error body.
func retryAfter(resp *http.Response, raw []byte) time.Duration {
	if h := resp.Header.Get("Retry-After"); h != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(h)); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if m := retryAfterRe.FindSubmatch(bytes.ToLower(raw)); m != nil {
		if secs, err := strconv.Atoi(string(m[1])); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
