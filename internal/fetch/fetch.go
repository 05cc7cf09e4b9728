// Package fetch performs rate-limited scrapes and turns provider documents
// into per-source fetch results with a stable content fingerprint.
package fetch

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"labtracker/internal/firecrawl"
	"labtracker/internal/source"
	logx "labtracker/pkg/logx"
)

// TransientError marks a fetch that may succeed on a later cycle. The
// source's stored record stays untouched so the change is retried.
type TransientError struct {
	Source string
	Err    error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient fetch failure for %s: %v", e.Source, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Result is the outcome of one fetch: a single page, or a whole docs crawl
// folded into one record.
type Result struct {
	Source      string
	URL         string
	Status      string // provider change status; aggregated for crawls
	Markdown    string
	Diff        string
	Fingerprint string
	FetchedAt   time.Time
	Pages       int
}

// Client is the provider surface the fetcher needs.
type Client interface {
	Scrape(ctx context.Context, url, mode string) (firecrawl.Document, error)
	Crawl(ctx context.Context, url, mode string, opts firecrawl.CrawlOptions) ([]firecrawl.Document, error)
}

// Limiter admits one provider call per Acquire.
type Limiter interface {
	Acquire(ctx context.Context) error
}

// Fetcher retrieves sources through the shared rate limiter.
type Fetcher struct {
	client  Client
	limiter Limiter
	log     logx.Logger

	now func() time.Time
}

func New(client Client, limiter Limiter, log logx.Logger) *Fetcher {
	return &Fetcher{client: client, limiter: limiter, log: log, now: time.Now}
}

// Page fetches a single-page source.
func (f *Fetcher) Page(ctx context.Context, src source.Source) (Result, error) {
	if err := f.limiter.Acquire(ctx); err != nil {
		return Result{}, err
	}

	doc, err := f.client.Scrape(ctx, src.URL, src.Mode)
	if err != nil {
		return Result{}, f.classify(src.Name, err)
	}

	return Result{
		Source:      src.Name,
		URL:         src.URL,
		Status:      doc.Status(),
		Markdown:    doc.Markdown,
		Diff:        doc.DiffText(),
		Fingerprint: fingerprint(doc),
		FetchedAt:   f.now(),
		Pages:       1,
	}, nil
}

// Docs crawls a documentation source and folds all pages into one result,
// so the source still maps to exactly one stored record.
func (f *Fetcher) Docs(ctx context.Context, src source.Source) (Result, error) {
	if err := f.limiter.Acquire(ctx); err != nil {
		return Result{}, err
	}

	var opts firecrawl.CrawlOptions
	if src.Crawl != nil {
		opts = firecrawl.CrawlOptions{
			AllowBackwardLinks: src.Crawl.AllowBackwardLinks,
			MaxDepth:           src.Crawl.MaxDepth,
			Limit:              src.Crawl.Limit,
			IncludePaths:       src.Crawl.IncludePaths,
			ExcludePaths:       src.Crawl.ExcludePaths,
		}
	}

	docs, err := f.client.Crawl(ctx, src.URL, src.Mode, opts)
	if err != nil {
		return Result{}, f.classify(src.Name, err)
	}

	res := aggregate(docs)
	res.Source = src.Name
	res.URL = src.URL
	res.FetchedAt = f.now()
	return res, nil
}

func (f *Fetcher) classify(name string, err error) error {
	if firecrawl.Transient(err) {
		return &TransientError{Source: name, Err: err}
	}
	return fmt.Errorf("fetch %s: %w", name, err)
}

// fingerprint hashes the page content. Markdown is preferred: it is present
// whether or not the provider saw a change, so an unchanged page keeps an
// unchanged fingerprint. The diff text only stands in when there is no
// content at all (e.g. removed pages).
func fingerprint(doc firecrawl.Document) string {
	if doc.Markdown != "" {
		return hashString(doc.Markdown)
	}
	return hashString(doc.DiffText())
}

func hashString(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h)
}

// aggregate folds crawled pages into a single result. Pages are ordered by
// URL first so the combined fingerprint does not depend on crawl order.
func aggregate(docs []firecrawl.Document) Result {
	sorted := make([]firecrawl.Document, len(docs))
	copy(sorted, docs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].URL < sorted[j].URL })

	h := sha256.New()
	var diffs []string
	status := firecrawl.StatusSame
	for _, doc := range sorted {
		io.WriteString(h, doc.URL)
		h.Write([]byte{0})
		io.WriteString(h, fingerprint(doc))
		h.Write([]byte{'\n'})

		if d := doc.DiffText(); d != "" {
			diffs = append(diffs, "--- "+doc.URL+"\n"+d)
		}
		switch doc.Status() {
		case firecrawl.StatusNew, firecrawl.StatusChanged, firecrawl.StatusRemoved:
			status = firecrawl.StatusChanged
		}
	}

	return Result{
		Status:      status,
		Diff:        strings.Join(diffs, "\n\n"),
		Fingerprint: fmt.Sprintf("%x", h.Sum(nil)),
		Pages:       len(sorted),
	}
}
