// Package cycle runs one complete pass over the due sources.
//
// Each due source walks an independent pipeline: fetch, compare against the
// stored fingerprint, judge the change, notify. Sources fail alone; the
// cycle always runs to completion and reports one outcome per due source.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"labtracker/internal/fetch"
	"labtracker/internal/judge"
	"labtracker/internal/notify"
	"labtracker/internal/source"
	"labtracker/internal/store"
	"labtracker/pkg/logx"
)

// Status is a source's terminal state for one cycle.
type Status string

const (
	StatusFetchFailed  Status = "fetch_failed"
	StatusUnchanged    Status = "unchanged"
	StatusIrrelevant   Status = "irrelevant"
	StatusNotified     Status = "notified"
	StatusNotifyFailed Status = "notify_failed"
	StatusJudgeFailed  Status = "judge_failed"
	StatusSkipped      Status = "skipped" // docs source sitting out the rotation
)

// Store meta keys for the docs rotation.
const (
	metaDocsCursor    = "docs.cursor"
	metaDocsLastCrawl = "docs.last_crawl"
)

// Outcome is one source's result, reported in due-list order.
type Outcome struct {
	Source string
	Status Status
	Err    error
}

// Fetcher retrieves one source's current content.
type Fetcher interface {
	Page(ctx context.Context, src source.Source) (fetch.Result, error)
	Docs(ctx context.Context, src source.Source) (fetch.Result, error)
}

// Deps are the pipeline collaborators. Test doubles inject through the same
// fields production wiring uses.
type Deps struct {
	Sources  []source.Source
	Store    store.Store
	Fetcher  Fetcher
	Judge    judge.Judge
	Notifier notify.Notifier
}

type Config struct {
	// SourceTimeout bounds one source's fetch+judge+notify pipeline.
	SourceTimeout time.Duration

	// CrawlGuard skips a docs crawl when the previous one ran less than
	// this long ago. Zero disables the guard.
	CrawlGuard time.Duration
}

// Runner drives one cycle.
type Runner struct {
	deps  Deps
	sched *Scheduler
	cfg   Config
	log   logx.Logger

	now func() time.Time
}

func New(deps Deps, cfg Config, log logx.Logger) *Runner {
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = 3 * time.Minute
	}
	return &Runner{
		deps:  deps,
		sched: NewScheduler(deps.Sources, deps.Store),
		cfg:   cfg,
		log:   log,
		now:   time.Now,
	}
}

// Run executes one cycle and reports per-source outcomes. A returned error
// means the cycle could not run at all; individual source failures are
// contained in the outcomes.
func (r *Runner) Run(ctx context.Context) ([]Outcome, error) {
	start := r.now()

	due, err := r.sched.Due(ctx, start)
	if err != nil {
		return nil, err
	}
	if len(due) == 0 {
		r.log.Info("no sources due")
		return nil, nil
	}

	plan, err := r.planDocs(ctx, due, start)
	if err != nil {
		return nil, err
	}

	r.log.Info("cycle started", logx.Int("due", len(due)))

	outcomes := make([]Outcome, len(due))
	var wg sync.WaitGroup
	for i, src := range due {
		if plan.skip[src.Name] {
			outcomes[i] = Outcome{Source: src.Name, Status: StatusSkipped}
			continue
		}
		wg.Add(1)
		go func(i int, src source.Source) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					r.log.Error("source pipeline panicked",
						logx.String("source", src.Name),
						logx.Any("panic", rec),
						logx.Stack(string(debug.Stack())))
					outcomes[i] = Outcome{Source: src.Name, Status: StatusFetchFailed, Err: fmt.Errorf("panic: %v", rec)}
				}
			}()
			outcomes[i] = r.evalSource(ctx, src, src.Name == plan.crawl)
		}(i, src)
	}
	wg.Wait()

	r.commitDocs(ctx, plan, outcomes)
	r.summarize(outcomes, time.Since(start))
	return outcomes, nil
}

// evalSource walks one source through fetch → compare → judge → notify.
// The change record is written after every completed fetch, whatever the
// verdict or delivery outcome, so content is never judged twice; a failed
// fetch leaves it untouched.
func (r *Runner) evalSource(ctx context.Context, src source.Source, crawl bool) Outcome {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.SourceTimeout)
	defer cancel()

	log := r.log.With(logx.String("source", src.Name))
	out := Outcome{Source: src.Name}

	var (
		res fetch.Result
		err error
	)
	if crawl {
		log.Debug("crawling docs", logx.String("url", src.URL))
		res, err = r.deps.Fetcher.Docs(ctx, src)
	} else {
		log.Debug("fetching", logx.String("url", src.URL))
		res, err = r.deps.Fetcher.Page(ctx, src)
	}
	if err != nil {
		log.Warn("fetch failed", logx.Err(err))
		out.Status = StatusFetchFailed
		out.Err = err
		return out
	}

	isNew, err := r.deps.Store.IsNew(ctx, src.Name, res.Fingerprint)
	if err != nil {
		log.Error("state read failed", logx.Err(err))
		out.Status = StatusFetchFailed
		out.Err = err
		return out
	}
	if !isNew {
		log.Debug("unchanged")
		out.Status = StatusUnchanged
		if err := r.deps.Store.RecordSeen(ctx, src.Name, res.Fingerprint, res.FetchedAt); err != nil {
			log.Error("state refresh failed", logx.Err(err))
			out.Err = err
		}
		return out
	}

	verdict := judge.Verdict{Relevant: true}
	if src.HasLabel(source.LabelAlwaysNotify) {
		log.Debug("judgment bypassed by label")
	} else {
		log.Debug("judging change", logx.Int("diff_bytes", len(res.Diff)))
		verdict, err = r.deps.Judge.Evaluate(ctx, res.Diff, src.Labels)
		if err != nil {
			var shape *judge.ShapeError
			if !errors.As(err, &shape) {
				// Transport trouble. Leave the record untouched so the
				// change is judged again next cycle.
				log.Warn("judgment failed", logx.Err(err))
				out.Status = StatusJudgeFailed
				out.Err = err
				return out
			}
			log.Warn("unusable verdict, treating change as irrelevant", logx.Err(err))
			verdict = judge.Verdict{}
		}
	}

	if !verdict.Relevant {
		log.Info("change judged irrelevant")
		out.Status = StatusIrrelevant
	} else {
		out.Status = StatusNotified
		if nerr := r.deps.Notifier.Notify(ctx, notify.Notification{
			Source:  src.Name,
			URL:     src.URL,
			Summary: verdict.Summary,
			Diff:    res.Diff,
		}); nerr != nil {
			log.Warn("notification failed", logx.Err(nerr))
			out.Status = StatusNotifyFailed
			out.Err = nerr
		} else {
			log.Info("change notified", logx.String("summary", verdict.Summary))
		}
	}

	if err := r.deps.Store.RecordSeen(ctx, src.Name, res.Fingerprint, res.FetchedAt); err != nil {
		log.Error("state update failed", logx.Err(err))
		if out.Err == nil {
			out.Err = err
		}
	}
	return out
}

// docsPlan is the rotation decision for one cycle: at most one docs source
// crawls, the rest of the due docs sources sit the cycle out.
type docsPlan struct {
	crawl   string          // docs source to crawl this cycle, "" for none
	next    string          // cursor to store after a successful crawl
	started time.Time       // guard stamp to store with it
	skip    map[string]bool // due docs sources skipped this cycle
}

func (r *Runner) planDocs(ctx context.Context, due []source.Source, now time.Time) (docsPlan, error) {
	plan := docsPlan{skip: map[string]bool{}}

	var docsAll []source.Source
	for _, src := range r.deps.Sources {
		if src.Enabled && src.HasLabel(source.LabelDocs) {
			docsAll = append(docsAll, src)
		}
	}
	if len(docsAll) == 0 {
		return plan, nil
	}

	idx := 0
	raw, ok, err := r.deps.Store.Meta(ctx, metaDocsCursor)
	if err != nil {
		return plan, fmt.Errorf("cycle: docs cursor: %w", err)
	}
	if ok {
		n, perr := strconv.Atoi(strings.TrimSpace(raw))
		if perr != nil || n < 0 {
			r.log.Warn("docs cursor unreadable, rotation restarts", logx.String("value", raw))
		} else {
			// Modulo, not a bounds check: the docs list may have shrunk
			// since the cursor was written.
			idx = n % len(docsAll)
		}
	}
	selected := docsAll[idx].Name

	selectedDue := false
	for _, src := range due {
		if !src.HasLabel(source.LabelDocs) {
			continue
		}
		if src.Name == selected {
			selectedDue = true
		} else {
			plan.skip[src.Name] = true
		}
	}
	if !selectedDue {
		return plan, nil
	}

	if r.cfg.CrawlGuard > 0 {
		raw, ok, err := r.deps.Store.Meta(ctx, metaDocsLastCrawl)
		if err != nil {
			return plan, fmt.Errorf("cycle: docs crawl stamp: %w", err)
		}
		if ok {
			if last, perr := time.Parse(time.RFC3339Nano, raw); perr == nil {
				elapsed := now.Sub(last)
				if elapsed >= 0 && elapsed < r.cfg.CrawlGuard {
					r.log.Info("docs crawl still cooling down",
						logx.String("source", selected), logx.Duration("elapsed", elapsed))
					plan.skip[selected] = true
					return plan, nil
				}
			}
		}
	}

	plan.crawl = selected
	plan.next = strconv.Itoa((idx + 1) % len(docsAll))
	plan.started = now
	return plan, nil
}

// commitDocs advances the rotation only when the selected source's crawl
// actually ran. A failed crawl keeps the cursor so the same source retries
// next cycle.
func (r *Runner) commitDocs(ctx context.Context, plan docsPlan, outcomes []Outcome) {
	if plan.crawl == "" {
		return
	}
	for _, o := range outcomes {
		if o.Source != plan.crawl {
			continue
		}
		if o.Status == StatusFetchFailed {
			return
		}
		if err := r.deps.Store.SetMeta(ctx, metaDocsCursor, plan.next); err != nil {
			r.log.Error("docs cursor update failed", logx.Err(err))
		}
		if err := r.deps.Store.SetMeta(ctx, metaDocsLastCrawl, plan.started.UTC().Format(time.RFC3339Nano)); err != nil {
			r.log.Error("docs crawl stamp update failed", logx.Err(err))
		}
		return
	}
}

func (r *Runner) summarize(outcomes []Outcome, took time.Duration) {
	counts := map[Status]int{}
	for _, o := range outcomes {
		counts[o.Status]++
	}
	r.log.Info("cycle complete",
		logx.Int("due", len(outcomes)),
		logx.Int("notified", counts[StatusNotified]),
		logx.Int("unchanged", counts[StatusUnchanged]),
		logx.Int("irrelevant", counts[StatusIrrelevant]),
		logx.Int("skipped", counts[StatusSkipped]),
		logx.Int("fetch_failed", counts[StatusFetchFailed]),
		logx.Int("judge_failed", counts[StatusJudgeFailed]),
		logx.Int("notify_failed", counts[StatusNotifyFailed]),
		logx.Duration("took", took))
}
