// Package app assembles the tracker: configuration and secrets resolved,
// state store opened, fetch/judge/notify stack constructed, cycle runner
// wired. New builds the process, Run executes one cycle, Close releases
// what New acquired.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"labtracker/internal/config"
	"labtracker/internal/cycle"
	"labtracker/internal/fetch"
	"labtracker/internal/firecrawl"
	"labtracker/internal/judge"
	"labtracker/internal/notify"
	"labtracker/internal/ratelimit"
	"labtracker/internal/source"
	"labtracker/internal/store"
	logx "labtracker/pkg/logx"
)

// Options are command-line overrides applied on top of the config file.
type Options struct {
	ConfigPath string
	SourcesDir string
	StateDSN   string

	// DryRun logs notifications instead of delivering them. No Telegram
	// credentials are needed.
	DryRun bool
}

// Meta key for the global run throttle stamp.
const metaRunLastStart = "run.last_start"

// App is one assembled tracker process.
type App struct {
	log     logx.Logger
	stopLog func()

	store       store.Store
	runner      *cycle.Runner
	minInterval time.Duration

	now func() time.Time
}

func New(opts Options) (*App, error) {
	cfg, err := config.Load(config.ResolvePath(opts.ConfigPath))
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if opts.SourcesDir != "" {
		cfg.Run.SourcesDir = opts.SourcesDir
	}
	if opts.StateDSN != "" {
		cfg.State.DSN = opts.StateDSN
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	secrets, err := config.SecretsFromEnv()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(secrets.FirecrawlKey) == "" {
		return nil, fmt.Errorf("FIRECRAWL_API_KEY is required")
	}
	if strings.TrimSpace(secrets.OpenAIKey) == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}

	// Validate already vetted every duration string.
	minInterval, _ := config.ParseDurationField("run.min_interval", cfg.Run.MinInterval)
	sourceTimeout, _ := config.ParseDurationField("run.source_timeout", cfg.Run.SourceTimeout)
	crawlGuard, _ := config.ParseDurationField("docs.crawl_guard", cfg.Docs.CrawlGuard)
	fetchTimeout, _ := config.ParseDurationField("fetch.timeout", cfg.Fetch.Timeout)
	judgeTimeout, _ := config.ParseDurationField("judge.timeout", cfg.Judge.Timeout)

	bootLog := logx.NewConsole(cfg.Log.Level)

	// The Telegram notifier doubles as the log forwarder, so it exists
	// before the root logger. Building it also verifies the bot token.
	var (
		notifier  notify.Notifier
		logSender logx.Sender
	)
	if !opts.DryRun {
		tg, err := notify.NewTelegram(notify.Config{
			Token:         secrets.TelegramToken,
			Chats:         secrets.ChatIDs,
			DiffBudget:    cfg.Notify.DiffBudget,
			RatePerSecond: cfg.Notify.RatePerSecond,
		}, bootLog.With(logx.String("comp", "notify")))
		if err != nil {
			return nil, err
		}
		notifier = tg
		logSender = tg
	}

	log, stopLog := logx.New(logx.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Log.SendTelegram,
			ChatIDs:    secrets.ChatIDs,
			RatePerSec: cfg.Log.TelegramRate,
		},
	}, logSender)

	if opts.DryRun {
		notifier = &notify.DryRun{
			Log:        log.With(logx.String("comp", "notify")),
			DiffBudget: cfg.Notify.DiffBudget,
		}
	}

	sources, err := source.LoadDir(cfg.Run.SourcesDir)
	if err != nil {
		stopLog()
		return nil, err
	}

	st, err := store.Open(cfg.State.DSN, log.With(logx.String("comp", "state")))
	if err != nil {
		stopLog()
		return nil, err
	}

	client := firecrawl.New(firecrawl.Config{
		APIURL:     cfg.Fetch.APIURL,
		APIKey:     secrets.FirecrawlKey,
		Timeout:    fetchTimeout,
		MaxRetries: cfg.Fetch.MaxRetries,
	}, log.With(logx.String("comp", "firecrawl")))
	fetcher := fetch.New(client, ratelimit.New(cfg.Fetch.RateLimitPerMinute, time.Minute),
		log.With(logx.String("comp", "fetch")))

	judgeSvc := judge.NewOpenAI(judge.Config{
		APIKey:  secrets.OpenAIKey,
		Model:   cfg.Judge.Model,
		Timeout: judgeTimeout,
	}, log.With(logx.String("comp", "judge")))

	runner := cycle.New(cycle.Deps{
		Sources:  sources,
		Store:    st,
		Fetcher:  fetcher,
		Judge:    judgeSvc,
		Notifier: notifier,
	}, cycle.Config{
		SourceTimeout: sourceTimeout,
		CrawlGuard:    crawlGuard,
	}, log.With(logx.String("comp", "cycle")))

	log.Info("tracker assembled",
		logx.Int("sources", len(sources)),
		logx.String("state", cfg.State.DSN),
		logx.Bool("dry_run", opts.DryRun))

	return &App{
		log:         log,
		stopLog:     stopLog,
		store:       st,
		runner:      runner,
		minInterval: minInterval,
		now:         time.Now,
	}, nil
}

// Run executes one cycle, honoring the global run throttle. Nil means the
// process did its job; that includes a throttled run and a cycle where
// individual sources failed. An error means the cycle could not start.
func (a *App) Run(ctx context.Context) error {
	if a.minInterval > 0 {
		raw, ok, err := a.store.Meta(ctx, metaRunLastStart)
		if err != nil {
			return fmt.Errorf("app: run stamp: %w", err)
		}
		if ok {
			if last, perr := time.Parse(time.RFC3339Nano, raw); perr == nil {
				elapsed := a.now().Sub(last)
				if elapsed >= 0 && elapsed < a.minInterval {
					a.log.Info("previous run too recent, skipping",
						logx.Duration("elapsed", elapsed),
						logx.Duration("min_interval", a.minInterval))
					return nil
				}
			}
		}
	}

	// Stamped before the cycle so a crashed run still counts as started.
	if err := a.store.SetMeta(ctx, metaRunLastStart, a.now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("app: run stamp: %w", err)
	}

	_, err := a.runner.Run(ctx)
	return err
}

// Close flushes the log forwarder and releases the state store.
func (a *App) Close() error {
	if a.stopLog != nil {
		a.stopLog()
	}
	return a.store.Close()
}
