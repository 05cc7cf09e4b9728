package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the tracker's file configuration. Every field has a default, so
// running without a config file is fine. Secrets never live here; they come
// from the environment (see Secrets).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Log    LogConfig    `json:"log"`
	State  StateConfig  `json:"state"`
	Run    RunConfig    `json:"run"`
	Fetch  FetchConfig  `json:"fetch"`
	Docs   DocsConfig   `json:"docs"`
	Judge  JudgeConfig  `json:"judge"`
	Notify NotifyConfig `json:"notify"`
}

type LogConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // console | json | journal

	// SendTelegram forwards WARN+ records to the notification chats.
	SendTelegram bool `json:"send_telegram,omitempty"`
	TelegramRate int  `json:"telegram_rate,omitempty"` // messages per second
}

type StateConfig struct {
	// DSN selects the durable store: "sqlite:<path>" or "file:<path>".
	DSN string `json:"dsn,omitempty"`
}

type RunConfig struct {
	// MinInterval skips the whole cycle when the previous one started less
	// than this long ago. "0s" disables the throttle.
	MinInterval string `json:"min_interval,omitempty"`

	// SourceTimeout bounds one source's fetch+judge+notify pipeline.
	SourceTimeout string `json:"source_timeout,omitempty"`

	SourcesDir string `json:"sources_dir,omitempty"`
}

type FetchConfig struct {
	APIURL             string `json:"api_url,omitempty"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute,omitempty"`
	Timeout            string `json:"timeout,omitempty"`
	MaxRetries         int    `json:"max_retries,omitempty"` // provider 429 retries
}

type DocsConfig struct {
	// CrawlGuard skips a docs crawl when the previous crawl ran less than
	// this long ago.
	CrawlGuard string `json:"crawl_guard,omitempty"`
}

type JudgeConfig struct {
	Model   string `json:"model,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

type NotifyConfig struct {
	// DiffBudget caps the diff excerpt embedded in a notification.
	DiffBudget    int `json:"diff_budget,omitempty"`
	RatePerSecond int `json:"rate_per_second,omitempty"`
}

func Default() Config {
	return Config{
		Log:    LogConfig{Level: "info", Format: "console", TelegramRate: 1},
		State:  StateConfig{DSN: "sqlite:.state/tracker.db"},
		Run:    RunConfig{MinInterval: "60s", SourceTimeout: "3m", SourcesDir: "sources"},
		Fetch:  FetchConfig{APIURL: "https://api.firecrawl.dev", RateLimitPerMinute: 5, Timeout: "90s", MaxRetries: 2},
		Docs:   DocsConfig{CrawlGuard: "60s"},
		Judge:  JudgeConfig{Model: "gpt-4o-mini", Timeout: "60s"},
		Notify: NotifyConfig{DiffBudget: 3000, RatePerSecond: 1},
	}
}

// ApplyEnv overlays supported environment variables onto cfg. Invalid values
// are configuration errors, not silently ignored.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v, ok := os.LookupEnv("TELEGRAM_SEND_LOGS"); ok {
		c.Log.SendTelegram = isTruthy(v)
	}
	if v := os.Getenv("FIRECRAWL_API_URL"); v != "" {
		c.Fetch.APIURL = v
	}
	if v := os.Getenv("FIRECRAWL_RATE_LIMIT_PER_MINUTE"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 1 {
			return fmt.Errorf("FIRECRAWL_RATE_LIMIT_PER_MINUTE: invalid value %q", v)
		}
		c.Fetch.RateLimitPerMinute = n
	}
	if v := os.Getenv("OPENAI_MODEL"); v != "" {
		c.Judge.Model = v
	}
	return nil
}

// Validate checks enums, counts, and duration syntax. It runs before
// anything else starts so a broken config never reaches the cycle.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Format)) {
	case "", "console", "json", "journal":
	default:
		return fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}
	if c.Fetch.RateLimitPerMinute < 1 {
		return fmt.Errorf("fetch.rate_limit_per_minute must be >= 1")
	}
	if c.Fetch.MaxRetries < 0 {
		return fmt.Errorf("fetch.max_retries must be >= 0")
	}
	if c.Notify.DiffBudget < 1 {
		return fmt.Errorf("notify.diff_budget must be >= 1")
	}
	if c.Notify.RatePerSecond < 1 {
		return fmt.Errorf("notify.rate_per_second must be >= 1")
	}
	if strings.TrimSpace(c.State.DSN) == "" {
		return fmt.Errorf("state.dsn must not be empty")
	}
	for _, d := range []struct{ path, raw string }{
		{"run.min_interval", c.Run.MinInterval},
		{"run.source_timeout", c.Run.SourceTimeout},
		{"fetch.timeout", c.Fetch.Timeout},
		{"docs.crawl_guard", c.Docs.CrawlGuard},
		{"judge.timeout", c.Judge.Timeout},
	} {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	return nil
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func isTruthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// Secrets are the credentials read from the environment.
type Secrets struct {
	FirecrawlKey  string
	OpenAIKey     string
	TelegramToken string
	ChatIDs       []int64
}

func SecretsFromEnv() (Secrets, error) {
	s := Secrets{
		FirecrawlKey:  os.Getenv("FIRECRAWL_API_KEY"),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
	}
	ids, err := ParseChatIDs(os.Getenv("TELEGRAM_CHAT_IDS"))
	if err != nil {
		return Secrets{}, err
	}
	s.ChatIDs = ids
	return s, nil
}

// ParseChatIDs parses the comma-separated TELEGRAM_CHAT_IDS form.
func ParseChatIDs(raw string) ([]int64, error) {
	var out []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("telegram chat id %q: %w", part, err)
		}
		out = append(out, id)
	}
	return out, nil
}
