// Package notify delivers change alerts to Telegram chats.
//
// A notification is rendered once and fanned out to every configured
// chat. Chats are independent: a failed send to one chat never blocks
// the rest, and the caller gets a DeliveryError describing what was
// lost.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"labtracker/pkg/logx"
	"labtracker/pkg/tgui"
)

const (
	defaultDiffBudget = 3000
	truncMarker       = "\n[truncated]"
)

// Notification is one change alert headed for delivery.
type Notification struct {
	Source  string
	URL     string
	Summary string // judged one-liner, empty when judgment was skipped
	Diff    string
}

// Notifier delivers one notification to every configured channel.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// DeliveryError reports a partial or total fan-out failure. Sends that
// reached their chat stay delivered; only the failed chats are listed.
type DeliveryError struct {
	Source string
	Failed int
	Total  int
	Errs   []error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("notify %s: %d of %d chats failed: %v", e.Source, e.Failed, e.Total, errors.Join(e.Errs...))
}

func (e *DeliveryError) Unwrap() []error { return e.Errs }

// Config carries delivery settings. Token and Chats come from the
// environment, the rest from file config.
type Config struct {
	Token         string
	Chats         []int64
	DiffBudget    int // rune cap on the embedded diff excerpt
	RatePerSecond int
}

// sender is the part of tele.Bot the notifier uses.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Telegram sends notifications through a Telegram bot. The bot is
// send-only; it never polls for updates.
type Telegram struct {
	bot    sender
	chats  []int64
	budget int
	pace   *rate.Limiter
	log    logx.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewTelegram builds the bot and verifies the token against the API,
// so a bad credential fails the run before any source is processed.
func NewTelegram(cfg Config, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("notify: telegram token is empty")
	}
	if len(cfg.Chats) == 0 {
		return nil, errors.New("notify: no telegram chats configured")
	}
	bot, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, fmt.Errorf("notify: telegram: %w", err)
	}
	return newTelegram(bot, cfg, log), nil
}

func newTelegram(bot sender, cfg Config, log logx.Logger) *Telegram {
	budget := cfg.DiffBudget
	if budget <= 0 {
		budget = defaultDiffBudget
	}
	rps := cfg.RatePerSecond
	if rps <= 0 {
		rps = 1
	}
	return &Telegram{
		bot:    bot,
		chats:  append([]int64(nil), cfg.Chats...),
		budget: budget,
		pace:   rate.NewLimiter(rate.Limit(rps), rps),
		log:    log,
		sleep:  sleepCtx,
	}
}

func (t *Telegram) Notify(ctx context.Context, n Notification) error {
	text := render(n, t.budget)
	if text == "" {
		t.log.Debug("nothing to send", logx.String("source", n.Source))
		return nil
	}
	opts := sendOptions(n.URL)

	var errs []error
	for _, chat := range t.chats {
		if err := t.sendOne(ctx, chat, text, opts); err != nil {
			t.log.Warn("telegram send failed",
				logx.String("source", n.Source), logx.Int64("chat", chat), logx.Err(err))
			errs = append(errs, fmt.Errorf("chat %d: %w", chat, err))
		}
	}
	if len(errs) > 0 {
		return &DeliveryError{Source: n.Source, Failed: len(errs), Total: len(t.chats), Errs: errs}
	}
	return nil
}

// sendOne pushes one message to one chat, waiting out Telegram flood
// control at most once.
func (t *Telegram) sendOne(ctx context.Context, chat int64, text string, opts *tele.SendOptions) error {
	retried := false
	for {
		if err := t.pace.Wait(ctx); err != nil {
			return err
		}
		_, err := t.bot.Send(&tele.Chat{ID: chat}, text, opts)
		if err == nil {
			return nil
		}
		var flood tele.FloodError
		if errors.As(err, &flood) && !retried {
			retried = true
			wait := time.Duration(flood.RetryAfter) * time.Second
			if wait <= 0 {
				wait = time.Second
			}
			t.log.Warn("telegram flood control",
				logx.Int64("chat", chat), logx.Duration("wait", wait))
			if err := t.sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}
		return err
	}
}

// SendLog implements logx.Sender. Forwarded log records go out as plain
// text: no parse mode, so arbitrary log content cannot break rendering.
func (t *Telegram) SendLog(ctx context.Context, chatID int64, text string) error {
	if err := t.pace.Wait(ctx); err != nil {
		return err
	}
	_, err := t.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{DisableWebPagePreview: true})
	return err
}

func sendOptions(pageURL string) *tele.SendOptions {
	opts := &tele.SendOptions{
		ParseMode:             tele.ModeMarkdown,
		DisableWebPagePreview: true,
	}
	if pageURL != "" {
		opts.ReplyMarkup = tgui.NewInline().Row(tgui.URLBtn("View page", pageURL)).Markup()
	}
	return opts
}

// render produces the Markdown message body. An empty return means
// there is nothing worth sending for this change.
func render(n Notification, diffBudget int) string {
	summary := strings.TrimSpace(n.Summary)
	diff := strings.TrimRight(n.Diff, "\n")
	if summary == "" && diff == "" {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "⚡ *%s*\n%s\n", n.Source, n.URL)
	if summary != "" {
		b.WriteString("\n" + summary + "\n")
	}
	if diff != "" {
		if utf8.RuneCountInString(diff) > diffBudget {
			diff = tgui.TruncRunes(diff, diffBudget) + truncMarker
		}
		b.WriteString("\n```diff\n" + diff + "\n```")
	}
	return strings.TrimRight(b.String(), "\n")
}

// DryRun renders notifications and logs them instead of delivering.
type DryRun struct {
	Log        logx.Logger
	DiffBudget int
}

func (d DryRun) Notify(ctx context.Context, n Notification) error {
	budget := d.DiffBudget
	if budget <= 0 {
		budget = defaultDiffBudget
	}
	text := render(n, budget)
	if text == "" {
		d.Log.Debug("nothing to send", logx.String("source", n.Source))
		return nil
	}
	d.Log.Info("dry-run notification",
		logx.String("source", n.Source), logx.String("message", text))
	return nil
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
