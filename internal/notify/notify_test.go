package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"labtracker/pkg/logx"
)

type sentMsg struct {
	chat int64
	text string
	opts *tele.SendOptions
}

// fakeBot records sends and fails according to a per-chat error script.
type fakeBot struct {
	mu    sync.Mutex
	sends []sentMsg
	fail  map[int64][]error
}

func (f *fakeBot) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	chat, ok := to.(*tele.Chat)
	if !ok {
		return nil, fmt.Errorf("unexpected recipient %T", to)
	}
	if script := f.fail[chat.ID]; len(script) > 0 {
		err := script[0]
		f.fail[chat.ID] = script[1:]
		if err != nil {
			return nil, err
		}
	}
	text, _ := what.(string)
	var so *tele.SendOptions
	for _, o := range opts {
		if v, ok := o.(*tele.SendOptions); ok {
			so = v
		}
	}
	f.sends = append(f.sends, sentMsg{chat: chat.ID, text: text, opts: so})
	return &tele.Message{ID: len(f.sends)}, nil
}

// floodErr mimics what telebot surfaces when Telegram applies flood control:
// a FloodError in the chain carrying the advertised wait.
type floodErr struct{ after int }

func (f floodErr) Error() string { return fmt.Sprintf("telegram: retry after %d", f.after) }
func (f floodErr) Unwrap() error { return tele.FloodError{RetryAfter: f.after} }

func newTestTelegram(bot sender, chats ...int64) (*Telegram, *[]time.Duration) {
	tg := newTelegram(bot, Config{Chats: chats, DiffBudget: 64, RatePerSecond: 1000}, logx.Nop())
	slept := &[]time.Duration{}
	tg.sleep = func(ctx context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
	return tg, slept
}

func TestRenderMessageLayout(t *testing.T) {
	base := Notification{
		Source: "Anthropic News",
		URL:    "https://example.com/news",
	}

	tests := []struct {
		name    string
		summary string
		diff    string
		want    string
	}{
		{
			name:    "summary and diff",
			summary: "Added a model page",
			diff:    "+ hello\n",
			want:    "⚡ *Anthropic News*\nhttps://example.com/news\n\nAdded a model page\n\n```diff\n+ hello\n```",
		},
		{
			name: "diff only",
			diff: "+ hello\n",
			want: "⚡ *Anthropic News*\nhttps://example.com/news\n\n```diff\n+ hello\n```",
		},
		{
			name:    "summary only",
			summary: "Pricing table rewritten",
			want:    "⚡ *Anthropic News*\nhttps://example.com/news\n\nPricing table rewritten",
		},
		{
			name: "nothing to say",
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := base
			n.Summary = tt.summary
			n.Diff = tt.diff
			if got := render(n, defaultDiffBudget); got != tt.want {
				t.Errorf("render() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRenderTruncatesDiff(t *testing.T) {
	n := Notification{Source: "S", URL: "https://s", Diff: strings.Repeat("x", 50)}

	got := render(n, 10)
	if !strings.Contains(got, "```diff\nxxxxxxxxxx…\n[truncated]\n```") {
		t.Fatalf("truncated render = %q", got)
	}

	short := render(Notification{Source: "S", URL: "https://s", Diff: "tiny"}, 10)
	if strings.Contains(short, "[truncated]") {
		t.Errorf("short diff was truncated: %q", short)
	}
}

func TestRenderTruncationKeepsRunesWhole(t *testing.T) {
	n := Notification{Source: "S", URL: "https://s", Diff: strings.Repeat("⚡", 11)}

	got := render(n, 10)
	if !utf8.ValidString(got) {
		t.Fatalf("render produced invalid UTF-8: %q", got)
	}
	if !strings.Contains(got, strings.Repeat("⚡", 10)+"…\n[truncated]") {
		t.Errorf("render = %q", got)
	}
}

func TestNotifyFansOutToAllChats(t *testing.T) {
	bot := &fakeBot{}
	tg, _ := newTestTelegram(bot, 10, 20, 30)

	n := Notification{
		Source:  "Blog-A",
		URL:     "https://example.com/a",
		Summary: "New paragraph about X",
		Diff:    "+ X\n",
	}
	if err := tg.Notify(context.Background(), n); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if len(bot.sends) != 3 {
		t.Fatalf("got %d sends, want 3", len(bot.sends))
	}
	for i, want := range []int64{10, 20, 30} {
		if bot.sends[i].chat != want {
			t.Errorf("send %d went to chat %d, want %d", i, bot.sends[i].chat, want)
		}
		if bot.sends[i].text != bot.sends[0].text {
			t.Errorf("send %d text differs from first", i)
		}
	}

	opts := bot.sends[0].opts
	if opts == nil {
		t.Fatal("send options missing")
	}
	if opts.ParseMode != tele.ModeMarkdown {
		t.Errorf("ParseMode = %q, want %q", opts.ParseMode, tele.ModeMarkdown)
	}
	if !opts.DisableWebPagePreview {
		t.Error("web page preview not disabled")
	}
	if opts.ReplyMarkup == nil || len(opts.ReplyMarkup.InlineKeyboard) != 1 {
		t.Fatalf("inline keyboard = %+v, want one row", opts.ReplyMarkup)
	}
	btn := opts.ReplyMarkup.InlineKeyboard[0][0]
	if btn.Text != "View page" || btn.URL != n.URL {
		t.Errorf("button = %+v, want View page -> %s", btn, n.URL)
	}
}

func TestNotifyContinuesAfterChatFailure(t *testing.T) {
	bot := &fakeBot{fail: map[int64][]error{
		2: {errors.New("forbidden: bot was kicked")},
	}}
	tg, _ := newTestTelegram(bot, 1, 2, 3)

	err := tg.Notify(context.Background(), Notification{Source: "Blog-A", URL: "https://a", Diff: "+ x"})

	if len(bot.sends) != 2 {
		t.Fatalf("got %d sends, want 2", len(bot.sends))
	}
	if bot.sends[0].chat != 1 || bot.sends[1].chat != 3 {
		t.Errorf("sends went to chats %d and %d, want 1 and 3", bot.sends[0].chat, bot.sends[1].chat)
	}

	var derr *DeliveryError
	if !errors.As(err, &derr) {
		t.Fatalf("Notify() error = %v, want DeliveryError", err)
	}
	if derr.Failed != 1 || derr.Total != 3 {
		t.Errorf("DeliveryError = %d/%d, want 1/3", derr.Failed, derr.Total)
	}
	if !strings.Contains(derr.Error(), "chat 2") {
		t.Errorf("DeliveryError message %q does not name the failed chat", derr.Error())
	}
}

func TestNotifyRetriesFloodControlOnce(t *testing.T) {
	bot := &fakeBot{fail: map[int64][]error{7: {floodErr{after: 3}}}}
	tg, slept := newTestTelegram(bot, 7)

	err := tg.Notify(context.Background(), Notification{Source: "S", URL: "https://s", Diff: "+ x"})
	if err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if len(bot.sends) != 1 {
		t.Fatalf("got %d sends, want 1 after retry", len(bot.sends))
	}
	if len(*slept) != 1 || (*slept)[0] != 3*time.Second {
		t.Errorf("slept %v, want one 3s wait", *slept)
	}
}

func TestNotifyGivesUpAfterSecondFlood(t *testing.T) {
	bot := &fakeBot{fail: map[int64][]error{7: {floodErr{after: 3}, floodErr{after: 3}}}}
	tg, slept := newTestTelegram(bot, 7)

	err := tg.Notify(context.Background(), Notification{Source: "S", URL: "https://s", Diff: "+ x"})

	var derr *DeliveryError
	if !errors.As(err, &derr) {
		t.Fatalf("Notify() error = %v, want DeliveryError", err)
	}
	if len(bot.sends) != 0 {
		t.Errorf("got %d sends, want 0", len(bot.sends))
	}
	if len(*slept) != 1 {
		t.Errorf("slept %v, want exactly one retry wait", *slept)
	}
	var f tele.FloodError
	if len(derr.Errs) != 1 || !errors.As(derr.Errs[0], &f) {
		t.Errorf("DeliveryError does not carry the flood error: %v", derr.Errs)
	}
}

func TestNotifySkipsEmptyChange(t *testing.T) {
	bot := &fakeBot{}
	tg, _ := newTestTelegram(bot, 1)

	err := tg.Notify(context.Background(), Notification{Source: "S", URL: "https://s"})
	if err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if len(bot.sends) != 0 {
		t.Errorf("got %d sends, want 0 for an empty change", len(bot.sends))
	}
}

func TestSendLogIsPlainText(t *testing.T) {
	bot := &fakeBot{}
	tg, _ := newTestTelegram(bot, 1)

	if err := tg.SendLog(context.Background(), 5, "cycle done"); err != nil {
		t.Fatalf("SendLog() error = %v", err)
	}
	if len(bot.sends) != 1 || bot.sends[0].chat != 5 {
		t.Fatalf("sends = %+v, want one to chat 5", bot.sends)
	}
	opts := bot.sends[0].opts
	if opts.ParseMode != "" {
		t.Errorf("ParseMode = %q, want none for log text", opts.ParseMode)
	}
	if opts.ReplyMarkup != nil {
		t.Error("log message carries a keyboard")
	}
}

func TestDryRunDeliversNothing(t *testing.T) {
	dr := DryRun{Log: logx.Nop()}

	for _, n := range []Notification{
		{Source: "S", URL: "https://s", Summary: "something", Diff: "+ x"},
		{Source: "S", URL: "https://s"},
	} {
		if err := dr.Notify(context.Background(), n); err != nil {
			t.Errorf("Notify(%+v) error = %v", n, err)
		}
	}
}
