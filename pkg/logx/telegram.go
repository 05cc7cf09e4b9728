package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Sender delivers one plain-text log message to a Telegram chat.
// Implemented by the delivery layer; kept as a local interface so logx never
// imports transport packages.
type Sender interface {
	SendLog(ctx context.Context, chatID int64, text string) error
}

// Telegram caps messages at 4096 bytes.
const telegramChunk = 4000

const sendTimeout = 10 * time.Second

// telegramSink forwards log records at or above a minimum level to a set of
// chats. Forwarding is asynchronous and lossy under pressure: a full queue
// drops records rather than block the calling logger.
type telegramSink struct {
	minLevel zerolog.Level
	sender   Sender
	chatIDs  []int64
	limiter  *rate.Limiter

	mu     sync.RWMutex // guards closed
	closed bool
	queue  chan string
	done   chan struct{}
}

func newTelegramSink(cfg TelegramConfig, sender Sender) *telegramSink {
	rps := cfg.RatePerSec
	if rps < 1 {
		rps = 1
	}
	s := &telegramSink{
		minLevel: parseLevel(cfg.MinLevel, zerolog.WarnLevel),
		sender:   sender,
		chatIDs:  append([]int64(nil), cfg.ChatIDs...),
		limiter:  rate.NewLimiter(rate.Limit(rps), rps),
		queue:    make(chan string, 256),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *telegramSink) Write(p []byte) (int, error) {
	// Default to info when WriteLevel isn't used.
	return s.WriteLevel(zerolog.InfoLevel, p)
}

func (s *telegramSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < s.minLevel {
		return len(p), nil
	}
	msg := formatRecord(p)
	if msg == "" {
		return len(p), nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return len(p), nil
	}
	// Never block core logging.
	select {
	case s.queue <- msg:
	default:
	}
	return len(p), nil
}

// Close drains queued records and stops the forwarder.
func (s *telegramSink) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	<-s.done
}

func (s *telegramSink) run() {
	defer close(s.done)
	for msg := range s.queue {
		for _, chat := range s.chatIDs {
			for _, chunk := range chunkText(msg, telegramChunk) {
				s.send(chat, chunk)
			}
		}
	}
}

func (s *telegramSink) send(chat int64, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}
	if err := s.sender.SendLog(ctx, chat, text); err != nil {
		// Report to stderr only; logging here would recurse.
		fmt.Fprintf(os.Stderr, "logx: telegram forward failed: %v\n", err)
	}
}

// formatRecord renders a zerolog JSON line as "[LEVEL] message" plus one
// "- key=value" line per field.
func formatRecord(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(bytesTrimSpace(p), &m); err != nil {
		// Not JSON; send raw (trimmed).
		return strings.TrimSpace(string(p))
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)
	if msg == "" {
		msg, _ = m["msg"].(string)
	}

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[")
		b.WriteString(strings.ToUpper(lvl))
		b.WriteString("] ")
	}
	b.WriteString(msg)

	for k, v := range m {
		if k == "time" || k == "level" || k == "message" || k == "msg" {
			continue
		}
		if k == "stack" {
			s := fmt.Sprint(v)
			s = truncate(s, 900)
			b.WriteString("\n- stack=\n")
			b.WriteString(s)
			continue
		}
		b.WriteString("\n- ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(truncate(fmt.Sprint(v), 600))
	}

	return b.String()
}

func bytesTrimSpace(b []byte) []byte {
	i := 0
	j := len(b)
	for i < j && (b[i] == ' ' || b[i] == '\n' || b[i] == '\r' || b[i] == '\t') {
		i++
	}
	for j > i && (b[j-1] == ' ' || b[j-1] == '\n' || b[j-1] == '\r' || b[j-1] == '\t') {
		j--
	}
	return b[i:j]
}

// chunkText splits s into pieces of at most limit bytes without cutting a
// rune in half.
func chunkText(s string, limit int) []string {
	if limit <= 0 || len(s) <= limit {
		return []string{s}
	}
	var chunks []string
	for len(s) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		if cut == 0 {
			cut = limit
		}
		chunks = append(chunks, s[:cut])
		s = s[cut:]
	}
	if len(s) > 0 {
		chunks = append(chunks, s)
	}
	return chunks
}
