package logx

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"INFO", zerolog.InfoLevel},
		{" warn ", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"bogus", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in, zerolog.InfoLevel); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	if got := truncate("short", 100); got != "short" {
		t.Fatalf("truncate should not touch short strings, got %q", got)
	}
	got := truncate(strings.Repeat("x", 50), 20)
	if len(got) != 20 {
		t.Fatalf("len = %d, want 20", len(got))
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("expected ellipsis suffix, got %q", got)
	}
}

func TestChunkText(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		in    string
		limit int
		want  int
	}{
		{name: "fits", in: "hello", limit: 10, want: 1},
		{name: "exact", in: "hello", limit: 5, want: 1},
		{name: "split", in: strings.Repeat("a", 11), limit: 5, want: 3},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			chunks := chunkText(tt.in, tt.limit)
			if len(chunks) != tt.want {
				t.Fatalf("chunks = %d, want %d", len(chunks), tt.want)
			}
			if strings.Join(chunks, "") != tt.in {
				t.Fatalf("chunks do not reassemble input")
			}
		})
	}
}

func TestChunkTextKeepsRunesWhole(t *testing.T) {
	t.Parallel()
	in := strings.Repeat("⚡", 10) // 3 bytes each
	for _, c := range chunkText(in, 7) {
		if strings.ContainsRune(c, '�') {
			t.Fatalf("chunk contains replacement rune: %q", c)
		}
		if len(c)%3 != 0 {
			t.Fatalf("chunk split mid-rune: %q", c)
		}
	}
}

func TestFormatRecord(t *testing.T) {
	t.Parallel()
	line := []byte(`{"level":"warn","message":"fetch failed","source":"Blog-A","time":"ignored"}`)
	got := formatRecord(line)
	if !strings.HasPrefix(got, "[WARN] fetch failed") {
		t.Fatalf("unexpected prefix: %q", got)
	}
	if !strings.Contains(got, "source=Blog-A") {
		t.Fatalf("missing field line: %q", got)
	}
	if strings.Contains(got, "time=") {
		t.Fatalf("time field should be dropped: %q", got)
	}

	raw := formatRecord([]byte("plain text\n"))
	if raw != "plain text" {
		t.Fatalf("raw passthrough = %q", raw)
	}
}
