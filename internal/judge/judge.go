// Package judge decides whether a detected change is worth a notification.
//
// The judgment capability returns {"relevant": bool, "summary": string}.
// An answer that does not match that shape is a ShapeError: the caller
// treats the change as irrelevant rather than failing the source.
package judge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"

	logx "labtracker/pkg/logx"
)

// Verdict is the judgment outcome for one diff.
type Verdict struct {
	Relevant bool   `json:"relevant"`
	Summary  string `json:"summary"`
}

// ShapeError means the capability answered, but not in the agreed shape.
type ShapeError struct {
	Raw string
	Err error
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("judge returned unusable verdict: %v", e.Err)
}

func (e *ShapeError) Unwrap() error { return e.Err }

// Judge classifies a diff. Labels travel with the request so the
// capability can weigh what kind of source changed.
type Judge interface {
	Evaluate(ctx context.Context, diff string, labels []string) (Verdict, error)
}

const instructions = `You are an expert news triage assistant focused on AI research, foundation models, and developer platform updates. You are given a git-style markdown diff that shows changes on a web page (docs, blog, GitHub repo list, etc.).

Your job:
1. Analyse whether the diff contains concrete, user-relevant news such as: a new model name, new API endpoint, release notes, policy changes, benchmark results, new GitHub repo, etc. Pure formatting tweaks, typo fixes, or auto-generated timestamp changes are NOT relevant.
2. If relevant, produce a concise summary (1-3 bullet points, prefix each with '-'). Mention specific nouns and numbers.

Return your answer as JSON matching this exact schema (no additional keys):
{"type":"object","properties":{"relevant":{"type":"boolean"},"summary":{"type":"string"}},"required":["relevant","summary"]}`

const truncationNote = "\n[diff truncated]"

type completionClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAI judges diffs with a chat completion model.
type OpenAI struct {
	client     completionClient
	model      string
	timeout    time.Duration
	diffBudget int
	log        logx.Logger
}

// Config for the OpenAI judge.
type Config struct {
	APIKey     string
	Model      string
	Timeout    time.Duration
	DiffBudget int // max diff bytes sent per judgment; 0 = unlimited
}

func NewOpenAI(cfg Config, log logx.Logger) *OpenAI {
	return &OpenAI{
		client:     openai.NewClient(cfg.APIKey),
		model:      cfg.Model,
		timeout:    cfg.Timeout,
		diffBudget: cfg.DiffBudget,
		log:        log,
	}
}

// Evaluate sends the diff for judgment and parses the verdict. Transport
// failures come back as plain errors; shape failures come back as a
// ShapeError alongside an irrelevant verdict.
func (j *OpenAI) Evaluate(ctx context.Context, diff string, labels []string) (Verdict, error) {
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}

	content := j.clipDiff(diff)
	if len(labels) > 0 {
		content = "Source labels: " + strings.Join(labels, ", ") + "\n\n" + content
	}

	resp, err := j.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: j.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: instructions},
			{Role: openai.ChatMessageRoleUser, Content: content},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("judge: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Verdict{}, &ShapeError{Err: errors.New("no choices in response")}
	}

	return parseVerdict(resp.Choices[0].Message.Content)
}

func (j *OpenAI) clipDiff(diff string) string {
	if j.diffBudget <= 0 || len(diff) <= j.diffBudget {
		return diff
	}
	clipped := diff[:j.diffBudget]
	// Do not cut a rune in half.
	for len(clipped) > 0 {
		if r, size := utf8.DecodeLastRuneInString(clipped); r != utf8.RuneError || size > 1 {
			break
		}
		clipped = clipped[:len(clipped)-1]
	}
	return clipped + truncationNote
}

func parseVerdict(content string) (Verdict, error) {
	cleaned := stripFences(content)

	var raw struct {
		Relevant *bool   `json:"relevant"`
		Summary  *string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return Verdict{}, &ShapeError{Raw: content, Err: err}
	}
	if raw.Relevant == nil || raw.Summary == nil {
		return Verdict{}, &ShapeError{Raw: content, Err: errors.New("missing relevant or summary")}
	}
	return Verdict{Relevant: *raw.Relevant, Summary: *raw.Summary}, nil
}

// stripFences removes a ```lang ... ``` wrapper if the model added one.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = s[3:]
	i := 0
	for i < len(s) && (isWordByte(s[i])) {
		i++
	}
	s = strings.TrimSpace(s[i:])
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || b == '-' || b == '_'
}
