// Package oracle is the language-model boundary used for planning,
// reasoning-only step dispatch and conversation condensation.
package oracle

import (
	"context"
	"strings"
)

// Purpose identifies why the oracle is being consulted. Routed oracles use
// it as the provider route key.
type Purpose string

const (
	PurposePlan     Purpose = "plan"
	PurposeReason   Purpose = "reason"
	PurposeCondense Purpose = "condense"
)

// Request is a single prompt sent to the oracle.
type Request struct {
	Purpose     Purpose
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Response is the oracle's free-text answer.
type Response struct {
	Text             string `json:"text"`
	Model            string `json:"model,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
}

// Oracle turns a prompt into free text. Implementations may be wrong and may fail.
type Oracle interface {
	ID() string
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// Func adapts a plain function to the Oracle interface.
type Func func(ctx context.Context, req *Request) (*Response, error)

func (f Func) ID() string { return "func" }

func (f Func) Complete(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Text returns an oracle that always answers with text.
func Text(text string) Oracle {
	return Func(func(context.Context, *Request) (*Response, error) {
		return &Response{Text: text}, nil
	})
}

// StripThinkBlocks removes <think>...</think> sections emitted by reasoning models.
// An unclosed block is stripped to the end of the string.
func StripThinkBlocks(s string) string {
	for {
		start := strings.Index(s, "<think>")
		if start == -1 {
			break
		}
		end := strings.Index(s[start:], "</think>")
		if end == -1 {
			s = s[:start]
			break
		}
		s = s[:start] + s[start+end+len("</think>"):]
	}
	return strings.TrimSpace(s)
}

// StripFences removes a surrounding markdown code fence and any think blocks.
func StripFences(s string) string {
	s = StripThinkBlocks(strings.TrimSpace(s))
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
		if i := strings.LastIndex(s, "```"); i != -1 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}
