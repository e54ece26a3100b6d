package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/nidhogg/taskforge/internal/provider"
	"go.uber.org/zap"
)

// Options tunes a Routed oracle.
type Options struct {
	Model            string
	Timeout          time.Duration
	DefaultMaxTokens int
}

// Routed sends oracle requests through a provider router, one route per purpose.
type Routed struct {
	router *provider.Router
	opts   Options
	logger *zap.Logger
}

// NewRouted creates a router-backed oracle.
func NewRouted(router *provider.Router, opts Options, logger *zap.Logger) *Routed {
	if opts.Model == "" {
		opts.Model = provider.DefaultModel
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	if opts.DefaultMaxTokens <= 0 {
		opts.DefaultMaxTokens = 2048
	}
	return &Routed{router: router, opts: opts, logger: logger}
}

// ID names the router's default provider.
func (o *Routed) ID() string {
	return "router:" + o.router.DefaultID()
}

// Complete enforces the oracle timeout and routes by purpose.
func (o *Routed) Complete(ctx context.Context, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	defer cancel()

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = o.opts.DefaultMaxTokens
	}
	chat := &provider.ChatRequest{
		Model:       o.opts.Model,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	}
	if req.System != "" {
		chat.Messages = append(chat.Messages, provider.Message{Role: "system", Content: req.System})
	}
	chat.Messages = append(chat.Messages, provider.Message{Role: "user", Content: req.Prompt})

	start := time.Now()
	resp, err := o.router.Route(ctx, string(req.Purpose), chat)
	if err != nil {
		return nil, fmt.Errorf("oracle %s: %w", req.Purpose, err)
	}
	o.logger.Debug("oracle completed",
		zap.String("purpose", string(req.Purpose)),
		zap.String("model", resp.Model),
		zap.Duration("elapsed", time.Since(start)))
	return &Response{
		Text:             resp.Content,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}
