package provider

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

// LangChainProvider adapts a langchaingo model to the Provider interface.
type LangChainProvider struct {
	config ProviderConfig
	model  llms.Model
	logger *zap.Logger
}

// NewLangChainProvider builds a langchaingo OpenAI-compatible client from cfg.
func NewLangChainProvider(cfg ProviderConfig, logger *zap.Logger) (*LangChainProvider, error) {
	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithHTTPClient(newHTTPClient(cfg.Timeout)),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, openai.WithBaseURL(cfg.Endpoint))
	}
	if len(cfg.Models) > 0 {
		opts = append(opts, openai.WithModel(cfg.Models[0]))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("langchain openai client: %w", err)
	}
	return NewLangChainProviderWithModel(cfg, llm, logger), nil
}

// NewLangChainProviderWithModel wraps an already constructed langchaingo model.
func NewLangChainProviderWithModel(cfg ProviderConfig, model llms.Model, logger *zap.Logger) *LangChainProvider {
	return &LangChainProvider{config: cfg, model: model, logger: logger}
}

func (p *LangChainProvider) ID() string   { return p.config.ID }
func (p *LangChainProvider) Name() string { return p.config.Name }

// Chat converts the request into langchaingo message contents and generates.
func (p *LangChainProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	messages := make([]llms.MessageContent, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, llms.TextParts(chatMessageType(m.Role), m.Content))
	}

	var opts []llms.CallOption
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}
	if req.Temperature > 0 {
		opts = append(opts, llms.WithTemperature(req.Temperature))
	}
	if len(req.Stop) > 0 {
		opts = append(opts, llms.WithStopWords(req.Stop))
	}
	model := p.config.resolveModel(req.Model)
	if model != "" && model != DefaultModel {
		opts = append(opts, llms.WithModel(model))
	}

	resp, err := p.model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("empty response from provider")
	}

	choice := resp.Choices[0]
	usage := Usage{
		PromptTokens:     intInfo(choice.GenerationInfo, "PromptTokens"),
		CompletionTokens: intInfo(choice.GenerationInfo, "CompletionTokens"),
	}
	usage.TotalTokens = intInfo(choice.GenerationInfo, "TotalTokens")
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return &ChatResponse{
		Model:        model,
		Content:      choice.Content,
		FinishReason: choice.StopReason,
		Usage:        usage,
	}, nil
}

// HealthCheck reports whether a model is configured; langchaingo exposes no probe.
func (p *LangChainProvider) HealthCheck(_ context.Context) error {
	if p.model == nil {
		return fmt.Errorf("langchain provider %s has no model", p.config.ID)
	}
	return nil
}

func chatMessageType(role string) llms.ChatMessageType {
	switch role {
	case "system":
		return llms.ChatMessageTypeSystem
	case "assistant":
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}

func intInfo(info map[string]any, key string) int {
	switch v := info[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
