package provider

import (
	"context"
	"testing"

	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"
)

type fakeModel struct {
	messages []llms.MessageContent
}

func (m *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	m.messages = messages
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		Content:        "generated",
		StopReason:     "stop",
		GenerationInfo: map[string]any{"PromptTokens": 5, "CompletionTokens": 2},
	}}}, nil
}

func (m *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func TestLangChainChat(t *testing.T) {
	model := &fakeModel{}
	p := NewLangChainProviderWithModel(ProviderConfig{ID: "lc"}, model, zap.NewNop())

	resp, err := p.Chat(context.Background(), &ChatRequest{Messages: []Message{
		{Role: "system", Content: "sys"},
		{Role: "assistant", Content: "earlier"},
		{Role: "user", Content: "now"},
	}})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "generated" || resp.Usage.TotalTokens != 7 {
		t.Errorf("unexpected response %+v", resp)
	}
	want := []llms.ChatMessageType{llms.ChatMessageTypeSystem, llms.ChatMessageTypeAI, llms.ChatMessageTypeHuman}
	for i, m := range model.messages {
		if m.Role != want[i] {
			t.Errorf("message %d role = %s, want %s", i, m.Role, want[i])
		}
	}
}
