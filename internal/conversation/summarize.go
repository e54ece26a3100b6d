package conversation

import (
	"context"
	"fmt"
	"strings"

	"github.com/nidhogg/taskforge/internal/oracle"
	"go.uber.org/zap"
)

const (
	summaryName       = "conversation_summary"
	summaryHeader     = "[Conversation Summary]\n"
	minSummaryBudget  = 64
	condenseRetainNum = 3 // keep = ceil(N * 3 / 10)
	condenseRetainDen = 10
)

// digestWidths are the per-message content lengths the structural digest
// tries, longest first.
var digestWidths = []int{200, 80, 32, 0}

const condensePrompt = `Summarize the following conversation history concisely. Preserve facts, decisions, results and open tasks. Do not add commentary.

%s`

// retainCount is ceil(0.3 * n) in integer arithmetic.
func retainCount(n int) int {
	return (n*condenseRetainNum + condenseRetainDen - 1) / condenseRetainDen
}

// Summarize condenses the older non-system messages into one summary
// message, keeping pinned system messages and the newest ceil(0.3*N)
// non-system messages verbatim. It reports whether the log changed; the log
// is never left larger than before.
func (m *Manager) Summarize(ctx context.Context, targetRatio float64) bool {
	if targetRatio <= 0 || targetRatio >= 1 {
		targetRatio = DefaultTargetRatio
	}

	m.mu.Lock()
	snapshot := append([]Message(nil), m.messages...)
	version := m.version
	before := m.total
	maxTokens := m.maxTokens
	m.mu.Unlock()

	var pinned, others []Message
	for _, msg := range snapshot {
		if msg.pinned() {
			pinned = append(pinned, msg)
		} else {
			others = append(others, msg)
		}
	}
	keep := retainCount(len(others))
	older, recent := others[:len(others)-keep], others[len(others)-keep:]
	if len(older) == 0 || (len(older) == 1 && older[0].Summary) {
		return false
	}

	olderTokens := 0
	for _, msg := range older {
		olderTokens += msg.TokenCount
	}
	keptTokens := 0
	for _, msg := range pinned {
		keptTokens += msg.TokenCount
	}
	for _, msg := range recent {
		keptTokens += msg.TokenCount
	}
	budget := int(targetRatio*float64(maxTokens)) - keptTokens
	if budget < minSummaryBudget {
		budget = minSummaryBudget
	}

	summary, method, ok := m.condense(ctx, older, olderTokens, budget)
	if !ok {
		m.logger.Warn("summarization could not reduce tokens, conversation unchanged",
			zap.Int("condensable_messages", len(older)),
			zap.Int("condensable_tokens", olderTokens))
		return false
	}

	rebuilt := make([]Message, 0, len(pinned)+1+len(recent))
	rebuilt = append(rebuilt, pinned...)
	rebuilt = append(rebuilt, summary)
	rebuilt = append(rebuilt, recent...)
	after := keptTokens + summary.TokenCount
	if after > before {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.version != version {
		m.logger.Warn("conversation changed during summarization, discarding result")
		return false
	}
	m.messages = rebuilt
	m.total = after
	m.version++
	m.summarizations++

	m.logger.Info("conversation summarized",
		zap.String("method", method),
		zap.Int("condensed_messages", len(older)),
		zap.Int("tokens_before", before),
		zap.Int("tokens_after", after))
	return true
}

// condense prefers the oracle and falls back to the structural digest. The
// returned message always costs fewer tokens than the messages it replaces.
func (m *Manager) condense(ctx context.Context, older []Message, olderTokens, budget int) (Message, string, bool) {
	if m.oracle != nil {
		msg, err := m.condenseWithOracle(ctx, older, budget)
		switch {
		case err != nil:
			m.logger.Warn("oracle condensation failed, using digest", zap.Error(err))
		case msg.TokenCount >= olderTokens:
			m.logger.Warn("oracle summary did not reduce tokens, using digest",
				zap.Int("summary_tokens", msg.TokenCount),
				zap.Int("replaced_tokens", olderTokens))
		default:
			return msg, "oracle", true
		}
	}

	for _, width := range digestWidths {
		msg := m.summaryMessage(digest(older, width))
		if msg.TokenCount < olderTokens {
			return msg, "digest", true
		}
	}
	return Message{}, "", false
}

func (m *Manager) condenseWithOracle(ctx context.Context, older []Message, budget int) (Message, error) {
	var transcript strings.Builder
	for _, msg := range older {
		fmt.Fprintf(&transcript, "[%s]: %s\n", msg.Role, msg.Content)
	}
	resp, err := m.oracle.Complete(ctx, &oracle.Request{
		Purpose:   oracle.PurposeCondense,
		Prompt:    fmt.Sprintf(condensePrompt, transcript.String()),
		MaxTokens: budget,
	})
	if err != nil {
		return Message{}, err
	}
	text := strings.TrimSpace(oracle.StripThinkBlocks(resp.Text))
	if text == "" {
		return Message{}, fmt.Errorf("oracle returned an empty summary")
	}
	return m.summaryMessage(text), nil
}

func (m *Manager) summaryMessage(text string) Message {
	content := summaryHeader + text
	return Message{
		Role:       "system",
		Name:       summaryName,
		Content:    content,
		TokenCount: m.Tokens(content),
		Timestamp:  m.now(),
		Summary:    true,
	}
}

// digest renders "#index role: content" lines, content cut to width runes.
func digest(msgs []Message, width int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d earlier messages condensed.", len(msgs))
	for i, msg := range msgs {
		fmt.Fprintf(&b, "\n#%d %s", i+1, msg.Role)
		if width <= 0 {
			continue
		}
		content := strings.Join(strings.Fields(msg.Content), " ")
		if r := []rune(content); len(r) > width {
			content = string(r[:width]) + "..."
		}
		b.WriteString(": " + content)
	}
	return b.String()
}
