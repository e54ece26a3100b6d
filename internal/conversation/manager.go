// Package conversation keeps a session's message log inside a token budget.
package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/nidhogg/taskforge/internal/oracle"
	"go.uber.org/zap"
)

const (
	DefaultThreshold   = 0.85
	DefaultTargetRatio = 0.5
)

// Message is one conversation entry.
type Message struct {
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	Name       string    `json:"name,omitempty"`
	TokenCount int       `json:"token_count"`
	Timestamp  time.Time `json:"timestamp"`
	Summary    bool      `json:"summary,omitempty"`
}

// pinned messages survive summarization verbatim. Summary messages carry
// role system but stay condensable.
func (m Message) pinned() bool {
	return m.Role == "system" && !m.Summary
}

// Usage is the current token position against the budget.
type Usage struct {
	Total int     `json:"total_tokens"`
	Max   int     `json:"max_tokens"`
	Ratio float64 `json:"ratio"`
}

// Stats describes the conversation for display.
type Stats struct {
	Messages       int            `json:"messages"`
	ByRole         map[string]int `json:"by_role"`
	TotalTokens    int            `json:"total_tokens"`
	MaxTokens      int            `json:"max_tokens"`
	Remaining      int            `json:"remaining_tokens"`
	UsagePercent   float64        `json:"usage_percent"`
	Summarizations int            `json:"summarizations"`
}

// Manager owns the ordered message log.
type Manager struct {
	mu             sync.Mutex
	messages       []Message
	total          int
	maxTokens      int
	version        uint64
	summarizations int

	counter Counter
	oracle  oracle.Oracle // optional; nil means digest-only condensation
	now     func() time.Time
	logger  *zap.Logger
}

// NewManager creates an empty conversation. counter nil uses HeuristicCounter.
func NewManager(maxTokens int, counter Counter, o oracle.Oracle, logger *zap.Logger) *Manager {
	if counter == nil {
		counter = HeuristicCounter{}
	}
	if maxTokens < 0 {
		maxTokens = 0
	}
	return &Manager{
		maxTokens: maxTokens,
		counter:   counter,
		oracle:    o,
		now:       time.Now,
		logger:    logger,
	}
}

// Tokens returns the cost of a message with the manager's counter.
func (m *Manager) Tokens(content string) int {
	return m.counter.Count(content) + MessageOverhead
}

// Append adds a message and returns it with its token count.
func (m *Manager) Append(role, content string) Message {
	return m.AppendMessage(Message{Role: role, Content: content})
}

// AppendNamed adds a message carrying a name.
func (m *Manager) AppendNamed(role, name, content string) {
	m.AppendMessage(Message{Role: role, Name: name, Content: content})
}

// AppendMessage adds msg; a zero TokenCount is computed, a preset one is kept.
func (m *Manager) AppendMessage(msg Message) Message {
	if msg.TokenCount <= 0 {
		msg.TokenCount = m.Tokens(msg.Content)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = m.now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	m.total += msg.TokenCount
	m.version++
	return msg
}

// Messages returns a copy of the log.
func (m *Manager) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.messages...)
}

// Usage reports total and max tokens. Ratio is 0 when there is no budget.
func (m *Manager) Usage() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := Usage{Total: m.total, Max: m.maxTokens}
	if m.maxTokens > 0 {
		u.Ratio = float64(m.total) / float64(m.maxTokens)
	}
	return u
}

// AutoSummarizeIfNeeded summarizes toward DefaultTargetRatio once usage
// reaches threshold and reports whether it did so. A zero budget never
// triggers.
func (m *Manager) AutoSummarizeIfNeeded(ctx context.Context, threshold float64) bool {
	m.mu.Lock()
	maxTokens, total := m.maxTokens, m.total
	m.mu.Unlock()
	if maxTokens == 0 {
		return false
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if float64(total)/float64(maxTokens) < threshold {
		return false
	}
	m.logger.Info("conversation over threshold, summarizing",
		zap.Int("total_tokens", total),
		zap.Int("max_tokens", maxTokens),
		zap.Float64("threshold", threshold))
	m.Summarize(ctx, DefaultTargetRatio)
	return true
}

// Clear drops the history, optionally keeping pinned system messages.
func (m *Manager) Clear(keepSystem bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []Message
	total := 0
	if keepSystem {
		for _, msg := range m.messages {
			if msg.pinned() {
				kept = append(kept, msg)
				total += msg.TokenCount
			}
		}
	}
	m.messages = kept
	m.total = total
	m.version++
}

// Stats summarizes the log.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{
		Messages:       len(m.messages),
		ByRole:         make(map[string]int),
		TotalTokens:    m.total,
		MaxTokens:      m.maxTokens,
		Summarizations: m.summarizations,
	}
	for _, msg := range m.messages {
		s.ByRole[msg.Role]++
	}
	if m.maxTokens > 0 {
		s.Remaining = m.maxTokens - m.total
		if s.Remaining < 0 {
			s.Remaining = 0
		}
		s.UsagePercent = float64(m.total) / float64(m.maxTokens) * 100
	}
	return s
}
