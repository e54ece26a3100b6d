package conversation

import (
	"testing"

	"go.uber.org/zap"
)

func TestHeuristicCounter(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"twelve chars", 3},
	}
	var c HeuristicCounter
	for _, tc := range cases {
		if got := c.Count(tc.text); got != tc.want {
			t.Errorf("Count(%q) = %d, want %d", tc.text, got, tc.want)
		}
	}
}

func TestManagerTokensAddsOverhead(t *testing.T) {
	m := NewManager(100, nil, nil, zap.NewNop())
	if got := m.Tokens("abcd"); got != 1+MessageOverhead {
		t.Errorf("Tokens = %d", got)
	}
	msg := m.Append("user", "abcdefgh")
	if msg.TokenCount != 2+MessageOverhead {
		t.Errorf("TokenCount = %d", msg.TokenCount)
	}
}

func TestTiktokenCounter(t *testing.T) {
	if testing.Short() {
		t.Skip("tiktoken may download the encoding")
	}
	c, err := NewTiktokenCounter("")
	if err != nil {
		t.Skipf("encoding unavailable: %v", err)
	}
	if c.Count("") != 0 {
		t.Error("empty text should cost nothing")
	}
	if n := c.Count("hello world"); n != 2 {
		t.Errorf("Count(hello world) = %d, want 2", n)
	}
}
