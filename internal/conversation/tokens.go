package conversation

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// MessageOverhead is added to every message's content tokens for role and
// framing.
const MessageOverhead = 4

// Counter estimates the token cost of a piece of text.
type Counter interface {
	Count(text string) int
}

// HeuristicCounter assumes roughly four bytes per token.
type HeuristicCounter struct{}

func (HeuristicCounter) Count(text string) int {
	n := len(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// TiktokenCounter counts with a BPE encoding such as cl100k_base.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter loads the named encoding. Loading may fetch the BPE
// ranks over the network on first use.
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load tiktoken encoding %s: %w", encoding, err)
	}
	return &TiktokenCounter{enc: enc}, nil
}

func (c *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(c.enc.Encode(text, nil, nil))
}
