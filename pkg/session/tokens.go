package session

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter counts tokens with the GPT-4 encoding, falling back to a
// four-characters-per-token estimate when the codec is unavailable.
type TokenCounter struct {
	codec tokenizer.Codec
}

var (
	defaultCounter     *TokenCounter
	defaultCounterOnce sync.Once
)

// DefaultTokenCounter returns a shared counter.
func DefaultTokenCounter() *TokenCounter {
	defaultCounterOnce.Do(func() {
		codec, err := tokenizer.ForModel(tokenizer.GPT4)
		if err != nil {
			codec = nil
		}
		defaultCounter = &TokenCounter{codec: codec}
	})
	return defaultCounter
}

// Count returns the number of tokens in text.
func (tc *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	if tc == nil || tc.codec == nil {
		return estimate(text)
	}
	n, err := tc.codec.Count(text)
	if err != nil {
		return estimate(text)
	}
	return n
}

func estimate(text string) int {
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}
