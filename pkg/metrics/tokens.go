package metrics

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter estimates token counts of backend traffic. Local chat models have their
// own vocabularies; cl100k gives a stable approximation across them.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a counter using the cl100k encoding.
func NewTokenCounter() (*TokenCounter, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec: %w", err)
	}
	return &TokenCounter{codec: codec}, nil
}

// CountTokens returns the number of tokens in text.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc == nil || tc.codec == nil {
		// 4 chars ≈ 1 token
		return len(text) / 4
	}
	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

var (
	defaultCounter     *TokenCounter //nolint:gochecknoglobals
	defaultCounterOnce sync.Once     //nolint:gochecknoglobals
)

// CountTokensSimple counts tokens with a lazily created shared counter.
func CountTokensSimple(text string) int {
	defaultCounterOnce.Do(func() {
		defaultCounter, _ = NewTokenCounter()
	})
	return defaultCounter.CountTokens(text)
}
