package rag

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"llmops/internal/logging"
)

// DefaultEncoding is used for token splitting and history budgeting.
const DefaultEncoding = "cl100k_base"

// TokenCounter measures text in model tokens.
type TokenCounter interface {
	CountTokens(text string) int
}

// TokenCounterFunc adapts a function to TokenCounter.
type TokenCounterFunc func(text string) int

func (f TokenCounterFunc) CountTokens(text string) int { return f(text) }

type tiktokenCounter struct {
	encoding *tiktoken.Tiktoken
}

// NewTiktokenCounter loads a tiktoken encoding. The BPE ranks are fetched on
// first use, so this fails without network access or a warm cache.
func NewTiktokenCounter(encoding string) (TokenCounter, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, err
	}
	return &tiktokenCounter{encoding: enc}, nil
}

func (c *tiktokenCounter) CountTokens(text string) int {
	return len(c.encoding.Encode(text, nil, nil))
}

// ApproxTokenCounter estimates four characters per token.
var ApproxTokenCounter TokenCounter = TokenCounterFunc(func(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
})

var (
	defaultCounterOnce sync.Once
	defaultCounter     TokenCounter
)

// DefaultTokenCounter returns a cl100k_base counter, falling back to
// ApproxTokenCounter when the encoding cannot be loaded.
func DefaultTokenCounter() TokenCounter {
	defaultCounterOnce.Do(func() {
		counter, err := NewTiktokenCounter(DefaultEncoding)
		if err != nil {
			logging.NewComponentLogger("rag").Warn("tiktoken unavailable, approximating token counts: %v", err)
			defaultCounter = ApproxTokenCounter
			return
		}
		defaultCounter = counter
	})
	return defaultCounter
}
