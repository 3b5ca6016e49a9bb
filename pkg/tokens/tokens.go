package tokens

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

const defaultEncoding = "cl100k_base"

// Counter estimates token counts for context budget enforcement.
type Counter interface {
	CountTokens(text string) int
}

// TiktokenCounter counts tokens with the tiktoken BPE for the configured
// model family.
type TiktokenCounter struct {
	tke *tiktoken.Tiktoken
	mu  sync.RWMutex
}

// NewTiktokenCounter creates a counter for the given model or encoding name,
// falling back to cl100k_base when the name is unknown.
func NewTiktokenCounter(modelOrEncoding string) (*TiktokenCounter, error) {
	if modelOrEncoding == "" {
		modelOrEncoding = defaultEncoding
	}

	tke, err := tiktoken.GetEncoding(modelOrEncoding)
	if err != nil {
		tke, err = tiktoken.EncodingForModel(modelOrEncoding)
		if err != nil {
			tke, err = tiktoken.GetEncoding(defaultEncoding)
			if err != nil {
				return nil, err
			}
		}
	}

	return &TiktokenCounter{tke: tke}, nil
}

// CountTokens counts the tokens in text.
func (c *TiktokenCounter) CountTokens(text string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tke.Encode(text, nil, nil))
}

// HeuristicCounter approximates tokens as one per four characters. Used when
// the tiktoken encoding cannot be loaded, and in tests that must not touch
// the network.
type HeuristicCounter struct{}

// CountTokens approximates the token count of text.
func (HeuristicCounter) CountTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// NewCounter returns a tiktoken counter for the model, or the heuristic
// counter when the encoding is unavailable.
func NewCounter(model string) Counter {
	counter, err := NewTiktokenCounter(model)
	if err != nil {
		return HeuristicCounter{}
	}
	return counter
}
