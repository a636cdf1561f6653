package provider

import (
	"sync"
	"unicode"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// DefaultEncoding is the BPE used for local estimates.
const DefaultEncoding = "cl100k_base"

// messageOverhead covers role and formatting tokens per message.
const messageOverhead = 4

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

func loadEncoding() *tiktoken.Tiktoken {
	encOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
		e, err := tiktoken.GetEncoding(DefaultEncoding)
		if err == nil {
			enc = e
		}
	})
	return enc
}

// TokenCounter estimates token counts when a vendor does not report them.
type TokenCounter struct {
	// CharsPerToken is used when the BPE encoding is unavailable
	CharsPerToken float64

	encoding *tiktoken.Tiktoken
}

// NewTokenCounter creates a counter backed by the cl100k_base encoding,
// falling back to a character heuristic if the encoding cannot load.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{
		CharsPerToken: 4.0,
		encoding:      loadEncoding(),
	}
}

// Count returns the estimated token count of text.
func (tc *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	if tc.encoding != nil {
		return len(tc.encoding.Encode(text, nil, nil))
	}

	chars := 0
	for _, r := range text {
		if !unicode.IsSpace(r) {
			chars++
		}
	}
	return int(float64(chars)/tc.CharsPerToken) + 1
}

// CountRequest estimates the input tokens of a request.
func (tc *TokenCounter) CountRequest(req *Request) int {
	total := tc.Count(req.SystemPrompt)
	for _, msg := range req.Messages {
		total += tc.Count(msg.Content) + messageOverhead
	}
	return total
}

// Estimate builds an estimated Usage for a request and its generated output.
func (tc *TokenCounter) Estimate(req *Request, output string) *Usage {
	return &Usage{
		InputTokens:  tc.CountRequest(req),
		OutputTokens: tc.Count(output),
		Estimated:    true,
	}
}
