// Package checkpoint persists conversations so a session can resume or
// replay them. One session at a time may append to a conversation; any
// number of readers may load it.
package checkpoint

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/felixgeelhaar/llmgate/internal/provider"
	"github.com/felixgeelhaar/llmgate/internal/usage"
)

// DefaultTitle is used when the first message has no usable text.
const DefaultTitle = "New Conversation"

const maxTitleRunes = 50

// Message is one persisted turn. Usage fields are nil for user turns.
type Message struct {
	ID              string        `json:"id"`
	Role            provider.Role `json:"role"`
	Content         string        `json:"content"`
	ProviderID      string        `json:"provider_id,omitempty"`
	Model           string        `json:"model,omitempty"`
	InputTokens     *int          `json:"input_tokens,omitempty"`
	OutputTokens    *int          `json:"output_tokens,omitempty"`
	Cost            *float64      `json:"cost,omitempty"`
	ClientMessageID int           `json:"client_message_id,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

// Rating is a client's score of one answer.
type Rating struct {
	ClientMessageID int       `json:"message_id"`
	ProviderID      string    `json:"provider_id"`
	Rating          int       `json:"rating"`
	CreatedAt       time.Time `json:"created_at"`
}

// Conversation is a persisted chat.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Messages  []Message `json:"messages"`
	Ratings   []Rating  `json:"ratings,omitempty"`
}

// Summary describes a conversation without its messages.
type Summary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// Usage rebuilds the running totals from the conversation's messages.
func (c *Conversation) Usage() usage.Snapshot {
	priced := make([]usage.Priced, 0, len(c.Messages))
	for _, m := range c.Messages {
		priced = append(priced, usage.Priced{
			InputTokens:  m.InputTokens,
			OutputTokens: m.OutputTokens,
			Cost:         m.Cost,
		})
	}
	return usage.TotalsFromMessages(priced)
}

// Store is a persistence backend.
type Store interface {
	CreateConversation(ctx context.Context, conv *Conversation) error
	AppendMessages(ctx context.Context, conversationID string, msgs ...Message) error
	LoadConversation(ctx context.Context, id string) (*Conversation, error)
	ClearHistory(ctx context.Context, id string) error
	RecordRating(ctx context.Context, conversationID string, rating Rating) error
	ListConversations(ctx context.Context, limit int) ([]Summary, error)
	Ping(ctx context.Context) error
	Close() error
}

// TitleFromContent derives a conversation title from the first user
// message: its first line, cut to 50 characters.
func TitleFromContent(content string) string {
	line := strings.TrimSpace(content)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if line == "" {
		return DefaultTitle
	}
	if utf8.RuneCountInString(line) > maxTitleRunes {
		runes := []rune(line)
		return string(runes[:maxTitleRunes]) + "..."
	}
	return line
}
