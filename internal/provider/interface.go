package provider

import (
	"context"
	"time"
)

// Adapter is the uniform streaming capability every vendor implements.
// Stream issues one completion call and returns a finite, non-restartable
// sequence of chunks; retrying means calling Stream again.
//
// Errors returned from Stream (or carried by a chunk) are classified
// GatewayErrors: auth, rate limit, network or malformed request.
// Cancelling ctx aborts the underlying HTTP call and closes the channel.
type Adapter interface {
	// Vendor returns the wire dialect the adapter speaks (anthropic, openai, gemini)
	Vendor() string

	// Stream opens a streaming completion call
	Stream(ctx context.Context, req *Request) (<-chan StreamChunk, error)
}

// Role of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of conversation history sent to a provider.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Attachment is already-extracted file content that accompanies a chat request.
type Attachment struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// Request contains everything an adapter needs for one call.
type Request struct {
	// ProviderID is the descriptor id the call is made for, used in errors
	ProviderID string

	// Model is the vendor model name
	Model string

	// Credential is the resolved API key
	Credential string

	// SystemPrompt is sent out of band where the vendor supports it
	SystemPrompt string

	// Messages is the conversation history, oldest first, ending with the
	// user turn being answered
	Messages []Message

	// Attachments lists the files already folded into the final user
	// message. Adapters do not send them again.
	Attachments []Attachment

	// MaxTokens limits the response length; zero uses the adapter default
	MaxTokens int
}

// Clone returns a shallow copy of the request with its own message slice.
func (r *Request) Clone() *Request {
	c := *r
	c.Messages = append([]Message(nil), r.Messages...)
	c.Attachments = append([]Attachment(nil), r.Attachments...)
	return &c
}

// Usage is the token accounting reported at the end of a stream.
type Usage struct {
	InputTokens  int  `json:"input_tokens"`
	OutputTokens int  `json:"output_tokens"`
	Estimated    bool `json:"estimated"`
}

// TotalTokens returns input plus output tokens.
func (u Usage) TotalTokens() int {
	return u.InputTokens + u.OutputTokens
}

// StreamChunk represents a single chunk in a streaming response.
type StreamChunk struct {
	// Delta is the incremental text
	Delta string

	// Done marks the final chunk, which carries Usage
	Done bool

	// Usage is set on the final chunk
	Usage *Usage

	// Error ends the stream abnormally
	Error error

	// Timestamp is when this chunk was received
	Timestamp time.Time
}
