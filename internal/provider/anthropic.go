package provider

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/felixgeelhaar/llmgate/internal/errors"
)

const (
	anthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"

	// Anthropic requires max_tokens on every request
	anthropicDefaultMaxTokens = 4096
)

// AnthropicAdapter streams completions from the Anthropic Messages API.
type AnthropicAdapter struct {
	baseURL   string
	client    *http.Client
	counter   *TokenCounter
	maxTokens int
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// anthropicEvent covers the fields used from every SSE event type.
type anthropicEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewAnthropicAdapter creates an adapter for the given descriptor.
func NewAnthropicAdapter(d Descriptor, client *http.Client, counter *TokenCounter) *AnthropicAdapter {
	baseURL := d.BaseURL
	if baseURL == "" {
		baseURL = anthropicBaseURL
	}
	maxTokens := d.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	return &AnthropicAdapter{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		client:    client,
		counter:   counter,
		maxTokens: maxTokens,
	}
}

// Vendor implements Adapter.
func (a *AnthropicAdapter) Vendor() string { return VendorAnthropic }

// Stream implements Adapter.
func (a *AnthropicAdapter) Stream(ctx context.Context, req *Request) (<-chan StreamChunk, error) {
	body, err := json.Marshal(a.buildRequest(req))
	if err != nil {
		return nil, errors.NewProviderMalformedError(req.ProviderID, fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, errors.NewProviderMalformedError(req.ProviderID, fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("x-api-key", req.Credential)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := do(ctx, a.client, req.ProviderID, httpReq)
	if err != nil {
		return nil, err
	}

	chunks := make(chan StreamChunk, chunkBuffer)
	go a.readStream(ctx, req, resp, chunks)
	return chunks, nil
}

func (a *AnthropicAdapter) readStream(ctx context.Context, req *Request, resp *http.Response, chunks chan<- StreamChunk) {
	defer close(chunks)
	defer resp.Body.Close()

	var (
		output   strings.Builder
		usage    Usage
		sawUsage bool
		done     bool
		failure  error
	)

	err := scanSSE(resp.Body, func(_, data string) bool {
		var ev anthropicEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			failure = errors.NewProviderNetworkError(req.ProviderID, fmt.Errorf("unmarshal event: %w", err))
			return false
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				usage.InputTokens = ev.Message.Usage.InputTokens
				usage.OutputTokens = ev.Message.Usage.OutputTokens
				sawUsage = true
			}
		case "content_block_delta":
			if ev.Delta != nil && ev.Delta.Text != "" {
				output.WriteString(ev.Delta.Text)
				if !emit(ctx, chunks, StreamChunk{Delta: ev.Delta.Text}) {
					return false
				}
			}
		case "message_delta":
			if ev.Usage != nil {
				usage.OutputTokens = ev.Usage.OutputTokens
				sawUsage = true
			}
		case "message_stop":
			done = true
			return false
		case "error":
			msg := "stream error"
			if ev.Error != nil {
				msg = ev.Error.Type + ": " + ev.Error.Message
			}
			// overloaded_error and api_error are transient on Anthropic's side
			failure = errors.NewProviderNetworkError(req.ProviderID, fmt.Errorf("%s", msg))
			return false
		}
		return true
	})

	switch {
	case failure != nil:
		emit(ctx, chunks, StreamChunk{Error: failure, Done: true})
	case err != nil:
		emit(ctx, chunks, StreamChunk{Error: streamError(ctx, req.ProviderID, err), Done: true})
	case !done:
		if ctx.Err() == nil {
			emit(ctx, chunks, StreamChunk{
				Error: errors.NewProviderNetworkError(req.ProviderID, fmt.Errorf("stream ended before message_stop")),
				Done:  true,
			})
		}
	default:
		final := &usage
		if !sawUsage {
			final = a.counter.Estimate(req, output.String())
		}
		emit(ctx, chunks, StreamChunk{Done: true, Usage: final})
	}
}

func (a *AnthropicAdapter) buildRequest(req *Request) *anthropicRequest {
	messages := make([]anthropicMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, anthropicMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	maxTokens := a.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	return &anthropicRequest{
		Model:     req.Model,
		Messages:  messages,
		System:    req.SystemPrompt,
		MaxTokens: maxTokens,
		Stream:    true,
	}
}
