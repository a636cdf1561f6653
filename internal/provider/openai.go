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

const openaiBaseURL = "https://api.openai.com/v1"

// OpenAIAdapter streams completions from the OpenAI Chat Completions API.
type OpenAIAdapter struct {
	baseURL   string
	client    *http.Client
	counter   *TokenCounter
	maxTokens int
}

type openaiRequest struct {
	Model               string               `json:"model"`
	Messages            []openaiMessage      `json:"messages"`
	MaxCompletionTokens int                  `json:"max_completion_tokens,omitempty"`
	Stream              bool                 `json:"stream"`
	StreamOptions       *openaiStreamOptions `json:"stream_options,omitempty"`
}

type openaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// NewOpenAIAdapter creates an adapter for the given descriptor.
func NewOpenAIAdapter(d Descriptor, client *http.Client, counter *TokenCounter) *OpenAIAdapter {
	baseURL := d.BaseURL
	if baseURL == "" {
		baseURL = openaiBaseURL
	}
	return &OpenAIAdapter{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		client:    client,
		counter:   counter,
		maxTokens: d.MaxTokens,
	}
}

// Vendor implements Adapter.
func (a *OpenAIAdapter) Vendor() string { return VendorOpenAI }

// Stream implements Adapter.
func (a *OpenAIAdapter) Stream(ctx context.Context, req *Request) (<-chan StreamChunk, error) {
	body, err := json.Marshal(a.buildRequest(req))
	if err != nil {
		return nil, errors.NewProviderMalformedError(req.ProviderID, fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, errors.NewProviderMalformedError(req.ProviderID, fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+req.Credential)

	resp, err := do(ctx, a.client, req.ProviderID, httpReq)
	if err != nil {
		return nil, err
	}

	chunks := make(chan StreamChunk, chunkBuffer)
	go a.readStream(ctx, req, resp, chunks)
	return chunks, nil
}

func (a *OpenAIAdapter) readStream(ctx context.Context, req *Request, resp *http.Response, chunks chan<- StreamChunk) {
	defer close(chunks)
	defer resp.Body.Close()

	var (
		output  strings.Builder
		usage   *Usage
		done    bool
		failure error
	)

	err := scanSSE(resp.Body, func(_, data string) bool {
		if data == "[DONE]" {
			done = true
			return false
		}

		var chunk openaiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			failure = errors.NewProviderNetworkError(req.ProviderID, fmt.Errorf("unmarshal chunk: %w", err))
			return false
		}
		if chunk.Error != nil {
			failure = errors.NewProviderNetworkError(req.ProviderID, fmt.Errorf("%s: %s", chunk.Error.Type, chunk.Error.Message))
			return false
		}
		if chunk.Usage != nil {
			usage = &Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
			}
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			text := chunk.Choices[0].Delta.Content
			output.WriteString(text)
			if !emit(ctx, chunks, StreamChunk{Delta: text}) {
				return false
			}
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
				Error: errors.NewProviderNetworkError(req.ProviderID, fmt.Errorf("stream ended before [DONE]")),
				Done:  true,
			})
		}
	default:
		if usage == nil {
			usage = a.counter.Estimate(req, output.String())
		}
		emit(ctx, chunks, StreamChunk{Done: true, Usage: usage})
	}
}

func (a *OpenAIAdapter) buildRequest(req *Request) *openaiRequest {
	messages := make([]openaiMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openaiMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, msg := range req.Messages {
		messages = append(messages, openaiMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	maxTokens := a.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	return &openaiRequest{
		Model:               req.Model,
		Messages:            messages,
		MaxCompletionTokens: maxTokens,
		Stream:              true,
		StreamOptions:       &openaiStreamOptions{IncludeUsage: true},
	}
}
