package provider

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/goccy/go-json"

	"github.com/felixgeelhaar/llmgate/internal/errors"
)

const geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiAdapter streams completions from the Google Gemini API.
type GeminiAdapter struct {
	baseURL   string
	client    *http.Client
	counter   *TokenCounter
	maxTokens int
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason,omitempty"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata,omitempty"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

// NewGeminiAdapter creates an adapter for the given descriptor.
func NewGeminiAdapter(d Descriptor, client *http.Client, counter *TokenCounter) *GeminiAdapter {
	baseURL := d.BaseURL
	if baseURL == "" {
		baseURL = geminiBaseURL
	}
	return &GeminiAdapter{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		client:    client,
		counter:   counter,
		maxTokens: d.MaxTokens,
	}
}

// Vendor implements Adapter.
func (a *GeminiAdapter) Vendor() string { return VendorGemini }

// Stream implements Adapter.
func (a *GeminiAdapter) Stream(ctx context.Context, req *Request) (<-chan StreamChunk, error) {
	body, err := json.Marshal(a.buildRequest(req))
	if err != nil {
		return nil, errors.NewProviderMalformedError(req.ProviderID, fmt.Errorf("marshal request: %w", err))
	}

	endpoint := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s",
		a.baseURL, url.PathEscape(req.Model), url.QueryEscape(req.Credential))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.NewProviderMalformedError(req.ProviderID, fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := do(ctx, a.client, req.ProviderID, httpReq)
	if err != nil {
		return nil, err
	}

	chunks := make(chan StreamChunk, chunkBuffer)
	go a.readStream(ctx, req, resp, chunks)
	return chunks, nil
}

// readStream consumes the SSE body. Gemini has no terminal marker, so a
// clean EOF ends the stream.
func (a *GeminiAdapter) readStream(ctx context.Context, req *Request, resp *http.Response, chunks chan<- StreamChunk) {
	defer close(chunks)
	defer resp.Body.Close()

	var (
		output  strings.Builder
		usage   *Usage
		failure error
	)

	err := scanSSE(resp.Body, func(_, data string) bool {
		var gr geminiResponse
		if err := json.Unmarshal([]byte(data), &gr); err != nil {
			failure = errors.NewProviderNetworkError(req.ProviderID, fmt.Errorf("unmarshal chunk: %w", err))
			return false
		}
		if gr.Error != nil {
			failure = ClassifyStatus(req.ProviderID, gr.Error.Code, "", gr.Error.Status+": "+gr.Error.Message)
			return false
		}
		if gr.UsageMetadata != nil {
			usage = &Usage{
				InputTokens:  gr.UsageMetadata.PromptTokenCount,
				OutputTokens: gr.UsageMetadata.CandidatesTokenCount,
			}
		}
		for _, cand := range gr.Candidates {
			for _, part := range cand.Content.Parts {
				if part.Text == "" {
					continue
				}
				output.WriteString(part.Text)
				if !emit(ctx, chunks, StreamChunk{Delta: part.Text}) {
					return false
				}
			}
		}
		return true
	})

	switch {
	case failure != nil:
		emit(ctx, chunks, StreamChunk{Error: failure, Done: true})
	case err != nil:
		emit(ctx, chunks, StreamChunk{Error: streamError(ctx, req.ProviderID, err), Done: true})
	case ctx.Err() != nil:
	default:
		if usage == nil {
			usage = a.counter.Estimate(req, output.String())
		}
		emit(ctx, chunks, StreamChunk{Done: true, Usage: usage})
	}
}

func (a *GeminiAdapter) buildRequest(req *Request) *geminiRequest {
	contents := make([]geminiContent, 0, len(req.Messages))
	for _, msg := range req.Messages {
		role := "user"
		if msg.Role == RoleAssistant {
			role = "model"
		}
		contents = append(contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: msg.Content}},
		})
	}

	out := &geminiRequest{Contents: contents}
	if req.SystemPrompt != "" {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.SystemPrompt}}}
	}

	maxTokens := a.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	if maxTokens > 0 {
		out.GenerationConfig = &geminiGenerationConfig{MaxOutputTokens: maxTokens}
	}
	return out
}
