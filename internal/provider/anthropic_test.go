package provider

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/llmgate/internal/errors"
)

var anthropicEvents = []string{
	"event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":12,\"output_tokens\":1}}}\n\n",
	"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hel\"}}\n\n",
	"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"lo\"}}\n\n",
	"event: message_delta\ndata: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":2}}\n\n",
	"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n",
}

func newTestAnthropic(baseURL string) *AnthropicAdapter {
	return NewAnthropicAdapter(Descriptor{ID: "claude", BaseURL: baseURL}, NewHTTPClient(), NewTokenCounter())
}

func TestAnthropicStream(t *testing.T) {
	server := newTestServer(t, sseHandler(t, anthropicEvents, func(r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))

		body, _ := io.ReadAll(r.Body)
		var req anthropicRequest
		require.NoError(t, json.Unmarshal(body, &req))
		assert.True(t, req.Stream)
		assert.Equal(t, "be brief", req.System)
		assert.Equal(t, anthropicDefaultMaxTokens, req.MaxTokens)
		assert.Len(t, req.Messages, 1)
	}))

	ch, err := newTestAnthropic(server.URL).Stream(testContext(t), testRequest("claude"))
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 3)
	assert.Equal(t, "Hello", deltas(chunks))

	final := chunks[len(chunks)-1]
	assert.True(t, final.Done)
	require.NoError(t, final.Error)
	require.NotNil(t, final.Usage)
	assert.Equal(t, Usage{InputTokens: 12, OutputTokens: 2}, *final.Usage)
}

func TestAnthropicStreamEstimatesMissingUsage(t *testing.T) {
	events := []string{anthropicEvents[1], anthropicEvents[2], anthropicEvents[4]}
	server := newTestServer(t, sseHandler(t, events, nil))

	ch, err := newTestAnthropic(server.URL).Stream(testContext(t), testRequest("claude"))
	require.NoError(t, err)

	chunks := collect(t, ch)
	final := chunks[len(chunks)-1]
	require.NotNil(t, final.Usage)
	assert.True(t, final.Usage.Estimated)
	assert.Positive(t, final.Usage.InputTokens)
	assert.Positive(t, final.Usage.OutputTokens)
}

func TestAnthropicStreamErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantCode errors.ErrorCode
	}{
		{"unauthorized", http.StatusUnauthorized, errors.ErrCodeProviderAuth},
		{"forbidden", http.StatusForbidden, errors.ErrCodeProviderAuth},
		{"rate limited", http.StatusTooManyRequests, errors.ErrCodeProviderRateLimit},
		{"bad request", http.StatusBadRequest, errors.ErrCodeProviderMalformed},
		{"overloaded", 529, errors.ErrCodeProviderNetwork},
		{"server error", http.StatusInternalServerError, errors.ErrCodeProviderNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newTestServer(t, statusHandler(tt.status, `{"type":"error"}`))

			ch, err := newTestAnthropic(server.URL).Stream(testContext(t), testRequest("claude"))
			require.Error(t, err)
			assert.Nil(t, ch)
			assert.Equal(t, tt.wantCode, errors.CodeOf(err))

			gwErr, ok := errors.As(err)
			require.True(t, ok)
			assert.Equal(t, "claude", gwErr.Provider)
		})
	}
}

func TestAnthropicStreamMidStreamError(t *testing.T) {
	events := []string{
		anthropicEvents[1],
		"event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n",
	}
	server := newTestServer(t, sseHandler(t, events, nil))

	ch, err := newTestAnthropic(server.URL).Stream(testContext(t), testRequest("claude"))
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 2)
	assert.Equal(t, "Hel", chunks[0].Delta)
	assert.True(t, errors.IsRetryable(chunks[1].Error))
}

func TestAnthropicStreamTruncated(t *testing.T) {
	server := newTestServer(t, sseHandler(t, anthropicEvents[:2], nil))

	ch, err := newTestAnthropic(server.URL).Stream(testContext(t), testRequest("claude"))
	require.NoError(t, err)

	chunks := collect(t, ch)
	final := chunks[len(chunks)-1]
	require.Error(t, final.Error)
	assert.Equal(t, errors.ErrCodeProviderNetwork, errors.CodeOf(final.Error))
}

func TestAnthropicStreamCancel(t *testing.T) {
	release := make(chan struct{})
	server := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, anthropicEvents[1])
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := newTestAnthropic(server.URL).Stream(ctx, testRequest("claude"))
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, "Hel", first.Delta)

	cancel()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return
			}
			assert.Empty(t, c.Delta, "no text after cancellation")
		case <-deadline:
			t.Fatal("stream did not close after cancel")
		}
	}
}

func TestClassifyStatus(t *testing.T) {
	err := ClassifyStatus("openai", http.StatusTooManyRequests, "30", "slow down")
	assert.True(t, errors.IsRetryable(err))
	assert.True(t, strings.Contains(err.Error(), "retry after: 30"))

	assert.Equal(t, errors.ErrCodeProviderNetwork, errors.CodeOf(ClassifyStatus("x", http.StatusRequestTimeout, "", "")))
	assert.Equal(t, errors.ErrCodeProviderMalformed, errors.CodeOf(ClassifyStatus("x", http.StatusNotFound, "", "")))
}
