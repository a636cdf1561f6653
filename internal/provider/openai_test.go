package provider

import (
	"io"
	"net/http"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/llmgate/internal/errors"
)

func newTestOpenAI(baseURL string) *OpenAIAdapter {
	return NewOpenAIAdapter(Descriptor{ID: "openai", BaseURL: baseURL}, NewHTTPClient(), NewTokenCounter())
}

func TestOpenAIStream(t *testing.T) {
	events := []string{
		"data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"stop\"}]}\n\n",
		"data: {\"choices\":[],\"usage\":{\"prompt_tokens\":9,\"completion_tokens\":2}}\n\n",
		"data: [DONE]\n\n",
	}
	server := newTestServer(t, sseHandler(t, events, func(r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		body, _ := io.ReadAll(r.Body)
		var req openaiRequest
		require.NoError(t, json.Unmarshal(body, &req))
		require.NotNil(t, req.StreamOptions)
		assert.True(t, req.StreamOptions.IncludeUsage)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
	}))

	ch, err := newTestOpenAI(server.URL).Stream(testContext(t), testRequest("openai"))
	require.NoError(t, err)

	chunks := collect(t, ch)
	assert.Equal(t, "Hello", deltas(chunks))

	final := chunks[len(chunks)-1]
	assert.True(t, final.Done)
	require.NotNil(t, final.Usage)
	assert.Equal(t, 9, final.Usage.InputTokens)
	assert.Equal(t, 2, final.Usage.OutputTokens)
	assert.False(t, final.Usage.Estimated)
}

func TestOpenAIStreamWithoutUsage(t *testing.T) {
	events := []string{
		"data: {\"choices\":[{\"delta\":{\"content\":\"Hi there\"}}]}\n\n",
		"data: [DONE]\n\n",
	}
	server := newTestServer(t, sseHandler(t, events, nil))

	ch, err := newTestOpenAI(server.URL).Stream(testContext(t), testRequest("openai"))
	require.NoError(t, err)

	final := collect(t, ch)
	last := final[len(final)-1]
	require.NotNil(t, last.Usage)
	assert.True(t, last.Usage.Estimated)
}

func TestOpenAIStreamRateLimited(t *testing.T) {
	server := newTestServer(t, statusHandler(http.StatusTooManyRequests, `{"error":{"message":"quota"}}`))

	_, err := newTestOpenAI(server.URL).Stream(testContext(t), testRequest("openai"))
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
	assert.Contains(t, err.Error(), "retry after: 12")
}

func TestOpenAIStreamMalformedChunk(t *testing.T) {
	server := newTestServer(t, sseHandler(t, []string{"data: {not json\n\n"}, nil))

	ch, err := newTestOpenAI(server.URL).Stream(testContext(t), testRequest("openai"))
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 1)
	assert.Error(t, chunks[0].Error)
}
