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

func newTestGemini(baseURL string) *GeminiAdapter {
	return NewGeminiAdapter(Descriptor{ID: "gemini", BaseURL: baseURL, MaxTokens: 256}, NewHTTPClient(), NewTokenCounter())
}

func TestGeminiStream(t *testing.T) {
	events := []string{
		"data: {\"candidates\":[{\"content\":{\"role\":\"model\",\"parts\":[{\"text\":\"Hel\"}]}}]}\n\n",
		"data: {\"candidates\":[{\"content\":{\"role\":\"model\",\"parts\":[{\"text\":\"lo\"}]},\"finishReason\":\"STOP\"}],\"usageMetadata\":{\"promptTokenCount\":7,\"candidatesTokenCount\":2}}\n\n",
	}
	server := newTestServer(t, sseHandler(t, events, func(r *http.Request) {
		assert.Equal(t, "/models/test-model:streamGenerateContent", r.URL.Path)
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))
		assert.Equal(t, "secret", r.URL.Query().Get("key"))

		body, _ := io.ReadAll(r.Body)
		var req geminiRequest
		require.NoError(t, json.Unmarshal(body, &req))
		require.NotNil(t, req.SystemInstruction)
		require.NotNil(t, req.GenerationConfig)
		assert.Equal(t, 256, req.GenerationConfig.MaxOutputTokens)
	}))

	ch, err := newTestGemini(server.URL).Stream(testContext(t), testRequest("gemini"))
	require.NoError(t, err)

	chunks := collect(t, ch)
	assert.Equal(t, "Hello", deltas(chunks))
	final := chunks[len(chunks)-1]
	require.NotNil(t, final.Usage)
	assert.Equal(t, Usage{InputTokens: 7, OutputTokens: 2}, *final.Usage)
}

func TestGeminiRolesMapped(t *testing.T) {
	a := newTestGemini("http://unused")
	req := testRequest("gemini")
	req.Messages = []Message{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
		{Role: RoleUser, Content: "again"},
	}

	out := a.buildRequest(req)
	require.Len(t, out.Contents, 3)
	assert.Equal(t, "model", out.Contents[1].Role)
}

func TestGeminiInStreamError(t *testing.T) {
	events := []string{"data: {\"error\":{\"code\":429,\"message\":\"Resource exhausted\",\"status\":\"RESOURCE_EXHAUSTED\"}}\n\n"}
	server := newTestServer(t, sseHandler(t, events, nil))

	ch, err := newTestGemini(server.URL).Stream(testContext(t), testRequest("gemini"))
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 1)
	assert.Equal(t, errors.ErrCodeProviderRateLimit, errors.CodeOf(chunks[0].Error))
}
