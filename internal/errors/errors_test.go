package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	err := New(ErrCodeProviderNotFound, "test error message")

	if err.Code != ErrCodeProviderNotFound {
		t.Errorf("expected code %s, got %s", ErrCodeProviderNotFound, err.Code)
	}

	if err.Message != "test error message" {
		t.Errorf("expected message 'test error message', got '%s'", err.Message)
	}

	if err.Cause != nil {
		t.Errorf("expected nil cause, got %v", err.Cause)
	}
}

func TestWrap(t *testing.T) {
	cause := fmt.Errorf("connection reset by peer")
	err := Wrap(ErrCodeProviderNetwork, "stream failed", cause)

	if err.Code != ErrCodeProviderNetwork {
		t.Errorf("expected code %s, got %s", ErrCodeProviderNetwork, err.Code)
	}

	if !errors.Is(err, cause) {
		t.Errorf("Wrap should support errors.Is")
	}

	if errors.Unwrap(err) != cause {
		t.Errorf("Unwrap should return the cause")
	}
}

func TestErrorFormatting(t *testing.T) {
	tests := []struct {
		name     string
		err      *GatewayError
		wantCode string
		wantMsg  string
	}{
		{
			name:     "simple error",
			err:      New(ErrCodeInvalidChain, "empty backup chain"),
			wantCode: "ROUTER-002",
			wantMsg:  "empty backup chain",
		},
		{
			name:     "error with cause",
			err:      Wrap(ErrCodeStoreFailure, "append failed", fmt.Errorf("disk full")),
			wantCode: "STORE-002",
			wantMsg:  "disk full",
		},
		{
			name:     "error with suggestions and docs",
			err:      NewProviderNotFoundError("mistral"),
			wantCode: "PROVIDER-001",
			wantMsg:  "Documentation:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errStr := tt.err.Error()

			if !strings.Contains(errStr, tt.wantCode) {
				t.Errorf("error string should contain code %s, got: %s", tt.wantCode, errStr)
			}

			if !strings.Contains(errStr, tt.wantMsg) {
				t.Errorf("error string should contain '%s', got: %s", tt.wantMsg, errStr)
			}
		})
	}
}

func TestSummaryOmitsSuggestions(t *testing.T) {
	err := NewProviderAuthError("claude", fmt.Errorf("401 invalid x-api-key"))

	summary := err.Summary()
	if strings.Contains(summary, "Suggestions") {
		t.Errorf("summary should not contain suggestions, got: %s", summary)
	}
	if !strings.Contains(summary, "invalid x-api-key") {
		t.Errorf("summary should contain cause, got: %s", summary)
	}
}

func TestSummaryOfNestedError(t *testing.T) {
	err := NewAllProvidersExhaustedError("gemini", NewProviderRateLimitError("gemini", ""))

	summary := err.Summary()
	if strings.ContainsAny(summary, "\n•") || strings.Contains(summary, "Documentation") {
		t.Errorf("summary should be a single line without suggestions, got: %q", summary)
	}
	if !strings.Contains(summary, "[PROVIDER-005] rate limit exceeded for provider: gemini") {
		t.Errorf("summary should name the cause and its code, got: %q", summary)
	}
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
		fatal     bool
		auth      bool
	}{
		{"rate limit", NewProviderRateLimitError("claude", ""), true, false, false},
		{"network", NewProviderNetworkError("openai", fmt.Errorf("timeout")), true, false, false},
		{"auth", NewProviderAuthError("gemini", nil), false, true, true},
		{"malformed", NewProviderMalformedError("claude", nil), false, true, false},
		{"wrapped rate limit", fmt.Errorf("attempt 2: %w", NewProviderRateLimitError("claude", "")), true, false, false},
		{"plain error", fmt.Errorf("boom"), false, true, false},
		{"nil", nil, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
			if got := IsFatal(tt.err); got != tt.fatal {
				t.Errorf("IsFatal() = %v, want %v", got, tt.fatal)
			}
			if got := IsAuth(tt.err); got != tt.auth {
				t.Errorf("IsAuth() = %v, want %v", got, tt.auth)
			}
		})
	}
}

func TestCodeOf(t *testing.T) {
	wrapped := fmt.Errorf("route: %w", NewAllProvidersExhaustedError("gemini", nil))

	if got := CodeOf(wrapped); got != ErrCodeAllProvidersExhausted {
		t.Errorf("expected %s, got %s", ErrCodeAllProvidersExhausted, got)
	}

	if got := CodeOf(fmt.Errorf("plain")); got != "" {
		t.Errorf("expected empty code, got %s", got)
	}

	gwErr, ok := As(wrapped)
	if !ok {
		t.Fatalf("expected As to find GatewayError")
	}
	if gwErr.Provider != "gemini" {
		t.Errorf("expected provider gemini, got %s", gwErr.Provider)
	}
}

func TestNewProviderAuthError(t *testing.T) {
	err := NewProviderAuthError("openai", nil)

	if err.Code != ErrCodeProviderAuth {
		t.Errorf("expected code %s, got %s", ErrCodeProviderAuth, err.Code)
	}

	if !strings.Contains(err.Message, "openai") {
		t.Errorf("error message should contain provider name")
	}

	if !strings.Contains(err.Error(), "OPENAI_API_KEY") {
		t.Errorf("suggestions should mention API key env variable")
	}
}

func TestNewProviderRateLimitError(t *testing.T) {
	tests := []struct {
		name       string
		provider   string
		retryAfter string
		wantRetry  bool
	}{
		{
			name:       "with retry after",
			provider:   "claude",
			retryAfter: "60",
			wantRetry:  true,
		},
		{
			name:       "without retry after",
			provider:   "openai",
			retryAfter: "",
			wantRetry:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewProviderRateLimitError(tt.provider, tt.retryAfter)

			if err.Code != ErrCodeProviderRateLimit {
				t.Errorf("expected code %s, got %s", ErrCodeProviderRateLimit, err.Code)
			}

			if err.Provider != tt.provider {
				t.Errorf("expected provider %s, got %s", tt.provider, err.Provider)
			}

			if tt.wantRetry && !strings.Contains(err.Message, "retry after") {
				t.Errorf("error message should contain retry after time")
			}
		})
	}
}

func TestErrorChaining(t *testing.T) {
	err := New(ErrCodeConfigInvalid, "validation failed").
		WithSuggestion("Check field 'providers'").
		WithSuggestion("Check field 'backup_chain'").
		WithDocs("https://example.com/docs")

	if len(err.Suggestions) != 2 {
		t.Errorf("expected 2 suggestions, got %d", len(err.Suggestions))
	}

	errStr := err.Error()
	for _, want := range []string{"CONFIG-001", "Check field 'providers'", "Check field 'backup_chain'", "https://example.com/docs"} {
		if !strings.Contains(errStr, want) {
			t.Errorf("error should contain %q", want)
		}
	}
}
