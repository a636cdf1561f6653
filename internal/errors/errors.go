package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// ErrorCode represents a unique error identifier.
type ErrorCode string

// Error categories.
const (
	// Provider errors (PROVIDER-001 to PROVIDER-099)
	ErrCodeProviderNotFound   ErrorCode = "PROVIDER-001"
	ErrCodeProviderConfig     ErrorCode = "PROVIDER-002"
	ErrCodeProviderAuth       ErrorCode = "PROVIDER-003"
	ErrCodeProviderMalformed  ErrorCode = "PROVIDER-004"
	ErrCodeProviderRateLimit  ErrorCode = "PROVIDER-005"
	ErrCodeProviderNetwork    ErrorCode = "PROVIDER-006"
	ErrCodeProviderCredential ErrorCode = "PROVIDER-007"

	// Router errors (ROUTER-001 to ROUTER-099)
	ErrCodeAllProvidersExhausted ErrorCode = "ROUTER-001"
	ErrCodeInvalidChain          ErrorCode = "ROUTER-002"

	// Stream errors (STREAM-001 to STREAM-099)
	ErrCodeStreamAborted ErrorCode = "STREAM-001"

	// Store errors (STORE-001 to STORE-099)
	ErrCodeConversationNotFound ErrorCode = "STORE-001"
	ErrCodeStoreFailure         ErrorCode = "STORE-002"
	ErrCodeConversationLocked   ErrorCode = "STORE-003"

	// Wire protocol errors (WIRE-001 to WIRE-099)
	ErrCodeMalformedMessage ErrorCode = "WIRE-001"

	// Config errors (CONFIG-001 to CONFIG-099)
	ErrCodeConfigInvalid ErrorCode = "CONFIG-001"
	ErrCodeConfigRead    ErrorCode = "CONFIG-002"
)

// GatewayError represents an enhanced error with code, suggestions, and documentation.
type GatewayError struct {
	Code        ErrorCode
	Message     string
	Provider    string
	Suggestions []string
	DocsURL     string
	Cause       error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if e.Cause != nil {
		b.WriteString(fmt.Sprintf(": %v", e.Cause))
	}

	if len(e.Suggestions) > 0 {
		b.WriteString("\n\nSuggestions:")
		for _, suggestion := range e.Suggestions {
			b.WriteString(fmt.Sprintf("\n  • %s", suggestion))
		}
	}

	if e.DocsURL != "" {
		b.WriteString(fmt.Sprintf("\n\nDocumentation: %s", e.DocsURL))
	}

	return b.String()
}

// Summary returns the single-line form of the error, without suggestions
// or documentation links. Used where the error is shown to a client.
// A GatewayError cause is summarized too.
func (e *GatewayError) Summary() string {
	if e.Cause == nil {
		return e.Message
	}
	if cause, ok := e.Cause.(*GatewayError); ok {
		return fmt.Sprintf("%s: [%s] %s", e.Message, cause.Code, cause.Summary())
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *GatewayError) Unwrap() error {
	return e.Cause
}

// New creates a new GatewayError.
func New(code ErrorCode, message string) *GatewayError {
	return &GatewayError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new GatewayError wrapping an existing error.
func Wrap(code ErrorCode, message string, cause error) *GatewayError {
	return &GatewayError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// WithSuggestion adds a suggestion to the error.
func (e *GatewayError) WithSuggestion(suggestion string) *GatewayError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

// WithSuggestions adds multiple suggestions to the error.
func (e *GatewayError) WithSuggestions(suggestions ...string) *GatewayError {
	e.Suggestions = append(e.Suggestions, suggestions...)
	return e
}

// WithDocs adds a documentation URL to the error.
func (e *GatewayError) WithDocs(url string) *GatewayError {
	e.DocsURL = url
	return e
}

// WithProvider records which provider produced the error.
func (e *GatewayError) WithProvider(provider string) *GatewayError {
	e.Provider = provider
	return e
}

// As finds the first GatewayError in err's chain.
func As(err error) (*GatewayError, bool) {
	var gwErr *GatewayError
	if stderrors.As(err, &gwErr) {
		return gwErr, true
	}
	return nil, false
}

// CodeOf returns the code of the first GatewayError in err's chain,
// or the empty code when there is none.
func CodeOf(err error) ErrorCode {
	if gwErr, ok := As(err); ok {
		return gwErr.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsRetryable reports whether err is a transient provider failure:
// rate limiting or a network fault.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case ErrCodeProviderRateLimit, ErrCodeProviderNetwork:
		return true
	default:
		return false
	}
}

// IsAuth reports whether err is a credential failure.
func IsAuth(err error) bool {
	return Is(err, ErrCodeProviderAuth)
}

// IsFatal reports whether err must not be retried against the same provider.
func IsFatal(err error) bool {
	return err != nil && !IsRetryable(err)
}

// Common error constructors for frequently used errors

// NewProviderNotFoundError creates an unknown provider error.
func NewProviderNotFoundError(provider string) *GatewayError {
	return New(ErrCodeProviderNotFound, fmt.Sprintf("provider not found: %s", provider)).
		WithProvider(provider).
		WithSuggestion("Run 'llmgate providers' to list configured providers").
		WithDocs("https://github.com/felixgeelhaar/llmgate#provider-configuration")
}

// NewProviderAuthError creates a provider authentication error.
func NewProviderAuthError(provider string, cause error) *GatewayError {
	return Wrap(ErrCodeProviderAuth, fmt.Sprintf("authentication failed for provider: %s", provider), cause).
		WithProvider(provider).
		WithSuggestion(fmt.Sprintf("Set the %s_API_KEY environment variable", strings.ToUpper(provider))).
		WithSuggestion("Check if your API key is valid and not expired").
		WithDocs("https://github.com/felixgeelhaar/llmgate#provider-configuration")
}

// NewProviderRateLimitError creates a rate limit error.
func NewProviderRateLimitError(provider string, retryAfter string) *GatewayError {
	msg := fmt.Sprintf("rate limit exceeded for provider: %s", provider)
	if retryAfter != "" {
		msg += fmt.Sprintf(" (retry after: %s)", retryAfter)
	}

	return New(ErrCodeProviderRateLimit, msg).
		WithProvider(provider).
		WithSuggestion("Wait before retrying the request").
		WithSuggestion("Configure a backup chain so requests fail over").
		WithDocs("https://github.com/felixgeelhaar/llmgate#rate-limiting")
}

// NewProviderNetworkError creates a transient transport error.
func NewProviderNetworkError(provider string, cause error) *GatewayError {
	return Wrap(ErrCodeProviderNetwork, fmt.Sprintf("network failure talking to provider: %s", provider), cause).
		WithProvider(provider)
}

// NewProviderMalformedError creates a rejected request error.
func NewProviderMalformedError(provider string, cause error) *GatewayError {
	return Wrap(ErrCodeProviderMalformed, fmt.Sprintf("provider rejected request: %s", provider), cause).
		WithProvider(provider).
		WithSuggestion("Check the model name and request size for this provider")
}

// NewAllProvidersExhaustedError creates the terminal failover error.
func NewAllProvidersExhaustedError(lastProvider string, cause error) *GatewayError {
	return Wrap(ErrCodeAllProvidersExhausted, "all providers in the backup chain failed", cause).
		WithProvider(lastProvider).
		WithSuggestion("Check provider health with 'llmgate providers'")
}

// NewStreamAbortedError creates a mid-stream failure error.
func NewStreamAbortedError(provider string, cause error) *GatewayError {
	return Wrap(ErrCodeStreamAborted, fmt.Sprintf("stream from %s terminated abnormally", provider), cause).
		WithProvider(provider)
}

// NewConversationNotFoundError creates a missing conversation error.
func NewConversationNotFoundError(id string) *GatewayError {
	return New(ErrCodeConversationNotFound, fmt.Sprintf("conversation not found: %s", id))
}

// NewMalformedMessageError creates a client protocol error.
func NewMalformedMessageError(details string) *GatewayError {
	return New(ErrCodeMalformedMessage, fmt.Sprintf("malformed message: %s", details))
}
