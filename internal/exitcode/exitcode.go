// Package exitcode maps errors to process exit codes.
package exitcode

import (
	"context"
	stderrors "errors"
	"os"
	"strings"

	"github.com/felixgeelhaar/llmgate/internal/errors"
)

// Exit codes returned by the llmgate binary.
const (
	Success      = 0
	GeneralError = 1

	// UsageError is returned for bad flags or arguments
	UsageError = 2

	// ConfigError is returned when the configuration cannot be read or is invalid
	ConfigError = 3

	// AuthError is returned when a provider credential is missing or rejected
	AuthError = 5

	// NetworkError is returned when a provider or listener cannot be reached
	NetworkError = 6

	// StoreError is returned when the checkpoint store fails
	StoreError = 7

	// Interrupted is returned after SIGINT or SIGTERM
	Interrupted = 130
)

// Exit terminates the process with code.
func Exit(code int) {
	os.Exit(code)
}

// ExitWithError terminates the process with the code for err.
func ExitWithError(err error) {
	Exit(DetermineExitCode(err))
}

// DetermineExitCode returns the exit code for err. Coded gateway errors
// map by their code; cobra usage errors are recognised by message.
func DetermineExitCode(err error) int {
	if err == nil {
		return Success
	}
	if stderrors.Is(err, context.Canceled) {
		return Interrupted
	}

	switch errors.CodeOf(err) {
	case errors.ErrCodeConfigInvalid, errors.ErrCodeConfigRead,
		errors.ErrCodeProviderConfig, errors.ErrCodeInvalidChain, errors.ErrCodeProviderNotFound:
		return ConfigError
	case errors.ErrCodeProviderAuth, errors.ErrCodeProviderCredential:
		return AuthError
	case errors.ErrCodeProviderNetwork, errors.ErrCodeProviderRateLimit:
		return NetworkError
	case errors.ErrCodeStoreFailure, errors.ErrCodeConversationNotFound, errors.ErrCodeConversationLocked:
		return StoreError
	case "":
	default:
		return GeneralError
	}

	msg := strings.ToLower(err.Error())
	for _, usage := range []string{"unknown command", "unknown flag", "unknown shorthand flag", "required flag", "invalid argument", "accepts "} {
		if strings.Contains(msg, usage) {
			return UsageError
		}
	}
	return GeneralError
}

// Description returns a human-readable description of code.
func Description(code int) string {
	switch code {
	case Success:
		return "Success"
	case GeneralError:
		return "General error"
	case UsageError:
		return "Usage error (invalid flags or arguments)"
	case ConfigError:
		return "Configuration error"
	case AuthError:
		return "Authentication error"
	case NetworkError:
		return "Network error"
	case StoreError:
		return "Checkpoint store error"
	case Interrupted:
		return "Interrupted"
	default:
		return "Unknown error"
	}
}
