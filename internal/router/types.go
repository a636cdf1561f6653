package router

import (
	"time"

	"github.com/felixgeelhaar/llmgate/internal/errors"
	"github.com/felixgeelhaar/llmgate/internal/log"
	"github.com/felixgeelhaar/llmgate/internal/metrics"
	"github.com/felixgeelhaar/llmgate/internal/retry"
)

// DefaultIdleTimeout is how long an attempt may go without a chunk.
const DefaultIdleTimeout = 30 * time.Second

// Config configures a Router.
type Config struct {
	// Retry is applied to every chain member independently
	Retry retry.Policy

	// IdleTimeout bounds the wait for each chunk; zero disables it
	IdleTimeout time.Duration

	Logger  *log.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns the default retry policy and idle timeout.
func DefaultConfig() Config {
	return Config{
		Retry:       retry.DefaultPolicy(),
		IdleTimeout: DefaultIdleTimeout,
	}
}

// Switch is emitted when the router gives up on one provider and moves to
// the next member of the chain.
type Switch struct {
	Original string
	Backup   string
	Reason   string
}

// Notifier receives failover events while a request is being routed.
type Notifier interface {
	BackupSwitch(Switch)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Switch)

// BackupSwitch implements Notifier.
func (f NotifierFunc) BackupSwitch(s Switch) { f(s) }

// Outcome tags the result of running one provider under the retry policy.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetryable
	OutcomeFatal
)

// String returns the metrics label for the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return metrics.OutcomeSuccess
	case OutcomeRetryable:
		return metrics.OutcomeRetryable
	default:
		return metrics.OutcomeFatal
	}
}

// Classify tags err.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.IsFatal(err):
		return OutcomeFatal
	default:
		return OutcomeRetryable
	}
}

// AttemptStatus is the lifecycle of one call to one provider.
type AttemptStatus string

const (
	AttemptPending         AttemptStatus = "pending"
	AttemptStreaming       AttemptStatus = "streaming"
	AttemptSucceeded       AttemptStatus = "succeeded"
	AttemptFailedRetryable AttemptStatus = "failed_retryable"
	AttemptFailedFatal     AttemptStatus = "failed_fatal"
)

// Attempt records what happened to one chain member. Attempts are never
// persisted.
type Attempt struct {
	ProviderID string
	Status     AttemptStatus
	Err        error
}
