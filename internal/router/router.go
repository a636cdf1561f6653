// Package router resolves a chat request to one live provider stream by
// walking a backup chain in order.
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/felixgeelhaar/llmgate/internal/errors"
	"github.com/felixgeelhaar/llmgate/internal/log"
	"github.com/felixgeelhaar/llmgate/internal/metrics"
	"github.com/felixgeelhaar/llmgate/internal/provider"
	"github.com/felixgeelhaar/llmgate/internal/telemetry"
)

// Router walks backup chains. It holds no per-request state and is safe
// for concurrent use by many sessions.
type Router struct {
	table    *provider.Table
	adapters provider.Adapters
	config   Config
	logger   *log.Logger
	metrics  *metrics.Metrics
}

// New creates a router over the descriptor table and its adapters.
func New(table *provider.Table, adapters provider.Adapters, config Config) (*Router, error) {
	if table == nil {
		return nil, fmt.Errorf("provider table is required")
	}
	if adapters == nil {
		return nil, fmt.Errorf("adapters are required")
	}
	if config.Retry.MaxAttempts <= 0 {
		return nil, fmt.Errorf("retry policy must allow at least one attempt")
	}

	return &Router{
		table:    table,
		adapters: adapters,
		config:   config,
		logger:   log.OrDefault(config.Logger),
		metrics:  config.Metrics,
	}, nil
}

// Route returns a stream from the first chain member that produces output.
//
// Each member runs under the retry policy. When a member's retries are
// spent the notifier receives a Switch naming it and the next member to
// be tried. An auth failure also skips later members that share the
// failed credential ref. A malformed request stops routing at once. When
// every member has failed the error is ROUTER-001 naming the last
// provider attempted.
//
// creds maps provider ids to resolved credentials; a member without one
// fails as an auth error without being called.
func (r *Router) Route(ctx context.Context, chain []string, creds provider.Credentials, req *provider.Request, notifier Notifier) (*Stream, error) {
	if err := r.table.ValidateChain(chain); err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartRouteSpan(ctx, chain)
	defer span.End()

	var (
		attempts    []Attempt
		failedCreds = make(map[string]bool)
		last        string
		lastErr     error
	)

	for _, id := range chain {
		d, err := r.table.Get(id)
		if err != nil {
			return nil, err
		}
		if failedCreds[d.CredentialRef] {
			r.logger.Info("skipping provider with rejected credential",
				"provider", id,
				"credential_ref", d.CredentialRef,
			)
			continue
		}

		if lastErr != nil {
			reason := summary(lastErr)
			r.logger.Warn("switching to backup provider",
				"original_provider", last,
				"backup_provider", id,
				"reason", reason,
			)
			r.metrics.ObserveSwitch(last, id)
			if notifier != nil {
				notifier.BackupSwitch(Switch{Original: last, Backup: id, Reason: reason})
			}
		}

		stream, err := r.attempt(ctx, d, creds, req)
		if err == nil {
			attempts = append(attempts, Attempt{ProviderID: id, Status: AttemptStreaming})
			stream.attempts = attempts
			telemetry.RecordSuccess(span, telemetry.KeyActiveProvider.String(id))
			return stream, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			telemetry.RecordError(span, ctxErr)
			return nil, ctxErr
		}

		last, lastErr = id, err
		outcome := Classify(err)
		r.metrics.ObserveProviderError(id, string(errors.CodeOf(err)))

		status := AttemptFailedFatal
		if outcome == OutcomeRetryable {
			status = AttemptFailedRetryable
		}
		attempts = append(attempts, Attempt{ProviderID: id, Status: status, Err: err})

		switch {
		case outcome == OutcomeRetryable:
		case errors.IsAuth(err):
			failedCreds[d.CredentialRef] = true
		default:
			r.logger.WithError(err).Warn("provider rejected request, not failing over", "provider", id)
			telemetry.RecordError(span, err)
			return nil, err
		}
	}

	r.metrics.ObserveError(string(errors.ErrCodeAllProvidersExhausted), "router")
	exhausted := errors.NewAllProvidersExhaustedError(last, lastErr)
	telemetry.RecordError(span, exhausted)
	return nil, exhausted
}

// attempt runs one chain member under the retry policy. It succeeds once
// the member yields its first chunk.
func (r *Router) attempt(ctx context.Context, d provider.Descriptor, creds provider.Credentials, template *provider.Request) (*Stream, error) {
	credential, ok := creds[d.ID]
	if !ok || credential == "" {
		err := errors.NewProviderAuthError(d.ID, fmt.Errorf("no credential resolved for %s", d.CredentialRef))
		r.metrics.ObserveAttempt(d.ID, d.ModelName, OutcomeFatal.String(), 0)
		return nil, err
	}

	adapter, err := r.adapters.Get(d.ID)
	if err != nil {
		return nil, err
	}

	req := template.Clone()
	req.ProviderID = d.ID
	req.Model = d.ModelName
	req.Credential = credential
	if req.MaxTokens == 0 {
		req.MaxTokens = d.MaxTokens
	}

	logger := r.logger.With("provider", d.ID, "model", d.ModelName)
	policy := r.config.Retry
	policy.Logger = logger
	policy.OnRetry = func(int, time.Duration, error) {
		r.metrics.ObserveRetry(d.ID)
	}

	var stream *Stream
	err = policy.Execute(ctx, func(ctx context.Context, n int) error {
		ctx, span := telemetry.StartAttemptSpan(ctx, d.ID, d.ModelName, n)
		defer span.End()

		started := time.Now()
		s, err := r.open(ctx, d, adapter, req)
		r.metrics.ObserveAttempt(d.ID, d.ModelName, Classify(err).String(), time.Since(started))
		if err != nil {
			telemetry.RecordError(span, err)
			logger.WithError(err).Debug("attempt failed", "attempt", n)
			return err
		}
		telemetry.RecordSuccess(span)
		stream = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("provider committed")
	return stream, nil
}

// open issues one call and waits for its first chunk. A call that goes
// quiet for the idle timeout before producing anything is a network error.
func (r *Router) open(ctx context.Context, d provider.Descriptor, adapter provider.Adapter, req *provider.Request) (*Stream, error) {
	callCtx, cancel := context.WithCancel(ctx)

	chunks, err := adapter.Stream(callCtx, req)
	if err != nil {
		cancel()
		return nil, err
	}

	first, err := r.awaitFirst(callCtx, d.ID, chunks)
	if err != nil {
		cancel()
		return nil, err
	}

	return &Stream{
		Provider:    d.ID,
		Model:       d.ModelName,
		ctx:         callCtx,
		cancel:      cancel,
		chunks:      chunks,
		pending:     &first,
		idleTimeout: r.config.IdleTimeout,
	}, nil
}

func (r *Router) awaitFirst(ctx context.Context, providerID string, chunks <-chan provider.StreamChunk) (provider.StreamChunk, error) {
	idle, stop := idleTimer(r.config.IdleTimeout)
	defer stop()

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return provider.StreamChunk{}, errors.NewProviderNetworkError(providerID, fmt.Errorf("stream closed before first chunk"))
			}
			if chunk.Error != nil {
				return provider.StreamChunk{}, chunk.Error
			}
			if chunk.Delta != "" || chunk.Done {
				return chunk, nil
			}
			stop()
			idle, stop = idleTimer(r.config.IdleTimeout)
		case <-idle:
			return provider.StreamChunk{}, errors.NewProviderNetworkError(providerID,
				fmt.Errorf("no chunk received within %s", r.config.IdleTimeout))
		case <-ctx.Done():
			return provider.StreamChunk{}, ctx.Err()
		}
	}
}

// idleTimer returns a channel that fires after d, or never when d is zero.
func idleTimer(d time.Duration) (<-chan time.Time, func()) {
	if d <= 0 {
		return nil, func() {}
	}
	t := time.NewTimer(d)
	return t.C, func() { t.Stop() }
}

func summary(err error) string {
	if gwErr, ok := errors.As(err); ok {
		return gwErr.Summary()
	}
	return err.Error()
}
