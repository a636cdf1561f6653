package router

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/felixgeelhaar/llmgate/internal/errors"
	"github.com/felixgeelhaar/llmgate/internal/provider"
)

// Stream is the committed output of one provider. It is never re-routed:
// a failure after the first chunk ends the stream with STREAM-001.
//
// A Stream is read by a single goroutine.
type Stream struct {
	// Provider is the id of the provider that owns the stream
	Provider string

	// Model is the vendor model serving it
	Model string

	ctx         context.Context
	cancel      context.CancelFunc
	chunks      <-chan provider.StreamChunk
	pending     *provider.StreamChunk
	idleTimeout time.Duration

	usage    *provider.Usage
	done     bool
	attempts []Attempt
}

// Recv returns the next text delta. It returns io.EOF once the provider
// has finished, after which Usage is available. Cancellation of the
// routing context is returned as the context error.
func (s *Stream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}

	for {
		chunk, err := s.next()
		if err != nil {
			return "", err
		}
		if chunk.Done {
			s.finish(chunk.Usage)
			if chunk.Delta != "" {
				return chunk.Delta, nil
			}
			return "", io.EOF
		}
		if chunk.Delta != "" {
			return chunk.Delta, nil
		}
	}
}

func (s *Stream) next() (provider.StreamChunk, error) {
	if s.pending != nil {
		chunk := *s.pending
		s.pending = nil
		return chunk, nil
	}

	idle, stop := idleTimer(s.idleTimeout)
	defer stop()

	select {
	case chunk, ok := <-s.chunks:
		if !ok {
			if err := s.ctx.Err(); err != nil {
				return provider.StreamChunk{}, err
			}
			return provider.StreamChunk{}, errors.NewStreamAbortedError(s.Provider, fmt.Errorf("stream closed without completion"))
		}
		if chunk.Error != nil {
			if err := s.ctx.Err(); err != nil {
				return provider.StreamChunk{}, err
			}
			return provider.StreamChunk{}, errors.NewStreamAbortedError(s.Provider, chunk.Error)
		}
		return chunk, nil
	case <-idle:
		s.cancel()
		return provider.StreamChunk{}, errors.NewStreamAbortedError(s.Provider,
			errors.NewProviderNetworkError(s.Provider, fmt.Errorf("no chunk received within %s", s.idleTimeout)))
	case <-s.ctx.Done():
		return provider.StreamChunk{}, s.ctx.Err()
	}
}

func (s *Stream) finish(u *provider.Usage) {
	s.done = true
	if u == nil {
		u = &provider.Usage{Estimated: true}
	}
	s.usage = u
	if n := len(s.attempts); n > 0 {
		s.attempts[n-1].Status = AttemptSucceeded
	}
}

// Usage returns the final token usage, or nil before the stream has ended.
func (s *Stream) Usage() *provider.Usage {
	return s.usage
}

// Attempts returns what happened to each chain member tried for this
// request, ending with the committed provider.
func (s *Stream) Attempts() []Attempt {
	return append([]Attempt(nil), s.attempts...)
}

// Close aborts the provider call. It is safe to call more than once and
// after the stream has ended.
func (s *Stream) Close() {
	s.cancel()
}
