package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/llmgate/internal/errors"
	"github.com/felixgeelhaar/llmgate/internal/log"
	"github.com/felixgeelhaar/llmgate/internal/provider"
	"github.com/felixgeelhaar/llmgate/internal/retry"
)

type script func(ctx context.Context, call int, req *provider.Request) (<-chan provider.StreamChunk, error)

// fakeAdapter replays a script and records every call.
type fakeAdapter struct {
	mu       sync.Mutex
	calls    int
	requests []*provider.Request
	script   script
}

func newFake(s script) *fakeAdapter {
	return &fakeAdapter{script: s}
}

func (f *fakeAdapter) Vendor() string { return "fake" }

func (f *fakeAdapter) Stream(ctx context.Context, req *provider.Request) (<-chan provider.StreamChunk, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.script(ctx, n, req)
}

func (f *fakeAdapter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// succeed streams deltas followed by a final usage chunk.
func succeed(deltas ...string) script {
	return func(context.Context, int, *provider.Request) (<-chan provider.StreamChunk, error) {
		ch := make(chan provider.StreamChunk, len(deltas)+1)
		for _, d := range deltas {
			ch <- provider.StreamChunk{Delta: d}
		}
		ch <- provider.StreamChunk{Done: true, Usage: &provider.Usage{InputTokens: 10, OutputTokens: len(deltas)}}
		close(ch)
		return ch, nil
	}
}

// fail returns err from every call.
func fail(err error) script {
	return func(context.Context, int, *provider.Request) (<-chan provider.StreamChunk, error) {
		return nil, err
	}
}

// failThen fails the first n calls with err and then behaves like next.
func failThen(n int, err error, next script) script {
	return func(ctx context.Context, call int, req *provider.Request) (<-chan provider.StreamChunk, error) {
		if call <= n {
			return nil, err
		}
		return next(ctx, call, req)
	}
}

// hang streams deltas and then goes quiet until the call is cancelled.
// cancelled is closed when the adapter observes cancellation.
func hang(cancelled chan struct{}, deltas ...string) script {
	var once sync.Once
	return func(ctx context.Context, _ int, _ *provider.Request) (<-chan provider.StreamChunk, error) {
		ch := make(chan provider.StreamChunk, len(deltas))
		for _, d := range deltas {
			ch <- provider.StreamChunk{Delta: d}
		}
		go func() {
			<-ctx.Done()
			if cancelled != nil {
				once.Do(func() { close(cancelled) })
			}
			close(ch)
		}()
		return ch, nil
	}
}

// breakAfter streams deltas and then reports err as a chunk.
func breakAfter(err error, deltas ...string) script {
	return func(context.Context, int, *provider.Request) (<-chan provider.StreamChunk, error) {
		ch := make(chan provider.StreamChunk, len(deltas)+1)
		for _, d := range deltas {
			ch <- provider.StreamChunk{Delta: d}
		}
		ch <- provider.StreamChunk{Error: err}
		close(ch)
		return ch, nil
	}
}

// recorder collects switches in order.
type recorder struct {
	switches []Switch
}

func (r *recorder) BackupSwitch(s Switch) {
	r.switches = append(r.switches, s)
}

type fixture struct {
	router   *Router
	adapters map[string]*fakeAdapter
	creds    provider.Credentials
}

// descriptor builds a test provider; refs default to one credential per id.
func descriptor(id, ref string) provider.Descriptor {
	if ref == "" {
		ref = "KEY_" + id
	}
	return provider.Descriptor{
		ID:               id,
		Vendor:           provider.VendorOpenAI,
		ModelName:        "model-" + id,
		CredentialRef:    ref,
		InputPricePer1K:  0.01,
		OutputPricePer1K: 0.02,
	}
}

func newFixture(t require.TestingT, idle time.Duration, descriptors []provider.Descriptor, scripts map[string]script) *fixture {
	table, err := provider.NewTable(descriptors)
	require.NoError(t, err)

	registry := provider.NewRegistry()
	f := &fixture{
		adapters: make(map[string]*fakeAdapter),
		creds:    make(provider.Credentials),
	}
	for _, d := range descriptors {
		fake := newFake(scripts[d.ID])
		f.adapters[d.ID] = fake
		f.creds[d.ID] = "secret-" + d.CredentialRef
		require.NoError(t, registry.Register(d.ID, fake))
	}

	policy := retry.DefaultPolicy()
	policy.NewTimer = retry.NewInstantTimer

	f.router, err = New(table, registry, Config{
		Retry:       policy,
		IdleTimeout: idle,
		Logger:      log.Nop(),
	})
	require.NoError(t, err)
	return f
}

func testRequest() *provider.Request {
	return &provider.Request{
		SystemPrompt: "be brief",
		Messages:     []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
	}
}

func drain(t require.TestingT, s *Stream) ([]string, error) {
	var out []string
	for i := 0; i < 1000; i++ {
		delta, err := s.Recv()
		if err != nil {
			return out, err
		}
		out = append(out, delta)
	}
	require.Fail(t, "stream did not end")
	return out, nil
}

func rateLimited(id string) error {
	return errors.NewProviderRateLimitError(id, "")
}

func networkDown(id string) error {
	return errors.NewProviderNetworkError(id, fmt.Errorf("connection reset"))
}
