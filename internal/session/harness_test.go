package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/llmgate/internal/checkpoint"
	"github.com/felixgeelhaar/llmgate/internal/errors"
	"github.com/felixgeelhaar/llmgate/internal/log"
	"github.com/felixgeelhaar/llmgate/internal/provider"
	"github.com/felixgeelhaar/llmgate/internal/retry"
	"github.com/felixgeelhaar/llmgate/internal/router"
	"github.com/felixgeelhaar/llmgate/internal/usage"
	"github.com/felixgeelhaar/llmgate/internal/wire"
)

const waitTimeout = 2 * time.Second

type script func(ctx context.Context, req *provider.Request) (<-chan provider.StreamChunk, error)

type fakeAdapter struct {
	mu       sync.Mutex
	requests []*provider.Request
	script   script
}

func (f *fakeAdapter) Vendor() string { return "fake" }

func (f *fakeAdapter) Stream(ctx context.Context, req *provider.Request) (<-chan provider.StreamChunk, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.script(ctx, req)
}

func (f *fakeAdapter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeAdapter) LastRequest() *provider.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return nil
	}
	return f.requests[len(f.requests)-1]
}

func succeed(deltas ...string) script {
	return func(context.Context, *provider.Request) (<-chan provider.StreamChunk, error) {
		ch := make(chan provider.StreamChunk, len(deltas)+1)
		for _, d := range deltas {
			ch <- provider.StreamChunk{Delta: d}
		}
		ch <- provider.StreamChunk{Done: true, Usage: &provider.Usage{InputTokens: 10, OutputTokens: len(deltas)}}
		close(ch)
		return ch, nil
	}
}

func fail(err error) script {
	return func(context.Context, *provider.Request) (<-chan provider.StreamChunk, error) {
		return nil, err
	}
}

// gated streams first, waits for release, then finishes with rest.
// cancelled is closed if the call is aborted while waiting.
func gated(release <-chan struct{}, cancelled chan<- struct{}, first string, rest ...string) script {
	return func(ctx context.Context, _ *provider.Request) (<-chan provider.StreamChunk, error) {
		ch := make(chan provider.StreamChunk)
		go func() {
			defer close(ch)
			select {
			case ch <- provider.StreamChunk{Delta: first}:
			case <-ctx.Done():
				return
			}
			select {
			case <-release:
			case <-ctx.Done():
				if cancelled != nil {
					close(cancelled)
				}
				return
			}
			for _, d := range rest {
				ch <- provider.StreamChunk{Delta: d}
			}
			ch <- provider.StreamChunk{Done: true, Usage: &provider.Usage{InputTokens: 10, OutputTokens: 1 + len(rest)}}
		}()
		return ch, nil
	}
}

type recordingOutbox struct {
	mu       sync.Mutex
	messages []wire.GatewayMessage
	notify   chan wire.GatewayMessage
}

func newOutbox() *recordingOutbox {
	return &recordingOutbox{notify: make(chan wire.GatewayMessage, 256)}
}

func (o *recordingOutbox) Send(_ context.Context, m wire.GatewayMessage) error {
	o.mu.Lock()
	o.messages = append(o.messages, m)
	o.mu.Unlock()
	o.notify <- m
	return nil
}

func (o *recordingOutbox) All() []wire.GatewayMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]wire.GatewayMessage(nil), o.messages...)
}

type harness struct {
	t        *testing.T
	session  *Session
	inbox    chan Inbound
	out      *recordingOutbox
	adapters map[string]*fakeAdapter
	manager  *checkpoint.Manager
	done     chan error
	closed   bool
}

var testChain = []string{"claude", "openai", "gemini"}

func newManager(t *testing.T) *checkpoint.Manager {
	t.Helper()
	store, err := checkpoint.OpenFileStore(t.TempDir())
	require.NoError(t, err)
	return checkpoint.NewManager(store)
}

func newHarness(t *testing.T, scripts map[string]script, opts ...func(*Config)) *harness {
	t.Helper()

	table, err := provider.NewTable(provider.DefaultDescriptors())
	require.NoError(t, err)

	registry := provider.NewRegistry()
	h := &harness{
		t:        t,
		inbox:    make(chan Inbound),
		out:      newOutbox(),
		adapters: make(map[string]*fakeAdapter),
		done:     make(chan error, 1),
	}
	creds := make(provider.Credentials)
	for _, id := range testChain {
		s, ok := scripts[id]
		if !ok {
			s = succeed("unused")
		}
		fake := &fakeAdapter{script: s}
		h.adapters[id] = fake
		creds[id] = "key-" + id
		require.NoError(t, registry.Register(id, fake))
	}

	policy := retry.DefaultPolicy()
	policy.NewTimer = retry.NewInstantTimer
	r, err := router.New(table, registry, router.Config{Retry: policy, Logger: log.Nop()})
	require.NoError(t, err)

	cfg := Config{
		ID:           "session-1",
		ProviderID:   "claude",
		Chain:        testChain,
		Credentials:  creds,
		SystemPrompt: "You are helpful.",
		Router:       r,
		Accountant:   usage.NewAccountant(table),
		Outbox:       h.out,
		Checkpoints:  newManager(t),
		Logger:       log.Nop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h.manager = cfg.Checkpoints

	h.session, err = New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { h.done <- h.session.Run(ctx, h.inbox) }()
	t.Cleanup(func() {
		h.disconnect()
		cancel()
	})
	return h
}

func (h *harness) send(m wire.ClientMessage) {
	h.t.Helper()
	select {
	case h.inbox <- Inbound{Message: m}:
	case <-time.After(waitTimeout):
		h.t.Fatalf("session did not accept %s", m.Type)
	}
}

func (h *harness) sendErr(err error) {
	h.t.Helper()
	select {
	case h.inbox <- Inbound{Err: err}:
	case <-time.After(waitTimeout):
		h.t.Fatal("session did not accept inbound error")
	}
}

func (h *harness) chat(text string) {
	h.t.Helper()
	h.send(wire.ClientMessage{Type: wire.TypeChat, Message: text, MessageID: 1})
}

// until collects gateway messages up to and including the first of type.
func (h *harness) until(messageType string) []wire.GatewayMessage {
	h.t.Helper()
	var seen []wire.GatewayMessage
	for {
		select {
		case m := <-h.out.notify:
			seen = append(seen, m)
			if m.MessageType() == messageType {
				return seen
			}
		case <-time.After(waitTimeout):
			h.t.Fatalf("timed out waiting for %s; saw %v", messageType, types(seen))
		}
	}
}

// disconnect closes the inbox and waits for Run to return.
func (h *harness) disconnect() error {
	if h.closed {
		return nil
	}
	h.closed = true
	close(h.inbox)
	select {
	case err := <-h.done:
		return err
	case <-time.After(waitTimeout):
		h.t.Fatal("session did not stop")
		return nil
	}
}

func types(msgs []wire.GatewayMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.MessageType())
	}
	return out
}

func ofType[T wire.GatewayMessage](msgs []wire.GatewayMessage) []T {
	var out []T
	for _, m := range msgs {
		if v, ok := m.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func rateLimited(id string) error {
	return errors.NewProviderRateLimitError(id, "")
}

func networkDown(id string) error {
	return errors.NewProviderNetworkError(id, fmt.Errorf("connection reset"))
}

// fakeRouterNil fails every request.
type fakeRouterNil struct{}

func (*fakeRouterNil) Route(context.Context, []string, provider.Credentials, *provider.Request, router.Notifier) (*router.Stream, error) {
	return nil, fmt.Errorf("no providers")
}
