// Package session serves one client channel bound to one provider.
//
// A Session is an actor: Run owns all of its state and processes client
// messages one at a time. While a chat turn is in flight, further client
// messages are queued and applied in arrival order once the turn has
// completed or failed, so nothing is interleaved with token output.
package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/llmgate/internal/attachment"
	"github.com/felixgeelhaar/llmgate/internal/checkpoint"
	"github.com/felixgeelhaar/llmgate/internal/errors"
	"github.com/felixgeelhaar/llmgate/internal/log"
	"github.com/felixgeelhaar/llmgate/internal/metrics"
	"github.com/felixgeelhaar/llmgate/internal/provider"
	"github.com/felixgeelhaar/llmgate/internal/router"
	"github.com/felixgeelhaar/llmgate/internal/telemetry"
	"github.com/felixgeelhaar/llmgate/internal/usage"
	"github.com/felixgeelhaar/llmgate/internal/wire"
)

// DefaultMaxHistory is the number of messages kept as model context.
const DefaultMaxHistory = 50

// EmptyMessageError is sent when a chat has neither text nor attachments.
const EmptyMessageError = "Empty message"

var errDisconnected = stderrors.New("client disconnected")

// Outbox delivers gateway messages to the client. Send is only called
// from the session's Run goroutine.
type Outbox interface {
	Send(ctx context.Context, m wire.GatewayMessage) error
}

// Router resolves a request to a committed provider stream.
type Router interface {
	Route(ctx context.Context, chain []string, creds provider.Credentials, req *provider.Request, notifier router.Notifier) (*router.Stream, error)
}

// Inbound is one item read from the client. Err is set when the frame
// could not be decoded; it is answered with an error message in turn
// order like any other message.
type Inbound struct {
	Message wire.ClientMessage
	Err     error
}

// Config wires a session to its collaborators.
type Config struct {
	// ID identifies the session in logs and conversation leases;
	// generated when empty
	ID string

	// ProviderID is the provider the client connected to
	ProviderID string

	// Chain is the backup chain for this session, starting with ProviderID
	Chain []string

	// Credentials are resolved once when the session starts
	Credentials provider.Credentials

	SystemPrompt string

	// MaxHistory caps the messages sent as context; zero uses DefaultMaxHistory
	MaxHistory int

	// MaxTokens caps response length; zero uses the provider default
	MaxTokens int

	Router      Router
	Accountant  *usage.Accountant
	Outbox      Outbox
	Checkpoints *checkpoint.Manager
	Attachments attachment.Resolver

	Logger  *log.Logger
	Metrics *metrics.Metrics
}

// Session is the live state of one client channel.
type Session struct {
	cfg     Config
	logger  *log.Logger
	metrics *metrics.Metrics

	totals  usage.Totals
	history []provider.Message
	queue   []Inbound

	mu             sync.Mutex
	state          State
	conversationID string
}

// New validates cfg and creates an idle session.
func New(cfg Config) (*Session, error) {
	if cfg.ProviderID == "" {
		return nil, fmt.Errorf("provider id is required")
	}
	if cfg.Router == nil {
		return nil, fmt.Errorf("router is required")
	}
	if cfg.Accountant == nil {
		return nil, fmt.Errorf("accountant is required")
	}
	if cfg.Outbox == nil {
		return nil, fmt.Errorf("outbox is required")
	}
	if len(cfg.Chain) == 0 {
		cfg.Chain = []string{cfg.ProviderID}
	}
	if cfg.Chain[0] != cfg.ProviderID {
		return nil, fmt.Errorf("backup chain must start with %s", cfg.ProviderID)
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultMaxHistory
	}

	return &Session{
		cfg:     cfg,
		logger:  log.OrDefault(cfg.Logger).With("session_id", cfg.ID, "provider", cfg.ProviderID),
		metrics: cfg.Metrics,
		state:   StateIdle,
	}, nil
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.cfg.ID
}

// ProviderID returns the provider the session is bound to.
func (s *Session) ProviderID() string {
	return s.cfg.ProviderID
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConversationID returns the attached conversation, or "" before the
// first message.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Totals returns the running usage totals.
func (s *Session) Totals() usage.Snapshot {
	return s.totals.Snapshot()
}

func (s *Session) transition(next State) {
	s.mu.Lock()
	prev := s.state
	if !prev.CanTransition(next) {
		s.mu.Unlock()
		s.logger.Error("invalid session state transition", "from", string(prev), "to", string(next))
		return
	}
	s.state = next
	s.mu.Unlock()

	s.metrics.ObserveTransition(string(prev), string(next))
}

func (s *Session) setConversation(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversationID = id
}

// Run serves inbox until it is closed or ctx is cancelled. Either ends
// any turn in flight: the provider call is aborted and nothing from that
// turn is persisted. Conversation leases are released on return.
//
// Run returns nil when the inbox closes and the context error when ctx
// is cancelled. A failure to write to the client is returned as is.
func (s *Session) Run(ctx context.Context, inbox <-chan Inbound) error {
	s.metrics.SessionOpened(s.cfg.ProviderID)
	defer s.metrics.SessionClosed(s.cfg.ProviderID)
	if s.cfg.Checkpoints != nil {
		defer s.cfg.Checkpoints.ReleaseAll(s.cfg.ID)
	}

	s.logger.Info("session started", "backup_chain", s.cfg.Chain)
	defer s.logger.Info("session ended")

	for {
		var in Inbound
		if len(s.queue) > 0 {
			in, s.queue = s.queue[0], s.queue[1:]
		} else {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case m, ok := <-inbox:
				if !ok {
					return nil
				}
				in = m
			}
		}

		err := s.handle(ctx, inbox, in)
		switch {
		case err == nil:
		case stderrors.Is(err, errDisconnected):
			return nil
		default:
			return err
		}
	}
}

func (s *Session) handle(ctx context.Context, inbox <-chan Inbound, in Inbound) error {
	if in.Err != nil {
		s.logger.WithError(in.Err).Warn("rejected client message")
		return s.send(ctx, wire.NewError(s.cfg.ProviderID, in.Err, ""))
	}

	m := in.Message
	switch m.Type {
	case wire.TypeChat:
		return s.chat(ctx, inbox, m)
	case wire.TypeRating:
		s.rate(ctx, m)
		return nil
	case wire.TypeClearHistory:
		return s.clearHistory(ctx)
	case wire.TypeLoadConversation:
		return s.loadConversation(ctx, m.ConversationID)
	default:
		return s.send(ctx, wire.NewError(s.cfg.ProviderID, errors.NewMalformedMessageError(fmt.Sprintf("unknown type %q", m.Type)), ""))
	}
}

func (s *Session) send(ctx context.Context, m wire.GatewayMessage) error {
	if err := s.cfg.Outbox.Send(ctx, m); err != nil {
		return fmt.Errorf("send %s: %w", m.MessageType(), err)
	}
	return nil
}

// rate records a client's score for an answer. Ratings need a
// conversation to attach to.
func (s *Session) rate(ctx context.Context, m wire.ClientMessage) {
	convID := s.ConversationID()
	if s.cfg.Checkpoints == nil || convID == "" {
		s.logger.Debug("rating dropped, no conversation", "message_id", m.MessageID, "rating", m.Rating)
		return
	}

	err := s.cfg.Checkpoints.Rate(ctx, convID, checkpoint.Rating{
		ClientMessageID: m.MessageID,
		ProviderID:      s.cfg.ProviderID,
		Rating:          m.Rating,
	})
	if err != nil {
		s.logger.LogErrorContext(ctx, "failed to record rating", err)
		s.metrics.ObserveError(string(errors.CodeOf(err)), "session")
		return
	}
	s.logger.Info("rating received", "message_id", m.MessageID, "rating", m.Rating)
}

// clearHistory drops the context window and zeroes the totals. A stored
// conversation keeps its id but loses its messages.
func (s *Session) clearHistory(ctx context.Context) error {
	s.history = nil
	zeroed := s.totals.Reset()

	if convID := s.ConversationID(); s.cfg.Checkpoints != nil && convID != "" {
		if err := s.cfg.Checkpoints.Clear(ctx, s.cfg.ID, convID); err != nil {
			s.logger.LogErrorContext(ctx, "failed to clear stored history", err)
			s.metrics.ObserveError(string(errors.CodeOf(err)), "session")
		}
	}

	s.logger.Info("conversation history and session usage cleared")
	return s.send(ctx, wire.NewHistoryCleared(s.cfg.ProviderID, zeroed))
}

// loadConversation attaches a stored conversation, restoring its context
// window and totals. The session becomes its single writer.
func (s *Session) loadConversation(ctx context.Context, id string) error {
	if s.cfg.Checkpoints == nil {
		return s.send(ctx, wire.NewError(s.cfg.ProviderID, errors.NewConversationNotFoundError(id), ""))
	}

	conv, err := s.cfg.Checkpoints.Load(ctx, id)
	if err == nil {
		err = s.cfg.Checkpoints.Claim(id, s.cfg.ID)
	}
	if err != nil {
		if errors.Is(err, errors.ErrCodeConversationNotFound) {
			s.logger.Info("conversation to load does not exist", "conversation_id", id)
		} else {
			s.logger.WithError(err).Warn("failed to load conversation", "conversation_id", id)
		}
		return s.send(ctx, wire.NewError(s.cfg.ProviderID, err, ""))
	}

	if prev := s.ConversationID(); prev != "" && prev != id {
		s.cfg.Checkpoints.Release(prev, s.cfg.ID)
	}
	s.setConversation(id)

	s.history = s.history[:0]
	for _, m := range conv.Messages {
		s.history = append(s.history, provider.Message{Role: m.Role, Content: m.Content})
	}
	s.trimHistory()
	s.totals.Replace(conv.Usage())

	s.logger.Info("conversation loaded", "conversation_id", id, "messages", len(conv.Messages))
	return s.send(ctx, wire.NewConversationLoaded(conv.ID, conv.Title))
}

func (s *Session) trimHistory() {
	if extra := len(s.history) - s.cfg.MaxHistory; extra > 0 {
		s.history = append([]provider.Message(nil), s.history[extra:]...)
	}
}

// ensureConversation creates the session's conversation on its first
// message. Store failures are logged and the turn goes ahead unsaved.
func (s *Session) ensureConversation(ctx context.Context, firstMessage string) error {
	if s.cfg.Checkpoints == nil || s.ConversationID() != "" {
		return nil
	}

	conv, err := s.cfg.Checkpoints.Create(ctx, s.cfg.ID, checkpoint.TitleFromContent(firstMessage))
	if err != nil {
		s.logger.LogErrorContext(ctx, "failed to create conversation", err)
		s.metrics.ObserveError(string(errors.CodeOf(err)), "session")
		return nil
	}
	s.setConversation(conv.ID)
	s.logger.Info("conversation created", "conversation_id", conv.ID)
	return s.send(ctx, wire.NewConversationCreated(conv.ID, conv.Title))
}

func (s *Session) persist(ctx context.Context, msgs ...checkpoint.Message) {
	convID := s.ConversationID()
	if s.cfg.Checkpoints == nil || convID == "" {
		return
	}
	if err := s.cfg.Checkpoints.Append(ctx, s.cfg.ID, convID, msgs...); err != nil {
		s.logger.LogErrorContext(ctx, "failed to persist messages", err)
		s.metrics.ObserveError(string(errors.CodeOf(err)), "session")
	}
}

// chat runs one turn: route, relay, account, persist.
func (s *Session) chat(ctx context.Context, inbox <-chan Inbound, m wire.ClientMessage) error {
	if strings.TrimSpace(m.Message) == "" && len(m.Attachments) == 0 {
		return s.send(ctx, wire.NewErrorText(s.cfg.ProviderID, EmptyMessageError))
	}

	ctx, span := telemetry.StartTurnSpan(ctx, s.cfg.ID, s.cfg.ProviderID)
	defer span.End()

	s.transition(StateAwaitingProvider)

	var attachments []provider.Attachment
	if s.cfg.Attachments != nil && len(m.Attachments) > 0 {
		resolved, err := s.cfg.Attachments.Resolve(ctx, m.Attachments)
		if err != nil {
			if ctx.Err() != nil {
				s.transition(StateIdle)
				return ctx.Err()
			}
			s.logger.LogErrorContext(ctx, "failed to resolve attachments", err)
		}
		attachments = resolved
	}
	content := attachment.Compose(m.Message, attachments)

	if err := s.ensureConversation(ctx, m.Message); err != nil {
		s.transition(StateIdle)
		return err
	}

	userMsg := provider.Message{Role: provider.RoleUser, Content: content}
	s.history = append(s.history, userMsg)
	s.trimHistory()

	req := &provider.Request{
		SystemPrompt: s.cfg.SystemPrompt,
		Messages:     append([]provider.Message(nil), s.history...),
		Attachments:  attachments,
		MaxTokens:    s.cfg.MaxTokens,
	}

	res, err := s.relay(ctx, inbox, req)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		// Abandoned turn: drop the user message and persist nothing.
		s.history = s.history[:len(s.history)-1]
		s.transition(StateIdle)
		s.metrics.ObserveTurn(s.cfg.ProviderID, "cancelled")
		s.logger.Info("turn abandoned", "reason", err.Error())
		telemetry.RecordError(span, err)
		return err
	}

	stored := checkpoint.Message{
		Role:            provider.RoleUser,
		Content:         content,
		ClientMessageID: m.MessageID,
	}
	if res.err != nil {
		telemetry.RecordError(span, res.err)
		return s.fail(ctx, res, stored)
	}
	telemetry.RecordSuccess(span,
		telemetry.KeyActiveProvider.String(res.provider),
		telemetry.KeyInputTokens.Int(res.usage.InputTokens),
		telemetry.KeyOutputTokens.Int(res.usage.OutputTokens),
	)
	return s.complete(ctx, res, stored, m.MessageID)
}

func (s *Session) complete(ctx context.Context, res *turnResult, userMsg checkpoint.Message, clientMessageID int) error {
	s.transition(StateComplete)

	u := res.usage
	report, err := s.cfg.Accountant.Record(res.provider, u.InputTokens, u.OutputTokens, &s.totals)
	if err != nil {
		s.logger.LogErrorContext(ctx, "failed to price message", err)
	}

	text := res.text.String()
	s.history = append(s.history, provider.Message{Role: provider.RoleAssistant, Content: text})
	s.trimHistory()

	in, out, cost := report.Message.InputTokens, report.Message.OutputTokens, report.Message.Cost
	s.persist(ctx, userMsg, checkpoint.Message{
		Role:            provider.RoleAssistant,
		Content:         text,
		ProviderID:      res.provider,
		Model:           res.model,
		InputTokens:     &in,
		OutputTokens:    &out,
		Cost:            &cost,
		ClientMessageID: clientMessageID,
	})

	s.metrics.ObserveUsage(res.provider, in, out, cost)
	s.metrics.ObserveTurn(s.cfg.ProviderID, string(StateComplete))
	s.logger.Info("turn complete",
		"active_provider", res.provider,
		"input_tokens", in,
		"output_tokens", out,
		"estimated", u.Estimated,
	)

	if err == nil {
		if err := s.send(ctx, wire.NewUsage(report, s.ConversationID())); err != nil {
			return err
		}
	}
	if err := s.send(ctx, wire.NewComplete(res.provider)); err != nil {
		return err
	}
	s.transition(StateIdle)
	return nil
}

// fail reports a terminal error. The user message is kept so the
// conversation shows what was asked.
func (s *Session) fail(ctx context.Context, res *turnResult, userMsg checkpoint.Message) error {
	s.transition(StateError)

	providerID := s.cfg.ProviderID
	if gwErr, ok := errors.As(res.err); ok && gwErr.Provider != "" {
		providerID = gwErr.Provider
	}

	s.persist(ctx, userMsg)

	s.logger.LogErrorContext(ctx, "chat turn failed", res.err)
	s.metrics.ObserveError(string(errors.CodeOf(res.err)), "session")
	s.metrics.ObserveTurn(s.cfg.ProviderID, string(StateError))

	if err := s.send(ctx, wire.NewError(providerID, res.err, res.backup)); err != nil {
		return err
	}
	s.transition(StateIdle)
	return nil
}

type eventKind int

const (
	evSwitch eventKind = iota
	evCommitted
	evChunk
	evDone
	evFailed
)

type event struct {
	kind     eventKind
	sw       router.Switch
	provider string
	model    string
	delta    string
	usage    *provider.Usage
	err      error
}

type turnResult struct {
	provider string
	model    string
	backup   string
	text     strings.Builder
	usage    provider.Usage
	err      error
}

// relay runs the provider call on its own goroutine and forwards its
// events to the client in order. Client messages arriving meanwhile are
// queued. A closed inbox or cancelled ctx aborts the call.
func (s *Session) relay(ctx context.Context, inbox <-chan Inbound, req *provider.Request) (*turnResult, error) {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan event)
	go s.execute(turnCtx, req, events)

	abort := func(err error) (*turnResult, error) {
		cancel()
		for range events {
		}
		return nil, err
	}

	res := &turnResult{provider: s.cfg.ProviderID}
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return res, nil
			}
			if err := s.apply(ctx, ev, res); err != nil {
				return abort(err)
			}
		case in, ok := <-inbox:
			if !ok {
				return abort(errDisconnected)
			}
			s.queue = append(s.queue, in)
		case <-ctx.Done():
			return abort(ctx.Err())
		}
	}
}

func (s *Session) apply(ctx context.Context, ev event, res *turnResult) error {
	switch ev.kind {
	case evSwitch:
		res.backup = ev.sw.Backup
		return s.send(ctx, wire.NewBackupSwitch(ev.sw.Original, ev.sw.Backup, ev.sw.Reason))
	case evCommitted:
		res.provider, res.model = ev.provider, ev.model
		s.transition(StateStreaming)
	case evChunk:
		res.text.WriteString(ev.delta)
		return s.send(ctx, wire.NewChunk(res.provider, ev.delta))
	case evDone:
		if ev.usage != nil {
			res.usage = *ev.usage
		}
	case evFailed:
		res.err = ev.err
	}
	return nil
}

// execute is the producer side of a turn. It closes events when done and
// never blocks once ctx is cancelled.
func (s *Session) execute(ctx context.Context, req *provider.Request, events chan<- event) {
	defer close(events)

	emit := func(ev event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	notifier := router.NotifierFunc(func(sw router.Switch) {
		emit(event{kind: evSwitch, sw: sw})
	})

	stream, err := s.cfg.Router.Route(ctx, s.cfg.Chain, s.cfg.Credentials, req, notifier)
	if err != nil {
		emit(event{kind: evFailed, err: err})
		return
	}
	defer stream.Close()

	if !emit(event{kind: evCommitted, provider: stream.Provider, model: stream.Model}) {
		return
	}
	for {
		delta, err := stream.Recv()
		if err == io.EOF {
			emit(event{kind: evDone, usage: stream.Usage()})
			return
		}
		if err != nil {
			emit(event{kind: evFailed, err: err})
			return
		}
		if !emit(event{kind: evChunk, delta: delta}) {
			return
		}
	}
}
