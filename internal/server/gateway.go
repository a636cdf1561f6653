package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/felixgeelhaar/llmgate/internal/attachment"
	"github.com/felixgeelhaar/llmgate/internal/checkpoint"
	"github.com/felixgeelhaar/llmgate/internal/errors"
	"github.com/felixgeelhaar/llmgate/internal/log"
	"github.com/felixgeelhaar/llmgate/internal/metrics"
	"github.com/felixgeelhaar/llmgate/internal/provider"
	"github.com/felixgeelhaar/llmgate/internal/session"
	"github.com/felixgeelhaar/llmgate/internal/usage"
	"github.com/felixgeelhaar/llmgate/internal/wire"
)

// MaxMessageBytes bounds a single client frame.
const MaxMessageBytes = 1 << 20

var errShuttingDown = stderrors.New("gateway is shutting down")

// GatewayConfig holds what every chat session shares.
type GatewayConfig struct {
	Table *provider.Table
	Chain []string

	// Resolver supplies credentials when a session starts. When nil,
	// Credentials is used as is.
	Resolver    provider.CredentialResolver
	Credentials provider.Credentials

	Router      session.Router
	Accountant  *usage.Accountant
	Checkpoints *checkpoint.Manager
	Attachments attachment.Resolver

	SystemPrompt string
	MaxHistory   int

	// WriteTimeout bounds a single websocket write; zero disables it
	WriteTimeout time.Duration

	// OriginPatterns are the browser origins allowed to connect; empty
	// allows same-origin requests only
	OriginPatterns []string

	Logger  *log.Logger
	Metrics *metrics.Metrics
}

type liveSession struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Gateway supervises the chat sessions of one server. It keeps at most
// one live session per client and provider; a reconnect replaces the
// previous session after it has fully stopped.
type Gateway struct {
	cfg    GatewayConfig
	logger *log.Logger

	mu       sync.Mutex
	sessions map[string]map[string]*liveSession
	closed   bool
	wg       sync.WaitGroup
}

// NewGateway validates cfg and creates a gateway.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Table == nil {
		return nil, fmt.Errorf("provider table is required")
	}
	if err := cfg.Table.ValidateChain(cfg.Chain); err != nil {
		return nil, err
	}
	if cfg.Router == nil || cfg.Accountant == nil {
		return nil, fmt.Errorf("router and accountant are required")
	}
	if cfg.Credentials == nil {
		cfg.Credentials = provider.Credentials{}
	}
	return &Gateway{
		cfg:      cfg,
		logger:   log.OrDefault(cfg.Logger).With("component", "gateway"),
		sessions: make(map[string]map[string]*liveSession),
	}, nil
}

// Connected returns the providers with at least one live session, sorted.
func (g *Gateway) Connected() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	seen := make(map[string]bool)
	for _, byProvider := range g.sessions {
		for id := range byProvider {
			seen[id] = true
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// claim registers a session for client and provider, stopping and
// waiting for any session it replaces.
func (g *Gateway) claim(clientID, providerID string, cancel context.CancelFunc) (*liveSession, error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, errShuttingDown
	}
	byProvider := g.sessions[clientID]
	if byProvider == nil {
		byProvider = make(map[string]*liveSession)
		g.sessions[clientID] = byProvider
	}
	old := byProvider[providerID]
	ls := &liveSession{cancel: cancel, done: make(chan struct{})}
	byProvider[providerID] = ls
	g.wg.Add(1)
	g.mu.Unlock()

	if old != nil {
		g.logger.Info("replacing session", "client_id", clientID, "provider", providerID)
		old.cancel()
		<-old.done
	}
	return ls, nil
}

func (g *Gateway) release(clientID, providerID string, ls *liveSession) {
	g.mu.Lock()
	if byProvider := g.sessions[clientID]; byProvider[providerID] == ls {
		delete(byProvider, providerID)
		if len(byProvider) == 0 {
			delete(g.sessions, clientID)
		}
	}
	g.mu.Unlock()
	close(ls.done)
	g.wg.Done()
}

// Shutdown cancels every live session and waits for them to stop or for
// ctx to expire.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	for _, byProvider := range g.sessions {
		for _, ls := range byProvider {
			ls.cancel()
		}
	}
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleChat upgrades GET /api/v1/ws/chat?provider=<id>&client_id=<id>
// and serves the session until the client disconnects.
func (g *Gateway) HandleChat(w http.ResponseWriter, r *http.Request) {
	providerID := r.URL.Query().Get("provider")
	if providerID == "" {
		http.Error(w, "provider query parameter is required", http.StatusBadRequest)
		return
	}
	if !g.cfg.Table.Has(providerID) {
		notFound := errors.NewProviderNotFoundError(providerID)
		http.Error(w, fmt.Sprintf("[%s] %s", notFound.Code, notFound.Summary()), http.StatusNotFound)
		return
	}
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: g.cfg.OriginPatterns})
	if err != nil {
		g.logger.WithError(err).Warn("websocket upgrade failed", "provider", providerID)
		return
	}
	conn.SetReadLimit(MaxMessageBytes)

	err = g.serve(r.Context(), conn, clientID, providerID)
	switch {
	case stderrors.Is(err, errShuttingDown):
		conn.Close(websocket.StatusGoingAway, "shutting down")
	case err != nil:
		g.logger.WithError(err).Warn("session ended with error", "client_id", clientID, "provider", providerID)
		conn.Close(websocket.StatusInternalError, "session error")
	default:
		conn.Close(websocket.StatusNormalClosure, "")
	}
}

func (g *Gateway) serve(parent context.Context, conn *websocket.Conn, clientID, providerID string) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	ls, err := g.claim(clientID, providerID, cancel)
	if err != nil {
		return err
	}
	defer g.release(clientID, providerID, ls)

	chain := provider.ChainFrom(providerID, g.cfg.Chain)
	creds, err := g.credentials(ctx, chain)
	if err != nil {
		return err
	}

	out := &connOutbox{conn: conn, timeout: g.cfg.WriteTimeout}
	sess, err := session.New(session.Config{
		ID:           uuid.NewString(),
		ProviderID:   providerID,
		Chain:        chain,
		Credentials:  creds,
		SystemPrompt: g.cfg.SystemPrompt,
		MaxHistory:   g.cfg.MaxHistory,
		Router:       g.cfg.Router,
		Accountant:   g.cfg.Accountant,
		Outbox:       out,
		Checkpoints:  g.cfg.Checkpoints,
		Attachments:  g.cfg.Attachments,
		Logger:       g.logger.With("client_id", clientID),
		Metrics:      g.cfg.Metrics,
	})
	if err != nil {
		return err
	}

	if err := out.Send(ctx, wire.NewConnected(providerID)); err != nil {
		return nil
	}

	inbox := make(chan session.Inbound)
	go read(ctx, conn, inbox)

	err = sess.Run(ctx, inbox)
	if ctx.Err() != nil {
		// replaced, shut down or the request ended
		return nil
	}
	return err
}

// credentials resolves the chain's credentials for a new session. A
// missing credential is not fatal; routing treats it as an auth failure.
func (g *Gateway) credentials(ctx context.Context, chain []string) (provider.Credentials, error) {
	if g.cfg.Resolver == nil {
		return g.cfg.Credentials, nil
	}
	creds, err := provider.ResolveAll(ctx, g.cfg.Resolver, g.cfg.Table, chain)
	if err != nil {
		if creds == nil {
			return nil, err
		}
		g.logger.WithError(err).Warn("session starts with missing credentials")
	}
	return creds, nil
}

// read decodes client frames into inbox until the connection fails,
// then closes inbox.
func read(ctx context.Context, conn *websocket.Conn, inbox chan<- session.Inbound) {
	defer close(inbox)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var in session.Inbound
		if typ != websocket.MessageText {
			in.Err = errors.NewMalformedMessageError("binary frames are not supported")
		} else {
			in.Message, in.Err = wire.Decode(data)
		}

		select {
		case inbox <- in:
		case <-ctx.Done():
			return
		}
	}
}

// connOutbox writes gateway messages as text frames.
type connOutbox struct {
	conn    *websocket.Conn
	timeout time.Duration
}

func (o *connOutbox) Send(ctx context.Context, m wire.GatewayMessage) error {
	data, err := wire.Encode(m)
	if err != nil {
		return err
	}
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	return o.conn.Write(ctx, websocket.MessageText, data)
}
