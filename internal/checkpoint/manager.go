package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/llmgate/internal/errors"
)

// Manager fronts a Store and enforces a single writer per conversation.
// A writer claims a conversation under an owner id (the session id);
// appends and clears by anyone else are rejected until it is released.
type Manager struct {
	store Store
	now   func() time.Time

	mu     sync.Mutex
	leases map[string]string // conversation id -> owner
}

// NewManager creates a manager over store.
func NewManager(store Store) *Manager {
	return &Manager{
		store:  store,
		now:    time.Now,
		leases: make(map[string]string),
	}
}

// Store returns the underlying backend.
func (m *Manager) Store() Store {
	return m.store
}

// Create starts a new conversation owned by owner.
func (m *Manager) Create(ctx context.Context, owner, title string) (*Conversation, error) {
	now := m.now().UTC()
	conv := &Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	if err := m.Claim(conv.ID, owner); err != nil {
		return nil, err
	}
	return conv, nil
}

// Claim makes owner the single writer of a conversation.
func (m *Manager) Claim(conversationID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if holder, ok := m.leases[conversationID]; ok && holder != owner {
		return errors.New(errors.ErrCodeConversationLocked,
			fmt.Sprintf("conversation %s is open in another session", conversationID))
	}
	m.leases[conversationID] = owner
	return nil
}

// Release drops owner's lease on a conversation.
func (m *Manager) Release(conversationID, owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.leases[conversationID] == owner {
		delete(m.leases, conversationID)
	}
}

// ReleaseAll drops every lease held by owner.
func (m *Manager) ReleaseAll(owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, holder := range m.leases {
		if holder == owner {
			delete(m.leases, id)
		}
	}
}

func (m *Manager) checkLease(conversationID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.leases[conversationID] != owner {
		return errors.New(errors.ErrCodeConversationLocked,
			fmt.Sprintf("session does not own conversation %s", conversationID))
	}
	return nil
}

// Append persists messages in order. IDs and timestamps are filled in
// when empty.
func (m *Manager) Append(ctx context.Context, owner, conversationID string, msgs ...Message) error {
	if err := m.checkLease(conversationID, owner); err != nil {
		return err
	}
	now := m.now().UTC()
	for i := range msgs {
		if msgs[i].ID == "" {
			msgs[i].ID = uuid.NewString()
		}
		if msgs[i].CreatedAt.IsZero() {
			msgs[i].CreatedAt = now
		}
	}
	return m.store.AppendMessages(ctx, conversationID, msgs...)
}

// Load reads a conversation. No lease is needed.
func (m *Manager) Load(ctx context.Context, conversationID string) (*Conversation, error) {
	return m.store.LoadConversation(ctx, conversationID)
}

// Clear deletes a conversation's messages, keeping the conversation.
func (m *Manager) Clear(ctx context.Context, owner, conversationID string) error {
	if err := m.checkLease(conversationID, owner); err != nil {
		return err
	}
	return m.store.ClearHistory(ctx, conversationID)
}

// Rate records a rating against a conversation.
func (m *Manager) Rate(ctx context.Context, conversationID string, rating Rating) error {
	if rating.CreatedAt.IsZero() {
		rating.CreatedAt = m.now().UTC()
	}
	return m.store.RecordRating(ctx, conversationID, rating)
}

// List returns the most recently updated conversations.
func (m *Manager) List(ctx context.Context, limit int) ([]Summary, error) {
	return m.store.ListConversations(ctx, limit)
}

// Ping checks the backend is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	return m.store.Ping(ctx)
}
