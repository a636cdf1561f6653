// Package wire defines the JSON messages exchanged over a chat websocket.
//
// Every message in both directions carries a "type" discriminant. Token,
// completion and error messages additionally carry a "status" field with
// the same value.
package wire

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/felixgeelhaar/llmgate/internal/errors"
	"github.com/felixgeelhaar/llmgate/internal/usage"
)

// Client message types.
const (
	TypeChat             = "chat"
	TypeRating           = "rating"
	TypeClearHistory     = "clear_history"
	TypeLoadConversation = "load_conversation"
)

// Gateway message types.
const (
	TypeConnected           = "connected"
	TypeStreaming           = "streaming"
	TypeComplete            = "complete"
	TypeError               = "error"
	TypeBackupSwitch        = "backup_switch"
	TypeUsage               = "usage"
	TypeConversationCreated = "conversation_created"
	TypeConversationLoaded  = "conversation_loaded"
	TypeHistoryCleared      = "history_cleared"
)

// StatusReady is sent with the connected message.
const StatusReady = "ready"

// Rating bounds.
const (
	MinRating = 1
	MaxRating = 5
)

// ClientMessage is any message a client may send. Fields not used by the
// message type are left zero.
type ClientMessage struct {
	Type           string   `json:"type"`
	Message        string   `json:"message,omitempty"`
	MessageID      int      `json:"message_id,omitempty"`
	Attachments    []string `json:"attachments,omitempty"`
	Rating         int      `json:"rating,omitempty"`
	ConversationID string   `json:"conversation_id,omitempty"`
}

// Decode parses and validates a client message.
func Decode(data []byte) (ClientMessage, error) {
	var m ClientMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return ClientMessage{}, errors.Wrap(errors.ErrCodeMalformedMessage, "invalid JSON", err)
	}
	if err := m.Validate(); err != nil {
		return ClientMessage{}, err
	}
	return m, nil
}

// Validate checks the fields required by the message type. An empty chat
// message is accepted here and rejected by the session, which answers it
// with an error message.
func (m ClientMessage) Validate() error {
	switch m.Type {
	case TypeChat, TypeClearHistory:
		return nil
	case TypeRating:
		if m.Rating < MinRating || m.Rating > MaxRating {
			return errors.NewMalformedMessageError(fmt.Sprintf("rating must be between %d and %d, got %d", MinRating, MaxRating, m.Rating))
		}
		return nil
	case TypeLoadConversation:
		if m.ConversationID == "" {
			return errors.NewMalformedMessageError("conversation_id is required")
		}
		return nil
	case "":
		return errors.NewMalformedMessageError("type is required")
	default:
		return errors.NewMalformedMessageError(fmt.Sprintf("unknown type %q", m.Type))
	}
}

// GatewayMessage is any message sent to a client.
type GatewayMessage interface {
	MessageType() string
}

// Encode marshals a gateway message.
func Encode(m GatewayMessage) ([]byte, error) {
	return json.Marshal(m)
}

// Connected is sent once when a channel opens.
type Connected struct {
	Type     string `json:"type"`
	Provider string `json:"provider"`
	Status   string `json:"status"`
}

// MessageType implements GatewayMessage.
func (m Connected) MessageType() string { return m.Type }

// NewConnected creates a connected message.
func NewConnected(provider string) Connected {
	return Connected{Type: TypeConnected, Provider: provider, Status: StatusReady}
}

// Chunk carries one text delta.
type Chunk struct {
	Type     string `json:"type"`
	Provider string `json:"provider"`
	Status   string `json:"status"`
	Chunk    string `json:"chunk"`
}

// MessageType implements GatewayMessage.
func (m Chunk) MessageType() string { return m.Type }

// NewChunk creates a streaming message.
func NewChunk(provider, text string) Chunk {
	return Chunk{Type: TypeStreaming, Provider: provider, Status: TypeStreaming, Chunk: text}
}

// Complete ends a successful turn.
type Complete struct {
	Type     string `json:"type"`
	Provider string `json:"provider"`
	Status   string `json:"status"`
}

// MessageType implements GatewayMessage.
func (m Complete) MessageType() string { return m.Type }

// NewComplete creates a complete message.
func NewComplete(provider string) Complete {
	return Complete{Type: TypeComplete, Provider: provider, Status: TypeComplete}
}

// Error reports a failed request. Provider names the last provider
// attempted; BackupProvider is set when a failover happened.
type Error struct {
	Type           string `json:"type"`
	Provider       string `json:"provider"`
	Status         string `json:"status"`
	Error          string `json:"error"`
	Code           string `json:"code,omitempty"`
	BackupProvider string `json:"backup_provider,omitempty"`
}

// MessageType implements GatewayMessage.
func (m Error) MessageType() string { return m.Type }

// NewError creates an error message from err. Gateway errors contribute
// their code and single-line summary.
func NewError(provider string, err error, backup string) Error {
	m := Error{
		Type:           TypeError,
		Provider:       provider,
		Status:         TypeError,
		BackupProvider: backup,
	}
	if gwErr, ok := errors.As(err); ok {
		m.Error = gwErr.Summary()
		m.Code = string(gwErr.Code)
	} else if err != nil {
		m.Error = err.Error()
	}
	return m
}

// NewErrorText creates an error message with no code.
func NewErrorText(provider, text string) Error {
	return Error{Type: TypeError, Provider: provider, Status: TypeError, Error: text}
}

// BackupSwitch announces a failover to the next provider in the chain.
type BackupSwitch struct {
	Type             string `json:"type"`
	OriginalProvider string `json:"original_provider"`
	BackupProvider   string `json:"backup_provider"`
	Reason           string `json:"reason"`
}

// MessageType implements GatewayMessage.
func (m BackupSwitch) MessageType() string { return m.Type }

// NewBackupSwitch creates a backup_switch message.
func NewBackupSwitch(original, backup, reason string) BackupSwitch {
	return BackupSwitch{Type: TypeBackupSwitch, OriginalProvider: original, BackupProvider: backup, Reason: reason}
}

// Usage reports the cost of one completed message and the session totals.
type Usage struct {
	Type           string             `json:"type"`
	Provider       string             `json:"provider"`
	Model          string             `json:"model"`
	Message        usage.MessageUsage `json:"message"`
	Session        usage.Snapshot     `json:"session"`
	ConversationID string             `json:"conversation_id,omitempty"`
}

// MessageType implements GatewayMessage.
func (m Usage) MessageType() string { return m.Type }

// NewUsage creates a usage message from an accountant report. Costs are
// rounded to six decimals.
func NewUsage(r usage.Report, conversationID string) Usage {
	msg := r.Message
	msg.Cost = usage.Round6(msg.Cost)
	return Usage{
		Type:           TypeUsage,
		Provider:       r.Provider,
		Model:          r.Model,
		Message:        msg,
		Session:        r.Session.Rounded(),
		ConversationID: conversationID,
	}
}

// Conversation announces a conversation created or loaded by the session.
type Conversation struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Title          string `json:"title"`
}

// MessageType implements GatewayMessage.
func (m Conversation) MessageType() string { return m.Type }

// NewConversationCreated creates a conversation_created message.
func NewConversationCreated(id, title string) Conversation {
	return Conversation{Type: TypeConversationCreated, ConversationID: id, Title: title}
}

// NewConversationLoaded creates a conversation_loaded message.
func NewConversationLoaded(id, title string) Conversation {
	return Conversation{Type: TypeConversationLoaded, ConversationID: id, Title: title}
}

// HistoryCleared confirms a history reset with the zeroed totals.
type HistoryCleared struct {
	Type     string         `json:"type"`
	Provider string         `json:"provider"`
	Session  usage.Snapshot `json:"session"`
}

// MessageType implements GatewayMessage.
func (m HistoryCleared) MessageType() string { return m.Type }

// NewHistoryCleared creates a history_cleared message.
func NewHistoryCleared(provider string, totals usage.Snapshot) HistoryCleared {
	return HistoryCleared{Type: TypeHistoryCleared, Provider: provider, Session: totals}
}
