package checkpoint

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/felixgeelhaar/llmgate/internal/errors"
	"github.com/felixgeelhaar/llmgate/internal/provider"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	seq               INTEGER PRIMARY KEY AUTOINCREMENT,
	id                TEXT NOT NULL UNIQUE,
	conversation_id   TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	role              TEXT NOT NULL,
	content           TEXT NOT NULL,
	provider_id       TEXT,
	model             TEXT,
	input_tokens      INTEGER,
	output_tokens     INTEGER,
	cost              REAL,
	client_message_id INTEGER,
	created_at        TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);

CREATE TABLE IF NOT EXISTS ratings (
	conversation_id   TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	client_message_id INTEGER NOT NULL,
	provider_id       TEXT NOT NULL,
	rating            INTEGER NOT NULL,
	created_at        TEXT NOT NULL,
	PRIMARY KEY (conversation_id, client_message_id, provider_id)
);
`

// SQLiteStore persists conversations in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, errors.Wrap(errors.ErrCodeStoreFailure, "failed to create database directory", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreFailure, "failed to open database", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrap(errors.ErrCodeStoreFailure, fmt.Sprintf("failed to apply %s", pragma), err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(errors.ErrCodeStoreFailure, "failed to create schema", err)
	}

	return &SQLiteStore{db: db}, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// CreateConversation implements Store.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		conv.ID, conv.Title, formatTime(conv.CreatedAt), formatTime(conv.UpdatedAt))
	if err != nil {
		return errors.Wrap(errors.ErrCodeStoreFailure, "failed to create conversation", err)
	}
	return nil
}

// AppendMessages implements Store. All messages land in one transaction.
func (s *SQLiteStore) AppendMessages(ctx context.Context, conversationID string, msgs ...Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.ErrCodeStoreFailure, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`,
		formatTime(time.Now()), conversationID)
	if err != nil {
		return errors.Wrap(errors.ErrCodeStoreFailure, "failed to touch conversation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewConversationNotFoundError(conversationID)
	}

	for _, m := range msgs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, role, content, provider_id, model,
				input_tokens, output_tokens, cost, client_message_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, conversationID, string(m.Role), m.Content,
			nullString(m.ProviderID), nullString(m.Model),
			nullInt(m.InputTokens), nullInt(m.OutputTokens), nullFloat(m.Cost),
			sql.NullInt64{Int64: int64(m.ClientMessageID), Valid: m.ClientMessageID != 0},
			formatTime(m.CreatedAt))
		if err != nil {
			return errors.Wrap(errors.ErrCodeStoreFailure, "failed to insert message", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrCodeStoreFailure, "failed to commit messages", err)
	}
	return nil
}

// LoadConversation implements Store.
func (s *SQLiteStore) LoadConversation(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	var created, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?`, id).
		Scan(&conv.ID, &conv.Title, &created, &updated)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewConversationNotFoundError(id)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreFailure, "failed to load conversation", err)
	}
	conv.CreatedAt = parseTime(created)
	conv.UpdatedAt = parseTime(updated)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, provider_id, model, input_tokens, output_tokens, cost,
			client_message_id, created_at
		FROM messages WHERE conversation_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreFailure, "failed to load messages", err)
	}
	defer rows.Close()

	conv.Messages = []Message{}
	for rows.Next() {
		var (
			m             Message
			role, created string
			providerID    sql.NullString
			model         sql.NullString
			inTok, outTok sql.NullInt64
			cost          sql.NullFloat64
			clientMsgID   sql.NullInt64
		)
		if err := rows.Scan(&m.ID, &role, &m.Content, &providerID, &model, &inTok, &outTok, &cost, &clientMsgID, &created); err != nil {
			return nil, errors.Wrap(errors.ErrCodeStoreFailure, "failed to scan message", err)
		}
		m.Role = provider.Role(role)
		m.ProviderID = providerID.String
		m.Model = model.String
		m.InputTokens = intPtr(inTok)
		m.OutputTokens = intPtr(outTok)
		if cost.Valid {
			c := cost.Float64
			m.Cost = &c
		}
		m.ClientMessageID = int(clientMsgID.Int64)
		m.CreatedAt = parseTime(created)
		conv.Messages = append(conv.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreFailure, "failed to read messages", err)
	}

	ratings, err := s.db.QueryContext(ctx, `
		SELECT client_message_id, provider_id, rating, created_at
		FROM ratings WHERE conversation_id = ? ORDER BY created_at`, id)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreFailure, "failed to load ratings", err)
	}
	defer ratings.Close()
	for ratings.Next() {
		var r Rating
		var created string
		if err := ratings.Scan(&r.ClientMessageID, &r.ProviderID, &r.Rating, &created); err != nil {
			return nil, errors.Wrap(errors.ErrCodeStoreFailure, "failed to scan rating", err)
		}
		r.CreatedAt = parseTime(created)
		conv.Ratings = append(conv.Ratings, r)
	}
	if err := ratings.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreFailure, "failed to read ratings", err)
	}

	return &conv, nil
}

// ClearHistory implements Store.
func (s *SQLiteStore) ClearHistory(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.ErrCodeStoreFailure, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, formatTime(time.Now()), id)
	if err != nil {
		return errors.Wrap(errors.ErrCodeStoreFailure, "failed to touch conversation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewConversationNotFoundError(id)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return errors.Wrap(errors.ErrCodeStoreFailure, "failed to clear messages", err)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrCodeStoreFailure, "failed to commit clear", err)
	}
	return nil
}

// RecordRating implements Store. A later rating of the same answer replaces
// the earlier one.
func (s *SQLiteStore) RecordRating(ctx context.Context, conversationID string, r Rating) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ratings (conversation_id, client_message_id, provider_id, rating, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (conversation_id, client_message_id, provider_id)
		DO UPDATE SET rating = excluded.rating, created_at = excluded.created_at`,
		conversationID, r.ClientMessageID, r.ProviderID, r.Rating, formatTime(r.CreatedAt))
	if err != nil {
		return errors.Wrap(errors.ErrCodeStoreFailure, "failed to record rating", err)
	}
	return nil
}

// ListConversations implements Store.
func (s *SQLiteStore) ListConversations(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.title, c.created_at, c.updated_at, COUNT(m.id)
		FROM conversations c LEFT JOIN messages m ON m.conversation_id = c.id
		GROUP BY c.id ORDER BY c.updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreFailure, "failed to list conversations", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var created, updated string
		if err := rows.Scan(&sum.ID, &sum.Title, &created, &updated, &sum.MessageCount); err != nil {
			return nil, errors.Wrap(errors.ErrCodeStoreFailure, "failed to scan conversation", err)
		}
		sum.CreatedAt = parseTime(created)
		sum.UpdatedAt = parseTime(updated)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Ping implements Store.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}
