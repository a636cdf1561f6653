package checkpoint

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/zeebo/blake3"

	"github.com/felixgeelhaar/llmgate/internal/errors"
)

// fileEnvelope is the on-disk form of a conversation. Digest is the
// BLAKE3 hash of Conversation's JSON and is verified on load.
type fileEnvelope struct {
	Version      string          `json:"version"`
	Digest       string          `json:"digest"`
	Conversation json.RawMessage `json:"conversation"`
}

// FileStore keeps one JSON file per conversation in a directory.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// OpenFileStore creates the directory if needed.
func OpenFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreFailure, "failed to create checkpoint directory", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.json", id))
}

// digest hashes the compact form of raw so re-indenting the envelope
// does not change it.
func digest(raw []byte) (string, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", err
	}
	sum := blake3.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:]), nil
}

func (s *FileStore) read(id string) (*Conversation, error) {
	if strings.ContainsAny(id, `/\`) || id == "" {
		return nil, errors.NewConversationNotFoundError(id)
	}
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewConversationNotFoundError(id)
		}
		return nil, errors.Wrap(errors.ErrCodeStoreFailure, "failed to read checkpoint file", err)
	}

	var env fileEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreFailure, "failed to unmarshal checkpoint", err)
	}
	if sum, err := digest(env.Conversation); err != nil || sum != env.Digest {
		return nil, errors.New(errors.ErrCodeStoreFailure, fmt.Sprintf("checkpoint %s failed integrity check", id))
	}

	var conv Conversation
	if err := json.Unmarshal(env.Conversation, &conv); err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreFailure, "failed to unmarshal conversation", err)
	}
	if conv.Messages == nil {
		conv.Messages = []Message{}
	}
	return &conv, nil
}

// write replaces the file atomically via rename.
func (s *FileStore) write(conv *Conversation) error {
	body, err := json.Marshal(conv)
	if err != nil {
		return errors.Wrap(errors.ErrCodeStoreFailure, "failed to marshal conversation", err)
	}
	sum, err := digest(body)
	if err != nil {
		return errors.Wrap(errors.ErrCodeStoreFailure, "failed to hash conversation", err)
	}
	data, err := json.MarshalIndent(fileEnvelope{
		Version:      "1.0",
		Digest:       sum,
		Conversation: body,
	}, "", "  ")
	if err != nil {
		return errors.Wrap(errors.ErrCodeStoreFailure, "failed to marshal checkpoint", err)
	}

	tmp, err := os.CreateTemp(s.dir, conv.ID+".*.tmp")
	if err != nil {
		return errors.Wrap(errors.ErrCodeStoreFailure, "failed to create checkpoint file", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(errors.ErrCodeStoreFailure, "failed to write checkpoint file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(errors.ErrCodeStoreFailure, "failed to write checkpoint file", err)
	}
	if err := os.Rename(tmp.Name(), s.path(conv.ID)); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(errors.ErrCodeStoreFailure, "failed to replace checkpoint file", err)
	}
	return nil
}

// CreateConversation implements Store.
func (s *FileStore) CreateConversation(_ context.Context, conv *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path(conv.ID)); err == nil {
		return errors.New(errors.ErrCodeStoreFailure, fmt.Sprintf("conversation %s already exists", conv.ID))
	}
	c := *conv
	c.Messages = []Message{}
	return s.write(&c)
}

// AppendMessages implements Store.
func (s *FileStore) AppendMessages(_ context.Context, conversationID string, msgs ...Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.read(conversationID)
	if err != nil {
		return err
	}
	conv.Messages = append(conv.Messages, msgs...)
	conv.UpdatedAt = time.Now().UTC()
	return s.write(conv)
}

// LoadConversation implements Store.
func (s *FileStore) LoadConversation(_ context.Context, id string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(id)
}

// ClearHistory implements Store.
func (s *FileStore) ClearHistory(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.read(id)
	if err != nil {
		return err
	}
	conv.Messages = []Message{}
	conv.UpdatedAt = time.Now().UTC()
	return s.write(conv)
}

// RecordRating implements Store.
func (s *FileStore) RecordRating(_ context.Context, conversationID string, r Rating) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.read(conversationID)
	if err != nil {
		return err
	}
	replaced := false
	for i, existing := range conv.Ratings {
		if existing.ClientMessageID == r.ClientMessageID && existing.ProviderID == r.ProviderID {
			conv.Ratings[i] = r
			replaced = true
		}
	}
	if !replaced {
		conv.Ratings = append(conv.Ratings, r)
	}
	return s.write(conv)
}

// ListConversations implements Store.
func (s *FileStore) ListConversations(_ context.Context, limit int) ([]Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStoreFailure, "failed to read checkpoint directory", err)
	}

	var out []Summary
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		conv, err := s.read(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			continue
		}
		out = append(out, Summary{
			ID:           conv.ID,
			Title:        conv.Title,
			CreatedAt:    conv.CreatedAt,
			UpdatedAt:    conv.UpdatedAt,
			MessageCount: len(conv.Messages),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping implements Store.
func (s *FileStore) Ping(context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return errors.Wrap(errors.ErrCodeStoreFailure, "checkpoint directory unavailable", err)
	}
	if !info.IsDir() {
		return errors.New(errors.ErrCodeStoreFailure, fmt.Sprintf("%s is not a directory", s.dir))
	}
	return nil
}

// Close implements Store.
func (s *FileStore) Close() error {
	return nil
}

// Open opens the backend named by driver: "sqlite" (target is a database
// path) or "file" (target is a directory).
func Open(driver, target string) (Store, error) {
	switch driver {
	case "sqlite", "":
		return OpenSQLite(target)
	case "file":
		return OpenFileStore(target)
	default:
		return nil, errors.New(errors.ErrCodeStoreFailure, fmt.Sprintf("unknown store driver: %s", driver))
	}
}
