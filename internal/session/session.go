// Package session provides conversation session management.
package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when a session does not exist in the store.
var ErrNotFound = errors.New("session not found")

// Store persists sessions. The agent loop reads one session per
// invocation and saves it exactly once.
type Store interface {
	GetOrCreate(key string) (*Session, error)
	Save(s *Session) error
	Load(key string) (*Session, error)
	List() ([]SessionInfo, error)
	Delete(key string) error
}

// Message represents a chat message in a session.
type Message struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// Session represents a conversation session.
type Session struct {
	Key       string         `json:"key"`
	Messages  []Message      `json:"messages"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	mu        sync.RWMutex
}

// NewSession creates a new session with the given key.
func NewSession(key string) *Session {
	now := time.Now()
	return &Session{
		Key:       key,
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  map[string]any{},
	}
}

// AddMessage adds a message to the session.
func (s *Session) AddMessage(role, content string) {
	s.AddMessageExtra(role, content, nil)
}

// AddMessageExtra adds a message carrying extra fields such as the tools used.
func (s *Session) AddMessageExtra(role, content string, extra map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.Messages = append(s.Messages, Message{
		Role:      role,
		Content:   content,
		Timestamp: now,
		Extra:     extra,
	})
	s.UpdatedAt = now
}

// GetHistory returns the recent message history. maxMessages <= 0 returns all.
func (s *Session) GetHistory(maxMessages int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if maxMessages <= 0 || len(s.Messages) <= maxMessages {
		result := make([]Message, len(s.Messages))
		copy(result, s.Messages)
		return result
	}
	result := make([]Message, maxMessages)
	copy(result, s.Messages[len(s.Messages)-maxMessages:])
	return result
}

// Len returns the number of stored messages.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.Messages)
}

// Clear removes all messages from the session.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Messages = []Message{}
	s.UpdatedAt = time.Now()
}

// GetMetadata returns a metadata value by key.
func (s *Session) GetMetadata(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Metadata == nil {
		return nil, false
	}
	val, ok := s.Metadata[key]
	return val, ok
}

// SetMetadata sets a metadata value by key.
func (s *Session) SetMetadata(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Metadata == nil {
		s.Metadata = map[string]any{}
	}
	s.Metadata[key] = value
	s.UpdatedAt = time.Now()
}

// SessionInfo contains metadata about a stored session.
type SessionInfo struct {
	Key       string
	CreatedAt time.Time
	UpdatedAt time.Time
	Messages  int
	Path      string
}

func sortInfos(infos []SessionInfo) {
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
	})
}

// Manager persists sessions as JSONL files, one per session key.
// The first line holds metadata, every following line one message.
type Manager struct {
	sessionsDir string
	cache       map[string]*Session
	mu          sync.RWMutex
}

// NewManager creates a session manager rooted at dir.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &Manager{
		sessionsDir: dir,
		cache:       make(map[string]*Session),
	}, nil
}

// Dir returns the directory holding the session files.
func (m *Manager) Dir() string { return m.sessionsDir }

// GetOrCreate returns an existing session or creates a new one.
func (m *Manager) GetOrCreate(key string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if session, ok := m.cache[key]; ok {
		return session, nil
	}

	session, err := m.load(key)
	if errors.Is(err, ErrNotFound) {
		session = NewSession(key)
	} else if err != nil {
		return nil, err
	}

	m.cache[key] = session
	return session, nil
}

// Load reads a session without caching a new one when it is absent.
func (m *Manager) Load(key string) (*Session, error) {
	m.mu.RLock()
	if session, ok := m.cache[key]; ok {
		m.mu.RUnlock()
		return session, nil
	}
	m.mu.RUnlock()
	return m.load(key)
}

// Save persists a session to disk.
func (m *Manager) Save(session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := m.sessionPath(session.Key)
	tmp := path + ".tmp"

	session.mu.RLock()
	err := writeJSONL(tmp, session)
	session.mu.RUnlock()
	if err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit session file: %w", err)
	}

	m.cache[session.Key] = session
	return nil
}

func writeJSONL(path string, session *Session) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create session file: %w", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	enc := json.NewEncoder(w)
	meta := map[string]any{
		"_type":      "metadata",
		"key":        session.Key,
		"created_at": session.CreatedAt.Format(time.RFC3339Nano),
		"updated_at": session.UpdatedAt.Format(time.RFC3339Nano),
		"metadata":   session.Metadata,
	}
	if err := enc.Encode(meta); err != nil {
		return fmt.Errorf("write session metadata: %w", err)
	}
	for _, msg := range session.Messages {
		if err := enc.Encode(msg); err != nil {
			return fmt.Errorf("write session message: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush session file: %w", err)
	}
	return nil
}

// Delete removes a session from disk and cache.
func (m *Manager) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.cache, key)
	if err := os.Remove(m.sessionPath(key)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// List returns information about all sessions, most recently updated first.
func (m *Manager) List() ([]SessionInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries, err := os.ReadDir(m.sessionsDir)
	if err != nil {
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}

	var sessions []SessionInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		path := filepath.Join(m.sessionsDir, entry.Name())
		s, err := readJSONL(path, "")
		if err != nil {
			continue
		}
		sessions = append(sessions, SessionInfo{
			Key:       s.Key,
			CreatedAt: s.CreatedAt,
			UpdatedAt: s.UpdatedAt,
			Messages:  len(s.Messages),
			Path:      path,
		})
	}
	sortInfos(sessions)
	return sessions, nil
}

func (m *Manager) sessionPath(key string) string {
	safeKey := strings.ReplaceAll(key, ":", "_")
	// Strip path separators and traversal components to prevent path injection.
	safeKey = strings.ReplaceAll(safeKey, "/", "_")
	safeKey = strings.ReplaceAll(safeKey, "\\", "_")
	safeKey = strings.ReplaceAll(safeKey, "..", "_")
	return filepath.Join(m.sessionsDir, filepath.Base(safeKey)+".jsonl")
}

func (m *Manager) load(key string) (*Session, error) {
	return readJSONL(m.sessionPath(key), key)
}

// readJSONL parses a session file. The key stored in the metadata line
// wins over the fallback, which only matters for files written by hand.
func readJSONL(path, fallbackKey string) (*Session, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open session file: %w", err)
	}
	defer file.Close()

	session := NewSession(fallbackKey)
	decoder := json.NewDecoder(file)

	for decoder.More() {
		var raw json.RawMessage
		if err := decoder.Decode(&raw); err != nil {
			break
		}

		var check map[string]any
		if json.Unmarshal(raw, &check) == nil && check["_type"] == "metadata" {
			if k, ok := check["key"].(string); ok && k != "" {
				session.Key = k
			}
			if created, ok := check["created_at"].(string); ok {
				session.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
			}
			if updated, ok := check["updated_at"].(string); ok {
				session.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
			}
			if meta, ok := check["metadata"].(map[string]any); ok {
				session.Metadata = meta
			}
			continue
		}

		var msg Message
		if json.Unmarshal(raw, &msg) == nil {
			session.Messages = append(session.Messages, msg)
		}
	}
	if session.Key == "" {
		session.Key = strings.TrimSuffix(filepath.Base(path), ".jsonl")
	}
	return session, nil
}
