package session

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Schema creates the session tables. Timestamps are stored as RFC3339 text
// so the schema behaves the same across sqlite drivers.
const Schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_key TEXT PRIMARY KEY,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL,
	metadata    TEXT NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS session_messages (
	session_key TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	role        TEXT NOT NULL,
	content     TEXT NOT NULL,
	timestamp   TEXT NOT NULL,
	extra       TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (session_key, seq)
);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
`

// SQLStore keeps sessions in a SQL database.
type SQLStore struct {
	db    *sql.DB
	cache map[string]*Session
	mu    sync.Mutex
}

// OpenSQLite opens (or creates) a sqlite session database at path.
func OpenSQLite(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	store, err := NewSQLStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore applies the schema to db and returns a store backed by it.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("apply session schema: %w", err)
	}
	return &SQLStore{db: db, cache: make(map[string]*Session)}, nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// GetOrCreate returns the cached or stored session, or a fresh one.
func (s *SQLStore) GetOrCreate(key string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.cache[key]; ok {
		return sess, nil
	}
	sess, err := s.load(key)
	if errors.Is(err, ErrNotFound) {
		sess = NewSession(key)
	} else if err != nil {
		return nil, err
	}
	s.cache[key] = sess
	return sess, nil
}

// Load reads a session; ErrNotFound when it was never saved.
func (s *SQLStore) Load(key string) (*Session, error) {
	s.mu.Lock()
	if sess, ok := s.cache[key]; ok {
		s.mu.Unlock()
		return sess, nil
	}
	s.mu.Unlock()
	return s.load(key)
}

func (s *SQLStore) load(key string) (*Session, error) {
	var created, updated, meta string
	err := s.db.QueryRow(`SELECT created_at, updated_at, metadata FROM sessions WHERE session_key = ?`, key).
		Scan(&created, &updated, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}

	sess := NewSession(key)
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	sess.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	if meta != "" {
		_ = json.Unmarshal([]byte(meta), &sess.Metadata)
	}

	rows, err := s.db.Query(`SELECT role, content, timestamp, extra FROM session_messages
		WHERE session_key = ? ORDER BY seq`, key)
	if err != nil {
		return nil, fmt.Errorf("query session messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var msg Message
		var ts, extra string
		if err := rows.Scan(&msg.Role, &msg.Content, &ts, &extra); err != nil {
			return nil, fmt.Errorf("scan session message: %w", err)
		}
		msg.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if extra != "" {
			_ = json.Unmarshal([]byte(extra), &msg.Extra)
		}
		sess.Messages = append(sess.Messages, msg)
	}
	return sess, rows.Err()
}

// Save replaces the stored copy of the session in one transaction.
func (s *SQLStore) Save(sess *Session) error {
	sess.mu.RLock()
	defer sess.mu.RUnlock()

	meta, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin session tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO sessions (session_key, created_at, updated_at, metadata) VALUES (?, ?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET updated_at = excluded.updated_at, metadata = excluded.metadata`,
		sess.Key, sess.CreatedAt.Format(time.RFC3339Nano), sess.UpdatedAt.Format(time.RFC3339Nano), string(meta))
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM session_messages WHERE session_key = ?`, sess.Key); err != nil {
		return fmt.Errorf("clear session messages: %w", err)
	}
	for i, msg := range sess.Messages {
		extra := ""
		if len(msg.Extra) > 0 {
			b, err := json.Marshal(msg.Extra)
			if err != nil {
				return fmt.Errorf("marshal message extra: %w", err)
			}
			extra = string(b)
		}
		_, err := tx.Exec(`INSERT INTO session_messages (session_key, seq, role, content, timestamp, extra)
			VALUES (?, ?, ?, ?, ?, ?)`,
			sess.Key, i, msg.Role, msg.Content, msg.Timestamp.Format(time.RFC3339Nano), extra)
		if err != nil {
			return fmt.Errorf("insert session message: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session: %w", err)
	}

	s.mu.Lock()
	s.cache[sess.Key] = sess
	s.mu.Unlock()
	return nil
}

// List returns stored sessions, most recently updated first.
func (s *SQLStore) List() ([]SessionInfo, error) {
	rows, err := s.db.Query(`SELECT s.session_key, s.created_at, s.updated_at,
		(SELECT COUNT(*) FROM session_messages m WHERE m.session_key = s.session_key)
		FROM sessions s ORDER BY s.updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var info SessionInfo
		var created, updated string
		if err := rows.Scan(&info.Key, &created, &updated, &info.Messages); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		info.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		info.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortInfos(out)
	return out, nil
}

// Delete removes a session and its messages.
func (s *SQLStore) Delete(key string) error {
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM sessions WHERE session_key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(`DELETE FROM session_messages WHERE session_key = ?`, key); err != nil {
		return fmt.Errorf("delete session messages: %w", err)
	}
	return tx.Commit()
}
