package chat

import (
	"sync"
	"time"

	"github.com/undoable/undoable/internal/chat/llm"
	"github.com/undoable/undoable/internal/runevents"
	"github.com/undoable/undoable/internal/store"
)

// Session is one chat conversation's durable message history.
type Session struct {
	ID              string        `json:"id"`
	AgentID         string        `json:"agentId,omitempty"`
	PersistentGoals string        `json:"persistentGoals,omitempty"`
	Messages        []llm.Message `json:"messages"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

type sessionFileRecord struct {
	Version  int       `json:"version"`
	Sessions []Session `json:"sessions"`
}

const sessionFileVersion = 1

// SessionStore is the authoritative store for chat sessions, persisted the
// same atomic-JSON way as every other store in the execution core.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session

	file *store.File
}

// NewSessionStore constructs a SessionStore backed by the given
// persistence file.
func NewSessionStore(file *store.File) *SessionStore {
	s := &SessionStore{
		sessions: make(map[string]*Session),
		file:     file,
	}
	s.restore()
	return s
}

func (s *SessionStore) restore() {
	if s.file == nil {
		return
	}
	var rec sessionFileRecord
	exists, err := s.file.Load(&rec)
	if err != nil || !exists {
		return
	}
	if err := store.CheckVersion(s.file.Path(), rec.Version, sessionFileVersion); err != nil {
		return
	}
	for i := range rec.Sessions {
		sess := rec.Sessions[i]
		s.sessions[sess.ID] = &sess
	}
}

func (s *SessionStore) persistLocked() {
	if s.file == nil {
		return
	}
	sessions := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, *sess)
	}
	rec := sessionFileRecord{Version: sessionFileVersion, Sessions: sessions}
	_ = s.file.SaveReported(rec)
}

// GetOrCreate returns the session by id, creating it (with a fresh id if
// sessionID is empty) when absent.
func (s *SessionStore) GetOrCreate(sessionID, agentID string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sessionID != "" {
		if sess, ok := s.sessions[sessionID]; ok {
			return sess
		}
	}
	now := time.Now().UTC()
	id := sessionID
	if id == "" {
		id = runevents.NewID()
	}
	sess := &Session{ID: id, AgentID: agentID, CreatedAt: now, UpdatedAt: now}
	s.sessions[id] = sess
	s.persistLocked()
	return sess
}

// Append adds a message to a session's history and persists immediately.
func (s *SessionStore) Append(sessionID string, msg llm.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	sess.Messages = append(sess.Messages, msg)
	sess.UpdatedAt = time.Now().UTC()
	s.persistLocked()
}

// Messages returns a copy of a session's message history.
func (s *SessionStore) Messages(sessionID string) []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]llm.Message, len(sess.Messages))
	copy(out, sess.Messages)
	return out
}

// Get returns a session by id.
func (s *SessionStore) Get(sessionID string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}
