// Package session keeps per-tab chat sessions in memory.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ghassan-labs/askdb/internal/domain"
)

// Manager maps user/session pairs to their chat sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session
	now      func() time.Time
}

// NewManager creates an empty session manager.
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*domain.Session),
		now:      time.Now,
	}
}

// Get returns the session for userID/sessionID, or nil.
func (m *Manager) Get(userID, sessionID string) *domain.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[domain.SessionKey(userID, sessionID)]
}

// GetOrCreate returns the existing session or starts an empty one.
//
// The session is touched while the registry lock is held, so a concurrent
// Sweep either runs first and the caller gets a fresh session, or runs after
// and sees the session as active.
func (m *Manager) GetOrCreate(userID, sessionID string) *domain.Session {
	key := domain.SessionKey(userID, sessionID)

	m.mu.RLock()
	sess, ok := m.sessions[key]
	if ok {
		sess.TouchAt(m.now())
	}
	m.mu.RUnlock()
	if ok {
		return sess
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[key]; ok {
		sess.TouchAt(m.now())
		return sess
	}
	sess = domain.NewSession(userID, sessionID)
	sess.TouchAt(m.now())
	m.sessions[key] = sess
	slog.Info("Chat session created", "user_id", userID, "session_id", sessionID)
	return sess
}

// Reset drops the session's conversation. The next GetOrCreate starts over.
// It reports whether a session existed.
func (m *Manager) Reset(userID, sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := domain.SessionKey(userID, sessionID)
	if _, ok := m.sessions[key]; !ok {
		return false
	}
	delete(m.sessions, key)
	slog.Info("Chat session reset", "user_id", userID, "session_id", sessionID)
	return true
}

// Sweep removes sessions idle for longer than ttl and returns how many were
// removed. Sessions waiting on the agent are never removed.
func (m *Manager) Sweep(ttl time.Duration) int {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, sess := range m.sessions {
		if sess.IdleFor(now) > ttl {
			delete(m.sessions, key)
			removed++
			slog.Debug("Chat session expired",
				"user_id", sess.UserID,
				"session_id", sess.SessionID,
				"turns", sess.Len(),
			)
		}
	}
	return removed
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
