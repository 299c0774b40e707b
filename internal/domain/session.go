package domain

import (
	"sync"
	"time"
)

// Session holds the chat state of one user in one browser tab.
// It lives in memory only.
type Session struct {
	UserID    string
	SessionID string
	CreatedAt time.Time

	mu           sync.RWMutex
	conversation Conversation
	input        string
	lastActiveAt time.Time

	inflight sync.Mutex
}

// NewSession creates an empty session.
func NewSession(userID, sessionID string) *Session {
	now := time.Now()
	return &Session{
		UserID:       userID,
		SessionID:    sessionID,
		CreatedAt:    now,
		lastActiveAt: now,
	}
}

// Key returns the registry key for the session.
func (s *Session) Key() string {
	return SessionKey(s.UserID, s.SessionID)
}

// SessionKey builds the registry key for a user/session pair.
func SessionKey(userID, sessionID string) string {
	return userID + ":" + sessionID
}

// BeginExchange claims the session for one user/agent exchange.
// It returns false if another exchange is still in flight.
func (s *Session) BeginExchange() (release func(), ok bool) {
	if !s.inflight.TryLock() {
		return nil, false
	}
	return s.inflight.Unlock, true
}

// SetInput stores the current contents of the input field.
func (s *Session) SetInput(input string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.input = input
	s.lastActiveAt = time.Now()
}

// Input returns the current contents of the input field.
func (s *Session) Input() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.input
}

// CompleteExchange appends both turns and clears the input field.
func (s *Session) CompleteExchange(user, agent Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversation.AppendExchange(user, agent)
	s.input = ""
	s.lastActiveAt = time.Now()
}

// Turns returns a snapshot of the conversation.
func (s *Session) Turns() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversation.Turns()
}

// Len returns the number of turns in the conversation.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversation.Len()
}

// TouchAt marks the session as active at t.
func (s *Session) TouchAt(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActiveAt = t
}

// LastActiveAt returns when the session was last used.
func (s *Session) LastActiveAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActiveAt
}

// IdleFor reports how long the session has been idle.
// Returns 0 while an exchange is in flight.
func (s *Session) IdleFor(now time.Time) time.Duration {
	if !s.inflight.TryLock() {
		return 0
	}
	s.inflight.Unlock()
	idle := now.Sub(s.LastActiveAt())
	if idle < 0 {
		return 0
	}
	return idle
}
