package agent

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"fsbot/internal/domain"
	"fsbot/internal/metrics"
	"fsbot/internal/staging"
)

// Session is the in-memory state of one conversation: its transcript and its
// staging queue. Transcripts are never persisted; they die with the session.
type Session struct {
	ID         string
	Transcript []domain.Message
	Queue      *staging.Queue
	Provider   string // per-session provider override, set by /provider
	Created    time.Time
	LastActive time.Time

	// mu serializes turns on this session; the loop holds it for the whole
	// turn so confirmation input cannot interleave with tool execution.
	mu sync.Mutex
}

func (s *Session) Lock()   { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }

// SessionManager owns all live sessions. Console mode has exactly one;
// gateway mode holds one per chat id.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
}

func NewSessionManager(logger *slog.Logger) *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// NewSessionID returns a short random session id for console sessions.
func NewSessionID() string {
	return uuid.NewString()[:8]
}

// Get returns the session with the given id, creating it if necessary.
func (sm *SessionManager) Get(id string) *Session {
	sm.mu.RLock()
	s, ok := sm.sessions[id]
	sm.mu.RUnlock()
	if ok {
		return s
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	if s, ok := sm.sessions[id]; ok {
		return s
	}
	now := time.Now()
	s = &Session{
		ID:         id,
		Queue:      staging.NewQueue(),
		Created:    now,
		LastActive: now,
	}
	sm.sessions[id] = s
	metrics.ActiveSessions.Inc()
	sm.logger.Info("session created", "session", id)
	return s
}

// Reset drops the transcript and every staged action of a session without
// executing anything. The session id survives.
func (sm *SessionManager) Reset(id string) {
	sm.mu.RLock()
	s, ok := sm.sessions[id]
	sm.mu.RUnlock()
	if !ok {
		return
	}
	s.Lock()
	dropped := s.Queue.Clear()
	s.Transcript = nil
	s.LastActive = time.Now()
	s.Unlock()
	sm.logger.Info("session reset", "session", id, "dropped_actions", len(dropped))
}

// Remove deletes a session entirely. Staged actions are dropped, never executed.
func (sm *SessionManager) Remove(id string) {
	sm.mu.Lock()
	s, ok := sm.sessions[id]
	if ok {
		delete(sm.sessions, id)
	}
	sm.mu.Unlock()
	if !ok {
		return
	}
	s.Lock()
	s.Queue.Clear()
	s.Unlock()
	metrics.ActiveSessions.Dec()
	sm.logger.Info("session removed", "session", id)
}

func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// IDs returns the live session ids, sorted.
func (sm *SessionManager) IDs() []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	ids := make([]string, 0, len(sm.sessions))
	for id := range sm.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
