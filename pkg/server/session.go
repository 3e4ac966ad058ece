package server

import (
	"errors"
	"sync"
	"time"

	"github.com/NicolasHaas/gorelay/pkg/model"
)

// ErrDuplicateRegistration is returned when a connection that already
// has a session is registered again. The connection state machine
// makes this unreachable; the registry still defends against it.
var ErrDuplicateRegistration = errors.New("server: connection already registered")

// SessionManager is the authority on who is currently connected. It
// maps live connections to authenticated sessions. Critical sections
// are in-memory only; no I/O happens under the lock.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[*Conn]*model.Session
}

// NewSessionManager creates an empty session registry.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[*Conn]*model.Session),
	}
}

// Register binds a connection to an authenticated username. Multiple
// connections may carry the same username; only one session per
// connection is allowed.
func (sm *SessionManager) Register(conn *Conn, username string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if _, exists := sm.sessions[conn]; exists {
		return ErrDuplicateRegistration
	}
	sm.sessions[conn] = &model.Session{
		Username:    username,
		RemoteAddr:  conn.RemoteAddr(),
		ConnectedAt: time.Now(),
	}
	return nil
}

// Unregister removes a connection's session and returns its username.
// A connection without a session is a no-op, not an error: close can
// race with a connection that never completed auth.
func (sm *SessionManager) Unregister(conn *Conn) (string, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sess, ok := sm.sessions[conn]
	if !ok {
		return "", false
	}
	delete(sm.sessions, conn)
	return sess.Username, true
}

// Get returns the session for a connection, if any.
func (sm *SessionManager) Get(conn *Conn) (*model.Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	sess, ok := sm.sessions[conn]
	if !ok {
		return nil, false
	}
	copySess := *sess
	return &copySess, true
}

// Count returns the number of registered sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// Snapshot returns a point-in-time copy of all registered connections.
// Iteration order carries no meaning. The copy isolates broadcast
// iteration from concurrent register/unregister.
func (sm *SessionManager) Snapshot() []*Conn {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	conns := make([]*Conn, 0, len(sm.sessions))
	for conn := range sm.sessions {
		conns = append(conns, conn)
	}
	return conns
}
