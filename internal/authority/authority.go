// Package authority adapts the platform's session membership source.
// The voice subsystem consumes rosters, it never originates them.
package authority

import (
	"errors"
	"sync"

	"github.com/ashvale/voicemesh/internal/domain"
)

var ErrSessionNotFound = errors.New("session not found")

// SessionAuthority resolves a session id to the authoritative session
// view: active flag plus roster.
type SessionAuthority interface {
	Lookup(id domain.SessionID) (*domain.Session, error)
}

// Memory holds sessions pushed in by the platform (or seeded by tests).
// It doubles as the write surface the platform's session service syncs
// rosters through.
type Memory struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*domain.Session
}

func NewMemory() *Memory {
	return &Memory{sessions: make(map[domain.SessionID]*domain.Session)}
}

func (m *Memory) Lookup(id domain.SessionID) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	// Copy so callers never mutate the stored roster.
	cp := *s
	cp.Roster = append([]domain.Participant(nil), s.Roster...)
	return &cp, nil
}

// Upsert replaces the stored session view with the authoritative one.
func (m *Memory) Upsert(s domain.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := s
	cp.Roster = append([]domain.Participant(nil), s.Roster...)
	m.sessions[s.ID] = &cp
}

// Deactivate marks a session inactive, keeping the roster for any
// in-flight lookups.
func (m *Memory) Deactivate(id domain.SessionID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false
	}
	s.Active = false
	return true
}

func (m *Memory) Remove(id domain.SessionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}
