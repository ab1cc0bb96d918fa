package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/ashvale/voicemesh/internal/domain"
)

type connKey struct {
	session domain.SessionID
	user    domain.UserID
}

type connEntry struct {
	cancel context.CancelFunc
}

// Registry tracks live signaling connections so moderation and session
// eviction can cancel their pumps. Connection-scoped only; roster state
// lives in the channel.
type Registry struct {
	mu    sync.RWMutex
	conns map[connKey]*connEntry
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[connKey]*connEntry)}
}

func (r *Registry) Bind(session domain.SessionID, user domain.UserID, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[connKey{session, user}] = &connEntry{cancel: cancel}
	log.Info().Str("module", "app.registry").Str("session", string(session)).Str("user", string(user)).Msg("bound connection")
}

func (r *Registry) Unbind(session domain.SessionID, user domain.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, connKey{session, user})
	log.Info().Str("module", "app.registry").Str("session", string(session)).Str("user", string(user)).Msg("unbound connection")
}

// Cancel cancels the pump context of one connection, if bound.
func (r *Registry) Cancel(session domain.SessionID, user domain.UserID) bool {
	r.mu.RLock()
	e, ok := r.conns[connKey{session, user}]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.cancel != nil {
		e.cancel()
	}
	return true
}

// CancelSession cancels every connection bound under a session.
func (r *Registry) CancelSession(session domain.SessionID) int {
	r.mu.RLock()
	cancels := make([]context.CancelFunc, 0)
	for k, e := range r.conns {
		if k.session == session && e.cancel != nil {
			cancels = append(cancels, e.cancel)
		}
	}
	r.mu.RUnlock()
	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}
