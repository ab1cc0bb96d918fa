package app

import (
	"sync"

	"github.com/ashvale/voicemesh/internal/core"
	"github.com/ashvale/voicemesh/internal/domain"
)

type ChannelManagerImpl struct {
	mu       sync.RWMutex
	channels map[domain.SessionID]core.ChannelService
}

func NewChannelManager() core.ChannelManager {
	return &ChannelManagerImpl{channels: make(map[domain.SessionID]core.ChannelService)}
}

func (m *ChannelManagerImpl) GetOrCreate(id domain.SessionID) core.ChannelService {
	m.mu.RLock()
	ch, ok := m.channels[id]
	m.mu.RUnlock()
	if ok {
		return ch
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok = m.channels[id]; ok {
		return ch
	}
	ch = core.NewChannel(id)
	m.channels[id] = ch
	return ch
}

func (m *ChannelManagerImpl) Get(id domain.SessionID) (core.ChannelService, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[id]
	return ch, ok
}

func (m *ChannelManagerImpl) List() []core.ChannelInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.ChannelInfo, 0, len(m.channels))
	for id, ch := range m.channels {
		out = append(out, core.ChannelInfo{SessionID: id, ParticipantCount: ch.ParticipantCount()})
	}
	return out
}

// Stop removes a channel, refusing while it still has participants so a
// depopulation-triggered stop cannot strand a concurrent joiner in an
// unregistered channel.
func (m *ChannelManagerImpl) Stop(id domain.SessionID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[id]
	if !ok {
		return false
	}
	if ch.ParticipantCount() > 0 {
		return false
	}
	delete(m.channels, id)
	return true
}
