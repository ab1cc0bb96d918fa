package core

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/ashvale/voicemesh/internal/domain"
)

// channelImpl is a threadsafe in-memory voice channel for one session.
// It never closes adapter-owned resources.
type channelImpl struct {
	sessionID domain.SessionID

	mu    sync.RWMutex
	byID  map[domain.UserID]ParticipantSession
	muted map[domain.UserID]bool
}

func NewChannel(sessionID domain.SessionID) ChannelService {
	return &channelImpl{
		sessionID: sessionID,
		byID:      make(map[domain.UserID]ParticipantSession),
		muted:     make(map[domain.UserID]bool),
	}
}

func (c *channelImpl) SessionID() domain.SessionID { return c.sessionID }

func (c *channelImpl) Join(ps ParticipantSession, welcome WelcomeFunc, announce Frame) PublishResult {
	id := ps.Participant().ID
	c.mu.Lock()
	defer c.mu.Unlock()

	// The joiner's snapshot is queued before the join becomes visible,
	// so nothing broadcast afterwards can outrun it.
	if welcome != nil {
		frame, err := welcome(c.snapshotLocked(id), c.mutedIDsLocked())
		if err != nil {
			log.Error().Err(err).Str("module", "core.channel").Str("session", string(c.sessionID)).Msg("welcome encode")
		} else {
			_ = ps.Signal().TrySend(frame)
		}
	}
	c.byID[id] = ps

	var res PublishResult
	if announce != nil {
		res = c.broadcastLocked(id, announce)
	}
	log.Info().Str("module", "core.channel").Str("session", string(c.sessionID)).Str("user", string(id)).Msg("participant joined")
	return res
}

func (c *channelImpl) RemoveParticipant(id domain.UserID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byID, id)
	delete(c.muted, id)
	log.Info().Str("module", "core.channel").Str("session", string(c.sessionID)).Str("user", string(id)).Msg("participant removed")
}

func (c *channelImpl) Participant(id domain.UserID) (ParticipantSession, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ps, ok := c.byID[id]
	return ps, ok
}

func (c *channelImpl) ParticipantCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}

func (c *channelImpl) Snapshot(self domain.UserID) []PeerState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked(self)
}

func (c *channelImpl) snapshotLocked(self domain.UserID) []PeerState {
	out := make([]PeerState, 0, len(c.byID))
	for id, ps := range c.byID {
		if id == self {
			continue
		}
		meta := ps.Participant()
		out = append(out, PeerState{
			UserID:      meta.ID,
			DisplayName: meta.DisplayName,
			Role:        meta.Role,
			Muted:       c.muted[id],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// SetMuted is idempotent: muting a muted participant is a no-op.
func (c *channelImpl) SetMuted(id domain.UserID, muted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if muted {
		c.muted[id] = true
	} else {
		delete(c.muted, id)
	}
}

func (c *channelImpl) IsMuted(id domain.UserID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.muted[id]
}

func (c *channelImpl) MutedUserIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mutedIDsLocked()
}

func (c *channelImpl) mutedIDsLocked() []string {
	out := make([]string, 0, len(c.muted))
	for id := range c.muted {
		out = append(out, string(id))
	}
	sort.Strings(out)
	return out
}

func (c *channelImpl) SendTo(target domain.UserID, data Frame) error {
	c.mu.RLock()
	ps, ok := c.byID[target]
	c.mu.RUnlock()
	if !ok {
		return domain.ErrUnknownPeer
	}
	return ps.Signal().TrySend(data)
}

func (c *channelImpl) Broadcast(exclude domain.UserID, data Frame) PublishResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.broadcastLocked(exclude, data)
}

func (c *channelImpl) broadcastLocked(exclude domain.UserID, data Frame) PublishResult {
	res := PublishResult{}
	for id, ps := range c.byID {
		if id == exclude {
			continue
		}
		if err := ps.Signal().TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, ps)
			continue
		}
		res.SentTo++
	}
	log.Debug().Str("module", "core.channel").Str("session", string(c.sessionID)).Int("sent_to", res.SentTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}
