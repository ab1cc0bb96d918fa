package core

import "github.com/ashvale/voicemesh/internal/domain"

// SignalConnection abstracts a system messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	// Close tears down the transport with a close status visible to the
	// remote end (e.g. a websocket close code).
	Close(code int, reason string)
}

// ParticipantSession binds a roster participant and its transport
// endpoint. This is what a channel stores and fans out to.
type ParticipantSession interface {
	Participant() domain.Participant
	Signal() SignalConnection
}

// PublishResult reports delivery stats/backpressure to the relay.
type PublishResult struct {
	SentTo  int
	Dropped []ParticipantSession
}

// WelcomeFunc builds the snapshot frame for a joiner from the roster
// view computed inside the join critical section.
type WelcomeFunc func(peers []PeerState, mutedUserIDs []string) (Frame, error)

// ChannelService is the per-session voice channel state. It owns the
// connected roster and the muted set, but never touches transport
// resources beyond handing frames to SignalConnection.
//
// The relay's message-handling path is the single writer; there is no
// shared global roster anywhere else.
type ChannelService interface {
	SessionID() domain.SessionID

	// Join atomically snapshots the channel for the joiner, delivers
	// that snapshot, adds the participant and announces it to everyone
	// else. The single critical section guarantees two concurrent
	// joiners cannot miss each other, and that a joiner never sees a
	// later participant's announce ahead of its own snapshot.
	Join(ps ParticipantSession, welcome WelcomeFunc, announce Frame) PublishResult
	RemoveParticipant(id domain.UserID)
	Participant(id domain.UserID) (ParticipantSession, bool)
	ParticipantCount() int

	// Snapshot lists every connected participant except self, with its
	// current muted flag.
	Snapshot(self domain.UserID) []PeerState

	SetMuted(id domain.UserID, muted bool)
	IsMuted(id domain.UserID) bool
	MutedUserIDs() []string

	// SendTo delivers a frame to a single participant. Returns
	// domain.ErrUnknownPeer if the target is not connected.
	SendTo(target domain.UserID, data Frame) error
	// Broadcast delivers a frame to every participant except exclude.
	Broadcast(exclude domain.UserID, data Frame) PublishResult
}

type ChannelInfo struct {
	SessionID        domain.SessionID `json:"session_id"`
	ParticipantCount int              `json:"participant_count"`
}

// ChannelManager owns the set of live channels, one per active session.
type ChannelManager interface {
	GetOrCreate(id domain.SessionID) ChannelService
	Get(id domain.SessionID) (ChannelService, bool)
	List() []ChannelInfo
	// Stop removes a depopulated channel; it reports false and leaves
	// the channel registered if participants remain.
	Stop(id domain.SessionID) bool
}
