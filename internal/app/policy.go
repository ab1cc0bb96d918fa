package app

import "github.com/ashvale/voicemesh/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickParticipant
)

// Policy decides what the relay does with a participant whose signaling
// queue rejected a frame.
type Policy interface {
	OnBackpressure(ch core.ChannelService, ps core.ParticipantSession) BackpressureAction
}

// SimplePolicy tolerates drops: signaling frames are either superseded
// (snapshots reconcile state) or recovered by the negotiation engine.
type SimplePolicy struct{}

func (SimplePolicy) OnBackpressure(core.ChannelService, core.ParticipantSession) BackpressureAction {
	return DropFrame
}

// StrictPolicy disconnects slow consumers instead of silently degrading
// their view of the channel.
type StrictPolicy struct{}

func (StrictPolicy) OnBackpressure(core.ChannelService, core.ParticipantSession) BackpressureAction {
	return KickParticipant
}
