package core

import "github.com/ashvale/voicemesh/internal/domain"

// participantSession implements ParticipantSession by pairing roster
// meta with a transport endpoint.
type participantSession struct {
	meta domain.Participant
	conn SignalConnection
}

func NewParticipantSession(meta domain.Participant, conn SignalConnection) ParticipantSession {
	return &participantSession{meta: meta, conn: conn}
}

func (p *participantSession) Participant() domain.Participant { return p.meta }
func (p *participantSession) Signal() SignalConnection        { return p.conn }
