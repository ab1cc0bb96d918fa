package voice

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/ashvale/voicemesh/internal/domain"
)

type LinkState int

const (
	LinkIdle LinkState = iota
	LinkConnecting
	LinkConnected
	// LinkDisconnected is terminal. Re-creation only happens via a
	// fresh snapshot or peer_joined event.
	LinkDisconnected
)

func (s LinkState) String() string {
	switch s {
	case LinkIdle:
		return "idle"
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("LinkState(%d)", int(s))
}

// PeerLink drives offer/answer/candidate exchange with one remote peer.
// All methods must be called from the mesh's serialized event path; the
// link itself holds no lock.
type PeerLink struct {
	local, remote domain.UserID
	state         LinkState
	transport     MediaTransport

	// Candidates received before the remote description is buffered in
	// receipt order, drained exactly once, then applied directly.
	pending       []Candidate
	remoteDescSet bool
	drained       bool
}

func NewPeerLink(local, remote domain.UserID, transport MediaTransport) *PeerLink {
	return &PeerLink{local: local, remote: remote, transport: transport}
}

func (l *PeerLink) Remote() domain.UserID { return l.remote }
func (l *PeerLink) State() LinkState      { return l.state }

// ShouldOffer is the deterministic glare tie-break: the endpoint with
// the lower participant id always offers, the other side only answers,
// regardless of how it discovered the peer.
func (l *PeerLink) ShouldOffer() bool { return l.local < l.remote }

// StartOffer moves idle → connecting as the initiating side.
func (l *PeerLink) StartOffer(ctx context.Context) (Description, error) {
	if l.state != LinkIdle {
		return Description{}, fmt.Errorf("%w: offer from %s", domain.ErrInvalidLinkTransition, l.state)
	}
	desc, err := l.transport.CreateOffer(ctx)
	if err != nil {
		l.fail()
		return Description{}, fmt.Errorf("%w: %w", domain.ErrNegotiationFailed, err)
	}
	l.state = LinkConnecting
	return desc, nil
}

// AcceptOffer moves idle → connecting as the answering side and returns
// the answer to send back. The remote description is now set, so any
// buffered candidates drain.
func (l *PeerLink) AcceptOffer(ctx context.Context, offer Description) (Description, error) {
	if l.state != LinkIdle {
		return Description{}, fmt.Errorf("%w: answer from %s", domain.ErrInvalidLinkTransition, l.state)
	}
	answer, err := l.transport.AcceptOffer(ctx, offer)
	if err != nil {
		l.fail()
		return Description{}, fmt.Errorf("%w: %w", domain.ErrNegotiationFailed, err)
	}
	l.state = LinkConnecting
	l.remoteDescSet = true
	if err := l.drainPending(); err != nil {
		l.fail()
		return Description{}, err
	}
	return answer, nil
}

// AcceptAnswer completes the initiating side's exchange.
func (l *PeerLink) AcceptAnswer(answer Description) error {
	if l.state != LinkConnecting || l.remoteDescSet {
		return fmt.Errorf("%w: answer in %s", domain.ErrInvalidLinkTransition, l.state)
	}
	if err := l.transport.AcceptAnswer(answer); err != nil {
		l.fail()
		return fmt.Errorf("%w: %w", domain.ErrNegotiationFailed, err)
	}
	l.remoteDescSet = true
	if err := l.drainPending(); err != nil {
		l.fail()
		return err
	}
	return nil
}

// AddCandidate buffers until the remote description is set, then applies
// directly. Candidates are never dropped while the link lives.
func (l *PeerLink) AddCandidate(cand Candidate) error {
	if l.state == LinkDisconnected {
		return domain.ErrLinkTornDown
	}
	if !l.remoteDescSet {
		l.pending = append(l.pending, cand)
		return nil
	}
	if err := l.transport.AddCandidate(cand); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrNegotiationFailed, err)
	}
	return nil
}

func (l *PeerLink) drainPending() error {
	if l.drained {
		return nil
	}
	l.drained = true
	for _, cand := range l.pending {
		if err := l.transport.AddCandidate(cand); err != nil {
			return fmt.Errorf("%w: buffered candidate: %w", domain.ErrNegotiationFailed, err)
		}
	}
	l.pending = nil
	return nil
}

// MarkConnected moves connecting → connected on confirmed transport
// establishment. Reported by the media callbacks.
func (l *PeerLink) MarkConnected() error {
	if l.state != LinkConnecting {
		return fmt.Errorf("%w: connected from %s", domain.ErrInvalidLinkTransition, l.state)
	}
	l.state = LinkConnected
	return nil
}

// Teardown releases the transport and makes the link terminal. Safe to
// call from any state, any number of times.
func (l *PeerLink) Teardown() {
	if l.state == LinkDisconnected {
		return
	}
	prev := l.state
	l.fail()
	log.Debug().Str("module", "voice.link").Str("remote", string(l.remote)).Str("from", prev.String()).Msg("link torn down")
}

func (l *PeerLink) fail() {
	l.state = LinkDisconnected
	l.pending = nil
	if l.transport != nil {
		l.transport.Close()
	}
}
