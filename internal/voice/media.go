// Package voice is the client-side mesh engine: one peer link per
// remote participant, driven by relay envelopes.
package voice

import (
	"context"

	"github.com/ashvale/voicemesh/internal/domain"
)

// Description is a session description exchanged during negotiation.
// Payload-compatible with the JSON a browser peer produces.
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is a proposed network path endpoint offered during
// negotiation.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// MediaTransport is the media path of a single peer link. Implemented
// by the rtc adapter; faked in tests so the state machine runs without
// a live transport.
type MediaTransport interface {
	// CreateOffer creates and applies the local offer.
	CreateOffer(ctx context.Context) (Description, error)
	// AcceptOffer applies a remote offer and returns the local answer.
	AcceptOffer(ctx context.Context, offer Description) (Description, error)
	// AcceptAnswer applies the remote answer to a sent offer.
	AcceptAnswer(answer Description) error
	// AddCandidate applies a remote ICE candidate. Callers must only do
	// so once a remote description is set.
	AddCandidate(Candidate) error

	// OnCandidate sets a callback for newly gathered local candidates.
	OnCandidate(func(Candidate))
	// OnConnected fires once the media path is established.
	OnConnected(func())
	// OnFailed fires on negotiation or transport failure.
	OnFailed(func())

	// Close releases all transport resources.
	Close()
}

// TransportFactory creates one transport per remote peer. The local
// capture stream is owned by the factory and fanned out to every
// transport it creates; it is never re-acquired per link.
type TransportFactory interface {
	NewTransport(remote domain.UserID) (MediaTransport, error)
}

// Capture is the exclusively-owned local media source.
type Capture interface {
	Acquire(ctx context.Context) error
	Release()
	// SetEnabled mutes or unmutes the outbound stream at its source.
	// The relay's mute broadcast is informational only.
	SetEnabled(enabled bool)
	Enabled() bool
}

// CapabilityProbe reports whether live voice negotiation is possible on
// this platform. Platform-specific checks are injected at the edge.
type CapabilityProbe interface {
	LiveVoiceSupported() bool
}
