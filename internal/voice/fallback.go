package voice

import (
	"github.com/rs/zerolog/log"

	"github.com/ashvale/voicemesh/internal/domain"
)

// FallbackSink is the discrete clip-capture path owned by the timeline
// subsystem. The mesh hands off to it exactly once per degradation and
// never leaves the participant believing it is live-connected.
type FallbackSink interface {
	VoiceUnavailable(session domain.SessionID, reason error)
}

// NopFallback logs the handoff and nothing else. Used when no recorder
// is wired.
type NopFallback struct{}

func (NopFallback) VoiceUnavailable(session domain.SessionID, reason error) {
	log.Warn().Str("module", "voice.fallback").Str("session", string(session)).Err(reason).Msg("live voice unavailable, fallback engaged")
}
