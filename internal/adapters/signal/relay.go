package signal

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/ashvale/voicemesh/internal/core"
	"github.com/ashvale/voicemesh/internal/domain"
)

// handleSignal routes one offer/answer/ice envelope point-to-point to
// the addressed participant. Signaling payloads are never broadcast.
func (ctl *VoiceWSController) handleSignal(self domain.Participant, ch core.ChannelService, c *wsSignalConn, env core.Envelope) {
	if env.Target == "" {
		ctl.sendEnvelope(c, core.ErrorEnvelope(domain.CodeBadPayload, "target is required"))
		return
	}
	if env.Target == self.ID {
		ctl.sendEnvelope(c, core.ErrorEnvelope(domain.CodeSelfTarget, domain.ErrSelfTarget.Error()))
		return
	}
	if !env.SignalType.Valid() {
		ctl.sendEnvelope(c, core.ErrorEnvelope(domain.CodeBadPayload, "invalid signal_type"))
		return
	}

	out := core.Envelope{
		Type:       core.EnvelopeSignal,
		SignalType: env.SignalType,
		From:       self.ID,
		Payload:    env.Payload,
	}
	data, err := out.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("signal encode")
		return
	}

	if err := ch.SendTo(env.Target, data); err != nil {
		if errors.Is(err, domain.ErrUnknownPeer) {
			ctl.sendEnvelope(c, core.ErrorEnvelope(domain.CodeUnknownPeer, domain.ErrUnknownPeer.Error()))
			return
		}
		// Target queue rejected the frame; the negotiation engine on the
		// other side recovers from a lost signal by link teardown.
		log.Warn().Err(err).Str("module", "signal").Str("target", string(env.Target)).Msg("signal dropped")
	}
}
