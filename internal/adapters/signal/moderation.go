package signal

import (
	"github.com/rs/zerolog/log"

	"github.com/ashvale/voicemesh/internal/core"
	"github.com/ashvale/voicemesh/internal/domain"
)

// handleModeration enforces host-only authority over mute/unmute/
// disconnect. Every rejection is an error envelope back to the sender
// with no state change.
func (ctl *VoiceWSController) handleModeration(sessionID domain.SessionID, self domain.Participant, ch core.ChannelService, c *wsSignalConn, env core.Envelope) {
	if !self.IsHost() {
		ctl.sendEnvelope(c, core.ErrorEnvelope(domain.CodeUnauthorized, domain.ErrNotHost.Error()))
		return
	}
	if env.TargetUserID == "" {
		ctl.sendEnvelope(c, core.ErrorEnvelope(domain.CodeBadPayload, "target_user_id is required"))
		return
	}
	if env.TargetUserID == self.ID {
		ctl.sendEnvelope(c, core.ErrorEnvelope(domain.CodeSelfTarget, "cannot moderate self"))
		return
	}
	if !env.Action.Valid() {
		ctl.sendEnvelope(c, core.ErrorEnvelope(domain.CodeBadPayload, "invalid action"))
		return
	}

	// Revalidate the target against the authoritative roster, not just
	// the connected set: moderating an offline member must still fail
	// loudly, and the host is immune either way.
	session, err := ctl.Authority.Lookup(sessionID)
	if err != nil {
		ctl.sendEnvelope(c, core.ErrorEnvelope(domain.CodeBadPayload, "session no longer available"))
		return
	}
	target, ok := session.Member(env.TargetUserID)
	if !ok {
		ctl.sendEnvelope(c, core.ErrorEnvelope(domain.CodeUnknownPeer, "target player not found"))
		return
	}
	if target.IsHost() {
		ctl.sendEnvelope(c, core.ErrorEnvelope(domain.CodeHostImmune, domain.ErrHostImmune.Error()))
		return
	}

	switch env.Action {
	case core.ActionMute:
		ch.SetMuted(target.ID, true)
	case core.ActionUnmute:
		ch.SetMuted(target.ID, false)
	}

	log.Info().Str("module", "signal").
		Str("session", string(sessionID)).
		Str("action", string(env.Action)).
		Str("actor", string(self.ID)).
		Str("target", string(target.ID)).
		Msg("moderation")

	if ctl.Moderation != nil {
		ctl.Moderation(sessionID, self.ID, target.ID, env.Action)
	}

	// Everyone hears about it, including the actor and the target. The
	// broadcast is informational; muting is enforced at the target's own
	// capture source.
	ctl.broadcast(ch, "", core.Envelope{
		Type:         core.EnvelopeModeration,
		Action:       env.Action,
		TargetUserID: target.ID,
		ByUserID:     self.ID,
	})

	if env.Action == core.ActionDisconnect {
		if ps, ok := ch.Participant(target.ID); ok {
			ps.Signal().Close(CloseModerationDisconnect, "Disconnected by host")
		}
		ctl.Registry.Cancel(sessionID, target.ID)
	}
}
