package signal

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ashvale/voicemesh/internal/core"
	"github.com/ashvale/voicemesh/internal/domain"
)

func (ctl *VoiceWSController) writePump(ctx context.Context, c *wsSignalConn) {
	ticker := time.NewTicker(ctl.Cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *VoiceWSController) readPump(ctx context.Context, sessionID domain.SessionID, self domain.Participant, ch core.ChannelService, c *wsSignalConn) {
	defer log.Info().Str("module", "signal").Str("user", string(self.ID)).Msg("readPump closing")

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Info().Err(err).Str("module", "signal").Str("user", string(self.ID)).Msg("readPump read error")
				}
				return
			}
			ctl.dispatch(sessionID, self, ch, c, data)
		}
	}
}

func (ctl *VoiceWSController) dispatch(sessionID domain.SessionID, self domain.Participant, ch core.ChannelService, c *wsSignalConn, data core.Frame) {
	env, err := core.DecodeEnvelope(data)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		ctl.sendEnvelope(c, core.ErrorEnvelope(domain.CodeBadPayload, "Invalid message format"))
		return
	}

	switch env.Type {
	case core.EnvelopePing:
		ctl.sendEnvelope(c, core.Envelope{Type: core.EnvelopePong})
	case core.EnvelopeSignal:
		if !ctl.Limiter.Allow(self.ID) {
			ctl.sendEnvelope(c, core.ErrorEnvelope(domain.CodeRateLimited, "Slow down"))
			return
		}
		ctl.handleSignal(self, ch, c, env)
	case core.EnvelopeModeration:
		ctl.handleModeration(sessionID, self, ch, c, env)
	default:
		log.Warn().Str("module", "signal").Str("type", string(env.Type)).Msg("unsupported envelope")
		ctl.sendEnvelope(c, core.ErrorEnvelope(domain.CodeUnsupportedType, "Unsupported message type"))
	}
}
