package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ashvale/voicemesh/internal/app"
	"github.com/ashvale/voicemesh/internal/auth"
	"github.com/ashvale/voicemesh/internal/authority"
	"github.com/ashvale/voicemesh/internal/config"
	"github.com/ashvale/voicemesh/internal/core"
	"github.com/ashvale/voicemesh/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

// Websocket close codes on the voice stream handshake and lifecycle.
const (
	CloseInvalidSession       = 4400
	CloseUnauthorized         = 4401
	CloseAccessRevoked        = 4403
	CloseSessionNotFound      = 4404
	CloseModerationDisconnect = 4408
)

// ModerationLog lets the platform's timeline subsystem record moderation
// events. The relay itself persists nothing.
type ModerationLog func(session domain.SessionID, actor, target domain.UserID, action core.ModerationAction)

type VoiceWSController struct {
	Channels  core.ChannelManager
	Registry  *app.Registry
	Authority authority.SessionAuthority
	Policy    app.Policy
	Limiter   *SignalRateLimiter
	Cfg       *config.Config

	// Optional audit hook, nil when the platform does not care.
	Moderation ModerationLog
}

func NewVoiceWSController(cfg *config.Config, auth authority.SessionAuthority) *VoiceWSController {
	return &VoiceWSController{
		Channels:  app.NewChannelManager(),
		Registry:  app.NewRegistry(),
		Authority: auth,
		Policy:    app.SimplePolicy{},
		Limiter:   NewSignalRateLimiter(cfg.SignalRateLimit, cfg.SignalRateWindow),
		Cfg:       cfg,
	}
}

// wsSignalConn is the relay-side endpoint of one participant connection.
// The send queue preserves order per receiver; on overflow the oldest
// frame is dropped in favour of the newest, like the broker queue the
// platform always had.
type wsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *wsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
		return nil
	default:
	}
	select {
	case <-c.send:
	default:
	}
	select {
	case c.send <- f:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *wsSignalConn) Close(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = c.conn.Close()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleVoice authenticates a participant against the session roster,
// sends the full channel snapshot, then relays envelopes until the
// transport closes. Runs in the request goroutine so cleanup happens on
// every exit path.
func (ctl *VoiceWSController) HandleVoice(ctx context.Context, c *gin.Context) {
	sessionID := domain.SessionID(c.Param("session_id"))

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	if ctl.Cfg.ReadLimit > 0 {
		ws.SetReadLimit(ctl.Cfg.ReadLimit)
	}

	conn := &wsSignalConn{
		conn: ws,
		send: make(chan core.Frame, 64),
	}

	self, session, ok := ctl.authenticate(c, conn, sessionID)
	if !ok {
		return
	}

	log.Info().Str("module", "signal").Str("session", string(sessionID)).Str("user", string(self.ID)).Msg("voice connection accepted")

	sess := core.NewParticipantSession(self, conn)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ctl.Registry.Bind(sessionID, self.ID, cancel)

	ch := ctl.join(session, self, sess)

	go ctl.writePump(ctx, conn)
	ctl.readPump(ctx, sessionID, self, ch, conn)

	ctl.leave(sessionID, self.ID, ch, conn)
}

// join enters the channel. Snapshot, add and announce run as one
// channel operation so concurrent joiners see each other exactly once:
// either in the snapshot or via peer_joined, never neither. The
// re-registration check covers the window where a departing last
// participant stops the channel between our GetOrCreate and Join.
func (ctl *VoiceWSController) join(session *domain.Session, self domain.Participant, sess core.ParticipantSession) core.ChannelService {
	welcome := func(peers []core.PeerState, mutedUserIDs []string) (core.Frame, error) {
		return core.Envelope{
			Type:         core.EnvelopeSnapshot,
			SessionID:    session.ID,
			SelfUserID:   self.ID,
			SelfRole:     self.Role,
			Peers:        peers,
			MutedUserIDs: mutedUserIDs,
		}.Encode()
	}
	announce, err := (core.Envelope{
		Type:        core.EnvelopePeerJoined,
		UserID:      self.ID,
		DisplayName: self.DisplayName,
		Role:        self.Role,
	}).Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("announce encode")
	}

	for {
		ch := ctl.Channels.GetOrCreate(session.ID)
		res := ch.Join(sess, welcome, announce)
		if got, ok := ctl.Channels.Get(session.ID); ok && got == ch {
			ctl.applyPolicy(ch, res.Dropped)
			return ch
		}
		// The channel was stopped while we joined it; leave the orphan
		// and try again.
		ch.RemoveParticipant(self.ID)
	}
}

// authenticate resolves the access token and the roster entry. On any
// failure the socket is closed with the matching status code.
func (ctl *VoiceWSController) authenticate(c *gin.Context, conn *wsSignalConn, sessionID domain.SessionID) (domain.Participant, *domain.Session, bool) {
	token := c.Query("access_token")
	if token == "" {
		conn.Close(CloseUnauthorized, "Missing access token")
		return domain.Participant{}, nil, false
	}
	userID, err := auth.ParseAccessToken(ctl.Cfg.Secret, token)
	if err != nil {
		conn.Close(CloseUnauthorized, "Invalid token")
		return domain.Participant{}, nil, false
	}

	session, err := ctl.Authority.Lookup(sessionID)
	if err != nil {
		conn.Close(CloseSessionNotFound, "Session not found")
		return domain.Participant{}, nil, false
	}
	if !session.Active {
		conn.Close(CloseInvalidSession, "Session is not active")
		return domain.Participant{}, nil, false
	}
	self, ok := session.Member(userID)
	if !ok {
		conn.Close(CloseAccessRevoked, "Session access revoked")
		return domain.Participant{}, nil, false
	}
	return self, session, true
}

// leave removes the participant and tells everyone else. In-flight
// frames addressed to the leaver are dropped with its queue; recovery is
// the negotiation engine's job.
func (ctl *VoiceWSController) leave(sessionID domain.SessionID, id domain.UserID, ch core.ChannelService, conn *wsSignalConn) {
	conn.Close(websocket.CloseNormalClosure, "")
	ctl.Registry.Unbind(sessionID, id)
	ctl.Limiter.Forget(id)
	ch.RemoveParticipant(id)
	ctl.broadcast(ch, id, core.Envelope{Type: core.EnvelopePeerLeft, UserID: id})

	// Stop re-checks emptiness under the manager lock; a concurrent
	// joiner keeps the channel alive.
	if ch.ParticipantCount() == 0 && ctl.Channels.Stop(sessionID) {
		log.Info().Str("module", "signal").Str("session", string(sessionID)).Msg("channel depopulated, stopped")
	}
}

// EvictSession closes every connection of a session, e.g. when the
// authority reports the session ended. Each readPump exit runs the
// normal leave path; the last one stops the channel.
func (ctl *VoiceWSController) EvictSession(sessionID domain.SessionID) {
	ch, ok := ctl.Channels.Get(sessionID)
	if !ok {
		return
	}
	for _, peer := range ch.Snapshot("") {
		if ps, ok := ch.Participant(peer.UserID); ok {
			ps.Signal().Close(CloseInvalidSession, "Session ended")
		}
	}
	ctl.Registry.CancelSession(sessionID)
}

func (ctl *VoiceWSController) broadcast(ch core.ChannelService, exclude domain.UserID, env core.Envelope) {
	data, err := env.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("broadcast encode")
		return
	}
	ctl.applyPolicy(ch, ch.Broadcast(exclude, data).Dropped)
}

func (ctl *VoiceWSController) applyPolicy(ch core.ChannelService, dropped []core.ParticipantSession) {
	if ctl.Policy == nil {
		return
	}
	for _, slow := range dropped {
		if ctl.Policy.OnBackpressure(ch, slow) == app.KickParticipant {
			slow.Signal().Close(websocket.ClosePolicyViolation, "signaling backpressure")
		}
	}
}

func (ctl *VoiceWSController) sendEnvelope(c *wsSignalConn, env core.Envelope) {
	data, err := env.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendEnvelope marshal")
		return
	}
	_ = c.TrySend(data)
}
