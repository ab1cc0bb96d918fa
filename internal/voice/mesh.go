package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ashvale/voicemesh/internal/core"
	"github.com/ashvale/voicemesh/internal/domain"
)

type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusLive
	StatusUnavailable
	StatusDisconnected
)

// EnvelopeSender is the mesh's handle on the signaling transport.
type EnvelopeSender interface {
	Send(core.Envelope) error
	Close() error
}

// PeerView is the roster entry shown to the UI: relay state plus the
// local link state.
type PeerView struct {
	core.PeerState
	Link LinkState
}

type MeshConfig struct {
	Session domain.SessionID
	Self    domain.UserID
	// ConnectTimeout bounds how long a link may sit in connecting
	// before it is failed. Zero means the 20s default.
	ConnectTimeout time.Duration
}

const defaultConnectTimeout = 20 * time.Second

// Mesh maintains one peer link per remote participant and reconciles
// local state to the relay's roster on every snapshot or notification.
// All mutation is serialized by m.mu: envelope handling, transport
// callbacks and watchdog expiry all funnel through it.
type Mesh struct {
	cfg      MeshConfig
	relay    EnvelopeSender
	factory  TransportFactory
	capture  Capture
	probe    CapabilityProbe
	fallback FallbackSink

	mu        sync.Mutex
	role      domain.Role
	status    Status
	selfMuted bool
	degraded  bool
	closed    bool
	links     map[domain.UserID]*PeerLink
	peers     map[domain.UserID]core.PeerState
	watchdogs map[domain.UserID]*time.Timer

	// onStatus, when set, is invoked on every status text change. It
	// must not call back into the mesh.
	onStatus func(Status, string)
}

func NewMesh(cfg MeshConfig, relay EnvelopeSender, factory TransportFactory, capture Capture, probe CapabilityProbe, fallback FallbackSink) *Mesh {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if fallback == nil {
		fallback = NopFallback{}
	}
	return &Mesh{
		cfg:       cfg,
		relay:     relay,
		factory:   factory,
		capture:   capture,
		probe:     probe,
		fallback:  fallback,
		links:     make(map[domain.UserID]*PeerLink),
		peers:     make(map[domain.UserID]core.PeerState),
		watchdogs: make(map[domain.UserID]*time.Timer),
	}
}

func (m *Mesh) OnStatusChange(fn func(Status, string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStatus = fn
}

// Start probes capability and acquires the local capture stream once.
// A missing capability or denied permission fails closed: the caller is
// routed to the fallback path, nothing is raised further.
func (m *Mesh) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.probe != nil && !m.probe.LiveVoiceSupported() {
		m.degradeLocked(StatusUnavailable, domain.ErrTransportUnavailable)
		return domain.ErrTransportUnavailable
	}
	if err := m.capture.Acquire(ctx); err != nil {
		wrapped := fmt.Errorf("%w: %w", domain.ErrTransportUnavailable, err)
		m.degradeLocked(StatusUnavailable, wrapped)
		return wrapped
	}
	m.status = StatusConnecting
	m.notifyLocked()
	return nil
}

// HandleEnvelope applies one relay envelope. Failures stay local to the
// affected peer link.
func (m *Mesh) HandleEnvelope(ctx context.Context, env core.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.degraded {
		return
	}

	switch env.Type {
	case core.EnvelopeSnapshot:
		m.handleSnapshotLocked(ctx, env)
	case core.EnvelopePeerJoined:
		m.handlePeerJoinedLocked(ctx, env)
	case core.EnvelopePeerLeft:
		m.removePeerLocked(env.UserID)
	case core.EnvelopeSignal:
		m.handleSignalLocked(ctx, env)
	case core.EnvelopeModeration:
		m.handleModerationLocked(env)
	case core.EnvelopePong:
		// keepalive reply, nothing to do
	case core.EnvelopeError:
		log.Warn().Str("module", "voice.mesh").Str("code", string(env.Code)).Str("detail", env.Detail).Msg("relay rejected an envelope")
	default:
		log.Warn().Str("module", "voice.mesh").Str("type", string(env.Type)).Msg("unknown envelope")
	}
	m.notifyLocked()
}

// RelayClosed reports that the signaling transport itself closed. Full
// local teardown; a fresh connect sequence may be attempted by the
// caller but is never automatic.
func (m *Mesh) RelayClosed(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.degraded {
		return
	}
	reason := domain.ErrSignalingDisconnected
	if err != nil {
		reason = fmt.Errorf("%w: %w", domain.ErrSignalingDisconnected, err)
	}
	m.degradeLocked(StatusDisconnected, reason)
	m.notifyLocked()
}

// Leave is the voluntary exit path: synchronously closes every peer
// link, stops capture and closes the relay transport. Idempotent, and
// must run on every exit path including errors.
func (m *Mesh) Leave() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.teardownAllLocked()
	m.capture.Release()
	_ = m.relay.Close()
	m.status = StatusIdle
	m.notifyLocked()
}

// --- envelope handlers (m.mu held) ---

func (m *Mesh) handleSnapshotLocked(ctx context.Context, env core.Envelope) {
	m.role = env.SelfRole

	// Reconcile: the relay's roster is authoritative. Anything local
	// that the snapshot does not list is gone.
	listed := make(map[domain.UserID]bool, len(env.Peers))
	for _, p := range env.Peers {
		listed[p.UserID] = true
	}
	for id := range m.peers {
		if !listed[id] {
			m.removePeerLocked(id)
		}
	}

	for _, p := range env.Peers {
		m.peers[p.UserID] = p
		if _, ok := m.links[p.UserID]; !ok {
			m.considerOfferLocked(ctx, p.UserID)
		}
	}

	for _, id := range env.MutedUserIDs {
		if domain.UserID(id) == m.cfg.Self {
			m.applySelfMuteLocked(true)
		}
	}
	m.status = StatusLive
}

func (m *Mesh) handlePeerJoinedLocked(ctx context.Context, env core.Envelope) {
	m.peers[env.UserID] = core.PeerState{
		UserID:      env.UserID,
		DisplayName: env.DisplayName,
		Role:        env.Role,
		Muted:       env.Muted,
	}
	// The tie-break decides who offers, not who joined last.
	m.considerOfferLocked(ctx, env.UserID)
}

func (m *Mesh) handleSignalLocked(ctx context.Context, env core.Envelope) {
	switch env.SignalType {
	case core.SignalOffer:
		m.handleOfferLocked(ctx, env.From, env.Payload)
	case core.SignalAnswer:
		m.handleAnswerLocked(env.From, env.Payload)
	case core.SignalICE:
		m.handleCandidateLocked(env.From, env.Payload)
	default:
		log.Warn().Str("module", "voice.mesh").Str("signal_type", string(env.SignalType)).Msg("unknown signal type")
	}
}

func (m *Mesh) handleModerationLocked(env core.Envelope) {
	switch env.Action {
	case core.ActionMute, core.ActionUnmute:
		muted := env.Action == core.ActionMute
		if env.TargetUserID == m.cfg.Self {
			m.applySelfMuteLocked(muted)
			return
		}
		if p, ok := m.peers[env.TargetUserID]; ok {
			p.Muted = muted
			m.peers[env.TargetUserID] = p
		}
	case core.ActionDisconnect:
		if env.TargetUserID == m.cfg.Self {
			// Host kicked us off voice: everything local goes away and
			// the clip path takes over.
			m.degradeLocked(StatusDisconnected, fmt.Errorf("%w: disconnected by host", domain.ErrSignalingDisconnected))
		}
		// Peer disconnects surface as peer_left; nothing to do here.
	}
}

// applySelfMuteLocked enforces the mute at the local capture source.
// Idempotent by construction.
func (m *Mesh) applySelfMuteLocked(muted bool) {
	m.selfMuted = muted
	m.capture.SetEnabled(!muted)
}

// --- negotiation (m.mu held) ---

// considerOfferLocked initiates a link to remote iff the tie-break says
// this side offers. The higher id waits passively for the remote offer.
func (m *Mesh) considerOfferLocked(ctx context.Context, remote domain.UserID) {
	if _, ok := m.links[remote]; ok {
		return
	}
	if m.cfg.Self >= remote {
		return
	}
	transport, err := m.factory.NewTransport(remote)
	if err != nil {
		log.Error().Err(err).Str("module", "voice.mesh").Str("remote", string(remote)).Msg("transport create failed")
		return
	}
	link := NewPeerLink(m.cfg.Self, remote, transport)
	m.links[remote] = link
	m.bindTransportLocked(remote, link, transport)

	offer, err := link.StartOffer(ctx)
	if err != nil {
		m.failLinkLocked(remote, err)
		return
	}
	m.sendSignalLocked(remote, core.SignalOffer, offer)
	m.startWatchdogLocked(remote)
}

func (m *Mesh) handleOfferLocked(ctx context.Context, from domain.UserID, payload json.RawMessage) {
	if m.cfg.Self < from {
		// Glare: we are the rightful offerer. Ignore the remote offer;
		// the remote answers ours.
		log.Warn().Str("module", "voice.mesh").Str("from", string(from)).Msg("glare offer ignored by tie-break")
		return
	}
	if old, ok := m.links[from]; ok {
		// Stale link from a previous negotiation round; the fresh offer
		// replaces it.
		m.stopWatchdogLocked(from)
		old.Teardown()
		delete(m.links, from)
	}
	if _, known := m.peers[from]; !known {
		// Offer can outrun a dropped peer_joined; the roster entry fills
		// in on the next snapshot.
		m.peers[from] = core.PeerState{UserID: from}
	}

	var offer Description
	if err := json.Unmarshal(payload, &offer); err != nil {
		log.Error().Err(err).Str("module", "voice.mesh").Str("from", string(from)).Msg("bad offer payload")
		return
	}
	transport, err := m.factory.NewTransport(from)
	if err != nil {
		log.Error().Err(err).Str("module", "voice.mesh").Str("remote", string(from)).Msg("transport create failed")
		return
	}
	link := NewPeerLink(m.cfg.Self, from, transport)
	m.links[from] = link
	m.bindTransportLocked(from, link, transport)

	answer, err := link.AcceptOffer(ctx, offer)
	if err != nil {
		m.failLinkLocked(from, err)
		return
	}
	m.sendSignalLocked(from, core.SignalAnswer, answer)
	m.startWatchdogLocked(from)
}

func (m *Mesh) handleAnswerLocked(from domain.UserID, payload json.RawMessage) {
	link, ok := m.links[from]
	if !ok {
		log.Warn().Str("module", "voice.mesh").Str("from", string(from)).Msg("answer without link")
		return
	}
	var answer Description
	if err := json.Unmarshal(payload, &answer); err != nil {
		log.Error().Err(err).Str("module", "voice.mesh").Str("from", string(from)).Msg("bad answer payload")
		return
	}
	if err := link.AcceptAnswer(answer); err != nil {
		m.failLinkLocked(from, err)
	}
}

func (m *Mesh) handleCandidateLocked(from domain.UserID, payload json.RawMessage) {
	link, ok := m.links[from]
	if !ok {
		log.Warn().Str("module", "voice.mesh").Str("from", string(from)).Msg("candidate without link")
		return
	}
	var cand Candidate
	if err := json.Unmarshal(payload, &cand); err != nil {
		log.Error().Err(err).Str("module", "voice.mesh").Str("from", string(from)).Msg("bad candidate payload")
		return
	}
	if err := link.AddCandidate(cand); err != nil {
		m.failLinkLocked(from, err)
	}
}

func (m *Mesh) sendSignalLocked(target domain.UserID, st core.SignalType, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "voice.mesh").Msg("signal payload marshal")
		return
	}
	env := core.Envelope{
		Type:       core.EnvelopeSignal,
		SignalType: st,
		Target:     target,
		Payload:    payload,
	}
	if err := m.relay.Send(env); err != nil {
		log.Error().Err(err).Str("module", "voice.mesh").Str("target", string(target)).Msg("signal send failed")
	}
}

// --- transport callbacks ---

// bindTransportLocked wires the transport callbacks to one specific
// link. A replaced link's transport keeps firing asynchronously after
// Close (pion delivers the final state change late); those events must
// never touch the successor link, so every callback checks that the
// bound link is still the registered one.
func (m *Mesh) bindTransportLocked(remote domain.UserID, link *PeerLink, t MediaTransport) {
	t.OnCandidate(func(cand Candidate) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed || m.degraded || m.links[remote] != link {
			return
		}
		m.sendSignalLocked(remote, core.SignalICE, cand)
	})
	t.OnConnected(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.links[remote] != link {
			return
		}
		if err := link.MarkConnected(); err != nil {
			return
		}
		m.stopWatchdogLocked(remote)
		log.Info().Str("module", "voice.mesh").Str("remote", string(remote)).Msg("peer link connected")
		m.notifyLocked()
	})
	t.OnFailed(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed || m.degraded || m.links[remote] != link {
			return
		}
		m.failLinkLocked(remote, domain.ErrNegotiationFailed)
		m.notifyLocked()
	})
}

// --- teardown (m.mu held) ---

// failLinkLocked tears the link down locally and drops the peer from
// the visible roster. No retry; re-creation needs a fresh snapshot or
// peer_joined.
func (m *Mesh) failLinkLocked(remote domain.UserID, err error) {
	m.stopWatchdogLocked(remote)
	if link, ok := m.links[remote]; ok {
		link.Teardown()
		delete(m.links, remote)
	}
	delete(m.peers, remote)
	log.Info().Err(err).Str("module", "voice.mesh").Str("remote", string(remote)).Msg("peer link failed")
}

func (m *Mesh) removePeerLocked(remote domain.UserID) {
	m.stopWatchdogLocked(remote)
	if link, ok := m.links[remote]; ok {
		link.Teardown()
		delete(m.links, remote)
	}
	delete(m.peers, remote)
}

func (m *Mesh) teardownAllLocked() {
	for remote := range m.links {
		m.stopWatchdogLocked(remote)
		m.links[remote].Teardown()
		delete(m.links, remote)
	}
	m.peers = make(map[domain.UserID]core.PeerState)
}

// degradeLocked fails closed: all links go away, capture stops, the
// relay closes, and the fallback sink fires exactly once.
func (m *Mesh) degradeLocked(status Status, reason error) {
	if m.degraded {
		return
	}
	m.degraded = true
	m.teardownAllLocked()
	m.capture.Release()
	_ = m.relay.Close()
	m.status = status
	m.fallback.VoiceUnavailable(m.cfg.Session, reason)
}

// --- watchdog ---

func (m *Mesh) startWatchdogLocked(remote domain.UserID) {
	m.stopWatchdogLocked(remote)
	m.watchdogs[remote] = time.AfterFunc(m.cfg.ConnectTimeout, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed || m.degraded {
			return
		}
		link, ok := m.links[remote]
		if !ok || link.State() != LinkConnecting {
			return
		}
		m.failLinkLocked(remote, fmt.Errorf("%w: connect timeout", domain.ErrNegotiationFailed))
		m.notifyLocked()
	})
}

func (m *Mesh) stopWatchdogLocked(remote domain.UserID) {
	if t, ok := m.watchdogs[remote]; ok {
		t.Stop()
		delete(m.watchdogs, remote)
	}
}

// --- views ---

func (m *Mesh) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Mesh) SelfMuted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selfMuted
}

func (m *Mesh) Role() domain.Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

// StatusText is the concise user-visible state. A stale "connected"
// after real disconnection is a correctness violation, so the text is
// always derived from live link state.
func (m *Mesh) StatusText() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusTextLocked()
}

func (m *Mesh) statusTextLocked() string {
	switch m.status {
	case StatusConnecting:
		return "connecting"
	case StatusLive:
		n := m.connectedCountLocked()
		if n == 0 && len(m.peers) > 0 {
			// Snapshot applied but no link established yet; claiming
			// "connected" here would be a stale-status lie.
			return "connecting"
		}
		return fmt.Sprintf("connected with %d peers", n)
	case StatusUnavailable, StatusDisconnected:
		return "disconnected — use fallback"
	}
	return "idle"
}

func (m *Mesh) connectedCountLocked() int {
	n := 0
	for _, link := range m.links {
		if link.State() == LinkConnected {
			n++
		}
	}
	return n
}

// Peers lists the reconciled roster with link states, sorted by id.
func (m *Mesh) Peers() []PeerView {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PeerView, 0, len(m.peers))
	for id, p := range m.peers {
		view := PeerView{PeerState: p, Link: LinkIdle}
		if link, ok := m.links[id]; ok {
			view.Link = link.State()
		}
		out = append(out, view)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Moderate sends a host moderation command. The relay is the authority;
// a non-host sender just gets an error envelope back.
func (m *Mesh) Moderate(action core.ModerationAction, target domain.UserID) error {
	return m.relay.Send(core.Envelope{
		Type:         core.EnvelopeModeration,
		Action:       action,
		TargetUserID: target,
	})
}

func (m *Mesh) notifyLocked() {
	if m.onStatus != nil {
		m.onStatus(m.status, m.statusTextLocked())
	}
}
