package voice

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashvale/voicemesh/internal/core"
	"github.com/ashvale/voicemesh/internal/domain"
)

type fakeRelay struct {
	mu     sync.Mutex
	sent   []core.Envelope
	closed bool
}

func (r *fakeRelay) Send(env core.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, env)
	return nil
}

func (r *fakeRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeRelay) sentOfType(t core.EnvelopeType) []core.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core.Envelope
	for _, env := range r.sent {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

func (r *fakeRelay) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

type fakeCapture struct {
	mu       sync.Mutex
	acquired bool
	released bool
	enabled  bool
}

func newFakeCapture() *fakeCapture { return &fakeCapture{enabled: true} }

func (c *fakeCapture) Acquire(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acquired = true
	return nil
}

func (c *fakeCapture) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = true
}

func (c *fakeCapture) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
}

func (c *fakeCapture) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

type fakeProbe struct{ supported bool }

func (p fakeProbe) LiveVoiceSupported() bool { return p.supported }

type fakeFactory struct {
	mu         sync.Mutex
	transports map[domain.UserID][]*fakeTransport
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{transports: make(map[domain.UserID][]*fakeTransport)}
}

func (f *fakeFactory) NewTransport(remote domain.UserID) (MediaTransport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tr := &fakeTransport{remote: remote}
	f.transports[remote] = append(f.transports[remote], tr)
	return tr, nil
}

// transport returns the most recently created transport for a remote.
func (f *fakeFactory) transport(remote domain.UserID) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	trs := f.transports[remote]
	if len(trs) == 0 {
		return nil
	}
	return trs[len(trs)-1]
}

type fakeSink struct {
	mu      sync.Mutex
	reasons []error
}

func (s *fakeSink) VoiceUnavailable(session domain.SessionID, reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reasons = append(s.reasons, reason)
}

func (s *fakeSink) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reasons)
}

type meshFixture struct {
	mesh    *Mesh
	relay   *fakeRelay
	capture *fakeCapture
	factory *fakeFactory
	sink    *fakeSink
}

func newMeshFixture(t *testing.T, self domain.UserID) *meshFixture {
	t.Helper()
	fx := &meshFixture{
		relay:   &fakeRelay{},
		capture: newFakeCapture(),
		factory: newFakeFactory(),
		sink:    &fakeSink{},
	}
	fx.mesh = NewMesh(
		MeshConfig{Session: "sess-1", Self: self, ConnectTimeout: time.Second},
		fx.relay, fx.factory, fx.capture, fakeProbe{supported: true}, fx.sink,
	)
	require.NoError(t, fx.mesh.Start(context.Background()))
	return fx
}

func snapshotEnvelope(self domain.UserID, role domain.Role, peers ...core.PeerState) core.Envelope {
	return core.Envelope{
		Type:       core.EnvelopeSnapshot,
		SessionID:  "sess-1",
		SelfUserID: self,
		SelfRole:   role,
		Peers:      peers,
	}
}

func peerState(id domain.UserID) core.PeerState {
	return core.PeerState{UserID: id, DisplayName: "peer " + string(id), Role: domain.RolePlayer}
}

func offerEnvelope(t *testing.T, from domain.UserID) core.Envelope {
	t.Helper()
	payload, err := json.Marshal(Description{Type: "offer", SDP: "offer-sdp"})
	require.NoError(t, err)
	return core.Envelope{Type: core.EnvelopeSignal, SignalType: core.SignalOffer, From: from, Payload: payload}
}

func TestMeshUnsupportedCapabilityFailsClosed(t *testing.T) {
	relay := &fakeRelay{}
	sink := &fakeSink{}
	mesh := NewMesh(
		MeshConfig{Session: "sess-1", Self: "a"},
		relay, newFakeFactory(), newFakeCapture(), fakeProbe{supported: false}, sink,
	)

	err := mesh.Start(context.Background())
	assert.ErrorIs(t, err, domain.ErrTransportUnavailable)
	assert.Equal(t, StatusUnavailable, mesh.Status())
	assert.Equal(t, "disconnected — use fallback", mesh.StatusText())
	assert.Equal(t, 1, sink.calls())
	assert.True(t, relay.isClosed())
}

func TestMeshSnapshotOffersToLowerIDPeersOnly(t *testing.T) {
	fx := newMeshFixture(t, "aaa")

	fx.mesh.HandleEnvelope(context.Background(), snapshotEnvelope("aaa", domain.RolePlayer, peerState("bbb"), peerState("ccc")))

	offers := fx.relay.sentOfType(core.EnvelopeSignal)
	require.Len(t, offers, 2)
	targets := map[domain.UserID]bool{offers[0].Target: true, offers[1].Target: true}
	assert.True(t, targets["bbb"])
	assert.True(t, targets["ccc"])
	for _, env := range offers {
		assert.Equal(t, core.SignalOffer, env.SignalType)
	}

	assert.Equal(t, "connecting", fx.mesh.StatusText(), "no link is established yet")

	fx.factory.transport("bbb").onConnected()
	assert.Equal(t, "connected with 1 peers", fx.mesh.StatusText())
	fx.factory.transport("ccc").onConnected()
	assert.Equal(t, "connected with 2 peers", fx.mesh.StatusText())
}

func TestMeshWaitsPassivelyForOfferFromLowerID(t *testing.T) {
	fx := newMeshFixture(t, "bbb")

	fx.mesh.HandleEnvelope(context.Background(), core.Envelope{
		Type: core.EnvelopePeerJoined, UserID: "aaa", DisplayName: "peer aaa", Role: domain.RoleHost,
	})
	assert.Empty(t, fx.relay.sentOfType(core.EnvelopeSignal), "higher id never initiates")

	fx.mesh.HandleEnvelope(context.Background(), offerEnvelope(t, "aaa"))

	answers := fx.relay.sentOfType(core.EnvelopeSignal)
	require.Len(t, answers, 1)
	assert.Equal(t, core.SignalAnswer, answers[0].SignalType)
	assert.Equal(t, domain.UserID("aaa"), answers[0].Target)
}

func TestMeshGlareResolvedByTieBreak(t *testing.T) {
	// Concurrent join: both sides got snapshots listing each other. The
	// lower id offered; a stray offer from the higher id is ignored.
	fx := newMeshFixture(t, "aaa")
	fx.mesh.HandleEnvelope(context.Background(), snapshotEnvelope("aaa", domain.RolePlayer, peerState("bbb")))
	require.Len(t, fx.relay.sentOfType(core.EnvelopeSignal), 1, "our offer is out")

	fx.mesh.HandleEnvelope(context.Background(), offerEnvelope(t, "bbb"))

	sent := fx.relay.sentOfType(core.EnvelopeSignal)
	require.Len(t, sent, 1, "glare offer must not produce an answer")
	assert.Equal(t, core.SignalOffer, sent[0].SignalType)

	peers := fx.mesh.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, LinkConnecting, peers[0].Link, "our own offer still stands")
}

func TestMeshModerationMuteSelfIsIdempotent(t *testing.T) {
	fx := newMeshFixture(t, "aaa")
	fx.mesh.HandleEnvelope(context.Background(), snapshotEnvelope("aaa", domain.RolePlayer))

	mute := core.Envelope{Type: core.EnvelopeModeration, Action: core.ActionMute, TargetUserID: "aaa", ByUserID: "host"}
	fx.mesh.HandleEnvelope(context.Background(), mute)
	assert.False(t, fx.capture.Enabled(), "mute is enforced at the capture source")
	assert.True(t, fx.mesh.SelfMuted())

	fx.mesh.HandleEnvelope(context.Background(), mute)
	assert.False(t, fx.capture.Enabled(), "muting twice leaves exactly the muted state")

	unmute := core.Envelope{Type: core.EnvelopeModeration, Action: core.ActionUnmute, TargetUserID: "aaa", ByUserID: "host"}
	fx.mesh.HandleEnvelope(context.Background(), unmute)
	assert.True(t, fx.capture.Enabled())
	assert.False(t, fx.mesh.SelfMuted())
}

func TestMeshModerationMutePeerUpdatesView(t *testing.T) {
	fx := newMeshFixture(t, "aaa")
	fx.mesh.HandleEnvelope(context.Background(), snapshotEnvelope("aaa", domain.RolePlayer, peerState("bbb")))

	fx.mesh.HandleEnvelope(context.Background(), core.Envelope{
		Type: core.EnvelopeModeration, Action: core.ActionMute, TargetUserID: "bbb", ByUserID: "host",
	})

	peers := fx.mesh.Peers()
	require.Len(t, peers, 1)
	assert.True(t, peers[0].Muted)
	assert.True(t, fx.capture.Enabled(), "a peer's mute never touches the local source")
}

func TestMeshModerationDisconnectSelfTearsDownEverything(t *testing.T) {
	fx := newMeshFixture(t, "aaa")
	fx.mesh.HandleEnvelope(context.Background(), snapshotEnvelope("aaa", domain.RolePlayer, peerState("bbb")))
	tr := fx.factory.transport("bbb")
	require.NotNil(t, tr)

	fx.mesh.HandleEnvelope(context.Background(), core.Envelope{
		Type: core.EnvelopeModeration, Action: core.ActionDisconnect, TargetUserID: "aaa", ByUserID: "host",
	})

	assert.True(t, tr.closed)
	assert.Empty(t, fx.mesh.Peers())
	assert.True(t, fx.capture.released)
	assert.True(t, fx.relay.isClosed())
	assert.Equal(t, 1, fx.sink.calls())
	assert.Equal(t, "disconnected — use fallback", fx.mesh.StatusText())
}

func TestMeshPeerLeftLeavesNoResidue(t *testing.T) {
	fx := newMeshFixture(t, "aaa")
	fx.mesh.HandleEnvelope(context.Background(), snapshotEnvelope("aaa", domain.RolePlayer, peerState("bbb")))
	tr := fx.factory.transport("bbb")
	tr.onConnected()
	require.Equal(t, "connected with 1 peers", fx.mesh.StatusText())

	fx.mesh.HandleEnvelope(context.Background(), core.Envelope{Type: core.EnvelopePeerLeft, UserID: "bbb"})

	assert.True(t, tr.closed)
	assert.Empty(t, fx.mesh.Peers())
	assert.Equal(t, "connected with 0 peers", fx.mesh.StatusText(), "no stale connected indicator")
}

func TestMeshSnapshotReconcilesRoster(t *testing.T) {
	fx := newMeshFixture(t, "aaa")
	fx.mesh.HandleEnvelope(context.Background(), snapshotEnvelope("aaa", domain.RolePlayer, peerState("bbb"), peerState("ccc")))
	require.Len(t, fx.mesh.Peers(), 2)

	// A later snapshot without ccc is authoritative.
	fx.mesh.HandleEnvelope(context.Background(), snapshotEnvelope("aaa", domain.RolePlayer, peerState("bbb")))

	peers := fx.mesh.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, domain.UserID("bbb"), peers[0].UserID)
	assert.True(t, fx.factory.transport("ccc").closed)
}

func TestMeshTransportFailureIsLocalToOneLink(t *testing.T) {
	fx := newMeshFixture(t, "aaa")
	fx.mesh.HandleEnvelope(context.Background(), snapshotEnvelope("aaa", domain.RolePlayer, peerState("bbb"), peerState("ccc")))
	fx.factory.transport("bbb").onConnected()
	fx.factory.transport("ccc").onConnected()

	fx.factory.transport("bbb").onFailed()

	peers := fx.mesh.Peers()
	require.Len(t, peers, 1, "failed peer disappears from the roster")
	assert.Equal(t, domain.UserID("ccc"), peers[0].UserID)
	assert.Equal(t, "connected with 1 peers", fx.mesh.StatusText())
	assert.Equal(t, 0, fx.sink.calls(), "a single link failure is not a degradation")
}

func TestMeshConnectWatchdogFailsStalledLink(t *testing.T) {
	fx := &meshFixture{
		relay:   &fakeRelay{},
		capture: newFakeCapture(),
		factory: newFakeFactory(),
		sink:    &fakeSink{},
	}
	fx.mesh = NewMesh(
		MeshConfig{Session: "sess-1", Self: "aaa", ConnectTimeout: 20 * time.Millisecond},
		fx.relay, fx.factory, fx.capture, fakeProbe{supported: true}, fx.sink,
	)
	require.NoError(t, fx.mesh.Start(context.Background()))

	fx.mesh.HandleEnvelope(context.Background(), snapshotEnvelope("aaa", domain.RolePlayer, peerState("bbb")))
	require.Len(t, fx.mesh.Peers(), 1)

	assert.Eventually(t, func() bool {
		return len(fx.mesh.Peers()) == 0
	}, time.Second, 5*time.Millisecond, "stalled connecting link must be failed")
	assert.True(t, fx.factory.transport("bbb").closed)
}

func TestMeshRelayClosedDegradesOnce(t *testing.T) {
	fx := newMeshFixture(t, "aaa")
	fx.mesh.HandleEnvelope(context.Background(), snapshotEnvelope("aaa", domain.RolePlayer, peerState("bbb")))

	fx.mesh.RelayClosed(nil)
	fx.mesh.RelayClosed(nil)

	assert.Equal(t, 1, fx.sink.calls())
	assert.Equal(t, StatusDisconnected, fx.mesh.Status())
	assert.Equal(t, "disconnected — use fallback", fx.mesh.StatusText())
	assert.True(t, fx.factory.transport("bbb").closed)
	assert.True(t, fx.capture.released)
}

func TestMeshLeaveReleasesAllResources(t *testing.T) {
	fx := newMeshFixture(t, "aaa")
	fx.mesh.HandleEnvelope(context.Background(), snapshotEnvelope("aaa", domain.RolePlayer, peerState("bbb")))
	tr := fx.factory.transport("bbb")

	fx.mesh.Leave()
	fx.mesh.Leave()

	assert.True(t, tr.closed)
	assert.True(t, fx.capture.released)
	assert.True(t, fx.relay.isClosed())
	assert.Empty(t, fx.mesh.Peers())
	assert.Equal(t, 0, fx.sink.calls(), "a voluntary leave is not a degradation")
}

func TestMeshStaleTransportCallbacksIgnoredAfterLinkReplacement(t *testing.T) {
	fx := newMeshFixture(t, "bbb")
	fx.mesh.HandleEnvelope(context.Background(), core.Envelope{
		Type: core.EnvelopePeerJoined, UserID: "aaa", DisplayName: "peer aaa", Role: domain.RolePlayer,
	})

	fx.mesh.HandleEnvelope(context.Background(), offerEnvelope(t, "aaa"))
	old := fx.factory.transport("aaa")
	require.NotNil(t, old)

	// A fresh offer replaces the link; the old transport is closed but
	// its callbacks can still fire asynchronously.
	fx.mesh.HandleEnvelope(context.Background(), offerEnvelope(t, "aaa"))
	fresh := fx.factory.transport("aaa")
	require.NotSame(t, old, fresh)
	assert.True(t, old.closed)

	old.onFailed()
	peers := fx.mesh.Peers()
	require.Len(t, peers, 1, "stale failure must not kill the fresh link")
	assert.False(t, fresh.closed)
	assert.Equal(t, LinkConnecting, peers[0].Link)

	old.onConnected()
	assert.Equal(t, LinkConnecting, fx.mesh.Peers()[0].Link, "stale success must not mark the fresh link")

	fresh.onConnected()
	assert.Equal(t, LinkConnected, fx.mesh.Peers()[0].Link)
}

func TestMeshStatusTextSoloSession(t *testing.T) {
	fx := newMeshFixture(t, "aaa")
	fx.mesh.HandleEnvelope(context.Background(), snapshotEnvelope("aaa", domain.RoleHost))

	assert.Equal(t, "connected with 0 peers", fx.mesh.StatusText(), "alone in the channel is connected, not pending")
}

func TestMeshSnapshotAppliesOwnMute(t *testing.T) {
	fx := newMeshFixture(t, "aaa")
	env := snapshotEnvelope("aaa", domain.RolePlayer, peerState("bbb"))
	env.MutedUserIDs = []string{"aaa", "bbb"}

	fx.mesh.HandleEnvelope(context.Background(), env)

	assert.False(t, fx.capture.Enabled(), "rejoining muted must not re-enable the source")
	assert.True(t, fx.mesh.SelfMuted())
}
