// Package rtc implements the voice media abstractions on pion/webrtc.
package rtc

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/ashvale/voicemesh/internal/domain"
	"github.com/ashvale/voicemesh/internal/voice"
)

func DefaultConfig(stunServers []string) webrtc.Configuration {
	if len(stunServers) == 0 {
		stunServers = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: stunServers},
		},
	}
}

// Factory creates one Transport per remote peer, attaching the shared
// capture fanout's outbound track to each.
type Factory struct {
	cfg    webrtc.Configuration
	fanout *CaptureFanout
}

func NewFactory(cfg webrtc.Configuration, fanout *CaptureFanout) *Factory {
	return &Factory{cfg: cfg, fanout: fanout}
}

func (f *Factory) NewTransport(remote domain.UserID) (voice.MediaTransport, error) {
	pc, err := webrtc.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, err
	}

	t := &Transport{pc: pc, remote: remote}

	if f.fanout != nil {
		track, err := f.fanout.OutTrack(remote)
		if err != nil {
			_ = pc.Close()
			return nil, err
		}
		if _, err := pc.AddTrack(track); err != nil {
			f.fanout.Drop(remote)
			_ = pc.Close()
			return nil, err
		}
		t.detach = func() { f.fanout.Drop(remote) }
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		t.mu.RLock()
		fn := t.onCandidate
		t.mu.RUnlock()
		if fn != nil {
			ci := cand.ToJSON()
			fn(voice.Candidate{
				Candidate:     ci.Candidate,
				SDPMid:        ci.SDPMid,
				SDPMLineIndex: ci.SDPMLineIndex,
			})
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("remote", string(remote)).Str("peer_connection_state", s.String()).Msg("peer state")
		t.mu.RLock()
		onConnected, onFailed := t.onConnected, t.onFailed
		t.mu.RUnlock()
		switch s {
		case webrtc.PeerConnectionStateConnected:
			if onConnected != nil {
				onConnected()
			}
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateClosed:
			if onFailed != nil {
				onFailed()
			}
		}
	})

	return t, nil
}

// Transport is one peer link's media path on a pion PeerConnection.
// Trickle ICE: local candidates surface via OnCandidate as they gather.
type Transport struct {
	pc     *webrtc.PeerConnection
	remote domain.UserID
	detach func()

	mu          sync.RWMutex
	onCandidate func(voice.Candidate)
	onConnected func()
	onFailed    func()

	closeOnce sync.Once
}

func (t *Transport) CreateOffer(ctx context.Context) (voice.Description, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return voice.Description{}, err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return voice.Description{}, err
	}
	return voice.Description{Type: "offer", SDP: offer.SDP}, nil
}

func (t *Transport) AcceptOffer(ctx context.Context, offer voice.Description) (voice.Description, error) {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := t.pc.SetRemoteDescription(remote); err != nil {
		return voice.Description{}, err
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return voice.Description{}, err
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return voice.Description{}, err
	}
	return voice.Description{Type: "answer", SDP: answer.SDP}, nil
}

func (t *Transport) AcceptAnswer(answer voice.Description) error {
	return t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer.SDP,
	})
}

func (t *Transport) AddCandidate(cand voice.Candidate) error {
	return t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
	})
}

func (t *Transport) OnCandidate(fn func(voice.Candidate)) {
	t.mu.Lock()
	t.onCandidate = fn
	t.mu.Unlock()
}

func (t *Transport) OnConnected(fn func()) {
	t.mu.Lock()
	t.onConnected = fn
	t.mu.Unlock()
}

func (t *Transport) OnFailed(fn func()) {
	t.mu.Lock()
	t.onFailed = fn
	t.mu.Unlock()
}

func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		if t.detach != nil {
			t.detach()
		}
		if err := t.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("remote", string(t.remote)).Msg("close error")
		}
	})
}
