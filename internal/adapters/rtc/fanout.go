package rtc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ashvale/voicemesh/internal/domain"
)

// PacketSource is the local capture stream: RTP packets from the
// microphone pipeline (device capture plus opus encoding live outside
// this subsystem).
type PacketSource interface {
	ReadRTP() (*rtp.Packet, error)
	Close() error
}

type outTrackState int32

const (
	outTrackOk outTrackState = iota
	outTrackDelete
)

type outTrack struct {
	track *webrtc.TrackLocalStaticRTP
	state atomic.Int32
}

func (ot *outTrack) markDelete()   { ot.state.Store(int32(outTrackDelete)) }
func (ot *outTrack) deleted() bool { return outTrackState(ot.state.Load()) == outTrackDelete }

// CaptureFanout owns the local capture stream exclusively and fans it
// out to one outbound track per peer link without re-acquiring the
// device. Implements voice.Capture; SetEnabled mutes at the source, so
// a muted participant sends nothing regardless of what the relay says.
type CaptureFanout struct {
	source PacketSource

	mu   sync.RWMutex
	outs map[domain.UserID]*outTrack

	enabled  atomic.Bool
	acquired bool
	cancel   context.CancelFunc
}

func NewCaptureFanout(source PacketSource) *CaptureFanout {
	f := &CaptureFanout{
		source: source,
		outs:   make(map[domain.UserID]*outTrack),
	}
	f.enabled.Store(true)
	return f
}

func (f *CaptureFanout) Acquire(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.source == nil {
		return errors.New("no capture source")
	}
	if f.acquired {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.acquired = true
	go f.loop(ctx)
	return nil
}

func (f *CaptureFanout) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.acquired {
		return
	}
	f.acquired = false
	if f.cancel != nil {
		f.cancel()
	}
	_ = f.source.Close()
	for _, ot := range f.outs {
		ot.markDelete()
	}
	f.outs = make(map[domain.UserID]*outTrack)
}

func (f *CaptureFanout) SetEnabled(enabled bool) { f.enabled.Store(enabled) }
func (f *CaptureFanout) Enabled() bool           { return f.enabled.Load() }

// OutTrack creates (or replaces) the outbound track for one peer link.
func (f *CaptureFanout) OutTrack(remote domain.UserID) (*webrtc.TrackLocalStaticRTP, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "voicemesh-"+string(remote),
	)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	if old, ok := f.outs[remote]; ok {
		old.markDelete()
	}
	f.outs[remote] = &outTrack{track: track}
	f.mu.Unlock()
	return track, nil
}

// Drop marks a peer's outbound track for removal; the loop reaps it.
func (f *CaptureFanout) Drop(remote domain.UserID) {
	f.mu.RLock()
	ot, ok := f.outs[remote]
	f.mu.RUnlock()
	if ok {
		ot.markDelete()
	}
}

// loop reads RTP packets from the source and forwards them to every
// live out track.
func (f *CaptureFanout) loop(ctx context.Context) {
	logger := log.With().Str("module", "rtc.fanout").Logger()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("fanout ctx done")
			return
		default:
		}
		pkt, err := f.source.ReadRTP()
		if err != nil {
			logger.Error().Err(err).Msg("capture read error, stopping fanout")
			return
		}
		if !f.enabled.Load() {
			// Muted at the source: packets are consumed and discarded.
			continue
		}
		f.forward(pkt, &logger)
	}
}

func (f *CaptureFanout) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	f.mu.RLock()
	snapshot := make(map[domain.UserID]*outTrack, len(f.outs))
	for id, ot := range f.outs {
		snapshot[id] = ot
	}
	f.mu.RUnlock()

	dirty := make([]domain.UserID, 0)
	for remote, ot := range snapshot {
		if ot.deleted() {
			dirty = append(dirty, remote)
			continue
		}
		if err := ot.track.WriteRTP(pkt); err != nil {
			logger.Error().Err(err).Str("remote", string(remote)).Msg("fanout write error, dropping out track")
			ot.markDelete()
			dirty = append(dirty, remote)
		}
	}
	if len(dirty) > 0 {
		f.reap(dirty)
	}
}

func (f *CaptureFanout) reap(dirty []domain.UserID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, remote := range dirty {
		if ot, ok := f.outs[remote]; ok && ot.deleted() {
			delete(f.outs, remote)
		}
	}
}

// Probe reports live-voice capability: present iff a capture source is
// available. Platform-specific checks wrap or replace this at the edge.
type Probe struct {
	Source PacketSource
}

func (p Probe) LiveVoiceSupported() bool { return p.Source != nil }
