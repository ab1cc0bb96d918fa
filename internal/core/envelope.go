package core

import (
	"encoding/json"

	"github.com/ashvale/voicemesh/internal/domain"
)

// Frame is a raw encoded signaling message.
type Frame []byte

type EnvelopeType string

const (
	EnvelopeSnapshot   EnvelopeType = "snapshot"
	EnvelopePeerJoined EnvelopeType = "peer_joined"
	EnvelopePeerLeft   EnvelopeType = "peer_left"
	EnvelopeSignal     EnvelopeType = "signal"
	EnvelopeModeration EnvelopeType = "moderation"
	EnvelopeError      EnvelopeType = "error"
	EnvelopePing       EnvelopeType = "ping"
	EnvelopePong       EnvelopeType = "pong"
)

type SignalType string

const (
	SignalOffer  SignalType = "offer"
	SignalAnswer SignalType = "answer"
	SignalICE    SignalType = "ice"
)

func (s SignalType) Valid() bool {
	return s == SignalOffer || s == SignalAnswer || s == SignalICE
}

type ModerationAction string

const (
	ActionMute       ModerationAction = "mute"
	ActionUnmute     ModerationAction = "unmute"
	ActionDisconnect ModerationAction = "disconnect"
)

func (a ModerationAction) Valid() bool {
	return a == ActionMute || a == ActionUnmute || a == ActionDisconnect
}

// PeerState is the roster view of one remote participant as carried in
// snapshot and peer_joined envelopes.
type PeerState struct {
	UserID      domain.UserID `json:"user_id"`
	DisplayName string        `json:"display_name"`
	Role        domain.Role   `json:"role"`
	Muted       bool          `json:"muted"`
}

// Envelope is the single wire message exchanged over the signaling
// transport in both directions. Fields outside the common set are only
// populated for the envelope types that use them.
type Envelope struct {
	Type       EnvelopeType    `json:"type"`
	SignalType SignalType      `json:"signal_type,omitempty"`
	From       domain.UserID   `json:"from,omitempty"`
	Target     domain.UserID   `json:"target,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`

	// snapshot
	SessionID    domain.SessionID `json:"session_id,omitempty"`
	SelfUserID   domain.UserID    `json:"self_user_id,omitempty"`
	SelfRole     domain.Role      `json:"self_role,omitempty"`
	Peers        []PeerState      `json:"peers,omitempty"`
	MutedUserIDs []string         `json:"muted_user_ids,omitempty"`

	// peer_joined / peer_left
	UserID      domain.UserID `json:"user_id,omitempty"`
	DisplayName string        `json:"display_name,omitempty"`
	Role        domain.Role   `json:"role,omitempty"`
	Muted       bool          `json:"muted,omitempty"`

	// moderation
	Action       ModerationAction `json:"action,omitempty"`
	TargetUserID domain.UserID    `json:"target_user_id,omitempty"`
	ByUserID     domain.UserID    `json:"by_user_id,omitempty"`

	// error
	Code   domain.ErrorCode `json:"code,omitempty"`
	Detail string           `json:"detail,omitempty"`
}

func (e Envelope) Encode() (Frame, error) {
	return json.Marshal(e)
}

func DecodeEnvelope(data Frame) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(data, &e)
	return e, err
}

// ErrorEnvelope builds the standard rejection reply.
func ErrorEnvelope(code domain.ErrorCode, detail string) Envelope {
	return Envelope{Type: EnvelopeError, Code: code, Detail: detail}
}
