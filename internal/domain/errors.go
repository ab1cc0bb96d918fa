package domain

import "errors"

// Relay-side rejections. Each maps onto an error envelope sent back to
// the offending client; none of them changes channel state.
var (
	ErrNotHost       = errors.New("host access required")
	ErrUnknownPeer   = errors.New("unknown peer")
	ErrSelfTarget    = errors.New("cannot target self")
	ErrHostImmune    = errors.New("host cannot be moderated")
	ErrSessionClosed = errors.New("session is not active")
	ErrNotMember     = errors.New("not a session member")
)

// Client-side failure taxonomy.
var (
	ErrNegotiationFailed     = errors.New("peer negotiation failed")
	ErrTransportUnavailable  = errors.New("live voice transport unavailable")
	ErrSignalingDisconnected = errors.New("signaling transport closed")
	ErrLinkTornDown          = errors.New("peer link torn down")
	ErrInvalidLinkTransition = errors.New("invalid peer link transition")
)

// Error codes carried in error envelopes so clients can react without
// string matching on details.
type ErrorCode string

const (
	CodeBadPayload      ErrorCode = "bad_payload"
	CodeUnauthorized    ErrorCode = "unauthorized"
	CodeUnknownPeer     ErrorCode = "unknown_peer"
	CodeSelfTarget      ErrorCode = "self_target"
	CodeHostImmune      ErrorCode = "host_immune"
	CodeRateLimited     ErrorCode = "rate_limited"
	CodeUnsupportedType ErrorCode = "unsupported_type"
)
