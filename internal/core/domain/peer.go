package domain

type PeerID string

type SessionID string

// CallState is the lifecycle state of a single call session.
type CallState string

const (
	CallStateIdle       CallState = "idle"
	CallStateConnecting CallState = "connecting"
	CallStateConnected  CallState = "connected"
	CallStateEnded      CallState = "ended"
	CallStateError      CallState = "error"
)

// Terminal reports whether the state ends the session instance. A new call
// requires a new session.
func (s CallState) Terminal() bool {
	return s == CallStateEnded || s == CallStateError
}

// CallDirection distinguishes who initiated the session.
type CallDirection string

const (
	DirectionOutgoing CallDirection = "outgoing"
	DirectionIncoming CallDirection = "incoming"
)

// MediaFlags are the local capability flags requested at call start and
// toggled by mute/unmute. Toggling never changes session state and never
// triggers renegotiation through the relay.
type MediaFlags struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

// ConnState is the signaling channel's connection state as exposed to
// subscribers.
type ConnState string

const (
	ConnStateConnecting   ConnState = "connecting"
	ConnStateConnected    ConnState = "connected"
	ConnStateDisconnected ConnState = "disconnected"
	ConnStateFailed       ConnState = "failed"
)
