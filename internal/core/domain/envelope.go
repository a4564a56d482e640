package domain

import "encoding/json"

// SignalType enumerates the envelope vocabulary understood by the relay.
type SignalType string

const (
	SignalRegister     SignalType = "register"
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
	SignalCallEnded    SignalType = "call-ended"
	SignalError        SignalType = "error"
)

// Envelope is the unit of relay: one JSON object per WebSocket frame.
// The relay only reads Type, From and To; Data is routed verbatim.
type Envelope struct {
	Type SignalType      `json:"type"`
	From PeerID          `json:"from,omitempty"`
	To   PeerID          `json:"to,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
	Name string          `json:"name,omitempty"`
}

// RegisterRequest is the data carried on an inbound register envelope.
// UserID may be empty, in which case the relay assigns one.
type RegisterRequest struct {
	UserID PeerID `json:"userId,omitempty"`
}

// RegisterAck is the data the relay sends back once a peer is bound.
type RegisterAck struct {
	UserID  PeerID `json:"userId"`
	Success bool   `json:"success"`
}

// ErrorDetail is the data carried on error envelopes.
type ErrorDetail struct {
	Message string `json:"message"`
}

// CallEndedDetail is the optional data on a call-ended envelope. Reason is
// empty for a normal hang-up and "busy" when an offer was rejected because
// the callee already had an active session.
type CallEndedDetail struct {
	Reason string `json:"reason,omitempty"`
}

const CallEndedReasonBusy = "busy"

// SessionDescription mirrors the offer/answer payload exchanged between
// peers. SDP contents are opaque to the relay.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate mirrors the connectivity-candidate payload. Only the fields
// the negotiation layer needs are typed; everything else rides along in SDP
// attribute form inside Candidate.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// IsPeerToPeer reports whether the envelope type is relayed between peers
// (as opposed to being consumed or produced by the relay itself).
func (t SignalType) IsPeerToPeer() bool {
	switch t {
	case SignalOffer, SignalAnswer, SignalICECandidate, SignalCallEnded:
		return true
	}
	return false
}

// NewErrorEnvelope builds the relay's error reply for the given reason.
func NewErrorEnvelope(message string) Envelope {
	data, _ := json.Marshal(ErrorDetail{Message: message})
	return Envelope{Type: SignalError, Data: data}
}

// NewRegisterAckEnvelope builds the confirmation sent after registration.
func NewRegisterAckEnvelope(peerID PeerID) Envelope {
	data, _ := json.Marshal(RegisterAck{UserID: peerID, Success: true})
	return Envelope{Type: SignalRegister, Data: data}
}
