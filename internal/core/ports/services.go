package ports

import (
	"context"

	"github.com/scamreportnamibia/popyamobile-sub002/internal/core/domain"
)

// SignalChannel is the client-side durable connection to the relay. The call
// session machine consumes it; internal/client implements it.
type SignalChannel interface {
	// Send writes the envelope immediately when connected, or enqueues it
	// for an in-order flush once the channel reconnects.
	Send(env domain.Envelope) error

	// On registers the handler for one envelope type. A later registration
	// for the same type replaces the earlier one.
	On(t domain.SignalType, handler func(domain.Envelope))

	// PeerID returns the registered peer id, resolved during Connect.
	PeerID() domain.PeerID

	State() domain.ConnState

	// StateChanges returns a subscription for connection-state transitions.
	StateChanges() <-chan domain.ConnState
}

// RemoteStream is an opaque handle to remote media delivered by the
// negotiation layer. The UI layer attaches it to its own rendering.
type RemoteStream interface {
	ID() string
}

// Negotiator is the opaque media-negotiation capability behind one call
// session: it produces and consumes session descriptions and connectivity
// candidates and eventually delivers a remote stream. Callbacks must be set
// before negotiation starts.
type Negotiator interface {
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)

	// HandleOffer applies the remote offer and returns the local answer.
	HandleOffer(ctx context.Context, offer domain.SessionDescription) (domain.SessionDescription, error)

	HandleAnswer(ctx context.Context, answer domain.SessionDescription) error

	AddICECandidate(candidate domain.ICECandidate) error

	OnICECandidate(handler func(domain.ICECandidate))
	OnRemoteStream(handler func(RemoteStream))
	OnConnected(handler func())
	OnFailed(handler func(err error))
	OnQuality(handler func(domain.CallQualityStats))

	// SetAudioEnabled and SetVideoEnabled toggle the local capability flags
	// without renegotiation.
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)

	Close() error
}

// NegotiatorFactory acquires local media for the requested capability flags
// and returns a negotiator ready to drive one session. Acquisition is
// cancellable through ctx.
type NegotiatorFactory func(ctx context.Context, flags domain.MediaFlags) (Negotiator, error)
