package call

import (
	"sync"

	"github.com/scamreportnamibia/popyamobile-sub002/internal/core/domain"
	"github.com/scamreportnamibia/popyamobile-sub002/internal/core/ports"
)

// EventKind enumerates what the call layer reports to the UI.
type EventKind string

const (
	// EventStateChanged fires on every session lifecycle transition. Reason
	// is always set on terminal transitions so the UI can distinguish a
	// normal hang-up from "peer unreachable" or "connection lost".
	EventStateChanged EventKind = "state-changed"

	// EventIncomingCall fires when a remote offer arrives and no session is
	// active. The Incoming handle accepts or rejects the call.
	EventIncomingCall EventKind = "incoming-call"

	// EventIncomingCancelled fires when a ringing caller hangs up or the
	// signaling transport drops before the call is answered.
	EventIncomingCancelled EventKind = "incoming-call-cancelled"

	// EventRemoteStream fires when the negotiation layer delivers remote
	// media for the active session.
	EventRemoteStream EventKind = "remote-stream-available"

	// EventMediaToggled acknowledges a local audio/video toggle. Toggling
	// never changes session state.
	EventMediaToggled EventKind = "media-toggled"

	// EventQuality carries periodic call quality samples while connected.
	EventQuality EventKind = "quality"
)

// Event is one notification from the call layer. Fields beyond Kind and
// SessionID are populated per kind.
type Event struct {
	Kind      EventKind
	SessionID domain.SessionID

	State  domain.CallState // state-changed
	Reason string           // state-changed (terminal transitions)

	Incoming *Incoming // incoming-call

	Stream ports.RemoteStream // remote-stream-available

	Flags domain.MediaFlags // media-toggled

	Quality domain.CallQualityStats // quality
}

// Bus is the typed publish/subscribe surface between the call layer and the
// UI. Slow subscribers drop events rather than blocking call progress.
type Bus struct {
	mu   sync.Mutex
	subs []chan Event
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 32)
	b.subs = append(b.subs, ch)
	return ch
}

func (b *Bus) publish(ev Event) {
	b.mu.Lock()
	subs := make([]chan Event, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub <- ev:
		default:
		}
	}
}
