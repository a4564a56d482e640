package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/scamreportnamibia/popyamobile-sub002/internal/core/domain"
	"github.com/scamreportnamibia/popyamobile-sub002/internal/core/ports"
)

// validSDP is a minimal structurally valid session description for inbound
// offers; the fakes never parse it.
const validSDP = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

// fakeChannel stands in for the signaling channel: it records outbound
// envelopes and lets tests inject inbound ones through the registered
// handlers.
type fakeChannel struct {
	mu       sync.Mutex
	peerID   domain.PeerID
	sent     []domain.Envelope
	handlers map[domain.SignalType]func(domain.Envelope)
	states   chan domain.ConnState
	sendErr  error
}

func newFakeChannel(peerID domain.PeerID) *fakeChannel {
	return &fakeChannel{
		peerID:   peerID,
		handlers: make(map[domain.SignalType]func(domain.Envelope)),
		states:   make(chan domain.ConnState, 8),
	}
}

func (f *fakeChannel) Send(env domain.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	if env.From == "" {
		env.From = f.peerID
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeChannel) On(t domain.SignalType, handler func(domain.Envelope)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[t] = handler
}

func (f *fakeChannel) PeerID() domain.PeerID              { return f.peerID }
func (f *fakeChannel) State() domain.ConnState            { return domain.ConnStateConnected }
func (f *fakeChannel) StateChanges() <-chan domain.ConnState { return f.states }

// deliver injects an inbound envelope as if it arrived from the relay.
func (f *fakeChannel) deliver(env domain.Envelope) {
	f.mu.Lock()
	handler := f.handlers[env.Type]
	f.mu.Unlock()
	if handler != nil {
		handler(env)
	}
}

func (f *fakeChannel) sentOfType(t domain.SignalType) []domain.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Envelope
	for _, env := range f.sent {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

func (f *fakeChannel) waitForSent(t *testing.T, signalType domain.SignalType) domain.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if envs := f.sentOfType(signalType); len(envs) > 0 {
			return envs[len(envs)-1]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %s envelope was sent", signalType)
	return domain.Envelope{}
}

// fakeNegotiator implements ports.Negotiator with canned descriptions and
// exposes the registered callbacks so tests can drive connectivity events.
type fakeNegotiator struct {
	mu sync.Mutex

	offerErr  error
	answerErr error

	appliedAnswer    *domain.SessionDescription
	appliedOffer     *domain.SessionDescription
	addedCandidates  []domain.ICECandidate
	audioEnabled     []bool
	videoEnabled     []bool
	closed           bool

	onCandidate func(domain.ICECandidate)
	onStream    func(ports.RemoteStream)
	onConnected func()
	onFailed    func(error)
	onQuality   func(domain.CallQualityStats)
}

func newFakeNegotiator() *fakeNegotiator {
	return &fakeNegotiator{}
}

func (f *fakeNegotiator) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	if f.offerErr != nil {
		return domain.SessionDescription{}, f.offerErr
	}
	return domain.SessionDescription{Type: "offer", SDP: "v=0 local-offer"}, nil
}

func (f *fakeNegotiator) HandleOffer(ctx context.Context, offer domain.SessionDescription) (domain.SessionDescription, error) {
	if f.answerErr != nil {
		return domain.SessionDescription{}, f.answerErr
	}
	f.mu.Lock()
	f.appliedOffer = &offer
	f.mu.Unlock()
	return domain.SessionDescription{Type: "answer", SDP: "v=0 local-answer"}, nil
}

func (f *fakeNegotiator) HandleAnswer(ctx context.Context, answer domain.SessionDescription) error {
	f.mu.Lock()
	f.appliedAnswer = &answer
	f.mu.Unlock()
	return nil
}

func (f *fakeNegotiator) AddICECandidate(candidate domain.ICECandidate) error {
	f.mu.Lock()
	f.addedCandidates = append(f.addedCandidates, candidate)
	f.mu.Unlock()
	return nil
}

func (f *fakeNegotiator) OnICECandidate(h func(domain.ICECandidate))       { f.onCandidate = h }
func (f *fakeNegotiator) OnRemoteStream(h func(ports.RemoteStream))        { f.onStream = h }
func (f *fakeNegotiator) OnConnected(h func())                             { f.onConnected = h }
func (f *fakeNegotiator) OnFailed(h func(error))                           { f.onFailed = h }
func (f *fakeNegotiator) OnQuality(h func(domain.CallQualityStats))        { f.onQuality = h }

func (f *fakeNegotiator) SetAudioEnabled(enabled bool) {
	f.mu.Lock()
	f.audioEnabled = append(f.audioEnabled, enabled)
	f.mu.Unlock()
}

func (f *fakeNegotiator) SetVideoEnabled(enabled bool) {
	f.mu.Lock()
	f.videoEnabled = append(f.videoEnabled, enabled)
	f.mu.Unlock()
}

func (f *fakeNegotiator) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeNegotiator) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeNegotiator) candidates() []domain.ICECandidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.ICECandidate, len(f.addedCandidates))
	copy(out, f.addedCandidates)
	return out
}

// waitEvent drains the event channel until one of the wanted kind arrives.
func waitEvent(t *testing.T, events <-chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

// waitState drains state-changed events until the wanted state arrives.
func waitState(t *testing.T, events <-chan Event, state domain.CallState) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == EventStateChanged && ev.State == state {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", state)
		}
	}
}
