package call

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scamreportnamibia/popyamobile-sub002/internal/core/domain"
	"github.com/scamreportnamibia/popyamobile-sub002/internal/core/ports"
)

func newTestManager(t *testing.T, opts Options) (*Manager, *fakeChannel, *fakeNegotiator) {
	t.Helper()

	channel := newFakeChannel("alice")
	neg := newFakeNegotiator()
	factory := func(ctx context.Context, flags domain.MediaFlags) (ports.Negotiator, error) {
		return neg, nil
	}
	m := NewManager(channel, factory, opts, zap.NewNop().Sugar())
	return m, channel, neg
}

func mustMarshal(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestOutgoingCallReachesConnected(t *testing.T) {
	m, channel, neg := newTestManager(t, Options{DisplayName: "Alice"})
	events := m.Events()

	sess, err := m.Call(context.Background(), "bob", domain.MediaFlags{Audio: true, Video: true})
	require.NoError(t, err)
	waitState(t, events, domain.CallStateConnecting)

	offer := channel.waitForSent(t, domain.SignalOffer)
	assert.Equal(t, domain.PeerID("bob"), offer.To)
	assert.Equal(t, "Alice", offer.Name)

	var sd domain.SessionDescription
	require.NoError(t, json.Unmarshal(offer.Data, &sd))
	assert.Equal(t, "offer", sd.Type)

	channel.deliver(domain.Envelope{
		Type: domain.SignalAnswer,
		From: "bob",
		Data: mustMarshal(t, domain.SessionDescription{Type: "answer", SDP: "v=0 remote"}),
	})
	neg.onConnected()

	waitState(t, events, domain.CallStateConnected)
	assert.Equal(t, domain.CallStateConnected, sess.State())
}

func TestSecondCallRejectedWhileActive(t *testing.T) {
	m, _, _ := newTestManager(t, Options{})

	_, err := m.Call(context.Background(), "bob", domain.MediaFlags{Audio: true})
	require.NoError(t, err)

	_, err = m.Call(context.Background(), "carol", domain.MediaFlags{Audio: true})
	assert.ErrorIs(t, err, domain.ErrSessionActive)
}

func TestOfferWhileActiveAnsweredBusy(t *testing.T) {
	m, channel, _ := newTestManager(t, Options{})

	sess, err := m.Call(context.Background(), "bob", domain.MediaFlags{Audio: true})
	require.NoError(t, err)

	channel.deliver(domain.Envelope{
		Type: domain.SignalOffer,
		From: "carol",
		Data: mustMarshal(t, domain.SessionDescription{Type: "offer", SDP: validSDP}),
	})

	ended := channel.waitForSent(t, domain.SignalCallEnded)
	assert.Equal(t, domain.PeerID("carol"), ended.To)

	var detail domain.CallEndedDetail
	require.NoError(t, json.Unmarshal(ended.Data, &detail))
	assert.Equal(t, domain.CallEndedReasonBusy, detail.Reason)

	// The active session is untouched.
	assert.False(t, sess.State().Terminal())
	assert.Same(t, sess, m.Active())
}

func TestBusyRejectionTerminatesCallerSession(t *testing.T) {
	m, channel, _ := newTestManager(t, Options{})
	events := m.Events()

	_, err := m.Call(context.Background(), "bob", domain.MediaFlags{Audio: true})
	require.NoError(t, err)

	channel.deliver(domain.Envelope{
		Type: domain.SignalCallEnded,
		From: "bob",
		Data: mustMarshal(t, domain.CallEndedDetail{Reason: domain.CallEndedReasonBusy}),
	})

	ev := waitState(t, events, domain.CallStateError)
	assert.Equal(t, ReasonPeerBusy, ev.Reason)
	assert.Nil(t, m.Active())
}

func TestIncomingCallAcceptFlow(t *testing.T) {
	m, channel, neg := newTestManager(t, Options{})
	events := m.Events()

	channel.deliver(domain.Envelope{
		Type: domain.SignalOffer,
		From: "bob",
		Name: "Bob",
		Data: mustMarshal(t, domain.SessionDescription{Type: "offer", SDP: validSDP}),
	})

	ev := waitEvent(t, events, EventIncomingCall)
	require.NotNil(t, ev.Incoming)
	assert.Equal(t, domain.PeerID("bob"), ev.Incoming.From)
	assert.Equal(t, "Bob", ev.Incoming.DisplayName)

	// Candidates trickling in before the callee answers are buffered.
	for _, c := range []string{"candidate:1", "candidate:2"} {
		channel.deliver(domain.Envelope{
			Type: domain.SignalICECandidate,
			From: "bob",
			Data: mustMarshal(t, domain.ICECandidate{Candidate: c}),
		})
	}

	sess, err := ev.Incoming.Accept(context.Background(), domain.MediaFlags{Audio: true})
	require.NoError(t, err)
	assert.Equal(t, domain.DirectionIncoming, sess.Direction())
	assert.Equal(t, "Bob", sess.RemoteName())

	answer := channel.waitForSent(t, domain.SignalAnswer)
	assert.Equal(t, domain.PeerID("bob"), answer.To)

	// Buffered candidates were applied in arrival order.
	applied := neg.candidates()
	require.Len(t, applied, 2)
	assert.Equal(t, "candidate:1", applied[0].Candidate)
	assert.Equal(t, "candidate:2", applied[1].Candidate)

	neg.onConnected()
	waitState(t, events, domain.CallStateConnected)
}

func TestIncomingCallReject(t *testing.T) {
	m, channel, _ := newTestManager(t, Options{})
	events := m.Events()

	channel.deliver(domain.Envelope{
		Type: domain.SignalOffer,
		From: "bob",
		Data: mustMarshal(t, domain.SessionDescription{Type: "offer", SDP: validSDP}),
	})

	ev := waitEvent(t, events, EventIncomingCall)
	ev.Incoming.Reject()

	ended := channel.waitForSent(t, domain.SignalCallEnded)
	assert.Equal(t, domain.PeerID("bob"), ended.To)
	assert.Nil(t, m.Active())

	// A rejected call cannot be accepted later.
	_, err := ev.Incoming.Accept(context.Background(), domain.MediaFlags{Audio: true})
	assert.ErrorIs(t, err, domain.ErrSessionTerminated)
}

func TestIncomingCallCancelledByCaller(t *testing.T) {
	m, channel, _ := newTestManager(t, Options{})
	events := m.Events()

	channel.deliver(domain.Envelope{
		Type: domain.SignalOffer,
		From: "bob",
		Data: mustMarshal(t, domain.SessionDescription{Type: "offer", SDP: validSDP}),
	})
	waitEvent(t, events, EventIncomingCall)

	channel.deliver(domain.Envelope{Type: domain.SignalCallEnded, From: "bob"})

	waitEvent(t, events, EventIncomingCancelled)

	// The slot is free again.
	_, err := m.Call(context.Background(), "carol", domain.MediaFlags{Audio: true})
	assert.NoError(t, err)
}

func TestRemoteHangupEndsSession(t *testing.T) {
	m, channel, neg := newTestManager(t, Options{})
	events := m.Events()

	sess, err := m.Call(context.Background(), "bob", domain.MediaFlags{Audio: true})
	require.NoError(t, err)
	neg.onConnected()
	waitState(t, events, domain.CallStateConnected)

	channel.deliver(domain.Envelope{Type: domain.SignalCallEnded, From: "bob"})

	ev := waitState(t, events, domain.CallStateEnded)
	assert.Equal(t, ReasonHangupRemote, ev.Reason)
	assert.True(t, neg.isClosed())
	assert.Equal(t, domain.CallStateEnded, sess.State())
	assert.Nil(t, m.Active())
}

func TestLocalHangupNotifiesRemote(t *testing.T) {
	m, channel, neg := newTestManager(t, Options{})
	events := m.Events()

	sess, err := m.Call(context.Background(), "bob", domain.MediaFlags{Audio: true})
	require.NoError(t, err)
	neg.onConnected()
	waitState(t, events, domain.CallStateConnected)

	sess.Hangup()

	ended := channel.waitForSent(t, domain.SignalCallEnded)
	assert.Equal(t, domain.PeerID("bob"), ended.To)

	ev := waitState(t, events, domain.CallStateEnded)
	assert.Equal(t, ReasonHangupLocal, ev.Reason)
	assert.True(t, neg.isClosed())

	// Hangup is idempotent: no second terminal event, no panic.
	sess.Hangup()
	assert.Nil(t, m.Active())
}

func TestUnreachablePeerErrorsSession(t *testing.T) {
	m, channel, _ := newTestManager(t, Options{})
	events := m.Events()

	_, err := m.Call(context.Background(), "ghost", domain.MediaFlags{Audio: true})
	require.NoError(t, err)

	channel.deliver(domain.Envelope{
		Type: domain.SignalError,
		Data: mustMarshal(t, domain.ErrorDetail{Message: "recipient not found"}),
	})

	ev := waitState(t, events, domain.CallStateError)
	assert.Equal(t, ReasonPeerUnreachable, ev.Reason)
	assert.Nil(t, m.Active())
}

func TestChannelFailureEndsActiveCall(t *testing.T) {
	m, channel, neg := newTestManager(t, Options{})
	events := m.Events()

	_, err := m.Call(context.Background(), "bob", domain.MediaFlags{Audio: true})
	require.NoError(t, err)
	neg.onConnected()
	waitState(t, events, domain.CallStateConnected)

	channel.states <- domain.ConnStateFailed

	ev := waitState(t, events, domain.CallStateError)
	assert.Equal(t, ReasonConnectionLost, ev.Reason)
	assert.Nil(t, m.Active())
}

func TestNoAnswerTimeout(t *testing.T) {
	m, channel, _ := newTestManager(t, Options{ConnectingTimeout: 50 * time.Millisecond})
	events := m.Events()

	_, err := m.Call(context.Background(), "bob", domain.MediaFlags{Audio: true})
	require.NoError(t, err)

	ev := waitState(t, events, domain.CallStateError)
	assert.Equal(t, ReasonNoAnswer, ev.Reason)

	// The abandoned callee is told the caller gave up.
	ended := channel.waitForSent(t, domain.SignalCallEnded)
	assert.Equal(t, domain.PeerID("bob"), ended.To)
}

func TestMediaFailureErrorsSession(t *testing.T) {
	m, _, neg := newTestManager(t, Options{})
	events := m.Events()

	_, err := m.Call(context.Background(), "bob", domain.MediaFlags{Audio: true})
	require.NoError(t, err)

	neg.onFailed(errors.New("dtls handshake failed"))

	ev := waitState(t, events, domain.CallStateError)
	assert.Equal(t, ReasonMediaFailed, ev.Reason)
}

func TestFactoryFailureSurfacedToCaller(t *testing.T) {
	channel := newFakeChannel("alice")
	factory := func(ctx context.Context, flags domain.MediaFlags) (ports.Negotiator, error) {
		return nil, errors.New("no camera")
	}
	m := NewManager(channel, factory, Options{}, zap.NewNop().Sugar())

	_, err := m.Call(context.Background(), "bob", domain.MediaFlags{Video: true})
	require.Error(t, err)

	// The slot is not leaked by the failed attempt.
	assert.Nil(t, m.Active())
}

func TestLocalCandidatesForwardedToRemote(t *testing.T) {
	m, channel, neg := newTestManager(t, Options{})

	_, err := m.Call(context.Background(), "bob", domain.MediaFlags{Audio: true})
	require.NoError(t, err)

	neg.onCandidate(domain.ICECandidate{Candidate: "candidate:local-1"})

	env := channel.waitForSent(t, domain.SignalICECandidate)
	assert.Equal(t, domain.PeerID("bob"), env.To)

	var c domain.ICECandidate
	require.NoError(t, json.Unmarshal(env.Data, &c))
	assert.Equal(t, "candidate:local-1", c.Candidate)
}

func TestRemoteStreamEventPublished(t *testing.T) {
	m, _, neg := newTestManager(t, Options{})
	events := m.Events()

	sess, err := m.Call(context.Background(), "bob", domain.MediaFlags{Audio: true, Video: true})
	require.NoError(t, err)

	neg.onStream(remoteStreamStub{"stream-1"})

	ev := waitEvent(t, events, EventRemoteStream)
	assert.Equal(t, sess.ID(), ev.SessionID)
	assert.Equal(t, "stream-1", ev.Stream.ID())
}

func TestQualityEventsPublished(t *testing.T) {
	m, _, neg := newTestManager(t, Options{})
	events := m.Events()

	_, err := m.Call(context.Background(), "bob", domain.MediaFlags{Audio: true})
	require.NoError(t, err)
	neg.onConnected()

	neg.onQuality(domain.CallQualityStats{JitterMs: 12.5})

	ev := waitEvent(t, events, EventQuality)
	assert.Equal(t, 12.5, ev.Quality.JitterMs)
}

type remoteStreamStub struct{ id string }

func (r remoteStreamStub) ID() string { return r.id }
