package call

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scamreportnamibia/popyamobile-sub002/internal/core/domain"
)

func newTestSession(t *testing.T, direction domain.CallDirection) (*Session, *fakeChannel, *fakeNegotiator) {
	t.Helper()

	channel := newFakeChannel("alice")
	neg := newFakeNegotiator()
	bus := NewBus()
	sess := newSession("alice", "bob", direction, domain.MediaFlags{Audio: true, Video: true}, channel, neg, bus, zap.NewNop().Sugar(), nil)
	return sess, channel, neg
}

func TestCandidatesBufferedUntilAnswerApplied(t *testing.T) {
	sess, _, neg := newTestSession(t, domain.DirectionOutgoing)
	require.NoError(t, sess.startOutgoing(context.Background(), "", 0))

	// Remote candidates can outrun the answer; they must wait for it.
	sess.handleCandidate(domain.ICECandidate{Candidate: "candidate:1"})
	sess.handleCandidate(domain.ICECandidate{Candidate: "candidate:2"})
	assert.Empty(t, neg.candidates())

	sess.handleAnswer(domain.SessionDescription{Type: "answer", SDP: "v=0 remote"})

	applied := neg.candidates()
	require.Len(t, applied, 2)
	assert.Equal(t, "candidate:1", applied[0].Candidate)
	assert.Equal(t, "candidate:2", applied[1].Candidate)

	// Once the remote description is set, candidates apply immediately.
	sess.handleCandidate(domain.ICECandidate{Candidate: "candidate:3"})
	assert.Len(t, neg.candidates(), 3)
}

func TestDuplicateAnswerIgnored(t *testing.T) {
	sess, _, neg := newTestSession(t, domain.DirectionOutgoing)
	require.NoError(t, sess.startOutgoing(context.Background(), "", 0))

	sess.handleAnswer(domain.SessionDescription{Type: "answer", SDP: "v=0 first"})
	sess.handleAnswer(domain.SessionDescription{Type: "answer", SDP: "v=0 second"})

	neg.mu.Lock()
	defer neg.mu.Unlock()
	require.NotNil(t, neg.appliedAnswer)
	assert.Equal(t, "v=0 first", neg.appliedAnswer.SDP)
}

func TestMediaTogglesDoNotChangeState(t *testing.T) {
	sess, _, neg := newTestSession(t, domain.DirectionOutgoing)
	require.NoError(t, sess.startOutgoing(context.Background(), "", 0))
	neg.onConnected()
	require.Equal(t, domain.CallStateConnected, sess.State())

	sess.SetAudioEnabled(false)
	sess.SetVideoEnabled(false)
	sess.SetAudioEnabled(true)

	assert.Equal(t, domain.CallStateConnected, sess.State())
	assert.Equal(t, []bool{false, true}, neg.audioEnabled)
	assert.Equal(t, []bool{false}, neg.videoEnabled)

	flags := sess.Flags()
	assert.True(t, flags.Audio)
	assert.False(t, flags.Video)
}

func TestTogglesAfterTerminalIgnored(t *testing.T) {
	sess, _, neg := newTestSession(t, domain.DirectionOutgoing)
	require.NoError(t, sess.startOutgoing(context.Background(), "", 0))

	sess.Hangup()
	sess.SetAudioEnabled(false)

	assert.Empty(t, neg.audioEnabled)
}

func TestCandidatesAfterTerminalDropped(t *testing.T) {
	sess, _, neg := newTestSession(t, domain.DirectionOutgoing)
	require.NoError(t, sess.startOutgoing(context.Background(), "", 0))

	sess.Hangup()
	sess.handleCandidate(domain.ICECandidate{Candidate: "candidate:late"})

	assert.Empty(t, neg.candidates())
}

func TestIncomingStartSendsAnswerAndAppliesEarlyCandidates(t *testing.T) {
	sess, channel, neg := newTestSession(t, domain.DirectionIncoming)

	early := []domain.ICECandidate{{Candidate: "candidate:early"}}
	offer := domain.SessionDescription{Type: "offer", SDP: "v=0 remote-offer"}
	require.NoError(t, sess.startIncoming(context.Background(), offer, early, 0))

	neg.mu.Lock()
	require.NotNil(t, neg.appliedOffer)
	assert.Equal(t, "v=0 remote-offer", neg.appliedOffer.SDP)
	neg.mu.Unlock()

	env := channel.waitForSent(t, domain.SignalAnswer)
	var sd domain.SessionDescription
	require.NoError(t, json.Unmarshal(env.Data, &sd))
	assert.Equal(t, "answer", sd.Type)

	applied := neg.candidates()
	require.Len(t, applied, 1)
	assert.Equal(t, "candidate:early", applied[0].Candidate)
}

func TestRemoteEndedWithoutReasonEndsNormally(t *testing.T) {
	sess, _, _ := newTestSession(t, domain.DirectionOutgoing)
	require.NoError(t, sess.startOutgoing(context.Background(), "", 0))

	sess.handleRemoteEnded(domain.CallEndedDetail{})
	assert.Equal(t, domain.CallStateEnded, sess.State())
}

func TestConnectionLostDuringCall(t *testing.T) {
	sess, _, neg := newTestSession(t, domain.DirectionOutgoing)
	require.NoError(t, sess.startOutgoing(context.Background(), "", 0))
	neg.onConnected()

	sess.handleConnectionLost()

	assert.Equal(t, domain.CallStateError, sess.State())
	assert.True(t, neg.isClosed())
}
