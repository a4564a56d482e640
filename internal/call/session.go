package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scamreportnamibia/popyamobile-sub002/internal/core/domain"
	"github.com/scamreportnamibia/popyamobile-sub002/internal/core/ports"
	"github.com/scamreportnamibia/popyamobile-sub002/pkg/utils"
)

// Reason strings carried on terminal state-changed events. The UI relies on
// these to tell a normal end, an unreachable peer and a lost connection
// apart; they are part of the call layer's contract.
const (
	ReasonHangupLocal     = "call ended"
	ReasonHangupRemote    = "call ended by remote"
	ReasonPeerUnreachable = "peer unreachable"
	ReasonPeerBusy        = "peer busy"
	ReasonConnectionLost  = "connection lost"
	ReasonNoAnswer        = "no answer"
	ReasonMediaFailed     = "media negotiation failed"
)

// Session drives one call through idle → connecting → connected →
// ended/error. A session instance is single-use: terminal states end it and
// a new call requires a new session.
type Session struct {
	id         domain.SessionID
	localPeer  domain.PeerID
	remotePeer domain.PeerID
	direction  domain.CallDirection
	remoteName string

	channel ports.SignalChannel
	neg     ports.Negotiator
	bus     *Bus
	logger  *zap.SugaredLogger

	// onTerminal releases the manager's active-session slot exactly once.
	onTerminal func(*Session)

	mu                sync.Mutex
	state             domain.CallState
	flags             domain.MediaFlags
	remoteStream      ports.RemoteStream
	remoteDescSet     bool
	pendingCandidates []domain.ICECandidate
	connectTimer      *time.Timer
}

func newSession(localPeer, remotePeer domain.PeerID, direction domain.CallDirection, flags domain.MediaFlags, channel ports.SignalChannel, neg ports.Negotiator, bus *Bus, logger *zap.SugaredLogger, onTerminal func(*Session)) *Session {
	return &Session{
		id:         domain.SessionID(utils.GenerateSessionID()),
		localPeer:  localPeer,
		remotePeer: remotePeer,
		direction:  direction,
		flags:      flags,
		channel:    channel,
		neg:        neg,
		bus:        bus,
		logger:     logger,
		onTerminal: onTerminal,
		state:      domain.CallStateIdle,
	}
}

func (s *Session) ID() domain.SessionID          { return s.id }
func (s *Session) RemotePeer() domain.PeerID     { return s.remotePeer }
func (s *Session) Direction() domain.CallDirection { return s.direction }

// RemoteName returns the display name carried on the offer, when present.
func (s *Session) RemoteName() string { return s.remoteName }

func (s *Session) State() domain.CallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Flags() domain.MediaFlags {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags
}

// wireNegotiator installs the negotiation callbacks. Trickled local
// candidates go straight to the remote peer through the relay; everything
// else feeds the session's own transitions.
func (s *Session) wireNegotiator() {
	s.neg.OnICECandidate(func(candidate domain.ICECandidate) {
		data, err := json.Marshal(candidate)
		if err != nil {
			s.logger.Warnw("failed to marshal ICE candidate", "session_id", s.id, "error", err)
			return
		}
		env := domain.Envelope{
			Type: domain.SignalICECandidate,
			To:   s.remotePeer,
			Data: data,
		}
		if err := s.channel.Send(env); err != nil {
			s.logger.Warnw("failed to send ICE candidate", "session_id", s.id, "error", err)
		}
	})

	s.neg.OnRemoteStream(func(stream ports.RemoteStream) {
		s.mu.Lock()
		s.remoteStream = stream
		terminal := s.state.Terminal()
		s.mu.Unlock()
		if terminal {
			return
		}
		s.bus.publish(Event{Kind: EventRemoteStream, SessionID: s.id, Stream: stream})
	})

	s.neg.OnConnected(func() {
		s.transition(domain.CallStateConnected, "")
	})

	s.neg.OnFailed(func(err error) {
		s.logger.Warnw("negotiation failed", "session_id", s.id, "error", err)
		s.terminate(domain.CallStateError, ReasonMediaFailed, false)
	})

	s.neg.OnQuality(func(stats domain.CallQualityStats) {
		s.bus.publish(Event{Kind: EventQuality, SessionID: s.id, Quality: stats})
	})
}

// startOutgoing builds and sends the offer. The session enters connecting
// and arms the no-answer timeout.
func (s *Session) startOutgoing(ctx context.Context, displayName string, connectingTimeout time.Duration) error {
	s.wireNegotiator()
	s.transition(domain.CallStateConnecting, "")
	s.armConnectTimer(connectingTimeout)

	offer, err := s.neg.CreateOffer(ctx)
	if err != nil {
		s.terminate(domain.CallStateError, ReasonMediaFailed, false)
		return fmt.Errorf("failed to create offer: %w", err)
	}

	data, err := json.Marshal(offer)
	if err != nil {
		s.terminate(domain.CallStateError, ReasonMediaFailed, false)
		return fmt.Errorf("failed to marshal offer: %w", err)
	}

	env := domain.Envelope{
		Type: domain.SignalOffer,
		To:   s.remotePeer,
		Data: data,
		Name: displayName,
	}
	if err := s.channel.Send(env); err != nil {
		s.terminate(domain.CallStateError, ReasonConnectionLost, false)
		return fmt.Errorf("failed to send offer: %w", err)
	}

	s.logger.Infow("outgoing call started", "session_id", s.id, "remote_peer", s.remotePeer)
	return nil
}

// startIncoming applies the remote offer, sends the answer back and drains
// any candidates that arrived before the session existed.
func (s *Session) startIncoming(ctx context.Context, offer domain.SessionDescription, earlyCandidates []domain.ICECandidate, connectingTimeout time.Duration) error {
	s.wireNegotiator()
	s.transition(domain.CallStateConnecting, "")
	s.armConnectTimer(connectingTimeout)

	answer, err := s.neg.HandleOffer(ctx, offer)
	if err != nil {
		s.terminate(domain.CallStateError, ReasonMediaFailed, false)
		return fmt.Errorf("failed to handle offer: %w", err)
	}

	s.mu.Lock()
	s.remoteDescSet = true
	pending := append(earlyCandidates, s.pendingCandidates...)
	s.pendingCandidates = nil
	s.mu.Unlock()

	for _, candidate := range pending {
		if err := s.neg.AddICECandidate(candidate); err != nil {
			s.logger.Warnw("failed to apply buffered candidate", "session_id", s.id, "error", err)
		}
	}

	data, err := json.Marshal(answer)
	if err != nil {
		s.terminate(domain.CallStateError, ReasonMediaFailed, false)
		return fmt.Errorf("failed to marshal answer: %w", err)
	}

	env := domain.Envelope{
		Type: domain.SignalAnswer,
		To:   s.remotePeer,
		Data: data,
	}
	if err := s.channel.Send(env); err != nil {
		s.terminate(domain.CallStateError, ReasonConnectionLost, false)
		return fmt.Errorf("failed to send answer: %w", err)
	}

	s.logger.Infow("incoming call answered", "session_id", s.id, "remote_peer", s.remotePeer)
	return nil
}

// handleAnswer completes the outgoing handshake and releases any candidates
// buffered while the remote description was missing.
func (s *Session) handleAnswer(answer domain.SessionDescription) {
	s.mu.Lock()
	if s.state != domain.CallStateConnecting || s.direction != domain.DirectionOutgoing || s.remoteDescSet {
		s.mu.Unlock()
		s.logger.Debugw("dropping unexpected answer", "session_id", s.id, "state", s.state)
		return
	}
	s.mu.Unlock()

	if err := s.neg.HandleAnswer(context.Background(), answer); err != nil {
		s.logger.Warnw("failed to apply answer", "session_id", s.id, "error", err)
		s.terminate(domain.CallStateError, ReasonMediaFailed, false)
		return
	}

	s.mu.Lock()
	s.remoteDescSet = true
	pending := s.pendingCandidates
	s.pendingCandidates = nil
	s.mu.Unlock()

	for _, candidate := range pending {
		if err := s.neg.AddICECandidate(candidate); err != nil {
			s.logger.Warnw("failed to apply buffered candidate", "session_id", s.id, "error", err)
		}
	}
}

// handleCandidate applies a remote candidate, buffering it in arrival order
// when the local negotiation is not yet ready to accept candidates.
func (s *Session) handleCandidate(candidate domain.ICECandidate) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	if !s.remoteDescSet {
		s.pendingCandidates = append(s.pendingCandidates, candidate)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := s.neg.AddICECandidate(candidate); err != nil {
		s.logger.Warnw("failed to apply candidate", "session_id", s.id, "error", err)
	}
}

// Hangup ends the call locally: call-ended goes to the remote peer as a
// courtesy, local media is released, the session is done. Idempotent.
func (s *Session) Hangup() {
	s.terminate(domain.CallStateEnded, ReasonHangupLocal, true)
}

// handleRemoteEnded reacts to a call-ended envelope from the remote peer.
func (s *Session) handleRemoteEnded(detail domain.CallEndedDetail) {
	if detail.Reason == domain.CallEndedReasonBusy {
		s.terminate(domain.CallStateError, ReasonPeerBusy, false)
		return
	}
	s.terminate(domain.CallStateEnded, ReasonHangupRemote, false)
}

// handleRoutingError reacts to the relay reporting that the remote peer is
// not registered. Not retried automatically; a retry is a new session.
func (s *Session) handleRoutingError() {
	s.terminate(domain.CallStateError, ReasonPeerUnreachable, false)
}

// handleConnectionLost reacts to the signaling transport dropping while the
// call is in flight. The remote cannot be presumed reachable, so this is
// treated like a remote call-ended, surfaced as an error for the UI.
func (s *Session) handleConnectionLost() {
	s.terminate(domain.CallStateError, ReasonConnectionLost, false)
}

// SetAudioEnabled toggles the local audio flag. No state change, no
// renegotiation; the UI gets an acknowledgement event.
func (s *Session) SetAudioEnabled(enabled bool) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.flags.Audio = enabled
	flags := s.flags
	s.mu.Unlock()

	s.neg.SetAudioEnabled(enabled)
	s.bus.publish(Event{Kind: EventMediaToggled, SessionID: s.id, Flags: flags})
}

// SetVideoEnabled toggles the local video flag, same contract as audio.
func (s *Session) SetVideoEnabled(enabled bool) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.flags.Video = enabled
	flags := s.flags
	s.mu.Unlock()

	s.neg.SetVideoEnabled(enabled)
	s.bus.publish(Event{Kind: EventMediaToggled, SessionID: s.id, Flags: flags})
}

// transition moves to a non-terminal state and notifies subscribers.
// Terminal transitions go through terminate.
func (s *Session) transition(state domain.CallState, reason string) {
	s.mu.Lock()
	if s.state.Terminal() || s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	if state == domain.CallStateConnected {
		s.stopConnectTimerLocked()
	}
	s.mu.Unlock()

	s.logger.Infow("call state changed", "session_id", s.id, "state", state)
	s.bus.publish(Event{Kind: EventStateChanged, SessionID: s.id, State: state, Reason: reason})
}

// terminate performs the one terminal transition of the session: stop
// timers, optionally notify the remote peer, release media, publish exactly
// one terminal state-changed event.
func (s *Session) terminate(state domain.CallState, reason string, notifyRemote bool) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.stopConnectTimerLocked()
	s.pendingCandidates = nil
	s.mu.Unlock()

	if notifyRemote {
		env := domain.Envelope{
			Type: domain.SignalCallEnded,
			To:   s.remotePeer,
		}
		if err := s.channel.Send(env); err != nil {
			s.logger.Debugw("failed to send call-ended", "session_id", s.id, "error", err)
		}
	}

	if err := s.neg.Close(); err != nil {
		s.logger.Debugw("negotiator close failed", "session_id", s.id, "error", err)
	}

	s.logger.Infow("call terminated", "session_id", s.id, "state", state, "reason", reason)
	s.bus.publish(Event{Kind: EventStateChanged, SessionID: s.id, State: state, Reason: reason})

	if s.onTerminal != nil {
		s.onTerminal(s)
	}
}

// armConnectTimer starts the no-answer timeout. A session still connecting
// when it fires moves to error; the timer is cleared by the transition to
// connected and by any terminal transition, so a stale callback can never
// resurrect a finished session.
func (s *Session) armConnectTimer(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectTimer = time.AfterFunc(timeout, func() {
		s.mu.Lock()
		stillConnecting := s.state == domain.CallStateConnecting
		s.mu.Unlock()
		if stillConnecting {
			s.logger.Infow("call timed out waiting for answer", "session_id", s.id)
			s.terminate(domain.CallStateError, ReasonNoAnswer, true)
		}
	})
}

func (s *Session) stopConnectTimerLocked() {
	if s.connectTimer != nil {
		s.connectTimer.Stop()
		s.connectTimer = nil
	}
}
