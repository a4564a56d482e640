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
	apperrors "github.com/scamreportnamibia/popyamobile-sub002/pkg/errors"
	"github.com/scamreportnamibia/popyamobile-sub002/pkg/validation"
)

// Options tune call behaviour for every session the manager creates.
type Options struct {
	// ConnectingTimeout bounds how long a session may stay in connecting
	// before it errors out as "no answer".
	ConnectingTimeout time.Duration

	// DisplayName is carried on outgoing offers.
	DisplayName string
}

// Manager owns the single active call session for one local peer. It routes
// inbound envelopes from the signaling channel to the active session,
// enforces the at-most-one-session policy by answering concurrent offers
// with a busy signal, and ends the active call when the channel reports the
// transport gone.
type Manager struct {
	channel ports.SignalChannel
	factory ports.NegotiatorFactory
	opts    Options
	bus     *Bus
	logger  *zap.SugaredLogger

	mu       sync.Mutex
	active   *Session
	pending  *Incoming
	reserved bool // a Call is acquiring media; offers arriving now are busy too
}

func NewManager(channel ports.SignalChannel, factory ports.NegotiatorFactory, opts Options, logger *zap.SugaredLogger) *Manager {
	m := &Manager{
		channel: channel,
		factory: factory,
		opts:    opts,
		bus:     NewBus(),
		logger:  logger,
	}

	channel.On(domain.SignalOffer, m.handleOffer)
	channel.On(domain.SignalAnswer, m.handleAnswer)
	channel.On(domain.SignalICECandidate, m.handleCandidate)
	channel.On(domain.SignalCallEnded, m.handleCallEnded)
	channel.On(domain.SignalError, m.handleRelayError)

	go m.watchChannel(channel.StateChanges())

	return m
}

// Events returns a subscription for the call layer's UI-facing events.
func (m *Manager) Events() <-chan Event {
	return m.bus.Subscribe()
}

// Active returns the current session, or nil.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Call starts an outgoing call to remotePeer with the requested capability
// flags. Only one session may be active per local peer; a second Call while
// one is in flight fails immediately.
func (m *Manager) Call(ctx context.Context, remotePeer domain.PeerID, flags domain.MediaFlags) (*Session, error) {
	if err := validation.ValidatePeerID(string(remotePeer)); err != nil {
		return nil, apperrors.NewProtocolError(err.Error())
	}
	if err := validation.ValidateDisplayName(m.opts.DisplayName); err != nil {
		return nil, apperrors.NewProtocolError(err.Error())
	}

	m.mu.Lock()
	if m.active != nil || m.pending != nil || m.reserved {
		m.mu.Unlock()
		return nil, domain.ErrSessionActive
	}
	m.reserved = true
	m.mu.Unlock()

	neg, err := m.factory(ctx, flags)
	if err != nil {
		m.mu.Lock()
		m.reserved = false
		m.mu.Unlock()
		return nil, apperrors.NewNegotiationError(err, "failed to acquire local media")
	}

	sess := newSession(m.channel.PeerID(), remotePeer, domain.DirectionOutgoing, flags, m.channel, neg, m.bus, m.logger, m.releaseSession)

	m.mu.Lock()
	m.reserved = false
	m.active = sess
	m.mu.Unlock()

	if err := sess.startOutgoing(ctx, m.opts.DisplayName, m.opts.ConnectingTimeout); err != nil {
		return nil, err
	}
	return sess, nil
}

func (m *Manager) releaseSession(s *Session) {
	m.mu.Lock()
	if m.active == s {
		m.active = nil
	}
	m.mu.Unlock()
}

// handleOffer either surfaces an incoming call or, when a session is already
// active, rejects the new caller with a busy signal without disturbing the
// active session.
func (m *Manager) handleOffer(env domain.Envelope) {
	if env.From == "" {
		m.logger.Warnw("offer without sender, dropping")
		return
	}

	var offer domain.SessionDescription
	if err := json.Unmarshal(env.Data, &offer); err != nil {
		m.logger.Warnw("malformed offer payload", "from", env.From, "error", err)
		return
	}
	if err := validation.ValidateSDP(offer.SDP); err != nil {
		m.logger.Warnw("dropping offer with invalid SDP", "from", env.From, "error", err)
		return
	}

	m.mu.Lock()
	busy := m.active != nil || m.pending != nil || m.reserved
	if busy {
		m.mu.Unlock()
		m.logger.Infow("rejecting offer while busy", "from", env.From)
		m.sendCallEnded(env.From, domain.CallEndedReasonBusy)
		return
	}
	incoming := &Incoming{
		manager:     m,
		From:        env.From,
		DisplayName: env.Name,
		offer:       offer,
	}
	m.pending = incoming
	m.mu.Unlock()

	m.logger.Infow("incoming call", "from", env.From, "display_name", env.Name)
	m.bus.publish(Event{Kind: EventIncomingCall, Incoming: incoming})
}

func (m *Manager) handleAnswer(env domain.Envelope) {
	sess := m.Active()
	if sess == nil || env.From != sess.RemotePeer() {
		m.logger.Debugw("dropping answer with no matching session", "from", env.From)
		return
	}

	var answer domain.SessionDescription
	if err := json.Unmarshal(env.Data, &answer); err != nil {
		m.logger.Warnw("malformed answer payload", "from", env.From, "error", err)
		return
	}
	sess.handleAnswer(answer)
}

func (m *Manager) handleCandidate(env domain.Envelope) {
	var candidate domain.ICECandidate
	if err := json.Unmarshal(env.Data, &candidate); err != nil {
		m.logger.Warnw("malformed candidate payload", "from", env.From, "error", err)
		return
	}

	m.mu.Lock()
	pending := m.pending
	active := m.active
	m.mu.Unlock()

	// Candidates may arrive before the offer is accepted; they are buffered
	// on the pending call and applied in arrival order once it starts.
	if pending != nil && env.From == pending.From {
		pending.addCandidate(candidate)
		return
	}
	if active != nil && env.From == active.RemotePeer() {
		active.handleCandidate(candidate)
		return
	}
	m.logger.Debugw("dropping candidate with no matching session", "from", env.From)
}

func (m *Manager) handleCallEnded(env domain.Envelope) {
	var detail domain.CallEndedDetail
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &detail); err != nil {
			m.logger.Debugw("malformed call-ended payload", "from", env.From, "error", err)
		}
	}

	m.mu.Lock()
	pending := m.pending
	active := m.active
	m.mu.Unlock()

	if pending != nil && env.From == pending.From {
		m.cancelPending(pending)
		return
	}
	if active != nil && env.From == active.RemotePeer() {
		active.handleRemoteEnded(detail)
		return
	}
	m.logger.Debugw("dropping call-ended with no matching session", "from", env.From)
}

// handleRelayError maps relay error replies onto the active session. A
// "recipient not found" during a call means the remote peer is unreachable.
func (m *Manager) handleRelayError(env domain.Envelope) {
	var detail domain.ErrorDetail
	if err := json.Unmarshal(env.Data, &detail); err != nil {
		m.logger.Warnw("malformed error payload", "error", err)
		return
	}

	sess := m.Active()
	if sess != nil && detail.Message == domain.ErrPeerNotFound.Error() {
		m.logger.Infow("relay reported recipient not found", "session_id", sess.ID())
		sess.handleRoutingError()
		return
	}
	m.logger.Warnw("relay error", "message", detail.Message)
}

// watchChannel ends the active call when the signaling transport drops. The
// remote peer cannot be presumed reachable across a drop, so an in-flight
// session is treated as if the remote had hung up, surfaced to the UI as
// "connection lost".
func (m *Manager) watchChannel(states <-chan domain.ConnState) {
	for state := range states {
		if state != domain.ConnStateDisconnected && state != domain.ConnStateFailed {
			continue
		}

		m.mu.Lock()
		pending := m.pending
		active := m.active
		m.mu.Unlock()

		if pending != nil {
			m.cancelPending(pending)
		}
		if active != nil {
			active.handleConnectionLost()
		}
	}
}

func (m *Manager) cancelPending(in *Incoming) {
	m.mu.Lock()
	if m.pending == in {
		m.pending = nil
	}
	m.mu.Unlock()

	in.markResolved()
	m.logger.Infow("incoming call cancelled", "from", in.From)
	m.bus.publish(Event{Kind: EventIncomingCancelled, Incoming: in})
}

func (m *Manager) sendCallEnded(to domain.PeerID, reason string) {
	var data json.RawMessage
	if reason != "" {
		data, _ = json.Marshal(domain.CallEndedDetail{Reason: reason})
	}
	env := domain.Envelope{
		Type: domain.SignalCallEnded,
		To:   to,
		Data: data,
	}
	if err := m.channel.Send(env); err != nil {
		m.logger.Debugw("failed to send call-ended", "to", to, "error", err)
	}
}

// Incoming is a ringing inbound call awaiting a decision. Accept answers it
// and returns the session; Reject tells the caller the call was declined.
type Incoming struct {
	manager     *Manager
	From        domain.PeerID
	DisplayName string

	offer domain.SessionDescription

	mu         sync.Mutex
	resolved   bool
	candidates []domain.ICECandidate
}

func (in *Incoming) addCandidate(candidate domain.ICECandidate) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.resolved {
		in.candidates = append(in.candidates, candidate)
	}
}

func (in *Incoming) markResolved() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.resolved = true
}

// Accept acquires local media for the requested flags, answers the offer and
// returns the now-active session.
func (in *Incoming) Accept(ctx context.Context, flags domain.MediaFlags) (*Session, error) {
	m := in.manager

	in.mu.Lock()
	if in.resolved {
		in.mu.Unlock()
		return nil, domain.ErrSessionTerminated
	}
	in.resolved = true
	early := in.candidates
	in.candidates = nil
	in.mu.Unlock()

	neg, err := m.factory(ctx, flags)
	if err != nil {
		m.mu.Lock()
		if m.pending == in {
			m.pending = nil
		}
		m.mu.Unlock()
		// The caller is still ringing; tell them the call cannot proceed.
		m.sendCallEnded(in.From, "")
		return nil, apperrors.NewNegotiationError(err, "failed to acquire local media")
	}

	sess := newSession(m.channel.PeerID(), in.From, domain.DirectionIncoming, flags, m.channel, neg, m.bus, m.logger, m.releaseSession)
	sess.remoteName = in.DisplayName

	m.mu.Lock()
	if m.pending == in {
		m.pending = nil
	}
	m.active = sess
	m.mu.Unlock()

	if err := sess.startIncoming(ctx, in.offer, early, m.opts.ConnectingTimeout); err != nil {
		return nil, fmt.Errorf("failed to answer call: %w", err)
	}
	return sess, nil
}

// Reject declines the ringing call. The caller receives call-ended.
func (in *Incoming) Reject() {
	m := in.manager

	in.mu.Lock()
	if in.resolved {
		in.mu.Unlock()
		return
	}
	in.resolved = true
	in.mu.Unlock()

	m.mu.Lock()
	if m.pending == in {
		m.pending = nil
	}
	m.mu.Unlock()

	m.sendCallEnded(in.From, "")
	m.logger.Infow("incoming call rejected", "from", in.From)
}
