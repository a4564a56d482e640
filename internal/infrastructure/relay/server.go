package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/scamreportnamibia/popyamobile-sub002/internal/core/domain"
	"github.com/scamreportnamibia/popyamobile-sub002/internal/core/ports"
	"github.com/scamreportnamibia/popyamobile-sub002/internal/infrastructure/monitoring"
	plog "github.com/scamreportnamibia/popyamobile-sub002/pkg/logger"
	"github.com/scamreportnamibia/popyamobile-sub002/pkg/tracing"
	"github.com/scamreportnamibia/popyamobile-sub002/pkg/utils"
	"github.com/scamreportnamibia/popyamobile-sub002/pkg/validation"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled upstream by middleware.
		return true
	},
}

// Options tune the relay's connection handling.
type Options struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration

	// Rate limiting per connection; zero values disable it.
	MessagesPerSecond float64
	Burst             int
	MaxMessageSize    int64
}

// Server routes signaling envelopes between registered peers. It understands
// addressing, not call semantics: payloads are forwarded verbatim.
type Server struct {
	registry ports.Registry
	presence ports.PresenceStore // nil when presence mirroring is disabled
	metrics  *monitoring.Collector
	opts     Options
	logger   *zap.SugaredLogger
	ctxLog   *plog.ContextLogger
}

func NewServer(registry ports.Registry, presence ports.PresenceStore, metrics *monitoring.Collector, opts Options, logger *zap.SugaredLogger) *Server {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = 60 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &Server{
		registry: registry,
		presence: presence,
		metrics:  metrics,
		opts:     opts,
		logger:   logger,
		ctxLog:   plog.NewContextLogger(logger.Desugar()),
	}
}

// connState is the per-connection protocol state.
type connState int

const (
	stateUnregistered connState = iota
	stateRegistered
	stateClosed
)

// HandleWebSocket upgrades the request and services the connection until it
// closes. One goroutine reads and handles envelopes; a second one owns all
// writes. Servicing one connection never blocks another.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	s.metrics.ConnectionAccepted()

	conn := newPeerConn(ws, s.opts.PingInterval, s.opts.WriteTimeout)
	go conn.writePump()

	var limiter *rate.Limiter
	if s.opts.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.opts.MessagesPerSecond), s.opts.Burst)
	}
	if s.opts.MaxMessageSize > 0 {
		ws.SetReadLimit(s.opts.MaxMessageSize)
	}

	ws.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
		return nil
	})

	state := stateUnregistered
	var peerID domain.PeerID

	defer func() {
		conn.Close()
		// Only clean up when this connection still owns the binding: a
		// stale handle closed after a re-registration must not take the
		// new connection's presence down with it.
		if state == stateRegistered && s.registry.Unregister(peerID, conn) {
			s.metrics.PeerUnregistered()
			s.markOffline(peerID)
			s.logger.Infow("peer disconnected", "peer_id", peerID, "registered_peers", s.registry.Len())
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Infow("read error", "peer_id", peerID, "error", err)
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))

		if limiter != nil && !limiter.Allow() {
			s.replyError(conn, "rate limit exceeded")
			continue
		}

		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			// Parse failure is recoverable: reply to the sender, keep the
			// connection open, relay nothing.
			s.replyError(conn, "invalid envelope")
			s.metrics.RoutingError("parse")
			continue
		}

		switch {
		case env.Type == domain.SignalRegister:
			resolved, err := s.handleRegister(conn, env, peerID, state)
			if err != nil {
				s.replyError(conn, err.Error())
				s.metrics.RoutingError("register")
				continue
			}
			peerID = resolved
			state = stateRegistered

		case env.Type.IsPeerToPeer():
			if state != stateRegistered {
				s.replyError(conn, domain.ErrNotRegistered.Error())
				s.metrics.RoutingError("unregistered")
				continue
			}
			s.handleForward(conn, peerID, env)

		case env.Type == domain.SignalError:
			// Clients may surface local errors; nothing to route.
			s.logger.Debugw("error envelope from client", "peer_id", peerID, "data", string(env.Data))

		default:
			s.replyError(conn, domain.ErrUnknownSignalType.Error())
			s.metrics.RoutingError("unknown_type")
		}
	}
}

// handleRegister resolves the peer id (supplied or generated), binds the
// connection in the registry and confirms back to the sender.
func (s *Server) handleRegister(conn *peerConn, env domain.Envelope, current domain.PeerID, state connState) (domain.PeerID, error) {
	peerID := env.From
	if peerID == "" && len(env.Data) > 0 {
		var req domain.RegisterRequest
		if err := json.Unmarshal(env.Data, &req); err == nil {
			peerID = req.UserID
		}
	}
	if peerID == "" {
		peerID = domain.PeerID(utils.GeneratePeerID())
	}

	if err := validation.ValidatePeerID(string(peerID)); err != nil {
		return "", err
	}

	if state == stateRegistered && current != peerID {
		// Re-register under a new id: release the old binding first.
		if s.registry.Unregister(current, conn) {
			s.metrics.PeerUnregistered()
			s.markOffline(current)
		}
	}

	previous, replaced := s.registry.Register(peerID, conn)
	if replaced && previous != conn {
		// The old transport is stale; close it so its read loop ends. Its
		// deferred unregister is a no-op because the registry entry now
		// points at this connection.
		previous.Close()
		s.logger.Infow("closed stale connection for re-registering peer", "peer_id", peerID)
	}
	if !replaced {
		s.metrics.PeerRegistered()
	}

	s.markOnline(peerID)

	// Confirmation is the only fatal write on this path: without it the
	// client cannot consider itself registered.
	if err := conn.WriteEnvelope(domain.NewRegisterAckEnvelope(peerID)); err != nil {
		return "", err
	}

	s.logger.Infow("peer registered", "peer_id", peerID, "replaced", replaced, "registered_peers", s.registry.Len())
	return peerID, nil
}

// handleForward routes a peer-to-peer envelope to its destination, or reports
// the failure back to the sender. Never fatal to the relay.
func (s *Server) handleForward(conn *peerConn, from domain.PeerID, env domain.Envelope) {
	start := time.Now()
	ctx := plog.WithPeerID(context.Background(), string(from))
	ctx, span := tracing.StartSpan(ctx, "relay.forward")
	defer span.End()
	tracing.AddSpanAttributes(ctx,
		attribute.String("signal.type", string(env.Type)),
		attribute.String("signal.from", string(from)),
		attribute.String("signal.to", string(env.To)),
	)

	if env.From == "" {
		env.From = from
	} else if env.From != from {
		s.replyError(conn, "from does not match registered peer id")
		s.metrics.RoutingError("from_mismatch")
		return
	}

	if env.To == "" {
		s.replyError(conn, domain.ErrMissingDestination.Error())
		s.metrics.RoutingError("missing_destination")
		return
	}

	target, ok := s.registry.Lookup(env.To)
	if !ok {
		// Peer offline is a normal outcome; the sender's session machine
		// turns this into "peer unreachable".
		s.replyError(conn, domain.ErrPeerNotFound.Error())
		s.metrics.RoutingError("recipient_not_found")
		tracing.RecordError(ctx, domain.ErrPeerNotFound)
		s.logger.Infow("recipient not found", "from", from, "to", env.To, "type", env.Type)
		return
	}

	if err := target.WriteEnvelope(env); err != nil {
		s.replyError(conn, "failed to deliver to recipient")
		s.metrics.RoutingError("forward_failed")
		tracing.RecordError(ctx, err)
		s.logger.Warnw("forward failed", "from", from, "to", env.To, "type", env.Type, "error", err)
		return
	}

	s.metrics.EnvelopeRouted(string(env.Type))
	s.metrics.ObserveForwardDuration(time.Since(start).Seconds())
	s.ctxLog.WithContext(ctx).Debug("envelope routed",
		zap.String("to", string(env.To)),
		zap.String("type", string(env.Type)),
	)
}

func (s *Server) replyError(conn *peerConn, message string) {
	if err := conn.WriteEnvelope(domain.NewErrorEnvelope(message)); err != nil {
		s.logger.Debugw("failed to send error reply", "error", err)
	}
}

func (s *Server) markOnline(peerID domain.PeerID) {
	if s.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.presence.MarkOnline(ctx, peerID); err != nil {
		s.logger.Warnw("presence mark online failed", "peer_id", peerID, "error", err)
	}
}

func (s *Server) markOffline(peerID domain.PeerID) {
	if s.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.presence.MarkOffline(ctx, peerID); err != nil {
		s.logger.Warnw("presence mark offline failed", "peer_id", peerID, "error", err)
	}
}

// Shutdown closes every registered connection. In-flight handlers unwind via
// their read loops.
func (s *Server) Shutdown(ctx context.Context) error {
	for _, id := range s.registry.Peers() {
		if conn, ok := s.registry.Lookup(id); ok {
			conn.Close()
		}
	}

	deadline := time.After(100 * time.Millisecond)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-deadline:
		return nil
	}
}
