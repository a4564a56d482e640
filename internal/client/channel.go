package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/scamreportnamibia/popyamobile-sub002/internal/core/domain"
	"github.com/scamreportnamibia/popyamobile-sub002/pkg/retry"
)

// Options tune the channel's connect and reconnect behaviour.
type Options struct {
	ConnectTimeout time.Duration
	Reconnect      retry.Config
	Header         http.Header // extra headers on the upgrade request (auth token)
}

// DefaultOptions matches the platform's signaling defaults.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout: 10 * time.Second,
		Reconnect:      retry.DefaultConfig(),
	}
}

// Channel is the client side of the signaling relay: a durable WebSocket
// connection that hides transient disconnects from the call session machine.
// Envelopes sent while disconnected are queued and flushed in order on
// reconnection. One handler per envelope type; a later On call for the same
// type replaces the earlier handler.
type Channel struct {
	url    string
	opts   Options
	logger *zap.SugaredLogger

	mu        sync.Mutex
	ws        *websocket.Conn
	state     domain.ConnState
	peerID    domain.PeerID
	queue     []domain.Envelope
	handlers  map[domain.SignalType]func(domain.Envelope)
	stateSubs []chan domain.ConnState
	ackCh     chan domain.RegisterAck
	closed    bool

	reconnectCancel context.CancelFunc
}

func NewChannel(url string, opts Options, logger *zap.SugaredLogger) *Channel {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	return &Channel{
		url:      url,
		opts:     opts,
		logger:   logger,
		state:    domain.ConnStateDisconnected,
		handlers: make(map[domain.SignalType]func(domain.Envelope)),
	}
}

// Connect dials the relay, registers peerID (empty for a server-assigned id)
// and returns once the registration confirmation arrives or the bounded
// timeout elapses. A fresh Connect is also how callers recover from the
// terminal failed state.
func (c *Channel) Connect(ctx context.Context, peerID domain.PeerID) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrChannelClosed
	}
	if c.state == domain.ConnStateConnected || c.state == domain.ConnStateConnecting {
		c.mu.Unlock()
		return fmt.Errorf("already %s", c.state)
	}
	c.peerID = peerID
	c.setStateLocked(domain.ConnStateConnecting)
	c.mu.Unlock()

	if err := c.dialAndRegister(ctx); err != nil {
		c.mu.Lock()
		c.setStateLocked(domain.ConnStateDisconnected)
		c.mu.Unlock()
		return err
	}
	return nil
}

// dialAndRegister performs one connection attempt: dial, send register, wait
// for the confirmation. On success the channel is connected and the offline
// queue is flushed in original order.
func (c *Channel) dialAndRegister(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: c.opts.ConnectTimeout}
	ws, _, err := dialer.DialContext(dialCtx, c.url, c.opts.Header)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	ackCh := make(chan domain.RegisterAck, 1)
	c.mu.Lock()
	c.ws = ws
	c.ackCh = ackCh
	reg := domain.Envelope{Type: domain.SignalRegister, From: c.peerID}
	err = c.writeLocked(reg)
	c.mu.Unlock()
	if err != nil {
		ws.Close()
		return fmt.Errorf("failed to send register: %w", err)
	}

	go c.readLoop(ws)

	// Detach the socket before closing on failure so its reader unwinds
	// without starting a second reconnect loop.
	abandon := func() {
		c.mu.Lock()
		if c.ws == ws {
			c.ws = nil
		}
		c.mu.Unlock()
		ws.Close()
	}

	select {
	case ack := <-ackCh:
		c.mu.Lock()
		c.peerID = ack.UserID
		c.flushQueueLocked()
		c.setStateLocked(domain.ConnStateConnected)
		c.mu.Unlock()
		c.logger.Infow("signaling channel registered", "peer_id", ack.UserID)
		return nil

	case <-time.After(c.opts.ConnectTimeout):
		abandon()
		return domain.ErrConnectTimeout

	case <-ctx.Done():
		abandon()
		return ctx.Err()
	}
}

// Send writes the envelope immediately when connected. While the channel is
// reconnecting the envelope joins an in-memory queue flushed in order once
// the connection is back. Sends on a failed or closed channel error out:
// signaling delivered minutes late is useless, so callers abandon the call
// instead.
func (c *Channel) Send(env domain.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return domain.ErrChannelClosed
	}

	switch c.state {
	case domain.ConnStateConnected:
		if env.From == "" {
			env.From = c.peerID
		}
		return c.writeLocked(env)

	case domain.ConnStateConnecting, domain.ConnStateDisconnected:
		if env.From == "" {
			env.From = c.peerID
		}
		c.queue = append(c.queue, env)
		return nil

	default: // failed
		return domain.ErrChannelFailed
	}
}

// On registers the handler for one envelope type, replacing any earlier
// handler for that type.
func (c *Channel) On(t domain.SignalType, handler func(domain.Envelope)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[t] = handler
}

func (c *Channel) PeerID() domain.PeerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

func (c *Channel) State() domain.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StateChanges returns a subscription for connection-state transitions.
// Slow subscribers miss intermediate states rather than blocking the channel.
func (c *Channel) StateChanges() <-chan domain.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan domain.ConnState, 8)
	c.stateSubs = append(c.stateSubs, ch)
	return ch
}

// Close shuts the channel down for good. Pending reconnects are cancelled;
// queued envelopes are discarded.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.reconnectCancel != nil {
		c.reconnectCancel()
	}
	ws := c.ws
	c.ws = nil
	c.queue = nil
	c.setStateLocked(domain.ConnStateDisconnected)
	c.mu.Unlock()

	if ws != nil {
		return ws.Close()
	}
	return nil
}

// readLoop reads envelopes until the connection drops, dispatching each to
// the registered handler for its type. A drop on anything but a deliberate
// Close triggers the reconnect loop.
func (c *Channel) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.handleDisconnect(ws, err)
			return
		}

		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warnw("discarding malformed envelope", "error", err)
			continue
		}

		if env.Type == domain.SignalRegister {
			var ack domain.RegisterAck
			if err := json.Unmarshal(env.Data, &ack); err != nil {
				c.logger.Warnw("malformed register confirmation", "error", err)
				continue
			}
			c.mu.Lock()
			ackCh := c.ackCh
			c.ackCh = nil
			c.mu.Unlock()
			if ackCh != nil {
				ackCh <- ack
			}
			continue
		}

		c.mu.Lock()
		handler := c.handlers[env.Type]
		c.mu.Unlock()

		if handler != nil {
			handler(env)
		} else {
			c.logger.Debugw("no handler for envelope type", "type", env.Type)
		}
	}
}

// handleDisconnect reacts to an unexpected transport loss: surface
// disconnected, then retry with exponential backoff up to the attempt budget.
// Exhaustion surfaces the terminal failed state and stops; a fresh Connect
// call is required after that.
func (c *Channel) handleDisconnect(ws *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.closed || c.ws != ws {
		// Deliberate close, or an older connection's reader unwinding after
		// a successful reconnect.
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.setStateLocked(domain.ConnStateDisconnected)

	ctx, cancel := context.WithCancel(context.Background())
	c.reconnectCancel = cancel
	c.mu.Unlock()

	c.logger.Warnw("signaling channel lost, reconnecting", "error", cause)

	err := retry.Do(ctx, c.opts.Reconnect,
		func() error {
			return c.dialAndRegister(ctx)
		},
		func(attempt int, err error) {
			c.logger.Infow("reconnect attempt failed", "attempt", attempt+1, "error", err)
		},
	)
	if err != nil {
		c.mu.Lock()
		if !c.closed {
			c.setStateLocked(domain.ConnStateFailed)
		}
		c.mu.Unlock()
		c.logger.Errorw("signaling channel failed", "error", err)
	}
}

// flushQueueLocked drains the offline queue onto the fresh connection in the
// exact order the envelopes were enqueued.
func (c *Channel) flushQueueLocked() {
	if len(c.queue) == 0 {
		return
	}
	pending := c.queue
	c.queue = nil
	for _, env := range pending {
		if err := c.writeLocked(env); err != nil {
			c.logger.Warnw("failed to flush queued envelope", "type", env.Type, "error", err)
			return
		}
	}
	c.logger.Debugw("flushed offline queue", "count", len(pending))
}

func (c *Channel) writeLocked(env domain.Envelope) error {
	if c.ws == nil {
		return domain.ErrChannelClosed
	}
	return c.ws.WriteJSON(env)
}

func (c *Channel) setStateLocked(state domain.ConnState) {
	if c.state == state {
		return
	}
	c.state = state
	for _, sub := range c.stateSubs {
		select {
		case sub <- state:
		default:
		}
	}
}
