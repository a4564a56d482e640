package relay

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/scamreportnamibia/popyamobile-sub002/internal/core/domain"
)

const sendBufferSize = 256

// peerConn wraps one WebSocket connection. All writes go through the send
// channel and are drained by a single writePump goroutine, so envelopes
// forwarded from different senders never interleave mid-frame and writes from
// the same sender keep their order.
type peerConn struct {
	ws   *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	pingInterval time.Duration
	writeTimeout time.Duration
}

func newPeerConn(ws *websocket.Conn, pingInterval, writeTimeout time.Duration) *peerConn {
	return &peerConn{
		ws:           ws,
		send:         make(chan []byte, sendBufferSize),
		closed:       make(chan struct{}),
		pingInterval: pingInterval,
		writeTimeout: writeTimeout,
	}
}

// WriteEnvelope queues the envelope for delivery. It fails when the
// connection is closed or the peer is reading too slowly to keep up; the
// caller reports that back to the sending peer.
func (c *peerConn) WriteEnvelope(env domain.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	select {
	case <-c.closed:
		return fmt.Errorf("connection closed")
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return fmt.Errorf("connection closed")
	default:
		return fmt.Errorf("send buffer full")
	}
}

func (c *peerConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	return c.ws.Close()
}

// writePump drains the send channel onto the socket and keeps the connection
// alive with pings. It owns all writes to the underlying conn.
func (c *peerConn) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closed:
			return
		}
	}
}
