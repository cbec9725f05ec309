package relay

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/PerryB-GIT/sessionforge-sub001/pkg/protocol"
)

// wsConn wraps a WebSocket connection with a bounded outbound queue drained
// by a single writer goroutine. All writes to the socket happen on that
// goroutine, so no write mutex is needed.
type wsConn struct {
	ws     *websocket.Conn
	out    chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger

	pingInterval time.Duration
	pongWait     time.Duration
}

func newWSConn(ws *websocket.Conn, queueSize int, pingInterval, pongWait time.Duration, logger *slog.Logger) *wsConn {
	c := &wsConn{
		ws:           ws,
		out:          make(chan []byte, queueSize),
		done:         make(chan struct{}),
		logger:       logger,
		pingInterval: pingInterval,
		pongWait:     pongWait,
	}
	configureKeepalive(ws, pongWait)
	go c.writeLoop()
	return c
}

// enqueue puts a pre-serialized message on the outbound queue. A full queue
// means the peer is not keeping up; the connection is closed rather than
// letting the queue grow or blocking the caller.
func (c *wsConn) enqueue(data []byte) {
	select {
	case c.out <- data:
	case <-c.done:
	default:
		c.logger.Warn("outbound queue full, closing slow connection")
		c.Close("outbound queue overflow")
	}
}

// send marshals an envelope and enqueues it.
func (c *wsConn) send(msgType string, payload any) {
	env := protocol.Envelope{
		Type:      msgType,
		Timestamp: time.Now(),
		Payload:   payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		c.logger.Error("marshal outbound message", "type", msgType, "error", err)
		return
	}
	c.enqueue(data)
}

// Close shuts the connection down with a close frame carrying the reason.
// It must stay non-blocking: the registry calls it under its lock, and the
// writer may be mid-write, which would make a synchronous WriteControl wait
// out its deadline. The frame is emitted from a separate goroutine instead.
// Safe to call from any goroutine, any number of times; only the first call
// takes effect.
func (c *wsConn) Close(reason string) {
	c.once.Do(func() {
		close(c.done)
		go func() {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
			_ = c.ws.Close()
		}()
	})
}

// writeLoop is the single writer for the socket: it drains the outbound
// queue and emits periodic pings. It exits when the connection closes.
func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case data := <-c.out:
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close("write failed")
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				c.Close("ping failed")
				return
			}
		case <-c.done:
			return
		}
	}
}
