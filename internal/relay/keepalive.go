package relay

import (
	"time"

	"github.com/gorilla/websocket"
)

// defaultPingInterval is how often the hub sends WebSocket ping frames.
// The pong wait defaults to twice this.
const defaultPingInterval = 30 * time.Second

// configureKeepalive sets the read deadline and installs a pong handler that
// extends it. A peer that stops answering pings trips the deadline, which
// surfaces as a read error on the connection's read loop and tears the
// connection down through the normal close path.
func configureKeepalive(conn *websocket.Conn, pongWait time.Duration) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}
