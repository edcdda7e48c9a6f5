package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/DivinityQQ/iaq-monitor-server/internal/logging"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512

	// Per-client send buffer; a full buffer marks the client dead
	sendBuffer = 32
)

// Client is one streaming session. Its send channel is written only from
// the broadcast worker and closed only via a close task on that same worker,
// so sends and close never race.
type Client struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

func newClient(id string, conn *websocket.Conn) *Client {
	return &Client{
		id:   id,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
}

// ID returns the socket identifier (remote address).
func (c *Client) ID() string { return c.id }

// enqueue offers a frame without blocking. false means the client cannot
// keep up and should be treated as dead.
func (c *Client) enqueue(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// close shuts the send channel, which makes writePump send a close frame
// and tear the connection down.
func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.send) })
}

// writePump drains the send channel onto the socket and emits the periodic
// liveness pings. One writePump per connection; it owns all writes.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes inbound frames (clients send nothing we act on) and
// keeps the liveness timestamp fresh on every pong reply.
func (c *Client) readPump(touch func(id string), disconnect func(*Client)) {
	defer disconnect(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		touch(c.id)
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debug("Session read error", zap.String("socket_id", c.id), zap.Error(err))
			}
			return
		}
	}
}
