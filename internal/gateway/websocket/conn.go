package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/grahama1970/cc-executor/internal/common/logger"
	"github.com/grahama1970/cc-executor/pkg/jsonrpc"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB

	// Outbound frame buffer per connection
	sendBufferSize = 1024
)

// wsConn wraps one client connection with a single serialized writer, which
// is what keeps JSON-RPC framing intact when the drainer and the request
// handler both produce frames.
type wsConn struct {
	conn   *websocket.Conn
	send   chan []byte
	mu     sync.Mutex
	closed bool
	logger *logger.Logger
}

func newWSConn(conn *websocket.Conn, log *logger.Logger) *wsConn {
	return &wsConn{
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		logger: log,
	}
}

// writePump is the connection's only writer of data frames (other goroutines
// send close frames through WriteControl, which gorilla allows to run
// concurrently with it). It drains the send channel
// until closeSend; a write failure abandons the connection, and the read
// side observes the closure and tears the session down.
func (c *wsConn) writePump() {
	defer func() {
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("failed to close websocket connection", zap.Error(err))
		}
	}()

	for message := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			c.logger.Debug("failed to set write deadline", zap.Error(err))
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			c.logger.Debug("websocket write failed", zap.Error(err))
			return
		}
	}

	// Send channel closed: orderly shutdown.
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// enqueue offers a frame to the writer. Frames are dropped when the
// connection is closed or its buffer is full; the relay queue upstream is
// the layer that accounts for output loss.
func (c *wsConn) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}

	select {
	case c.send <- data:
		return true
	default:
		c.logger.Warn("client send buffer full, dropping frame")
		return false
	}
}

// Notify implements coordinator.Notifier.
func (c *wsConn) Notify(method string, params interface{}) bool {
	notification, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		c.logger.Error("failed to build notification", zap.Error(err))
		return false
	}
	data, err := json.Marshal(notification)
	if err != nil {
		c.logger.Error("failed to marshal notification", zap.Error(err))
		return false
	}
	return c.enqueue(data)
}

// sendResponse serializes a JSON-RPC response onto the writer.
func (c *wsConn) sendResponse(resp *jsonrpc.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("failed to marshal response", zap.Error(err))
		return
	}
	c.enqueue(data)
}

// closeSend stops the writer after pending frames drain. Idempotent.
func (c *wsConn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}
