package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vocalglass/voice-gateway/internal/observability"
	"github.com/vocalglass/voice-gateway/internal/stream"
)

const pingMessage = "ping"

// wsConn serializes writes to a WebSocket. gorilla/websocket supports one
// concurrent writer, and both the read loop and the liveness probe write.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu sync.Mutex
}

func newWSConn(conn *websocket.Conn, writeTimeout time.Duration) *wsConn {
	return &wsConn{conn: conn, writeTimeout: writeTimeout}
}

func (c *wsConn) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

// Ping sends the application-level keepalive text frame
func (c *wsConn) Ping() error {
	return c.write(websocket.TextMessage, []byte(pingMessage))
}

// Close releases the socket without a close handshake
func (c *wsConn) Close() error {
	return c.conn.Close()
}

// closeWith sends a close frame with code and reason
func (c *wsConn) closeWith(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	return c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
}

// sessionSink is the outbound side of one session's turns
type sessionSink struct {
	conn    *wsConn
	metrics *observability.Metrics
}

func (s *sessionSink) WriteMessage(msg stream.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.conn.write(websocket.TextMessage, data)
}

func (s *sessionSink) WriteAudio(frame []byte) error {
	if err := s.conn.write(websocket.BinaryMessage, frame); err != nil {
		return err
	}
	s.metrics.RecordFirstAudio()
	s.metrics.RecordAudioFrame(len(frame))
	return nil
}

func (s *sessionSink) CloseWithError(code int, reason string) error {
	return s.conn.closeWith(code, reason)
}
