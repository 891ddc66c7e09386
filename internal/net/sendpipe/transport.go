package sendpipe

import (
	"sync"

	"github.com/gorilla/websocket"
)

// WebSocketTransport adapts a gorilla/websocket connection to the
// Transport interface. Writes are serialized: gorilla/websocket
// connections do not support concurrent writers.
type WebSocketTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocketTransport wraps an established websocket connection.
func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	return &WebSocketTransport{conn: conn}
}

// Send writes frame as one binary websocket message.
func (t *WebSocketTransport) Send(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteMessage(websocket.BinaryMessage, frame)
}
