package realtime

import (
	"time"

	"github.com/gorilla/websocket"
)

// Close codes passed to Transport.Close.
const (
	CloseNormal   = websocket.CloseNormalClosure
	CloseReplaced = websocket.ClosePolicyViolation // superseded by a newer connection
	CloseStale    = websocket.CloseGoingAway       // outbound queue overflow or send failure
)

// Transport is one live delivery endpoint. The registry treats it as opaque;
// the WebSocket read loop stays at the handler boundary.
type Transport interface {
	Send(data []byte) error
	Close(code int) error
}

const writeTimeout = 10 * time.Second

// wsTransport adapts a gorilla WebSocket connection to the Transport
// interface. Send and Close are only ever called from the connection's
// writer goroutine and the registry, which serialize access.
type wsTransport struct {
	conn *websocket.Conn
}

// NewWebSocketTransport wraps an upgraded WebSocket connection.
func NewWebSocketTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Send(data []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close(code int) error {
	deadline := time.Now().Add(time.Second)
	// Best effort close frame; the underlying close matters more.
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""), deadline)
	return t.conn.Close()
}
