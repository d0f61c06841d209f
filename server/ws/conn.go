package ws

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const maxMessageSize = 64 << 10

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The companion serves local clients only.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsConn adapts a gorilla connection to Conn.
type wsConn struct {
	c *websocket.Conn
}

func (w wsConn) WriteText(frame []byte, timeout time.Duration) error {
	if timeout > 0 {
		if err := w.c.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	return w.c.WriteMessage(websocket.TextMessage, frame)
}

func (w wsConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = w.c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return w.c.Close()
}

// ServeHTTP upgrades the request to a WebSocket, registers the session, and
// echoes every text message back to its sender until the client leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		h.logger.Debug("websocket upgrade", slog.Any("err", err))
		return
	}
	s, err := h.Register(wsConn{c: c})
	if err != nil {
		_ = c.Close()
		return
	}
	defer h.Unregister(s)

	c.SetReadLimit(maxMessageSize)
	for {
		kind, msg, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read", slog.String("session_id", s.id), slog.Any("err", err))
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		s.Send(echoFrame(s.id, string(msg)))
	}
}
