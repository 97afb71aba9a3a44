package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/soulseer/backend/internal/logging"
	"github.com/soulseer/backend/internal/realtime"
	"github.com/soulseer/backend/internal/services"
)

const (
	// authTimeout bounds how long an unauthenticated socket may sit idle
	// waiting for its auth frame.
	authTimeout  = 10 * time.Second
	maxFrameSize = 32 * 1024
)

// WSHandler upgrades HTTP connections to WebSocket and pumps inbound frames
// into the realtime gateway. Each connection authenticates either by query
// token or by an auth frame sent first.
type WSHandler struct {
	auth     *services.AuthService
	gateway  *realtime.SessionGateway
	upgrader websocket.Upgrader
}

func NewWSHandler(auth *services.AuthService, gateway *realtime.SessionGateway, allowedOrigins []string) *WSHandler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &WSHandler{
		auth:    auth,
		gateway: gateway,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowed[origin]
			},
		},
	}
}

// Handle is GET /ws.
func (h *WSHandler) Handle(w http.ResponseWriter, r *http.Request) {
	// A query token is validated before the upgrade so bad credentials
	// cost a plain 401, not a socket.
	var userID string
	if token := r.URL.Query().Get("token"); token != "" {
		claims, err := h.auth.ValidateToken(token)
		if err != nil {
			logging.LogSecurityEvent(r.Context(), logging.SecurityEventInvalidJWT, "invalid websocket token")
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		userID = claims.UserID()
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response.
		return
	}
	conn.SetReadLimit(maxFrameSize)

	if userID == "" {
		userID = h.awaitAuth(r, conn)
		if userID == "" {
			conn.Close()
			return
		}
	}

	transport := realtime.NewWebSocketTransport(conn)
	registry := h.gateway.Registry()
	registry.Connect(userID, transport)
	defer registry.DisconnectTransport(userID, transport)

	h.readLoop(r, conn, userID)
}

// awaitAuth reads the first frame, which must be an auth frame with a valid
// token. Returns "" on failure.
func (h *WSHandler) awaitAuth(r *http.Request, conn *websocket.Conn) string {
	conn.SetReadDeadline(time.Now().Add(authTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return ""
	}
	msg, err := realtime.ParseClientMessage(data)
	if err != nil || msg.Type != realtime.TypeAuth {
		h.writeDirect(conn, realtime.Error("authentication required"))
		return ""
	}
	claims, err := h.auth.ValidateToken(msg.Token)
	if err != nil {
		logging.LogSecurityEvent(r.Context(), logging.SecurityEventInvalidJWT, "invalid websocket auth frame")
		h.writeDirect(conn, realtime.Error("invalid token"))
		return ""
	}

	h.writeDirect(conn, realtime.Success("authenticated"))
	return claims.UserID()
}

// readLoop processes inbound frames until the socket errors or closes.
func (h *WSHandler) readLoop(r *http.Request, conn *websocket.Conn, userID string) {
	registry := h.gateway.Registry()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := realtime.ParseClientMessage(data)
		if err != nil {
			registry.Send(userID, realtime.Error(err.Error()))
			continue
		}

		switch msg.Type {
		case realtime.TypePing:
			registry.Send(userID, realtime.Pong())

		case realtime.TypeAuth:
			registry.Send(userID, realtime.Success("already authenticated"))

		case realtime.TypeSubscribe:
			if err := h.gateway.Subscribe(r.Context(), userID, msg.Channel); err != nil {
				logging.LogSecurityEvent(r.Context(), logging.SecurityEventForbiddenChannel, "unauthorized subscribe")
				registry.Send(userID, realtime.Error("not authorized for this channel"))
				continue
			}
			registry.Send(userID, realtime.Success("subscribed"))

		case realtime.TypeUnsubscribe:
			h.gateway.Unsubscribe(userID, msg.Channel)
			registry.Send(userID, realtime.Success("unsubscribed"))

		case realtime.TypePublish:
			if _, err := h.gateway.PublishChat(r.Context(), userID, msg.Channel, msg.Body); err != nil {
				logging.LogSecurityEvent(r.Context(), logging.SecurityEventForbiddenChannel, "unauthorized publish")
				registry.Send(userID, realtime.Error("not authorized for this channel"))
			}
		}
	}
}

// writeDirect writes to a socket not yet registered, before the writer
// goroutine exists.
func (h *WSHandler) writeDirect(conn *websocket.Conn, msg realtime.ServerMessage) {
	data, err := msg.Encode()
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = conn.WriteMessage(websocket.TextMessage, data)
}
