package ws

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/vacerde/qBridge/internal/service/auth"
)

// Handler upgrades authenticated HTTP requests into hub sessions and pumps
// inbound events.
type Handler struct {
	hub      *Hub
	auth     auth.Service
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler builds the websocket endpoint handler.
func NewHandler(hub *Hub, authSvc auth.Service, logger *slog.Logger) *Handler {
	return &Handler{
		hub:    hub,
		auth:   authSvc,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP authenticates the handshake, upgrades, registers the session,
// and runs the read loop until the peer goes away. Unauthenticated upgrade
// attempts are rejected before the upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	user, _, err := h.auth.Authorize(r.Context(), token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	session := NewSession(conn)
	identity := Identity{UserID: user.ID, Username: user.Username, Email: user.Email}
	h.hub.Register(session, identity)
	h.logger.Info("websocket connected", "user_id", user.ID)

	defer func() {
		h.hub.Disconnect(session)
		session.Close()
		h.logger.Info("websocket disconnected", "user_id", user.ID)
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("websocket read failed", "user_id", user.ID, "error", err)
			}
			return
		}
		h.dispatch(r, session, raw)
	}
}

func (h *Handler) dispatch(r *http.Request, session *Session, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		h.send(session, errorFrame("malformed event"))
		return
	}
	switch env.Type {
	case EventJoinWorkspace:
		if err := h.hub.Join(r.Context(), session, env.WorkspaceID); err != nil {
			h.send(session, errorFrame("cannot join workspace "+env.WorkspaceID))
		}
	case EventLeaveWorkspace:
		h.hub.Leave(session, env.WorkspaceID)
	default:
		h.hub.Relay(session, env.WorkspaceID, env.Type, env.Payload)
	}
}

func (h *Handler) send(session *Session, frame []byte) {
	if err := session.Send(frame); err != nil {
		session.Close()
	}
}

// bearerToken pulls the token from the Authorization header or, for browser
// websocket clients that cannot set headers, the token query parameter.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
