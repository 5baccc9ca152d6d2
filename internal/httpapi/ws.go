package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"chatdf/backend/internal/apperr"
	appmiddleware "chatdf/backend/internal/middleware"
	"chatdf/backend/internal/wsconn"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsInbound struct {
	Action string `json:"action"`
}

// handleWebsocket upgrades the connection and registers it with the hub.
// Browser WebSocket clients can't set an Authorization header on the
// handshake request, so this route sits outside RequireAuth and instead
// validates the session token passed as a query parameter.
func (a *api) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		appmiddleware.WriteError(w, r, apperr.New(apperr.ErrUnauthorized, "missing token"))
		return
	}
	user, err := a.Auth.ValidateSession(token)
	if err != nil {
		appmiddleware.WriteError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := wsconn.NewClient(a.Hub, conn, user.ID)
	a.Hub.Connect(client)

	go client.WritePump()
	client.ReadPump(func(message []byte) {
		var inbound wsInbound
		if err := json.Unmarshal(message, &inbound); err != nil {
			return
		}
		if inbound.Action == "stop" {
			a.Hub.CancelProcess(user.ID)
		}
	})
}
