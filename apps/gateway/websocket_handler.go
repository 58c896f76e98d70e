package main

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vartalap-chat/vartalap/pkg/auth"
	"github.com/vartalap-chat/vartalap/pkg/hub"
	"github.com/vartalap-chat/vartalap/pkg/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now
	},
}

// wsIdentity verifies the credential before the upgrade so a refused
// connection allocates nothing.
func (g *Gateway) wsIdentity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return auth.Identity{}, false
	}
	identity, err := g.verifier.Resolve(token)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return auth.Identity{}, false
	}
	return identity, true
}

// serveChatWS upgrades a connection bound to one conversation. The
// participant check happens inside Activate; a session that fails it is
// closed without ever joining a group.
func (g *Gateway) serveChatWS(w http.ResponseWriter, r *http.Request) {
	identity, ok := g.wsIdentity(w, r)
	if !ok {
		return
	}
	convID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "Invalid conversation id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", "err", err)
		return
	}

	s := hub.NewChatSession(conn, identity, convID, g.log)
	if err := g.hub.Activate(r.Context(), s); err != nil {
		g.log.Info("chat session refused", "user", identity.UserID, "conversation", convID, "err", err)
		code, reason := closeReason(err)
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
		conn.Close()
		return
	}

	go s.WritePump()
	// Teardown runs on every exit path, normal or not.
	defer g.hub.Teardown(r.Context(), s)
	s.ReadPump(r.Context(), g.hub)
}

// closeReason maps an activation failure to the close frame the client
// sees: policy violation for refusals, internal error for everything else.
func closeReason(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrNotParticipant):
		return websocket.ClosePolicyViolation, "not a participant"
	case errors.Is(err, store.ErrNotFound):
		return websocket.ClosePolicyViolation, "conversation not found"
	default:
		return websocket.CloseInternalServerErr, "temporarily unavailable"
	}
}

// serveNotificationsWS upgrades a consume-only session subscribed to the
// user's personal group. Identity ownership is the only check.
func (g *Gateway) serveNotificationsWS(w http.ResponseWriter, r *http.Request) {
	identity, ok := g.wsIdentity(w, r)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", "err", err)
		return
	}

	s := hub.NewNotificationSession(conn, identity, g.log)
	if err := g.hub.Activate(r.Context(), s); err != nil {
		conn.Close()
		return
	}

	go s.WritePump()
	defer g.hub.Teardown(r.Context(), s)
	s.ReadPump(r.Context(), g.hub)
}
