package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/vartalap-chat/vartalap/pkg/auth"
	"github.com/vartalap-chat/vartalap/pkg/blob"
	"github.com/vartalap-chat/vartalap/pkg/config"
	"github.com/vartalap-chat/vartalap/pkg/hub"
	"github.com/vartalap-chat/vartalap/pkg/presence"
	"github.com/vartalap-chat/vartalap/pkg/store"
)

// Gateway is the single ingress surface: WebSocket upgrades and the REST
// counterpart, both wired to one Hub so fan-out is identical either way.
type Gateway struct {
	hub      *hub.Hub
	store    store.ConversationStore
	verifier *auth.JWTVerifier
	pres     *presence.Tracker
	blobs    blob.Store
	cfg      config.Config
	log      *slog.Logger
}

var validate = validator.New()

func (g *Gateway) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /register", g.register)
	mux.HandleFunc("POST /login", g.login)

	mux.Handle("GET /conversations", g.authed(g.listConversations))
	mux.Handle("POST /conversations", g.authed(g.createConversation))
	mux.Handle("GET /conversations/{id}", g.authed(g.conversationDetail))
	mux.Handle("GET /conversations/{id}/messages", g.authed(g.listMessages))
	mux.Handle("POST /conversations/{id}/messages", g.authed(g.createMessage))
	mux.Handle("POST /conversations/{id}/read", g.authed(g.markRead))
	mux.Handle("POST /conversations/{id}/participants", g.authed(g.addParticipants))
	mux.Handle("DELETE /conversations/{id}/participants", g.authed(g.removeParticipant))
	mux.Handle("GET /conversations/{id}/presence", g.authed(g.conversationPresence))
	mux.Handle("GET /unread_count", g.authed(g.unreadCount))

	mux.HandleFunc("GET /ws/chat/{id}", g.serveChatWS)
	mux.HandleFunc("GET /ws/notifications", g.serveNotificationsWS)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")

		if r.Method == http.MethodOptions {
			return
		}

		next.ServeHTTP(w, r)
	})
}

// bearerToken pulls the credential from the Authorization header, falling
// back to the token query param for WebSocket clients that cannot set
// headers.
func bearerToken(r *http.Request) string {
	token := r.Header.Get("Authorization")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	return strings.TrimPrefix(token, "Bearer ")
}

func (g *Gateway) authed(next func(http.ResponseWriter, *http.Request, auth.Identity)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			httpError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}
		identity, err := g.verifier.Resolve(token)
		if err != nil {
			httpError(w, http.StatusUnauthorized, "Invalid token")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), auth.IdentityKey, identity)), identity)
	})
}

func httpError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// storeError maps the error taxonomy to HTTP statuses.
func storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrValidation):
		httpError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotParticipant), errors.Is(err, store.ErrForbidden):
		httpError(w, http.StatusForbidden, "Forbidden")
	case errors.Is(err, store.ErrNotFound):
		httpError(w, http.StatusNotFound, "Not found")
	default:
		httpError(w, http.StatusInternalServerError, "Internal error")
	}
}
