package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/vartalap-chat/vartalap/pkg/auth"
)

type MarkReadRequest struct {
	MessageIDs []uuid.UUID `json:"message_ids" validate:"required,min=1"`
}

func (g *Gateway) markRead(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	convID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpError(w, http.StatusBadRequest, "Invalid conversation id")
		return
	}
	var req MarkReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := validate.Struct(&req); err != nil {
		httpError(w, http.StatusBadRequest, "message_ids is required")
		return
	}

	created, err := g.hub.MarkRead(r.Context(), identity, convID, req.MessageIDs, time.Now().UTC())
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"marked_read": len(created)})
}
