package main

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/vartalap-chat/vartalap/pkg/auth"
	"github.com/vartalap-chat/vartalap/pkg/hub"
)

func (g *Gateway) conversationPresence(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	convID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpError(w, http.StatusBadRequest, "Invalid conversation id")
		return
	}
	if _, err := g.store.GetConversationIfParticipant(r.Context(), convID, identity.UserID); err != nil {
		storeError(w, err)
		return
	}

	var online []string
	if g.pres != nil {
		members, err := g.pres.OnlineMembers(r.Context(), hub.ChatGroup(convID))
		if err != nil {
			g.log.Warn("presence lookup failed", "conversation", convID, "err", err)
		} else {
			online = members
		}
	}
	if online == nil {
		// Without Redis the in-process registry is the source of truth.
		online = lo.Uniq(g.hub.OnlineUserIDs(convID))
	}

	writeJSON(w, http.StatusOK, map[string]any{"online_user_ids": online})
}
