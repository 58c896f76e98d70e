package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/vartalap-chat/vartalap/pkg/auth"
	"github.com/vartalap-chat/vartalap/pkg/model"
	"github.com/vartalap-chat/vartalap/pkg/store"
)

type ConversationCreateRequest struct {
	ParticipantIDs []uuid.UUID `json:"participant_ids" validate:"required,min=1"`
	Name           string      `json:"name" validate:"max=255"`
	Type           string      `json:"type" validate:"omitempty,oneof=direct group"`
	InitialMessage string      `json:"initial_message"`
}

func (g *Gateway) listConversations(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	convs, err := g.store.ListConversations(r.Context(), identity.UserID)
	if err != nil {
		storeError(w, err)
		return
	}
	views := make([]model.ConversationView, 0, len(convs))
	for _, c := range convs {
		v, err := store.RenderConversation(r.Context(), g.store, c, identity.UserID)
		if err != nil {
			storeError(w, err)
			return
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

func (g *Gateway) createConversation(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	var req ConversationCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := validate.Struct(&req); err != nil {
		httpError(w, http.StatusBadRequest, "participant_ids is required")
		return
	}
	kind := model.ConversationKind(req.Type)
	if kind == "" {
		kind = model.KindDirect
	}
	if kind == model.KindDirect && len(req.ParticipantIDs) != 1 {
		httpError(w, http.StatusBadRequest, "Direct message must have exactly one other participant")
		return
	}

	for _, id := range req.ParticipantIDs {
		if _, err := g.store.GetUser(r.Context(), id); err != nil {
			httpError(w, http.StatusBadRequest, "One or more user IDs are invalid")
			return
		}
	}

	// At most one direct conversation per user pair: look up before create.
	if kind == model.KindDirect {
		if existing, err := g.store.FindDirectConversation(r.Context(), identity.UserID, req.ParticipantIDs[0]); err == nil {
			v, err := store.RenderConversation(r.Context(), g.store, existing, identity.UserID)
			if err != nil {
				storeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, v)
			return
		} else if !errors.Is(err, store.ErrNotFound) {
			storeError(w, err)
			return
		}
	}

	now := time.Now().UTC()
	conv := model.Conversation{
		ID:        uuid.New(),
		Kind:      kind,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if kind == model.KindGroup {
		conv.Name = req.Name
	}

	participants := []model.Participant{{
		ConversationID: conv.ID,
		UserID:         identity.UserID,
		IsAdmin:        kind == model.KindGroup,
		JoinedAt:       now,
	}}
	for _, id := range req.ParticipantIDs {
		if id == identity.UserID {
			continue
		}
		participants = append(participants, model.Participant{
			ConversationID: conv.ID,
			UserID:         id,
			JoinedAt:       now,
		})
	}

	if err := g.store.CreateConversation(r.Context(), conv, participants); err != nil {
		storeError(w, err)
		return
	}

	if req.InitialMessage != "" {
		if _, err := g.hub.PostMessage(r.Context(), identity, conv.ID, req.InitialMessage, nil, model.MessageText, nil); err != nil {
			g.log.Warn("initial message failed", "conversation", conv.ID, "err", err)
		}
	}

	v, err := store.RenderConversation(r.Context(), g.store, conv, identity.UserID)
	if err != nil {
		storeError(w, err)
		return
	}
	g.hub.NotifyConversationUpdate(r.Context(), lo.Map(participants, func(p model.Participant, _ int) uuid.UUID {
		return p.UserID
	}), conv.ID, v)

	writeJSON(w, http.StatusCreated, v)
}

type participantDetail struct {
	User       model.UserView `json:"user"`
	JoinedAt   time.Time      `json:"joined_at"`
	IsAdmin    bool           `json:"is_admin"`
	IsMuted    bool           `json:"is_muted"`
	LastReadAt *time.Time     `json:"last_read_at"`
}

func (g *Gateway) conversationDetail(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	convID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpError(w, http.StatusBadRequest, "Invalid conversation id")
		return
	}
	conv, err := g.store.GetConversationIfParticipant(r.Context(), convID, identity.UserID)
	if err != nil {
		storeError(w, err)
		return
	}
	v, err := store.RenderConversation(r.Context(), g.store, conv, identity.UserID)
	if err != nil {
		storeError(w, err)
		return
	}

	parts, err := g.store.ListParticipants(r.Context(), convID)
	if err != nil {
		storeError(w, err)
		return
	}
	details := make([]participantDetail, 0, len(parts))
	for _, p := range parts {
		u, err := g.store.GetUser(r.Context(), p.UserID)
		if err != nil {
			storeError(w, err)
			return
		}
		details = append(details, participantDetail{
			User:       model.NewUserView(u),
			JoinedAt:   p.JoinedAt,
			IsAdmin:    p.IsAdmin,
			IsMuted:    p.IsMuted,
			LastReadAt: p.LastReadAt,
		})
	}

	writeJSON(w, http.StatusOK, struct {
		model.ConversationView
		ParticipantDetails []participantDetail `json:"participant_details"`
	}{v, details})
}

type ParticipantAddRequest struct {
	UserIDs []uuid.UUID `json:"user_ids" validate:"required,min=1"`
}

func (g *Gateway) addParticipants(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	convID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpError(w, http.StatusBadRequest, "Invalid conversation id")
		return
	}
	var req ParticipantAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := validate.Struct(&req); err != nil {
		httpError(w, http.StatusBadRequest, "user_ids is required")
		return
	}

	conv, err := g.store.GetConversationIfParticipant(r.Context(), convID, identity.UserID)
	if err != nil {
		storeError(w, err)
		return
	}
	if conv.Kind != model.KindGroup {
		httpError(w, http.StatusBadRequest, "Participants can only be added to group chats")
		return
	}
	me, err := g.store.GetParticipant(r.Context(), convID, identity.UserID)
	if err != nil {
		storeError(w, err)
		return
	}
	if !me.IsAdmin {
		httpError(w, http.StatusForbidden, "Only admins can add participants")
		return
	}

	now := time.Now().UTC()
	var added []uuid.UUID
	for _, userID := range req.UserIDs {
		u, err := g.store.GetUser(r.Context(), userID)
		if err != nil {
			continue
		}
		created, err := g.store.AddParticipant(r.Context(), model.Participant{
			ConversationID: convID,
			UserID:         userID,
			JoinedAt:       now,
		})
		if err != nil {
			storeError(w, err)
			return
		}
		if created {
			added = append(added, userID)
			content := fmt.Sprintf("%s was added to the group", u.Username)
			if _, err := g.hub.PostMessage(r.Context(), identity, convID, content, nil, model.MessageSystem, nil); err != nil {
				g.log.Warn("system message failed", "conversation", convID, "err", err)
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"added": added})
}

type ParticipantRemoveRequest struct {
	UserID uuid.UUID `json:"user_id" validate:"required"`
}

func (g *Gateway) removeParticipant(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	convID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpError(w, http.StatusBadRequest, "Invalid conversation id")
		return
	}
	var req ParticipantRemoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := validate.Struct(&req); err != nil {
		httpError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	conv, err := g.store.GetConversationIfParticipant(r.Context(), convID, identity.UserID)
	if err != nil {
		storeError(w, err)
		return
	}
	if conv.Kind != model.KindGroup {
		httpError(w, http.StatusBadRequest, "Participants can only be removed from group chats")
		return
	}

	// Users remove themselves; admins remove anyone.
	if req.UserID != identity.UserID {
		me, err := g.store.GetParticipant(r.Context(), convID, identity.UserID)
		if err != nil {
			storeError(w, err)
			return
		}
		if !me.IsAdmin {
			httpError(w, http.StatusForbidden, "Only admins can remove other participants")
			return
		}
	}

	if err := g.store.RemoveParticipant(r.Context(), convID, req.UserID); err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": req.UserID})
}

func (g *Gateway) unreadCount(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	convs, err := g.store.ListConversations(r.Context(), identity.UserID)
	if err != nil {
		storeError(w, err)
		return
	}
	total := 0
	for _, c := range convs {
		n, err := g.store.UnreadCount(r.Context(), c.ID, identity.UserID)
		if err != nil {
			storeError(w, err)
			return
		}
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]int{"total_unread": total})
}
