package hub

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/vartalap-chat/vartalap/pkg/auth"
	"github.com/vartalap-chat/vartalap/pkg/event"
	"github.com/vartalap-chat/vartalap/pkg/model"
	"github.com/vartalap-chat/vartalap/pkg/presence"
	"github.com/vartalap-chat/vartalap/pkg/store"
)

// Mirror republishes local broadcasts to other gateway instances. A nil
// mirror means single-instance operation.
type Mirror interface {
	MirrorBroadcast(ctx context.Context, groupKey, excludeSessionID string, payload []byte)
	MirrorFanOut(ctx context.Context, chatKey string, userKeys []string, msgPayload, notifyPayload []byte)
}

// Hub coordinates inbound client events with the store and fans the results
// out through the registry. Both the WebSocket path and the REST gateway go
// through the same Hub methods, so fan-out behavior is identical regardless
// of ingress.
type Hub struct {
	store    store.ConversationStore
	reg      *Registry
	pres     *presence.Tracker
	mirror   Mirror
	validate *validator.Validate
	log      *slog.Logger

	// Sharded per-conversation locks held across persist+broadcast so
	// subscribers observe events in commit order. Store I/O under a shard
	// lock never blocks delivery to other conversations.
	convLocks [64]sync.Mutex
}

func New(st store.ConversationStore, reg *Registry, pres *presence.Tracker, mirror Mirror, log *slog.Logger) *Hub {
	return &Hub{
		store:    st,
		reg:      reg,
		pres:     pres,
		mirror:   mirror,
		validate: validator.New(),
		log:      log,
	}
}

func (h *Hub) Registry() *Registry { return h.reg }

func (h *Hub) lockFor(convID uuid.UUID) *sync.Mutex {
	f := fnv.New32a()
	f.Write(convID[:])
	return &h.convLocks[f.Sum32()%uint32(len(h.convLocks))]
}

// Activate moves an authenticated session to Active: authorize, join its
// groups, flip presence and announce it. On error the session never joins a
// group.
func (h *Hub) Activate(ctx context.Context, s *Session) error {
	if s.isNotification() {
		h.reg.Join(UserGroup(s.identity.UserID), s)
		s.state.Store(int32(StateActive))
		return nil
	}

	if _, err := h.store.GetConversationIfParticipant(ctx, s.conv, s.identity.UserID); err != nil {
		return err
	}

	key := ChatGroup(s.conv)
	h.reg.Join(key, s)

	now := time.Now().UTC()
	if err := h.store.SetUserPresence(ctx, s.identity.UserID, true, now); err != nil {
		h.log.Warn("presence persist failed", "user", s.identity.UserID, "err", err)
	}
	h.pres.SetOnline(ctx, key, s.identity.UserID.String(), now)

	h.broadcast(ctx, key, event.Marshal(event.StatusPayload{
		Type:     event.OutStatus,
		UserID:   s.identity.UserID.String(),
		Username: s.identity.Username,
		IsOnline: true,
	}), s.id)

	s.state.Store(int32(StateActive))
	return nil
}

// Teardown runs the guaranteed cleanup path: presence offline, offline
// status to remaining peers, leave every joined group. Safe to call on any
// exit path, including abnormal ones.
func (h *Hub) Teardown(ctx context.Context, s *Session) {
	s.close()

	if !s.isNotification() {
		key := ChatGroup(s.conv)
		now := time.Now().UTC()
		if err := h.store.SetUserPresence(ctx, s.identity.UserID, false, now); err != nil {
			h.log.Warn("presence persist failed", "user", s.identity.UserID, "err", err)
		}
		h.pres.SetOffline(ctx, key, s.identity.UserID.String(), now)

		h.broadcast(ctx, key, event.Marshal(event.StatusPayload{
			Type:     event.OutStatus,
			UserID:   s.identity.UserID.String(),
			Username: s.identity.Username,
			IsOnline: false,
		}), s.id)
	}

	for _, g := range s.joinedGroups() {
		h.reg.Leave(g, s)
	}
	s.state.Store(int32(StateClosed))
}

// HandleInbound dispatches one raw client event. Malformed payloads and
// failed preconditions produce an error event to the originating session
// only; they never reach the group and never end the session.
func (h *Hub) HandleInbound(ctx context.Context, s *Session, raw []byte) {
	kind, err := event.DecodeKind(raw)
	if err != nil {
		if kind == "" {
			h.sendError(s, "Invalid JSON format")
		} else {
			h.sendError(s, fmt.Sprintf("Unknown event type: %s", kind))
		}
		return
	}

	switch kind {
	case event.KindMessage:
		var p event.SendMessage
		if err := event.DecodePayload(raw, &p); err != nil {
			h.sendError(s, "Invalid JSON format")
			return
		}
		if _, err := h.PostMessage(ctx, s.identity, s.conv, p.Content, p.ReplyTo, model.MessageText, nil); err != nil {
			h.sendError(s, errorText(err))
		}
	case event.KindTyping:
		h.broadcastTyping(ctx, s, true)
	case event.KindStopTyping:
		h.broadcastTyping(ctx, s, false)
	case event.KindRead:
		var p event.MarkRead
		if err := event.DecodePayload(raw, &p); err != nil {
			h.sendError(s, "Invalid JSON format")
			return
		}
		if err := h.validate.Struct(&p); err != nil {
			h.sendError(s, "message_ids is required")
			return
		}
		if _, err := h.MarkRead(ctx, s.identity, s.conv, p.MessageIDs, time.Now().UTC()); err != nil {
			h.sendError(s, errorText(err))
		}
	case event.KindEdit:
		var p event.EditMessage
		if err := event.DecodePayload(raw, &p); err != nil {
			h.sendError(s, "Invalid JSON format")
			return
		}
		if err := h.validate.Struct(&p); err != nil {
			h.sendError(s, "Message ID and content are required")
			return
		}
		if err := h.EditMessage(ctx, s.identity, s.conv, p.MessageID, p.Content); err != nil {
			h.sendError(s, errorText(err))
		}
	case event.KindDelete:
		var p event.DeleteMessage
		if err := event.DecodePayload(raw, &p); err != nil {
			h.sendError(s, "Invalid JSON format")
			return
		}
		if err := h.validate.Struct(&p); err != nil {
			h.sendError(s, "Message ID is required")
			return
		}
		if err := h.DeleteMessage(ctx, s.identity, s.conv, p.MessageID); err != nil {
			h.sendError(s, errorText(err))
		}
	}
}

// PostMessage persists a message and fans it out: the conversation group
// receives a message event, every other participant's personal group a
// new_message notification, deduplicated per session. This is the single
// fan-out entry point shared by the WebSocket and REST ingress paths.
func (h *Hub) PostMessage(ctx context.Context, identity auth.Identity, convID uuid.UUID,
	content string, replyTo *uuid.UUID, kind model.MessageKind, attachments []model.Attachment) (model.MessageView, error) {

	content = strings.TrimSpace(content)
	if content == "" && len(attachments) == 0 {
		return model.MessageView{}, fmt.Errorf("%w: message must have content or attachments", store.ErrValidation)
	}

	conv, err := h.store.GetConversationIfParticipant(ctx, convID, identity.UserID)
	if err != nil {
		return model.MessageView{}, err
	}

	if replyTo != nil {
		if _, err := h.store.GetMessage(ctx, convID, *replyTo); err != nil {
			return model.MessageView{}, fmt.Errorf("%w: reply target not found", store.ErrValidation)
		}
	}

	mu := h.lockFor(convID)
	mu.Lock()
	defer mu.Unlock()

	now := time.Now().UTC()
	m := model.Message{
		ID:             uuid.New(),
		ConversationID: conv.ID,
		SenderID:       identity.UserID,
		Content:        content,
		Kind:           kind,
		CreatedAt:      now,
		UpdatedAt:      now,
		ReplyTo:        replyTo,
	}
	for i := range attachments {
		attachments[i].MessageID = m.ID
	}
	if err := h.store.CreateMessage(ctx, m, attachments); err != nil {
		return model.MessageView{}, err
	}
	if err := h.store.TouchConversation(ctx, convID, now); err != nil {
		h.log.Warn("touch conversation failed", "conversation", convID, "err", err)
	}

	view, err := store.RenderMessage(ctx, h.store, m)
	if err != nil {
		return model.MessageView{}, err
	}
	parts, err := h.store.ListParticipants(ctx, convID)
	if err != nil {
		return model.MessageView{}, err
	}
	h.fanOutMessage(ctx, convID, identity.UserID, view, parts)
	return view, nil
}

// MarkRead creates receipts idempotently, skipping the reader's own
// messages, and broadcasts the newly-read ids to the conversation group.
// A call that creates nothing broadcasts nothing.
func (h *Hub) MarkRead(ctx context.Context, identity auth.Identity, convID uuid.UUID,
	messageIDs []uuid.UUID, at time.Time) ([]uuid.UUID, error) {

	if len(messageIDs) == 0 {
		return nil, fmt.Errorf("%w: message_ids is required", store.ErrValidation)
	}
	if _, err := h.store.GetConversationIfParticipant(ctx, convID, identity.UserID); err != nil {
		return nil, err
	}

	mu := h.lockFor(convID)
	mu.Lock()
	defer mu.Unlock()

	created, err := h.store.UpsertReadReceipts(ctx, convID, identity.UserID, messageIDs, at)
	if err != nil {
		return nil, err
	}
	if len(created) > 0 {
		h.broadcast(ctx, ChatGroup(convID), event.Marshal(event.ReadPayload{
			Type:     event.OutRead,
			UserID:   identity.UserID.String(),
			Username: identity.Username,
			MessageIDs: lo.Map(created, func(id uuid.UUID, _ int) string {
				return id.String()
			}),
			ReadAt: at,
		}), "")
	}
	return created, nil
}

// EditMessage updates content for the sender's own message and broadcasts
// the edit.
func (h *Hub) EditMessage(ctx context.Context, identity auth.Identity, convID, msgID uuid.UUID, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return fmt.Errorf("%w: content is required", store.ErrValidation)
	}
	if _, err := h.store.GetConversationIfParticipant(ctx, convID, identity.UserID); err != nil {
		return err
	}

	mu := h.lockFor(convID)
	mu.Lock()
	defer mu.Unlock()

	now := time.Now().UTC()
	if err := h.store.EditMessage(ctx, convID, msgID, identity.UserID, content, now); err != nil {
		return err
	}
	h.broadcast(ctx, ChatGroup(convID), event.Marshal(event.EditedPayload{
		Type:      event.OutEdited,
		MessageID: msgID.String(),
		Content:   content,
		EditedBy:  identity.UserID.String(),
		EditedAt:  now,
	}), "")
	return nil
}

// DeleteMessage soft-deletes the sender's own message and broadcasts the
// deletion.
func (h *Hub) DeleteMessage(ctx context.Context, identity auth.Identity, convID, msgID uuid.UUID) error {
	if _, err := h.store.GetConversationIfParticipant(ctx, convID, identity.UserID); err != nil {
		return err
	}

	mu := h.lockFor(convID)
	mu.Lock()
	defer mu.Unlock()

	if err := h.store.SoftDeleteMessage(ctx, convID, msgID, identity.UserID); err != nil {
		return err
	}
	h.broadcast(ctx, ChatGroup(convID), event.Marshal(event.DeletedPayload{
		Type:      event.OutDeleted,
		MessageID: msgID.String(),
		DeletedBy: identity.UserID.String(),
	}), "")
	return nil
}

// NotifyConversationUpdate pushes a conversation_update to each user's
// personal group.
func (h *Hub) NotifyConversationUpdate(ctx context.Context, userIDs []uuid.UUID, convID uuid.UUID, data any) {
	payload := event.Marshal(event.ConversationUpdatePayload{
		Type:           event.OutConversationUpdate,
		ConversationID: convID.String(),
		Data:           data,
	})
	for _, id := range userIDs {
		h.broadcast(ctx, UserGroup(id), payload, "")
	}
}

func (h *Hub) broadcastTyping(ctx context.Context, s *Session, isTyping bool) {
	h.broadcast(ctx, ChatGroup(s.conv), event.Marshal(event.TypingPayload{
		Type:     event.OutTyping,
		UserID:   s.identity.UserID.String(),
		Username: s.identity.Username,
		IsTyping: isTyping,
	}), s.id)
}

func (h *Hub) broadcast(ctx context.Context, key string, payload []byte, exclude string) {
	h.reg.Broadcast(key, payload, exclude)
	if h.mirror != nil {
		h.mirror.MirrorBroadcast(ctx, key, exclude, payload)
	}
}

func (h *Hub) fanOutMessage(ctx context.Context, convID, senderID uuid.UUID, view model.MessageView, parts []model.Participant) {
	msgPayload := event.Marshal(event.MessagePayload{Type: event.OutMessage, Message: view})
	notifyPayload := event.Marshal(event.NewMessagePayload{
		Type:           event.OutNewMessage,
		ConversationID: convID.String(),
		Message:        view,
	})
	others := lo.Filter(parts, func(p model.Participant, _ int) bool {
		return p.UserID != senderID
	})
	userKeys := lo.Map(others, func(p model.Participant, _ int) string {
		return UserGroup(p.UserID)
	})
	h.reg.FanOut(ChatGroup(convID), userKeys, msgPayload, notifyPayload)
	if h.mirror != nil {
		h.mirror.MirrorFanOut(ctx, ChatGroup(convID), userKeys, msgPayload, notifyPayload)
	}
}

// OnlineUserIDs lists users with a live session on the conversation's
// group in this process.
func (h *Hub) OnlineUserIDs(convID uuid.UUID) []string {
	sessions := h.reg.Snapshot(ChatGroup(convID))
	return lo.Map(sessions, func(s *Session, _ int) string {
		return s.identity.UserID.String()
	})
}

func (h *Hub) sendError(s *Session, msg string) {
	payload := event.Marshal(event.ErrorPayload{Type: event.OutError, Message: msg})
	if !s.trySend(payload) {
		h.log.Warn("dropping error event for slow session", "session", s.id)
	}
}

// errorText maps the error taxonomy onto client-facing messages.
func errorText(err error) string {
	switch {
	case errors.Is(err, store.ErrValidation):
		if idx := strings.Index(err.Error(), ": "); idx >= 0 {
			return err.Error()[idx+2:]
		}
		return "Invalid request"
	case errors.Is(err, store.ErrNotParticipant):
		return "Not a participant of this conversation"
	case errors.Is(err, store.ErrForbidden):
		return "You can only modify your own messages"
	case errors.Is(err, store.ErrNotFound):
		return "Not found"
	case errors.Is(err, store.ErrTransient):
		return "Temporary storage failure"
	default:
		return "Internal error"
	}
}
