package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/vartalap-chat/vartalap/pkg/model"
)

// RenderMessage assembles the full wire view of a message from store
// primitives. Shared by every implementation so the WebSocket and REST paths
// serialize identically.
func RenderMessage(ctx context.Context, s ConversationStore, m model.Message) (model.MessageView, error) {
	sender, err := s.GetUser(ctx, m.SenderID)
	if err != nil {
		return model.MessageView{}, fmt.Errorf("render message sender: %w", err)
	}

	attachments, err := s.ListAttachments(ctx, m.ID)
	if err != nil {
		return model.MessageView{}, fmt.Errorf("render message attachments: %w", err)
	}

	rows, err := s.ListReceipts(ctx, m.ID)
	if err != nil {
		return model.MessageView{}, fmt.Errorf("render message receipts: %w", err)
	}
	receipts := make([]model.ReceiptView, 0, len(rows))
	for _, r := range rows {
		u, err := s.GetUser(ctx, r.UserID)
		if err != nil {
			return model.MessageView{}, fmt.Errorf("render receipt user: %w", err)
		}
		receipts = append(receipts, model.ReceiptView{User: model.NewUserView(u), ReadAt: r.ReadAt})
	}

	var replyTo *model.Message
	var replySender *model.User
	if m.ReplyTo != nil {
		if r, err := s.GetMessage(ctx, m.ConversationID, *m.ReplyTo); err == nil {
			if ru, err := s.GetUser(ctx, r.SenderID); err == nil {
				replyTo, replySender = &r, &ru
			}
		}
	}

	others, err := otherParticipants(ctx, s, m.ConversationID, m.SenderID)
	if err != nil {
		return model.MessageView{}, err
	}

	return model.BuildMessageView(m, sender, replyTo, replySender, attachments, receipts, others), nil
}

// RenderConversation assembles the REST view of a conversation for a viewer.
func RenderConversation(ctx context.Context, s ConversationStore, c model.Conversation, viewerID uuid.UUID) (model.ConversationView, error) {
	parts, err := s.ListParticipants(ctx, c.ID)
	if err != nil {
		return model.ConversationView{}, fmt.Errorf("render conversation participants: %w", err)
	}

	users := make([]model.User, 0, len(parts))
	for _, p := range parts {
		u, err := s.GetUser(ctx, p.UserID)
		if err != nil {
			return model.ConversationView{}, fmt.Errorf("render participant user: %w", err)
		}
		users = append(users, u)
	}

	v := model.ConversationView{
		ID:        c.ID.String(),
		Name:      c.Name,
		Type:      c.Kind,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
		Participants: lo.Map(users, func(u model.User, _ int) model.UserView {
			return model.NewUserView(u)
		}),
	}

	if last, err := s.LastMessage(ctx, c.ID); err == nil {
		sender, err := s.GetUser(ctx, last.SenderID)
		if err != nil {
			return model.ConversationView{}, fmt.Errorf("render last message sender: %w", err)
		}
		content := last.Content
		if r := []rune(content); len(r) > 100 {
			content = string(r[:100])
		}
		v.LastMessage = &model.LastMessageView{
			ID:          last.ID.String(),
			Content:     content,
			Sender:      sender.Username,
			CreatedAt:   last.CreatedAt,
			MessageType: last.Kind,
		}
	}

	unread, err := s.UnreadCount(ctx, c.ID, viewerID)
	if err != nil {
		return model.ConversationView{}, fmt.Errorf("render unread count: %w", err)
	}
	v.UnreadCount = unread

	if c.Kind == model.KindDirect {
		for _, u := range users {
			if u.ID != viewerID {
				uv := model.NewUserView(u)
				v.OtherParticipant = &uv
				break
			}
		}
	}
	return v, nil
}

func otherParticipants(ctx context.Context, s ConversationStore, convID, excludeUserID uuid.UUID) ([]model.User, error) {
	parts, err := s.ListParticipants(ctx, convID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	users := make([]model.User, 0, len(parts))
	for _, p := range parts {
		if p.UserID == excludeUserID {
			continue
		}
		u, err := s.GetUser(ctx, p.UserID)
		if err != nil {
			return nil, fmt.Errorf("participant user: %w", err)
		}
		users = append(users, u)
	}
	return users, nil
}
