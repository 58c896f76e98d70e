package model

import (
	"time"
	"unicode/utf8"

	"github.com/samber/lo"
)

// UserView is the minimal user shape embedded in chat payloads.
type UserView struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	IsOnline bool   `json:"is_online"`
}

// ReceiptView pairs a reader with the time they read a message.
type ReceiptView struct {
	User   UserView  `json:"user"`
	ReadAt time.Time `json:"read_at"`
}

// ReplyPreview is a trimmed rendering of the message being replied to.
type ReplyPreview struct {
	ID          string      `json:"id"`
	Sender      string      `json:"sender"`
	Content     string      `json:"content"`
	MessageType MessageKind `json:"message_type"`
}

// MessageView is the full wire rendering of a message, shared by the
// WebSocket broadcast path and the REST responses.
type MessageView struct {
	ID           string        `json:"id"`
	Conversation string        `json:"conversation"`
	Sender       UserView      `json:"sender"`
	Content      string        `json:"content"`
	MessageType  MessageKind   `json:"message_type"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	IsEdited     bool          `json:"is_edited"`
	IsDeleted    bool          `json:"is_deleted"`
	ReplyTo      *string       `json:"reply_to"`
	ReplyPreview *ReplyPreview `json:"reply_to_preview"`
	Attachments  []Attachment  `json:"attachments"`
	ReadReceipts []ReceiptView `json:"read_receipts"`
	IsRead       bool          `json:"is_read"`
}

// LastMessageView is the conversation-list preview of the newest message.
type LastMessageView struct {
	ID          string      `json:"id"`
	Content     string      `json:"content"`
	Sender      string      `json:"sender"`
	CreatedAt   time.Time   `json:"created_at"`
	MessageType MessageKind `json:"message_type"`
}

// ConversationView is the REST rendering of a conversation for one viewer.
type ConversationView struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Type             ConversationKind `json:"type"`
	Participants     []UserView       `json:"participants"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	LastMessage      *LastMessageView `json:"last_message"`
	UnreadCount      int              `json:"unread_count"`
	OtherParticipant *UserView        `json:"other_participant"`
}

func NewUserView(u User) UserView {
	return UserView{ID: u.ID.String(), Username: u.Username, IsOnline: u.IsOnline}
}

// truncate cuts on a rune boundary so a multi-byte character is never
// split mid-sequence.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// BuildMessageView assembles the wire rendering from its persisted parts.
// others are the conversation participants excluding the sender; a message
// counts as read once every one of them has a receipt.
func BuildMessageView(msg Message, sender User, replyTo *Message, replySender *User,
	attachments []Attachment, receipts []ReceiptView, others []User) MessageView {

	v := MessageView{
		ID:           msg.ID.String(),
		Conversation: msg.ConversationID.String(),
		Sender:       NewUserView(sender),
		Content:      msg.Content,
		MessageType:  msg.Kind,
		CreatedAt:    msg.CreatedAt,
		UpdatedAt:    msg.UpdatedAt,
		IsEdited:     msg.IsEdited,
		IsDeleted:    msg.IsDeleted,
		Attachments:  attachments,
		ReadReceipts: receipts,
	}
	if v.Attachments == nil {
		v.Attachments = []Attachment{}
	}
	if v.ReadReceipts == nil {
		v.ReadReceipts = []ReceiptView{}
	}
	if msg.ReplyTo != nil {
		id := msg.ReplyTo.String()
		v.ReplyTo = &id
	}
	if replyTo != nil && replySender != nil {
		v.ReplyPreview = &ReplyPreview{
			ID:          replyTo.ID.String(),
			Sender:      replySender.Username,
			Content:     truncate(replyTo.Content, 100),
			MessageType: replyTo.Kind,
		}
	}
	readBy := lo.SliceToMap(receipts, func(r ReceiptView) (string, struct{}) {
		return r.User.ID, struct{}{}
	})
	v.IsRead = lo.EveryBy(others, func(u User) bool {
		_, ok := readBy[u.ID.String()]
		return ok
	})
	return v
}
