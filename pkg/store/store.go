// Package store is the durable-state boundary: a repository interface over
// conversations, participants, messages, attachments and read receipts, with
// a ScyllaDB implementation for production and an in-memory one for tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/vartalap-chat/vartalap/pkg/model"
)

// Error taxonomy. Callers branch with errors.Is; the hub maps each class to
// a per-session error event, the REST layer to a status code.
var (
	ErrNotFound       = errors.New("not found")
	ErrNotParticipant = errors.New("not a conversation participant")
	ErrForbidden      = errors.New("forbidden")
	ErrValidation     = errors.New("invalid input")
	ErrTransient      = errors.New("storage temporarily unavailable")
)

// ConversationStore is the durable CRUD collaborator consumed by the hub and
// the REST gateway. Every call is atomic; none are retried by callers.
type ConversationStore interface {
	// Users.
	CreateUser(ctx context.Context, u model.User) error
	GetUser(ctx context.Context, id uuid.UUID) (model.User, error)
	GetUserByUsername(ctx context.Context, username string) (model.User, error)
	SetUserPresence(ctx context.Context, id uuid.UUID, online bool, at time.Time) error

	// Conversations.
	GetConversationIfParticipant(ctx context.Context, convID, userID uuid.UUID) (model.Conversation, error)
	ListConversations(ctx context.Context, userID uuid.UUID) ([]model.Conversation, error)
	CreateConversation(ctx context.Context, c model.Conversation, participants []model.Participant) error
	FindDirectConversation(ctx context.Context, a, b uuid.UUID) (model.Conversation, error)
	TouchConversation(ctx context.Context, convID uuid.UUID, at time.Time) error

	// Participants.
	AddParticipant(ctx context.Context, p model.Participant) (created bool, err error)
	RemoveParticipant(ctx context.Context, convID, userID uuid.UUID) error
	GetParticipant(ctx context.Context, convID, userID uuid.UUID) (model.Participant, error)
	ListParticipants(ctx context.Context, convID uuid.UUID) ([]model.Participant, error)

	// Messages. Edit and soft-delete require the caller to be the sender
	// and report ErrForbidden otherwise.
	CreateMessage(ctx context.Context, m model.Message, attachments []model.Attachment) error
	GetMessage(ctx context.Context, convID, msgID uuid.UUID) (model.Message, error)
	ListMessages(ctx context.Context, convID uuid.UUID, limit int) ([]model.Message, error)
	LastMessage(ctx context.Context, convID uuid.UUID) (model.Message, error)
	EditMessage(ctx context.Context, convID, msgID, senderID uuid.UUID, content string, at time.Time) error
	SoftDeleteMessage(ctx context.Context, convID, msgID, senderID uuid.UUID) error
	ListAttachments(ctx context.Context, msgID uuid.UUID) ([]model.Attachment, error)

	// Read receipts. Upsert is idempotent per (message, user), skips the
	// reader's own messages and returns only the newly-created ids.
	UpsertReadReceipts(ctx context.Context, convID, userID uuid.UUID, msgIDs []uuid.UUID, at time.Time) ([]uuid.UUID, error)
	ListReceipts(ctx context.Context, msgID uuid.UUID) ([]model.ReadReceipt, error)
	UnreadCount(ctx context.Context, convID, userID uuid.UUID) (int, error)
}
