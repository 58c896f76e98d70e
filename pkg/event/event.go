// Package event defines the JSON wire protocol spoken on persistent
// connections: a closed set of inbound client event kinds and the outbound
// payloads fanned out to groups.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vartalap-chat/vartalap/pkg/model"
)

// Kind tags an inbound client event.
type Kind string

const (
	KindMessage    Kind = "message"
	KindTyping     Kind = "typing"
	KindStopTyping Kind = "stop_typing"
	KindRead       Kind = "read"
	KindEdit       Kind = "edit"
	KindDelete     Kind = "delete"
)

// Outbound event type tags.
const (
	OutMessage            = "message"
	OutTyping             = "typing"
	OutRead               = "read"
	OutStatus             = "status"
	OutEdited             = "edited"
	OutDeleted            = "deleted"
	OutError              = "error"
	OutNewMessage         = "new_message"
	OutConversationUpdate = "conversation_update"
)

var ErrMalformed = errors.New("malformed event")

// Inbound payloads. Field names match the client protocol.

type SendMessage struct {
	Content string     `json:"content"`
	ReplyTo *uuid.UUID `json:"reply_to" validate:"omitempty"`
}

type MarkRead struct {
	MessageIDs []uuid.UUID `json:"message_ids" validate:"required,min=1"`
}

type EditMessage struct {
	MessageID uuid.UUID `json:"message_id" validate:"required"`
	Content   string    `json:"content" validate:"required"`
}

type DeleteMessage struct {
	MessageID uuid.UUID `json:"message_id" validate:"required"`
}

type envelope struct {
	Type Kind `json:"type"`
}

// DecodeKind reads the type tag of a raw inbound event. An absent tag
// defaults to a plain chat message, matching the original client protocol.
func DecodeKind(raw []byte) (Kind, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return KindMessage, nil
	}
	switch env.Type {
	case KindMessage, KindTyping, KindStopTyping, KindRead, KindEdit, KindDelete:
		return env.Type, nil
	default:
		return env.Type, fmt.Errorf("%w: unknown type %q", ErrMalformed, env.Type)
	}
}

// DecodePayload unmarshals raw into the payload struct for its kind.
func DecodePayload(raw []byte, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// Outbound payloads. Marshal one of these and hand it to the registry.

type MessagePayload struct {
	Type    string            `json:"type"`
	Message model.MessageView `json:"message"`
}

type TypingPayload struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	IsTyping bool   `json:"is_typing"`
}

type ReadPayload struct {
	Type       string    `json:"type"`
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	MessageIDs []string  `json:"message_ids"`
	ReadAt     time.Time `json:"read_at"`
}

type StatusPayload struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	IsOnline bool   `json:"is_online"`
}

type EditedPayload struct {
	Type      string    `json:"type"`
	MessageID string    `json:"message_id"`
	Content   string    `json:"content"`
	EditedBy  string    `json:"edited_by"`
	EditedAt  time.Time `json:"edited_at"`
}

type DeletedPayload struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	DeletedBy string `json:"deleted_by"`
}

type ErrorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type NewMessagePayload struct {
	Type           string            `json:"type"`
	ConversationID string            `json:"conversation_id"`
	Message        model.MessageView `json:"message"`
}

type ConversationUpdatePayload struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Data           any    `json:"data"`
}

// Marshal encodes an outbound payload. Encoding our own structs cannot
// fail, so the error is folded into a nil return and callers treat nil as
// drop-and-log.
func Marshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
