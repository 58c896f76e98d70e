package model

import (
	"time"

	"github.com/google/uuid"
)

type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

type MessageKind string

const (
	MessageText   MessageKind = "text"
	MessageImage  MessageKind = "image"
	MessageFile   MessageKind = "file"
	MessageSystem MessageKind = "system"
)

type AttachmentCategory string

const (
	AttachmentImage    AttachmentCategory = "image"
	AttachmentVideo    AttachmentCategory = "video"
	AttachmentAudio    AttachmentCategory = "audio"
	AttachmentDocument AttachmentCategory = "document"
	AttachmentOther    AttachmentCategory = "other"
)

type User struct {
	ID       uuid.UUID  `json:"id"`
	Username string     `json:"username"`
	Email    string     `json:"email"`
	IsOnline bool       `json:"is_online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

type Conversation struct {
	ID        uuid.UUID        `json:"id"`
	Kind      ConversationKind `json:"type"`
	Name      string           `json:"name,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

type Participant struct {
	ConversationID uuid.UUID  `json:"-"`
	UserID         uuid.UUID  `json:"-"`
	IsAdmin        bool       `json:"is_admin"`
	IsMuted        bool       `json:"is_muted"`
	JoinedAt       time.Time  `json:"joined_at"`
	LastReadAt     *time.Time `json:"last_read_at,omitempty"`
}

type Message struct {
	ID             uuid.UUID   `json:"id"`
	ConversationID uuid.UUID   `json:"conversation"`
	SenderID       uuid.UUID   `json:"-"`
	Content        string      `json:"content"`
	Kind           MessageKind `json:"message_type"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	IsEdited       bool        `json:"is_edited"`
	IsDeleted      bool        `json:"is_deleted"`
	ReplyTo        *uuid.UUID  `json:"reply_to,omitempty"`
}

type Attachment struct {
	ID        uuid.UUID          `json:"id"`
	MessageID uuid.UUID          `json:"-"`
	FileName  string             `json:"file_name"`
	FileSize  int64              `json:"file_size"`
	MimeType  string             `json:"file_type"`
	Category  AttachmentCategory `json:"attachment_type"`
	Width     int                `json:"width,omitempty"`
	Height    int                `json:"height,omitempty"`
	Thumbnail string             `json:"thumbnail,omitempty"`
	// StoredPath is where the blob store put the bytes. Internal only.
	StoredPath string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

type ReadReceipt struct {
	MessageID uuid.UUID `json:"-"`
	UserID    uuid.UUID `json:"-"`
	ReadAt    time.Time `json:"read_at"`
}
