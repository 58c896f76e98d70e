package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/vartalap-chat/vartalap/pkg/db"
	"github.com/vartalap-chat/vartalap/pkg/model"
)

// ScyllaStore is the production ConversationStore. Tables are modelled
// query-first: messages cluster under their conversation partition, a
// pointer table resolves a message id back to its clustering key, and unread
// counts live in a counter table maintained alongside writes.
type ScyllaStore struct {
	session *db.Session
	log     *slog.Logger
}

func NewScyllaStore(session *db.Session, log *slog.Logger) *ScyllaStore {
	return &ScyllaStore{session: session, log: log}
}

var _ ConversationStore = (*ScyllaStore)(nil)

func gid(u uuid.UUID) gocql.UUID { return gocql.UUID(u) }

// directPairKey canonicalizes a user pair so each pair maps to at most one
// direct conversation row.
func directPairKey(a, b uuid.UUID) string {
	as, bs := a.String(), b.String()
	if as > bs {
		as, bs = bs, as
	}
	return as + ":" + bs
}

func (s *ScyllaStore) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gocql.ErrNotFound) {
		return ErrNotFound
	}
	s.log.Error("scylla query failed", "op", op, "err", err)
	return fmt.Errorf("%w: %s: %v", ErrTransient, op, err)
}

func (s *ScyllaStore) CreateUser(ctx context.Context, u model.User) error {
	var lastSeen time.Time
	if u.LastSeen != nil {
		lastSeen = *u.LastSeen
	}
	if err := s.session.Query(
		`INSERT INTO users (id, username, email, is_online, last_seen) VALUES (?, ?, ?, ?, ?)`,
		gid(u.ID), u.Username, u.Email, u.IsOnline, lastSeen,
	).WithContext(ctx).Exec(); err != nil {
		return s.wrap("create user", err)
	}
	return s.wrap("index username", s.session.Query(
		`INSERT INTO users_by_name (username, id) VALUES (?, ?)`,
		u.Username, gid(u.ID),
	).WithContext(ctx).Exec())
}

func (s *ScyllaStore) scanUser(ctx context.Context, id gocql.UUID) (model.User, error) {
	var u model.User
	var uid gocql.UUID
	var lastSeen time.Time
	err := s.session.Query(
		`SELECT id, username, email, is_online, last_seen FROM users WHERE id = ?`, id,
	).WithContext(ctx).Scan(&uid, &u.Username, &u.Email, &u.IsOnline, &lastSeen)
	if err != nil {
		return model.User{}, s.wrap("get user", err)
	}
	u.ID = uuid.UUID(uid)
	if !lastSeen.IsZero() {
		u.LastSeen = &lastSeen
	}
	return u, nil
}

func (s *ScyllaStore) GetUser(ctx context.Context, id uuid.UUID) (model.User, error) {
	return s.scanUser(ctx, gid(id))
}

func (s *ScyllaStore) GetUserByUsername(ctx context.Context, username string) (model.User, error) {
	var id gocql.UUID
	if err := s.session.Query(
		`SELECT id FROM users_by_name WHERE username = ?`, username,
	).WithContext(ctx).Scan(&id); err != nil {
		return model.User{}, s.wrap("lookup username", err)
	}
	return s.scanUser(ctx, id)
}

func (s *ScyllaStore) SetUserPresence(ctx context.Context, id uuid.UUID, online bool, at time.Time) error {
	return s.wrap("set presence", s.session.Query(
		`UPDATE users SET is_online = ?, last_seen = ? WHERE id = ?`,
		online, at, gid(id),
	).WithContext(ctx).Exec())
}

func (s *ScyllaStore) getConversation(ctx context.Context, convID uuid.UUID) (model.Conversation, error) {
	var c model.Conversation
	var id gocql.UUID
	var kind string
	err := s.session.Query(
		`SELECT id, kind, name, created_at, updated_at FROM conversations WHERE id = ?`, gid(convID),
	).WithContext(ctx).Scan(&id, &kind, &c.Name, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return model.Conversation{}, s.wrap("get conversation", err)
	}
	c.ID = uuid.UUID(id)
	c.Kind = model.ConversationKind(kind)
	return c, nil
}

func (s *ScyllaStore) GetConversationIfParticipant(ctx context.Context, convID, userID uuid.UUID) (model.Conversation, error) {
	if _, err := s.GetParticipant(ctx, convID, userID); err != nil {
		if errors.Is(err, ErrNotFound) {
			// Distinguish an unknown conversation from a non-member.
			if _, cerr := s.getConversation(ctx, convID); errors.Is(cerr, ErrNotFound) {
				return model.Conversation{}, ErrNotFound
			}
			return model.Conversation{}, ErrNotParticipant
		}
		return model.Conversation{}, err
	}
	return s.getConversation(ctx, convID)
}

func (s *ScyllaStore) ListConversations(ctx context.Context, userID uuid.UUID) ([]model.Conversation, error) {
	iter := s.session.Query(
		`SELECT conversation_id FROM conversations_by_user WHERE user_id = ?`, gid(userID),
	).WithContext(ctx).Iter()
	var ids []uuid.UUID
	var id gocql.UUID
	for iter.Scan(&id) {
		ids = append(ids, uuid.UUID(id))
	}
	if err := iter.Close(); err != nil {
		return nil, s.wrap("list conversations", err)
	}
	out := make([]model.Conversation, 0, len(ids))
	for _, cid := range ids {
		c, err := s.getConversation(ctx, cid)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *ScyllaStore) CreateConversation(ctx context.Context, c model.Conversation, participants []model.Participant) error {
	if err := s.session.Query(
		`INSERT INTO conversations (id, kind, name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		gid(c.ID), string(c.Kind), c.Name, c.CreatedAt, c.UpdatedAt,
	).WithContext(ctx).Exec(); err != nil {
		return s.wrap("create conversation", err)
	}
	for _, p := range participants {
		if err := s.insertParticipant(ctx, p); err != nil {
			return err
		}
	}
	if c.Kind == model.KindDirect && len(participants) == 2 {
		pair := directPairKey(participants[0].UserID, participants[1].UserID)
		if err := s.session.Query(
			`INSERT INTO direct_index (pair, conversation_id) VALUES (?, ?)`,
			pair, gid(c.ID),
		).WithContext(ctx).Exec(); err != nil {
			return s.wrap("index direct pair", err)
		}
	}
	return nil
}

func (s *ScyllaStore) FindDirectConversation(ctx context.Context, a, b uuid.UUID) (model.Conversation, error) {
	var id gocql.UUID
	if err := s.session.Query(
		`SELECT conversation_id FROM direct_index WHERE pair = ?`, directPairKey(a, b),
	).WithContext(ctx).Scan(&id); err != nil {
		return model.Conversation{}, s.wrap("find direct conversation", err)
	}
	return s.getConversation(ctx, uuid.UUID(id))
}

func (s *ScyllaStore) TouchConversation(ctx context.Context, convID uuid.UUID, at time.Time) error {
	return s.wrap("touch conversation", s.session.Query(
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, at, gid(convID),
	).WithContext(ctx).Exec())
}

func (s *ScyllaStore) insertParticipant(ctx context.Context, p model.Participant) error {
	var lastRead time.Time
	if p.LastReadAt != nil {
		lastRead = *p.LastReadAt
	}
	if err := s.session.Query(
		`INSERT INTO participants (conversation_id, user_id, is_admin, is_muted, joined_at, last_read_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		gid(p.ConversationID), gid(p.UserID), p.IsAdmin, p.IsMuted, p.JoinedAt, lastRead,
	).WithContext(ctx).Exec(); err != nil {
		return s.wrap("insert participant", err)
	}
	return s.wrap("index participant", s.session.Query(
		`INSERT INTO conversations_by_user (user_id, conversation_id) VALUES (?, ?)`,
		gid(p.UserID), gid(p.ConversationID),
	).WithContext(ctx).Exec())
}

func (s *ScyllaStore) AddParticipant(ctx context.Context, p model.Participant) (bool, error) {
	if _, err := s.GetParticipant(ctx, p.ConversationID, p.UserID); err == nil {
		return false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return false, err
	}
	if err := s.insertParticipant(ctx, p); err != nil {
		return false, err
	}
	return true, nil
}

func (s *ScyllaStore) RemoveParticipant(ctx context.Context, convID, userID uuid.UUID) error {
	if _, err := s.GetParticipant(ctx, convID, userID); err != nil {
		return err
	}
	if err := s.session.Query(
		`DELETE FROM participants WHERE conversation_id = ? AND user_id = ?`,
		gid(convID), gid(userID),
	).WithContext(ctx).Exec(); err != nil {
		return s.wrap("remove participant", err)
	}
	return s.wrap("unindex participant", s.session.Query(
		`DELETE FROM conversations_by_user WHERE user_id = ? AND conversation_id = ?`,
		gid(userID), gid(convID),
	).WithContext(ctx).Exec())
}

func (s *ScyllaStore) GetParticipant(ctx context.Context, convID, userID uuid.UUID) (model.Participant, error) {
	var p model.Participant
	var lastRead time.Time
	err := s.session.Query(
		`SELECT is_admin, is_muted, joined_at, last_read_at FROM participants
		 WHERE conversation_id = ? AND user_id = ?`,
		gid(convID), gid(userID),
	).WithContext(ctx).Scan(&p.IsAdmin, &p.IsMuted, &p.JoinedAt, &lastRead)
	if err != nil {
		return model.Participant{}, s.wrap("get participant", err)
	}
	p.ConversationID, p.UserID = convID, userID
	if !lastRead.IsZero() {
		p.LastReadAt = &lastRead
	}
	return p, nil
}

func (s *ScyllaStore) ListParticipants(ctx context.Context, convID uuid.UUID) ([]model.Participant, error) {
	iter := s.session.Query(
		`SELECT user_id, is_admin, is_muted, joined_at, last_read_at FROM participants
		 WHERE conversation_id = ?`, gid(convID),
	).WithContext(ctx).Iter()
	var out []model.Participant
	var uid gocql.UUID
	var p model.Participant
	var lastRead time.Time
	for iter.Scan(&uid, &p.IsAdmin, &p.IsMuted, &p.JoinedAt, &lastRead) {
		p.ConversationID = convID
		p.UserID = uuid.UUID(uid)
		p.LastReadAt = nil
		if !lastRead.IsZero() {
			t := lastRead
			p.LastReadAt = &t
		}
		out = append(out, p)
	}
	if err := iter.Close(); err != nil {
		return nil, s.wrap("list participants", err)
	}
	return out, nil
}

func (s *ScyllaStore) CreateMessage(ctx context.Context, m model.Message, attachments []model.Attachment) error {
	var replyTo *gocql.UUID
	if m.ReplyTo != nil {
		r := gid(*m.ReplyTo)
		replyTo = &r
	}
	if err := s.session.Query(
		`INSERT INTO messages (conversation_id, created_at, id, sender_id, content, kind, is_edited, is_deleted, reply_to, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		gid(m.ConversationID), m.CreatedAt, gid(m.ID), gid(m.SenderID), m.Content,
		string(m.Kind), m.IsEdited, m.IsDeleted, replyTo, m.UpdatedAt,
	).WithContext(ctx).Exec(); err != nil {
		return s.wrap("create message", err)
	}
	if err := s.session.Query(
		`INSERT INTO message_pointers (id, conversation_id, created_at) VALUES (?, ?, ?)`,
		gid(m.ID), gid(m.ConversationID), m.CreatedAt,
	).WithContext(ctx).Exec(); err != nil {
		return s.wrap("index message", err)
	}
	for _, a := range attachments {
		if err := s.session.Query(
			`INSERT INTO attachments (message_id, id, file_name, file_size, mime_type, category, width, height, thumbnail, stored_path, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			gid(a.MessageID), gid(a.ID), a.FileName, a.FileSize, a.MimeType, string(a.Category),
			a.Width, a.Height, a.Thumbnail, a.StoredPath, a.CreatedAt,
		).WithContext(ctx).Exec(); err != nil {
			return s.wrap("create attachment", err)
		}
	}
	// Unread counts live in a counter table maintained alongside message
	// writes; bump it for everyone but the sender.
	parts, err := s.ListParticipants(ctx, m.ConversationID)
	if err != nil {
		return err
	}
	for _, p := range parts {
		if p.UserID == m.SenderID {
			continue
		}
		if err := s.session.Query(
			`UPDATE unread_counters SET unread = unread + 1 WHERE user_id = ? AND conversation_id = ?`,
			gid(p.UserID), gid(m.ConversationID),
		).WithContext(ctx).Exec(); err != nil {
			return s.wrap("bump unread counter", err)
		}
	}
	return nil
}

func (s *ScyllaStore) messageKey(ctx context.Context, convID, msgID uuid.UUID) (time.Time, error) {
	var cid gocql.UUID
	var createdAt time.Time
	err := s.session.Query(
		`SELECT conversation_id, created_at FROM message_pointers WHERE id = ?`, gid(msgID),
	).WithContext(ctx).Scan(&cid, &createdAt)
	if err != nil {
		return time.Time{}, s.wrap("resolve message", err)
	}
	if uuid.UUID(cid) != convID {
		return time.Time{}, ErrNotFound
	}
	return createdAt, nil
}

func (s *ScyllaStore) scanMessage(convID uuid.UUID, scanner interface {
	Scan(...any) error
}) (model.Message, error) {
	var m model.Message
	var id, sender gocql.UUID
	var replyTo *gocql.UUID
	var kind string
	if err := scanner.Scan(&m.CreatedAt, &id, &sender, &m.Content, &kind, &m.IsEdited, &m.IsDeleted, &replyTo, &m.UpdatedAt); err != nil {
		return model.Message{}, err
	}
	m.ConversationID = convID
	m.ID = uuid.UUID(id)
	m.SenderID = uuid.UUID(sender)
	m.Kind = model.MessageKind(kind)
	if replyTo != nil {
		r := uuid.UUID(*replyTo)
		m.ReplyTo = &r
	}
	return m, nil
}

const messageColumns = `created_at, id, sender_id, content, kind, is_edited, is_deleted, reply_to, updated_at`

func (s *ScyllaStore) GetMessage(ctx context.Context, convID, msgID uuid.UUID) (model.Message, error) {
	createdAt, err := s.messageKey(ctx, convID, msgID)
	if err != nil {
		return model.Message{}, err
	}
	m, err := s.scanMessage(convID, s.session.Query(
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? AND created_at = ? AND id = ?`,
		gid(convID), createdAt, gid(msgID),
	).WithContext(ctx))
	if err != nil {
		return model.Message{}, s.wrap("get message", err)
	}
	return m, nil
}

func (s *ScyllaStore) ListMessages(ctx context.Context, convID uuid.UUID, limit int) ([]model.Message, error) {
	q := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ?`
	query := s.session.Query(q, gid(convID))
	if limit > 0 {
		query = s.session.Query(q+` LIMIT ?`, gid(convID), limit)
	}
	iter := query.WithContext(ctx).Iter()
	var out []model.Message
	var createdAt, updatedAt time.Time
	var id, sender gocql.UUID
	var replyTo *gocql.UUID
	var content, kind string
	var isEdited, isDeleted bool
	for iter.Scan(&createdAt, &id, &sender, &content, &kind, &isEdited, &isDeleted, &replyTo, &updatedAt) {
		if isDeleted {
			replyTo = nil
			continue
		}
		m := model.Message{
			ID:             uuid.UUID(id),
			ConversationID: convID,
			SenderID:       uuid.UUID(sender),
			Content:        content,
			Kind:           model.MessageKind(kind),
			CreatedAt:      createdAt,
			UpdatedAt:      updatedAt,
			IsEdited:       isEdited,
			IsDeleted:      isDeleted,
		}
		if replyTo != nil {
			r := uuid.UUID(*replyTo)
			m.ReplyTo = &r
			replyTo = nil
		}
		out = append(out, m)
	}
	if err := iter.Close(); err != nil {
		return nil, s.wrap("list messages", err)
	}
	// Rows cluster newest-first; callers expect chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *ScyllaStore) LastMessage(ctx context.Context, convID uuid.UUID) (model.Message, error) {
	m, err := s.scanMessage(convID, s.session.Query(
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? LIMIT 1`, gid(convID),
	).WithContext(ctx))
	if err != nil {
		return model.Message{}, s.wrap("last message", err)
	}
	return m, nil
}

func (s *ScyllaStore) EditMessage(ctx context.Context, convID, msgID, senderID uuid.UUID, content string, at time.Time) error {
	m, err := s.GetMessage(ctx, convID, msgID)
	if err != nil {
		return err
	}
	if m.SenderID != senderID {
		return ErrForbidden
	}
	return s.wrap("edit message", s.session.Query(
		`UPDATE messages SET content = ?, is_edited = true, updated_at = ?
		 WHERE conversation_id = ? AND created_at = ? AND id = ?`,
		content, at, gid(convID), m.CreatedAt, gid(msgID),
	).WithContext(ctx).Exec())
}

func (s *ScyllaStore) SoftDeleteMessage(ctx context.Context, convID, msgID, senderID uuid.UUID) error {
	m, err := s.GetMessage(ctx, convID, msgID)
	if err != nil {
		return err
	}
	if m.SenderID != senderID {
		return ErrForbidden
	}
	if err := s.session.Query(
		`UPDATE messages SET content = '', is_deleted = true
		 WHERE conversation_id = ? AND created_at = ? AND id = ?`,
		gid(convID), m.CreatedAt, gid(msgID),
	).WithContext(ctx).Exec(); err != nil {
		return s.wrap("soft delete message", err)
	}
	if err := s.session.Query(
		`DELETE FROM attachments WHERE message_id = ?`, gid(msgID),
	).WithContext(ctx).Exec(); err != nil {
		return s.wrap("cascade attachments", err)
	}
	// Replies to the deleted message go set-null. The conversation partition
	// is scanned; reply chains stay within one conversation.
	all, err := s.ListMessages(ctx, convID, 0)
	if err != nil {
		return err
	}
	for _, other := range all {
		if other.ReplyTo == nil || *other.ReplyTo != msgID {
			continue
		}
		if err := s.session.Query(
			`UPDATE messages SET reply_to = null
			 WHERE conversation_id = ? AND created_at = ? AND id = ?`,
			gid(convID), other.CreatedAt, gid(other.ID),
		).WithContext(ctx).Exec(); err != nil {
			return s.wrap("null reply reference", err)
		}
	}
	return nil
}

func (s *ScyllaStore) ListAttachments(ctx context.Context, msgID uuid.UUID) ([]model.Attachment, error) {
	iter := s.session.Query(
		`SELECT id, file_name, file_size, mime_type, category, width, height, thumbnail, stored_path, created_at
		 FROM attachments WHERE message_id = ?`, gid(msgID),
	).WithContext(ctx).Iter()
	var out []model.Attachment
	var id gocql.UUID
	var a model.Attachment
	var category string
	for iter.Scan(&id, &a.FileName, &a.FileSize, &a.MimeType, &category, &a.Width, &a.Height, &a.Thumbnail, &a.StoredPath, &a.CreatedAt) {
		a.ID = uuid.UUID(id)
		a.MessageID = msgID
		a.Category = model.AttachmentCategory(category)
		out = append(out, a)
	}
	if err := iter.Close(); err != nil {
		return nil, s.wrap("list attachments", err)
	}
	return out, nil
}

func (s *ScyllaStore) UpsertReadReceipts(ctx context.Context, convID, userID uuid.UUID, msgIDs []uuid.UUID, at time.Time) ([]uuid.UUID, error) {
	var created []uuid.UUID
	for _, id := range msgIDs {
		m, err := s.GetMessage(ctx, convID, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if m.SenderID == userID {
			continue
		}
		// LWT gives the once-per-pair guarantee. MapScanCAS because the
		// not-applied result row carries the existing columns and a
		// positional scan would mismatch them.
		applied, err := s.session.Query(
			`INSERT INTO read_receipts (message_id, user_id, read_at) VALUES (?, ?, ?) IF NOT EXISTS`,
			gid(id), gid(userID), at,
		).WithContext(ctx).MapScanCAS(map[string]interface{}{})
		if err != nil {
			return nil, s.wrap("upsert receipt", err)
		}
		if applied {
			created = append(created, id)
		}
	}
	if len(created) > 0 {
		if err := s.session.Query(
			`UPDATE unread_counters SET unread = unread - ? WHERE user_id = ? AND conversation_id = ?`,
			int64(len(created)), gid(userID), gid(convID),
		).WithContext(ctx).Exec(); err != nil {
			return nil, s.wrap("decrement unread counter", err)
		}
	}
	return created, nil
}

func (s *ScyllaStore) ListReceipts(ctx context.Context, msgID uuid.UUID) ([]model.ReadReceipt, error) {
	iter := s.session.Query(
		`SELECT user_id, read_at FROM read_receipts WHERE message_id = ?`, gid(msgID),
	).WithContext(ctx).Iter()
	var out []model.ReadReceipt
	var uid gocql.UUID
	var r model.ReadReceipt
	for iter.Scan(&uid, &r.ReadAt) {
		r.MessageID = msgID
		r.UserID = uuid.UUID(uid)
		out = append(out, r)
	}
	if err := iter.Close(); err != nil {
		return nil, s.wrap("list receipts", err)
	}
	return out, nil
}

func (s *ScyllaStore) UnreadCount(ctx context.Context, convID, userID uuid.UUID) (int, error) {
	var count int64
	err := s.session.Query(
		`SELECT unread FROM unread_counters WHERE user_id = ? AND conversation_id = ?`,
		gid(userID), gid(convID),
	).WithContext(ctx).Scan(&count)
	if errors.Is(err, gocql.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, s.wrap("unread count", err)
	}
	if count < 0 {
		count = 0
	}
	return int(count), nil
}
