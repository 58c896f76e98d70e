package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vartalap-chat/vartalap/pkg/model"
)

// MemoryStore is a mutex-guarded in-memory ConversationStore. It backs the
// test suite and redis/scylla-less development runs.
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[uuid.UUID]model.User
	conversations map[uuid.UUID]model.Conversation
	participants  map[uuid.UUID][]model.Participant // by conversation
	messages      map[uuid.UUID][]model.Message     // by conversation, creation order
	attachments   map[uuid.UUID][]model.Attachment  // by message
	receipts      map[uuid.UUID][]model.ReadReceipt // by message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[uuid.UUID]model.User),
		conversations: make(map[uuid.UUID]model.Conversation),
		participants:  make(map[uuid.UUID][]model.Participant),
		messages:      make(map[uuid.UUID][]model.Message),
		attachments:   make(map[uuid.UUID][]model.Attachment),
		receipts:      make(map[uuid.UUID][]model.ReadReceipt),
	}
}

var _ ConversationStore = (*MemoryStore)(nil)

func (s *MemoryStore) CreateUser(_ context.Context, u model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id uuid.UUID) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return model.User{}, ErrNotFound
	}
	return u, nil
}

func (s *MemoryStore) GetUserByUsername(_ context.Context, username string) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Username, username) {
			return u, nil
		}
	}
	return model.User{}, ErrNotFound
}

func (s *MemoryStore) SetUserPresence(_ context.Context, id uuid.UUID, online bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	u.IsOnline = online
	u.LastSeen = &at
	s.users[id] = u
	return nil
}

func (s *MemoryStore) GetConversationIfParticipant(_ context.Context, convID, userID uuid.UUID) (model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[convID]
	if !ok {
		return model.Conversation{}, ErrNotFound
	}
	for _, p := range s.participants[convID] {
		if p.UserID == userID {
			return c, nil
		}
	}
	return model.Conversation{}, ErrNotParticipant
}

func (s *MemoryStore) ListConversations(_ context.Context, userID uuid.UUID) ([]model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Conversation
	for id, c := range s.conversations {
		for _, p := range s.participants[id] {
			if p.UserID == userID {
				out = append(out, c)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryStore) CreateConversation(_ context.Context, c model.Conversation, participants []model.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[c.ID] = c
	s.participants[c.ID] = append([]model.Participant(nil), participants...)
	return nil
}

func (s *MemoryStore) FindDirectConversation(_ context.Context, a, b uuid.UUID) (model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, c := range s.conversations {
		if c.Kind != model.KindDirect {
			continue
		}
		var hasA, hasB bool
		for _, p := range s.participants[id] {
			hasA = hasA || p.UserID == a
			hasB = hasB || p.UserID == b
		}
		if hasA && hasB {
			return c, nil
		}
	}
	return model.Conversation{}, ErrNotFound
}

func (s *MemoryStore) TouchConversation(_ context.Context, convID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[convID]
	if !ok {
		return ErrNotFound
	}
	c.UpdatedAt = at
	s.conversations[convID] = c
	return nil
}

func (s *MemoryStore) AddParticipant(_ context.Context, p model.Participant) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[p.ConversationID]; !ok {
		return false, ErrNotFound
	}
	for _, existing := range s.participants[p.ConversationID] {
		if existing.UserID == p.UserID {
			return false, nil
		}
	}
	s.participants[p.ConversationID] = append(s.participants[p.ConversationID], p)
	return true, nil
}

func (s *MemoryStore) RemoveParticipant(_ context.Context, convID, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	parts := s.participants[convID]
	for i, p := range parts {
		if p.UserID == userID {
			s.participants[convID] = append(parts[:i], parts[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) GetParticipant(_ context.Context, convID, userID uuid.UUID) (model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.participants[convID] {
		if p.UserID == userID {
			return p, nil
		}
	}
	return model.Participant{}, ErrNotFound
}

func (s *MemoryStore) ListParticipants(_ context.Context, convID uuid.UUID) ([]model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Participant(nil), s.participants[convID]...), nil
}

func (s *MemoryStore) CreateMessage(_ context.Context, m model.Message, attachments []model.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[m.ConversationID]; !ok {
		return ErrNotFound
	}
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], m)
	if len(attachments) > 0 {
		s.attachments[m.ID] = append([]model.Attachment(nil), attachments...)
	}
	return nil
}

func (s *MemoryStore) GetMessage(_ context.Context, convID, msgID uuid.UUID) (model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.messages[convID] {
		if m.ID == msgID {
			return m, nil
		}
	}
	return model.Message{}, ErrNotFound
}

func (s *MemoryStore) ListMessages(_ context.Context, convID uuid.UUID, limit int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Message
	for _, m := range s.messages[convID] {
		if m.IsDeleted {
			continue
		}
		out = append(out, m)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryStore) LastMessage(_ context.Context, convID uuid.UUID) (model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[convID]
	if len(msgs) == 0 {
		return model.Message{}, ErrNotFound
	}
	return msgs[len(msgs)-1], nil
}

func (s *MemoryStore) EditMessage(_ context.Context, convID, msgID, senderID uuid.UUID, content string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[convID]
	for i, m := range msgs {
		if m.ID != msgID {
			continue
		}
		if m.SenderID != senderID {
			return ErrForbidden
		}
		m.Content = content
		m.IsEdited = true
		m.UpdatedAt = at
		msgs[i] = m
		return nil
	}
	return ErrNotFound
}

func (s *MemoryStore) SoftDeleteMessage(_ context.Context, convID, msgID, senderID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[convID]
	found := false
	for i, m := range msgs {
		if m.ID != msgID {
			continue
		}
		if m.SenderID != senderID {
			return ErrForbidden
		}
		m.Content = ""
		m.IsDeleted = true
		msgs[i] = m
		found = true
		break
	}
	if !found {
		return ErrNotFound
	}
	// Attachments cascade; replies to the deleted message go set-null.
	delete(s.attachments, msgID)
	for i, m := range msgs {
		if m.ReplyTo != nil && *m.ReplyTo == msgID {
			m.ReplyTo = nil
			msgs[i] = m
		}
	}
	return nil
}

func (s *MemoryStore) ListAttachments(_ context.Context, msgID uuid.UUID) ([]model.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Attachment(nil), s.attachments[msgID]...), nil
}

func (s *MemoryStore) UpsertReadReceipts(_ context.Context, convID, userID uuid.UUID, msgIDs []uuid.UUID, at time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[uuid.UUID]bool, len(msgIDs))
	for _, id := range msgIDs {
		wanted[id] = true
	}
	var created []uuid.UUID
	for _, m := range s.messages[convID] {
		if !wanted[m.ID] || m.SenderID == userID {
			continue
		}
		exists := false
		for _, r := range s.receipts[m.ID] {
			if r.UserID == userID {
				exists = true
				break
			}
		}
		if exists {
			continue
		}
		s.receipts[m.ID] = append(s.receipts[m.ID], model.ReadReceipt{MessageID: m.ID, UserID: userID, ReadAt: at})
		created = append(created, m.ID)
	}
	return created, nil
}

func (s *MemoryStore) ListReceipts(_ context.Context, msgID uuid.UUID) ([]model.ReadReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.ReadReceipt(nil), s.receipts[msgID]...), nil
}

func (s *MemoryStore) UnreadCount(_ context.Context, convID, userID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, m := range s.messages[convID] {
		if m.SenderID == userID || m.IsDeleted {
			continue
		}
		read := false
		for _, r := range s.receipts[m.ID] {
			if r.UserID == userID {
				read = true
				break
			}
		}
		if !read {
			count++
		}
	}
	return count, nil
}
