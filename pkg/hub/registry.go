// Package hub is the in-memory broadcast layer: a group registry mapping
// group keys to live sessions, the per-connection session type, and the
// message hub coordinating validation, persistence and fan-out.
package hub

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Group key namespace. These strings are the coupling contract between the
// REST gateway and the hub: both ingress paths address the same groups.
func ChatGroup(conversationID uuid.UUID) string { return "chat_" + conversationID.String() }
func UserGroup(userID uuid.UUID) string         { return "user_" + userID.String() }

type group struct {
	mu      sync.Mutex
	members map[string]*Session // by session id
}

// Registry owns the group-key → session-set mapping. The registry mutex
// guards only the map of groups; each group carries its own lock so
// broadcasts to unrelated groups never serialize.
type Registry struct {
	mu     sync.RWMutex
	groups map[string]*group
	log    *slog.Logger
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{groups: make(map[string]*group), log: log}
}

// Join subscribes a session to a group. Joining twice is a no-op.
func (r *Registry) Join(key string, s *Session) {
	for {
		r.mu.Lock()
		g, ok := r.groups[key]
		if !ok {
			g = &group{members: make(map[string]*Session)}
			r.groups[key] = g
		}
		r.mu.Unlock()

		g.mu.Lock()
		g.members[s.id] = s
		g.mu.Unlock()

		// A concurrent Leave of the last member may have pruned the group
		// between the map lookup and the member insert, leaving s in an
		// orphaned group object. Retry until the insert landed in the
		// group the map actually holds.
		r.mu.RLock()
		live := r.groups[key] == g
		r.mu.RUnlock()
		if live {
			break
		}
	}

	s.rememberGroup(key)
}

// Leave removes a session from a group; non-members are a no-op. The group
// is pruned as soon as its last member leaves.
func (r *Registry) Leave(key string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[key]
	if !ok {
		return
	}
	g.mu.Lock()
	delete(g.members, s.id)
	empty := len(g.members) == 0
	g.mu.Unlock()
	if empty {
		delete(r.groups, key)
	}
}

// Snapshot returns the sessions currently joined to a group.
func (r *Registry) Snapshot(key string) []*Session {
	r.mu.RLock()
	g, ok := r.groups[key]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Session, 0, len(g.members))
	for _, s := range g.members {
		out = append(out, s)
	}
	return out
}

// Broadcast delivers payload to every member of the group except the
// excluded session. A member whose outbound buffer is full or whose
// connection is closing is skipped; that never fails the broadcast.
func (r *Registry) Broadcast(key string, payload []byte, excludeSessionID string) {
	if payload == nil {
		return
	}
	for _, s := range r.Snapshot(key) {
		if s.id == excludeSessionID {
			continue
		}
		if !s.trySend(payload) {
			r.log.Warn("dropping broadcast for slow session", "group", key, "session", s.id)
		}
	}
}

// FanOut delivers one logical message event through the conversation group
// and the personal notification groups, deduplicated by session so a session
// subscribed through both receives exactly one rendering.
func (r *Registry) FanOut(chatKey string, userKeys []string, msgPayload, notifyPayload []byte) {
	seen := make(map[string]struct{})
	for _, s := range r.Snapshot(chatKey) {
		seen[s.id] = struct{}{}
		if !s.trySend(msgPayload) {
			r.log.Warn("dropping message for slow session", "group", chatKey, "session", s.id)
		}
	}
	for _, key := range userKeys {
		for _, s := range r.Snapshot(key) {
			if _, ok := seen[s.id]; ok {
				continue
			}
			seen[s.id] = struct{}{}
			if !s.trySend(notifyPayload) {
				r.log.Warn("dropping notification for slow session", "group", key, "session", s.id)
			}
		}
	}
}

// GroupCount reports how many groups currently have members.
func (r *Registry) GroupCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups)
}
