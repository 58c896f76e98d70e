package hub

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vartalap-chat/vartalap/pkg/auth"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound event size allowed from peer.
	maxMessageSize = 4096

	// Outbound buffer per session. Overflow drops the event for that
	// session only (drop-new policy); the peer reconciles via the REST
	// read path on its next refresh.
	sendBufferSize = 256
)

// State tracks a session through its lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosing
	StateClosed
)

// Session is one live connection. A chat session is bound to a single
// conversation; a notification session (conversation id zero) subscribes
// only to its user's personal group.
type Session struct {
	id       string
	identity auth.Identity
	conv     uuid.UUID
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	state    atomic.Int32

	closeOnce sync.Once

	mu     sync.Mutex
	groups []string

	log *slog.Logger
}

func newSession(conn *websocket.Conn, identity auth.Identity, conv uuid.UUID, log *slog.Logger) *Session {
	s := &Session{
		id:       uuid.NewString(),
		identity: identity,
		conv:     conv,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
		log:      log,
	}
	s.state.Store(int32(StateAuthenticated))
	return s
}

// NewChatSession binds an authenticated connection to a conversation.
func NewChatSession(conn *websocket.Conn, identity auth.Identity, conversationID uuid.UUID, log *slog.Logger) *Session {
	return newSession(conn, identity, conversationID, log)
}

// NewNotificationSession binds an authenticated connection to its user's
// personal group only.
func NewNotificationSession(conn *websocket.Conn, identity auth.Identity, log *slog.Logger) *Session {
	return newSession(conn, identity, uuid.Nil, log)
}

func (s *Session) ID() string              { return s.id }
func (s *Session) Identity() auth.Identity { return s.identity }
func (s *Session) State() State            { return State(s.state.Load()) }

func (s *Session) isNotification() bool { return s.conv == uuid.Nil }

func (s *Session) rememberGroup(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.groups {
		if g == key {
			return
		}
	}
	s.groups = append(s.groups, key)
}

func (s *Session) joinedGroups() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.groups...)
}

// trySend queues an outbound payload without blocking. It reports false when
// the session is closing or its buffer is full; the caller drops the event
// for this session only.
func (s *Session) trySend(payload []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- payload:
		return true
	case <-s.done:
		return false
	default:
		return false
	}
}

// close marks the session closing. The send channel is never closed; the
// write pump observes done and exits, so concurrent trySend calls are safe.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		close(s.done)
	})
}

// ReadPump reads inbound events and hands them to the hub one at a time, so
// events from one session are handled in arrival order. It returns when the
// connection drops; the caller runs teardown.
func (s *Session) ReadPump(ctx context.Context, h *Hub) {
	defer s.close()
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error { s.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.log.Warn("session read failed", "session", s.id, "err", err)
			}
			return
		}
		if s.isNotification() {
			// Notification sessions are consume-only.
			continue
		}
		h.HandleInbound(ctx, s, raw)
	}
}

// WritePump pushes queued events to the connection and keeps it alive with
// pings. It owns all writes to the connection.
func (s *Session) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
		s.state.Store(int32(StateClosed))
	}()
	for {
		select {
		case payload := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.close()
				return
			}
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		}
	}
}
