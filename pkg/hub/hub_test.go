package hub

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/vartalap-chat/vartalap/pkg/auth"
	"github.com/vartalap-chat/vartalap/pkg/model"
	"github.com/vartalap-chat/vartalap/pkg/store"
)

type fixture struct {
	hub   *Hub
	store *store.MemoryStore
	conv  uuid.UUID
	alice auth.Identity
	bob   auth.Identity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	st := store.NewMemoryStore()
	alice := auth.Identity{UserID: uuid.New(), Username: "alice"}
	bob := auth.Identity{UserID: uuid.New(), Username: "bob"}
	require.NoError(t, st.CreateUser(ctx, model.User{ID: alice.UserID, Username: "alice"}))
	require.NoError(t, st.CreateUser(ctx, model.User{ID: bob.UserID, Username: "bob"}))

	now := time.Now().UTC()
	conv := model.Conversation{ID: uuid.New(), Kind: model.KindDirect, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, st.CreateConversation(ctx, conv, []model.Participant{
		{ConversationID: conv.ID, UserID: alice.UserID, JoinedAt: now},
		{ConversationID: conv.ID, UserID: bob.UserID, JoinedAt: now},
	}))

	return &fixture{
		hub:   New(st, NewRegistry(log), nil, nil, log),
		store: st,
		conv:  conv.ID,
		alice: alice,
		bob:   bob,
	}
}

func (f *fixture) chatSession(t *testing.T, id auth.Identity) *Session {
	t.Helper()
	s := NewChatSession(nil, id, f.conv, f.hub.log)
	require.NoError(t, f.hub.Activate(context.Background(), s))
	return s
}

func (f *fixture) notificationSession(t *testing.T, id auth.Identity) *Session {
	t.Helper()
	s := NewNotificationSession(nil, id, f.hub.log)
	require.NoError(t, f.hub.Activate(context.Background(), s))
	return s
}

// drain empties a session's outbound buffer and returns the event types in
// delivery order.
func drain(t *testing.T, s *Session) []string {
	t.Helper()
	var kinds []string
	for {
		select {
		case raw := <-s.send:
			var ev struct {
				Type string `json:"type"`
			}
			require.NoError(t, json.Unmarshal(raw, &ev))
			kinds = append(kinds, ev.Type)
		default:
			return kinds
		}
	}
}

func Test_Activate_Rejects_Non_Participant(t *testing.T) {
	f := newFixture(t)
	outsider := auth.Identity{UserID: uuid.New(), Username: "mallory"}

	s := NewChatSession(nil, outsider, f.conv, f.hub.log)
	err := f.hub.Activate(context.Background(), s)

	require.ErrorIs(t, err, store.ErrNotParticipant)
	require.Zero(t, f.hub.Registry().GroupCount())
}

func Test_PostMessage_Delivers_Exactly_Once_Per_Session(t *testing.T) {
	f := newFixture(t)
	aliceChat := f.chatSession(t, f.alice)
	bobChat := f.chatSession(t, f.bob)
	bobNotify := f.notificationSession(t, f.bob)
	drain(t, aliceChat)
	drain(t, bobChat)

	_, err := f.hub.PostMessage(context.Background(), f.alice, f.conv, "hi", nil, model.MessageText, nil)
	require.NoError(t, err)

	// Sender echo: exactly one message event back to the sender.
	require.Equal(t, []string{"message"}, drain(t, aliceChat))
	// Bob's chat session gets the message; his notification session,
	// subscribed only to his personal group, gets the notification. Never
	// both on the same session.
	require.Equal(t, []string{"message"}, drain(t, bobChat))
	require.Equal(t, []string{"new_message"}, drain(t, bobNotify))
}

func Test_PostMessage_Notifies_Offline_Participants(t *testing.T) {
	f := newFixture(t)
	aliceChat := f.chatSession(t, f.alice)
	bobNotify := f.notificationSession(t, f.bob)

	_, err := f.hub.PostMessage(context.Background(), f.alice, f.conv, "hi", nil, model.MessageText, nil)
	require.NoError(t, err)

	require.Equal(t, []string{"message"}, drain(t, aliceChat))
	require.Equal(t, []string{"new_message"}, drain(t, bobNotify))
}

func Test_PostMessage_Requires_Content(t *testing.T) {
	f := newFixture(t)

	_, err := f.hub.PostMessage(context.Background(), f.alice, f.conv, "   ", nil, model.MessageText, nil)

	require.ErrorIs(t, err, store.ErrValidation)
}

func Test_PostMessage_Rejects_Non_Participant(t *testing.T) {
	f := newFixture(t)
	outsider := auth.Identity{UserID: uuid.New(), Username: "mallory"}

	_, err := f.hub.PostMessage(context.Background(), outsider, f.conv, "hi", nil, model.MessageText, nil)

	require.ErrorIs(t, err, store.ErrNotParticipant)
}

func Test_PostMessage_Rejects_Unknown_Reply_Target(t *testing.T) {
	f := newFixture(t)
	ghost := uuid.New()

	_, err := f.hub.PostMessage(context.Background(), f.alice, f.conv, "hi", &ghost, model.MessageText, nil)

	require.ErrorIs(t, err, store.ErrValidation)
}

func Test_MarkRead_Is_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view, err := f.hub.PostMessage(ctx, f.alice, f.conv, "hi", nil, model.MessageText, nil)
	require.NoError(t, err)
	msgID := uuid.MustParse(view.ID)

	aliceChat := f.chatSession(t, f.alice)
	drain(t, aliceChat)

	created, err := f.hub.MarkRead(ctx, f.bob, f.conv, []uuid.UUID{msgID}, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{msgID}, created)
	require.Equal(t, []string{"read"}, drain(t, aliceChat))

	// Second call creates nothing and must stay silent.
	created, err = f.hub.MarkRead(ctx, f.bob, f.conv, []uuid.UUID{msgID}, time.Now().UTC())
	require.NoError(t, err)
	require.Empty(t, created)
	require.Empty(t, drain(t, aliceChat))
}

func Test_MarkRead_Skips_Readers_Own_Messages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view, err := f.hub.PostMessage(ctx, f.alice, f.conv, "hi", nil, model.MessageText, nil)
	require.NoError(t, err)

	created, err := f.hub.MarkRead(ctx, f.alice, f.conv, []uuid.UUID{uuid.MustParse(view.ID)}, time.Now().UTC())

	require.NoError(t, err)
	require.Empty(t, created)
}

func Test_Edit_Is_Sender_Only(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view, err := f.hub.PostMessage(ctx, f.alice, f.conv, "hi", nil, model.MessageText, nil)
	require.NoError(t, err)
	msgID := uuid.MustParse(view.ID)

	err = f.hub.EditMessage(ctx, f.bob, f.conv, msgID, "hijacked")
	require.ErrorIs(t, err, store.ErrForbidden)

	require.NoError(t, f.hub.EditMessage(ctx, f.alice, f.conv, msgID, "hello"))
	m, err := f.store.GetMessage(ctx, f.conv, msgID)
	require.NoError(t, err)
	require.Equal(t, "hello", m.Content)
	require.True(t, m.IsEdited)
}

func Test_Delete_Clears_Content_And_Broadcasts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view, err := f.hub.PostMessage(ctx, f.alice, f.conv, "hi", nil, model.MessageText, nil)
	require.NoError(t, err)
	msgID := uuid.MustParse(view.ID)

	bobChat := f.chatSession(t, f.bob)
	drain(t, bobChat)

	require.ErrorIs(t, f.hub.DeleteMessage(ctx, f.bob, f.conv, msgID), store.ErrForbidden)
	require.NoError(t, f.hub.DeleteMessage(ctx, f.alice, f.conv, msgID))

	m, err := f.store.GetMessage(ctx, f.conv, msgID)
	require.NoError(t, err)
	require.True(t, m.IsDeleted)
	require.Empty(t, m.Content)
	require.Equal(t, []string{"deleted"}, drain(t, bobChat))
}

func Test_Lifecycle_Events_Are_Ordered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bobChat := f.chatSession(t, f.bob)
	drain(t, bobChat)

	view, err := f.hub.PostMessage(ctx, f.alice, f.conv, "hi", nil, model.MessageText, nil)
	require.NoError(t, err)
	msgID := uuid.MustParse(view.ID)
	require.NoError(t, f.hub.EditMessage(ctx, f.alice, f.conv, msgID, "hi there"))
	require.NoError(t, f.hub.DeleteMessage(ctx, f.alice, f.conv, msgID))

	require.Equal(t, []string{"message", "edited", "deleted"}, drain(t, bobChat))
}

func Test_Status_Announced_Once_Per_Transition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bobChat := f.chatSession(t, f.bob)

	aliceChat := f.chatSession(t, f.alice)
	require.Equal(t, []string{"status"}, drain(t, bobChat))
	// Joining must not echo the session's own status back to it.
	require.Empty(t, drain(t, aliceChat))

	f.hub.Teardown(ctx, aliceChat)
	require.Equal(t, []string{"status"}, drain(t, bobChat))
}

func Test_Teardown_Leaves_All_Groups(t *testing.T) {
	f := newFixture(t)
	s := f.chatSession(t, f.alice)

	f.hub.Teardown(context.Background(), s)

	require.Zero(t, f.hub.Registry().GroupCount())
	require.Equal(t, StateClosed, s.State())
}

func Test_Typing_Excludes_The_Typist(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	aliceChat := f.chatSession(t, f.alice)
	bobChat := f.chatSession(t, f.bob)
	drain(t, aliceChat)
	drain(t, bobChat)

	f.hub.HandleInbound(ctx, aliceChat, []byte(`{"type":"typing"}`))
	f.hub.HandleInbound(ctx, aliceChat, []byte(`{"type":"stop_typing"}`))

	require.Empty(t, drain(t, aliceChat))
	require.Equal(t, []string{"typing", "typing"}, drain(t, bobChat))
}

func Test_Inbound_Errors_Go_To_Sender_Only(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	aliceChat := f.chatSession(t, f.alice)
	bobChat := f.chatSession(t, f.bob)
	drain(t, aliceChat)
	drain(t, bobChat)

	f.hub.HandleInbound(ctx, aliceChat, []byte(`not json`))
	f.hub.HandleInbound(ctx, aliceChat, []byte(`{"type":"teleport"}`))
	f.hub.HandleInbound(ctx, aliceChat, []byte(`{"type":"message","content":"  "}`))

	require.Equal(t, []string{"error", "error", "error"}, drain(t, aliceChat))
	require.Empty(t, drain(t, bobChat))
}

func Test_Inbound_Message_Round_Trip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	aliceChat := f.chatSession(t, f.alice)
	bobChat := f.chatSession(t, f.bob)
	drain(t, aliceChat)
	drain(t, bobChat)

	f.hub.HandleInbound(ctx, aliceChat, []byte(`{"type":"message","content":"hi bob"}`))

	require.Equal(t, []string{"message"}, drain(t, bobChat))
	require.Equal(t, []string{"message"}, drain(t, aliceChat))

	msgs, err := f.store.ListMessages(ctx, f.conv, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "hi bob", msgs[0].Content)
}
