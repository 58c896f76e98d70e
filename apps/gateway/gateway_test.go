package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/vartalap-chat/vartalap/pkg/auth"
	"github.com/vartalap-chat/vartalap/pkg/blob"
	"github.com/vartalap-chat/vartalap/pkg/config"
	"github.com/vartalap-chat/vartalap/pkg/hub"
	"github.com/vartalap-chat/vartalap/pkg/model"
	"github.com/vartalap-chat/vartalap/pkg/store"
)

type testEnv struct {
	server *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemoryStore()
	registry := hub.NewRegistry(log)
	h := hub.New(st, registry, nil, nil, log)

	blobs, err := blob.NewDiskStore(t.TempDir())
	require.NoError(t, err)

	g := &Gateway{
		hub:      h,
		store:    st,
		verifier: auth.NewJWTVerifier("test-secret", time.Hour),
		blobs:    blobs,
		cfg:      config.Config{MaxUploadSize: 1 << 20},
		log:      log,
	}
	server := httptest.NewServer(g.Routes())
	t.Cleanup(server.Close)
	return &testEnv{server: server}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (e *testEnv) signUp(t *testing.T, username string) (model.User, string) {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/register", "", map[string]string{
		"username": username,
		"email":    username + "@example.com",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	u := decodeBody[model.User](t, resp)

	resp = e.do(t, http.MethodPost, "/login", "", map[string]string{"username": username})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	lr := decodeBody[LoginResponse](t, resp)
	return u, lr.Token
}

func (e *testEnv) directConversation(t *testing.T, token string, other model.User) model.ConversationView {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/conversations", token, map[string]any{
		"participant_ids": []string{other.ID.String()},
		"type":            "direct",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeBody[model.ConversationView](t, resp)
}

func Test_Register_Rejects_Duplicate_Username(t *testing.T) {
	e := newTestEnv(t)
	e.signUp(t, "alice")

	resp := e.do(t, http.MethodPost, "/register", "", map[string]string{
		"username": "alice",
		"email":    "other@example.com",
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func Test_Protected_Routes_Require_Token(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, http.MethodGet, "/conversations", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/conversations", "bogus", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func Test_Direct_Conversation_Is_Reused(t *testing.T) {
	e := newTestEnv(t)
	alice, aliceToken := e.signUp(t, "alice")
	bob, bobToken := e.signUp(t, "bob")

	conv := e.directConversation(t, aliceToken, bob)

	// Bob asking for a DM with alice lands on the same conversation.
	resp := e.do(t, http.MethodPost, "/conversations", bobToken, map[string]any{
		"participant_ids": []string{alice.ID.String()},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	same := decodeBody[model.ConversationView](t, resp)
	require.Equal(t, conv.ID, same.ID)
}

func Test_Message_Flow_Over_Rest(t *testing.T) {
	e := newTestEnv(t)
	_, aliceToken := e.signUp(t, "alice")
	bob, bobToken := e.signUp(t, "bob")
	conv := e.directConversation(t, aliceToken, bob)

	resp := e.do(t, http.MethodPost, "/conversations/"+conv.ID+"/messages", aliceToken,
		map[string]string{"content": "hi bob"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sent := decodeBody[model.MessageView](t, resp)
	require.Equal(t, "hi bob", sent.Content)
	require.Equal(t, "alice", sent.Sender.Username)

	// Bob sees one unread until he fetches history; fetching marks it read.
	resp = e.do(t, http.MethodGet, "/unread_count", bobToken, nil)
	counts := decodeBody[map[string]int](t, resp)
	require.Equal(t, 1, counts["total_unread"])

	resp = e.do(t, http.MethodGet, "/conversations/"+conv.ID+"/messages", bobToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	history := decodeBody[[]model.MessageView](t, resp)
	require.Len(t, history, 1)

	resp = e.do(t, http.MethodGet, "/unread_count", bobToken, nil)
	counts = decodeBody[map[string]int](t, resp)
	require.Zero(t, counts["total_unread"])
}

func Test_Mark_Read_Endpoint_Is_Idempotent(t *testing.T) {
	e := newTestEnv(t)
	_, aliceToken := e.signUp(t, "alice")
	bob, bobToken := e.signUp(t, "bob")
	conv := e.directConversation(t, aliceToken, bob)

	resp := e.do(t, http.MethodPost, "/conversations/"+conv.ID+"/messages", aliceToken,
		map[string]string{"content": "hi"})
	sent := decodeBody[model.MessageView](t, resp)

	body := map[string]any{"message_ids": []string{sent.ID}}
	resp = e.do(t, http.MethodPost, "/conversations/"+conv.ID+"/read", bobToken, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, decodeBody[map[string]int](t, resp)["marked_read"])

	resp = e.do(t, http.MethodPost, "/conversations/"+conv.ID+"/read", bobToken, body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Zero(t, decodeBody[map[string]int](t, resp)["marked_read"])
}

func Test_Outsider_Cannot_Touch_Conversation(t *testing.T) {
	e := newTestEnv(t)
	_, aliceToken := e.signUp(t, "alice")
	bob, _ := e.signUp(t, "bob")
	_, malloryToken := e.signUp(t, "mallory")
	conv := e.directConversation(t, aliceToken, bob)

	resp := e.do(t, http.MethodGet, "/conversations/"+conv.ID+"/messages", malloryToken, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/conversations/"+conv.ID+"/messages", malloryToken,
		map[string]string{"content": "let me in"})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func Test_Group_Participant_Management(t *testing.T) {
	e := newTestEnv(t)
	_, aliceToken := e.signUp(t, "alice")
	bob, bobToken := e.signUp(t, "bob")
	carol, _ := e.signUp(t, "carol")

	resp := e.do(t, http.MethodPost, "/conversations", aliceToken, map[string]any{
		"participant_ids": []string{bob.ID.String()},
		"type":            "group",
		"name":            "team",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	conv := decodeBody[model.ConversationView](t, resp)

	// Bob is not an admin, so he cannot add carol.
	resp = e.do(t, http.MethodPost, "/conversations/"+conv.ID+"/participants", bobToken,
		map[string]any{"user_ids": []string{carol.ID.String()}})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/conversations/"+conv.ID+"/participants", aliceToken,
		map[string]any{"user_ids": []string{carol.ID.String()}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Adding carol leaves a system message behind.
	resp = e.do(t, http.MethodGet, "/conversations/"+conv.ID+"/messages", aliceToken, nil)
	history := decodeBody[[]model.MessageView](t, resp)
	require.Len(t, history, 1)
	require.Equal(t, model.MessageSystem, history[0].MessageType)

	// Bob can still remove himself.
	resp = e.do(t, http.MethodDelete, "/conversations/"+conv.ID+"/participants", bobToken,
		map[string]any{"user_id": bob.ID.String()})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/conversations/"+conv.ID+"/messages", bobToken, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func wsURL(server *httptest.Server, path, token string) string {
	return fmt.Sprintf("%s%s?token=%s", strings.Replace(server.URL, "http", "ws", 1), path, token)
}

func Test_WebSocket_Round_Trip(t *testing.T) {
	e := newTestEnv(t)
	_, aliceToken := e.signUp(t, "alice")
	bob, bobToken := e.signUp(t, "bob")
	conv := e.directConversation(t, aliceToken, bob)

	aliceConn, _, err := websocket.DefaultDialer.Dial(wsURL(e.server, "/ws/chat/"+conv.ID, aliceToken), nil)
	require.NoError(t, err)
	defer aliceConn.Close()

	bobConn, _, err := websocket.DefaultDialer.Dial(wsURL(e.server, "/ws/chat/"+conv.ID, bobToken), nil)
	require.NoError(t, err)
	defer bobConn.Close()

	// Alice sees bob come online.
	aliceConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var status struct {
		Type     string `json:"type"`
		Username string `json:"username"`
		IsOnline bool   `json:"is_online"`
	}
	require.NoError(t, aliceConn.ReadJSON(&status))
	require.Equal(t, "status", status.Type)
	require.Equal(t, "bob", status.Username)
	require.True(t, status.IsOnline)

	require.NoError(t, aliceConn.WriteJSON(map[string]string{"type": "message", "content": "hi bob"}))

	var got struct {
		Type    string            `json:"type"`
		Message model.MessageView `json:"message"`
	}
	bobConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, bobConn.ReadJSON(&got))
	require.Equal(t, "message", got.Type)
	require.Equal(t, "hi bob", got.Message.Content)
	require.Equal(t, "alice", got.Message.Sender.Username)

	// Sender echo arrives on alice's connection too.
	aliceConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, aliceConn.ReadJSON(&got))
	require.Equal(t, "message", got.Type)
	require.Equal(t, "hi bob", got.Message.Content)
}

func Test_WebSocket_Rejects_Bad_Token(t *testing.T) {
	e := newTestEnv(t)
	_, aliceToken := e.signUp(t, "alice")
	bob, _ := e.signUp(t, "bob")
	conv := e.directConversation(t, aliceToken, bob)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(e.server, "/ws/chat/"+conv.ID, "bogus"), nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func Test_WebSocket_Rejects_Non_Participant(t *testing.T) {
	e := newTestEnv(t)
	_, aliceToken := e.signUp(t, "alice")
	bob, _ := e.signUp(t, "bob")
	_, malloryToken := e.signUp(t, "mallory")
	conv := e.directConversation(t, aliceToken, bob)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(e.server, "/ws/chat/"+conv.ID, malloryToken), nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, "not a participant", closeErr.Text)
}

func Test_WebSocket_Close_Reason_For_Unknown_Conversation(t *testing.T) {
	e := newTestEnv(t)
	_, aliceToken := e.signUp(t, "alice")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(e.server, "/ws/chat/"+uuid.NewString(), aliceToken), nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	require.Equal(t, "conversation not found", closeErr.Text)
}
