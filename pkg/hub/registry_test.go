package hub

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/vartalap-chat/vartalap/pkg/auth"
)

func testRegistry() *Registry {
	return NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testSession() *Session {
	return NewChatSession(nil, auth.Identity{UserID: uuid.New(), Username: "u"}, uuid.New(), nil)
}

func received(s *Session) int {
	n := 0
	for {
		select {
		case <-s.send:
			n++
		default:
			return n
		}
	}
}

func Test_Join_Is_Idempotent(t *testing.T) {
	r := testRegistry()
	s := testSession()

	r.Join("g", s)
	r.Join("g", s)

	require.Len(t, r.Snapshot("g"), 1)
	require.Equal(t, []string{"g"}, s.joinedGroups())
}

func Test_Leave_Prunes_Empty_Groups(t *testing.T) {
	r := testRegistry()
	s := testSession()
	r.Join("g", s)

	r.Leave("g", s)

	require.Zero(t, r.GroupCount())
	require.NotPanics(t, func() { r.Leave("g", s) })
}

func Test_Join_Lands_In_Live_Group_Despite_Concurrent_Prune(t *testing.T) {
	r := testRegistry()
	for i := 0; i < 10_000; i++ {
		leaver := testSession()
		r.Join("g", leaver)
		joiner := testSession()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Leave("g", leaver)
		}()
		go func() {
			defer wg.Done()
			r.Join("g", joiner)
		}()
		wg.Wait()

		// However the leave of the last remaining member interleaved with
		// the join, the joiner must be visible to broadcasts.
		found := false
		for _, s := range r.Snapshot("g") {
			if s.ID() == joiner.ID() {
				found = true
			}
		}
		require.True(t, found)
		r.Leave("g", joiner)
	}
}

func Test_Broadcast_Excludes_One_Session(t *testing.T) {
	r := testRegistry()
	a, b := testSession(), testSession()
	r.Join("g", a)
	r.Join("g", b)

	r.Broadcast("g", []byte("x"), a.ID())

	require.Zero(t, received(a))
	require.Equal(t, 1, received(b))
}

func Test_Broadcast_Skips_Closed_Sessions(t *testing.T) {
	r := testRegistry()
	a, b := testSession(), testSession()
	r.Join("g", a)
	r.Join("g", b)
	a.close()

	r.Broadcast("g", []byte("x"), "")

	require.Zero(t, received(a))
	require.Equal(t, 1, received(b))
}

func Test_Broadcast_Drops_When_Buffer_Full(t *testing.T) {
	r := testRegistry()
	s := testSession()
	r.Join("g", s)
	for i := 0; i < sendBufferSize; i++ {
		require.True(t, s.trySend([]byte("fill")))
	}

	require.NotPanics(t, func() { r.Broadcast("g", []byte("x"), "") })
	require.Equal(t, sendBufferSize, received(s))
}

func Test_FanOut_Deduplicates_Overlapping_Groups(t *testing.T) {
	r := testRegistry()
	both := testSession()
	chatOnly := testSession()
	userOnly := testSession()

	r.Join("chat_c", both)
	r.Join("user_u", both)
	r.Join("chat_c", chatOnly)
	r.Join("user_u2", userOnly)

	r.FanOut("chat_c", []string{"user_u", "user_u2"}, []byte("msg"), []byte("notify"))

	// The doubly subscribed session gets the chat rendering exactly once.
	require.Equal(t, []byte("msg"), <-both.send)
	require.Zero(t, received(both))
	require.Equal(t, 1, received(chatOnly))
	require.Equal(t, []byte("notify"), <-userOnly.send)
}

func Test_FanOut_Routes_Payload_By_Group(t *testing.T) {
	r := testRegistry()
	chatMember := testSession()
	notifyMember := testSession()
	r.Join("chat_c", chatMember)
	r.Join("user_u", notifyMember)

	r.FanOut("chat_c", []string{"user_u"}, []byte("msg"), []byte("notify"))

	require.Equal(t, []byte("msg"), <-chatMember.send)
	require.Equal(t, []byte("notify"), <-notifyMember.send)
}
