package event

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func Test_Decode_Kind_Covers_The_Closed_Set(t *testing.T) {
	for _, k := range []Kind{KindMessage, KindTyping, KindStopTyping, KindRead, KindEdit, KindDelete} {
		got, err := DecodeKind([]byte(`{"type":"` + string(k) + `"}`))
		require.NoError(t, err)
		require.Equal(t, k, got)
	}
}

func Test_Decode_Kind_Defaults_To_Message(t *testing.T) {
	got, err := DecodeKind([]byte(`{"content":"hi"}`))
	require.NoError(t, err)
	require.Equal(t, KindMessage, got)
}

func Test_Decode_Kind_Rejects_Bad_Json(t *testing.T) {
	got, err := DecodeKind([]byte(`{"type":`))
	require.ErrorIs(t, err, ErrMalformed)
	require.Empty(t, got)
}

func Test_Decode_Kind_Rejects_Unknown_Type(t *testing.T) {
	got, err := DecodeKind([]byte(`{"type":"teleport"}`))
	require.ErrorIs(t, err, ErrMalformed)
	require.Equal(t, Kind("teleport"), got)
}

func Test_Decode_Payload(t *testing.T) {
	id := uuid.New()

	var p EditMessage
	require.NoError(t, DecodePayload([]byte(`{"type":"edit","message_id":"`+id.String()+`","content":"fixed"}`), &p))
	require.Equal(t, id, p.MessageID)
	require.Equal(t, "fixed", p.Content)

	require.ErrorIs(t, DecodePayload([]byte(`{"message_ids":"nope"}`), &MarkRead{}), ErrMalformed)
}

func Test_Marshal_Swallows_Nothing_Valid(t *testing.T) {
	raw := Marshal(ErrorPayload{Type: OutError, Message: "boom"})
	require.JSONEq(t, `{"type":"error","message":"boom"}`, string(raw))
}
