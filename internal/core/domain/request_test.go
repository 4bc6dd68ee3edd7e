package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestCodecRoundTrip(t *testing.T) {
	vid := VideoID{Service: "youtube", ID: "abc123"}
	reqs := []RoomRequest{
		&SeekRequest{RequestBase: RequestBase{Client: "c1"}, Position: 42.5},
		&AddRequest{RequestBase: RequestBase{Client: "c1"}, URL: "https://youtu.be/abc123"},
		&VoteRequest{RequestBase: RequestBase{Client: "c2"}, Video: vid, Add: true},
		&PromoteRequest{RequestBase: RequestBase{Client: "c1"}, Target: "c2", Role: RoleModerator},
		&UndoRequest{RequestBase: RequestBase{Client: "c1"}, EventID: "ev-7"},
	}

	for _, req := range reqs {
		data, err := EncodeRequest(req)
		require.NoError(t, err, req.Kind())

		back, err := DecodeRequest(data)
		require.NoError(t, err, req.Kind())
		assert.Equal(t, req.Kind(), back.Kind())
		assert.Equal(t, req, back, req.Kind())
	}
}

func TestDecodeRequestRejectsUnknownKind(t *testing.T) {
	_, err := DecodeRequest([]byte(`{"kind":"self-destruct","payload":{}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "self-destruct")
}

func TestServerMessageCodecRoundTrip(t *testing.T) {
	pos := 12.5
	msgs := []ServerMessage{
		&SyncMessage{Sync: RoomSync{Name: "movie-night", PlaybackPosition: &pos}},
		&ChatMessage{From: UserInfo{ID: "c1", Name: "alice"}, Text: "hello"},
		&UserMessage{Info: UserInfo{ID: "c2", Name: "bob", Role: "trusted"}},
		&UnloadMessage{Reason: "room destroyed"},
	}

	for _, msg := range msgs {
		data, err := EncodeServerMessage(msg)
		require.NoError(t, err, msg.MessageType())

		back, err := DecodeServerMessage(data)
		require.NoError(t, err, msg.MessageType())
		assert.Equal(t, msg, back, msg.MessageType())
	}
}

func TestDecodeServerMessageRejectsUnknownType(t *testing.T) {
	_, err := DecodeServerMessage([]byte(`{"type":"teleport","data":{}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "teleport")
}

func TestRequestTokenNeverSerialized(t *testing.T) {
	data, err := EncodeRequest(&ChatRequest{
		RequestBase: RequestBase{Client: "c1", Token: "super-secret"},
		Text:        "hello",
	})
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(data), "super-secret"))
}
