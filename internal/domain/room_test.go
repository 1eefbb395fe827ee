package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomID_Validate(t *testing.T) {
	assert.ErrorIs(t, RoomID("").Validate(), ErrEmptyRoom)

	for _, room := range []string{"abc", "room 42", "ünïcode", "a/b"} {
		assert.NoError(t, RoomID(room).Validate(), room)
	}
}

func TestGroupName(t *testing.T) {
	assert.Equal(t, "chat_abc", GroupName("abc"))
	assert.Equal(t, "chat_", GroupName(""))
}

func TestNewConnectionID_Unique(t *testing.T) {
	seen := make(map[ConnectionID]struct{})
	for range 100 {
		id := NewConnectionID()
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
}

func TestEnvelope_WireFormat(t *testing.T) {
	data, err := json.Marshal(NewChatEnvelope("hi"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"chat_message","message":"hi"}`, string(data))
}

func TestInboundMessage_MissingMessage(t *testing.T) {
	var missing InboundMessage
	require.NoError(t, json.Unmarshal([]byte(`{}`), &missing))
	assert.Nil(t, missing.Message)

	var empty InboundMessage
	require.NoError(t, json.Unmarshal([]byte(`{"message":""}`), &empty))
	require.NotNil(t, empty.Message)
	assert.Equal(t, "", *empty.Message)
}
