package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/qchat/pkg/errors"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Inbound
	}{
		{"chat default type", `{"type":"chat_message","content":"hi"}`, &ChatMessageRequest{Content: "hi", MessageType: "text"}},
		{"chat image", `{"type":"chat_message","content":"u","message_type":"image"}`, &ChatMessageRequest{Content: "u", MessageType: "image"}},
		{"chat empty content kept", `{"type":"chat_message","content":""}`, &ChatMessageRequest{Content: "", MessageType: "text"}},
		{"typing", `{"type":"typing","is_typing":false}`, &TypingRequest{IsTyping: false}},
		{"read all", `{"type":"read_receipt"}`, &ReadReceiptRequest{}},
		{"read some", `{"type":"read_receipt","message_ids":["a","b"]}`, &ReadReceiptRequest{MessageIDs: []string{"a", "b"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	cases := []string{
		`not json`,
		`{}`,
		`{"content":"hi"}`,
		`{"type":"chat_message"}`,
		`{"type":"typing"}`,
		`{"type":"shout","content":"x"}`,
		`{"type":"chat_message","content":5}`,
	}
	for _, in := range cases {
		_, err := Decode([]byte(in))
		require.Error(t, err, in)
		assert.True(t, errors.IsValidation(err), in)
	}
}

func TestEncode_ChatMessage(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	data, err := Encode(&ChatMessageEvent{Message: MessagePayload{
		ID:          "01J",
		Content:     "hi",
		MessageType: "text",
		Timestamp:   ts,
		Sender:      UserRef{ID: 7, Username: "alice"},
	}})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "chat_message", got["type"])
	msg := got["message"].(map[string]any)
	assert.Equal(t, "01J", msg["id"])
	assert.Equal(t, "hi", msg["content"])
	assert.Equal(t, "text", msg["message_type"])
	assert.Equal(t, "2026-01-02T03:04:05Z", msg["timestamp"])
	assert.Equal(t, map[string]any{"id": float64(7), "username": "alice"}, msg["sender"])
}

func TestEncode_Frames(t *testing.T) {
	u := UserRef{ID: 1, Username: "bob"}
	tests := []struct {
		frame Outbound
		want  string
	}{
		{&TypingEvent{User: u, IsTyping: true}, `{"type":"typing","user":{"id":1,"username":"bob"},"is_typing":true}`},
		{&UserStatusEvent{User: u, Status: StatusOffline}, `{"type":"user_status","user":{"id":1,"username":"bob"},"status":"offline"}`},
		{&ReadReceiptEvent{User: u}, `{"type":"read_receipt","user":{"id":1,"username":"bob"},"message_ids":[]}`},
		{&ErrorEvent{Error: "bad"}, `{"type":"error","error":"bad"}`},
		{NewError(2001, "bad"), `{"type":"error","error":"bad","code":2001}`},
	}
	for _, tt := range tests {
		data, err := Encode(tt.frame)
		require.NoError(t, err)
		assert.JSONEq(t, tt.want, string(data))
		assert.Equal(t, tt.frame.Type(), Type(decodeType(t, data)))
	}
}

func decodeType(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(data, &env))
	return env.Type
}
