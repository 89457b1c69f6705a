package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/carebridge/gateway/internal/chat"
	"github.com/carebridge/gateway/internal/identity"
)

func TestParseClientEvent_SendMessage(t *testing.T) {
	input := []byte(`{"event":"send_message","data":{"receiverId":"t1","receiverRole":"therapist","message":"hello"}}`)

	event, msg, err := ParseClientEvent(input)
	require.NoError(t, err)
	require.Equal(t, EventSendMessage, event)

	sm, ok := msg.(SendMessageMsg)
	require.True(t, ok, "expected SendMessageMsg, got %T", msg)
	require.Equal(t, chat.SendRequest{ReceiverID: "t1", ReceiverRole: "therapist", Message: "hello"}, sm.Request())
}

func TestParseClientEvent_SendMessageWithoutData(t *testing.T) {
	event, msg, err := ParseClientEvent([]byte(`{"event":"send_message"}`))
	require.NoError(t, err)
	require.Equal(t, EventSendMessage, event)
	require.Equal(t, SendMessageMsg{}, msg)
}

func TestParseClientEvent_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not json", `hello`},
		{"no event", `{"data":{}}`},
		{"wrong payload type", `{"event":"send_message","data":{"receiverId":42}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseClientEvent([]byte(tt.input))
			require.Error(t, err)
		})
	}
}

func TestParseClientEvent_Unknown(t *testing.T) {
	event, _, err := ParseClientEvent([]byte(`{"event":"typing","data":{}}`))
	require.Equal(t, "typing", event)
	require.True(t, errors.Is(err, ErrUnknownEvent))
}

func TestParseClientEvent_Ping(t *testing.T) {
	event, msg, err := ParseClientEvent([]byte(`{"event":"ping"}`))
	require.NoError(t, err)
	require.Equal(t, EventPing, event)
	require.Equal(t, PingMsg{}, msg)
}

func TestNewServerEvent_ReceiveMessage(t *testing.T) {
	at := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	msg := chat.ChatMessage{
		ID:        "m1",
		Sender:    identity.Address{Kind: identity.KindUser, ID: "u1"},
		Receiver:  identity.Address{Kind: identity.KindTherapist, ID: "t1"},
		Body:      "hello",
		CreatedAt: at,
		UpdatedAt: at,
	}

	data, err := NewServerEvent(EventReceiveMessage, msg)
	require.NoError(t, err)

	var frame struct {
		Event string `json:"event"`
		Data  struct {
			ID       string            `json:"id"`
			Sender   map[string]string `json:"sender"`
			Receiver map[string]string `json:"receiver"`
			Message  string            `json:"message"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &frame))
	require.Equal(t, EventReceiveMessage, frame.Event)
	require.Equal(t, "m1", frame.Data.ID)
	require.Equal(t, map[string]string{"id": "u1", "role": "user"}, frame.Data.Sender)
	require.Equal(t, map[string]string{"id": "t1", "role": "therapist"}, frame.Data.Receiver)
	require.Equal(t, "hello", frame.Data.Message)
}

func TestNewServerEvent_Error(t *testing.T) {
	data, err := NewServerEvent(EventError, ErrorMsg{Message: "Failed to save message."})
	require.NoError(t, err)
	require.JSONEq(t, `{"event":"error","data":{"message":"Failed to save message."}}`, string(data))
}
