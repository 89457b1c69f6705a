package relay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/gateway/internal/chat"
	"github.com/carebridge/gateway/internal/protocol"
)

func TestDispatchSendMessage(t *testing.T) {
	h := newHarness(t)
	d := NewDispatcher(h.relay)
	s, _ := h.connect(t, "c-alice", "alice")
	_, bobConn := h.connect(t, "c-bob", "bob")

	frame, err := protocol.NewClientEvent(protocol.EventSendMessage, protocol.SendMessageMsg{
		ReceiverID: "t1", ReceiverRole: "therapist", Message: "hey",
	})
	require.NoError(t, err)

	require.NoError(t, d.Dispatch(context.Background(), s, frame))
	assert.Equal(t, 1, bobConn.count())
}

func TestDispatchPing(t *testing.T) {
	h := newHarness(t)
	d := NewDispatcher(h.relay)
	s, conn := h.connect(t, "c-alice", "alice")

	require.NoError(t, d.Dispatch(context.Background(), s, []byte(`{"event":"ping"}`)))
	evs := conn.events(t)
	require.Len(t, evs, 1)
	assert.Equal(t, protocol.EventPong, evs[0].Event)
}

func TestDispatchDropsBadFrames(t *testing.T) {
	h := newHarness(t)
	d := NewDispatcher(h.relay)
	s, conn := h.connect(t, "c-alice", "alice")

	tests := []struct {
		name  string
		frame string
	}{
		{"not json", `hello`},
		{"no event", `{"data":{}}`},
		{"unknown event", `{"event":"typing"}`},
		{"bad payload", `{"event":"send_message","data":"oops"}`},
		{"missing fields", `{"event":"send_message","data":{"receiverId":"t1"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := d.Dispatch(context.Background(), s, []byte(tt.frame))
			require.Error(t, err)
			assert.True(t, Dropped(err), "%v", err)
		})
	}
	assert.Zero(t, conn.count())
	assert.Empty(t, h.store.saved)
}

func TestDispatchBeforeActive(t *testing.T) {
	h := newHarness(t)
	d := NewDispatcher(h.relay)
	conn := &fakeConn{id: "c"}
	s := NewSession(conn)

	err := d.Dispatch(context.Background(), s, []byte(`{"event":"ping"}`))
	assert.ErrorIs(t, err, ErrNotActive)
	assert.Zero(t, conn.count())
}

func TestDroppedClassification(t *testing.T) {
	assert.True(t, Dropped(chat.ErrInvalidRequest))
	assert.True(t, Dropped(protocol.ErrUnknownEvent))
	assert.False(t, Dropped(ErrPersist))
	assert.False(t, Dropped(nil))
}
