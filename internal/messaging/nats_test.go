package messaging

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/gateway/internal/chat"
	"github.com/carebridge/gateway/internal/identity"
	"github.com/carebridge/gateway/internal/scheduler"
)

// newTestPublisher requires a running NATS server on localhost:4222.
func newTestPublisher(t *testing.T) *Publisher {
	t.Helper()
	cfg := DefaultNATSConfig()
	cfg.MaxReconnects = 0
	p, err := NewPublisher(cfg, zerolog.Nop())
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(p.Close)
	return p
}

// subscribe listens on subject over a separate connection, the way a
// downstream service would.
func subscribe(t *testing.T, subject string) <-chan []byte {
	t.Helper()
	nc, err := nats.Connect(nats.DefaultURL)
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	got := make(chan []byte, 1)
	_, err = nc.Subscribe(subject, func(msg *nats.Msg) { got <- msg.Data })
	require.NoError(t, err)
	require.NoError(t, nc.FlushTimeout(time.Second))
	return got
}

func TestMessageSaved_PublishesSummary(t *testing.T) {
	p := newTestPublisher(t)
	got := subscribe(t, SubjectMessageSaved)

	msg := chat.New(
		identity.Address{Kind: identity.KindUser, ID: "u1"},
		identity.Address{Kind: identity.KindTherapist, ID: "t1"},
		"hello", time.Now(),
	)
	msg.ID = "m1"
	p.MessageSaved(context.Background(), msg)

	select {
	case data := <-got:
		var ev chat.SavedEvent
		require.NoError(t, json.Unmarshal(data, &ev))
		require.Equal(t, "m1", ev.MessageID)
		require.Equal(t, "user:u1", ev.Sender)
		require.Equal(t, "therapist:t1", ev.Receiver)
	case <-time.After(2 * time.Second):
		t.Fatal("no message.saved event received")
	}
}

func TestNotifyReminder_SubjectPerParty(t *testing.T) {
	p := newTestPublisher(t)
	got := subscribe(t, "reminder.therapist.t1")

	appt := scheduler.Appointment{ID: "a1", UserID: "u1", TherapistID: "t1", StartsAt: time.Now().Add(time.Hour)}
	err := p.NotifyReminder(context.Background(), scheduler.Reminder{
		Appointment: appt,
		To:          appt.Therapist(),
		With:        appt.User(),
		MinutesLeft: 60,
	})
	require.NoError(t, err)

	select {
	case data := <-got:
		var ev ReminderEvent
		require.NoError(t, json.Unmarshal(data, &ev))
		require.Equal(t, "a1", ev.AppointmentID)
		require.Equal(t, "user:u1", ev.With)
		require.Equal(t, 60, ev.MinutesLeft)
	case <-time.After(2 * time.Second):
		t.Fatal("no reminder event received")
	}
}
