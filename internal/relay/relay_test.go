package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/gateway/internal/chat"
	"github.com/carebridge/gateway/internal/identity"
	"github.com/carebridge/gateway/internal/protocol"
	"github.com/carebridge/gateway/internal/registry"
)

type fakeConn struct {
	id string

	mu     sync.Mutex
	frames [][]byte
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Deliver(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, p)
	return nil
}

func (c *fakeConn) events(t *testing.T) []protocol.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Envelope, 0, len(c.frames))
	for _, f := range c.frames {
		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(f, &env))
		out = append(out, env)
	}
	return out
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

type fakeResolver map[string]identity.Identity

func (f fakeResolver) Resolve(_ context.Context, credential string) (identity.Identity, error) {
	if credential == "" {
		return identity.Identity{}, &identity.AuthError{Code: identity.MissingCredential}
	}
	id, ok := f[credential]
	if !ok {
		return identity.Identity{}, &identity.AuthError{Code: identity.InvalidCredential}
	}
	return id, nil
}

type fakeStore struct {
	mu     sync.Mutex
	saved  []chat.ChatMessage
	err    error
	before func()
}

func (s *fakeStore) SaveMessage(ctx context.Context, msg chat.ChatMessage) (chat.ChatMessage, error) {
	if s.before != nil {
		s.before()
	}
	if s.err != nil {
		return chat.ChatMessage{}, s.err
	}
	if err := ctx.Err(); err != nil {
		return chat.ChatMessage{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.ID = fmt.Sprintf("m%d", len(s.saved)+1)
	s.saved = append(s.saved, msg)
	return msg, nil
}

type recordingObserver struct {
	mu   sync.Mutex
	msgs []chat.ChatMessage
}

func (o *recordingObserver) MessageSaved(_ context.Context, msg chat.ChatMessage) {
	o.mu.Lock()
	o.msgs = append(o.msgs, msg)
	o.mu.Unlock()
}

var (
	alice = identity.Identity{ID: "u1", Kind: identity.KindUser, DisplayName: "Alice"}
	bob   = identity.Identity{ID: "t1", Kind: identity.KindTherapist, DisplayName: "Dr. Bob"}
)

type harness struct {
	reg   *registry.Registry
	store *fakeStore
	relay *Relay
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	reg := registry.New(zerolog.Nop())
	store := &fakeStore{}
	resolver := fakeResolver{"alice": alice, "bob": bob}
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	opts = append([]Option{WithClock(func() time.Time { return fixed })}, opts...)
	return &harness{
		reg:   reg,
		store: store,
		relay: New(DefaultConfig(), reg, resolver, store, zerolog.Nop(), opts...),
	}
}

func (h *harness) connect(t *testing.T, connID, credential string) (*Session, *fakeConn) {
	t.Helper()
	conn := &fakeConn{id: connID}
	s := NewSession(conn)
	_, err := h.relay.Authenticate(context.Background(), s, credential)
	require.NoError(t, err)
	require.Equal(t, StateActive, s.State())
	return s, conn
}

func sendTo(to identity.Identity, body string) chat.SendRequest {
	return chat.SendRequest{ReceiverID: to.ID, ReceiverRole: string(to.Kind), Message: body}
}

func TestHandleSendDeliversToReceiverAndSender(t *testing.T) {
	h := newHarness(t)
	aliceSess, aliceConn := h.connect(t, "c-alice", "alice")
	_, bobConn := h.connect(t, "c-bob", "bob")

	require.NoError(t, h.relay.HandleSend(context.Background(), aliceSess, sendTo(bob, "hi")))

	require.Len(t, h.store.saved, 1)
	for _, c := range []*fakeConn{aliceConn, bobConn} {
		evs := c.events(t)
		require.Len(t, evs, 1, c.id)
		assert.Equal(t, protocol.EventReceiveMessage, evs[0].Event)

		var got chat.ChatMessage
		require.NoError(t, json.Unmarshal(evs[0].Data, &got))
		assert.Equal(t, "m1", got.ID)
		assert.Equal(t, "hi", got.Body)
		assert.Equal(t, alice.Address(), got.Sender)
		assert.Equal(t, bob.Address(), got.Receiver)
	}
}

func TestHandleSendOfflineReceiverStillPersists(t *testing.T) {
	h := newHarness(t)
	aliceSess, aliceConn := h.connect(t, "c-alice", "alice")

	require.NoError(t, h.relay.HandleSend(context.Background(), aliceSess, sendTo(bob, "are you there?")))

	assert.Len(t, h.store.saved, 1)
	evs := aliceConn.events(t)
	require.Len(t, evs, 1)
	assert.Equal(t, protocol.EventReceiveMessage, evs[0].Event)
}

func TestHandleSendEchoesToEverySenderConnection(t *testing.T) {
	h := newHarness(t)
	phone, phoneConn := h.connect(t, "c-phone", "alice")
	_, laptopConn := h.connect(t, "c-laptop", "alice")
	_, bobConn := h.connect(t, "c-bob", "bob")

	require.NoError(t, h.relay.HandleSend(context.Background(), phone, sendTo(bob, "hello")))

	assert.Equal(t, 1, phoneConn.count())
	assert.Equal(t, 1, laptopConn.count())
	assert.Equal(t, 1, bobConn.count())
}

func TestHandleSendToSelfDeliversOnce(t *testing.T) {
	h := newHarness(t)
	s, conn := h.connect(t, "c-alice", "alice")

	require.NoError(t, h.relay.HandleSend(context.Background(), s, sendTo(alice, "note to self")))
	assert.Equal(t, 1, conn.count())
}

func TestHandleSendPersistFailureNotifiesOnlyOriginator(t *testing.T) {
	h := newHarness(t)
	h.store.err = errors.New("write concern timeout")

	phone, phoneConn := h.connect(t, "c-phone", "alice")
	_, laptopConn := h.connect(t, "c-laptop", "alice")
	_, bobConn := h.connect(t, "c-bob", "bob")

	err := h.relay.HandleSend(context.Background(), phone, sendTo(bob, "lost"))
	require.ErrorIs(t, err, ErrPersist)

	evs := phoneConn.events(t)
	require.Len(t, evs, 1)
	assert.Equal(t, protocol.EventError, evs[0].Event)
	assert.JSONEq(t, `{"message":"Failed to save message."}`, string(evs[0].Data))

	assert.Zero(t, laptopConn.count())
	assert.Zero(t, bobConn.count())
}

func TestHandleSendInvalidRequestDropped(t *testing.T) {
	h := newHarness(t)
	s, conn := h.connect(t, "c-alice", "alice")
	_, bobConn := h.connect(t, "c-bob", "bob")

	cases := []chat.SendRequest{
		{ReceiverRole: "therapist", Message: "x"},
		{ReceiverID: "t1", Message: "x"},
		{ReceiverID: "t1", ReceiverRole: "admin", Message: "x"},
		{ReceiverID: "t1", ReceiverRole: "therapist"},
	}
	for _, req := range cases {
		err := h.relay.HandleSend(context.Background(), s, req)
		assert.ErrorIs(t, err, chat.ErrInvalidRequest)
	}

	assert.Empty(t, h.store.saved)
	assert.Zero(t, conn.count())
	assert.Zero(t, bobConn.count())
}

func TestHandleSendPersistsBeforeBroadcast(t *testing.T) {
	h := newHarness(t)
	s, aliceConn := h.connect(t, "c-alice", "alice")
	_, bobConn := h.connect(t, "c-bob", "bob")

	h.store.before = func() {
		assert.Zero(t, aliceConn.count(), "sender saw message before persistence")
		assert.Zero(t, bobConn.count(), "receiver saw message before persistence")
	}
	require.NoError(t, h.relay.HandleSend(context.Background(), s, sendTo(bob, "ordered")))
	assert.Equal(t, 1, bobConn.count())
}

func TestHandleSendSurvivesCancelledConnectionContext(t *testing.T) {
	h := newHarness(t)
	s, _ := h.connect(t, "c-alice", "alice")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.relay.HandleSend(ctx, s, sendTo(bob, "in flight")))
	assert.Len(t, h.store.saved, 1)
}

func TestHandleSendNotifiesObserver(t *testing.T) {
	obs := &recordingObserver{}
	h := newHarness(t, WithObserver(obs))
	s, _ := h.connect(t, "c-alice", "alice")

	require.NoError(t, h.relay.HandleSend(context.Background(), s, sendTo(bob, "observed")))
	require.Len(t, obs.msgs, 1)
	assert.Equal(t, "m1", obs.msgs[0].ID)
}

func TestHandleSendRequiresActiveSession(t *testing.T) {
	h := newHarness(t)
	s := NewSession(&fakeConn{id: "c"})

	err := h.relay.HandleSend(context.Background(), s, sendTo(bob, "early"))
	assert.ErrorIs(t, err, ErrNotActive)
	assert.Empty(t, h.store.saved)
}

func TestAuthenticateFailureNeverJoins(t *testing.T) {
	h := newHarness(t)

	for _, cred := range []string{"", "forged"} {
		conn := &fakeConn{id: "c-" + cred}
		s := NewSession(conn)
		_, err := h.relay.Authenticate(context.Background(), s, cred)

		_, ok := identity.AsAuthError(err)
		assert.True(t, ok, "expected AuthError, got %v", err)
		assert.Equal(t, StateClosed, s.State())
	}
	assert.Empty(t, h.reg.Addresses())
}

func TestAuthenticateTwiceRejected(t *testing.T) {
	h := newHarness(t)
	s, _ := h.connect(t, "c-alice", "alice")

	_, err := h.relay.Authenticate(context.Background(), s, "alice")
	assert.ErrorIs(t, err, ErrBadTransition)
}

func TestDisconnectLeavesRegistry(t *testing.T) {
	h := newHarness(t)
	s, conn := h.connect(t, "c-alice", "alice")
	require.True(t, h.reg.IsMember(alice.Address(), conn))

	h.relay.Disconnect(s)
	h.relay.Disconnect(s)

	assert.False(t, h.reg.IsMember(alice.Address(), conn))
	assert.Equal(t, StateClosed, s.State())
	_, ok := s.Identity()
	assert.False(t, ok)
}
