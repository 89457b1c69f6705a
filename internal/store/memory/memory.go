// Package memory is an in-process Backend used for local development and
// tests. Nothing survives a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carebridge/gateway/internal/chat"
	"github.com/carebridge/gateway/internal/identity"
	"github.com/carebridge/gateway/internal/scheduler"
)

// Store keeps identities, messages and appointments in maps.
type Store struct {
	mu           sync.RWMutex
	identities   map[identity.Address]identity.Record
	messages     []chat.ChatMessage
	appointments map[string]scheduler.Appointment
	saveErr      error
	closed       bool
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		identities:   make(map[identity.Address]identity.Record),
		appointments: make(map[string]scheduler.Appointment),
	}
}

// AddUser registers an end user.
func (s *Store) AddUser(id, name string) {
	s.addIdentity(identity.KindUser, id, name)
}

// AddTherapist registers a therapist.
func (s *Store) AddTherapist(id, name string) {
	s.addIdentity(identity.KindTherapist, id, name)
}

func (s *Store) addIdentity(kind identity.Kind, id, name string) {
	s.mu.Lock()
	s.identities[identity.Address{Kind: kind, ID: id}] = identity.Record{ID: id, DisplayName: name}
	s.mu.Unlock()
}

// AddAppointment inserts or replaces an appointment. An empty ID is filled
// in.
func (s *Store) AddAppointment(a scheduler.Appointment) scheduler.Appointment {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = scheduler.StatusScheduled
	}
	s.mu.Lock()
	s.appointments[a.ID] = a
	s.mu.Unlock()
	return a
}

// FailSaves makes every subsequent SaveMessage return err. Pass nil to
// restore normal behaviour.
func (s *Store) FailSaves(err error) {
	s.mu.Lock()
	s.saveErr = err
	s.mu.Unlock()
}

// LookupIdentity implements identity.Store.
func (s *Store) LookupIdentity(_ context.Context, kind identity.Kind, id string) (identity.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.identities[identity.Address{Kind: kind, ID: id}]
	if !ok {
		return identity.Record{}, identity.ErrNotFound
	}
	return rec, nil
}

// SaveMessage implements chat.MessageStore.
func (s *Store) SaveMessage(ctx context.Context, msg chat.ChatMessage) (chat.ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return chat.ChatMessage{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return chat.ChatMessage{}, s.saveErr
	}
	msg.ID = uuid.NewString()
	s.messages = append(s.messages, msg)
	return msg, nil
}

// Messages returns a copy of every persisted message in save order.
func (s *Store) Messages() []chat.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]chat.ChatMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// UpcomingAppointments implements scheduler.AppointmentStore.
func (s *Store) UpcomingAppointments(_ context.Context, from, to time.Time) ([]scheduler.Appointment, error) {
	s.mu.RLock()
	var out []scheduler.Appointment
	for _, a := range s.appointments {
		if a.Status != scheduler.StatusScheduled {
			continue
		}
		if a.StartsAt.Before(from) || !a.StartsAt.Before(to) {
			continue
		}
		out = append(out, a)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	return out, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close marks the store closed.
func (s *Store) Close(context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (s *Store) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
