// Package registry maps logical delivery addresses to the live connections
// subscribed to them. It is the only piece of mutable state shared between
// connection goroutines and is safe for concurrent use.
package registry

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/carebridge/gateway/internal/identity"
	"github.com/carebridge/gateway/internal/metrics"
)

// Subscriber is a live connection that can receive encoded frames.
// Deliver must not block on a slow peer.
type Subscriber interface {
	ID() string
	Deliver(payload []byte) error
}

// Registry holds, per address, the set of subscribed connections.
type Registry struct {
	mu    sync.RWMutex
	rooms map[identity.Address]map[string]Subscriber
	log   zerolog.Logger
}

// New creates an empty Registry.
func New(log zerolog.Logger) *Registry {
	return &Registry{
		rooms: make(map[identity.Address]map[string]Subscriber),
		log:   log.With().Str("component", "registry").Logger(),
	}
}

// Join adds s to the subscriber set of addr. It reports false if s was
// already a member, in which case nothing changes.
func (r *Registry) Join(addr identity.Address, s Subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[addr]
	if !ok {
		room = make(map[string]Subscriber)
		r.rooms[addr] = room
	}
	if _, dup := room[s.ID()]; dup {
		return false
	}
	room[s.ID()] = s
	return true
}

// Leave removes s from addr. Removing an absent subscriber is a no-op and
// reports false.
func (r *Registry) Leave(addr identity.Address, s Subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[addr]
	if !ok {
		return false
	}
	if _, member := room[s.ID()]; !member {
		return false
	}
	delete(room, s.ID())
	if len(room) == 0 {
		delete(r.rooms, addr)
	}
	return true
}

// BroadcastTo delivers payload to every connection currently subscribed to
// addr and returns how many accepted it. Delivery runs on a snapshot taken
// under the lock, so a concurrent Leave never blocks on a slow write, and a
// failing subscriber never stops delivery to the rest. Zero subscribers
// means the counterpart is offline and is not an error.
func (r *Registry) BroadcastTo(addr identity.Address, payload []byte) int {
	r.mu.RLock()
	room := r.rooms[addr]
	subs := make([]Subscriber, 0, len(room))
	for _, s := range room {
		subs = append(subs, s)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, s := range subs {
		if err := s.Deliver(payload); err != nil {
			metrics.DeliveriesTotal.WithLabelValues("failed").Inc()
			r.log.Debug().Err(err).Str("address", addr.String()).Str("conn_id", s.ID()).Msg("delivery skipped")
			continue
		}
		metrics.DeliveriesTotal.WithLabelValues("delivered").Inc()
		delivered++
	}
	return delivered
}

// Subscribers returns the number of connections subscribed to addr.
func (r *Registry) Subscribers(addr identity.Address) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[addr])
}

// IsMember reports whether s is subscribed to addr.
func (r *Registry) IsMember(addr identity.Address, s Subscriber) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[addr][s.ID()]
	return ok
}

// Addresses returns the number of addresses with at least one subscriber.
func (r *Registry) Addresses() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
