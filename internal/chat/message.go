// Package chat defines chat messages exchanged between end users and
// therapists, the inbound send request and the durable message store
// contract the relay persists through.
package chat

import (
	"context"
	"time"

	"github.com/carebridge/gateway/internal/identity"
)

// ChatMessage is immutable once created. ID is assigned by the MessageStore
// on persistence.
type ChatMessage struct {
	ID        string           `json:"id"`
	Sender    identity.Address `json:"sender"`
	Receiver  identity.Address `json:"receiver"`
	Body      string           `json:"message"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// New builds an unsaved message from sender to receiver stamped at now.
func New(sender, receiver identity.Address, body string, now time.Time) ChatMessage {
	now = now.UTC()
	return ChatMessage{
		Sender:    sender,
		Receiver:  receiver,
		Body:      body,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// MessageStore durably persists chat messages. Save returns the persisted
// copy carrying its store-generated identifier.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg ChatMessage) (ChatMessage, error)
}
