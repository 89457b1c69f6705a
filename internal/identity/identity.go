// Package identity authenticates connecting parties. It verifies bearer
// credentials, resolves the claimed identity against the identity store and
// names the logical delivery address each identity owns.
package identity

import (
	"context"
	"fmt"
	"strings"
)

// Kind distinguishes end users from practitioners.
type Kind string

const (
	KindUser      Kind = "user"
	KindTherapist Kind = "therapist"
)

// ParseKind maps a wire role onto a Kind. The empty role is treated as an
// end user, matching how credentials minted before roles existed behave.
func ParseKind(role string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(role))) {
	case KindUser, "":
		return KindUser, nil
	case KindTherapist:
		return KindTherapist, nil
	default:
		return "", fmt.Errorf("identity: unknown kind %q", role)
	}
}

// Address names a logical mailbox. Two addresses are equal iff kind and id
// match exactly, so Address is safe to use as a map key.
type Address struct {
	Kind Kind   `json:"role" bson:"role"`
	ID   string `json:"id" bson:"id"`
}

// String renders the registry room key, "<kind>:<id>".
func (a Address) String() string {
	return string(a.Kind) + ":" + a.ID
}

// Identity is the read-only snapshot of an authenticated party. It is
// resolved once per connection and never mutated afterwards.
type Identity struct {
	ID          string
	Kind        Kind
	DisplayName string
}

// Address returns the mailbox owned by this identity.
func (i Identity) Address() Address {
	return Address{Kind: i.Kind, ID: i.ID}
}

// Record is what an identity store returns for a known party.
type Record struct {
	ID          string
	DisplayName string
}

// Store looks up identity records by kind and id. Implementations return an
// error matching ErrNotFound when no record exists.
type Store interface {
	LookupIdentity(ctx context.Context, kind Kind, id string) (Record, error)
}
