package identity

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"
)

// Resolver turns a bearer credential into an Identity. Resolution is
// synchronous and one-shot; callers must not admit any other work for the
// connection until it returns.
type Resolver struct {
	verifier *Verifier
	store    Store
	log      zerolog.Logger
}

// NewResolver wires a verifier to an identity store.
func NewResolver(verifier *Verifier, store Store, log zerolog.Logger) *Resolver {
	return &Resolver{
		verifier: verifier,
		store:    store,
		log:      log.With().Str("component", "identity").Logger(),
	}
}

// Resolve validates credential and looks up the identity it claims. Every
// failure is an *AuthError.
func (r *Resolver) Resolve(ctx context.Context, credential string) (Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Identity{}, &AuthError{Code: MissingCredential}
	}

	claims, err := r.verifier.Verify(credential)
	if err != nil {
		return Identity{}, &AuthError{Code: InvalidCredential, Err: err}
	}

	kind, err := ParseKind(claims.Role)
	if err != nil {
		return Identity{}, &AuthError{Code: InvalidCredential, Err: err}
	}

	rec, err := r.store.LookupIdentity(ctx, kind, claims.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Identity{}, &AuthError{Code: IdentityNotFound, Kind: kind, Err: err}
		}
		r.log.Error().Err(err).Str("kind", string(kind)).Str("id", claims.ID).Msg("identity lookup failed")
		return Identity{}, &AuthError{Code: InvalidCredential, Err: err}
	}

	id := rec.ID
	if id == "" {
		id = claims.ID
	}
	return Identity{ID: id, Kind: kind, DisplayName: rec.DisplayName}, nil
}
