package chat

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/carebridge/gateway/internal/identity"
)

// ErrInvalidRequest marks a send request that is silently dropped.
var ErrInvalidRequest = errors.New("chat: invalid send request")

var validate = validator.New()

// SendRequest is what a client asks the relay to deliver.
type SendRequest struct {
	ReceiverID   string `json:"receiverId" validate:"required"`
	ReceiverRole string `json:"receiverRole" validate:"required,oneof=user therapist"`
	Message      string `json:"message" validate:"required"`
}

// Validate checks that every field is present and the role names a known
// kind. Whitespace-only bodies are accepted as-is.
func (r SendRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// Receiver returns the address the request targets. Call Validate first.
func (r SendRequest) Receiver() identity.Address {
	return identity.Address{Kind: identity.Kind(r.ReceiverRole), ID: r.ReceiverID}
}
