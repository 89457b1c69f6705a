// Package protocol defines the WebSocket event types exchanged between the
// gateway and its clients. Every frame is a JSON text frame carrying a named
// event and its payload:
//
//	{"event": "send_message", "data": {...}}
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/carebridge/gateway/internal/chat"
)

// ---------------------------------------------------------------------------
// Event names
// ---------------------------------------------------------------------------

// Client -> Server events.
const (
	EventSendMessage = "send_message"
	EventPing        = "ping"
)

// Server -> Client events.
const (
	EventConnected           = "connected"
	EventConnectError        = "connect_error"
	EventReceiveMessage      = "receive_message"
	EventError               = "error"
	EventPong                = "pong"
	EventAppointmentReminder = "appointment_reminder"
)

// ErrUnknownEvent is returned by ParseClientEvent for event names the
// gateway does not handle.
var ErrUnknownEvent = errors.New("protocol: unknown client event")

// Envelope is the outer frame shape.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ---------------------------------------------------------------------------
// Client -> Server payloads
// ---------------------------------------------------------------------------

// SendMessageMsg asks the relay to persist and deliver a chat message.
type SendMessageMsg struct {
	ReceiverID   string `json:"receiverId"`
	ReceiverRole string `json:"receiverRole"`
	Message      string `json:"message"`
}

// Request converts the wire payload into a relay send request.
func (m SendMessageMsg) Request() chat.SendRequest {
	return chat.SendRequest{
		ReceiverID:   m.ReceiverID,
		ReceiverRole: m.ReceiverRole,
		Message:      m.Message,
	}
}

// PingMsg is an application-level keepalive.
type PingMsg struct{}

// ---------------------------------------------------------------------------
// Server -> Client payloads
// ---------------------------------------------------------------------------

// ConnectedMsg confirms authentication; the connection is active from here on.
type ConnectedMsg struct {
	ID   string `json:"id"`
	Role string `json:"role"`
	Name string `json:"name"`
}

// ConnectErrorMsg carries the rejection reason of a failed handshake.
type ConnectErrorMsg struct {
	Message string `json:"message"`
}

// ErrorMsg reports a failure local to one request.
type ErrorMsg struct {
	Message string `json:"message"`
}

// PongMsg answers PingMsg.
type PongMsg struct{}

// ReminderMsg tells a party an appointment is coming up.
type ReminderMsg struct {
	AppointmentID string    `json:"appointmentId"`
	StartsAt      time.Time `json:"startsAt"`
	WithID        string    `json:"withId"`
	WithRole      string    `json:"withRole"`
	MinutesLeft   int       `json:"minutesLeft"`
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// ParseClientEvent decodes a raw frame into its event name and typed
// payload. Unknown events yield ErrUnknownEvent along with their name.
func ParseClientEvent(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse frame: %w", err)
	}
	if env.Event == "" {
		return "", nil, fmt.Errorf("protocol: missing or empty \"event\" field")
	}

	var (
		msg interface{}
		err error
	)

	switch env.Event {
	case EventSendMessage:
		var m SendMessageMsg
		err = decodeData(env.Data, &m)
		msg = m
	case EventPing:
		msg = PingMsg{}
	default:
		return env.Event, nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}

	if err != nil {
		return env.Event, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Event, err)
	}
	return env.Event, msg, nil
}

// decodeData tolerates an absent or null payload, leaving v zero-valued.
func decodeData(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// NewServerEvent encodes an outbound frame for event with payload.
func NewServerEvent(event string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}
	out, err := json.Marshal(Envelope{Event: event, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %q frame: %w", event, err)
	}
	return out, nil
}

// NewClientEvent encodes an inbound frame. Used by clients and tests.
func NewClientEvent(event string, payload interface{}) ([]byte, error) {
	return NewServerEvent(event, payload)
}
