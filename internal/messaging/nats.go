// Package messaging publishes gateway events to NATS so that other platform
// services (push notifications, email reminders, analytics) can react to
// saved chat messages and appointment reminders without talking to the
// gateway directly.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/carebridge/gateway/internal/chat"
	"github.com/carebridge/gateway/internal/scheduler"
)

// NATS subjects published by the gateway.
const (
	SubjectMessageSaved = "chat.message.saved"
	SubjectReminder     = "reminder" // + .<kind>.<id>
)

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "carebridge-gateway",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// ReminderEvent is published once per party for each reminded appointment.
type ReminderEvent struct {
	AppointmentID string    `json:"appointment_id"`
	To            string    `json:"to"`   // "<kind>:<id>"
	With          string    `json:"with"` // "<kind>:<id>"
	StartsAt      time.Time `json:"starts_at"`
	MinutesLeft   int       `json:"minutes_left"`
}

// Publisher wraps the NATS connection. Publishing is fire-and-forget: a
// failed publish is logged and never reported to the chat path.
type Publisher struct {
	conn *nats.Conn
	log  zerolog.Logger
}

// NewPublisher connects to NATS with the given config. It returns an error
// if the initial connection fails.
func NewPublisher(config NATSConfig, log zerolog.Logger) (*Publisher, error) {
	log = log.With().Str("component", "nats").Logger()
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info().Msg("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("messaging: nats connect: %w", err)
	}
	log.Info().Str("url", nc.ConnectedUrl()).Msg("connected")

	return &Publisher{conn: nc, log: log}, nil
}

// Publish sends v, JSON-encoded, to subject.
func (p *Publisher) Publish(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("messaging: marshal %s: %w", subject, err)
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("messaging: publish %s: %w", subject, err)
	}
	return nil
}

// MessageSaved publishes a summary of msg to chat.message.saved.
func (p *Publisher) MessageSaved(_ context.Context, msg chat.ChatMessage) {
	if err := p.Publish(SubjectMessageSaved, chat.SavedEventFor(msg)); err != nil {
		p.log.Warn().Err(err).Str("message_id", msg.ID).Msg("message saved event not published")
	}
}

// NotifyReminder publishes r to reminder.<kind>.<id> of the reminded party.
func (p *Publisher) NotifyReminder(_ context.Context, r scheduler.Reminder) error {
	subject := SubjectReminder + "." + string(r.To.Kind) + "." + r.To.ID
	return p.Publish(subject, ReminderEvent{
		AppointmentID: r.Appointment.ID,
		To:            r.To.String(),
		With:          r.With.String(),
		StartsAt:      r.Appointment.StartsAt,
		MinutesLeft:   r.MinutesLeft,
	})
}

// Close flushes pending publishes and closes the connection.
func (p *Publisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.log.Warn().Err(err).Msg("connection drain")
	}
}
