package relay

import (
	"context"
	"errors"

	"github.com/carebridge/gateway/internal/chat"
	"github.com/carebridge/gateway/internal/protocol"
)

// Handler processes one parsed client event for an active session.
type Handler func(ctx context.Context, s *Session, msg interface{}) error

// Dispatcher routes inbound frames to handlers keyed by event name. Ping is
// answered internally. Malformed frames and unknown events are dropped.
type Dispatcher struct {
	relay    *Relay
	handlers map[string]Handler
}

// NewDispatcher creates a Dispatcher with the send_message handler bound to r.
func NewDispatcher(r *Relay) *Dispatcher {
	d := &Dispatcher{
		relay:    r,
		handlers: make(map[string]Handler),
	}
	d.Register(protocol.EventSendMessage, func(ctx context.Context, s *Session, msg interface{}) error {
		m, ok := msg.(protocol.SendMessageMsg)
		if !ok {
			return chat.ErrInvalidRequest
		}
		return r.HandleSend(ctx, s, m.Request())
	})
	return d
}

// Register associates a handler with an event name, replacing any previous one.
func (d *Dispatcher) Register(event string, h Handler) {
	d.handlers[event] = h
}

// Dispatch handles one raw frame from s. Frames from sessions that are not
// Active are rejected with ErrNotActive and never reach a handler.
func (d *Dispatcher) Dispatch(ctx context.Context, s *Session, data []byte) error {
	if s.State() != StateActive {
		return ErrNotActive
	}

	event, msg, err := protocol.ParseClientEvent(data)
	if err != nil {
		d.relay.log.Debug().Err(err).Str("conn_id", s.conn.ID()).Msg("dropping frame")
		if errors.Is(err, protocol.ErrUnknownEvent) {
			return err
		}
		return chat.ErrInvalidRequest
	}

	if event == protocol.EventPing {
		return d.pong(s)
	}

	h, ok := d.handlers[event]
	if !ok {
		return protocol.ErrUnknownEvent
	}
	return h(ctx, s, msg)
}

func (d *Dispatcher) pong(s *Session) error {
	frame, err := protocol.NewServerEvent(protocol.EventPong, protocol.PongMsg{})
	if err != nil {
		return err
	}
	return s.conn.Deliver(frame)
}

// Dropped reports whether err from Dispatch means the frame was discarded
// without any effect visible to the client.
func Dropped(err error) bool {
	return errors.Is(err, chat.ErrInvalidRequest) || errors.Is(err, protocol.ErrUnknownEvent)
}
