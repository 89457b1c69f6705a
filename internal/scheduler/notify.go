package scheduler

import (
	"context"

	"github.com/carebridge/gateway/internal/protocol"
	"github.com/carebridge/gateway/internal/registry"
)

// RegistryNotifier pushes reminders to the live connections of the
// reminded party. Offline parties simply miss the in-app reminder.
type RegistryNotifier struct {
	reg *registry.Registry
}

// NewRegistryNotifier creates a RegistryNotifier.
func NewRegistryNotifier(reg *registry.Registry) *RegistryNotifier {
	return &RegistryNotifier{reg: reg}
}

// NotifyReminder implements Notifier.
func (n *RegistryNotifier) NotifyReminder(_ context.Context, r Reminder) error {
	frame, err := protocol.NewServerEvent(protocol.EventAppointmentReminder, protocol.ReminderMsg{
		AppointmentID: r.Appointment.ID,
		StartsAt:      r.Appointment.StartsAt,
		WithID:        r.With.ID,
		WithRole:      string(r.With.Kind),
		MinutesLeft:   r.MinutesLeft,
	})
	if err != nil {
		return err
	}
	n.reg.BroadcastTo(r.To, frame)
	return nil
}
