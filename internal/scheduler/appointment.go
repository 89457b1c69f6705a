package scheduler

import (
	"context"
	"time"

	"github.com/carebridge/gateway/internal/identity"
)

// StatusScheduled is the only appointment status that gets reminders. The
// REST side of the platform also stores "completed" and "cancelled".
const StatusScheduled = "scheduled"

// Appointment is a booked session between an end user and a therapist.
type Appointment struct {
	ID          string
	UserID      string
	TherapistID string
	StartsAt    time.Time
	Status      string
}

// User returns the end user's address.
func (a Appointment) User() identity.Address {
	return identity.Address{Kind: identity.KindUser, ID: a.UserID}
}

// Therapist returns the therapist's address.
func (a Appointment) Therapist() identity.Address {
	return identity.Address{Kind: identity.KindTherapist, ID: a.TherapistID}
}

// AppointmentStore lists scheduled appointments starting in [from, to),
// ordered by start time.
type AppointmentStore interface {
	UpcomingAppointments(ctx context.Context, from, to time.Time) ([]Appointment, error)
}
