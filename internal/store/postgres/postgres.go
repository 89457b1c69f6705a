// Package postgres implements the gateway's stores on PostgreSQL through
// database/sql and lib/pq. The schema is managed with golang-migrate from
// migrations embedded in the binary.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/carebridge/gateway/internal/chat"
	"github.com/carebridge/gateway/internal/identity"
	"github.com/carebridge/gateway/internal/scheduler"
)

// Store manages gateway data in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to dsn and verifies the server answers.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStore wraps an existing handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func tableFor(kind identity.Kind) (string, error) {
	switch kind {
	case identity.KindUser:
		return "users", nil
	case identity.KindTherapist:
		return "therapists", nil
	default:
		return "", fmt.Errorf("postgres: no table for kind %q", kind)
	}
}

// LookupIdentity implements identity.Store.
func (s *Store) LookupIdentity(ctx context.Context, kind identity.Kind, id string) (identity.Record, error) {
	table, err := tableFor(kind)
	if err != nil {
		return identity.Record{}, err
	}

	var rec identity.Record
	query := `SELECT id, name FROM ` + table + ` WHERE id = $1`
	err = s.db.QueryRowContext(ctx, query, id).Scan(&rec.ID, &rec.DisplayName)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.Record{}, fmt.Errorf("postgres: %s %q: %w", kind, id, identity.ErrNotFound)
	}
	if err != nil {
		return identity.Record{}, fmt.Errorf("postgres: select %s %q: %w", kind, id, err)
	}
	return rec, nil
}

// SaveMessage implements chat.MessageStore.
func (s *Store) SaveMessage(ctx context.Context, msg chat.ChatMessage) (chat.ChatMessage, error) {
	id := uuid.New()

	const query = `
		INSERT INTO messages (id, sender_role, sender_id, receiver_role, receiver_id, body, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.db.ExecContext(ctx, query,
		id,
		string(msg.Sender.Kind), msg.Sender.ID,
		string(msg.Receiver.Kind), msg.Receiver.ID,
		msg.Body,
		msg.CreatedAt,
		msg.UpdatedAt,
	)
	if err != nil {
		return chat.ChatMessage{}, fmt.Errorf("postgres: insert message: %w", err)
	}
	msg.ID = id.String()
	return msg, nil
}

// UpcomingAppointments implements scheduler.AppointmentStore.
func (s *Store) UpcomingAppointments(ctx context.Context, from, to time.Time) ([]scheduler.Appointment, error) {
	const query = `
		SELECT id, user_id, therapist_id, starts_at, status
		FROM appointments
		WHERE status = $1 AND starts_at >= $2 AND starts_at < $3
		ORDER BY starts_at`

	rows, err := s.db.QueryContext(ctx, query, scheduler.StatusScheduled, from, to)
	if err != nil {
		return nil, fmt.Errorf("postgres: query appointments: %w", err)
	}
	defer rows.Close()

	var out []scheduler.Appointment
	for rows.Next() {
		var a scheduler.Appointment
		if err := rows.Scan(&a.ID, &a.UserID, &a.TherapistID, &a.StartsAt, &a.Status); err != nil {
			return nil, fmt.Errorf("postgres: scan appointment: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate appointments: %w", err)
	}
	return out, nil
}

// Ping checks the server still answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool. ctx is unused; database/sql closes
// synchronously.
func (s *Store) Close(context.Context) error {
	return s.db.Close()
}
