// Package mongo implements the gateway's stores on the platform's MongoDB
// database. Collections are shared with the REST API: users, therapists,
// messages and appointments.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/carebridge/gateway/internal/chat"
	"github.com/carebridge/gateway/internal/identity"
	"github.com/carebridge/gateway/internal/scheduler"
)

const (
	usersCollection        = "users"
	therapistsCollection   = "therapists"
	messagesCollection     = "messages"
	appointmentsCollection = "appointments"
)

// Store wraps a connected MongoDB database.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

type identityDoc struct {
	ID   primitive.ObjectID `bson:"_id"`
	Name string             `bson:"name"`
}

type messageDoc struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	Sender    identity.Address   `bson:"sender"`
	Receiver  identity.Address   `bson:"receiver"`
	Message   string             `bson:"message"`
	CreatedAt time.Time          `bson:"createdAt"`
	UpdatedAt time.Time          `bson:"updatedAt"`
}

type appointmentDoc struct {
	ID        primitive.ObjectID `bson:"_id"`
	User      primitive.ObjectID `bson:"user"`
	Therapist primitive.ObjectID `bson:"therapist"`
	Date      time.Time          `bson:"date"`
	Status    string             `bson:"status"`
}

// Open connects to uri and verifies the primary is reachable.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo: ping: %w", err)
	}

	s := &Store{client: client, db: client.Database(database)}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(messagesCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "receiver.id", Value: 1}, {Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "sender.id", Value: 1}, {Key: "createdAt", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("mongo: create message indexes: %w", err)
	}
	_, err = s.db.Collection(appointmentsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}, {Key: "date", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("mongo: create appointment index: %w", err)
	}
	return nil
}

func collectionFor(kind identity.Kind) (string, error) {
	switch kind {
	case identity.KindUser:
		return usersCollection, nil
	case identity.KindTherapist:
		return therapistsCollection, nil
	default:
		return "", fmt.Errorf("mongo: no collection for kind %q", kind)
	}
}

// LookupIdentity implements identity.Store. Ids that are not valid object
// ids cannot exist and are reported as not found.
func (s *Store) LookupIdentity(ctx context.Context, kind identity.Kind, id string) (identity.Record, error) {
	coll, err := collectionFor(kind)
	if err != nil {
		return identity.Record{}, err
	}
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return identity.Record{}, fmt.Errorf("mongo: %s %q: %w", kind, id, identity.ErrNotFound)
	}

	var doc identityDoc
	opts := options.FindOne().SetProjection(bson.M{"name": 1})
	err = s.db.Collection(coll).FindOne(ctx, bson.M{"_id": oid}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return identity.Record{}, fmt.Errorf("mongo: %s %q: %w", kind, id, identity.ErrNotFound)
	}
	if err != nil {
		return identity.Record{}, fmt.Errorf("mongo: find %s %q: %w", kind, id, err)
	}
	return identity.Record{ID: doc.ID.Hex(), DisplayName: doc.Name}, nil
}

// SaveMessage implements chat.MessageStore.
func (s *Store) SaveMessage(ctx context.Context, msg chat.ChatMessage) (chat.ChatMessage, error) {
	doc := messageDoc{
		Sender:    msg.Sender,
		Receiver:  msg.Receiver,
		Message:   msg.Body,
		CreatedAt: msg.CreatedAt,
		UpdatedAt: msg.UpdatedAt,
	}
	res, err := s.db.Collection(messagesCollection).InsertOne(ctx, doc)
	if err != nil {
		return chat.ChatMessage{}, fmt.Errorf("mongo: insert message: %w", err)
	}
	oid, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return chat.ChatMessage{}, fmt.Errorf("mongo: unexpected inserted id %T", res.InsertedID)
	}
	msg.ID = oid.Hex()
	return msg, nil
}

// UpcomingAppointments implements scheduler.AppointmentStore.
func (s *Store) UpcomingAppointments(ctx context.Context, from, to time.Time) ([]scheduler.Appointment, error) {
	filter := bson.M{
		"status": scheduler.StatusScheduled,
		"date":   bson.M{"$gte": from, "$lt": to},
	}
	opts := options.Find().SetSort(bson.D{{Key: "date", Value: 1}})

	cursor, err := s.db.Collection(appointmentsCollection).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo: find appointments: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []appointmentDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo: decode appointments: %w", err)
	}

	out := make([]scheduler.Appointment, 0, len(docs))
	for _, d := range docs {
		out = append(out, scheduler.Appointment{
			ID:          d.ID.Hex(),
			UserID:      d.User.Hex(),
			TherapistID: d.Therapist.Hex(),
			StartsAt:    d.Date,
			Status:      d.Status,
		})
	}
	return out, nil
}

// Ping checks the primary is still reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("mongo: disconnect: %w", err)
	}
	return nil
}
