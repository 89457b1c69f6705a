package mongo

import (
	"context"
	"os"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/stretchr/testify/require"

	"github.com/carebridge/gateway/internal/chat"
	"github.com/carebridge/gateway/internal/identity"
	"github.com/carebridge/gateway/internal/scheduler"
)

// openTestStore requires a running MongoDB, by default on localhost:27017.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		uri = "mongodb://localhost:27017"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	s, err := Open(ctx, uri, "carebridge_test_"+primitive.NewObjectID().Hex())
	if err != nil {
		t.Skipf("mongo not available: %v", err)
	}
	t.Cleanup(func() {
		_ = s.db.Drop(context.Background())
		_ = s.Close(context.Background())
	})
	return s
}

func TestLookupIdentity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	uid := primitive.NewObjectID()
	_, err := s.db.Collection(usersCollection).InsertOne(ctx, bson.M{"_id": uid, "name": "Ada"})
	require.NoError(t, err)

	rec, err := s.LookupIdentity(ctx, identity.KindUser, uid.Hex())
	require.NoError(t, err)
	require.Equal(t, identity.Record{ID: uid.Hex(), DisplayName: "Ada"}, rec)

	_, err = s.LookupIdentity(ctx, identity.KindTherapist, uid.Hex())
	require.ErrorIs(t, err, identity.ErrNotFound)

	_, err = s.LookupIdentity(ctx, identity.KindUser, "not-an-object-id")
	require.ErrorIs(t, err, identity.ErrNotFound)
}

func TestSaveMessage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	msg := chat.New(
		identity.Address{Kind: identity.KindUser, ID: "u1"},
		identity.Address{Kind: identity.KindTherapist, ID: "t1"},
		"hello", time.Now().Truncate(time.Millisecond),
	)
	saved, err := s.SaveMessage(ctx, msg)
	require.NoError(t, err)
	require.NotEmpty(t, saved.ID)

	oid, err := primitive.ObjectIDFromHex(saved.ID)
	require.NoError(t, err)
	var doc messageDoc
	require.NoError(t, s.db.Collection(messagesCollection).FindOne(ctx, bson.M{"_id": oid}).Decode(&doc))
	require.Equal(t, "hello", doc.Message)
	require.Equal(t, msg.Receiver, doc.Receiver)
}

func TestUpcomingAppointments(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	user, therapist := primitive.NewObjectID(), primitive.NewObjectID()

	docs := []interface{}{
		appointmentDoc{ID: primitive.NewObjectID(), User: user, Therapist: therapist, Date: now.Add(40 * time.Minute), Status: scheduler.StatusScheduled},
		appointmentDoc{ID: primitive.NewObjectID(), User: user, Therapist: therapist, Date: now.Add(20 * time.Minute), Status: scheduler.StatusScheduled},
		appointmentDoc{ID: primitive.NewObjectID(), User: user, Therapist: therapist, Date: now.Add(30 * time.Minute), Status: "cancelled"},
		appointmentDoc{ID: primitive.NewObjectID(), User: user, Therapist: therapist, Date: now.Add(3 * time.Hour), Status: scheduler.StatusScheduled},
	}
	_, err := s.db.Collection(appointmentsCollection).InsertMany(ctx, docs)
	require.NoError(t, err)

	got, err := s.UpcomingAppointments(ctx, now, now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.True(t, got[0].StartsAt.Before(got[1].StartsAt))
	require.Equal(t, user.Hex(), got[0].UserID)
	require.Equal(t, therapist.Hex(), got[0].TherapistID)
}
