package queue

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func newTestJob(id, jobType string, created time.Time) *Job {
	return &Job{
		ID:        id,
		Type:      jobType,
		Payload:   json.RawMessage(`{"objectKey":"` + id + `"}`),
		Status:    StatusQueued,
		CreatedAt: created,
	}
}

func leaseFor(owner string, d time.Duration) Lease {
	return Lease{Owner: owner, Until: time.Now().Add(d)}
}

// runStoreContract exercises the behaviour every Store must provide.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, newTestJob("a", "ingest", time.Now().UTC())))

		job, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, StatusQueued, job.Status)
		assert.JSONEq(t, `{"objectKey":"a"}`, string(job.Payload))
	})

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrJobNotFound)
	})

	t.Run("duplicate queued id conflicts", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, newTestJob("a", "ingest", time.Now().UTC())))
		err := s.Create(ctx, newTestJob("a", "ingest", time.Now().UTC()))
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("duplicate active id conflicts", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, newTestJob("a", "ingest", time.Now().UTC())))
		claimed, err := s.Claim(ctx, "ingest", 10, leaseFor("w1", time.Minute))
		require.NoError(t, err)
		require.NotNil(t, claimed)

		err = s.Create(ctx, newTestJob("a", "ingest", time.Now().UTC()))
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("failed job can be resubmitted", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, newTestJob("a", "ingest", time.Now().UTC())))
		_, err := s.Claim(ctx, "ingest", 10, leaseFor("w1", time.Minute))
		require.NoError(t, err)
		_, err = s.Finish(ctx, "a", "w1", StatusFailed, "boom")
		require.NoError(t, err)

		require.NoError(t, s.Create(ctx, newTestJob("a", "ingest", time.Now().UTC())))
		job, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, StatusQueued, job.Status)
		assert.Empty(t, job.Error)
		assert.Nil(t, job.FinishedAt)
	})

	t.Run("claim is oldest first and per type", func(t *testing.T) {
		s := newStore(t)
		base := time.Now().UTC()
		require.NoError(t, s.Create(ctx, newTestJob("first", "ingest", base)))
		require.NoError(t, s.Create(ctx, newTestJob("other", "export", base.Add(time.Millisecond))))
		require.NoError(t, s.Create(ctx, newTestJob("second", "ingest", base.Add(2*time.Millisecond))))

		job, err := s.Claim(ctx, "ingest", 10, leaseFor("w1", time.Minute))
		require.NoError(t, err)
		assert.Equal(t, "first", job.ID)
		assert.Equal(t, StatusActive, job.Status)
		assert.NotNil(t, job.StartedAt)
		assert.Equal(t, "w1", job.Owner)
		assert.NotNil(t, job.LeaseUntil)

		job, err = s.Claim(ctx, "ingest", 10, leaseFor("w1", time.Minute))
		require.NoError(t, err)
		assert.Equal(t, "second", job.ID)

		job, err = s.Claim(ctx, "ingest", 10, leaseFor("w1", time.Minute))
		require.NoError(t, err)
		assert.Nil(t, job)
	})

	t.Run("claim limit spans every owner", func(t *testing.T) {
		s := newStore(t)
		base := time.Now().UTC()
		for i, id := range []string{"j1", "j2", "j3"} {
			require.NoError(t, s.Create(ctx, newTestJob(id, "ingest", base.Add(time.Duration(i)*time.Millisecond))))
		}

		first, err := s.Claim(ctx, "ingest", 2, leaseFor("w1", time.Minute))
		require.NoError(t, err)
		require.NotNil(t, first)
		second, err := s.Claim(ctx, "ingest", 2, leaseFor("w2", time.Minute))
		require.NoError(t, err)
		require.NotNil(t, second)

		third, err := s.Claim(ctx, "ingest", 2, leaseFor("w3", time.Minute))
		require.NoError(t, err)
		assert.Nil(t, third, "a third owner must not exceed the shared limit")

		_, err = s.Finish(ctx, first.ID, "w1", StatusCompleted, "")
		require.NoError(t, err)
		third, err = s.Claim(ctx, "ingest", 2, leaseFor("w3", time.Minute))
		require.NoError(t, err)
		require.NotNil(t, third)
		assert.Equal(t, "j3", third.ID)
	})

	t.Run("renew and finish require the owner", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, newTestJob("a", "ingest", time.Now().UTC())))
		_, err := s.Claim(ctx, "ingest", 1, leaseFor("w1", time.Minute))
		require.NoError(t, err)

		assert.ErrorIs(t, s.Renew(ctx, "a", leaseFor("w2", time.Minute)), ErrLeaseLost)
		_, err = s.Finish(ctx, "a", "w2", StatusCompleted, "")
		assert.ErrorIs(t, err, ErrLeaseLost)

		require.NoError(t, s.Renew(ctx, "a", leaseFor("w1", 2*time.Minute)))
		job, err := s.Finish(ctx, "a", "w1", StatusCompleted, "")
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, job.Status)
		assert.Empty(t, job.Owner)
		assert.Nil(t, job.LeaseUntil)
	})

	t.Run("fail expired keeps live leases", func(t *testing.T) {
		s := newStore(t)
		base := time.Now().UTC()
		require.NoError(t, s.Create(ctx, newTestJob("stale", "ingest", base)))
		require.NoError(t, s.Create(ctx, newTestJob("live", "ingest", base.Add(time.Millisecond))))
		_, err := s.Claim(ctx, "ingest", 2, Lease{Owner: "gone", Until: base.Add(-time.Second)})
		require.NoError(t, err)
		_, err = s.Claim(ctx, "ingest", 2, leaseFor("w1", time.Minute))
		require.NoError(t, err)

		failed, err := s.FailExpired(ctx, "ingest", time.Now(), "interrupted")
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, "stale", failed[0].ID)
		assert.Equal(t, StatusFailed, failed[0].Status)
		assert.Equal(t, "interrupted", failed[0].Error)

		live, err := s.Get(ctx, "live")
		require.NoError(t, err)
		assert.Equal(t, StatusActive, live.Status)

		// The expired job's slot is free again.
		require.NoError(t, s.Create(ctx, newTestJob("next", "ingest", base.Add(2*time.Millisecond))))
		next, err := s.Claim(ctx, "ingest", 2, leaseFor("w1", time.Minute))
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, "next", next.ID)
	})

	t.Run("finish keeps error text", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, newTestJob("a", "ingest", time.Now().UTC())))
		_, err := s.Claim(ctx, "ingest", 10, leaseFor("w1", time.Minute))
		require.NoError(t, err)

		job, err := s.Finish(ctx, "a", "w1", StatusFailed, "parse: bad xref")
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, job.Status)
		assert.Equal(t, "parse: bad xref", job.Error)

		_, err = s.Finish(ctx, "a", "w1", StatusCompleted, "")
		assert.ErrorIs(t, err, ErrLeaseLost)

		_, err = s.Finish(ctx, "missing", "w1", StatusCompleted, "")
		assert.ErrorIs(t, err, ErrJobNotFound)
	})

	t.Run("prune removes old terminal jobs only", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, newTestJob("done", "ingest", time.Now().UTC())))
		require.NoError(t, s.Create(ctx, newTestJob("waiting", "ingest", time.Now().UTC().Add(time.Millisecond))))
		_, err := s.Claim(ctx, "ingest", 10, leaseFor("w1", time.Minute))
		require.NoError(t, err)
		_, err = s.Finish(ctx, "done", "w1", StatusCompleted, "")
		require.NoError(t, err)

		n, err := s.PruneFinished(ctx, time.Now().UTC().Add(time.Minute))
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		_, err = s.Get(ctx, "done")
		assert.ErrorIs(t, err, ErrJobNotFound)
		_, err = s.Get(ctx, "waiting")
		assert.NoError(t, err)
	})
}

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestMongoStoreContract(t *testing.T) {
	uri := os.Getenv("MONGO_TEST_URI")
	if uri == "" {
		t.Skip("MONGO_TEST_URI not set, skipping Mongo job store tests")
	}

	ctx := context.Background()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	runStoreContract(t, func(t *testing.T) Store {
		db := client.Database("pdfchat_test_" + uuid.NewString()[:8])
		t.Cleanup(func() { _ = db.Drop(context.Background()) })

		s, err := NewMongoStore(ctx, db)
		require.NoError(t, err)
		return s
	})
}
