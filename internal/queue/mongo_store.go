package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const jobsCollection = "jobs"

// MongoStore is the durable job store. Uniqueness of in-flight jobs relies on
// the _id index: Create upserts only over terminal records, so a live record
// with the same id turns the upsert into a duplicate key error.
//
// The per-type cap is held the same way. An active job occupies one of the
// type's slots 0..limit-1, and a partial unique index on (type, slot) over
// active jobs makes a second claim of a taken slot fail in the server.
type MongoStore struct {
	jobs *mongo.Collection
}

// jobDocument keeps the payload as a string so it stays readable in the
// collection and decodes without a custom codec. Seq carries nanosecond
// arrival order because BSON dates stop at milliseconds.
type jobDocument struct {
	ID         string     `bson:"_id"`
	Type       string     `bson:"type"`
	Payload    string     `bson:"payload"`
	Status     Status     `bson:"status"`
	Error      string     `bson:"error,omitempty"`
	CreatedAt  time.Time  `bson:"created_at"`
	Seq        int64      `bson:"seq"`
	StartedAt  *time.Time `bson:"started_at,omitempty"`
	FinishedAt *time.Time `bson:"finished_at,omitempty"`
	Slot       *int       `bson:"slot,omitempty"`
	Owner      string     `bson:"owner,omitempty"`
	LeaseUntil *time.Time `bson:"lease_until,omitempty"`
}

func (d *jobDocument) job() *Job {
	return &Job{
		ID:         d.ID,
		Type:       d.Type,
		Payload:    json.RawMessage(d.Payload),
		Status:     d.Status,
		Error:      d.Error,
		CreatedAt:  d.CreatedAt,
		StartedAt:  d.StartedAt,
		FinishedAt: d.FinishedAt,
		Owner:      d.Owner,
		LeaseUntil: d.LeaseUntil,
	}
}

func NewMongoStore(ctx context.Context, db *mongo.Database) (*MongoStore, error) {
	s := &MongoStore{jobs: db.Collection(jobsCollection)}

	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "type", Value: 1}, {Key: "status", Value: 1}, {Key: "seq", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "finished_at", Value: 1}}},
		{
			Keys: bson.D{{Key: "type", Value: 1}, {Key: "slot", Value: 1}},
			Options: options.Index().
				SetName("active_slot").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"status": StatusActive}),
		},
	}
	if _, err := s.jobs.Indexes().CreateMany(ctx, indexes); err != nil {
		return nil, fmt.Errorf("failed to create job indexes: %w", err)
	}
	return s, nil
}

func (s *MongoStore) Create(ctx context.Context, job *Job) error {
	filter := bson.M{
		"_id":    job.ID,
		"status": bson.M{"$in": bson.A{StatusCompleted, StatusFailed}},
	}
	update := bson.M{
		"$set": bson.M{
			"type":       job.Type,
			"payload":    string(job.Payload),
			"status":     StatusQueued,
			"created_at": job.CreatedAt,
			"seq":        job.CreatedAt.UnixNano(),
		},
		"$unset": bson.M{
			"error": "", "started_at": "", "finished_at": "",
			"slot": "", "owner": "", "lease_until": "",
		},
	}

	_, err := s.jobs.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %s", ErrConflict, job.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to create job %s: %w", job.ID, err)
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (*Job, error) {
	var doc jobDocument
	err := s.jobs.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	return doc.job(), nil
}

func (s *MongoStore) Claim(ctx context.Context, jobType string, limit int, lease Lease) (*Job, error) {
	taken, err := s.takenSlots(ctx, jobType)
	if err != nil {
		return nil, err
	}

	for slot := 0; slot < limit; slot++ {
		if taken[slot] {
			continue
		}
		job, err := s.claimSlot(ctx, jobType, slot, lease)
		if mongo.IsDuplicateKeyError(err) {
			// Another process took the slot since it was read.
			continue
		}
		return job, err
	}
	return nil, nil
}

func (s *MongoStore) takenSlots(ctx context.Context, jobType string) (map[int]bool, error) {
	values, err := s.jobs.Distinct(ctx, "slot", bson.M{"type": jobType, "status": StatusActive})
	if err != nil {
		return nil, fmt.Errorf("failed to read active %s slots: %w", jobType, err)
	}
	taken := make(map[int]bool, len(values))
	for _, v := range values {
		switch n := v.(type) {
		case int32:
			taken[int(n)] = true
		case int64:
			taken[int(n)] = true
		}
	}
	return taken, nil
}

func (s *MongoStore) claimSlot(ctx context.Context, jobType string, slot int, lease Lease) (*Job, error) {
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "seq", Value: 1}, {Key: "_id", Value: 1}}).
		SetReturnDocument(options.After)

	var doc jobDocument
	err := s.jobs.FindOneAndUpdate(ctx,
		bson.M{"type": jobType, "status": StatusQueued},
		bson.M{"$set": bson.M{
			"status":      StatusActive,
			"started_at":  time.Now().UTC(),
			"slot":        slot,
			"owner":       lease.Owner,
			"lease_until": lease.Until.UTC(),
		}},
		opts,
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to claim %s job: %w", jobType, err)
	}
	return doc.job(), nil
}

func (s *MongoStore) Renew(ctx context.Context, id string, lease Lease) error {
	res, err := s.jobs.UpdateOne(ctx,
		bson.M{"_id": id, "status": StatusActive, "owner": lease.Owner},
		bson.M{"$set": bson.M{"lease_until": lease.Until.UTC()}},
	)
	if err != nil {
		return fmt.Errorf("failed to renew lease on job %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return s.lostOrMissing(ctx, id)
	}
	return nil
}

func (s *MongoStore) Finish(ctx context.Context, id, owner string, status Status, errMsg string) (*Job, error) {
	var doc jobDocument
	err := s.jobs.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status": StatusActive, "owner": owner},
		finishUpdate(status, errMsg),
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, s.lostOrMissing(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to finish job %s: %w", id, err)
	}
	return doc.job(), nil
}

func (s *MongoStore) FailExpired(ctx context.Context, jobType string, now time.Time, errMsg string) ([]*Job, error) {
	filter := bson.M{
		"type":   jobType,
		"status": StatusActive,
		"$or": bson.A{
			bson.M{"lease_until": bson.M{"$lt": now.UTC()}},
			bson.M{"lease_until": bson.M{"$exists": false}},
		},
	}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "seq", Value: 1}, {Key: "_id", Value: 1}}).
		SetReturnDocument(options.After)

	var failed []*Job
	for {
		var doc jobDocument
		err := s.jobs.FindOneAndUpdate(ctx, filter, finishUpdate(StatusFailed, errMsg), opts).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return failed, nil
		}
		if err != nil {
			return failed, fmt.Errorf("failed to expire %s jobs: %w", jobType, err)
		}
		failed = append(failed, doc.job())
	}
}

// finishUpdate releases the slot and lease along with the status change.
func finishUpdate(status Status, errMsg string) bson.M {
	set := bson.M{"status": status, "finished_at": time.Now().UTC()}
	if errMsg != "" {
		set["error"] = errMsg
	}
	return bson.M{
		"$set":   set,
		"$unset": bson.M{"slot": "", "owner": "", "lease_until": ""},
	}
}

func (s *MongoStore) lostOrMissing(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrLeaseLost, id)
}

func (s *MongoStore) List(ctx context.Context, jobType string, status Status) ([]*Job, error) {
	cursor, err := s.jobs.Find(ctx,
		bson.M{"type": jobType, "status": status},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}, {Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s jobs: %w", jobType, err)
	}
	defer cursor.Close(ctx)

	var docs []jobDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode jobs: %w", err)
	}
	jobs := make([]*Job, 0, len(docs))
	for i := range docs {
		jobs = append(jobs, docs[i].job())
	}
	return jobs, nil
}

func (s *MongoStore) PruneFinished(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.jobs.DeleteMany(ctx, bson.M{
		"status":      bson.M{"$in": bson.A{StatusCompleted, StatusFailed}},
		"finished_at": bson.M{"$lt": before},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune jobs: %w", err)
	}
	return res.DeletedCount, nil
}
