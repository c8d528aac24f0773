package repository

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/masterip/craftanchor/internal/database"
	"github.com/masterip/craftanchor/internal/models"
)

// AnchorQueueRepository is the lease-based work queue over the anchor_queue
// collection. The atomic find-and-modify in LeaseOne is the only
// synchronization point between workers.
type AnchorQueueRepository interface {
	// Enqueue inserts a new job in queued state. A duplicate public_id is
	// rejected by the unique index and surfaces as ErrDuplicate.
	Enqueue(ctx context.Context, publicID, publicHash string) error
	// LeaseOne atomically claims the oldest eligible job: queued, or
	// processing with an expired lease. Returns (nil, nil) when the queue
	// is empty.
	LeaseOne(ctx context.Context, visibilityTimeout time.Duration) (*models.AnchorJob, error)
	// MarkDone records terminal success. It only applies while the job is
	// processing, so a crashed worker's late completion cannot clobber a
	// reclaimed job.
	MarkDone(ctx context.Context, publicID, txHash, anchoredAt string) error
	// MarkFailed records a failure. Permanent failures and jobs at the
	// retry ceiling dead-letter; otherwise the job returns to queued with
	// its original created_at, keeping its place in line.
	MarkFailed(ctx context.Context, publicID, reason string, permanent bool, maxRetries int) error
	// Get returns a job by public id; (nil, nil) when absent.
	Get(ctx context.Context, publicID string) (*models.AnchorJob, error)
}

type anchorQueueRepo struct {
	db *database.Mongo
}

// NewAnchorQueueRepository creates a new anchor queue repository.
func NewAnchorQueueRepository(db *database.Mongo) AnchorQueueRepository {
	return &anchorQueueRepo{db: db}
}

// Enqueue inserts a fresh job.
func (r *anchorQueueRepo) Enqueue(ctx context.Context, publicID, publicHash string) error {
	job := models.AnchorJob{
		PublicID:   publicID,
		PublicHash: publicHash,
		Status:     models.JobQueued,
		Tries:      0,
		CreatedAt:  time.Now().UTC(),
	}
	_, err := r.db.Queue().InsertOne(ctx, job)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	return err
}

// LeaseOne claims the oldest eligible job.
func (r *anchorQueueRepo) LeaseOne(ctx context.Context, visibilityTimeout time.Duration) (*models.AnchorJob, error) {
	now := time.Now().UTC()

	filter := bson.M{"$or": bson.A{
		bson.M{"status": models.JobQueued},
		bson.M{"status": models.JobProcessing, "locked_until": bson.M{"$lt": now}},
	}}
	update := bson.M{
		"$set": bson.M{
			"status":       models.JobProcessing,
			"locked_until": now.Add(visibilityTimeout),
			"last_try":     now,
		},
		"$inc": bson.M{"tries": 1},
	}

	var job models.AnchorJob
	err := r.db.Queue().FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "created_at", Value: 1}}).
			SetReturnDocument(options.After),
	).Decode(&job)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// MarkDone records terminal success for a job currently held in processing.
func (r *anchorQueueRepo) MarkDone(ctx context.Context, publicID, txHash, anchoredAt string) error {
	_, err := r.db.Queue().UpdateOne(ctx,
		bson.M{"public_id": publicID, "status": models.JobProcessing},
		bson.M{
			"$set": bson.M{
				"status":      models.JobAnchored,
				"tx_hash":     txHash,
				"anchored_at": anchoredAt,
			},
			"$unset": bson.M{"locked_until": ""},
		},
	)
	return err
}

// MarkFailed either dead-letters or re-arms the job. Sequential reads and
// writes here are safe because the caller holds the lease: no other worker
// can touch a processing job whose lock has not expired.
func (r *anchorQueueRepo) MarkFailed(ctx context.Context, publicID, reason string, permanent bool, maxRetries int) error {
	now := time.Now().UTC()

	deadLetter := bson.M{
		"$set": bson.M{
			"status":     models.JobFailed,
			"last_error": reason,
			"last_try":   now,
		},
		"$unset": bson.M{"locked_until": ""},
	}
	requeue := bson.M{
		"$set": bson.M{
			"status":     models.JobQueued,
			"last_error": reason,
			"last_try":   now,
		},
		"$unset": bson.M{"locked_until": ""},
	}

	if permanent {
		_, err := r.db.Queue().UpdateOne(ctx,
			bson.M{"public_id": publicID, "status": models.JobProcessing}, deadLetter)
		return err
	}

	// Transient: dead-letter only when the retry ceiling is reached. The
	// ceiling match and the requeue are both gated on status=processing, so
	// exactly one of them applies.
	res, err := r.db.Queue().UpdateOne(ctx,
		bson.M{
			"public_id": publicID,
			"status":    models.JobProcessing,
			"tries":     bson.M{"$gte": maxRetries},
		}, deadLetter)
	if err != nil {
		return err
	}
	if res.ModifiedCount > 0 {
		return nil
	}
	_, err = r.db.Queue().UpdateOne(ctx,
		bson.M{"public_id": publicID, "status": models.JobProcessing}, requeue)
	return err
}

// Get returns a job by public id.
func (r *anchorQueueRepo) Get(ctx context.Context, publicID string) (*models.AnchorJob, error) {
	var job models.AnchorJob
	err := r.db.Queue().FindOne(ctx, bson.M{"public_id": publicID}).Decode(&job)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Compile-time check to ensure anchorQueueRepo implements AnchorQueueRepository.
var _ AnchorQueueRepository = (*anchorQueueRepo)(nil)
