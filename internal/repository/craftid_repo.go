// Package repository provides data access layer implementations.
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

// ErrDuplicate is returned when a unique index rejects a write.
var ErrDuplicate = errors.New("repository: duplicate key")

// CraftIDRepository defines the interface for CraftID record operations.
// Intake owns creation; the batcher owns the terminal transitions.
type CraftIDRepository interface {
	Insert(ctx context.Context, record *models.CraftID) error
	GetByPublicID(ctx context.Context, publicID string) (*models.CraftID, error)
	ExistsByArtName(ctx context.Context, artNameNorm string) (bool, error)
	MarkAnchored(ctx context.Context, publicID, txHash, anchoredAt string) error
	MarkFailed(ctx context.Context, publicID, reason string) error
}

type craftIDRepo struct {
	db *database.Mongo
}

// NewCraftIDRepository creates a new CraftID repository.
func NewCraftIDRepository(db *database.Mongo) CraftIDRepository {
	return &craftIDRepo{db: db}
}

// Insert stores a freshly intaken record. Duplicate public_id or
// art_name_norm surfaces as ErrDuplicate.
func (r *craftIDRepo) Insert(ctx context.Context, record *models.CraftID) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.CraftIDs().InsertOne(ctx, record)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	return err
}

// GetByPublicID retrieves a record; returns (nil, nil) when absent.
func (r *craftIDRepo) GetByPublicID(ctx context.Context, publicID string) (*models.CraftID, error) {
	var record models.CraftID
	err := r.db.CraftIDs().FindOne(ctx, bson.M{"public_id": publicID}).Decode(&record)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// ExistsByArtName reports whether a record with the normalized art name is
// already present.
func (r *craftIDRepo) ExistsByArtName(ctx context.Context, artNameNorm string) (bool, error) {
	// Existence is all we need; project away the document body.
	err := r.db.CraftIDs().FindOne(ctx, bson.M{"art_name_norm": artNameNorm},
		options.FindOne().SetProjection(bson.M{"_id": 1}),
	).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkAnchored mirrors terminal success onto the record. Only a non-terminal
// record is updated; anchored is monotone.
func (r *craftIDRepo) MarkAnchored(ctx context.Context, publicID, txHash, anchoredAt string) error {
	_, err := r.db.CraftIDs().UpdateOne(ctx,
		bson.M{"public_id": publicID, "status": bson.M{"$ne": models.RecordAnchored}},
		bson.M{"$set": bson.M{
			"status":      models.RecordAnchored,
			"tx_hash":     txHash,
			"anchored_at": anchoredAt,
		}, "$unset": bson.M{"last_error": ""}},
	)
	return err
}

// MarkFailed mirrors a dead-letter onto the record. An already anchored
// record is never downgraded.
func (r *craftIDRepo) MarkFailed(ctx context.Context, publicID, reason string) error {
	_, err := r.db.CraftIDs().UpdateOne(ctx,
		bson.M{"public_id": publicID, "status": models.RecordQueued},
		bson.M{"$set": bson.M{
			"status":     models.RecordFailed,
			"last_error": reason,
		}},
	)
	return err
}

// Compile-time check to ensure craftIDRepo implements CraftIDRepository.
var _ CraftIDRepository = (*craftIDRepo)(nil)
