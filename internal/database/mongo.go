// Package database provides database connection utilities.
package database

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/masterip/craftanchor/internal/config"
)

// Collection names. The queue collection name is configurable; the rest are
// fixed.
const (
	CraftIDColl  = "craftids"
	CountersColl = "counters"
)

// Mongo wraps a MongoDB client and the application database.
type Mongo struct {
	client    *mongo.Client
	db        *mongo.Database
	queueColl string
	opTimeout time.Duration
}

// NewMongo connects to MongoDB and verifies the connection.
func NewMongo(cfg config.MongoConfig) (*Mongo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	queueColl := cfg.QueueColl
	if queueColl == "" {
		queueColl = "anchor_queue"
	}
	opTimeout := cfg.OperationTimeout
	if opTimeout <= 0 {
		opTimeout = 4 * time.Second
	}

	return &Mongo{
		client:    client,
		db:        client.Database(cfg.Database),
		queueColl: queueColl,
		opTimeout: opTimeout,
	}, nil
}

// Collection returns a collection handle by name.
func (m *Mongo) Collection(name string) *mongo.Collection {
	return m.db.Collection(name)
}

// CraftIDs returns the authoritative craftids collection.
func (m *Mongo) CraftIDs() *mongo.Collection {
	return m.db.Collection(CraftIDColl)
}

// Queue returns the anchor queue collection.
func (m *Mongo) Queue() *mongo.Collection {
	return m.db.Collection(m.queueColl)
}

// OperationTimeout is the per-operation bound request handlers apply to
// individual store calls.
func (m *Mongo) OperationTimeout() time.Duration {
	return m.opTimeout
}

// Close disconnects the client.
func (m *Mongo) Close() {
	if m.client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.client.Disconnect(ctx)
	}
}

// Ping verifies the database connection is alive.
func (m *Mongo) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

// EnsureIndexes creates the collection indexes. Index creation is idempotent
// in MongoDB, so this is safe to run on every start and from the admin
// /init-db route.
func (m *Mongo) EnsureIndexes(ctx context.Context) error {
	_, err := m.CraftIDs().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "public_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "art_name_norm", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "public_hash", Value: 1}},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create craftids indexes: %w", err)
	}

	_, err = m.Queue().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "public_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "locked_until", Value: 1}},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create queue indexes: %w", err)
	}
	return nil
}

// NextSequence atomically increments and returns the named counter. Used for
// public id allocation (CID-NNNNN).
func (m *Mongo) NextSequence(ctx context.Context, name string) (int64, error) {
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := m.Collection(CountersColl).FindOneAndUpdate(ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().
			SetUpsert(true).
			SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate sequence %q: %w", name, err)
	}
	return doc.Seq, nil
}
