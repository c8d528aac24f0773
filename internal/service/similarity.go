package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/masterip/craftanchor/internal/database"
)

// similarityKeyPrefix namespaces pending entries for the external indexer,
// which consumes and deletes them on its own schedule.
const similarityKeyPrefix = "similarity:pending:"

// SimilarityEntry is what the name-similarity indexer consumes.
type SimilarityEntry struct {
	PublicID    string
	ArtNameNorm string
	Description string
}

// SimilaritySink receives newly created records for asynchronous
// similarity indexing.
type SimilaritySink interface {
	Publish(ctx context.Context, entry SimilarityEntry) error
}

type redisSimilaritySink struct {
	redis *database.Redis
	ttl   time.Duration
}

// NewRedisSimilaritySink writes pending entries as redis hashes with a TTL,
// so entries the indexer never picks up age out on their own.
func NewRedisSimilaritySink(redis *database.Redis, ttl time.Duration) SimilaritySink {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &redisSimilaritySink{redis: redis, ttl: ttl}
}

var _ SimilaritySink = (*redisSimilaritySink)(nil)

func (s *redisSimilaritySink) Publish(ctx context.Context, entry SimilarityEntry) error {
	key := similarityKeyPrefix + uuid.NewString()
	fields := map[string]any{
		"public_id":     entry.PublicID,
		"art_name_norm": entry.ArtNameNorm,
		"description":   entry.Description,
		"queued_at":     time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.redis.HSet(ctx, key, fields); err != nil {
		return err
	}
	return s.redis.Client().Expire(ctx, key, s.ttl).Err()
}
