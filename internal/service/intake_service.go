// Package service implements the intake and verification flows on top of
// the repositories, the attestation signer, and the ledger client.
package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/masterip/craftanchor/internal/canonical"
	"github.com/masterip/craftanchor/internal/models"
	apierrors "github.com/masterip/craftanchor/internal/pkg/errors"
	"github.com/masterip/craftanchor/internal/pkg/ulid"
	"github.com/masterip/craftanchor/internal/repository"
)

// counterName is the counters document backing public id allocation.
const counterName = "craftid_seq"

// Sequencer allocates monotonic ids. *database.Mongo satisfies this.
type Sequencer interface {
	NextSequence(ctx context.Context, name string) (int64, error)
}

// AttestationSigner produces the signed intake attestation.
// *attest.Signer satisfies this.
type AttestationSigner interface {
	Sign(payload models.AttestationPayload) (models.Attestation, error)
}

// IntakeService registers submissions and issues attestations. It never
// talks to the ledger: anchoring is asynchronous.
type IntakeService interface {
	Create(ctx context.Context, sub models.Submission) (*CreateResult, error)
}

// CreateResult carries everything the intake response envelope needs.
type CreateResult struct {
	TransactionID string
	Timestamp     string
	PublicID      string
	PublicHash    string
	Attestation   models.Attestation
}

type intakeService struct {
	records    repository.CraftIDRepository
	queue      repository.AnchorQueueRepository
	sequencer  Sequencer
	signer     AttestationSigner
	similarity SimilaritySink
	logger     *slog.Logger

	opTimeout   time.Duration
	defaultSalt string // test/reproducibility override; empty in production
}

// IntakeConfig bundles the intake service dependencies.
type IntakeConfig struct {
	Records     repository.CraftIDRepository
	Queue       repository.AnchorQueueRepository
	Sequencer   Sequencer
	Signer      AttestationSigner
	Similarity  SimilaritySink
	Logger      *slog.Logger
	OpTimeout   time.Duration
	DefaultSalt string
}

// NewIntakeService creates a new intake service.
func NewIntakeService(cfg IntakeConfig) IntakeService {
	opTimeout := cfg.OpTimeout
	if opTimeout <= 0 {
		opTimeout = 4 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &intakeService{
		records:     cfg.Records,
		queue:       cfg.Queue,
		sequencer:   cfg.Sequencer,
		signer:      cfg.Signer,
		similarity:  cfg.Similarity,
		logger:      logger,
		opTimeout:   opTimeout,
		defaultSalt: cfg.DefaultSalt,
	}
}

// Create runs the intake sequence: dedup check, id allocation, salt and
// timestamp, hash, attestation, record insert, enqueue, best-effort side
// write. Each store call is individually bounded by the operation timeout.
func (s *intakeService) Create(ctx context.Context, sub models.Submission) (*CreateResult, error) {
	artNameNorm := strings.ToLower(strings.TrimSpace(sub.Art.Name))
	if artNameNorm == "" {
		return nil, apierrors.NewValidationError("art.name", "art name is required")
	}

	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	exists, err := s.records.ExistsByArtName(opCtx, artNameNorm)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("intake: dedup check: %w", err)
	}
	if exists {
		return nil, apierrors.NewConflictError("A similar product name already exists. Please provide a more unique name.")
	}

	opCtx, cancel = context.WithTimeout(ctx, s.opTimeout)
	seq, err := s.sequencer.NextSequence(opCtx, counterName)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("intake: allocate public id: %w", err)
	}
	publicID := fmt.Sprintf("CID-%05d", seq)

	salt := s.defaultSalt
	if salt == "" {
		salt, err = randomSalt()
		if err != nil {
			return nil, fmt.Errorf("intake: salt: %w", err)
		}
	}
	timestamp := time.Now().UTC().Truncate(time.Second).Format(time.RFC3339)

	publicHash, err := canonical.Hash(sub.Artisan, sub.Art, timestamp, salt)
	if err != nil {
		return nil, fmt.Errorf("intake: hash: %w", err)
	}

	attestation, err := s.signer.Sign(models.AttestationPayload{
		PublicID:   publicID,
		PublicHash: publicHash,
		Timestamp:  timestamp,
		Salt:       salt,
	})
	if err != nil {
		return nil, fmt.Errorf("intake: sign attestation: %w", err)
	}

	record := &models.CraftID{
		PublicID:           publicID,
		ArtNameNorm:        artNameNorm,
		OriginalSubmission: sub,
		Timestamp:          timestamp,
		Salt:               salt,
		PublicHash:         publicHash,
		Attestation:        attestation,
		Status:             models.RecordQueued,
	}
	opCtx, cancel = context.WithTimeout(ctx, s.opTimeout)
	err = s.records.Insert(opCtx, record)
	cancel()
	if errors.Is(err, repository.ErrDuplicate) {
		// Lost a race on the unique art_name_norm index. The allocated id
		// is abandoned; the counter stays monotone.
		return nil, apierrors.NewConflictError("A similar product name already exists. Please provide a more unique name.")
	}
	if err != nil {
		return nil, fmt.Errorf("intake: insert record: %w", err)
	}

	opCtx, cancel = context.WithTimeout(ctx, s.opTimeout)
	err = s.queue.Enqueue(opCtx, publicID, publicHash)
	cancel()
	if err != nil && !errors.Is(err, repository.ErrDuplicate) {
		// The record stays queued; an operator can re-enqueue (Enqueue is
		// idempotent per public_id). Surface the failure to the caller.
		return nil, fmt.Errorf("intake: enqueue anchor job: %w", err)
	}

	s.publishSimilarity(publicID, artNameNorm, sub.Art.Description)

	s.logger.Info("craftid created",
		slog.String("public_id", publicID),
		slog.String("public_hash", publicHash),
	)

	return &CreateResult{
		TransactionID: "tx_" + ulid.New(),
		Timestamp:     timestamp,
		PublicID:      publicID,
		PublicHash:    publicHash,
		Attestation:   attestation,
	}, nil
}

// publishSimilarity hands the record to the external similarity indexer via
// redis. Strictly best-effort: failures are logged and never surfaced.
func (s *intakeService) publishSimilarity(publicID, artNameNorm, description string) {
	if s.similarity == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.similarity.Publish(ctx, SimilarityEntry{
			PublicID:    publicID,
			ArtNameNorm: artNameNorm,
			Description: description,
		}); err != nil {
			s.logger.Warn("similarity side-write failed",
				slog.String("public_id", publicID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// randomSalt returns 128 bits of hex.
func randomSalt() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
