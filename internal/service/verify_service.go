package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/masterip/craftanchor/internal/canonical"
	"github.com/masterip/craftanchor/internal/ledger"
	"github.com/masterip/craftanchor/internal/models"
	apierrors "github.com/masterip/craftanchor/internal/pkg/errors"
	"github.com/masterip/craftanchor/internal/repository"
)

// Verification classifications returned by GET /verify/{public_id}.
const (
	VerifyPending  = "pending"
	VerifyAnchored = "anchored"
	VerifyTampered = "tampered"
	VerifyFailed   = "failed"
)

// VerifyResult is the verification response body.
type VerifyResult struct {
	PublicID            string        `json:"public_id"`
	Status              string        `json:"status"`
	StoredHash          string        `json:"stored_hash"`
	ComputedHash        string        `json:"computed_hash"`
	IsTampered          bool          `json:"is_tampered"`
	TxHash              string        `json:"tx_hash,omitempty"`
	AnchoredAt          string        `json:"anchored_at,omitempty"`
	BlockchainTimestamp string        `json:"blockchain_timestamp,omitempty"`
	Details             VerifyDetails `json:"details"`
}

// VerifyDetails carries the supporting evidence for a classification.
type VerifyDetails struct {
	BlockchainVerified bool   `json:"blockchain_verified"`
	LastError          string `json:"last_error,omitempty"`
}

// VerifyService classifies a record as pending, anchored, tampered, or
// failed by recomputing its hash and consulting the ledger.
type VerifyService interface {
	Verify(ctx context.Context, publicID string) (*VerifyResult, error)
}

type verifyService struct {
	records   repository.CraftIDRepository
	ledger    ledger.Ledger
	logger    *slog.Logger
	opTimeout time.Duration
}

// NewVerifyService creates a new verification service.
func NewVerifyService(records repository.CraftIDRepository, lg ledger.Ledger, logger *slog.Logger, opTimeout time.Duration) VerifyService {
	if opTimeout <= 0 {
		opTimeout = 4 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &verifyService{
		records:   records,
		ledger:    lg,
		logger:    logger,
		opTimeout: opTimeout,
	}
}

// Verify loads the record, recomputes the content hash from the stored
// submission, and checks the chain when the record claims to be anchored.
// A lagging or unreachable provider downgrades "anchored" to "pending"
// rather than erroring: the chain is the source of truth, not our status
// column.
func (s *verifyService) Verify(ctx context.Context, publicID string) (*VerifyResult, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	record, err := s.records.GetByPublicID(opCtx, publicID)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("verify: load record: %w", err)
	}
	if record == nil {
		return nil, apierrors.NewNotFoundError("CraftID")
	}

	computed, err := canonical.Hash(
		record.OriginalSubmission.Artisan,
		record.OriginalSubmission.Art,
		record.Timestamp,
		record.Salt,
	)
	if err != nil {
		return nil, fmt.Errorf("verify: recompute hash: %w", err)
	}

	result := &VerifyResult{
		PublicID:     record.PublicID,
		StoredHash:   record.PublicHash,
		ComputedHash: computed,
		IsTampered:   record.PublicHash != computed,
		TxHash:       record.TxHash,
		AnchoredAt:   record.AnchoredAt,
		Details:      VerifyDetails{LastError: record.LastError},
	}

	// A record reconciled after a worker crash can be anchored with no tx
	// hash on file, so the chain lookup keys on status alone.
	if record.Status == models.RecordAnchored {
		opCtx, cancel = context.WithTimeout(ctx, s.opTimeout)
		onChain, blockTS, chainErr := s.ledger.IsAnchored(opCtx, record.PublicHash)
		cancel()
		if chainErr != nil {
			s.logger.Warn("ledger lookup failed during verification",
				slog.String("public_id", record.PublicID),
				slog.String("error", chainErr.Error()),
			)
		} else if onChain {
			result.Details.BlockchainVerified = true
			if blockTS > 0 {
				result.BlockchainTimestamp = time.Unix(int64(blockTS), 0).UTC().Format(time.RFC3339)
			}
		}
	}

	switch {
	case result.IsTampered:
		result.Status = VerifyTampered
	case record.Status == models.RecordFailed:
		result.Status = VerifyFailed
	case result.Details.BlockchainVerified:
		result.Status = VerifyAnchored
	default:
		// Queued, or anchored locally but not (yet) visible on chain.
		result.Status = VerifyPending
	}
	return result, nil
}
