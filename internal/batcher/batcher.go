// Package batcher runs the anchoring worker: it leases pending jobs from
// the queue, writes their hashes to the ledger, and reconciles record
// state. It is the only retry locus in the pipeline.
package batcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/masterip/craftanchor/internal/config"
	"github.com/masterip/craftanchor/internal/ledger"
	"github.com/masterip/craftanchor/internal/models"
	"github.com/masterip/craftanchor/internal/repository"
)

var (
	anchorAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "craftanchor_batcher_anchor_attempts_total",
		Help: "Total anchor broadcasts attempted",
	})
	anchorSuccessTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "craftanchor_batcher_anchor_success_total",
		Help: "Total jobs marked anchored",
	})
	anchorReconciledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "craftanchor_batcher_anchor_reconciled_total",
		Help: "Total jobs found already on chain and reconciled without a broadcast",
	})
	anchorFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "craftanchor_batcher_anchor_failures_total",
		Help: "Total anchor failures by classification",
	}, []string{"kind"})
	deadLettersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "craftanchor_batcher_dead_letters_total",
		Help: "Total jobs moved to the dead-letter state",
	})
)

// Batcher drains the anchor queue. Jobs inside a batch are processed
// sequentially: the anchorer account uses latest-nonce-per-call, so there
// is exactly one in-flight transaction at a time.
type Batcher struct {
	queue   repository.AnchorQueueRepository
	records repository.CraftIDRepository
	ledger  ledger.Ledger
	logger  *slog.Logger
	cfg     config.BatcherConfig

	lastWorkAt time.Time
}

// New creates a batcher. Zero-valued tuning knobs fall back to defaults.
func New(queue repository.AnchorQueueRepository, records repository.CraftIDRepository, lg ledger.Ledger, logger *slog.Logger, cfg config.BatcherConfig) *Batcher {
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 5
	}
	if cfg.ActivePollInterval <= 0 {
		cfg.ActivePollInterval = 10 * time.Second
	}
	if cfg.IdlePollInterval <= 0 {
		cfg.IdlePollInterval = 300 * time.Second
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = 30 * time.Minute
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 300 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Batcher{
		queue:      queue,
		records:    records,
		ledger:     lg,
		logger:     logger,
		cfg:        cfg,
		lastWorkAt: time.Now().UTC(),
	}
}

// Run polls until ctx is cancelled. The in-flight job is always finished
// before returning; only new leases stop.
func (b *Batcher) Run(ctx context.Context) {
	b.logger.Info("batcher started",
		slog.Int("batch_limit", b.cfg.BatchLimit),
		slog.Duration("visibility_timeout", b.cfg.VisibilityTimeout),
	)
	for {
		processed := b.drainBatch(ctx)
		if processed > 0 {
			b.lastWorkAt = time.Now().UTC()
		}

		interval := b.cfg.ActivePollInterval
		if time.Since(b.lastWorkAt) > b.cfg.IdleThreshold {
			interval = b.cfg.IdlePollInterval
		}
		select {
		case <-ctx.Done():
			b.logger.Info("batcher stopped")
			return
		case <-time.After(interval):
		}
	}
}

// drainBatch leases and processes up to BatchLimit jobs, stopping early
// when the queue is empty or ctx is cancelled. Returns the number of jobs
// handled.
func (b *Batcher) drainBatch(ctx context.Context) int {
	processed := 0
	for processed < b.cfg.BatchLimit {
		if ctx.Err() != nil {
			return processed
		}
		job, err := b.queue.LeaseOne(ctx, b.cfg.VisibilityTimeout)
		if err != nil {
			b.logger.Error("lease failed", slog.String("error", err.Error()))
			return processed
		}
		if job == nil {
			return processed
		}
		b.process(ctx, job)
		processed++
	}
	return processed
}

// process anchors a single leased job. The idempotency check runs first:
// a previous worker may have broadcast successfully and died before
// persisting, and re-broadcasting the same hash could revert.
//
// The job runs detached from the poll context: a shutdown signal stops new
// leases but lets the in-flight receipt wait finish. The lease window
// bounds the detached work instead.
func (b *Batcher) process(pollCtx context.Context, job *models.AnchorJob) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(pollCtx), b.cfg.VisibilityTimeout)
	defer cancel()

	logger := b.logger.With(
		slog.String("public_id", job.PublicID),
		slog.Int("tries", job.Tries),
	)

	onChain, blockTS, err := b.ledger.IsAnchored(ctx, job.PublicHash)
	if err != nil {
		logger.Warn("isAnchored lookup failed", slog.String("error", err.Error()))
		b.fail(ctx, job, err, logger)
		return
	}
	if onChain {
		anchoredAt := time.Unix(int64(blockTS), 0).UTC().Format(time.RFC3339)
		b.complete(ctx, job, job.TxHash, anchoredAt, logger)
		anchorReconciledTotal.Inc()
		logger.Info("job reconciled from chain", slog.String("anchored_at", anchoredAt))
		return
	}

	anchorAttemptsTotal.Inc()
	txHash, err := b.ledger.Anchor(ctx, job.PublicHash, job.PublicID, true)
	if err != nil {
		b.fail(ctx, job, err, logger)
		return
	}

	anchoredAt := time.Now().UTC().Truncate(time.Second).Format(time.RFC3339)
	b.complete(ctx, job, txHash, anchoredAt, logger)
	logger.Info("job anchored", slog.String("tx_hash", txHash))
}

// complete marks the queue item done and mirrors success onto the record.
// Persistence errors are logged only: the job stays leased and a later
// lease reconciles through the isAnchored check.
func (b *Batcher) complete(ctx context.Context, job *models.AnchorJob, txHash, anchoredAt string, logger *slog.Logger) {
	if err := b.queue.MarkDone(ctx, job.PublicID, txHash, anchoredAt); err != nil {
		logger.Error("mark done failed", slog.String("error", err.Error()))
		return
	}
	if err := b.records.MarkAnchored(ctx, job.PublicID, txHash, anchoredAt); err != nil {
		logger.Error("record update failed", slog.String("error", err.Error()))
		return
	}
	anchorSuccessTotal.Inc()
}

// fail applies the retry policy: permanent ledger errors dead-letter
// immediately, transient ones requeue until the retry ceiling.
func (b *Batcher) fail(ctx context.Context, job *models.AnchorJob, cause error, logger *slog.Logger) {
	permanent := ledger.Permanent(cause)
	anchorFailuresTotal.WithLabelValues(failureKind(cause)).Inc()

	if err := b.queue.MarkFailed(ctx, job.PublicID, cause.Error(), permanent, b.cfg.MaxRetries); err != nil {
		logger.Error("mark failed errored", slog.String("error", err.Error()))
		return
	}

	deadLettered := permanent || job.Tries >= b.cfg.MaxRetries
	if deadLettered {
		deadLettersTotal.Inc()
		if err := b.records.MarkFailed(ctx, job.PublicID, cause.Error()); err != nil {
			logger.Error("record update failed", slog.String("error", err.Error()))
		}
		logger.Error("job dead-lettered",
			slog.Bool("permanent", permanent),
			slog.String("error", cause.Error()),
		)
		return
	}
	logger.Warn("job requeued", slog.String("error", cause.Error()))
}

func failureKind(err error) string {
	if lerr, ok := err.(*ledger.Error); ok {
		return string(lerr.Kind)
	}
	return "unknown"
}
