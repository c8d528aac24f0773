package batcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masterip/craftanchor/internal/config"
	"github.com/masterip/craftanchor/internal/ledger"
	"github.com/masterip/craftanchor/internal/models"
	"github.com/masterip/craftanchor/internal/repository"
)

// mockQueue is a mock implementation of AnchorQueueRepository.
type mockQueue struct {
	jobs []*models.AnchorJob

	doneID       string
	doneTxHash   string
	doneAnchored string
	failedID     string
	failedReason string
	permanent    bool
}

func (m *mockQueue) Enqueue(ctx context.Context, publicID, publicHash string) error {
	return nil
}

func (m *mockQueue) LeaseOne(ctx context.Context, visibilityTimeout time.Duration) (*models.AnchorJob, error) {
	if len(m.jobs) == 0 {
		return nil, nil
	}
	job := m.jobs[0]
	m.jobs = m.jobs[1:]
	job.Status = models.JobProcessing
	job.Tries++
	return job, nil
}

func (m *mockQueue) MarkDone(ctx context.Context, publicID, txHash, anchoredAt string) error {
	m.doneID = publicID
	m.doneTxHash = txHash
	m.doneAnchored = anchoredAt
	return nil
}

func (m *mockQueue) MarkFailed(ctx context.Context, publicID, reason string, permanent bool, maxRetries int) error {
	m.failedID = publicID
	m.failedReason = reason
	m.permanent = permanent
	return nil
}

func (m *mockQueue) Get(ctx context.Context, publicID string) (*models.AnchorJob, error) {
	return nil, nil
}

var _ repository.AnchorQueueRepository = (*mockQueue)(nil)

// mockRecords is a mock implementation of CraftIDRepository.
type mockRecords struct {
	anchoredID   string
	anchoredTx   string
	anchoredAt   string
	failedID     string
	failedReason string
}

func (m *mockRecords) Insert(ctx context.Context, record *models.CraftID) error { return nil }

func (m *mockRecords) GetByPublicID(ctx context.Context, publicID string) (*models.CraftID, error) {
	return nil, nil
}

func (m *mockRecords) ExistsByArtName(ctx context.Context, artNameNorm string) (bool, error) {
	return false, nil
}

func (m *mockRecords) MarkAnchored(ctx context.Context, publicID, txHash, anchoredAt string) error {
	m.anchoredID = publicID
	m.anchoredTx = txHash
	m.anchoredAt = anchoredAt
	return nil
}

func (m *mockRecords) MarkFailed(ctx context.Context, publicID, reason string) error {
	m.failedID = publicID
	m.failedReason = reason
	return nil
}

var _ repository.CraftIDRepository = (*mockRecords)(nil)

// mockLedger is a mock implementation of ledger.Ledger.
type mockLedger struct {
	anchorFunc     func(ctx context.Context, hashHex, publicID string, waitForReceipt bool) (string, error)
	isAnchoredFunc func(ctx context.Context, hashHex string) (bool, uint64, error)
	anchorCalls    int
}

func (m *mockLedger) Anchor(ctx context.Context, hashHex, publicID string, waitForReceipt bool) (string, error) {
	m.anchorCalls++
	if m.anchorFunc != nil {
		return m.anchorFunc(ctx, hashHex, publicID, waitForReceipt)
	}
	return "0xdeadbeef", nil
}

func (m *mockLedger) IsAnchored(ctx context.Context, hashHex string) (bool, uint64, error) {
	if m.isAnchoredFunc != nil {
		return m.isAnchoredFunc(ctx, hashHex)
	}
	return false, 0, nil
}

var _ ledger.Ledger = (*mockLedger)(nil)

func testJob(tries int) *models.AnchorJob {
	return &models.AnchorJob{
		PublicID:   "CID-00001",
		PublicHash: "2dab47a53c7c8c1036c6c3e99e33f8a73cf177e42fd7b5cd53b0a27449c407c9",
		Status:     models.JobQueued,
		Tries:      tries,
		CreatedAt:  time.Now().UTC(),
	}
}

func testConfig() config.BatcherConfig {
	return config.BatcherConfig{
		BatchLimit:        5,
		VisibilityTimeout: 300 * time.Second,
		MaxRetries:        5,
	}
}

func TestBatcher_AnchorsJob(t *testing.T) {
	queue := &mockQueue{jobs: []*models.AnchorJob{testJob(0)}}
	records := &mockRecords{}
	chain := &mockLedger{
		anchorFunc: func(ctx context.Context, hashHex, publicID string, waitForReceipt bool) (string, error) {
			assert.True(t, waitForReceipt)
			assert.Equal(t, "CID-00001", publicID)
			return "0xfeed", nil
		},
	}

	b := New(queue, records, chain, nil, testConfig())
	processed := b.drainBatch(context.Background())

	assert.Equal(t, 1, processed)
	assert.Equal(t, 1, chain.anchorCalls)
	assert.Equal(t, "CID-00001", queue.doneID)
	assert.Equal(t, "0xfeed", queue.doneTxHash)
	assert.Equal(t, "CID-00001", records.anchoredID)
	assert.Equal(t, "0xfeed", records.anchoredTx)
	assert.Empty(t, queue.failedID)
}

func TestBatcher_ReconcilesWithoutRebroadcast(t *testing.T) {
	// Simulates a worker that crashed after broadcast: the hash is on chain
	// but the job is still pending.
	job := testJob(1)
	queue := &mockQueue{jobs: []*models.AnchorJob{job}}
	records := &mockRecords{}
	chain := &mockLedger{
		isAnchoredFunc: func(ctx context.Context, hashHex string) (bool, uint64, error) {
			return true, 1735689600, nil
		},
	}

	b := New(queue, records, chain, nil, testConfig())
	b.drainBatch(context.Background())

	assert.Equal(t, 0, chain.anchorCalls, "must not re-broadcast an anchored hash")
	assert.Equal(t, "CID-00001", queue.doneID)
	assert.Equal(t, "2025-01-01T00:00:00Z", queue.doneAnchored)
	assert.Equal(t, "2025-01-01T00:00:00Z", records.anchoredAt)
}

func TestBatcher_PermanentFailureDeadLetters(t *testing.T) {
	queue := &mockQueue{jobs: []*models.AnchorJob{testJob(0)}}
	records := &mockRecords{}
	chain := &mockLedger{
		anchorFunc: func(ctx context.Context, hashHex, publicID string, waitForReceipt bool) (string, error) {
			return "", &ledger.Error{Kind: ledger.KindTxRejected, Op: "anchor", Err: errors.New("tx reverted")}
		},
	}

	b := New(queue, records, chain, nil, testConfig())
	b.drainBatch(context.Background())

	assert.Equal(t, "CID-00001", queue.failedID)
	assert.True(t, queue.permanent)
	assert.Equal(t, "CID-00001", records.failedID)
	assert.Contains(t, records.failedReason, "tx_rejected")
	assert.Empty(t, queue.doneID)
}

func TestBatcher_TransientFailureRequeues(t *testing.T) {
	queue := &mockQueue{jobs: []*models.AnchorJob{testJob(0)}}
	records := &mockRecords{}
	chain := &mockLedger{
		anchorFunc: func(ctx context.Context, hashHex, publicID string, waitForReceipt bool) (string, error) {
			return "", &ledger.Error{Kind: ledger.KindReceiptTimeout, Op: "anchor", Err: errors.New("not mined")}
		},
	}

	b := New(queue, records, chain, nil, testConfig())
	b.drainBatch(context.Background())

	assert.Equal(t, "CID-00001", queue.failedID)
	assert.False(t, queue.permanent)
	// Below the retry ceiling the record stays queued.
	assert.Empty(t, records.failedID)
}

func TestBatcher_RetryCeilingDeadLetters(t *testing.T) {
	// The mock lease bumps tries to MaxRetries for this attempt.
	queue := &mockQueue{jobs: []*models.AnchorJob{testJob(4)}}
	records := &mockRecords{}
	chain := &mockLedger{
		anchorFunc: func(ctx context.Context, hashHex, publicID string, waitForReceipt bool) (string, error) {
			return "", &ledger.Error{Kind: ledger.KindTransport, Op: "anchor", Err: errors.New("rpc down")}
		},
	}

	b := New(queue, records, chain, nil, testConfig())
	b.drainBatch(context.Background())

	assert.False(t, queue.permanent)
	assert.Equal(t, "CID-00001", records.failedID, "record mirrors the dead-letter at the ceiling")
}

func TestBatcher_LookupFailureCountsAsTransient(t *testing.T) {
	queue := &mockQueue{jobs: []*models.AnchorJob{testJob(0)}}
	records := &mockRecords{}
	chain := &mockLedger{
		isAnchoredFunc: func(ctx context.Context, hashHex string) (bool, uint64, error) {
			return false, 0, &ledger.Error{Kind: ledger.KindTransport, Op: "isAnchored", Err: errors.New("rpc down")}
		},
	}

	b := New(queue, records, chain, nil, testConfig())
	b.drainBatch(context.Background())

	assert.Equal(t, 0, chain.anchorCalls)
	assert.Equal(t, "CID-00001", queue.failedID)
	assert.False(t, queue.permanent)
}

func TestBatcher_RespectsBatchLimit(t *testing.T) {
	jobs := make([]*models.AnchorJob, 8)
	for i := range jobs {
		jobs[i] = testJob(0)
	}
	queue := &mockQueue{jobs: jobs}

	cfg := testConfig()
	cfg.BatchLimit = 3
	b := New(queue, &mockRecords{}, &mockLedger{}, nil, cfg)

	processed := b.drainBatch(context.Background())
	assert.Equal(t, 3, processed)
	assert.Len(t, queue.jobs, 5)
}

func TestBatcher_StopsWhenQueueEmpty(t *testing.T) {
	queue := &mockQueue{}
	b := New(queue, &mockRecords{}, &mockLedger{}, nil, testConfig())

	processed := b.drainBatch(context.Background())
	assert.Equal(t, 0, processed)
}

func TestBatcher_ShutdownDoesNotAbortInFlightJob(t *testing.T) {
	queue := &mockQueue{jobs: []*models.AnchorJob{testJob(0), testJob(0)}}
	records := &mockRecords{}

	ctx, cancel := context.WithCancel(context.Background())
	chain := &mockLedger{
		anchorFunc: func(anchorCtx context.Context, hashHex, publicID string, waitForReceipt bool) (string, error) {
			// Simulates a shutdown signal arriving mid receipt wait.
			cancel()
			select {
			case <-anchorCtx.Done():
				t.Error("in-flight anchor call cancelled by shutdown")
			default:
			}
			return "0xfeed", nil
		},
	}

	b := New(queue, records, chain, nil, testConfig())
	processed := b.drainBatch(ctx)

	// The leased job finishes; the second job is never leased.
	assert.Equal(t, 1, processed)
	assert.Equal(t, 1, chain.anchorCalls)
	assert.Equal(t, "CID-00001", queue.doneID)
	assert.Len(t, queue.jobs, 1)
}

func TestBatcher_RunStopsOnCancel(t *testing.T) {
	queue := &mockQueue{}
	cfg := testConfig()
	cfg.ActivePollInterval = 10 * time.Millisecond
	b := New(queue, &mockRecords{}, &mockLedger{}, nil, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("batcher did not stop after cancel")
	}
	require.Empty(t, queue.doneID)
}
