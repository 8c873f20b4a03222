package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"walletpnl/internal/config"
	"walletpnl/internal/db"
	"walletpnl/internal/engine"
	"walletpnl/internal/redisq"
	"walletpnl/internal/zerion"
)

// ── fakes ───────────────────────────────────────────────────────────

type fakeQueue struct {
	mu        sync.Mutex
	work      []redisq.WalletTokenPair
	claims    map[string][]redisq.WalletTokenPair
	released  []string
	returned  []string
	processed map[string]bool
	failed    map[string]bool
	cleanups  int
}

func newFakeQueue(pairs ...redisq.WalletTokenPair) *fakeQueue {
	return &fakeQueue{
		work:      pairs,
		claims:    make(map[string][]redisq.WalletTokenPair),
		processed: make(map[string]bool),
		failed:    make(map[string]bool),
	}
}

func (q *fakeQueue) ClaimWalletBatch(_ context.Context, _ string, n int) ([]redisq.WalletTokenPair, string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.work) == 0 {
		return nil, "", nil
	}
	if n > len(q.work) {
		n = len(q.work)
	}
	claimed := q.work[:n]
	q.work = q.work[n:]
	batchID := uuid.NewString()
	q.claims[batchID] = claimed
	return claimed, batchID, nil
}

func (q *fakeQueue) ReleaseBatchClaim(_ context.Context, batchID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.released = append(q.released, batchID)
	delete(q.claims, batchID)
	return nil
}

func (q *fakeQueue) ReturnFailedBatch(_ context.Context, batchID string, pairs []redisq.WalletTokenPair) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.returned = append(q.returned, batchID)
	q.work = append(q.work, pairs...)
	delete(q.claims, batchID)
	return nil
}

func (q *fakeQueue) CleanupStaleProcessingLocks(_ context.Context, _ time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cleanups++
	return 0, nil
}

func (q *fakeQueue) MarkWalletProcessed(_ context.Context, wallet, chain string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processed[chain+":"+wallet] = true
	return nil
}

func (q *fakeQueue) MarkWalletFailed(_ context.Context, wallet, chain string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed[chain+":"+wallet] = true
	return nil
}

func (q *fakeQueue) QueueSize(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.work)), nil
}

func (q *fakeQueue) CachedCurrentPrices(_ context.Context, _ string, _ []string) (map[string]decimal.Decimal, bool) {
	return nil, false
}

func (q *fakeQueue) CacheCurrentPrices(_ context.Context, _ string, _ []string, _ map[string]decimal.Decimal, _ time.Duration) {
}

type fakeStore struct {
	mu      sync.Mutex
	results map[string]*db.StoredPnLResult
	jobs    map[string]*db.BatchJob
	failOn  map[string]bool // wallet -> fail upsert
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		results: make(map[string]*db.StoredPnLResult),
		jobs:    make(map[string]*db.BatchJob),
		failOn:  make(map[string]bool),
	}
}

func (s *fakeStore) UpsertPnLResult(res *db.StoredPnLResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn[res.WalletAddress] {
		return errors.New("storage unavailable")
	}
	s.results[res.Chain+":"+res.WalletAddress] = res
	return nil
}

func (s *fakeStore) InsertBatchJob(job *db.BatchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *fakeStore) UpdateBatchJob(job *db.BatchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return fmt.Errorf("job %s not found", job.ID)
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *fakeStore) GetBatchJob(id string) (*db.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *job
	return &cp, nil
}

func (s *fakeStore) result(chain, wallet string) *db.StoredPnLResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results[chain+":"+wallet]
}

type fakeProvider struct {
	mu      sync.Mutex
	txs     map[string][]zerion.Transaction // wallet -> transactions
	failFor map[string]bool
	block   time.Duration
}

func (p *fakeProvider) WalletTransactions(ctx context.Context, wallet, _ string, _ int) ([]zerion.Transaction, error) {
	if p.block > 0 {
		select {
		case <-time.After(p.block):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failFor[wallet] {
		return nil, errors.New("provider unavailable")
	}
	return p.txs[wallet], nil
}

type fakePrices struct{}

func (fakePrices) CurrentPrices(_ context.Context, _ string, addresses []string) (map[string]decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal, len(addresses))
	for _, a := range addresses {
		prices[a] = decimal.RequireFromString("2.00")
	}
	return prices, nil
}

type failingEnricher struct{}

func (failingEnricher) Enrich(_ context.Context, _ []zerion.SkippedTransfer) ([]engine.FinancialEvent, error) {
	return nil, errors.New("enrichment failed: 3 of 4 historical price lookups failed")
}

// ── helpers ─────────────────────────────────────────────────────────

func f(v float64) *float64 { return &v }

// buySellTxs is a minimal profitable trade history: buy 100 @ $1, sell 100 @ $2.
func buySellTxs() []zerion.Transaction {
	fungible := &zerion.FungibleInfo{
		Symbol: "TOK",
		Implementations: []zerion.Implementation{
			{ChainID: "solana", Address: "Mint111", Decimals: 9},
		},
	}
	return []zerion.Transaction{
		{
			Attributes: zerion.TransactionAttributes{
				OperationType: "trade",
				Hash:          "buy-tx",
				MinedAt:       time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC),
				Transfers: []zerion.Transfer{{
					Direction:    "in",
					Quantity:     zerion.Quantity{Numeric: "100"},
					Price:        f(1.0),
					FungibleInfo: fungible,
				}},
			},
		},
		{
			Attributes: zerion.TransactionAttributes{
				OperationType: "trade",
				Hash:          "sell-tx",
				MinedAt:       time.Date(2025, 4, 2, 10, 0, 0, 0, time.UTC),
				Transfers: []zerion.Transfer{{
					Direction:    "out",
					Quantity:     zerion.Quantity{Numeric: "100"},
					Price:        f(2.0),
					FungibleInfo: fungible,
				}},
			},
		},
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.ProcessLoopInterval = time.Millisecond
	cfg.QueueWalletTimeout = 5 * time.Second
	cfg.BatchWalletTimeout = 5 * time.Second
	return cfg
}

func pair(wallet string) redisq.WalletTokenPair {
	return redisq.WalletTokenPair{WalletAddress: wallet, Chain: "solana"}
}

func waitForJob(t *testing.T, store *fakeStore, jobID string, timeout time.Duration) *db.BatchJob {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		job, _ := store.GetBatchJob(jobID)
		if job != nil && (job.Status == db.JobCompleted || job.Status == db.JobFailed) {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal state within %v", jobID, timeout)
	return nil
}

// ── tests ───────────────────────────────────────────────────────────

func TestInstanceID_Format(t *testing.T) {
	id := newInstanceID()
	assert.Regexp(t, regexp.MustCompile(`^.+-\d+-[0-9a-f]{8}$`), id)
	assert.NotEqual(t, id, newInstanceID(), "random suffix must differ")
}

func TestRunSingleCycle_ProcessesClaimedBatch(t *testing.T) {
	queue := newFakeQueue(pair("w1"), pair("w2"))
	store := newFakeStore()
	provider := &fakeProvider{txs: map[string][]zerion.Transaction{
		"w1": buySellTxs(),
		"w2": buySellTxs(),
	}}

	o := New(testConfig(), queue, store, provider, fakePrices{}, nil)
	processed, err := o.RunSingleCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	for _, wallet := range []string{"w1", "w2"} {
		res := store.result("solana", wallet)
		require.NotNil(t, res, "result for %s", wallet)
		assert.Equal(t, "continuous", res.Source)
		assert.Equal(t, float64(100), res.RealizedPnLUSD)
		assert.True(t, queue.processed["solana:"+wallet], "%s processed flag", wallet)
	}
	assert.Len(t, queue.released, 1)
	assert.Empty(t, queue.returned)
	assert.Equal(t, 1, queue.cleanups)
}

func TestRunSingleCycle_NoWork(t *testing.T) {
	o := New(testConfig(), newFakeQueue(), newFakeStore(), &fakeProvider{}, fakePrices{}, nil)
	processed, err := o.RunSingleCycle(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestRunSingleCycle_AllFailReturnsBatch(t *testing.T) {
	queue := newFakeQueue(pair("w1"))
	provider := &fakeProvider{failFor: map[string]bool{"w1": true}}

	o := New(testConfig(), queue, newFakeStore(), provider, fakePrices{}, nil)
	processed, err := o.RunSingleCycle(context.Background())
	require.Error(t, err)
	assert.True(t, processed)

	assert.Len(t, queue.returned, 1, "failed batch must be returned to the queue")
	assert.Empty(t, queue.released)
	assert.True(t, queue.failed["solana:w1"])
	assert.Len(t, queue.work, 1, "item re-enqueued for another instance")
}

func TestRunSingleCycle_PartialFailureStillReleases(t *testing.T) {
	queue := newFakeQueue(pair("w1"), pair("w2"))
	store := newFakeStore()
	provider := &fakeProvider{
		txs:     map[string][]zerion.Transaction{"w1": buySellTxs()},
		failFor: map[string]bool{"w2": true},
	}

	o := New(testConfig(), queue, store, provider, fakePrices{}, nil)
	_, err := o.RunSingleCycle(context.Background())
	require.NoError(t, err, "one success is enough to release the claim")

	assert.Len(t, queue.released, 1)
	assert.True(t, queue.failed["solana:w2"])
	assert.NotNil(t, store.result("solana", "w1"))
}

func TestRunSingleCycle_StorageFailureMarksWalletFailed(t *testing.T) {
	queue := newFakeQueue(pair("w1"))
	store := newFakeStore()
	store.failOn["w1"] = true
	provider := &fakeProvider{txs: map[string][]zerion.Transaction{"w1": buySellTxs()}}

	o := New(testConfig(), queue, store, provider, fakePrices{}, nil)
	_, err := o.RunSingleCycle(context.Background())
	require.Error(t, err)
	assert.True(t, queue.failed["solana:w1"], "state inconsistency is preferable to silent loss")
}

func TestRunSingleCycle_EnricherFailureFailsWallet(t *testing.T) {
	// A transfer with no price data forces the enricher, which fails hard.
	noPriceTx := buySellTxs()
	noPriceTx[1].Attributes.Transfers[0].Price = nil
	noPriceTx[1].Attributes.Transfers[0].Value = nil

	queue := newFakeQueue(pair("w1"))
	provider := &fakeProvider{txs: map[string][]zerion.Transaction{"w1": noPriceTx}}

	o := New(testConfig(), queue, newFakeStore(), provider, fakePrices{}, failingEnricher{})
	_, err := o.RunSingleCycle(context.Background())
	require.Error(t, err)
	assert.True(t, queue.failed["solana:w1"])
}

func TestBatchJob_CompletesWithPartialFailures(t *testing.T) {
	queue := newFakeQueue()
	store := newFakeStore()
	provider := &fakeProvider{
		txs:     map[string][]zerion.Transaction{"w1": buySellTxs(), "w3": buySellTxs()},
		failFor: map[string]bool{"w2": true},
	}

	o := New(testConfig(), queue, store, provider, fakePrices{}, nil)
	jobID, err := o.SubmitBatchJob(context.Background(), []string{"w1", "w2", "w3"}, "solana", db.BatchJobFilters{})
	require.NoError(t, err)

	job := waitForJob(t, store, jobID, 5*time.Second)
	assert.Equal(t, db.JobCompleted, job.Status)
	assert.ElementsMatch(t, []string{"w1", "w3"}, job.SuccessfulWallets)
	assert.Equal(t, []string{"w2"}, job.FailedWallets)
	assert.Equal(t, "1 of 3 wallets failed to process", job.ErrorSummary)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.CompletedAt)

	assert.NotNil(t, store.result("solana", "w1"))
	assert.NotNil(t, store.result("solana", "w3"))
	assert.Equal(t, "batch", store.result("solana", "w1").Source)
	assert.True(t, queue.failed["solana:w2"])
}

func TestBatchJob_AllFail(t *testing.T) {
	store := newFakeStore()
	provider := &fakeProvider{failFor: map[string]bool{"w1": true, "w2": true}}

	o := New(testConfig(), newFakeQueue(), store, provider, fakePrices{}, nil)
	jobID, err := o.SubmitBatchJob(context.Background(), []string{"w1", "w2"}, "solana", db.BatchJobFilters{})
	require.NoError(t, err)

	job := waitForJob(t, store, jobID, 5*time.Second)
	assert.Equal(t, db.JobFailed, job.Status)
	assert.Equal(t, "All 2 wallets failed to process", job.ErrorSummary)
	assert.Empty(t, job.SuccessfulWallets)
}

func TestBatchJob_TimeoutMarksWalletFailed(t *testing.T) {
	cfg := testConfig()
	cfg.BatchWalletTimeout = 20 * time.Millisecond

	queue := newFakeQueue()
	store := newFakeStore()
	provider := &fakeProvider{block: time.Second}

	o := New(cfg, queue, store, provider, fakePrices{}, nil)
	jobID, err := o.SubmitBatchJob(context.Background(), []string{"w1"}, "solana", db.BatchJobFilters{})
	require.NoError(t, err)

	job := waitForJob(t, store, jobID, 5*time.Second)
	assert.Equal(t, db.JobFailed, job.Status)
	assert.Equal(t, []string{"w1"}, job.FailedWallets)
	assert.True(t, queue.failed["solana:w1"])
}

func TestBatchJob_Validation(t *testing.T) {
	o := New(testConfig(), newFakeQueue(), newFakeStore(), &fakeProvider{}, fakePrices{}, nil)

	_, err := o.SubmitBatchJob(context.Background(), nil, "solana", db.BatchJobFilters{})
	assert.Error(t, err)

	_, err = o.SubmitBatchJob(context.Background(), []string{"w1"}, "", db.BatchJobFilters{})
	assert.Error(t, err)
}

func TestCancelBatchJob(t *testing.T) {
	store := newFakeStore()
	o := New(testConfig(), newFakeQueue(), store, &fakeProvider{}, fakePrices{}, nil)

	job := &db.BatchJob{ID: "job-1", Status: db.JobPending, Chain: "solana", Wallets: []string{"w1"}}
	require.NoError(t, store.InsertBatchJob(job))

	require.NoError(t, o.CancelBatchJob("job-1"))
	got, _ := store.GetBatchJob("job-1")
	assert.Equal(t, db.JobCancelled, got.Status)
	assert.NotNil(t, got.CompletedAt)

	// Cancelled is terminal.
	assert.Error(t, o.CancelBatchJob("job-1"))
	assert.Error(t, o.CancelBatchJob("missing"))
}

func TestStatus(t *testing.T) {
	queue := newFakeQueue(pair("w1"), pair("w2"), pair("w3"))
	o := New(testConfig(), queue, newFakeStore(), &fakeProvider{}, fakePrices{}, nil)

	status, err := o.Status(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, status.QueueSize)
	assert.Equal(t, o.InstanceID(), status.InstanceID)
}
