package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"

	"walletpnl/internal/config"
	"walletpnl/internal/db"
	"walletpnl/internal/engine"
	"walletpnl/internal/redisq"
	"walletpnl/internal/zerion"
)

// TransactionProvider fetches a wallet's raw transaction history.
type TransactionProvider interface {
	WalletTransactions(ctx context.Context, wallet, chain string, maxPages int) ([]zerion.Transaction, error)
}

// PriceSource fetches current spot prices for a set of token addresses.
type PriceSource interface {
	CurrentPrices(ctx context.Context, chain string, addresses []string) (map[string]decimal.Decimal, error)
}

// EventEnricher resolves prices for transfers the provider could not price.
type EventEnricher interface {
	Enrich(ctx context.Context, skipped []zerion.SkippedTransfer) ([]engine.FinancialEvent, error)
}

// WorkQueue is the shared queue, claim registry, status flags, and price
// cache backing the work-stealing protocol.
type WorkQueue interface {
	ClaimWalletBatch(ctx context.Context, instanceID string, n int) ([]redisq.WalletTokenPair, string, error)
	ReleaseBatchClaim(ctx context.Context, batchID string) error
	ReturnFailedBatch(ctx context.Context, batchID string, pairs []redisq.WalletTokenPair) error
	CleanupStaleProcessingLocks(ctx context.Context, maxAge time.Duration) (int, error)
	MarkWalletProcessed(ctx context.Context, wallet, chain string) error
	MarkWalletFailed(ctx context.Context, wallet, chain string) error
	QueueSize(ctx context.Context) (int64, error)
	CachedCurrentPrices(ctx context.Context, chain string, addresses []string) (map[string]decimal.Decimal, bool)
	CacheCurrentPrices(ctx context.Context, chain string, addresses []string, prices map[string]decimal.Decimal, ttl time.Duration)
}

// ResultStore persists portfolio results and batch jobs.
type ResultStore interface {
	UpsertPnLResult(res *db.StoredPnLResult) error
	InsertBatchJob(job *db.BatchJob) error
	UpdateBatchJob(job *db.BatchJob) error
	GetBatchJob(id string) (*db.BatchJob, error)
}

// Orchestrator claims batches of (wallet, chain) work from the shared queue
// and runs the fetch→parse→enrich→compute→persist pipeline with bounded
// concurrency. Multiple instances may run against the same queue; atomic
// claims keep them from processing the same work twice.
type Orchestrator struct {
	cfg        *config.Config
	queue      WorkQueue
	store      ResultStore
	provider   TransactionProvider
	prices     PriceSource
	enricher   EventEnricher // may be nil
	sem        *semaphore.Weighted
	instanceID string
}

// New creates an orchestrator with a stable per-process instance identity.
func New(cfg *config.Config, queue WorkQueue, store ResultStore, provider TransactionProvider, prices PriceSource, enricher EventEnricher) *Orchestrator {
	o := &Orchestrator{
		cfg:        cfg,
		queue:      queue,
		store:      store,
		provider:   provider,
		prices:     prices,
		enricher:   enricher,
		sem:        semaphore.NewWeighted(cfg.PerWalletSemaphore),
		instanceID: newInstanceID(),
	}
	log.Printf("[ORCH] Orchestrator instance ID: %s", o.instanceID)
	return o
}

// newInstanceID builds hostname-pid-<hex suffix> so claims are attributable
// across a fleet.
func newInstanceID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	suffix := make([]byte, 4)
	rand.Read(suffix)
	return fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), hex.EncodeToString(suffix))
}

// InstanceID returns this orchestrator's identity.
func (o *Orchestrator) InstanceID() string {
	return o.instanceID
}

// Status is a point-in-time snapshot of the orchestrator.
type Status struct {
	InstanceID string `json:"instance_id"`
	QueueSize  int64  `json:"queue_size"`
}

// Status reports the instance identity and current queue depth.
func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	size, err := o.queue.QueueSize(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{InstanceID: o.instanceID, QueueSize: size}, nil
}

// RunContinuous drives the claim-process-release cycle until the context is
// cancelled. Cycle errors are logged, never fatal.
func (o *Orchestrator) RunContinuous(ctx context.Context) {
	log.Printf("[ORCH] Starting continuous mode processing")
	for {
		if _, err := o.RunSingleCycle(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[ORCH] Continuous cycle failed: %v", err)
		}
		select {
		case <-time.After(o.cfg.ProcessLoopInterval):
		case <-ctx.Done():
			log.Printf("[ORCH] Continuous mode stopped: %v", ctx.Err())
			return
		}
	}
}

// RunSingleCycle executes one work-stealing cycle. Returns true when a
// batch was claimed and processed.
func (o *Orchestrator) RunSingleCycle(ctx context.Context) (bool, error) {
	// Stale claims from dead instances are recovered at the start of every
	// cycle so work is never permanently lost.
	if n, err := o.queue.CleanupStaleProcessingLocks(ctx, o.cfg.StaleClaimMaxAge); err != nil {
		log.Printf("[ORCH] Failed to cleanup stale processing locks: %v", err)
	} else if n > 0 {
		log.Printf("[ORCH] Recovered %d stale claims", n)
	}

	pairs, batchID, err := o.queue.ClaimWalletBatch(ctx, o.instanceID, o.cfg.PnLParallelBatchSize)
	if err != nil {
		return false, fmt.Errorf("claim wallet batch: %w", err)
	}
	if len(pairs) == 0 {
		return false, nil
	}

	log.Printf("[ORCH] Instance %s claimed batch %s with %d wallet-token pairs", o.instanceID, batchID, len(pairs))

	if err := o.processClaimedBatch(ctx, pairs, batchID); err != nil {
		log.Printf("[ORCH] Batch %s processing failed: %v", batchID, err)
		if returnErr := o.queue.ReturnFailedBatch(ctx, batchID, pairs); returnErr != nil {
			log.Printf("[ORCH] Failed to return batch %s to queue: %v", batchID, returnErr)
		}
		return true, err
	}

	if err := o.queue.ReleaseBatchClaim(ctx, batchID); err != nil {
		log.Printf("[ORCH] Failed to release batch claim %s: %v", batchID, err)
	}
	return true, nil
}

// processClaimedBatch runs all claimed pairs in parallel, each under the
// queue-work timeout. Succeeds when at least one pair succeeded.
func (o *Orchestrator) processClaimedBatch(ctx context.Context, pairs []redisq.WalletTokenPair, batchID string) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	successCount := 0

	for _, pair := range pairs {
		wg.Add(1)
		go func(pair redisq.WalletTokenPair) {
			defer wg.Done()

			walletCtx, cancel := context.WithTimeout(ctx, o.cfg.QueueWalletTimeout)
			defer cancel()

			report, err := o.processWallet(walletCtx, pair.WalletAddress, pair.Chain)
			if err != nil {
				log.Printf("[ORCH] Wallet %s on %s failed: %v", pair.WalletAddress, pair.Chain, err)
				o.markFailed(ctx, pair.WalletAddress, pair.Chain)
				return
			}

			stored := db.NewStoredPnLResult(pair.WalletAddress, pair.Chain, "continuous", report)
			report = nil // the stored record carries the report from here on
			if err := o.store.UpsertPnLResult(stored); err != nil {
				log.Printf("[ORCH] Failed to store result for wallet %s: %v", pair.WalletAddress, err)
				o.markFailed(ctx, pair.WalletAddress, pair.Chain)
				return
			}
			if err := o.queue.MarkWalletProcessed(ctx, pair.WalletAddress, pair.Chain); err != nil {
				log.Printf("[ORCH] Failed to mark wallet %s processed: %v", pair.WalletAddress, err)
			}

			mu.Lock()
			successCount++
			mu.Unlock()
		}(pair)
	}
	wg.Wait()

	log.Printf("[ORCH] Batch %s completed: %d/%d succeeded", batchID, successCount, len(pairs))
	if successCount == 0 {
		return fmt.Errorf("all %d items in batch %s failed", len(pairs), batchID)
	}
	return nil
}

func (o *Orchestrator) markFailed(ctx context.Context, wallet, chain string) {
	if err := o.queue.MarkWalletFailed(ctx, wallet, chain); err != nil {
		log.Printf("[ORCH] Failed to mark wallet %s failed for chain %s: %v", wallet, chain, err)
	}
}

// processWallet runs the full pipeline for one wallet: fetch, parse, enrich
// skipped transfers, group by token, attach current prices, compute P&L.
func (o *Orchestrator) processWallet(ctx context.Context, wallet, chain string) (*engine.PortfolioPnLResult, error) {
	txs, err := o.provider.WalletTransactions(ctx, wallet, chain, o.cfg.MaxTransactionPages)
	if err != nil {
		return nil, fmt.Errorf("fetch transactions: %w", err)
	}

	events, skipped, err := zerion.ParseTransactions(txs, wallet, chain)
	if err != nil {
		return nil, fmt.Errorf("parse transactions: %w", err)
	}
	txs = nil // the transaction payloads are no longer needed

	if o.enricher != nil && len(skipped) > 0 {
		enriched, err := o.enricher.Enrich(ctx, skipped)
		if err != nil {
			return nil, fmt.Errorf("enrich events: %w", err)
		}
		events = append(events, enriched...)
	}

	grouped := zerion.GroupEventsByToken(events)
	events = nil

	addresses := make([]string, 0, len(grouped))
	for addr := range grouped {
		addresses = append(addresses, addr)
	}
	sort.Strings(addresses)

	prices := o.fetchCurrentPrices(ctx, chain, addresses)

	eng := engine.New(wallet, o.engineParams())
	return eng.CalculatePortfolioPnL(grouped, prices)
}

// fetchCurrentPrices consults the TTL'd cache before the live source.
// Price failures are not fatal: the engine computes zero unrealized P&L for
// unpriced tokens.
func (o *Orchestrator) fetchCurrentPrices(ctx context.Context, chain string, addresses []string) map[string]decimal.Decimal {
	if len(addresses) == 0 {
		return nil
	}
	if cached, ok := o.queue.CachedCurrentPrices(ctx, chain, addresses); ok {
		return cached
	}

	prices, err := o.prices.CurrentPrices(ctx, chain, addresses)
	if err != nil {
		log.Printf("[ORCH] Current price fetch failed for %d tokens on %s: %v", len(addresses), chain, err)
		return nil
	}
	o.queue.CacheCurrentPrices(ctx, chain, addresses, prices, o.cfg.CurrentPriceTTL)
	return prices
}

func (o *Orchestrator) engineParams() engine.Params {
	params := engine.DefaultParams()
	params.PhantomHoldTimeMinutes = decimal.NewFromFloat(o.cfg.PhantomPatternHoldTimeMinutes)
	params.PhantomPnLEpsilon = decimal.NewFromFloat(o.cfg.PhantomPatternPnLEpsilon)
	params.DustZeroThreshold = decimal.NewFromFloat(o.cfg.DustZeroThreshold)
	params.UnrealizedPnLSanityCap = decimal.NewFromInt(o.cfg.UnrealizedPnLSanityCap)
	return params
}
