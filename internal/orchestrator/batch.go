package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"walletpnl/internal/db"
)

// SubmitBatchJob persists a new batch job and starts executing it in the
// background. Returns the job id immediately.
func (o *Orchestrator) SubmitBatchJob(ctx context.Context, wallets []string, chain string, filters db.BatchJobFilters) (string, error) {
	if len(wallets) == 0 {
		return "", fmt.Errorf("batch job requires at least one wallet")
	}
	if chain == "" {
		return "", fmt.Errorf("batch job requires a chain")
	}

	job := &db.BatchJob{
		ID:        uuid.NewString(),
		Status:    db.JobPending,
		Chain:     chain,
		CreatedAt: time.Now().UTC(),
		Filters:   filters,
		Wallets:   wallets,
	}
	if err := o.store.InsertBatchJob(job); err != nil {
		return "", fmt.Errorf("store batch job: %w", err)
	}

	go func() {
		if err := o.executeBatchJob(ctx, job.ID); err != nil {
			log.Printf("[ORCH] Batch job %s failed with system error: %v", job.ID, err)
			o.markBatchJobFailed(job.ID, err.Error())
		}
	}()

	log.Printf("[ORCH] Submitted batch job %s for %d wallets on %s", job.ID, len(wallets), chain)
	return job.ID, nil
}

// executeBatchJob drives one batch job through its state machine:
// Pending → Running → Completed (any success) or Failed (all failed).
// Each wallet runs under the semaphore and the batch-work timeout; its
// result is persisted by the worker and dropped before the join point.
func (o *Orchestrator) executeBatchJob(ctx context.Context, jobID string) error {
	job, err := o.store.GetBatchJob(jobID)
	if err != nil {
		return fmt.Errorf("load batch job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("batch job %s not found", jobID)
	}
	if job.Status == db.JobCancelled {
		return nil
	}

	started := time.Now().UTC()
	job.Status = db.JobRunning
	job.StartedAt = &started
	if err := o.store.UpdateBatchJob(job); err != nil {
		return fmt.Errorf("mark batch job running: %w", err)
	}

	log.Printf("[ORCH] Executing batch job %s: %d wallets on %s (max %d concurrent)",
		jobID, len(job.Wallets), job.Chain, o.cfg.PerWalletSemaphore)

	type outcome struct {
		wallet string
		err    error
	}
	outcomes := make(chan outcome, len(job.Wallets))

	var wg sync.WaitGroup
	for _, wallet := range job.Wallets {
		wg.Add(1)
		go func(wallet string) {
			defer wg.Done()

			if err := o.sem.Acquire(ctx, 1); err != nil {
				outcomes <- outcome{wallet: wallet, err: fmt.Errorf("acquire slot: %w", err)}
				return
			}
			defer o.sem.Release(1)

			// Wallets that had not started when the job was cancelled are skipped.
			if cur, err := o.store.GetBatchJob(jobID); err == nil && cur != nil && cur.Status == db.JobCancelled {
				return
			}

			walletCtx, cancel := context.WithTimeout(ctx, o.cfg.BatchWalletTimeout)
			defer cancel()

			start := time.Now()
			report, err := o.processWallet(walletCtx, wallet, job.Chain)
			if err != nil {
				log.Printf("[ORCH] Batch wallet %s failed in %.2fs: %v", wallet, time.Since(start).Seconds(), err)
				o.markFailed(ctx, wallet, job.Chain)
				outcomes <- outcome{wallet: wallet, err: err}
				return
			}

			// Persist immediately and drop the report so the join point only
			// sees a success marker, never N portfolio results at once.
			stored := db.NewStoredPnLResult(wallet, job.Chain, "batch", report)
			report = nil
			if err := o.store.UpsertPnLResult(stored); err != nil {
				log.Printf("[ORCH] Failed to store batch result for wallet %s: %v", wallet, err)
				o.markFailed(ctx, wallet, job.Chain)
				outcomes <- outcome{wallet: wallet, err: err}
				return
			}
			if err := o.queue.MarkWalletProcessed(ctx, wallet, job.Chain); err != nil {
				log.Printf("[ORCH] Failed to mark wallet %s processed: %v", wallet, err)
			}

			log.Printf("[ORCH] Batch wallet %s completed in %.2fs", wallet, time.Since(start).Seconds())
			outcomes <- outcome{wallet: wallet}
		}(wallet)
	}

	wg.Wait()
	close(outcomes)

	var successful, failed []string
	for oc := range outcomes {
		if oc.err != nil {
			failed = append(failed, oc.wallet)
		} else {
			successful = append(successful, oc.wallet)
		}
	}

	completed := time.Now().UTC()
	job.CompletedAt = &completed
	job.SuccessfulWallets = successful
	job.FailedWallets = failed

	total := len(successful) + len(failed)
	if len(successful) == 0 && total > 0 {
		job.Status = db.JobFailed
		job.ErrorSummary = fmt.Sprintf("All %d wallets failed to process", total)
	} else {
		job.Status = db.JobCompleted
		if len(failed) > 0 {
			job.ErrorSummary = fmt.Sprintf("%d of %d wallets failed to process", len(failed), total)
		}
	}
	// Cancelled is terminal: keep it, and record only what did run.
	if cur, err := o.store.GetBatchJob(jobID); err == nil && cur != nil && cur.Status == db.JobCancelled {
		job.Status = db.JobCancelled
		job.CompletedAt = cur.CompletedAt
	}

	if err := o.store.UpdateBatchJob(job); err != nil {
		return fmt.Errorf("finalize batch job: %w", err)
	}

	log.Printf("[ORCH] Batch job %s %s: %d/%d wallets successful", jobID, job.Status, len(successful), total)
	return nil
}

// CancelBatchJob moves a non-terminal job to Cancelled. Wallets already
// in flight run to completion; their results stay persisted.
func (o *Orchestrator) CancelBatchJob(jobID string) error {
	job, err := o.store.GetBatchJob(jobID)
	if err != nil {
		return fmt.Errorf("load batch job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("batch job %s not found", jobID)
	}
	switch job.Status {
	case db.JobCompleted, db.JobFailed, db.JobCancelled:
		return fmt.Errorf("batch job %s is already %s", jobID, job.Status)
	}

	completed := time.Now().UTC()
	job.Status = db.JobCancelled
	job.CompletedAt = &completed
	if err := o.store.UpdateBatchJob(job); err != nil {
		return fmt.Errorf("cancel batch job: %w", err)
	}
	log.Printf("[ORCH] Batch job %s cancelled", jobID)
	return nil
}

// markBatchJobFailed records a system-level failure (not per-wallet) on the
// job row.
func (o *Orchestrator) markBatchJobFailed(jobID, summary string) {
	job, err := o.store.GetBatchJob(jobID)
	if err != nil || job == nil {
		log.Printf("[ORCH] Cannot load batch job %s to mark failed: %v", jobID, err)
		return
	}
	completed := time.Now().UTC()
	job.Status = db.JobFailed
	job.CompletedAt = &completed
	job.ErrorSummary = summary
	if err := o.store.UpdateBatchJob(job); err != nil {
		log.Printf("[ORCH] Failed to mark batch job %s failed: %v", jobID, err)
	}
}
