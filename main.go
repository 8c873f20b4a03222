package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"walletpnl/internal/birdeye"
	"walletpnl/internal/config"
	"walletpnl/internal/db"
	"walletpnl/internal/enricher"
	"walletpnl/internal/logger"
	"walletpnl/internal/orchestrator"
	"walletpnl/internal/redisq"
	"walletpnl/internal/zerion"
)

var version = "dev"

func main() {
	// Load .env for local runs. No-op when absent; never overrides OS env.
	godotenv.Load()

	mode := flag.String("mode", "continuous", "Run mode: continuous | batch | enqueue | status")
	wallets := flag.String("wallets", "", "Comma-separated wallet addresses (batch / enqueue modes)")
	chain := flag.String("chain", "solana", "Chain id: solana | ethereum | bsc | base")
	flag.Parse()

	logger.Banner(version)

	cfg := config.FromEnv()
	if cfg.ZerionAPIKey == "" {
		logger.Error("CONFIG", "ZERION_API_KEY is not set")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(cfg.SQLitePath)
	if err != nil {
		logger.Error("DB", fmt.Sprintf("Failed to open database: %v", err))
		os.Exit(1)
	}
	defer database.Close()

	queue, err := redisq.New(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("REDIS", fmt.Sprintf("Failed to connect: %v", err))
		os.Exit(1)
	}
	defer queue.Close()
	logger.Success("REDIS", "Connected")

	zerionClient := zerion.NewClient(cfg.ZerionAPIKey, cfg.ZerionBaseURL)
	birdeyeClient := birdeye.NewClient(cfg.BirdEyeAPIKey, cfg.BirdEyeBaseURL)

	var priceEnricher orchestrator.EventEnricher
	if cfg.BirdEyeAPIKey != "" {
		priceEnricher = enricher.New(birdeyeClient, queue, cfg.EnrichmentRequestInterval, cfg.EnrichmentMaxFailureRate)
	} else {
		logger.Warn("ENRICHER", "BIRDEYE_API_KEY not set; events without provider prices will be dropped")
	}

	orch := orchestrator.New(cfg, queue, database, zerionClient, birdeyeClient, priceEnricher)

	switch *mode {
	case "continuous":
		logger.Info("ORCH", fmt.Sprintf("Instance %s entering continuous mode", orch.InstanceID()))
		orch.RunContinuous(ctx)

	case "batch":
		list := splitWallets(*wallets)
		if len(list) == 0 {
			logger.Error("BATCH", "batch mode requires -wallets")
			os.Exit(1)
		}
		jobID, err := orch.SubmitBatchJob(ctx, list, *chain, db.BatchJobFilters{
			MaxTransactions: cfg.MaxTransactionPages * 100,
		})
		if err != nil {
			logger.Error("BATCH", fmt.Sprintf("Submit failed: %v", err))
			os.Exit(1)
		}
		logger.Success("BATCH", fmt.Sprintf("Submitted job %s for %d wallets", jobID, len(list)))
		waitForBatchJob(ctx, database, jobID)

	case "enqueue":
		list := splitWallets(*wallets)
		if len(list) == 0 {
			logger.Error("QUEUE", "enqueue mode requires -wallets")
			os.Exit(1)
		}
		pairs := make([]redisq.WalletTokenPair, 0, len(list))
		for _, w := range list {
			pairs = append(pairs, redisq.WalletTokenPair{WalletAddress: w, Chain: *chain})
		}
		if err := queue.PushWork(ctx, pairs...); err != nil {
			logger.Error("QUEUE", fmt.Sprintf("Enqueue failed: %v", err))
			os.Exit(1)
		}
		logger.Success("QUEUE", fmt.Sprintf("Enqueued %d wallets on %s", len(pairs), *chain))

	case "status":
		status, err := orch.Status(ctx)
		if err != nil {
			logger.Error("ORCH", fmt.Sprintf("Status failed: %v", err))
			os.Exit(1)
		}
		logger.Section("Orchestrator status")
		logger.Stats("Instance", status.InstanceID)
		logger.Stats("Queue size", status.QueueSize)

	default:
		logger.Error("MAIN", fmt.Sprintf("Unknown mode %q", *mode))
		os.Exit(1)
	}
}

func splitWallets(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if w := strings.TrimSpace(part); w != "" {
			out = append(out, w)
		}
	}
	return out
}

// waitForBatchJob polls the job row until it reaches a terminal state or the
// context is cancelled.
func waitForBatchJob(ctx context.Context, database *db.DB, jobID string) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Warn("BATCH", fmt.Sprintf("Interrupted while waiting for job %s", jobID))
			return
		case <-ticker.C:
		}

		job, err := database.GetBatchJob(jobID)
		if err != nil || job == nil {
			continue
		}
		switch job.Status {
		case db.JobCompleted:
			msg := fmt.Sprintf("Job %s completed: %d successful, %d failed", jobID, len(job.SuccessfulWallets), len(job.FailedWallets))
			if job.ErrorSummary != "" {
				msg += " (" + job.ErrorSummary + ")"
			}
			logger.Success("BATCH", msg)
			return
		case db.JobFailed:
			logger.Error("BATCH", fmt.Sprintf("Job %s failed: %s", jobID, job.ErrorSummary))
			return
		case db.JobCancelled:
			logger.Warn("BATCH", fmt.Sprintf("Job %s was cancelled", jobID))
			return
		}
	}
}
