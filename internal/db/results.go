package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"walletpnl/internal/engine"
)

// StoredPnLResult is a persisted portfolio result plus the scalar columns
// extracted for query indexes.
type StoredPnLResult struct {
	WalletAddress    string
	Chain            string
	Report           *engine.PortfolioPnLResult
	TotalPnLUSD      float64
	RealizedPnLUSD   float64
	UnrealizedPnLUSD float64
	WinRate          float64
	TotalTrades      int
	TokensAnalyzed   int
	Source           string // "continuous" | "batch"
	AnalyzedAt       time.Time
}

// NewStoredPnLResult extracts the indexed scalars from a portfolio report.
func NewStoredPnLResult(wallet, chain, source string, report *engine.PortfolioPnLResult) *StoredPnLResult {
	return &StoredPnLResult{
		WalletAddress:    wallet,
		Chain:            chain,
		Report:           report,
		TotalPnLUSD:      report.TotalPnLUSD.InexactFloat64(),
		RealizedPnLUSD:   report.TotalRealizedPnLUSD.InexactFloat64(),
		UnrealizedPnLUSD: report.TotalUnrealizedPnLUSD.InexactFloat64(),
		WinRate:          report.OverallWinRatePercentage.InexactFloat64(),
		TotalTrades:      report.TotalTrades,
		TokensAnalyzed:   report.TokensAnalyzed,
		Source:           source,
		AnalyzedAt:       report.AnalysisTimestamp,
	}
}

// UpsertPnLResult stores a portfolio result keyed by (wallet, chain) using
// DELETE then INSERT, so recomputation is idempotent.
func (d *DB) UpsertPnLResult(res *StoredPnLResult) error {
	reportJSON, err := json.Marshal(res.Report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	tx, err := d.sql.Begin()
	if err != nil {
		return fmt.Errorf("upsert pnl result begin tx: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM pnl_results WHERE wallet_address = ? AND chain = ?`,
		res.WalletAddress, res.Chain); err != nil {
		tx.Rollback()
		return fmt.Errorf("upsert pnl result delete: %w", err)
	}

	if _, err := tx.Exec(`INSERT INTO pnl_results (
		wallet_address, chain, report_json,
		total_pnl_usd, realized_pnl_usd, unrealized_pnl_usd,
		win_rate, total_trades, tokens_analyzed, source, analyzed_at
	) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		res.WalletAddress, res.Chain, string(reportJSON),
		res.TotalPnLUSD, res.RealizedPnLUSD, res.UnrealizedPnLUSD,
		res.WinRate, res.TotalTrades, res.TokensAnalyzed, res.Source,
		res.AnalyzedAt.UTC().Format(time.RFC3339),
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("upsert pnl result insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("upsert pnl result commit: %w", err)
	}
	return nil
}

// GetPnLResult retrieves a stored result, or nil when none exists.
func (d *DB) GetPnLResult(wallet, chain string) (*StoredPnLResult, error) {
	row := d.sql.QueryRow(`
		SELECT wallet_address, chain, report_json,
			total_pnl_usd, realized_pnl_usd, unrealized_pnl_usd,
			win_rate, total_trades, tokens_analyzed, source, analyzed_at
		FROM pnl_results WHERE wallet_address = ? AND chain = ?
	`, wallet, chain)

	var res StoredPnLResult
	var reportJSON, analyzedAt string
	err := row.Scan(
		&res.WalletAddress, &res.Chain, &reportJSON,
		&res.TotalPnLUSD, &res.RealizedPnLUSD, &res.UnrealizedPnLUSD,
		&res.WinRate, &res.TotalTrades, &res.TokensAnalyzed, &res.Source, &analyzedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pnl result: %w", err)
	}

	res.Report = &engine.PortfolioPnLResult{}
	if err := json.Unmarshal([]byte(reportJSON), res.Report); err != nil {
		return nil, fmt.Errorf("decode stored report: %w", err)
	}
	res.AnalyzedAt, _ = time.Parse(time.RFC3339, analyzedAt)
	return &res, nil
}

// ListPnLResults returns stored results for a chain ordered by total P&L
// descending, without decoding the report blobs.
func (d *DB) ListPnLResults(chain string, limit int) ([]StoredPnLResult, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.sql.Query(`
		SELECT wallet_address, chain,
			total_pnl_usd, realized_pnl_usd, unrealized_pnl_usd,
			win_rate, total_trades, tokens_analyzed, source, analyzed_at
		FROM pnl_results WHERE chain = ?
		ORDER BY total_pnl_usd DESC LIMIT ?
	`, chain, limit)
	if err != nil {
		return nil, fmt.Errorf("list pnl results: %w", err)
	}
	defer rows.Close()

	var results []StoredPnLResult
	for rows.Next() {
		var res StoredPnLResult
		var analyzedAt string
		if err := rows.Scan(
			&res.WalletAddress, &res.Chain,
			&res.TotalPnLUSD, &res.RealizedPnLUSD, &res.UnrealizedPnLUSD,
			&res.WinRate, &res.TotalTrades, &res.TokensAnalyzed, &res.Source, &analyzedAt,
		); err != nil {
			return nil, fmt.Errorf("list pnl results scan: %w", err)
		}
		res.AnalyzedAt, _ = time.Parse(time.RFC3339, analyzedAt)
		results = append(results, res)
	}
	return results, rows.Err()
}
