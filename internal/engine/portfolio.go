package engine

import (
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// CalculatePortfolioPnL computes per-token P&L for every token in
// eventsByToken and aggregates to a wallet-level result. currentPrices maps
// token address to spot price; missing entries yield zero unrealized P&L for
// that token.
//
// Tokens that fail (bad prices, overflow) are reported in Warnings and the
// rest of the portfolio is still computed. Exchange-currency tokens stay in
// TokenResults for inspection but contribute nothing to any aggregate.
func (e *Engine) CalculatePortfolioPnL(eventsByToken map[string][]FinancialEvent, currentPrices map[string]decimal.Decimal) (*PortfolioPnLResult, error) {
	tokensAnalyzed := len(eventsByToken)
	log.Printf("[ENGINE] Starting P&L calculation for wallet %s with %d tokens", e.wallet, tokensAnalyzed)

	// Sorted iteration keeps output order (and Warnings order) identical
	// across runs; map order must never leak into results.
	addresses := make([]string, 0, tokensAnalyzed)
	for addr := range eventsByToken {
		addresses = append(addresses, addr)
	}
	sort.Strings(addresses)

	result := &PortfolioPnLResult{
		WalletAddress:         e.wallet,
		TokensAnalyzed:        tokensAnalyzed,
		UniqueTokensCount:     tokensAnalyzed,
		AnalysisTimestamp:     time.Now().UTC(),
		TotalRealizedPnLUSD:   decimal.Zero,
		TotalUnrealizedPnLUSD: decimal.Zero,
		TotalPnLUSD:           decimal.Zero,
		TotalInvestedUSD:      decimal.Zero,
		TotalReturnedUSD:      decimal.Zero,
	}

	remainingCostBasis := decimal.Zero
	includedCount := 0
	holdTimeSum := decimal.Zero

	for _, addr := range addresses {
		events := eventsByToken[addr]
		result.EventsProcessed += len(events)

		tokenResult, err := e.CalculateTokenPnL(events, currentPrices[addr])
		if err != nil {
			log.Printf("[ENGINE] Failed to calculate P&L for token %s: %v", addr, err)
			result.Warnings = append(result.Warnings, fmt.Sprintf("token %s: %v", addr, err))
			continue
		}

		result.TokenResults = append(result.TokenResults, *tokenResult)

		if tokenResult.ExchangeCurrency {
			log.Printf("[ENGINE] Excluding exchange currency %s (%s) from portfolio aggregates",
				tokenResult.TokenSymbol, tokenResult.TokenAddress)
			continue
		}

		result.TotalRealizedPnLUSD = result.TotalRealizedPnLUSD.Add(tokenResult.TotalRealizedPnLUSD)
		result.TotalUnrealizedPnLUSD = result.TotalUnrealizedPnLUSD.Add(tokenResult.TotalUnrealizedPnLUSD)
		result.TotalTrades += tokenResult.TotalTrades
		result.WinningTrades += tokenResult.WinningTrades
		result.LosingTrades += tokenResult.LosingTrades
		result.TotalInvestedUSD = result.TotalInvestedUSD.Add(tokenResult.TotalInvestedUSD)
		result.TotalReturnedUSD = result.TotalReturnedUSD.Add(tokenResult.TotalReturnedUSD)

		if tokenResult.RemainingPosition != nil {
			remainingCostBasis = remainingCostBasis.Add(tokenResult.RemainingPosition.TotalCostBasisUSD)
		}

		includedCount++
		holdTimeSum = holdTimeSum.Add(tokenResult.AvgHoldTimeMinutes)
	}

	result.TotalPnLUSD = result.TotalRealizedPnLUSD.Add(result.TotalUnrealizedPnLUSD)

	if result.TotalTrades > 0 {
		result.OverallWinRatePercentage = decimal.NewFromInt(int64(result.WinningTrades) * 100).
			Div(decimal.NewFromInt(int64(result.TotalTrades)))
	} else {
		result.OverallWinRatePercentage = decimal.Zero
	}

	if includedCount > 0 {
		result.AvgHoldTimeMinutes = holdTimeSum.Div(decimal.NewFromInt(int64(includedCount)))
	} else {
		result.AvgHoldTimeMinutes = decimal.Zero
	}

	// Profit percentage treats still-held cost basis as recovered value:
	// ((returned + remaining cost basis) / invested) × 100. Below 100 is a
	// loss, above is profit.
	if result.TotalInvestedUSD.IsPositive() {
		result.ProfitPercentage = result.TotalReturnedUSD.Add(remainingCostBasis).
			Div(result.TotalInvestedUSD).
			Mul(decimal.NewFromInt(100)).
			Round(2)
	} else {
		result.ProfitPercentage = decimal.Zero
	}

	result.CurrentWinningStreak, result.LongestWinningStreak,
		result.CurrentLosingStreak, result.LongestLosingStreak = portfolioStreaks(result.TokenResults)

	result.ActiveDaysCount = activeDaysCount(result.TokenResults)

	if result.TotalPnLUSD.Abs().GreaterThan(e.params.UnrealizedPnLSanityCap) {
		log.Printf("[ENGINE] Unrealistic total P&L for wallet %s: $%s (realized $%s, unrealized $%s) - likely data error",
			e.wallet, result.TotalPnLUSD, result.TotalRealizedPnLUSD, result.TotalUnrealizedPnLUSD)
	}

	log.Printf("[ENGINE] P&L complete for wallet %s: total $%s, %d trades, win rate %s%%",
		e.wallet, result.TotalPnLUSD.StringFixed(2), result.TotalTrades, result.OverallWinRatePercentage.StringFixed(1))

	return result, nil
}

// portfolioStreaks walks every matched trade across all non-excluded tokens
// sorted by sell timestamp. Per-token streaks do not compose additively:
// a wallet alternating wins and losses between two tokens has no streak at
// all, which summing per-token counters would miss.
func portfolioStreaks(tokenResults []TokenPnLResult) (curWin, longWin, curLose, longLose int) {
	var all []MatchedTrade
	for _, tr := range tokenResults {
		if tr.ExchangeCurrency {
			continue
		}
		all = append(all, tr.MatchedTrades...)
	}
	return streaks(all)
}

// activeDaysCount is the number of distinct calendar dates on which any
// matched trade's sell executed, across all non-excluded tokens.
func activeDaysCount(tokenResults []TokenPnLResult) int {
	days := make(map[string]struct{})
	for _, tr := range tokenResults {
		if tr.ExchangeCurrency {
			continue
		}
		for _, mt := range tr.MatchedTrades {
			days[mt.SellEvent.Timestamp.UTC().Format("2006-01-02")] = struct{}{}
		}
	}
	return len(days)
}
