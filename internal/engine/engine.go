package engine

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// implicitReceivePrefix marks synthetic receive events fabricated for sell
// residue that no observable buy or receive can cover.
const implicitReceivePrefix = "implicit_receive_"

// decimal96Max mirrors the 96-bit range of a fixed-width decimal (2^96 − 1).
// shopspring decimals are arbitrary precision, so "overflow" here means the
// result left the range any sane USD amount can occupy; the token fails
// instead of propagating a garbage magnitude.
var decimal96Max = decimal.RequireFromString("79228162514264337593543950335")

// Params are the engine tuning knobs. Zero values are never valid; use
// DefaultParams and override from configuration.
type Params struct {
	DustZeroThreshold      decimal.Decimal
	UnrealizedPnLSanityCap decimal.Decimal
	PhantomHoldTimeMinutes decimal.Decimal
	PhantomPnLEpsilon      decimal.Decimal
}

// DefaultParams returns the standard engine thresholds.
func DefaultParams() Params {
	return Params{
		DustZeroThreshold:      decimal.New(1, -18),
		UnrealizedPnLSanityCap: decimal.NewFromInt(100_000_000),
		PhantomHoldTimeMinutes: decimal.New(1, -1), // 0.1 min
		PhantomPnLEpsilon:      decimal.New(1, -2), // $0.01
	}
}

// Engine computes FIFO P&L for a single wallet. It is pure CPU and
// synchronous; all I/O happens before events reach it.
type Engine struct {
	wallet string
	params Params
}

// New creates an engine for the given wallet address.
func New(wallet string, params Params) *Engine {
	return &Engine{wallet: wallet, params: params}
}

func checkedSub(a, b decimal.Decimal) (decimal.Decimal, error) {
	d := a.Sub(b)
	if d.Abs().GreaterThan(decimal96Max) {
		return decimal.Decimal{}, fmt.Errorf("subtraction overflow: %s - %s", a, b)
	}
	return d, nil
}

func checkedMul(a, b decimal.Decimal) (decimal.Decimal, error) {
	d := a.Mul(b)
	if d.Abs().GreaterThan(decimal96Max) {
		return decimal.Decimal{}, fmt.Errorf("multiplication overflow: %s * %s", a, b)
	}
	return d, nil
}

// receivedLot tracks how much of a receive event is still unconsumed.
type receivedLot struct {
	event     FinancialEvent
	remaining decimal.Decimal
}

// CalculateTokenPnL runs FIFO matching for a single token's events and
// returns the per-token result. currentPrice is the spot price for
// unrealized P&L; zero or negative means no price is available.
func (e *Engine) CalculateTokenPnL(events []FinancialEvent, currentPrice decimal.Decimal) (*TokenPnLResult, error) {
	if len(events) == 0 {
		return nil, errors.New("no events provided for token P&L calculation")
	}

	tokenAddress := events[0].TokenAddress
	tokenSymbol := events[0].TokenSymbol

	// Sort chronologically; transaction hash breaks timestamp ties so two
	// runs over the same input always match in the same order.
	sorted := make([]FinancialEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		}
		return sorted[i].TransactionHash < sorted[j].TransactionHash
	})

	// Data quality gate: cost-bearing events must carry a positive price.
	for _, ev := range sorted {
		if ev.EventType != EventReceive && !ev.USDPricePerToken.IsPositive() {
			return nil, fmt.Errorf(
				"invalid price for token %s (%s): price=%s in tx %s",
				tokenSymbol, tokenAddress, ev.USDPricePerToken, ev.TransactionHash)
		}
	}

	var buys, sells, receives []FinancialEvent
	for _, ev := range sorted {
		switch ev.EventType {
		case EventBuy:
			buys = append(buys, ev)
		case EventSell:
			sells = append(sells, ev)
		case EventReceive:
			receives = append(receives, ev)
		}
	}

	// Invested counts the full value of every real buy, before matching
	// mutates the buy lots.
	totalInvested := decimal.Zero
	for _, b := range buys {
		totalInvested = totalInvested.Add(b.USDValue)
	}

	totalSellValue := decimal.Zero
	for _, s := range sells {
		totalSellValue = totalSellValue.Add(s.USDValue)
	}
	if totalInvested.IsPositive() && totalSellValue.IsPositive() {
		ratio := totalInvested.Div(totalSellValue)
		if ratio.GreaterThan(decimal.NewFromInt(10)) {
			log.Printf("[ENGINE] Extreme buy/sell imbalance for %s: $%s buy vs $%s sell (%sx) - possible parse error",
				tokenSymbol, totalInvested.StringFixed(2), totalSellValue.StringFixed(2), ratio.StringFixed(1))
		}
	}

	matchedTrades, receiveConsumptions, err := e.matchFIFO(buys, sells, receives)
	if err != nil {
		return nil, err
	}

	// Returned counts only sell proceeds that back a matched trade. Selling
	// received or pre-existing tokens shows up in receive consumptions and
	// contributes nothing here.
	totalReturned := decimal.Zero
	totalRealized := decimal.Zero
	for _, mt := range matchedTrades {
		totalReturned = totalReturned.Add(mt.SellEvent.USDValue)
		totalRealized = totalRealized.Add(mt.RealizedPnLUSD)
	}

	position := remainingPosition(buys, receives, receiveConsumptions, tokenAddress, tokenSymbol)
	unrealized := e.unrealizedPnL(position, currentPrice)

	totalTrades := len(matchedTrades)
	winning := 0
	for _, mt := range matchedTrades {
		if mt.RealizedPnLUSD.IsPositive() {
			winning++
		}
	}
	losing := totalTrades - winning

	winRate := decimal.Zero
	if totalTrades > 0 {
		winRate = decimal.NewFromInt(int64(winning) * 100).Div(decimal.NewFromInt(int64(totalTrades)))
	}

	avgHold, minHold, maxHold := holdTimeStats(matchedTrades)
	curWin, longWin, curLose, longLose := streaks(matchedTrades)

	// Received quantity counts both real receives and implicit ones
	// synthesized during matching.
	originalReceived := decimal.Zero
	for _, r := range receives {
		originalReceived = originalReceived.Add(r.Quantity)
	}
	implicitReceived := decimal.Zero
	consumedReceived := decimal.Zero
	for _, rc := range receiveConsumptions {
		consumedReceived = consumedReceived.Add(rc.ConsumedQuantity)
		if strings.HasPrefix(rc.ReceiveEvent.TransactionHash, implicitReceivePrefix) {
			implicitReceived = implicitReceived.Add(rc.ConsumedQuantity)
		}
	}
	totalReceived := originalReceived.Add(implicitReceived)

	result := &TokenPnLResult{
		TokenAddress:              tokenAddress,
		TokenSymbol:               tokenSymbol,
		MatchedTrades:             matchedTrades,
		RemainingPosition:         position,
		TotalRealizedPnLUSD:       totalRealized,
		TotalUnrealizedPnLUSD:     unrealized,
		TotalPnLUSD:               totalRealized.Add(unrealized),
		TotalTrades:               totalTrades,
		WinningTrades:             winning,
		LosingTrades:              losing,
		WinRatePercentage:         winRate,
		AvgHoldTimeMinutes:        avgHold,
		MinHoldTimeMinutes:        minHold,
		MaxHoldTimeMinutes:        maxHold,
		TotalInvestedUSD:          totalInvested,
		TotalReturnedUSD:          totalReturned,
		CurrentWinningStreak:      curWin,
		LongestWinningStreak:      longWin,
		CurrentLosingStreak:       curLose,
		LongestLosingStreak:       longLose,
		ReceiveConsumptions:       receiveConsumptions,
		TotalReceivedQuantity:     totalReceived,
		TotalReceivedSoldQuantity: consumedReceived,
		RemainingReceivedQuantity: totalReceived.Sub(consumedReceived),
	}
	result.ExchangeCurrency = e.isExchangeCurrency(result)
	return result, nil
}

// matchFIFO consumes each sell in chronological order through three phases:
// bought lots first (realized P&L), then real receives (zero P&L), then a
// synthetic implicit receive for any residue. Buys are mutated in place so
// later sells see the drained lots.
func (e *Engine) matchFIFO(buys []FinancialEvent, sells, receives []FinancialEvent) ([]MatchedTrade, []ReceiveConsumption, error) {
	var matchedTrades []MatchedTrade
	var consumptions []ReceiveConsumption

	lots := make([]receivedLot, len(receives))
	for i, r := range receives {
		lots[i] = receivedLot{event: r, remaining: r.Quantity}
	}

	for _, sell := range sells {
		remainingSell := sell.Quantity

		// Phase 1: bought lots, oldest first. Only lots that existed at the
		// time of the sell are eligible.
		for i := range buys {
			if !remainingSell.IsPositive() {
				break
			}
			buy := &buys[i]
			if !buy.Quantity.IsPositive() || buy.Timestamp.After(sell.Timestamp) {
				continue
			}

			matched := decimal.Min(remainingSell, buy.Quantity)

			priceDiff, err := checkedSub(sell.USDPricePerToken, buy.USDPricePerToken)
			if err != nil {
				return nil, nil, fmt.Errorf("price difference for token %s: %w", sell.TokenSymbol, err)
			}
			realized, err := checkedMul(priceDiff, matched)
			if err != nil {
				return nil, nil, fmt.Errorf("realized P&L for token %s: %w", sell.TokenSymbol, err)
			}

			holdSeconds := int64(sell.Timestamp.Sub(buy.Timestamp).Seconds())
			if holdSeconds < 0 {
				holdSeconds = 0
			}

			matchedTrades = append(matchedTrades, MatchedTrade{
				BuyEvent:        buy.slicePortion(matched),
				SellEvent:       sell.slicePortion(matched),
				MatchedQuantity: matched,
				RealizedPnLUSD:  realized,
				HoldTimeSeconds: holdSeconds,
			})

			buy.Quantity = buy.Quantity.Sub(matched)
			buy.USDValue = buy.Quantity.Mul(buy.USDPricePerToken)
			e.zeroDust(buy)

			remainingSell = remainingSell.Sub(matched)
		}

		// Phase 2: real receives, oldest first, zero P&L impact.
		if remainingSell.IsPositive() {
			for i := range lots {
				if !remainingSell.IsPositive() {
					break
				}
				lot := &lots[i]
				if !lot.remaining.IsPositive() || lot.event.Timestamp.After(sell.Timestamp) {
					continue
				}

				consumed := decimal.Min(remainingSell, lot.remaining)
				consumptions = append(consumptions, ReceiveConsumption{
					ReceiveEvent:     lot.event,
					SellEvent:        sell.slicePortion(consumed),
					ConsumedQuantity: consumed,
					PnLImpactUSD:     decimal.Zero,
				})
				lot.remaining = lot.remaining.Sub(consumed)
				remainingSell = remainingSell.Sub(consumed)
			}
		}

		// Phase 3: the wallet is selling tokens acquired before the
		// observable window. Fabricate a zero-cost receive one second
		// before the sell and consume it immediately.
		if remainingSell.IsPositive() {
			implicit := FinancialEvent{
				Wallet:           sell.Wallet,
				TokenAddress:     sell.TokenAddress,
				TokenSymbol:      sell.TokenSymbol,
				ChainID:          sell.ChainID,
				EventType:        EventReceive,
				Quantity:         remainingSell,
				USDPricePerToken: decimal.Zero,
				USDValue:         decimal.Zero,
				Timestamp:        sell.Timestamp.Add(-time.Second),
				TransactionHash:  implicitReceivePrefix + sell.TransactionHash,
			}
			consumptions = append(consumptions, ReceiveConsumption{
				ReceiveEvent:     implicit,
				SellEvent:        sell.slicePortion(remainingSell),
				ConsumedQuantity: remainingSell,
				PnLImpactUSD:     decimal.Zero,
			})
			log.Printf("[ENGINE] Implicit receive for %s %s (pre-existing holdings, excluded from P&L)",
				remainingSell, sell.TokenSymbol)
		}
	}

	return matchedTrades, consumptions, nil
}

// zeroDust clears a buy lot whose residue fell below the dust threshold at
// scale >= 18. Without this, sub-meaningful residues keep dead lots alive
// through every later sell.
func (e *Engine) zeroDust(buy *FinancialEvent) {
	if buy.Quantity.IsPositive() &&
		buy.Quantity.Exponent() <= -18 &&
		buy.Quantity.Abs().LessThan(e.params.DustZeroThreshold) {
		buy.Quantity = decimal.Zero
		buy.USDValue = decimal.Zero
	}
}

// remainingPosition computes what is left after matching: drained real buy
// lots plus unconsumed real receives. Implicit receives never appear here;
// they are consumed in full the moment they are synthesized.
func remainingPosition(buys, receives []FinancialEvent, consumptions []ReceiveConsumption, tokenAddress, tokenSymbol string) *RemainingPosition {
	boughtQuantity := decimal.Zero
	totalBoughtCost := decimal.Zero
	for _, b := range buys {
		boughtQuantity = boughtQuantity.Add(b.Quantity)
		totalBoughtCost = totalBoughtCost.Add(b.USDValue)
	}

	avgCostBasis := decimal.Zero
	if boughtQuantity.IsPositive() {
		avgCostBasis = totalBoughtCost.Div(boughtQuantity)
	}

	totalReceived := decimal.Zero
	for _, r := range receives {
		totalReceived = totalReceived.Add(r.Quantity)
	}
	consumedFromReal := decimal.Zero
	for _, c := range consumptions {
		if strings.HasPrefix(c.ReceiveEvent.TransactionHash, implicitReceivePrefix) {
			continue
		}
		consumedFromReal = consumedFromReal.Add(c.ConsumedQuantity)
	}
	receivedQuantity := totalReceived.Sub(consumedFromReal)

	if !boughtQuantity.IsPositive() && !receivedQuantity.IsPositive() {
		return nil
	}

	return &RemainingPosition{
		TokenAddress:      tokenAddress,
		TokenSymbol:       tokenSymbol,
		BoughtQuantity:    boughtQuantity,
		ReceivedQuantity:  receivedQuantity,
		AvgCostBasisUSD:   avgCostBasis,
		TotalCostBasisUSD: totalBoughtCost,
	}
}

// unrealizedPnL computes (current_price − avg_cost_basis) × bought_quantity.
// Received-but-unsold tokens have no cost basis and contribute nothing.
// Missing prices, arithmetic overflow, and values beyond the sanity cap all
// yield zero.
func (e *Engine) unrealizedPnL(position *RemainingPosition, currentPrice decimal.Decimal) decimal.Decimal {
	if position == nil || !currentPrice.IsPositive() {
		return decimal.Zero
	}

	priceDiff, err := checkedSub(currentPrice, position.AvgCostBasisUSD)
	if err != nil {
		log.Printf("[ENGINE] Unrealized P&L price diff overflow for %s: %v", position.TokenSymbol, err)
		return decimal.Zero
	}
	pnl, err := checkedMul(priceDiff, position.BoughtQuantity)
	if err != nil {
		log.Printf("[ENGINE] Unrealized P&L overflow for %s: %v", position.TokenSymbol, err)
		return decimal.Zero
	}

	if pnl.Abs().GreaterThan(e.params.UnrealizedPnLSanityCap) {
		log.Printf("[ENGINE] Unrealistic unrealized P&L $%s for %s - treating as data error", pnl, position.TokenSymbol)
		return decimal.Zero
	}
	return pnl
}

// holdTimeStats returns (avg, min, max) hold time in minutes over matched
// trades. Sells covered by receives are receive consumptions, not matched
// trades, and do not enter these statistics.
func holdTimeStats(trades []MatchedTrade) (avg, min, max decimal.Decimal) {
	if len(trades) == 0 {
		return decimal.Zero, decimal.Zero, decimal.Zero
	}

	sixty := decimal.NewFromInt(60)
	sum := decimal.Zero
	for i, t := range trades {
		m := decimal.NewFromInt(t.HoldTimeSeconds).Div(sixty)
		sum = sum.Add(m)
		if i == 0 {
			min, max = m, m
			continue
		}
		if m.LessThan(min) {
			min = m
		}
		if m.GreaterThan(max) {
			max = m
		}
	}
	avg = sum.Div(decimal.NewFromInt(int64(len(trades))))
	return avg, min, max
}

// streaks walks matched trades ordered by sell timestamp. Positive P&L
// extends the winning streak and resets losing; negative does the opposite;
// exactly zero leaves both untouched.
func streaks(trades []MatchedTrade) (curWin, longWin, curLose, longLose int) {
	if len(trades) == 0 {
		return 0, 0, 0, 0
	}

	sorted := make([]MatchedTrade, len(trades))
	copy(sorted, trades)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].SellEvent.Timestamp.Before(sorted[j].SellEvent.Timestamp)
	})

	for _, t := range sorted {
		switch {
		case t.RealizedPnLUSD.IsPositive():
			curWin++
			curLose = 0
			if curWin > longWin {
				longWin = curWin
			}
		case t.RealizedPnLUSD.IsNegative():
			curLose++
			curWin = 0
			if curLose > longLose {
				longLose = curLose
			}
		}
	}
	return curWin, longWin, curLose, longLose
}
