package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EventType discriminates the three financial event kinds.
// Buy and Sell carry cost basis; Receive does not (airdrops, inbound
// transfers, pre-existing holdings).
type EventType int

const (
	EventBuy EventType = iota
	EventSell
	EventReceive
)

func (t EventType) String() string {
	switch t {
	case EventBuy:
		return "buy"
	case EventSell:
		return "sell"
	case EventReceive:
		return "receive"
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// MarshalJSON encodes the event type as its lowercase name.
func (t EventType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON decodes "buy" / "sell" / "receive".
func (t *EventType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "buy":
		*t = EventBuy
	case "sell":
		*t = EventSell
	case "receive":
		*t = EventReceive
	default:
		return fmt.Errorf("unknown event type %q", s)
	}
	return nil
}

// FinancialEvent is the atomic unit consumed by the FIFO engine.
//
// Invariants: Quantity > 0 for all variants; USDPricePerToken > 0 for Buy
// and Sell (zero allowed only on Receive); USDValue always equals
// Quantity × USDPricePerToken.
type FinancialEvent struct {
	Wallet           string          `json:"wallet_address"`
	TokenAddress     string          `json:"token_address"`
	TokenSymbol      string          `json:"token_symbol"`
	ChainID          string          `json:"chain_id"`
	EventType        EventType       `json:"event_type"`
	Quantity         decimal.Decimal `json:"quantity"`
	USDPricePerToken decimal.Decimal `json:"usd_price_per_token"`
	USDValue         decimal.Decimal `json:"usd_value"`
	Timestamp        time.Time       `json:"timestamp"`
	TransactionHash  string          `json:"transaction_hash"`
}

// slicePortion returns a copy of the event restricted to the given quantity,
// with USDValue recomputed for that portion.
func (ev FinancialEvent) slicePortion(quantity decimal.Decimal) FinancialEvent {
	portion := ev
	portion.Quantity = quantity
	portion.USDValue = quantity.Mul(ev.USDPricePerToken)
	return portion
}

// MatchedTrade pairs a portion of one buy with a portion of one sell.
// BuyEvent and SellEvent are slices restricted to the matched quantity,
// not the original events.
type MatchedTrade struct {
	BuyEvent        FinancialEvent  `json:"buy_event"`
	SellEvent       FinancialEvent  `json:"sell_event"`
	MatchedQuantity decimal.Decimal `json:"matched_quantity"`
	RealizedPnLUSD  decimal.Decimal `json:"realized_pnl_usd"`
	HoldTimeSeconds int64           `json:"hold_time_seconds"`
}

// ReceiveConsumption records that a sell consumed part of a prior receive.
// PnLImpactUSD is zero by definition: received tokens have no cost basis.
type ReceiveConsumption struct {
	ReceiveEvent     FinancialEvent  `json:"receive_event"`
	SellEvent        FinancialEvent  `json:"sell_event"`
	ConsumedQuantity decimal.Decimal `json:"consumed_quantity"`
	PnLImpactUSD     decimal.Decimal `json:"pnl_impact_usd"`
}

// RemainingPosition is what's left in a token after all matching.
// Only bought quantity carries a cost basis.
type RemainingPosition struct {
	TokenAddress      string          `json:"token_address"`
	TokenSymbol       string          `json:"token_symbol"`
	BoughtQuantity    decimal.Decimal `json:"bought_quantity"`
	ReceivedQuantity  decimal.Decimal `json:"received_quantity"`
	AvgCostBasisUSD   decimal.Decimal `json:"avg_cost_basis_usd"`
	TotalCostBasisUSD decimal.Decimal `json:"total_cost_basis_usd"`
}

// TokenPnLResult aggregates all matching output for one token.
type TokenPnLResult struct {
	TokenAddress string `json:"token_address"`
	TokenSymbol  string `json:"token_symbol"`

	MatchedTrades     []MatchedTrade     `json:"matched_trades"`
	RemainingPosition *RemainingPosition `json:"remaining_position,omitempty"`

	TotalRealizedPnLUSD   decimal.Decimal `json:"total_realized_pnl_usd"`
	TotalUnrealizedPnLUSD decimal.Decimal `json:"total_unrealized_pnl_usd"`
	TotalPnLUSD           decimal.Decimal `json:"total_pnl_usd"`

	TotalTrades       int             `json:"total_trades"`
	WinningTrades     int             `json:"winning_trades"`
	LosingTrades      int             `json:"losing_trades"`
	WinRatePercentage decimal.Decimal `json:"win_rate_percentage"`

	AvgHoldTimeMinutes decimal.Decimal `json:"avg_hold_time_minutes"`
	MinHoldTimeMinutes decimal.Decimal `json:"min_hold_time_minutes"`
	MaxHoldTimeMinutes decimal.Decimal `json:"max_hold_time_minutes"`

	TotalInvestedUSD decimal.Decimal `json:"total_invested_usd"`
	TotalReturnedUSD decimal.Decimal `json:"total_returned_usd"`

	CurrentWinningStreak int `json:"current_winning_streak"`
	LongestWinningStreak int `json:"longest_winning_streak"`
	CurrentLosingStreak  int `json:"current_losing_streak"`
	LongestLosingStreak  int `json:"longest_losing_streak"`

	ReceiveConsumptions       []ReceiveConsumption `json:"receive_consumptions"`
	TotalReceivedQuantity     decimal.Decimal      `json:"total_received_quantity"`
	TotalReceivedSoldQuantity decimal.Decimal      `json:"total_received_sold_quantity"`
	RemainingReceivedQuantity decimal.Decimal      `json:"remaining_received_quantity"`

	// ExchangeCurrency marks tokens used as trading currency (native coins,
	// wrapped quote assets, stablecoins, phantom pass-throughs). The result
	// stays inspectable but contributes nothing to portfolio aggregates.
	ExchangeCurrency bool `json:"exchange_currency"`
}

// PortfolioPnLResult aggregates token results for one wallet.
type PortfolioPnLResult struct {
	WalletAddress string           `json:"wallet_address"`
	TokenResults  []TokenPnLResult `json:"token_results"`

	TotalRealizedPnLUSD   decimal.Decimal `json:"total_realized_pnl_usd"`
	TotalUnrealizedPnLUSD decimal.Decimal `json:"total_unrealized_pnl_usd"`
	TotalPnLUSD           decimal.Decimal `json:"total_pnl_usd"`

	TotalTrades              int             `json:"total_trades"`
	WinningTrades            int             `json:"winning_trades"`
	LosingTrades             int             `json:"losing_trades"`
	OverallWinRatePercentage decimal.Decimal `json:"overall_win_rate_percentage"`
	AvgHoldTimeMinutes       decimal.Decimal `json:"avg_hold_time_minutes"`

	TokensAnalyzed    int       `json:"tokens_analyzed"`
	UniqueTokensCount int       `json:"unique_tokens_count"`
	EventsProcessed   int       `json:"events_processed"`
	AnalysisTimestamp time.Time `json:"analysis_timestamp"`

	TotalInvestedUSD decimal.Decimal `json:"total_invested_usd"`
	TotalReturnedUSD decimal.Decimal `json:"total_returned_usd"`

	CurrentWinningStreak int `json:"current_winning_streak"`
	LongestWinningStreak int `json:"longest_winning_streak"`
	CurrentLosingStreak  int `json:"current_losing_streak"`
	LongestLosingStreak  int `json:"longest_losing_streak"`

	ProfitPercentage decimal.Decimal `json:"profit_percentage"`
	ActiveDaysCount  int             `json:"active_days_count"`

	// Warnings lists tokens whose P&L computation failed (bad prices,
	// arithmetic overflow). The rest of the portfolio is still valid.
	Warnings []string `json:"warnings,omitempty"`
}
