package zerion

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"walletpnl/internal/engine"
)

// nativeSymbols maps chain IDs to the chain's native currency symbol.
// Native transfers inside a "send" are wallet-to-wallet moves, not trades.
var nativeSymbols = map[string]string{
	"solana":   "SOL",
	"ethereum": "ETH",
	"bsc":      "BNB",
	"base":     "ETH",
}

// SkippedTransfer records a transfer that produced no event because both
// price and value were missing. It carries everything the price enricher
// needs to retry via a historical-price lookup.
type SkippedTransfer struct {
	Wallet          string
	TokenAddress    string
	TokenSymbol     string
	ChainID         string
	Quantity        decimal.Decimal
	Timestamp       time.Time
	EventType       engine.EventType
	TransactionHash string
}

// ParseTransactions converts provider transactions into financial events for
// the given wallet and chain. Transfers with no usable price data come back
// as SkippedTransfer records; individually malformed transfers are logged
// and dropped.
func ParseTransactions(txs []Transaction, wallet, chainID string) ([]engine.FinancialEvent, []SkippedTransfer, error) {
	if chainID == "" {
		return nil, nil, errors.New("chain id is required")
	}

	var events []engine.FinancialEvent
	var skipped []SkippedTransfer
	errorCount := 0

	for _, tx := range txs {
		switch tx.Attributes.OperationType {
		case "trade", "send":
		default:
			continue
		}

		for _, transfer := range tx.Attributes.Transfers {
			event, skip, err := convertTransfer(tx, transfer, wallet, chainID)
			if err != nil {
				log.Printf("[PARSER] Skipping transfer in tx %s: %v", tx.Attributes.Hash, err)
				errorCount++
				continue
			}
			if skip != nil {
				skipped = append(skipped, *skip)
				continue
			}
			if event != nil {
				events = append(events, *event)
			}
		}
	}

	if errorCount > 0 {
		log.Printf("[PARSER] %d transfers had data quality issues and were skipped", errorCount)
	}
	log.Printf("[PARSER] Converted %d transactions into %d events (%d awaiting price enrichment) for wallet %s",
		len(txs), len(events), len(skipped), wallet)

	return events, skipped, nil
}

// convertTransfer classifies one transfer and infers its price data.
// Returns (nil, nil, nil) for transfers that are legitimately irrelevant
// (inbound legs of sends, native-currency moves, other-chain tokens).
func convertTransfer(tx Transaction, transfer Transfer, wallet, chainID string) (*engine.FinancialEvent, *SkippedTransfer, error) {
	if transfer.FungibleInfo == nil {
		return nil, nil, errors.New("transfer has no fungible info")
	}

	// Native currency inside a send is a wallet-to-wallet move.
	if tx.Attributes.OperationType == "send" && transfer.FungibleInfo.Symbol == nativeSymbols[chainID] {
		return nil, nil, nil
	}

	var eventType engine.EventType
	switch tx.Attributes.OperationType {
	case "trade":
		switch transfer.Direction {
		case "in":
			eventType = engine.EventBuy
		case "out":
			eventType = engine.EventSell
		default:
			return nil, nil, fmt.Errorf("unknown direction %q in trade", transfer.Direction)
		}
	case "send":
		// Sends dispose of tokens; inbound legs are not this wallet's trade.
		if transfer.Direction != "out" {
			return nil, nil, nil
		}
		eventType = engine.EventSell
	}

	// Token address comes from the implementation on the wallet's chain.
	address := ""
	for _, impl := range transfer.FungibleInfo.Implementations {
		if impl.ChainID == chainID && impl.Address != "" {
			address = impl.Address
			break
		}
	}
	if address == "" {
		return nil, nil, nil
	}

	quantity, err := decimal.NewFromString(transfer.Quantity.Numeric)
	if err != nil {
		return nil, nil, fmt.Errorf("parse quantity %q: %w", transfer.Quantity.Numeric, err)
	}
	if !quantity.IsPositive() {
		return nil, nil, fmt.Errorf("non-positive quantity %s", quantity)
	}

	var price, value decimal.Decimal
	switch {
	case transfer.Price != nil && transfer.Value != nil:
		price = decimal.NewFromFloat(*transfer.Price)
		value = decimal.NewFromFloat(*transfer.Value)
	case transfer.Price != nil:
		price = decimal.NewFromFloat(*transfer.Price)
		value = price.Mul(quantity)
	case transfer.Value != nil:
		value = decimal.NewFromFloat(*transfer.Value)
		price = value.Div(quantity)
	default:
		// No price data at all: hand off to the enricher.
		return nil, &SkippedTransfer{
			Wallet:          wallet,
			TokenAddress:    address,
			TokenSymbol:     transfer.FungibleInfo.Symbol,
			ChainID:         chainID,
			Quantity:        quantity,
			Timestamp:       tx.Attributes.MinedAt,
			EventType:       eventType,
			TransactionHash: tx.Attributes.Hash,
		}, nil
	}

	return &engine.FinancialEvent{
		Wallet:           wallet,
		TokenAddress:     address,
		TokenSymbol:      transfer.FungibleInfo.Symbol,
		ChainID:          chainID,
		EventType:        eventType,
		Quantity:         quantity,
		USDPricePerToken: price,
		USDValue:         value,
		Timestamp:        tx.Attributes.MinedAt,
		TransactionHash:  tx.Attributes.Hash,
	}, nil, nil
}

// GroupEventsByToken partitions a flat event stream by token address,
// which is the unit the FIFO engine consumes.
func GroupEventsByToken(events []engine.FinancialEvent) map[string][]engine.FinancialEvent {
	grouped := make(map[string][]engine.FinancialEvent)
	for _, ev := range events {
		grouped[ev.TokenAddress] = append(grouped[ev.TokenAddress], ev)
	}
	return grouped
}
