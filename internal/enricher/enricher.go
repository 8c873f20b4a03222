package enricher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"walletpnl/internal/engine"
	"walletpnl/internal/zerion"
)

// ErrEnrichmentFailed signals that more than the allowed share of historical
// price lookups failed. Partial enrichment at a high failure rate is data
// loss, not best-effort: the wallet's pipeline must abort.
var ErrEnrichmentFailed = errors.New("enrichment failed")

// HistoricalPriceSource looks up the USD price of a token at a unix timestamp.
type HistoricalPriceSource interface {
	HistoricalPrice(ctx context.Context, chain, address string, unixTime int64) (decimal.Decimal, error)
}

// PriceCache is an optional TTL'd cache consulted before hitting the source.
type PriceCache interface {
	CachedHistoricalPrice(ctx context.Context, chain, address string, unixTime int64) (decimal.Decimal, bool)
	CacheHistoricalPrice(ctx context.Context, chain, address string, unixTime int64, price decimal.Decimal)
}

// Enricher turns skipped transfers into fully priced financial events via a
// historical price source, self-pacing below the provider's rate ceiling.
type Enricher struct {
	source         HistoricalPriceSource
	cache          PriceCache // may be nil
	interval       time.Duration
	maxFailureRate float64
}

// New creates an enricher. interval is the per-request delay (≈1.2s keeps
// the client near 50 req/min, half the advertised ceiling); maxFailureRate
// is the tolerated share of failed lookups before the wallet is aborted.
func New(source HistoricalPriceSource, cache PriceCache, interval time.Duration, maxFailureRate float64) *Enricher {
	return &Enricher{
		source:         source,
		cache:          cache,
		interval:       interval,
		maxFailureRate: maxFailureRate,
	}
}

// Enrich resolves a historical price for each skipped transfer and returns
// the resulting events. Lookups that fail are dropped; if the failure share
// exceeds the configured rate the whole call fails with ErrEnrichmentFailed.
func (e *Enricher) Enrich(ctx context.Context, skipped []zerion.SkippedTransfer) ([]engine.FinancialEvent, error) {
	if len(skipped) == 0 {
		return nil, nil
	}

	log.Printf("[ENRICHER] Resolving historical prices for %d skipped transfers", len(skipped))

	var events []engine.FinancialEvent
	succeeded, failed := 0, 0

	for _, s := range skipped {
		unixTime := s.Timestamp.Unix()

		if e.cache != nil {
			if price, ok := e.cache.CachedHistoricalPrice(ctx, s.ChainID, s.TokenAddress, unixTime); ok {
				events = append(events, buildEvent(s, price))
				succeeded++
				continue
			}
		}

		// Pace requests to the external source.
		select {
		case <-time.After(e.interval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		price, err := e.source.HistoricalPrice(ctx, s.ChainID, s.TokenAddress, unixTime)
		if err != nil {
			log.Printf("[ENRICHER] Historical price lookup failed for %s (%s) at %d: %v",
				s.TokenSymbol, s.TokenAddress, unixTime, err)
			failed++
			continue
		}

		if e.cache != nil {
			e.cache.CacheHistoricalPrice(ctx, s.ChainID, s.TokenAddress, unixTime, price)
		}
		events = append(events, buildEvent(s, price))
		succeeded++
	}

	total := succeeded + failed
	if total > 0 && float64(failed)/float64(total) > e.maxFailureRate {
		return nil, fmt.Errorf("%w: %d of %d historical price lookups failed", ErrEnrichmentFailed, failed, total)
	}

	log.Printf("[ENRICHER] Enriched %d events (%d lookups failed)", len(events), failed)
	return events, nil
}

func buildEvent(s zerion.SkippedTransfer, price decimal.Decimal) engine.FinancialEvent {
	return engine.FinancialEvent{
		Wallet:           s.Wallet,
		TokenAddress:     s.TokenAddress,
		TokenSymbol:      s.TokenSymbol,
		ChainID:          s.ChainID,
		EventType:        s.EventType,
		Quantity:         s.Quantity,
		USDPricePerToken: price,
		USDValue:         s.Quantity.Mul(price),
		Timestamp:        s.Timestamp,
		TransactionHash:  s.TransactionHash,
	}
}
