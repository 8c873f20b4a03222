package enricher

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"walletpnl/internal/engine"
	"walletpnl/internal/zerion"
)

type fakeSource struct {
	prices map[string]decimal.Decimal // address -> price
	calls  int
}

func (f *fakeSource) HistoricalPrice(_ context.Context, _, address string, _ int64) (decimal.Decimal, error) {
	f.calls++
	if p, ok := f.prices[address]; ok {
		return p, nil
	}
	return decimal.Decimal{}, errors.New("no price")
}

type fakeCache struct {
	entries map[string]decimal.Decimal
	stores  int
}

func cacheKey(chain, address string, ts int64) string {
	return fmt.Sprintf("%s:%s:%d", chain, address, ts)
}

func (f *fakeCache) CachedHistoricalPrice(_ context.Context, chain, address string, ts int64) (decimal.Decimal, bool) {
	p, ok := f.entries[cacheKey(chain, address, ts)]
	return p, ok
}

func (f *fakeCache) CacheHistoricalPrice(_ context.Context, chain, address string, ts int64, price decimal.Decimal) {
	f.stores++
	f.entries[cacheKey(chain, address, ts)] = price
}

func skippedTransfer(address string, ts int64) zerion.SkippedTransfer {
	return zerion.SkippedTransfer{
		Wallet:          "wallet1",
		TokenAddress:    address,
		TokenSymbol:     "TOK",
		ChainID:         "solana",
		Quantity:        decimal.RequireFromString("10"),
		Timestamp:       time.Unix(ts, 0).UTC(),
		EventType:       engine.EventSell,
		TransactionHash: "tx-" + address,
	}
}

func TestEnrich_Success(t *testing.T) {
	src := &fakeSource{prices: map[string]decimal.Decimal{
		"MintA": decimal.RequireFromString("2.5"),
	}}
	e := New(src, nil, time.Millisecond, 0.5)

	events, err := e.Enrich(context.Background(), []zerion.SkippedTransfer{
		skippedTransfer("MintA", 1000),
	})
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, engine.EventSell, ev.EventType)
	assert.True(t, ev.USDPricePerToken.Equal(decimal.RequireFromString("2.5")))
	assert.True(t, ev.USDValue.Equal(decimal.RequireFromString("25")))
	assert.Equal(t, "wallet1", ev.Wallet)
}

func TestEnrich_FailureRateExceeded(t *testing.T) {
	// 2 of 3 lookups fail: 0.67 > 0.5 -> the wallet aborts.
	src := &fakeSource{prices: map[string]decimal.Decimal{
		"MintA": decimal.RequireFromString("1"),
	}}
	e := New(src, nil, time.Millisecond, 0.5)

	_, err := e.Enrich(context.Background(), []zerion.SkippedTransfer{
		skippedTransfer("MintA", 1000),
		skippedTransfer("MintB", 2000),
		skippedTransfer("MintC", 3000),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEnrichmentFailed))
}

func TestEnrich_FailureRateAtThresholdPasses(t *testing.T) {
	// Exactly half failing is not "more than half": keep the partial result.
	src := &fakeSource{prices: map[string]decimal.Decimal{
		"MintA": decimal.RequireFromString("1"),
	}}
	e := New(src, nil, time.Millisecond, 0.5)

	events, err := e.Enrich(context.Background(), []zerion.SkippedTransfer{
		skippedTransfer("MintA", 1000),
		skippedTransfer("MintB", 2000),
	})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestEnrich_CacheHitSkipsSource(t *testing.T) {
	src := &fakeSource{}
	cache := &fakeCache{entries: map[string]decimal.Decimal{
		cacheKey("solana", "MintA", 1000): decimal.RequireFromString("3"),
	}}
	e := New(src, cache, time.Millisecond, 0.5)

	events, err := e.Enrich(context.Background(), []zerion.SkippedTransfer{
		skippedTransfer("MintA", 1000),
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 0, src.calls, "cache hit must not reach the source")
}

func TestEnrich_SuccessfulLookupPopulatesCache(t *testing.T) {
	src := &fakeSource{prices: map[string]decimal.Decimal{
		"MintA": decimal.RequireFromString("4"),
	}}
	cache := &fakeCache{entries: map[string]decimal.Decimal{}}
	e := New(src, cache, time.Millisecond, 0.5)

	_, err := e.Enrich(context.Background(), []zerion.SkippedTransfer{
		skippedTransfer("MintA", 1000),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, cache.stores)
}

func TestEnrich_EmptyInput(t *testing.T) {
	e := New(&fakeSource{}, nil, time.Millisecond, 0.5)
	events, err := e.Enrich(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestEnrich_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := New(&fakeSource{}, nil, time.Second, 0.5)
	_, err := e.Enrich(ctx, []zerion.SkippedTransfer{skippedTransfer("MintA", 1000)})
	assert.ErrorIs(t, err, context.Canceled)
}
