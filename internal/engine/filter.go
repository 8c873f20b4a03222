package engine

// exchangeCurrencyAddresses covers native and wrapped quote assets and the
// major stablecoins on the supported chains. Tokens on this list are trading
// currency, not investment targets; counting them in portfolio totals would
// double-count every trade.
var exchangeCurrencyAddresses = map[string]struct{}{
	// Solana - native & stablecoins. SOL shows up under several address
	// formats in the wild, so all known variants are listed.
	"So11111111111111111111111111111111111111112":  {}, // SOL (native, full base58)
	"11111111111111111111111111111111":             {}, // SOL (32 ones, truncated format)
	"11111111111111111111111111111112":             {}, // SOL (base58 decoded variant)
	"Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB": {}, // USDT
	"EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v": {}, // USDC

	// Ethereum - wrapped & stablecoins
	"0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2": {}, // WETH
	"0xdAC17F958D2ee523a2206206994597C13D831ec7": {}, // USDT
	"0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48": {}, // USDC
	"0x6B175474E89094C44Da98b954EedeAC495271d0F": {}, // DAI

	// Binance Smart Chain - wrapped & stablecoins
	"0xbb4CdB9CBd36B01bD1cBaEBF2De08d9173bc095c": {}, // WBNB
	"0x55d398326f99059fF775485246999027B3197955": {}, // USDT
	"0x8AC76a51cc950d9822D68b83fE1Ad97B32Cd580d": {}, // USDC
	"0x1AF3F329e8BE154074D8769D1FFa4eE058B1DBc3": {}, // DAI
	"0xe9e7CEA3DedcA5984780Bafc599bD69ADd087D56": {}, // BUSD (deprecated)

	// Base - wrapped ETH & stablecoins
	"0x4200000000000000000000000000000000000006": {}, // WETH
	"0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913": {}, // USDC
	"0xfde4C96c8593536E31F229EA8f37b2ADa2699bb2": {}, // USDT
}

// isExchangeCurrency reports whether a token result should be excluded from
// portfolio aggregates, either because its address is a known quote asset or
// because it exhibits the phantom pattern: sub-0.1-minute average hold,
// near-zero realized P&L, at least one trade. Providers fragment pass-through
// quote assets across many transactions, which is exactly that fingerprint.
func (e *Engine) isExchangeCurrency(result *TokenPnLResult) bool {
	if _, known := exchangeCurrencyAddresses[result.TokenAddress]; known {
		return true
	}

	return result.TotalTrades > 0 &&
		result.AvgHoldTimeMinutes.LessThan(e.params.PhantomHoldTimeMinutes) &&
		result.TotalRealizedPnLUSD.Abs().LessThan(e.params.PhantomPnLEpsilon)
}
