package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const (
	queueKey       = "discovered_wallet_token_pairs_queue"
	claimKeyPrefix = "processing:claim:"
)

// WalletTokenPair is one unit of work in the shared queue.
type WalletTokenPair struct {
	WalletAddress string `json:"wallet_address"`
	Chain         string `json:"chain"`
	TokenAddress  string `json:"token_address,omitempty"`
	TokenSymbol   string `json:"token_symbol,omitempty"`
}

// Claim is the record stored while a batch of work is being processed.
// Items hold the original JSON-encoded queue entries so a stale claim can be
// re-enqueued byte-for-byte.
type Claim struct {
	InstanceID string   `json:"instance_id"`
	ClaimedAt  int64    `json:"claimed_at"`
	Items      []string `json:"items"`
}

// Store is the Redis-backed work queue, claim registry, wallet status flags,
// and price cache. All operations are per-call atomic; there are no
// cross-call transactions.
type Store struct {
	rdb *redis.Client
}

// New creates a Store from a Redis URL and verifies connectivity.
func New(ctx context.Context, redisURL string) (*Store, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{rdb: rdb}, nil
}

// NewFromClient wraps an existing client (used by tests).
func NewFromClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// ── Queue operations ────────────────────────────────────────────────

// PushWork appends wallet-token pairs to the shared queue.
func (s *Store) PushWork(ctx context.Context, pairs ...WalletTokenPair) error {
	if len(pairs) == 0 {
		return nil
	}
	items := make([]interface{}, 0, len(pairs))
	for _, p := range pairs {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal work item: %w", err)
		}
		items = append(items, data)
	}
	if err := s.rdb.RPush(ctx, queueKey, items...).Err(); err != nil {
		return fmt.Errorf("push work: %w", err)
	}
	return nil
}

// PopWork removes and returns the next work item, or nil when the queue is
// empty.
func (s *Store) PopWork(ctx context.Context) (*WalletTokenPair, error) {
	data, err := s.rdb.LPop(ctx, queueKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop work: %w", err)
	}
	var pair WalletTokenPair
	if err := json.Unmarshal([]byte(data), &pair); err != nil {
		return nil, fmt.Errorf("decode work item: %w", err)
	}
	return &pair, nil
}

// BlockingPopWork waits up to timeout for a work item.
func (s *Store) BlockingPopWork(ctx context.Context, timeout time.Duration) (*WalletTokenPair, error) {
	res, err := s.rdb.BLPop(ctx, timeout, queueKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("blocking pop work: %w", err)
	}
	var pair WalletTokenPair
	if err := json.Unmarshal([]byte(res[1]), &pair); err != nil {
		return nil, fmt.Errorf("decode work item: %w", err)
	}
	return &pair, nil
}

// QueueSize returns the number of queued work items.
func (s *Store) QueueSize(ctx context.Context) (int64, error) {
	n, err := s.rdb.LLen(ctx, queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue size: %w", err)
	}
	return n, nil
}

// ── Claim lifecycle ─────────────────────────────────────────────────

// claimScript pops up to ARGV[1] items off the queue and records the claim
// in a single server-side step, so no other instance can observe the items
// as both claimed and available.
var claimScript = redis.NewScript(`
local items = redis.call('LPOP', KEYS[1], tonumber(ARGV[1]))
if (items == false) or (#items == 0) then
	return ''
end
local claim = cjson.encode({instance_id = ARGV[2], claimed_at = tonumber(ARGV[3]), items = items})
redis.call('SET', KEYS[2], claim)
return claim
`)

// ClaimWalletBatch atomically removes up to n items from the queue and
// registers a claim for this instance. Returns the claimed pairs and the
// batch id, or an empty batch when no work is available.
func (s *Store) ClaimWalletBatch(ctx context.Context, instanceID string, n int) ([]WalletTokenPair, string, error) {
	batchID := uuid.NewString()
	claimKey := claimKeyPrefix + batchID

	raw, err := claimScript.Run(ctx, s.rdb,
		[]string{queueKey, claimKey},
		n, instanceID, time.Now().Unix(),
	).Text()
	if err != nil {
		return nil, "", fmt.Errorf("claim wallet batch: %w", err)
	}
	if raw == "" {
		return nil, "", nil
	}

	var claim Claim
	if err := json.Unmarshal([]byte(raw), &claim); err != nil {
		return nil, "", fmt.Errorf("decode claim: %w", err)
	}

	pairs := make([]WalletTokenPair, 0, len(claim.Items))
	for _, item := range claim.Items {
		var pair WalletTokenPair
		if err := json.Unmarshal([]byte(item), &pair); err != nil {
			log.Printf("[REDIS] Skipping malformed queue item in batch %s: %v", batchID, err)
			continue
		}
		pairs = append(pairs, pair)
	}
	return pairs, batchID, nil
}

// ReleaseBatchClaim acknowledges successful processing and discards the claim.
func (s *Store) ReleaseBatchClaim(ctx context.Context, batchID string) error {
	if err := s.rdb.Del(ctx, claimKeyPrefix+batchID).Err(); err != nil {
		return fmt.Errorf("release batch claim %s: %w", batchID, err)
	}
	return nil
}

// ReturnFailedBatch re-enqueues a batch's items for another instance and
// discards the claim.
func (s *Store) ReturnFailedBatch(ctx context.Context, batchID string, pairs []WalletTokenPair) error {
	if err := s.PushWork(ctx, pairs...); err != nil {
		return fmt.Errorf("return failed batch %s: %w", batchID, err)
	}
	if err := s.rdb.Del(ctx, claimKeyPrefix+batchID).Err(); err != nil {
		return fmt.Errorf("drop claim for failed batch %s: %w", batchID, err)
	}
	return nil
}

// CleanupStaleProcessingLocks scans active claims and returns to the queue
// any whose age exceeds maxAge, assuming the claiming instance died.
// Returns the number of claims recovered.
func (s *Store) CleanupStaleProcessingLocks(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	recovered := 0

	iter := s.rdb.Scan(ctx, 0, claimKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := s.rdb.Get(ctx, key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return recovered, fmt.Errorf("read claim %s: %w", key, err)
		}

		var claim Claim
		if err := json.Unmarshal([]byte(raw), &claim); err != nil {
			log.Printf("[REDIS] Dropping unreadable claim %s: %v", key, err)
			s.rdb.Del(ctx, key)
			continue
		}
		if claim.ClaimedAt > cutoff {
			continue
		}

		items := make([]interface{}, 0, len(claim.Items))
		for _, it := range claim.Items {
			items = append(items, it)
		}
		if len(items) > 0 {
			if err := s.rdb.RPush(ctx, queueKey, items...).Err(); err != nil {
				return recovered, fmt.Errorf("re-enqueue stale claim %s: %w", key, err)
			}
		}
		if err := s.rdb.Del(ctx, key).Err(); err != nil {
			return recovered, fmt.Errorf("drop stale claim %s: %w", key, err)
		}
		log.Printf("[REDIS] Recovered stale claim %s from instance %s (%d items)",
			strings.TrimPrefix(key, claimKeyPrefix), claim.InstanceID, len(items))
		recovered++
	}
	if err := iter.Err(); err != nil {
		return recovered, fmt.Errorf("scan claims: %w", err)
	}
	return recovered, nil
}

// ── Wallet status flags ─────────────────────────────────────────────

// MarkWalletProcessed flags a wallet as successfully processed for a chain.
func (s *Store) MarkWalletProcessed(ctx context.Context, wallet, chain string) error {
	key := fmt.Sprintf("processed:%s:%s", chain, wallet)
	if err := s.rdb.Set(ctx, key, time.Now().UTC().Format(time.RFC3339), 0).Err(); err != nil {
		return fmt.Errorf("mark wallet processed: %w", err)
	}
	return nil
}

// MarkWalletFailed flags a wallet as failed for a chain.
func (s *Store) MarkWalletFailed(ctx context.Context, wallet, chain string) error {
	key := fmt.Sprintf("failed:%s:%s", chain, wallet)
	if err := s.rdb.Set(ctx, key, time.Now().UTC().Format(time.RFC3339), 0).Err(); err != nil {
		return fmt.Errorf("mark wallet failed: %w", err)
	}
	return nil
}

// IsWalletProcessed reports whether a wallet has been processed for a chain.
func (s *Store) IsWalletProcessed(ctx context.Context, wallet, chain string) (bool, error) {
	n, err := s.rdb.Exists(ctx, fmt.Sprintf("processed:%s:%s", chain, wallet)).Result()
	if err != nil {
		return false, fmt.Errorf("check wallet processed: %w", err)
	}
	return n > 0, nil
}

// ── Price cache ─────────────────────────────────────────────────────

// currentPricesKey is stable under address reordering: the mint list is
// sorted before keying.
func currentPricesKey(chain string, addresses []string) string {
	sorted := make([]string, len(addresses))
	copy(sorted, addresses)
	sort.Strings(sorted)
	return fmt.Sprintf("prices:current:%s:%s:usd", chain, strings.Join(sorted, ","))
}

// CacheCurrentPrices stores a current-price map under the sorted mint list.
func (s *Store) CacheCurrentPrices(ctx context.Context, chain string, addresses []string, prices map[string]decimal.Decimal, ttl time.Duration) {
	data, err := json.Marshal(prices)
	if err != nil {
		log.Printf("[REDIS] Failed to marshal current prices: %v", err)
		return
	}
	if err := s.rdb.Set(ctx, currentPricesKey(chain, addresses), data, ttl).Err(); err != nil {
		log.Printf("[REDIS] Failed to cache current prices: %v", err)
	}
}

// CachedCurrentPrices returns the cached price map for the exact address
// set, or ok=false on a miss.
func (s *Store) CachedCurrentPrices(ctx context.Context, chain string, addresses []string) (map[string]decimal.Decimal, bool) {
	raw, err := s.rdb.Get(ctx, currentPricesKey(chain, addresses)).Result()
	if err != nil {
		return nil, false
	}
	var prices map[string]decimal.Decimal
	if err := json.Unmarshal([]byte(raw), &prices); err != nil {
		return nil, false
	}
	return prices, true
}

func historicalPriceKey(chain, address string, unixTime int64) string {
	return fmt.Sprintf("prices:historical:%s:%s:%d", chain, address, unixTime)
}

// CacheHistoricalPrice stores a single historical price point. Historical
// prices for mined blocks never change, so the TTL is generous.
func (s *Store) CacheHistoricalPrice(ctx context.Context, chain, address string, unixTime int64, price decimal.Decimal) {
	if err := s.rdb.Set(ctx, historicalPriceKey(chain, address, unixTime), price.String(), 24*time.Hour).Err(); err != nil {
		log.Printf("[REDIS] Failed to cache historical price: %v", err)
	}
}

// CachedHistoricalPrice returns the cached price at (chain, mint, timestamp).
func (s *Store) CachedHistoricalPrice(ctx context.Context, chain, address string, unixTime int64) (decimal.Decimal, bool) {
	raw, err := s.rdb.Get(ctx, historicalPriceKey(chain, address, unixTime)).Result()
	if err != nil {
		return decimal.Decimal{}, false
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return price, true
}
