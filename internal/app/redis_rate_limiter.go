package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// The key expires with its window, so a stale counter never outlives the window it counts.
var purchaseAttemptScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIREAT", KEYS[1], ARGV[1])
end
return current
`)

// PurchaseDecision is the verdict on one purchase attempt.
type PurchaseDecision struct {
	Allowed    bool
	Attempts   int
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up for the Retry-After header.
func (d PurchaseDecision) RetryAfterSeconds() int {
	seconds := int(math.Ceil(d.RetryAfter.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}

// PurchaseRateLimiter caps how many provider-backed purchases a user may start per window.
type PurchaseRateLimiter interface {
	AllowPurchase(ctx context.Context, userID uuid.UUID) (PurchaseDecision, error)
}

// RedisPurchaseRateLimiter counts purchase attempts per user in clock-aligned windows shared by
// every replica.
type RedisPurchaseRateLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRedisPurchaseRateLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration) *RedisPurchaseRateLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "zidwell:rate_limit"
	}
	if window < time.Second {
		window = time.Second
	}
	return &RedisPurchaseRateLimiter{
		client: client,
		prefix: prefix,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

func (r *RedisPurchaseRateLimiter) AllowPurchase(ctx context.Context, userID uuid.UUID) (PurchaseDecision, error) {
	if r == nil || r.client == nil || r.limit <= 0 {
		return PurchaseDecision{Allowed: true}, nil
	}

	windowStart, windowEnd := r.currentWindow()
	attempts, err := purchaseAttemptScript.Run(ctx, r.client, []string{r.purchaseKey(userID, windowStart)}, windowEnd.UnixMilli()).Int()
	if err != nil {
		return PurchaseDecision{Allowed: true}, fmt.Errorf("count purchase attempt: %w", err)
	}
	return r.decide(attempts, windowEnd), nil
}

func (r *RedisPurchaseRateLimiter) currentWindow() (time.Time, time.Time) {
	start := r.now().UTC().Truncate(r.window)
	return start, start.Add(r.window)
}

// purchaseKey is <prefix>:purchase:<user id>:<window start, unix seconds>.
func (r *RedisPurchaseRateLimiter) purchaseKey(userID uuid.UUID, windowStart time.Time) string {
	return fmt.Sprintf("%s:purchase:%s:%d", r.prefix, userID, windowStart.Unix())
}

func (r *RedisPurchaseRateLimiter) decide(attempts int, windowEnd time.Time) PurchaseDecision {
	decision := PurchaseDecision{Allowed: attempts <= r.limit, Attempts: attempts}
	if !decision.Allowed {
		decision.RetryAfter = windowEnd.Sub(r.now())
	}
	return decision
}
