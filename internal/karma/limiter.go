package karma

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"github.com/gitswarm/gitswarm/pkg/model"
)

// Tier names a karma band with its rate-limit multiplier.
type Tier struct {
	Name       string
	MinKarma   int
	Multiplier float64
}

// tiers in descending order of entry karma; TierFor takes the first
// band the karma clears.
var tiers = []Tier{
	{Name: "elite", MinKarma: 10000, Multiplier: 10},
	{Name: "veteran", MinKarma: 5000, Multiplier: 5},
	{Name: "trusted", MinKarma: 1000, Multiplier: 3},
	{Name: "contributor", MinKarma: 500, Multiplier: 2},
	{Name: "member", MinKarma: 100, Multiplier: 1.5},
	{Name: "newcomer", MinKarma: 0, Multiplier: 1},
}

// TierFor maps karma to its tier.
func TierFor(karma int) Tier {
	for _, t := range tiers {
		if karma >= t.MinKarma {
			return t
		}
	}
	return tiers[len(tiers)-1]
}

// Limit is the base allowance for one limit type.
type Limit struct {
	Max    int
	Window time.Duration
}

// DefaultLimits covers the built-in limit types.
var DefaultLimits = map[string]Limit{
	"api":    {Max: 120, Window: time.Minute},
	"commit": {Max: 30, Window: time.Minute},
	"review": {Max: 60, Window: time.Minute},
	"merge":  {Max: 10, Window: time.Minute},
}

// Decision is the limiter's answer for one request.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	Tier      string    `json:"tier"`
}

// Window counts events in a sliding window per key. Implementations
// must be safe for concurrent use.
type Window interface {
	// Count records one event when the observed count is below max and
	// returns the count including this event (or the rejected count),
	// together with the oldest event's expiry.
	Count(ctx context.Context, key string, window time.Duration, max int) (count int, oldest time.Time, err error)
}

// Limiter applies tier-scaled sliding-window limits.
type Limiter struct {
	window Window
	limits map[string]Limit
}

// NewLimiter builds a limiter over the given window backend. A nil
// limits map uses DefaultLimits.
func NewLimiter(w Window, limits map[string]Limit) *Limiter {
	if limits == nil {
		limits = DefaultLimits
	}
	return &Limiter{window: w, limits: limits}
}

// Allow checks one request for (limitType, agent). The effective max
// is floor(base × tier multiplier).
func (l *Limiter) Allow(ctx context.Context, limitType, agentID string, karma int) (Decision, error) {
	limit, ok := l.limits[limitType]
	if !ok {
		return Decision{}, model.Validation("limit_type", fmt.Sprintf("unknown limit type %q", limitType))
	}
	tier := TierFor(karma)
	max := int(math.Floor(float64(limit.Max) * tier.Multiplier))

	key := limitType + ":" + agentID
	count, oldest, err := l.window.Count(ctx, key, limit.Window, max)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: rate limit backend: %v", model.ErrUnavailable, err)
	}

	d := Decision{Tier: tier.Name, ResetAt: oldest.Add(limit.Window)}
	if count <= max {
		d.Allowed = true
		d.Remaining = max - count
	}
	return d, nil
}

// RetryAfter converts a denial into the error surfaced to callers.
func (d Decision) RetryAfter(limitType string, now time.Time) error {
	wait := d.ResetAt.Sub(now)
	if wait < time.Second {
		wait = time.Second
	}
	return &model.RateLimitError{LimitType: limitType, RetryAfter: wait}
}

// RedisWindow is the server deployment's sliding window, held in a
// sorted set per key scored by event time.
type RedisWindow struct {
	client *redis.Client
}

// NewRedisWindow creates a redis-backed window.
func NewRedisWindow(client *redis.Client) *RedisWindow {
	return &RedisWindow{client: client}
}

func (w *RedisWindow) Count(ctx context.Context, key string, window time.Duration, max int) (int, time.Time, error) {
	now := time.Now()
	cutoff := now.Add(-window)
	rkey := "ratelimit:" + key

	pipe := w.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, rkey, "0", strconv.FormatInt(cutoff.UnixNano(), 10))
	card := pipe.ZCard(ctx, rkey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, err
	}

	count := int(card.Val())
	if count < max {
		add := w.client.ZAdd(ctx, rkey, redis.Z{
			Score:  float64(now.UnixNano()),
			Member: strconv.FormatInt(now.UnixNano(), 10),
		})
		if err := add.Err(); err != nil {
			return 0, time.Time{}, err
		}
		w.client.Expire(ctx, rkey, window)
		count++
	} else {
		count++ // the rejected request
	}

	oldest := now
	if zs, err := w.client.ZRangeWithScores(ctx, rkey, 0, 0).Result(); err == nil && len(zs) > 0 {
		oldest = time.Unix(0, int64(zs[0].Score))
	}
	return count, oldest, nil
}

// LocalWindow is the embedded deployment's window: per-key timestamp
// slices in an expiring cache.
type LocalWindow struct {
	mu    sync.Mutex
	cache *cache.Cache
}

// NewLocalWindow creates an in-process window.
func NewLocalWindow() *LocalWindow {
	return &LocalWindow{cache: cache.New(time.Hour, 10*time.Minute)}
}

func (w *LocalWindow) Count(_ context.Context, key string, window time.Duration, max int) (int, time.Time, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-window)

	var stamps []time.Time
	if v, ok := w.cache.Get(key); ok {
		for _, ts := range v.([]time.Time) {
			if ts.After(cutoff) {
				stamps = append(stamps, ts)
			}
		}
	}

	count := len(stamps)
	if count < max {
		stamps = append(stamps, now)
	}
	count++ // this request, admitted or rejected
	w.cache.Set(key, stamps, window+time.Minute)

	oldest := now
	if len(stamps) > 0 {
		oldest = stamps[0]
	}
	return count, oldest, nil
}
