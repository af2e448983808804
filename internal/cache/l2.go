package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ocx/authcore/internal/circuitbreaker"
)

const defaultL2TTL = 15 * time.Minute

// L2 wraps go-redis v9 behind a circuit breaker, adapted from the
// teacher's GoRedisAdapter into C5's namespace-scoped key-value tier.
type L2 struct {
	rdb     *redis.Client
	breaker *circuitbreaker.CircuitBreaker
	opTimeout time.Duration
}

// NewL2 connects to addr, verifying with a bounded Ping, exactly as
// the teacher's adapter does.
func NewL2(addr, password string, db int) (*L2, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("cache: redis ping failed (%s): %w", addr, err)
	}

	return &L2{
		rdb:       rdb,
		breaker:   circuitbreaker.New(circuitbreaker.FiveFailuresConfig("cache-l2")),
		opTimeout: 100 * time.Millisecond,
	}, nil
}

func (l *L2) Close() error { return l.rdb.Close() }

// Get returns (value, true) on hit. Any failure — including the
// breaker being open — is reported as a plain miss, never an error:
// spec.md §4.5 treats L2 unavailability as absence, not failure. A
// cache miss (redis.Nil) is absence too, not a breaker failure: it
// must not count toward the 5-consecutive-failures trip, or a cold
// cache would open the breaker on its own miss rate.
func (l *L2) Get(ctx context.Context, key string) ([]byte, bool) {
	if err := l.breaker.Allow(); err != nil {
		return nil, false
	}

	opCtx, cancel := context.WithTimeout(ctx, l.opTimeout)
	defer cancel()

	val, err := circuitbreaker.ExecuteWithFallback(l.breaker,
		func() ([]byte, error) {
			b, err := l.rdb.Get(opCtx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return nil, nil
			}
			return b, err
		},
		func(error) ([]byte, error) { return nil, nil },
	)
	if err != nil || val == nil {
		return nil, false
	}
	return val, true
}

// Set writes key with ttl (defaulting to 15 minutes). A failure here
// is swallowed (logged via the breaker's own counters) since L2 is an
// optional accelerator, never the source of truth.
func (l *L2) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = defaultL2TTL
	}
	if l.breaker.Allow() != nil {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, l.opTimeout)
	defer cancel()
	_, _ = circuitbreaker.ExecuteWithFallback(l.breaker,
		func() (struct{}, error) { return struct{}{}, l.rdb.Set(opCtx, key, value, ttl).Err() },
		func(error) (struct{}, error) { return struct{}{}, nil },
	)
}

// InvalidatePattern scans for and deletes keys matching a Redis glob
// pattern asynchronously, per spec.md §4.5 ("from L2 asynchronously").
// The caller does not wait on the result; it only waits on L1.
func (l *L2) InvalidatePattern(ctx context.Context, pattern string) {
	go func() {
		bgCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if l.breaker.Allow() != nil {
			return
		}
		iter := l.rdb.Scan(bgCtx, 0, pattern, 200).Iterator()
		var keys []string
		for iter.Next(bgCtx) {
			keys = append(keys, iter.Val())
		}
		if len(keys) > 0 {
			l.rdb.Del(bgCtx, keys...)
		}
	}()
}

// State reports the breaker state for Health/Metrics reporting.
func (l *L2) State() string { return l.breaker.State().String() }
