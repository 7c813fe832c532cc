// Package store wraps the shared key-value store every server in the fleet
// talks to. All access goes through a circuit breaker so a sick store
// degrades the cluster features instead of crashing the signaling path.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/castwire/streamhub/internal/v1/metrics"
)

// DefaultPrefix namespaces every key this service writes. Pub/sub channels
// are used verbatim so their names stay a cross-server contract.
const DefaultPrefix = "streamhub:"

const (
	defaultOpTimeout = 5 * time.Second
	maxAttempts      = 3
	retryBase        = 50 * time.Millisecond
)

// Service handles all interaction with the shared store. A nil *Service is
// valid and means single-instance mode: writes are no-ops, reads miss.
type Service struct {
	client redis.UniversalClient
	cb     *gobreaker.CircuitBreaker
	prefix string
}

// Option configures a Service.
type Option func(*Service)

// WithPrefix overrides the key prefix. Mostly used by tests so fixtures
// don't collide.
func WithPrefix(prefix string) Option {
	return func(s *Service) { s.prefix = prefix }
}

// NewService connects to the shared store and verifies the connection
// before returning. addrs must be non-empty; single-instance deployments
// skip construction entirely and pass a nil *Service around.
func NewService(addrs []string, password string, opts ...Option) (*Service, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("store: no addresses given")
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		Password:     password,
		DB:           0, // Default DB
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	// Ping to verify connection immediately
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to shared store: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "store",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateHalfOpen:
				stateVal = 1
			case gobreaker.StateOpen:
				stateVal = 2
			}
			metrics.StoreCircuitState.Set(stateVal)
			slog.Warn("Store circuit breaker state change", "from", from.String(), "to", to.String())
		},
	}

	svc := &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
		prefix: DefaultPrefix,
	}
	for _, opt := range opts {
		opt(svc)
	}

	slog.Info("Connected to shared store", "addrs", addrs, "prefix", svc.prefix)
	return svc, nil
}

// Enabled reports whether a shared store is actually wired in.
func (s *Service) Enabled() bool {
	return s != nil && s.client != nil
}

// Client exposes the underlying client for collaborators that need raw
// access (the connect gate's counter store).
func (s *Service) Client() redis.UniversalClient {
	if s == nil {
		return nil
	}
	return s.client
}

func (s *Service) key(k string) string {
	return s.prefix + k
}

// do runs fn through the circuit breaker with bounded retries for transient
// failures. The context gets the default deadline unless it already has one.
func (s *Service) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if !s.Enabled() {
		return nil
	}

	opCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		opCtx, cancel = context.WithTimeout(ctx, defaultOpTimeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		metrics.StoreOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-opCtx.Done():
				return opCtx.Err()
			case <-time.After(retryBackoff(attempt)):
			}
		}

		_, err = s.cb.Execute(func() (interface{}, error) {
			return nil, fn(opCtx)
		})
		if err == nil || !isTransient(err) {
			return err
		}
	}
	return err
}

// retryBackoff doubles per attempt with up to 50% jitter on top.
func retryBackoff(attempt int) time.Duration {
	base := retryBase << (attempt - 2)
	return base + time.Duration(rand.Int63n(int64(base/2)+1))
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

func isBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// degradeWrite drops writes while the breaker is open so callers keep
// serving from local state. Other failures surface to the caller.
func (s *Service) degradeWrite(err error, op string, args ...any) error {
	if err == nil {
		return nil
	}
	if isBreakerOpen(err) {
		metrics.StoreDegradedOps.WithLabelValues(op).Inc()
		slog.Warn("Store circuit open: dropping "+op, args...)
		return nil
	}
	slog.Error("Store "+op+" failed", append(args, "error", err)...)
	return err
}

// Set stores a raw value under the prefixed key. ttl of zero means no
// expiry.
func (s *Service) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := s.do(ctx, "set", func(ctx context.Context) error {
		return s.client.Set(ctx, s.key(key), value, ttl).Err()
	})
	return s.degradeWrite(err, "set", "key", key)
}

// Get fetches a raw value. A missing key is (nil, false, nil); with the
// breaker open every read degrades to a miss.
func (s *Service) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if !s.Enabled() {
		return nil, false, nil
	}

	var val []byte
	var found bool
	err := s.do(ctx, "get", func(ctx context.Context) error {
		b, err := s.client.Get(ctx, s.key(key)).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		val, found = b, true
		return nil
	})

	if err != nil {
		if isBreakerOpen(err) {
			metrics.StoreDegradedOps.WithLabelValues("get").Inc()
			slog.Warn("Store circuit open: treating get as miss", "key", key)
			return nil, false, nil
		}
		slog.Error("Store get failed", "key", key, "error", err)
		return nil, false, err
	}
	return val, found, nil
}

// SetNX claims the prefixed key iff it does not exist. Errors are NOT
// degraded: callers arbitrating exclusive ownership (the streamer seat)
// must see store failures, not a false claim.
func (s *Service) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if !s.Enabled() {
		return true, nil
	}

	var ok bool
	err := s.do(ctx, "setnx", func(ctx context.Context) error {
		res, err := s.client.SetNX(ctx, s.key(key), value, ttl).Result()
		if err != nil {
			return err
		}
		ok = res
		return nil
	})
	if err != nil {
		slog.Error("Store setnx failed", "key", key, "error", err)
		return false, err
	}
	return ok, nil
}

// Del removes the given keys.
func (s *Service) Del(ctx context.Context, keys ...string) error {
	if !s.Enabled() || len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = s.key(k)
	}
	err := s.do(ctx, "del", func(ctx context.Context) error {
		return s.client.Del(ctx, prefixed...).Err()
	})
	return s.degradeWrite(err, "del", "keys", len(keys))
}

// Expire refreshes a key's ttl.
func (s *Service) Expire(ctx context.Context, key string, ttl time.Duration) error {
	err := s.do(ctx, "expire", func(ctx context.Context) error {
		return s.client.Expire(ctx, s.key(key), ttl).Err()
	})
	return s.degradeWrite(err, "expire", "key", key)
}

// SetJSON marshals v and stores it, gzipping payloads large enough to be
// worth it.
func (s *Service) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	if !s.Enabled() {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal value for %s: %w", key, err)
	}
	return s.Set(ctx, key, encode(raw), ttl)
}

// GetJSON fetches and unmarshals a value written by SetJSON.
func (s *Service) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	raw, found, err := s.Get(ctx, key)
	if err != nil || !found {
		return found, err
	}
	plain, err := decode(raw)
	if err != nil {
		slog.Error("Store value corrupt, treating as miss", "key", key, "error", err)
		return false, nil
	}
	if err := json.Unmarshal(plain, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal value for %s: %w", key, err)
	}
	return true, nil
}

// HSet writes one hash field.
func (s *Service) HSet(ctx context.Context, key, field, value string) error {
	err := s.do(ctx, "hset", func(ctx context.Context) error {
		return s.client.HSet(ctx, s.key(key), field, value).Err()
	})
	return s.degradeWrite(err, "hset", "key", key, "field", field)
}

// HGet reads one hash field. Missing key or field is ("", false, nil).
func (s *Service) HGet(ctx context.Context, key, field string) (string, bool, error) {
	if !s.Enabled() {
		return "", false, nil
	}

	var val string
	var found bool
	err := s.do(ctx, "hget", func(ctx context.Context) error {
		res, err := s.client.HGet(ctx, s.key(key), field).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		val, found = res, true
		return nil
	})

	if err != nil {
		if isBreakerOpen(err) {
			metrics.StoreDegradedOps.WithLabelValues("hget").Inc()
			return "", false, nil
		}
		slog.Error("Store hget failed", "key", key, "field", field, "error", err)
		return "", false, err
	}
	return val, found, nil
}

// HGetAll reads a whole hash. With the breaker open it degrades to an
// empty map so callers can keep working from local state.
func (s *Service) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if !s.Enabled() {
		return nil, nil
	}

	var val map[string]string
	err := s.do(ctx, "hgetall", func(ctx context.Context) error {
		res, err := s.client.HGetAll(ctx, s.key(key)).Result()
		if err != nil {
			return err
		}
		val = res
		return nil
	})

	if err != nil {
		if isBreakerOpen(err) {
			metrics.StoreDegradedOps.WithLabelValues("hgetall").Inc()
			slog.Warn("Store circuit open: returning empty hash", "key", key)
			return nil, nil
		}
		slog.Error("Store hgetall failed", "key", key, "error", err)
		return nil, fmt.Errorf("failed to get hash: %w", err)
	}
	return val, nil
}

// HDel removes hash fields.
func (s *Service) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	err := s.do(ctx, "hdel", func(ctx context.Context) error {
		return s.client.HDel(ctx, s.key(key), fields...).Err()
	})
	return s.degradeWrite(err, "hdel", "key", key)
}

// SAdd adds a member to a set. Used for distributed presence bookkeeping.
func (s *Service) SAdd(ctx context.Context, key string, member string) error {
	err := s.do(ctx, "sadd", func(ctx context.Context) error {
		return s.client.SAdd(ctx, s.key(key), member).Err()
	})
	return s.degradeWrite(err, "sadd", "key", key, "member", member)
}

// SRem removes a member from a set.
func (s *Service) SRem(ctx context.Context, key string, member string) error {
	err := s.do(ctx, "srem", func(ctx context.Context) error {
		return s.client.SRem(ctx, s.key(key), member).Err()
	})
	return s.degradeWrite(err, "srem", "key", key, "member", member)
}

// SMembers retrieves all members of a set. With the breaker open it
// returns an empty list so rooms can still function locally.
func (s *Service) SMembers(ctx context.Context, key string) ([]string, error) {
	if !s.Enabled() {
		return nil, nil
	}

	var val []string
	err := s.do(ctx, "smembers", func(ctx context.Context) error {
		res, err := s.client.SMembers(ctx, s.key(key)).Result()
		if err != nil {
			return err
		}
		val = res
		return nil
	})

	if err != nil {
		if isBreakerOpen(err) {
			metrics.StoreDegradedOps.WithLabelValues("smembers").Inc()
			slog.Warn("Store circuit open: returning empty set members", "key", key)
			return nil, nil
		}
		slog.Error("Store smembers failed", "key", key, "error", err)
		return nil, fmt.Errorf("failed to get set members: %w", err)
	}
	return val, nil
}

// Publish broadcasts raw bytes on a channel. Channel names are not
// prefixed. With the breaker open the message is dropped, not queued.
func (s *Service) Publish(ctx context.Context, channel string, data []byte) error {
	err := s.do(ctx, "publish", func(ctx context.Context) error {
		return s.client.Publish(ctx, channel, data).Err()
	})
	return s.degradeWrite(err, "publish", "channel", channel)
}

// Subscribe opens a subscription on the given channels. The caller owns
// the returned handle and must Close it. Returns nil in single-instance
// mode.
func (s *Service) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	if !s.Enabled() {
		return nil
	}
	return s.client.Subscribe(ctx, channels...)
}

// Ping checks store connectivity. Used by readiness checks.
func (s *Service) Ping(ctx context.Context) error {
	if !s.Enabled() {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	if err != nil {
		if isBreakerOpen(err) {
			metrics.StoreDegradedOps.WithLabelValues("ping").Inc()
		}
		return err
	}
	return nil
}

// StartHealthLoop pings the store on the given interval and logs
// connectivity transitions. It returns immediately in single-instance
// mode.
func (s *Service) StartHealthLoop(ctx context.Context, interval time.Duration) {
	if !s.Enabled() {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		healthy := true
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				err := s.Ping(pingCtx)
				cancel()

				if err != nil && healthy {
					healthy = false
					slog.Warn("Store connectivity lost", "error", err)
				} else if err == nil && !healthy {
					healthy = true
					slog.Info("Store connectivity recovered")
				}
			}
		}
	}()
}

// Close gracefully shuts down the store connection.
func (s *Service) Close() error {
	if !s.Enabled() {
		return nil
	}
	return s.client.Close()
}
