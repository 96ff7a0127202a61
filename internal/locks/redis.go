package locks

import (
	"context"
	"errors"
	"time"

	"github.com/careops/carebilling/internal/config"
	obsmetrics "github.com/careops/carebilling/internal/observability/metrics"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const redisPollInterval = 25 * time.Millisecond

// RedisLocker implements Service on a shared Redis so every process in the
// group observes the same locks. The value is a fencing token so a lock can
// only be released by its holder, and the TTL bounds the damage of a
// crashed holder.
type RedisLocker struct {
	client     *redis.Client
	script     *redis.Script
	billingCfg *config.BillingConfigHolder
	log        *zap.Logger
}

func NewRedisLocker(client *redis.Client, billingCfg *config.BillingConfigHolder, log *zap.Logger) (*RedisLocker, error) {
	if client == nil {
		return nil, errors.New("lock client not configured")
	}
	return &RedisLocker{
		client:     client,
		script:     redis.NewScript(lockReleaseScript),
		billingCfg: billingCfg,
		log:        log.Named("locks.redis"),
	}, nil
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (Release, error) {
	if key == "" {
		return nil, errors.New("lock key is empty")
	}

	cfg := l.billingCfg.Get()
	token := uuid.NewString()
	class := ClassOf(key)
	start := time.Now()
	deadline := start.Add(cfg.LockWait)

	for {
		ok, err := l.client.SetNX(ctx, key, token, cfg.LockTTL).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			obsmetrics.Billing().ObserveLockWait(class, time.Since(start))
			return l.release(key, token), nil
		}
		if time.Now().After(deadline) {
			obsmetrics.Billing().IncLockConflict(class)
			return nil, ErrConflict
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(redisPollInterval):
		}
	}
}

func (l *RedisLocker) release(key, token string) Release {
	return func(ctx context.Context) {
		if err := l.script.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
			l.log.Warn("lock release failed", zap.String("key", key), zap.Error(err))
		}
	}
}
