package locks

import (
	"fmt"

	"github.com/careops/carebilling/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"go.uber.org/fx"
)

var Module = fx.Module("locks",
	fx.Provide(newService),
)

func newService(cfg config.Config, billingCfg *config.BillingConfigHolder, log *zap.Logger) (Service, error) {
	switch cfg.LockBackend {
	case "memory":
		return NewMemoryLocker(billingCfg), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return NewRedisLocker(client, billingCfg, log)
	default:
		return nil, fmt.Errorf("unsupported lock backend %q", cfg.LockBackend)
	}
}
