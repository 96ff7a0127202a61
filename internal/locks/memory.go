package locks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/careops/carebilling/internal/config"
	obsmetrics "github.com/careops/carebilling/internal/observability/metrics"
)

const memoryPollInterval = 2 * time.Millisecond

// MemoryLocker implements Service inside one process. It is the backend for
// single-node deployments and for tests; the acquire/conflict contract is
// identical to the Redis backend.
type MemoryLocker struct {
	mu         sync.Mutex
	held       map[string]struct{}
	billingCfg *config.BillingConfigHolder
}

func NewMemoryLocker(billingCfg *config.BillingConfigHolder) *MemoryLocker {
	return &MemoryLocker{
		held:       make(map[string]struct{}),
		billingCfg: billingCfg,
	}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string) (Release, error) {
	if key == "" {
		return nil, errors.New("lock key is empty")
	}

	cfg := l.billingCfg.Get()
	class := ClassOf(key)
	start := time.Now()
	deadline := start.Add(cfg.LockWait)

	for {
		if l.tryLock(key) {
			obsmetrics.Billing().ObserveLockWait(class, time.Since(start))
			return l.release(key), nil
		}
		if time.Now().After(deadline) {
			obsmetrics.Billing().IncLockConflict(class)
			return nil, ErrConflict
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(memoryPollInterval):
		}
	}
}

func (l *MemoryLocker) tryLock(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.held[key]; taken {
		return false
	}
	l.held[key] = struct{}{}
	return true
}

func (l *MemoryLocker) release(key string) Release {
	var once sync.Once
	return func(context.Context) {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}
}
