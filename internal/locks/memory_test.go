package locks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/careops/carebilling/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(wait time.Duration) *MemoryLocker {
	cfg := config.DefaultBillingConfig()
	cfg.LockWait = wait
	return NewMemoryLocker(config.NewStaticBillingConfigHolder(cfg))
}

func TestMemoryLockerAcquireRelease(t *testing.T) {
	locker := newTestLocker(50 * time.Millisecond)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, InvoiceCreateKey())
	require.NoError(t, err)
	release(ctx)

	release, err = locker.Acquire(ctx, InvoiceCreateKey())
	require.NoError(t, err)
	release(ctx)
}

func TestMemoryLockerConflictAfterWait(t *testing.T) {
	locker := newTestLocker(30 * time.Millisecond)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "invoice:42")
	require.NoError(t, err)
	defer release(ctx)

	_, err = locker.Acquire(ctx, "invoice:42")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMemoryLockerDistinctKeysIndependent(t *testing.T) {
	locker := newTestLocker(30 * time.Millisecond)
	ctx := context.Background()

	r1, err := locker.Acquire(ctx, "invoice:1")
	require.NoError(t, err)
	defer r1(ctx)

	r2, err := locker.Acquire(ctx, "invoice:2")
	require.NoError(t, err)
	defer r2(ctx)
}

func TestMemoryLockerWaitsForRelease(t *testing.T) {
	locker := newTestLocker(500 * time.Millisecond)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "token_queue:7")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		r, err := locker.Acquire(ctx, "token_queue:7")
		if err == nil {
			r(ctx)
		}
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	release(ctx)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}
}

func TestMemoryLockerReleaseIsIdempotent(t *testing.T) {
	locker := newTestLocker(30 * time.Millisecond)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "invoice:9")
	require.NoError(t, err)
	release(ctx)
	release(ctx)

	// A double release must not free someone else's acquisition.
	r2, err := locker.Acquire(ctx, "invoice:9")
	require.NoError(t, err)
	release(ctx)
	_, err = locker.Acquire(ctx, "invoice:9")
	assert.ErrorIs(t, err, ErrConflict)
	r2(ctx)
}

func TestMemoryLockerMutualExclusion(t *testing.T) {
	locker := newTestLocker(2 * time.Second)
	ctx := context.Background()

	var mu sync.Mutex
	var inside int
	var maxInside int

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locker.Acquire(ctx, InvoiceCreateKey())
			if err != nil {
				return
			}
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()

			time.Sleep(2 * time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			release(ctx)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInside)
}

func TestClassOf(t *testing.T) {
	assert.Equal(t, "invoice_create", ClassOf(InvoiceCreateKey()))
	assert.Equal(t, "invoice", ClassOf(InvoiceKey(42)))
	assert.Equal(t, "token_queue", ClassOf(QueueKey(7)))
}
