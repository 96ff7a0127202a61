package db

import (
	"context"
	"sync"
)

type afterCommitCtxKey struct{}

// AfterCommitHooks collects work that must not run before the enclosing
// transaction commits, such as handing an account to the rebalance
// worker. The host layer attaches one to the context, runs its
// transaction, and calls Run only on success.
type AfterCommitHooks struct {
	mu  sync.Mutex
	fns []func()
}

// WithAfterCommitHooks returns ctx carrying a fresh hook collector.
func WithAfterCommitHooks(ctx context.Context) (context.Context, *AfterCommitHooks) {
	hooks := &AfterCommitHooks{}
	return context.WithValue(ctx, afterCommitCtxKey{}, hooks), hooks
}

// AfterCommit schedules fn on the context's hook collector. When the
// context carries none, fn runs immediately.
func AfterCommit(ctx context.Context, fn func()) {
	if hooks, ok := ctx.Value(afterCommitCtxKey{}).(*AfterCommitHooks); ok {
		hooks.mu.Lock()
		hooks.fns = append(hooks.fns, fn)
		hooks.mu.Unlock()
		return
	}
	fn()
}

// Run executes the collected hooks in registration order and drains the
// collector. Hooks registered in a rolled-back transaction are simply
// never run.
func (h *AfterCommitHooks) Run() {
	h.mu.Lock()
	fns := h.fns
	h.fns = nil
	h.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
