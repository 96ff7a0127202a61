package locks

import (
	"context"
	"sync"
)

type scopeCtxKey struct{}

// Scope carries acquired locks past the transaction that took them. The
// host layer opens one per request, runs its transaction with the scope
// on the context, and drains it only after commit or rollback, so no
// other process can observe the protected rows between the mutation and
// its commit.
type Scope struct {
	mu       sync.Mutex
	order    []string
	releases map[string]Release
}

func NewScope() *Scope {
	return &Scope{releases: make(map[string]Release)}
}

// WithScope returns ctx carrying the scope.
func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeCtxKey{}, s)
}

func scopeFrom(ctx context.Context) *Scope {
	s, _ := ctx.Value(scopeCtxKey{}).(*Scope)
	return s
}

func (s *Scope) holds(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.releases[key]
	return ok
}

func (s *Scope) add(key string, release Release) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = append(s.order, key)
	s.releases[key] = release
}

// ReleaseAll frees every held lock, most recent first. Draining is
// idempotent; a second call is a no-op.
func (s *Scope) ReleaseAll(ctx context.Context) {
	s.mu.Lock()
	order := s.order
	releases := s.releases
	s.order = nil
	s.releases = make(map[string]Release)
	s.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		releases[order[i]](ctx)
	}
}

// Hold acquires key through svc. When the context carries a Scope the
// release is parked there and the returned Release is a no-op, so the
// lock stays held until the scope drains after commit; a key the scope
// already holds is not reacquired. Without a scope, Hold degrades to a
// plain Acquire and the caller's release frees the lock immediately.
func Hold(ctx context.Context, svc Service, key string) (Release, error) {
	scope := scopeFrom(ctx)
	if scope == nil {
		return svc.Acquire(ctx, key)
	}
	if scope.holds(key) {
		return func(context.Context) {}, nil
	}
	release, err := svc.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	scope.add(key, release)
	return func(context.Context) {}, nil
}
