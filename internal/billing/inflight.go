package billing

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

// inflight tracks bookings whose billing procedure is currently running so
// a nested trigger for the same booking is a no-op. Entries are removed on
// every exit path via defer.
type inflight struct {
	mu  sync.Mutex
	ids map[snowflake.ID]struct{}
}

func newInflight() *inflight {
	return &inflight{ids: make(map[snowflake.ID]struct{})}
}

// enter reports whether the caller now owns the procedure for id.
func (f *inflight) enter(id snowflake.ID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, running := f.ids[id]; running {
		return false
	}
	f.ids[id] = struct{}{}
	return true
}

func (f *inflight) exit(id snowflake.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.ids, id)
}
