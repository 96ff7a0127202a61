// Package locks provides advisory named locks shared by every billing
// handler in the process group. Four key classes exist: the global
// invoice-create lock, per-invoice locks, per-queue token locks, and
// per-scope queue-creation locks.
package locks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

// ErrConflict is returned when a lock cannot be acquired within the
// configured wait. Callers treat it as a transaction-aborting failure,
// never as a retry signal.
var ErrConflict = errors.New("lock_conflict")

// Release frees a held lock. It must be called on every exit path,
// normally via defer, and is safe to call once only.
type Release func(context.Context)

// Service acquires named locks. Acquisition blocks up to the configured
// wait window and then fails with ErrConflict.
type Service interface {
	Acquire(ctx context.Context, key string) (Release, error)
}

// InvoiceCreateKey serializes facility invoice-number assignment globally.
func InvoiceCreateKey() string {
	return "invoice_create"
}

// InvoiceKey serializes all mutation of one invoice.
func InvoiceKey(id snowflake.ID) string {
	return fmt.Sprintf("invoice:%d", id)
}

// QueueKey serializes token-number allocation for one queue.
func QueueKey(id snowflake.ID) string {
	return fmt.Sprintf("token_queue:%d", id)
}

// QueueScopeKey serializes queue get-or-create for one
// (facility, resource, date) scope, so only one queue per scope can be
// created primary.
func QueueScopeKey(facilityID, resourceID snowflake.ID, date time.Time) string {
	return fmt.Sprintf("token_queue_scope:%d:%d:%s", facilityID, resourceID, date.UTC().Format("2006-01-02"))
}

// ClassOf maps a lock key to its metrics class.
func ClassOf(key string) string {
	if idx := strings.IndexByte(key, ':'); idx > 0 {
		return key[:idx]
	}
	return key
}
