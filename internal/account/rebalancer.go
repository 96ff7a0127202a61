// Package account maintains the derived account balance projection. The
// rebalancer is the only part of the engine allowed to run out-of-band:
// it is idempotent, safe to run arbitrarily late, and its failures never
// roll back the billing transaction that enqueued it.
package account

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/careops/carebilling/internal/clock"
	"github.com/careops/carebilling/internal/config"
	ledgerdomain "github.com/careops/carebilling/internal/ledger/domain"
	obsmetrics "github.com/careops/carebilling/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Rebalancer recomputes account balances from the full ledger. Duplicate
// enqueues for an account still waiting in the queue are coalesced.
type Rebalancer struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock

	mu      sync.Mutex
	pending map[snowflake.ID]struct{}
	queue   chan snowflake.ID

	cancel context.CancelFunc
	done   chan struct{}
}

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	BillingCfg *config.BillingConfigHolder
}

func New(p Params) *Rebalancer {
	return &Rebalancer{
		db:      p.DB,
		log:     p.Log.Named("account.rebalancer"),
		clock:   p.Clock,
		pending: make(map[snowflake.ID]struct{}),
		queue:   make(chan snowflake.ID, p.BillingCfg.Get().RebalanceQueueSize),
	}
}

// Enqueue schedules a rebalance for the account. Fire-and-forget: a full
// queue or an already-pending account drops the request, the next ledger
// write will enqueue again.
func (r *Rebalancer) Enqueue(accountID snowflake.ID) {
	r.mu.Lock()
	if _, waiting := r.pending[accountID]; waiting {
		r.mu.Unlock()
		return
	}
	r.pending[accountID] = struct{}{}
	r.mu.Unlock()

	select {
	case r.queue <- accountID:
	default:
		r.mu.Lock()
		delete(r.pending, accountID)
		r.mu.Unlock()
		r.log.Warn("rebalance queue full, dropping request",
			zap.Int64("account_id", int64(accountID)),
		)
	}
}

// Start launches the worker goroutine.
func (r *Rebalancer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(ctx)
}

// Stop drains the worker. Pending requests are abandoned; they are safe to
// lose because every projection read tolerates staleness.
func (r *Rebalancer) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

func (r *Rebalancer) run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case accountID := <-r.queue:
			r.mu.Lock()
			delete(r.pending, accountID)
			r.mu.Unlock()

			if err := r.RebalanceNow(ctx, accountID); err != nil {
				obsmetrics.Billing().IncRebalanceError()
				r.log.Error("account rebalance failed",
					zap.Int64("account_id", int64(accountID)),
					zap.Error(err),
				)
			}
		}
	}
}

// RebalanceNow recomputes the account's balance projection synchronously:
// net completed payments minus the gross of issued and balanced invoices.
func (r *Rebalancer) RebalanceNow(ctx context.Context, accountID snowflake.ID) error {
	obsmetrics.Billing().IncRebalanceRun()

	var payments struct {
		Net int64
	}
	err := r.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(CASE WHEN is_credit_note THEN -amount ELSE amount END), 0) AS net
		 FROM payment_reconciliations
		 WHERE account_id = ?
		   AND outcome = ?
		   AND status = ?`,
		accountID,
		ledgerdomain.PaymentOutcomeComplete,
		ledgerdomain.PaymentStatusActive,
	).Scan(&payments).Error
	if err != nil {
		return err
	}

	var invoiced struct {
		Gross int64
	}
	err = r.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(total_gross), 0) AS gross
		 FROM invoices
		 WHERE account_id = ?
		   AND status IN ?`,
		accountID,
		[]ledgerdomain.InvoiceStatus{ledgerdomain.InvoiceStatusIssued, ledgerdomain.InvoiceStatusBalanced},
	).Scan(&invoiced).Error
	if err != nil {
		return err
	}

	now := r.clock.Now()
	return r.db.WithContext(ctx).
		Model(&ledgerdomain.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]any{
			"balance":       payments.Net - invoiced.Gross,
			"rebalanced_at": now,
		}).Error
}

var Module = fx.Module("account.rebalancer",
	fx.Provide(New),
	fx.Invoke(func(lc fx.Lifecycle, r *Rebalancer) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				r.Start()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				stopped := make(chan struct{})
				go func() {
					r.Stop()
					close(stopped)
				}()
				select {
				case <-stopped:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(5 * time.Second):
					return nil
				}
			},
		})
	}),
)
