// Package billing implements the reconciliation orchestrator: the handlers
// the host layer invokes, inside its own transaction, after persisting a
// booking or a payment reconciliation.
package billing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/careops/carebilling/internal/account"
	chargeitemdomain "github.com/careops/carebilling/internal/chargeitem/domain"
	"github.com/careops/carebilling/internal/clock"
	"github.com/careops/carebilling/internal/invoice"
	ledgerdomain "github.com/careops/carebilling/internal/ledger/domain"
	"github.com/careops/carebilling/internal/locks"
	obsmetrics "github.com/careops/carebilling/internal/observability/metrics"
	schedulingdomain "github.com/careops/carebilling/internal/scheduling/domain"
	"github.com/careops/carebilling/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrInvoiceCreate is surfaced when the global invoice-create lock cannot
// be acquired. The triggering booking write is expected to abort; retrying
// is the caller's decision, never this package's.
var ErrInvoiceCreate = errors.New("invoice creation failed")

// ChargeItemField names the booking column whose change re-triggers the
// billing procedure on updates.
const ChargeItemField = "charge_item"

type Params struct {
	fx.In

	Log        *zap.Logger
	Clock      clock.Clock
	GenID      *snowflake.Node
	Repo       ledgerdomain.Repository
	Locks      locks.Service
	Numbers    *invoice.NumberGenerator
	Totals     *invoice.Synchronizer
	Applier    chargeitemdomain.Applier
	Rebalancer *account.Rebalancer
}

type Service struct {
	log        *zap.Logger
	clock      clock.Clock
	genID      *snowflake.Node
	repo       ledgerdomain.Repository
	locks      locks.Service
	numbers    *invoice.NumberGenerator
	totals     *invoice.Synchronizer
	applier    chargeitemdomain.Applier
	rebalancer *account.Rebalancer
	inflight   *inflight
}

func NewService(p Params) *Service {
	return &Service{
		log:        p.Log.Named("billing.service"),
		clock:      p.Clock,
		genID:      p.GenID,
		repo:       p.Repo,
		locks:      p.Locks,
		numbers:    p.Numbers,
		totals:     p.Totals,
		applier:    p.Applier,
		rebalancer: p.Rebalancer,
		inflight:   newInflight(),
	}
}

// OnBookingCreated drives the booking's charge item through billing,
// issuance and payment. The host calls it inside the transaction that
// inserted the booking; any error aborts that transaction.
func (s *Service) OnBookingCreated(ctx context.Context, tx *gorm.DB, booking *schedulingdomain.Booking) error {
	return s.runTrigger(ctx, obsmetrics.TriggerBookingCreated, func() error {
		return s.processBooking(ctx, tx, booking)
	})
}

// OnBookingUpdated handles a deferred charge-item link being set on an
// existing booking. Only the charge-item field re-triggers billing; other
// updates are ignored.
func (s *Service) OnBookingUpdated(ctx context.Context, tx *gorm.DB, booking *schedulingdomain.Booking, changed []string) error {
	relevant := false
	for _, field := range changed {
		if field == ChargeItemField {
			relevant = true
			break
		}
	}
	if !relevant {
		return nil
	}
	return s.runTrigger(ctx, obsmetrics.TriggerBookingUpdated, func() error {
		return s.processBooking(ctx, tx, booking)
	})
}

func (s *Service) runTrigger(ctx context.Context, trigger string, fn func() error) error {
	metrics := obsmetrics.Billing()
	metrics.IncTriggerRun(trigger)
	start := time.Now()
	err := fn()
	metrics.ObserveTriggerDuration(trigger, time.Since(start))
	if err != nil {
		metrics.IncTriggerError(trigger)
	}
	return err
}

func (s *Service) processBooking(ctx context.Context, tx *gorm.DB, booking *schedulingdomain.Booking) error {
	if !s.inflight.enter(booking.ID) {
		return nil
	}
	defer s.inflight.exit(booking.ID)

	if booking.ChargeItemID == nil {
		return nil
	}
	item, err := s.repo.FindChargeItem(ctx, tx, *booking.ChargeItemID)
	if err != nil {
		return fmt.Errorf("resolve booking charge item: %w", err)
	}
	if item == nil || item.PaidInvoiceID != nil {
		return nil
	}

	sched, slot, err := s.loadScheduleContext(ctx, tx, booking)
	if err != nil {
		return err
	}

	item, err = s.applyRevisitPolicy(ctx, tx, booking, item, sched, slot)
	if err != nil {
		return err
	}

	if item == nil || item.Status != ledgerdomain.ChargeItemStatusBillable {
		return nil
	}
	return s.billAndSettle(ctx, tx, booking, item)
}

func (s *Service) loadScheduleContext(ctx context.Context, tx *gorm.DB, booking *schedulingdomain.Booking) (*schedulingdomain.Schedule, *schedulingdomain.Slot, error) {
	var slot schedulingdomain.Slot
	if err := tx.WithContext(ctx).Where("id = ?", booking.SlotID).First(&slot).Error; err != nil {
		return nil, nil, fmt.Errorf("load booking slot: %w", err)
	}
	var sched schedulingdomain.Schedule
	if err := tx.WithContext(ctx).Where("id = ?", slot.ScheduleID).First(&sched).Error; err != nil {
		return nil, nil, fmt.Errorf("load slot schedule: %w", err)
	}
	return &sched, &slot, nil
}

// applyRevisitPolicy discards the default charge item when the booking
// falls within the schedule's revisit window of a prior paid visit, and
// applies the revisit template when one is configured. Returns the charge
// item the booking should be billed against, which may be nil.
func (s *Service) applyRevisitPolicy(ctx context.Context, tx *gorm.DB, booking *schedulingdomain.Booking, item *ledgerdomain.ChargeItem, sched *schedulingdomain.Schedule, slot *schedulingdomain.Slot) (*ledgerdomain.ChargeItem, error) {
	if sched.RevisitAllowedDays <= 0 {
		return item, nil
	}

	lastPaidOn, err := s.lastPaidVisit(ctx, tx, booking, item.FacilityID, slot.StartAt)
	if err != nil {
		return nil, err
	}
	if lastPaidOn == nil {
		return item, nil
	}

	// Day difference floors toward minus infinity before taking the
	// absolute value, so a visit 5.5 days back counts as 6 days apart.
	diffDays := int(math.Floor(lastPaidOn.Sub(slot.StartAt).Hours() / 24))
	if diffDays < 0 {
		diffDays = -diffDays
	}
	if diffDays > sched.RevisitAllowedDays {
		return item, nil
	}

	// Inside the window: the default item is never billed.
	if err := s.repo.SaveChargeItemStatus(ctx, tx, item, ledgerdomain.ChargeItemStatusCancelled, nil, nil); err != nil {
		return nil, fmt.Errorf("cancel default charge item: %w", err)
	}
	booking.ChargeItemID = nil

	var replacement *ledgerdomain.ChargeItem
	if sched.RevisitDefinitionID != nil {
		replacement, err = s.applier.Apply(ctx, tx, *sched.RevisitDefinitionID, booking.PatientID, item.FacilityID, 1)
		if err != nil {
			return nil, fmt.Errorf("apply revisit charge item definition: %w", err)
		}
		err = tx.WithContext(ctx).
			Model(&ledgerdomain.ChargeItem{}).
			Where("id = ?", replacement.ID).
			Updates(map[string]any{
				"service_resource":    "appointment",
				"service_resource_id": booking.ID.String(),
				"metadata":            datatypes.JSONMap{"automated": true},
			}).Error
		if err != nil {
			return nil, fmt.Errorf("tag revisit charge item: %w", err)
		}
		replacement.ServiceResource = "appointment"
		replacement.ServiceResourceID = booking.ID.String()
		booking.ChargeItemID = &replacement.ID
	}

	err = tx.WithContext(ctx).
		Model(&schedulingdomain.Booking{}).
		Where("id = ?", booking.ID).
		Update("charge_item_id", booking.ChargeItemID).Error
	if err != nil {
		return nil, fmt.Errorf("update booking charge item link: %w", err)
	}

	s.log.Info("revisit window applied",
		zap.Int64("booking_id", int64(booking.ID)),
		zap.Int("diff_days", diffDays),
		zap.Bool("replaced", replacement != nil),
	)
	return replacement, nil
}

// lastPaidVisit returns the payment date of the most recent non-cancelled
// booking of the same patient at the facility against a healthcare-service
// resource whose charge item reached paid, at or before startAt.
func (s *Service) lastPaidVisit(ctx context.Context, tx *gorm.DB, booking *schedulingdomain.Booking, facilityID snowflake.ID, startAt time.Time) (*time.Time, error) {
	var row struct {
		PaidOn *time.Time
	}
	err := tx.WithContext(ctx).Raw(
		`SELECT ci.paid_on AS paid_on
		 FROM bookings b
		 JOIN slots sl ON sl.id = b.slot_id
		 JOIN schedule_resources r ON r.id = sl.resource_id
		 JOIN charge_items ci ON ci.id = b.charge_item_id
		 WHERE b.patient_id = ?
		   AND b.id <> ?
		   AND b.status NOT IN ?
		   AND r.facility_id = ?
		   AND r.resource_type = ?
		   AND ci.status = ?
		   AND sl.start_at <= ?
		 ORDER BY sl.start_at DESC
		 LIMIT 1`,
		booking.PatientID,
		booking.ID,
		schedulingdomain.CancelledStatuses,
		facilityID,
		schedulingdomain.ResourceTypeHealthcareService,
		ledgerdomain.ChargeItemStatusPaid,
		startAt,
	).Scan(&row).Error
	if err != nil {
		return nil, fmt.Errorf("lookup prior paid booking: %w", err)
	}
	return row.PaidOn, nil
}

// billAndSettle creates, issues and settles the invoice for a billable
// charge item: steps 4-8 of the booking procedure.
func (s *Service) billAndSettle(ctx context.Context, tx *gorm.DB, booking *schedulingdomain.Booking, item *ledgerdomain.ChargeItem) error {
	inv, err := s.createDraftInvoice(ctx, tx, booking, item)
	if err != nil {
		return err
	}

	// The invoice link lands together with billed, so an item whose
	// settlement is still pending already references its invoice.
	if err := s.repo.SaveChargeItemStatus(ctx, tx, item, ledgerdomain.ChargeItemStatusBilled, &inv.ID, nil); err != nil {
		return fmt.Errorf("mark charge item billed: %w", err)
	}
	if err := s.totals.Sync(ctx, tx, inv); err != nil {
		return err
	}

	if err := s.issueInvoice(ctx, tx, inv); err != nil {
		return err
	}

	payment := &ledgerdomain.PaymentReconciliation{
		ID:                 s.genID.Generate(),
		FacilityID:         item.FacilityID,
		AccountID:          item.AccountID,
		Amount:             item.TotalPrice,
		TenderedAmount:     item.TotalPrice,
		ReturnedAmount:     0,
		IsCreditNote:       false,
		IssuerType:         ledgerdomain.PaymentIssuerPatient,
		Kind:               ledgerdomain.PaymentKindDeposit,
		Method:             ledgerdomain.PaymentMethodCash,
		Outcome:            ledgerdomain.PaymentOutcomeComplete,
		ReconciliationType: ledgerdomain.ReconciliationTypePayment,
		Status:             ledgerdomain.PaymentStatusActive,
		TargetInvoiceID:    &inv.ID,
		PaymentDatetime:    s.clock.Now(),
	}
	if err := s.repo.CreatePayment(ctx, tx, payment); err != nil {
		return fmt.Errorf("record deposit payment: %w", err)
	}

	// The inline payment is itself a persisted reconciliation, so it flows
	// through the same payment trigger the host would fire for it.
	return s.OnPaymentRecorded(ctx, tx, payment)
}

func (s *Service) createDraftInvoice(ctx context.Context, tx *gorm.DB, booking *schedulingdomain.Booking, item *ledgerdomain.ChargeItem) (*ledgerdomain.Invoice, error) {
	// The lock parks on the request's scope and outlives the enclosing
	// transaction, so a concurrent creation cannot count invoices before
	// this one's number is committed.
	release, err := locks.Hold(ctx, s.locks, locks.InvoiceCreateKey())
	if err != nil {
		if errors.Is(err, locks.ErrConflict) {
			return nil, fmt.Errorf("%w: %v", ErrInvoiceCreate, err)
		}
		return nil, err
	}
	defer release(ctx)

	number, err := s.numbers.Next(ctx, tx, item.FacilityID)
	if err != nil {
		return nil, err
	}
	inv := &ledgerdomain.Invoice{
		ID:            s.genID.Generate(),
		FacilityID:    item.FacilityID,
		AccountID:     item.AccountID,
		PatientID:     booking.PatientID,
		Number:        number,
		Status:        ledgerdomain.InvoiceStatusDraft,
		ChargeItemIDs: []int64{int64(item.ID)},
		Metadata:      map[string]any{"automated": true},
	}
	if err := s.repo.CreateInvoice(ctx, tx, inv); err != nil {
		return nil, fmt.Errorf("create invoice: %w", err)
	}
	return inv, nil
}

func (s *Service) issueInvoice(ctx context.Context, tx *gorm.DB, inv *ledgerdomain.Invoice) error {
	release, err := locks.Hold(ctx, s.locks, locks.InvoiceKey(inv.ID))
	if err != nil {
		return fmt.Errorf("lock invoice for issue: %w", err)
	}
	defer release(ctx)

	now := s.clock.Now()
	if err := s.repo.SaveInvoiceStatus(ctx, tx, inv, ledgerdomain.InvoiceStatusIssued, &now); err != nil {
		return fmt.Errorf("issue invoice: %w", err)
	}
	obsmetrics.Billing().IncInvoiceIssued()
	s.log.Info("invoice issued",
		zap.String("number", inv.Number),
		zap.Int64("invoice_id", int64(inv.ID)),
		zap.Int64("total_gross", inv.TotalGross),
	)
	return nil
}

// OnPaymentRecorded re-evaluates the target invoice's balance after a
// reconciliation row is persisted and triggers the account rebalance. The
// host calls it inside the transaction that wrote the payment.
func (s *Service) OnPaymentRecorded(ctx context.Context, tx *gorm.DB, payment *ledgerdomain.PaymentReconciliation) error {
	return s.runTrigger(ctx, obsmetrics.TriggerPaymentRecorded, func() error {
		return s.settlePayment(ctx, tx, payment)
	})
}

func (s *Service) settlePayment(ctx context.Context, tx *gorm.DB, payment *ledgerdomain.PaymentReconciliation) error {
	if !payment.Settles() {
		return nil
	}

	if payment.TargetInvoiceID != nil {
		if err := s.balanceInvoiceIfPaid(ctx, tx, *payment.TargetInvoiceID); err != nil {
			return err
		}
	}

	// Even payments that do not (yet) balance anything move the account's
	// projection. The handoff waits for the enclosing transaction to
	// commit so the worker never reads a payment that may roll back.
	accountID := payment.AccountID
	db.AfterCommit(ctx, func() {
		s.rebalancer.Enqueue(accountID)
	})
	return nil
}

func (s *Service) balanceInvoiceIfPaid(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID) error {
	inv, err := s.repo.FindInvoice(ctx, tx, invoiceID)
	if err != nil {
		return fmt.Errorf("load target invoice: %w", err)
	}
	if inv == nil || inv.Status != ledgerdomain.InvoiceStatusIssued {
		return nil
	}

	netPaid, err := s.repo.NetPaid(ctx, tx, inv.ID)
	if err != nil {
		return fmt.Errorf("aggregate invoice payments: %w", err)
	}
	if netPaid < inv.TotalGross {
		return nil
	}

	release, err := locks.Hold(ctx, s.locks, locks.InvoiceKey(inv.ID))
	if err != nil {
		return fmt.Errorf("lock invoice for balancing: %w", err)
	}
	defer release(ctx)

	// Re-read under the lock: a concurrent payment may have balanced the
	// invoice between the aggregate read and acquisition.
	inv, err = s.repo.FindInvoice(ctx, tx, inv.ID)
	if err != nil {
		return fmt.Errorf("reload invoice under lock: %w", err)
	}
	if inv == nil || inv.Status != ledgerdomain.InvoiceStatusIssued {
		return nil
	}

	now := s.clock.Now()
	if _, err := s.repo.MarkInvoiceChargeItemsPaid(ctx, tx, inv, now); err != nil {
		return fmt.Errorf("mark charge items paid: %w", err)
	}
	if err := s.repo.SaveInvoiceStatus(ctx, tx, inv, ledgerdomain.InvoiceStatusBalanced, nil); err != nil {
		return fmt.Errorf("balance invoice: %w", err)
	}
	obsmetrics.Billing().IncInvoiceBalanced()
	s.log.Info("invoice balanced",
		zap.String("number", inv.Number),
		zap.Int64("invoice_id", int64(inv.ID)),
		zap.Int64("net_paid", netPaid),
	)
	return nil
}

// OnInvoicePreCommit validates an invoice write before the host persists
// it: inserts must be drafts and updates may only move the status forward.
func (s *Service) OnInvoicePreCommit(old, updated *ledgerdomain.Invoice) error {
	if updated == nil {
		return errors.New("invoice is required")
	}
	if old == nil {
		if updated.Status != ledgerdomain.InvoiceStatusDraft {
			return fmt.Errorf("invoice %s: created as %s: %w", updated.Number, updated.Status, ledgerdomain.ErrInvalidTransition)
		}
		return nil
	}
	if old.Status == updated.Status {
		return nil
	}
	return ledgerdomain.EnsureInvoiceTransition(old.Status, updated.Status)
}

var Module = fx.Module("billing.service",
	fx.Provide(NewService),
)
