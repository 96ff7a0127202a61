package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/careops/carebilling/internal/ledger/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindChargeItem(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.ChargeItem, error) {
	var item domain.ChargeItem
	err := tx.WithContext(ctx).Where("id = ?", id).First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

func (r *repo) SaveChargeItemStatus(ctx context.Context, tx *gorm.DB, item *domain.ChargeItem, to domain.ChargeItemStatus, paidInvoiceID *snowflake.ID, paidOn *time.Time) error {
	if err := domain.EnsureChargeItemTransition(item.Status, to); err != nil {
		return fmt.Errorf("charge item %d: %s -> %s: %w", item.ID, item.Status, to, err)
	}

	updates := map[string]any{"status": to}
	if paidInvoiceID != nil {
		updates["paid_invoice_id"] = *paidInvoiceID
	}
	if paidOn != nil {
		updates["paid_on"] = *paidOn
	}
	err := tx.WithContext(ctx).
		Model(&domain.ChargeItem{}).
		Where("id = ?", item.ID).
		Updates(updates).Error
	if err != nil {
		return err
	}

	item.Status = to
	if paidInvoiceID != nil {
		item.PaidInvoiceID = paidInvoiceID
	}
	if paidOn != nil {
		item.PaidOn = paidOn
	}
	return nil
}

func (r *repo) CreateInvoice(ctx context.Context, tx *gorm.DB, invoice *domain.Invoice) error {
	return tx.WithContext(ctx).Create(invoice).Error
}

func (r *repo) FindInvoice(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.Invoice, error) {
	var invoice domain.Invoice
	err := tx.WithContext(ctx).Where("id = ?", id).First(&invoice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &invoice, nil
}

func (r *repo) SaveInvoiceStatus(ctx context.Context, tx *gorm.DB, invoice *domain.Invoice, to domain.InvoiceStatus, issueDate *time.Time) error {
	if err := domain.EnsureInvoiceTransition(invoice.Status, to); err != nil {
		return fmt.Errorf("invoice %s: %s -> %s: %w", invoice.Number, invoice.Status, to, err)
	}

	updates := map[string]any{"status": to}
	if issueDate != nil {
		updates["issue_date"] = *issueDate
	}
	err := tx.WithContext(ctx).
		Model(&domain.Invoice{}).
		Where("id = ?", invoice.ID).
		Updates(updates).Error
	if err != nil {
		return err
	}

	invoice.Status = to
	if issueDate != nil {
		invoice.IssueDate = issueDate
	}
	return nil
}

func (r *repo) CreatePayment(ctx context.Context, tx *gorm.DB, payment *domain.PaymentReconciliation) error {
	return tx.WithContext(ctx).Create(payment).Error
}

func (r *repo) NetPaid(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID) (int64, error) {
	var row struct {
		NetPaid int64
	}
	err := tx.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(CASE WHEN is_credit_note THEN -amount ELSE amount END), 0) AS net_paid
		 FROM payment_reconciliations
		 WHERE target_invoice_id = ?
		   AND outcome = ?
		   AND status = ?`,
		invoiceID,
		domain.PaymentOutcomeComplete,
		domain.PaymentStatusActive,
	).Scan(&row).Error
	if err != nil {
		return 0, err
	}
	return row.NetPaid, nil
}

func (r *repo) MarkInvoiceChargeItemsPaid(ctx context.Context, tx *gorm.DB, invoice *domain.Invoice, paidOn time.Time) (int64, error) {
	if len(invoice.ChargeItemIDs) == 0 {
		return 0, nil
	}
	ids := make([]int64, len(invoice.ChargeItemIDs))
	copy(ids, invoice.ChargeItemIDs)

	res := tx.WithContext(ctx).
		Model(&domain.ChargeItem{}).
		Where("account_id = ? AND status = ? AND id IN ?", invoice.AccountID, domain.ChargeItemStatusBilled, ids).
		Updates(map[string]any{
			"status":          domain.ChargeItemStatusPaid,
			"paid_invoice_id": invoice.ID,
			"paid_on":         paidOn,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
