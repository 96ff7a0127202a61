package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository is the data access surface of the ledger. Every method runs on
// the caller's transaction handle so handlers stay inside the triggering
// write's transaction.
type Repository interface {
	FindChargeItem(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*ChargeItem, error)
	SaveChargeItemStatus(ctx context.Context, tx *gorm.DB, item *ChargeItem, to ChargeItemStatus, paidInvoiceID *snowflake.ID, paidOn *time.Time) error

	CreateInvoice(ctx context.Context, tx *gorm.DB, invoice *Invoice) error
	FindInvoice(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*Invoice, error)
	SaveInvoiceStatus(ctx context.Context, tx *gorm.DB, invoice *Invoice, to InvoiceStatus, issueDate *time.Time) error

	CreatePayment(ctx context.Context, tx *gorm.DB, payment *PaymentReconciliation) error
	// NetPaid aggregates complete, active payments against an invoice:
	// non-credit-note amounts minus credit-note amounts.
	NetPaid(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID) (int64, error)
	// MarkInvoiceChargeItemsPaid moves every billed charge item in the
	// invoice snapshot to paid. Returns the number of rows updated.
	MarkInvoiceChargeItemsPaid(ctx context.Context, tx *gorm.DB, invoice *Invoice, paidOn time.Time) (int64, error)
}
