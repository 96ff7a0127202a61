// Package pdf renders printable artifacts for the billing ledger.
package pdf

import (
	"context"
	"io"

	"go.uber.org/fx"
)

// Provider renders the receipt handed to a patient once an invoice is
// balanced.
type Provider interface {
	GenerateReceipt(ctx context.Context, data ReceiptData) (io.Reader, error)
}

// ReceiptData is everything the renderer needs, pre-formatted. Amount
// strings arrive already localized so the renderer stays layout-only.
type ReceiptData struct {
	FacilityName  string
	InvoiceNumber string
	IssueDate     string
	DatePaid      string

	PatientName string

	Items []ReceiptItem

	Total   string
	NetPaid string
}

type ReceiptItem struct {
	Description string
	Qty         int64
	Amount      string
}

var Module = fx.Module("providers.pdf",
	fx.Provide(func() Provider { return &MarotoProvider{} }),
)
