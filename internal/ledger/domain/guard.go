package domain

import "errors"

var (
	ErrInvalidTransition = errors.New("invalid_status_transition")
	ErrInvoiceNotIssued  = errors.New("invoice_not_issued")
	ErrInvoiceNotDraft   = errors.New("invoice_not_draft")
)

var chargeItemRank = map[ChargeItemStatus]int{
	ChargeItemStatusUnbilled: 0,
	ChargeItemStatusBillable: 1,
	ChargeItemStatusBilled:   2,
	ChargeItemStatusPaid:     3,
}

// EnsureChargeItemTransition enforces forward-only charge item statuses.
// Cancellation is allowed from any non-paid state.
func EnsureChargeItemTransition(from, to ChargeItemStatus) error {
	if from == to {
		return nil
	}
	if to == ChargeItemStatusCancelled {
		if from == ChargeItemStatusPaid {
			return ErrInvalidTransition
		}
		return nil
	}
	if from == ChargeItemStatusCancelled {
		return ErrInvalidTransition
	}
	fromRank, ok := chargeItemRank[from]
	if !ok {
		return ErrInvalidTransition
	}
	toRank, ok := chargeItemRank[to]
	if !ok {
		return ErrInvalidTransition
	}
	if toRank < fromRank {
		return ErrInvalidTransition
	}
	return nil
}

var invoiceRank = map[InvoiceStatus]int{
	InvoiceStatusDraft:    0,
	InvoiceStatusIssued:   1,
	InvoiceStatusBalanced: 2,
}

// EnsureInvoiceTransition enforces the strictly monotonic invoice lifecycle.
// Each state is passed through exactly once: an invoice cannot regress, be
// re-issued, or balance without having been issued.
func EnsureInvoiceTransition(from, to InvoiceStatus) error {
	fromRank, ok := invoiceRank[from]
	if !ok {
		return ErrInvalidTransition
	}
	toRank, ok := invoiceRank[to]
	if !ok {
		return ErrInvalidTransition
	}
	if toRank != fromRank+1 {
		return ErrInvalidTransition
	}
	return nil
}
