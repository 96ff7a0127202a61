package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnsureChargeItemTransition(t *testing.T) {
	cases := []struct {
		from, to ChargeItemStatus
		ok       bool
	}{
		{ChargeItemStatusUnbilled, ChargeItemStatusBillable, true},
		{ChargeItemStatusBillable, ChargeItemStatusBilled, true},
		{ChargeItemStatusBilled, ChargeItemStatusPaid, true},
		{ChargeItemStatusUnbilled, ChargeItemStatusBilled, true},
		{ChargeItemStatusBillable, ChargeItemStatusBillable, true},

		{ChargeItemStatusBillable, ChargeItemStatusCancelled, true},
		{ChargeItemStatusBilled, ChargeItemStatusCancelled, true},
		{ChargeItemStatusPaid, ChargeItemStatusCancelled, false},

		{ChargeItemStatusPaid, ChargeItemStatusBilled, false},
		{ChargeItemStatusBilled, ChargeItemStatusBillable, false},
		{ChargeItemStatusCancelled, ChargeItemStatusBillable, false},
		{ChargeItemStatusCancelled, ChargeItemStatusPaid, false},
	}

	for _, tc := range cases {
		err := EnsureChargeItemTransition(tc.from, tc.to)
		if tc.ok {
			assert.NoError(t, err, "%s -> %s", tc.from, tc.to)
		} else {
			assert.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", tc.from, tc.to)
		}
	}
}

func TestEnsureInvoiceTransition(t *testing.T) {
	cases := []struct {
		from, to InvoiceStatus
		ok       bool
	}{
		{InvoiceStatusDraft, InvoiceStatusIssued, true},
		{InvoiceStatusIssued, InvoiceStatusBalanced, true},

		{InvoiceStatusDraft, InvoiceStatusBalanced, false},
		{InvoiceStatusDraft, InvoiceStatusDraft, false},
		{InvoiceStatusIssued, InvoiceStatusIssued, false},
		{InvoiceStatusIssued, InvoiceStatusDraft, false},
		{InvoiceStatusBalanced, InvoiceStatusIssued, false},
		{InvoiceStatusBalanced, InvoiceStatusDraft, false},
	}

	for _, tc := range cases {
		err := EnsureInvoiceTransition(tc.from, tc.to)
		if tc.ok {
			assert.NoError(t, err, "%s -> %s", tc.from, tc.to)
		} else {
			assert.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", tc.from, tc.to)
		}
	}
}

func TestInvoiceContainsChargeItem(t *testing.T) {
	inv := Invoice{ChargeItemIDs: []int64{1, 2, 3}}
	assert.True(t, inv.ContainsChargeItem(2))
	assert.False(t, inv.ContainsChargeItem(9))
}

func TestPaymentSettles(t *testing.T) {
	assert.True(t, PaymentReconciliation{
		Outcome: PaymentOutcomeComplete, Status: PaymentStatusActive,
	}.Settles())
	assert.False(t, PaymentReconciliation{
		Outcome: PaymentOutcomePending, Status: PaymentStatusActive,
	}.Settles())
	assert.False(t, PaymentReconciliation{
		Outcome: PaymentOutcomeComplete, Status: PaymentStatusEnteredInError,
	}.Settles())
}
