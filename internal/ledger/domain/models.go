// Package domain contains the persistence models of the billing ledger.
// Rows are mutated only by the billing orchestrator while the owning named
// lock is held; payment reconciliations are append-only.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// ChargeItemStatus represents charge item lifecycle states. Transitions only
// move forward (unbilled/billable -> billed -> paid) apart from explicit
// cancellation.
type ChargeItemStatus string

const (
	ChargeItemStatusUnbilled  ChargeItemStatus = "unbilled"
	ChargeItemStatusBillable  ChargeItemStatus = "billable"
	ChargeItemStatusBilled    ChargeItemStatus = "billed"
	ChargeItemStatusPaid      ChargeItemStatus = "paid"
	ChargeItemStatusCancelled ChargeItemStatus = "cancelled"
)

// ChargeItem is a billable unit tied to an account/facility/patient.
type ChargeItem struct {
	ID              snowflake.ID      `gorm:"primaryKey"`
	FacilityID      snowflake.ID      `gorm:"not null;index"`
	AccountID       snowflake.ID      `gorm:"not null;index"`
	PatientID       snowflake.ID      `gorm:"not null;index"`
	DefinitionID    *snowflake.ID     `gorm:"index"`
	Status          ChargeItemStatus  `gorm:"type:text;not null;default:'unbilled'"`
	Title           string            `gorm:"type:text;not null"`
	Quantity        int64             `gorm:"not null;default:1"`
	TotalPrice      int64             `gorm:"not null;default:0"`
	PriceComponents datatypes.JSON    `gorm:"type:jsonb"`
	PaidInvoiceID   *snowflake.ID     `gorm:"index"`
	PaidOn          *time.Time        `gorm:""`
	ServiceResource string            `gorm:"type:text"`
	ServiceResourceID string          `gorm:"type:text;index"`
	Metadata        datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt       time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (ChargeItem) TableName() string { return "charge_items" }

// InvoiceStatus represents invoice lifecycle states, strictly monotonic
// draft -> issued -> balanced.
type InvoiceStatus string

const (
	InvoiceStatusDraft    InvoiceStatus = "draft"
	InvoiceStatusIssued   InvoiceStatus = "issued"
	InvoiceStatusBalanced InvoiceStatus = "balanced"
)

// Invoice represents one bill over an immutable snapshot of charge items.
type Invoice struct {
	ID                   snowflake.ID              `gorm:"primaryKey"`
	FacilityID           snowflake.ID              `gorm:"not null;index"`
	AccountID            snowflake.ID              `gorm:"not null;index"`
	PatientID            snowflake.ID              `gorm:"not null;index"`
	Number               string                    `gorm:"type:text;not null;uniqueIndex"`
	Status               InvoiceStatus             `gorm:"type:text;not null;default:'draft'"`
	ChargeItemIDs        datatypes.JSONSlice[int64] `gorm:"type:jsonb"`
	IssueDate            *time.Time                `gorm:""`
	TotalNet             int64                     `gorm:"not null;default:0"`
	TotalGross           int64                     `gorm:"not null;default:0"`
	TotalPriceComponents datatypes.JSON            `gorm:"type:jsonb"`
	Metadata             datatypes.JSONMap         `gorm:"type:jsonb"`
	CreatedAt            time.Time                 `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt            time.Time                 `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Invoice) TableName() string { return "invoices" }

// ContainsChargeItem reports whether the invoice snapshot references id.
func (i Invoice) ContainsChargeItem(id snowflake.ID) bool {
	for _, v := range i.ChargeItemIDs {
		if v == int64(id) {
			return true
		}
	}
	return false
}

type PaymentIssuerType string

const (
	PaymentIssuerPatient PaymentIssuerType = "patient"
)

type PaymentKind string

const (
	PaymentKindDeposit PaymentKind = "deposit"
	PaymentKindPayment PaymentKind = "payment"
)

type PaymentMethod string

const (
	PaymentMethodCash PaymentMethod = "cash"
	PaymentMethodCard PaymentMethod = "card"
	PaymentMethodUPI  PaymentMethod = "upi"
)

type PaymentOutcome string

const (
	PaymentOutcomeComplete PaymentOutcome = "complete"
	PaymentOutcomePending  PaymentOutcome = "pending"
	PaymentOutcomeError    PaymentOutcome = "error"
)

type PaymentStatus string

const (
	PaymentStatusActive         PaymentStatus = "active"
	PaymentStatusDraft          PaymentStatus = "draft"
	PaymentStatusEnteredInError PaymentStatus = "entered_in_error"
)

type ReconciliationType string

const (
	ReconciliationTypePayment ReconciliationType = "payment"
)

// PaymentReconciliation is an immutable ledger entry for a payment or credit
// note against an invoice. Corrections are new credit-note rows, never edits.
type PaymentReconciliation struct {
	ID                 snowflake.ID       `gorm:"primaryKey"`
	FacilityID         snowflake.ID       `gorm:"not null;index"`
	AccountID          snowflake.ID       `gorm:"not null;index"`
	Amount             int64              `gorm:"not null"`
	TenderedAmount     int64              `gorm:"not null;default:0"`
	ReturnedAmount     int64              `gorm:"not null;default:0"`
	IsCreditNote       bool               `gorm:"not null;default:false"`
	IssuerType         PaymentIssuerType  `gorm:"type:text;not null"`
	Kind               PaymentKind        `gorm:"type:text;not null"`
	Method             PaymentMethod      `gorm:"type:text;not null"`
	Outcome            PaymentOutcome     `gorm:"type:text;not null"`
	ReconciliationType ReconciliationType `gorm:"type:text;not null"`
	Status             PaymentStatus      `gorm:"type:text;not null"`
	TargetInvoiceID    *snowflake.ID      `gorm:"index"`
	PaymentDatetime    time.Time          `gorm:"not null"`
	CreatedAt          time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (PaymentReconciliation) TableName() string { return "payment_reconciliations" }

// Settles reports whether the entry affects invoice balances at all.
func (p PaymentReconciliation) Settles() bool {
	return p.Outcome == PaymentOutcomeComplete && p.Status == PaymentStatusActive
}

// Account aggregates a patient's ledger. Balance is a derived projection
// recomputed by the rebalance task, never written by the orchestrator.
type Account struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	FacilityID   snowflake.ID `gorm:"not null;index"`
	PatientID    snowflake.ID `gorm:"not null;index"`
	Name         string       `gorm:"type:text"`
	Balance      int64        `gorm:"not null;default:0"`
	RebalancedAt *time.Time   `gorm:""`
	CreatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Account) TableName() string { return "accounts" }
