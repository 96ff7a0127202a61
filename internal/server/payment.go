package server

import (
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/careops/carebilling/internal/ledger/domain"
	"github.com/careops/carebilling/internal/locks"
	"github.com/careops/carebilling/pkg/db"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type recordPaymentRequest struct {
	AccountID       string `json:"account_id" binding:"required"`
	Amount          int64  `json:"amount" binding:"required"`
	IsCreditNote    bool   `json:"is_credit_note"`
	Method          string `json:"method"`
	Kind            string `json:"kind"`
	TargetInvoiceID string `json:"target_invoice_id"`
}

// RecordPayment appends a payment reconciliation and runs the settlement
// procedure in the same transaction. The ledger is append-only; a mistaken
// payment is corrected by posting a credit note, not by editing.
func (s *Server) RecordPayment(c *gin.Context) {
	var req recordPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request"))
		return
	}
	if req.Amount <= 0 {
		AbortWithError(c, newValidationError("amount", "invalid_amount", "amount must be positive"))
		return
	}
	accountID, err := snowflake.ParseString(req.AccountID)
	if err != nil {
		AbortWithError(c, newValidationError("account_id", "invalid_id", "invalid id"))
		return
	}
	var targetInvoiceID *snowflake.ID
	if req.TargetInvoiceID != "" {
		id, err := snowflake.ParseString(req.TargetInvoiceID)
		if err != nil {
			AbortWithError(c, newValidationError("target_invoice_id", "invalid_id", "invalid id"))
			return
		}
		targetInvoiceID = &id
	}

	method := ledgerdomain.PaymentMethod(req.Method)
	switch method {
	case "":
		method = ledgerdomain.PaymentMethodCash
	case ledgerdomain.PaymentMethodCash, ledgerdomain.PaymentMethodCard, ledgerdomain.PaymentMethodUPI:
	default:
		AbortWithError(c, newValidationError("method", "invalid_method", "invalid payment method"))
		return
	}
	kind := ledgerdomain.PaymentKind(req.Kind)
	switch kind {
	case "":
		kind = ledgerdomain.PaymentKindPayment
	case ledgerdomain.PaymentKindPayment, ledgerdomain.PaymentKindDeposit:
	default:
		AbortWithError(c, newValidationError("kind", "invalid_kind", "invalid payment kind"))
		return
	}

	ctx := c.Request.Context()
	payment := &ledgerdomain.PaymentReconciliation{
		ID:                 s.genID.Generate(),
		AccountID:          accountID,
		Amount:             req.Amount,
		TenderedAmount:     req.Amount,
		IsCreditNote:       req.IsCreditNote,
		IssuerType:         ledgerdomain.PaymentIssuerPatient,
		Kind:               kind,
		Method:             method,
		Outcome:            ledgerdomain.PaymentOutcomeComplete,
		ReconciliationType: ledgerdomain.ReconciliationTypePayment,
		Status:             ledgerdomain.PaymentStatusActive,
		TargetInvoiceID:    targetInvoiceID,
		PaymentDatetime:    time.Now().UTC(),
	}

	scope := locks.NewScope()
	defer scope.ReleaseAll(ctx)
	ctx = locks.WithScope(ctx, scope)
	ctx, hooks := db.WithAfterCommitHooks(ctx)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var acct ledgerdomain.Account
		if err := tx.Where("id = ?", accountID).First(&acct).Error; err != nil {
			return err
		}
		payment.FacilityID = acct.FacilityID

		if targetInvoiceID != nil {
			inv, err := s.repo.FindInvoice(ctx, tx, *targetInvoiceID)
			if err != nil {
				return err
			}
			if inv == nil {
				return ErrNotFound
			}
		}

		if err := s.repo.CreatePayment(ctx, tx, payment); err != nil {
			return err
		}
		return s.billingSvc.OnPaymentRecorded(ctx, tx, payment)
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	hooks.Run()

	c.JSON(http.StatusCreated, gin.H{"data": gin.H{
		"id":         payment.ID.String(),
		"account_id": payment.AccountID.String(),
		"amount":     payment.Amount,
	}})
}
