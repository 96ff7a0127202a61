package server

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/careops/carebilling/internal/ledger/domain"
	"github.com/careops/carebilling/internal/providers/pdf"
	"github.com/gin-gonic/gin"
)

func (s *Server) ListInvoices(c *gin.Context) {
	q := s.db.WithContext(c.Request.Context()).Order("created_at DESC").Limit(100)
	if raw := c.Query("account_id"); raw != "" {
		accountID, err := snowflake.ParseString(raw)
		if err != nil {
			AbortWithError(c, newValidationError("account_id", "invalid_id", "invalid id"))
			return
		}
		q = q.Where("account_id = ?", accountID)
	}

	var invoices []ledgerdomain.Invoice
	if err := q.Find(&invoices).Error; err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": invoices})
}

func (s *Server) GetInvoiceByID(c *gin.Context) {
	id, err := parseID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var inv ledgerdomain.Invoice
	if err := s.db.WithContext(c.Request.Context()).Where("id = ?", id).First(&inv).Error; err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": inv})
}

// RenderReceipt streams the receipt PDF for a balanced invoice.
func (s *Server) RenderReceipt(c *gin.Context) {
	id, err := parseID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	var inv ledgerdomain.Invoice
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&inv).Error; err != nil {
		AbortWithError(c, err)
		return
	}
	if inv.Status != ledgerdomain.InvoiceStatusBalanced {
		AbortWithError(c, ledgerdomain.ErrInvoiceNotIssued)
		return
	}

	data, err := s.receiptData(c, &inv)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	reader, err := s.pdf.GenerateReceipt(ctx, data)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Type", "application/pdf")
	c.Header("Content-Disposition", fmt.Sprintf("inline; filename=%q", inv.Number+"-receipt.pdf"))
	c.Status(http.StatusOK)
	_, _ = io.Copy(c.Writer, reader)
}

func (s *Server) receiptData(c *gin.Context, inv *ledgerdomain.Invoice) (pdf.ReceiptData, error) {
	ctx := c.Request.Context()

	var acct ledgerdomain.Account
	if err := s.db.WithContext(ctx).Where("id = ?", inv.AccountID).First(&acct).Error; err != nil {
		return pdf.ReceiptData{}, err
	}

	var items []ledgerdomain.ChargeItem
	ids := make([]int64, len(inv.ChargeItemIDs))
	copy(ids, inv.ChargeItemIDs)
	if len(ids) > 0 {
		if err := s.db.WithContext(ctx).Where("id IN ?", ids).Order("id").Find(&items).Error; err != nil {
			return pdf.ReceiptData{}, err
		}
	}

	var lastPaid struct {
		Paid *time.Time
	}
	err := s.db.WithContext(ctx).Raw(
		`SELECT MAX(payment_datetime) AS paid
		 FROM payment_reconciliations
		 WHERE target_invoice_id = ? AND outcome = ? AND status = ?`,
		inv.ID, ledgerdomain.PaymentOutcomeComplete, ledgerdomain.PaymentStatusActive,
	).Scan(&lastPaid).Error
	if err != nil {
		return pdf.ReceiptData{}, err
	}

	netPaid, err := s.repo.NetPaid(ctx, s.db, inv.ID)
	if err != nil {
		return pdf.ReceiptData{}, err
	}

	data := pdf.ReceiptData{
		FacilityName:  fmt.Sprintf("Facility %s", inv.FacilityID.String()),
		InvoiceNumber: inv.Number,
		PatientName:   acct.Name,
		Total:         formatAmount(inv.TotalGross),
		NetPaid:       formatAmount(netPaid),
	}
	if inv.IssueDate != nil {
		data.IssueDate = inv.IssueDate.Format("2006-01-02")
	}
	if lastPaid.Paid != nil {
		data.DatePaid = lastPaid.Paid.Format("2006-01-02")
	}
	for _, item := range items {
		if item.Status == ledgerdomain.ChargeItemStatusCancelled {
			continue
		}
		data.Items = append(data.Items, pdf.ReceiptItem{
			Description: item.Title,
			Qty:         item.Quantity,
			Amount:      formatAmount(item.TotalPrice),
		})
	}
	return data, nil
}

// formatAmount renders a minor-unit amount with two decimals.
func formatAmount(v int64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}
