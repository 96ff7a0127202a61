package invoice

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/careops/carebilling/internal/config"
	ledgerdomain "github.com/careops/carebilling/internal/ledger/domain"
	"gorm.io/gorm"
)

// NumberGenerator assigns facility-scoped sequential human-readable invoice
// numbers. Collision freedom relies on the caller holding the global
// invoice-create lock across Next and the subsequent insert.
type NumberGenerator struct {
	billingCfg *config.BillingConfigHolder
}

func NewNumberGenerator(billingCfg *config.BillingConfigHolder) *NumberGenerator {
	return &NumberGenerator{billingCfg: billingCfg}
}

func (g *NumberGenerator) Next(ctx context.Context, tx *gorm.DB, facilityID snowflake.ID) (string, error) {
	var count int64
	err := tx.WithContext(ctx).
		Model(&ledgerdomain.Invoice{}).
		Where("facility_id = ?", facilityID).
		Count(&count).Error
	if err != nil {
		return "", fmt.Errorf("count facility invoices: %w", err)
	}
	prefix := g.billingCfg.Get().InvoiceNumberPrefix
	return fmt.Sprintf("%s-%d-%06d", prefix, facilityID, count+1), nil
}
