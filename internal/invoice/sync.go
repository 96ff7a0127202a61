package invoice

import (
	"context"
	"encoding/json"
	"fmt"

	ledgerdomain "github.com/careops/carebilling/internal/ledger/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Synchronizer recomputes an invoice's price aggregates from its
// constituent charge items. Component-level tax/discount math belongs to
// the charge item template layer; here gross equals the summed item totals.
type Synchronizer struct{}

func NewSynchronizer() *Synchronizer {
	return &Synchronizer{}
}

// Sync reloads the snapshot's charge items, recomputes totals and the
// merged price component list, and persists them on the invoice row. The
// passed invoice is updated in place.
func (s *Synchronizer) Sync(ctx context.Context, tx *gorm.DB, invoice *ledgerdomain.Invoice) error {
	if len(invoice.ChargeItemIDs) == 0 {
		return s.persist(ctx, tx, invoice, 0, 0, nil)
	}

	ids := make([]int64, len(invoice.ChargeItemIDs))
	copy(ids, invoice.ChargeItemIDs)

	var items []ledgerdomain.ChargeItem
	err := tx.WithContext(ctx).
		Where("id IN ?", ids).
		Order("id").
		Find(&items).Error
	if err != nil {
		return fmt.Errorf("load invoice charge items: %w", err)
	}

	var totalNet int64
	components := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		if item.Status == ledgerdomain.ChargeItemStatusCancelled {
			continue
		}
		totalNet += item.TotalPrice
		if len(item.PriceComponents) > 0 {
			components = append(components, json.RawMessage(item.PriceComponents))
		}
	}

	var merged datatypes.JSON
	if len(components) > 0 {
		raw, err := json.Marshal(components)
		if err != nil {
			return fmt.Errorf("merge price components: %w", err)
		}
		merged = datatypes.JSON(raw)
	}

	return s.persist(ctx, tx, invoice, totalNet, totalNet, merged)
}

func (s *Synchronizer) persist(ctx context.Context, tx *gorm.DB, invoice *ledgerdomain.Invoice, totalNet, totalGross int64, components datatypes.JSON) error {
	err := tx.WithContext(ctx).
		Model(&ledgerdomain.Invoice{}).
		Where("id = ?", invoice.ID).
		Updates(map[string]any{
			"total_net":              totalNet,
			"total_gross":            totalGross,
			"total_price_components": components,
			"charge_item_ids":        invoice.ChargeItemIDs,
		}).Error
	if err != nil {
		return fmt.Errorf("persist invoice totals: %w", err)
	}
	invoice.TotalNet = totalNet
	invoice.TotalGross = totalGross
	invoice.TotalPriceComponents = components
	return nil
}
