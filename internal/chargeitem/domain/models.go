package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/careops/carebilling/internal/ledger/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ChargeItemDefinition is the template a charge item is instantiated from.
// Tax/discount math inside price components is owned by the template layer,
// not by the billing orchestrator.
type ChargeItemDefinition struct {
	ID              snowflake.ID   `gorm:"primaryKey"`
	FacilityID      snowflake.ID   `gorm:"not null;index"`
	Title           string         `gorm:"type:text;not null"`
	BasePrice       int64          `gorm:"not null"`
	PriceComponents datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt       time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (ChargeItemDefinition) TableName() string { return "charge_item_definitions" }

// Applier instantiates charge items from definitions.
type Applier interface {
	Apply(ctx context.Context, tx *gorm.DB, definitionID, patientID, facilityID snowflake.ID, quantity int64) (*ledgerdomain.ChargeItem, error)
}
