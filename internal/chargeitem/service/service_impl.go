package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/careops/carebilling/internal/chargeitem/domain"
	ledgerdomain "github.com/careops/carebilling/internal/ledger/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrDefinitionNotFound = errors.New("charge_item_definition_not_found")

type Params struct {
	fx.In

	Log   *zap.Logger
	GenID *snowflake.Node
}

type Service struct {
	log   *zap.Logger
	genID *snowflake.Node
}

func NewService(p Params) domain.Applier {
	return &Service{
		log:   p.Log.Named("chargeitem.service"),
		genID: p.GenID,
	}
}

// Apply instantiates a billable charge item from a definition. The account
// is resolved from the patient's account at the facility.
func (s *Service) Apply(ctx context.Context, tx *gorm.DB, definitionID, patientID, facilityID snowflake.ID, quantity int64) (*ledgerdomain.ChargeItem, error) {
	if quantity <= 0 {
		quantity = 1
	}

	var def domain.ChargeItemDefinition
	err := tx.WithContext(ctx).
		Where("id = ?", definitionID).
		First(&def).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDefinitionNotFound
		}
		return nil, fmt.Errorf("load charge item definition: %w", err)
	}

	var account ledgerdomain.Account
	err = tx.WithContext(ctx).
		Where("patient_id = ? AND facility_id = ?", patientID, facilityID).
		First(&account).Error
	if err != nil {
		return nil, fmt.Errorf("resolve patient account: %w", err)
	}

	item := &ledgerdomain.ChargeItem{
		ID:              s.genID.Generate(),
		FacilityID:      facilityID,
		AccountID:       account.ID,
		PatientID:       patientID,
		DefinitionID:    &def.ID,
		Status:          ledgerdomain.ChargeItemStatusBillable,
		Title:           def.Title,
		Quantity:        quantity,
		TotalPrice:      def.BasePrice * quantity,
		PriceComponents: def.PriceComponents,
	}
	if err := tx.WithContext(ctx).Create(item).Error; err != nil {
		return nil, fmt.Errorf("create charge item: %w", err)
	}
	return item, nil
}
