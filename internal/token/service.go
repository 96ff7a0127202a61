// Package token assigns queue tokens to bookings. Assignment follows the
// billing trigger: the host invokes it in the same transaction that
// persisted the booking, after billing completed.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/careops/carebilling/internal/clock"
	"github.com/careops/carebilling/internal/config"
	"github.com/careops/carebilling/internal/locks"
	obsmetrics "github.com/careops/carebilling/internal/observability/metrics"
	schedulingdomain "github.com/careops/carebilling/internal/scheduling/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Clock      clock.Clock
	GenID      *snowflake.Node
	Locks      locks.Service
	BillingCfg *config.BillingConfigHolder
}

// Service allocates sequential token numbers scoped to one queue and
// category per slot date.
type Service struct {
	log        *zap.Logger
	clock      clock.Clock
	genID      *snowflake.Node
	locks      locks.Service
	billingCfg *config.BillingConfigHolder
}

func NewService(p Params) *Service {
	return &Service{
		log:        p.Log.Named("token.service"),
		clock:      p.Clock,
		genID:      p.GenID,
		locks:      p.Locks,
		billingCfg: p.BillingCfg,
	}
}

// AssignToken gives the booking a token in the slot-date queue of its
// resource. A booking that already holds a token keeps it; a facility
// without a default category for the resource type gets no token and no
// error.
func (s *Service) AssignToken(ctx context.Context, tx *gorm.DB, booking *schedulingdomain.Booking) (*schedulingdomain.Token, error) {
	if booking.TokenID != nil {
		return s.findToken(ctx, tx, *booking.TokenID)
	}
	var existing schedulingdomain.Token
	err := tx.WithContext(ctx).Where("booking_id = ?", booking.ID).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("lookup booking token: %w", err)
	}

	var slot schedulingdomain.Slot
	if err := tx.WithContext(ctx).Where("id = ?", booking.SlotID).First(&slot).Error; err != nil {
		return nil, fmt.Errorf("load booking slot: %w", err)
	}
	var resource schedulingdomain.Resource
	if err := tx.WithContext(ctx).Where("id = ?", slot.ResourceID).First(&resource).Error; err != nil {
		return nil, fmt.Errorf("load slot resource: %w", err)
	}

	category, err := s.defaultCategory(ctx, tx, resource.FacilityID, resource.ResourceType)
	if err != nil {
		return nil, err
	}
	if category == nil {
		s.log.Debug("no default token category, skipping assignment",
			zap.Int64("booking_id", int64(booking.ID)),
			zap.String("resource_type", string(resource.ResourceType)),
		)
		return nil, nil
	}

	date := slot.StartAt.UTC().Truncate(24 * time.Hour)

	// Queue get-or-create is serialized per (facility, resource, date), so
	// two first bookings for a scope cannot both create a primary queue.
	scopeRelease, err := locks.Hold(ctx, s.locks, locks.QueueScopeKey(resource.FacilityID, resource.ID, date))
	if err != nil {
		return nil, fmt.Errorf("lock token queue scope: %w", err)
	}
	defer scopeRelease(ctx)

	queue, err := s.resolveQueue(ctx, tx, &resource, date)
	if err != nil {
		return nil, err
	}

	token, err := s.allocate(ctx, tx, booking, queue, category)
	if err != nil {
		return nil, err
	}

	err = tx.WithContext(ctx).
		Model(&schedulingdomain.Booking{}).
		Where("id = ?", booking.ID).
		Update("token_id", token.ID).Error
	if err != nil {
		return nil, fmt.Errorf("link token to booking: %w", err)
	}
	booking.TokenID = &token.ID

	obsmetrics.Billing().IncTokenAssigned()
	s.log.Info("token assigned",
		zap.Int64("booking_id", int64(booking.ID)),
		zap.Int64("queue_id", int64(queue.ID)),
		zap.Int("number", token.Number),
	)
	return token, nil
}

func (s *Service) findToken(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*schedulingdomain.Token, error) {
	var token schedulingdomain.Token
	if err := tx.WithContext(ctx).Where("id = ?", id).First(&token).Error; err != nil {
		return nil, fmt.Errorf("load booking token: %w", err)
	}
	return &token, nil
}

func (s *Service) defaultCategory(ctx context.Context, tx *gorm.DB, facilityID snowflake.ID, resourceType schedulingdomain.ResourceType) (*schedulingdomain.TokenCategory, error) {
	var category schedulingdomain.TokenCategory
	err := tx.WithContext(ctx).
		Where("facility_id = ? AND resource_type = ? AND is_default = ?", facilityID, resourceType, true).
		Order("id").
		First(&category).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup default token category: %w", err)
	}
	return &category, nil
}

// resolveQueue finds or creates the queue for (facility, resource, date).
// Existing queues are preferred system-generated first; a freshly created
// queue is primary only when it is the first for its scope.
func (s *Service) resolveQueue(ctx context.Context, tx *gorm.DB, resource *schedulingdomain.Resource, date time.Time) (*schedulingdomain.TokenQueue, error) {
	var queues []schedulingdomain.TokenQueue
	err := tx.WithContext(ctx).
		Where("facility_id = ? AND resource_id = ? AND date = ?", resource.FacilityID, resource.ID, date).
		Order("system_generated DESC, id").
		Find(&queues).Error
	if err != nil {
		return nil, fmt.Errorf("lookup token queues: %w", err)
	}
	if len(queues) > 0 {
		return &queues[0], nil
	}

	queue := &schedulingdomain.TokenQueue{
		ID:              s.genID.Generate(),
		FacilityID:      resource.FacilityID,
		ResourceID:      resource.ID,
		Date:            date,
		Name:            s.billingCfg.Get().SystemQueueName,
		SystemGenerated: true,
		Primary:         true,
	}
	if err := tx.WithContext(ctx).Create(queue).Error; err != nil {
		return nil, fmt.Errorf("create token queue: %w", err)
	}
	return queue, nil
}

func (s *Service) allocate(ctx context.Context, tx *gorm.DB, booking *schedulingdomain.Booking, queue *schedulingdomain.TokenQueue, category *schedulingdomain.TokenCategory) (*schedulingdomain.Token, error) {
	// Held until the enclosing transaction commits, so a concurrent
	// allocation cannot count tokens before this number is durable.
	release, err := locks.Hold(ctx, s.locks, locks.QueueKey(queue.ID))
	if err != nil {
		return nil, fmt.Errorf("lock token queue: %w", err)
	}
	defer release(ctx)

	var count int64
	err = tx.WithContext(ctx).
		Model(&schedulingdomain.Token{}).
		Where("queue_id = ? AND category_id = ?", queue.ID, category.ID).
		Count(&count).Error
	if err != nil {
		return nil, fmt.Errorf("count queue tokens: %w", err)
	}

	token := &schedulingdomain.Token{
		ID:         s.genID.Generate(),
		FacilityID: queue.FacilityID,
		QueueID:    queue.ID,
		CategoryID: category.ID,
		Number:     int(count) + 1,
		Status:     schedulingdomain.TokenStatusCreated,
		BookingID:  booking.ID,
		PatientID:  booking.PatientID,
	}
	if err := tx.WithContext(ctx).Create(token).Error; err != nil {
		return nil, fmt.Errorf("create token: %w", err)
	}
	return token, nil
}

var Module = fx.Module("token.service",
	fx.Provide(NewService),
)
