// Package domain contains the scheduling models the billing and token
// handlers react to. Slot availability itself is managed elsewhere; these
// rows arrive already written by the host scheduling layer.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// ResourceType classifies what a schedule is attached to.
type ResourceType string

const (
	ResourceTypePractitioner      ResourceType = "practitioner"
	ResourceTypeHealthcareService ResourceType = "healthcare_service"
	ResourceTypeLocation          ResourceType = "location"
)

// Resource is a schedulable entity at a facility.
type Resource struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	FacilityID   snowflake.ID `gorm:"not null;index"`
	ResourceType ResourceType `gorm:"type:text;not null"`
	Name         string       `gorm:"type:text"`
	CreatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Resource) TableName() string { return "schedule_resources" }

// Schedule carries the billing knobs attached to a resource's calendar:
// the revisit window and the optional revisit charge item template.
type Schedule struct {
	ID                  snowflake.ID  `gorm:"primaryKey"`
	ResourceID          snowflake.ID  `gorm:"not null;index"`
	RevisitAllowedDays  int           `gorm:"not null;default:0"`
	RevisitDefinitionID *snowflake.ID `gorm:"index"`
	CreatedAt           time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Schedule) TableName() string { return "schedules" }

// Slot is one bookable window on a schedule.
type Slot struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	ScheduleID snowflake.ID `gorm:"not null;index"`
	ResourceID snowflake.ID `gorm:"not null;index"`
	StartAt    time.Time    `gorm:"not null;index"`
	EndAt      time.Time    `gorm:"not null"`
	CreatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Slot) TableName() string { return "slots" }

// BookingStatus tracks the appointment lifecycle. Billing only cares
// whether a booking is cancelled.
type BookingStatus string

const (
	BookingStatusBooked    BookingStatus = "booked"
	BookingStatusFulfilled BookingStatus = "fulfilled"
	BookingStatusCancelled BookingStatus = "cancelled"
	BookingStatusNoShow    BookingStatus = "noshow"
)

// CancelledStatuses are excluded from re-billing lookups.
var CancelledStatuses = []BookingStatus{BookingStatusCancelled, BookingStatusNoShow}

// Booking is an appointment against a slot. Its charge-item and token
// references are written by the billing and token handlers.
type Booking struct {
	ID           snowflake.ID  `gorm:"primaryKey"`
	PatientID    snowflake.ID  `gorm:"not null;index"`
	SlotID       snowflake.ID  `gorm:"not null;index"`
	Status       BookingStatus `gorm:"type:text;not null;default:'booked'"`
	ChargeItemID *snowflake.ID `gorm:"index"`
	TokenID      *snowflake.ID `gorm:"index"`
	CreatedAt    time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Booking) TableName() string { return "bookings" }

// TokenCategory scopes token numbering per resource type at a facility.
// The default category, when configured, drives automatic assignment.
type TokenCategory struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	FacilityID   snowflake.ID `gorm:"not null;index"`
	ResourceType ResourceType `gorm:"type:text;not null"`
	Name         string       `gorm:"type:text;not null"`
	Default      bool         `gorm:"column:is_default;not null;default:false"`
	CreatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (TokenCategory) TableName() string { return "token_categories" }

// TokenQueue scopes numbering to (facility, resource, date). At most one
// queue per scope is primary.
type TokenQueue struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	FacilityID      snowflake.ID `gorm:"not null;index:idx_token_queues_scope"`
	ResourceID      snowflake.ID `gorm:"not null;index:idx_token_queues_scope"`
	Date            time.Time    `gorm:"type:date;not null;index:idx_token_queues_scope"`
	Name            string       `gorm:"type:text;not null"`
	SystemGenerated bool         `gorm:"not null;default:false"`
	Primary         bool         `gorm:"column:is_primary;not null;default:false"`
	CreatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (TokenQueue) TableName() string { return "token_queues" }

type TokenStatus string

const (
	TokenStatusCreated TokenStatus = "created"
	TokenStatusCalled  TokenStatus = "called"
	TokenStatusServed  TokenStatus = "served"
)

// Token holds a number unique within (queue, category), assigned
// sequentially from 1 and never renumbered.
type Token struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	FacilityID snowflake.ID `gorm:"not null;index"`
	QueueID    snowflake.ID `gorm:"not null;uniqueIndex:idx_tokens_queue_category_number"`
	CategoryID snowflake.ID `gorm:"not null;uniqueIndex:idx_tokens_queue_category_number"`
	Number     int          `gorm:"not null;uniqueIndex:idx_tokens_queue_category_number"`
	Status     TokenStatus  `gorm:"type:text;not null;default:'created'"`
	Note       string       `gorm:"type:text"`
	BookingID  snowflake.ID `gorm:"not null;uniqueIndex"`
	PatientID  snowflake.ID `gorm:"not null;index"`
	CreatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Token) TableName() string { return "tokens" }
