package server

import (
	"errors"
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/careops/carebilling/internal/billing"
	"github.com/careops/carebilling/internal/locks"
	schedulingdomain "github.com/careops/carebilling/internal/scheduling/domain"
	"github.com/careops/carebilling/pkg/db"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// ErrBookingBilled rejects attaching a charge item to a booking that
// already carries one.
var ErrBookingBilled = errors.New("booking_already_billed")

type createBookingRequest struct {
	PatientID              string `json:"patient_id" binding:"required"`
	SlotID                 string `json:"slot_id" binding:"required"`
	ChargeItemDefinitionID string `json:"charge_item_definition_id"`
}

type attachChargeItemRequest struct {
	ChargeItemDefinitionID string `json:"charge_item_definition_id" binding:"required"`
}

func (s *Server) CreateBooking(c *gin.Context) {
	var req createBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request"))
		return
	}
	patientID, err := snowflake.ParseString(req.PatientID)
	if err != nil {
		AbortWithError(c, newValidationError("patient_id", "invalid_id", "invalid id"))
		return
	}
	slotID, err := snowflake.ParseString(req.SlotID)
	if err != nil {
		AbortWithError(c, newValidationError("slot_id", "invalid_id", "invalid id"))
		return
	}
	var definitionID *snowflake.ID
	if req.ChargeItemDefinitionID != "" {
		id, err := snowflake.ParseString(req.ChargeItemDefinitionID)
		if err != nil {
			AbortWithError(c, newValidationError("charge_item_definition_id", "invalid_id", "invalid id"))
			return
		}
		definitionID = &id
	}

	ctx := c.Request.Context()
	booking := &schedulingdomain.Booking{
		ID:        s.genID.Generate(),
		PatientID: patientID,
		SlotID:    slotID,
		Status:    schedulingdomain.BookingStatusBooked,
	}

	// Billing locks stay held until after the transaction commits.
	scope := locks.NewScope()
	defer scope.ReleaseAll(ctx)
	ctx = locks.WithScope(ctx, scope)
	ctx, hooks := db.WithAfterCommitHooks(ctx)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var slot schedulingdomain.Slot
		if err := tx.Where("id = ?", slotID).First(&slot).Error; err != nil {
			return err
		}
		var resource schedulingdomain.Resource
		if err := tx.Where("id = ?", slot.ResourceID).First(&resource).Error; err != nil {
			return err
		}

		if err := tx.Create(booking).Error; err != nil {
			return err
		}

		if definitionID != nil {
			item, err := s.applier.Apply(ctx, tx, *definitionID, patientID, resource.FacilityID, 1)
			if err != nil {
				return err
			}
			booking.ChargeItemID = &item.ID
			if err := tx.Model(&schedulingdomain.Booking{}).Where("id = ?", booking.ID).
				Update("charge_item_id", item.ID).Error; err != nil {
				return err
			}
		}

		if err := s.billingSvc.OnBookingCreated(ctx, tx, booking); err != nil {
			return err
		}
		if _, err := s.tokenSvc.AssignToken(ctx, tx, booking); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	hooks.Run()

	c.JSON(http.StatusCreated, gin.H{"data": s.bookingView(c, booking)})
}

func (s *Server) GetBookingByID(c *gin.Context) {
	id, err := parseID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var booking schedulingdomain.Booking
	if err := s.db.WithContext(c.Request.Context()).Where("id = ?", id).First(&booking).Error; err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": s.bookingView(c, &booking)})
}

// AttachChargeItem links a charge item created from the given definition to
// a booking made without one, then re-runs the billing procedure.
func (s *Server) AttachChargeItem(c *gin.Context) {
	id, err := parseID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var req attachChargeItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request"))
		return
	}
	definitionID, err := snowflake.ParseString(req.ChargeItemDefinitionID)
	if err != nil {
		AbortWithError(c, newValidationError("charge_item_definition_id", "invalid_id", "invalid id"))
		return
	}

	ctx := c.Request.Context()
	var booking schedulingdomain.Booking

	scope := locks.NewScope()
	defer scope.ReleaseAll(ctx)
	ctx = locks.WithScope(ctx, scope)
	ctx, hooks := db.WithAfterCommitHooks(ctx)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).First(&booking).Error; err != nil {
			return err
		}
		if booking.ChargeItemID != nil {
			return ErrBookingBilled
		}

		var slot schedulingdomain.Slot
		if err := tx.Where("id = ?", booking.SlotID).First(&slot).Error; err != nil {
			return err
		}
		var resource schedulingdomain.Resource
		if err := tx.Where("id = ?", slot.ResourceID).First(&resource).Error; err != nil {
			return err
		}

		item, err := s.applier.Apply(ctx, tx, definitionID, booking.PatientID, resource.FacilityID, 1)
		if err != nil {
			return err
		}
		booking.ChargeItemID = &item.ID
		if err := tx.Model(&schedulingdomain.Booking{}).Where("id = ?", booking.ID).
			Update("charge_item_id", item.ID).Error; err != nil {
			return err
		}

		return s.billingSvc.OnBookingUpdated(ctx, tx, &booking, []string{billing.ChargeItemField})
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	hooks.Run()

	c.JSON(http.StatusOK, gin.H{"data": s.bookingView(c, &booking)})
}

type bookingView struct {
	ID           string  `json:"id"`
	PatientID    string  `json:"patient_id"`
	SlotID       string  `json:"slot_id"`
	Status       string  `json:"status"`
	ChargeItemID *string `json:"charge_item_id,omitempty"`

	Token *tokenView `json:"token,omitempty"`
}

type tokenView struct {
	ID     string `json:"id"`
	Number int    `json:"number"`
	Queue  string `json:"queue"`
}

func (s *Server) bookingView(c *gin.Context, booking *schedulingdomain.Booking) bookingView {
	view := bookingView{
		ID:        booking.ID.String(),
		PatientID: booking.PatientID.String(),
		SlotID:    booking.SlotID.String(),
		Status:    string(booking.Status),
	}
	if booking.ChargeItemID != nil {
		id := booking.ChargeItemID.String()
		view.ChargeItemID = &id
	}
	if booking.TokenID != nil {
		var tok schedulingdomain.Token
		err := s.db.WithContext(c.Request.Context()).Where("id = ?", *booking.TokenID).First(&tok).Error
		if err == nil {
			var queue schedulingdomain.TokenQueue
			_ = s.db.WithContext(c.Request.Context()).Where("id = ?", tok.QueueID).First(&queue).Error
			view.Token = &tokenView{
				ID:     tok.ID.String(),
				Number: tok.Number,
				Queue:  queue.Name,
			}
		}
	}
	return view
}
