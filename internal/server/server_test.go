package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/careops/carebilling/internal/account"
	"github.com/careops/carebilling/internal/billing"
	chargeitemdomain "github.com/careops/carebilling/internal/chargeitem/domain"
	chargeitemservice "github.com/careops/carebilling/internal/chargeitem/service"
	"github.com/careops/carebilling/internal/clock"
	"github.com/careops/carebilling/internal/config"
	"github.com/careops/carebilling/internal/invoice"
	ledgerdomain "github.com/careops/carebilling/internal/ledger/domain"
	ledgerrepository "github.com/careops/carebilling/internal/ledger/repository"
	"github.com/careops/carebilling/internal/locks"
	"github.com/careops/carebilling/internal/migration"
	"github.com/careops/carebilling/internal/providers/pdf"
	schedulingdomain "github.com/careops/carebilling/internal/scheduling/domain"
	"github.com/careops/carebilling/internal/token"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type serverEnv struct {
	srv  *Server
	db   *gorm.DB
	node *snowflake.Node

	facilityID   snowflake.ID
	accountID    snowflake.ID
	patientID    snowflake.ID
	definitionID snowflake.ID
	slotID       snowflake.ID
}

func newServerEnv(t *testing.T) *serverEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, migration.AutoMigrate(db))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	log := zaptest.NewLogger(t)
	fake := clock.NewFakeClock(time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC))
	holder := config.NewStaticBillingConfigHolder(config.DefaultBillingConfig())
	locker := locks.NewMemoryLocker(holder)
	repo := ledgerrepository.Provide()
	applier := chargeitemservice.NewService(chargeitemservice.Params{Log: log, GenID: node})
	rebal := account.New(account.Params{DB: db, Log: log, Clock: fake, BillingCfg: holder})

	billingSvc := billing.NewService(billing.Params{
		Log:        log,
		Clock:      fake,
		GenID:      node,
		Repo:       repo,
		Locks:      locker,
		Numbers:    invoice.NewNumberGenerator(holder),
		Totals:     invoice.NewSynchronizer(),
		Applier:    applier,
		Rebalancer: rebal,
	})
	tokenSvc := token.NewService(token.Params{
		Log: log, Clock: fake, GenID: node, Locks: locker, BillingCfg: holder,
	})

	srv := NewServer(ServerParams{
		Gin:        NewEngine(),
		Cfg:        config.Config{Environment: "test"},
		DB:         db,
		GenID:      node,
		BillingSvc: billingSvc,
		TokenSvc:   tokenSvc,
		Applier:    applier,
		Repo:       repo,
		Rebalancer: rebal,
		PDF:        &pdf.MarotoProvider{},
		Log:        log,
	})

	env := &serverEnv{
		srv:          srv,
		db:           db,
		node:         node,
		facilityID:   node.Generate(),
		accountID:    node.Generate(),
		patientID:    node.Generate(),
		definitionID: node.Generate(),
	}

	require.NoError(t, db.Create(&ledgerdomain.Account{
		ID: env.accountID, FacilityID: env.facilityID, PatientID: env.patientID, Name: "Asha Rao",
	}).Error)
	require.NoError(t, db.Create(&chargeitemdomain.ChargeItemDefinition{
		ID: env.definitionID, FacilityID: env.facilityID, Title: "OP Consultation", BasePrice: 500,
	}).Error)

	resourceID := node.Generate()
	scheduleID := node.Generate()
	env.slotID = node.Generate()
	require.NoError(t, db.Create(&schedulingdomain.Resource{
		ID: resourceID, FacilityID: env.facilityID,
		ResourceType: schedulingdomain.ResourceTypeHealthcareService, Name: "General OPD",
	}).Error)
	require.NoError(t, db.Create(&schedulingdomain.Schedule{
		ID: scheduleID, ResourceID: resourceID,
	}).Error)
	require.NoError(t, db.Create(&schedulingdomain.TokenCategory{
		ID: node.Generate(), FacilityID: env.facilityID,
		ResourceType: schedulingdomain.ResourceTypeHealthcareService,
		Name:         "General", Default: true,
	}).Error)
	start := time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC)
	require.NoError(t, db.Create(&schedulingdomain.Slot{
		ID: env.slotID, ScheduleID: scheduleID, ResourceID: resourceID,
		StartAt: start, EndAt: start.Add(30 * time.Minute),
	}).Error)

	return env
}

func (env *serverEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.srv.Engine().ServeHTTP(rec, req)
	return rec
}

func TestCreateBookingEndToEnd(t *testing.T) {
	env := newServerEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/bookings", gin.H{
		"patient_id":                env.patientID.String(),
		"slot_id":                   env.slotID.String(),
		"charge_item_definition_id": env.definitionID.String(),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Data bookingView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "booked", resp.Data.Status)
	require.NotNil(t, resp.Data.ChargeItemID)
	require.NotNil(t, resp.Data.Token)
	assert.Equal(t, 1, resp.Data.Token.Number)

	var inv ledgerdomain.Invoice
	require.NoError(t, env.db.First(&inv).Error)
	assert.Equal(t, ledgerdomain.InvoiceStatusBalanced, inv.Status)
	assert.Equal(t, int64(500), inv.TotalGross)
}

func TestCreateBookingValidation(t *testing.T) {
	env := newServerEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/bookings", gin.H{"patient_id": env.patientID.String()})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/bookings", gin.H{
		"patient_id": "not-a-number",
		"slot_id":    env.slotID.String(),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAttachChargeItemTriggersBilling(t *testing.T) {
	env := newServerEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/bookings", gin.H{
		"patient_id": env.patientID.String(),
		"slot_id":    env.slotID.String(),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		Data bookingView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Nil(t, created.Data.ChargeItemID)

	rec = env.do(t, http.MethodPatch, "/v1/bookings/"+created.Data.ID+"/charge-item", gin.H{
		"charge_item_definition_id": env.definitionID.String(),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var inv ledgerdomain.Invoice
	require.NoError(t, env.db.First(&inv).Error)
	assert.Equal(t, ledgerdomain.InvoiceStatusBalanced, inv.Status)

	// A second attach is rejected.
	rec = env.do(t, http.MethodPatch, "/v1/bookings/"+created.Data.ID+"/charge-item", gin.H{
		"charge_item_definition_id": env.definitionID.String(),
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRecordPaymentBalancesInvoice(t *testing.T) {
	env := newServerEnv(t)

	item := &ledgerdomain.ChargeItem{
		ID: env.node.Generate(), FacilityID: env.facilityID, AccountID: env.accountID,
		PatientID: env.patientID, Status: ledgerdomain.ChargeItemStatusBilled,
		Title: "OP Consultation", Quantity: 1, TotalPrice: 500,
	}
	require.NoError(t, env.db.Create(item).Error)
	now := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)
	inv := &ledgerdomain.Invoice{
		ID: env.node.Generate(), FacilityID: env.facilityID, AccountID: env.accountID,
		PatientID: env.patientID, Number: "INV-1-000001",
		Status:        ledgerdomain.InvoiceStatusIssued,
		ChargeItemIDs: []int64{int64(item.ID)},
		IssueDate:     &now, TotalNet: 500, TotalGross: 500,
	}
	require.NoError(t, env.db.Create(inv).Error)

	rec := env.do(t, http.MethodPost, "/v1/payments", gin.H{
		"account_id":        env.accountID.String(),
		"amount":            500,
		"target_invoice_id": inv.ID.String(),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var got ledgerdomain.Invoice
	require.NoError(t, env.db.First(&got, "id = ?", inv.ID).Error)
	assert.Equal(t, ledgerdomain.InvoiceStatusBalanced, got.Status)

	// Receipt renders only after balancing.
	rec = env.do(t, http.MethodGet, "/v1/invoices/"+inv.ID.String()+"/receipt.pdf", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.NotZero(t, rec.Body.Len())
}

func TestRecordPaymentValidation(t *testing.T) {
	env := newServerEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/payments", gin.H{
		"account_id": env.accountID.String(),
		"amount":     -10,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/payments", gin.H{
		"account_id": env.node.Generate().String(),
		"amount":     100,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReceiptRequiresBalancedInvoice(t *testing.T) {
	env := newServerEnv(t)

	inv := &ledgerdomain.Invoice{
		ID: env.node.Generate(), FacilityID: env.facilityID, AccountID: env.accountID,
		PatientID: env.patientID, Number: "INV-1-000009",
		Status: ledgerdomain.InvoiceStatusIssued, TotalGross: 500,
	}
	require.NoError(t, env.db.Create(inv).Error)

	rec := env.do(t, http.MethodGet, "/v1/invoices/"+inv.ID.String()+"/receipt.pdf", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRebalanceAccountEndpoint(t *testing.T) {
	env := newServerEnv(t)

	require.NoError(t, env.db.Create(&ledgerdomain.PaymentReconciliation{
		ID: env.node.Generate(), FacilityID: env.facilityID, AccountID: env.accountID,
		Amount: 250, IssuerType: ledgerdomain.PaymentIssuerPatient,
		Kind: ledgerdomain.PaymentKindPayment, Method: ledgerdomain.PaymentMethodCash,
		Outcome: ledgerdomain.PaymentOutcomeComplete, ReconciliationType: ledgerdomain.ReconciliationTypePayment,
		Status: ledgerdomain.PaymentStatusActive, PaymentDatetime: time.Now().UTC(),
	}).Error)

	rec := env.do(t, http.MethodPost, "/v1/accounts/"+env.accountID.String()+"/rebalance", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Data ledgerdomain.Account `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(250), resp.Data.Balance)
}
