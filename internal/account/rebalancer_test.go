package account

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/careops/carebilling/internal/clock"
	"github.com/careops/carebilling/internal/config"
	ledgerdomain "github.com/careops/carebilling/internal/ledger/domain"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type rebalancerEnv struct {
	db    *gorm.DB
	node  *snowflake.Node
	clock *clock.FakeClock
	rebal *Rebalancer
}

func newRebalancerEnv(t *testing.T) *rebalancerEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&ledgerdomain.Account{}, &ledgerdomain.Invoice{}, &ledgerdomain.PaymentReconciliation{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC))

	rebal := New(Params{
		DB:         db,
		Log:        zaptest.NewLogger(t),
		Clock:      fake,
		BillingCfg: config.NewStaticBillingConfigHolder(config.DefaultBillingConfig()),
	})

	return &rebalancerEnv{db: db, node: node, clock: fake, rebal: rebal}
}

func (env *rebalancerEnv) seedAccount(t *testing.T) snowflake.ID {
	t.Helper()
	id := env.node.Generate()
	require.NoError(t, env.db.Create(&ledgerdomain.Account{
		ID: id, FacilityID: env.node.Generate(), PatientID: env.node.Generate(),
	}).Error)
	return id
}

func (env *rebalancerEnv) seedPayment(t *testing.T, accountID snowflake.ID, amount int64, creditNote bool, outcome ledgerdomain.PaymentOutcome) {
	t.Helper()
	require.NoError(t, env.db.Create(&ledgerdomain.PaymentReconciliation{
		ID: env.node.Generate(), FacilityID: 1, AccountID: accountID,
		Amount: amount, IsCreditNote: creditNote,
		IssuerType: ledgerdomain.PaymentIssuerPatient,
		Kind:       ledgerdomain.PaymentKindPayment,
		Method:     ledgerdomain.PaymentMethodCash,
		Outcome:    outcome, ReconciliationType: ledgerdomain.ReconciliationTypePayment,
		Status:          ledgerdomain.PaymentStatusActive,
		PaymentDatetime: env.clock.Now(),
	}).Error)
}

func (env *rebalancerEnv) seedInvoice(t *testing.T, accountID snowflake.ID, gross int64, status ledgerdomain.InvoiceStatus) {
	t.Helper()
	require.NoError(t, env.db.Create(&ledgerdomain.Invoice{
		ID: env.node.Generate(), FacilityID: 1, AccountID: accountID, PatientID: 1,
		Number: env.node.Generate().String(), Status: status, TotalGross: gross, TotalNet: gross,
	}).Error)
}

func TestRebalanceNowComputesNetPosition(t *testing.T) {
	env := newRebalancerEnv(t)
	accountID := env.seedAccount(t)

	env.seedPayment(t, accountID, 500, false, ledgerdomain.PaymentOutcomeComplete)
	env.seedPayment(t, accountID, 200, false, ledgerdomain.PaymentOutcomeComplete)
	env.seedPayment(t, accountID, 100, true, ledgerdomain.PaymentOutcomeComplete)
	// Pending payments do not count.
	env.seedPayment(t, accountID, 999, false, ledgerdomain.PaymentOutcomePending)

	env.seedInvoice(t, accountID, 500, ledgerdomain.InvoiceStatusBalanced)
	env.seedInvoice(t, accountID, 150, ledgerdomain.InvoiceStatusIssued)
	// Draft invoices are not yet owed.
	env.seedInvoice(t, accountID, 700, ledgerdomain.InvoiceStatusDraft)

	require.NoError(t, env.rebal.RebalanceNow(context.Background(), accountID))

	var acct ledgerdomain.Account
	require.NoError(t, env.db.First(&acct, "id = ?", accountID).Error)
	// (500 + 200 - 100) - (500 + 150)
	assert.Equal(t, int64(-50), acct.Balance)
	require.NotNil(t, acct.RebalancedAt)
	assert.WithinDuration(t, env.clock.Now(), acct.RebalancedAt.UTC(), time.Second)
}

func TestRebalanceNowEmptyLedger(t *testing.T) {
	env := newRebalancerEnv(t)
	accountID := env.seedAccount(t)

	require.NoError(t, env.rebal.RebalanceNow(context.Background(), accountID))

	var acct ledgerdomain.Account
	require.NoError(t, env.db.First(&acct, "id = ?", accountID).Error)
	assert.Equal(t, int64(0), acct.Balance)
}

func TestRebalancerWorkerProcessesEnqueues(t *testing.T) {
	env := newRebalancerEnv(t)
	accountID := env.seedAccount(t)
	env.seedPayment(t, accountID, 300, false, ledgerdomain.PaymentOutcomeComplete)

	env.rebal.Start()
	defer env.rebal.Stop()

	// Duplicate enqueues coalesce while the first is still pending.
	for i := 0; i < 10; i++ {
		env.rebal.Enqueue(accountID)
	}

	require.Eventually(t, func() bool {
		var acct ledgerdomain.Account
		if err := env.db.First(&acct, "id = ?", accountID).Error; err != nil {
			return false
		}
		return acct.Balance == 300 && acct.RebalancedAt != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRebalancerIsIdempotent(t *testing.T) {
	env := newRebalancerEnv(t)
	accountID := env.seedAccount(t)
	env.seedPayment(t, accountID, 120, false, ledgerdomain.PaymentOutcomeComplete)

	for i := 0; i < 3; i++ {
		require.NoError(t, env.rebal.RebalanceNow(context.Background(), accountID))
	}

	var acct ledgerdomain.Account
	require.NoError(t, env.db.First(&acct, "id = ?", accountID).Error)
	assert.Equal(t, int64(120), acct.Balance)
}
