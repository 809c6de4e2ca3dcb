package cycle_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/reviewpulse/credit-engine/internal/models"
	"github.com/reviewpulse/credit-engine/internal/services/accounts"
	"github.com/reviewpulse/credit-engine/internal/services/credits"
	"github.com/reviewpulse/credit-engine/internal/services/cycle"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type cycleFixture struct {
	db       *gorm.DB
	credits  *credits.Service
	accounts *accounts.Service
	ctrl     *cycle.Controller
}

func newCycleFixture(t *testing.T) *cycleFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	creditsService := credits.NewService(db, nil)
	require.NoError(t, creditsService.AutoMigrate())
	accountsService := accounts.NewService(db)
	require.NoError(t, accountsService.AutoMigrate())

	return &cycleFixture{
		db:       db,
		credits:  creditsService,
		accounts: accountsService,
		ctrl:     cycle.NewController(creditsService, accountsService, cycle.NewRunLock(nil, 0), 1),
	}
}

func (f *cycleFixture) seedAccount(t *testing.T, id string, plan models.Plan, active bool) {
	t.Helper()
	require.NoError(t, f.accounts.Upsert(context.Background(), &models.Account{
		ID:     id,
		Name:   "Account " + id,
		Plan:   plan,
		Active: active,
	}))
}

func TestRun_SkipsMidMonth(t *testing.T) {
	f := newCycleFixture(t)
	f.seedAccount(t, "acct-1", models.PlanGrower, true)

	report, err := f.ctrl.Run(context.Background(), time.Date(2025, 9, 15, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.False(t, report.Ran)
	assert.NotEmpty(t, report.SkipReason)
	assert.Empty(t, report.Results)

	balance, err := f.credits.GetBalance(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.TotalCredits)
}

func TestRun_GrantsOnLastDay(t *testing.T) {
	f := newCycleFixture(t)
	ctx := context.Background()

	f.seedAccount(t, "acct-grower", models.PlanGrower, true)
	f.seedAccount(t, "acct-maven", models.PlanMaven, true)
	f.seedAccount(t, "acct-free", models.PlanFree, true)
	f.seedAccount(t, "acct-churned", models.PlanBuilder, false)

	// Leftover included credits from the previous cycle plus a purchased
	// pack that must survive the boundary.
	require.NoError(t, f.credits.Credit(ctx, "acct-grower", 35, models.CreditParams{
		CreditType:      models.CreditTypeIncluded,
		TransactionType: models.TransactionMonthlyGrant,
		IdempotencyKey:  "seed-included",
	}))
	require.NoError(t, f.credits.Credit(ctx, "acct-grower", 50, models.CreditParams{
		CreditType:      models.CreditTypePurchased,
		TransactionType: models.TransactionPurchase,
		IdempotencyKey:  "seed-purchased",
	}))

	now := time.Date(2025, 9, 30, 23, 0, 0, 0, time.UTC)
	report, err := f.ctrl.Run(ctx, now)
	require.NoError(t, err)

	assert.True(t, report.Ran)
	assert.Equal(t, "2025-10", report.MonthKey)
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 0, report.Skipped)
	assert.Equal(t, 0, report.Errored)
	// Free and inactive accounts never enter the batch.
	assert.Len(t, report.Results, 2)

	balance, err := f.credits.GetBalance(ctx, "acct-grower")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance.IncludedCredits)
	assert.Equal(t, int64(50), balance.PurchasedCredits)

	balance, err = f.credits.GetBalance(ctx, "acct-maven")
	require.NoError(t, err)
	assert.Equal(t, int64(400), balance.IncludedCredits)

	balance, err = f.credits.GetBalance(ctx, "acct-free")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.TotalCredits)

	// The grower's ledger shows the expire of the 35 leftovers followed by
	// the new grant.
	entries, err := f.credits.History(ctx, "acct-grower", 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, models.TransactionMonthlyGrant, entries[0].TransactionType)
	assert.Equal(t, int64(100), entries[0].Amount)
	assert.Equal(t, models.TransactionMonthlyExpire, entries[1].TransactionType)
	assert.Equal(t, int64(-35), entries[1].Amount)
}

func TestRun_SecondRunSameDayIsNoOp(t *testing.T) {
	f := newCycleFixture(t)
	ctx := context.Background()

	f.seedAccount(t, "acct-1", models.PlanBuilder, true)

	now := time.Date(2025, 11, 30, 6, 0, 0, 0, time.UTC)
	report, err := f.ctrl.Run(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 1, report.Processed)

	report, err = f.ctrl.Run(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.True(t, report.Ran)
	assert.Equal(t, 0, report.Processed)
	assert.Equal(t, 1, report.Skipped)

	balance, err := f.credits.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), balance.IncludedCredits)

	entries, err := f.credits.History(ctx, "acct-1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRun_StampsGrantAndExpiryTimestamps(t *testing.T) {
	f := newCycleFixture(t)
	ctx := context.Background()

	f.seedAccount(t, "acct-1", models.PlanGrower, true)

	now := time.Date(2026, 1, 31, 12, 0, 0, 0, time.UTC)
	report, err := f.ctrl.Run(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 1, report.Processed)
	assert.Equal(t, "2026-02", report.MonthKey)

	result := report.Results[0]
	assert.Equal(t, "granted", result.Status)
	assert.Equal(t, int64(100), result.Granted)

	var row models.CreditBalance
	require.NoError(t, f.db.Where("account_id = ?", "acct-1").First(&row).Error)
	require.NotNil(t, row.LastMonthlyGrantAt)
	assert.True(t, row.LastMonthlyGrantAt.Equal(now))

	// February 2026 ends on the 28th; the grant lapses at its last instant.
	wantExpiry := time.Date(2026, 2, 28, 23, 59, 59, 0, time.UTC)
	require.NotNil(t, row.IncludedCreditsExpireAt)
	assert.True(t, row.IncludedCreditsExpireAt.Equal(wantExpiry))
}
