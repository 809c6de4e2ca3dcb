package credits_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/reviewpulse/credit-engine/internal/models"
	"github.com/reviewpulse/credit-engine/internal/services/credits"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestService(t *testing.T) *credits.Service {
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

	svc := credits.NewService(db, nil)
	require.NoError(t, svc.AutoMigrate())
	return svc
}

func TestEnsureBalance_Idempotent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.EnsureBalance(ctx, "acct-1"))
	require.NoError(t, svc.EnsureBalance(ctx, "acct-1"))

	balance, err := svc.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.TotalCredits)
}

func TestGetBalance_MissingRowReadsAsZeros(t *testing.T) {
	svc := newTestService(t)

	balance, err := svc.GetBalance(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.IncludedCredits)
	assert.Equal(t, int64(0), balance.PurchasedCredits)
	assert.Equal(t, int64(0), balance.TotalCredits)
}

func TestCredit_RejectsInvalidInput(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	err := svc.Credit(ctx, "acct-1", 0, models.CreditParams{
		CreditType:     models.CreditTypeIncluded,
		IdempotencyKey: "k1",
	})
	assert.Error(t, err)

	err = svc.Credit(ctx, "acct-1", 10, models.CreditParams{
		CreditType: models.CreditTypeIncluded,
	})
	assert.Error(t, err)

	err = svc.Credit(ctx, "acct-1", 10, models.CreditParams{
		CreditType:     models.CreditType("bonus"),
		IdempotencyKey: "k1",
	})
	assert.Error(t, err)
}

// The grant/debit/replay scenario: credit 100 included, debit 30, replay the
// identical debit. The replay must succeed without a third ledger entry.
func TestCreditDebit_ScenarioWithReplay(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	err := svc.Credit(ctx, "acct-1", 100, models.CreditParams{
		CreditType:      models.CreditTypeIncluded,
		TransactionType: models.TransactionMonthlyGrant,
		IdempotencyKey:  "g1",
	})
	require.NoError(t, err)

	balance, err := svc.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance.IncludedCredits)
	assert.Equal(t, int64(0), balance.PurchasedCredits)

	err = svc.Debit(ctx, "acct-1", 30, models.DebitParams{
		FeatureType:    "review_match",
		IdempotencyKey: "d1",
	})
	require.NoError(t, err)

	balance, err = svc.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(70), balance.IncludedCredits)
	assert.Equal(t, int64(70), balance.TotalCredits)

	entries, err := svc.History(ctx, "acct-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Newest first.
	assert.Equal(t, int64(-30), entries[0].Amount)
	assert.Equal(t, int64(70), entries[0].BalanceAfter)
	assert.Equal(t, int64(100), entries[1].Amount)
	assert.Equal(t, int64(100), entries[1].BalanceAfter)

	// Replay of the identical debit is a no-op success.
	err = svc.Debit(ctx, "acct-1", 30, models.DebitParams{
		FeatureType:    "review_match",
		IdempotencyKey: "d1",
	})
	require.NoError(t, err)

	balance, err = svc.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(70), balance.TotalCredits)

	entries, err = svc.History(ctx, "acct-1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestCredit_ReplaySameKeyMutatesOnce(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	params := models.CreditParams{
		CreditType:      models.CreditTypePurchased,
		TransactionType: models.TransactionPurchase,
		IdempotencyKey:  "purchase-42",
	}
	require.NoError(t, svc.Credit(ctx, "acct-1", 50, params))
	require.NoError(t, svc.Credit(ctx, "acct-1", 50, params))

	balance, err := svc.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), balance.PurchasedCredits)

	entries, err := svc.History(ctx, "acct-1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDebit_InsufficientCreditsLeavesBalanceUnchanged(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Credit(ctx, "acct-1", 10, models.CreditParams{
		CreditType:      models.CreditTypePurchased,
		TransactionType: models.TransactionPurchase,
		IdempotencyKey:  "p1",
	}))

	err := svc.Debit(ctx, "acct-1", 25, models.DebitParams{
		FeatureType:    "rank_check",
		IdempotencyKey: "d1",
	})
	require.Error(t, err)

	ice, ok := models.AsInsufficientCredits(err)
	require.True(t, ok)
	assert.Equal(t, int64(25), ice.Required)
	assert.Equal(t, int64(10), ice.Available)

	balance, err := svc.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance.TotalCredits)

	entries, err := svc.History(ctx, "acct-1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDebit_UnknownAccountIsInsufficient(t *testing.T) {
	svc := newTestService(t)

	err := svc.Debit(context.Background(), "ghost", 1, models.DebitParams{
		FeatureType:    "rss_post",
		IdempotencyKey: "d1",
	})
	require.Error(t, err)

	ice, ok := models.AsInsufficientCredits(err)
	require.True(t, ok)
	assert.Equal(t, int64(0), ice.Available)
}

// Debits draw from the expiring included pool before touching purchased
// credits: 5 included + 10 purchased, minus 8, leaves 0 included and 7
// purchased.
func TestDebit_IncludedPoolDrainsFirst(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Credit(ctx, "acct-1", 5, models.CreditParams{
		CreditType:      models.CreditTypeIncluded,
		TransactionType: models.TransactionMonthlyGrant,
		IdempotencyKey:  "g1",
	}))
	require.NoError(t, svc.Credit(ctx, "acct-1", 10, models.CreditParams{
		CreditType:      models.CreditTypePurchased,
		TransactionType: models.TransactionPurchase,
		IdempotencyKey:  "p1",
	}))

	require.NoError(t, svc.Debit(ctx, "acct-1", 8, models.DebitParams{
		FeatureType:    "review_match",
		IdempotencyKey: "d1",
	}))

	balance, err := svc.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.IncludedCredits)
	assert.Equal(t, int64(7), balance.PurchasedCredits)
}

func TestRefundFeature_RestoresBalance(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Credit(ctx, "acct-1", 20, models.CreditParams{
		CreditType:      models.CreditTypePurchased,
		TransactionType: models.TransactionPurchase,
		IdempotencyKey:  "p1",
	}))

	require.NoError(t, svc.Debit(ctx, "acct-1", 3, models.DebitParams{
		FeatureType:    "rank_check",
		IdempotencyKey: "keyA",
	}))
	require.NoError(t, svc.RefundFeature(ctx, "acct-1", 3, "keyA", models.RefundParams{
		FeatureType: "rank_check",
	}))

	balance, err := svc.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), balance.TotalCredits)

	entries, err := svc.History(ctx, "acct-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, int64(3), entries[0].Amount)
	assert.Equal(t, models.TransactionRefund, entries[0].TransactionType)
	assert.Equal(t, int64(-3), entries[1].Amount)

	// The refund itself is replay-safe.
	require.NoError(t, svc.RefundFeature(ctx, "acct-1", 3, "keyA", models.RefundParams{
		FeatureType: "rank_check",
	}))
	balance, err = svc.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), balance.TotalCredits)
}

func TestExpireIncluded_ZeroesPoolOnce(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Credit(ctx, "acct-1", 40, models.CreditParams{
		CreditType:      models.CreditTypeIncluded,
		TransactionType: models.TransactionMonthlyGrant,
		IdempotencyKey:  "g1",
	}))
	require.NoError(t, svc.Credit(ctx, "acct-1", 15, models.CreditParams{
		CreditType:      models.CreditTypePurchased,
		TransactionType: models.TransactionPurchase,
		IdempotencyKey:  "p1",
	}))

	expired, err := svc.ExpireIncluded(ctx, "acct-1", models.ExpireParams{
		IdempotencyKey: "exp1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(40), expired)

	balance, err := svc.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.IncludedCredits)
	assert.Equal(t, int64(15), balance.PurchasedCredits)

	// Replay: no second expiration.
	expired, err = svc.ExpireIncluded(ctx, "acct-1", models.ExpireParams{
		IdempotencyKey: "exp1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), expired)

	balance, err = svc.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(15), balance.TotalCredits)
}

func TestExpireIncluded_EmptyPoolIsNoOp(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.EnsureBalance(ctx, "acct-1"))

	expired, err := svc.ExpireIncluded(ctx, "acct-1", models.ExpireParams{
		IdempotencyKey: "exp1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), expired)

	entries, err := svc.History(ctx, "acct-1", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// Conservation: the sum of all ledger amounts for an account always equals
// the current total balance.
func TestLedger_ConservesBalance(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Credit(ctx, "acct-1", 100, models.CreditParams{
		CreditType:      models.CreditTypeIncluded,
		TransactionType: models.TransactionMonthlyGrant,
		IdempotencyKey:  "g1",
	}))
	require.NoError(t, svc.Credit(ctx, "acct-1", 25, models.CreditParams{
		CreditType:      models.CreditTypePurchased,
		TransactionType: models.TransactionPurchase,
		IdempotencyKey:  "p1",
	}))
	require.NoError(t, svc.Debit(ctx, "acct-1", 110, models.DebitParams{
		FeatureType:    "rank_check",
		IdempotencyKey: "d1",
	}))
	require.NoError(t, svc.RefundFeature(ctx, "acct-1", 2, "d1", models.RefundParams{
		FeatureType: "rank_check",
	}))
	_, err := svc.ExpireIncluded(ctx, "acct-1", models.ExpireParams{
		IdempotencyKey: "exp1",
	})
	require.NoError(t, err)

	entries, err := svc.History(ctx, "acct-1", 0, 0)
	require.NoError(t, err)

	var sum int64
	for _, entry := range entries {
		sum += entry.Amount
	}

	balance, err := svc.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, balance.TotalCredits, sum)
	assert.GreaterOrEqual(t, balance.IncludedCredits, int64(0))
	assert.GreaterOrEqual(t, balance.PurchasedCredits, int64(0))
}

func TestTierCredits_DefaultsAndOverrides(t *testing.T) {
	svc := newTestService(t)
	assert.Equal(t, int64(0), svc.TierCredits(models.PlanFree))
	assert.Equal(t, int64(100), svc.TierCredits(models.PlanGrower))
	assert.Equal(t, int64(200), svc.TierCredits(models.PlanBuilder))
	assert.Equal(t, int64(400), svc.TierCredits(models.PlanMaven))
	assert.Equal(t, int64(0), svc.TierCredits(models.Plan("enterprise")))
}
