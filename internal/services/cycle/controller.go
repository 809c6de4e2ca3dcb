package cycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/reviewpulse/credit-engine/internal/models"
	"github.com/reviewpulse/credit-engine/internal/services/accounts"
	"github.com/reviewpulse/credit-engine/internal/services/credits"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"golang.org/x/sync/errgroup"
)

const defaultConcurrency = 4

// Controller runs the monthly grant/expire cycle. It only acts on the last
// UTC calendar day of the month; every ledger key it writes is namespaced by
// the upcoming month, so re-running the job on the same day is a safe no-op.
type Controller struct {
	credits     *credits.Service
	accounts    *accounts.Service
	lock        *RunLock
	concurrency int
}

func NewController(creditsService *credits.Service, accountsService *accounts.Service, lock *RunLock, concurrency int) *Controller {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Controller{
		credits:     creditsService,
		accounts:    accountsService,
		lock:        lock,
		concurrency: concurrency,
	}
}

// AccountResult is the per-account outcome of one cycle run.
type AccountResult struct {
	AccountID string      `json:"account_id"`
	Plan      models.Plan `json:"plan"`
	Status    string      `json:"status"` // granted | skipped | error
	Reason    string      `json:"reason,omitempty"`
	Expired   int64       `json:"expired,omitempty"`
	Granted   int64       `json:"granted,omitempty"`
}

// Report aggregates a cycle run for observability. Per-account errors are
// recorded here and never abort the batch.
type Report struct {
	Ran        bool            `json:"ran"`
	SkipReason string          `json:"skip_reason,omitempty"`
	MonthKey   string          `json:"month_key,omitempty"`
	Processed  int             `json:"processed"`
	Skipped    int             `json:"skipped"`
	Errored    int             `json:"errored"`
	Results    []AccountResult `json:"results,omitempty"`
}

// Run executes one cycle pass for the given wall-clock time. Callers pass
// time.Now().UTC(); tests pass fixed dates.
func (c *Controller) Run(ctx context.Context, now time.Time) (*Report, error) {
	now = now.UTC()

	if !isLastDayOfMonth(now) {
		return &Report{SkipReason: fmt.Sprintf("not the last day of the month (%s)", now.Format("2006-01-02"))}, nil
	}

	monthKey := upcomingMonthKey(now)

	acquired, err := c.lock.Acquire(ctx, monthKey)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire cycle lock: %w", err)
	}
	if !acquired {
		return &Report{
			MonthKey:   monthKey,
			SkipReason: "another instance holds the cycle lock",
		}, nil
	}
	defer c.lock.Release(ctx, monthKey)

	eligible, err := c.accounts.ListEligible(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list eligible accounts: %w", err)
	}

	fiberlog.Infof("monthly cycle %s starting: %d eligible accounts", monthKey, len(eligible))

	report := &Report{Ran: true, MonthKey: monthKey}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	for _, account := range eligible {
		g.Go(func() error {
			result := c.processAccount(gctx, account, monthKey, now)
			mu.Lock()
			report.Results = append(report.Results, result)
			switch result.Status {
			case "granted":
				report.Processed++
			case "skipped":
				report.Skipped++
			default:
				report.Errored++
			}
			mu.Unlock()
			return nil
		})
	}
	// Worker funcs never return errors; failures are isolated per account.
	_ = g.Wait()

	fiberlog.Infof("monthly cycle %s finished: processed=%d skipped=%d errored=%d",
		monthKey, report.Processed, report.Skipped, report.Errored)

	return report, nil
}

// processAccount runs the expire-then-grant sequence for a single account.
// Each step is idempotency-keyed, so a crash between steps is repaired by the
// next run.
func (c *Controller) processAccount(ctx context.Context, account models.Account, monthKey string, now time.Time) AccountResult {
	result := AccountResult{AccountID: account.ID, Plan: account.Plan}

	grantKey := fmt.Sprintf("monthly_grant:%s:%s", account.ID, monthKey)

	processed, err := c.credits.HasEntry(ctx, grantKey)
	if err != nil {
		return errorResult(result, "checking grant key", err)
	}
	if processed {
		result.Status = "skipped"
		result.Reason = "already processed for " + monthKey
		return result
	}

	allotment := c.credits.TierCredits(account.Plan)
	if allotment <= 0 {
		result.Status = "skipped"
		result.Reason = fmt.Sprintf("plan %s has no monthly allotment", account.Plan)
		return result
	}

	expired, err := c.credits.ExpireIncluded(ctx, account.ID, models.ExpireParams{
		IdempotencyKey: fmt.Sprintf("monthly_expire:%s:%s", account.ID, monthKey),
		Description:    "Unused included credits expired at cycle boundary " + monthKey,
	})
	if err != nil {
		return errorResult(result, "expiring included credits", err)
	}
	result.Expired = expired

	err = c.credits.Credit(ctx, account.ID, allotment, models.CreditParams{
		CreditType:      models.CreditTypeIncluded,
		TransactionType: models.TransactionMonthlyGrant,
		IdempotencyKey:  grantKey,
		Description:     fmt.Sprintf("Monthly grant of %d credits for plan %s (%s)", allotment, account.Plan, monthKey),
	})
	if err != nil {
		return errorResult(result, "granting monthly credits", err)
	}
	result.Granted = allotment

	if err := c.credits.StampMonthlyGrant(ctx, account.ID, now, endOfFollowingMonth(now)); err != nil {
		return errorResult(result, "stamping grant timestamps", err)
	}

	result.Status = "granted"
	return result
}

func errorResult(result AccountResult, step string, err error) AccountResult {
	fiberlog.Errorf("monthly cycle: account %s failed while %s: %v", result.AccountID, step, err)
	result.Status = "error"
	result.Reason = fmt.Sprintf("%s: %v", step, err)
	return result
}

func isLastDayOfMonth(t time.Time) bool {
	return t.AddDate(0, 0, 1).Day() == 1
}

// upcomingMonthKey names the billing period the grant is for: the month
// about to start.
func upcomingMonthKey(now time.Time) string {
	year, month, _ := now.Date()
	return time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC).Format("2006-01")
}

// endOfFollowingMonth is when the granted included credits lapse: the last
// instant of the month being granted.
func endOfFollowingMonth(now time.Time) time.Time {
	year, month, _ := now.Date()
	return time.Date(year, month+2, 1, 0, 0, 0, 0, time.UTC).Add(-time.Second)
}
