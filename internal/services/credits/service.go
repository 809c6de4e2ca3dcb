package credits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/reviewpulse/credit-engine/internal/models"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// casAttempts bounds the compare-and-swap retry loop on contended debits.
// Each attempt runs in a fresh transaction so a retry observes the latest
// committed balance.
const casAttempts = 3

// errAlreadyApplied signals that a ledger entry with the operation's
// idempotency key already exists. It never escapes the service: replayed
// operations report success without mutating the balance again.
var errAlreadyApplied = errors.New("operation already applied")

// errContended signals that a guarded balance update lost a race with a
// concurrent writer and should be retried against the new balance.
var errContended = errors.New("balance update contended")

// Service is the credit accounting engine. Every mutation runs as a single
// database transaction pairing a balance update with a ledger insert, so the
// ledger and the balance row can never drift apart. The unique index on the
// ledger's idempotency key is the final arbiter for concurrent replays.
type Service struct {
	db    *gorm.DB
	tiers models.PlansConfig
}

func NewService(db *gorm.DB, tiers models.PlansConfig) *Service {
	return &Service{db: db, tiers: tiers}
}

// AutoMigrate runs database migrations for the credit tables
func (s *Service) AutoMigrate() error {
	return s.db.AutoMigrate(
		&models.CreditBalance{},
		&models.LedgerEntry{},
	)
}

// TierCredits returns the monthly included-credit allotment for a plan.
// Unknown plans grant zero.
func (s *Service) TierCredits(plan models.Plan) int64 {
	if s.tiers != nil {
		if amount, ok := s.tiers[plan]; ok {
			return amount
		}
	}
	return models.DefaultTierCredits[plan]
}

// EnsureBalance lazily creates the balance row for an account with zero
// credits. Safe to call unconditionally: an existing row is left untouched,
// and concurrent callers race harmlessly on the unique account index.
func (s *Service) EnsureBalance(ctx context.Context, accountID string) error {
	if accountID == "" {
		return models.NewValidationError("account_id is required", nil)
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}},
			DoNothing: true,
		}).
		Create(&models.CreditBalance{AccountID: accountID}).Error
	if err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("failed to ensure balance for %s: %w", accountID, err)
	}
	return nil
}

// GetBalance returns the current balance split by pool. An account without a
// balance row reads as zeros, not as an error. Callers must not assume a row
// pre-exists.
func (s *Service) GetBalance(ctx context.Context, accountID string) (*models.Balance, error) {
	var bal models.CreditBalance
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		First(&bal).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.Balance{AccountID: accountID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance for %s: %w", accountID, err)
	}

	return &models.Balance{
		AccountID:        accountID,
		IncludedCredits:  bal.IncludedCredits,
		PurchasedCredits: bal.PurchasedCredits,
		TotalCredits:     bal.TotalCredits(),
	}, nil
}

// Credit adds amount to the named credit pool and records a ledger entry.
// Replaying the same idempotency key reports success without a second
// mutation.
func (s *Service) Credit(ctx context.Context, accountID string, amount int64, params models.CreditParams) error {
	if amount <= 0 {
		return models.NewValidationError("credit amount must be > 0", nil)
	}
	if params.IdempotencyKey == "" {
		return models.NewValidationError("idempotency_key is required", nil)
	}
	column, err := poolColumn(params.CreditType)
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		applied, err := entryExists(tx, params.IdempotencyKey)
		if err != nil {
			return err
		}
		if applied {
			return errAlreadyApplied
		}

		if err := ensureBalanceTx(tx, accountID); err != nil {
			return err
		}

		// Increment in place so concurrent credits never lose an update.
		res := tx.Model(&models.CreditBalance{}).
			Where("account_id = ?", accountID).
			Update(column, gorm.Expr(column+" + ?", amount))
		if res.Error != nil {
			return fmt.Errorf("failed to increment %s: %w", column, res.Error)
		}

		// Re-read inside the transaction for the balance snapshot.
		var bal models.CreditBalance
		if err := tx.Where("account_id = ?", accountID).First(&bal).Error; err != nil {
			return fmt.Errorf("failed to read balance after credit: %w", err)
		}

		entry := models.LedgerEntry{
			AccountID:       accountID,
			Amount:          amount,
			BalanceAfter:    bal.TotalCredits(),
			CreditType:      params.CreditType,
			TransactionType: params.TransactionType,
			IdempotencyKey:  params.IdempotencyKey,
			Description:     params.Description,
			Metadata:        params.Metadata,
		}
		if err := tx.Create(&entry).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errAlreadyApplied
			}
			return fmt.Errorf("failed to create ledger entry: %w", err)
		}
		return nil
	})

	if errors.Is(err, errAlreadyApplied) {
		fiberlog.Debugf("credit replay for account %s, key %s: already applied", accountID, params.IdempotencyKey)
		return nil
	}
	return err
}

// Debit consumes amount credits, drawing from the included pool first because
// included credits expire at the cycle boundary while purchased credits do
// not. A debit exceeding the total balance fails with
// InsufficientCreditsError and leaves the balance untouched.
func (s *Service) Debit(ctx context.Context, accountID string, amount int64, params models.DebitParams) error {
	if amount <= 0 {
		return models.NewValidationError("debit amount must be > 0", nil)
	}
	if params.IdempotencyKey == "" {
		return models.NewValidationError("idempotency_key is required", nil)
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return s.debitTx(tx, accountID, amount, params)
		})

		switch {
		case err == nil:
			return nil
		case errors.Is(err, errAlreadyApplied):
			fiberlog.Debugf("debit replay for account %s, key %s: already applied", accountID, params.IdempotencyKey)
			return nil
		case errors.Is(err, errContended):
			continue
		default:
			return err
		}
	}

	return models.NewConflictError(
		fmt.Sprintf("debit for account %s contended after %d attempts", accountID, casAttempts), nil)
}

func (s *Service) debitTx(tx *gorm.DB, accountID string, amount int64, params models.DebitParams) error {
	applied, err := entryExists(tx, params.IdempotencyKey)
	if err != nil {
		return err
	}
	if applied {
		return errAlreadyApplied
	}

	var bal models.CreditBalance
	err = tx.Where("account_id = ?", accountID).First(&bal).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.InsufficientCreditsError{
			AccountID: accountID,
			Required:  amount,
			Available: 0,
		}
	}
	if err != nil {
		return fmt.Errorf("failed to read balance for debit: %w", err)
	}

	total := bal.TotalCredits()
	if total < amount {
		return &models.InsufficientCreditsError{
			AccountID: accountID,
			Required:  amount,
			Available: total,
		}
	}

	fromIncluded := min(bal.IncludedCredits, amount)
	fromPurchased := amount - fromIncluded

	// Guarded update: only applies if no concurrent debit changed the pools
	// since the read above. A miss means retry against the fresh balance.
	res := tx.Model(&models.CreditBalance{}).
		Where("account_id = ? AND included_credits = ? AND purchased_credits = ?",
			accountID, bal.IncludedCredits, bal.PurchasedCredits).
		Updates(map[string]any{
			"included_credits":  bal.IncludedCredits - fromIncluded,
			"purchased_credits": bal.PurchasedCredits - fromPurchased,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update balance for debit: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return errContended
	}

	entry := models.LedgerEntry{
		AccountID:       accountID,
		Amount:          -amount,
		BalanceAfter:    total - amount,
		CreditType:      debitCreditType(fromIncluded),
		TransactionType: debitTransactionType(params.FeatureType),
		IdempotencyKey:  params.IdempotencyKey,
		Description:     params.Description,
		FeatureMetadata: params.FeatureMetadata,
		Metadata:        poolSplitMetadata(fromIncluded, fromPurchased),
	}
	if err := tx.Create(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return errAlreadyApplied
		}
		return fmt.Errorf("failed to create ledger entry: %w", err)
	}
	return nil
}

// RefundFeature re-credits a debit whose downstream work failed. The refund
// key is derived from the original debit's key so the refund itself is
// replay-safe, and the purchased pool is the target: a refund must never
// fabricate expiring included credits.
func (s *Service) RefundFeature(ctx context.Context, accountID string, amount int64, originalKey string, params models.RefundParams) error {
	if originalKey == "" {
		return models.NewValidationError("original idempotency_key is required", nil)
	}

	meta, _ := json.Marshal(map[string]string{
		"original_debit_key": originalKey,
		"feature_type":       params.FeatureType,
	})

	return s.Credit(ctx, accountID, amount, models.CreditParams{
		CreditType:      models.CreditTypePurchased,
		TransactionType: models.TransactionRefund,
		IdempotencyKey:  originalKey + ":refund",
		Description:     params.Description,
		Metadata:        string(meta),
	})
}

// ExpireIncluded zeroes the included pool and records a monthly_expire entry
// for the lapsed amount. A zero pool or a replayed key is a no-op. Returns
// the number of credits expired.
func (s *Service) ExpireIncluded(ctx context.Context, accountID string, params models.ExpireParams) (int64, error) {
	if params.IdempotencyKey == "" {
		return 0, models.NewValidationError("idempotency_key is required", nil)
	}

	var expired int64

	for attempt := 0; attempt < casAttempts; attempt++ {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			expired = 0

			applied, err := entryExists(tx, params.IdempotencyKey)
			if err != nil {
				return err
			}
			if applied {
				return errAlreadyApplied
			}

			var bal models.CreditBalance
			err = tx.Where("account_id = ?", accountID).First(&bal).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to read balance for expire: %w", err)
			}
			if bal.IncludedCredits == 0 {
				return nil
			}

			res := tx.Model(&models.CreditBalance{}).
				Where("account_id = ? AND included_credits = ?", accountID, bal.IncludedCredits).
				Update("included_credits", 0)
			if res.Error != nil {
				return fmt.Errorf("failed to zero included credits: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return errContended
			}

			entry := models.LedgerEntry{
				AccountID:       accountID,
				Amount:          -bal.IncludedCredits,
				BalanceAfter:    bal.PurchasedCredits,
				CreditType:      models.CreditTypeIncluded,
				TransactionType: models.TransactionMonthlyExpire,
				IdempotencyKey:  params.IdempotencyKey,
				Description:     params.Description,
			}
			if err := tx.Create(&entry).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return errAlreadyApplied
				}
				return fmt.Errorf("failed to create ledger entry: %w", err)
			}

			expired = bal.IncludedCredits
			return nil
		})

		switch {
		case err == nil:
			return expired, nil
		case errors.Is(err, errAlreadyApplied):
			return 0, nil
		case errors.Is(err, errContended):
			continue
		default:
			return 0, err
		}
	}

	return 0, models.NewConflictError(
		fmt.Sprintf("expire for account %s contended after %d attempts", accountID, casAttempts), nil)
}

// History retrieves ledger entries for an account, newest first.
func (s *Service) History(ctx context.Context, accountID string, limit, offset int) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry

	query := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC, id DESC")

	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	if err := query.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to get ledger history: %w", err)
	}

	return entries, nil
}

// HasEntry reports whether a ledger entry with the given idempotency key
// already exists.
func (s *Service) HasEntry(ctx context.Context, idempotencyKey string) (bool, error) {
	return entryExists(s.db.WithContext(ctx), idempotencyKey)
}

// StampMonthlyGrant records when the monthly grant ran for an account and
// when the granted included credits lapse.
func (s *Service) StampMonthlyGrant(ctx context.Context, accountID string, grantedAt, expiresAt time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.CreditBalance{}).
		Where("account_id = ?", accountID).
		Updates(map[string]any{
			"last_monthly_grant_at":      grantedAt,
			"included_credits_expire_at": expiresAt,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to stamp monthly grant for %s: %w", accountID, res.Error)
	}
	return nil
}

func entryExists(tx *gorm.DB, idempotencyKey string) (bool, error) {
	var count int64
	err := tx.Model(&models.LedgerEntry{}).
		Where("idempotency_key = ?", idempotencyKey).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	return count > 0, nil
}

func ensureBalanceTx(tx *gorm.DB, accountID string) error {
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}},
		DoNothing: true,
	}).Create(&models.CreditBalance{AccountID: accountID}).Error
	if err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("failed to ensure balance for %s: %w", accountID, err)
	}
	return nil
}

func poolColumn(creditType models.CreditType) (string, error) {
	switch creditType {
	case models.CreditTypeIncluded:
		return "included_credits", nil
	case models.CreditTypePurchased:
		return "purchased_credits", nil
	default:
		return "", models.NewValidationError(
			fmt.Sprintf("unknown credit type %q", creditType), nil)
	}
}

// debitCreditType tags the entry with the pool the debit primarily drew from.
// The exact split is preserved in the entry metadata.
func debitCreditType(fromIncluded int64) models.CreditType {
	if fromIncluded > 0 {
		return models.CreditTypeIncluded
	}
	return models.CreditTypePurchased
}

func debitTransactionType(featureType string) models.TransactionType {
	if featureType == "" {
		return models.TransactionFeatureUsage
	}
	return models.TransactionType(featureType)
}

func poolSplitMetadata(fromIncluded, fromPurchased int64) string {
	meta, _ := json.Marshal(map[string]int64{
		"from_included":  fromIncluded,
		"from_purchased": fromPurchased,
	})
	return string(meta)
}
