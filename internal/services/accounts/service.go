package accounts

import (
	"context"
	"fmt"

	"github.com/reviewpulse/credit-engine/internal/models"

	"gorm.io/gorm"
)

// Service is the account registry. The credit engine only needs
// {accountID, plan} pairs from it; account lifecycle is owned elsewhere.
type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

func (s *Service) AutoMigrate() error {
	return s.db.AutoMigrate(&models.Account{})
}

// Get returns one account by id.
func (s *Service) Get(ctx context.Context, accountID string) (*models.Account, error) {
	var account models.Account
	if err := s.db.WithContext(ctx).First(&account, "id = ?", accountID).Error; err != nil {
		return nil, fmt.Errorf("failed to get account %s: %w", accountID, err)
	}
	return &account, nil
}

// ListEligible returns the active accounts on a recognized paid plan, the
// population the monthly cycle grants credits to. Soft-deleted rows are
// excluded by gorm's DeletedAt handling.
func (s *Service) ListEligible(ctx context.Context) ([]models.Account, error) {
	var accounts []models.Account

	err := s.db.WithContext(ctx).
		Where("active = ? AND plan IN ?", true, models.PaidPlans).
		Order("id").
		Find(&accounts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list eligible accounts: %w", err)
	}

	return accounts, nil
}

// Upsert creates or updates an account record. Used by the admin surface and
// by tests to seed the registry.
func (s *Service) Upsert(ctx context.Context, account *models.Account) error {
	if account.ID == "" {
		return models.NewValidationError("account id is required", nil)
	}
	if err := s.db.WithContext(ctx).Save(account).Error; err != nil {
		return fmt.Errorf("failed to upsert account %s: %w", account.ID, err)
	}
	return nil
}
