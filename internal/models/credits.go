package models

import "time"

type CreditType string

const (
	CreditTypeIncluded  CreditType = "included"
	CreditTypePurchased CreditType = "purchased"
)

type TransactionType string

const (
	TransactionMonthlyGrant  TransactionType = "monthly_grant"
	TransactionMonthlyExpire TransactionType = "monthly_expire"
	TransactionPurchase      TransactionType = "purchase"
	TransactionRefund        TransactionType = "refund"
	TransactionPromotional   TransactionType = "promotional"
	TransactionFeatureUsage  TransactionType = "feature_usage"
)

// CreditBalance holds the current credit totals for one account, split by
// pool. Included credits reset on the monthly cycle; purchased credits do not.
// Both pools stay >= 0 and are mutated only through the credits service.
type CreditBalance struct {
	ID                      uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID               string     `gorm:"uniqueIndex;not null" json:"account_id"`
	IncludedCredits         int64      `gorm:"not null;default:0" json:"included_credits"`
	PurchasedCredits        int64      `gorm:"not null;default:0" json:"purchased_credits"`
	IncludedCreditsExpireAt *time.Time `json:"included_credits_expire_at"`
	LastMonthlyGrantAt      *time.Time `json:"last_monthly_grant_at"`
	CreatedAt               time.Time  `gorm:"not null;autoCreateTime" json:"created_at"`
	UpdatedAt               time.Time  `gorm:"not null;autoUpdateTime" json:"updated_at"`
}

func (b *CreditBalance) TotalCredits() int64 {
	return b.IncludedCredits + b.PurchasedCredits
}

// LedgerEntry is one immutable row per balance-changing event. Amount is
// signed: positive entries add credits, negative entries consume or expire
// them. BalanceAfter snapshots the account total immediately after the entry
// so history is auditable without replaying the whole log. IdempotencyKey
// carries a unique index; the storage layer is the final arbiter when two
// writers race on the same key.
type LedgerEntry struct {
	ID              uint            `gorm:"primaryKey;autoIncrement"`
	AccountID       string          `gorm:"index;not null"`
	Amount          int64           `gorm:"not null"`
	BalanceAfter    int64           `gorm:"not null"`
	CreditType      CreditType      `gorm:"index;not null"`
	TransactionType TransactionType `gorm:"index;not null"`
	IdempotencyKey  string          `gorm:"uniqueIndex;not null"`
	Description     string
	FeatureMetadata string
	Metadata        string
	CreatedAt       time.Time `gorm:"autoCreateTime;index"`
}

// Balance is the read model returned to callers. A missing balance row reads
// as zeros, never as an error.
type Balance struct {
	AccountID        string `json:"account_id"`
	IncludedCredits  int64  `json:"included_credits"`
	PurchasedCredits int64  `json:"purchased_credits"`
	TotalCredits     int64  `json:"total_credits"`
}

type CreditParams struct {
	CreditType      CreditType
	TransactionType TransactionType
	IdempotencyKey  string
	Description     string
	Metadata        string
}

type DebitParams struct {
	FeatureType     string
	FeatureMetadata string
	IdempotencyKey  string
	Description     string
}

type RefundParams struct {
	FeatureType     string
	FeatureMetadata string
	Description     string
}

type ExpireParams struct {
	IdempotencyKey string
	Description    string
}
