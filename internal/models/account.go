package models

import (
	"time"

	"gorm.io/gorm"
)

type Plan string

const (
	PlanFree    Plan = "free"
	PlanGrower  Plan = "grower"
	PlanBuilder Plan = "builder"
	PlanMaven   Plan = "maven"
)

// PaidPlans lists the plans eligible for the monthly included-credit grant.
var PaidPlans = []Plan{PlanGrower, PlanBuilder, PlanMaven}

func (p Plan) IsPaid() bool {
	for _, plan := range PaidPlans {
		if p == plan {
			return true
		}
	}
	return false
}

// Account is the tenant unit credits belong to. Accounts are soft-deleted so
// their ledger history survives disablement.
type Account struct {
	ID        string         `gorm:"primaryKey" json:"id"`
	Name      string         `json:"name"`
	Plan      Plan           `gorm:"index;not null;default:free" json:"plan"`
	Active    bool           `gorm:"not null;default:true" json:"active"`
	CreatedAt time.Time      `gorm:"not null;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}
