package features

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/reviewpulse/credit-engine/internal/models"
	"github.com/reviewpulse/credit-engine/internal/services/credits"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
)

// Meter charges accounts for units of feature work. A charge debits up
// front, runs the work, and refunds on work failure so an errored unit never
// consumes credits. The refund is best-effort cleanup, not a transaction
// partner of the debit: when it fails, the loss is logged loudly and the
// original work error still wins.
type Meter struct {
	credits *credits.Service
	costs   models.FeaturesConfig
}

func NewMeter(creditsService *credits.Service, costs models.FeaturesConfig) *Meter {
	return &Meter{credits: creditsService, costs: costs}
}

// Cost returns the per-unit credit cost of a feature, or zero when the
// feature is unknown.
func (m *Meter) Cost(feature string) int64 {
	if m.costs != nil {
		if cost, ok := m.costs[feature]; ok {
			return cost
		}
	}
	return models.DefaultFeatureCosts[feature]
}

// Charge debits one unit of feature work and runs it. workID identifies the
// unit (a review id, a keyword, a feed item) and anchors the idempotency key:
// callers retrying the same unit must pass the same workID. An empty workID
// gets a generated one, which makes the charge safe but unreplayable.
func (m *Meter) Charge(ctx context.Context, accountID, feature, workID string, work func(context.Context) error) error {
	cost := m.Cost(feature)
	if cost <= 0 {
		return models.NewValidationError(fmt.Sprintf("unknown feature type %q", feature), nil)
	}
	if workID == "" {
		workID = uuid.NewString()
	}

	debitKey := fmt.Sprintf("%s:%s:%s", feature, accountID, workID)
	featureMeta, _ := json.Marshal(map[string]string{
		"feature": feature,
		"work_id": workID,
	})

	err := m.credits.Debit(ctx, accountID, cost, models.DebitParams{
		FeatureType:     feature,
		FeatureMetadata: string(featureMeta),
		IdempotencyKey:  debitKey,
		Description:     fmt.Sprintf("%s for work unit %s", feature, workID),
	})
	if err != nil {
		return err
	}

	workErr := work(ctx)
	if workErr == nil {
		return nil
	}

	refundErr := m.credits.RefundFeature(ctx, accountID, cost, debitKey, models.RefundParams{
		FeatureType:     feature,
		FeatureMetadata: string(featureMeta),
		Description:     fmt.Sprintf("Refund for failed %s on work unit %s", feature, workID),
	})
	if refundErr != nil {
		// Credits are lost to the user until someone intervenes.
		fiberlog.Errorf("refund failed after %s error for account %s (key %s, %d credits): %v",
			feature, accountID, debitKey, cost, refundErr)
	}

	return workErr
}
