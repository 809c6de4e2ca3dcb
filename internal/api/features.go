package api

import (
	"context"

	"github.com/reviewpulse/credit-engine/internal/models"
	"github.com/reviewpulse/credit-engine/internal/services/features"

	"github.com/gofiber/fiber/v2"
)

type FeaturesHandler struct {
	meter *features.Meter
}

func NewFeaturesHandler(meter *features.Meter) *FeaturesHandler {
	return &FeaturesHandler{meter: meter}
}

// ChargeRequest represents one unit of feature work to charge for. WorkID
// must be stable across retries of the same unit.
type ChargeRequest struct {
	AccountID string `json:"account_id"`
	WorkID    string `json:"work_id"`
}

// ChargeResponse reports the applied charge.
type ChargeResponse struct {
	AccountID string `json:"account_id"`
	Feature   string `json:"feature"`
	WorkID    string `json:"work_id"`
	Cost      int64  `json:"cost"`
}

// Charge debits one unit of the named feature for an account. Insufficient
// credits surface as 402 with the required/available counts.
func (h *FeaturesHandler) Charge(c *fiber.Ctx) error {
	feature := c.Params("feature")

	var req ChargeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	if req.AccountID == "" || req.WorkID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "account_id and work_id are required",
		})
	}

	// The work itself runs in the feature services; this endpoint only
	// reserves the credits for it.
	err := h.meter.Charge(c.Context(), req.AccountID, feature, req.WorkID, func(_ context.Context) error {
		return nil
	})
	if err != nil {
		if ice, ok := models.AsInsufficientCredits(err); ok {
			return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
				"error":     "insufficient credits",
				"required":  ice.Required,
				"available": ice.Available,
			})
		}
		appErr := models.SanitizeError(err)
		return c.Status(appErr.GetStatusCode()).JSON(appErr)
	}

	return c.JSON(ChargeResponse{
		AccountID: req.AccountID,
		Feature:   feature,
		WorkID:    req.WorkID,
		Cost:      h.meter.Cost(feature),
	})
}
