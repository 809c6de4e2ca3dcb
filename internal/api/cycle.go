package api

import (
	"crypto/subtle"
	"time"

	"github.com/reviewpulse/credit-engine/internal/services/cycle"

	"github.com/gofiber/fiber/v2"
)

type CycleHandler struct {
	controller *cycle.Controller
	cronSecret string
}

func NewCycleHandler(controller *cycle.Controller, cronSecret string) *CycleHandler {
	return &CycleHandler{
		controller: controller,
		cronSecret: cronSecret,
	}
}

// Trigger runs the monthly cycle once. The external scheduler calls this
// daily; the controller itself decides whether today is a cycle boundary.
// Calls must carry the shared secret in X-Cron-Secret.
func (h *CycleHandler) Trigger(c *fiber.Ctx) error {
	if h.cronSecret == "" {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "cycle trigger is not configured",
		})
	}

	provided := c.Get("X-Cron-Secret")
	if subtle.ConstantTimeCompare([]byte(provided), []byte(h.cronSecret)) != 1 {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "invalid cron secret",
		})
	}

	report, err := h.controller.Run(c.Context(), time.Now().UTC())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Monthly cycle run failed",
		})
	}

	return c.JSON(report)
}
