package api

import (
	"encoding/json"
	"strconv"

	"github.com/reviewpulse/credit-engine/internal/models"
	"github.com/reviewpulse/credit-engine/internal/services/credits"

	"github.com/gofiber/fiber/v2"
)

type CreditsHandler struct {
	creditsService *credits.Service
}

func NewCreditsHandler(creditsService *credits.Service) *CreditsHandler {
	return &CreditsHandler{
		creditsService: creditsService,
	}
}

// GetBalanceResponse represents the response for balance queries
type GetBalanceResponse struct {
	AccountID        string `json:"account_id"`
	IncludedCredits  int64  `json:"included_credits"`
	PurchasedCredits int64  `json:"purchased_credits"`
	TotalCredits     int64  `json:"total_credits"`
}

// GetBalance retrieves the current credit balance for an account
func (h *CreditsHandler) GetBalance(c *fiber.Ctx) error {
	accountID := c.Params("account_id")
	if accountID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "account_id is required",
		})
	}

	balance, err := h.creditsService.GetBalance(c.Context(), accountID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get credit balance",
		})
	}

	return c.JSON(GetBalanceResponse{
		AccountID:        balance.AccountID,
		IncludedCredits:  balance.IncludedCredits,
		PurchasedCredits: balance.PurchasedCredits,
		TotalCredits:     balance.TotalCredits,
	})
}

// CheckCreditsRequest represents the request body for checking credits
type CheckCreditsRequest struct {
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"`
}

// CheckCreditsResponse represents the response for credit checks
type CheckCreditsResponse struct {
	HasEnoughCredits bool  `json:"has_enough_credits"`
	CurrentBalance   int64 `json:"current_balance"`
	RequiredAmount   int64 `json:"required_amount"`
	Shortfall        int64 `json:"shortfall,omitempty"`
}

// CheckCredits checks if an account has sufficient credits
func (h *CreditsHandler) CheckCredits(c *fiber.Ctx) error {
	var req CheckCreditsRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	if req.AccountID == "" || req.Amount <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "account_id and a positive amount are required",
		})
	}

	balance, err := h.creditsService.GetBalance(c.Context(), req.AccountID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get credit balance",
		})
	}

	hasEnough := balance.TotalCredits >= req.Amount
	response := CheckCreditsResponse{
		HasEnoughCredits: hasEnough,
		CurrentBalance:   balance.TotalCredits,
		RequiredAmount:   req.Amount,
	}

	if !hasEnough {
		response.Shortfall = req.Amount - balance.TotalCredits
	}

	return c.JSON(response)
}

// GrantCreditsRequest represents the request body for a credit grant.
// Idempotency key is caller-supplied so retries of the same grant are safe.
type GrantCreditsRequest struct {
	AccountID      string `json:"account_id"`
	Amount         int64  `json:"amount"`
	CreditType     string `json:"credit_type"`
	IdempotencyKey string `json:"idempotency_key"`
	Description    string `json:"description"`
}

// GrantCredits adds purchased or promotional credits to an account. Card
// settlement happens upstream; this endpoint records the outcome.
func (h *CreditsHandler) GrantCredits(c *fiber.Ctx) error {
	var req GrantCreditsRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	if req.AccountID == "" || req.Amount <= 0 || req.IdempotencyKey == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "account_id, a positive amount, and idempotency_key are required",
		})
	}

	creditType := models.CreditType(req.CreditType)
	if creditType == "" {
		creditType = models.CreditTypePurchased
	}
	transactionType := models.TransactionPurchase
	if creditType == models.CreditTypeIncluded {
		transactionType = models.TransactionPromotional
	}

	err := h.creditsService.Credit(c.Context(), req.AccountID, req.Amount, models.CreditParams{
		CreditType:      creditType,
		TransactionType: transactionType,
		IdempotencyKey:  req.IdempotencyKey,
		Description:     req.Description,
	})
	if err != nil {
		appErr := models.SanitizeError(err)
		return c.Status(appErr.GetStatusCode()).JSON(appErr)
	}

	balance, err := h.creditsService.GetBalance(c.Context(), req.AccountID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Grant applied but failed to read balance",
		})
	}

	return c.JSON(GetBalanceResponse{
		AccountID:        balance.AccountID,
		IncludedCredits:  balance.IncludedCredits,
		PurchasedCredits: balance.PurchasedCredits,
		TotalCredits:     balance.TotalCredits,
	})
}

// GetTransactionHistoryResponse represents a page of ledger history
type GetTransactionHistoryResponse struct {
	Transactions []TransactionItem `json:"transactions"`
	Total        int               `json:"total"`
	Limit        int               `json:"limit"`
	Offset       int               `json:"offset"`
}

// TransactionItem represents a single ledger entry
type TransactionItem struct {
	ID              uint           `json:"id"`
	AccountID       string         `json:"account_id"`
	Amount          int64          `json:"amount"`
	BalanceAfter    int64          `json:"balance_after"`
	CreditType      string         `json:"credit_type"`
	TransactionType string         `json:"transaction_type"`
	Description     string         `json:"description"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       string         `json:"created_at"`
}

// GetTransactionHistory retrieves ledger history for an account
func (h *CreditsHandler) GetTransactionHistory(c *fiber.Ctx) error {
	accountID := c.Params("account_id")
	if accountID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "account_id is required",
		})
	}

	limit := 20
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	offset := 0
	if offsetStr := c.Query("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	entries, err := h.creditsService.History(c.Context(), accountID, limit, offset)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get transaction history",
		})
	}

	items := make([]TransactionItem, len(entries))
	for i, entry := range entries {
		var metadata map[string]any
		if entry.Metadata != "" {
			_ = json.Unmarshal([]byte(entry.Metadata), &metadata)
		}

		items[i] = TransactionItem{
			ID:              entry.ID,
			AccountID:       entry.AccountID,
			Amount:          entry.Amount,
			BalanceAfter:    entry.BalanceAfter,
			CreditType:      string(entry.CreditType),
			TransactionType: string(entry.TransactionType),
			Description:     entry.Description,
			Metadata:        metadata,
			CreatedAt:       entry.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		}
	}

	return c.JSON(GetTransactionHistoryResponse{
		Transactions: items,
		Total:        len(items),
		Limit:        limit,
		Offset:       offset,
	})
}
