package handlers

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"vault-settlement-system/logger"
	"vault-settlement-system/models"
	"vault-settlement-system/services"
	"vault-settlement-system/store"
)

type providerWebhookBody struct {
	TxID           string           `json:"tx_id" validate:"required,uuid"`
	Status         string           `json:"status" validate:"required,oneof=pending confirmed failed"`
	ProviderTxHash string           `json:"provider_tx_hash" validate:"max=128"`
	Amount         *decimal.Decimal `json:"amount"`
	Currency       string           `json:"currency" validate:"max=16"`
	APIKey         string           `json:"api_key"`
}

// SetupWebhookRoutes registers the on/off-ramp provider callback. The
// provider authenticates with the shared api_key in the body.
func SetupWebhookRoutes(app *fiber.App, queries *services.VaultQueryService, apiKey string) {
	app.Post("/webhook/provider", func(c *fiber.Ctx) error {
		var req providerWebhookBody
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid request body",
				"code":  "INVALID_BODY",
			})
		}
		if apiKey == "" || subtle.ConstantTimeCompare([]byte(req.APIKey), []byte(apiKey)) != 1 {
			logger.Warnf("🚫 [WEBHOOK] rejected provider callback for tx %s", req.TxID)
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "unauthorized provider",
				"code":  "UNAUTHORIZED_PROVIDER",
			})
		}
		if err := validate.Struct(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": strings.Join(FormatValidationError(err), "; "),
				"code":  "VALIDATION_FAILED",
			})
		}

		tx, err := queries.ProviderCallback(c.UserContext(), store.PendingUpdate{
			ID:     req.TxID,
			Status: models.TransactionStatus(req.Status),
			TxHash: req.ProviderTxHash,
			Amount: req.Amount,
			Token:  strings.ToUpper(req.Currency),
		})
		if err != nil {
			return respondError(c, err)
		}
		logger.Infof("Webhook updated transaction %s -> %s", tx.ID, tx.Status)
		return c.JSON(fiber.Map{"status": "ok", "transaction": tx})
	})
}
