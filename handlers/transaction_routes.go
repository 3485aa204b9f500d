package handlers

import (
	"github.com/gofiber/fiber/v2"

	"vault-settlement-system/services"
)

// SetupTransactionRoutes serves the caller's history, transactions and
// reward payouts merged newest first.
func SetupTransactionRoutes(secured fiber.Router, queries *services.VaultQueryService) {
	secured.Get("/transactions", func(c *fiber.Ctx) error {
		history, err := queries.UserHistory(c.UserContext(), userID(c))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"transactions": history})
	})
}
