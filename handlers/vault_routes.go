// handlers/vault_routes.go
package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"vault-settlement-system/middleware"
	"vault-settlement-system/services"
)

type depositBody struct {
	Token       string          `json:"token" validate:"required,max=16"`
	Amount      decimal.Decimal `json:"amount"`
	VaultPlanID string          `json:"vault_plan_id" validate:"required,uuid"`
	TxHash      string          `json:"tx_hash" validate:"required,max=128"`
}

type withdrawBody struct {
	VaultPlanID   string          `json:"vault_plan_id" validate:"required,uuid"`
	Token         string          `json:"token" validate:"required,max=16"`
	Amount        decimal.Decimal `json:"amount"`
	WalletAddress string          `json:"wallet_address" validate:"required,max=64"`
}

// SecuredGroup is the /s prefix; every route under it acts on the caller
// identified by the gateway.
func SecuredGroup(app *fiber.App) fiber.Router {
	return app.Group("/s", middleware.UserContextMiddleware())
}

func SetupVaultRoutes(app *fiber.App, secured fiber.Router, settlement *services.SettlementService, queries *services.VaultQueryService) {
	secured.Post("/vaults/deposit", func(c *fiber.Ctx) error {
		var req depositBody
		if ok, err := parseBody(c, &req); !ok {
			return err
		}
		receipt, err := settlement.Deposit(c.UserContext(), services.DepositRequest{
			UserID:      userID(c),
			Token:       req.Token,
			Amount:      req.Amount,
			VaultPlanID: req.VaultPlanID,
			TxReference: req.TxHash,
		})
		if err != nil {
			return respondError(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{
			"message": "Deposit successful",
			"deposit": receipt,
		})
	})

	secured.Post("/vaults/withdraw", func(c *fiber.Ctx) error {
		var req withdrawBody
		if ok, err := parseBody(c, &req); !ok {
			return err
		}
		receipt, err := settlement.Withdraw(c.UserContext(), services.WithdrawRequest{
			UserID:        userID(c),
			VaultPlanID:   req.VaultPlanID,
			Token:         req.Token,
			Amount:        req.Amount,
			PayoutAddress: req.WalletAddress,
		})
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{
			"message":   "Withdrawal successful",
			"tx_hash":   receipt.TxHash,
			"principal": receipt.Principal,
			"total":     receipt.Total,
			"reward":    receipt.Reward,
			"fee":       receipt.Fee,
			"locked":    receipt.Locked,
		})
	})

	secured.Get("/vaults/withdraw-options", func(c *fiber.Ctx) error {
		options, err := settlement.WithdrawOptions(c.UserContext(), userID(c))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{"options": options})
	})

	// 📊 Reporting
	vaults := app.Group("/vaults")

	vaults.Get("/plans", func(c *fiber.Ctx) error {
		plans, err := queries.Plans(c.UserContext())
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(plans)
	})

	vaults.Get("/token/:token", func(c *fiber.Ctx) error {
		views, err := queries.VaultsByToken(c.UserContext(), c.Params("token"))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(views)
	})

	vaults.Get("/user/:user_id", func(c *fiber.Ctx) error {
		uvs, err := queries.UserVaults(c.UserContext(), c.Params("user_id"))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(uvs)
	})

	vaults.Get("/user/:user_id/details", func(c *fiber.Ctx) error {
		views, err := queries.UserVaultsWithDetails(c.UserContext(), c.Params("user_id"))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(views)
	})

	vaults.Get("/transactions/:address", func(c *fiber.Ctx) error {
		txs, err := queries.VaultTransactions(c.UserContext(), c.Params("address"))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(txs)
	})

	vaults.Get("/rewards/:address", func(c *fiber.Ctx) error {
		rewards, total, err := queries.VaultRewards(c.UserContext(), c.Params("address"))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(fiber.Map{
			"rewards":      rewards,
			"total_reward": total,
		})
	})

	vaults.Get("/:address", func(c *fiber.Ctx) error {
		views, err := queries.VaultDetails(c.UserContext(), c.Params("address"))
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(views)
	})
}
