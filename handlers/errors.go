package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"vault-settlement-system/apperr"
	"vault-settlement-system/logger"
)

// respondError writes err as {"error", "code"} with the status of its kind.
func respondError(c *fiber.Ctx, err error) error {
	e, ok := apperr.As(err)
	if !ok {
		logger.Errorf("unclassified error on %s: %v", c.Path(), err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "internal error",
			"code":  "INTERNAL",
		})
	}

	body := fiber.Map{
		"error": e.Message,
		"code":  e.Code,
	}
	if e.TxHash != "" {
		body["tx_hash"] = e.TxHash
	}
	if e.Retryable() {
		body["retryable"] = true
	}

	fields := logrus.Fields{"path": c.Path(), "code": e.Code, "kind": e.Kind}
	switch e.Kind {
	case apperr.KindReconciliation:
		logger.WithFields(fields).WithField("tx_hash", e.TxHash).Errorf("🚨 manual reconciliation may be required: %v", err)
	case apperr.KindStore, apperr.KindLedgerBroadcast, apperr.KindLedgerUnavailable:
		logger.WithFields(fields).Errorf("request failed: %v", err)
	default:
		logger.WithFields(fields).Debugf("request rejected: %v", err)
	}

	return c.Status(apperr.HTTPStatus(e.Kind)).JSON(body)
}

func userID(c *fiber.Ctx) string {
	id, _ := c.Locals("user_id").(string)
	return id
}
