package services

import (
	"context"

	"github.com/shopspring/decimal"

	"vault-settlement-system/logger"
	"vault-settlement-system/models"
	"vault-settlement-system/store"
)

// DefaultPlans are the plans an empty installation is seeded with.
func DefaultPlans() []models.VaultPlan {
	return []models.VaultPlan{
		{
			Name:        "flexible savings",
			RiskType:    "LOW",
			APY:         decimal.RequireFromString("0.08"),
			MinLockDays: 7,
			MinDeposit:  decimal.NewFromInt(10),
			Description: "short-term flexible plan. withdraw anytime after 7 days",
			IsActive:    true,
		},
		{
			Name:        "Growth saving",
			RiskType:    "LOW",
			APY:         decimal.RequireFromString("0.12"),
			MinLockDays: 30,
			MinDeposit:  decimal.NewFromInt(50),
			Description: "Better returns with 30-days commitment",
			IsActive:    true,
		},
		{
			Name:        "Aggressive Yield 365",
			RiskType:    "HIGH",
			APY:         decimal.RequireFromString("0.15"),
			MinLockDays: 7,
			MinDeposit:  decimal.NewFromInt(100),
			Description: "Short-term flexible plan. Withdraw anytime after 7 days",
			IsActive:    true,
		},
	}
}

// SeedPlans creates any default plan missing by name.
func SeedPlans(ctx context.Context, st *store.VaultStore) error {
	created, err := st.SeedPlans(ctx, DefaultPlans())
	if err != nil {
		return err
	}
	if len(created) == 0 {
		logger.Info("All vault plans already exist")
		return nil
	}
	for _, name := range created {
		logger.Infof("Seeded plan %s", name)
	}
	return nil
}
