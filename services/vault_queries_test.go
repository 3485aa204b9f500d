package services_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vault-settlement-system/apperr"
	"vault-settlement-system/ledger/ledgertest"
	"vault-settlement-system/models"
	"vault-settlement-system/services"
	"vault-settlement-system/store"
)

func TestPositionViewAccruesOnRemainingBalance(t *testing.T) {
	h := newHarness(t, nil)
	h.usdcDepositTx("dep-1", 100_000_000)
	h.deposit(t, "Growth saving", "dep-1", "100")
	h.fake.AddAccount(ledgertest.SubAccount(payoutAddr, usdcMint))

	h.now = t0.AddDate(0, 0, 10)
	receipt, err := withdraw(h, "Growth saving", "40")
	require.NoError(t, err)
	assertDecimal(t, "0.131507", receipt.Reward)

	q := services.NewVaultQueryService(h.store).WithClock(func() time.Time { return h.now })
	views, err := q.UserVaultsWithDetails(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, views, 1)

	v := views[0]
	assert.Equal(t, "Growth saving", v.VaultName)
	assert.Equal(t, vaultMaster, v.VaultAddress)
	assert.Equal(t, h.plans["Growth saving"].ID, v.VaultPlanID)
	assert.False(t, v.IsUnlocked)
	assertDecimal(t, "60", v.Amount)
	assertDecimal(t, "0.12", v.YieldRate)
	assertDecimal(t, "0.131507", v.RewardsPaid)
	assertDecimal(t, "0.19726", v.RewardsAccrued)
}

func TestPositionViewUsesVaultRateNotCurrentPlanRate(t *testing.T) {
	h := newHarness(t, nil)
	h.usdcDepositTx("dep-1", 100_000_000)
	h.deposit(t, "Growth saving", "dep-1", "100")
	h.fake.AddAccount(ledgertest.SubAccount(payoutAddr, usdcMint))

	plan := h.plans["Growth saving"]
	require.NoError(t, h.db.Model(&models.VaultPlan{}).Where("id = ?", plan.ID).Update("apy", dec("0.5")).Error)

	h.now = t0.AddDate(0, 0, 10)
	q := services.NewVaultQueryService(h.store).WithClock(func() time.Time { return h.now })
	views, err := q.UserVaultsWithDetails(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assertDecimal(t, "0.12", views[0].YieldRate)
	accrued := views[0].RewardsAccrued

	receipt, err := withdraw(h, "Growth saving", "100")
	require.NoError(t, err)
	assertDecimal(t, accrued.String(), receipt.Reward)
}

func TestVaultReportingViews(t *testing.T) {
	h := newHarness(t, nil)
	h.usdcDepositTx("dep-1", 100_000_000)
	h.deposit(t, "Growth saving", "dep-1", "100")
	ctx := context.Background()
	q := services.NewVaultQueryService(h.store)

	byToken, err := q.VaultsByToken(ctx, "usdc")
	require.NoError(t, err)
	require.Len(t, byToken, 1)
	assert.Equal(t, "USDC", byToken[0].Token)
	assert.Equal(t, 1, byToken[0].UserCount)
	assert.Nil(t, byToken[0].TotalRewards)

	_, err = q.VaultsByToken(ctx, " ")
	requireCode(t, err, apperr.KindValidation, "MISSING_TOKEN")

	details, err := q.VaultDetails(ctx, vaultMaster)
	require.NoError(t, err)
	require.Len(t, details, 1)
	require.NotNil(t, details[0].TotalRewards)
	assert.True(t, details[0].TotalRewards.IsZero())
	require.NotNil(t, details[0].VaultPlan)
	assert.Equal(t, "Growth saving", details[0].VaultPlan.Name)

	_, err = q.VaultDetails(ctx, "Nowhere")
	requireCode(t, err, apperr.KindNotFound, "VAULT_NOT_FOUND")

	plans, err := q.Plans(ctx)
	require.NoError(t, err)
	assert.Len(t, plans, 3)
}

func TestProviderCallback(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	pending := &models.Transaction{
		TxHash:    models.PendingTxHashPrefix + "ramp-1",
		Type:      models.TransactionOnramp,
		Status:    models.StatusPending,
		Token:     "USDC",
		UserID:    "u1",
		Timestamp: t0,
	}
	require.NoError(t, h.store.RecordTransaction(ctx, pending))

	q := services.NewVaultQueryService(h.store).WithClock(func() time.Time { return t0.Add(time.Hour) })

	_, err := q.ProviderCallback(ctx, store.PendingUpdate{ID: pending.ID, Status: "settled"})
	requireCode(t, err, apperr.KindValidation, "INVALID_STATUS")

	amount := dec("25")
	tx, err := q.ProviderCallback(ctx, store.PendingUpdate{ID: pending.ID, Status: models.StatusConfirmed, TxHash: "ramp-sig", Amount: &amount})
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, tx.Status)
	assert.Equal(t, "ramp-sig", tx.TxHash)
	assertDecimal(t, "25", tx.Amount)
	assert.True(t, tx.Timestamp.Equal(t0.Add(time.Hour)))

	_, err = q.ProviderCallback(ctx, store.PendingUpdate{ID: pending.ID, Status: models.StatusFailed})
	requireCode(t, err, apperr.KindConflict, "TRANSACTION_NOT_PENDING")
}
