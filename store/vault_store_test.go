package store_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vault-settlement-system/apperr"
	"vault-settlement-system/models"
	"vault-settlement-system/store"
	"vault-settlement-system/store/storetest"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.Truef(t, dec(want).Equal(got), "want %s, got %s", want, got)
}

func newStore(t *testing.T) (*store.VaultStore, models.VaultPlan) {
	t.Helper()
	s := store.NewVaultStore(storetest.NewDB(t))
	plans := []models.VaultPlan{{
		Name:        "Growth saving",
		RiskType:    "LOW",
		APY:         dec("0.12"),
		MinLockDays: 30,
		MinDeposit:  dec("50"),
		IsActive:    true,
	}}
	_, err := s.SeedPlans(context.Background(), plans)
	require.NoError(t, err)
	return s, plans[0]
}

func deposit(plan models.VaultPlan, user, hash, amount string, at time.Time) store.DepositRecord {
	return store.DepositRecord{
		UserID:           user,
		WalletAddress:    "wallet-" + user,
		PlanID:           plan.ID,
		PlanName:         plan.Name,
		YieldRate:        plan.APY,
		Token:            "USDC",
		ReceivingAddress: "vault-master",
		Amount:           dec(amount),
		LockedUntil:      at.AddDate(0, 0, plan.MinLockDays),
		TxHash:           hash,
		At:               at,
	}
}

func TestRecordDepositCreatesAndAccumulates(t *testing.T) {
	s, plan := newStore(t)
	ctx := context.Background()

	first, err := s.RecordDeposit(ctx, deposit(plan, "u1", "sig-1", "100", t0))
	require.NoError(t, err)
	assertDecimal(t, "100", first.Vault.TotalDeposits)
	assertDecimal(t, "100", first.UserVault.Amount)
	assert.Equal(t, plan.Name, first.Vault.Name)
	assert.Equal(t, models.TransactionDeposit, first.Transaction.Type)
	assert.Equal(t, models.StatusConfirmed, first.Transaction.Status)

	_, err = s.RecordDeposit(ctx, deposit(plan, "u2", "sig-2", "40.5", t0))
	require.NoError(t, err)
	second, err := s.RecordDeposit(ctx, deposit(plan, "u1", "sig-3", "0.25", t0.Add(time.Hour)))
	require.NoError(t, err)

	assert.Equal(t, first.Vault.ID, second.Vault.ID)
	assert.Equal(t, first.UserVault.ID, second.UserVault.ID)
	assertDecimal(t, "140.75", second.Vault.TotalDeposits)
	assertDecimal(t, "100.25", second.UserVault.Amount)
	assert.True(t, second.UserVault.CreatedAt.Equal(t0), "reward anchor must not move")
}

func TestRecordDepositOverwritesLockEvenWhenEarlier(t *testing.T) {
	s, plan := newStore(t)
	ctx := context.Background()

	rec := deposit(plan, "u1", "sig-1", "100", t0)
	rec.LockedUntil = t0.AddDate(0, 0, 30)
	_, err := s.RecordDeposit(ctx, rec)
	require.NoError(t, err)

	rec = deposit(plan, "u1", "sig-2", "10", t0)
	rec.LockedUntil = t0.AddDate(0, 0, 7)
	res, err := s.RecordDeposit(ctx, rec)
	require.NoError(t, err)

	assert.True(t, res.UserVault.LockedUntil.Equal(t0.AddDate(0, 0, 7)), "got %s", res.UserVault.LockedUntil)
}

func TestRecordDepositRejectsDuplicateHash(t *testing.T) {
	s, plan := newStore(t)
	ctx := context.Background()

	_, err := s.RecordDeposit(ctx, deposit(plan, "u1", "sig-1", "100", t0))
	require.NoError(t, err)

	_, err = s.RecordDeposit(ctx, deposit(plan, "u1", "sig-1", "100", t0))
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindConflict, e.Kind)
	assert.Equal(t, store.CodeDuplicateTransaction, e.Code)

	vault, err := s.GetVaultByPlanAndToken(ctx, plan.ID, "USDC")
	require.NoError(t, err)
	assertDecimal(t, "100", vault.TotalDeposits)
}

func TestDecrementGuardsBalance(t *testing.T) {
	s, plan := newStore(t)
	ctx := context.Background()
	res, err := s.RecordDeposit(ctx, deposit(plan, "u1", "sig-1", "10", t0))
	require.NoError(t, err)

	err = s.DecrementUserVaultAmount(ctx, res.UserVault.ID, dec("10.000001"))
	assert.ErrorIs(t, err, &apperr.Error{Kind: apperr.KindInsufficientBalance})

	err = s.DecrementUserVaultAmount(ctx, "00000000-0000-0000-0000-000000000000", dec("1"))
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	require.NoError(t, s.DecrementUserVaultAmount(ctx, res.UserVault.ID, dec("10")))
	uv, err := s.GetUserVault(ctx, "u1", res.Vault.ID)
	require.NoError(t, err)
	assert.True(t, uv.Amount.IsZero())
}

func TestConcurrentDecrementsConserveBalance(t *testing.T) {
	s, plan := newStore(t)
	ctx := context.Background()
	res, err := s.RecordDeposit(ctx, deposit(plan, "u1", "sig-1", "100", t0))
	require.NoError(t, err)

	const n = 5
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.DecrementUserVaultAmount(ctx, res.UserVault.ID, dec("25"))
		}(i)
	}
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			assert.Equal(t, apperr.KindInsufficientBalance, apperr.KindOf(err))
			failed++
		}
	}
	assert.Equal(t, 1, failed)

	uv, err := s.GetUserVault(ctx, "u1", res.Vault.ID)
	require.NoError(t, err)
	assert.True(t, uv.Amount.IsZero(), "got %s", uv.Amount)
}

func withdrawal(res *store.DepositResult, hash string) store.WithdrawalRecord {
	return store.WithdrawalRecord{
		UserID:           res.UserVault.UserID,
		UserVaultID:      res.UserVault.ID,
		VaultID:          res.Vault.ID,
		Token:            "USDC",
		WalletAddress:    "payout",
		ReceivingAddress: res.Vault.ReceivingAddress,
		Principal:        dec("40"),
		Reward:           dec("0.131506"),
		Fee:              dec("0.401315"),
		Net:              dec("39.730191"),
		TxHash:           hash,
		At:               t0.AddDate(0, 0, 10),
	}
}

func TestRecordWithdrawalIsIdempotentOnSignature(t *testing.T) {
	s, plan := newStore(t)
	ctx := context.Background()
	res, err := s.RecordDeposit(ctx, deposit(plan, "u1", "sig-1", "100", t0))
	require.NoError(t, err)

	first, err := s.RecordWithdrawal(ctx, withdrawal(res, "payout-1"))
	require.NoError(t, err)
	assert.False(t, first.AlreadyRecorded)
	require.NotNil(t, first.Reward)
	assertDecimal(t, "39.730191", first.Transaction.Amount)

	again, err := s.RecordWithdrawal(ctx, withdrawal(res, "payout-1"))
	require.NoError(t, err)
	assert.True(t, again.AlreadyRecorded)
	assert.Equal(t, first.Transaction.ID, again.Transaction.ID)
	require.NotNil(t, again.Reward)
	assert.Equal(t, first.Reward.ID, again.Reward.ID)

	uv, err := s.GetUserVault(ctx, "u1", res.Vault.ID)
	require.NoError(t, err)
	assertDecimal(t, "60", uv.Amount)
}

func TestRecordWithdrawalRollsBackOnInsufficientBalance(t *testing.T) {
	s, plan := newStore(t)
	ctx := context.Background()
	res, err := s.RecordDeposit(ctx, deposit(plan, "u1", "sig-1", "10", t0))
	require.NoError(t, err)

	_, err = s.RecordWithdrawal(ctx, withdrawal(res, "payout-1"))
	assert.Equal(t, apperr.KindInsufficientBalance, apperr.KindOf(err))

	history, err := s.GetUserTransactions(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestUserHistoryMergesRewardsNewestFirst(t *testing.T) {
	s, plan := newStore(t)
	ctx := context.Background()
	res, err := s.RecordDeposit(ctx, deposit(plan, "u1", "sig-1", "100", t0))
	require.NoError(t, err)
	_, err = s.RecordWithdrawal(ctx, withdrawal(res, "payout-1"))
	require.NoError(t, err)
	_, err = s.RecordDeposit(ctx, deposit(plan, "u2", "sig-2", "100", t0))
	require.NoError(t, err)

	history, err := s.GetUserTransactions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, history, 3)

	types := []string{history[0].Type, history[1].Type, history[2].Type}
	assert.ElementsMatch(t, []string{"withdraw", "reward", "deposit"}, types)
	assert.Equal(t, "deposit", history[2].Type)
	for _, h := range history {
		assert.Equal(t, plan.Name, h.VaultName)
	}
}

func TestWithdrawOptionsSkipEmptyPositions(t *testing.T) {
	s, plan := newStore(t)
	ctx := context.Background()
	res, err := s.RecordDeposit(ctx, deposit(plan, "u1", "sig-1", "25", t0))
	require.NoError(t, err)

	opts, err := s.WithdrawOptions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, opts, 1)
	assert.Equal(t, plan.ID, opts[0].VaultPlanID)
	assert.Equal(t, plan.Name, opts[0].PlanName)
	assert.Equal(t, "vault-master", opts[0].VaultAddress)
	assertDecimal(t, "0.12", opts[0].APY)

	require.NoError(t, s.DecrementUserVaultAmount(ctx, res.UserVault.ID, dec("25")))
	opts, err = s.WithdrawOptions(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, opts)
}

func TestVaultReporting(t *testing.T) {
	s, plan := newStore(t)
	ctx := context.Background()
	res, err := s.RecordDeposit(ctx, deposit(plan, "u1", "sig-1", "100", t0))
	require.NoError(t, err)
	_, err = s.RecordDeposit(ctx, deposit(plan, "u2", "sig-2", "50", t0))
	require.NoError(t, err)
	_, err = s.RecordWithdrawal(ctx, withdrawal(res, "payout-1"))
	require.NoError(t, err)

	details, err := s.GetVaultDetails(ctx, "vault-master")
	require.NoError(t, err)
	require.Len(t, details, 1)
	assert.Equal(t, 2, details[0].UserCount)
	assertDecimal(t, "0.131506", details[0].TotalRewards)
	require.NotNil(t, details[0].Vault.VaultPlan)

	byToken, err := s.GetVaultsByToken(ctx, "usdc")
	require.NoError(t, err)
	require.Len(t, byToken, 1)
	assert.Equal(t, 2, byToken[0].UserCount)

	txs, err := s.GetVaultTransactions(ctx, "vault-master")
	require.NoError(t, err)
	assert.Len(t, txs, 3)

	rewards, total, err := s.GetVaultRewards(ctx, "vault-master")
	require.NoError(t, err)
	assert.Len(t, rewards, 1)
	assertDecimal(t, "0.131506", total)

	_, err = s.GetVaultDetails(ctx, "nowhere")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestUpdatePendingTransactionOnlyTouchesPending(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	pending := &models.Transaction{
		TxHash: models.PendingTxHashPrefix + "1",
		Type:   models.TransactionOnramp,
		Status: models.StatusPending,
		Amount: dec("20"),
		Token:  "USDC",
		UserID: "u1",
	}
	require.NoError(t, s.RecordTransaction(ctx, pending))
	assert.True(t, pending.IsPlaceholder())

	amount := dec("19.5")
	updated, err := s.UpdatePendingTransaction(ctx, store.PendingUpdate{
		ID:     pending.ID,
		Status: models.StatusConfirmed,
		TxHash: "provider-hash",
		Amount: &amount,
		At:     t0,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, updated.Status)
	assert.Equal(t, "provider-hash", updated.TxHash)
	assertDecimal(t, "19.5", updated.Amount)

	_, err = s.UpdatePendingTransaction(ctx, store.PendingUpdate{ID: pending.ID, Status: models.StatusFailed, At: t0})
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	_, err = s.UpdatePendingTransaction(ctx, store.PendingUpdate{ID: "11111111-1111-1111-1111-111111111111", Status: models.StatusFailed, At: t0})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestUpdatePendingTransactionKeepsPlaceholderWithoutProviderHash(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	pending := &models.Transaction{
		TxHash: models.PendingTxHashPrefix + "2",
		Type:   models.TransactionOnramp,
		Status: models.StatusPending,
		Amount: dec("20"),
		Token:  "USDC",
		UserID: "u1",
	}
	require.NoError(t, s.RecordTransaction(ctx, pending))

	updated, err := s.UpdatePendingTransaction(ctx, store.PendingUpdate{ID: pending.ID, Status: models.StatusFailed, At: t0})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, updated.Status)
	assert.Equal(t, models.PendingTxHashPrefix+"2", updated.TxHash)
	assert.True(t, updated.IsPlaceholder())
}

func TestSeedPlansIsIdempotent(t *testing.T) {
	s, plan := newStore(t)
	ctx := context.Background()
	assert.Equal(t, "growth-saving", plan.Slug)

	created, err := s.SeedPlans(ctx, []models.VaultPlan{
		{Name: "Growth saving", RiskType: "LOW", APY: dec("0.5"), MinDeposit: dec("1"), IsActive: true},
		{Name: "Aggressive Yield 365", RiskType: "HIGH", APY: dec("0.15"), MinLockDays: 7, MinDeposit: dec("100"), IsActive: true},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Aggressive Yield 365"}, created)

	plans, err := s.ListPlans(ctx)
	require.NoError(t, err)
	assert.Len(t, plans, 2)

	got, err := s.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assertDecimal(t, "0.12", got.APY)
}

func TestAccountsMirror(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	last, err := s.LastAccountSync(ctx)
	require.NoError(t, err)
	assert.True(t, last.IsZero())

	require.NoError(t, s.UpsertAccounts(ctx, []models.LedgerAccount{
		{UserID: "u1", Address: "addr-1", IsActive: true, UpdatedAt: t0},
		{UserID: "u2", Address: "addr-2", IsActive: false, UpdatedAt: t0},
	}))
	require.NoError(t, s.UpsertAccounts(ctx, []models.LedgerAccount{
		{UserID: "u1", Address: "addr-1b", IsActive: true, UpdatedAt: t0.Add(time.Minute)},
	}))

	acct, err := s.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "addr-1b", acct.Address)

	_, err = s.GetAccount(ctx, "u2")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	last, err = s.LastAccountSync(ctx)
	require.NoError(t, err)
	assert.True(t, last.Equal(t0.Add(time.Minute)), fmt.Sprint(last))
}
