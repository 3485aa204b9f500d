package services

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"vault-settlement-system/amounts"
	"vault-settlement-system/apperr"
	"vault-settlement-system/models"
	"vault-settlement-system/store"
)

// VaultQueryService serves the read-only reporting views.
type VaultQueryService struct {
	store *store.VaultStore
	now   func() time.Time
}

func NewVaultQueryService(st *store.VaultStore) *VaultQueryService {
	return &VaultQueryService{store: st, now: func() time.Time { return time.Now().UTC() }}
}

func (s *VaultQueryService) WithClock(now func() time.Time) *VaultQueryService {
	s.now = now
	return s
}

func (s *VaultQueryService) Plans(ctx context.Context) ([]models.VaultPlan, error) {
	return s.store.ListPlans(ctx)
}

type VaultView struct {
	VaultName     string            `json:"vault_name"`
	VaultAddress  string            `json:"vault_address"`
	Token         string            `json:"token"`
	YieldRate     decimal.Decimal   `json:"yield_rate"`
	TotalDeposits decimal.Decimal   `json:"total_deposits"`
	UserCount     int               `json:"user_count"`
	TotalRewards  *decimal.Decimal  `json:"total_rewards,omitempty"`
	VaultPlan     *models.VaultPlan `json:"vault_plan,omitempty"`
}

// VaultsByToken lists the token's vaults, highest yield first.
func (s *VaultQueryService) VaultsByToken(ctx context.Context, token string) ([]VaultView, error) {
	if strings.TrimSpace(token) == "" {
		return nil, apperr.Validation("MISSING_TOKEN", "token is required")
	}
	summaries, err := s.store.GetVaultsByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	out := make([]VaultView, 0, len(summaries))
	for _, v := range summaries {
		out = append(out, VaultView{
			VaultName:     v.Vault.Name,
			VaultAddress:  v.Vault.ReceivingAddress,
			Token:         v.Vault.Token,
			YieldRate:     v.Vault.YieldRate,
			TotalDeposits: v.Vault.TotalDeposits,
			UserCount:     v.UserCount,
		})
	}
	return out, nil
}

func (s *VaultQueryService) VaultDetails(ctx context.Context, address string) ([]VaultView, error) {
	details, err := s.store.GetVaultDetails(ctx, address)
	if err != nil {
		return nil, err
	}
	out := make([]VaultView, 0, len(details))
	for _, d := range details {
		total := d.TotalRewards
		out = append(out, VaultView{
			VaultName:     d.Vault.Name,
			VaultAddress:  d.Vault.ReceivingAddress,
			Token:         d.Vault.Token,
			YieldRate:     d.Vault.YieldRate,
			TotalDeposits: d.Vault.TotalDeposits,
			UserCount:     d.UserCount,
			TotalRewards:  &total,
			VaultPlan:     d.Vault.VaultPlan,
		})
	}
	return out, nil
}

func (s *VaultQueryService) UserVaults(ctx context.Context, userID string) ([]models.UserVault, error) {
	return s.store.GetUserVaults(ctx, userID)
}

type PositionView struct {
	UserVaultID    string          `json:"user_vault_id"`
	VaultID        string          `json:"vault_id"`
	VaultPlanID    string          `json:"vault_plan_id"`
	VaultName      string          `json:"vault_name"`
	VaultAddress   string          `json:"vault_address"`
	Token          string          `json:"token"`
	Amount         decimal.Decimal `json:"amount"`
	YieldRate      decimal.Decimal `json:"yield_rate"`
	LockedUntil    time.Time       `json:"locked_until"`
	IsUnlocked     bool            `json:"is_unlocked"`
	RewardsPaid    decimal.Decimal `json:"rewards_paid"`
	RewardsAccrued decimal.Decimal `json:"rewards_accrued"`
}

// UserVaultsWithDetails lists funded positions with lock state, rewards
// already paid and the reward accrued so far on the remaining balance.
func (s *VaultQueryService) UserVaultsWithDetails(ctx context.Context, userID string) ([]PositionView, error) {
	uvs, err := s.store.GetUserVaultsWithRewards(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := make([]PositionView, 0, len(uvs))
	for _, uv := range uvs {
		paid := decimal.Zero
		for _, r := range uv.Rewards {
			paid = paid.Add(r.Amount)
		}
		view := PositionView{
			UserVaultID: uv.ID,
			VaultID:     uv.VaultID,
			Token:       uv.Token,
			Amount:      uv.Amount,
			LockedUntil: uv.LockedUntil,
			IsUnlocked:  !uv.IsLocked(now),
			RewardsPaid: paid,
		}
		if uv.Vault != nil {
			view.VaultPlanID = uv.Vault.VaultPlanID
			view.VaultAddress = uv.Vault.ReceivingAddress
			view.YieldRate = uv.Vault.YieldRate
			view.VaultName = uv.Vault.Name
			if uv.Vault.VaultPlan != nil {
				view.VaultName = uv.Vault.VaultPlan.Name
			}
		}
		view.RewardsAccrued = amounts.AccruedReward(uv.Amount, view.YieldRate, uv.CreatedAt, now)
		out = append(out, view)
	}
	return out, nil
}

func (s *VaultQueryService) VaultTransactions(ctx context.Context, address string) ([]models.Transaction, error) {
	return s.store.GetVaultTransactions(ctx, address)
}

func (s *VaultQueryService) VaultRewards(ctx context.Context, address string) ([]models.Reward, decimal.Decimal, error) {
	return s.store.GetVaultRewards(ctx, address)
}

func (s *VaultQueryService) UserHistory(ctx context.Context, userID string) ([]store.HistoryEntry, error) {
	return s.store.GetUserTransactions(ctx, userID)
}

// ProviderCallback applies an on/off-ramp provider status update.
func (s *VaultQueryService) ProviderCallback(ctx context.Context, update store.PendingUpdate) (*models.Transaction, error) {
	switch update.Status {
	case models.StatusConfirmed, models.StatusFailed, models.StatusPending:
	default:
		return nil, apperr.Validation("INVALID_STATUS", "unknown status %q", update.Status)
	}
	if update.At.IsZero() {
		update.At = s.now()
	}
	return s.store.UpdatePendingTransaction(ctx, update)
}
