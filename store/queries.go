package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"vault-settlement-system/apperr"
	"vault-settlement-system/models"
)

func notFound(err error, code, format string, args ...interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound(code, format, args...)
	}
	return storeErr(err, format, args...)
}

func (s *VaultStore) GetPlan(ctx context.Context, planID string) (*models.VaultPlan, error) {
	var plan models.VaultPlan
	if err := s.conn(ctx).Where("id = ?", planID).First(&plan).Error; err != nil {
		return nil, notFound(err, "PLAN_NOT_FOUND", "vault plan %s not found", planID)
	}
	return &plan, nil
}

// ListPlans returns every plan with its vaults, newest first.
func (s *VaultStore) ListPlans(ctx context.Context) ([]models.VaultPlan, error) {
	var plans []models.VaultPlan
	if err := s.conn(ctx).Preload("Vaults").Order("created_at desc").Find(&plans).Error; err != nil {
		return nil, storeErr(err, "list vault plans")
	}
	return plans, nil
}

// SeedPlans inserts every plan whose name is not present yet and leaves
// existing plans untouched. It returns the names it created.
func (s *VaultStore) SeedPlans(ctx context.Context, plans []models.VaultPlan) ([]string, error) {
	var created []string
	err := s.WithTx(ctx, func(tx *VaultStore) error {
		for i := range plans {
			var count int64
			if err := tx.conn(ctx).Model(&models.VaultPlan{}).Where("name = ?", plans[i].Name).Count(&count).Error; err != nil {
				return storeErr(err, "look up plan %q", plans[i].Name)
			}
			if count > 0 {
				continue
			}
			if err := tx.conn(ctx).Create(&plans[i]).Error; err != nil {
				return storeErr(err, "seed plan %q", plans[i].Name)
			}
			created = append(created, plans[i].Name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// GetAccount returns the user's active ledger account.
func (s *VaultStore) GetAccount(ctx context.Context, userID string) (*models.LedgerAccount, error) {
	var acct models.LedgerAccount
	err := s.conn(ctx).Where("user_id = ? AND is_active = ?", userID, true).First(&acct).Error
	if err != nil {
		return nil, notFound(err, "ACCOUNT_NOT_FOUND", "no ledger account for user %s", userID)
	}
	return &acct, nil
}

// UpsertAccounts mirrors accounts keyed by user id in one statement.
func (s *VaultStore) UpsertAccounts(ctx context.Context, accounts []models.LedgerAccount) error {
	if len(accounts) == 0 {
		return nil
	}
	err := s.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"address", "is_active", "updated_at", "deleted_at"}),
	}).Create(&accounts).Error
	return storeErr(err, "upsert %d ledger account(s)", len(accounts))
}

// LastAccountSync is the newest mirrored account change, or zero when none.
func (s *VaultStore) LastAccountSync(ctx context.Context) (time.Time, error) {
	var acct models.LedgerAccount
	err := s.conn(ctx).Unscoped().Order("updated_at desc").First(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, storeErr(err, "read last account sync")
	}
	return acct.UpdatedAt, nil
}

func (s *VaultStore) GetVaultByPlanAndToken(ctx context.Context, planID, token string) (*models.Vault, error) {
	var v models.Vault
	err := s.conn(ctx).Where("vault_plan_id = ? AND token = ?", planID, token).First(&v).Error
	if err != nil {
		return nil, notFound(err, "VAULT_NOT_FOUND", "no %s vault for plan %s", token, planID)
	}
	return &v, nil
}

func (s *VaultStore) GetUserVault(ctx context.Context, userID, vaultID string) (*models.UserVault, error) {
	var uv models.UserVault
	err := s.conn(ctx).Where("user_id = ? AND vault_id = ?", userID, vaultID).First(&uv).Error
	if err != nil {
		return nil, notFound(err, "POSITION_NOT_FOUND", "no deposit found for user %s in vault %s", userID, vaultID)
	}
	return &uv, nil
}

// GetUserVaults lists every position of the user, including empty ones.
func (s *VaultStore) GetUserVaults(ctx context.Context, userID string) ([]models.UserVault, error) {
	var uvs []models.UserVault
	err := s.conn(ctx).Preload("Vault").Where("user_id = ?", userID).Order("created_at asc").Find(&uvs).Error
	if err != nil {
		return nil, storeErr(err, "list positions of user %s", userID)
	}
	return uvs, nil
}

// GetUserVaultsWithRewards lists funded positions with vault, plan and paid rewards.
func (s *VaultStore) GetUserVaultsWithRewards(ctx context.Context, userID string) ([]models.UserVault, error) {
	var uvs []models.UserVault
	err := s.conn(ctx).
		Preload("Vault.VaultPlan").
		Preload("Rewards").
		Where("user_id = ? AND amount > ?", userID, 0).
		Order("created_at asc").
		Find(&uvs).Error
	if err != nil {
		return nil, storeErr(err, "list funded positions of user %s", userID)
	}
	return uvs, nil
}

type VaultSummary struct {
	Vault     models.Vault
	UserCount int
}

// GetVaultsByToken lists the token's vaults, highest yield first.
func (s *VaultStore) GetVaultsByToken(ctx context.Context, token string) ([]VaultSummary, error) {
	var vaults []models.Vault
	err := s.conn(ctx).Preload("UserVaults").Where("token = ?", strings.ToUpper(token)).Order("yield_rate desc").Find(&vaults).Error
	if err != nil {
		return nil, storeErr(err, "list %s vaults", token)
	}
	out := make([]VaultSummary, 0, len(vaults))
	for _, v := range vaults {
		out = append(out, VaultSummary{Vault: v, UserCount: len(v.UserVaults)})
	}
	return out, nil
}

type VaultDetails struct {
	Vault        models.Vault
	UserCount    int
	TotalRewards decimal.Decimal
}

// GetVaultDetails describes every vault paid into address.
func (s *VaultStore) GetVaultDetails(ctx context.Context, address string) ([]VaultDetails, error) {
	var vaults []models.Vault
	err := s.conn(ctx).
		Preload("VaultPlan").
		Preload("UserVaults.Rewards").
		Where("receiving_address = ?", address).
		Order("created_at asc").
		Find(&vaults).Error
	if err != nil {
		return nil, storeErr(err, "load vaults at %s", address)
	}
	if len(vaults) == 0 {
		return nil, apperr.NotFound("VAULT_NOT_FOUND", "no vault at %s", address)
	}

	out := make([]VaultDetails, 0, len(vaults))
	for _, v := range vaults {
		total := decimal.Zero
		for _, uv := range v.UserVaults {
			for _, r := range uv.Rewards {
				total = total.Add(r.Amount)
			}
		}
		out = append(out, VaultDetails{Vault: v, UserCount: len(v.UserVaults), TotalRewards: total})
	}
	return out, nil
}

func (s *VaultStore) vaultIDsAt(ctx context.Context, address string) ([]string, error) {
	var ids []string
	if err := s.conn(ctx).Model(&models.Vault{}).Where("receiving_address = ?", address).Pluck("id", &ids).Error; err != nil {
		return nil, storeErr(err, "load vaults at %s", address)
	}
	if len(ids) == 0 {
		return nil, apperr.NotFound("VAULT_NOT_FOUND", "no vault at %s", address)
	}
	return ids, nil
}

// GetVaultTransactions lists transactions of the vaults at address, newest first.
func (s *VaultStore) GetVaultTransactions(ctx context.Context, address string) ([]models.Transaction, error) {
	ids, err := s.vaultIDsAt(ctx, address)
	if err != nil {
		return nil, err
	}
	var txs []models.Transaction
	err = s.conn(ctx).Preload("UserVault").Where("vault_id IN ?", ids).Order("timestamp desc").Find(&txs).Error
	if err != nil {
		return nil, storeErr(err, "list transactions at %s", address)
	}
	return txs, nil
}

// GetVaultRewards lists rewards paid from the vaults at address and their sum.
func (s *VaultStore) GetVaultRewards(ctx context.Context, address string) ([]models.Reward, decimal.Decimal, error) {
	ids, err := s.vaultIDsAt(ctx, address)
	if err != nil {
		return nil, decimal.Zero, err
	}
	var rewards []models.Reward
	if err := s.conn(ctx).Where("vault_id IN ?", ids).Order("timestamp desc").Find(&rewards).Error; err != nil {
		return nil, decimal.Zero, storeErr(err, "list rewards at %s", address)
	}
	total := decimal.Zero
	for _, r := range rewards {
		total = total.Add(r.Amount)
	}
	return rewards, total, nil
}

// HistoryEntry is one row of a user's history: a transaction or a reward.
type HistoryEntry struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Status        string          `json:"status,omitempty"`
	Token         string          `json:"token"`
	Amount        decimal.Decimal `json:"amount"`
	TxHash        string          `json:"tx_hash,omitempty"`
	WalletAddress string          `json:"wallet_address"`
	VaultName     string          `json:"vault_name,omitempty"`
	VaultAddress  string          `json:"vault_address,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// GetUserTransactions merges the user's transactions with rewards paid on
// their positions, newest first.
func (s *VaultStore) GetUserTransactions(ctx context.Context, userID string) ([]HistoryEntry, error) {
	var txs []models.Transaction
	if err := s.conn(ctx).Preload("Vault").Where("user_id = ?", userID).Find(&txs).Error; err != nil {
		return nil, storeErr(err, "list transactions of user %s", userID)
	}

	var rewards []models.Reward
	err := s.conn(ctx).
		Preload("UserVault.Vault").
		Where("user_vault_id IN (?)", s.conn(ctx).Model(&models.UserVault{}).Select("id").Where("user_id = ?", userID)).
		Find(&rewards).Error
	if err != nil {
		return nil, storeErr(err, "list rewards of user %s", userID)
	}

	entries := make([]HistoryEntry, 0, len(txs)+len(rewards))
	for _, t := range txs {
		e := HistoryEntry{
			ID:            t.ID,
			Type:          string(t.Type),
			Status:        string(t.Status),
			Token:         t.Token,
			Amount:        t.Amount,
			TxHash:        t.TxHash,
			WalletAddress: t.WalletAddress,
			VaultAddress:  t.ReceivingAddress,
			Timestamp:     t.Timestamp,
		}
		if t.Vault != nil {
			e.VaultName = t.Vault.Name
		}
		entries = append(entries, e)
	}
	for _, r := range rewards {
		e := HistoryEntry{
			ID:            r.ID,
			Type:          "reward",
			Token:         r.Token,
			Amount:        r.Amount,
			TxHash:        r.TxHash,
			WalletAddress: r.WalletAddress,
			Timestamp:     r.Timestamp,
		}
		if r.UserVault != nil && r.UserVault.Vault != nil {
			e.VaultName = r.UserVault.Vault.Name
			e.VaultAddress = r.UserVault.Vault.ReceivingAddress
		}
		entries = append(entries, e)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
	return entries, nil
}

type WithdrawOption struct {
	UserVaultID  string          `json:"user_vault_id"`
	VaultPlanID  string          `json:"vault_plan_id"`
	PlanName     string          `json:"plan_name"`
	Token        string          `json:"token"`
	Amount       decimal.Decimal `json:"amount"`
	LockedUntil  time.Time       `json:"locked_until"`
	APY          decimal.Decimal `json:"apy"`
	VaultAddress string          `json:"vault_address"`
}

// WithdrawOptions lists the user's positions that hold a balance.
func (s *VaultStore) WithdrawOptions(ctx context.Context, userID string) ([]WithdrawOption, error) {
	var uvs []models.UserVault
	err := s.conn(ctx).
		Preload("Vault.VaultPlan").
		Where("user_id = ? AND amount > ?", userID, 0).
		Order("created_at asc").
		Find(&uvs).Error
	if err != nil {
		return nil, storeErr(err, "list withdraw options of user %s", userID)
	}

	out := make([]WithdrawOption, 0, len(uvs))
	for _, uv := range uvs {
		opt := WithdrawOption{
			UserVaultID: uv.ID,
			Token:       uv.Token,
			Amount:      uv.Amount,
			LockedUntil: uv.LockedUntil,
		}
		if uv.Vault != nil {
			opt.VaultPlanID = uv.Vault.VaultPlanID
			opt.APY = uv.Vault.YieldRate
			opt.VaultAddress = uv.Vault.ReceivingAddress
			if uv.Vault.VaultPlan != nil {
				opt.PlanName = uv.Vault.VaultPlan.Name
			}
		}
		out = append(out, opt)
	}
	return out, nil
}

type PendingUpdate struct {
	ID     string
	Status models.TransactionStatus
	TxHash string
	Amount *decimal.Decimal
	Token  string
	At     time.Time
}

// UpdatePendingTransaction applies a provider callback. Only rows still
// pending may change; without a provider hash the placeholder hash stays.
func (s *VaultStore) UpdatePendingTransaction(ctx context.Context, in PendingUpdate) (*models.Transaction, error) {
	hash := in.TxHash
	updates := map[string]interface{}{
		"status":    in.Status,
		"timestamp": in.At,
	}
	if hash != "" {
		updates["tx_hash"] = hash
	}
	if in.Amount != nil {
		updates["amount"] = *in.Amount
	}
	if in.Token != "" {
		updates["token"] = in.Token
	}

	var out models.Transaction
	err := s.WithTx(ctx, func(tx *VaultStore) error {
		res := tx.conn(ctx).Model(&models.Transaction{}).
			Where("id = ? AND status = ?", in.ID, models.StatusPending).
			Updates(updates)
		if res.Error != nil {
			if isDuplicate(res.Error) {
				return apperr.New(apperr.KindConflict, CodeDuplicateTransaction, "transaction %s already recorded", hash)
			}
			return storeErr(res.Error, "update transaction %s", in.ID)
		}
		if err := tx.conn(ctx).Where("id = ?", in.ID).First(&out).Error; err != nil {
			return notFound(err, "TRANSACTION_NOT_FOUND", "transaction %s not found", in.ID)
		}
		if res.RowsAffected == 0 {
			return apperr.New(apperr.KindConflict, "TRANSACTION_NOT_PENDING", "transaction %s is %s", in.ID, out.Status)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}
