// Package store persists vaults, positions, transactions and rewards, and
// holds the Redis-backed withdrawal lock and reconciliation backlog.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"vault-settlement-system/apperr"
	"vault-settlement-system/models"
)

const (
	CodeDuplicateTransaction = "DUPLICATE_TRANSACTION"
	CodeStoreFailure         = "STORE_FAILURE"
)

// VaultStore is the only writer of vault balances. Every balance change is a
// single atomic statement; multi-step records run in one DB transaction.
type VaultStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewVaultStore(db *gorm.DB) *VaultStore {
	return &VaultStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock replaces the clock used for updated_at stamps.
func (s *VaultStore) WithClock(now func() time.Time) *VaultStore {
	s.now = now
	return s
}

func (s *VaultStore) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// WithTx runs fn against a store bound to one database transaction. fn must
// only use the store it is given.
func (s *VaultStore) WithTx(ctx context.Context, fn func(tx *VaultStore) error) error {
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&VaultStore{db: tx, now: s.now})
	})
}

// Migrate creates or updates every table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(models.All()...)
}

func storeErr(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if _, ok := apperr.As(err); ok {
		return err
	}
	return apperr.Store(err, CodeStoreFailure, format, args...)
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

type VaultUpsert struct {
	PlanID           string
	Name             string
	Token            string
	ReceivingAddress string
	YieldRate        decimal.Decimal
	Delta            decimal.Decimal
}

// UpsertVault creates the (plan, token) vault or adds Delta to its total
// deposits in one statement.
func (s *VaultStore) UpsertVault(ctx context.Context, in VaultUpsert) (*models.Vault, error) {
	v := models.Vault{
		VaultPlanID:      in.PlanID,
		Name:             in.Name,
		Token:            in.Token,
		ReceivingAddress: in.ReceivingAddress,
		YieldRate:        in.YieldRate,
		TotalDeposits:    in.Delta,
	}
	err := s.conn(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "vault_plan_id"}, {Name: "token"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"total_deposits": gorm.Expr("vaults.total_deposits + EXCLUDED.total_deposits"),
			"updated_at":     s.now(),
		}),
	}).Create(&v).Error
	if err != nil {
		return nil, storeErr(err, "upsert vault for plan %s %s", in.PlanID, in.Token)
	}
	return s.GetVaultByPlanAndToken(ctx, in.PlanID, in.Token)
}

type UserVaultUpsert struct {
	UserID        string
	VaultID       string
	WalletAddress string
	Token         string
	Delta         decimal.Decimal
	LockedUntil   time.Time
	// At is the position's reward anchor when the row is created.
	At time.Time
}

// UpsertUserVault creates the position or adds Delta to it. The lock expiry
// is always overwritten with in.LockedUntil, even when it moves earlier.
func (s *VaultStore) UpsertUserVault(ctx context.Context, in UserVaultUpsert) (*models.UserVault, error) {
	uv := models.UserVault{
		UserID:        in.UserID,
		VaultID:       in.VaultID,
		WalletAddress: in.WalletAddress,
		Token:         in.Token,
		Amount:        in.Delta,
		LockedUntil:   in.LockedUntil,
		CreatedAt:     in.At,
	}
	err := s.conn(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "vault_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"amount":       gorm.Expr("user_vaults.amount + EXCLUDED.amount"),
			"locked_until": gorm.Expr("EXCLUDED.locked_until"),
			"updated_at":   s.now(),
		}),
	}).Create(&uv).Error
	if err != nil {
		return nil, storeErr(err, "upsert position for user %s vault %s", in.UserID, in.VaultID)
	}
	return s.GetUserVault(ctx, in.UserID, in.VaultID)
}

// RecordTransaction appends tx. A reused TxHash is a Conflict.
func (s *VaultStore) RecordTransaction(ctx context.Context, tx *models.Transaction) error {
	if err := s.conn(ctx).Create(tx).Error; err != nil {
		if isDuplicate(err) {
			return apperr.New(apperr.KindConflict, CodeDuplicateTransaction, "transaction %s already recorded", tx.TxHash)
		}
		return storeErr(err, "record transaction %s", tx.TxHash)
	}
	return nil
}

// DecrementUserVaultAmount subtracts amount only if the balance covers it.
// Concurrent callers are linearized by the conditional UPDATE.
func (s *VaultStore) DecrementUserVaultAmount(ctx context.Context, userVaultID string, amount decimal.Decimal) error {
	res := s.conn(ctx).Model(&models.UserVault{}).
		Where("id = ? AND amount >= ?", userVaultID, amount).
		Updates(map[string]interface{}{
			"amount":     gorm.Expr("amount - ?", amount),
			"updated_at": s.now(),
		})
	if res.Error != nil {
		return storeErr(res.Error, "decrement position %s", userVaultID)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var count int64
	if err := s.conn(ctx).Model(&models.UserVault{}).Where("id = ?", userVaultID).Count(&count).Error; err != nil {
		return storeErr(err, "look up position %s", userVaultID)
	}
	if count == 0 {
		return apperr.NotFound("POSITION_NOT_FOUND", "position %s not found", userVaultID)
	}
	return apperr.InsufficientBalance("position %s holds less than %s", userVaultID, amount)
}

func (s *VaultStore) RecordReward(ctx context.Context, r *models.Reward) error {
	if err := s.conn(ctx).Create(r).Error; err != nil {
		return storeErr(err, "record reward for position %s", r.UserVaultID)
	}
	return nil
}

func (s *VaultStore) txExists(ctx context.Context, txHash string) (*models.Transaction, error) {
	var tx models.Transaction
	err := s.conn(ctx).Where("tx_hash = ?", txHash).First(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(err, "look up transaction %s", txHash)
	}
	return &tx, nil
}

type DepositRecord struct {
	UserID           string
	WalletAddress    string
	PlanID           string
	PlanName         string
	YieldRate        decimal.Decimal
	Token            string
	ReceivingAddress string
	Amount           decimal.Decimal
	LockedUntil      time.Time
	TxHash           string
	At               time.Time
}

type DepositResult struct {
	Vault       *models.Vault
	UserVault   *models.UserVault
	Transaction *models.Transaction
}

// RecordDeposit applies a verified deposit: vault total, user position and
// the deposit transaction commit together or not at all.
func (s *VaultStore) RecordDeposit(ctx context.Context, in DepositRecord) (*DepositResult, error) {
	var out DepositResult
	err := s.WithTx(ctx, func(tx *VaultStore) error {
		existing, err := tx.txExists(ctx, in.TxHash)
		if err != nil {
			return err
		}
		if existing != nil {
			return apperr.New(apperr.KindConflict, CodeDuplicateTransaction, "transaction %s already recorded", in.TxHash)
		}

		vault, err := tx.UpsertVault(ctx, VaultUpsert{
			PlanID:           in.PlanID,
			Name:             in.PlanName,
			Token:            in.Token,
			ReceivingAddress: in.ReceivingAddress,
			YieldRate:        in.YieldRate,
			Delta:            in.Amount,
		})
		if err != nil {
			return err
		}

		uv, err := tx.UpsertUserVault(ctx, UserVaultUpsert{
			UserID:        in.UserID,
			VaultID:       vault.ID,
			WalletAddress: in.WalletAddress,
			Token:         in.Token,
			Delta:         in.Amount,
			LockedUntil:   in.LockedUntil,
			At:            in.At,
		})
		if err != nil {
			return err
		}

		record := &models.Transaction{
			TxHash:           in.TxHash,
			Type:             models.TransactionDeposit,
			Status:           models.StatusConfirmed,
			Amount:           in.Amount,
			Token:            in.Token,
			UserID:           in.UserID,
			VaultID:          &vault.ID,
			UserVaultID:      &uv.ID,
			WalletAddress:    in.WalletAddress,
			ReceivingAddress: vault.ReceivingAddress,
			Timestamp:        in.At,
		}
		if err := tx.RecordTransaction(ctx, record); err != nil {
			return err
		}

		out = DepositResult{Vault: vault, UserVault: uv, Transaction: record}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// WithdrawalRecord is a payout that has left custody and must be recorded.
type WithdrawalRecord struct {
	UserID           string          `json:"user_id"`
	UserVaultID      string          `json:"user_vault_id"`
	VaultID          string          `json:"vault_id"`
	Token            string          `json:"token"`
	WalletAddress    string          `json:"wallet_address"`
	ReceivingAddress string          `json:"receiving_address"`
	Principal        decimal.Decimal `json:"principal"`
	Reward           decimal.Decimal `json:"reward"`
	Fee              decimal.Decimal `json:"fee"`
	Net              decimal.Decimal `json:"net"`
	TxHash           string          `json:"tx_hash"`
	At               time.Time       `json:"at"`
}

type WithdrawalResult struct {
	Transaction *models.Transaction
	Reward      *models.Reward
	// AlreadyRecorded is true when TxHash had been recorded before this call.
	AlreadyRecorded bool
}

// RecordWithdrawal decrements the position, appends the withdrawal and its
// reward. Recording the same payout signature twice returns the first record.
func (s *VaultStore) RecordWithdrawal(ctx context.Context, in WithdrawalRecord) (*WithdrawalResult, error) {
	var out WithdrawalResult
	err := s.WithTx(ctx, func(tx *VaultStore) error {
		existing, err := tx.txExists(ctx, in.TxHash)
		if err != nil {
			return err
		}
		if existing != nil {
			out = WithdrawalResult{Transaction: existing, AlreadyRecorded: true}
			var reward models.Reward
			err := tx.conn(ctx).Where("tx_hash = ?", in.TxHash).First(&reward).Error
			if err == nil {
				out.Reward = &reward
			} else if !errors.Is(err, gorm.ErrRecordNotFound) {
				return storeErr(err, "look up reward for %s", in.TxHash)
			}
			return nil
		}

		if err := tx.DecrementUserVaultAmount(ctx, in.UserVaultID, in.Principal); err != nil {
			return err
		}

		record := &models.Transaction{
			TxHash:           in.TxHash,
			Type:             models.TransactionWithdraw,
			Status:           models.StatusConfirmed,
			Amount:           in.Net,
			Token:            in.Token,
			UserID:           in.UserID,
			VaultID:          &in.VaultID,
			UserVaultID:      &in.UserVaultID,
			WalletAddress:    in.WalletAddress,
			ReceivingAddress: in.ReceivingAddress,
			Timestamp:        in.At,
		}
		if err := tx.RecordTransaction(ctx, record); err != nil {
			return err
		}
		out.Transaction = record

		if in.Reward.IsPositive() {
			reward := &models.Reward{
				UserVaultID:   in.UserVaultID,
				VaultID:       in.VaultID,
				Token:         in.Token,
				Amount:        in.Reward,
				WalletAddress: in.WalletAddress,
				TxHash:        in.TxHash,
				Timestamp:     in.At,
			}
			if err := tx.RecordReward(ctx, reward); err != nil {
				return err
			}
			out.Reward = reward
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}
