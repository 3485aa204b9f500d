package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Reward is the accrued yield paid out with a withdrawal. Rows are only ever
// written as part of recording that withdrawal.
type Reward struct {
	ID          string          `gorm:"primaryKey;type:uuid" json:"id"`
	UserVaultID string          `gorm:"type:uuid;not null;index" json:"user_vault_id"`
	VaultID     string          `gorm:"type:uuid;not null;index" json:"vault_id"`
	Token       string          `gorm:"size:16;not null" json:"token"`
	Amount      decimal.Decimal `gorm:"type:numeric(38,9);not null" json:"amount"`
	// WalletAddress is where the reward was paid.
	WalletAddress string `gorm:"size:64;not null" json:"wallet_address"`
	// TxHash is the payout signature of the withdrawal that carried this reward.
	TxHash    string    `gorm:"size:128;index" json:"tx_hash"`
	Timestamp time.Time `gorm:"not null;index" json:"timestamp"`

	UserVault *UserVault `gorm:"foreignKey:UserVaultID" json:"-"`
}

func (r *Reward) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	return nil
}
