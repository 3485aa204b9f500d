package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// UserVault is one user's position in one vault. CreatedAt anchors reward
// accrual and is never moved by later deposits.
type UserVault struct {
	ID            string          `gorm:"primaryKey;type:uuid" json:"id"`
	UserID        string          `gorm:"size:64;not null;uniqueIndex:idx_user_vault" json:"user_id"`
	VaultID       string          `gorm:"type:uuid;not null;uniqueIndex:idx_user_vault;index" json:"vault_id"`
	WalletAddress string          `gorm:"size:64;not null" json:"wallet_address"`
	Token         string          `gorm:"size:16;not null" json:"token"`
	Amount        decimal.Decimal `gorm:"type:numeric(38,9);not null" json:"amount"`
	LockedUntil   time.Time       `gorm:"not null" json:"locked_until"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`

	Vault   *Vault   `gorm:"foreignKey:VaultID" json:"vault,omitempty"`
	Rewards []Reward `gorm:"foreignKey:UserVaultID" json:"rewards,omitempty"`
}

func (uv *UserVault) BeforeCreate(tx *gorm.DB) error {
	if uv.ID == "" {
		uv.ID = uuid.NewString()
	}
	return nil
}

// IsLocked reports whether an exit at t pays the early-withdrawal fee.
func (uv *UserVault) IsLocked(t time.Time) bool {
	return t.Before(uv.LockedUntil)
}
