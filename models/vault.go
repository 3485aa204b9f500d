package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Vault is the pool for one plan and one token. It is created lazily by the
// first deposit; several vaults may share a ReceivingAddress.
type Vault struct {
	ID               string          `gorm:"primaryKey;type:uuid" json:"id"`
	VaultPlanID      string          `gorm:"type:uuid;not null;uniqueIndex:idx_vault_plan_token" json:"vault_plan_id"`
	Token            string          `gorm:"size:16;not null;uniqueIndex:idx_vault_plan_token;index" json:"token"`
	Name             string          `gorm:"not null" json:"name"`
	ReceivingAddress string          `gorm:"size:64;not null;index" json:"receiving_address"`
	YieldRate        decimal.Decimal `gorm:"type:numeric(10,6);not null" json:"yield_rate"`
	TotalDeposits    decimal.Decimal `gorm:"type:numeric(38,9);not null" json:"total_deposits"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`

	VaultPlan  *VaultPlan  `gorm:"foreignKey:VaultPlanID" json:"vault_plan,omitempty"`
	UserVaults []UserVault `gorm:"foreignKey:VaultID" json:"user_vaults,omitempty"`
}

func (v *Vault) BeforeCreate(tx *gorm.DB) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	return nil
}
