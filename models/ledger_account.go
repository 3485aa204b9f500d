// models/ledger_account.go
package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// LedgerAccount mirrors a user's on-ledger account from the identity sync service.
// Table name: ledger_accounts
type LedgerAccount struct {
	ID        string    `gorm:"primaryKey;type:uuid" json:"id"`
	UserID    string    `gorm:"size:64;not null;uniqueIndex" json:"user_id"`
	Address   string    `gorm:"size:64;not null;index" json:"address"`
	IsActive  bool      `gorm:"not null" json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (a *LedgerAccount) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}

// All lists every model in migration order.
func All() []interface{} {
	return []interface{}{
		&VaultPlan{},
		&Vault{},
		&UserVault{},
		&Transaction{},
		&Reward{},
		&LedgerAccount{},
	}
}
