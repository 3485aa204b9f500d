package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type TransactionType string

const (
	TransactionDeposit  TransactionType = "deposit"
	TransactionWithdraw TransactionType = "withdraw"
	TransactionFee      TransactionType = "fee"
	TransactionSend     TransactionType = "send"
	TransactionReceive  TransactionType = "receive"
	TransactionSwap     TransactionType = "swap"
	TransactionOnramp   TransactionType = "onramp"
	TransactionOfframp  TransactionType = "offramp"
)

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusConfirmed TransactionStatus = "confirmed"
	StatusFailed    TransactionStatus = "failed"
)

// PendingTxHashPrefix marks placeholder hashes of provider transactions that
// have no ledger signature yet.
const PendingTxHashPrefix = "pending-"

// Transaction is an append-only ledger movement. Only pending provider rows
// are ever updated, by the provider webhook.
type Transaction struct {
	ID               string            `gorm:"primaryKey;type:uuid" json:"id"`
	TxHash           string            `gorm:"size:128;not null;uniqueIndex" json:"tx_hash"`
	Type             TransactionType   `gorm:"size:16;not null" json:"type"`
	Status           TransactionStatus `gorm:"size:16;not null;index" json:"status"`
	Amount           decimal.Decimal   `gorm:"type:numeric(38,9);not null" json:"amount"`
	Token            string            `gorm:"size:16;not null" json:"token"`
	UserID           string            `gorm:"size:64;not null;index" json:"user_id"`
	VaultID          *string           `gorm:"type:uuid;index" json:"vault_id,omitempty"`
	UserVaultID      *string           `gorm:"type:uuid;index" json:"user_vault_id,omitempty"`
	WalletAddress    string            `gorm:"size:64" json:"wallet_address"`
	ReceivingAddress string            `gorm:"size:64;index" json:"receiving_address"`
	Timestamp        time.Time         `gorm:"not null;index" json:"timestamp"`

	Vault     *Vault     `gorm:"foreignKey:VaultID" json:"vault,omitempty"`
	UserVault *UserVault `gorm:"foreignKey:UserVaultID" json:"user_vault,omitempty"`
}

func (t *Transaction) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
	return nil
}

func (t *Transaction) IsPlaceholder() bool {
	return strings.HasPrefix(t.TxHash, PendingTxHashPrefix)
}
