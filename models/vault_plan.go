package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// VaultPlan is an operator-defined savings product. Plans are seeded, never
// created through the API, and only IsActive changes afterwards.
type VaultPlan struct {
	ID          string          `gorm:"primaryKey;type:uuid" json:"id"`
	Name        string          `gorm:"uniqueIndex;not null" json:"name"`
	Slug        string          `gorm:"uniqueIndex;not null" json:"slug"`
	RiskType    string          `gorm:"size:16;not null" json:"risk_type"`
	APY         decimal.Decimal `gorm:"column:apy;type:numeric(10,6);not null" json:"apy"`
	MinLockDays int             `gorm:"not null" json:"min_lock_days"`
	MinDeposit  decimal.Decimal `gorm:"type:numeric(38,9);not null" json:"min_deposit"`
	Description string          `gorm:"type:text" json:"description"`
	IsActive    bool            `gorm:"not null" json:"is_active"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`

	Vaults []Vault `gorm:"foreignKey:VaultPlanID" json:"vaults,omitempty"`
}

func (p *VaultPlan) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Slug == "" {
		p.Slug = slug.Make(p.Name)
	}
	return nil
}
