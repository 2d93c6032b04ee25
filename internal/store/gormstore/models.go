package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CreditAccount represents the credit_accounts table. Its row is the lock
// that serializes balance changes for one user and credit type.
type CreditAccount struct {
	UserID     string    `gorm:"primaryKey"`
	CreditType string    `gorm:"primaryKey"`
	CreatedAt  time.Time `gorm:"not null"`
}

func (CreditAccount) TableName() string { return "credit_accounts" }

// CreditTransaction mirrors the credit_transactions table.
type CreditTransaction struct {
	TransactionID int64          `gorm:"column:id;primaryKey;autoIncrement"`
	UserID        string         `gorm:"not null;index:idx_credit_transactions_user_type,priority:1"`
	CreditType    string         `gorm:"not null;index:idx_credit_transactions_user_type,priority:2"`
	Amount        int64          `gorm:"not null"`
	BalanceAfter  int64          `gorm:"not null"`
	Source        string         `gorm:"not null"`
	SourceID      string         `gorm:"not null"`
	Description   string         `gorm:"not null"`
	Metadata      datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt     time.Time      `gorm:"not null"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

// CreditAllocation mirrors the credit_allocations table.
type CreditAllocation struct {
	AllocationID     string     `gorm:"type:uuid;primaryKey"`
	UserID           string     `gorm:"not null;index"`
	CreditType       string     `gorm:"not null"`
	Amount           int64      `gorm:"not null"`
	Frequency        string     `gorm:"not null"`
	Source           string     `gorm:"not null"`
	Active           bool       `gorm:"not null;index:idx_credit_allocations_due,priority:1"`
	StartsAt         time.Time  `gorm:"not null"`
	NextAllocationAt time.Time  `gorm:"not null;index:idx_credit_allocations_due,priority:2"`
	LastAllocatedAt  *time.Time `gorm:""`
	CreatedAt        time.Time  `gorm:"not null"`
}

func (CreditAllocation) TableName() string { return "credit_allocations" }

func (allocation *CreditAllocation) BeforeCreate(tx *gorm.DB) error {
	if allocation.AllocationID == "" {
		allocation.AllocationID = uuid.NewString()
	}
	return nil
}

// PromoCode mirrors the promo_codes table. Nil MaxUses means unlimited and nil ExpiresAt never expires.
type PromoCode struct {
	PromoCodeID  string     `gorm:"type:uuid;primaryKey"`
	Code         string     `gorm:"not null;uniqueIndex:promo_codes_code_key"`
	CreditType   string     `gorm:"not null"`
	CreditAmount int64      `gorm:"not null"`
	MaxUses      *int64     `gorm:""`
	UsesCount    int64      `gorm:"not null"`
	ExpiresAt    *time.Time `gorm:""`
	Active       bool       `gorm:"not null"`
	CreatedAt    time.Time  `gorm:"not null"`
}

func (PromoCode) TableName() string { return "promo_codes" }

func (promoCode *PromoCode) BeforeCreate(tx *gorm.DB) error {
	if promoCode.PromoCodeID == "" {
		promoCode.PromoCodeID = uuid.NewString()
	}
	return nil
}

// PromoCodeRedemption mirrors the promo_code_redemptions table.
type PromoCodeRedemption struct {
	PromoCodeID   string    `gorm:"type:uuid;primaryKey"`
	UserID        string    `gorm:"primaryKey"`
	TransactionID int64     `gorm:"not null"`
	RedeemedAt    time.Time `gorm:"not null"`
}

func (PromoCodeRedemption) TableName() string { return "promo_code_redemptions" }

// Models lists every table for AutoMigrate.
func Models() []any {
	return []any{
		&CreditAccount{},
		&CreditTransaction{},
		&CreditAllocation{},
		&PromoCode{},
		&PromoCodeRedemption{},
	}
}
