package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// CategoryBalance is the materialized balance of one wallet segment.
type CategoryBalance struct {
	ID        uint64          `gorm:"primaryKey;column:id"`
	UserID    string          `gorm:"size:64;not null;uniqueIndex:idx_balance_user_category,priority:1"`
	Category  string          `gorm:"size:32;not null;uniqueIndex:idx_balance_user_category,priority:2"`
	Balance   decimal.Decimal `gorm:"type:numeric(20,8);not null;default:'0'"`
	Version   uint64          `gorm:"not null;default:0"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime;index"`
}

func (CategoryBalance) TableName() string { return "category_balance" }
