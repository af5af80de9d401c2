package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// TxType is the ledger transaction kind.
type TxType string

const (
	TxBet          TxType = "bet"
	TxWin          TxType = "win"
	TxBonus        TxType = "bonus"
	TxCashback     TxType = "cashback"
	TxRefund       TxType = "refund"
	TxAdjustment   TxType = "adjustment"
	TxCancellation TxType = "cancellation"
	TxTransfer     TxType = "transfer"
	TxDeposit      TxType = "deposit"
	TxWithdrawal   TxType = "withdrawal"
)

// IsDebit reports whether the type removes funds and is subject to the funds check.
func (t TxType) IsDebit() bool { return t == TxBet || t == TxWithdrawal }

// IsCredit reports whether the type only ever adds funds.
func (t TxType) IsCredit() bool {
	switch t {
	case TxWin, TxBonus, TxCashback, TxRefund, TxDeposit:
		return true
	}
	return false
}

// IsWager reports whether t is settled by a game provider and may be reversed by one.
func (t TxType) IsWager() bool { return t == TxBet || t == TxWin }

// Valid reports whether t is a known type.
func (t TxType) Valid() bool {
	switch t {
	case TxBet, TxWin, TxBonus, TxCashback, TxRefund, TxAdjustment,
		TxCancellation, TxTransfer, TxDeposit, TxWithdrawal:
		return true
	}
	return false
}

// TxStatus is the lifecycle state of a Transaction.
type TxStatus string

const (
	StatusPending   TxStatus = "pending"
	StatusCompleted TxStatus = "completed"
	StatusCancelled TxStatus = "cancelled"
	StatusFailed    TxStatus = "failed"
)

// Transaction is one ledger row. Amount is the signed delta applied to the
// category balance: debits negative, credits positive.
type Transaction struct {
	ID                uint64            `gorm:"primaryKey" json:"-"`
	TxID              uuid.UUID         `gorm:"type:uuid;uniqueIndex;not null" json:"id"`
	UserID            string            `gorm:"size:64;not null;uniqueIndex:idx_tx_user_ref,priority:1;index:idx_tx_user_round,priority:1" json:"user_id"`
	ExternalReference *string           `gorm:"size:128;uniqueIndex:idx_tx_user_ref,priority:2" json:"external_reference,omitempty"`
	Category          string            `gorm:"size:32;not null" json:"category"`
	Type              TxType            `gorm:"size:16;not null;index" json:"type"`
	Amount            decimal.Decimal   `gorm:"type:numeric(20,8);not null" json:"amount"`
	BalanceBefore     decimal.Decimal   `gorm:"type:numeric(20,8);not null" json:"balance_before"`
	BalanceAfter      decimal.Decimal   `gorm:"type:numeric(20,8);not null" json:"balance_after"`
	Currency          string            `gorm:"size:8" json:"currency"`
	Status            TxStatus          `gorm:"size:16;not null;index" json:"status"`
	GameID            string            `gorm:"size:64" json:"game_id,omitempty"`
	RoundID           string            `gorm:"size:128;index:idx_tx_user_round,priority:2" json:"round_id,omitempty"`
	SessionID         string            `gorm:"size:128" json:"session_id,omitempty"`
	RelatedTxID       *uint64           `gorm:"uniqueIndex" json:"-"`
	Metadata          datatypes.JSONMap `json:"metadata,omitempty"`
	Actor             string            `gorm:"size:64" json:"actor,omitempty"`
	CreatedAt         time.Time         `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt         time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Transaction) TableName() string { return "transaction" }

// Ref returns the caller's reference. Rows derived from another row (a
// cancellation, the credit leg of a transfer) have none and are keyed by
// RelatedTxID instead.
func (t *Transaction) Ref() string {
	if t.ExternalReference == nil {
		return ""
	}
	return *t.ExternalReference
}

// MoneyPlaces is the scale of every amount and balance column.
const MoneyPlaces = 8

// FitsMoneyScale reports whether d can be stored without rounding.
func FitsMoneyScale(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(MoneyPlaces))
}
