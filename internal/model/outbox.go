package model

import "time"

// Event types written to the outbox alongside ledger mutations.
const (
	EventTransactionSettled   = "TransactionSettled"
	EventTransactionCancelled = "TransactionCancelled"
)

type OutboxEvent struct {
	ID          uint64    `gorm:"primaryKey"`
	Aggregate   string    `gorm:"size:64;not null"`
	AggregateID string    `gorm:"size:128;not null"`
	EventType   string    `gorm:"size:64;not null"`
	Payload     string    `gorm:"type:jsonb;not null"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	Processed   bool      `gorm:"not null;default:false;index"`
	ProcessedAt *time.Time
}

func (OutboxEvent) TableName() string { return "event_outbox" }

// All lists every model for AutoMigrate.
func All() []interface{} {
	return []interface{}{
		&CategoryBalance{},
		&Transaction{},
		&OutboxEvent{},
		&Game{},
		&RtpSetting{},
		&GgrFilterSetting{},
		&GgrAuditLog{},
	}
}
