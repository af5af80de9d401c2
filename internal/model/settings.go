package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AdjustmentMode selects how the RTP controller steps effective_rtp.
type AdjustmentMode string

const (
	ModeManual AdjustmentMode = "manual"
	ModeAuto   AdjustmentMode = "auto"
)

func (m AdjustmentMode) Valid() bool { return m == ModeManual || m == ModeAuto }

// RtpSetting is append-only; the row with the highest Version is current.
type RtpSetting struct {
	ID                  uint64          `gorm:"primaryKey" json:"id"`
	Version             uint64          `gorm:"not null;uniqueIndex" json:"version"`
	TargetProfitPercent decimal.Decimal `gorm:"type:numeric(8,4);not null" json:"target_profit_percent"`
	EffectiveRTP        decimal.Decimal `gorm:"type:numeric(8,4);not null" json:"effective_rtp"`
	AdjustmentMode      AdjustmentMode  `gorm:"size:16;not null" json:"adjustment_mode"`
	Reason              string          `gorm:"size:64" json:"reason"`
	UpdatedAt           time.Time       `gorm:"not null" json:"updated_at"`
}

func (RtpSetting) TableName() string { return "rtp_setting" }

// GgrFilterSettingID is the primary key of the single settings row.
const GgrFilterSettingID = 1

// GgrFilterSetting is a single row updated in place under a version guard.
type GgrFilterSetting struct {
	ID            uint64          `gorm:"primaryKey" json:"-"`
	FilterPercent decimal.Decimal `gorm:"type:numeric(10,8);not null" json:"filter_percent"`
	Tolerance     decimal.Decimal `gorm:"type:numeric(10,8);not null" json:"tolerance"`
	Version       uint64          `gorm:"not null;default:0" json:"version"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (GgrFilterSetting) TableName() string { return "ggr_filter_setting" }

// GgrAuditLog records every filtered figure handed to an external report.
type GgrAuditLog struct {
	ID            uint64          `gorm:"primaryKey" json:"id"`
	RealGGR       decimal.Decimal `gorm:"type:numeric(24,8);not null" json:"real_ggr"`
	ReportedGGR   decimal.Decimal `gorm:"type:numeric(24,8);not null" json:"reported_ggr"`
	FilterPercent decimal.Decimal `gorm:"type:numeric(10,8);not null" json:"filter_percent"`
	Tolerance     decimal.Decimal `gorm:"type:numeric(10,8);not null" json:"tolerance"`
	ReportContext string          `gorm:"size:255" json:"report_context"`
	CreatedAt     time.Time       `gorm:"autoCreateTime;index" json:"timestamp"`
}

func (GgrAuditLog) TableName() string { return "ggr_audit_log" }
