// Package settings owns the versioned RTP and GGR configuration rows.
package settings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/richardliu001/settlement-service/internal/model"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrSettingConflict means another writer committed a newer version first.
	ErrSettingConflict = errors.New("setting was changed concurrently")
	// ErrInvalidSetting wraps every rejected admin value.
	ErrInvalidSetting = errors.New("invalid setting")
)

var (
	MinRTP      = decimal.NewFromInt(50)
	MaxRTP      = decimal.NewFromInt(99)
	maxAutoStep = decimal.NewFromInt(5)
	autoGain    = decimal.RequireFromString("0.5")
	one         = decimal.NewFromInt(1)
	hundred     = decimal.NewFromInt(100)
)

// RTPDefaults seed the first row when the history is empty.
type RTPDefaults struct {
	TargetProfitPercent decimal.Decimal
	EffectiveRTP        decimal.Decimal
	Mode                model.AdjustmentMode
}

// RTPUpdate is an admin write; nil fields keep their current value.
type RTPUpdate struct {
	TargetProfitPercent *decimal.Decimal      `json:"target_profit_percent"`
	EffectiveRTP        *decimal.Decimal      `json:"effective_rtp"`
	Mode                *model.AdjustmentMode `json:"adjustment_mode"`
}

// RTPController steps effective RTP toward the target house profit.
type RTPController struct {
	db       *gorm.DB
	defaults RTPDefaults
	log      *zap.SugaredLogger
	now      func() time.Time
}

func NewRTPController(db *gorm.DB, defaults RTPDefaults, log *zap.SugaredLogger) *RTPController {
	return &RTPController{db: db, defaults: defaults, log: log, now: time.Now}
}

func clamp(d, lo, hi decimal.Decimal) decimal.Decimal {
	if d.LessThan(lo) {
		return lo
	}
	if d.GreaterThan(hi) {
		return hi
	}
	return d
}

// NextRTP is the effective RTP after one adjustment step for the observed profit percent.
// Manual mode moves by one point; auto mode by round(diff * 0.5) capped at five points.
// The result always lies within [MinRTP, MaxRTP].
func NextRTP(cur model.RtpSetting, actualProfitPercent decimal.Decimal) decimal.Decimal {
	diff := actualProfitPercent.Sub(cur.TargetProfitPercent)
	var step decimal.Decimal
	switch cur.AdjustmentMode {
	case model.ModeAuto:
		step = clamp(diff.Mul(autoGain).Round(0), maxAutoStep.Neg(), maxAutoStep)
	default:
		switch diff.Sign() {
		case 1:
			step = one
		case -1:
			step = one.Neg()
		}
	}
	return clamp(cur.EffectiveRTP.Add(step), MinRTP, MaxRTP)
}

// Current returns the row with the highest version, seeding one from the defaults if none exists.
func (c *RTPController) Current(ctx context.Context) (*model.RtpSetting, error) {
	var cur model.RtpSetting
	err := c.db.WithContext(ctx).Order("version DESC").First(&cur).Error
	if err == nil {
		return &cur, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	seed := &model.RtpSetting{
		Version:             1,
		TargetProfitPercent: c.defaults.TargetProfitPercent,
		EffectiveRTP:        clamp(c.defaults.EffectiveRTP, MinRTP, MaxRTP),
		AdjustmentMode:      c.defaults.Mode,
		Reason:              "seed",
		UpdatedAt:           c.now(),
	}
	if !seed.AdjustmentMode.Valid() {
		seed.AdjustmentMode = model.ModeManual
	}
	if err := c.db.WithContext(ctx).Create(seed).Error; err != nil {
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, err
		}
		// someone else seeded first
		if err := c.db.WithContext(ctx).Order("version DESC").First(&cur).Error; err != nil {
			return nil, err
		}
		return &cur, nil
	}
	return seed, nil
}

// History lists settings newest first.
func (c *RTPController) History(ctx context.Context, limit int) ([]model.RtpSetting, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var out []model.RtpSetting
	err := c.db.WithContext(ctx).Order("version DESC").Limit(limit).Find(&out).Error
	return out, err
}

// Adjust applies one controller step. A row is appended only when the effective RTP changes;
// the returned bool reports whether that happened.
func (c *RTPController) Adjust(ctx context.Context, actualProfitPercent decimal.Decimal) (*model.RtpSetting, bool, error) {
	cur, err := c.Current(ctx)
	if err != nil {
		return nil, false, err
	}
	next := NextRTP(*cur, actualProfitPercent)
	if next.Equal(cur.EffectiveRTP) {
		return cur, false, nil
	}
	row := model.RtpSetting{
		TargetProfitPercent: cur.TargetProfitPercent,
		EffectiveRTP:        next,
		AdjustmentMode:      cur.AdjustmentMode,
		Reason:              "auto-adjust profit=" + actualProfitPercent.StringFixed(2),
	}
	saved, err := c.append(ctx, cur, row)
	if err != nil {
		return nil, false, err
	}
	c.log.Infow("rtp adjusted", "from", cur.EffectiveRTP.String(), "to", next.String(),
		"actual_profit_percent", actualProfitPercent.String(), "mode", cur.AdjustmentMode)
	return saved, true, nil
}

// Update appends an admin-authored row.
func (c *RTPController) Update(ctx context.Context, u RTPUpdate) (*model.RtpSetting, error) {
	cur, err := c.Current(ctx)
	if err != nil {
		return nil, err
	}
	row := model.RtpSetting{
		TargetProfitPercent: cur.TargetProfitPercent,
		EffectiveRTP:        cur.EffectiveRTP,
		AdjustmentMode:      cur.AdjustmentMode,
		Reason:              "admin",
	}
	if u.TargetProfitPercent != nil {
		if u.TargetProfitPercent.IsNegative() || u.TargetProfitPercent.GreaterThan(hundred) {
			return nil, fmt.Errorf("%w: target_profit_percent must be within [0, 100]", ErrInvalidSetting)
		}
		row.TargetProfitPercent = *u.TargetProfitPercent
	}
	if u.EffectiveRTP != nil {
		if u.EffectiveRTP.LessThan(MinRTP) || u.EffectiveRTP.GreaterThan(MaxRTP) {
			return nil, fmt.Errorf("%w: effective_rtp must be within [%s, %s]", ErrInvalidSetting, MinRTP, MaxRTP)
		}
		row.EffectiveRTP = *u.EffectiveRTP
	}
	if u.Mode != nil {
		if !u.Mode.Valid() {
			return nil, fmt.Errorf("%w: adjustment_mode must be manual or auto", ErrInvalidSetting)
		}
		row.AdjustmentMode = *u.Mode
	}
	return c.append(ctx, cur, row)
}

// append stores row as cur.Version+1. The unique version index lets only one
// of two racing writers win.
func (c *RTPController) append(ctx context.Context, cur *model.RtpSetting, row model.RtpSetting) (*model.RtpSetting, error) {
	row.ID = 0
	row.Version = cur.Version + 1
	row.UpdatedAt = c.now()
	if err := c.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrSettingConflict
		}
		return nil, err
	}
	return &row, nil
}
