package settings

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/richardliu001/settlement-service/internal/model"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RandomSource yields uniform values in [0, 1).
type RandomSource interface {
	Float64() float64
}

type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

// NewRandomSource returns a goroutine-safe source seeded with seed.
func NewRandomSource(seed int64) RandomSource {
	return &lockedRand{r: rand.New(rand.NewSource(seed))}
}

// jitter precision
const (
	factorPlaces = 6
	amountPlaces = 8
)

// GGRDefaults seed the settings row when it does not exist.
type GGRDefaults struct {
	FilterPercent decimal.Decimal
	Tolerance     decimal.Decimal
}

// FilterResult is one filtered figure.
type FilterResult struct {
	RealGGR       decimal.Decimal `json:"real_ggr"`
	ReportedGGR   decimal.Decimal `json:"reported_ggr"`
	FilterPercent decimal.Decimal `json:"filter_percent"`
	Tolerance     decimal.Decimal `json:"tolerance"`
}

// Summary aggregates the audit log over a time range.
type Summary struct {
	Start            time.Time       `json:"start"`
	End              time.Time       `json:"end"`
	Count            int64           `json:"count"`
	TotalRealGGR     decimal.Decimal `json:"total_real_ggr"`
	TotalReportedGGR decimal.Decimal `json:"total_reported_ggr"`
	AvgRealGGR       decimal.Decimal `json:"avg_real_ggr"`
	AvgReportedGGR   decimal.Decimal `json:"avg_reported_ggr"`
	AvgFilterPercent decimal.Decimal `json:"avg_filter_percent"`
}

// GGRService scales real GGR before it leaves the system and audits every reported figure.
type GGRService struct {
	db       *gorm.DB
	rnd      RandomSource
	defaults GGRDefaults
	log      *zap.SugaredLogger
}

func NewGGRService(db *gorm.DB, rnd RandomSource, defaults GGRDefaults, log *zap.SugaredLogger) *GGRService {
	if rnd == nil {
		rnd = NewRandomSource(time.Now().UnixNano())
	}
	return &GGRService{db: db, rnd: rnd, defaults: defaults, log: log}
}

func validFraction(d decimal.Decimal) bool {
	return !d.IsNegative() && d.LessThanOrEqual(one)
}

// ApplyFilter computes real*fp plus a jitter bounded by |real*fp|*tol, using u in [0, 1).
// A zero tolerance yields exactly real*fp. Figures are rounded to the audit
// column scale so the result matches what the audit log stores.
func ApplyFilter(realGGR decimal.Decimal, s model.GgrFilterSetting, u float64) FilterResult {
	realGGR = realGGR.Round(amountPlaces)
	base := realGGR.Mul(s.FilterPercent).Round(amountPlaces)
	reported := base
	if s.Tolerance.IsPositive() {
		factor := decimal.NewFromFloat(2*u - 1).Truncate(factorPlaces)
		jitter := base.Abs().Mul(s.Tolerance).Mul(factor).Truncate(amountPlaces)
		reported = base.Add(jitter)
	}
	return FilterResult{
		RealGGR:       realGGR,
		ReportedGGR:   reported,
		FilterPercent: s.FilterPercent,
		Tolerance:     s.Tolerance,
	}
}

// Settings returns the single settings row, creating it from the defaults on first use.
func (s *GGRService) Settings(ctx context.Context) (*model.GgrFilterSetting, error) {
	var cur model.GgrFilterSetting
	err := s.db.WithContext(ctx).First(&cur, model.GgrFilterSettingID).Error
	if err == nil {
		return &cur, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	seed := model.GgrFilterSetting{
		ID:            model.GgrFilterSettingID,
		FilterPercent: s.defaults.FilterPercent,
		Tolerance:     s.defaults.Tolerance,
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).First(&cur, model.GgrFilterSettingID).Error; err != nil {
		return nil, err
	}
	return &cur, nil
}

// UpdateSettings replaces both parameters in place under the row version.
func (s *GGRService) UpdateSettings(ctx context.Context, filterPercent, tolerance decimal.Decimal) (*model.GgrFilterSetting, error) {
	if !validFraction(filterPercent) || !validFraction(tolerance) {
		return nil, fmt.Errorf("%w: filter_percent and tolerance must be within [0, 1]", ErrInvalidSetting)
	}
	cur, err := s.Settings(ctx)
	if err != nil {
		return nil, err
	}
	res := s.db.WithContext(ctx).
		Model(&model.GgrFilterSetting{}).
		Where("id = ? AND version = ?", model.GgrFilterSettingID, cur.Version).
		Updates(map[string]interface{}{
			"filter_percent": filterPercent,
			"tolerance":      tolerance,
			"version":        cur.Version + 1,
			"updated_at":     time.Now(),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrSettingConflict
	}
	s.log.Infow("ggr filter updated", "filter_percent", filterPercent.String(), "tolerance", tolerance.String())
	return s.Settings(ctx)
}

// Filter computes the figure to report without recording it.
func (s *GGRService) Filter(ctx context.Context, realGGR decimal.Decimal) (*FilterResult, error) {
	cur, err := s.Settings(ctx)
	if err != nil {
		return nil, err
	}
	res := ApplyFilter(realGGR, *cur, s.rnd.Float64())
	return &res, nil
}

// Report filters realGGR and appends the audit row for the figure handed out.
func (s *GGRService) Report(ctx context.Context, realGGR decimal.Decimal, reportContext string) (*FilterResult, *model.GgrAuditLog, error) {
	res, err := s.Filter(ctx, realGGR)
	if err != nil {
		return nil, nil, err
	}
	entry := &model.GgrAuditLog{
		RealGGR:       res.RealGGR,
		ReportedGGR:   res.ReportedGGR,
		FilterPercent: res.FilterPercent,
		Tolerance:     res.Tolerance,
		ReportContext: reportContext,
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return nil, nil, err
	}
	return res, entry, nil
}

// AuditLogs pages through the audit trail, newest first.
func (s *GGRService) AuditLogs(ctx context.Context, limit, offset int) ([]model.GgrAuditLog, int64, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var total int64
	if err := s.db.WithContext(ctx).Model(&model.GgrAuditLog{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var out []model.GgrAuditLog
	err := s.db.WithContext(ctx).Order("id DESC").Limit(limit).Offset(offset).Find(&out).Error
	return out, total, err
}

// Summary aggregates audit rows created within [start, end].
func (s *GGRService) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	if end.Before(start) {
		return nil, errors.New("summary range end precedes start")
	}
	var row struct {
		Count            int64
		TotalReal        decimal.Decimal
		TotalReported    decimal.Decimal
		AvgReal          decimal.Decimal
		AvgReported      decimal.Decimal
		AvgFilterPercent decimal.Decimal
	}
	err := s.db.WithContext(ctx).
		Model(&model.GgrAuditLog{}).
		Select(`COUNT(*) AS count,
			COALESCE(SUM(real_ggr), 0) AS total_real,
			COALESCE(SUM(reported_ggr), 0) AS total_reported,
			COALESCE(AVG(real_ggr), 0) AS avg_real,
			COALESCE(AVG(reported_ggr), 0) AS avg_reported,
			COALESCE(AVG(filter_percent), 0) AS avg_filter_percent`).
		Where("created_at BETWEEN ? AND ?", start, end).
		Scan(&row).Error
	if err != nil {
		return nil, err
	}
	return &Summary{
		Start:            start,
		End:              end,
		Count:            row.Count,
		TotalRealGGR:     row.TotalReal,
		TotalReportedGGR: row.TotalReported,
		AvgRealGGR:       row.AvgReal.Round(amountPlaces),
		AvgReportedGGR:   row.AvgReported.Round(amountPlaces),
		AvgFilterPercent: row.AvgFilterPercent.Round(amountPlaces),
	}, nil
}
