package settings

import (
	"context"
	"testing"
	"time"

	"github.com/richardliu001/settlement-service/internal/model"
	"github.com/richardliu001/settlement-service/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedSource float64

func (f fixedSource) Float64() float64 { return float64(f) }

func filterSetting(fp, tol string) model.GgrFilterSetting {
	return model.GgrFilterSetting{
		FilterPercent: decimal.RequireFromString(fp),
		Tolerance:     decimal.RequireFromString(tol),
	}
}

func TestApplyFilter_ZeroToleranceIsExact(t *testing.T) {
	for _, u := range []float64{0, 0.3, 0.999} {
		res := ApplyFilter(decimal.RequireFromString("1234.5"), filterSetting("0.8", "0"), u)
		testutil.RequireDecimal(t, "987.6", res.ReportedGGR)
	}
}

func TestApplyFilter_JitterBounds(t *testing.T) {
	amount := decimal.NewFromInt(1000)
	s := filterSetting("0.5", "0.1")

	low := ApplyFilter(amount, s, 0)
	testutil.RequireDecimal(t, "450", low.ReportedGGR)

	mid := ApplyFilter(amount, s, 0.5)
	testutil.RequireDecimal(t, "500", mid.ReportedGGR)

	src := NewRandomSource(7)
	lo, hi := decimal.NewFromInt(450), decimal.NewFromInt(550)
	for i := 0; i < 1000; i++ {
		got := ApplyFilter(amount, s, src.Float64()).ReportedGGR
		require.True(t, got.GreaterThanOrEqual(lo) && got.LessThanOrEqual(hi), "out of bounds: %s", got)
	}

	// negative GGR keeps the same band around the base
	neg := ApplyFilter(decimal.NewFromInt(-1000), s, 0)
	testutil.RequireDecimal(t, "-550", neg.ReportedGGR)
}

func TestApplyFilter_RoundsToAuditScale(t *testing.T) {
	amount := decimal.RequireFromString("0.123456789")

	exact := ApplyFilter(amount, filterSetting("0.33333333", "0"), 0.5)
	testutil.RequireDecimal(t, "0.12345679", exact.RealGGR)
	testutil.RequireDecimal(t, "0.04115226", exact.ReportedGGR)

	for _, u := range []float64{0, 0.37, 0.999} {
		res := ApplyFilter(amount, filterSetting("0.33333333", "0.1"), u)
		assert.GreaterOrEqual(t, res.ReportedGGR.Exponent(), int32(-8), res.ReportedGGR.String())
	}
}

func newTestGGR(t *testing.T, u float64) *GGRService {
	return NewGGRService(testutil.NewDB(t), fixedSource(u), GGRDefaults{
		FilterPercent: decimal.NewFromInt(1),
		Tolerance:     decimal.Zero,
	}, testutil.NewLogger(t))
}

func TestGGRService_SettingsAndUpdate(t *testing.T) {
	s := newTestGGR(t, 0.5)
	ctx := context.Background()

	cur, err := s.Settings(ctx)
	require.NoError(t, err)
	testutil.RequireDecimal(t, "1", cur.FilterPercent)

	upd, err := s.UpdateSettings(ctx, decimal.RequireFromString("0.9"), decimal.RequireFromString("0.05"))
	require.NoError(t, err)
	testutil.RequireDecimal(t, "0.9", upd.FilterPercent)
	assert.Equal(t, cur.Version+1, upd.Version)

	_, err = s.UpdateSettings(ctx, decimal.RequireFromString("1.5"), decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidSetting)
	_, err = s.UpdateSettings(ctx, decimal.RequireFromString("0.5"), decimal.RequireFromString("-0.1"))
	assert.ErrorIs(t, err, ErrInvalidSetting)
}

func TestGGRService_ReportAuditsEveryFigure(t *testing.T) {
	s := newTestGGR(t, 0)
	ctx := context.Background()
	_, err := s.UpdateSettings(ctx, decimal.RequireFromString("0.5"), decimal.RequireFromString("0.1"))
	require.NoError(t, err)

	from := time.Now().Add(-time.Minute)
	res, entry, err := s.Report(ctx, decimal.NewFromInt(1000), "daily:test")
	require.NoError(t, err)
	testutil.RequireDecimal(t, "450", res.ReportedGGR)
	assert.Equal(t, "daily:test", entry.ReportContext)

	// Filter alone leaves no trace
	_, err = s.Filter(ctx, decimal.NewFromInt(500))
	require.NoError(t, err)

	_, _, err = s.Report(ctx, decimal.NewFromInt(200), "daily:test2")
	require.NoError(t, err)

	logs, total, err := s.AuditLogs(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, logs, 2)
	assert.Equal(t, "daily:test2", logs[0].ReportContext)
	testutil.RequireDecimal(t, "90", logs[0].ReportedGGR)

	sum, err := s.Summary(ctx, from, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), sum.Count)
	testutil.RequireDecimal(t, "1200", sum.TotalRealGGR)
	testutil.RequireDecimal(t, "540", sum.TotalReportedGGR)
	testutil.RequireDecimal(t, "600", sum.AvgRealGGR)
	testutil.RequireDecimal(t, "0.5", sum.AvgFilterPercent)

	empty, err := s.Summary(ctx, from.Add(-time.Hour), from.Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(0), empty.Count)
	assert.True(t, empty.TotalRealGGR.IsZero())

	_, err = s.Summary(ctx, time.Now(), from)
	assert.Error(t, err)
}
