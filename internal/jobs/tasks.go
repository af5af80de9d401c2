package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/richardliu001/settlement-service/internal/metrics"
	"github.com/richardliu001/settlement-service/internal/model"
	"github.com/richardliu001/settlement-service/internal/repo"
	"github.com/richardliu001/settlement-service/internal/service"
	"github.com/richardliu001/settlement-service/internal/settings"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Names used for registration, logs and metrics.
const (
	JobRTPAdjust = "rtp-adjust"
	JobGGRReport = "ggr-report"
	JobReconcile = "reconcile"
)

var (
	now            = time.Now
	reconcileBatch = 1000
)

type TotalsSource interface {
	SettledTotals(ctx context.Context, from, to time.Time) (repo.Totals, error)
}

type RTPAdjuster interface {
	Adjust(ctx context.Context, actualProfitPercent decimal.Decimal) (*model.RtpSetting, bool, error)
}

type GGRReporter interface {
	Report(ctx context.Context, realGGR decimal.Decimal, reportContext string) (*settings.FilterResult, *model.GgrAuditLog, error)
}

type BalanceSource interface {
	ActiveBalances(ctx context.Context, since time.Time, afterID uint64, limit int) ([]model.CategoryBalance, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, userID, category string) (*service.Reconciliation, error)
}

var hundred = decimal.NewFromInt(100)

// ProfitPercent is (stakes - payouts) / stakes * 100. ok is false when nothing was staked.
func ProfitPercent(t repo.Totals) (pct decimal.Decimal, ok bool) {
	if !t.Stakes.IsPositive() {
		return decimal.Zero, false
	}
	return t.GGR().Div(t.Stakes).Mul(hundred), true
}

// RTPAdjustJob feeds the house profit of the last period into the RTP controller.
func RTPAdjustJob(src TotalsSource, rtp RTPAdjuster, period time.Duration, m *metrics.Metrics, log *zap.SugaredLogger) Job {
	return func(ctx context.Context) error {
		to := now()
		totals, err := src.SettledTotals(ctx, to.Add(-period), to)
		if err != nil {
			return fmt.Errorf("settled totals: %w", err)
		}
		pct, ok := ProfitPercent(totals)
		if !ok {
			log.Infow("rtp adjust skipped, no stakes in period", "period", period.String())
			return nil
		}
		cur, changed, err := rtp.Adjust(ctx, pct)
		if err != nil {
			return fmt.Errorf("adjust rtp: %w", err)
		}
		m.SetEffectiveRTP(cur.EffectiveRTP)
		log.Infow("rtp adjust done", "profit_percent", pct.StringFixed(4), "effective_rtp", cur.EffectiveRTP.String(),
			"changed", changed, "bets", totals.Bets, "wins", totals.Wins)
		return nil
	}
}

// GGRReportJob files the filtered GGR of the previous period.
func GGRReportJob(src TotalsSource, ggr GGRReporter, period time.Duration, m *metrics.Metrics, log *zap.SugaredLogger) Job {
	return func(ctx context.Context) error {
		to := now().UTC()
		from := to.Add(-period)
		totals, err := src.SettledTotals(ctx, from, to)
		if err != nil {
			return fmt.Errorf("settled totals: %w", err)
		}
		reportCtx := fmt.Sprintf("%s:%s/%s", JobGGRReport, from.Format(time.RFC3339), to.Format(time.RFC3339))
		res, entry, err := ggr.Report(ctx, totals.GGR(), reportCtx)
		if err != nil {
			return fmt.Errorf("report ggr: %w", err)
		}
		m.GGRReported()
		log.Infow("ggr reported", "audit_id", entry.ID, "real", res.RealGGR.String(), "reported", res.ReportedGGR.String())
		return nil
	}
}

// ReconcileJob recomputes every balance touched in the last period, paging by
// id, and fails when any drifted.
func ReconcileJob(src BalanceSource, rec Reconciler, period time.Duration, m *metrics.Metrics, log *zap.SugaredLogger) Job {
	return func(ctx context.Context) error {
		since := now().Add(-period)
		var (
			afterID uint64
			checked int
			drifted int
		)
		for {
			balances, err := src.ActiveBalances(ctx, since, afterID, reconcileBatch)
			if err != nil {
				return fmt.Errorf("active balances: %w", err)
			}
			for _, b := range balances {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r, err := rec.Reconcile(ctx, b.UserID, b.Category)
				if err != nil {
					return fmt.Errorf("reconcile %s/%s: %w", b.UserID, b.Category, err)
				}
				checked++
				if !r.Consistent {
					drifted++
					m.BalanceDrift()
					log.Warnw("balance drift", "user_id", r.UserID, "category", r.Category,
						"stored", r.Stored.String(), "computed", r.Computed.String(), "drift", r.Drift.String())
				}
				afterID = b.ID
			}
			if len(balances) < reconcileBatch {
				break
			}
		}
		log.Infow("reconcile done", "checked", checked, "drifted", drifted)
		if drifted > 0 {
			return fmt.Errorf("%d of %d balances drifted", drifted, checked)
		}
		return nil
	}
}
