package jobs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/richardliu001/settlement-service/internal/model"
	"github.com/richardliu001/settlement-service/internal/repo"
	"github.com/richardliu001/settlement-service/internal/service"
	"github.com/richardliu001/settlement-service/internal/settings"
	"github.com/richardliu001/settlement-service/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fixedTotals struct {
	totals repo.Totals
	err    error
	from   time.Time
	to     time.Time
}

func (f *fixedTotals) SettledTotals(_ context.Context, from, to time.Time) (repo.Totals, error) {
	f.from, f.to = from, to
	return f.totals, f.err
}

type fixedSource float64

func (f fixedSource) Float64() float64 { return float64(f) }

func totals(stakes, payouts string) repo.Totals {
	return repo.Totals{Stakes: decimal.RequireFromString(stakes), Payouts: decimal.RequireFromString(payouts), Bets: 1, Wins: 1}
}

func TestProfitPercent(t *testing.T) {
	pct, ok := ProfitPercent(totals("200", "140"))
	require.True(t, ok)
	testutil.RequireDecimal(t, "30", pct)

	_, ok = ProfitPercent(totals("0", "10"))
	assert.False(t, ok)
}

func TestRTPAdjustJob(t *testing.T) {
	db := testutil.NewDB(t)
	log := testutil.NewLogger(t)
	ctrl := settings.NewRTPController(db, settings.RTPDefaults{
		TargetProfitPercent: decimal.NewFromInt(20),
		EffectiveRTP:        decimal.NewFromInt(80),
		Mode:                model.ModeAuto,
	}, log)

	src := &fixedTotals{totals: totals("200", "140")}
	job := RTPAdjustJob(src, ctrl, 24*time.Hour, nil, log)
	require.NoError(t, job(context.Background()))
	assert.Equal(t, 24*time.Hour, src.to.Sub(src.from))

	cur, err := ctrl.Current(context.Background())
	require.NoError(t, err)
	testutil.RequireDecimal(t, "85", cur.EffectiveRTP)

	// no stakes: nothing to learn from
	src.totals = repo.Totals{Stakes: decimal.Zero, Payouts: decimal.Zero}
	require.NoError(t, job(context.Background()))
	hist, err := ctrl.History(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, hist, 2)

	src.err = errors.New("db down")
	assert.Error(t, job(context.Background()))
}

func TestGGRReportJob(t *testing.T) {
	db := testutil.NewDB(t)
	log := testutil.NewLogger(t)
	ggr := settings.NewGGRService(db, fixedSource(0.5), settings.GGRDefaults{
		FilterPercent: decimal.RequireFromString("0.8"),
		Tolerance:     decimal.RequireFromString("0.1"),
	}, log)

	fixed := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	now = func() time.Time { return fixed }
	t.Cleanup(func() { now = time.Now })

	job := GGRReportJob(&fixedTotals{totals: totals("1000", "600")}, ggr, 24*time.Hour, nil, log)
	require.NoError(t, job(context.Background()))

	logs, total, err := ggr.AuditLogs(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	testutil.RequireDecimal(t, "400", logs[0].RealGGR)
	testutil.RequireDecimal(t, "320", logs[0].ReportedGGR)
	assert.Equal(t, "ggr-report:2024-03-01T00:00:00Z/2024-03-02T00:00:00Z", logs[0].ReportContext)
}

type driftingReconciler struct {
	drift map[string]bool
}

func (d driftingReconciler) Reconcile(_ context.Context, userID, category string) (*service.Reconciliation, error) {
	return &service.Reconciliation{UserID: userID, Category: category, Consistent: !d.drift[userID]}, nil
}

// fixedBalances pages like the repository: ids ascending, above afterID.
type fixedBalances []model.CategoryBalance

func (f fixedBalances) ActiveBalances(_ context.Context, _ time.Time, afterID uint64, limit int) ([]model.CategoryBalance, error) {
	var out []model.CategoryBalance
	for _, b := range f {
		if b.ID > afterID && len(out) < limit {
			out = append(out, b)
		}
	}
	return out, nil
}

func TestReconcileJob(t *testing.T) {
	log := testutil.NewLogger(t)
	balances := fixedBalances{{ID: 1, UserID: "a", Category: "slots"}, {ID: 2, UserID: "b", Category: "slots"}}

	ok := ReconcileJob(balances, driftingReconciler{}, time.Hour, nil, log)
	assert.NoError(t, ok(context.Background()))

	bad := ReconcileJob(balances, driftingReconciler{drift: map[string]bool{"b": true}}, time.Hour, nil, log)
	err := bad(context.Background())
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "1 of 2"))
}

type recordingReconciler struct {
	seen []string
	last string
}

func (r *recordingReconciler) Reconcile(_ context.Context, userID, category string) (*service.Reconciliation, error) {
	r.seen = append(r.seen, userID)
	return &service.Reconciliation{UserID: userID, Category: category, Consistent: userID != r.last}, nil
}

func TestReconcileJob_PagesPastOneBatch(t *testing.T) {
	reconcileBatch = 2
	t.Cleanup(func() { reconcileBatch = 1000 })

	var balances fixedBalances
	for i, u := range []string{"a", "b", "c", "d", "e"} {
		balances = append(balances, model.CategoryBalance{ID: uint64(i + 1), UserID: u, Category: "slots"})
	}
	rec := &recordingReconciler{last: "e"}
	err := ReconcileJob(balances, rec, time.Hour, nil, testutil.NewLogger(t))(context.Background())
	require.Error(t, err)
	assert.Equal(t, "1 of 5 balances drifted", err.Error())
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, rec.seen)
}

func TestReconcileJob_AgainstLedger(t *testing.T) {
	db := testutil.NewDB(t)
	log := testutil.NewLogger(t)
	r := repo.NewRepository(db, nil, log, repo.Options{MaxRetries: 1})
	svc := service.NewLedgerService(r, nil, log)
	ctx := context.Background()

	_, err := svc.ApplyTransaction(ctx, service.TransactionRequest{UserID: "u", Category: "slots", Type: model.TxDeposit,
		Amount: decimal.NewFromInt(10), ExternalReference: "d1"})
	require.NoError(t, err)
	job := ReconcileJob(r, svc, time.Hour, nil, log)
	require.NoError(t, job(ctx))

	// corrupt the materialized balance behind the ledger's back
	require.NoError(t, db.Model(&model.CategoryBalance{}).Where("user_id = ?", "u").
		Update("balance", gorm.Expr("balance + 1")).Error)
	assert.Error(t, job(ctx))
}

type memOutbox struct {
	mu        sync.Mutex
	events    []model.OutboxEvent
	published []uint64
	failAt    uint64
}

func (m *memOutbox) processed(id uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.ID == id {
			return e.Processed
		}
	}
	return false
}

func (m *memOutbox) PollOutbox(_ context.Context, limit int) ([]model.OutboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.OutboxEvent
	for _, e := range m.events {
		if !e.Processed && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memOutbox) PublishEvent(_ context.Context, evt model.OutboxEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if evt.ID == m.failAt {
		return errors.New("broker unavailable")
	}
	m.published = append(m.published, evt.ID)
	return nil
}

func (m *memOutbox) MarkOutboxProcessed(_ context.Context, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.events {
		if m.events[i].ID == id {
			m.events[i].Processed = true
		}
	}
	return nil
}

func TestOutboxRelay_StopsAtFailure(t *testing.T) {
	store := &memOutbox{events: []model.OutboxEvent{{ID: 1}, {ID: 2}, {ID: 3}}, failAt: 2}
	relay := NewOutboxRelay(store, time.Millisecond, 10, nil, testutil.NewLogger(t))

	n, err := relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []uint64{1}, store.published)

	store.failAt = 0
	n, err = relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []uint64{1, 2, 3}, store.published)
}

func TestOutboxRelay_RunStopsOnCancel(t *testing.T) {
	store := &memOutbox{events: []model.OutboxEvent{{ID: 1}}}
	relay := NewOutboxRelay(store, time.Millisecond, 10, nil, testutil.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		relay.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool {
		select {
		case <-done:
			return true
		default:
		}
		return store.processed(1)
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestScheduler_RegisterAndStop(t *testing.T) {
	s := NewScheduler(testutil.NewLogger(t), nil)
	assert.Error(t, s.Register("bad", "not a spec", func(context.Context) error { return nil }))
	require.NoError(t, s.Register("ok", "@every 1h", func(context.Context) error { return nil }))

	var seen context.Context
	require.NoError(t, s.RunOnce("probe", func(ctx context.Context) error { seen = ctx; return nil }))
	assert.Error(t, s.RunOnce("fail", func(context.Context) error { return errors.New("boom") }))

	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Error(t, seen.Err(), "job context is cancelled on stop")
}
