package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveCallback("changebalance", "OK", "", 10*time.Millisecond)
	m.ObserveCallback("", "ERROR", "INVALID_SIGNATURE", time.Millisecond)
	m.SetEffectiveRTP(decimal.RequireFromString("95.5"))
	m.JobRun("rtp-adjust", nil)
	m.JobRun("rtp-adjust", errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.callbacks.WithLabelValues("changebalance", "OK", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.callbacks.WithLabelValues("unknown", "ERROR", "INVALID_SIGNATURE")))
	assert.Equal(t, 95.5, testutil.ToFloat64(m.effectiveRTP))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobRuns.WithLabelValues("rtp-adjust", "error")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveCallback("balance", "OK", "", time.Second)
		m.LedgerMutation("bet")
		m.OutboxPublished(3)
	})
}
