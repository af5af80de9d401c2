package jobs

import (
	"context"
	"time"

	"github.com/richardliu001/settlement-service/internal/metrics"
	"github.com/richardliu001/settlement-service/internal/model"
	"go.uber.org/zap"
)

type OutboxStore interface {
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error
	MarkOutboxProcessed(ctx context.Context, id uint64) error
}

// OutboxRelay moves committed outbox rows to Kafka in id order.
type OutboxRelay struct {
	store    OutboxStore
	interval time.Duration
	batch    int
	metrics  *metrics.Metrics
	log      *zap.SugaredLogger
}

func NewOutboxRelay(store OutboxStore, interval time.Duration, batch int, m *metrics.Metrics, log *zap.SugaredLogger) *OutboxRelay {
	if interval <= 0 {
		interval = time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &OutboxRelay{store: store, interval: interval, batch: batch, metrics: m, log: log}
}

// Flush relays one batch. It stops at the first publish failure so later
// events never overtake an earlier one.
func (r *OutboxRelay) Flush(ctx context.Context) (int, error) {
	events, err := r.store.PollOutbox(ctx, r.batch)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, evt := range events {
		if err := r.store.PublishEvent(ctx, evt); err != nil {
			r.log.Errorf("publish id=%d: %v", evt.ID, err)
			break
		}
		if err := r.store.MarkOutboxProcessed(ctx, evt.ID); err != nil {
			// delivered but not marked; the consumer sees it again after restart
			r.log.Errorf("mark processed id=%d: %v", evt.ID, err)
			break
		}
		sent++
	}
	r.metrics.OutboxPublished(sent)
	return sent, nil
}

// Run flushes on every tick until ctx is cancelled.
func (r *OutboxRelay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info("outbox relay started")
	for {
		select {
		case <-ctx.Done():
			r.log.Info("outbox relay stopped")
			return
		case <-ticker.C:
			n, err := r.Flush(ctx)
			if err != nil {
				r.log.Errorf("poll outbox: %v", err)
				continue
			}
			if n > 0 {
				r.log.Debugf("relayed %d events", n)
			}
		}
	}
}
