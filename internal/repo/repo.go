package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/richardliu001/settlement-service/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInsufficientFunds is returned when a debit would take the balance below zero.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrVersionConflict is returned when a guarded update matched no row.
	ErrVersionConflict = errors.New("optimistic lock conflict")
	// ErrNoWriter is returned by PublishEvent when the repository has no Kafka writer.
	ErrNoWriter = errors.New("no message writer configured")
)

// Postgres SQLSTATEs that are safe to retry from the top of the transaction.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// MessageWriter is the part of *kafka.Writer the outbox relay needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Totals aggregates live bet and win rows over a period. Stakes and Payouts are positive magnitudes.
type Totals struct {
	Stakes  decimal.Decimal
	Payouts decimal.Decimal
	Bets    int64
	Wins    int64
}

// GGR is stakes minus payouts.
func (t Totals) GGR() decimal.Decimal { return t.Stakes.Sub(t.Payouts) }

// RepositoryInterface restricts Repo methods so services can be tested against fakes.
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB
	WithinTx(ctx context.Context, fn func(tx *gorm.DB) error) error
	GetBalance(ctx context.Context, tx *gorm.DB, userID, category string) (*model.CategoryBalance, error)
	LockBalance(ctx context.Context, tx *gorm.DB, userID, category string) (*model.CategoryBalance, error)
	UpdateBalance(ctx context.Context, tx *gorm.DB, id uint64, newBalance decimal.Decimal, oldVersion uint64) error
	FindByReference(ctx context.Context, tx *gorm.DB, userID, externalRef string) (*model.Transaction, error)
	FindByRelated(ctx context.Context, tx *gorm.DB, relatedID uint64) (*model.Transaction, error)
	LockTransaction(ctx context.Context, tx *gorm.DB, id uint64) (*model.Transaction, error)
	LatestRoundBet(ctx context.Context, tx *gorm.DB, userID, roundID string) (*model.Transaction, error)
	CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error
	MarkCancelled(ctx context.Context, tx *gorm.DB, id uint64) error
	LiveSum(ctx context.Context, tx *gorm.DB, userID, category string) (decimal.Decimal, int64, error)
	History(ctx context.Context, userID string, limit int, since time.Time) ([]model.Transaction, error)
	SettledTotals(ctx context.Context, from, to time.Time) (Totals, error)
	ActiveBalances(ctx context.Context, since time.Time, afterID uint64, limit int) ([]model.CategoryBalance, error)
	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error
}

// Options tunes how WithinTx opens and retries transactions.
type Options struct {
	Serializable bool
	MaxRetries   int
}

// Repository implements RepositoryInterface.
type Repository struct {
	db     *gorm.DB
	writer MessageWriter
	log    *zap.SugaredLogger
	opts   Options
}

// NewRepository constructs repo. w may be nil for processes that never publish.
func NewRepository(db *gorm.DB, w MessageWriter, logger *zap.SugaredLogger, opts Options) *Repository {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Repository{db: db, writer: w, log: logger, opts: opts}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// WithinTx runs fn as one atomic unit. Serialization failures, deadlocks and
// lost races on unique keys or version guards re-run fn from the start.
func (r *Repository) WithinTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	var txOpts []*sql.TxOptions
	if r.opts.Serializable {
		txOpts = append(txOpts, &sql.TxOptions{Isolation: sql.LevelSerializable})
	}
	var err error
	for attempt := 0; attempt <= r.opts.MaxRetries; attempt++ {
		err = r.db.WithContext(ctx).Transaction(fn, txOpts...)
		if err == nil || !IsRetryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		r.log.Warnf("ledger tx retry attempt=%d: %v", attempt+1, err)
	}
	return err
}

// IsRetryable reports whether err is a transient conflict between concurrent writers.
func IsRetryable(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) || errors.Is(err, ErrVersionConflict) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
	}
	return false
}

// GetBalance reads a balance row without locking it. Returns nil when the pair never transacted.
func (r *Repository) GetBalance(ctx context.Context, tx *gorm.DB, userID, category string) (*model.CategoryBalance, error) {
	var b model.CategoryBalance
	err := tx.WithContext(ctx).Where("user_id = ? AND category = ?", userID, category).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// LockBalance locks the balance row of (userID, category), creating a zero row on first access.
func (r *Repository) LockBalance(ctx context.Context, tx *gorm.DB, userID, category string) (*model.CategoryBalance, error) {
	b, err := r.selectBalanceForUpdate(ctx, tx, userID, category)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	seed := &model.CategoryBalance{UserID: userID, Category: category, Balance: decimal.Zero}
	if err := tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(seed).Error; err != nil {
		return nil, fmt.Errorf("create balance row: %w", err)
	}
	return r.selectBalanceForUpdate(ctx, tx, userID, category)
}

func (r *Repository) selectBalanceForUpdate(ctx context.Context, tx *gorm.DB, userID, category string) (*model.CategoryBalance, error) {
	var b model.CategoryBalance
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND category = ?", userID, category).
		First(&b).Error; err != nil {
		return nil, err
	}
	return &b, nil
}

// UpdateBalance with optimistic lock.
func (r *Repository) UpdateBalance(ctx context.Context, tx *gorm.DB, id uint64, newBalance decimal.Decimal, oldVersion uint64) error {
	res := tx.WithContext(ctx).
		Model(&model.CategoryBalance{}).
		Where("id = ? AND version = ?", id, oldVersion).
		Updates(map[string]interface{}{
			"balance":    newBalance,
			"version":    oldVersion + 1,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// FindByReference returns the transaction for (userID, externalRef), or nil when none exists.
func (r *Repository) FindByReference(ctx context.Context, tx *gorm.DB, userID, externalRef string) (*model.Transaction, error) {
	var t model.Transaction
	err := tx.WithContext(ctx).
		Where("user_id = ? AND external_reference = ?", userID, externalRef).
		First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// FindByRelated returns the row derived from relatedID, or nil when none exists.
func (r *Repository) FindByRelated(ctx context.Context, tx *gorm.DB, relatedID uint64) (*model.Transaction, error) {
	var t model.Transaction
	err := tx.WithContext(ctx).Where("related_tx_id = ?", relatedID).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// LockTransaction re-reads a transaction row under a row lock.
func (r *Repository) LockTransaction(ctx context.Context, tx *gorm.DB, id uint64) (*model.Transaction, error) {
	var t model.Transaction
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// LatestRoundBet returns the most recent completed bet of a round through the
// (user_id, round_id) index, or nil when the round has none.
func (r *Repository) LatestRoundBet(ctx context.Context, tx *gorm.DB, userID, roundID string) (*model.Transaction, error) {
	var t model.Transaction
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND round_id = ? AND type = ? AND status = ?",
			userID, roundID, model.TxBet, model.StatusCompleted).
		Order("id DESC").
		First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTransaction inserts record.
func (r *Repository) CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	return tx.WithContext(ctx).Create(t).Error
}

// MarkCancelled flips a completed transaction to cancelled. Any other current
// status means a concurrent writer got there first.
func (r *Repository) MarkCancelled(ctx context.Context, tx *gorm.DB, id uint64) error {
	res := tx.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("id = ? AND status = ?", id, model.StatusCompleted).
		Updates(map[string]interface{}{
			"status":     model.StatusCancelled,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// LiveSum recomputes a balance from its live rows: completed, not cancelled,
// excluding cancellation audit rows whose effect is carried by the status flips.
func (r *Repository) LiveSum(ctx context.Context, tx *gorm.DB, userID, category string) (decimal.Decimal, int64, error) {
	var row struct {
		Total decimal.Decimal
		Cnt   int64
	}
	err := tx.WithContext(ctx).
		Model(&model.Transaction{}).
		Select("COALESCE(SUM(amount), 0) AS total, COUNT(*) AS cnt").
		Where("user_id = ? AND category = ? AND status = ? AND type <> ?",
			userID, category, model.StatusCompleted, model.TxCancellation).
		Scan(&row).Error
	if err != nil {
		return decimal.Zero, 0, err
	}
	return row.Total, row.Cnt, nil
}

// History fetches recent transactions.
func (r *Repository) History(ctx context.Context, userID string, limit int, since time.Time) ([]model.Transaction, error) {
	var txs []model.Transaction
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND created_at >= ?", userID, since).
		Order("id asc").
		Limit(limit).
		Find(&txs).Error
	return txs, err
}

// SettledTotals sums live bets and wins created in [from, to).
func (r *Repository) SettledTotals(ctx context.Context, from, to time.Time) (Totals, error) {
	var rows []struct {
		Type  model.TxType
		Total decimal.Decimal
		Cnt   int64
	}
	err := r.db.WithContext(ctx).
		Model(&model.Transaction{}).
		Select("type, COALESCE(SUM(amount), 0) AS total, COUNT(*) AS cnt").
		Where("type IN ? AND status = ? AND created_at >= ? AND created_at < ?",
			[]model.TxType{model.TxBet, model.TxWin}, model.StatusCompleted, from, to).
		Group("type").
		Scan(&rows).Error
	if err != nil {
		return Totals{}, err
	}
	out := Totals{Stakes: decimal.Zero, Payouts: decimal.Zero}
	for _, row := range rows {
		switch row.Type {
		case model.TxBet:
			out.Stakes = row.Total.Neg()
			out.Bets = row.Cnt
		case model.TxWin:
			out.Payouts = row.Total
			out.Wins = row.Cnt
		}
	}
	return out, nil
}

// ActiveBalances lists balance rows touched since the given time, one page
// of ids above afterID at a time.
func (r *Repository) ActiveBalances(ctx context.Context, since time.Time, afterID uint64, limit int) ([]model.CategoryBalance, error) {
	var out []model.CategoryBalance
	err := r.db.WithContext(ctx).
		Where("updated_at >= ? AND id > ?", since, afterID).
		Order("id").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	return tx.WithContext(ctx).Create(evt).Error
}

// PollOutbox pulls unprocessed events.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Where("processed = ?", false).Order("id").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// PublishEvent sends to Kafka, keyed by user so one player's events stay ordered.
func (r *Repository) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	if r.writer == nil {
		return ErrNoWriter
	}
	msg := kafka.Message{
		Key:   []byte(evt.AggregateID),
		Value: []byte(evt.Payload),
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(evt.EventType)},
			{Key: "outbox_id", Value: []byte(fmt.Sprintf("%d", evt.ID))},
		},
	}
	return r.writer.WriteMessages(ctx, msg)
}
