package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/richardliu001/settlement-service/internal/model"
	"github.com/richardliu001/settlement-service/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrInvalidRequest means a required field is missing or malformed.
	ErrInvalidRequest = errors.New("invalid transaction request")
	// ErrInvalidAmount means the amount sign does not fit the transaction type.
	ErrInvalidAmount = errors.New("amount sign does not match transaction type")
	// ErrGameDisabled means a credit references a game switched off in the catalog.
	ErrGameDisabled = errors.New("game is disabled")
	// ErrDuplicateReference means the external reference is already bound to a different transaction.
	ErrDuplicateReference = errors.New("external reference already used by a different transaction")
	// ErrTransactionCancelled means a replayed reference points at a cancelled transaction.
	ErrTransactionCancelled = errors.New("transaction already cancelled")
	// ErrTransactionNotFound means no transaction exists for the reference.
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrNotCancellable means the transaction is not in a state that can be reversed.
	ErrNotCancellable = errors.New("transaction cannot be cancelled")
)

// GameCatalog reports whether a game may be credited.
type GameCatalog interface {
	IsActive(ctx context.Context, gameID string) (bool, error)
}

// TransactionRequest is one balance mutation. Amount is the signed delta.
type TransactionRequest struct {
	UserID            string
	Category          string
	Type              model.TxType
	Amount            decimal.Decimal
	ExternalReference string
	Currency          string
	GameID            string
	RoundID           string
	SessionID         string
	Actor             string
	Metadata          map[string]interface{}
}

// Settlement is the outcome of a mutation or a cancellation.
type Settlement struct {
	Balance     decimal.Decimal
	Transaction *model.Transaction
	// Replayed is set when the call matched an already-recorded result.
	Replayed bool
}

// Reconciliation compares a materialized balance with the sum of its live rows.
type Reconciliation struct {
	UserID       string          `json:"user_id"`
	Category     string          `json:"category"`
	Stored       decimal.Decimal `json:"stored"`
	Computed     decimal.Decimal `json:"computed"`
	Drift        decimal.Decimal `json:"drift"`
	Transactions int64           `json:"transactions"`
	Consistent   bool            `json:"consistent"`
}

// LedgerService owns every balance mutation and reversal.
type LedgerService struct {
	repo    repo.RepositoryInterface
	catalog GameCatalog
	log     *zap.SugaredLogger
}

// NewLedgerService returns LedgerService. catalog may be nil, which disables the game check.
func NewLedgerService(r repo.RepositoryInterface, catalog GameCatalog, logger *zap.SugaredLogger) *LedgerService {
	return &LedgerService{repo: r, catalog: catalog, log: logger}
}

func validateRequest(req TransactionRequest) error {
	if req.UserID == "" || req.Category == "" || req.ExternalReference == "" {
		return fmt.Errorf("%w: user_id, category and external_reference are required", ErrInvalidRequest)
	}
	if !req.Type.Valid() || req.Type == model.TxCancellation {
		return fmt.Errorf("%w: unsupported type %q", ErrInvalidRequest, req.Type)
	}
	switch {
	case req.Amount.IsZero():
		return fmt.Errorf("%w: amount must be non-zero", ErrInvalidAmount)
	case !model.FitsMoneyScale(req.Amount):
		return fmt.Errorf("%w: more than %d decimal places", ErrInvalidAmount, model.MoneyPlaces)
	case req.Type.IsDebit() && req.Amount.IsPositive():
		return ErrInvalidAmount
	case req.Type.IsCredit() && req.Amount.IsNegative():
		return ErrInvalidAmount
	}
	return nil
}

// GetBalance returns the balance of (userID, category), creating a zero row on first access.
func (s *LedgerService) GetBalance(ctx context.Context, userID, category string) (decimal.Decimal, error) {
	if userID == "" || category == "" {
		return decimal.Zero, ErrInvalidRequest
	}
	b, err := s.repo.GetBalance(ctx, s.repo.DB(ctx), userID, category)
	if err != nil {
		return decimal.Zero, err
	}
	if b != nil {
		return b.Balance, nil
	}
	var bal decimal.Decimal
	err = s.repo.WithinTx(ctx, func(tx *gorm.DB) error {
		row, err := s.repo.LockBalance(ctx, tx, userID, category)
		if err != nil {
			return err
		}
		bal = row.Balance
		return nil
	})
	return bal, err
}

// ApplyTransaction records one mutation and moves the balance by its amount.
// Replaying a reference returns the originally recorded balance without a new effect.
func (s *LedgerService) ApplyTransaction(ctx context.Context, req TransactionRequest) (*Settlement, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	// catalog is read before the lock; the verdict is applied after the idempotency check
	gameActive := true
	if s.catalog != nil && req.Type.IsCredit() && req.GameID != "" {
		active, err := s.catalog.IsActive(ctx, req.GameID)
		if err != nil {
			return nil, fmt.Errorf("game catalog: %w", err)
		}
		gameActive = active
	}

	var out *Settlement
	err := s.repo.WithinTx(ctx, func(tx *gorm.DB) error {
		bal, err := s.repo.LockBalance(ctx, tx, req.UserID, req.Category)
		if err != nil {
			return err
		}
		existing, err := s.repo.FindByReference(ctx, tx, req.UserID, req.ExternalReference)
		if err != nil {
			return err
		}
		if existing != nil {
			switch {
			case existing.Type != req.Type || existing.Category != req.Category:
				return ErrDuplicateReference
			case existing.Status == model.StatusCancelled:
				return ErrTransactionCancelled
			}
			out = &Settlement{Balance: existing.BalanceAfter, Transaction: existing, Replayed: true}
			return nil
		}

		newBal := bal.Balance.Add(req.Amount)
		if req.Type.IsDebit() && newBal.IsNegative() {
			return repo.ErrInsufficientFunds
		}
		if !gameActive {
			return ErrGameDisabled
		}

		ref := req.ExternalReference
		t := &model.Transaction{
			TxID:              uuid.New(),
			UserID:            req.UserID,
			ExternalReference: &ref,
			Category:          req.Category,
			Type:              req.Type,
			Amount:            req.Amount,
			BalanceBefore:     bal.Balance,
			BalanceAfter:      newBal,
			Currency:          req.Currency,
			Status:            model.StatusCompleted,
			GameID:            req.GameID,
			RoundID:           req.RoundID,
			SessionID:         req.SessionID,
			Metadata:          req.Metadata,
			Actor:             req.Actor,
		}
		if err := s.repo.CreateTransaction(ctx, tx, t); err != nil {
			return err
		}
		if err := s.repo.UpdateBalance(ctx, tx, bal.ID, newBal, bal.Version); err != nil {
			return err
		}
		if err := s.writeEvent(ctx, tx, model.EventTransactionSettled, t); err != nil {
			return err
		}
		out = &Settlement{Balance: newBal, Transaction: t}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CancelRequest identifies the wager to reverse.
type CancelRequest struct {
	UserID            string
	ExternalReference string
	// Category, when set, limits the cancel to rows of that category.
	Category string
}

// Cancel reverses the bet or win identified by (UserID, ExternalReference). A
// win carrying a round id is reversed together with the latest completed bet
// of that round. Cancelling twice returns the current balance unchanged.
// Transfers, adjustments and other non-wager rows are never cancellable.
func (s *LedgerService) Cancel(ctx context.Context, req CancelRequest) (*Settlement, error) {
	userID := req.UserID
	if userID == "" || req.ExternalReference == "" {
		return nil, ErrInvalidRequest
	}
	original, err := s.repo.FindByReference(ctx, s.repo.DB(ctx), userID, req.ExternalReference)
	if err != nil {
		return nil, err
	}
	if original == nil {
		return nil, ErrTransactionNotFound
	}
	if !original.Type.IsWager() || (req.Category != "" && original.Category != req.Category) {
		return nil, ErrNotCancellable
	}

	var out *Settlement
	err = s.repo.WithinTx(ctx, func(tx *gorm.DB) error {
		bal, err := s.repo.LockBalance(ctx, tx, userID, original.Category)
		if err != nil {
			return err
		}
		orig, err := s.repo.LockTransaction(ctx, tx, original.ID)
		if err != nil {
			return err
		}
		if orig.Status == model.StatusCancelled {
			out = &Settlement{Balance: bal.Balance, Transaction: orig, Replayed: true}
			return nil
		}
		if orig.Status != model.StatusCompleted {
			return ErrNotCancellable
		}

		net := orig.Amount.Neg()
		var paired *model.Transaction
		if orig.Type == model.TxWin && orig.RoundID != "" {
			bet, err := s.repo.LatestRoundBet(ctx, tx, userID, orig.RoundID)
			if err != nil {
				return err
			}
			if bet != nil && bet.Category == orig.Category {
				paired = bet
				net = bet.Amount.Add(orig.Amount).Neg()
			}
		}

		newBal := bal.Balance.Add(net)
		if newBal.IsNegative() {
			s.log.Warnw("cancellation leaves negative balance",
				"user_id", userID, "category", orig.Category, "reference", orig.Ref(), "balance", newBal.String())
		}

		if err := s.repo.MarkCancelled(ctx, tx, orig.ID); err != nil {
			return err
		}
		meta := map[string]interface{}{"cancelled_tx_id": orig.TxID.String()}
		if paired != nil {
			if err := s.repo.MarkCancelled(ctx, tx, paired.ID); err != nil {
				return err
			}
			meta["paired_bet_tx_id"] = paired.TxID.String()
			meta["paired_bet_reference"] = paired.Ref()
		}

		// the audit row has no reference of its own; related_tx_id is unique
		origID := orig.ID
		audit := &model.Transaction{
			TxID:              uuid.New(),
			UserID:            userID,
			Category:          orig.Category,
			Type:              model.TxCancellation,
			Amount:            net,
			BalanceBefore:     bal.Balance,
			BalanceAfter:      newBal,
			Currency:          orig.Currency,
			Status:            model.StatusCompleted,
			GameID:            orig.GameID,
			RoundID:           orig.RoundID,
			SessionID:         orig.SessionID,
			RelatedTxID:       &origID,
			Metadata:          meta,
			Actor:             orig.Actor,
		}
		if err := s.repo.CreateTransaction(ctx, tx, audit); err != nil {
			return err
		}
		if err := s.repo.UpdateBalance(ctx, tx, bal.ID, newBal, bal.Version); err != nil {
			return err
		}
		if err := s.writeEvent(ctx, tx, model.EventTransactionCancelled, audit); err != nil {
			return err
		}
		out = &Settlement{Balance: newBal, Transaction: audit}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// TransferRequest moves funds between two categories of the same user.
type TransferRequest struct {
	UserID            string
	FromCategory      string
	ToCategory        string
	Amount            decimal.Decimal
	ExternalReference string
	Currency          string
	Actor             string
}

// TransferResult carries both balances after a transfer.
type TransferResult struct {
	FromBalance decimal.Decimal `json:"from_balance"`
	ToBalance   decimal.Decimal `json:"to_balance"`
	Replayed    bool            `json:"replayed"`
}

// Transfer moves money between categories. The debit leg carries the
// reference; the credit leg points at it through related_tx_id.
func (s *LedgerService) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if req.UserID == "" || req.ExternalReference == "" || req.FromCategory == "" || req.ToCategory == "" {
		return nil, ErrInvalidRequest
	}
	if req.FromCategory == req.ToCategory {
		return nil, fmt.Errorf("%w: cannot transfer to the same category", ErrInvalidRequest)
	}
	if !req.Amount.IsPositive() || !model.FitsMoneyScale(req.Amount) {
		return nil, ErrInvalidAmount
	}
	ref := req.ExternalReference

	var res *TransferResult
	err := s.repo.WithinTx(ctx, func(tx *gorm.DB) error {
		// lock balances in deterministic order
		first, second := req.FromCategory, req.ToCategory
		if second < first {
			first, second = second, first
		}
		b1, err := s.repo.LockBalance(ctx, tx, req.UserID, first)
		if err != nil {
			return err
		}
		b2, err := s.repo.LockBalance(ctx, tx, req.UserID, second)
		if err != nil {
			return err
		}
		from, to := b1, b2
		if first != req.FromCategory {
			from, to = b2, b1
		}

		txOut, err := s.repo.FindByReference(ctx, tx, req.UserID, ref)
		if err != nil {
			return err
		}
		if txOut != nil {
			if txOut.Type != model.TxTransfer || txOut.Category != req.FromCategory {
				return ErrDuplicateReference
			}
			txIn, err := s.repo.FindByRelated(ctx, tx, txOut.ID)
			if err != nil {
				return err
			}
			if txIn == nil || txIn.Category != req.ToCategory {
				return ErrDuplicateReference
			}
			res = &TransferResult{FromBalance: txOut.BalanceAfter, ToBalance: txIn.BalanceAfter, Replayed: true}
			return nil
		}

		if from.Balance.LessThan(req.Amount) {
			return repo.ErrInsufficientFunds
		}
		newFrom := from.Balance.Sub(req.Amount)
		newTo := to.Balance.Add(req.Amount)

		legs := []*model.Transaction{
			{
				TxID: uuid.New(), UserID: req.UserID, ExternalReference: &ref, Category: req.FromCategory,
				Type: model.TxTransfer, Amount: req.Amount.Neg(), BalanceBefore: from.Balance, BalanceAfter: newFrom,
				Currency: req.Currency, Status: model.StatusCompleted, Actor: req.Actor,
				Metadata: map[string]interface{}{"to_category": req.ToCategory},
			},
			{
				TxID: uuid.New(), UserID: req.UserID, Category: req.ToCategory,
				Type: model.TxTransfer, Amount: req.Amount, BalanceBefore: to.Balance, BalanceAfter: newTo,
				Currency: req.Currency, Status: model.StatusCompleted, Actor: req.Actor,
				Metadata: map[string]interface{}{"from_category": req.FromCategory},
			},
		}
		if err := s.repo.CreateTransaction(ctx, tx, legs[0]); err != nil {
			return err
		}
		legs[1].RelatedTxID = &legs[0].ID
		if err := s.repo.CreateTransaction(ctx, tx, legs[1]); err != nil {
			return err
		}
		if err := s.repo.UpdateBalance(ctx, tx, from.ID, newFrom, from.Version); err != nil {
			return err
		}
		if err := s.repo.UpdateBalance(ctx, tx, to.ID, newTo, to.Version); err != nil {
			return err
		}
		for _, leg := range legs {
			if err := s.writeEvent(ctx, tx, model.EventTransactionSettled, leg); err != nil {
				return err
			}
		}
		res = &TransferResult{FromBalance: newFrom, ToBalance: newTo}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Reconcile recomputes a balance from its live rows inside one snapshot.
func (s *LedgerService) Reconcile(ctx context.Context, userID, category string) (*Reconciliation, error) {
	var rec *Reconciliation
	err := s.repo.WithinTx(ctx, func(tx *gorm.DB) error {
		b, err := s.repo.GetBalance(ctx, tx, userID, category)
		if err != nil {
			return err
		}
		stored := decimal.Zero
		if b != nil {
			stored = b.Balance
		}
		sum, n, err := s.repo.LiveSum(ctx, tx, userID, category)
		if err != nil {
			return err
		}
		drift := stored.Sub(sum)
		rec = &Reconciliation{
			UserID: userID, Category: category,
			Stored: stored, Computed: sum, Drift: drift,
			Transactions: n, Consistent: drift.IsZero(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// History fetches recent transactions.
func (s *LedgerService) History(ctx context.Context, userID string, limit int, since time.Time) ([]model.Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.History(ctx, userID, limit, since)
}

// Repo exposes underlying repository (unit tests helper).
func (s *LedgerService) Repo() repo.RepositoryInterface {
	return s.repo
}

type settlementEvent struct {
	TxID              string          `json:"tx_id"`
	UserID            string          `json:"user_id"`
	Category          string          `json:"category"`
	Type              model.TxType    `json:"type"`
	Amount            decimal.Decimal `json:"amount"`
	BalanceAfter      decimal.Decimal `json:"balance_after"`
	ExternalReference string          `json:"external_reference,omitempty"`
	RoundID           string          `json:"round_id,omitempty"`
	OccurredAt        time.Time       `json:"occurred_at"`
}

func (s *LedgerService) writeEvent(ctx context.Context, tx *gorm.DB, eventType string, t *model.Transaction) error {
	payload, err := json.Marshal(settlementEvent{
		TxID:              t.TxID.String(),
		UserID:            t.UserID,
		Category:          t.Category,
		Type:              t.Type,
		Amount:            t.Amount,
		BalanceAfter:      t.BalanceAfter,
		ExternalReference: t.Ref(),
		RoundID:           t.RoundID,
		OccurredAt:        time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	evt := &model.OutboxEvent{
		Aggregate: "Transaction", AggregateID: t.UserID, EventType: eventType, Payload: string(payload),
	}
	return s.repo.CreateOutboxEvent(ctx, tx, evt)
}
