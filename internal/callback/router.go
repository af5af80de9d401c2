package callback

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/richardliu001/settlement-service/internal/model"
	"github.com/richardliu001/settlement-service/internal/repo"
	"github.com/richardliu001/settlement-service/internal/service"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Ledger is the balance side of the service the router drives.
type Ledger interface {
	GetBalance(ctx context.Context, userID, category string) (decimal.Decimal, error)
	ApplyTransaction(ctx context.Context, req service.TransactionRequest) (*service.Settlement, error)
}

// Reverser cancels previously settled transactions.
type Reverser interface {
	Cancel(ctx context.Context, req service.CancelRequest) (*service.Settlement, error)
}

// MutationRecorder counts ledger rows written on behalf of the provider.
type MutationRecorder interface {
	LedgerMutation(txType string)
}

// Router binds one provider integration to one wallet category.
type Router struct {
	verifier *Verifier
	ledger   Ledger
	reverser Reverser
	category string
	currency string
	log      *zap.SugaredLogger
	rec      MutationRecorder
}

func NewRouter(v *Verifier, l Ledger, r Reverser, category, currency string, log *zap.SugaredLogger) *Router {
	return &Router{verifier: v, ledger: l, reverser: r, category: category, currency: currency, log: log}
}

// WithRecorder attaches a mutation counter.
func (r *Router) WithRecorder(rec MutationRecorder) *Router {
	r.rec = rec
	return r
}

func (r *Router) recordMutation(s *service.Settlement) {
	if r.rec == nil || s == nil || s.Replayed || s.Transaction == nil {
		return
	}
	r.rec.LedgerMutation(string(s.Transaction.Type))
}

// Handle verifies, decodes and dispatches one raw callback. The returned
// command name is empty when the body could not be attributed to a known command.
func (r *Router) Handle(ctx context.Context, headerHash string, body []byte) (string, Result) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", Fail(NewError(KindProtocol, CodeInvalidRequest, "malformed envelope", err))
	}
	if err := r.verifier.Verify(headerHash, &env); err != nil {
		r.log.Infow("callback signature rejected", "command", env.Command)
		return "", Fail(NewError(KindProtocol, CodeInvalidSignature, "signature mismatch", err))
	}
	cmd, err := DecodeCommand(&env)
	switch {
	case errors.Is(err, ErrUnsupportedCommand):
		return "", Fail(NewError(KindProtocol, CodeUnsupportedCommand, "unsupported command", err))
	case err != nil:
		return env.Command, Fail(NewError(KindValidation, CodeInvalidRequest, err.Error(), err))
	}
	return cmd.Name(), r.Dispatch(ctx, cmd)
}

// Dispatch runs an already validated command against the ledger.
func (r *Router) Dispatch(ctx context.Context, cmd Command) Result {
	var (
		bal decimal.Decimal
		err error
	)
	switch c := cmd.(type) {
	case *BalanceCmd:
		bal, err = r.ledger.GetBalance(ctx, c.UserID.String(), r.category)
	case *ChangeBalanceCmd:
		bal, err = r.changeBalance(ctx, c)
	case *CancelCmd:
		var s *service.Settlement
		s, err = r.reverser.Cancel(ctx, service.CancelRequest{
			UserID:            c.UserID.String(),
			ExternalReference: c.TransactionID.String(),
			Category:          r.category,
		})
		if err == nil {
			bal = s.Balance
			r.recordMutation(s)
		}
	default:
		return Fail(NewError(KindProtocol, CodeUnsupportedCommand, "unsupported command", ErrUnsupportedCommand))
	}
	if err != nil {
		cerr := classify(err)
		if cerr.Kind == KindInternal {
			r.log.Errorw("callback failed", "command", cmd.Name(), "error", err)
		} else {
			r.log.Infow("callback rejected", "command", cmd.Name(), "code", cerr.Code, "reason", err.Error())
		}
		return Fail(cerr)
	}
	return OK(bal)
}

func (r *Router) changeBalance(ctx context.Context, c *ChangeBalanceCmd) (decimal.Decimal, error) {
	req := service.TransactionRequest{
		UserID:            c.UserID.String(),
		Category:          r.category,
		ExternalReference: c.TransactionID.String(),
		Currency:          c.Currency,
		GameID:            c.GameID.String(),
		RoundID:           c.RoundID.String(),
		SessionID:         c.SessionID.String(),
		Actor:             "provider",
	}
	if req.Currency == "" {
		req.Currency = r.currency
	}
	switch c.TransactionType {
	case TypeBet:
		req.Type = model.TxBet
		req.Amount = c.Amount.Abs().Neg()
	case TypeWin:
		req.Type = model.TxWin
		req.Amount = c.Amount.Abs()
	}
	s, err := r.ledger.ApplyTransaction(ctx, req)
	if err != nil {
		return decimal.Zero, err
	}
	r.recordMutation(s)
	return s.Balance, nil
}

func classify(err error) *Error {
	business := func(code string) *Error { return NewError(KindBusiness, code, err.Error(), err) }
	switch {
	case errors.Is(err, repo.ErrInsufficientFunds):
		return business(CodeInsufficientFunds)
	case errors.Is(err, service.ErrGameDisabled):
		return business(CodeGameDisabled)
	case errors.Is(err, service.ErrTransactionNotFound):
		return business(CodeTransactionNotFound)
	case errors.Is(err, service.ErrDuplicateReference):
		return business(CodeDuplicateTransaction)
	case errors.Is(err, service.ErrTransactionCancelled):
		return business(CodeTransactionCancelled)
	case errors.Is(err, service.ErrNotCancellable):
		return business(CodeNotCancellable)
	case errors.Is(err, service.ErrInvalidAmount), errors.Is(err, service.ErrInvalidRequest):
		return NewError(KindValidation, CodeInvalidRequest, err.Error(), err)
	}
	return NewError(KindInternal, CodeInternalError, "internal error", err)
}
