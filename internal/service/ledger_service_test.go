package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/richardliu001/settlement-service/internal/model"
	"github.com/richardliu001/settlement-service/internal/repo"
	"github.com/richardliu001/settlement-service/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCatalog map[string]bool

func (c stubCatalog) IsActive(_ context.Context, gameID string) (bool, error) {
	if gameID == "broken" {
		return false, errors.New("catalog unavailable")
	}
	active, ok := c[gameID]
	return !ok || active, nil
}

func newTestService(t *testing.T) (*LedgerService, context.Context) {
	r := repo.NewRepository(testutil.NewDB(t), nil, testutil.NewLogger(t), repo.Options{MaxRetries: 3})
	svc := NewLedgerService(r, stubCatalog{"off": false}, testutil.NewLogger(t))
	return svc, context.Background()
}

func apply(t *testing.T, svc *LedgerService, ref string, typ model.TxType, amount, round string) (*Settlement, error) {
	t.Helper()
	return svc.ApplyTransaction(context.Background(), TransactionRequest{
		UserID: "U", Category: "slots", Type: typ, Amount: testutil.Dec(t, amount),
		ExternalReference: ref, Currency: "USD", GameID: "g1", RoundID: round,
	})
}

func fund(t *testing.T, svc *LedgerService, amount string) {
	t.Helper()
	_, err := apply(t, svc, "seed-"+amount, model.TxDeposit, amount, "")
	require.NoError(t, err)
}

func TestApplyTransaction_Idempotent(t *testing.T) {
	svc, ctx := newTestService(t)
	fund(t, svc, "50")

	first, err := apply(t, svc, "T1", model.TxBet, "-1", "R1")
	require.NoError(t, err)
	testutil.RequireDecimal(t, "49", first.Balance)
	assert.False(t, first.Replayed)
	testutil.RequireDecimal(t, "50", first.Transaction.BalanceBefore)

	again, err := apply(t, svc, "T1", model.TxBet, "-1", "R1")
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	testutil.RequireDecimal(t, "49", again.Balance)

	bal, err := svc.GetBalance(ctx, "U", "slots")
	require.NoError(t, err)
	testutil.RequireDecimal(t, "49", bal)

	// replay after later mutations still answers with the recorded balance
	_, err = apply(t, svc, "T2", model.TxBet, "-4", "R2")
	require.NoError(t, err)
	again, err = apply(t, svc, "T1", model.TxBet, "-1", "R1")
	require.NoError(t, err)
	testutil.RequireDecimal(t, "49", again.Balance)
}

func TestApplyTransaction_DuplicateReferenceDifferentType(t *testing.T) {
	svc, _ := newTestService(t)
	fund(t, svc, "10")
	_, err := apply(t, svc, "T1", model.TxBet, "-1", "")
	require.NoError(t, err)

	_, err = apply(t, svc, "T1", model.TxWin, "1", "")
	assert.ErrorIs(t, err, ErrDuplicateReference)
}

func TestApplyTransaction_InsufficientFunds(t *testing.T) {
	svc, ctx := newTestService(t)
	fund(t, svc, "5")

	_, err := apply(t, svc, "T1", model.TxBet, "-5.01", "")
	assert.ErrorIs(t, err, repo.ErrInsufficientFunds)

	res, err := apply(t, svc, "T2", model.TxBet, "-5", "")
	require.NoError(t, err)
	testutil.RequireDecimal(t, "0", res.Balance)

	// the rejected reference left no row behind and can be used later
	ref, err := svc.Repo().FindByReference(ctx, svc.Repo().DB(ctx), "U", "T1")
	require.NoError(t, err)
	assert.Nil(t, ref)
}

func TestApplyTransaction_DisabledGame(t *testing.T) {
	svc, ctx := newTestService(t)
	fund(t, svc, "10")

	req := TransactionRequest{UserID: "U", Category: "slots", Type: model.TxWin, Amount: decimal.NewFromInt(3),
		ExternalReference: "W1", GameID: "off"}
	_, err := svc.ApplyTransaction(ctx, req)
	assert.ErrorIs(t, err, ErrGameDisabled)

	// debits on a disabled game are not blocked
	req = TransactionRequest{UserID: "U", Category: "slots", Type: model.TxBet, Amount: decimal.NewFromInt(-3),
		ExternalReference: "B1", GameID: "off"}
	res, err := svc.ApplyTransaction(ctx, req)
	require.NoError(t, err)
	testutil.RequireDecimal(t, "7", res.Balance)

	req = TransactionRequest{UserID: "U", Category: "slots", Type: model.TxWin, Amount: decimal.NewFromInt(3),
		ExternalReference: "W2", GameID: "broken"}
	_, err = svc.ApplyTransaction(ctx, req)
	assert.Error(t, err)
}

func TestApplyTransaction_Validation(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := apply(t, svc, "T1", model.TxBet, "1", "")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = apply(t, svc, "T2", model.TxWin, "-1", "")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = apply(t, svc, "T3", model.TxCancellation, "1", "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = apply(t, svc, "", model.TxWin, "1", "")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	// adjustments may go either way
	_, err = apply(t, svc, "A1", model.TxAdjustment, "3", "")
	require.NoError(t, err)
	res, err := apply(t, svc, "A2", model.TxAdjustment, "-1", "")
	require.NoError(t, err)
	testutil.RequireDecimal(t, "2", res.Balance)
}

func TestCancel_RoundConservation(t *testing.T) {
	svc, ctx := newTestService(t)
	fund(t, svc, "50")

	res, err := apply(t, svc, "T1", model.TxBet, "-1", "R1")
	require.NoError(t, err)
	testutil.RequireDecimal(t, "49", res.Balance)
	res, err = apply(t, svc, "T2", model.TxWin, "5", "R1")
	require.NoError(t, err)
	testutil.RequireDecimal(t, "54", res.Balance)

	cancel, err := svc.Cancel(ctx, CancelRequest{UserID: "U", ExternalReference: "T2"})
	require.NoError(t, err)
	testutil.RequireDecimal(t, "50", cancel.Balance)
	assert.Equal(t, model.TxCancellation, cancel.Transaction.Type)
	testutil.RequireDecimal(t, "-4", cancel.Transaction.Amount)
	assert.Nil(t, cancel.Transaction.ExternalReference)
	require.NotNil(t, cancel.Transaction.RelatedTxID)

	again, err := svc.Cancel(ctx, CancelRequest{UserID: "U", ExternalReference: "T2"})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	testutil.RequireDecimal(t, "50", again.Balance)

	// the paired bet went down with the win
	bet, err := svc.Cancel(ctx, CancelRequest{UserID: "U", ExternalReference: "T1"})
	require.NoError(t, err)
	assert.True(t, bet.Replayed)
	testutil.RequireDecimal(t, "50", bet.Balance)

	_, err = apply(t, svc, "T2", model.TxWin, "5", "R1")
	assert.ErrorIs(t, err, ErrTransactionCancelled)

	rec, err := svc.Reconcile(ctx, "U", "slots")
	require.NoError(t, err)
	assert.True(t, rec.Consistent, "drift %s", rec.Drift)
	testutil.RequireDecimal(t, "50", rec.Stored)
}

func TestCancel_StandaloneBetThenWin(t *testing.T) {
	svc, ctx := newTestService(t)
	fund(t, svc, "50")
	_, err := apply(t, svc, "T1", model.TxBet, "-1", "R1")
	require.NoError(t, err)
	_, err = apply(t, svc, "T2", model.TxWin, "5", "R1")
	require.NoError(t, err)

	res, err := svc.Cancel(ctx, CancelRequest{UserID: "U", ExternalReference: "T1"})
	require.NoError(t, err)
	testutil.RequireDecimal(t, "55", res.Balance)

	// no completed bet left in the round, so the win reverses alone
	res, err = svc.Cancel(ctx, CancelRequest{UserID: "U", ExternalReference: "T2"})
	require.NoError(t, err)
	testutil.RequireDecimal(t, "50", res.Balance)

	rec, err := svc.Reconcile(ctx, "U", "slots")
	require.NoError(t, err)
	assert.True(t, rec.Consistent)
}

func TestCancel_WinWithoutRound(t *testing.T) {
	svc, ctx := newTestService(t)
	fund(t, svc, "1")
	_, err := apply(t, svc, "W1", model.TxWin, "5", "")
	require.NoError(t, err)
	_, err = apply(t, svc, "B1", model.TxBet, "-6", "")
	require.NoError(t, err)

	// reversal is allowed to push the balance below zero
	res, err := svc.Cancel(ctx, CancelRequest{UserID: "U", ExternalReference: "W1"})
	require.NoError(t, err)
	testutil.RequireDecimal(t, "-5", res.Balance)
}

func TestCancel_Errors(t *testing.T) {
	svc, ctx := newTestService(t)
	fund(t, svc, "10")

	_, err := svc.Cancel(ctx, CancelRequest{UserID: "U", ExternalReference: "missing"})
	assert.ErrorIs(t, err, ErrTransactionNotFound)

	_, err = apply(t, svc, "T1", model.TxBet, "-1", "")
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, CancelRequest{UserID: "U", ExternalReference: "T1"})
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, CancelRequest{UserID: "U", ExternalReference: "seed-10"})
	assert.ErrorIs(t, err, ErrNotCancellable)

	_, err = svc.Cancel(ctx, CancelRequest{})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Cancel(ctx, CancelRequest{UserID: "other-user", ExternalReference: "T1"})
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestCancel_OnlyWagersInScope(t *testing.T) {
	svc, ctx := newTestService(t)
	fund(t, svc, "50")

	_, err := svc.Transfer(ctx, TransferRequest{UserID: "U", FromCategory: "slots", ToCategory: "live",
		Amount: decimal.NewFromInt(10), ExternalReference: "X", Actor: "admin"})
	require.NoError(t, err)
	_, err = apply(t, svc, "A1", model.TxAdjustment, "5", "")
	require.NoError(t, err)
	_, err = apply(t, svc, "T1", model.TxBet, "-1", "")
	require.NoError(t, err)

	for _, ref := range []string{"X", "A1", "seed-50"} {
		_, err = svc.Cancel(ctx, CancelRequest{UserID: "U", ExternalReference: ref, Category: "slots"})
		assert.ErrorIs(t, err, ErrNotCancellable, ref)
	}
	_, err = svc.Cancel(ctx, CancelRequest{UserID: "U", ExternalReference: "T1", Category: "live"})
	assert.ErrorIs(t, err, ErrNotCancellable)

	slots, err := svc.GetBalance(ctx, "U", "slots")
	require.NoError(t, err)
	live, err := svc.GetBalance(ctx, "U", "live")
	require.NoError(t, err)
	testutil.RequireDecimal(t, "44", slots)
	testutil.RequireDecimal(t, "10", live)

	res, err := svc.Cancel(ctx, CancelRequest{UserID: "U", ExternalReference: "T1", Category: "slots"})
	require.NoError(t, err)
	testutil.RequireDecimal(t, "45", res.Balance)
}

func TestCancel_ReferencesNeverCollideWithAuditRows(t *testing.T) {
	svc, ctx := newTestService(t)
	fund(t, svc, "50")
	long := strings.Repeat("r", 128)

	for _, ref := range []string{"T1", "cancel:T1", long} {
		_, err := apply(t, svc, ref, model.TxBet, "-1", "")
		require.NoError(t, err, ref)
	}
	for _, ref := range []string{"T1", "cancel:T1", long} {
		res, err := svc.Cancel(ctx, CancelRequest{UserID: "U", ExternalReference: ref})
		require.NoError(t, err, ref)
		assert.False(t, res.Replayed, ref)
	}
	bal, err := svc.GetBalance(ctx, "U", "slots")
	require.NoError(t, err)
	testutil.RequireDecimal(t, "50", bal)
}

func TestApplyTransaction_AmountShape(t *testing.T) {
	svc, _ := newTestService(t)
	fund(t, svc, "50")

	_, err := apply(t, svc, "Z", model.TxBet, "0", "")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = apply(t, svc, "P9", model.TxBet, "-0.123456789", "")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	res, err := apply(t, svc, "P8", model.TxBet, "-0.12345678", "")
	require.NoError(t, err)
	testutil.RequireDecimal(t, "49.87654322", res.Balance)
	// trailing zeros past the scale are not extra precision
	_, err = apply(t, svc, "P8z", model.TxBet, "-1.0000000000", "")
	require.NoError(t, err)
}

func TestApplyTransaction_ConcurrentDebits(t *testing.T) {
	svc, ctx := newTestService(t)
	fund(t, svc, "10")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		refused int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.ApplyTransaction(ctx, TransactionRequest{
				UserID: "U", Category: "slots", Type: model.TxBet, Amount: decimal.NewFromInt(-1),
				ExternalReference: fmt.Sprintf("B%d", i),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, repo.ErrInsufficientFunds):
				refused++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	assert.Equal(t, 10, refused)
	bal, err := svc.GetBalance(ctx, "U", "slots")
	require.NoError(t, err)
	testutil.RequireDecimal(t, "0", bal)
}

func TestTransfer(t *testing.T) {
	svc, ctx := newTestService(t)
	fund(t, svc, "20")

	req := TransferRequest{UserID: "U", FromCategory: "slots", ToCategory: "live", Amount: decimal.NewFromInt(8),
		ExternalReference: "X1", Actor: "admin"}
	res, err := svc.Transfer(ctx, req)
	require.NoError(t, err)
	testutil.RequireDecimal(t, "12", res.FromBalance)
	testutil.RequireDecimal(t, "8", res.ToBalance)

	again, err := svc.Transfer(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	testutil.RequireDecimal(t, "12", again.FromBalance)

	hist, err := svc.History(ctx, "U", 10, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, hist, 3)
	require.NotNil(t, hist[1].ExternalReference)
	assert.Equal(t, "X1", *hist[1].ExternalReference)
	assert.Nil(t, hist[2].ExternalReference, "credit leg is keyed by the debit leg")
	assert.Equal(t, "live", hist[2].Category)

	// a reference already used by a different kind of row is not a transfer replay
	req.ExternalReference = "seed-20"
	_, err = svc.Transfer(ctx, req)
	assert.ErrorIs(t, err, ErrDuplicateReference)

	req.ExternalReference = "X2"
	req.Amount = decimal.NewFromInt(13)
	_, err = svc.Transfer(ctx, req)
	assert.ErrorIs(t, err, repo.ErrInsufficientFunds)

	req.ToCategory = "slots"
	_, err = svc.Transfer(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	for _, cat := range []string{"slots", "live"} {
		rec, err := svc.Reconcile(ctx, "U", cat)
		require.NoError(t, err)
		assert.True(t, rec.Consistent, cat)
	}
}

func TestHistoryAndOutbox(t *testing.T) {
	svc, ctx := newTestService(t)
	fund(t, svc, "10")
	_, err := apply(t, svc, "T1", model.TxBet, "-2", "")
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, CancelRequest{UserID: "U", ExternalReference: "T1"})
	require.NoError(t, err)

	hist, err := svc.History(ctx, "U", 10, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, model.StatusCancelled, hist[1].Status)
	assert.Equal(t, model.TxCancellation, hist[2].Type)

	events, err := svc.Repo().PollOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, model.EventTransactionCancelled, events[2].EventType)
	assert.Equal(t, "U", events[2].AggregateID)
}

func TestGetBalance_CreatesZeroRow(t *testing.T) {
	svc, ctx := newTestService(t)
	bal, err := svc.GetBalance(ctx, "new-user", "slots")
	require.NoError(t, err)
	assert.True(t, bal.IsZero())

	row, err := svc.Repo().GetBalance(ctx, svc.Repo().DB(ctx), "new-user", "slots")
	require.NoError(t, err)
	assert.NotNil(t, row)
}
