// Package callback verifies signed provider callbacks and routes them to the ledger.
package callback

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/richardliu001/settlement-service/internal/model"
	"github.com/shopspring/decimal"
)

// HeaderAuthorization carries hex(SHA-256(command || secret)).
const HeaderAuthorization = "X-Authorization"

// Supported provider commands.
const (
	CommandBalance       = "balance"
	CommandChangeBalance = "changebalance"
	CommandCancel        = "cancel"
)

// Provider transaction types carried by changebalance.
const (
	TypeBet = "BET"
	TypeWin = "WIN"
)

// Envelope is the signed JSON body of every provider call.
type Envelope struct {
	Command          string          `json:"command"`
	RequestTimestamp string          `json:"request_timestamp"`
	Hash             string          `json:"hash"`
	Data             json.RawMessage `json:"data"`
}

// Response is what the provider receives for every outcome, always with HTTP 200.
type Response struct {
	Response ResponseBody `json:"response"`
}

type ResponseBody struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data"`
}

// FlexString accepts ids the provider sends either as JSON strings or numbers.
type FlexString string

func (fs *FlexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*fs = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		if i, err := n.Int64(); err == nil {
			*fs = FlexString(strconv.FormatInt(i, 10))
			return nil
		}
		*fs = FlexString(n.String())
		return nil
	}
	return fmt.Errorf("unable to parse %s as string id", string(data))
}

func (fs FlexString) String() string { return string(fs) }

// Command is one of BalanceCmd, ChangeBalanceCmd or CancelCmd.
type Command interface {
	Name() string
}

type BalanceCmd struct {
	UserID FlexString `json:"user_id" validate:"required,max=64"`
}

func (BalanceCmd) Name() string { return CommandBalance }

// ChangeBalanceCmd carries an unsigned amount; the direction comes from TransactionType.
type ChangeBalanceCmd struct {
	UserID          FlexString      `json:"user_id" validate:"required,max=64"`
	TransactionID   FlexString      `json:"transaction_id" validate:"required,max=128"`
	TransactionType string          `json:"transaction_type" validate:"required,oneof=BET WIN"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency" validate:"omitempty,max=8"`
	GameID          FlexString      `json:"game_id" validate:"max=64"`
	RoundID         FlexString      `json:"round_id" validate:"max=128"`
	SessionID       FlexString      `json:"session_id" validate:"max=128"`
}

func (ChangeBalanceCmd) Name() string { return CommandChangeBalance }

type CancelCmd struct {
	UserID        FlexString `json:"user_id" validate:"required,max=64"`
	TransactionID FlexString `json:"transaction_id" validate:"required,max=128"`
}

func (CancelCmd) Name() string { return CommandCancel }

var validate = validator.New()

// DecodeCommand turns the envelope data into a validated Command.
func DecodeCommand(env *Envelope) (Command, error) {
	var cmd Command
	switch env.Command {
	case CommandBalance:
		cmd = &BalanceCmd{}
	case CommandChangeBalance:
		cmd = &ChangeBalanceCmd{}
	case CommandCancel:
		cmd = &CancelCmd{}
	default:
		return nil, ErrUnsupportedCommand
	}
	if len(env.Data) == 0 {
		return nil, fmt.Errorf("%w: missing data", ErrMalformed)
	}
	if err := json.Unmarshal(env.Data, cmd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := validate.Struct(cmd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if cb, ok := cmd.(*ChangeBalanceCmd); ok {
		switch {
		case !cb.Amount.IsPositive():
			return nil, fmt.Errorf("%w: amount must be positive", ErrMalformed)
		case !model.FitsMoneyScale(cb.Amount):
			return nil, fmt.Errorf("%w: amount has more than %d decimal places", ErrMalformed, model.MoneyPlaces)
		}
	}
	return cmd, nil
}
