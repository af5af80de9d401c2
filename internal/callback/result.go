package callback

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrUnsupportedCommand = errors.New("unsupported command")
	ErrMalformed          = errors.New("malformed request")
)

// Kind groups failures by who has to act on them.
type Kind int

const (
	KindProtocol Kind = iota + 1
	KindValidation
	KindBusiness
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindValidation:
		return "validation"
	case KindBusiness:
		return "business"
	case KindInternal:
		return "internal"
	}
	return "unknown"
}

// Stable reason codes returned to the provider.
const (
	CodeInvalidSignature     = "INVALID_SIGNATURE"
	CodeInvalidRequest       = "INVALID_REQUEST"
	CodeUnsupportedCommand   = "UNSUPPORTED_COMMAND"
	CodeInsufficientFunds    = "INSUFFICIENT_FUNDS"
	CodeGameDisabled         = "GAME_DISABLED"
	CodeTransactionNotFound  = "TRANSACTION_NOT_FOUND"
	CodeDuplicateTransaction = "DUPLICATE_TRANSACTION"
	CodeTransactionCancelled = "TRANSACTION_CANCELLED"
	CodeNotCancellable       = "NOT_CANCELLABLE"
	CodeInternalError        = "INTERNAL_ERROR"
)

const (
	StatusOK    = "OK"
	StatusError = "ERROR"
)

// Error is a classified callback failure. Message is safe to show the provider; Cause is not.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func NewError(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s %s: %v", e.Kind, e.Code, e.Cause)
	}
	return fmt.Sprintf("%s %s: %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// BalanceData is the success payload of every command.
type BalanceData struct {
	Balance decimal.Decimal `json:"balance"`
}

// ErrorData is the failure payload.
type ErrorData struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// Result is the outcome of one callback before it is put on the wire.
type Result struct {
	Data *BalanceData
	Err  *Error
}

func OK(balance decimal.Decimal) Result { return Result{Data: &BalanceData{Balance: balance}} }

func Fail(err *Error) Result { return Result{Err: err} }

func (r Result) Status() string {
	if r.Err != nil {
		return StatusError
	}
	return StatusOK
}

// Code is the reason code, or empty on success.
func (r Result) Code() string {
	if r.Err != nil {
		return r.Err.Code
	}
	return ""
}

// Response serializes r into the provider envelope.
func (r Result) Response() Response {
	if r.Err != nil {
		return Response{Response: ResponseBody{
			Status: StatusError,
			Data:   ErrorData{ErrorCode: r.Err.Code, Message: r.Err.Message},
		}}
	}
	return Response{Response: ResponseBody{Status: StatusOK, Data: r.Data}}
}
