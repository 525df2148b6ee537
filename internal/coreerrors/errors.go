// Package coreerrors implements the four error-kind taxonomy of the trading
// core: Validation, Capacity, Structural, and Durability. It is modeled on
// the teacher's pkg/errors package (ErrorCode enum + rich wrapper type) but
// narrowed to the kinds the core actually raises.
package coreerrors

import (
	"fmt"
	"runtime"
	"time"
)

// Code identifies a specific rejection or failure reason.
type Code string

// Validation errors are pre-trade, recoverable, and reported to the client
// via OrderEvent{status=REJECTED, reason}. No balance or book mutation
// accompanies them.
const (
	CodeInvalidSymbol     Code = "INVALID_SYMBOL"
	CodeInvalidPrice      Code = "INVALID_PRICE"
	CodeInvalidQty        Code = "INVALID_QTY"
	CodeUnknownOrder      Code = "UNKNOWN_ORDER"
	CodeNotOrderOwner     Code = "NOT_ORDER_OWNER"
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"
	CodeInvalidReduction  Code = "INVALID_REDUCTION"
	CodeOverflow          Code = "OVERFLOW"
	CodeDuplicateCid      Code = "DUPLICATE_CID"
	CodeFOKWouldNotFill   Code = "FOK_WOULD_NOT_FILL"
)

// Capacity errors are recoverable and surfaced upward to the submitter.
const (
	CodeQueueFull Code = "QUEUE_FULL"
)

// Structural errors are fatal: an in-memory invariant was violated. They
// poison the engine and refuse further input.
const (
	CodeCorruptOrderBook  Code = "CORRUPT_ORDER_BOOK"
	CodeBalanceUnderflow  Code = "BALANCE_UNDERFLOW"
)

// Durability errors are fatal on startup, retryable mid-run.
const (
	CodeWalWriteFailed    Code = "WAL_WRITE_FAILED"
	CodeSnapshotCorrupt   Code = "SNAPSHOT_CORRUPT"
	CodeSnapshotIncomplete Code = "SNAPSHOT_INCOMPLETE"
	CodeWalFormatIncompatible Code = "WAL_FORMAT_INCOMPATIBLE"
)

// Kind is the broad taxonomy a Code belongs to (spec.md §7).
type Kind string

const (
	KindValidation Kind = "validation"
	KindCapacity   Kind = "capacity"
	KindStructural Kind = "structural"
	KindDurability Kind = "durability"
)

var kindByCode = map[Code]Kind{
	CodeInvalidSymbol:       KindValidation,
	CodeInvalidPrice:        KindValidation,
	CodeInvalidQty:          KindValidation,
	CodeUnknownOrder:        KindValidation,
	CodeNotOrderOwner:       KindValidation,
	CodeInsufficientBalance: KindValidation,
	CodeInvalidReduction:    KindValidation,
	CodeOverflow:            KindValidation,
	CodeDuplicateCid:        KindValidation,
	CodeFOKWouldNotFill:     KindValidation,

	CodeQueueFull: KindCapacity,

	CodeCorruptOrderBook: KindStructural,
	CodeBalanceUnderflow: KindStructural,

	CodeWalWriteFailed:        KindDurability,
	CodeSnapshotCorrupt:       KindDurability,
	CodeSnapshotIncomplete:    KindDurability,
	CodeWalFormatIncompatible: KindDurability,
}

// KindOf returns the taxonomy kind for a code, or "" if unknown.
func KindOf(code Code) Kind {
	return kindByCode[code]
}

// TradingError is the core's structured error type: a code, a human message,
// optional structured details, and caller context captured at construction.
type TradingError struct {
	Code      Code
	Kind      Kind
	Message   string
	Details   map[string]interface{}
	Timestamp time.Time
	File      string
	Line      int
	Function  string
	Cause     error
}

func (e *TradingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *TradingError) Unwrap() error {
	return e.Cause
}

// WithDetail attaches a structured detail for logging/audit.
func (e *TradingError) WithDetail(key string, value interface{}) *TradingError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause attaches an underlying cause.
func (e *TradingError) WithCause(cause error) *TradingError {
	e.Cause = cause
	return e
}

// New constructs a TradingError, capturing the caller's file/line/function.
func New(code Code, message string) *TradingError {
	pc, file, line, _ := runtime.Caller(1)
	fn := runtime.FuncForPC(pc)
	var funcName string
	if fn != nil {
		funcName = fn.Name()
	}
	return &TradingError{
		Code:      code,
		Kind:      KindOf(code),
		Message:   message,
		Timestamp: time.Now(),
		File:      file,
		Line:      line,
		Function:  funcName,
	}
}

// Newf constructs a TradingError with a formatted message.
func Newf(code Code, format string, args ...interface{}) *TradingError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with trading-core context.
func Wrap(err error, code Code, message string) *TradingError {
	if err == nil {
		return nil
	}
	te := New(code, message)
	te.Cause = err
	return te
}

// Is reports whether the first TradingError in err's chain has the given
// code; TradingErrors further down the chain are not examined.
func Is(err error, code Code) bool {
	var te *TradingError
	if As(err, &te) {
		return te.Code == code
	}
	return false
}

// As finds the first TradingError in err's chain, mirroring errors.As without
// depending on the standard errors package's reflection-based matching (the
// core only ever unwraps its own type).
func As(err error, target **TradingError) bool {
	if err == nil {
		return false
	}
	if te, ok := err.(*TradingError); ok {
		*target = te
		return true
	}
	if unwrapper, ok := err.(interface{ Unwrap() error }); ok {
		return As(unwrapper.Unwrap(), target)
	}
	return false
}

// IsFatal reports whether an error must poison the engine (Structural) or
// halt startup (Durability), as opposed to being reported to the caller.
func IsFatal(err error) bool {
	var te *TradingError
	if !As(err, &te) {
		return false
	}
	return te.Kind == KindStructural || te.Kind == KindDurability
}

// IsRetryable reports whether the operation that produced err may be
// retried without violating the core's idempotence guarantees. Only
// Durability errors encountered mid-run are retryable; Structural errors
// poison the engine and Validation/Capacity errors are final per-request
// outcomes.
func IsRetryable(err error) bool {
	var te *TradingError
	if !As(err, &te) {
		return false
	}
	return te.Kind == KindDurability
}
