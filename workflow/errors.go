package workflow

import (
	"context"
	"errors"
	"fmt"

	"bitbucket.org/mmdatafocus/pos_reconciler/utils"
	"gorm.io/gorm"
)

// ErrorKind is the processing error taxonomy. Quarantine rows carry it so
// operators can tell bad data from business conflicts from engine defects.
type ErrorKind string

const (
	ErrorKindValidation ErrorKind = "validation"
	ErrorKindConflict   ErrorKind = "conflict"
	ErrorKindTransient  ErrorKind = "transient"
	ErrorKindInvariant  ErrorKind = "invariant"
	ErrorKindTimeout    ErrorKind = "timeout"
)

// Quarantine codes.
const (
	CodeInvalidPayload      = "invalid_payload"
	CodeUnknownKind         = "unknown_kind"
	CodeUnknownItem         = "unknown_item"
	CodeUnknownWarehouse    = "unknown_warehouse"
	CodeUnknownDevice       = "unknown_device"
	CodeMissingExchangeRate = "missing_exchange_rate"
	CodeMissingAccount      = "missing_account_mapping"
	CodeNoOpenShift         = "no_open_shift"
	CodeShiftAlreadyOpen    = "shift_already_open"
	CodeShiftMismatch       = "shift_mismatch"
	CodeOriginalNotFound    = "original_sale_not_found"
	CodeReturnExceedsSale   = "return_exceeds_returnable_qty"
	CodeMissingReason       = "missing_reason_code"
	CodeFeeExceedsReturn    = "restocking_fee_exceeds_return"
	CodePeriodLocked        = "accounting_period_locked"
	CodeInsufficientStock   = "insufficient_stock"
	CodeUnbalancedJournal   = "unbalanced_journal"
	CodeLotOverAllocated    = "lot_over_allocated"
	CodeTotalsMismatch      = "document_totals_mismatch"
	CodeRecordNotFound      = "record_not_found"
	CodeConcurrentUpdate    = "concurrent_update"
	CodeStoreUnavailable    = "store_unavailable"
	CodeRetriesExhausted    = "transient_retries_exhausted"
	CodePanic               = "panic"
	CodeDeadlineExceeded    = "deadline_exceeded"
)

type ProcessingError struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *ProcessingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s/%s: %s: %v", e.Kind, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s/%s: %s", e.Kind, e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// IsQuarantine reports whether the error ends the event in quarantine.
func (e *ProcessingError) IsQuarantine() bool {
	return e.Kind != ErrorKindTransient
}

func Validation(code, format string, args ...any) *ProcessingError {
	return &ProcessingError{Kind: ErrorKindValidation, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Conflict(code, format string, args ...any) *ProcessingError {
	return &ProcessingError{Kind: ErrorKindConflict, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Invariant(code, format string, args ...any) *ProcessingError {
	return &ProcessingError{Kind: ErrorKindInvariant, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Transient(code string, err error) *ProcessingError {
	return &ProcessingError{Kind: ErrorKindTransient, Code: code, Message: "retry later", Err: err}
}

func Timeout(err error) *ProcessingError {
	return &ProcessingError{Kind: ErrorKindTimeout, Code: CodeDeadlineExceeded, Message: "event processing exceeded its time budget", Err: err}
}

// Classify maps any pipeline error onto the taxonomy. Anything not already
// classified came from the store or the network and is transient.
func Classify(err error) *ProcessingError {
	if err == nil {
		return nil
	}
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(err)
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Every lookup that can legitimately miss is validated first.
		return &ProcessingError{Kind: ErrorKindInvariant, Code: CodeRecordNotFound, Message: "unexpected missing row", Err: err}
	}
	if utils.IsRetryableDBErr(err) || utils.IsDuplicateKeyErr(err) {
		return Transient(CodeConcurrentUpdate, err)
	}
	return Transient(CodeStoreUnavailable, err)
}
