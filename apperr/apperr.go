// Package apperr defines the error taxonomy shared by the settlement engine
// and the HTTP layer. Every error carries a stable machine-checkable code.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation           Kind = "validation"
	KindNotFound             Kind = "not_found"
	KindVerificationRejected Kind = "verification_rejected"
	KindInsufficientBalance  Kind = "insufficient_balance"
	KindConflict             Kind = "conflict"
	KindLedgerBroadcast      Kind = "ledger_broadcast"
	KindLedgerUnavailable    Kind = "ledger_unavailable"
	KindReconciliation       Kind = "reconciliation"
	KindStore                Kind = "store"
)

// Verification rejection codes.
const (
	CodeTxNotFound         = "TX_NOT_FOUND"
	CodeTxFailedOnLedger   = "TX_FAILED_ON_LEDGER"
	CodeNoMatchingTransfer = "NO_MATCHING_TRANSFER"
)

type Error struct {
	Kind    Kind
	Code    string
	Message string
	// TxHash is the ledger signature the error refers to, if any.
	TxHash string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same kind and code, so sentinel-style
// comparisons work through wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Code == "" || e.Code == t.Code)
}

// Retryable reports whether the caller may re-run the same request unchanged.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindLedgerBroadcast, KindLedgerUnavailable, KindStore:
		return true
	}
	return false
}

func New(kind Kind, code, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(err error, kind Kind, code, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func Validation(code, format string, args ...interface{}) *Error {
	return New(KindValidation, code, format, args...)
}

func NotFound(code, format string, args ...interface{}) *Error {
	return New(KindNotFound, code, format, args...)
}

func Rejected(code, format string, args ...interface{}) *Error {
	return New(KindVerificationRejected, code, format, args...)
}

func InsufficientBalance(format string, args ...interface{}) *Error {
	return New(KindInsufficientBalance, "INSUFFICIENT_BALANCE", format, args...)
}

func Store(err error, code, format string, args ...interface{}) *Error {
	return Wrap(err, KindStore, code, format, args...)
}

// Reconciliation marks a payout that left custody but was not recorded.
func Reconciliation(err error, txHash, format string, args ...interface{}) *Error {
	e := Wrap(err, KindReconciliation, "PAID_NOT_RECORDED", format, args...)
	e.TxHash = txHash
	return e
}

// As extracts an *Error from err.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindStore for foreign errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindStore
}

// HTTPStatus maps an error kind to the status code the API responds with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindVerificationRejected:
		return http.StatusUnprocessableEntity
	case KindInsufficientBalance, KindConflict:
		return http.StatusConflict
	case KindLedgerBroadcast:
		return http.StatusBadGateway
	case KindLedgerUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
