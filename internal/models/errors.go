package models

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrorKind groups ledger errors by how a caller should react to them.
type ErrorKind string

const (
	KindValidation           ErrorKind = "validation"
	KindReferentialIntegrity ErrorKind = "referential_integrity"
	KindInsufficientFunds    ErrorKind = "insufficient_funds"
	KindConcurrencyConflict  ErrorKind = "concurrency_conflict"
	KindStorage              ErrorKind = "storage"
)

// LedgerError is a typed ledger failure with a stable code.
type LedgerError struct {
	Kind    ErrorKind `json:"kind"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
}

func (e *LedgerError) Error() string {
	return e.Message
}

func newLedgerError(kind ErrorKind, code, message string) *LedgerError {
	return &LedgerError{Kind: kind, Code: code, Message: message}
}

var (
	ErrInvalidInput           = newLedgerError(KindValidation, "INVALID_INPUT", "invalid input")
	ErrInvalidAmount          = newLedgerError(KindValidation, "INVALID_AMOUNT", "amount must be a positive value with at most two decimal places")
	ErrInvalidTransactionType = newLedgerError(KindValidation, "INVALID_TRANSACTION_TYPE", "unknown transaction type")
	ErrIdempotencyConflict    = newLedgerError(KindValidation, "IDEMPOTENCY_CONFLICT", "idempotency key was already used for a different transaction")
	ErrLedgerClosed           = newLedgerError(KindValidation, "LEDGER_CLOSED", "client ledger is closed")
	ErrLedgerNotEmpty         = newLedgerError(KindValidation, "LEDGER_NOT_EMPTY", "client ledger still holds funds")

	ErrTrustAccountNotFound  = newLedgerError(KindReferentialIntegrity, "TRUST_ACCOUNT_NOT_FOUND", "trust account not found")
	ErrLedgerNotFound        = newLedgerError(KindReferentialIntegrity, "LEDGER_NOT_FOUND", "client ledger not found")
	ErrTrustAccountMismatch  = newLedgerError(KindReferentialIntegrity, "TRUST_ACCOUNT_MISMATCH", "client ledger does not belong to the trust account")
	ErrDuplicateTrustAccount = newLedgerError(KindReferentialIntegrity, "DUPLICATE_TRUST_ACCOUNT", "trust account already exists for this bank account")
	ErrDuplicateClientLedger = newLedgerError(KindReferentialIntegrity, "DUPLICATE_CLIENT_LEDGER", "an active ledger already exists for this client and matter")

	ErrInsufficientFunds = newLedgerError(KindInsufficientFunds, "INSUFFICIENT_FUNDS", "insufficient funds")

	ErrConcurrencyConflict = newLedgerError(KindConcurrencyConflict, "CONCURRENCY_CONFLICT", "ledger was modified concurrently")

	ErrStorage = newLedgerError(KindStorage, "STORAGE_ERROR", "storage failure")
)

// InsufficientFundsError is returned when a debit exceeds the ledger balance.
// It matches ErrInsufficientFunds with errors.Is.
type InsufficientFundsError struct {
	LedgerID  string
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds in client ledger %s: available %s, requested %s",
		e.LedgerID, e.Available.StringFixed(CentsScale), e.Requested.StringFixed(CentsScale))
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// StorageError wraps a datastore failure so it classifies as KindStorage.
func StorageError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

// KindOf classifies err. Anything that is not a LedgerError is a storage failure.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var le *LedgerError
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindStorage
}

// CodeOf returns the stable code of err, or ErrStorage's code for unclassified errors.
func CodeOf(err error) string {
	var le *LedgerError
	if errors.As(err, &le) {
		return le.Code
	}
	return ErrStorage.Code
}
