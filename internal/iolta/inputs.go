package iolta

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/sheikh-saqib/iolta-trust-ledger/internal/models"
	"github.com/shopspring/decimal"
)

// CreateTrustAccountInput identifies a firm's pooled bank account. The
// merchant id is never filled in for the caller.
type CreateTrustAccountInput struct {
	MerchantID     string `json:"merchant_id" validate:"required,max=100"`
	Name           string `json:"name" validate:"required,max=200"`
	BankName       string `json:"bank_name" validate:"max=200"`
	BankAccountRef string `json:"bank_account_ref" validate:"required,max=100"`
	Jurisdiction   string `json:"jurisdiction" validate:"max=100"`
	Currency       string `json:"currency" validate:"omitempty,len=3,alpha"`
}

func (in *CreateTrustAccountInput) normalize() {
	in.MerchantID = strings.TrimSpace(in.MerchantID)
	in.Name = strings.TrimSpace(in.Name)
	in.BankName = strings.TrimSpace(in.BankName)
	in.BankAccountRef = strings.TrimSpace(in.BankAccountRef)
	in.Jurisdiction = strings.TrimSpace(in.Jurisdiction)
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
}

type CreateClientLedgerInput struct {
	ClientID     string `json:"client_id" validate:"required,max=100"`
	MatterID     string `json:"matter_id" validate:"max=100"`
	ClientName   string `json:"client_name" validate:"max=200"`
	Jurisdiction string `json:"jurisdiction" validate:"max=100"`
}

func (in *CreateClientLedgerInput) normalize() {
	in.ClientID = strings.TrimSpace(in.ClientID)
	in.MatterID = strings.TrimSpace(in.MatterID)
	in.ClientName = strings.TrimSpace(in.ClientName)
	in.Jurisdiction = strings.TrimSpace(in.Jurisdiction)
}

type RecordTransactionInput struct {
	TrustAccountID string                 `json:"trust_account_id" validate:"required"`
	ClientLedgerID string                 `json:"client_ledger_id" validate:"required"`
	Type           models.TransactionType `json:"transaction_type" validate:"required"`
	Amount         decimal.Decimal        `json:"amount"`
	Description    string                 `json:"description" validate:"max=500"`
	Reference      string                 `json:"reference" validate:"max=200"`
	Metadata       map[string]string      `json:"metadata" validate:"max=50"`
	IdempotencyKey string                 `json:"idempotency_key" validate:"max=255"`
}

// LookupMode selects which namespace a ClientLedgerLookup searches. Ledger
// ids and client ids are never interchangeable.
type LookupMode int

const (
	LookupByLedgerID LookupMode = iota + 1
	LookupByClientID
)

type ClientLedgerLookup struct {
	By       LookupMode
	LedgerID string
	// TrustAccountID and ClientID are required for LookupByClientID. MatterID
	// narrows to a specific matter; empty means the client's ledger without one.
	TrustAccountID string
	ClientID       string
	MatterID       string
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationError maps validator failures onto ErrInvalidInput.
func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	details := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		details = append(details, fmt.Sprintf("%s %s", fe.Field(), validationMessage(fe)))
	}
	return fmt.Errorf("%w: %s", models.ErrInvalidInput, strings.Join(details, "; "))
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + fe.Param() + " long"
	case "len":
		return "must be exactly " + fe.Param() + " characters"
	case "alpha":
		return "must contain only letters"
	default:
		return "is invalid"
	}
}
