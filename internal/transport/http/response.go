package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sheikh-saqib/iolta-trust-ledger/internal/models"
)

type successResponse struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
}

type errorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
	Details   any    `json:"details,omitempty"`
}

type errorResponse struct {
	Status string       `json:"status"`
	Error  errorPayload `json:"error"`
}

type insufficientFundsDetails struct {
	ClientLedgerID string `json:"client_ledger_id"`
	Available      string `json:"available"`
	Requested      string `json:"requested"`
}

const retryMessage = "the ledger is busy or unavailable, please try again"

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeSuccess(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, successResponse{Status: "success", Data: data})
}

func writeError(w http.ResponseWriter, status int, code, message, requestID string) {
	writeJSON(w, status, errorResponse{Status: "error", Error: errorPayload{Code: code, Message: message, RequestID: requestID}})
}

// writeDomainError renders err with the status of its kind. Storage and
// concurrency failures get a generic message; their detail stays in the logs.
func writeDomainError(w http.ResponseWriter, err error, requestID string) {
	status := statusFor(err)
	payload := errorPayload{Code: models.CodeOf(err), Message: err.Error(), RequestID: requestID}

	var insufficient *models.InsufficientFundsError
	switch kind := models.KindOf(err); {
	case kind == models.KindStorage || kind == models.KindConcurrencyConflict:
		payload.Message = retryMessage
	case errors.As(err, &insufficient):
		payload.Details = insufficientFundsDetails{
			ClientLedgerID: insufficient.LedgerID,
			Available:      insufficient.Available.StringFixed(models.CentsScale),
			Requested:      insufficient.Requested.StringFixed(models.CentsScale),
		}
	}
	writeJSON(w, status, errorResponse{Status: "error", Error: payload})
}

func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrInvalidAmount),
		errors.Is(err, models.ErrInvalidTransactionType),
		errors.Is(err, models.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrTrustAccountNotFound),
		errors.Is(err, models.ErrLedgerNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrIdempotencyConflict),
		errors.Is(err, models.ErrLedgerClosed),
		errors.Is(err, models.ErrLedgerNotEmpty),
		errors.Is(err, models.ErrTrustAccountMismatch),
		errors.Is(err, models.ErrDuplicateTrustAccount),
		errors.Is(err, models.ErrDuplicateClientLedger),
		errors.Is(err, models.ErrConcurrencyConflict):
		return http.StatusConflict
	}
	if models.KindOf(err) == models.KindStorage {
		return http.StatusServiceUnavailable
	}
	return http.StatusBadRequest
}
