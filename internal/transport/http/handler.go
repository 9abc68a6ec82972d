package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sheikh-saqib/iolta-trust-ledger/internal/iolta"
	"github.com/sheikh-saqib/iolta-trust-ledger/internal/models"
	"github.com/sheikh-saqib/iolta-trust-ledger/internal/reconciliation"
	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

type recordTransactionRequest struct {
	TrustAccountID string                 `json:"trust_account_id"`
	Type           models.TransactionType `json:"transaction_type"`
	Amount         decimal.Decimal        `json:"amount"`
	Description    string                 `json:"description"`
	Reference      string                 `json:"reference"`
	Metadata       map[string]string      `json:"metadata"`
	IdempotencyKey string                 `json:"idempotency_key"`
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "unavailable", retryMessage, requestIDFromContext(r.Context()))
			return
		}
	}
	writeSuccess(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) createTrustAccount(w http.ResponseWriter, r *http.Request) {
	var req iolta.CreateTrustAccountInput
	if !decodeBody(w, r, &req) {
		return
	}
	account, err := h.service.CreateTrustAccount(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, requestIDFromContext(r.Context()))
		return
	}
	writeSuccess(w, http.StatusCreated, account)
}

func (h *Handler) listTrustAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.service.ListTrustAccounts(r.Context(), r.URL.Query().Get("merchant_id"))
	if err != nil {
		writeDomainError(w, err, requestIDFromContext(r.Context()))
		return
	}
	writeSuccess(w, http.StatusOK, nonNil(accounts))
}

func (h *Handler) getTrustAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.service.GetTrustAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, requestIDFromContext(r.Context()))
		return
	}
	writeSuccess(w, http.StatusOK, account)
}

func (h *Handler) createClientLedger(w http.ResponseWriter, r *http.Request) {
	var req iolta.CreateClientLedgerInput
	if !decodeBody(w, r, &req) {
		return
	}
	l, err := h.service.CreateClientLedger(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeDomainError(w, err, requestIDFromContext(r.Context()))
		return
	}
	writeSuccess(w, http.StatusCreated, l)
}

func (h *Handler) listClientLedgers(w http.ResponseWriter, r *http.Request) {
	ledgers, err := h.service.ListClientLedgers(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, requestIDFromContext(r.Context()))
		return
	}
	writeSuccess(w, http.StatusOK, nonNil(ledgers))
}

func (h *Handler) getClientLedger(w http.ResponseWriter, r *http.Request) {
	l, err := h.service.GetClientLedger(r.Context(), iolta.ClientLedgerLookup{
		By:       iolta.LookupByLedgerID,
		LedgerID: chi.URLParam(r, "id"),
	})
	if err != nil {
		writeDomainError(w, err, requestIDFromContext(r.Context()))
		return
	}
	writeSuccess(w, http.StatusOK, l)
}

func (h *Handler) getClientLedgerByClient(w http.ResponseWriter, r *http.Request) {
	l, err := h.service.GetClientLedger(r.Context(), iolta.ClientLedgerLookup{
		By:             iolta.LookupByClientID,
		TrustAccountID: chi.URLParam(r, "id"),
		ClientID:       chi.URLParam(r, "clientID"),
		MatterID:       strings.TrimSpace(r.URL.Query().Get("matter_id")),
	})
	if err != nil {
		writeDomainError(w, err, requestIDFromContext(r.Context()))
		return
	}
	writeSuccess(w, http.StatusOK, l)
}

func (h *Handler) closeClientLedger(w http.ResponseWriter, r *http.Request) {
	l, err := h.service.CloseClientLedger(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, requestIDFromContext(r.Context()))
		return
	}
	writeSuccess(w, http.StatusOK, l)
}

func (h *Handler) recordTransaction(w http.ResponseWriter, r *http.Request) {
	var req recordTransactionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" {
		key = req.IdempotencyKey
	}
	result, err := h.service.RecordTransaction(r.Context(), iolta.RecordTransactionInput{
		TrustAccountID: strings.TrimSpace(req.TrustAccountID),
		ClientLedgerID: chi.URLParam(r, "id"),
		Type:           models.TransactionType(strings.ToLower(strings.TrimSpace(string(req.Type)))),
		Amount:         req.Amount,
		Description:    req.Description,
		Reference:      req.Reference,
		Metadata:       req.Metadata,
		IdempotencyKey: key,
	})
	if err != nil {
		writeDomainError(w, err, requestIDFromContext(r.Context()))
		return
	}
	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	writeSuccess(w, status, result)
}

func (h *Handler) statement(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err := parseBound(q.Get("start"), false)
	if err != nil {
		writeDomainError(w, fmt.Errorf("%w: start: %v", models.ErrInvalidInput, err), requestIDFromContext(r.Context()))
		return
	}
	end, err := parseBound(q.Get("end"), true)
	if err != nil {
		writeDomainError(w, fmt.Errorf("%w: end: %v", models.ErrInvalidInput, err), requestIDFromContext(r.Context()))
		return
	}
	stmt, err := h.service.GetClientLedgerStatement(r.Context(), chi.URLParam(r, "id"), start, end)
	if err != nil {
		writeDomainError(w, err, requestIDFromContext(r.Context()))
		return
	}
	writeSuccess(w, http.StatusOK, stmt)
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := reconciliation.ReconcileRequest{TrustAccountID: chi.URLParam(r, "id")}

	asOf, err := parseBound(q.Get("as_of"), true)
	if err != nil {
		writeDomainError(w, fmt.Errorf("%w: as_of: %v", models.ErrInvalidInput, err), requestIDFromContext(r.Context()))
		return
	}
	if asOf != nil {
		req.AsOf = *asOf
	}
	if req.BankBalance, err = parseAmount(q.Get("bank_balance")); err != nil {
		writeDomainError(w, err, requestIDFromContext(r.Context()))
		return
	}
	if v := q.Get("limit"); v != "" {
		if req.RecentLimit, err = strconv.Atoi(v); err != nil || req.RecentLimit < 1 {
			writeDomainError(w, fmt.Errorf("%w: limit must be a positive integer", models.ErrInvalidInput), requestIDFromContext(r.Context()))
			return
		}
	}

	report, err := h.reporter.Reconcile(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, requestIDFromContext(r.Context()))
		return
	}
	writeSuccess(w, http.StatusOK, report)
}

func (h *Handler) recompute(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var opts iolta.RecomputeOptions
	if v := q.Get("apply"); v != "" {
		apply, err := strconv.ParseBool(v)
		if err != nil {
			writeDomainError(w, fmt.Errorf("%w: apply must be a boolean", models.ErrInvalidInput), requestIDFromContext(r.Context()))
			return
		}
		opts.Apply = apply
	}
	bank, err := parseAmount(q.Get("bank_balance"))
	if err != nil {
		writeDomainError(w, err, requestIDFromContext(r.Context()))
		return
	}
	opts.BankBalance = bank

	result, err := h.service.RecomputeAndReconcile(r.Context(), chi.URLParam(r, "id"), opts)
	if err != nil {
		writeDomainError(w, err, requestIDFromContext(r.Context()))
		return
	}
	writeSuccess(w, http.StatusOK, result)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", err.Error(), requestIDFromContext(r.Context()))
		return false
	}
	return true
}

// parseBound accepts RFC3339 or a bare date. A bare date used as an upper
// bound covers the whole day.
func parseBound(v string, upper bool) (*time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse(dateLayout, v)
	if err != nil {
		return nil, fmt.Errorf("%q is neither RFC3339 nor YYYY-MM-DD", v)
	}
	if upper {
		t = t.Add(24*time.Hour - time.Microsecond)
	}
	return &t, nil
}

func parseAmount(v string) (*decimal.Decimal, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return nil, fmt.Errorf("%w: bank_balance %q is not a decimal", models.ErrInvalidAmount, v)
	}
	return &d, nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
