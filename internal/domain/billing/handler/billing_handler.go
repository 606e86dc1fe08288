// Package handler exposes the billing engine over HTTP/JSON. It is a thin
// boundary: all invariants live in the billing service.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/lunapay/subs-api/internal/domain/billing"
	"github.com/lunapay/subs-api/internal/domain/plans"
	"github.com/lunapay/subs-api/internal/types"
)

type BillingHandler struct {
	logger      *slog.Logger
	billingSvc  billing.Service
	planService plans.Service
}

func NewBillingHandler(billingSvc billing.Service, planService plans.Service, logger *slog.Logger) *BillingHandler {
	return &BillingHandler{
		logger:      logger,
		billingSvc:  billingSvc,
		planService: planService,
	}
}

type subscribeRequest struct {
	Email           string `json:"email"`
	PlanID          string `json:"plan_id"`
	IdempotencyKey  string `json:"idempotency_key"`
	SimulateFailure bool   `json:"simulate_failure"`
}

type subscribeResponse struct {
	Transaction  *types.Transaction  `json:"transaction"`
	Subscription *types.Subscription `json:"subscription,omitempty"`
	Replayed     bool                `json:"replayed"`
}

func (h *BillingHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || req.IdempotencyKey == "" {
		h.writeError(w, r, http.StatusBadRequest, "email and idempotency_key are required")
		return
	}
	planID, err := uuid.Parse(req.PlanID)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "plan_id must be a valid UUID")
		return
	}

	result, err := h.billingSvc.Purchase(r.Context(), req.Email, planID, req.IdempotencyKey, req.SimulateFailure)
	if err != nil {
		switch {
		case errors.Is(err, types.ErrInvalidPlan):
			h.writeError(w, r, http.StatusBadRequest, "plan not found or inactive")
		case errors.Is(err, types.ErrBadRequest):
			h.writeError(w, r, http.StatusBadRequest, "bad request")
		default:
			h.logger.ErrorContext(r.Context(), "purchase failed", slog.Any("error", err))
			h.writeError(w, r, http.StatusInternalServerError, "internal error")
		}
		return
	}

	resp := subscribeResponse{
		Transaction:  result.Transaction,
		Subscription: result.Subscription,
		Replayed:     result.Replayed,
	}
	// A recorded-but-failed charge is a complete operation with a negative
	// outcome; mirror that with 402 rather than an error envelope.
	status := http.StatusOK
	if result.Subscription == nil {
		status = http.StatusPaymentRequired
	}
	h.writeJSON(w, r, status, resp)
}

func (h *BillingHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	list, err := h.planService.ListActivePlans(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "plan listing failed", slog.Any("error", err))
		h.writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if list == nil {
		list = []*types.Plan{}
	}
	h.writeJSON(w, r, http.StatusOK, list)
}

func (h *BillingHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	email := r.PathValue("email")
	sub, err := h.billingSvc.CurrentSubscription(r.Context(), email)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			h.writeError(w, r, http.StatusNotFound, "no subscription found")
			return
		}
		h.logger.ErrorContext(r.Context(), "subscription lookup failed", slog.Any("error", err))
		h.writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	h.writeJSON(w, r, http.StatusOK, sub)
}

func (h *BillingHandler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	email := r.PathValue("email")

	var filter types.TransactionFilter
	if s := r.URL.Query().Get("status"); s != "" {
		status := types.TransactionStatus(s)
		if status != types.TransactionSucceeded && status != types.TransactionFailed {
			h.writeError(w, r, http.StatusBadRequest, "status must be SUCCEEDED or FAILED")
			return
		}
		filter.Status = &status
	}

	txns, err := h.billingSvc.TransactionHistory(r.Context(), email, filter)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			h.writeError(w, r, http.StatusNotFound, "user not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "transaction history failed", slog.Any("error", err))
		h.writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if txns == nil {
		txns = []*types.Transaction{}
	}
	h.writeJSON(w, r, http.StatusOK, txns)
}

type runRenewalsRequest struct {
	AsOf *time.Time `json:"as_of,omitempty"`
}

func (h *BillingHandler) RunRenewals(w http.ResponseWriter, r *http.Request) {
	var req runRenewalsRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, r, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	asOf := time.Now().UTC()
	if req.AsOf != nil {
		asOf = req.AsOf.UTC()
	}

	result, err := h.billingSvc.RenewalSweep(r.Context(), asOf)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "renewal sweep failed", slog.Any("error", err))
		h.writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	h.writeJSON(w, r, http.StatusOK, result)
}

func (h *BillingHandler) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to encode response", slog.Any("error", err))
	}
}

func (h *BillingHandler) writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	h.writeJSON(w, r, status, map[string]string{"error": message})
}
