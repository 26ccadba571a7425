package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/vnmchuo/credit-gateway/internal/auth"
	"github.com/vnmchuo/credit-gateway/internal/ledger"
	"github.com/vnmchuo/credit-gateway/internal/oracle"
	"github.com/vnmchuo/credit-gateway/internal/pricing"
	"github.com/vnmchuo/credit-gateway/internal/settlement"
	"github.com/vnmchuo/credit-gateway/pkg/ratelimit"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type Handler struct {
	coordinator *settlement.Coordinator
	settlements settlement.Store
	limiter     *ratelimit.Limiter
	tracer      trace.Tracer
}

func NewHandler(coordinator *settlement.Coordinator, settlements settlement.Store, limiter *ratelimit.Limiter, tracer trace.Tracer) *Handler {
	return &Handler{
		coordinator: coordinator,
		settlements: settlements,
		limiter:     limiter,
		tracer:      tracer,
	}
}

type completionRequest struct {
	RequestID string `json:"request_id"`
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
}

func (h *Handler) HandleCompletion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	account := auth.GetAccount(ctx)
	if account == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req completionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RequestID == "" {
		// The requestID is the idempotency key; the caller must own it so
		// retries reference the same settlement.
		writeError(w, http.StatusBadRequest, "request_id is required")
		return
	}

	ctx, span := h.tracer.Start(ctx, "settlement.settle")
	defer span.End()
	span.SetAttributes(
		attribute.String("account", account),
		attribute.String("request_id", req.RequestID),
		attribute.String("model", req.Model),
	)

	allowed, err := h.limiter.Allow(ctx, account, pricing.EstimateTokens(len(req.Prompt)))
	if err != nil || !allowed {
		w.Header().Set("Retry-After", "60s")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	result, err := h.coordinator.Settle(ctx, settlement.Request{
		Account:   account,
		RequestID: req.RequestID,
		Model:     req.Model,
		Prompt:    req.Prompt,
	})
	if err != nil {
		writeSettlementError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"request_id":      req.RequestID,
		"model":           result.Model,
		"text":            result.Text,
		"credits_charged": result.CreditsCharged,
		"state":           result.State,
		"degraded_quote":  result.DegradedQuote,
		"debit_tx":        result.DebitTxRef,
		"adjust_tx":       result.AdjustTxRef,
		"usage": map[string]int{
			"input_tokens":  result.InputTokens,
			"output_tokens": result.OutputTokens,
			"total_tokens":  result.InputTokens + result.OutputTokens,
		},
	})
}

func writeSettlementError(w http.ResponseWriter, err error) {
	var ins *ledger.InsufficientAllowanceError
	switch {
	case errors.As(err, &ins):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error":     "insufficient allowance",
			"required":  ins.Required,
			"available": ins.Available,
			"shortfall": ins.Shortfall(),
		})
	case errors.Is(err, pricing.ErrUnknownModel):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrDuplicateRequest):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrTransactionTimeout):
		// Outcome unknown; safe for the caller to retry with the same request_id.
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, ledger.ErrTransactionRejected):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, oracle.ErrUnavailable), errors.Is(err, oracle.ErrInvalidQuote):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.Canceled):
		writeError(w, 499, "request cancelled")
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (h *Handler) HandleSettlements(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	account := auth.GetAccount(ctx)
	if account == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	// Parse query parameters
	now := time.Now()
	fromStr := r.URL.Query().Get("from")
	toStr := r.URL.Query().Get("to")

	from := now.AddDate(0, 0, -30) // Default: last 30 days
	to := now

	if fromStr != "" {
		var err error
		from, err = time.Parse(time.RFC3339, fromStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' date format (use RFC3339)")
			return
		}
	}

	if toStr != "" {
		var err error
		to, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' date format (use RFC3339)")
			return
		}
	}

	records, err := h.settlements.ListByAccount(ctx, account, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	totalCredits, err := h.settlements.TotalCreditsByAccount(ctx, account, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"account":       account,
		"total":         len(records),
		"total_credits": totalCredits,
		"settlements":   records,
		"from":          from,
		"to":            to,
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
