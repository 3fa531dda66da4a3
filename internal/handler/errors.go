package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/canvango/canvango-group-sub006/internal/model"
)

type errorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Available *int   `json:"available,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

// writeServiceError переводит ошибку бизнес-логики в HTTP-ответ.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		stockErr *model.InsufficientStockError
		gwErr    *model.GatewayError
	)

	switch {
	case errors.Is(err, model.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.As(err, &stockErr):
		available := stockErr.Available
		writeJSON(w, http.StatusConflict, errorResponse{
			Error:     "insufficient_stock",
			Message:   err.Error(),
			Available: &available,
		})
	case errors.Is(err, model.ErrInsufficientBalance):
		writeError(w, http.StatusPaymentRequired, "insufficient_balance", "insufficient balance")
	case errors.Is(err, model.ErrCompensation):
		h.logger.Error("purchase compensation failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "purchase could not be completed, support has been notified")
	case errors.Is(err, model.ErrAssignment):
		writeError(w, http.StatusConflict, "assignment_failed", "stock changed during purchase, your balance was restored")
	case errors.Is(err, model.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, "already_resolved", err.Error())
	case errors.Is(err, model.ErrClaimNotApproved):
		writeError(w, http.StatusConflict, "claim_not_approved", err.Error())
	case errors.Is(err, model.ErrDuplicateEntry):
		writeError(w, http.StatusConflict, "duplicate", "an open claim already exists for this transaction")
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.As(err, &gwErr):
		h.logger.Warn("payment gateway error", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusBadGateway, "gateway_error", gwErr.Message)
	default:
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", http.StatusText(http.StatusInternalServerError))
	}
}
