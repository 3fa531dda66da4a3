// Package handler содержит HTTP-обработчики API магазина.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/canvango/canvango-group-sub006/internal/claim"
	"github.com/canvango/canvango-group-sub006/internal/middleware"
	"github.com/canvango/canvango-group-sub006/internal/model"
	"github.com/canvango/canvango-group-sub006/internal/purchase"
	"github.com/canvango/canvango-group-sub006/internal/topup"
	"github.com/canvango/canvango-group-sub006/internal/tripay"
)

const maxCallbackBody = 1 << 20

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Ping(ctx context.Context) error
	Purchase(ctx context.Context, accountID, productID int64, quantity int) (*purchase.Result, error)
	CreateTopUp(ctx context.Context, req topup.TopUpRequest) (*topup.TopUpResult, error)
	HandlePaymentCallback(ctx context.Context, body []byte, signature string) (*topup.Outcome, error)
	GetBalance(ctx context.Context, accountID int64) (int64, error)
	GetLedgerEntries(ctx context.Context, accountID int64) ([]model.LedgerEntry, error)
	GetTransactions(ctx context.Context, accountID int64) ([]model.Transaction, error)
	GetWarranties(ctx context.Context, accountID int64) ([]model.Warranty, error)
	CreateClaim(ctx context.Context, accountID int64, transactionID uuid.UUID, reason string) (*model.Claim, error)
	GetClaims(ctx context.Context, accountID int64) ([]model.Claim, error)
	ApproveClaim(ctx context.Context, claimID int64) (*model.Claim, error)
	RejectClaim(ctx context.Context, claimID int64) (*model.Claim, error)
	ResolveClaim(ctx context.Context, claimID int64) (*claim.Refund, error)
}

// Handler реализует HTTP-обработчики API магазина.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	adminToken     string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, adminToken string) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		adminToken:     adminToken,
	}
}

func (h *Handler) accountID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	}
	return id, ok
}

type purchaseRequest struct {
	ProductID int64 `json:"productId"`
	Quantity  int   `json:"quantity"`
}

type purchaseResponse struct {
	TransactionID    uuid.UUID       `json:"transactionId"`
	AssignedAccounts []model.UnitRef `json:"assignedAccounts"`
	NewBalance       int64           `json:"newBalance"`
	Total            int64           `json:"total"`
}

// Purchase покупает единицы товара за баланс текущего покупателя.
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid request body")
		return
	}

	res, err := h.service.Purchase(r.Context(), accountID, req.ProductID, req.Quantity)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, purchaseResponse{
		TransactionID:    res.TransactionID,
		AssignedAccounts: res.Units,
		NewBalance:       res.NewBalance,
		Total:            res.Total,
	})
}

type topUpRequest struct {
	Amount           int64              `json:"amount"`
	PaymentMethod    string             `json:"paymentMethod"`
	CustomerName     string             `json:"customerName"`
	CustomerEmail    string             `json:"customerEmail"`
	CustomerPhone    string             `json:"customerPhone"`
	OrderItems       []tripay.OrderItem `json:"orderItems"`
	ExpiredTimeHours int                `json:"expiredTimeHours"`
}

type topUpResponse struct {
	TransactionID uuid.UUID `json:"transactionId"`
	Reference     string    `json:"reference"`
	PayURL        string    `json:"payUrl"`
	PayCode       string    `json:"payCode,omitempty"`
	Amount        int64     `json:"amount"`
	Fee           int64     `json:"fee"`
	ExpiresAt     string    `json:"expiresAt,omitempty"`
	Status        string    `json:"status"`
}

// TopUp создаёт платёж на пополнение баланса текущего покупателя.
func (h *Handler) TopUp(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	var req topUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid request body")
		return
	}

	res, err := h.service.CreateTopUp(r.Context(), topup.TopUpRequest{
		AccountID:        accountID,
		Amount:           req.Amount,
		PaymentMethod:    req.PaymentMethod,
		CustomerName:     req.CustomerName,
		CustomerEmail:    req.CustomerEmail,
		CustomerPhone:    req.CustomerPhone,
		OrderItems:       req.OrderItems,
		ExpiredTimeHours: req.ExpiredTimeHours,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	resp := topUpResponse{
		TransactionID: res.TransactionID,
		Reference:     res.Reference,
		PayURL:        res.PayURL,
		PayCode:       res.PayCode,
		Amount:        res.Amount,
		Fee:           res.Fee,
		Status:        string(res.Status),
	}
	if res.ExpiresAt != nil {
		resp.ExpiresAt = res.ExpiresAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

type callbackResponse struct {
	Success bool `json:"success"`
}

// PaymentCallback принимает уведомление платёжного шлюза. Ответ всегда 200:
// success=false сообщает шлюзу, что уведомление нужно повторить или оно отклонено.
func (h *Handler) PaymentCallback(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	if event := r.Header.Get(tripay.EventHeader); event != "" && event != tripay.EventPaymentStatus {
		h.logger.Info("unsupported callback event", zap.String("event", event))
		writeJSON(w, http.StatusOK, callbackResponse{Success: false})
		return
	}

	// Подпись считается по распакованному телу.
	if err := middleware.DecompressBody(r); err != nil {
		h.logger.Warn("payment callback body is not valid gzip", zap.Error(err))
		writeJSON(w, http.StatusOK, callbackResponse{Success: false})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		h.logger.Warn("failed to read payment callback body", zap.Error(err))
		writeJSON(w, http.StatusOK, callbackResponse{Success: false})
		return
	}

	_, err = h.service.HandlePaymentCallback(r.Context(), body, r.Header.Get(tripay.SignatureHeader))
	if err != nil {
		switch {
		case errors.Is(err, model.ErrInvalidSignature), errors.Is(err, model.ErrUnknownReference),
			errors.Is(err, model.ErrValidation):
			h.logger.Warn("payment callback rejected", zap.Error(err))
		default:
			h.logger.Error("payment callback failed", zap.Error(err))
		}
		writeJSON(w, http.StatusOK, callbackResponse{Success: false})
		return
	}

	writeJSON(w, http.StatusOK, callbackResponse{Success: true})
}

type balanceResponse struct {
	Balance int64 `json:"balance"`
}

// GetBalance возвращает баланс текущего покупателя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	balance, err := h.service.GetBalance(r.Context(), accountID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, balanceResponse{Balance: balance})
}

type ledgerEntryResponse struct {
	TransactionID uuid.UUID `json:"transactionId"`
	Kind          string    `json:"kind"`
	Delta         int64     `json:"delta"`
	BalanceAfter  int64     `json:"balanceAfter"`
	CreatedAt     string    `json:"createdAt"`
}

// GetBalanceHistory возвращает последние проводки текущего покупателя.
func (h *Handler) GetBalanceHistory(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	entries, err := h.service.GetLedgerEntries(r.Context(), accountID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]ledgerEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, ledgerEntryResponse{
			TransactionID: e.TransactionID,
			Kind:          string(e.Kind),
			Delta:         e.Delta,
			BalanceAfter:  e.BalanceAfter,
			CreatedAt:     e.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type transactionResponse struct {
	ID        uuid.UUID `json:"id"`
	Type      string    `json:"type"`
	Amount    int64     `json:"amount"`
	Status    string    `json:"status"`
	ProductID *int64    `json:"productId,omitempty"`
	Quantity  *int      `json:"quantity,omitempty"`
	Reference string    `json:"reference,omitempty"`
	PayURL    string    `json:"payUrl,omitempty"`
	CreatedAt string    `json:"createdAt"`
}

// GetTransactions возвращает историю транзакций текущего покупателя.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	txs, err := h.service.GetTransactions(r.Context(), accountID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	if len(txs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]transactionResponse, 0, len(txs))
	for _, t := range txs {
		resp = append(resp, transactionResponse{
			ID:        t.ID,
			Type:      string(t.Type),
			Amount:    t.Amount,
			Status:    string(t.Status),
			ProductID: t.ProductID,
			Quantity:  t.Quantity,
			Reference: t.GatewayReference,
			PayURL:    t.PayURL,
			CreatedAt: t.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type warrantyResponse struct {
	TransactionID uuid.UUID `json:"transactionId"`
	UnitID        int64     `json:"unitId"`
	ProductID     int64     `json:"productId"`
	ExpiresAt     *string   `json:"expiresAt"`
}

// GetWarranties возвращает гарантии текущего покупателя.
func (h *Handler) GetWarranties(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	warranties, err := h.service.GetWarranties(r.Context(), accountID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	if len(warranties) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]warrantyResponse, 0, len(warranties))
	for _, wr := range warranties {
		item := warrantyResponse{
			TransactionID: wr.TransactionID,
			UnitID:        wr.UnitID,
			ProductID:     wr.ProductID,
		}
		if wr.ExpiresAt != nil {
			s := wr.ExpiresAt.Format(time.RFC3339)
			item.ExpiresAt = &s
		}
		resp = append(resp, item)
	}
	writeJSON(w, http.StatusOK, resp)
}

type claimRequest struct {
	TransactionID string `json:"transactionId"`
	Reason        string `json:"reason"`
}

type claimResponse struct {
	ID            int64     `json:"id"`
	TransactionID uuid.UUID `json:"transactionId"`
	Reason        string    `json:"reason"`
	Status        string    `json:"status"`
	RefundAmount  int64     `json:"refundAmount,omitempty"`
	ResolvedAt    *string   `json:"resolvedAt,omitempty"`
	CreatedAt     string    `json:"createdAt"`
}

func toClaimResponse(c *model.Claim) claimResponse {
	resp := claimResponse{
		ID:            c.ID,
		TransactionID: c.TransactionID,
		Reason:        c.Reason,
		Status:        string(c.Status),
		RefundAmount:  c.RefundAmount,
		CreatedAt:     c.CreatedAt.Format(time.RFC3339),
	}
	if c.ResolvedAt != nil {
		s := c.ResolvedAt.Format(time.RFC3339)
		resp.ResolvedAt = &s
	}
	return resp
}

// CreateClaim регистрирует гарантийную заявку текущего покупателя.
func (h *Handler) CreateClaim(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid request body")
		return
	}

	txID, err := uuid.Parse(req.TransactionID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid transaction id")
		return
	}

	c, err := h.service.CreateClaim(r.Context(), accountID, txID, req.Reason)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toClaimResponse(c))
}

// GetClaims возвращает заявки текущего покупателя.
func (h *Handler) GetClaims(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	claims, err := h.service.GetClaims(r.Context(), accountID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	if len(claims) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]claimResponse, 0, len(claims))
	for i := range claims {
		resp = append(resp, toClaimResponse(&claims[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

func claimIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid claim id")
		return 0, false
	}
	return id, true
}

// ApproveClaim одобряет заявку.
func (h *Handler) ApproveClaim(w http.ResponseWriter, r *http.Request) {
	h.decideClaim(w, r, h.service.ApproveClaim)
}

// RejectClaim отклоняет заявку.
func (h *Handler) RejectClaim(w http.ResponseWriter, r *http.Request) {
	h.decideClaim(w, r, h.service.RejectClaim)
}

func (h *Handler) decideClaim(w http.ResponseWriter, r *http.Request, decide func(context.Context, int64) (*model.Claim, error)) {
	id, ok := claimIDParam(w, r)
	if !ok {
		return
	}

	c, err := decide(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toClaimResponse(c))
}

type refundResponse struct {
	ClaimID      int64 `json:"claimId"`
	RefundAmount int64 `json:"refundAmount"`
	NewBalance   int64 `json:"newBalance"`
}

// ResolveClaim возвращает деньги по одобренной заявке.
func (h *Handler) ResolveClaim(w http.ResponseWriter, r *http.Request) {
	id, ok := claimIDParam(w, r)
	if !ok {
		return
	}

	refund, err := h.service.ResolveClaim(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, refundResponse{
		ClaimID:      refund.ClaimID,
		RefundAmount: refund.RefundAmount,
		NewBalance:   refund.NewBalance,
	})
}

// Health отвечает 200, если хранилище доступно.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.service.Ping(ctx); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}
