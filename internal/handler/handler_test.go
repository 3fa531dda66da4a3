package handler

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/canvango/canvango-group-sub006/internal/claim"
	"github.com/canvango/canvango-group-sub006/internal/middleware"
	"github.com/canvango/canvango-group-sub006/internal/model"
	"github.com/canvango/canvango-group-sub006/internal/purchase"
	"github.com/canvango/canvango-group-sub006/internal/topup"
	"github.com/canvango/canvango-group-sub006/internal/tripay"
)

const adminToken = "admin-token"

type stubService struct {
	pingErr error

	purchaseResp    *purchase.Result
	purchaseErr     error
	purchaseAccount int64

	topUpResp *topup.TopUpResult
	topUpErr  error
	topUpReq  topup.TopUpRequest

	callbackErr       error
	callbackBody      []byte
	callbackSignature string

	balance    int64
	balanceErr error

	entries []model.LedgerEntry

	txs []model.Transaction

	warranties []model.Warranty

	claimResp *model.Claim
	claimErr  error
	claims    []model.Claim

	refund    *claim.Refund
	refundErr error
	refundID  int64
}

func (s *stubService) Ping(ctx context.Context) error { return s.pingErr }

func (s *stubService) Purchase(ctx context.Context, accountID, productID int64, quantity int) (*purchase.Result, error) {
	s.purchaseAccount = accountID
	return s.purchaseResp, s.purchaseErr
}

func (s *stubService) CreateTopUp(ctx context.Context, req topup.TopUpRequest) (*topup.TopUpResult, error) {
	s.topUpReq = req
	return s.topUpResp, s.topUpErr
}

func (s *stubService) HandlePaymentCallback(ctx context.Context, body []byte, signature string) (*topup.Outcome, error) {
	s.callbackBody = body
	s.callbackSignature = signature
	return &topup.Outcome{}, s.callbackErr
}

func (s *stubService) GetBalance(ctx context.Context, accountID int64) (int64, error) {
	return s.balance, s.balanceErr
}

func (s *stubService) GetLedgerEntries(ctx context.Context, accountID int64) ([]model.LedgerEntry, error) {
	return s.entries, nil
}

func (s *stubService) GetTransactions(ctx context.Context, accountID int64) ([]model.Transaction, error) {
	return s.txs, nil
}

func (s *stubService) GetWarranties(ctx context.Context, accountID int64) ([]model.Warranty, error) {
	return s.warranties, nil
}

func (s *stubService) CreateClaim(ctx context.Context, accountID int64, transactionID uuid.UUID, reason string) (*model.Claim, error) {
	return s.claimResp, s.claimErr
}

func (s *stubService) GetClaims(ctx context.Context, accountID int64) ([]model.Claim, error) {
	return s.claims, nil
}

func (s *stubService) ApproveClaim(ctx context.Context, claimID int64) (*model.Claim, error) {
	return s.claimResp, s.claimErr
}

func (s *stubService) RejectClaim(ctx context.Context, claimID int64) (*model.Claim, error) {
	return s.claimResp, s.claimErr
}

func (s *stubService) ResolveClaim(ctx context.Context, claimID int64) (*claim.Refund, error) {
	s.refundID = claimID
	return s.refund, s.refundErr
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(svc, logger, auth, adminToken)
}

// serve прогоняет запрос через полный роутер; accountID > 0 добавляет cookie покупателя.
func serve(t *testing.T, h *Handler, method, path string, body []byte, accountID int64, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if accountID > 0 {
		req.AddCookie(&http.Cookie{Name: "auth_token", Value: h.authMiddleware.Token(accountID)})
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return resp
}

func TestPurchase_Created(t *testing.T) {
	txID := uuid.New()
	svc := &stubService{
		purchaseResp: &purchase.Result{
			TransactionID: txID,
			Units: []model.UnitRef{
				{UnitID: 11, Payload: model.Credentials(`{"login":"a","password":"b"}`)},
			},
			NewBalance: 0,
			Total:      100000,
		},
	}
	h := newTestHandler(t, svc)

	rec := serve(t, h, http.MethodPost, "/api/purchase", []byte(`{"productId":3,"quantity":1}`), 42, nil)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	if svc.purchaseAccount != 42 {
		t.Fatalf("account = %d, want 42", svc.purchaseAccount)
	}

	var resp struct {
		TransactionID    string `json:"transactionId"`
		AssignedAccounts []struct {
			ID      int64           `json:"id"`
			Payload json.RawMessage `json:"payload"`
		} `json:"assignedAccounts"`
		NewBalance int64 `json:"newBalance"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.TransactionID != txID.String() {
		t.Fatalf("transactionId = %q, want %q", resp.TransactionID, txID)
	}
	if len(resp.AssignedAccounts) != 1 || resp.AssignedAccounts[0].ID != 11 {
		t.Fatalf("assignedAccounts = %+v", resp.AssignedAccounts)
	}
	if string(resp.AssignedAccounts[0].Payload) != `{"login":"a","password":"b"}` {
		t.Fatalf("payload = %s", resp.AssignedAccounts[0].Payload)
	}
}

func TestPurchase_Unauthorized(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	rec := serve(t, h, http.MethodPost, "/api/purchase", []byte(`{"productId":3,"quantity":1}`), 0, nil)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestPurchase_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", model.Validationf("quantity must be at least 1"), http.StatusBadRequest, "validation_error"},
		{"stock", &model.InsufficientStockError{Requested: 3, Available: 1}, http.StatusConflict, "insufficient_stock"},
		{"balance", model.ErrInsufficientBalance, http.StatusPaymentRequired, "insufficient_balance"},
		{"assignment", fmt.Errorf("%w: stock race", model.ErrAssignment), http.StatusConflict, "assignment_failed"},
		{"compensation", fmt.Errorf("%w: db down", model.ErrCompensation), http.StatusInternalServerError, "internal_error"},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{purchaseErr: tt.err})

			rec := serve(t, h, http.MethodPost, "/api/purchase", []byte(`{"productId":3,"quantity":3}`), 1, nil)

			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			resp := decodeError(t, rec)
			if resp.Error != tt.code {
				t.Fatalf("error code = %q, want %q", resp.Error, tt.code)
			}
			if tt.code == "insufficient_stock" && (resp.Available == nil || *resp.Available != 1) {
				t.Fatalf("available = %v, want 1", resp.Available)
			}
		})
	}
}

func TestPurchase_BadBody(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	rec := serve(t, h, http.MethodPost, "/api/purchase", []byte(`{`), 1, nil)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestTopUp_OK(t *testing.T) {
	expires := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	svc := &stubService{
		topUpResp: &topup.TopUpResult{
			TransactionID: uuid.New(),
			Reference:     "T0001-1",
			PayURL:        "https://pay.example/T0001-1",
			Amount:        50000,
			Fee:           1000,
			ExpiresAt:     &expires,
			Status:        model.TransactionStatusPending,
		},
	}
	h := newTestHandler(t, svc)

	body := []byte(`{"amount":50000,"paymentMethod":"QRIS","customerName":"Sari","customerEmail":"sari@example.com"}`)
	rec := serve(t, h, http.MethodPost, "/api/topup", body, 9, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if svc.topUpReq.AccountID != 9 || svc.topUpReq.Amount != 50000 || svc.topUpReq.PaymentMethod != "QRIS" {
		t.Fatalf("top-up request = %+v", svc.topUpReq)
	}

	var resp topUpResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.PayURL != "https://pay.example/T0001-1" || resp.ExpiresAt != "2026-01-02T03:04:05Z" {
		t.Fatalf("response = %+v", resp)
	}
}

func TestTopUp_GatewayError(t *testing.T) {
	svc := &stubService{topUpErr: &model.GatewayError{Message: "Invalid payment method", Invalidated: true}}
	h := newTestHandler(t, svc)

	rec := serve(t, h, http.MethodPost, "/api/topup", []byte(`{"amount":50000}`), 9, nil)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if resp := decodeError(t, rec); resp.Message != "Invalid payment method" {
		t.Fatalf("message = %q", resp.Message)
	}
}

func TestPaymentCallback_AlwaysOK(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		event   string
		success bool
	}{
		{name: "applied", success: true},
		{name: "invalid signature", err: model.ErrInvalidSignature},
		{name: "unknown reference", err: model.ErrUnknownReference},
		{name: "store failure", err: errors.New("connection reset")},
		{name: "unsupported event", event: "payout_status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{callbackErr: tt.err}
			h := newTestHandler(t, svc)

			headers := map[string]string{tripay.SignatureHeader: "abc123"}
			if tt.event != "" {
				headers[tripay.EventHeader] = tt.event
			}
			body := []byte(`{"merchant_ref":"x","status":"PAID"}`)

			rec := serve(t, h, http.MethodPost, "/api/payments/callback", body, 0, headers)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
			}
			var resp callbackResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Success != tt.success {
				t.Fatalf("success = %v, want %v", resp.Success, tt.success)
			}
			if tt.event == "" {
				if !bytes.Equal(svc.callbackBody, body) {
					t.Fatalf("callback body = %q, want raw request body", svc.callbackBody)
				}
				if svc.callbackSignature != "abc123" {
					t.Fatalf("signature = %q, want abc123", svc.callbackSignature)
				}
			}
		})
	}
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatalf("write gzip: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return buf.Bytes()
}

func TestPaymentCallback_GzipBody(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)

	body := []byte(`{"merchant_ref":"x","status":"PAID"}`)
	headers := map[string]string{
		tripay.SignatureHeader: "abc123",
		"Content-Encoding":     "gzip",
	}

	rec := serve(t, h, http.MethodPost, "/api/payments/callback", gzipBytes(t, body), 0, headers)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"success":true}` {
		t.Fatalf("body = %s", got)
	}
	if !bytes.Equal(svc.callbackBody, body) {
		t.Fatalf("callback body = %q, want decompressed %q", svc.callbackBody, body)
	}
}

func TestPaymentCallback_CorruptGzipAnswersOK(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)

	headers := map[string]string{
		tripay.SignatureHeader: "abc123",
		"Content-Encoding":     "gzip",
	}

	rec := serve(t, h, http.MethodPost, "/api/payments/callback", []byte("not gzip at all"), 0, headers)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"success":false}` {
		t.Fatalf("body = %s", got)
	}
	if svc.callbackBody != nil {
		t.Fatalf("service must not be called, got body %q", svc.callbackBody)
	}
}

func TestGetBalance_GzipResponse(t *testing.T) {
	h := newTestHandler(t, &stubService{balance: 60000})

	rec := serve(t, h, http.MethodGet, "/api/balance", nil, 1, map[string]string{"Accept-Encoding": "gzip"})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ce := rec.Header().Get("Content-Encoding"); ce != "gzip" {
		t.Fatalf("content-encoding = %q, want gzip", ce)
	}
	zr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("new gzip reader: %v", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if got := strings.TrimSpace(string(raw)); got != `{"balance":60000}` {
		t.Fatalf("body = %s", got)
	}
}

func TestGetBalance_JSON(t *testing.T) {
	h := newTestHandler(t, &stubService{balance: 60000})

	rec := serve(t, h, http.MethodGet, "/api/balance", nil, 1, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"balance":60000}` {
		t.Fatalf("body = %s", got)
	}
}

func TestLists_NoContent(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	for _, path := range []string{"/api/transactions", "/api/warranties", "/api/claims", "/api/balance/history"} {
		rec := serve(t, h, http.MethodGet, path, nil, 1, nil)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("%s: status = %d, want %d", path, rec.Code, http.StatusNoContent)
		}
	}
}

func TestGetTransactions_JSON(t *testing.T) {
	productID := int64(3)
	quantity := 2
	svc := &stubService{
		txs: []model.Transaction{{
			ID:        uuid.New(),
			Type:      model.TransactionTypePurchase,
			Amount:    200,
			Status:    model.TransactionStatusCompleted,
			ProductID: &productID,
			Quantity:  &quantity,
			CreatedAt: time.Now(),
		}},
	}
	h := newTestHandler(t, svc)

	rec := serve(t, h, http.MethodGet, "/api/transactions", nil, 1, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var resp []transactionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp) != 1 || resp[0].Status != "COMPLETED" || *resp[0].Quantity != 2 {
		t.Fatalf("response = %+v", resp)
	}
}

func TestCreateClaim(t *testing.T) {
	svc := &stubService{claimResp: &model.Claim{ID: 5, Status: model.ClaimStatusPending, CreatedAt: time.Now()}}
	h := newTestHandler(t, svc)

	body := []byte(fmt.Sprintf(`{"transactionId":%q,"reason":"banned"}`, uuid.NewString()))
	rec := serve(t, h, http.MethodPost, "/api/claims", body, 1, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusCreated)
	}

	rec = serve(t, h, http.MethodPost, "/api/claims", []byte(`{"transactionId":"nope","reason":"x"}`), 1, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestResolveClaim(t *testing.T) {
	svc := &stubService{refund: &claim.Refund{ClaimID: 7, RefundAmount: 30000, NewBalance: 50000}}
	h := newTestHandler(t, svc)

	rec := serve(t, h, http.MethodPost, "/api/admin/claims/7/resolve", nil, 0,
		map[string]string{middleware.AdminTokenHeader: adminToken})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if svc.refundID != 7 {
		t.Fatalf("claim id = %d, want 7", svc.refundID)
	}
	var resp refundResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.RefundAmount != 30000 || resp.NewBalance != 50000 {
		t.Fatalf("response = %+v", resp)
	}
}

func TestResolveClaim_Errors(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		token  string
		err    error
		status int
	}{
		{"no admin token", "/api/admin/claims/7/resolve", "", nil, http.StatusUnauthorized},
		{"bad id", "/api/admin/claims/abc/resolve", adminToken, nil, http.StatusBadRequest},
		{"already resolved", "/api/admin/claims/7/resolve", adminToken, model.ErrAlreadyResolved, http.StatusConflict},
		{"not approved", "/api/admin/claims/7/resolve", adminToken, model.ErrClaimNotApproved, http.StatusConflict},
		{"not found", "/api/admin/claims/7/resolve", adminToken, model.ErrNotFound, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{refundErr: tt.err})

			headers := map[string]string{}
			if tt.token != "" {
				headers[middleware.AdminTokenHeader] = tt.token
			}
			rec := serve(t, h, http.MethodPost, tt.path, nil, 0, headers)

			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
		})
	}
}

func TestApproveClaim(t *testing.T) {
	svc := &stubService{claimResp: &model.Claim{ID: 7, Status: model.ClaimStatusApproved, CreatedAt: time.Now()}}
	h := newTestHandler(t, svc)

	rec := serve(t, h, http.MethodPost, "/api/admin/claims/7/approve", nil, 0,
		map[string]string{middleware.AdminTokenHeader: adminToken})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var resp claimResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "APPROVED" {
		t.Fatalf("status = %q, want APPROVED", resp.Status)
	}
}

func TestHealth(t *testing.T) {
	h := newTestHandler(t, &stubService{})
	if rec := serve(t, h, http.MethodGet, "/healthz", nil, 0, nil); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	h = newTestHandler(t, &stubService{pingErr: errors.New("down")})
	if rec := serve(t, h, http.MethodGet, "/healthz", nil, 0, nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestHandler(t, &stubService{balance: 1})
	serve(t, h, http.MethodGet, "/api/balance", nil, 1, nil)

	rec := serve(t, h, http.MethodGet, "/metrics", nil, 0, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), "market_http_requests_total") {
		t.Fatalf("metrics output does not contain http counter")
	}
}
