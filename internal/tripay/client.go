// Package tripay предоставляет клиент платёжного шлюза Tripay.
package tripay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// SignatureHeader содержит HMAC-подпись тела callback.
	SignatureHeader = "X-Callback-Signature"
	// EventHeader содержит тип события callback.
	EventHeader = "X-Callback-Event"
	// EventPaymentStatus - единственный обрабатываемый тип события.
	EventPaymentStatus = "payment_status"
)

// Статусы платежа на стороне шлюза.
const (
	StatusUnpaid  = "UNPAID"
	StatusPaid    = "PAID"
	StatusExpired = "EXPIRED"
	StatusFailed  = "FAILED"
	StatusRefund  = "REFUND"
)

// ErrNotConfigured возвращается, если клиент создан без адреса шлюза.
var ErrNotConfigured = errors.New("tripay client not configured")

// APIError описывает отказ, о котором шлюз сообщил сам: success=false или
// HTTP-статус 4xx/5xx с телом ответа. Для 429 RetryAfter содержит паузу из
// заголовка Retry-After.
type APIError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tripay: status %d: %s", e.StatusCode, e.Message)
}

// Definitive сообщает, что ответ окончательный и повтор запроса его не изменит:
// success=false или 4xx, кроме 429. Ответы 5xx и 429 считаются временными.
func (e *APIError) Definitive() bool {
	return e.StatusCode < http.StatusInternalServerError && e.StatusCode != http.StatusTooManyRequests
}

// Config содержит параметры подключения к шлюзу.
type Config struct {
	BaseURL      string
	APIKey       string
	PrivateKey   string
	MerchantCode string
	Timeout      time.Duration
}

// Client инкапсулирует HTTP-взаимодействие с платёжным шлюзом.
type Client struct {
	baseURL      string
	apiKey       string
	privateKey   []byte
	merchantCode string
	httpClient   *http.Client
}

// OrderItem описывает позицию заказа в платеже.
type OrderItem struct {
	SKU      string `json:"sku,omitempty"`
	Name     string `json:"name"`
	Price    int64  `json:"price"`
	Quantity int    `json:"quantity"`
}

// CreateRequest описывает запрос на создание закрытого платежа.
type CreateRequest struct {
	Method        string      `json:"method"`
	MerchantRef   string      `json:"merchant_ref"`
	Amount        int64       `json:"amount"`
	CustomerName  string      `json:"customer_name"`
	CustomerEmail string      `json:"customer_email"`
	CustomerPhone string      `json:"customer_phone,omitempty"`
	OrderItems    []OrderItem `json:"order_items"`
	ReturnURL     string      `json:"return_url,omitempty"`
	CallbackURL   string      `json:"callback_url,omitempty"`
	ExpiredTime   int64       `json:"expired_time"`
	Signature     string      `json:"signature"`
}

// Transaction описывает платёж в ответах шлюза.
type Transaction struct {
	Reference      string `json:"reference"`
	MerchantRef    string `json:"merchant_ref"`
	PaymentMethod  string `json:"payment_method"`
	PaymentName    string `json:"payment_name"`
	Amount         int64  `json:"amount"`
	FeeMerchant    int64  `json:"fee_merchant"`
	FeeCustomer    int64  `json:"fee_customer"`
	TotalFee       int64  `json:"total_fee"`
	AmountReceived int64  `json:"amount_received"`
	PayCode        string `json:"pay_code"`
	PayURL         string `json:"pay_url"`
	CheckoutURL    string `json:"checkout_url"`
	Status         string `json:"status"`
	ExpiredTime    int64  `json:"expired_time"`
	PaidAt         int64  `json:"paid_at"`
}

// CallbackPayload описывает тело callback об изменении статуса платежа.
type CallbackPayload struct {
	Reference         string `json:"reference"`
	MerchantRef       string `json:"merchant_ref"`
	PaymentMethod     string `json:"payment_method"`
	PaymentMethodCode string `json:"payment_method_code"`
	TotalAmount       int64  `json:"total_amount"`
	FeeMerchant       int64  `json:"fee_merchant"`
	FeeCustomer       int64  `json:"fee_customer"`
	TotalFee          int64  `json:"total_fee"`
	AmountReceived    int64  `json:"amount_received"`
	IsClosedPayment   int    `json:"is_closed_payment"`
	Status            string `json:"status"`
	PaidAt            *int64 `json:"paid_at"`
	Note              string `json:"note"`
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// NewClient создаёт HTTP-клиент шлюза.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	base := strings.TrimRight(cfg.BaseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}

	return &Client{
		baseURL:      base,
		apiKey:       cfg.APIKey,
		privateKey:   []byte(cfg.PrivateKey),
		merchantCode: cfg.MerchantCode,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// RequestSignature подписывает запрос на создание платежа:
// hex(HMAC-SHA256(privateKey, merchantCode + merchantRef + amount)).
func (c *Client) RequestSignature(merchantRef string, amount int64) string {
	return sign(c.privateKey, []byte(c.merchantCode+merchantRef+strconv.FormatInt(amount, 10)))
}

// CallbackSignature вычисляет подпись тела callback: hex(HMAC-SHA256(privateKey, body)).
func (c *Client) CallbackSignature(body []byte) string {
	return sign(c.privateKey, body)
}

// VerifyCallback сравнивает подпись из заголовка с ожидаемой за постоянное время.
func (c *Client) VerifyCallback(body []byte, signature string) bool {
	if signature == "" || len(c.privateKey) == 0 {
		return false
	}
	expected := c.CallbackSignature(body)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature))))
}

func sign(key, data []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// CreateTransaction создаёт закрытый платёж. Подпись запроса вычисляет вызывающая
// сторона и передаёт в req.Signature.
//
// Ответ 429 означает, что платёж не создан: возвращается *APIError со
// StatusCode 429 и RetryAfter.
func (c *Client) CreateTransaction(ctx context.Context, req CreateRequest) (*Transaction, error) {
	if c == nil || c.baseURL == "" {
		return nil, ErrNotConfigured
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transaction/create", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	var tx Transaction
	retryAfter, err := c.do(httpReq, &tx)
	if err != nil {
		return nil, err
	}
	if retryAfter > 0 {
		return nil, &APIError{
			StatusCode: http.StatusTooManyRequests,
			Message:    http.StatusText(http.StatusTooManyRequests),
			RetryAfter: retryAfter,
		}
	}
	return &tx, nil
}

// TransactionDetail запрашивает текущее состояние платежа по reference шлюза.
// При ответе 429 возвращает nil и рекомендуемую паузу из Retry-After.
func (c *Client) TransactionDetail(ctx context.Context, reference string) (*Transaction, time.Duration, error) {
	if c == nil || c.baseURL == "" {
		return nil, 0, ErrNotConfigured
	}

	u := c.baseURL + "/transaction/detail?" + url.Values{"reference": {reference}}.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	var tx Transaction
	retryAfter, err := c.do(httpReq, &tx)
	if err != nil {
		return nil, 0, err
	}
	if retryAfter > 0 {
		return nil, retryAfter, nil
	}
	return &tx, 0, nil
}

func (c *Client) do(req *http.Request, out any) (time.Duration, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Second
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil && seconds > 0 {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return retryAfter, nil
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return 0, &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return 0, fmt.Errorf("decode response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest || !env.Success {
		msg := env.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return 0, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if err := json.Unmarshal(env.Data, out); err != nil {
		return 0, fmt.Errorf("decode transaction: %w", err)
	}
	return 0, nil
}
