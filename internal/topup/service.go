// Package topup реализует пополнение баланса через платёжный шлюз: создание
// платежа, приём callback и фоновую сверку зависших пополнений.
package topup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/canvango/canvango-group-sub006/internal/metrics"
	"github.com/canvango/canvango-group-sub006/internal/model"
	"github.com/canvango/canvango-group-sub006/internal/traces"
	"github.com/canvango/canvango-group-sub006/internal/tripay"
	"github.com/canvango/canvango-group-sub006/internal/validation"
)

// Store описывает операции хранилища, нужные созданию пополнения.
type Store interface {
	CreateTransaction(ctx context.Context, t *model.Transaction) error
	InvalidatePendingTransaction(ctx context.Context, id uuid.UUID, gatewayStatus string) (bool, error)
	AttachGatewayFields(ctx context.Context, id uuid.UUID, f model.GatewayFields) error
}

// Gateway описывает создание платежа на стороне шлюза.
type Gateway interface {
	RequestSignature(merchantRef string, amount int64) string
	CreateTransaction(ctx context.Context, req tripay.CreateRequest) (*tripay.Transaction, error)
}

// Config задаёт параметры создания платежей.
type Config struct {
	CallbackURL    string
	ReturnURL      string
	Limits         validation.Limits
	DefaultExpiry  time.Duration
	GatewayTimeout time.Duration
}

// TopUpRequest описывает запрос покупателя на пополнение.
type TopUpRequest struct {
	AccountID        int64
	Amount           int64
	PaymentMethod    string
	CustomerName     string
	CustomerEmail    string
	CustomerPhone    string
	OrderItems       []tripay.OrderItem
	ExpiredTimeHours int
}

// TopUpResult описывает созданный платёж.
type TopUpResult struct {
	TransactionID uuid.UUID
	Reference     string
	Amount        int64
	Fee           int64
	PayURL        string
	PayCode       string
	ExpiresAt     *time.Time
	Status        model.TransactionStatus
}

// Service создаёт пополнения.
type Service struct {
	store   Store
	gateway Gateway
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
}

// NewService создаёт сервис пополнений.
func NewService(store Store, gateway Gateway, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultExpiry <= 0 {
		cfg.DefaultExpiry = 24 * time.Hour
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 10 * time.Second
	}
	return &Service{store: store, gateway: gateway, cfg: cfg, logger: logger, now: time.Now}
}

// CreateTopUp создаёт транзакцию TOPUP в статусе PENDING и платёж в шлюзе.
//
// Если шлюз отказал (success=false или ответ 4xx/5xx, включая 429), транзакция переводится в
// FAILED и возвращается *model.GatewayError с Invalidated = true. При таймауте или
// сетевой ошибке, а также при успешном ответе без reference, транзакция остаётся
// в PENDING: платёж мог быть создан, и callback ещё может прийти.
func (s *Service) CreateTopUp(ctx context.Context, req TopUpRequest) (res *TopUpResult, err error) {
	ctx, span := traces.StartSpan(ctx, "topup.CreateTopUp",
		traces.AccountID(req.AccountID), traces.Amount(req.Amount))
	defer func() {
		metrics.TopUpsTotal.WithLabelValues(topUpResult(err)).Inc()
		traces.End(span, err)
	}()

	if err := validation.ValidateTopUp(toValidation(req), s.cfg.Limits); err != nil {
		return nil, err
	}

	now := s.now()
	expiry := s.cfg.DefaultExpiry
	if req.ExpiredTimeHours > 0 {
		expiry = time.Duration(req.ExpiredTimeHours) * time.Hour
	}
	expiresAt := now.Add(expiry)

	id := uuid.New()
	merchantRef := id.String()
	tx := &model.Transaction{
		ID:            id,
		AccountID:     req.AccountID,
		Type:          model.TransactionTypeTopUp,
		Amount:        req.Amount,
		Status:        model.TransactionStatusPending,
		PaymentMethod: req.PaymentMethod,
		Signature:     s.gateway.RequestSignature(merchantRef, req.Amount),
		ExpiresAt:     &expiresAt,
	}
	if err := s.store.CreateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("create top-up transaction: %w", err)
	}
	span.SetAttributes(traces.TransactionID(id))

	items := req.OrderItems
	if len(items) == 0 {
		items = []tripay.OrderItem{{SKU: "TOPUP", Name: "Top up balance", Price: req.Amount, Quantity: 1}}
	}

	gwCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()

	gwTx, err := s.gateway.CreateTransaction(gwCtx, tripay.CreateRequest{
		Method:        req.PaymentMethod,
		MerchantRef:   merchantRef,
		Amount:        req.Amount,
		CustomerName:  req.CustomerName,
		CustomerEmail: req.CustomerEmail,
		CustomerPhone: req.CustomerPhone,
		OrderItems:    items,
		ReturnURL:     s.cfg.ReturnURL,
		CallbackURL:   s.cfg.CallbackURL,
		ExpiredTime:   expiresAt.Unix(),
		Signature:     tx.Signature,
	})
	if err == nil && gwTx.Reference == "" {
		err = errors.New("gateway response without reference")
	}
	if err != nil {
		return nil, s.gatewayFailure(ctx, id, err)
	}

	fields := model.GatewayFields{
		Reference: gwTx.Reference,
		Fee:       gwTx.TotalFee,
		PayURL:    gwTx.CheckoutURL,
		ExpiresAt: &expiresAt,
		Status:    gwTx.Status,
	}
	if fields.PayURL == "" {
		fields.PayURL = gwTx.PayURL
	}
	if gwTx.ExpiredTime > 0 {
		t := time.Unix(gwTx.ExpiredTime, 0).UTC()
		fields.ExpiresAt = &t
	}

	// Платёж уже создан: при ошибке записи callback всё равно найдёт транзакцию по merchant_ref.
	if err := s.store.AttachGatewayFields(context.WithoutCancel(ctx), id, fields); err != nil {
		s.logger.Error("failed to store gateway reference",
			zap.String("transaction_id", id.String()),
			zap.String("reference", gwTx.Reference),
			zap.Error(err),
		)
	}

	s.logger.Info("top-up created",
		zap.String("transaction_id", id.String()),
		zap.Int64("account_id", req.AccountID),
		zap.Int64("amount", req.Amount),
		zap.String("reference", gwTx.Reference),
	)

	return &TopUpResult{
		TransactionID: id,
		Reference:     gwTx.Reference,
		Amount:        req.Amount,
		Fee:           gwTx.TotalFee,
		PayURL:        fields.PayURL,
		PayCode:       gwTx.PayCode,
		ExpiresAt:     fields.ExpiresAt,
		Status:        model.TransactionStatusPending,
	}, nil
}

func (s *Service) gatewayFailure(ctx context.Context, id uuid.UUID, err error) error {
	var apiErr *tripay.APIError
	rejected := errors.As(err, &apiErr) || errors.Is(err, tripay.ErrNotConfigured)
	if !rejected {
		s.logger.Warn("gateway unreachable, top-up left pending",
			zap.String("transaction_id", id.String()), zap.Error(err))
		return &model.GatewayError{Message: "payment gateway unavailable", Err: err}
	}

	invalidated, invErr := s.store.InvalidatePendingTransaction(context.WithoutCancel(ctx), id, "REJECTED")
	if invErr != nil {
		s.logger.Error("failed to invalidate rejected top-up",
			zap.String("transaction_id", id.String()), zap.Error(invErr))
	}

	gwErr := &model.GatewayError{Message: "payment gateway rejected the request", Invalidated: invalidated}
	if apiErr != nil {
		gwErr.Message = apiErr.Message
		gwErr.StatusCode = apiErr.StatusCode
	} else {
		gwErr.Err = err
	}

	s.logger.Warn("gateway rejected top-up",
		zap.String("transaction_id", id.String()),
		zap.String("message", gwErr.Message),
		zap.Bool("invalidated", invalidated),
	)
	return gwErr
}

func toValidation(req TopUpRequest) validation.TopUp {
	items := make([]validation.Item, 0, len(req.OrderItems))
	for _, it := range req.OrderItems {
		items = append(items, validation.Item{Name: it.Name, Price: it.Price, Quantity: it.Quantity})
	}
	return validation.TopUp{
		Amount:        req.Amount,
		PaymentMethod: req.PaymentMethod,
		CustomerName:  req.CustomerName,
		CustomerEmail: req.CustomerEmail,
		CustomerPhone: req.CustomerPhone,
		ExpiryHours:   req.ExpiredTimeHours,
		Items:         items,
	}
}

func topUpResult(err error) string {
	var gwErr *model.GatewayError
	switch {
	case err == nil:
		return "created"
	case errors.Is(err, model.ErrValidation):
		return "invalid"
	case errors.As(err, &gwErr) && gwErr.Invalidated:
		return "rejected"
	case errors.As(err, &gwErr):
		return "gateway_unavailable"
	default:
		return "error"
	}
}
