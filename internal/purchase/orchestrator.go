// Package purchase реализует покупку за баланс: списание, выдачу единиц товара
// и явный откат при неудаче.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/canvango/canvango-group-sub006/internal/inventory"
	"github.com/canvango/canvango-group-sub006/internal/ledger"
	"github.com/canvango/canvango-group-sub006/internal/metrics"
	"github.com/canvango/canvango-group-sub006/internal/model"
	"github.com/canvango/canvango-group-sub006/internal/traces"
)

// Store описывает операции хранилища, нужные покупке.
type Store interface {
	GetProduct(ctx context.Context, productID int64) (*model.Product, error)
	CreateTransaction(ctx context.Context, t *model.Transaction) error
	MarkTransactionFailed(ctx context.Context, id uuid.UUID) error
	CreateWarranties(ctx context.Context, warranties []model.Warranty) error
}

// Result описывает успешную покупку.
type Result struct {
	TransactionID uuid.UUID
	Units         []model.UnitRef
	NewBalance    int64
	Total         int64
}

// Orchestrator проводит покупку.
type Orchestrator struct {
	store  Store
	pool   *inventory.Pool
	ledger *ledger.Ledger
	logger *zap.Logger

	maxQuantity         int
	compensationTimeout time.Duration
	compensationRetries int
	now                 func() time.Time
}

// Option настраивает Orchestrator.
type Option func(*Orchestrator)

// WithMaxQuantity ограничивает количество единиц в одной покупке.
func WithMaxQuantity(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxQuantity = n
		}
	}
}

// WithClock подменяет источник времени (для сроков гарантии).
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithCompensationRetries задаёт число попыток отката.
func WithCompensationRetries(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.compensationRetries = n
		}
	}
}

// New создаёт Orchestrator.
func New(store Store, pool *inventory.Pool, l *ledger.Ledger, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		store:               store,
		pool:                pool,
		ledger:              l,
		logger:              logger,
		maxQuantity:         100,
		compensationTimeout: 30 * time.Second,
		compensationRetries: 3,
		now:                 time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Purchase покупает quantity единиц товара за баланс покупателя.
//
// Транзакция создаётся сразу в статусе COMPLETED, затем списывается баланс и
// закрепляются единицы. Если единиц не хватило, покупка откатывается: деньги
// возвращаются, закреплённые единицы освобождаются, транзакция переходит в FAILED,
// а вызывающий получает ErrAssignment. Если откат не удался, возвращается ErrCompensation.
func (o *Orchestrator) Purchase(ctx context.Context, buyerID, productID int64, quantity int) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "purchase.Purchase",
		traces.AccountID(buyerID), traces.ProductID(productID))
	defer func() {
		metrics.PurchasesTotal.WithLabelValues(outcome(err)).Inc()
		traces.End(span, err)
	}()

	if quantity < 1 {
		return nil, model.Validationf("quantity must be at least 1")
	}
	if quantity > o.maxQuantity {
		return nil, model.Validationf("quantity must not exceed %d", o.maxQuantity)
	}

	product, err := o.store.GetProduct(ctx, productID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, model.Validationf("product %d does not exist", productID)
		}
		return nil, fmt.Errorf("load product: %w", err)
	}
	if !product.Active {
		return nil, model.Validationf("product %d is not available for sale", productID)
	}
	if product.Price <= 0 {
		return nil, model.Validationf("product %d has no price", productID)
	}
	if int64(quantity) > math.MaxInt64/product.Price {
		return nil, model.Validationf("order total overflows")
	}
	total := product.Price * int64(quantity)

	available, err := o.pool.CountAvailable(ctx, productID)
	if err != nil {
		return nil, err
	}
	if available < quantity {
		return nil, &model.InsufficientStockError{Requested: quantity, Available: available}
	}

	balance, err := o.ledger.Balance(ctx, buyerID)
	if err != nil {
		if errors.Is(err, model.ErrAccountNotFound) {
			return nil, model.ErrInsufficientBalance
		}
		return nil, err
	}
	if balance < total {
		return nil, model.ErrInsufficientBalance
	}

	q := quantity
	tx := &model.Transaction{
		ID:        uuid.New(),
		AccountID: buyerID,
		Type:      model.TransactionTypePurchase,
		Amount:    total,
		Status:    model.TransactionStatusCompleted,
		ProductID: &product.ID,
		Quantity:  &q,
	}
	if err := o.store.CreateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("create purchase transaction: %w", err)
	}
	span.SetAttributes(traces.TransactionID(tx.ID), traces.Amount(total))

	newBalance, err := o.ledger.AdjustBalance(ctx, buyerID, -total, ledger.Reference{
		TransactionID: tx.ID,
		Kind:          model.EntryKindPurchaseDebit,
	})
	if err != nil {
		if markErr := o.store.MarkTransactionFailed(context.WithoutCancel(ctx), tx.ID); markErr != nil {
			o.logger.Error("failed to mark purchase as failed",
				zap.String("transaction_id", tx.ID.String()), zap.Error(markErr))
		}
		return nil, err
	}

	units, reserveErr := o.pool.Reserve(ctx, productID, quantity, tx.ID)
	if reserveErr != nil || len(units) < quantity {
		cause := reserveErr
		if cause == nil {
			cause = &model.InsufficientStockError{Requested: quantity, Available: len(units)}
		}
		return nil, o.abort(ctx, tx, units, reserveErr != nil, cause)
	}

	if err := o.store.CreateWarranties(ctx, o.warranties(tx, product, units)); err != nil {
		return nil, o.abort(ctx, tx, units, false, fmt.Errorf("persist warranties: %w", err))
	}

	o.logger.Info("purchase completed",
		zap.String("transaction_id", tx.ID.String()),
		zap.Int64("account_id", buyerID),
		zap.Int64("product_id", productID),
		zap.Int("quantity", quantity),
		zap.Int64("total", total),
	)

	return &Result{
		TransactionID: tx.ID,
		Units:         units,
		NewBalance:    newBalance,
		Total:         total,
	}, nil
}

func (o *Orchestrator) warranties(tx *model.Transaction, product *model.Product, units []model.UnitRef) []model.Warranty {
	var expiresAt *time.Time
	if product.WarrantyEnabled && product.WarrantyDays > 0 {
		t := o.now().Add(time.Duration(product.WarrantyDays) * 24 * time.Hour)
		expiresAt = &t
	}

	res := make([]model.Warranty, 0, len(units))
	for _, u := range units {
		res = append(res, model.Warranty{
			TransactionID: tx.ID,
			UnitID:        u.UnitID,
			AccountID:     tx.AccountID,
			ProductID:     product.ID,
			ExpiresAt:     expiresAt,
		})
	}
	return res
}

// abort откатывает покупку после списания и возвращает ошибку для вызывающего.
func (o *Orchestrator) abort(ctx context.Context, tx *model.Transaction, units []model.UnitRef, releaseAll bool, cause error) error {
	err := o.compensate(ctx, tx, units, releaseAll)
	metrics.CompensationsTotal.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		o.logger.Error("purchase compensation failed, manual reconciliation required",
			zap.String("transaction_id", tx.ID.String()),
			zap.Int64("account_id", tx.AccountID),
			zap.Int64("amount", tx.Amount),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return fmt.Errorf("%w: transaction %s: %v", model.ErrCompensation, tx.ID, errors.Join(cause, err))
	}

	o.logger.Warn("purchase rolled back",
		zap.String("transaction_id", tx.ID.String()),
		zap.Int64("account_id", tx.AccountID),
		zap.Error(cause),
	)
	return fmt.Errorf("%w: %v", model.ErrAssignment, cause)
}

// compensate возвращает деньги, освобождает единицы и помечает транзакцию FAILED.
// Работает на контексте, отвязанном от отмены запроса. Каждый шаг идемпотентен,
// поэтому при ошибке откат повторяется целиком.
func (o *Orchestrator) compensate(ctx context.Context, tx *model.Transaction, units []model.UnitRef, releaseAll bool) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.compensationTimeout)
	defer cancel()

	var err error
	for attempt := 0; attempt < o.compensationRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(time.Duration(attempt) * 100 * time.Millisecond)
			select {
			case <-ctx.Done():
				timer.Stop()
				return errors.Join(err, ctx.Err())
			case <-timer.C:
			}
		}

		err = o.compensateOnce(ctx, tx, units, releaseAll)
		if err == nil {
			return nil
		}
		o.logger.Warn("purchase compensation attempt failed",
			zap.String("transaction_id", tx.ID.String()),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return err
}

func (o *Orchestrator) compensateOnce(ctx context.Context, tx *model.Transaction, units []model.UnitRef, releaseAll bool) error {
	var errs []error

	_, err := o.ledger.AdjustBalance(ctx, tx.AccountID, tx.Amount, ledger.Reference{
		TransactionID: tx.ID,
		Kind:          model.EntryKindPurchaseReversal,
	})
	if err != nil && !errors.Is(err, model.ErrDuplicateEntry) {
		errs = append(errs, fmt.Errorf("refund: %w", err))
	}

	for _, u := range units {
		if err := o.pool.Release(ctx, u); err != nil {
			errs = append(errs, err)
		}
	}
	if releaseAll {
		if _, err := o.pool.ReleaseAll(ctx, tx.ID); err != nil {
			errs = append(errs, err)
		}
	}

	if err := o.store.MarkTransactionFailed(ctx, tx.ID); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, model.ErrValidation):
		return "invalid"
	case errors.Is(err, model.ErrCompensation):
		return "compensation_failed"
	case errors.Is(err, model.ErrAssignment):
		return "rolled_back"
	case errors.Is(err, model.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, model.ErrInsufficientBalance):
		return "insufficient_balance"
	default:
		return "error"
	}
}
