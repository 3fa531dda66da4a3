// Package ledger реализует баланс покупателя. Все изменения баланса проходят
// через AdjustBalance и фиксируются проводкой, привязанной к транзакции.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/canvango/canvango-group-sub006/internal/metrics"
	"github.com/canvango/canvango-group-sub006/internal/model"
)

// Store описывает атомарные операции хранилища над балансом.
type Store interface {
	AdjustBalance(ctx context.Context, accountID, delta int64, transactionID uuid.UUID, kind model.EntryKind) (int64, error)
	GetBalance(ctx context.Context, accountID int64) (int64, error)
	ListLedgerEntries(ctx context.Context, accountID int64, limit int) ([]model.LedgerEntry, error)
}

// Reference связывает изменение баланса с транзакцией и его причиной.
type Reference struct {
	TransactionID uuid.UUID
	Kind          model.EntryKind
}

// Ledger изменяет баланс покупателя.
type Ledger struct {
	store  Store
	logger *zap.Logger
}

// New создаёт Ledger поверх хранилища.
func New(store Store, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{store: store, logger: logger}
}

// AdjustBalance применяет delta к балансу одной атомарной операцией хранилища и
// возвращает новый баланс. Списание, уводящее баланс в минус, отклоняется с
// ErrInsufficientBalance без изменений. Повторная проводка с тем же Reference
// отклоняется с ErrDuplicateEntry.
func (l *Ledger) AdjustBalance(ctx context.Context, accountID, delta int64, ref Reference) (int64, error) {
	if delta == 0 {
		return 0, model.Validationf("balance delta must be non-zero")
	}
	if ref.TransactionID == uuid.Nil || ref.Kind == "" {
		return 0, model.Validationf("balance adjustment requires a transaction reference")
	}

	balance, err := l.store.AdjustBalance(ctx, accountID, delta, ref.TransactionID, ref.Kind)
	metrics.LedgerAdjustmentsTotal.WithLabelValues(string(ref.Kind), adjustmentResult(err)).Inc()
	if err != nil {
		return 0, fmt.Errorf("adjust balance of account %d: %w", accountID, err)
	}

	l.logger.Debug("balance adjusted",
		zap.Int64("account_id", accountID),
		zap.Int64("delta", delta),
		zap.Int64("balance", balance),
		zap.String("transaction_id", ref.TransactionID.String()),
		zap.String("kind", string(ref.Kind)),
	)
	return balance, nil
}

// Balance возвращает текущий баланс.
func (l *Ledger) Balance(ctx context.Context, accountID int64) (int64, error) {
	balance, err := l.store.GetBalance(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("get balance of account %d: %w", accountID, err)
	}
	return balance, nil
}

// History возвращает последние проводки по счёту.
func (l *Ledger) History(ctx context.Context, accountID int64, limit int) ([]model.LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	entries, err := l.store.ListLedgerEntries(ctx, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger history of account %d: %w", accountID, err)
	}
	return entries, nil
}

func adjustmentResult(err error) string {
	switch {
	case err == nil:
		return "applied"
	case errors.Is(err, model.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, model.ErrDuplicateEntry):
		return "duplicate"
	default:
		return "error"
	}
}
