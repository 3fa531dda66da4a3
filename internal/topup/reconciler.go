package topup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/canvango/canvango-group-sub006/internal/ledger"
	"github.com/canvango/canvango-group-sub006/internal/metrics"
	"github.com/canvango/canvango-group-sub006/internal/model"
	"github.com/canvango/canvango-group-sub006/internal/traces"
	"github.com/canvango/canvango-group-sub006/internal/tripay"
)

// ReconcilerStore описывает операции хранилища, нужные сверке платежей.
type ReconcilerStore interface {
	GetTransaction(ctx context.Context, id uuid.UUID) (*model.Transaction, error)
	SettlePendingTransaction(ctx context.Context, id uuid.UUID, s model.Settlement) (bool, error)
	RevertSettlement(ctx context.Context, id uuid.UUID) (bool, error)
}

// Verifier проверяет подпись callback.
type Verifier interface {
	VerifyCallback(body []byte, signature string) bool
}

// Outcome описывает результат обработки уведомления о платеже.
type Outcome struct {
	TransactionID uuid.UUID
	Status        model.TransactionStatus
	// Credited означает, что этот вызов зачислил деньги.
	Credited bool
	// Duplicate означает, что транзакция уже была в терминальном статусе.
	Duplicate bool
	// Ignored означает, что статус шлюза не требует изменений (UNPAID, REFUND и т.п.).
	Ignored    bool
	NewBalance int64
}

// Reconciler переводит уведомления шлюза в изменения транзакций и баланса.
// Уведомления доставляются не менее одного раза и в любом порядке, поэтому
// каждое применяется не более одного раза.
type Reconciler struct {
	store    ReconcilerStore
	ledger   *ledger.Ledger
	verifier Verifier
	logger   *zap.Logger
	now      func() time.Time
}

// NewReconciler создаёт Reconciler.
func NewReconciler(store ReconcilerStore, l *ledger.Ledger, verifier Verifier, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{store: store, ledger: l, verifier: verifier, logger: logger, now: time.Now}
}

// HandleCallback проверяет подпись тела callback и применяет статус платежа.
func (r *Reconciler) HandleCallback(ctx context.Context, rawBody []byte, signature string) (out *Outcome, err error) {
	ctx, span := traces.StartSpan(ctx, "topup.HandleCallback")
	defer func() {
		metrics.CallbacksTotal.WithLabelValues(callbackOutcome(out, err)).Inc()
		traces.End(span, err)
	}()

	if !r.verifier.VerifyCallback(rawBody, signature) {
		r.logger.Warn("payment callback with invalid signature", zap.Int("body_size", len(rawBody)))
		return nil, model.ErrInvalidSignature
	}

	var payload tripay.CallbackPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, model.Validationf("decode callback: %v", err)
	}
	span.SetAttributes(traces.Reference(payload.Reference))

	var paidAt *time.Time
	if payload.PaidAt != nil && *payload.PaidAt > 0 {
		t := time.Unix(*payload.PaidAt, 0).UTC()
		paidAt = &t
	}

	return r.Settle(ctx, payload.MerchantRef, payload.Status, paidAt)
}

// Settle применяет статус шлюза к пополнению с идентификатором merchantRef.
// Используется и callback, и фоновой сверкой.
func (r *Reconciler) Settle(ctx context.Context, merchantRef, gatewayStatus string, paidAt *time.Time) (*Outcome, error) {
	id, err := uuid.Parse(merchantRef)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownReference, merchantRef)
	}

	tx, err := r.store.GetTransaction(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", model.ErrUnknownReference, id)
		}
		return nil, fmt.Errorf("load transaction: %w", err)
	}
	if tx.Type != model.TransactionTypeTopUp {
		return nil, fmt.Errorf("%w: %s is not a top-up", model.ErrUnknownReference, id)
	}

	out := &Outcome{TransactionID: id, Status: tx.Status}

	if tx.Status.Terminal() {
		out.Duplicate = true
		if tx.Status == model.TransactionStatusPaid {
			return r.ensureCredited(ctx, tx, out)
		}
		return out, nil
	}

	target, ok := terminalStatus(gatewayStatus)
	if !ok {
		out.Ignored = true
		r.logger.Info("payment status acknowledged without changes",
			zap.String("transaction_id", id.String()), zap.String("gateway_status", gatewayStatus))
		return out, nil
	}

	if target == model.TransactionStatusPaid && paidAt == nil {
		t := r.now().UTC()
		paidAt = &t
	}

	settled, err := r.store.SettlePendingTransaction(ctx, id, model.Settlement{
		Status:        target,
		GatewayStatus: gatewayStatus,
		PaidAt:        paidAt,
	})
	if err != nil {
		return nil, fmt.Errorf("settle transaction: %w", err)
	}
	if !settled {
		// Параллельная доставка того же уведомления уже перевела транзакцию.
		out.Duplicate = true
		current, err := r.store.GetTransaction(ctx, id)
		if err == nil {
			out.Status = current.Status
		}
		return out, nil
	}
	out.Status = target

	if target != model.TransactionStatusPaid {
		r.logger.Info("top-up closed",
			zap.String("transaction_id", id.String()), zap.String("status", string(target)))
		return out, nil
	}

	balance, err := r.ledger.AdjustBalance(ctx, tx.AccountID, tx.Amount, ledger.Reference{
		TransactionID: id,
		Kind:          model.EntryKindTopUpCredit,
	})
	switch {
	case err == nil:
		out.Credited = true
		out.NewBalance = balance
	case errors.Is(err, model.ErrDuplicateEntry):
	default:
		if _, revertErr := r.store.RevertSettlement(context.WithoutCancel(ctx), id); revertErr != nil {
			r.logger.Error("failed to revert settlement after credit failure",
				zap.String("transaction_id", id.String()), zap.Error(revertErr))
		}
		return nil, fmt.Errorf("credit top-up %s: %w", id, err)
	}

	r.logger.Info("top-up paid",
		zap.String("transaction_id", id.String()),
		zap.Int64("account_id", tx.AccountID),
		zap.Int64("amount", tx.Amount),
		zap.Bool("credited", out.Credited),
	)
	return out, nil
}

// ensureCredited повторяет зачисление для уже оплаченной транзакции. Если деньги
// уже зачислены, уникальность проводки отклоняет повтор без изменений; иначе
// восстанавливается зачисление, потерянное между переводом в PAID и проводкой.
func (r *Reconciler) ensureCredited(ctx context.Context, tx *model.Transaction, out *Outcome) (*Outcome, error) {
	balance, err := r.ledger.AdjustBalance(ctx, tx.AccountID, tx.Amount, ledger.Reference{
		TransactionID: tx.ID,
		Kind:          model.EntryKindTopUpCredit,
	})
	switch {
	case err == nil:
		r.logger.Warn("missing top-up credit restored",
			zap.String("transaction_id", tx.ID.String()), zap.Int64("amount", tx.Amount))
		out.Credited = true
		out.NewBalance = balance
		return out, nil
	case errors.Is(err, model.ErrDuplicateEntry):
		return out, nil
	default:
		return nil, fmt.Errorf("credit top-up %s: %w", tx.ID, err)
	}
}

func terminalStatus(gatewayStatus string) (model.TransactionStatus, bool) {
	switch gatewayStatus {
	case tripay.StatusPaid:
		return model.TransactionStatusPaid, true
	case tripay.StatusFailed:
		return model.TransactionStatusFailed, true
	case tripay.StatusExpired:
		return model.TransactionStatusExpired, true
	default:
		return "", false
	}
}

func callbackOutcome(out *Outcome, err error) string {
	switch {
	case errors.Is(err, model.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, model.ErrUnknownReference):
		return "unknown_reference"
	case err != nil:
		return "error"
	case out.Credited:
		return "credited"
	case out.Duplicate:
		return "duplicate"
	case out.Ignored:
		return "ignored"
	default:
		return "settled"
	}
}
