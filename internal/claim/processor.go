// Package claim реализует гарантийные заявки и возврат денег по ним.
package claim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/canvango/canvango-group-sub006/internal/ledger"
	"github.com/canvango/canvango-group-sub006/internal/metrics"
	"github.com/canvango/canvango-group-sub006/internal/model"
	"github.com/canvango/canvango-group-sub006/internal/traces"
	"github.com/canvango/canvango-group-sub006/internal/validation"
)

// Store описывает операции хранилища над заявками.
type Store interface {
	GetTransaction(ctx context.Context, id uuid.UUID) (*model.Transaction, error)
	ListWarrantiesByTransaction(ctx context.Context, transactionID uuid.UUID) ([]model.Warranty, error)
	CreateClaim(ctx context.Context, c *model.Claim) error
	GetClaim(ctx context.Context, id int64) (*model.Claim, error)
	TransitionClaim(ctx context.Context, id int64, from, to model.ClaimStatus) (bool, error)
	ClaimResolution(ctx context.Context, id int64) (*model.Claim, bool, error)
	UndoResolution(ctx context.Context, id int64) error
	ListClaimsByAccount(ctx context.Context, accountID int64) ([]model.Claim, error)
}

// Refund описывает выполненный возврат.
type Refund struct {
	ClaimID      int64
	RefundAmount int64
	NewBalance   int64
}

// Processor обрабатывает гарантийные заявки.
type Processor struct {
	store  Store
	ledger *ledger.Ledger
	logger *zap.Logger
	now    func() time.Time
}

// New создаёт Processor.
func New(store Store, l *ledger.Ledger, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{store: store, ledger: l, logger: logger, now: time.Now}
}

// Create регистрирует заявку покупателя по его покупке с действующей гарантией.
func (p *Processor) Create(ctx context.Context, accountID int64, transactionID uuid.UUID, reason string) (c *model.Claim, err error) {
	defer func() {
		metrics.ClaimsTotal.WithLabelValues("create", metrics.Result(err)).Inc()
	}()

	if err := validation.ValidateClaimReason(reason); err != nil {
		return nil, err
	}

	tx, err := p.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx.AccountID != accountID {
		return nil, fmt.Errorf("transaction %s: %w", transactionID, model.ErrNotFound)
	}
	if tx.Type != model.TransactionTypePurchase || tx.Status != model.TransactionStatusCompleted {
		return nil, model.Validationf("transaction %s is not a completed purchase", transactionID)
	}

	warranties, err := p.store.ListWarrantiesByTransaction(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("load warranties: %w", err)
	}
	if !underWarranty(warranties, p.now()) {
		return nil, model.Validationf("purchase %s has no active warranty", transactionID)
	}

	c = &model.Claim{
		AccountID:     accountID,
		TransactionID: transactionID,
		Reason:        reason,
		Status:        model.ClaimStatusPending,
	}
	if err := p.store.CreateClaim(ctx, c); err != nil {
		return nil, fmt.Errorf("create claim: %w", err)
	}

	p.logger.Info("warranty claim created",
		zap.Int64("claim_id", c.ID),
		zap.Int64("account_id", accountID),
		zap.String("transaction_id", transactionID.String()),
	)
	return c, nil
}

func underWarranty(warranties []model.Warranty, now time.Time) bool {
	for _, w := range warranties {
		if w.ExpiresAt != nil && now.Before(*w.ExpiresAt) {
			return true
		}
	}
	return false
}

// Approve переводит заявку из PENDING в APPROVED.
func (p *Processor) Approve(ctx context.Context, claimID int64) (*model.Claim, error) {
	return p.decide(ctx, claimID, model.ClaimStatusApproved, "approve")
}

// Reject переводит заявку из PENDING в REJECTED.
func (p *Processor) Reject(ctx context.Context, claimID int64) (*model.Claim, error) {
	return p.decide(ctx, claimID, model.ClaimStatusRejected, "reject")
}

func (p *Processor) decide(ctx context.Context, claimID int64, to model.ClaimStatus, action string) (c *model.Claim, err error) {
	defer func() {
		metrics.ClaimsTotal.WithLabelValues(action, metrics.Result(err)).Inc()
	}()

	ok, err := p.store.TransitionClaim(ctx, claimID, model.ClaimStatusPending, to)
	if err != nil {
		return nil, fmt.Errorf("%s claim: %w", action, err)
	}

	c, err = p.store.GetClaim(ctx, claimID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("claim %d is %s: %w", claimID, c.Status, model.ErrAlreadyResolved)
	}

	p.logger.Info("warranty claim decided",
		zap.Int64("claim_id", claimID), zap.String("status", string(to)))
	return c, nil
}

// Resolve возвращает покупателю сумму транзакции по одобренной заявке.
// Заявка закрывается не более одного раза: отметка о закрытии ставится условным
// обновлением, а проводка WARRANTY_REFUND уникальна для транзакции.
func (p *Processor) Resolve(ctx context.Context, claimID int64) (res *Refund, err error) {
	ctx, span := traces.StartSpan(ctx, "claim.Resolve", traces.ClaimID(claimID))
	defer func() {
		metrics.ClaimsTotal.WithLabelValues("resolve", resolveResult(err)).Inc()
		traces.End(span, err)
	}()

	c, ok, err := p.store.ClaimResolution(ctx, claimID)
	if err != nil {
		return nil, fmt.Errorf("resolve claim: %w", err)
	}
	if !ok {
		return nil, p.diagnose(ctx, claimID)
	}

	balance, err := p.ledger.AdjustBalance(ctx, c.AccountID, c.RefundAmount, ledger.Reference{
		TransactionID: c.TransactionID,
		Kind:          model.EntryKindWarrantyRefund,
	})
	if err != nil {
		if errors.Is(err, model.ErrDuplicateEntry) {
			return nil, fmt.Errorf("refund for transaction %s: %w", c.TransactionID, model.ErrAlreadyResolved)
		}
		if undoErr := p.store.UndoResolution(context.WithoutCancel(ctx), claimID); undoErr != nil {
			p.logger.Error("failed to undo claim resolution",
				zap.Int64("claim_id", claimID), zap.Error(undoErr))
		}
		return nil, fmt.Errorf("refund claim %d: %w", claimID, err)
	}

	p.logger.Info("warranty claim refunded",
		zap.Int64("claim_id", claimID),
		zap.Int64("account_id", c.AccountID),
		zap.Int64("amount", c.RefundAmount),
	)

	return &Refund{ClaimID: claimID, RefundAmount: c.RefundAmount, NewBalance: balance}, nil
}

func (p *Processor) diagnose(ctx context.Context, claimID int64) error {
	c, err := p.store.GetClaim(ctx, claimID)
	if err != nil {
		return err
	}
	switch {
	case c.ResolvedAt != nil:
		return fmt.Errorf("claim %d: %w", claimID, model.ErrAlreadyResolved)
	case c.Status != model.ClaimStatusApproved:
		return fmt.Errorf("claim %d is %s: %w", claimID, c.Status, model.ErrClaimNotApproved)
	default:
		return fmt.Errorf("transaction %s of claim %d: %w", c.TransactionID, claimID, model.ErrNotFound)
	}
}

// List возвращает заявки покупателя.
func (p *Processor) List(ctx context.Context, accountID int64) ([]model.Claim, error) {
	return p.store.ListClaimsByAccount(ctx, accountID)
}

func resolveResult(err error) string {
	switch {
	case err == nil:
		return "refunded"
	case errors.Is(err, model.ErrAlreadyResolved):
		return "already_resolved"
	case errors.Is(err, model.ErrClaimNotApproved):
		return "not_approved"
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
