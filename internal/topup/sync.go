package topup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/canvango/canvango-group-sub006/internal/metrics"
	"github.com/canvango/canvango-group-sub006/internal/model"
	"github.com/canvango/canvango-group-sub006/internal/tripay"
	"github.com/canvango/canvango-group-sub006/internal/validation"
)

// SyncStore описывает выборку зависших пополнений.
type SyncStore interface {
	ListStalePendingTopUps(ctx context.Context, createdBefore time.Time, limit int) ([]model.Transaction, error)
}

// DetailFetcher запрашивает состояние платежа в шлюзе.
type DetailFetcher interface {
	TransactionDetail(ctx context.Context, reference string) (*tripay.Transaction, time.Duration, error)
}

// SyncConfig задаёт параметры фоновой сверки.
type SyncConfig struct {
	Interval time.Duration
	Grace    time.Duration
	Batch    int
}

// Syncer периодически сверяет пополнения, по которым callback так и не пришёл.
type Syncer struct {
	store      SyncStore
	gateway    DetailFetcher
	reconciler *Reconciler
	logger     *zap.Logger
	cfg        SyncConfig
	now        func() time.Time
}

// NewSyncer создаёт Syncer.
func NewSyncer(store SyncStore, gateway DetailFetcher, reconciler *Reconciler, cfg SyncConfig, logger *zap.Logger) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 15 * time.Minute
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	return &Syncer{
		store:      store,
		gateway:    gateway,
		reconciler: reconciler,
		logger:     logger,
		cfg:        cfg,
		now:        time.Now,
	}
}

// Run выполняет сверку по таймеру до отмены ctx.
func (s *Syncer) Run(ctx context.Context) error {
	s.logger.Info("pending top-up sync started", zap.Duration("interval", s.cfg.Interval))

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("pending top-up sync stopped")
			return nil
		case <-ticker.C:
			s.safeRun(ctx)
		}
	}
}

func (s *Syncer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in pending top-up sync", zap.Any("panic", r))
		}
	}()

	if _, err := s.SyncOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("pending top-up sync failed", zap.Error(err))
	}
}

// SyncOnce обрабатывает одну пачку зависших пополнений и возвращает число
// транзакций, переведённых в терминальный статус.
func (s *Syncer) SyncOnce(ctx context.Context) (int, error) {
	now := s.now()
	pending, err := s.store.ListStalePendingTopUps(ctx, now.Add(-s.cfg.Grace), s.cfg.Batch)
	if err != nil {
		return 0, fmt.Errorf("list pending top-ups: %w", err)
	}

	settled := 0
	for i := range pending {
		tx := &pending[i]

		done, err := s.syncOne(ctx, tx, now)
		if err != nil {
			if ctx.Err() != nil {
				return settled, ctx.Err()
			}
			s.logger.Warn("failed to sync top-up",
				zap.String("transaction_id", tx.ID.String()), zap.Error(err))
			continue
		}
		if done {
			settled++
		}
	}
	return settled, nil
}

func (s *Syncer) syncOne(ctx context.Context, tx *model.Transaction, now time.Time) (bool, error) {
	// Без reference спросить шлюз нечего: ждём callback ещё Grace после срока.
	if tx.GatewayReference == "" {
		if !now.After(deadline(tx).Add(s.cfg.Grace)) {
			return false, nil
		}
		return s.settle(ctx, tx, tripay.StatusExpired, nil)
	}

	detail, retryAfter, err := s.gateway.TransactionDetail(ctx, tx.GatewayReference)
	if err != nil {
		// 5xx и сетевые ошибки не говорят о судьбе платежа: повтор на следующем тике.
		var apiErr *tripay.APIError
		if errors.As(err, &apiErr) && apiErr.Definitive() && now.After(deadline(tx)) {
			return s.settle(ctx, tx, tripay.StatusExpired, nil)
		}
		return false, err
	}
	if retryAfter > 0 {
		timer := time.NewTimer(retryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
		return false, nil
	}

	var paidAt *time.Time
	if detail.PaidAt > 0 {
		t := time.Unix(detail.PaidAt, 0).UTC()
		paidAt = &t
	}
	return s.settle(ctx, tx, detail.Status, paidAt)
}

func (s *Syncer) settle(ctx context.Context, tx *model.Transaction, status string, paidAt *time.Time) (bool, error) {
	out, err := s.reconciler.Settle(ctx, tx.ID.String(), status, paidAt)
	if err != nil {
		return false, err
	}
	if out.Ignored || out.Duplicate {
		return false, nil
	}
	metrics.SyncSettlementsTotal.WithLabelValues(string(out.Status)).Inc()
	s.logger.Info("pending top-up settled by sync",
		zap.String("transaction_id", tx.ID.String()),
		zap.String("status", string(out.Status)),
	)
	return true, nil
}

func deadline(tx *model.Transaction) time.Time {
	if tx.ExpiresAt != nil {
		return *tx.ExpiresAt
	}
	return tx.CreatedAt.Add(validation.MaxExpiryHours * time.Hour)
}
