// Package service собирает компоненты магазина в единый фасад для HTTP-слоя.
package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/canvango/canvango-group-sub006/internal/claim"
	"github.com/canvango/canvango-group-sub006/internal/inventory"
	"github.com/canvango/canvango-group-sub006/internal/ledger"
	"github.com/canvango/canvango-group-sub006/internal/model"
	"github.com/canvango/canvango-group-sub006/internal/purchase"
	"github.com/canvango/canvango-group-sub006/internal/topup"
	"github.com/canvango/canvango-group-sub006/internal/tripay"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
// Его реализуют repository.PostgresRepository и repository.MemoryRepository.
type Repository interface {
	ledger.Store
	inventory.Store
	purchase.Store
	topup.Store
	topup.ReconcilerStore
	topup.SyncStore
	claim.Store

	Ping(ctx context.Context) error
	Close() error
	EnsureAccount(ctx context.Context, accountID int64) error
	ListTransactionsByAccount(ctx context.Context, accountID int64, limit int) ([]model.Transaction, error)
	ListWarrantiesByAccount(ctx context.Context, accountID int64) ([]model.Warranty, error)
}

// Config задаёт параметры бизнес-логики.
type Config struct {
	MaxQuantity  int
	HistoryLimit int
	TopUp        topup.Config
	Sync         topup.SyncConfig
}

// Service содержит бизнес-логику магазина.
type Service struct {
	repo   Repository
	logger *zap.Logger
	cfg    Config

	ledger     *ledger.Ledger
	purchases  *purchase.Orchestrator
	topUps     *topup.Service
	reconciler *topup.Reconciler
	syncer     *topup.Syncer
	claims     *claim.Processor
}

// NewService создаёт сервис с указанным репозиторием и клиентом платёжного шлюза.
func NewService(repo Repository, gateway *tripay.Client, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 100
	}

	l := ledger.New(repo, logger.Named("ledger"))
	pool := inventory.New(repo)
	reconciler := topup.NewReconciler(repo, l, gateway, logger.Named("reconciler"))

	return &Service{
		repo:       repo,
		logger:     logger,
		cfg:        cfg,
		ledger:     l,
		purchases:  purchase.New(repo, pool, l, logger.Named("purchase"), purchase.WithMaxQuantity(cfg.MaxQuantity)),
		topUps:     topup.NewService(repo, gateway, cfg.TopUp, logger.Named("topup")),
		reconciler: reconciler,
		syncer:     topup.NewSyncer(repo, gateway, reconciler, cfg.Sync, logger.Named("sync")),
		claims:     claim.New(repo, l, logger.Named("claim")),
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Ping проверяет доступность хранилища.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// RunPendingSync запускает фоновую сверку зависших пополнений до отмены ctx.
func (s *Service) RunPendingSync(ctx context.Context) error {
	return s.syncer.Run(ctx)
}

// ensureAccount заводит счёт покупателя при первом обращении: покупатели
// регистрируются во внешнем сервисе сессий.
func (s *Service) ensureAccount(ctx context.Context, accountID int64) error {
	if err := s.repo.EnsureAccount(ctx, accountID); err != nil {
		return fmt.Errorf("ensure account %d: %w", accountID, err)
	}
	return nil
}

// Purchase покупает единицы товара за баланс.
func (s *Service) Purchase(ctx context.Context, accountID, productID int64, quantity int) (*purchase.Result, error) {
	if err := s.ensureAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.purchases.Purchase(ctx, accountID, productID, quantity)
}

// CreateTopUp создаёт платёж на пополнение баланса.
func (s *Service) CreateTopUp(ctx context.Context, req topup.TopUpRequest) (*topup.TopUpResult, error) {
	if err := s.ensureAccount(ctx, req.AccountID); err != nil {
		return nil, err
	}
	return s.topUps.CreateTopUp(ctx, req)
}

// HandlePaymentCallback применяет уведомление платёжного шлюза.
func (s *Service) HandlePaymentCallback(ctx context.Context, body []byte, signature string) (*topup.Outcome, error) {
	return s.reconciler.HandleCallback(ctx, body, signature)
}

// GetBalance возвращает баланс покупателя.
func (s *Service) GetBalance(ctx context.Context, accountID int64) (int64, error) {
	if err := s.ensureAccount(ctx, accountID); err != nil {
		return 0, err
	}
	return s.ledger.Balance(ctx, accountID)
}

// GetLedgerEntries возвращает последние проводки покупателя.
func (s *Service) GetLedgerEntries(ctx context.Context, accountID int64) ([]model.LedgerEntry, error) {
	return s.ledger.History(ctx, accountID, s.cfg.HistoryLimit)
}

// GetTransactions возвращает последние транзакции покупателя.
func (s *Service) GetTransactions(ctx context.Context, accountID int64) ([]model.Transaction, error) {
	return s.repo.ListTransactionsByAccount(ctx, accountID, s.cfg.HistoryLimit)
}

// GetWarranties возвращает гарантии на купленные единицы.
func (s *Service) GetWarranties(ctx context.Context, accountID int64) ([]model.Warranty, error) {
	return s.repo.ListWarrantiesByAccount(ctx, accountID)
}

// CreateClaim регистрирует гарантийную заявку.
func (s *Service) CreateClaim(ctx context.Context, accountID int64, transactionID uuid.UUID, reason string) (*model.Claim, error) {
	return s.claims.Create(ctx, accountID, transactionID, reason)
}

// GetClaims возвращает заявки покупателя.
func (s *Service) GetClaims(ctx context.Context, accountID int64) ([]model.Claim, error) {
	return s.claims.List(ctx, accountID)
}

// ApproveClaim одобряет заявку.
func (s *Service) ApproveClaim(ctx context.Context, claimID int64) (*model.Claim, error) {
	return s.claims.Approve(ctx, claimID)
}

// RejectClaim отклоняет заявку.
func (s *Service) RejectClaim(ctx context.Context, claimID int64) (*model.Claim, error) {
	return s.claims.Reject(ctx, claimID)
}

// ResolveClaim возвращает деньги по одобренной заявке.
func (s *Service) ResolveClaim(ctx context.Context, claimID int64) (*claim.Refund, error) {
	return s.claims.Resolve(ctx, claimID)
}
