// Package inventory управляет продаваемыми единицами товара.
package inventory

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/canvango/canvango-group-sub006/internal/model"
)

// Store описывает атомарные операции хранилища над единицами товара.
type Store interface {
	CountAvailableUnits(ctx context.Context, productID int64) (int, error)
	ReserveUnits(ctx context.Context, productID int64, quantity int, transactionID uuid.UUID) ([]model.UnitRef, error)
	ReleaseUnit(ctx context.Context, unitID int64, transactionID uuid.UUID) error
	ReleaseTransactionUnits(ctx context.Context, transactionID uuid.UUID) (int, error)
}

// Pool выдаёт единицы товара транзакциям.
type Pool struct {
	store Store
}

// New создаёт пул поверх хранилища единиц.
func New(store Store) *Pool {
	return &Pool{store: store}
}

// CountAvailable возвращает число доступных единиц. Значение может устареть к моменту Reserve.
func (p *Pool) CountAvailable(ctx context.Context, productID int64) (int, error) {
	n, err := p.store.CountAvailableUnits(ctx, productID)
	if err != nil {
		return 0, fmt.Errorf("count available units of product %d: %w", productID, err)
	}
	return n, nil
}

// Reserve атомарно закрепляет за транзакцией до quantity единиц и возвращает
// ровно закреплённый набор. Результат может быть короче запрошенного.
func (p *Pool) Reserve(ctx context.Context, productID int64, quantity int, transactionID uuid.UUID) ([]model.UnitRef, error) {
	if quantity < 1 {
		return nil, model.Validationf("quantity must be positive")
	}
	refs, err := p.store.ReserveUnits(ctx, productID, quantity, transactionID)
	if err != nil {
		return nil, fmt.Errorf("reserve %d units of product %d: %w", quantity, productID, err)
	}
	if len(refs) > quantity {
		return nil, fmt.Errorf("reserve returned %d units, requested %d", len(refs), quantity)
	}
	return refs, nil
}

// Release возвращает единицу в продажу, если она всё ещё закреплена за транзакцией из ref.
func (p *Pool) Release(ctx context.Context, ref model.UnitRef) error {
	if err := p.store.ReleaseUnit(ctx, ref.UnitID, ref.TransactionID); err != nil {
		return fmt.Errorf("release unit %d: %w", ref.UnitID, err)
	}
	return nil
}

// ReleaseAll возвращает в продажу все единицы транзакции. Используется, когда
// набор закреплённых единиц неизвестен (резервирование завершилось ошибкой).
func (p *Pool) ReleaseAll(ctx context.Context, transactionID uuid.UUID) (int, error) {
	n, err := p.store.ReleaseTransactionUnits(ctx, transactionID)
	if err != nil {
		return 0, fmt.Errorf("release units of transaction %s: %w", transactionID, err)
	}
	return n, nil
}
