package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/canvango/canvango-group-sub006/internal/model"
)

// GetProduct возвращает товар каталога.
func (r *PostgresRepository) GetProduct(ctx context.Context, productID int64) (*model.Product, error) {
	var p model.Product
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, price, active, warranty_enabled, warranty_days FROM products WHERE id = $1`,
		productID,
	).Scan(&p.ID, &p.Name, &p.Price, &p.Active, &p.WarrantyEnabled, &p.WarrantyDays)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("product %d: %w", productID, model.ErrNotFound)
		}
		return nil, fmt.Errorf("get product: %w", err)
	}
	return &p, nil
}

// CountAvailableUnits возвращает число доступных к продаже единиц товара.
func (r *PostgresRepository) CountAvailableUnits(ctx context.Context, productID int64) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM inventory_units WHERE product_id = $1 AND status = $2`,
		productID, string(model.UnitStatusAvailable),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count available units: %w", err)
	}
	return n, nil
}

// ReserveUnits одним запросом переводит до quantity доступных единиц в SOLD за транзакцией.
// Строки, заблокированные параллельными покупками, пропускаются, поэтому результат
// может быть короче запрошенного, но никогда не длиннее.
func (r *PostgresRepository) ReserveUnits(ctx context.Context, productID int64, quantity int, transactionID uuid.UUID) ([]model.UnitRef, error) {
	var refs []model.UnitRef

	err := r.withRetry(ctx, func() error {
		refs = refs[:0]

		rows, err := r.pool.Query(ctx,
			`UPDATE inventory_units
			 SET status = $4, transaction_id = $3, assigned_at = NOW()
			 WHERE status = $5 AND id IN (
			     SELECT id FROM inventory_units
			     WHERE product_id = $1 AND status = $5
			     ORDER BY id
			     LIMIT $2
			     FOR UPDATE SKIP LOCKED
			 )
			 RETURNING id, payload`,
			productID, quantity, transactionID,
			string(model.UnitStatusSold), string(model.UnitStatusAvailable),
		)
		if err != nil {
			return fmt.Errorf("reserve units: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				id      int64
				payload []byte
			)
			if err := rows.Scan(&id, &payload); err != nil {
				return fmt.Errorf("scan unit: %w", err)
			}
			refs = append(refs, model.UnitRef{
				UnitID:        id,
				TransactionID: transactionID,
				Payload:       model.Credentials(payload),
			})
		}

		if err := rows.Err(); err != nil {
			return fmt.Errorf("rows error: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return refs, nil
}

// ReleaseUnit возвращает единицу в продажу, если она всё ещё принадлежит транзакции.
// Повторный вызов ничего не меняет.
func (r *PostgresRepository) ReleaseUnit(ctx context.Context, unitID int64, transactionID uuid.UUID) error {
	return r.withRetry(ctx, func() error {
		_, err := r.pool.Exec(ctx,
			`UPDATE inventory_units
			 SET status = $3, transaction_id = NULL, assigned_at = NULL
			 WHERE id = $1 AND status = $4 AND transaction_id = $2`,
			unitID, transactionID,
			string(model.UnitStatusAvailable), string(model.UnitStatusSold),
		)
		if err != nil {
			return fmt.Errorf("release unit: %w", err)
		}
		return nil
	})
}

// ReleaseTransactionUnits возвращает в продажу все единицы, закреплённые за транзакцией.
func (r *PostgresRepository) ReleaseTransactionUnits(ctx context.Context, transactionID uuid.UUID) (int, error) {
	var released int
	err := r.withRetry(ctx, func() error {
		tag, err := r.pool.Exec(ctx,
			`UPDATE inventory_units
			 SET status = $2, transaction_id = NULL, assigned_at = NULL
			 WHERE transaction_id = $1 AND status = $3`,
			transactionID, string(model.UnitStatusAvailable), string(model.UnitStatusSold),
		)
		if err != nil {
			return fmt.Errorf("release transaction units: %w", err)
		}
		released = int(tag.RowsAffected())
		return nil
	})
	return released, err
}
