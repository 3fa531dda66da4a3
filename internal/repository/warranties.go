package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/canvango/canvango-group-sub006/internal/model"
)

// CreateWarranties сохраняет записи о покупке по каждой выданной единице одной транзакцией БД.
func (r *PostgresRepository) CreateWarranties(ctx context.Context, warranties []model.Warranty) error {
	if len(warranties) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, w := range warranties {
		batch.Queue(
			`INSERT INTO warranties (transaction_id, unit_id, account_id, product_id, expires_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			w.TransactionID, w.UnitID, w.AccountID, w.ProductID, w.ExpiresAt,
		)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: warranty", model.ErrDuplicateEntry)
		}
		return fmt.Errorf("insert warranties: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ListWarrantiesByAccount возвращает купленные покупателем единицы с гарантией.
func (r *PostgresRepository) ListWarrantiesByAccount(ctx context.Context, accountID int64) ([]model.Warranty, error) {
	return r.listWarranties(ctx,
		`SELECT id, transaction_id, unit_id, account_id, product_id, expires_at, created_at
		 FROM warranties WHERE account_id = $1 ORDER BY created_at DESC, id`,
		accountID,
	)
}

// ListWarrantiesByTransaction возвращает записи о покупке по транзакции.
func (r *PostgresRepository) ListWarrantiesByTransaction(ctx context.Context, transactionID uuid.UUID) ([]model.Warranty, error) {
	return r.listWarranties(ctx,
		`SELECT id, transaction_id, unit_id, account_id, product_id, expires_at, created_at
		 FROM warranties WHERE transaction_id = $1 ORDER BY id`,
		transactionID,
	)
}

func (r *PostgresRepository) listWarranties(ctx context.Context, query string, arg any) ([]model.Warranty, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("select warranties: %w", err)
	}
	defer rows.Close()

	var res []model.Warranty
	for rows.Next() {
		var w model.Warranty
		if err := rows.Scan(&w.ID, &w.TransactionID, &w.UnitID, &w.AccountID, &w.ProductID, &w.ExpiresAt, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan warranty: %w", err)
		}
		res = append(res, w)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
