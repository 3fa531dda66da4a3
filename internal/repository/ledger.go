package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/canvango/canvango-group-sub006/internal/model"
)

// AdjustBalance атомарно изменяет баланс счёта и записывает проводку.
// Списание, уводящее баланс в минус, не применяется (ErrInsufficientBalance).
// Повторная проводка с той же парой (transactionID, kind) откатывается целиком (ErrDuplicateEntry).
func (r *PostgresRepository) AdjustBalance(ctx context.Context, accountID, delta int64, transactionID uuid.UUID, kind model.EntryKind) (int64, error) {
	var balance int64

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		err = tx.QueryRow(ctx,
			`UPDATE accounts
			 SET balance = balance + $2, updated_at = NOW()
			 WHERE id = $1 AND balance + $2 >= 0
			 RETURNING balance`,
			accountID, delta,
		).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, accountID,
			).Scan(&exists); err != nil {
				return fmt.Errorf("check account: %w", err)
			}
			if !exists {
				return model.ErrAccountNotFound
			}
			return model.ErrInsufficientBalance
		}
		if err != nil {
			return fmt.Errorf("update balance: %w", err)
		}

		tag, err := tx.Exec(ctx,
			`INSERT INTO ledger_entries (account_id, transaction_id, kind, delta, balance_after)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (transaction_id, kind) DO NOTHING`,
			accountID, transactionID, string(kind), delta, balance,
		)
		if err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s %s", model.ErrDuplicateEntry, transactionID, kind)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return balance, nil
}

// GetBalance возвращает текущий баланс счёта.
func (r *PostgresRepository) GetBalance(ctx context.Context, accountID int64) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx,
		`SELECT balance FROM accounts WHERE id = $1`, accountID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, model.ErrAccountNotFound
		}
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

// EnsureAccount создаёт счёт с нулевым балансом, если его ещё нет.
func (r *PostgresRepository) EnsureAccount(ctx context.Context, accountID int64) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO accounts (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, accountID,
	)
	if err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	return nil
}

// ListLedgerEntries возвращает последние проводки по счёту, новые первыми.
func (r *PostgresRepository) ListLedgerEntries(ctx context.Context, accountID int64, limit int) ([]model.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, account_id, transaction_id, kind, delta, balance_after, created_at
		 FROM ledger_entries
		 WHERE account_id = $1
		 ORDER BY id DESC
		 LIMIT $2`,
		accountID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select ledger entries: %w", err)
	}
	defer rows.Close()

	var res []model.LedgerEntry
	for rows.Next() {
		var (
			e    model.LedgerEntry
			kind string
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &e.TransactionID, &kind, &e.Delta, &e.BalanceAfter, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Kind = model.EntryKind(kind)
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
