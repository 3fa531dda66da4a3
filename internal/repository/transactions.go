package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/canvango/canvango-group-sub006/internal/model"
)

const transactionColumns = `id, account_id, type, amount, status, product_id, quantity,
	payment_method, gateway_reference, signature, gateway_status, fee, pay_url,
	expires_at, paid_at, created_at, updated_at`

func scanTransaction(row pgx.Row) (*model.Transaction, error) {
	var (
		t        model.Transaction
		typ      string
		status   string
		quantity *int32
	)
	err := row.Scan(
		&t.ID, &t.AccountID, &typ, &t.Amount, &status, &t.ProductID, &quantity,
		&t.PaymentMethod, &t.GatewayReference, &t.Signature, &t.GatewayStatus, &t.Fee, &t.PayURL,
		&t.ExpiresAt, &t.PaidAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Type = model.TransactionType(typ)
	t.Status = model.TransactionStatus(status)
	if quantity != nil {
		q := int(*quantity)
		t.Quantity = &q
	}
	return &t, nil
}

// CreateTransaction сохраняет новую транзакцию. Идентификатор задаёт вызывающая сторона.
func (r *PostgresRepository) CreateTransaction(ctx context.Context, t *model.Transaction) error {
	var quantity *int32
	if t.Quantity != nil {
		q := int32(*t.Quantity)
		quantity = &q
	}

	err := r.pool.QueryRow(ctx,
		`INSERT INTO transactions (id, account_id, type, amount, status, product_id, quantity,
		     payment_method, signature, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING created_at, updated_at`,
		t.ID, t.AccountID, string(t.Type), t.Amount, string(t.Status), t.ProductID, quantity,
		t.PaymentMethod, t.Signature, t.ExpiresAt,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: transaction %s", model.ErrDuplicateEntry, t.ID)
		}
		return fmt.Errorf("create transaction: %w", err)
	}
	return nil
}

// GetTransaction возвращает транзакцию по идентификатору.
func (r *PostgresRepository) GetTransaction(ctx context.Context, id uuid.UUID) (*model.Transaction, error) {
	t, err := scanTransaction(r.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("transaction %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return t, nil
}

// MarkTransactionFailed переводит покупку в FAILED при неудачном списании или откате.
func (r *PostgresRepository) MarkTransactionFailed(ctx context.Context, id uuid.UUID) error {
	return r.withRetry(ctx, func() error {
		_, err := r.pool.Exec(ctx,
			`UPDATE transactions SET status = $2, updated_at = NOW()
			 WHERE id = $1 AND status IN ($3, $4)`,
			id, string(model.TransactionStatusFailed),
			string(model.TransactionStatusCompleted), string(model.TransactionStatusPending),
		)
		if err != nil {
			return fmt.Errorf("mark transaction failed: %w", err)
		}
		return nil
	})
}

// InvalidatePendingTransaction переводит PENDING в FAILED. Возвращает false, если
// транзакция уже не в PENDING.
func (r *PostgresRepository) InvalidatePendingTransaction(ctx context.Context, id uuid.UUID, gatewayStatus string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE transactions SET status = $2, gateway_status = $3, updated_at = NOW()
		 WHERE id = $1 AND status = $4`,
		id, string(model.TransactionStatusFailed), gatewayStatus, string(model.TransactionStatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("invalidate transaction: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AttachGatewayFields сохраняет ответ шлюза о созданном платеже.
func (r *PostgresRepository) AttachGatewayFields(ctx context.Context, id uuid.UUID, f model.GatewayFields) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE transactions
		 SET gateway_reference = $2, fee = $3, pay_url = $4, expires_at = $5,
		     gateway_status = CASE WHEN status = $7 THEN $6 ELSE gateway_status END,
		     updated_at = NOW()
		 WHERE id = $1`,
		id, f.Reference, f.Fee, f.PayURL, f.ExpiresAt, f.Status, string(model.TransactionStatusPending),
	)
	if err != nil {
		return fmt.Errorf("attach gateway fields: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transaction %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// SettlePendingTransaction атомарно переводит PENDING в терминальный статус.
// Возвращает false, если переход уже выполнен кем-то другим.
func (r *PostgresRepository) SettlePendingTransaction(ctx context.Context, id uuid.UUID, s model.Settlement) (bool, error) {
	var settled bool
	err := r.withRetry(ctx, func() error {
		tag, err := r.pool.Exec(ctx,
			`UPDATE transactions
			 SET status = $2, gateway_status = $3, paid_at = $4, updated_at = NOW()
			 WHERE id = $1 AND status = $5`,
			id, string(s.Status), s.GatewayStatus, s.PaidAt, string(model.TransactionStatusPending),
		)
		if err != nil {
			return fmt.Errorf("settle transaction: %w", err)
		}
		settled = tag.RowsAffected() == 1
		return nil
	})
	return settled, err
}

// RevertSettlement возвращает оплаченное пополнение в PENDING, если зачисление не удалось.
func (r *PostgresRepository) RevertSettlement(ctx context.Context, id uuid.UUID) (bool, error) {
	var reverted bool
	err := r.withRetry(ctx, func() error {
		tag, err := r.pool.Exec(ctx,
			`UPDATE transactions SET status = $2, paid_at = NULL, updated_at = NOW()
			 WHERE id = $1 AND status = $3`,
			id, string(model.TransactionStatusPending), string(model.TransactionStatusPaid),
		)
		if err != nil {
			return fmt.Errorf("revert settlement: %w", err)
		}
		reverted = tag.RowsAffected() == 1
		return nil
	})
	return reverted, err
}

// ListStalePendingTopUps возвращает пополнения в PENDING, созданные раньше указанного момента.
func (r *PostgresRepository) ListStalePendingTopUps(ctx context.Context, createdBefore time.Time, limit int) ([]model.Transaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+transactionColumns+`
		 FROM transactions
		 WHERE type = $1 AND status = $2 AND created_at < $3
		 ORDER BY created_at
		 LIMIT $4`,
		string(model.TransactionTypeTopUp), string(model.TransactionStatusPending), createdBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending top-ups: %w", err)
	}
	return collectTransactions(rows)
}

// ListTransactionsByAccount возвращает историю транзакций покупателя.
func (r *PostgresRepository) ListTransactionsByAccount(ctx context.Context, accountID int64, limit int) ([]model.Transaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+transactionColumns+`
		 FROM transactions
		 WHERE account_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		accountID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	return collectTransactions(rows)
}

func collectTransactions(rows pgx.Rows) ([]model.Transaction, error) {
	defer rows.Close()

	var res []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		res = append(res, *t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
