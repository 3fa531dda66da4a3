package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/canvango/canvango-group-sub006/internal/model"
)

const claimColumns = `id, account_id, transaction_id, reason, status, refund_amount, resolved_at, created_at`

func scanClaim(row pgx.Row) (*model.Claim, error) {
	var (
		c      model.Claim
		status string
	)
	if err := row.Scan(&c.ID, &c.AccountID, &c.TransactionID, &c.Reason, &status, &c.RefundAmount, &c.ResolvedAt, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Status = model.ClaimStatus(status)
	return &c, nil
}

// CreateClaim сохраняет новую заявку. По одной транзакции допускается одна неотклонённая заявка.
func (r *PostgresRepository) CreateClaim(ctx context.Context, c *model.Claim) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO claims (account_id, transaction_id, reason, status)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		c.AccountID, c.TransactionID, c.Reason, string(c.Status),
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: claim for transaction %s", model.ErrDuplicateEntry, c.TransactionID)
		}
		return fmt.Errorf("create claim: %w", err)
	}
	return nil
}

// GetClaim возвращает заявку по идентификатору.
func (r *PostgresRepository) GetClaim(ctx context.Context, id int64) (*model.Claim, error) {
	c, err := scanClaim(r.pool.QueryRow(ctx,
		`SELECT `+claimColumns+` FROM claims WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("claim %d: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("get claim: %w", err)
	}
	return c, nil
}

// TransitionClaim меняет статус заявки, только если текущий статус равен from.
func (r *PostgresRepository) TransitionClaim(ctx context.Context, id int64, from, to model.ClaimStatus) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE claims SET status = $3 WHERE id = $1 AND status = $2 AND resolved_at IS NULL`,
		id, string(from), string(to),
	)
	if err != nil {
		return false, fmt.Errorf("transition claim: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimResolution атомарно помечает одобренную заявку как выплаченную и фиксирует
// сумму возврата, равную сумме исходной транзакции. Возвращает false, если заявка
// не одобрена или уже выплачена.
func (r *PostgresRepository) ClaimResolution(ctx context.Context, id int64) (*model.Claim, bool, error) {
	var (
		c  *model.Claim
		ok bool
	)
	err := r.withRetry(ctx, func() error {
		var err error
		c, err = scanClaim(r.pool.QueryRow(ctx,
			`UPDATE claims c
			 SET resolved_at = NOW(), refund_amount = t.amount
			 FROM transactions t
			 WHERE c.id = $1 AND c.status = $2 AND c.resolved_at IS NULL AND t.id = c.transaction_id
			 RETURNING c.id, c.account_id, c.transaction_id, c.reason, c.status, c.refund_amount, c.resolved_at, c.created_at`,
			id, string(model.ClaimStatusApproved),
		))
		if errors.Is(err, pgx.ErrNoRows) {
			ok = false
			return nil
		}
		if err != nil {
			return fmt.Errorf("claim resolution: %w", err)
		}
		ok = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return c, ok, nil
}

// UndoResolution снимает отметку о выплате, если возврат не был зачислен.
func (r *PostgresRepository) UndoResolution(ctx context.Context, id int64) error {
	return r.withRetry(ctx, func() error {
		_, err := r.pool.Exec(ctx,
			`UPDATE claims SET resolved_at = NULL, refund_amount = 0 WHERE id = $1 AND resolved_at IS NOT NULL`,
			id,
		)
		if err != nil {
			return fmt.Errorf("undo resolution: %w", err)
		}
		return nil
	})
}

// ListClaimsByAccount возвращает заявки покупателя.
func (r *PostgresRepository) ListClaimsByAccount(ctx context.Context, accountID int64) ([]model.Claim, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+claimColumns+` FROM claims WHERE account_id = $1 ORDER BY created_at DESC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("select claims: %w", err)
	}
	defer rows.Close()

	var res []model.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		res = append(res, *c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
