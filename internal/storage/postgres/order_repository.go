package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/signcap/signcap/internal/domain"
)

type OrderRepository struct {
	pool *pgxpool.Pool
}

func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

func (r *OrderRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, r.pool, fn)
}

const orderColumns = `
id, user_id, account_id, category_id, status, granted, claimed, sent,
pending_claim_qty, code_refreshes, code_limit_override, amount_paid,
lease_deadline, batch_group_id, exclusive, operator_name, created_at, completed_at`

func scanOrder(row pgx.Row) (domain.Order, error) {
	var o domain.Order
	var status string
	err := row.Scan(
		&o.ID, &o.UserID, &o.AccountID, &o.CategoryID, &status,
		&o.Granted, &o.Claimed, &o.Sent,
		&o.PendingClaimQty, &o.CodeRefreshes, &o.CodeLimitOverride, &o.AmountPaid,
		&o.LeaseDeadline, &o.BatchGroupID, &o.Exclusive, &o.OperatorName,
		&o.CreatedAt, &o.CompletedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	o.Status = domain.OrderStatus(status)
	return o, nil
}

func (r *OrderRepository) Create(ctx context.Context, o domain.Order) error {
	const stmt = `
INSERT INTO orders (` + orderColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	_, err := runner(ctx, r.pool).Exec(ctx, stmt,
		o.ID, o.UserID, o.AccountID, o.CategoryID, string(o.Status),
		o.Granted, o.Claimed, o.Sent,
		o.PendingClaimQty, o.CodeRefreshes, o.CodeLimitOverride, o.AmountPaid,
		o.LeaseDeadline, o.BatchGroupID, o.Exclusive, o.OperatorName,
		o.CreatedAt, o.CompletedAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return domain.ErrCategoryNotFound
		}
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

func (r *OrderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	o, err := scanOrder(runner(ctx, r.pool).QueryRow(ctx, query, id))
	if err != nil {
		return domain.Order{}, mapOrderErr(err)
	}
	return o, nil
}

// GetForUpdate locks the order row for the duration of the surrounding
// transaction; claim sub-workflow transitions all go through it.
func (r *OrderRepository) GetForUpdate(ctx context.Context, id string) (domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1 FOR UPDATE`
	o, err := scanOrder(runner(ctx, r.pool).QueryRow(ctx, query, id))
	if err != nil {
		return domain.Order{}, mapOrderErr(err)
	}
	return o, nil
}

func mapOrderErr(err error) error {
	if isInvalidUUID(err) {
		return domain.ErrInvalidID
	}
	if err == pgx.ErrNoRows {
		return domain.ErrOrderNotFound
	}
	return fmt.Errorf("get order: %w", err)
}

// ListByUser returns the user's orders newest-first, hiding split rows.
func (r *OrderRepository) ListByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	query := `
SELECT ` + orderColumns + ` FROM orders
WHERE user_id = $1 AND status <> 'split'
ORDER BY created_at DESC`
	return r.list(ctx, query, userID)
}

func (r *OrderRepository) ListBatchGroup(ctx context.Context, batchGroupID string) ([]domain.Order, error) {
	query := `
SELECT ` + orderColumns + ` FROM orders
WHERE batch_group_id = $1 AND status <> 'split'
ORDER BY created_at ASC`
	return r.list(ctx, query, batchGroupID)
}

// ListPreorders returns queued demand oldest-first, the order the
// fulfillment scheduler serves it in.
func (r *OrderRepository) ListPreorders(ctx context.Context) ([]domain.Order, error) {
	query := `
SELECT ` + orderColumns + ` FROM orders
WHERE status = 'preorder'
ORDER BY created_at ASC`
	return r.list(ctx, query)
}

func (r *OrderRepository) list(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	rows, err := runner(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate orders: %w", rows.Err())
	}
	return out, nil
}

func (r *OrderRepository) UpdateStatus(ctx context.Context, id string, status domain.OrderStatus, completedAt *time.Time) error {
	const stmt = `UPDATE orders SET status = $2, completed_at = COALESCE($3, completed_at) WHERE id = $1`

	tag, err := runner(ctx, r.pool).Exec(ctx, stmt, id, string(status), completedAt)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}

// Fulfill converts a queued preorder into an active order bound to an
// account. The status guard makes concurrent fulfillment attempts lose
// cleanly.
func (r *OrderRepository) Fulfill(ctx context.Context, id, accountID string, deadline time.Time) error {
	const stmt = `
UPDATE orders SET status = 'active', account_id = $2, lease_deadline = $3
WHERE id = $1 AND status = 'preorder'`

	tag, err := runner(ctx, r.pool).Exec(ctx, stmt, id, accountID, deadline)
	if err != nil {
		return fmt.Errorf("fulfill preorder: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInvalidTransition
	}
	return nil
}

// MarkSplit retires a preorder replaced by sibling orders.
func (r *OrderRepository) MarkSplit(ctx context.Context, id string) error {
	const stmt = `UPDATE orders SET status = 'split' WHERE id = $1 AND status = 'preorder'`

	tag, err := runner(ctx, r.pool).Exec(ctx, stmt, id)
	if err != nil {
		return fmt.Errorf("mark split: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInvalidTransition
	}
	return nil
}

func (r *OrderRepository) SetPendingClaim(ctx context.Context, id string, qty int) error {
	return r.execOne(ctx, `UPDATE orders SET pending_claim_qty = $2 WHERE id = $1`, id, qty)
}

func (r *OrderRepository) IncrementRefreshes(ctx context.Context, id string) error {
	return r.execOne(ctx, `UPDATE orders SET code_refreshes = code_refreshes + 1 WHERE id = $1`, id)
}

func (r *OrderRepository) ResetRefreshes(ctx context.Context, id string) error {
	return r.execOne(ctx, `UPDATE orders SET code_refreshes = 0 WHERE id = $1`, id)
}

// ApplyClaim confirms qty signatures and closes the pending claim in one
// statement; the quantity guard keeps claimed within the grant even if the
// caller raced.
func (r *OrderRepository) ApplyClaim(ctx context.Context, id string, qty int) error {
	const stmt = `
UPDATE orders SET claimed = claimed + $2, pending_claim_qty = 0
WHERE id = $1 AND claimed + $2 <= granted`

	tag, err := runner(ctx, r.pool).Exec(ctx, stmt, id, qty)
	if err != nil {
		return fmt.Errorf("apply claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInvalidQuantity
	}
	return nil
}

func (r *OrderRepository) IncrementSent(ctx context.Context, id string) error {
	return r.execOne(ctx, `UPDATE orders SET sent = sent + 1 WHERE id = $1`, id)
}

func (r *OrderRepository) SetCodeLimitOverride(ctx context.Context, id string, limit *int) error {
	return r.execOne(ctx, `UPDATE orders SET code_limit_override = $2 WHERE id = $1`, id, limit)
}

func (r *OrderRepository) SetGranted(ctx context.Context, id string, granted int) error {
	return r.execOne(ctx, `UPDATE orders SET granted = $2 WHERE id = $1`, id, granted)
}

// ExpireDue flips every overdue active or in-review order to expired and
// returns the affected rows for notification.
func (r *OrderRepository) ExpireDue(ctx context.Context, now time.Time) ([]domain.Order, error) {
	query := `
UPDATE orders SET status = 'expired'
WHERE status IN ('active', 'pending_review')
  AND lease_deadline IS NOT NULL
  AND lease_deadline <= $1
RETURNING ` + orderColumns

	rows, err := runner(ctx, r.pool).Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("expire due orders: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired order: %w", err)
		}
		out = append(out, o)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate expired orders: %w", rows.Err())
	}
	return out, nil
}

func (r *OrderRepository) execOne(ctx context.Context, stmt string, args ...any) error {
	tag, err := runner(ctx, r.pool).Exec(ctx, stmt, args...)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		return fmt.Errorf("update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}
