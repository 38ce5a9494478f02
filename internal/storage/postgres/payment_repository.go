package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/signcap/signcap/internal/domain"
)

type PaymentRepository struct {
	pool *pgxpool.Pool
}

func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

func (r *PaymentRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, r.pool, fn)
}

const paymentColumns = `id, user_id, charge_id, amount, pay_url, purpose, intent, status, created_at, paid_at`

func scanPayment(row pgx.Row) (domain.Payment, error) {
	var p domain.Payment
	err := row.Scan(&p.ID, &p.UserID, &p.ChargeID, &p.Amount, &p.PayURL, &p.Purpose, &p.Intent, &p.Status, &p.CreatedAt, &p.PaidAt)
	return p, err
}

func (r *PaymentRepository) Create(ctx context.Context, p domain.Payment) error {
	_, err := runner(ctx, r.pool).Exec(ctx, `
		INSERT INTO payments (id, user_id, charge_id, amount, pay_url, purpose, intent, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.UserID, p.ChargeID, p.Amount, p.PayURL, p.Purpose, p.Intent, p.Status, p.CreatedAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrChargeAlreadyExists
	}
	return err
}

func (r *PaymentRepository) Get(ctx context.Context, id string) (domain.Payment, error) {
	p, err := scanPayment(runner(ctx, r.pool).QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
	return p, mapPaymentErr(err)
}

// MarkPaid settles a payment exactly once: the guard on the pending status
// makes a second settlement attempt report ErrInvalidTransition.
func (r *PaymentRepository) MarkPaid(ctx context.Context, id string, paidAt time.Time) error {
	tag, err := runner(ctx, r.pool).Exec(ctx, `
		UPDATE payments SET status = 'paid', paid_at = $2
		WHERE id = $1 AND status = 'pending'`, id, paidAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInvalidTransition
	}
	return nil
}

func (r *PaymentRepository) MarkExpired(ctx context.Context, id string) error {
	tag, err := runner(ctx, r.pool).Exec(ctx, `
		UPDATE payments SET status = 'expired'
		WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInvalidTransition
	}
	return nil
}

func (r *PaymentRepository) ListPending(ctx context.Context) ([]domain.Payment, error) {
	rows, err := runner(ctx, r.pool).Query(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE status = 'pending'
		ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func mapPaymentErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrPaymentNotFound
	}
	return err
}
