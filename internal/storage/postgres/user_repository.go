package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/signcap/signcap/internal/domain"
)

type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

func (r *UserRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, r.pool, fn)
}

// Ensure creates the user row on first contact and returns it either way.
func (r *UserRepository) Ensure(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	err := runner(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO users (id) VALUES ($1)
		ON CONFLICT (id) DO UPDATE SET id = EXCLUDED.id
		RETURNING id, balance, code_limit_override, created_at`, id,
	).Scan(&u.ID, &u.Balance, &u.CodeLimitOverride, &u.CreatedAt)
	return u, err
}

func (r *UserRepository) Get(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	err := runner(ctx, r.pool).QueryRow(ctx, `
		SELECT id, balance, code_limit_override, created_at FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Balance, &u.CodeLimitOverride, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, domain.ErrUserNotFound
	}
	return u, err
}

// AddBalance applies a signed delta; debits that would push the balance
// negative fail without changing the row.
func (r *UserRepository) AddBalance(ctx context.Context, id string, delta float64) error {
	tag, err := runner(ctx, r.pool).Exec(ctx, `
		UPDATE users SET balance = balance + $2
		WHERE id = $1 AND balance + $2 >= 0`, id, delta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

func (r *UserRepository) GetCodeLimitOverride(ctx context.Context, id string) (*int, error) {
	var override *int
	err := runner(ctx, r.pool).QueryRow(ctx, `
		SELECT code_limit_override FROM users WHERE id = $1`, id,
	).Scan(&override)
	if errors.Is(err, pgx.ErrNoRows) {
		// Unknown users fall through to the global default tier.
		return nil, nil
	}
	return override, err
}

func (r *UserRepository) SetCodeLimitOverride(ctx context.Context, id string, limit *int) error {
	tag, err := runner(ctx, r.pool).Exec(ctx, `
		UPDATE users SET code_limit_override = $2 WHERE id = $1`, id, limit)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}
