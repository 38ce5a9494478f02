package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/signcap/signcap/internal/domain"
)

type StaffRepository struct {
	pool *pgxpool.Pool
}

func NewStaffRepository(pool *pgxpool.Pool) *StaffRepository {
	return &StaffRepository{pool: pool}
}

func (r *StaffRepository) Create(ctx context.Context, s domain.Staff) error {
	_, err := runner(ctx, r.pool).Exec(ctx, `
		INSERT INTO staff (id, login, password_hash, created_at)
		VALUES ($1, $2, $3, $4)`,
		s.ID, s.Login, s.PasswordHash, s.CreatedAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrStaffExists
	}
	return err
}

func (r *StaffRepository) GetByLogin(ctx context.Context, login string) (domain.Staff, error) {
	var s domain.Staff
	err := runner(ctx, r.pool).QueryRow(ctx, `
		SELECT id, login, password_hash, created_at FROM staff WHERE login = $1`, login,
	).Scan(&s.ID, &s.Login, &s.PasswordHash, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Staff{}, domain.ErrStaffNotFound
	}
	return s, err
}

func (r *StaffRepository) Count(ctx context.Context) (int, error) {
	var n int
	err := runner(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM staff`).Scan(&n)
	return n, err
}
