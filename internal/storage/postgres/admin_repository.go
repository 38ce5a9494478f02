package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/signcap/signcap/internal/domain"
)

// AdminRepository covers the staff-facing inventory surface: account
// onboarding and the category catalogue. Every new account gets a capacity
// record per existing category, and every new category gets one per
// existing account, so the allocation queries never deal with missing rows.
type AdminRepository struct {
	pool *pgxpool.Pool
}

func NewAdminRepository(pool *pgxpool.Pool) *AdminRepository {
	return &AdminRepository{pool: pool}
}

func (r *AdminRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, r.pool, fn)
}

func (r *AdminRepository) CreateAccounts(ctx context.Context, accounts []domain.Account) error {
	return withTx(ctx, r.pool, func(txCtx context.Context) error {
		q := runner(txCtx, r.pool)
		for _, a := range accounts {
			_, err := q.Exec(txCtx, `
				INSERT INTO accounts (id, phone, password, otp_secret, enabled, priority, operator_id, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				a.ID, a.Phone, a.Password, a.OTPSecret, a.Enabled, a.Priority, a.OperatorID, a.CreatedAt,
			)
			if err != nil {
				return err
			}
			_, err = q.Exec(txCtx, `
				INSERT INTO capacity_records (account_id, category_id)
				SELECT $1, id FROM categories
				ON CONFLICT DO NOTHING`, a.ID)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *AdminRepository) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	var a domain.Account
	err := runner(ctx, r.pool).QueryRow(ctx, `
		SELECT id, phone, password, otp_secret, enabled, priority, operator_id, created_at
		FROM accounts WHERE id = $1`, id,
	).Scan(&a.ID, &a.Phone, &a.Password, &a.OTPSecret, &a.Enabled, &a.Priority, &a.OperatorID, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) || isInvalidUUID(err) {
		return domain.Account{}, domain.ErrAccountNotFound
	}
	return a, err
}

func (r *AdminRepository) SetAccountEnabled(ctx context.Context, id string, enabled bool) error {
	return r.execAccount(ctx, `UPDATE accounts SET enabled = $2 WHERE id = $1`, id, enabled)
}

func (r *AdminRepository) SetAccountPriority(ctx context.Context, id string, priority int) error {
	return r.execAccount(ctx, `UPDATE accounts SET priority = $2 WHERE id = $1`, id, priority)
}

// SetQuotaOverride pins an account's effective maximum in one category.
// Usage above the new ceiling is clamped down and any reservation lock on
// the record is released, so the record immediately reflects the override.
func (r *AdminRepository) SetQuotaOverride(ctx context.Context, accountID, categoryID string, quota *int) error {
	tag, err := runner(ctx, r.pool).Exec(ctx, `
		UPDATE capacity_records SET
			quota_override = $3,
			used = CASE WHEN $3 IS NOT NULL AND used > $3 THEN $3 ELSE used END,
			lease_holder = NULL,
			lease_deadline = NULL
		WHERE account_id = $1 AND category_id = $2`, accountID, categoryID, quota)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrAccountNotFound
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

// ResetAvailability zeroes usage and clears locks for one account across
// all categories, returning it to a pristine pool member.
func (r *AdminRepository) ResetAvailability(ctx context.Context, accountID string) error {
	return r.execAccount(ctx, `
		UPDATE capacity_records SET used = 0, lease_holder = NULL, lease_deadline = NULL
		WHERE account_id = $1`, accountID)
}

func (r *AdminRepository) CreateCategory(ctx context.Context, c domain.Category) error {
	return withTx(ctx, r.pool, func(txCtx context.Context) error {
		q := runner(txCtx, r.pool)
		_, err := q.Exec(txCtx, `
			INSERT INTO categories (id, name, price, default_quota, min_quantum, active, exclusive_price, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			c.ID, c.Name, c.Price, c.DefaultQuota, c.MinQuantum, c.Active, c.ExclusivePrice, c.CreatedAt,
		)
		if isUniqueViolation(err) {
			return domain.ErrCategoryExists
		}
		if err != nil {
			return err
		}
		_, err = q.Exec(txCtx, `
			INSERT INTO capacity_records (account_id, category_id)
			SELECT id, $1 FROM accounts
			ON CONFLICT DO NOTHING`, c.ID)
		return err
	})
}

func (r *AdminRepository) GetCategory(ctx context.Context, id string) (domain.Category, error) {
	c, err := scanCategory(runner(ctx, r.pool).QueryRow(ctx, `
		SELECT `+categoryColumns+` FROM categories WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) || isInvalidUUID(err) {
		return domain.Category{}, domain.ErrCategoryNotFound
	}
	return c, err
}

func (r *AdminRepository) ListCategories(ctx context.Context, activeOnly bool) ([]domain.Category, error) {
	stmt := `SELECT ` + categoryColumns + ` FROM categories ORDER BY name`
	if activeOnly {
		stmt = `SELECT ` + categoryColumns + ` FROM categories WHERE active ORDER BY name`
	}
	rows, err := runner(ctx, r.pool).Query(ctx, stmt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var categories []domain.Category
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, err
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

func (r *AdminRepository) SetCategoryActive(ctx context.Context, id string, active bool) error {
	tag, err := runner(ctx, r.pool).Exec(ctx, `
		UPDATE categories SET active = $2 WHERE id = $1`, id, active)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrCategoryNotFound
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrCategoryNotFound
	}
	return nil
}

const categoryColumns = `id, name, price, default_quota, min_quantum, active, exclusive_price, created_at`

func scanCategory(row pgx.Row) (domain.Category, error) {
	var c domain.Category
	err := row.Scan(&c.ID, &c.Name, &c.Price, &c.DefaultQuota, &c.MinQuantum, &c.Active, &c.ExclusivePrice, &c.CreatedAt)
	return c, err
}

func (r *AdminRepository) execAccount(ctx context.Context, stmt string, args ...any) error {
	tag, err := runner(ctx, r.pool).Exec(ctx, stmt, args...)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrAccountNotFound
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}
