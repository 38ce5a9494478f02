package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/signcap/signcap/internal/domain"
)

type CapacityRepository struct {
	pool *pgxpool.Pool
}

func NewCapacityRepository(pool *pgxpool.Pool) *CapacityRepository {
	return &CapacityRepository{pool: pool}
}

func (r *CapacityRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, r.pool, fn)
}

const candidateColumns = `
cr.account_id, cr.category_id, cr.quota_override, cr.used,
cr.lease_holder, cr.lease_deadline,
a.phone, a.password, a.otp_secret, a.priority, a.created_at,
COALESCE(cr.quota_override, c.default_quota) AS effective_max`

// LockEligible locks every capacity record of the category that an
// allocation for requester may consume: owning account enabled, at least
// minRemaining quota left, and the lease unheld, held by requester, or past
// its deadline. Ranking happens in the service; the rows stay locked until
// the surrounding transaction ends.
func (r *CapacityRepository) LockEligible(ctx context.Context, categoryID, requester string, minRemaining int, now time.Time) ([]domain.CapacityCandidate, error) {
	query := `
SELECT ` + candidateColumns + `
FROM capacity_records cr
JOIN accounts a ON a.id = cr.account_id
JOIN categories c ON c.id = cr.category_id
WHERE cr.category_id = $1
  AND a.enabled
  AND COALESCE(cr.quota_override, c.default_quota) - cr.used >= $2
  AND (cr.lease_holder IS NULL OR cr.lease_holder = $3 OR cr.lease_deadline <= $4)
FOR UPDATE OF cr`

	rows, err := runner(ctx, r.pool).Query(ctx, query, categoryID, minRemaining, requester, now)
	if err != nil {
		if isInvalidUUID(err) {
			return nil, domain.ErrInvalidID
		}
		return nil, fmt.Errorf("lock eligible records: %w", err)
	}
	return scanCandidates(rows, false)
}

// LockEligibleExclusive locks untouched records (used = 0) whose lease is
// free or expired. The requester-held escape deliberately does not apply to
// the exclusive tier.
func (r *CapacityRepository) LockEligibleExclusive(ctx context.Context, categoryID string, now time.Time) ([]domain.CapacityCandidate, error) {
	query := `
SELECT ` + candidateColumns + `
FROM capacity_records cr
JOIN accounts a ON a.id = cr.account_id
JOIN categories c ON c.id = cr.category_id
WHERE cr.category_id = $1
  AND a.enabled
  AND cr.used = 0
  AND (cr.lease_holder IS NULL OR cr.lease_deadline <= $2)
FOR UPDATE OF cr`

	rows, err := runner(ctx, r.pool).Query(ctx, query, categoryID, now)
	if err != nil {
		if isInvalidUUID(err) {
			return nil, domain.ErrInvalidID
		}
		return nil, fmt.Errorf("lock exclusive records: %w", err)
	}
	return scanCandidates(rows, false)
}

// LockEligibleIssue locks records for the lightweight single-issue policy,
// carrying the account's usage in other categories for ranking.
func (r *CapacityRepository) LockEligibleIssue(ctx context.Context, categoryID string, now time.Time) ([]domain.CapacityCandidate, error) {
	query := `
SELECT ` + candidateColumns + `,
       (SELECT COALESCE(SUM(s.used), 0) FROM capacity_records s
        WHERE s.account_id = cr.account_id AND s.category_id <> cr.category_id) AS other_used
FROM capacity_records cr
JOIN accounts a ON a.id = cr.account_id
JOIN categories c ON c.id = cr.category_id
WHERE cr.category_id = $1
  AND cr.used < COALESCE(cr.quota_override, c.default_quota)
  AND (cr.lease_holder IS NULL OR cr.lease_deadline <= $2)
FOR UPDATE OF cr`

	rows, err := runner(ctx, r.pool).Query(ctx, query, categoryID, now)
	if err != nil {
		if isInvalidUUID(err) {
			return nil, domain.ErrInvalidID
		}
		return nil, fmt.Errorf("lock issue records: %w", err)
	}
	return scanCandidates(rows, true)
}

func scanCandidates(rows pgx.Rows, withOtherUsed bool) ([]domain.CapacityCandidate, error) {
	defer rows.Close()

	var out []domain.CapacityCandidate
	for rows.Next() {
		var c domain.CapacityCandidate
		dest := []any{
			&c.AccountID, &c.CategoryID, &c.QuotaOverride, &c.Used,
			&c.LeaseHolder, &c.LeaseDeadline,
			&c.Phone, &c.Password, &c.OTPSecret, &c.Priority, &c.AccountCreatedAt,
			&c.EffectiveMax,
		}
		if withOtherUsed {
			dest = append(dest, &c.OtherUsed)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		out = append(out, c)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate candidates: %w", rows.Err())
	}
	return out, nil
}

// UpdateUsage writes the new usage count and lease state of one record.
// holder and deadline must be both nil or both set.
func (r *CapacityRepository) UpdateUsage(ctx context.Context, accountID, categoryID string, used int, holder *string, deadline *time.Time) error {
	const stmt = `
UPDATE capacity_records
SET used = $3, lease_holder = $4, lease_deadline = $5
WHERE account_id = $1 AND category_id = $2`

	tag, err := runner(ctx, r.pool).Exec(ctx, stmt, accountID, categoryID, used, holder, deadline)
	if err != nil {
		return fmt.Errorf("update usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

// IncrementUsage bumps the usage count by one, leaving the lease untouched.
func (r *CapacityRepository) IncrementUsage(ctx context.Context, accountID, categoryID string) error {
	const stmt = `
UPDATE capacity_records SET used = used + 1
WHERE account_id = $1 AND category_id = $2`

	tag, err := runner(ctx, r.pool).Exec(ctx, stmt, accountID, categoryID)
	if err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

// ReleaseAccount clears the lease on every record of the account.
func (r *CapacityRepository) ReleaseAccount(ctx context.Context, accountID string) error {
	const stmt = `
UPDATE capacity_records SET lease_holder = NULL, lease_deadline = NULL
WHERE account_id = $1`

	if _, err := runner(ctx, r.pool).Exec(ctx, stmt, accountID); err != nil {
		return fmt.Errorf("release account: %w", err)
	}
	return nil
}

// RestoreUsage hands count units back to the pool, floored at zero, and
// clears the record's lease.
func (r *CapacityRepository) RestoreUsage(ctx context.Context, accountID, categoryID string, count int) error {
	const stmt = `
UPDATE capacity_records
SET used = GREATEST(used - $3, 0), lease_holder = NULL, lease_deadline = NULL
WHERE account_id = $1 AND category_id = $2`

	if _, err := runner(ctx, r.pool).Exec(ctx, stmt, accountID, categoryID, count); err != nil {
		return fmt.Errorf("restore usage: %w", err)
	}
	return nil
}

// SweepExpiredLeases clears every lease past its deadline and reports how
// many records were reclaimed.
func (r *CapacityRepository) SweepExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	const stmt = `
UPDATE capacity_records
SET lease_holder = NULL, lease_deadline = NULL
WHERE lease_deadline IS NOT NULL AND lease_deadline <= $1`

	tag, err := runner(ctx, r.pool).Exec(ctx, stmt, now)
	if err != nil {
		return 0, fmt.Errorf("sweep expired leases: %w", err)
	}
	return tag.RowsAffected(), nil
}

// AvailableCount sums the remaining quota visible to new buyers of the
// category.
func (r *CapacityRepository) AvailableCount(ctx context.Context, categoryID string, now time.Time) (int, error) {
	const query = `
SELECT COALESCE(SUM(COALESCE(cr.quota_override, c.default_quota) - cr.used), 0)
FROM capacity_records cr
JOIN accounts a ON a.id = cr.account_id
JOIN categories c ON c.id = cr.category_id
WHERE cr.category_id = $1
  AND a.enabled
  AND cr.used < COALESCE(cr.quota_override, c.default_quota)
  AND (cr.lease_holder IS NULL OR cr.lease_deadline <= $2)`

	var total int
	if err := runner(ctx, r.pool).QueryRow(ctx, query, categoryID, now).Scan(&total); err != nil {
		if isInvalidUUID(err) {
			return 0, domain.ErrInvalidID
		}
		return 0, fmt.Errorf("available count: %w", err)
	}
	return total, nil
}
