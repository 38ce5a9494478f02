package postgres

import (
	"context"
	"errors"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/signcap/signcap/internal/domain"
)

// SettingsRepository stores operator-tunable values as key/value text.
type SettingsRepository struct {
	pool *pgxpool.Pool
}

func NewSettingsRepository(pool *pgxpool.Pool) *SettingsRepository {
	return &SettingsRepository{pool: pool}
}

const settingCodeLimit = "code_limit"

// CodeLimit returns the global per-unit one-time-code budget, falling back
// to the built-in default when unset or malformed.
func (r *SettingsRepository) CodeLimit(ctx context.Context) (int, error) {
	return r.intSetting(ctx, settingCodeLimit, domain.DefaultCodeLimit)
}

func (r *SettingsRepository) SetCodeLimit(ctx context.Context, limit int) error {
	return r.set(ctx, settingCodeLimit, strconv.Itoa(limit))
}

func (r *SettingsRepository) intSetting(ctx context.Context, key string, fallback int) (int, error) {
	var raw string
	err := runner(ctx, r.pool).QueryRow(ctx, `
		SELECT value FROM settings WHERE key = $1`, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return fallback, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback, nil
	}
	return n, nil
}

func (r *SettingsRepository) set(ctx context.Context, key, value string) error {
	_, err := runner(ctx, r.pool).Exec(ctx, `
		INSERT INTO settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	return err
}
