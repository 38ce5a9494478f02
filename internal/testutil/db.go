// Package testutil provides database helpers for integration tests.
package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/signcap/signcap/internal/domain"
	"github.com/signcap/signcap/migrations"
)

// Pool connects to the database named by TEST_DATABASE_DSN, applies
// migrations and truncates all tables so each test starts clean. Tests
// are skipped when no DSN is configured.
func Pool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skipf("TEST_DATABASE_DSN not set, skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := migrations.Apply(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := pool.Exec(ctx, `
		TRUNCATE accounts, categories, capacity_records, users, orders, payments, settings, staff
	`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return pool
}

// SeedCategory inserts a category with the given default quota.
func SeedCategory(t *testing.T, pool *pgxpool.Pool, name string, price float64, defaultQuota int) domain.Category {
	t.Helper()
	c := domain.Category{
		ID:           uuid.NewString(),
		Name:         name,
		Price:        price,
		DefaultQuota: defaultQuota,
		MinQuantum:   1,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}
	_, err := pool.Exec(context.Background(), `
		INSERT INTO categories (id, name, price, default_quota, min_quantum, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.Name, c.Price, c.DefaultQuota, c.MinQuantum, c.Active, c.CreatedAt,
	)
	if err != nil {
		t.Fatalf("seed category: %v", err)
	}
	return c
}

// SeedAccount inserts an enabled account plus a capacity record binding
// it to the category.
func SeedAccount(t *testing.T, pool *pgxpool.Pool, categoryID string, priority, used int) domain.Account {
	t.Helper()
	a := domain.Account{
		ID:        uuid.NewString(),
		Phone:     "+1000" + uuid.NewString()[:8],
		Password:  "pw",
		OTPSecret: "JBSWY3DPEHPK3PXP",
		Enabled:   true,
		Priority:  priority,
		CreatedAt: time.Now().UTC(),
	}
	ctx := context.Background()
	if _, err := pool.Exec(ctx, `
		INSERT INTO accounts (id, phone, password, otp_secret, enabled, priority, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.Phone, a.Password, a.OTPSecret, a.Enabled, a.Priority, a.CreatedAt,
	); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	if _, err := pool.Exec(ctx, `
		INSERT INTO capacity_records (account_id, category_id, used)
		VALUES ($1, $2, $3)`,
		a.ID, categoryID, used,
	); err != nil {
		t.Fatalf("seed capacity record: %v", err)
	}
	return a
}

// SeedUser inserts a user row with the given balance.
func SeedUser(t *testing.T, pool *pgxpool.Pool, id string, balance float64) {
	t.Helper()
	if _, err := pool.Exec(context.Background(), `
		INSERT INTO users (id, balance) VALUES ($1, $2)`, id, balance,
	); err != nil {
		t.Fatalf("seed user: %v", err)
	}
}
