package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signcap/signcap/internal/app"
	"github.com/signcap/signcap/internal/clock"
	"github.com/signcap/signcap/internal/domain"
	"github.com/signcap/signcap/internal/storage/postgres"
	"github.com/signcap/signcap/internal/testutil"
)

func TestAllocationAgainstDatabase(t *testing.T) {
	pool := testutil.Pool(t)
	ctx := context.Background()

	category := testutil.SeedCategory(t, pool, "standard", 5, 5)
	accA := testutil.SeedAccount(t, pool, category.ID, 10, 0)
	accB := testutil.SeedAccount(t, pool, category.ID, 0, 0)

	repo := postgres.NewCapacityRepository(pool)
	clk := clock.NewFixed(time.Now().UTC())
	engine := app.NewAllocationService(repo, clk)

	t.Run("reserve prefers higher priority and leases on full take", func(t *testing.T) {
		alloc, err := engine.Reserve(ctx, category.ID, "buyer-1", nil)
		require.NoError(t, err)
		assert.Equal(t, accA.ID, alloc.AccountID)
		assert.Equal(t, 5, alloc.Granted)

		var used int
		var holder *string
		require.NoError(t, pool.QueryRow(ctx, `
			SELECT used, lease_holder FROM capacity_records
			WHERE account_id = $1 AND category_id = $2`, accA.ID, category.ID,
		).Scan(&used, &holder))
		assert.Equal(t, 5, used)
		require.NotNil(t, holder)
		assert.Equal(t, "buyer-1", *holder)
	})

	t.Run("second buyer falls through to the remaining account", func(t *testing.T) {
		qty := 2
		alloc, err := engine.Reserve(ctx, category.ID, "buyer-2", &qty)
		require.NoError(t, err)
		assert.Equal(t, accB.ID, alloc.AccountID)
	})

	t.Run("multi shortfall leaves the pool untouched", func(t *testing.T) {
		var before int
		require.NoError(t, pool.QueryRow(ctx, `
			SELECT COALESCE(SUM(used), 0) FROM capacity_records`).Scan(&before))

		_, err := engine.ReserveMulti(ctx, category.ID, "buyer-3", 100)
		assert.ErrorIs(t, err, domain.ErrInsufficientCapacity)

		var after int
		require.NoError(t, pool.QueryRow(ctx, `
			SELECT COALESCE(SUM(used), 0) FROM capacity_records`).Scan(&after))
		assert.Equal(t, before, after)
	})

	t.Run("sweep reclaims leases past the deadline", func(t *testing.T) {
		clk.Advance(app.LeaseWindow + time.Minute)
		n, err := engine.SweepExpiredLeases(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("restore hands usage back", func(t *testing.T) {
		require.NoError(t, engine.Restore(ctx, accA.ID, category.ID, 5))
		available, err := engine.AvailableCount(ctx, category.ID)
		require.NoError(t, err)
		assert.Equal(t, 8, available) // accA back to 5, accB at 3 of 5
	})
}
