package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signcap/signcap/internal/domain"
	"github.com/signcap/signcap/internal/storage/postgres"
	"github.com/signcap/signcap/internal/testutil"
)

func TestOrderRepository(t *testing.T) {
	pool := testutil.Pool(t)
	ctx := context.Background()

	category := testutil.SeedCategory(t, pool, "standard", 5, 5)
	account := testutil.SeedAccount(t, pool, category.ID, 0, 0)
	repo := postgres.NewOrderRepository(pool)

	newOrder := func(status domain.OrderStatus, granted int) domain.Order {
		o := domain.Order{
			ID:         uuid.NewString(),
			UserID:     "buyer-1",
			CategoryID: category.ID,
			Status:     status,
			Granted:    granted,
			CreatedAt:  time.Now().UTC(),
		}
		if status != domain.OrderStatusPreorder {
			o.AccountID = &account.ID
		}
		require.NoError(t, repo.Create(ctx, o))
		return o
	}

	t.Run("claim apply is bounded by the grant", func(t *testing.T) {
		o := newOrder(domain.OrderStatusActive, 3)
		require.NoError(t, repo.SetPendingClaim(ctx, o.ID, 2))
		require.NoError(t, repo.ApplyClaim(ctx, o.ID, 2))

		got, err := repo.Get(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.Claimed)
		assert.Zero(t, got.PendingClaimQty)

		assert.ErrorIs(t, repo.ApplyClaim(ctx, o.ID, 2), domain.ErrInvalidQuantity)
	})

	t.Run("fulfill only moves preorders", func(t *testing.T) {
		o := newOrder(domain.OrderStatusPreorder, 2)
		deadline := time.Now().UTC().Add(time.Hour)
		require.NoError(t, repo.Fulfill(ctx, o.ID, account.ID, deadline))

		got, err := repo.Get(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusActive, got.Status)
		require.NotNil(t, got.AccountID)

		assert.ErrorIs(t, repo.Fulfill(ctx, o.ID, account.ID, deadline), domain.ErrInvalidTransition)
	})

	t.Run("expire due returns only overdue in-play orders", func(t *testing.T) {
		due := newOrder(domain.OrderStatusActive, 2)
		past := time.Now().UTC().Add(-time.Minute)
		_, err := pool.Exec(ctx, `UPDATE orders SET lease_deadline = $2 WHERE id = $1`, due.ID, past)
		require.NoError(t, err)

		expired, err := repo.ExpireDue(ctx, time.Now().UTC())
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, due.ID, expired[0].ID)

		got, err := repo.Get(ctx, due.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusExpired, got.Status)
	})

	t.Run("split rows are hidden from user listings", func(t *testing.T) {
		o := newOrder(domain.OrderStatusPreorder, 2)
		require.NoError(t, repo.MarkSplit(ctx, o.ID))

		listed, err := repo.ListByUser(ctx, "buyer-1")
		require.NoError(t, err)
		for _, l := range listed {
			assert.NotEqual(t, o.ID, l.ID)
		}
	})

	t.Run("missing order maps to the sentinel", func(t *testing.T) {
		_, err := repo.Get(ctx, uuid.NewString())
		assert.ErrorIs(t, err, domain.ErrOrderNotFound)
	})
}
