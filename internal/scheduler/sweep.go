package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/signcap/signcap/internal/domain"
	"github.com/signcap/signcap/internal/notify"
)

type LeaseCleaner interface {
	SweepExpiredLeases(ctx context.Context) (int64, error)
}

type OrderExpirer interface {
	ExpireDue(ctx context.Context) ([]domain.Order, error)
}

const DefaultSweepInterval = 300 * time.Second

// Sweeper drives both reclamations on one tick: overdue orders are marked
// expired, and timed-out reservation locks are released. The two are
// independent passes over different tables; expiring an order does not
// hand its consumed capacity back to the pool.
type Sweeper struct {
	leases   LeaseCleaner
	orders   OrderExpirer
	notifier notify.Notifier
	log      *slog.Logger
	interval time.Duration
}

func NewSweeper(leases LeaseCleaner, orders OrderExpirer, notifier notify.Notifier, log *slog.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		leases:   leases,
		orders:   orders,
		notifier: notifier,
		log:      log,
		interval: interval,
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunTick(ctx)
		}
	}
}

// RunTick makes one sweep pass.
func (s *Sweeper) RunTick(ctx context.Context) {
	expired, err := s.orders.ExpireDue(ctx)
	if err != nil {
		s.log.Error("order expiry sweep failed", "error", err)
	} else if len(expired) > 0 {
		s.log.Info("expired overdue orders", "count", len(expired))
		for _, order := range expired {
			s.notifier.Notify(ctx, order.UserID,
				fmt.Sprintf("order %s expired with %d signature(s) unclaimed", order.ID, order.Remaining()))
		}
	}

	released, err := s.leases.SweepExpiredLeases(ctx)
	if err != nil {
		s.log.Error("lease sweep failed", "error", err)
		return
	}
	if released > 0 {
		s.log.Info("released expired reservation locks", "count", released)
	}
}
