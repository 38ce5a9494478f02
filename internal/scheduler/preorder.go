// Package scheduler runs the periodic background work: preorder
// fulfillment and the expiry sweep.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/signcap/signcap/internal/domain"
	"github.com/signcap/signcap/internal/notify"
)

// Guard serializes scheduler ticks. A tick that cannot acquire the guard
// is skipped, never queued, so a slow tick cannot pile up behind itself.
// The process-local implementation suits a single instance; a distributed
// lock satisfies the same contract for several.
type Guard interface {
	TryAcquire() bool
	Release()
}

// ProcessGuard is the single-instance Guard.
type ProcessGuard struct {
	mu sync.Mutex
}

func NewProcessGuard() *ProcessGuard { return &ProcessGuard{} }

func (g *ProcessGuard) TryAcquire() bool { return g.mu.TryLock() }
func (g *ProcessGuard) Release()         { g.mu.Unlock() }

type Engine interface {
	ReserveMulti(ctx context.Context, categoryID, requester string, total int) ([]domain.Allocation, error)
	ReserveExclusive(ctx context.Context, categoryID, requester string) (domain.Allocation, error)
	Restore(ctx context.Context, accountID, categoryID string, count int) error
}

type Orders interface {
	ListPreorders(ctx context.Context) ([]domain.Order, error)
	FulfillPreorder(ctx context.Context, id, accountID string) error
	FulfillPreorderExclusive(ctx context.Context, id, accountID string, granted int) error
	FulfillPreorderMulti(ctx context.Context, preorder domain.Order, allocs []domain.Allocation) ([]domain.Order, error)
}

const DefaultFulfillInterval = 60 * time.Second

// PreorderScheduler drains the preorder queue oldest first, granting
// capacity as it frees up.
type PreorderScheduler struct {
	engine   Engine
	orders   Orders
	guard    Guard
	notifier notify.Notifier
	log      *slog.Logger
	interval time.Duration
}

func NewPreorderScheduler(engine Engine, orders Orders, guard Guard, notifier notify.Notifier, log *slog.Logger, interval time.Duration) *PreorderScheduler {
	if interval <= 0 {
		interval = DefaultFulfillInterval
	}
	return &PreorderScheduler{
		engine:   engine,
		orders:   orders,
		guard:    guard,
		notifier: notifier,
		log:      log,
		interval: interval,
	}
}

// Start ticks until the context is cancelled.
func (s *PreorderScheduler) Start(ctx context.Context) {
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

// RunTick makes one fulfillment pass. Overlapping ticks collapse: if a
// previous pass still holds the guard this one returns immediately.
func (s *PreorderScheduler) RunTick(ctx context.Context) {
	if !s.guard.TryAcquire() {
		s.log.Debug("fulfillment pass already running, skipping tick")
		return
	}
	defer s.guard.Release()

	preorders, err := s.orders.ListPreorders(ctx)
	if err != nil {
		s.log.Error("list preorders failed", "error", err)
		return
	}

	for _, preorder := range preorders {
		if err := s.fulfillOne(ctx, preorder); err != nil {
			if errors.Is(err, domain.ErrInsufficientCapacity) {
				// Still not enough room; the preorder stays queued.
				continue
			}
			s.log.Error("preorder fulfillment failed, skipping", "order_id", preorder.ID, "error", err)
		}
	}
}

func (s *PreorderScheduler) fulfillOne(ctx context.Context, preorder domain.Order) error {
	if preorder.Exclusive {
		return s.fulfillExclusive(ctx, preorder)
	}

	allocs, err := s.engine.ReserveMulti(ctx, preorder.CategoryID, preorder.UserID, preorder.Granted)
	if err != nil {
		return err
	}

	if len(allocs) == 1 {
		err = s.orders.FulfillPreorder(ctx, preorder.ID, allocs[0].AccountID)
	} else {
		_, err = s.orders.FulfillPreorderMulti(ctx, preorder, allocs)
	}
	if err != nil {
		s.compensate(ctx, preorder, allocs)
		return err
	}

	s.notifier.Notify(ctx, preorder.UserID,
		fmt.Sprintf("your queued order for %d signature(s) is now ready", preorder.Granted))
	return nil
}

func (s *PreorderScheduler) fulfillExclusive(ctx context.Context, preorder domain.Order) error {
	alloc, err := s.engine.ReserveExclusive(ctx, preorder.CategoryID, preorder.UserID)
	if err != nil {
		return err
	}
	if err := s.orders.FulfillPreorderExclusive(ctx, preorder.ID, alloc.AccountID, alloc.Granted); err != nil {
		s.compensate(ctx, preorder, []domain.Allocation{alloc})
		return err
	}
	s.notifier.Notify(ctx, preorder.UserID, "your queued exclusive order is now ready")
	return nil
}

// compensate hands reserved capacity back when the order side of a
// fulfillment failed, so the pass does not leak usage.
func (s *PreorderScheduler) compensate(ctx context.Context, preorder domain.Order, allocs []domain.Allocation) {
	for _, alloc := range allocs {
		if err := s.engine.Restore(ctx, alloc.AccountID, preorder.CategoryID, alloc.Granted); err != nil {
			s.log.Error("capacity restore failed", "order_id", preorder.ID, "account_id", alloc.AccountID, "error", err)
		}
	}
}
