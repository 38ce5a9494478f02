package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/signcap/signcap/internal/clock"
	"github.com/signcap/signcap/internal/domain"
)

// LeaseWindow is how long an allocation pins an account to its buyer. The
// order deadline and the capacity-record lease are both set to this window
// at allocation time.
const LeaseWindow = 72 * time.Hour

// CapacityRepository is the storage surface of the allocation engine. Every
// mutation happens inside WithTx with the candidate rows locked.
type CapacityRepository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	LockEligible(ctx context.Context, categoryID, requester string, minRemaining int, now time.Time) ([]domain.CapacityCandidate, error)
	LockEligibleExclusive(ctx context.Context, categoryID string, now time.Time) ([]domain.CapacityCandidate, error)
	LockEligibleIssue(ctx context.Context, categoryID string, now time.Time) ([]domain.CapacityCandidate, error)
	UpdateUsage(ctx context.Context, accountID, categoryID string, used int, holder *string, deadline *time.Time) error
	IncrementUsage(ctx context.Context, accountID, categoryID string) error
	ReleaseAccount(ctx context.Context, accountID string) error
	RestoreUsage(ctx context.Context, accountID, categoryID string, count int) error
	SweepExpiredLeases(ctx context.Context, now time.Time) (int64, error)
	AvailableCount(ctx context.Context, categoryID string, now time.Time) (int, error)
}

// AllocationService is the single authority for mutating capacity records.
// All policies run as short pessimistically-locked transactions: lock the
// candidate set, mutate in rank order, abort everything on shortfall.
type AllocationService struct {
	repo  CapacityRepository
	clock clock.Clock
	lease time.Duration
}

func NewAllocationService(repo CapacityRepository, clk clock.Clock, opts ...AllocationOption) *AllocationService {
	svc := &AllocationService{
		repo:  repo,
		clock: clk,
		lease: LeaseWindow,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

type AllocationOption func(*AllocationService)

// WithLeaseWindow overrides the lease duration set on fully-consumed
// records.
func WithLeaseWindow(d time.Duration) AllocationOption {
	return func(s *AllocationService) {
		if d > 0 {
			s.lease = d
		}
	}
}

// rankShared orders candidates for the shared, non-exclusive policy:
// records already held by the requester first, then account priority
// descending, then remaining capacity ascending (tightest fit first, to
// concentrate fragmentation), then account age (oldest first).
func rankShared(cands []domain.CapacityCandidate, requester string) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if ha, hb := a.HeldBy(requester), b.HeldBy(requester); ha != hb {
			return ha
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if ra, rb := a.Remaining(), b.Remaining(); ra != rb {
			return ra < rb
		}
		return a.AccountCreatedAt.Before(b.AccountCreatedAt)
	})
}

// rankExclusive orders untouched candidates: priority descending, oldest
// account first.
func rankExclusive(cands []domain.CapacityCandidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.AccountCreatedAt.Before(b.AccountCreatedAt)
	})
}

// rankIssue orders candidates for the single-issue policy: priority
// descending, then usage already accrued in other categories descending
// (prefer accounts already in play), then oldest first.
func rankIssue(cands []domain.CapacityCandidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.OtherUsed != b.OtherUsed {
			return a.OtherUsed > b.OtherUsed
		}
		return a.AccountCreatedAt.Before(b.AccountCreatedAt)
	})
}

// Reserve consumes quota from the best-ranked record of the category. A nil
// quantity means "take the whole remaining quota of that record"; an
// explicit quantity larger than the best record's remaining capacity fails
// rather than silently truncating. When the record ends up fully consumed, a
// lease pins it to the requester; otherwise any stale lease on it is
// cleared.
func (s *AllocationService) Reserve(ctx context.Context, categoryID, requester string, quantity *int) (domain.Allocation, error) {
	if quantity != nil && *quantity <= 0 {
		return domain.Allocation{}, domain.ErrInvalidQuantity
	}
	minRemaining := 1
	if quantity != nil {
		minRemaining = *quantity
	}

	now := s.clock.Now()
	var alloc domain.Allocation

	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		cands, err := s.repo.LockEligible(txCtx, categoryID, requester, minRemaining, now)
		if err != nil {
			return err
		}
		if len(cands) == 0 {
			return domain.ErrInsufficientCapacity
		}
		rankShared(cands, requester)
		top := cands[0]

		granted := top.Remaining()
		if quantity != nil {
			if *quantity > top.Remaining() {
				return domain.ErrInsufficientCapacity
			}
			granted = *quantity
		}
		newUsed := top.Used + granted

		if err := s.applyUsage(txCtx, top, newUsed, requester, now); err != nil {
			return err
		}

		alloc = allocationFrom(top, granted)
		return nil
	})
	if err != nil {
		return domain.Allocation{}, err
	}
	return alloc, nil
}

// ReserveMulti satisfies total from one record when possible, otherwise
// splits it greedily across records in rank order inside a single
// transaction. The whole operation is all-or-nothing: a shortfall aborts
// with no record mutated.
func (s *AllocationService) ReserveMulti(ctx context.Context, categoryID, requester string, total int) ([]domain.Allocation, error) {
	if total <= 0 {
		return nil, domain.ErrInvalidQuantity
	}

	single, err := s.Reserve(ctx, categoryID, requester, &total)
	if err == nil {
		return []domain.Allocation{single}, nil
	}
	if !errors.Is(err, domain.ErrInsufficientCapacity) {
		return nil, err
	}

	now := s.clock.Now()
	var allocs []domain.Allocation

	err = s.repo.WithTx(ctx, func(txCtx context.Context) error {
		cands, err := s.repo.LockEligible(txCtx, categoryID, requester, 1, now)
		if err != nil {
			return err
		}
		rankShared(cands, requester)

		left := total
		for _, cand := range cands {
			if left <= 0 {
				break
			}
			take := cand.Remaining()
			if take > left {
				take = left
			}
			newUsed := cand.Used + take
			if err := s.applyUsage(txCtx, cand, newUsed, requester, now); err != nil {
				return err
			}
			allocs = append(allocs, allocationFrom(cand, take))
			left -= take
		}
		if left > 0 {
			// Rolls back every UpdateUsage above.
			return domain.ErrInsufficientCapacity
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return allocs, nil
}

// ReserveExclusive grants an entire untouched record to the requester,
// consuming its full quota up front regardless of how much will eventually
// be claimed.
func (s *AllocationService) ReserveExclusive(ctx context.Context, categoryID, requester string) (domain.Allocation, error) {
	now := s.clock.Now()
	var alloc domain.Allocation

	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		cands, err := s.repo.LockEligibleExclusive(txCtx, categoryID, now)
		if err != nil {
			return err
		}
		if len(cands) == 0 {
			return domain.ErrInsufficientCapacity
		}
		rankExclusive(cands)
		top := cands[0]

		holder := requester
		deadline := now.Add(s.lease)
		if err := s.repo.UpdateUsage(txCtx, top.AccountID, top.CategoryID, top.EffectiveMax, &holder, &deadline); err != nil {
			return err
		}

		alloc = allocationFrom(top, top.EffectiveMax)
		return nil
	})
	if err != nil {
		return domain.Allocation{}, err
	}
	return alloc, nil
}

// IssueSingle is the lightweight policy with no requester or lease
// semantics: it consumes exactly one unit from the preferred record.
func (s *AllocationService) IssueSingle(ctx context.Context, categoryID string) (domain.Allocation, error) {
	now := s.clock.Now()
	var alloc domain.Allocation

	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		cands, err := s.repo.LockEligibleIssue(txCtx, categoryID, now)
		if err != nil {
			return err
		}
		if len(cands) == 0 {
			return domain.ErrInsufficientCapacity
		}
		rankIssue(cands)
		top := cands[0]

		if err := s.repo.IncrementUsage(txCtx, top.AccountID, top.CategoryID); err != nil {
			return err
		}
		alloc = allocationFrom(top, 1)
		return nil
	})
	if err != nil {
		return domain.Allocation{}, err
	}
	return alloc, nil
}

// Release clears the lease on all of the account's records; used when an
// order completes or is cancelled.
func (s *AllocationService) Release(ctx context.Context, accountID string) error {
	if accountID == "" {
		return nil
	}
	if err := s.repo.ReleaseAccount(ctx, accountID); err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}
	return nil
}

// Restore hands count units of the category back to the pool, compensating
// a cancelled or shrunk order.
func (s *AllocationService) Restore(ctx context.Context, accountID, categoryID string, count int) error {
	if accountID == "" || count <= 0 {
		return nil
	}
	if err := s.repo.RestoreUsage(ctx, accountID, categoryID, count); err != nil {
		return fmt.Errorf("restore capacity: %w", err)
	}
	return nil
}

// SweepExpiredLeases reclaims every lease past its deadline, independent of
// any order state.
func (s *AllocationService) SweepExpiredLeases(ctx context.Context) (int64, error) {
	return s.repo.SweepExpiredLeases(ctx, s.clock.Now())
}

// AvailableCount reports the remaining quota buyers of the category can see.
func (s *AllocationService) AvailableCount(ctx context.Context, categoryID string) (int, error) {
	return s.repo.AvailableCount(ctx, categoryID, s.clock.Now())
}

// applyUsage writes the new usage count, setting the lease when the record
// is now fully consumed and clearing any stale one otherwise.
func (s *AllocationService) applyUsage(ctx context.Context, cand domain.CapacityCandidate, newUsed int, requester string, now time.Time) error {
	var holder *string
	var deadline *time.Time
	if newUsed >= cand.EffectiveMax {
		holder = &requester
		d := now.Add(s.lease)
		deadline = &d
	}
	return s.repo.UpdateUsage(ctx, cand.AccountID, cand.CategoryID, newUsed, holder, deadline)
}

func allocationFrom(cand domain.CapacityCandidate, granted int) domain.Allocation {
	return domain.Allocation{
		AccountID: cand.AccountID,
		Phone:     cand.Phone,
		Password:  cand.Password,
		OTPSecret: cand.OTPSecret,
		Granted:   granted,
	}
}
