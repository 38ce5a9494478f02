package app

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/signcap/signcap/internal/clock"
	"github.com/signcap/signcap/internal/domain"
	"github.com/signcap/signcap/internal/otp"
)

type OrderRepository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	Create(ctx context.Context, o domain.Order) error
	Get(ctx context.Context, id string) (domain.Order, error)
	GetForUpdate(ctx context.Context, id string) (domain.Order, error)
	ListByUser(ctx context.Context, userID string) ([]domain.Order, error)
	ListBatchGroup(ctx context.Context, batchGroupID string) ([]domain.Order, error)
	ListPreorders(ctx context.Context) ([]domain.Order, error)
	UpdateStatus(ctx context.Context, id string, status domain.OrderStatus, completedAt *time.Time) error
	Fulfill(ctx context.Context, id, accountID string, deadline time.Time) error
	MarkSplit(ctx context.Context, id string) error
	SetPendingClaim(ctx context.Context, id string, qty int) error
	IncrementRefreshes(ctx context.Context, id string) error
	ResetRefreshes(ctx context.Context, id string) error
	ApplyClaim(ctx context.Context, id string, qty int) error
	IncrementSent(ctx context.Context, id string) error
	SetCodeLimitOverride(ctx context.Context, id string, limit *int) error
	SetGranted(ctx context.Context, id string, granted int) error
	ExpireDue(ctx context.Context, now time.Time) ([]domain.Order, error)
}

// UserLimitSource supplies the per-user code-limit override tier.
type UserLimitSource interface {
	GetCodeLimitOverride(ctx context.Context, userID string) (*int, error)
}

// SettingsSource supplies the global code-limit default tier.
type SettingsSource interface {
	CodeLimit(ctx context.Context) (int, error)
}

// AccountSource resolves the credential bundle behind an order's account,
// needed to derive one-time codes.
type AccountSource interface {
	GetAccount(ctx context.Context, id string) (domain.Account, error)
}

// AccountReleaser clears the capacity leases an account holds once an order
// bound to it leaves play.
type AccountReleaser interface {
	Release(ctx context.Context, accountID string) error
}

// OrderService owns the order state machine and the claim sub-workflow.
// Claim transitions run inside locked transactions on the order row, the
// same short-transaction style the allocation engine uses.
type OrderService struct {
	repo     OrderRepository
	users    UserLimitSource
	settings SettingsSource
	accounts AccountSource
	releaser AccountReleaser
	code     otp.CodeFunc
	clock    clock.Clock
	lease    time.Duration
}

func NewOrderService(repo OrderRepository, users UserLimitSource, settings SettingsSource, accounts AccountSource, code otp.CodeFunc, clk clock.Clock, opts ...OrderOption) *OrderService {
	svc := &OrderService{
		repo:     repo,
		users:    users,
		settings: settings,
		accounts: accounts,
		code:     code,
		clock:    clk,
		lease:    LeaseWindow,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

type OrderOption func(*OrderService)

// WithOrderLeaseWindow overrides the deadline window stamped on new orders.
func WithOrderLeaseWindow(d time.Duration) OrderOption {
	return func(s *OrderService) {
		if d > 0 {
			s.lease = d
		}
	}
}

// WithAccountReleaser installs the hook that frees an account's capacity
// leases when one of its orders reaches completed or rejected.
func WithAccountReleaser(r AccountReleaser) OrderOption {
	return func(s *OrderService) {
		s.releaser = r
	}
}

// NewBatchGroupID returns the short shared identifier linking sibling
// orders split from one purchase.
func NewBatchGroupID() string {
	return strings.SplitN(uuid.NewString(), "-", 2)[0]
}

type CreateOrderInput struct {
	UserID       string
	AccountID    string
	CategoryID   string
	AmountPaid   float64
	Granted      int
	OperatorName *string
	Exclusive    bool
	BatchGroupID *string
}

// CreateOrder records an active order for capacity that has already been
// granted by the allocation engine. The order deadline mirrors the capacity
// lease window.
func (s *OrderService) CreateOrder(ctx context.Context, in CreateOrderInput) (domain.Order, error) {
	if in.Granted <= 0 {
		return domain.Order{}, domain.ErrInvalidQuantity
	}
	now := s.clock.Now()
	deadline := now.Add(s.lease)
	order := domain.Order{
		ID:            uuid.NewString(),
		UserID:        in.UserID,
		AccountID:     &in.AccountID,
		CategoryID:    in.CategoryID,
		Status:        domain.OrderStatusActive,
		Granted:       in.Granted,
		AmountPaid:    in.AmountPaid,
		LeaseDeadline: &deadline,
		BatchGroupID:  in.BatchGroupID,
		Exclusive:     in.Exclusive,
		OperatorName:  in.OperatorName,
		CreatedAt:     now,
	}
	if err := s.repo.Create(ctx, order); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

type CreatePreorderInput struct {
	UserID       string
	CategoryID   string
	AmountPaid   float64
	Quantity     int
	OperatorName *string
	Exclusive    bool
	BatchGroupID *string
}

// CreatePreorder queues unmet demand: no account, no deadline.
func (s *OrderService) CreatePreorder(ctx context.Context, in CreatePreorderInput) (domain.Order, error) {
	if in.Quantity <= 0 {
		return domain.Order{}, domain.ErrInvalidQuantity
	}
	order := domain.Order{
		ID:           uuid.NewString(),
		UserID:       in.UserID,
		CategoryID:   in.CategoryID,
		Status:       domain.OrderStatusPreorder,
		Granted:      in.Quantity,
		AmountPaid:   in.AmountPaid,
		BatchGroupID: in.BatchGroupID,
		Exclusive:    in.Exclusive,
		OperatorName: in.OperatorName,
		CreatedAt:    s.clock.Now(),
	}
	if err := s.repo.Create(ctx, order); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

func (s *OrderService) Get(ctx context.Context, id string) (domain.Order, error) {
	return s.repo.Get(ctx, id)
}

func (s *OrderService) ListByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	return s.repo.ListByUser(ctx, userID)
}

func (s *OrderService) ListBatchGroup(ctx context.Context, batchGroupID string) ([]domain.Order, error) {
	return s.repo.ListBatchGroup(ctx, batchGroupID)
}

func (s *OrderService) ListPreorders(ctx context.Context) ([]domain.Order, error) {
	return s.repo.ListPreorders(ctx)
}

// UpdateStatus applies a staff or automation status change, rejecting moves
// the state machine does not allow. Reaching completed or rejected on an
// account-bound order also frees the account's capacity leases.
func (s *OrderService) UpdateStatus(ctx context.Context, id string, to domain.OrderStatus) error {
	return s.repo.WithTx(ctx, func(txCtx context.Context) error {
		order, err := s.repo.GetForUpdate(txCtx, id)
		if err != nil {
			return err
		}
		if !domain.CanTransition(order.Status, to) {
			return domain.ErrInvalidTransition
		}
		var completedAt *time.Time
		terminal := to == domain.OrderStatusCompleted || to == domain.OrderStatusRejected
		if terminal {
			now := s.clock.Now()
			completedAt = &now
		}
		if err := s.repo.UpdateStatus(txCtx, id, to, completedAt); err != nil {
			return err
		}
		if terminal && order.AccountID != nil && s.releaser != nil {
			return s.releaser.Release(txCtx, *order.AccountID)
		}
		return nil
	})
}

// FulfillPreorder binds a queued preorder to one allocated account.
func (s *OrderService) FulfillPreorder(ctx context.Context, id, accountID string) error {
	return s.repo.Fulfill(ctx, id, accountID, s.clock.Now().Add(s.lease))
}

// FulfillPreorderExclusive binds an exclusive preorder to a freshly drained
// account. The grant is rewritten to the full quota the reservation won,
// since exclusive preorders are queued before their size is known.
func (s *OrderService) FulfillPreorderExclusive(ctx context.Context, id, accountID string, granted int) error {
	return s.repo.WithTx(ctx, func(txCtx context.Context) error {
		if err := s.repo.SetGranted(txCtx, id, granted); err != nil {
			return err
		}
		return s.repo.Fulfill(txCtx, id, accountID, s.clock.Now().Add(s.lease))
	})
}

// FulfillPreorderMulti replaces a preorder with one active sibling order per
// allocation, splitting the paid amount proportionally by granted quantity,
// then retires the original row. All inserts and the retirement commit
// together.
func (s *OrderService) FulfillPreorderMulti(ctx context.Context, preorder domain.Order, allocs []domain.Allocation) ([]domain.Order, error) {
	if len(allocs) == 0 {
		return nil, domain.ErrInvalidQuantity
	}

	perUnit := preorder.AmountPaid
	if preorder.Granted > 0 {
		perUnit = preorder.AmountPaid / float64(preorder.Granted)
	}
	batchGroup := preorder.BatchGroupID
	if len(allocs) > 1 {
		bg := NewBatchGroupID()
		batchGroup = &bg
	}

	now := s.clock.Now()
	deadline := now.Add(s.lease)
	var created []domain.Order

	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		for _, alloc := range allocs {
			accountID := alloc.AccountID
			order := domain.Order{
				ID:            uuid.NewString(),
				UserID:        preorder.UserID,
				AccountID:     &accountID,
				CategoryID:    preorder.CategoryID,
				Status:        domain.OrderStatusActive,
				Granted:       alloc.Granted,
				AmountPaid:    perUnit * float64(alloc.Granted),
				LeaseDeadline: &deadline,
				BatchGroupID:  batchGroup,
				OperatorName:  preorder.OperatorName,
				CreatedAt:     now,
			}
			if err := s.repo.Create(txCtx, order); err != nil {
				return err
			}
			created = append(created, order)
		}
		return s.repo.MarkSplit(txCtx, preorder.ID)
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// CancelPreorder rejects a queued preorder and returns it so the caller can
// compensate the buyer.
func (s *OrderService) CancelPreorder(ctx context.Context, id string) (domain.Order, error) {
	var cancelled domain.Order
	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		order, err := s.repo.GetForUpdate(txCtx, id)
		if err != nil {
			return err
		}
		if order.Status != domain.OrderStatusPreorder {
			return domain.ErrInvalidTransition
		}
		now := s.clock.Now()
		if err := s.repo.UpdateStatus(txCtx, id, domain.OrderStatusRejected, &now); err != nil {
			return err
		}
		cancelled = order
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return cancelled, nil
}

// StartClaim opens a claim for qty of the order's unclaimed signatures.
func (s *OrderService) StartClaim(ctx context.Context, id string, qty int) error {
	return s.repo.WithTx(ctx, func(txCtx context.Context) error {
		order, err := s.repo.GetForUpdate(txCtx, id)
		if err != nil {
			return err
		}
		if order.Status != domain.OrderStatusActive {
			return domain.ErrInvalidTransition
		}
		if order.LeaseDeadline != nil && !order.LeaseDeadline.After(s.clock.Now()) {
			return domain.ErrLeaseExpired
		}
		if qty <= 0 || qty > order.Remaining() {
			return domain.ErrInvalidQuantity
		}
		return s.repo.SetPendingClaim(txCtx, id, qty)
	})
}

// IssueCode generates a one-time code for the order's pending claim,
// consuming one unit of the quantity-scaled refresh budget. It returns the
// code plus the refreshes used so far (including this one) against the
// effective limit.
func (s *OrderService) IssueCode(ctx context.Context, id string) (code string, used, limit int, err error) {
	err = s.repo.WithTx(ctx, func(txCtx context.Context) error {
		order, err := s.repo.GetForUpdate(txCtx, id)
		if err != nil {
			return err
		}
		if order.Status != domain.OrderStatusActive {
			return domain.ErrInvalidTransition
		}
		now := s.clock.Now()
		if order.LeaseDeadline != nil && !order.LeaseDeadline.After(now) {
			return domain.ErrLeaseExpired
		}
		if order.PendingClaimQty <= 0 {
			return domain.ErrNoPendingClaim
		}

		limit, err = s.effectiveCodeLimit(txCtx, order)
		if err != nil {
			return err
		}
		if order.CodeRefreshes >= limit {
			used = order.CodeRefreshes
			return domain.ErrCodeBudgetExhausted
		}
		if order.AccountID == nil {
			return domain.ErrAccountNotFound
		}
		account, err := s.accounts.GetAccount(txCtx, *order.AccountID)
		if err != nil {
			return err
		}
		if err := s.repo.IncrementRefreshes(txCtx, id); err != nil {
			return err
		}

		code = s.code(account.OTPSecret, now)
		used = order.CodeRefreshes + 1
		return nil
	})
	if err != nil {
		return "", used, limit, err
	}
	return code, used, limit, nil
}

// ClaimSignature confirms qty signatures against the open claim. Requires
// that at least one code was issued for the pending request; the increment
// is bounded by the grant and clears the pending quantity atomically.
func (s *OrderService) ClaimSignature(ctx context.Context, id string, qty int) error {
	return s.repo.WithTx(ctx, func(txCtx context.Context) error {
		order, err := s.repo.GetForUpdate(txCtx, id)
		if err != nil {
			return err
		}
		if order.Status != domain.OrderStatusActive {
			return domain.ErrInvalidTransition
		}
		if order.PendingClaimQty <= 0 {
			return domain.ErrNoPendingClaim
		}
		if order.CodeRefreshes <= 0 {
			return domain.ErrNoCodeIssued
		}
		if qty <= 0 || qty > order.Remaining() {
			return domain.ErrInvalidQuantity
		}
		return s.repo.ApplyClaim(txCtx, id, qty)
	})
}

// ReduceGranted shrinks an order to newTotal and reports how many units
// were removed; the caller compensates the pool and the buyer.
func (s *OrderService) ReduceGranted(ctx context.Context, id string, newTotal int) (removed int, err error) {
	err = s.repo.WithTx(ctx, func(txCtx context.Context) error {
		order, err := s.repo.GetForUpdate(txCtx, id)
		if err != nil {
			return err
		}
		if newTotal < order.Claimed || newTotal >= order.Granted || newTotal < 0 {
			return domain.ErrInvalidQuantity
		}
		if err := s.repo.SetGranted(txCtx, id, newTotal); err != nil {
			return err
		}
		removed = order.Granted - newTotal
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// ExpireDue bulk-expires every overdue active or in-review order and
// returns them for notification. Capacity usage is intentionally not
// restored here; the lease sweep reclaims only the reservation locks.
func (s *OrderService) ExpireDue(ctx context.Context) ([]domain.Order, error) {
	return s.repo.ExpireDue(ctx, s.clock.Now())
}

func (s *OrderService) SetCodeLimitOverride(ctx context.Context, id string, limit *int) error {
	if limit != nil && *limit < 0 {
		return domain.ErrInvalidQuantity
	}
	return s.repo.SetCodeLimitOverride(ctx, id, limit)
}

func (s *OrderService) ResetRefreshes(ctx context.Context, id string) error {
	return s.repo.ResetRefreshes(ctx, id)
}

// IncrementSent records a staff-asserted delivery. Deliberately unbounded
// by the claimed count.
func (s *OrderService) IncrementSent(ctx context.Context, id string) error {
	return s.repo.IncrementSent(ctx, id)
}

func (s *OrderService) effectiveCodeLimit(ctx context.Context, order domain.Order) (int, error) {
	userOverride, err := s.users.GetCodeLimitOverride(ctx, order.UserID)
	if err != nil {
		return 0, err
	}
	global, err := s.settings.CodeLimit(ctx)
	if err != nil {
		return 0, err
	}
	return ResolveCodeLimit(order.CodeLimitOverride, userOverride, global, order.PendingClaimQty, order.Granted), nil
}
