package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/signcap/signcap/internal/clock"
	"github.com/signcap/signcap/internal/domain"
	"github.com/signcap/signcap/internal/notify"
	"github.com/signcap/signcap/internal/payment"
)

type PaymentRepository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	Create(ctx context.Context, p domain.Payment) error
	Get(ctx context.Context, id string) (domain.Payment, error)
	MarkPaid(ctx context.Context, id string, paidAt time.Time) error
	MarkExpired(ctx context.Context, id string) error
	ListPending(ctx context.Context) ([]domain.Payment, error)
}

// Provider is the external invoicing side of a payment.
type Provider interface {
	CreateCharge(ctx context.Context, amount float64, description string) (payment.Charge, error)
	IsPaid(ctx context.Context, chargeID string) (bool, error)
}

type BalanceStore interface {
	Ensure(ctx context.Context, id string) (domain.User, error)
	AddBalance(ctx context.Context, id string, delta float64) error
}

type CategorySource interface {
	GetCategory(ctx context.Context, id string) (domain.Category, error)
}

type capacityReserver interface {
	Reserve(ctx context.Context, categoryID, requester string, quantity *int) (domain.Allocation, error)
	ReserveMulti(ctx context.Context, categoryID, requester string, total int) ([]domain.Allocation, error)
	ReserveExclusive(ctx context.Context, categoryID, requester string) (domain.Allocation, error)
	Restore(ctx context.Context, accountID, categoryID string, count int) error
}

type orderWriter interface {
	CreateOrder(ctx context.Context, in CreateOrderInput) (domain.Order, error)
	CreatePreorder(ctx context.Context, in CreatePreorderInput) (domain.Order, error)
}

// BonusHook runs after a successful settlement, e.g. referral credit.
// The default does nothing.
type BonusHook func(ctx context.Context, userID string, amount float64)

const (
	defaultPollInterval = 5 * time.Second
	defaultMaxAttempts  = 360
	defaultMaxInFlight  = 30
)

// PaymentService creates external charges and reconciles them by polling
// the provider until they are paid or time out. Each pending charge gets
// one watch goroutine; a weighted semaphore caps how many polls run
// against the provider at once.
type PaymentService struct {
	repo     PaymentRepository
	provider Provider
	users    BalanceStore
	catalog  CategorySource
	engine   capacityReserver
	orders   orderWriter
	notifier notify.Notifier
	bonus    BonusHook
	clock    clock.Clock
	log      *slog.Logger

	pollInterval time.Duration
	maxAttempts  int
	inFlight     *semaphore.Weighted

	mu       sync.Mutex
	watching map[string]struct{}
	wg       sync.WaitGroup
}

type PaymentOption func(*PaymentService)

func WithPollInterval(d time.Duration) PaymentOption {
	return func(s *PaymentService) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

func WithMaxAttempts(n int) PaymentOption {
	return func(s *PaymentService) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

func WithMaxInFlight(n int64) PaymentOption {
	return func(s *PaymentService) {
		if n > 0 {
			s.inFlight = semaphore.NewWeighted(n)
		}
	}
}

func WithBonusHook(hook BonusHook) PaymentOption {
	return func(s *PaymentService) {
		if hook != nil {
			s.bonus = hook
		}
	}
}

func NewPaymentService(
	repo PaymentRepository,
	provider Provider,
	users BalanceStore,
	catalog CategorySource,
	engine capacityReserver,
	orders orderWriter,
	notifier notify.Notifier,
	clk clock.Clock,
	log *slog.Logger,
	opts ...PaymentOption,
) *PaymentService {
	svc := &PaymentService{
		repo:         repo,
		provider:     provider,
		users:        users,
		catalog:      catalog,
		engine:       engine,
		orders:       orders,
		notifier:     notifier,
		bonus:        func(context.Context, string, float64) {},
		clock:        clk,
		log:          log,
		pollInterval: defaultPollInterval,
		maxAttempts:  defaultMaxAttempts,
		inFlight:     semaphore.NewWeighted(defaultMaxInFlight),
		watching:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// BeginDeposit opens a charge that tops up the user's balance when paid.
func (s *PaymentService) BeginDeposit(ctx context.Context, userID string, amount float64) (domain.Payment, error) {
	if amount <= 0 {
		return domain.Payment{}, domain.ErrInvalidQuantity
	}
	if _, err := s.users.Ensure(ctx, userID); err != nil {
		return domain.Payment{}, err
	}
	return s.begin(ctx, userID, amount, domain.PaymentPurposeBalance, nil, "balance top-up")
}

// BeginPurchase prices the intent against the catalogue, opens a charge
// for it and starts watching. Settlement allocates capacity only after the
// provider confirms payment.
func (s *PaymentService) BeginPurchase(ctx context.Context, userID string, intent domain.PurchaseIntent) (domain.Payment, error) {
	if _, err := s.users.Ensure(ctx, userID); err != nil {
		return domain.Payment{}, err
	}
	category, err := s.catalog.GetCategory(ctx, intent.CategoryID)
	if err != nil {
		return domain.Payment{}, err
	}
	if !category.Active {
		return domain.Payment{}, domain.ErrCategoryNotFound
	}

	var amount float64
	if intent.Exclusive {
		if category.ExclusivePrice == nil {
			return domain.Payment{}, domain.ErrInvalidQuantity
		}
		if intent.PackQty <= 0 {
			intent.PackQty = 1
		}
		amount = *category.ExclusivePrice * float64(intent.PackQty)
	} else {
		if intent.Quantity <= 0 || intent.Quantity < category.MinQuantum {
			return domain.Payment{}, domain.ErrInvalidQuantity
		}
		amount = category.Price * float64(intent.Quantity)
	}

	return s.begin(ctx, userID, amount, domain.PaymentPurposeOrder, &intent,
		fmt.Sprintf("%s x%d", category.Name, max(intent.Quantity, intent.PackQty)))
}

func (s *PaymentService) begin(ctx context.Context, userID string, amount float64, purpose domain.PaymentPurpose, intent *domain.PurchaseIntent, description string) (domain.Payment, error) {
	charge, err := s.provider.CreateCharge(ctx, amount, description)
	if err != nil {
		return domain.Payment{}, fmt.Errorf("create charge: %w", err)
	}
	p := domain.Payment{
		ID:        uuid.NewString(),
		UserID:    userID,
		ChargeID:  charge.ID,
		Amount:    amount,
		PayURL:    charge.PayURL,
		Purpose:   purpose,
		Intent:    intent,
		Status:    domain.PaymentStatusPending,
		CreatedAt: s.clock.Now(),
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return domain.Payment{}, err
	}
	s.StartWatch(p)
	return p, nil
}

// StartWatch begins polling a pending payment. Watching the same payment
// twice is a no-op, so boot-time resume and request paths can both call it.
func (s *PaymentService) StartWatch(p domain.Payment) {
	s.mu.Lock()
	if _, ok := s.watching[p.ID]; ok {
		s.mu.Unlock()
		return
	}
	s.watching[p.ID] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.watching, p.ID)
			s.mu.Unlock()
		}()
		s.watch(context.Background(), p)
	}()
}

// ResumePending restarts watches for charges that were pending when the
// process last stopped.
func (s *PaymentService) ResumePending(ctx context.Context) error {
	pending, err := s.repo.ListPending(ctx)
	if err != nil {
		return err
	}
	for _, p := range pending {
		s.StartWatch(p)
	}
	s.log.Info("resumed pending payment watches", "count", len(pending))
	return nil
}

// Wait blocks until all watch goroutines have returned.
func (s *PaymentService) Wait() {
	s.wg.Wait()
}

func (s *PaymentService) watch(ctx context.Context, p domain.Payment) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		paid, err := s.pollOnce(ctx, p.ChargeID)
		if err != nil {
			s.log.Warn("payment poll failed", "payment_id", p.ID, "charge_id", p.ChargeID, "error", err)
			continue
		}
		if !paid {
			continue
		}

		if err := s.repo.MarkPaid(ctx, p.ID, s.clock.Now()); err != nil {
			// Another path already settled it.
			if !errors.Is(err, domain.ErrInvalidTransition) {
				s.log.Error("mark paid failed", "payment_id", p.ID, "error", err)
			}
			return
		}
		s.settle(ctx, p)
		return
	}

	if err := s.repo.MarkExpired(ctx, p.ID); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
		s.log.Error("mark expired failed", "payment_id", p.ID, "error", err)
		return
	}
	s.log.Info("payment watch timed out", "payment_id", p.ID, "charge_id", p.ChargeID)
	s.notifier.Notify(ctx, p.UserID, "payment window expired, charge cancelled")
}

func (s *PaymentService) pollOnce(ctx context.Context, chargeID string) (bool, error) {
	if err := s.inFlight.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer s.inFlight.Release(1)
	return s.provider.IsPaid(ctx, chargeID)
}

func (s *PaymentService) settle(ctx context.Context, p domain.Payment) {
	switch p.Purpose {
	case domain.PaymentPurposeBalance:
		if err := s.users.AddBalance(ctx, p.UserID, p.Amount); err != nil {
			s.log.Error("balance credit failed", "payment_id", p.ID, "user_id", p.UserID, "error", err)
			return
		}
		s.notifier.Notify(ctx, p.UserID, fmt.Sprintf("balance topped up by %.2f", p.Amount))
	case domain.PaymentPurposeOrder:
		s.settleOrder(ctx, p)
	default:
		s.log.Error("unknown payment purpose", "payment_id", p.ID, "purpose", p.Purpose)
		return
	}
	s.bonus(ctx, p.UserID, p.Amount)
}

// settleOrder turns a paid order-purpose charge into active orders. When
// capacity cannot be granted right now, or granting fails mid-way, the
// demand is parked as a preorder instead of being lost: the scheduler
// retries it and the buyer keeps their claim on the paid amount.
func (s *PaymentService) settleOrder(ctx context.Context, p domain.Payment) {
	if p.Intent == nil {
		s.log.Error("order payment without intent", "payment_id", p.ID)
		return
	}
	intent := *p.Intent

	if intent.Exclusive {
		s.settleExclusive(ctx, p, intent)
		return
	}

	allocs, err := s.engine.ReserveMulti(ctx, intent.CategoryID, p.UserID, intent.Quantity)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientCapacity) {
			s.log.Info("no capacity at settlement, queueing preorder", "payment_id", p.ID, "category_id", intent.CategoryID, "quantity", intent.Quantity)
		} else {
			s.log.Error("reservation failed at settlement, queueing preorder", "payment_id", p.ID, "error", err)
		}
		s.fallbackPreorder(ctx, p, intent, intent.Quantity, p.Amount, nil)
		return
	}

	var batchGroup *string
	if len(allocs) > 1 {
		bg := NewBatchGroupID()
		batchGroup = &bg
	}
	perUnit := p.Amount / float64(intent.Quantity)

	for _, alloc := range allocs {
		order, err := s.orders.CreateOrder(ctx, CreateOrderInput{
			UserID:       p.UserID,
			AccountID:    alloc.AccountID,
			CategoryID:   intent.CategoryID,
			AmountPaid:   perUnit * float64(alloc.Granted),
			Granted:      alloc.Granted,
			OperatorName: intent.OperatorName,
			BatchGroupID: batchGroup,
		})
		if err != nil {
			s.log.Error("order create failed after reservation, queueing preorder", "payment_id", p.ID, "account_id", alloc.AccountID, "error", err)
			if rerr := s.engine.Restore(ctx, alloc.AccountID, intent.CategoryID, alloc.Granted); rerr != nil {
				s.log.Error("capacity restore failed after settlement error", "payment_id", p.ID, "account_id", alloc.AccountID, "count", alloc.Granted, "error", rerr)
			}
			s.fallbackPreorder(ctx, p, intent, alloc.Granted, perUnit*float64(alloc.Granted), batchGroup)
			continue
		}
		s.notifier.Notify(ctx, p.UserID, fmt.Sprintf("order %s ready: %d signature(s)", order.ID, order.Granted))
	}
}

func (s *PaymentService) settleExclusive(ctx context.Context, p domain.Payment, intent domain.PurchaseIntent) {
	packs := intent.PackQty
	if packs <= 0 {
		packs = 1
	}
	var batchGroup *string
	if packs > 1 {
		bg := NewBatchGroupID()
		batchGroup = &bg
	}
	perPack := p.Amount / float64(packs)

	for i := 0; i < packs; i++ {
		alloc, err := s.engine.ReserveExclusive(ctx, intent.CategoryID, p.UserID)
		if err != nil {
			if errors.Is(err, domain.ErrInsufficientCapacity) {
				s.log.Info("no exclusive capacity at settlement, queueing preorder", "payment_id", p.ID, "category_id", intent.CategoryID)
			} else {
				s.log.Error("exclusive reservation failed at settlement, queueing preorder", "payment_id", p.ID, "error", err)
			}
			s.fallbackExclusivePreorder(ctx, p, intent, perPack, batchGroup)
			continue
		}
		order, err := s.orders.CreateOrder(ctx, CreateOrderInput{
			UserID:       p.UserID,
			AccountID:    alloc.AccountID,
			CategoryID:   intent.CategoryID,
			AmountPaid:   perPack,
			Granted:      alloc.Granted,
			OperatorName: intent.OperatorName,
			Exclusive:    true,
			BatchGroupID: batchGroup,
		})
		if err != nil {
			s.log.Error("exclusive order create failed, queueing preorder", "payment_id", p.ID, "error", err)
			if rerr := s.engine.Restore(ctx, alloc.AccountID, intent.CategoryID, alloc.Granted); rerr != nil {
				s.log.Error("capacity restore failed after settlement error", "payment_id", p.ID, "account_id", alloc.AccountID, "count", alloc.Granted, "error", rerr)
			}
			s.fallbackExclusivePreorder(ctx, p, intent, perPack, batchGroup)
			continue
		}
		s.notifier.Notify(ctx, p.UserID, fmt.Sprintf("exclusive order %s ready: %d signature(s)", order.ID, order.Granted))
	}
}

func (s *PaymentService) fallbackPreorder(ctx context.Context, p domain.Payment, intent domain.PurchaseIntent, qty int, amount float64, batchGroup *string) {
	_, err := s.orders.CreatePreorder(ctx, CreatePreorderInput{
		UserID:       p.UserID,
		CategoryID:   intent.CategoryID,
		AmountPaid:   amount,
		Quantity:     qty,
		OperatorName: intent.OperatorName,
		BatchGroupID: batchGroup,
	})
	if err != nil {
		s.log.Error("preorder fallback failed", "payment_id", p.ID, "error", err)
		return
	}
	s.notifier.Notify(ctx, p.UserID, "capacity is busy right now, your order is queued")
}

func (s *PaymentService) fallbackExclusivePreorder(ctx context.Context, p domain.Payment, intent domain.PurchaseIntent, amount float64, batchGroup *string) {
	_, err := s.orders.CreatePreorder(ctx, CreatePreorderInput{
		UserID:       p.UserID,
		CategoryID:   intent.CategoryID,
		AmountPaid:   amount,
		Quantity:     1,
		OperatorName: intent.OperatorName,
		Exclusive:    true,
		BatchGroupID: batchGroup,
	})
	if err != nil {
		s.log.Error("exclusive preorder fallback failed", "payment_id", p.ID, "error", err)
		return
	}
	s.notifier.Notify(ctx, p.UserID, "exclusive capacity is busy right now, your order is queued")
}

func (s *PaymentService) Get(ctx context.Context, id string) (domain.Payment, error) {
	return s.repo.Get(ctx, id)
}
