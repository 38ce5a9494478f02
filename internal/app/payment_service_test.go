package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signcap/signcap/internal/clock"
	"github.com/signcap/signcap/internal/domain"
	"github.com/signcap/signcap/internal/payment"
)

type fakeProvider struct {
	mu        sync.Mutex
	charges   int
	polls     int
	paidAfter int // IsPaid turns true on this poll; 0 = never
}

func (f *fakeProvider) CreateCharge(_ context.Context, amount float64, _ string) (payment.Charge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.charges++
	id := fmt.Sprintf("ch-%d", f.charges)
	return payment.Charge{ID: id, PayURL: "https://pay.example/" + id}, nil
}

func (f *fakeProvider) IsPaid(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	return f.paidAfter > 0 && f.polls >= f.paidAfter, nil
}

func (f *fakeProvider) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

type fakePaymentRepo struct {
	mu       sync.Mutex
	payments map[string]*domain.Payment
}

func newFakePaymentRepo() *fakePaymentRepo {
	return &fakePaymentRepo{payments: make(map[string]*domain.Payment)}
}

func (f *fakePaymentRepo) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (f *fakePaymentRepo) Create(_ context.Context, p domain.Payment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.payments {
		if existing.ChargeID == p.ChargeID {
			return domain.ErrChargeAlreadyExists
		}
	}
	f.payments[p.ID] = &p
	return nil
}

func (f *fakePaymentRepo) Get(_ context.Context, id string) (domain.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[id]
	if !ok {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	return *p, nil
}

func (f *fakePaymentRepo) MarkPaid(_ context.Context, id string, paidAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[id]
	if !ok || p.Status != domain.PaymentStatusPending {
		return domain.ErrInvalidTransition
	}
	p.Status = domain.PaymentStatusPaid
	p.PaidAt = &paidAt
	return nil
}

func (f *fakePaymentRepo) MarkExpired(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[id]
	if !ok || p.Status != domain.PaymentStatusPending {
		return domain.ErrInvalidTransition
	}
	p.Status = domain.PaymentStatusExpired
	return nil
}

func (f *fakePaymentRepo) ListPending(_ context.Context) ([]domain.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Payment
	for _, p := range f.payments {
		if p.Status == domain.PaymentStatusPending {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakePaymentRepo) status(id string) domain.PaymentStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payments[id].Status
}

type fakeBalances struct {
	mu       sync.Mutex
	balances map[string]float64
}

func newFakeBalances() *fakeBalances {
	return &fakeBalances{balances: make(map[string]float64)}
}

func (f *fakeBalances) Ensure(_ context.Context, id string) (domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.balances[id]; !ok {
		f.balances[id] = 0
	}
	return domain.User{ID: id, Balance: f.balances[id]}, nil
}

func (f *fakeBalances) AddBalance(_ context.Context, id string, delta float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[id] += delta
	return nil
}

func (f *fakeBalances) balance(id string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[id]
}

type fakeCatalog struct {
	categories map[string]domain.Category
}

func (f fakeCatalog) GetCategory(_ context.Context, id string) (domain.Category, error) {
	c, ok := f.categories[id]
	if !ok {
		return domain.Category{}, domain.ErrCategoryNotFound
	}
	return c, nil
}

type restoreCall struct {
	accountID  string
	categoryID string
	count      int
}

type fakeReserver struct {
	mu         sync.Mutex
	allocs     []domain.Allocation
	err        error
	exclusives int
	restores   []restoreCall
}

func (f *fakeReserver) Reserve(context.Context, string, string, *int) (domain.Allocation, error) {
	return domain.Allocation{}, errors.New("unused")
}

func (f *fakeReserver) ReserveMulti(context.Context, string, string, int) ([]domain.Allocation, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.allocs, nil
}

func (f *fakeReserver) ReserveExclusive(context.Context, string, string) (domain.Allocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.Allocation{}, f.err
	}
	f.exclusives++
	return domain.Allocation{AccountID: fmt.Sprintf("acc-excl-%d", f.exclusives), Granted: 5}, nil
}

func (f *fakeReserver) Restore(_ context.Context, accountID, categoryID string, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restores = append(f.restores, restoreCall{accountID: accountID, categoryID: categoryID, count: count})
	return nil
}

type fakeOrderWriter struct {
	mu        sync.Mutex
	orders    []CreateOrderInput
	preorders []CreatePreorderInput
	failNext  int
}

func (f *fakeOrderWriter) CreateOrder(_ context.Context, in CreateOrderInput) (domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return domain.Order{}, errors.New("insert failed")
	}
	f.orders = append(f.orders, in)
	return domain.Order{ID: fmt.Sprintf("ord-%d", len(f.orders)), Granted: in.Granted}, nil
}

func (f *fakeOrderWriter) CreatePreorder(_ context.Context, in CreatePreorderInput) (domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.preorders = append(f.preorders, in)
	return domain.Order{ID: fmt.Sprintf("pre-%d", len(f.preorders))}, nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeNotifier) Notify(_ context.Context, _, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
}

type paymentFixture struct {
	svc      *PaymentService
	repo     *fakePaymentRepo
	provider *fakeProvider
	balances *fakeBalances
	reserver *fakeReserver
	orders   *fakeOrderWriter
	notifier *fakeNotifier
}

func newPaymentFixture(t *testing.T, provider *fakeProvider, reserver *fakeReserver, opts ...PaymentOption) *paymentFixture {
	t.Helper()
	exclusivePrice := 50.0
	f := &paymentFixture{
		repo:     newFakePaymentRepo(),
		provider: provider,
		balances: newFakeBalances(),
		reserver: reserver,
		orders:   &fakeOrderWriter{},
		notifier: &fakeNotifier{},
	}
	catalog := fakeCatalog{categories: map[string]domain.Category{
		"cat-1": {ID: "cat-1", Name: "standard", Price: 5, DefaultQuota: 5, MinQuantum: 1, Active: true, ExclusivePrice: &exclusivePrice},
	}}
	opts = append([]PaymentOption{
		WithPollInterval(time.Millisecond),
		WithMaxAttempts(50),
	}, opts...)
	f.svc = NewPaymentService(
		f.repo, provider, f.balances, catalog, reserver, f.orders, f.notifier,
		clock.NewFixed(testEpoch), slog.New(slog.DiscardHandler), opts...,
	)
	return f
}

func TestDepositSettlesAfterPolling(t *testing.T) {
	var bonusCalls int
	f := newPaymentFixture(t, &fakeProvider{paidAfter: 3}, &fakeReserver{},
		WithBonusHook(func(context.Context, string, float64) { bonusCalls++ }))

	p, err := f.svc.BeginDeposit(context.Background(), "buyer-1", 25)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPending, p.Status)
	assert.NotEmpty(t, p.PayURL)

	f.svc.Wait()

	assert.Equal(t, domain.PaymentStatusPaid, f.repo.status(p.ID))
	assert.InDelta(t, 25, f.balances.balance("buyer-1"), 1e-9)
	assert.Equal(t, 1, bonusCalls)
	assert.GreaterOrEqual(t, f.provider.pollCount(), 3)
}

func TestDepositTimesOut(t *testing.T) {
	f := newPaymentFixture(t, &fakeProvider{}, &fakeReserver{}, WithMaxAttempts(3))

	p, err := f.svc.BeginDeposit(context.Background(), "buyer-1", 25)
	require.NoError(t, err)
	f.svc.Wait()

	assert.Equal(t, domain.PaymentStatusExpired, f.repo.status(p.ID))
	assert.Zero(t, f.balances.balance("buyer-1"))
	assert.Equal(t, 3, f.provider.pollCount())
}

func TestPurchaseSettlementCreatesOrders(t *testing.T) {
	reserver := &fakeReserver{allocs: []domain.Allocation{
		{AccountID: "acc-a", Granted: 4},
		{AccountID: "acc-b", Granted: 2},
	}}
	f := newPaymentFixture(t, &fakeProvider{paidAfter: 1}, reserver)

	p, err := f.svc.BeginPurchase(context.Background(), "buyer-1", domain.PurchaseIntent{
		CategoryID: "cat-1",
		Quantity:   6,
	})
	require.NoError(t, err)
	assert.InDelta(t, 30, p.Amount, 1e-9) // 6 x 5.00

	f.svc.Wait()

	require.Len(t, f.orders.orders, 2)
	assert.InDelta(t, 20, f.orders.orders[0].AmountPaid, 1e-9)
	assert.InDelta(t, 10, f.orders.orders[1].AmountPaid, 1e-9)
	require.NotNil(t, f.orders.orders[0].BatchGroupID)
	assert.Equal(t, *f.orders.orders[0].BatchGroupID, *f.orders.orders[1].BatchGroupID)
	assert.Empty(t, f.orders.preorders)
}

func TestPurchaseFallsBackToPreorder(t *testing.T) {
	reserver := &fakeReserver{err: domain.ErrInsufficientCapacity}
	f := newPaymentFixture(t, &fakeProvider{paidAfter: 1}, reserver)

	p, err := f.svc.BeginPurchase(context.Background(), "buyer-1", domain.PurchaseIntent{
		CategoryID: "cat-1",
		Quantity:   4,
	})
	require.NoError(t, err)
	f.svc.Wait()

	assert.Equal(t, domain.PaymentStatusPaid, f.repo.status(p.ID))
	assert.Empty(t, f.orders.orders)
	require.Len(t, f.orders.preorders, 1)
	assert.Equal(t, 4, f.orders.preorders[0].Quantity)
	assert.InDelta(t, 20, f.orders.preorders[0].AmountPaid, 1e-9)
}

func TestSettlementRestoresCapacityWhenOrderCreateFails(t *testing.T) {
	reserver := &fakeReserver{allocs: []domain.Allocation{
		{AccountID: "acc-a", Granted: 2},
		{AccountID: "acc-b", Granted: 2},
	}}
	f := newPaymentFixture(t, &fakeProvider{paidAfter: 1}, reserver)
	f.orders.failNext = 1

	_, err := f.svc.BeginPurchase(context.Background(), "buyer-1", domain.PurchaseIntent{
		CategoryID: "cat-1",
		Quantity:   4,
	})
	require.NoError(t, err)
	f.svc.Wait()

	// The failed allocation is handed back before it is re-queued, so the
	// scheduler's retry does not provision the same demand twice.
	require.Len(t, reserver.restores, 1)
	assert.Equal(t, restoreCall{accountID: "acc-a", categoryID: "cat-1", count: 2}, reserver.restores[0])
	require.Len(t, f.orders.preorders, 1)
	assert.Equal(t, 2, f.orders.preorders[0].Quantity)
	require.Len(t, f.orders.orders, 1)
	assert.Equal(t, "acc-b", f.orders.orders[0].AccountID)
}

func TestExclusiveSettlementRestoresCapacityWhenOrderCreateFails(t *testing.T) {
	reserver := &fakeReserver{}
	f := newPaymentFixture(t, &fakeProvider{paidAfter: 1}, reserver)
	f.orders.failNext = 1

	_, err := f.svc.BeginPurchase(context.Background(), "buyer-1", domain.PurchaseIntent{
		CategoryID: "cat-1",
		Exclusive:  true,
	})
	require.NoError(t, err)
	f.svc.Wait()

	require.Len(t, reserver.restores, 1)
	assert.Equal(t, restoreCall{accountID: "acc-excl-1", categoryID: "cat-1", count: 5}, reserver.restores[0])
	require.Len(t, f.orders.preorders, 1)
	assert.True(t, f.orders.preorders[0].Exclusive)
	assert.Empty(t, f.orders.orders)
}

func TestExclusivePurchaseSettlesPerPack(t *testing.T) {
	reserver := &fakeReserver{}
	f := newPaymentFixture(t, &fakeProvider{paidAfter: 1}, reserver)

	p, err := f.svc.BeginPurchase(context.Background(), "buyer-1", domain.PurchaseIntent{
		CategoryID: "cat-1",
		Exclusive:  true,
		PackQty:    2,
	})
	require.NoError(t, err)
	assert.InDelta(t, 100, p.Amount, 1e-9) // 2 x 50.00

	f.svc.Wait()

	require.Len(t, f.orders.orders, 2)
	for _, o := range f.orders.orders {
		assert.True(t, o.Exclusive)
		assert.Equal(t, 5, o.Granted)
		assert.InDelta(t, 50, o.AmountPaid, 1e-9)
	}
	require.NotNil(t, f.orders.orders[0].BatchGroupID)
	assert.Equal(t, *f.orders.orders[0].BatchGroupID, *f.orders.orders[1].BatchGroupID)
}

func TestPurchaseValidation(t *testing.T) {
	f := newPaymentFixture(t, &fakeProvider{}, &fakeReserver{})
	ctx := context.Background()

	_, err := f.svc.BeginPurchase(ctx, "buyer-1", domain.PurchaseIntent{CategoryID: "cat-1", Quantity: 0})
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)

	_, err = f.svc.BeginPurchase(ctx, "buyer-1", domain.PurchaseIntent{CategoryID: "missing", Quantity: 1})
	assert.ErrorIs(t, err, domain.ErrCategoryNotFound)

	_, err = f.svc.BeginDeposit(ctx, "buyer-1", -1)
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)
}

func TestStartWatchDeduplicates(t *testing.T) {
	f := newPaymentFixture(t, &fakeProvider{}, &fakeReserver{}, WithMaxAttempts(2))

	p := domain.Payment{ID: "pay-1", UserID: "buyer-1", ChargeID: "ch-manual", Status: domain.PaymentStatusPending, CreatedAt: testEpoch}
	require.NoError(t, f.repo.Create(context.Background(), p))

	f.svc.StartWatch(p)
	f.svc.StartWatch(p)
	f.svc.Wait()

	// One watcher, two attempts; a duplicate watcher would have doubled it.
	assert.Equal(t, 2, f.provider.pollCount())
}

func TestResumePending(t *testing.T) {
	f := newPaymentFixture(t, &fakeProvider{paidAfter: 1}, &fakeReserver{})

	p := domain.Payment{ID: "pay-1", UserID: "buyer-1", ChargeID: "ch-old", Amount: 10, Purpose: domain.PaymentPurposeBalance, Status: domain.PaymentStatusPending, CreatedAt: testEpoch}
	require.NoError(t, f.repo.Create(context.Background(), p))

	require.NoError(t, f.svc.ResumePending(context.Background()))
	f.svc.Wait()

	assert.Equal(t, domain.PaymentStatusPaid, f.repo.status("pay-1"))
	assert.InDelta(t, 10, f.balances.balance("buyer-1"), 1e-9)
}
