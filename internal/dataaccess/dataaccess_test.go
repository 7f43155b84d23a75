package dataaccess

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"chaitrack/backend/internal/cache"
	"chaitrack/backend/internal/domain"
	"chaitrack/backend/internal/notify"
	"chaitrack/backend/internal/store"
	"chaitrack/backend/internal/store/memory"
)

var fixedNow = time.Date(2026, 10, 16, 7, 30, 0, 0, time.UTC)

// flakyRepo fails selected operations on demand.
type flakyRepo struct {
	*memory.Store
	mu   sync.Mutex
	fail map[string]error
}

func newFlakyRepo() *flakyRepo {
	return &flakyRepo{Store: memory.New(), fail: make(map[string]error)}
}

func (r *flakyRepo) set(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.fail, op)
		return
	}
	r.fail[op] = err
}

func (r *flakyRepo) err(op string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fail[op]
}

func (r *flakyRepo) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	if err := r.err("ListCustomers"); err != nil {
		return nil, err
	}
	return r.Store.ListCustomers(ctx)
}

func (r *flakyRepo) ListSales(ctx context.Context) ([]domain.Sale, error) {
	if err := r.err("ListSales"); err != nil {
		return nil, err
	}
	return r.Store.ListSales(ctx)
}

func (r *flakyRepo) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if err := r.err("CreateSale"); err != nil {
		return nil, err
	}
	return r.Store.CreateSale(ctx, sale)
}

func (r *flakyRepo) CreateCustomer(ctx context.Context, c domain.Customer) (*domain.Customer, error) {
	if err := r.err("CreateCustomer"); err != nil {
		return nil, err
	}
	return r.Store.CreateCustomer(ctx, c)
}

func newLayer(t *testing.T, repo store.Repository, bus notify.Bus, opts ...Option) *Layer {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	l := New(repo, bus, opts...)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func addCustomer(t *testing.T, l *Layer, name string) *domain.Customer {
	t.Helper()
	c, err := l.AddCustomer(context.Background(), domain.NewCustomer{Name: name, Phone: "9876543210", Address: "MG Road"})
	if err != nil {
		t.Fatalf("add customer: %v", err)
	}
	return c
}

func TestAddCustomerRoundTrip(t *testing.T) {
	repo := memory.New()
	l := newLayer(t, repo, nil)

	c := addCustomer(t, l, "Rahul")
	if c.ID == "" || c.JoinDate != "2026-10-16" {
		t.Fatalf("expected generated id and today's join date, got %+v", c)
	}

	cached := l.Customers()
	if len(cached) != 1 || cached[0].ID != c.ID {
		t.Fatalf("expected customer in cache, got %+v", cached)
	}

	fresh := newLayer(t, repo, nil)
	if err := fresh.LoadAll(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	got := fresh.Customers()[0]
	if got.Name != "Rahul" || got.Phone != "9876543210" || got.Address != "MG Road" {
		t.Fatalf("unexpected reloaded customer %+v", got)
	}
}

func TestAddCustomerValidation(t *testing.T) {
	l := newLayer(t, memory.New(), nil)
	_, err := l.AddCustomer(context.Background(), domain.NewCustomer{Name: "  ", Phone: "1"})
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "name" {
		t.Fatalf("expected name validation error, got %v", err)
	}
	if len(l.Customers()) != 0 {
		t.Fatalf("validation failure must not touch the cache")
	}
}

func TestNewRowsArePrepended(t *testing.T) {
	l := newLayer(t, memory.New(), nil)
	addCustomer(t, l, "first")
	addCustomer(t, l, "second")
	if got := l.Customers(); got[0].Name != "second" || got[1].Name != "first" {
		t.Fatalf("expected newest first, got %+v", got)
	}
}

func TestAddSaleComputesExactTotal(t *testing.T) {
	l := newLayer(t, memory.New(), nil)
	c := addCustomer(t, l, "Priya")

	sale, err := l.AddSale(context.Background(), domain.NewSale{
		CustomerID:   c.ID,
		CustomerName: c.Name,
		Quantity:     3,
		PricePerCup:  decimal.RequireFromString("12.35"),
	})
	if err != nil {
		t.Fatalf("add sale: %v", err)
	}
	if !sale.TotalAmount.Equal(decimal.RequireFromString("37.05")) {
		t.Fatalf("expected 37.05, got %s", sale.TotalAmount)
	}
	if sale.SaleDate != "2026-10-16" || sale.SaleTime != "07:30:00" || sale.IsPaid {
		t.Fatalf("unexpected stamps %+v", sale)
	}

	wrong := decimal.NewFromInt(40)
	_, err = l.AddSale(context.Background(), domain.NewSale{
		CustomerID: c.ID, CustomerName: c.Name, Quantity: 3,
		PricePerCup: decimal.RequireFromString("12.35"), TotalAmount: &wrong,
	})
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "total_amount" {
		t.Fatalf("expected total mismatch rejection, got %v", err)
	}
}

func TestAddSaleRejectsUnknownCustomer(t *testing.T) {
	l := newLayer(t, memory.New(), nil)
	_, err := l.AddSale(context.Background(), domain.NewSale{
		CustomerID: "ghost", CustomerName: "Ghost", Quantity: 1, PricePerCup: decimal.NewFromInt(10),
	})
	if !errors.Is(err, store.ErrUnknownCustomer) {
		t.Fatalf("expected ErrUnknownCustomer, got %v", err)
	}
}

func TestDeliveryWritesCompanionSale(t *testing.T) {
	l := newLayer(t, memory.New(), nil)
	c := addCustomer(t, l, "Amit")

	res, err := l.AddDelivery(context.Background(), domain.NewDelivery{
		CustomerID: c.ID, CustomerName: c.Name, Quantity: 4, DeliveredBy: "deliverer-1", DeliveredByName: "Ravi",
	})
	if err != nil {
		t.Fatalf("add delivery: %v", err)
	}
	if res.Sale == nil {
		t.Fatalf("expected companion sale")
	}
	sale := res.Sale
	if sale.Quantity != 4 || sale.IsPaid || !sale.PricePerCup.Equal(decimal.NewFromInt(10)) || !sale.TotalAmount.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("unexpected companion sale %+v", sale)
	}
	if sale.DeliveredBy == nil || *sale.DeliveredBy != "deliverer-1" || sale.DeliveredByName == nil || *sale.DeliveredByName != "Ravi" {
		t.Fatalf("expected deliverer on sale, got %+v", sale)
	}
	if len(l.Deliveries()) != 1 || len(l.Sales()) != 1 {
		t.Fatalf("expected exactly one delivery and one sale cached")
	}
}

func TestDeliveryUsesConfiguredPrice(t *testing.T) {
	l := newLayer(t, memory.New(), nil, WithDefaultPrice(decimal.RequireFromString("12.50")))
	c := addCustomer(t, l, "Sita")
	res, err := l.AddDelivery(context.Background(), domain.NewDelivery{CustomerID: c.ID, CustomerName: c.Name, Quantity: 2, DeliveredBy: "d1"})
	if err != nil {
		t.Fatalf("add delivery: %v", err)
	}
	if !res.Sale.TotalAmount.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("expected 25.00, got %s", res.Sale.TotalAmount)
	}
}

func TestDeliveryPartialFailureIsDistinct(t *testing.T) {
	repo := newFlakyRepo()
	l := newLayer(t, repo, nil)
	c := addCustomer(t, l, "Meera")

	repo.set("CreateSale", errors.New("sales table unavailable"))
	res, err := l.AddDelivery(context.Background(), domain.NewDelivery{CustomerID: c.ID, CustomerName: c.Name, Quantity: 2, DeliveredBy: "d1"})
	if !errors.Is(err, ErrCompanionSale) {
		t.Fatalf("expected ErrCompanionSale, got %v", err)
	}
	var cerr *CompanionSaleError
	if !errors.As(err, &cerr) || cerr.Delivery.ID == "" {
		t.Fatalf("expected error to carry the delivery, got %v", err)
	}
	if res == nil || res.Delivery.ID != cerr.Delivery.ID || res.Sale != nil {
		t.Fatalf("expected result with delivery only, got %+v", res)
	}
	if len(l.Deliveries()) != 1 || len(l.Sales()) != 0 {
		t.Fatalf("expected cached delivery without sale")
	}

	repo.set("CreateSale", nil)
	sale, err := l.RetryCompanionSale(context.Background(), res.Delivery.ID, "")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	again, err := l.RetryCompanionSale(context.Background(), res.Delivery.ID, "")
	if err != nil || again.ID != sale.ID {
		t.Fatalf("second retry must return the existing sale, got %+v %v", again, err)
	}
	if len(l.Sales()) != 1 {
		t.Fatalf("expected one sale after retries, got %d", len(l.Sales()))
	}
}

func TestRetryFindsSaleOfTheRightDelivery(t *testing.T) {
	repo := newFlakyRepo()
	l := newLayer(t, repo, nil)
	c := addCustomer(t, l, "Meera")
	ctx := context.Background()
	in := domain.NewDelivery{CustomerID: c.ID, CustomerName: c.Name, Quantity: 2, DeliveredBy: "d1"}

	first, err := l.AddDelivery(ctx, in)
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	repo.set("CreateSale", errors.New("sales table unavailable"))
	second, err := l.AddDelivery(ctx, in)
	if !errors.Is(err, ErrCompanionSale) {
		t.Fatalf("expected ErrCompanionSale, got %v", err)
	}
	repo.set("CreateSale", nil)

	sale, err := l.RetryCompanionSale(ctx, second.Delivery.ID, "")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if sale.ID == first.Sale.ID {
		t.Fatalf("retry returned the first delivery's sale")
	}
	if len(l.Deliveries()) != 2 || len(l.Sales()) != 2 {
		t.Fatalf("expected a sale per delivery, got %d deliveries and %d sales", len(l.Deliveries()), len(l.Sales()))
	}
	stored, _ := repo.ListSales(ctx)
	if len(stored) != 2 {
		t.Fatalf("expected 2 stored sales, got %d", len(stored))
	}
}

func TestRetryAdoptsSaleWrittenElsewhere(t *testing.T) {
	repo := newFlakyRepo()
	l := newLayer(t, repo, nil)
	c := addCustomer(t, l, "Meera")
	ctx := context.Background()

	repo.set("CreateSale", errors.New("response lost"))
	res, _ := l.AddDelivery(ctx, domain.NewDelivery{CustomerID: c.ID, CustomerName: c.Name, Quantity: 1, DeliveredBy: "d1"})
	repo.set("CreateSale", nil)

	other := newLayer(t, repo, nil)
	if err := other.LoadAll(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	written, err := other.RetryCompanionSale(ctx, res.Delivery.ID, "")
	if err != nil {
		t.Fatalf("retry from other layer: %v", err)
	}

	sale, err := l.RetryCompanionSale(ctx, res.Delivery.ID, "")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if sale.ID != written.ID {
		t.Fatalf("expected the existing sale %s, got %s", written.ID, sale.ID)
	}
	stored, _ := repo.ListSales(ctx)
	if len(stored) != 1 {
		t.Fatalf("expected one stored sale, got %d", len(stored))
	}
}

func TestMarkPaymentDoneTouchesOnlyThatSale(t *testing.T) {
	l := newLayer(t, memory.New(), nil)
	c := addCustomer(t, l, "Kiran")
	ctx := context.Background()

	var ids []string
	for i := 1; i <= 3; i++ {
		s, err := l.AddSale(ctx, domain.NewSale{CustomerID: c.ID, CustomerName: c.Name, Quantity: i, PricePerCup: decimal.NewFromInt(10)})
		if err != nil {
			t.Fatalf("add sale: %v", err)
		}
		ids = append(ids, s.ID)
	}

	if _, err := l.MarkPaymentDone(ctx, ids[1], decimal.NewFromInt(0)); err == nil {
		t.Fatalf("expected zero amount to be rejected")
	}
	if _, err := l.MarkPaymentDone(ctx, ids[1], decimal.NewFromInt(20)); err != nil {
		t.Fatalf("mark paid: %v", err)
	}

	for _, s := range l.Sales() {
		switch s.ID {
		case ids[1]:
			if !s.IsPaid || s.PaidAmount == nil || !s.PaidAmount.Equal(decimal.NewFromInt(20)) {
				t.Fatalf("expected sale settled, got %+v", s)
			}
		default:
			if s.IsPaid || s.PaidAmount != nil {
				t.Fatalf("unexpected change to other sale %+v", s)
			}
		}
	}

	if _, err := l.MarkPaymentDone(ctx, ids[1], decimal.NewFromInt(20)); !errors.Is(err, store.ErrAlreadyPaid) {
		t.Fatalf("expected ErrAlreadyPaid, got %v", err)
	}
}

func TestFailedWriteLeavesCacheUnchanged(t *testing.T) {
	repo := newFlakyRepo()
	l := newLayer(t, repo, nil)
	addCustomer(t, l, "Before")

	repo.set("CreateCustomer", errors.New("constraint violation"))
	if _, err := l.AddCustomer(context.Background(), domain.NewCustomer{Name: "After", Phone: "1"}); err == nil {
		t.Fatalf("expected write failure")
	}
	if got := l.Customers(); len(got) != 1 || got[0].Name != "Before" {
		t.Fatalf("cache changed after failed write: %+v", got)
	}
}

func TestLoadAllKeepsLastGoodOnPartialFailure(t *testing.T) {
	repo := newFlakyRepo()
	seeder := newLayer(t, repo, nil)
	c := addCustomer(t, seeder, "Rahul")
	if _, err := seeder.AddSale(context.Background(), domain.NewSale{CustomerID: c.ID, CustomerName: c.Name, Quantity: 1, PricePerCup: decimal.NewFromInt(10)}); err != nil {
		t.Fatalf("add sale: %v", err)
	}

	l := newLayer(t, repo, nil)
	if err := l.LoadAll(context.Background()); err != nil {
		t.Fatalf("first load: %v", err)
	}

	addCustomer(t, seeder, "Priya")
	repo.set("ListSales", errors.New("timeout"))
	err := l.LoadAll(context.Background())

	var loadErr *LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("expected LoadError, got %v", err)
	}
	if tables := loadErr.Tables(); len(tables) != 1 || tables[0] != domain.TableSales {
		t.Fatalf("expected only sales to fail, got %v", tables)
	}
	if len(l.Customers()) != 2 {
		t.Fatalf("expected customers to refresh independently, got %d", len(l.Customers()))
	}
	if len(l.Sales()) != 1 {
		t.Fatalf("expected sales to keep last good value, got %d", len(l.Sales()))
	}
	if l.Loading() {
		t.Fatalf("loading flag must clear after a failed load")
	}
}

func TestEmptyLoad(t *testing.T) {
	l := newLayer(t, memory.New(), nil)
	if l.Ready() {
		t.Fatalf("layer must not be ready before a load")
	}
	if err := l.LoadAll(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !l.Ready() || len(l.Customers()) != 0 || len(l.Sales()) != 0 || len(l.Deliveries()) != 0 {
		t.Fatalf("expected ready empty cache")
	}
}

func TestChangeEventRefetchesOtherWriters(t *testing.T) {
	repo := memory.New()
	bus := notify.NewLocal()
	t.Cleanup(func() { _ = bus.Close() })

	reader := newLayer(t, repo, bus)
	if err := reader.LoadAll(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := reader.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	writer := newLayer(t, repo, bus)
	addCustomer(t, writer, "Concurrent")

	deadline := time.Now().Add(2 * time.Second)
	for len(reader.Customers()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("reader never saw the other writer's customer")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// droppingBus hands out one subscription that the test can end early, as a
// lost database connection would; later subscriptions come from the inner bus.
type droppingBus struct {
	*notify.Local
	mu      sync.Mutex
	calls   int
	dropped chan notify.Event
	failing int
}

func (b *droppingBus) Subscribe(ctx context.Context) (<-chan notify.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.calls == 1 {
		return b.dropped, nil
	}
	if b.failing > 0 {
		b.failing--
		return nil, errors.New("listener unavailable")
	}
	return b.Local.Subscribe(ctx)
}

func (b *droppingBus) subscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func TestLostSubscriptionIsRestored(t *testing.T) {
	repo := memory.New()
	inner := notify.NewLocal()
	t.Cleanup(func() { _ = inner.Close() })
	bus := &droppingBus{Local: inner, dropped: make(chan notify.Event), failing: 1}

	reader := newLayer(t, repo, bus, WithResubscribeBackoff(5*time.Millisecond, 20*time.Millisecond))
	if err := reader.LoadAll(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := reader.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	writer := newLayer(t, repo, inner)
	addCustomer(t, writer, "During the gap")
	close(bus.dropped)

	deadline := time.Now().Add(2 * time.Second)
	for bus.subscriptions() < 3 || len(reader.Customers()) < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("subscription not restored: %d attempts, %d customers", bus.subscriptions(), len(reader.Customers()))
		}
		time.Sleep(10 * time.Millisecond)
	}

	addCustomer(t, writer, "After restore")
	for len(reader.Customers()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("restored subscription never refetched")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNoCacheUpdatesAfterClose(t *testing.T) {
	repo := memory.New()
	bus := notify.NewLocal()
	t.Cleanup(func() { _ = bus.Close() })

	reader := New(repo, bus, WithClock(func() time.Time { return fixedNow }))
	if err := reader.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := reader.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	writer := newLayer(t, repo, bus)
	addCustomer(t, writer, "Late")
	if err := reader.Refresh(context.Background(), domain.TableCustomers); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(reader.Customers()) != 0 {
		t.Fatalf("closed layer must not change")
	}
}

type memorySnapshots struct {
	snap *domain.Snapshot
}

func (m *memorySnapshots) Get(_ context.Context, _ string) (*domain.Snapshot, bool, error) {
	if m.snap == nil {
		return nil, false, nil
	}
	return m.snap, true, nil
}

func (m *memorySnapshots) Set(_ context.Context, _ string, v *domain.Snapshot, _ time.Duration) error {
	m.snap = v
	return nil
}

var _ cache.SnapshotCache = (*memorySnapshots)(nil)

func TestPersistAndRestore(t *testing.T) {
	snaps := &memorySnapshots{}
	l := newLayer(t, memory.New(), nil, WithSnapshotCache(snaps, time.Hour))
	addCustomer(t, l, "Warm")
	if err := l.LoadAll(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := l.Persist(context.Background()); err != nil {
		t.Fatalf("persist: %v", err)
	}

	restarted := newLayer(t, memory.New(), nil, WithSnapshotCache(snaps, time.Hour))
	ok, err := restarted.Restore(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected restore, got ok=%v err=%v", ok, err)
	}
	if !restarted.Ready() || len(restarted.Customers()) != 1 || restarted.Customers()[0].Name != "Warm" {
		t.Fatalf("unexpected restored cache %+v", restarted.Customers())
	}
}
