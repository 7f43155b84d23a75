// Package dataaccess owns the read cache of the three business collections
// and every write to them.
package dataaccess

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"chaitrack/backend/internal/cache"
	"chaitrack/backend/internal/domain"
	"chaitrack/backend/internal/metrics"
	"chaitrack/backend/internal/notify"
	"chaitrack/backend/internal/store"
	"chaitrack/backend/internal/xid"
)

const (
	opAddCustomer   = "add_customer"
	opAddSale       = "add_sale"
	opAddDelivery   = "add_delivery"
	opCompanionSale = "companion_sale"
	opMarkPaid      = "mark_payment_done"
)

type Option func(*Layer)

func WithClock(now func() time.Time) Option {
	return func(l *Layer) { l.now = now }
}

// WithLocation sets the zone that sale and delivery dates are stamped in.
func WithLocation(loc *time.Location) Option {
	return func(l *Layer) {
		if loc != nil {
			l.loc = loc
		}
	}
}

func WithDefaultPrice(price decimal.Decimal) Option {
	return func(l *Layer) {
		if price.IsPositive() {
			l.defaultPrice = price
		}
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(l *Layer) { l.log = log }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(l *Layer) { l.metrics = m }
}

func WithSnapshotCache(c cache.SnapshotCache, ttl time.Duration) Option {
	return func(l *Layer) {
		l.snapshots = c
		l.snapshotTTL = ttl
	}
}

// WithResubscribeBackoff bounds the delay between attempts to restore a
// lost change subscription.
func WithResubscribeBackoff(first time.Duration, limit time.Duration) Option {
	return func(l *Layer) {
		if first > 0 && limit >= first {
			l.retryMin = first
			l.retryMax = limit
		}
	}
}

// Layer is the disposable read cache in front of the record store. Every
// collection is newest-created first and can be refetched at any time.
type Layer struct {
	repo         store.Repository
	bus          notify.Bus
	now          func() time.Time
	loc          *time.Location
	defaultPrice decimal.Decimal
	log          zerolog.Logger
	metrics      *metrics.Recorder
	snapshots    cache.SnapshotCache
	snapshotTTL  time.Duration
	retryMin     time.Duration
	retryMax     time.Duration

	mu         sync.RWMutex
	customers  []domain.Customer
	sales      []domain.Sale
	deliveries []domain.DeliveryRecord
	loading    bool
	ready      bool
	closed     bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(repo store.Repository, bus notify.Bus, opts ...Option) *Layer {
	l := &Layer{
		repo:         repo,
		bus:          bus,
		now:          time.Now,
		loc:          time.UTC,
		defaultPrice: decimal.NewFromInt(10),
		log:          zerolog.Nop(),
		snapshots:    cache.NoopSnapshotCache{},
		snapshotTTL:  24 * time.Hour,
		retryMin:     500 * time.Millisecond,
		retryMax:     30 * time.Second,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Layer) Customers() []domain.Customer {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]domain.Customer(nil), l.customers...)
}

func (l *Layer) Sales() []domain.Sale {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]domain.Sale(nil), l.sales...)
}

func (l *Layer) Deliveries() []domain.DeliveryRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]domain.DeliveryRecord(nil), l.deliveries...)
}

func (l *Layer) Snapshot() domain.Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return domain.Snapshot{
		Customers:  append([]domain.Customer(nil), l.customers...),
		Sales:      append([]domain.Sale(nil), l.sales...),
		Deliveries: append([]domain.DeliveryRecord(nil), l.deliveries...),
		TakenAt:    l.now().UTC(),
	}
}

// Loading is true only while LoadAll is running.
func (l *Layer) Loading() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.loading
}

// Ready reports whether the cache has been filled once, by a load or a
// restored snapshot.
func (l *Layer) Ready() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ready
}

// Today is the current date in the layer's zone, in storage layout.
func (l *Layer) Today() string {
	return l.now().In(l.loc).Format(domain.DateLayout)
}

func (l *Layer) DefaultPrice() decimal.Decimal {
	return l.defaultPrice
}

// LoadAll fetches the three collections concurrently. Each collection that
// loads replaces its cache; each that fails keeps its last good value and
// is named in the returned *LoadError.
func (l *Layer) LoadAll(ctx context.Context) error {
	l.mu.Lock()
	l.loading = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.loading = false
		l.mu.Unlock()
	}()

	var (
		wg         sync.WaitGroup
		customers  []domain.Customer
		sales      []domain.Sale
		deliveries []domain.DeliveryRecord
		errs       = make([]error, 3)
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		customers, errs[0] = l.repo.ListCustomers(ctx)
	}()
	go func() {
		defer wg.Done()
		sales, errs[1] = l.repo.ListSales(ctx)
	}()
	go func() {
		defer wg.Done()
		deliveries, errs[2] = l.repo.ListDeliveries(ctx)
	}()
	wg.Wait()

	tables := []string{domain.TableCustomers, domain.TableSales, domain.TableDeliveries}
	failures := make(map[string]error)
	for i, table := range tables {
		l.metrics.Refetch(table, errs[i])
		if errs[i] != nil {
			failures[table] = errs[i]
		}
	}

	l.mu.Lock()
	if !l.closed {
		if errs[0] == nil {
			l.customers = customers
		}
		if errs[1] == nil {
			l.sales = sales
		}
		if errs[2] == nil {
			l.deliveries = deliveries
		}
		if len(failures) < len(tables) {
			l.ready = true
		}
	}
	l.mu.Unlock()

	if len(failures) > 0 {
		loadErr := &LoadError{Failures: failures}
		l.log.Warn().Err(loadErr).Strs("tables", loadErr.Tables()).Msg("load incomplete")
		return loadErr
	}
	return nil
}

// Refresh refetches one collection and replaces it wholesale.
func (l *Layer) Refresh(ctx context.Context, table string) error {
	var err error
	switch table {
	case domain.TableCustomers:
		var rows []domain.Customer
		if rows, err = l.repo.ListCustomers(ctx); err == nil {
			l.apply(func() { l.customers = rows })
		}
	case domain.TableSales:
		var rows []domain.Sale
		if rows, err = l.repo.ListSales(ctx); err == nil {
			l.apply(func() { l.sales = rows })
		}
	case domain.TableDeliveries, "deliveries":
		table = domain.TableDeliveries
		var rows []domain.DeliveryRecord
		if rows, err = l.repo.ListDeliveries(ctx); err == nil {
			l.apply(func() { l.deliveries = rows })
		}
	default:
		return nil
	}
	l.metrics.Refetch(table, err)
	if err != nil {
		return fmt.Errorf("refresh %s: %w", table, err)
	}
	return nil
}

// Start subscribes to change events; each one refetches its table. When the
// bus ends the subscription early (a dropped database connection, say) the
// layer subscribes again with backoff and reloads everything, since events
// sent in the gap are lost.
func (l *Layer) Start(ctx context.Context) error {
	if l.bus == nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	events, err := l.bus.Subscribe(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe to changes: %w", err)
	}

	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			l.consume(ctx, events)
			if ctx.Err() != nil {
				return
			}
			l.log.Warn().Msg("change subscription ended, resubscribing")
			if events = l.resubscribe(ctx); events == nil {
				return
			}
			if err := l.LoadAll(ctx); err != nil && ctx.Err() == nil {
				l.log.Warn().Err(err).Msg("reload after resubscribe incomplete")
			}
		}
	}()
	return nil
}

func (l *Layer) consume(ctx context.Context, events <-chan notify.Event) {
	for ev := range events {
		if ctx.Err() != nil {
			return
		}
		if err := l.Refresh(ctx, ev.Table); err != nil {
			if ctx.Err() != nil {
				return
			}
			l.log.Warn().Err(err).Str("table", ev.Table).Msg("change refetch failed")
		}
	}
}

// resubscribe retries Subscribe with doubling delays until it succeeds or
// ctx ends, in which case it returns nil.
func (l *Layer) resubscribe(ctx context.Context) <-chan notify.Event {
	delay := l.retryMin
	for {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		events, err := l.bus.Subscribe(ctx)
		if err == nil {
			l.log.Info().Msg("change subscription restored")
			return events
		}
		if ctx.Err() != nil {
			return nil
		}
		l.log.Warn().Err(err).Dur("retry_in", delay).Msg("resubscribe failed")
		delay *= 2
		if delay > l.retryMax {
			delay = l.retryMax
		}
	}
}

// Close stops the change subscription. No cache update happens after it
// returns.
func (l *Layer) Close() error {
	l.mu.Lock()
	l.closed = true
	cancel := l.cancel
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	l.wg.Wait()
	return nil
}

func (l *Layer) AddCustomer(ctx context.Context, in domain.NewCustomer) (*domain.Customer, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Phone = strings.TrimSpace(in.Phone)
	if in.Name == "" {
		return nil, invalid("name", "is required")
	}
	if in.Phone == "" {
		return nil, invalid("phone", "is required")
	}
	joinDate := strings.TrimSpace(in.JoinDate)
	if joinDate == "" {
		joinDate = l.Today()
	} else if _, err := time.Parse(domain.DateLayout, joinDate); err != nil {
		return nil, invalid("join_date", "must be YYYY-MM-DD")
	}

	created, err := l.repo.CreateCustomer(ctx, domain.Customer{
		UserID:   in.UserID,
		Name:     in.Name,
		Phone:    in.Phone,
		Address:  strings.TrimSpace(in.Address),
		QRCode:   strings.TrimSpace(in.QRCode),
		JoinDate: joinDate,
	})
	l.metrics.Mutation(opAddCustomer, err)
	if err != nil {
		return nil, fmt.Errorf("add customer: %w", err)
	}

	l.apply(func() { l.customers = prepend(l.customers, *created) })
	l.publish(ctx, domain.TableCustomers, notify.OpInsert, created.ID)
	return created, nil
}

func (l *Layer) AddSale(ctx context.Context, in domain.NewSale) (*domain.Sale, error) {
	in.CustomerID = strings.TrimSpace(in.CustomerID)
	in.CustomerName = strings.TrimSpace(in.CustomerName)
	if in.CustomerID == "" {
		return nil, invalid("customer_id", "is required")
	}
	if in.CustomerName == "" {
		return nil, invalid("customer_name", "is required")
	}
	if in.Quantity < 1 {
		return nil, invalid("quantity", "must be a positive number of cups")
	}
	if !in.PricePerCup.IsPositive() {
		return nil, invalid("price_per_cup", "must be positive")
	}
	total := domain.SaleTotal(in.Quantity, in.PricePerCup)
	if in.TotalAmount != nil && !in.TotalAmount.Equal(total) {
		return nil, invalid("total_amount", "must equal quantity * price_per_cup")
	}
	if err := l.ensureCustomer(ctx, in.CustomerID); err != nil {
		l.metrics.Mutation(opAddSale, err)
		return nil, fmt.Errorf("add sale: %w", err)
	}

	at := l.now().In(l.loc)
	created, err := l.repo.CreateSale(ctx, domain.Sale{
		CustomerID:      in.CustomerID,
		CustomerName:    in.CustomerName,
		Quantity:        in.Quantity,
		PricePerCup:     in.PricePerCup,
		TotalAmount:     total,
		DeliveredBy:     in.DeliveredBy,
		DeliveredByName: in.DeliveredByName,
		SaleDate:        at.Format(domain.DateLayout),
		SaleTime:        at.Format(domain.TimeLayout),
	})
	l.metrics.Mutation(opAddSale, err)
	if err != nil {
		return nil, fmt.Errorf("add sale: %w", err)
	}

	l.apply(func() { l.sales = prepend(l.sales, *created) })
	l.publish(ctx, domain.TableSales, notify.OpInsert, created.ID)
	return created, nil
}

type DeliveryResult struct {
	Delivery domain.DeliveryRecord
	Sale     *domain.Sale
}

// AddDelivery writes the delivery row and then its unpaid companion sale at
// the default price. When only the first write lands the result carries the
// delivery and the error is a *CompanionSaleError.
func (l *Layer) AddDelivery(ctx context.Context, in domain.NewDelivery) (*DeliveryResult, error) {
	in.CustomerID = strings.TrimSpace(in.CustomerID)
	in.CustomerName = strings.TrimSpace(in.CustomerName)
	in.DeliveredBy = strings.TrimSpace(in.DeliveredBy)
	if in.CustomerID == "" {
		return nil, invalid("customer_id", "is required")
	}
	if in.CustomerName == "" {
		return nil, invalid("customer_name", "is required")
	}
	if in.Quantity < 1 {
		return nil, invalid("quantity", "must be a positive number of cups")
	}
	if in.DeliveredBy == "" {
		return nil, invalid("delivered_by", "is required")
	}
	if err := l.ensureCustomer(ctx, in.CustomerID); err != nil {
		l.metrics.Mutation(opAddDelivery, err)
		return nil, fmt.Errorf("add delivery: %w", err)
	}

	at := l.now().In(l.loc)
	delivery, err := l.repo.CreateDelivery(ctx, domain.DeliveryRecord{
		CustomerID:   in.CustomerID,
		CustomerName: in.CustomerName,
		Quantity:     in.Quantity,
		DeliveredBy:  in.DeliveredBy,
		DeliveryDate: at.Format(domain.DateLayout),
		DeliveryTime: at.Format(domain.TimeLayout),
	})
	l.metrics.Mutation(opAddDelivery, err)
	if err != nil {
		return nil, fmt.Errorf("add delivery: %w", err)
	}
	l.apply(func() { l.deliveries = prepend(l.deliveries, *delivery) })
	l.publish(ctx, domain.TableDeliveries, notify.OpInsert, delivery.ID)

	result := &DeliveryResult{Delivery: *delivery}
	sale, err := l.writeCompanionSale(ctx, *delivery, optionalString(in.DeliveredByName))
	if err != nil {
		l.log.Error().Err(err).Str("delivery_id", delivery.ID).Msg("companion sale write failed")
		return result, &CompanionSaleError{Delivery: *delivery, Err: err}
	}
	result.Sale = sale
	return result, nil
}

// RetryCompanionSale writes the sale that a cached delivery is missing. If
// the sale already exists it is returned unchanged.
func (l *Layer) RetryCompanionSale(ctx context.Context, deliveryID string, deliveredByName string) (*domain.Sale, error) {
	delivery, ok := l.findDelivery(deliveryID)
	if !ok {
		return nil, fmt.Errorf("retry companion sale: %w", store.ErrNotFound)
	}
	if existing, ok := l.findSale(xid.CompanionSaleID(delivery.ID)); ok {
		return &existing, nil
	}
	sale, err := l.writeCompanionSale(ctx, delivery, optionalString(deliveredByName))
	if errors.Is(err, store.ErrConflict) {
		// written by another instance or before a lost response
		if rerr := l.Refresh(ctx, domain.TableSales); rerr != nil {
			return nil, &CompanionSaleError{Delivery: delivery, Err: rerr}
		}
		if existing, ok := l.findSale(xid.CompanionSaleID(delivery.ID)); ok {
			return &existing, nil
		}
	}
	if err != nil {
		return nil, &CompanionSaleError{Delivery: delivery, Err: err}
	}
	return sale, nil
}

func (l *Layer) writeCompanionSale(ctx context.Context, delivery domain.DeliveryRecord, deliveredByName *string) (*domain.Sale, error) {
	deliveredBy := delivery.DeliveredBy
	sale, err := l.repo.CreateSale(ctx, domain.Sale{
		ID:              xid.CompanionSaleID(delivery.ID),
		CustomerID:      delivery.CustomerID,
		CustomerName:    delivery.CustomerName,
		Quantity:        delivery.Quantity,
		PricePerCup:     l.defaultPrice,
		TotalAmount:     domain.SaleTotal(delivery.Quantity, l.defaultPrice),
		DeliveredBy:     &deliveredBy,
		DeliveredByName: deliveredByName,
		SaleDate:        delivery.DeliveryDate,
		SaleTime:        delivery.DeliveryTime,
	})
	l.metrics.Mutation(opCompanionSale, err)
	if err != nil {
		return nil, err
	}
	l.apply(func() { l.sales = prepend(l.sales, *sale) })
	l.publish(ctx, domain.TableSales, notify.OpInsert, sale.ID)
	return sale, nil
}

// MarkPaymentDone settles one sale. Payment is one-way: a paid sale is
// rejected with store.ErrAlreadyPaid.
func (l *Layer) MarkPaymentDone(ctx context.Context, saleID string, paidAmount decimal.Decimal) (*domain.Sale, error) {
	if strings.TrimSpace(saleID) == "" {
		return nil, invalid("sale_id", "is required")
	}
	if !paidAmount.IsPositive() {
		return nil, invalid("paid_amount", "must be greater than zero")
	}

	updated, err := l.repo.MarkSalePaid(ctx, saleID, paidAmount)
	l.metrics.Mutation(opMarkPaid, err)
	if err != nil {
		return nil, fmt.Errorf("mark payment done: %w", err)
	}

	l.apply(func() {
		for i := range l.sales {
			if l.sales[i].ID == updated.ID {
				l.sales[i] = *updated
				return
			}
		}
		l.sales = prepend(l.sales, *updated)
	})
	l.publish(ctx, domain.TableSales, notify.OpUpdate, updated.ID)
	return updated, nil
}

// Persist saves the current collections to the snapshot cache.
func (l *Layer) Persist(ctx context.Context) error {
	if !l.Ready() {
		return nil
	}
	snap := l.Snapshot()
	if err := l.snapshots.Set(ctx, cache.SnapshotKey, &snap, l.snapshotTTL); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	return nil
}

// Restore fills an empty cache from the snapshot cache. It reports whether
// a snapshot was applied.
func (l *Layer) Restore(ctx context.Context) (bool, error) {
	snap, ok, err := l.snapshots.Get(ctx, cache.SnapshotKey)
	if err != nil {
		return false, fmt.Errorf("restore snapshot: %w", err)
	}
	if !ok || snap == nil {
		return false, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ready || l.closed {
		return false, nil
	}
	l.customers = snap.Customers
	l.sales = snap.Sales
	l.deliveries = snap.Deliveries
	l.ready = true
	return true, nil
}

func (l *Layer) ensureCustomer(ctx context.Context, id string) error {
	l.mu.RLock()
	for _, c := range l.customers {
		if c.ID == id {
			l.mu.RUnlock()
			return nil
		}
	}
	l.mu.RUnlock()

	if _, err := l.repo.GetCustomer(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.ErrUnknownCustomer
		}
		return err
	}
	return nil
}

func (l *Layer) findDelivery(id string) (domain.DeliveryRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, d := range l.deliveries {
		if d.ID == id {
			return d, true
		}
	}
	return domain.DeliveryRecord{}, false
}

func (l *Layer) findSale(id string) (domain.Sale, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, s := range l.sales {
		if s.ID == id {
			return s, true
		}
	}
	return domain.Sale{}, false
}

// apply runs fn under the write lock unless the layer is closed.
func (l *Layer) apply(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	fn()
}

func (l *Layer) publish(ctx context.Context, table string, op string, id string) {
	if l.bus == nil {
		return
	}
	ev := notify.Event{Table: table, Op: op, RecordID: id, At: l.now().UTC()}
	if err := l.bus.Publish(ctx, ev); err != nil {
		l.log.Warn().Err(err).Str("table", table).Msg("publish change failed")
	}
}

func prepend[T any](rows []T, row T) []T {
	out := make([]T, 0, len(rows)+1)
	out = append(out, row)
	return append(out, rows...)
}

func optionalString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
