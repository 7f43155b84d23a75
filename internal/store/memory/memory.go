package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"chaitrack/backend/internal/domain"
	"chaitrack/backend/internal/store"
	"chaitrack/backend/internal/xid"
)

// Store is an in-process record store for development, demos and tests.
type Store struct {
	mu             sync.RWMutex
	customers      []domain.Customer
	sales          []domain.Sale
	deliveries     []domain.DeliveryRecord
	profilesByID   map[string]domain.Profile
	accountsByID   map[string]domain.Account
	accountByEmail map[string]string
}

func New() *Store {
	return &Store{
		customers:      make([]domain.Customer, 0, 64),
		sales:          make([]domain.Sale, 0, 256),
		deliveries:     make([]domain.DeliveryRecord, 0, 256),
		profilesByID:   make(map[string]domain.Profile),
		accountsByID:   make(map[string]domain.Account),
		accountByEmail: make(map[string]string),
	}
}

func (s *Store) ListCustomers(_ context.Context) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return newestFirst(s.customers, func(c domain.Customer) time.Time { return c.CreatedAt }), nil
}

func (s *Store) GetCustomer(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.customers {
		if c.ID == id {
			found := cloneCustomer(c)
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CreateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	if strings.TrimSpace(customer.Name) == "" || strings.TrimSpace(customer.Phone) == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if customer.ID == "" {
		customer.ID = xid.New()
	}
	if customer.QRCode == "" {
		customer.QRCode = xid.QRCode()
	}
	for _, existing := range s.customers {
		if existing.ID == customer.ID || existing.QRCode == customer.QRCode {
			return nil, store.ErrConflict
		}
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}
	s.customers = append(s.customers, cloneCustomer(customer))
	created := cloneCustomer(customer)
	return &created, nil
}

func (s *Store) ListSales(_ context.Context) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sales := newestFirst(s.sales, func(sale domain.Sale) time.Time { return sale.CreatedAt })
	for i := range sales {
		sales[i] = cloneSale(sales[i])
	}
	return sales, nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.CustomerID == "" || sale.Quantity < 1 || !sale.PricePerCup.IsPositive() {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasCustomerLocked(sale.CustomerID) {
		return nil, store.ErrUnknownCustomer
	}
	if sale.ID == "" {
		sale.ID = xid.New()
	}
	for _, existing := range s.sales {
		if existing.ID == sale.ID {
			return nil, store.ErrConflict
		}
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	s.sales = append(s.sales, cloneSale(sale))
	created := cloneSale(sale)
	return &created, nil
}

func (s *Store) MarkSalePaid(_ context.Context, id string, paidAmount decimal.Decimal) (*domain.Sale, error) {
	if !paidAmount.IsPositive() {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.sales {
		if s.sales[i].ID != id {
			continue
		}
		if s.sales[i].IsPaid {
			return nil, store.ErrAlreadyPaid
		}
		amount := paidAmount
		s.sales[i].IsPaid = true
		s.sales[i].PaidAmount = &amount
		updated := cloneSale(s.sales[i])
		return &updated, nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListDeliveries(_ context.Context) ([]domain.DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return newestFirst(s.deliveries, func(d domain.DeliveryRecord) time.Time { return d.CreatedAt }), nil
}

func (s *Store) CreateDelivery(_ context.Context, delivery domain.DeliveryRecord) (*domain.DeliveryRecord, error) {
	if delivery.CustomerID == "" || delivery.DeliveredBy == "" || delivery.Quantity < 1 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasCustomerLocked(delivery.CustomerID) {
		return nil, store.ErrUnknownCustomer
	}
	if delivery.ID == "" {
		delivery.ID = xid.New()
	}
	for _, existing := range s.deliveries {
		if existing.ID == delivery.ID {
			return nil, store.ErrConflict
		}
	}
	if delivery.CreatedAt.IsZero() {
		delivery.CreatedAt = time.Now().UTC()
	}
	s.deliveries = append(s.deliveries, delivery)
	created := delivery
	return &created, nil
}

func (s *Store) GetProfile(_ context.Context, id string) (*domain.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	profile, ok := s.profilesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := cloneProfile(profile)
	return &found, nil
}

func (s *Store) CreateProfile(_ context.Context, profile domain.Profile) (*domain.Profile, error) {
	if profile.ID == "" || !profile.Role.Valid() {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.profilesByID[profile.ID]; exists {
		return nil, store.ErrConflict
	}
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = time.Now().UTC()
	}
	s.profilesByID[profile.ID] = cloneProfile(profile)
	created := cloneProfile(profile)
	return &created, nil
}

func (s *Store) UpdateProfile(_ context.Context, profile domain.Profile) (*domain.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.profilesByID[profile.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	existing.Name = profile.Name
	existing.Phone = profile.Phone
	existing.Address = profile.Address
	s.profilesByID[profile.ID] = cloneProfile(existing)
	updated := cloneProfile(existing)
	return &updated, nil
}

func (s *Store) CreateAccount(_ context.Context, account domain.Account) (*domain.Account, error) {
	email := strings.ToLower(strings.TrimSpace(account.Email))
	if email == "" || account.PasswordHash == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accountByEmail[email]; exists {
		return nil, store.ErrConflict
	}
	if account.ID == "" {
		account.ID = xid.New()
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}
	account.Email = email
	s.accountsByID[account.ID] = account
	s.accountByEmail[email] = account.ID
	created := account
	return &created, nil
}

func (s *Store) GetAccountByEmail(_ context.Context, email string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.accountByEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return nil, store.ErrNotFound
	}
	account := s.accountsByID[id]
	return &account, nil
}

func (s *Store) GetAccountByID(_ context.Context, id string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, ok := s.accountsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &account, nil
}

func (s *Store) UpdateAccountPassword(_ context.Context, id string, passwordHash string) error {
	if passwordHash == "" {
		return store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accountsByID[id]
	if !ok {
		return store.ErrNotFound
	}
	account.PasswordHash = passwordHash
	s.accountsByID[id] = account
	return nil
}

func (s *Store) hasCustomerLocked(id string) bool {
	for _, c := range s.customers {
		if c.ID == id {
			return true
		}
	}
	return false
}

// newestFirst copies rows ordered by created_at descending. Rows created at
// the same instant keep reverse insertion order.
func newestFirst[T any](rows []T, createdAt func(T) time.Time) []T {
	out := make([]T, len(rows))
	for i, row := range rows {
		out[len(rows)-1-i] = row
	}
	slices.SortStableFunc(out, func(a, b T) int {
		return createdAt(b).Compare(createdAt(a))
	})
	return out
}

func cloneCustomer(src domain.Customer) domain.Customer {
	dup := src
	if src.UserID != nil {
		userID := *src.UserID
		dup.UserID = &userID
	}
	return dup
}

func cloneSale(src domain.Sale) domain.Sale {
	dup := src
	if src.PaidAmount != nil {
		paid := *src.PaidAmount
		dup.PaidAmount = &paid
	}
	if src.DeliveredBy != nil {
		by := *src.DeliveredBy
		dup.DeliveredBy = &by
	}
	if src.DeliveredByName != nil {
		name := *src.DeliveredByName
		dup.DeliveredByName = &name
	}
	return dup
}

func cloneProfile(src domain.Profile) domain.Profile {
	dup := src
	if src.Address != nil {
		address := *src.Address
		dup.Address = &address
	}
	return dup
}
