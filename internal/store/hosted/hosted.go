// Package hosted talks to a hosted row-store service that follows the
// PostgREST conventions (`/rest/v1/<table>`, `eq.` filters, `Prefer` headers).
package hosted

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"chaitrack/backend/internal/domain"
	"chaitrack/backend/internal/store"
	"chaitrack/backend/internal/xid"
)

type Store struct {
	client *resty.Client
}

// APIError is the error body the row-store returns on rejected requests.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("record store: status %d", e.Status)
	}
	return fmt.Sprintf("record store: %s (status %d, code %s)", e.Message, e.Status, e.Code)
}

// NewClient builds the resty client shared by the row-store and auth calls
// against one hosted backend.
func NewClient(baseURL string, apiKey string) *resty.Client {
	return resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(20*time.Second).
		SetHeader("apikey", apiKey).
		SetHeader("Accept", "application/json").
		SetAuthToken(apiKey)
}

func New(baseURL string, apiKey string) *Store {
	return &Store{client: NewClient(baseURL, apiKey)}
}

// NewWithClient lets tests and callers supply a preconfigured client.
func NewWithClient(client *resty.Client) *Store {
	return &Store{client: client}
}

func (s *Store) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	var customers []domain.Customer
	if err := s.list(ctx, domain.TableCustomers, &customers); err != nil {
		return nil, err
	}
	return customers, nil
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	var rows []domain.Customer
	if err := s.getByID(ctx, domain.TableCustomers, id, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, store.ErrNotFound
	}
	return &rows[0], nil
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if strings.TrimSpace(customer.Name) == "" || strings.TrimSpace(customer.Phone) == "" {
		return nil, store.ErrInvalidInput
	}
	if customer.ID == "" {
		customer.ID = xid.New()
	}
	if customer.QRCode == "" {
		customer.QRCode = xid.QRCode()
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}

	var rows []domain.Customer
	if err := s.insert(ctx, domain.TableCustomers, customer, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return &customer, nil
	}
	return &rows[0], nil
}

func (s *Store) ListSales(ctx context.Context) ([]domain.Sale, error) {
	var sales []domain.Sale
	if err := s.list(ctx, domain.TableSales, &sales); err != nil {
		return nil, err
	}
	return sales, nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.CustomerID == "" || sale.Quantity < 1 || !sale.PricePerCup.IsPositive() {
		return nil, store.ErrInvalidInput
	}
	if sale.ID == "" {
		sale.ID = xid.New()
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}

	var rows []domain.Sale
	if err := s.insert(ctx, domain.TableSales, sale, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return &sale, nil
	}
	return &rows[0], nil
}

func (s *Store) MarkSalePaid(ctx context.Context, id string, paidAmount decimal.Decimal) (*domain.Sale, error) {
	if !paidAmount.IsPositive() {
		return nil, store.ErrInvalidInput
	}

	var rows []domain.Sale
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Prefer", "return=representation").
		SetQueryParam("id", "eq."+id).
		SetQueryParam("is_paid", "eq.false").
		SetBody(map[string]any{"is_paid": true, "paid_amount": paidAmount}).
		SetResult(&rows).
		SetError(&APIError{}).
		Patch(tablePath(domain.TableSales))
	if err := checkResponse(resp, err, domain.TableSales); err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		return &rows[0], nil
	}

	var existing []domain.Sale
	if err := s.getByID(ctx, domain.TableSales, id, &existing); err != nil {
		return nil, err
	}
	if len(existing) == 0 {
		return nil, store.ErrNotFound
	}
	return nil, store.ErrAlreadyPaid
}

func (s *Store) ListDeliveries(ctx context.Context) ([]domain.DeliveryRecord, error) {
	var deliveries []domain.DeliveryRecord
	if err := s.list(ctx, domain.TableDeliveries, &deliveries); err != nil {
		return nil, err
	}
	return deliveries, nil
}

func (s *Store) CreateDelivery(ctx context.Context, delivery domain.DeliveryRecord) (*domain.DeliveryRecord, error) {
	if delivery.CustomerID == "" || delivery.DeliveredBy == "" || delivery.Quantity < 1 {
		return nil, store.ErrInvalidInput
	}
	if delivery.ID == "" {
		delivery.ID = xid.New()
	}
	if delivery.CreatedAt.IsZero() {
		delivery.CreatedAt = time.Now().UTC()
	}

	var rows []domain.DeliveryRecord
	if err := s.insert(ctx, domain.TableDeliveries, delivery, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return &delivery, nil
	}
	return &rows[0], nil
}

func (s *Store) GetProfile(ctx context.Context, id string) (*domain.Profile, error) {
	var rows []domain.Profile
	if err := s.getByID(ctx, domain.TableProfiles, id, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, store.ErrNotFound
	}
	return &rows[0], nil
}

func (s *Store) CreateProfile(ctx context.Context, profile domain.Profile) (*domain.Profile, error) {
	if profile.ID == "" || !profile.Role.Valid() {
		return nil, store.ErrInvalidInput
	}
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = time.Now().UTC()
	}

	var rows []domain.Profile
	if err := s.insert(ctx, domain.TableProfiles, profile, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return &profile, nil
	}
	return &rows[0], nil
}

func (s *Store) UpdateProfile(ctx context.Context, profile domain.Profile) (*domain.Profile, error) {
	var rows []domain.Profile
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Prefer", "return=representation").
		SetQueryParam("id", "eq."+profile.ID).
		SetBody(map[string]any{"name": profile.Name, "phone": profile.Phone, "address": profile.Address}).
		SetResult(&rows).
		SetError(&APIError{}).
		Patch(tablePath(domain.TableProfiles))
	if err := checkResponse(resp, err, domain.TableProfiles); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, store.ErrNotFound
	}
	return &rows[0], nil
}

func (s *Store) list(ctx context.Context, table string, out any) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParam("select", "*").
		SetQueryParam("order", "created_at.desc").
		SetResult(out).
		SetError(&APIError{}).
		Get(tablePath(table))
	return checkResponse(resp, err, table)
}

func (s *Store) getByID(ctx context.Context, table string, id string, out any) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParam("select", "*").
		SetQueryParam("id", "eq."+id).
		SetResult(out).
		SetError(&APIError{}).
		Get(tablePath(table))
	return checkResponse(resp, err, table)
}

func (s *Store) insert(ctx context.Context, table string, row any, out any) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Prefer", "return=representation").
		SetBody(row).
		SetResult(out).
		SetError(&APIError{}).
		Post(tablePath(table))
	return checkResponse(resp, err, table)
}

func tablePath(table string) string {
	return "/rest/v1/" + url.PathEscape(table)
}

func checkResponse(resp *resty.Response, err error, table string) error {
	if err != nil {
		return fmt.Errorf("%s request: %w", table, err)
	}
	if !resp.IsError() {
		return nil
	}

	apiErr, ok := resp.Error().(*APIError)
	if !ok || apiErr == nil {
		apiErr = &APIError{Message: strings.TrimSpace(resp.String())}
	}
	apiErr.Status = resp.StatusCode()

	switch {
	case apiErr.Code == "23503":
		return fmt.Errorf("%w: %s", store.ErrUnknownCustomer, apiErr.Message)
	case apiErr.Code == "23502" || apiErr.Code == "23514" || apiErr.Code == "22P02":
		return fmt.Errorf("%w: %s", store.ErrInvalidInput, apiErr.Message)
	case apiErr.Code == "23505" || apiErr.Status == http.StatusConflict:
		return fmt.Errorf("%w: %s", store.ErrConflict, apiErr.Message)
	case apiErr.Status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", store.ErrNotFound, apiErr.Message)
	default:
		return apiErr
	}
}
