package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"chaitrack/backend/internal/domain"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrConflict        = errors.New("conflict")
	ErrUnknownCustomer = errors.New("unknown customer")
	ErrAlreadyPaid     = errors.New("sale already paid")
)

// Repository is the record store: four row tables with create, read and
// update. Implementations assign id and created_at when they are empty and
// list rows newest-created first.
type Repository interface {
	ListCustomers(ctx context.Context) ([]domain.Customer, error)
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)
	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	ListSales(ctx context.Context) ([]domain.Sale, error)
	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	MarkSalePaid(ctx context.Context, id string, paidAmount decimal.Decimal) (*domain.Sale, error)
	ListDeliveries(ctx context.Context) ([]domain.DeliveryRecord, error)
	CreateDelivery(ctx context.Context, delivery domain.DeliveryRecord) (*domain.DeliveryRecord, error)
	ProfileStore
}

type ProfileStore interface {
	GetProfile(ctx context.Context, id string) (*domain.Profile, error)
	CreateProfile(ctx context.Context, profile domain.Profile) (*domain.Profile, error)
	UpdateProfile(ctx context.Context, profile domain.Profile) (*domain.Profile, error)
}

// AccountStore backs the local session provider. Emails are stored lower-case.
type AccountStore interface {
	CreateAccount(ctx context.Context, account domain.Account) (*domain.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*domain.Account, error)
	GetAccountByID(ctx context.Context, id string) (*domain.Account, error)
	UpdateAccountPassword(ctx context.Context, id string, passwordHash string) error
}
