package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// Amounts travel as JSON numbers, matching the numeric columns of the record store.
	decimal.MarshalJSONWithoutQuotes = true
}

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04:05"
)

type Role string

const (
	RoleAdmin     Role = "admin"
	RoleCustomer  Role = "customer"
	RoleDeliverer Role = "deliverer"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleCustomer, RoleDeliverer:
		return true
	default:
		return false
	}
}

const (
	TableProfiles   = "profiles"
	TableCustomers  = "customers"
	TableSales      = "sales"
	TableDeliveries = "delivery_records"
)

// Profile is the identity record keyed by the session user id.
type Profile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Address   *string   `json:"address"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// ProfileDefaults is the sign-up metadata a lazily created Profile inherits.
type ProfileDefaults struct {
	Name    string `json:"name,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
	Role    Role   `json:"role,omitempty"`
}

type Customer struct {
	ID        string    `json:"id"`
	UserID    *string   `json:"user_id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Address   string    `json:"address"`
	QRCode    string    `json:"qr_code"`
	JoinDate  string    `json:"join_date"`
	CreatedAt time.Time `json:"created_at"`
}

type Sale struct {
	ID              string           `json:"id"`
	CustomerID      string           `json:"customer_id"`
	CustomerName    string           `json:"customer_name"`
	Quantity        int              `json:"quantity"`
	PricePerCup     decimal.Decimal  `json:"price_per_cup"`
	TotalAmount     decimal.Decimal  `json:"total_amount"`
	IsPaid          bool             `json:"is_paid"`
	PaidAmount      *decimal.Decimal `json:"paid_amount"`
	DeliveredBy     *string          `json:"delivered_by"`
	DeliveredByName *string          `json:"delivered_by_name"`
	SaleDate        string           `json:"sale_date"`
	SaleTime        string           `json:"sale_time"`
	CreatedAt       time.Time        `json:"created_at"`
}

// BilledAmount is what the sale contributes to displayed revenue:
// the settled amount once paid, the nominal total otherwise.
func (s Sale) BilledAmount() decimal.Decimal {
	if s.PaidAmount != nil {
		return *s.PaidAmount
	}
	return s.TotalAmount
}

type DeliveryRecord struct {
	ID           string    `json:"id"`
	CustomerID   string    `json:"customer_id"`
	CustomerName string    `json:"customer_name"`
	Quantity     int       `json:"quantity"`
	DeliveredBy  string    `json:"delivered_by"`
	DeliveryDate string    `json:"delivery_date"`
	DeliveryTime string    `json:"delivery_time"`
	CreatedAt    time.Time `json:"created_at"`
}

// Account is a local credential record. Hosted deployments keep accounts
// in the external session provider instead.
type Account struct {
	ID           string          `json:"id"`
	Email        string          `json:"email"`
	PasswordHash string          `json:"-"`
	Metadata     ProfileDefaults `json:"metadata"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Snapshot is the full business read cache at one point in time.
type Snapshot struct {
	Customers  []Customer       `json:"customers"`
	Sales      []Sale           `json:"sales"`
	Deliveries []DeliveryRecord `json:"deliveries"`
	TakenAt    time.Time        `json:"taken_at"`
}

type NewCustomer struct {
	UserID   *string
	Name     string
	Phone    string
	Address  string
	QRCode   string
	JoinDate string
}

type NewSale struct {
	CustomerID      string
	CustomerName    string
	Quantity        int
	PricePerCup     decimal.Decimal
	TotalAmount     *decimal.Decimal
	DeliveredBy     *string
	DeliveredByName *string
}

type NewDelivery struct {
	CustomerID      string
	CustomerName    string
	Quantity        int
	DeliveredBy     string
	DeliveredByName string
}

// SaleTotal is quantity times price, exact in decimal arithmetic.
func SaleTotal(quantity int, pricePerCup decimal.Decimal) decimal.Decimal {
	return pricePerCup.Mul(decimal.NewFromInt(int64(quantity)))
}

type Actor struct {
	UserID string
	Email  string
	Name   string
	Role   Role
}
