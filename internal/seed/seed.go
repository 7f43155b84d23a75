// Package seed loads demo fixtures into a record store.
package seed

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"chaitrack/backend/internal/domain"
	"chaitrack/backend/internal/session"
	"chaitrack/backend/internal/store"
)

//go:embed demo.yaml
var demoFixture []byte

type Account struct {
	ID       string      `yaml:"id"`
	Email    string      `yaml:"email"`
	Password string      `yaml:"password"`
	Role     domain.Role `yaml:"role"`
	Name     string      `yaml:"name"`
	Phone    string      `yaml:"phone"`
	Address  string      `yaml:"address"`
}

type Customer struct {
	ID       string `yaml:"id"`
	UserID   string `yaml:"user_id"`
	Name     string `yaml:"name"`
	Phone    string `yaml:"phone"`
	Address  string `yaml:"address"`
	QRCode   string `yaml:"qr_code"`
	JoinDate string `yaml:"join_date"`
}

type Sale struct {
	ID          string `yaml:"id"`
	CustomerID  string `yaml:"customer_id"`
	Quantity    int    `yaml:"quantity"`
	PricePerCup string `yaml:"price_per_cup"`
	IsPaid      bool   `yaml:"is_paid"`
	PaidAmount  string `yaml:"paid_amount"`
	DeliveredBy string `yaml:"delivered_by"`
	SaleDate    string `yaml:"sale_date"`
	SaleTime    string `yaml:"sale_time"`
}

type Delivery struct {
	ID           string `yaml:"id"`
	CustomerID   string `yaml:"customer_id"`
	Quantity     int    `yaml:"quantity"`
	DeliveredBy  string `yaml:"delivered_by"`
	DeliveryDate string `yaml:"delivery_date"`
	DeliveryTime string `yaml:"delivery_time"`
}

type Fixture struct {
	Accounts   []Account  `yaml:"accounts"`
	Customers  []Customer `yaml:"customers"`
	Sales      []Sale     `yaml:"sales"`
	Deliveries []Delivery `yaml:"deliveries"`
}

// Summary counts the rows written by Apply. Rows whose id (or account
// email) already exists are skipped and not counted.
type Summary struct {
	Accounts   int
	Customers  int
	Sales      int
	Deliveries int
}

// Demo returns the built-in fixture set.
func Demo() (*Fixture, error) {
	return Parse(demoFixture)
}

func Load(path string) (*Fixture, error) {
	if path == "demo" {
		return Demo()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixtures: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse fixtures: %w", err)
	}
	for i, a := range f.Accounts {
		if strings.TrimSpace(a.Email) == "" || a.Password == "" {
			return nil, fmt.Errorf("account %d: email and password are required", i)
		}
		if !a.Role.Valid() {
			return nil, fmt.Errorf("account %s: invalid role %q", a.Email, a.Role)
		}
	}
	return &f, nil
}

// Apply writes the fixture into repo. Accounts and their profiles are only
// written when accounts is non-nil.
func (f *Fixture) Apply(ctx context.Context, repo store.Repository, accounts store.AccountStore, hashCost int) (Summary, error) {
	var sum Summary
	names := make(map[string]string, len(f.Accounts))

	for _, a := range f.Accounts {
		names[a.ID] = a.Name
		if accounts == nil {
			continue
		}
		hash, err := session.HashPassword(a.Password, hashCost)
		if err != nil {
			return sum, fmt.Errorf("hash password for %s: %w", a.Email, err)
		}
		created, err := accounts.CreateAccount(ctx, domain.Account{
			ID:           a.ID,
			Email:        a.Email,
			PasswordHash: hash,
			Metadata: domain.ProfileDefaults{
				Name:    a.Name,
				Phone:   a.Phone,
				Address: a.Address,
				Role:    a.Role,
			},
		})
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return sum, fmt.Errorf("seed account %s: %w", a.Email, err)
		}
		profile := domain.Profile{
			ID:    created.ID,
			Name:  a.Name,
			Phone: a.Phone,
			Role:  a.Role,
		}
		if a.Address != "" {
			addr := a.Address
			profile.Address = &addr
		}
		if _, err := repo.CreateProfile(ctx, profile); err != nil && !errors.Is(err, store.ErrConflict) {
			return sum, fmt.Errorf("seed profile %s: %w", a.Email, err)
		}
		sum.Accounts++
	}

	customerNames := make(map[string]string, len(f.Customers))
	for _, c := range f.Customers {
		customerNames[c.ID] = c.Name
		row := domain.Customer{
			ID:        c.ID,
			Name:      c.Name,
			Phone:     c.Phone,
			Address:   c.Address,
			QRCode:    c.QRCode,
			JoinDate:  c.JoinDate,
			CreatedAt: stamp(c.JoinDate, ""),
		}
		if c.UserID != "" {
			uid := c.UserID
			row.UserID = &uid
		}
		if _, err := repo.CreateCustomer(ctx, row); err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return sum, fmt.Errorf("seed customer %s: %w", c.ID, err)
		}
		sum.Customers++
	}

	for _, s := range f.Sales {
		price, err := decimal.NewFromString(s.PricePerCup)
		if err != nil {
			return sum, fmt.Errorf("sale %s: price_per_cup: %w", s.ID, err)
		}
		row := domain.Sale{
			ID:           s.ID,
			CustomerID:   s.CustomerID,
			CustomerName: customerNames[s.CustomerID],
			Quantity:     s.Quantity,
			PricePerCup:  price,
			TotalAmount:  domain.SaleTotal(s.Quantity, price),
			IsPaid:       s.IsPaid,
			SaleDate:     s.SaleDate,
			SaleTime:     s.SaleTime,
			CreatedAt:    stamp(s.SaleDate, s.SaleTime),
		}
		if s.IsPaid {
			paid := row.TotalAmount
			if s.PaidAmount != "" {
				if paid, err = decimal.NewFromString(s.PaidAmount); err != nil {
					return sum, fmt.Errorf("sale %s: paid_amount: %w", s.ID, err)
				}
			}
			row.PaidAmount = &paid
		}
		if s.DeliveredBy != "" {
			by := s.DeliveredBy
			row.DeliveredBy = &by
			if name, ok := names[by]; ok {
				row.DeliveredByName = &name
			}
		}
		if _, err := repo.CreateSale(ctx, row); err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return sum, fmt.Errorf("seed sale %s: %w", s.ID, err)
		}
		sum.Sales++
	}

	for _, d := range f.Deliveries {
		row := domain.DeliveryRecord{
			ID:           d.ID,
			CustomerID:   d.CustomerID,
			CustomerName: customerNames[d.CustomerID],
			Quantity:     d.Quantity,
			DeliveredBy:  d.DeliveredBy,
			DeliveryDate: d.DeliveryDate,
			DeliveryTime: d.DeliveryTime,
			CreatedAt:    stamp(d.DeliveryDate, d.DeliveryTime),
		}
		if _, err := repo.CreateDelivery(ctx, row); err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return sum, fmt.Errorf("seed delivery %s: %w", d.ID, err)
		}
		sum.Deliveries++
	}

	return sum, nil
}

// stamp turns a fixture date and time into created_at so that list order
// follows the fixture's own calendar. Unparseable values yield the zero
// time and the store assigns now.
func stamp(date string, clock string) time.Time {
	if clock == "" {
		clock = "00:00:00"
	}
	ts, err := time.Parse(domain.DateLayout+" "+domain.TimeLayout, date+" "+clock)
	if err != nil {
		return time.Time{}
	}
	return ts.UTC()
}
