// Package views derives the role dashboards from cached collections.
// Nothing here is persisted; every read model is recomputed on request.
package views

import (
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"chaitrack/backend/internal/domain"
)

type State string

const (
	Unauthenticated State = "unauthenticated"
	Loading         State = "loading"
	CustomerView    State = "customer"
	DelivererView   State = "deliverer"
	AdminView       State = "admin"
)

type Input struct {
	Authenticated bool
	Profile       *domain.Profile
	DataLoading   bool
}

// Resolve picks the view. A role view is reached only once both the profile
// and the first data load are in; the role alone decides which one.
func Resolve(in Input) State {
	if !in.Authenticated {
		return Unauthenticated
	}
	if in.Profile == nil || in.DataLoading {
		return Loading
	}
	switch in.Profile.Role {
	case domain.RoleAdmin:
		return AdminView
	case domain.RoleDeliverer:
		return DelivererView
	case domain.RoleCustomer:
		return CustomerView
	default:
		return Unauthenticated
	}
}

type Totals struct {
	Cups   int             `json:"cups"`
	Amount decimal.Decimal `json:"amount"`
	Count  int             `json:"count"`
}

func (t *Totals) addSale(s domain.Sale) {
	t.Cups += s.Quantity
	t.Amount = t.Amount.Add(s.TotalAmount)
	t.Count++
}

const recentLimit = 5

type CustomerDashboard struct {
	Customer   *domain.CustomerUI `json:"customer,omitempty"`
	Today      Totals             `json:"today"`
	TodaySales []domain.SaleUI    `json:"todaySales"`
	AllTime    Totals             `json:"allTime"`
	Recent     []domain.SaleUI    `json:"recent"`
}

// CustomerFor finds the customer record behind a profile: the one linked by
// user_id, else the one whose id is the profile id.
func CustomerFor(profile domain.Profile, customers []domain.Customer) (domain.Customer, bool) {
	for _, c := range customers {
		if c.UserID != nil && *c.UserID == profile.ID {
			return c, true
		}
	}
	for _, c := range customers {
		if c.ID == profile.ID {
			return c, true
		}
	}
	return domain.Customer{}, false
}

// ForCustomer expects sales newest first, as the cache keeps them.
func ForCustomer(profile domain.Profile, customers []domain.Customer, sales []domain.Sale, today string) CustomerDashboard {
	dash := CustomerDashboard{
		TodaySales: []domain.SaleUI{},
		Recent:     []domain.SaleUI{},
	}
	selfID := profile.ID
	if c, ok := CustomerFor(profile, customers); ok {
		ui := domain.CustomerToUI(c)
		dash.Customer = &ui
		selfID = c.ID
	}

	for _, s := range sales {
		if s.CustomerID != selfID {
			continue
		}
		dash.AllTime.addSale(s)
		if s.SaleDate == today {
			dash.Today.addSale(s)
			dash.TodaySales = append(dash.TodaySales, domain.SaleToUI(s))
		}
		if len(dash.Recent) < recentLimit {
			dash.Recent = append(dash.Recent, domain.SaleToUI(s))
		}
	}
	return dash
}

type DelivererDashboard struct {
	Today           Totals              `json:"today"`
	TodayDeliveries []domain.DeliveryUI `json:"todayDeliveries"`
	Customers       []domain.CustomerUI `json:"customers"`
}

func ForDeliverer(profile domain.Profile, customers []domain.Customer, deliveries []domain.DeliveryRecord, today string) DelivererDashboard {
	dash := DelivererDashboard{
		TodayDeliveries: []domain.DeliveryUI{},
		Customers:       domain.CustomersToUI(customers),
	}
	for _, d := range deliveries {
		if d.DeliveredBy != profile.ID || d.DeliveryDate != today {
			continue
		}
		dash.Today.Cups += d.Quantity
		dash.Today.Count++
		dash.TodayDeliveries = append(dash.TodayDeliveries, domain.DeliveryToUI(d))
	}
	return dash
}

// LookupCustomer scans for an exact, case-sensitive match on qr_code or id.
func LookupCustomer(customers []domain.Customer, code string) (domain.Customer, bool) {
	if code == "" {
		return domain.Customer{}, false
	}
	for _, c := range customers {
		if c.QRCode == code || c.ID == code {
			return c, true
		}
	}
	return domain.Customer{}, false
}

type AdminDashboard struct {
	TotalCustomers   int             `json:"totalCustomers"`
	Today            Totals          `json:"today"`
	TodaySales       []domain.SaleUI `json:"todaySales"`
	TotalRevenue     decimal.Decimal `json:"totalRevenue"`
	CollectedRevenue decimal.Decimal `json:"collectedRevenue"`
	PendingPayments  decimal.Decimal `json:"pendingPayments"`
	PendingCount     int             `json:"pendingCount"`
}

// ForAdmin reports billed revenue (paid_amount when set, else the nominal
// total) next to collected revenue (paid_amount of paid sales only).
func ForAdmin(customers []domain.Customer, sales []domain.Sale, today string) AdminDashboard {
	dash := AdminDashboard{
		TotalCustomers:   len(customers),
		TodaySales:       []domain.SaleUI{},
		TotalRevenue:     decimal.Zero,
		CollectedRevenue: decimal.Zero,
		PendingPayments:  decimal.Zero,
	}
	for _, s := range sales {
		dash.TotalRevenue = dash.TotalRevenue.Add(s.BilledAmount())
		if s.IsPaid && s.PaidAmount != nil {
			dash.CollectedRevenue = dash.CollectedRevenue.Add(*s.PaidAmount)
		}
		if !s.IsPaid {
			dash.PendingPayments = dash.PendingPayments.Add(s.TotalAmount)
			dash.PendingCount++
		}
		if s.SaleDate == today {
			dash.Today.addSale(s)
			dash.TodaySales = append(dash.TodaySales, domain.SaleToUI(s))
		}
	}
	return dash
}

type CustomerPending struct {
	CustomerID   string          `json:"customerId"`
	CustomerName string          `json:"customerName"`
	TotalAmount  decimal.Decimal `json:"totalAmount"`
	Transactions int             `json:"totalTransactions"`
	Sales        []domain.SaleUI `json:"sales"`
}

type PaymentsView struct {
	Pending           []domain.SaleUI   `json:"pending"`
	Paid              []domain.SaleUI   `json:"paid"`
	PendingByCustomer []CustomerPending `json:"pendingByCustomer"`
	PendingTotal      decimal.Decimal   `json:"pendingTotal"`
}

// Payments splits sales into pending and paid, filtered by a
// case-insensitive customer-name substring. The per-customer pending
// groups ignore the filter.
func Payments(sales []domain.Sale, search string) PaymentsView {
	view := PaymentsView{
		Pending:           []domain.SaleUI{},
		Paid:              []domain.SaleUI{},
		PendingByCustomer: []CustomerPending{},
		PendingTotal:      decimal.Zero,
	}
	needle := strings.ToLower(strings.TrimSpace(search))
	groups := make(map[string]int)

	for _, s := range sales {
		matches := needle == "" || strings.Contains(strings.ToLower(s.CustomerName), needle)
		if s.IsPaid {
			if matches {
				view.Paid = append(view.Paid, domain.SaleToUI(s))
			}
			continue
		}
		if matches {
			view.Pending = append(view.Pending, domain.SaleToUI(s))
		}
		view.PendingTotal = view.PendingTotal.Add(s.TotalAmount)

		idx, ok := groups[s.CustomerID]
		if !ok {
			idx = len(view.PendingByCustomer)
			groups[s.CustomerID] = idx
			view.PendingByCustomer = append(view.PendingByCustomer, CustomerPending{
				CustomerID:   s.CustomerID,
				CustomerName: s.CustomerName,
				TotalAmount:  decimal.Zero,
				Sales:        []domain.SaleUI{},
			})
		}
		g := &view.PendingByCustomer[idx]
		g.TotalAmount = g.TotalAmount.Add(s.TotalAmount)
		g.Transactions++
		g.Sales = append(g.Sales, domain.SaleToUI(s))
	}
	return view
}

type DateGroup struct {
	Date   string          `json:"date"`
	Totals Totals          `json:"totals"`
	Sales  []domain.SaleUI `json:"sales"`
}

// SalesByDate buckets sales by sale_date, newest date first.
func SalesByDate(sales []domain.Sale) []DateGroup {
	index := make(map[string]int)
	groups := make([]DateGroup, 0)
	for _, s := range sales {
		idx, ok := index[s.SaleDate]
		if !ok {
			idx = len(groups)
			index[s.SaleDate] = idx
			groups = append(groups, DateGroup{Date: s.SaleDate, Sales: []domain.SaleUI{}})
		}
		groups[idx].Totals.addSale(s)
		groups[idx].Sales = append(groups[idx].Sales, domain.SaleToUI(s))
	}
	slices.SortStableFunc(groups, func(a, b DateGroup) int {
		return strings.Compare(b.Date, a.Date)
	})
	return groups
}
