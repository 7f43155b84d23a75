package views

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"chaitrack/backend/internal/domain"
)

const today = "2026-03-10"

func ptr[T any](v T) *T { return &v }

func sale(id, customerID, name, date string, qty int, paid bool) domain.Sale {
	price := decimal.NewFromInt(10)
	s := domain.Sale{
		ID:           id,
		CustomerID:   customerID,
		CustomerName: name,
		Quantity:     qty,
		PricePerCup:  price,
		TotalAmount:  domain.SaleTotal(qty, price),
		IsPaid:       paid,
		SaleDate:     date,
		SaleTime:     "09:00:00",
		CreatedAt:    time.Now(),
	}
	if paid {
		s.PaidAmount = ptr(s.TotalAmount)
	}
	return s
}

func TestResolve(t *testing.T) {
	admin := &domain.Profile{ID: "a", Role: domain.RoleAdmin}
	cases := []struct {
		name string
		in   Input
		want State
	}{
		{"signed out", Input{}, Unauthenticated},
		{"signed out ignores profile", Input{Profile: admin}, Unauthenticated},
		{"profile pending", Input{Authenticated: true}, Loading},
		{"data pending", Input{Authenticated: true, Profile: admin, DataLoading: true}, Loading},
		{"admin", Input{Authenticated: true, Profile: admin}, AdminView},
		{"deliverer", Input{Authenticated: true, Profile: &domain.Profile{Role: domain.RoleDeliverer}}, DelivererView},
		{"customer", Input{Authenticated: true, Profile: &domain.Profile{Role: domain.RoleCustomer}}, CustomerView},
		{"unknown role", Input{Authenticated: true, Profile: &domain.Profile{Role: "manager"}}, Unauthenticated},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Resolve(tc.in); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestForCustomerPartitionsTodayAndHistory(t *testing.T) {
	profile := domain.Profile{ID: "u1", Role: domain.RoleCustomer}
	customers := []domain.Customer{{ID: "c1", UserID: ptr("u1"), Name: "Rahul", QRCode: "CHAI-AAAA0001"}}

	// newest first
	sales := []domain.Sale{
		sale("s7", "c1", "Rahul", today, 2, false),
		sale("s6", "c2", "Priya", today, 5, false),
		sale("s5", "c1", "Rahul", today, 1, true),
		sale("s4", "c1", "Rahul", "2026-03-09", 3, true),
		sale("s3", "c1", "Rahul", "2026-03-08", 1, true),
		sale("s2", "c1", "Rahul", "2026-03-07", 1, true),
		sale("s1", "c1", "Rahul", "2026-03-06", 4, true),
	}

	dash := ForCustomer(profile, customers, sales, today)
	if dash.Customer == nil || dash.Customer.ID != "c1" {
		t.Fatalf("expected linked customer c1, got %+v", dash.Customer)
	}
	if dash.Today.Cups != 3 || !dash.Today.Amount.Equal(decimal.NewFromInt(30)) || len(dash.TodaySales) != 2 {
		t.Fatalf("unexpected today totals: %+v", dash.Today)
	}
	if dash.AllTime.Cups != 12 || !dash.AllTime.Amount.Equal(decimal.NewFromInt(120)) || dash.AllTime.Count != 6 {
		t.Fatalf("unexpected all-time totals: %+v", dash.AllTime)
	}
	if len(dash.Recent) != 5 {
		t.Fatalf("expected 5 recent sales, got %d", len(dash.Recent))
	}
	if dash.Recent[0].ID != "s7" || dash.Recent[4].ID != "s2" {
		t.Fatalf("expected most recent first, got %s..%s", dash.Recent[0].ID, dash.Recent[4].ID)
	}
}

func TestForCustomerFallsBackToProfileID(t *testing.T) {
	profile := domain.Profile{ID: "c9", Role: domain.RoleCustomer}
	customers := []domain.Customer{{ID: "c9", Name: "Anita"}}
	sales := []domain.Sale{sale("s1", "c9", "Anita", today, 2, false)}

	dash := ForCustomer(profile, customers, sales, today)
	if dash.Customer == nil || dash.Today.Cups != 2 {
		t.Fatalf("expected fallback match on id, got %+v", dash)
	}
}

func TestForCustomerZeroState(t *testing.T) {
	dash := ForCustomer(domain.Profile{ID: "nobody"}, nil, nil, today)
	if dash.Customer != nil || dash.Today.Cups != 0 || !dash.AllTime.Amount.IsZero() {
		t.Fatalf("expected empty dashboard, got %+v", dash)
	}
	if dash.TodaySales == nil || dash.Recent == nil {
		t.Fatalf("expected empty lists, not nil")
	}
}

func TestForDelivererCountsOwnDeliveriesToday(t *testing.T) {
	profile := domain.Profile{ID: "d1", Role: domain.RoleDeliverer}
	deliveries := []domain.DeliveryRecord{
		{ID: "r4", CustomerID: "c1", Quantity: 2, DeliveredBy: "d1", DeliveryDate: today},
		{ID: "r3", CustomerID: "c2", Quantity: 4, DeliveredBy: "d2", DeliveryDate: today},
		{ID: "r2", CustomerID: "c2", Quantity: 3, DeliveredBy: "d1", DeliveryDate: today},
		{ID: "r1", CustomerID: "c1", Quantity: 9, DeliveredBy: "d1", DeliveryDate: "2026-03-09"},
	}

	dash := ForDeliverer(profile, []domain.Customer{{ID: "c1"}, {ID: "c2"}}, deliveries, today)
	if dash.Today.Cups != 5 || dash.Today.Count != 2 {
		t.Fatalf("unexpected totals: %+v", dash.Today)
	}
	if dash.TodayDeliveries[0].ID != "r4" {
		t.Fatalf("expected newest first, got %s", dash.TodayDeliveries[0].ID)
	}
	if len(dash.Customers) != 2 {
		t.Fatalf("expected customer list, got %d", len(dash.Customers))
	}
}

func TestLookupCustomerIsExact(t *testing.T) {
	customers := []domain.Customer{
		{ID: "c1", QRCode: "CHAI-ABCD1234"},
		{ID: "c2", QRCode: "CHAI-0000FFFF"},
	}
	if c, ok := LookupCustomer(customers, "CHAI-ABCD1234"); !ok || c.ID != "c1" {
		t.Fatalf("expected qr match, got %v %v", c, ok)
	}
	if c, ok := LookupCustomer(customers, "c2"); !ok || c.ID != "c2" {
		t.Fatalf("expected id match, got %v %v", c, ok)
	}
	for _, code := range []string{"chai-abcd1234", "CHAI-ABCD", "", " c1"} {
		if _, ok := LookupCustomer(customers, code); ok {
			t.Fatalf("expected no match for %q", code)
		}
	}
}

func TestForAdminRevenueAndPending(t *testing.T) {
	discounted := sale("s3", "c2", "Priya", "2026-03-09", 3, true)
	discounted.PaidAmount = ptr(decimal.NewFromInt(25))

	sales := []domain.Sale{
		sale("s4", "c1", "Rahul", today, 2, false),
		sale("s2", "c1", "Rahul", today, 1, true),
		discounted,
		sale("s1", "c2", "Priya", "2026-03-08", 4, false),
	}
	customers := []domain.Customer{{ID: "c1"}, {ID: "c2"}}

	dash := ForAdmin(customers, sales, today)
	if dash.TotalCustomers != 2 {
		t.Fatalf("expected 2 customers, got %d", dash.TotalCustomers)
	}
	if dash.Today.Cups != 3 || !dash.Today.Amount.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("unexpected today totals: %+v", dash.Today)
	}
	// 20 + 10 + 25 + 40
	if !dash.TotalRevenue.Equal(decimal.NewFromInt(95)) {
		t.Fatalf("expected billed 95, got %s", dash.TotalRevenue)
	}
	if !dash.CollectedRevenue.Equal(decimal.NewFromInt(35)) {
		t.Fatalf("expected collected 35, got %s", dash.CollectedRevenue)
	}
	if !dash.PendingPayments.Equal(decimal.NewFromInt(60)) || dash.PendingCount != 2 {
		t.Fatalf("expected pending 60 over 2 sales, got %s over %d", dash.PendingPayments, dash.PendingCount)
	}
}

func TestForAdminEmpty(t *testing.T) {
	dash := ForAdmin(nil, nil, today)
	if dash.TotalCustomers != 0 || !dash.TotalRevenue.IsZero() || !dash.PendingPayments.IsZero() {
		t.Fatalf("expected zeros, got %+v", dash)
	}
}

func TestPaymentsFiltersAndGroups(t *testing.T) {
	sales := []domain.Sale{
		sale("s4", "c1", "Rahul Sharma", today, 2, false),
		sale("s3", "c2", "Priya", today, 1, false),
		sale("s2", "c1", "Rahul Sharma", "2026-03-09", 3, false),
		sale("s1", "c1", "Rahul Sharma", "2026-03-08", 1, true),
	}

	view := Payments(sales, "  RAHUL ")
	if len(view.Pending) != 2 || len(view.Paid) != 1 {
		t.Fatalf("expected 2 pending and 1 paid, got %d and %d", len(view.Pending), len(view.Paid))
	}
	if len(view.PendingByCustomer) != 2 {
		t.Fatalf("expected groups for every pending customer, got %d", len(view.PendingByCustomer))
	}
	rahul := view.PendingByCustomer[0]
	if rahul.CustomerID != "c1" || rahul.Transactions != 2 || !rahul.TotalAmount.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("unexpected group: %+v", rahul)
	}
	if !view.PendingTotal.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("expected pending total 60, got %s", view.PendingTotal)
	}

	none := Payments(sales, "zzz")
	if len(none.Pending) != 0 || len(none.Paid) != 0 {
		t.Fatalf("expected no matches")
	}
}

func TestSalesByDateNewestFirst(t *testing.T) {
	sales := []domain.Sale{
		sale("s3", "c1", "Rahul", "2026-03-08", 1, false),
		sale("s2", "c1", "Rahul", "2026-03-10", 2, false),
		sale("s1", "c2", "Priya", "2026-03-08", 3, true),
	}
	groups := SalesByDate(sales)
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if groups[0].Date != "2026-03-10" || groups[1].Date != "2026-03-08" {
		t.Fatalf("unexpected order: %s, %s", groups[0].Date, groups[1].Date)
	}
	if groups[1].Totals.Cups != 4 || len(groups[1].Sales) != 2 {
		t.Fatalf("unexpected bucket: %+v", groups[1].Totals)
	}
}
