package hosted

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"chaitrack/backend/internal/domain"
	"chaitrack/backend/internal/store"
)

func TestListCustomersUsesRowStoreConventions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/v1/customers" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("order") != "created_at.desc" || r.URL.Query().Get("select") != "*" {
			t.Fatalf("unexpected query %s", r.URL.RawQuery)
		}
		if r.Header.Get("apikey") != "anon-key" || r.Header.Get("Authorization") != "Bearer anon-key" {
			t.Fatalf("missing api key headers: %v", r.Header)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[{"id":"c2","user_id":null,"name":"Priya","phone":"2","address":"","qr_code":"CHAI-2","join_date":"2026-10-16","created_at":"2026-10-16T09:00:00Z"},
			{"id":"c1","user_id":"u1","name":"Rahul","phone":"1","address":"MG Road","qr_code":"CHAI-1","join_date":"2026-10-15","created_at":"2026-10-15T09:00:00Z"}]`)
	}))
	defer srv.Close()

	s := New(srv.URL, "anon-key")
	customers, err := s.ListCustomers(context.Background())
	if err != nil {
		t.Fatalf("list customers: %v", err)
	}
	if len(customers) != 2 || customers[0].ID != "c2" {
		t.Fatalf("unexpected customers %+v", customers)
	}
	if customers[1].UserID == nil || *customers[1].UserID != "u1" {
		t.Fatalf("expected user id back-reference, got %+v", customers[1])
	}
}

func TestCreateSaleRequestsRepresentation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/rest/v1/sales" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Prefer") != "return=representation" {
			t.Fatalf("expected return=representation, got %q", r.Header.Get("Prefer"))
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["total_amount"] != float64(20) || body["is_paid"] != false {
			t.Fatalf("unexpected body %v", body)
		}
		body["created_at"] = "2026-10-16T09:00:00Z"
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode([]any{body})
	}))
	defer srv.Close()

	s := New(srv.URL, "anon-key")
	sale, err := s.CreateSale(context.Background(), domain.Sale{
		CustomerID:   "c1",
		CustomerName: "Rahul",
		Quantity:     2,
		PricePerCup:  decimal.NewFromInt(10),
		TotalAmount:  decimal.NewFromInt(20),
		SaleDate:     "2026-10-16",
		SaleTime:     "09:00:00",
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if sale.ID == "" || !sale.TotalAmount.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("unexpected sale %+v", sale)
	}
}

func TestMarkSalePaidDistinguishesAlreadyPaid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodPatch:
			if r.URL.Query().Get("is_paid") != "eq.false" {
				t.Fatalf("expected unpaid filter, got %s", r.URL.RawQuery)
			}
			_, _ = io.WriteString(w, `[]`)
		case http.MethodGet:
			if r.URL.Query().Get("id") == "eq.paid" {
				_, _ = io.WriteString(w, `[{"id":"paid","is_paid":true,"paid_amount":20,"total_amount":20,"price_per_cup":10,"quantity":2}]`)
				return
			}
			_, _ = io.WriteString(w, `[]`)
		}
	}))
	defer srv.Close()

	s := New(srv.URL, "anon-key")
	if _, err := s.MarkSalePaid(context.Background(), "paid", decimal.NewFromInt(20)); !errors.Is(err, store.ErrAlreadyPaid) {
		t.Fatalf("expected ErrAlreadyPaid, got %v", err)
	}
	if _, err := s.MarkSalePaid(context.Background(), "missing", decimal.NewFromInt(20)); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRejectedWritesMapToStoreErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"code":"23503","message":"insert or update on table \"delivery_records\" violates foreign key constraint"}`)
	}))
	defer srv.Close()

	s := New(srv.URL, "anon-key")
	_, err := s.CreateDelivery(context.Background(), domain.DeliveryRecord{CustomerID: "ghost", DeliveredBy: "d1", Quantity: 1})
	if !errors.Is(err, store.ErrUnknownCustomer) {
		t.Fatalf("expected ErrUnknownCustomer, got %v", err)
	}
	if !strings.Contains(err.Error(), "foreign key") {
		t.Fatalf("expected backend message to be kept, got %v", err)
	}
}
