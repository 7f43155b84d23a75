package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

type ProfileUI struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
	Role    Role   `json:"role"`
}

type CustomerUI struct {
	ID       string `json:"id"`
	UserID   string `json:"userId,omitempty"`
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Address  string `json:"address"`
	QRCode   string `json:"qrCode"`
	JoinDate string `json:"joinDate"`
}

type SaleUI struct {
	ID              string           `json:"id"`
	CustomerID      string           `json:"customerId"`
	CustomerName    string           `json:"customerName"`
	Quantity        int              `json:"quantity"`
	PricePerCup     decimal.Decimal  `json:"pricePerCup"`
	TotalAmount     decimal.Decimal  `json:"totalAmount"`
	Date            string           `json:"date"`
	Time            string           `json:"time"`
	IsPaid          bool             `json:"isPaid"`
	PaidAmount      *decimal.Decimal `json:"paidAmount,omitempty"`
	DeliveredBy     string           `json:"deliveredBy,omitempty"`
	DeliveredByName string           `json:"deliveredByName,omitempty"`
}

type DeliveryUI struct {
	ID           string `json:"id"`
	CustomerID   string `json:"customerId"`
	CustomerName string `json:"customerName"`
	Quantity     int    `json:"quantity"`
	DeliveredBy  string `json:"deliveredBy"`
	Date         string `json:"date"`
	Time         string `json:"time"`
}

func ProfileToUI(p Profile) ProfileUI {
	return ProfileUI{
		ID:      p.ID,
		Name:    p.Name,
		Phone:   p.Phone,
		Address: deref(p.Address),
		Role:    p.Role,
	}
}

func CustomerToUI(c Customer) CustomerUI {
	return CustomerUI{
		ID:       c.ID,
		UserID:   deref(c.UserID),
		Name:     c.Name,
		Phone:    c.Phone,
		Address:  c.Address,
		QRCode:   c.QRCode,
		JoinDate: c.JoinDate,
	}
}

func CustomersToUI(customers []Customer) []CustomerUI {
	out := make([]CustomerUI, 0, len(customers))
	for _, c := range customers {
		out = append(out, CustomerToUI(c))
	}
	return out
}

func SaleToUI(s Sale) SaleUI {
	return SaleUI{
		ID:              s.ID,
		CustomerID:      s.CustomerID,
		CustomerName:    s.CustomerName,
		Quantity:        s.Quantity,
		PricePerCup:     s.PricePerCup,
		TotalAmount:     s.TotalAmount,
		Date:            s.SaleDate,
		Time:            s.SaleTime,
		IsPaid:          s.IsPaid,
		PaidAmount:      s.PaidAmount,
		DeliveredBy:     deref(s.DeliveredBy),
		DeliveredByName: deref(s.DeliveredByName),
	}
}

func SalesToUI(sales []Sale) []SaleUI {
	out := make([]SaleUI, 0, len(sales))
	for _, s := range sales {
		out = append(out, SaleToUI(s))
	}
	return out
}

func DeliveryToUI(d DeliveryRecord) DeliveryUI {
	return DeliveryUI{
		ID:           d.ID,
		CustomerID:   d.CustomerID,
		CustomerName: d.CustomerName,
		Quantity:     d.Quantity,
		DeliveredBy:  d.DeliveredBy,
		Date:         d.DeliveryDate,
		Time:         d.DeliveryTime,
	}
}

func DeliveriesToUI(deliveries []DeliveryRecord) []DeliveryUI {
	out := make([]DeliveryUI, 0, len(deliveries))
	for _, d := range deliveries {
		out = append(out, DeliveryToUI(d))
	}
	return out
}

func (r CustomerCreateRequest) ToNewCustomer() NewCustomer {
	return NewCustomer{
		UserID:   optional(r.UserID),
		Name:     strings.TrimSpace(r.Name),
		Phone:    strings.TrimSpace(r.Phone),
		Address:  strings.TrimSpace(r.Address),
		QRCode:   strings.TrimSpace(r.QRCode),
		JoinDate: strings.TrimSpace(r.JoinDate),
	}
}

func (r SaleCreateRequest) ToNewSale() NewSale {
	return NewSale{
		CustomerID:   strings.TrimSpace(r.CustomerID),
		CustomerName: strings.TrimSpace(r.CustomerName),
		Quantity:     r.Quantity,
		PricePerCup:  r.PricePerCup,
		TotalAmount:  r.TotalAmount,
	}
}

func (r DeliveryCreateRequest) ToNewDelivery(actor Actor) NewDelivery {
	return NewDelivery{
		CustomerID:      strings.TrimSpace(r.CustomerID),
		CustomerName:    strings.TrimSpace(r.CustomerName),
		Quantity:        r.Quantity,
		DeliveredBy:     actor.UserID,
		DeliveredByName: actor.Name,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
