package domain

import "github.com/shopspring/decimal"

// Request and response bodies use the client naming (camelCase). The
// storage naming above never leaves the service.

type SignUpRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Address  string `json:"address,omitempty"`
	Role     Role   `json:"role,omitempty"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RecoverRequest struct {
	Email string `json:"email"`
}

type PasswordUpdateRequest struct {
	Password string `json:"password"`
}

type SessionResponse struct {
	AccessToken string     `json:"accessToken,omitempty"`
	ExpiresAt   string     `json:"expiresAt,omitempty"`
	Recovery    bool       `json:"recovery,omitempty"`
	Profile     *ProfileUI `json:"profile,omitempty"`
	View        string     `json:"view"`
}

type SignUpResponse struct {
	UserID               string           `json:"userId"`
	Email                string           `json:"email"`
	ConfirmationRequired bool             `json:"confirmationRequired"`
	Session              *SessionResponse `json:"session,omitempty"`
}

type ProfileUpdateRequest struct {
	Name    *string `json:"name,omitempty"`
	Phone   *string `json:"phone,omitempty"`
	Address *string `json:"address,omitempty"`
}

type CustomerCreateRequest struct {
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Address  string `json:"address,omitempty"`
	QRCode   string `json:"qrCode,omitempty"`
	JoinDate string `json:"joinDate,omitempty"`
	UserID   string `json:"userId,omitempty"`
}

type SaleCreateRequest struct {
	CustomerID   string           `json:"customerId"`
	CustomerName string           `json:"customerName"`
	Quantity     int              `json:"quantity"`
	PricePerCup  decimal.Decimal  `json:"pricePerCup"`
	TotalAmount  *decimal.Decimal `json:"totalAmount,omitempty"`
}

type DeliveryCreateRequest struct {
	CustomerID   string `json:"customerId"`
	CustomerName string `json:"customerName"`
	Quantity     int    `json:"quantity"`
}

type PaymentRequest struct {
	PaidAmount decimal.Decimal `json:"paidAmount"`
}

type DeliveryResponse struct {
	Delivery DeliveryUI `json:"delivery"`
	Sale     *SaleUI    `json:"sale,omitempty"`
	Error    string     `json:"error,omitempty"`
}
