// Package session establishes who is calling: sign-up, sign-in, sign-out,
// password recovery and token resolution.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chaitrack/backend/internal/domain"
)

const MinPasswordLength = 6

var (
	ErrInvalidCredentials = errors.New("invalid login credentials")
	ErrEmailTaken         = errors.New("user already registered")
	ErrWeakPassword       = fmt.Errorf("password should be at least %d characters", MinPasswordLength)
	ErrInvalidToken       = errors.New("invalid or expired session")
	ErrMissingEmail       = errors.New("email is required")
)

// ProviderError is a rejection from a hosted provider, message kept verbatim.
type ProviderError struct {
	Status  int
	Message string
}

func (e *ProviderError) Error() string {
	return e.Message
}

// Session is an authenticated identity. A Session without AccessToken is
// returned by SignUp when the provider wants the email confirmed first.
type Session struct {
	AccessToken string
	UserID      string
	Email       string
	ExpiresAt   time.Time
	Metadata    domain.ProfileDefaults
	Recovery    bool
}

type SignUpRequest struct {
	Email    string
	Password string
	Metadata domain.ProfileDefaults
}

type Provider interface {
	SignUp(ctx context.Context, req SignUpRequest) (*Session, error)
	SignIn(ctx context.Context, email string, password string) (*Session, error)
	SignOut(ctx context.Context, token string) error
	RequestPasswordReset(ctx context.Context, email string) error
	UpdatePassword(ctx context.Context, token string, newPassword string) error
	GetSession(ctx context.Context, token string) (*Session, error)
}

// IsAuthError reports whether err belongs to the authentication family
// that callers show to the user as-is.
func IsAuthError(err error) bool {
	var perr *ProviderError
	return errors.Is(err, ErrInvalidCredentials) ||
		errors.Is(err, ErrEmailTaken) ||
		errors.Is(err, ErrWeakPassword) ||
		errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrMissingEmail) ||
		errors.As(err, &perr)
}
