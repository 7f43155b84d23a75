package session

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/go-resty/resty/v2"

	"chaitrack/backend/internal/domain"
)

// Hosted delegates to a hosted auth API (`/auth/v1`). Tokens are issued
// and verified by the backend; this side never sees a password hash.
type Hosted struct {
	client     *resty.Client
	redirectTo string
}

type hostedUser struct {
	ID           string                 `json:"id"`
	Email        string                 `json:"email"`
	UserMetadata domain.ProfileDefaults `json:"user_metadata"`
}

type hostedSession struct {
	AccessToken string     `json:"access_token"`
	ExpiresIn   int64      `json:"expires_in"`
	ExpiresAt   int64      `json:"expires_at"`
	User        hostedUser `json:"user"`
}

// hostedSignUp covers both answers of the signup endpoint: a session when
// confirmation is off, a bare user when it is on.
type hostedSignUp struct {
	hostedSession
	ID           string                 `json:"id"`
	Email        string                 `json:"email"`
	UserMetadata domain.ProfileDefaults `json:"user_metadata"`
}

type hostedError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
}

func (e *hostedError) text() string {
	for _, s := range []string{e.ErrorDescription, e.Msg, e.Message, e.Error} {
		if strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

func NewHosted(client *resty.Client, redirectTo string) *Hosted {
	return &Hosted{client: client, redirectTo: redirectTo}
}

func (h *Hosted) SignUp(ctx context.Context, req SignUpRequest) (*Session, error) {
	if normalizeEmail(req.Email) == "" {
		return nil, ErrMissingEmail
	}
	var out hostedSignUp
	resp, err := h.client.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"email":    normalizeEmail(req.Email),
			"password": req.Password,
			"data":     req.Metadata,
		}).
		SetResult(&out).
		SetError(&hostedError{}).
		Post("/auth/v1/signup")
	if err := checkAuthResponse(resp, err); err != nil {
		return nil, err
	}

	if out.AccessToken != "" {
		return out.hostedSession.toSession(time.Now().UTC()), nil
	}
	return &Session{UserID: out.ID, Email: out.Email, Metadata: out.UserMetadata}, nil
}

func (h *Hosted) SignIn(ctx context.Context, email string, password string) (*Session, error) {
	var out hostedSession
	resp, err := h.client.R().
		SetContext(ctx).
		SetQueryParam("grant_type", "password").
		SetBody(map[string]string{"email": normalizeEmail(email), "password": password}).
		SetResult(&out).
		SetError(&hostedError{}).
		Post("/auth/v1/token")
	if err := checkAuthResponse(resp, err); err != nil {
		return nil, err
	}
	return out.toSession(time.Now().UTC()), nil
}

func (h *Hosted) SignOut(ctx context.Context, token string) error {
	resp, err := h.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetError(&hostedError{}).
		Post("/auth/v1/logout")
	return checkAuthResponse(resp, err)
}

func (h *Hosted) RequestPasswordReset(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	if email == "" {
		return ErrMissingEmail
	}
	req := h.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"email": email}).
		SetError(&hostedError{})
	if h.redirectTo != "" {
		req.SetQueryParam("redirect_to", h.redirectTo)
	}
	resp, err := req.Post("/auth/v1/recover")
	return checkAuthResponse(resp, err)
}

func (h *Hosted) UpdatePassword(ctx context.Context, token string, newPassword string) error {
	if len(newPassword) < MinPasswordLength {
		return ErrWeakPassword
	}
	resp, err := h.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(map[string]string{"password": newPassword}).
		SetError(&hostedError{}).
		Put("/auth/v1/user")
	return checkAuthResponse(resp, err)
}

func (h *Hosted) GetSession(ctx context.Context, token string) (*Session, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrInvalidToken
	}
	var user hostedUser
	resp, err := h.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(&user).
		SetError(&hostedError{}).
		Get("/auth/v1/user")
	if err := checkAuthResponse(resp, err); err != nil {
		return nil, err
	}

	sess := &Session{AccessToken: token, UserID: user.ID, Email: user.Email, Metadata: user.UserMetadata}
	expiresAt, recovery := inspectToken(token)
	sess.ExpiresAt = expiresAt
	sess.Recovery = recovery
	return sess, nil
}

func (s hostedSession) toSession(now time.Time) *Session {
	expiresAt := now.Add(time.Duration(s.ExpiresIn) * time.Second)
	if s.ExpiresAt > 0 {
		expiresAt = time.Unix(s.ExpiresAt, 0).UTC()
	}
	return &Session{
		AccessToken: s.AccessToken,
		UserID:      s.User.ID,
		Email:       s.User.Email,
		ExpiresAt:   expiresAt,
		Metadata:    s.User.UserMetadata,
	}
}

type hostedClaims struct {
	jwtlib.RegisteredClaims
	AMR []struct {
		Method string `json:"method"`
	} `json:"amr"`
}

// inspectToken reads expiry and the recovery marker from a token the
// backend has just accepted. The signature is the backend's to check.
func inspectToken(token string) (time.Time, bool) {
	claims := &hostedClaims{}
	if _, _, err := jwtlib.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time.UTC()
	}
	for _, m := range claims.AMR {
		if m.Method == "recovery" || m.Method == "otp" {
			return expiresAt, true
		}
	}
	return expiresAt, false
}

func checkAuthResponse(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("auth request: %w", err)
	}
	if !resp.IsError() {
		return nil
	}

	message := ""
	if herr, ok := resp.Error().(*hostedError); ok && herr != nil {
		message = herr.text()
	}
	if message == "" {
		message = strings.TrimSpace(resp.String())
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode())
	}

	if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
		if resp.Request != nil && resp.Request.Method == http.MethodGet {
			return ErrInvalidToken
		}
	}
	return &ProviderError{Status: resp.StatusCode(), Message: message}
}
