package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"chaitrack/backend/internal/domain"
	"chaitrack/backend/internal/store"
	"chaitrack/backend/internal/xid"
)

const (
	purposeAccess   = "access"
	purposeRecovery = "recovery"
	issuer          = "chaitrack"
)

type LocalConfig struct {
	Secret           string
	AccessTTL        time.Duration
	RecoveryTTL      time.Duration
	ResetRedirectURL string
	HashCost         int
}

// Local keeps accounts in an AccountStore and issues HS256 tokens.
type Local struct {
	accounts    store.AccountStore
	sender      RecoverySender
	secret      []byte
	accessTTL   time.Duration
	recoveryTTL time.Duration
	resetURL    string
	hashCost    int
	now         func() time.Time

	mu      sync.Mutex
	revoked map[string]time.Time
}

type sessionClaims struct {
	jwtlib.RegisteredClaims
	Email   string `json:"email"`
	Purpose string `json:"purpose"`
}

func NewLocal(accounts store.AccountStore, sender RecoverySender, cfg LocalConfig) *Local {
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 8 * time.Hour
	}
	if cfg.RecoveryTTL <= 0 {
		cfg.RecoveryTTL = 30 * time.Minute
	}
	return &Local{
		accounts:    accounts,
		sender:      sender,
		secret:      []byte(cfg.Secret),
		accessTTL:   cfg.AccessTTL,
		recoveryTTL: cfg.RecoveryTTL,
		resetURL:    cfg.ResetRedirectURL,
		hashCost:    cfg.HashCost,
		now:         func() time.Time { return time.Now().UTC() },
		revoked:     make(map[string]time.Time),
	}
}

func (l *Local) SignUp(ctx context.Context, req SignUpRequest) (*Session, error) {
	email := normalizeEmail(req.Email)
	if email == "" {
		return nil, ErrMissingEmail
	}
	if len(req.Password) < MinPasswordLength {
		return nil, ErrWeakPassword
	}

	hash, err := HashPassword(req.Password, l.hashCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	account, err := l.accounts.CreateAccount(ctx, domain.Account{
		Email:        email,
		PasswordHash: hash,
		Metadata:     req.Metadata,
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrEmailTaken
		}
		return nil, err
	}
	return l.issue(*account, purposeAccess, l.accessTTL)
}

func (l *Local) SignIn(ctx context.Context, email string, password string) (*Session, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	account, err := l.accounts.GetAccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !verifyPassword(account.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	return l.issue(*account, purposeAccess, l.accessTTL)
}

func (l *Local) SignOut(_ context.Context, token string) error {
	claims, err := l.parse(token)
	if err != nil {
		return err
	}
	l.revoke(claims)
	return nil
}

// RequestPasswordReset sends a recovery link when the email is known and
// succeeds silently otherwise, so callers cannot discover which accounts exist.
func (l *Local) RequestPasswordReset(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	if email == "" {
		return ErrMissingEmail
	}
	account, err := l.accounts.GetAccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	sess, err := l.issue(*account, purposeRecovery, l.recoveryTTL)
	if err != nil {
		return err
	}
	if l.sender == nil {
		return nil
	}
	return l.sender.SendRecovery(ctx, Recipient{
		UserID: account.ID,
		Email:  account.Email,
		Name:   account.Metadata.Name,
		Phone:  account.Metadata.Phone,
	}, RecoveryLink(l.resetURL, sess.AccessToken))
}

// UpdatePassword accepts an access token or a recovery token. A recovery
// token is spent by a successful update.
func (l *Local) UpdatePassword(ctx context.Context, token string, newPassword string) error {
	claims, err := l.parse(token)
	if err != nil {
		return err
	}
	if len(newPassword) < MinPasswordLength {
		return ErrWeakPassword
	}
	hash, err := HashPassword(newPassword, l.hashCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := l.accounts.UpdateAccountPassword(ctx, claims.Subject, hash); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidToken
		}
		return err
	}
	if claims.Purpose == purposeRecovery {
		l.revoke(claims)
	}
	return nil
}

func (l *Local) GetSession(ctx context.Context, token string) (*Session, error) {
	claims, err := l.parse(token)
	if err != nil {
		return nil, err
	}
	account, err := l.accounts.GetAccountByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	return &Session{
		AccessToken: token,
		UserID:      account.ID,
		Email:       account.Email,
		ExpiresAt:   claims.ExpiresAt.Time.UTC(),
		Metadata:    account.Metadata,
		Recovery:    claims.Purpose == purposeRecovery,
	}, nil
}

func (l *Local) issue(account domain.Account, purpose string, ttl time.Duration) (*Session, error) {
	now := l.now()
	expiresAt := now.Add(ttl)
	claims := sessionClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			ID:        xid.New(),
			Subject:   account.ID,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    issuer,
		},
		Email:   account.Email,
		Purpose: purpose,
	}
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(l.secret)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &Session{
		AccessToken: token,
		UserID:      account.ID,
		Email:       account.Email,
		ExpiresAt:   expiresAt,
		Metadata:    account.Metadata,
		Recovery:    purpose == purposeRecovery,
	}, nil
}

func (l *Local) parse(tokenStr string) (*sessionClaims, error) {
	if strings.TrimSpace(tokenStr) == "" {
		return nil, ErrInvalidToken
	}
	claims := &sessionClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return l.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}), jwtlib.WithIssuer(issuer), jwtlib.WithTimeFunc(l.now))
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" || claims.ID == "" || claims.ExpiresAt == nil {
		return nil, ErrInvalidToken
	}
	if claims.Purpose != purposeAccess && claims.Purpose != purposeRecovery {
		return nil, ErrInvalidToken
	}

	l.mu.Lock()
	_, revoked := l.revoked[claims.ID]
	l.mu.Unlock()
	if revoked {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// revoke remembers a token id until the token would have expired anyway.
func (l *Local) revoke(claims *sessionClaims) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	for id, until := range l.revoked {
		if now.After(until) {
			delete(l.revoked, id)
		}
	}
	l.revoked[claims.ID] = claims.ExpiresAt.Time
}

// RecoveryLink puts the token in the URL fragment so it never reaches a
// server log through the query string.
func RecoveryLink(base string, token string) string {
	fragment := url.Values{}
	fragment.Set("access_token", token)
	fragment.Set("type", purposeRecovery)
	return strings.TrimRight(base, "#") + "#" + fragment.Encode()
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
