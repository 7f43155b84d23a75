package session

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"chaitrack/backend/internal/domain"
	"chaitrack/backend/internal/store/memory"
)

type captureSender struct {
	mu    sync.Mutex
	links []string
	to    []Recipient
}

func (c *captureSender) SendRecovery(_ context.Context, to Recipient, link string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.links = append(c.links, link)
	c.to = append(c.to, to)
	return nil
}

func newTestLocal(t *testing.T) (*Local, *captureSender) {
	t.Helper()
	sender := &captureSender{}
	l := NewLocal(memory.New(), sender, LocalConfig{
		Secret:           strings.Repeat("s", 32),
		AccessTTL:        time.Hour,
		RecoveryTTL:      10 * time.Minute,
		ResetRedirectURL: "http://127.0.0.1:3000/reset-password",
		HashCost:         bcrypt.MinCost,
	})
	return l, sender
}

func TestSignUpThenSignIn(t *testing.T) {
	l, _ := newTestLocal(t)
	ctx := context.Background()

	created, err := l.SignUp(ctx, SignUpRequest{
		Email:    "Rahul@Chai.test",
		Password: "secret1",
		Metadata: domain.ProfileDefaults{Name: "Rahul", Phone: "9876543210", Role: domain.RoleCustomer},
	})
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if created.AccessToken == "" || created.Email != "rahul@chai.test" {
		t.Fatalf("unexpected session %+v", created)
	}

	sess, err := l.SignIn(ctx, "rahul@chai.test", "secret1")
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	got, err := l.GetSession(ctx, sess.AccessToken)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.UserID != created.UserID || got.Metadata.Name != "Rahul" || got.Recovery {
		t.Fatalf("unexpected resolved session %+v", got)
	}
}

func TestSignUpRejections(t *testing.T) {
	l, _ := newTestLocal(t)
	ctx := context.Background()

	if _, err := l.SignUp(ctx, SignUpRequest{Email: "a@chai.test", Password: "12345"}); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
	if _, err := l.SignUp(ctx, SignUpRequest{Email: "a@chai.test", Password: "123456"}); err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if _, err := l.SignUp(ctx, SignUpRequest{Email: "A@chai.test", Password: "123456"}); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestSignInWrongPassword(t *testing.T) {
	l, _ := newTestLocal(t)
	ctx := context.Background()
	if _, err := l.SignUp(ctx, SignUpRequest{Email: "d@chai.test", Password: "123456"}); err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if _, err := l.SignIn(ctx, "d@chai.test", "654321"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := l.SignIn(ctx, "nobody@chai.test", "123456"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown email, got %v", err)
	}
}

func TestSignOutRevokesToken(t *testing.T) {
	l, _ := newTestLocal(t)
	ctx := context.Background()
	sess, err := l.SignUp(ctx, SignUpRequest{Email: "e@chai.test", Password: "123456"})
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if err := l.SignOut(ctx, sess.AccessToken); err != nil {
		t.Fatalf("sign out: %v", err)
	}
	if _, err := l.GetSession(ctx, sess.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected revoked token, got %v", err)
	}
}

func TestExpiredTokenIsRejected(t *testing.T) {
	l, _ := newTestLocal(t)
	ctx := context.Background()
	sess, err := l.SignUp(ctx, SignUpRequest{Email: "f@chai.test", Password: "123456"})
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	l.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	if _, err := l.GetSession(ctx, sess.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to fail, got %v", err)
	}
}

func TestRecoveryFlow(t *testing.T) {
	l, sender := newTestLocal(t)
	ctx := context.Background()
	if _, err := l.SignUp(ctx, SignUpRequest{Email: "g@chai.test", Password: "123456", Metadata: domain.ProfileDefaults{Phone: "+911234567890"}}); err != nil {
		t.Fatalf("sign up: %v", err)
	}

	if err := l.RequestPasswordReset(ctx, "nobody@chai.test"); err != nil {
		t.Fatalf("unknown email must succeed silently, got %v", err)
	}
	if len(sender.links) != 0 {
		t.Fatalf("expected no link for unknown email")
	}

	if err := l.RequestPasswordReset(ctx, "g@chai.test"); err != nil {
		t.Fatalf("request reset: %v", err)
	}
	if len(sender.links) != 1 || sender.to[0].Phone != "+911234567890" {
		t.Fatalf("expected one recovery link, got %+v", sender)
	}

	link, err := url.Parse(sender.links[0])
	if err != nil {
		t.Fatalf("parse link: %v", err)
	}
	fragment, _ := url.ParseQuery(link.Fragment)
	if fragment.Get("type") != "recovery" || fragment.Get("access_token") == "" {
		t.Fatalf("unexpected link %s", sender.links[0])
	}
	token := fragment.Get("access_token")

	recovery, err := l.GetSession(ctx, token)
	if err != nil || !recovery.Recovery {
		t.Fatalf("expected recovery session, got %+v %v", recovery, err)
	}
	if err := l.UpdatePassword(ctx, token, "newpass1"); err != nil {
		t.Fatalf("update password: %v", err)
	}
	if err := l.UpdatePassword(ctx, token, "again12"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("recovery token must be single use, got %v", err)
	}
	if _, err := l.SignIn(ctx, "g@chai.test", "newpass1"); err != nil {
		t.Fatalf("sign in with new password: %v", err)
	}
}

func TestTokenFromOtherSecretIsRejected(t *testing.T) {
	l, _ := newTestLocal(t)
	other := NewLocal(memory.New(), nil, LocalConfig{Secret: strings.Repeat("x", 32), HashCost: bcrypt.MinCost})
	sess, err := other.SignUp(context.Background(), SignUpRequest{Email: "h@chai.test", Password: "123456"})
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if _, err := l.GetSession(context.Background(), sess.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
