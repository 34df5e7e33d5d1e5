package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef-test"

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestTokens(t *testing.T, clock *fakeClock, opts ...TokenOption) *TokenService {
	t.Helper()
	opts = append([]TokenOption{WithClock(clock.Now)}, opts...)
	svc, err := NewTokenService(testSecret, opts...)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	return svc
}

func TestNewTokenServiceRejectsShortSecret(t *testing.T) {
	if _, err := NewTokenService("too-short"); err == nil {
		t.Fatal("expected error for short secret")
	}
}

func TestAccessTokenRoundTrip(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	svc := newTestTokens(t, clock)

	issued, err := svc.IssueAccess(42, NewRoles(RoleAdmin, RoleUser))
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	if got := issued.ExpiresIn(); got != 900*time.Second {
		t.Fatalf("expected 900s lifetime, got %s", got)
	}

	got, err := svc.ValidateKind(issued.Raw, TokenAccess)
	if err != nil {
		t.Fatalf("ValidateKind: %v", err)
	}
	if got.Subject != 42 {
		t.Fatalf("unexpected subject %d", got.Subject)
	}
	if !got.Roles.Has(RoleAdmin) || !got.Roles.Has(RoleUser) || len(got.Roles) != 2 {
		t.Fatalf("roles not preserved: %v", got.Roles)
	}
	if !got.ExpiresAt.Equal(issued.ExpiresAt) || !got.IssuedAt.Equal(issued.IssuedAt) {
		t.Fatalf("timestamps differ: issued %v/%v decoded %v/%v", issued.IssuedAt, issued.ExpiresAt, got.IssuedAt, got.ExpiresAt)
	}
	if got.ID == "" || got.ID != issued.ID {
		t.Fatalf("expected jti %q, got %q", issued.ID, got.ID)
	}
}

func TestRefreshTokenCarriesNoRoles(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	svc := newTestTokens(t, clock)

	rt, err := svc.IssueRefresh(7)
	if err != nil {
		t.Fatalf("IssueRefresh: %v", err)
	}
	if rt.ExpiresIn() != 604800*time.Second {
		t.Fatalf("expected 604800s lifetime, got %s", rt.ExpiresIn())
	}
	got, err := svc.ValidateKind(rt.Raw, TokenRefresh)
	if err != nil {
		t.Fatalf("ValidateKind: %v", err)
	}
	if len(got.Roles) != 0 {
		t.Fatalf("refresh token must not carry roles, got %v", got.Roles)
	}
}

func TestTokenExpiryBoundary(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	svc := newTestTokens(t, clock)

	tok, err := svc.IssueAccess(1, NewRoles(RoleUser))
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}

	clock.now = tok.ExpiresAt.Add(-time.Second)
	if _, err := svc.Validate(tok.Raw); err != nil {
		t.Fatalf("expected valid one second before expiry: %v", err)
	}

	clock.now = tok.ExpiresAt
	_, err = svc.Validate(tok.Raw)
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected expired at the expiry instant, got %v", err)
	}
	if !errors.Is(err, ErrAuthenticationInvalid) {
		t.Fatalf("expired token must be an authentication failure")
	}
}

func TestTokenRejectsOtherSecret(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	svc := newTestTokens(t, clock)
	other, err := NewTokenService("ffffffffffffffffffffffffffffffff-other", WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}

	tok, err := other.IssueAccess(1, NewRoles(RoleAdmin))
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	_, err = svc.Validate(tok.Raw)
	if !errors.Is(err, ErrTokenBadSignature) {
		t.Fatalf("expected bad signature, got %v", err)
	}
	if InvalidReason(err) != "bad_signature" {
		t.Fatalf("unexpected reason %q", InvalidReason(err))
	}
}

func TestTokenRejectsTamperedPayload(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	svc := newTestTokens(t, clock)

	tok, err := svc.IssueAccess(1, NewRoles(RoleUser))
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	admin, err := svc.IssueAccess(1, NewRoles(RoleAdmin))
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	// splice the ADMIN payload onto the USER signature
	userParts := strings.Split(tok.Raw, ".")
	adminParts := strings.Split(admin.Raw, ".")
	forged := userParts[0] + "." + adminParts[1] + "." + userParts[2]
	if _, err := svc.Validate(forged); !errors.Is(err, ErrTokenBadSignature) {
		t.Fatalf("expected bad signature for forged token, got %v", err)
	}
}

func TestTokenMalformedInputs(t *testing.T) {
	svc := newTestTokens(t, &fakeClock{now: time.Now()})
	for _, raw := range []string{"", "   ", "abc", "a.b.c", "Bearer x.y.z"} {
		_, err := svc.Validate(raw)
		if !errors.Is(err, ErrTokenMalformed) {
			t.Fatalf("%q: expected malformed, got %v", raw, err)
		}
	}
}

func TestValidateKindMismatch(t *testing.T) {
	svc := newTestTokens(t, &fakeClock{now: time.Now()})

	rt, err := svc.IssueRefresh(3)
	if err != nil {
		t.Fatalf("IssueRefresh: %v", err)
	}
	if _, err := svc.ValidateKind(rt.Raw, TokenAccess); !errors.Is(err, ErrTokenWrongKind) {
		t.Fatalf("refresh token accepted as access: %v", err)
	}
	at, err := svc.IssueAccess(3, NewRoles(RoleUser))
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	if _, err := svc.ValidateKind(at.Raw, TokenRefresh); !errors.Is(err, ErrTokenWrongKind) {
		t.Fatalf("access token accepted as refresh: %v", err)
	}
}

func TestTokenIssuerMismatch(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	a := newTestTokens(t, clock, WithIssuer("a"))
	b := newTestTokens(t, clock, WithIssuer("b"))

	tok, err := a.IssueAccess(1, NewRoles(RoleUser))
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	if _, err := b.Validate(tok.Raw); !errors.Is(err, ErrTokenMalformed) {
		t.Fatalf("expected issuer mismatch to be rejected, got %v", err)
	}
}

func TestIssueRejectsNonPositiveSubject(t *testing.T) {
	svc := newTestTokens(t, &fakeClock{now: time.Now()})
	if _, err := svc.IssueAccess(0, nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
