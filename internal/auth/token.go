package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"shopfront.dev/internal/ids"
)

const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour

	minSecretBytes = 32
)

// TokenKind distinguishes short-lived access tokens from refresh tokens.
type TokenKind string

const (
	TokenAccess  TokenKind = "access"
	TokenRefresh TokenKind = "refresh"
)

// Reasons a presented token is rejected. All of them wrap ErrAuthenticationInvalid.
var (
	ErrTokenMalformed    = fmt.Errorf("%w: malformed token", ErrAuthenticationInvalid)
	ErrTokenBadSignature = fmt.Errorf("%w: bad token signature", ErrAuthenticationInvalid)
	ErrTokenExpired      = fmt.Errorf("%w: token expired", ErrAuthenticationInvalid)
	ErrTokenWrongKind    = fmt.Errorf("%w: wrong token type", ErrAuthenticationInvalid)
)

// InvalidReason returns a short label for a token rejection, used in metrics.
func InvalidReason(err error) string {
	switch {
	case err == nil:
		return "valid"
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrTokenBadSignature):
		return "bad_signature"
	case errors.Is(err, ErrTokenWrongKind):
		return "wrong_kind"
	default:
		return "malformed"
	}
}

type claims struct {
	Kind  TokenKind `json:"typ"`
	Roles []string  `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Token is a signed credential together with the claims it carries.
type Token struct {
	Raw       string
	ID        string
	Kind      TokenKind
	Subject   int64
	Roles     Roles
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ExpiresIn is the remaining lifetime relative to the token's issue time.
func (t Token) ExpiresIn() time.Duration {
	return t.ExpiresAt.Sub(t.IssuedAt)
}

// Principal converts an access token into the request identity.
func (t Token) Principal() Principal {
	return Principal{UserID: t.Subject, Roles: t.Roles, TokenID: t.ID}
}

// TokenService signs and verifies HS256 tokens with a single shared secret.
type TokenService struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// TokenOption configures TokenService behavior.
type TokenOption func(*TokenService) error

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) TokenOption {
	return func(s *TokenService) error {
		s.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl < time.Second {
			return fmt.Errorf("auth: access ttl %s below one second", ttl)
		}
		s.accessTTL = ttl
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl < time.Second {
			return fmt.Errorf("auth: refresh ttl %s below one second", ttl)
		}
		s.refreshTTL = ttl
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) TokenOption {
	return func(s *TokenService) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewTokenService constructs a TokenService. The secret must be at least 32 bytes.
func NewTokenService(secret string, opts ...TokenOption) (*TokenService, error) {
	if len(secret) < minSecretBytes {
		return nil, fmt.Errorf("auth: signing secret must be at least %d bytes", minSecretBytes)
	}
	svc := &TokenService{
		secret:     []byte(secret),
		issuer:     "shopfront",
		accessTTL:  DefaultAccessTTL,
		refreshTTL: DefaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

func (s *TokenService) AccessTTL() time.Duration  { return s.accessTTL }
func (s *TokenService) RefreshTTL() time.Duration { return s.refreshTTL }

// IssueAccess signs an access token carrying the subject's roles.
func (s *TokenService) IssueAccess(userID int64, roles Roles) (Token, error) {
	return s.issue(TokenAccess, userID, roles, s.accessTTL)
}

// IssueRefresh signs a refresh token. Refresh tokens carry no roles; they are
// re-read from storage when the token is exchanged.
func (s *TokenService) IssueRefresh(userID int64) (Token, error) {
	return s.issue(TokenRefresh, userID, nil, s.refreshTTL)
}

func (s *TokenService) issue(kind TokenKind, userID int64, roles Roles, ttl time.Duration) (Token, error) {
	if userID <= 0 {
		return Token{}, fmt.Errorf("%w: subject must be positive", ErrInvalidInput)
	}
	// NumericDate has second precision; truncate first so the returned Token
	// agrees with what a verifier will decode.
	issuedAt := s.now().UTC().Truncate(time.Second)
	expiresAt := issuedAt.Add(ttl)
	tok := Token{
		ID:        ids.NewAt(issuedAt),
		Kind:      kind,
		Subject:   userID,
		Roles:     roles,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}
	c := claims{
		Kind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tok.ID,
			Issuer:    s.issuer,
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	if kind == TokenAccess {
		c.Roles = roles.Strings()
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return Token{}, fmt.Errorf("auth: sign token: %w", err)
	}
	tok.Raw = signed
	return tok, nil
}

// Validate verifies signature, issuer and expiry. A token is valid strictly
// before its expiry instant. Failures wrap one of the ErrToken* reasons.
func (s *TokenService) Validate(raw string) (Token, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Token{}, ErrTokenMalformed
	}
	var c claims
	parsed, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return Token{}, ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return Token{}, ErrTokenBadSignature
	default:
		return Token{}, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
	if !parsed.Valid {
		return Token{}, ErrTokenMalformed
	}

	subject, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || subject <= 0 {
		return Token{}, fmt.Errorf("%w: bad subject", ErrTokenMalformed)
	}
	if c.Kind != TokenAccess && c.Kind != TokenRefresh {
		return Token{}, fmt.Errorf("%w: unknown type %q", ErrTokenMalformed, c.Kind)
	}
	roles, err := ParseRoles(c.Roles)
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
	tok := Token{
		Raw:       raw,
		ID:        c.ID,
		Kind:      c.Kind,
		Subject:   subject,
		Roles:     roles,
		ExpiresAt: c.ExpiresAt.Time.UTC(),
	}
	if c.IssuedAt != nil {
		tok.IssuedAt = c.IssuedAt.Time.UTC()
	}
	return tok, nil
}

// ValidateKind is Validate plus a check of the token type claim.
func (s *TokenService) ValidateKind(raw string, kind TokenKind) (Token, error) {
	tok, err := s.Validate(raw)
	if err != nil {
		return Token{}, err
	}
	if tok.Kind != kind {
		return Token{}, ErrTokenWrongKind
	}
	return tok, nil
}
