package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrBadCredentials is returned by Login for every credential failure so that
// callers cannot distinguish an unknown email from a wrong password.
var ErrBadCredentials = fmt.Errorf("%w: invalid email or password", ErrAuthenticationInvalid)

// Identity is the slice of an account the authentication flow needs.
type Identity struct {
	UserID       int64
	Email        string
	PasswordHash string
	Roles        Roles
	Active       bool
}

// IdentityStore resolves identities for login and refresh. Implementations
// return ErrNotFound for absent or soft-deleted accounts.
type IdentityStore interface {
	IdentityByEmail(ctx context.Context, email string) (Identity, error)
	IdentityByID(ctx context.Context, id int64) (Identity, error)
}

// Session is the token pair issued on a successful login.
type Session struct {
	UserID  int64
	Access  Token
	Refresh Token
}

// Service authenticates credentials and exchanges refresh tokens.
type Service struct {
	tokens     *TokenService
	identities IdentityStore
}

func NewService(tokens *TokenService, identities IdentityStore) *Service {
	return &Service{tokens: tokens, identities: identities}
}

func (s *Service) Tokens() *TokenService { return s.tokens }

// Login verifies the email/password pair and issues an access and refresh token.
func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		burnPasswordCheck(password)
		return Session{}, ErrBadCredentials
	}
	id, err := s.identities.IdentityByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		burnPasswordCheck(password)
		return Session{}, ErrBadCredentials
	}
	if err != nil {
		return Session{}, err
	}
	if err := VerifyPassword(id.PasswordHash, password); err != nil {
		if errors.Is(err, ErrInvalidCredential) {
			return Session{}, ErrBadCredentials
		}
		return Session{}, err
	}
	if !id.Active {
		return Session{}, ErrBadCredentials
	}

	access, err := s.tokens.IssueAccess(id.UserID, id.Roles)
	if err != nil {
		return Session{}, err
	}
	refresh, err := s.tokens.IssueRefresh(id.UserID)
	if err != nil {
		return Session{}, err
	}
	return Session{UserID: id.UserID, Access: access, Refresh: refresh}, nil
}

// Refresh exchanges a valid refresh token for a new access token. Roles are
// re-read from storage; disabled or deleted accounts are rejected.
func (s *Service) Refresh(ctx context.Context, raw string) (Token, error) {
	if strings.TrimSpace(raw) == "" {
		return Token{}, ErrAuthenticationMissing
	}
	rt, err := s.tokens.ValidateKind(raw, TokenRefresh)
	if err != nil {
		return Token{}, err
	}
	id, err := s.identities.IdentityByID(ctx, rt.Subject)
	if errors.Is(err, ErrNotFound) {
		return Token{}, fmt.Errorf("%w: account unavailable", ErrAuthenticationInvalid)
	}
	if err != nil {
		return Token{}, err
	}
	if !id.Active {
		return Token{}, fmt.Errorf("%w: account unavailable", ErrAuthenticationInvalid)
	}
	return s.tokens.IssueAccess(id.UserID, id.Roles)
}

// Authenticate turns a bearer access token into a Principal without touching storage.
func (s *Service) Authenticate(raw string) (Principal, error) {
	tok, err := s.tokens.ValidateKind(raw, TokenAccess)
	if err != nil {
		return Principal{}, err
	}
	return tok.Principal(), nil
}
