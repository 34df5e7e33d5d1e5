package auth

import (
	"errors"
	"fmt"
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation"
	"golang.org/x/crypto/bcrypt"
)

// MaxPasswordBytes is the longest input bcrypt accepts.
const MaxPasswordBytes = 72

// HashPassword hashes plaintext password using bcrypt.
func HashPassword(password string) (string, error) {
	if len(password) == 0 {
		return "", fmt.Errorf("%w: password is empty", ErrInvalidInput)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", fmt.Errorf("%w: password too long", ErrInvalidInput)
		}
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares plaintext password with stored hash. A mismatch is
// reported as ErrInvalidCredential.
func VerifyPassword(hash, password string) error {
	if hash == "" {
		return fmt.Errorf("%w: no password set", ErrInvalidCredential)
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if err == nil {
		return nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrInvalidCredential
	}
	return err
}

// dummyHash is compared against when an account lookup fails so that unknown
// emails cost the same as wrong passwords.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("shopfront-timing-equaliser"), bcrypt.DefaultCost)

func burnPasswordCheck(password string) {
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
}

const specialCharacters = `@$!%*?&#^()\-_=+\[\]{}|;:,.<>`

var (
	reUpper   = regexp.MustCompile(`[A-Z]`)
	reLower   = regexp.MustCompile(`[a-z]`)
	reDigit   = regexp.MustCompile(`[0-9]`)
	reSpecial = regexp.MustCompile(`[` + specialCharacters + `]`)
)

// PasswordPolicy describes the complexity rules applied to new passwords.
type PasswordPolicy struct {
	MinLength        int
	MaxLength        int
	RequireUppercase bool
	RequireLowercase bool
	RequireDigit     bool
	RequireSpecial   bool
}

// DefaultPasswordPolicy requires 8..72 characters with every character class.
func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{
		MinLength:        8,
		MaxLength:        MaxPasswordBytes,
		RequireUppercase: true,
		RequireLowercase: true,
		RequireDigit:     true,
		RequireSpecial:   true,
	}
}

// Rules returns the policy as validation rules so that request structs can
// embed it in their own field validation.
func (p PasswordPolicy) Rules() []validation.Rule {
	rules := []validation.Rule{
		validation.Required.Error("password is required"),
		validation.RuneLength(p.MinLength, p.MaxLength).
			Error(fmt.Sprintf("password must be between %d and %d characters", p.MinLength, p.MaxLength)),
		// multi-byte characters can pass the rune count and still overflow bcrypt
		validation.Length(0, MaxPasswordBytes).
			Error(fmt.Sprintf("password must be at most %d bytes", MaxPasswordBytes)),
	}
	if p.RequireLowercase {
		rules = append(rules, validation.Match(reLower).Error("password must contain at least one lowercase letter"))
	}
	if p.RequireUppercase {
		rules = append(rules, validation.Match(reUpper).Error("password must contain at least one uppercase letter"))
	}
	if p.RequireDigit {
		rules = append(rules, validation.Match(reDigit).Error("password must contain at least one digit"))
	}
	if p.RequireSpecial {
		rules = append(rules, validation.Match(reSpecial).
			Error("password must contain at least one special character (@$!%*?&#^()-_=+[]{}|;:,.<>)"))
	}
	return rules
}

// Validate checks password against the policy and reports the first violation.
func (p PasswordPolicy) Validate(password string) error {
	if err := validation.Validate(password, p.Rules()...); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidInput, err.Error())
	}
	return nil
}
