package auth

import (
	"context"
	"errors"
)

// Error sentinels shared by every component. Callers wrap them with fmt.Errorf("%w: ...")
// and classify with errors.Is or KindOf.
var (
	ErrAuthenticationMissing = errors.New("authentication required")
	ErrAuthenticationInvalid = errors.New("invalid authentication")
	ErrAuthorizationDenied   = errors.New("insufficient privileges")
	ErrAccessDenied          = errors.New("access denied")
	ErrInvalidOperation      = errors.New("invalid operation")
	ErrInvalidCredential     = errors.New("invalid credential")
	ErrInvalidInput          = errors.New("invalid input")
	ErrDuplicateResource     = errors.New("resource already exists")
	ErrNotFound              = errors.New("not found")
	ErrTransient             = errors.New("temporarily unavailable")
)

// Kind is the externally visible classification of an error.
type Kind string

const (
	KindAuthenticationMissing Kind = "authentication_missing"
	KindAuthenticationInvalid Kind = "authentication_invalid"
	KindAuthorizationDenied   Kind = "authorization_denied"
	KindAccessDenied          Kind = "access_denied"
	KindInvalidOperation      Kind = "invalid_operation"
	KindInvalidCredential     Kind = "invalid_credential"
	KindInvalidInput          Kind = "invalid_input"
	KindDuplicateResource     Kind = "duplicate_resource"
	KindNotFound              Kind = "not_found"
	KindTransient             Kind = "transient"
	KindInternal              Kind = "internal"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrAuthenticationMissing, KindAuthenticationMissing},
	{ErrAuthenticationInvalid, KindAuthenticationInvalid},
	{ErrAuthorizationDenied, KindAuthorizationDenied},
	{ErrAccessDenied, KindAccessDenied},
	{ErrInvalidOperation, KindInvalidOperation},
	{ErrInvalidCredential, KindInvalidCredential},
	{ErrInvalidInput, KindInvalidInput},
	{ErrDuplicateResource, KindDuplicateResource},
	{ErrNotFound, KindNotFound},
	{ErrTransient, KindTransient},
}

// KindOf classifies err. Context deadline errors count as transient; anything
// unrecognised is internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindInternal
}
