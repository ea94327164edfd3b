package kiro

import "fmt"

// AuthErrorKind distinguishes the failure modes of the credential lifecycle.
type AuthErrorKind string

const (
	// NoRefreshToken means neither memory nor the file yields a refresh token.
	NoRefreshToken AuthErrorKind = "no_refresh_token"
	// RefreshRejected means the refresh endpoint answered non-2xx.
	RefreshRejected AuthErrorKind = "refresh_rejected"
	// NotInitialized means the account has no usable access token and no
	// path to obtain one.
	NotInitialized AuthErrorKind = "not_initialized"
)

// AuthError is a classified credential-lifecycle failure.
type AuthError struct {
	Kind   AuthErrorKind
	Detail string
}

func (e *AuthError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("kiro auth: %s", e.Kind)
	}
	return fmt.Sprintf("kiro auth: %s: %s", e.Kind, e.Detail)
}

// NewAuthError builds a classified auth failure.
func NewAuthError(kind AuthErrorKind, detail string) *AuthError {
	return &AuthError{Kind: kind, Detail: detail}
}
