package oidc

import (
	"fmt"
)

// DiscoveryError indicates the provider's discovery document could not be
// fetched or was missing required fields.
type DiscoveryError struct {
	Issuer string
	Err    error
}

// Error implements the error interface.
func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("oidc discovery failed for %s: %v", e.Issuer, e.Err)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *DiscoveryError) Unwrap() error { return e.Err }

// TokenExchangeError indicates the authorization-code grant failed.
// Code and Description carry the provider's OAuth error fields when the
// provider returned them.
type TokenExchangeError struct {
	StatusCode  int
	Code        string
	Description string
	Err         error
}

// Error implements the error interface.
func (e *TokenExchangeError) Error() string {
	return grantErrorString("token exchange failed", e.StatusCode, e.Code, e.Description, e.Err)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *TokenExchangeError) Unwrap() error { return e.Err }

// TokenRefreshError indicates the refresh-token grant failed.
type TokenRefreshError struct {
	StatusCode  int
	Code        string
	Description string
	Err         error
}

// Error implements the error interface.
func (e *TokenRefreshError) Error() string {
	return grantErrorString("token refresh failed", e.StatusCode, e.Code, e.Description, e.Err)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *TokenRefreshError) Unwrap() error { return e.Err }

// UserInfoError indicates the userinfo fetch failed.
type UserInfoError struct {
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *UserInfoError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("userinfo fetch failed: %v", e.Err)
	}
	return fmt.Sprintf("userinfo fetch failed with status %d", e.StatusCode)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *UserInfoError) Unwrap() error { return e.Err }

// InvalidTokenError indicates a token was malformed or unparseable.
// For identity-claim decoding this is advisory only; sign-in does not fail
// on it as long as the userinfo fetch succeeds.
type InvalidTokenError struct {
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *InvalidTokenError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid token: %s: %v", e.Reason, e.Err)
	}
	return "invalid token: " + e.Reason
}

// Unwrap returns the underlying error for error chain inspection.
func (e *InvalidTokenError) Unwrap() error { return e.Err }

// ProviderNotConfiguredError indicates that no provider implementation is
// registered under the requested name.
type ProviderNotConfiguredError struct {
	Name string
}

// Error implements the error interface.
func (e *ProviderNotConfiguredError) Error() string {
	return fmt.Sprintf("auth provider %q is not available", e.Name)
}

// grantErrorString renders a token-endpoint failure, preferring the
// provider's error code and description when present.
func grantErrorString(prefix string, status int, code, description string, err error) string {
	switch {
	case code != "" && description != "":
		return fmt.Sprintf("%s: %s - %s", prefix, code, description)
	case code != "":
		return fmt.Sprintf("%s: %s", prefix, code)
	case err != nil:
		return fmt.Sprintf("%s: %v", prefix, err)
	default:
		return fmt.Sprintf("%s with status %d", prefix, status)
	}
}
