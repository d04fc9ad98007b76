package session

import (
	"authkit/internal/oidc"
)

// Status represents the authentication state of the session.
type Status int

const (
	// StatusSignedOut indicates no active session.
	StatusSignedOut Status = iota

	// StatusAuthenticating indicates a login flow is in progress.
	StatusAuthenticating

	// StatusSignedIn indicates an active session with valid tokens.
	StatusSignedIn

	// StatusRefreshing indicates a token refresh is in progress.
	StatusRefreshing
)

// String returns a human-readable representation of the status.
func (s Status) String() string {
	switch s {
	case StatusSignedOut:
		return "signed-out"
	case StatusAuthenticating:
		return "authenticating"
	case StatusSignedIn:
		return "signed-in"
	case StatusRefreshing:
		return "refreshing"
	default:
		return "unknown"
	}
}

// UserProfile is the display identity derived from provider claims. It is
// immutable once constructed and replaced wholesale when userinfo is
// re-fetched.
type UserProfile struct {
	// Subject is the provider's stable subject identifier.
	Subject string `json:"subjectId"`

	// Email is the user's email address, when the provider shares it.
	Email string `json:"email,omitempty"`

	// DisplayName is the user's display name.
	DisplayName string `json:"displayName,omitempty"`

	// PhotoURL is the user's avatar URL.
	PhotoURL string `json:"photoUrl,omitempty"`
}

// NewUserProfileFromClaims derives a UserProfile from raw provider claims.
// Returns nil when the claims carry no subject.
func NewUserProfileFromClaims(claims oidc.Claims) *UserProfile {
	if claims == nil {
		return nil
	}

	sub := claims.String("sub")
	if sub == "" {
		return nil
	}

	name := claims.String("name")
	if name == "" {
		name = claims.String("preferred_username")
	}

	return &UserProfile{
		Subject:     sub,
		Email:       claims.String("email"),
		DisplayName: name,
		PhotoURL:    claims.String("picture"),
	}
}

// Snapshot is the publishable projection of the session delivered to
// subscribers. Tokens never appear in snapshots.
type Snapshot struct {
	// Status is the session's authentication state.
	Status Status `json:"status"`

	// User is the signed-in user's profile, nil unless signed in.
	User *UserProfile `json:"user,omitempty"`
}
