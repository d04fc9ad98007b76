package cmd

import "fmt"

// AuthRequiredError indicates a command needs an active session and none is
// available. Maps to ExitCodeAuthRequired.
type AuthRequiredError struct {
	Action string
}

func (e *AuthRequiredError) Error() string {
	return fmt.Sprintf("not signed in: %s requires an active session (run 'authkit login')", e.Action)
}

// AuthFailedError indicates the OIDC login flow failed. Maps to
// ExitCodeAuthFailed.
type AuthFailedError struct {
	Reason string
	Err    error
}

func (e *AuthFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

func (e *AuthFailedError) Unwrap() error {
	return e.Err
}
