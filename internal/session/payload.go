package session

import (
	"encoding/json"
	"fmt"
	"time"

	"authkit/internal/oidc"
)

// DefaultCredentialKey is the storage key the manager persists the session
// under.
const DefaultCredentialKey = "credential"

// credentialPayload is the JSON document persisted in the credential store.
// Timestamp records when the tokens were stored (epoch milliseconds) so an
// absolute expiry can be recomputed from ExpiresIn after a restart.
type credentialPayload struct {
	Tokens    *oidc.TokenSet `json:"tokens"`
	UserInfo  *UserProfile   `json:"userInfo,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// encodeCredential serializes tokens and profile for persistence, stamping
// the payload with the current time.
func encodeCredential(tokens *oidc.TokenSet, user *UserProfile) ([]byte, error) {
	payload := credentialPayload{
		Tokens:    tokens,
		UserInfo:  user,
		Timestamp: time.Now().UnixMilli(),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode credential payload: %w", err)
	}
	return data, nil
}

// decodeCredential parses a persisted payload and recomputes the token's
// absolute expiry from the store timestamp when the payload predates the
// ExpiresAt field.
func decodeCredential(data []byte) (*credentialPayload, error) {
	var payload credentialPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode credential payload: %w", err)
	}
	if payload.Tokens == nil || payload.Tokens.AccessToken == "" {
		return nil, fmt.Errorf("credential payload has no tokens")
	}

	if payload.Tokens.ExpiresAt.IsZero() && payload.Tokens.ExpiresIn > 0 {
		storedAt := time.UnixMilli(payload.Timestamp)
		payload.Tokens.ExpiresAt = storedAt.Add(time.Duration(payload.Tokens.ExpiresIn) * time.Second)
	}

	return &payload, nil
}
