package config

// Config is the root configuration for authkit.
type Config struct {
	Provider ProviderConfig `yaml:"provider"`
	Session  SessionConfig  `yaml:"session,omitempty"`
	LogLevel string         `yaml:"logLevel,omitempty"` // debug, info, warn, error (default: info)
}

// ProviderConfig describes the identity provider to authenticate against.
type ProviderConfig struct {
	// Name selects the provider implementation. Currently only "oidc" is
	// supported; unknown names fail with ProviderNotConfiguredError.
	Name string `yaml:"name,omitempty"`

	// Issuer is the provider's issuer URL. Discovery fetches
	// {issuer}/.well-known/openid-configuration.
	Issuer string `yaml:"issuer"`

	// ClientID is the OAuth client identifier.
	ClientID string `yaml:"clientId"`

	// ClientSecret is the OAuth client secret for confidential clients.
	// Optional; public clients leave it empty.
	ClientSecret string `yaml:"clientSecret,omitempty"`

	// RedirectURI is the redirect URI registered with the provider.
	// When empty, the CLI derives one from the local callback server.
	RedirectURI string `yaml:"redirectUri,omitempty"`

	// Scopes requested during authorization.
	// Defaults to openid, profile, email, offline_access.
	Scopes []string `yaml:"scopes,omitempty"`
}

// SessionConfig controls session persistence and the local callback server.
type SessionConfig struct {
	// CredentialFile is the path of the persisted credential payload.
	// Defaults to ~/.config/authkit/credential.json.
	CredentialFile string `yaml:"credentialFile,omitempty"`

	// CallbackPort is the port for the local OAuth callback server used by
	// the CLI host (default: 3000; 0 keeps the default).
	CallbackPort int `yaml:"callbackPort,omitempty"`

	// WatchCredential enables the credential file watcher so external
	// changes (another process signing out) are picked up.
	WatchCredential bool `yaml:"watchCredential,omitempty"`
}
