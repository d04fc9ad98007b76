package config

// DefaultProviderName is the provider used when none is configured.
const DefaultProviderName = "oidc"

// DefaultCallbackPort is the default port for the local callback server.
const DefaultCallbackPort = 3000

// DefaultScopes are requested when the configuration names none.
// offline_access is included so providers return refresh tokens.
var DefaultScopes = []string{"openid", "profile", "email", "offline_access"}

// GetDefaultConfig returns a Config with all defaults applied.
func GetDefaultConfig() Config {
	return Config{
		Provider: ProviderConfig{
			Name:   DefaultProviderName,
			Scopes: append([]string(nil), DefaultScopes...),
		},
		Session: SessionConfig{
			CallbackPort: DefaultCallbackPort,
		},
		LogLevel: "info",
	}
}

// applyDefaults fills zero-valued fields after unmarshalling.
func applyDefaults(cfg *Config) {
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = DefaultProviderName
	}
	if len(cfg.Provider.Scopes) == 0 {
		cfg.Provider.Scopes = append([]string(nil), DefaultScopes...)
	}
	if cfg.Session.CallbackPort == 0 {
		cfg.Session.CallbackPort = DefaultCallbackPort
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}
