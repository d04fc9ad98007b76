package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"authkit/internal/config"
	"authkit/internal/credstore"
	"authkit/internal/oidc"
	"authkit/internal/session"
	"authkit/pkg/logging"
)

// setupLogging initializes the CLI logger from flags and config.
func setupLogging(cfg config.Config) {
	level := cfg.LogLevel
	if flagLogLevel != "" {
		level = flagLogLevel
	}
	if flagQuiet && flagLogLevel == "" {
		level = "error"
	}
	logging.InitForCLI(logging.ParseLevel(level), os.Stderr)
}

// loadConfig loads the configuration from the --config directory or the
// default location.
func loadConfig() (config.Config, error) {
	// First pass so messages emitted while loading are filtered too; the
	// configured level is applied right after.
	setupLogging(config.GetDefaultConfig())

	path := flagConfigPath
	if path == "" {
		path = config.GetDefaultConfigPathOrPanic()
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return config.Config{}, err
	}

	setupLogging(cfg)
	return cfg, nil
}

// newProvider builds the OIDC provider from config. redirectURI overrides
// the configured redirect, used when a login command binds its own callback
// server.
func newProvider(cfg config.Config, redirectURI string) (oidc.Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if redirectURI == "" {
		redirectURI = cfg.Provider.RedirectURI
	}

	return oidc.NewProvider(cfg.Provider.Name, oidc.Config{
		Issuer:       cfg.Provider.Issuer,
		ClientID:     cfg.Provider.ClientID,
		ClientSecret: cfg.Provider.ClientSecret,
		RedirectURI:  redirectURI,
		Scopes:       cfg.Provider.Scopes,
	}, oidc.WithLogger(logging.Logger()))
}

// newCredentialStore builds the file store holding the persisted session,
// derived from the configured credential file path.
func newCredentialStore(cfg config.Config) (*credstore.FileStore, string, error) {
	dir := filepath.Dir(cfg.Session.CredentialFile)
	key := strings.TrimSuffix(filepath.Base(cfg.Session.CredentialFile), ".json")
	if key == "" {
		return nil, "", fmt.Errorf("invalid credential file path %q", cfg.Session.CredentialFile)
	}

	store, err := credstore.NewFileStore(dir)
	if err != nil {
		return nil, "", err
	}
	return store, key, nil
}

// newManager wires provider, store and session manager together.
func newManager(cfg config.Config, redirectURI string) (*session.Manager, error) {
	provider, err := newProvider(cfg, redirectURI)
	if err != nil {
		return nil, err
	}

	store, key, err := newCredentialStore(cfg)
	if err != nil {
		return nil, err
	}

	return session.NewManager(provider, store,
		session.WithLogger(logging.Logger()),
		session.WithCredentialKey(key),
	), nil
}

// printf writes informational output unless --quiet is set.
func printf(format string, args ...interface{}) {
	if flagQuiet {
		return
	}
	fmt.Printf(format, args...)
}
