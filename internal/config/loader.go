package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"authkit/pkg/logging"
)

const (
	userConfigDir  = ".config/authkit"
	configFileName = "config.yaml"
)

// GetDefaultConfigPathOrPanic returns the default configuration directory.
// It panics when the home directory cannot be determined, which only happens
// in badly broken environments.
func GetDefaultConfigPathOrPanic() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		panic(fmt.Errorf("could not determine user config directory: %w", err))
	}

	return filepath.Join(homeDir, userConfigDir)
}

// DefaultCredentialFile returns the default path for the persisted credential
// payload, relative to the given config directory.
func DefaultCredentialFile(configPath string) string {
	return filepath.Join(configPath, "credential.json")
}

// LoadConfig loads configuration from the specified directory.
// A missing config.yaml is not an error; defaults are returned.
func LoadConfig(configPath string) (Config, error) {
	configFilePath := filepath.Join(configPath, configFileName)
	cfg := GetDefaultConfig()

	data, err := os.ReadFile(configFilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Info("ConfigLoader", "No config.yaml found at %s, using defaults", configFilePath)
			cfg.Session.CredentialFile = DefaultCredentialFile(configPath)
			return cfg, nil
		}
		return Config{}, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("error loading config from %s: %w", configFilePath, err)
	}

	applyDefaults(&cfg)

	if cfg.Session.CredentialFile == "" {
		cfg.Session.CredentialFile = DefaultCredentialFile(configPath)
	}

	logging.Info("ConfigLoader", "Loaded configuration from %s", configFilePath)
	return cfg, nil
}

// Validate checks that the configuration is usable for a login flow.
// Commands that only inspect or clear local state skip this check.
func (c Config) Validate() error {
	if c.Provider.Issuer == "" {
		return errors.New("provider.issuer is required")
	}
	if c.Provider.ClientID == "" {
		return errors.New("provider.clientId is required")
	}
	return nil
}
