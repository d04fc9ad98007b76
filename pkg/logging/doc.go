// Package logging provides structured logging for authkit, built on the
// standard library's slog package.
//
// The CLI initializes the global logger once at startup:
//
//	logging.InitForCLI(logging.LevelInfo, os.Stderr)
//
// Log entries carry a subsystem identifier so output can be filtered by
// component:
//
//	logging.Info("Session", "restored session for issuer %s", issuer)
//	logging.Error("ConfigLoader", err, "failed to load %s", path)
//
// Subsystems used across authkit: ConfigLoader for configuration loading
// and Session for CLI-level session messages.
//
// Library packages (internal/session, internal/oidc, internal/credstore) do
// not use this package's globals; they accept an injected *slog.Logger so
// embedding hosts control their own log routing. Logger() bridges the two
// worlds for the CLI.
package logging
