// Package credstore provides the persistence boundary for session
// credentials. The session manager only talks to the Store interface; the
// concrete backends are a file store for real hosts and an in-memory store
// for tests and ephemeral sessions.
//
// SECURITY: stores handle sensitive OAuth credentials. The file backend
// creates its directory with 0700 and payload files with 0600 permissions,
// and credential values are never logged.
//
// The optional Watcher observes the credential file for external changes
// (another process signing in or out) so hosts can re-read persisted state.
package credstore
