// Package session owns the authentication session for the process: a single
// Manager drives the OIDC login flow, persists and restores credentials,
// keeps the access token fresh through a background scheduler, and fans out
// status changes to subscribers.
//
// The Manager serializes every state transition under one mutex. Network and
// storage I/O happens outside the critical section; results are applied back
// under the lock with an epoch check so a transition that completed in the
// meantime (a sign-out during an in-flight refresh) wins over the stale
// result.
package session
