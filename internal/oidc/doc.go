// Package oidc implements the OpenID Connect protocol client used by the
// session manager.
//
// The client is stateless per call apart from the cached discovery document:
// discovery, authorization URL construction, authorization-code and
// refresh-token grants, userinfo fetch, and best-effort end-session
// notification. It has no knowledge of sessions or persistence; those live
// in internal/session and internal/credstore.
//
// Providers form a closed set selected by name through NewProvider. Adding a
// provider means adding a variant implementing the Provider interface, not
// probing loosely-typed configuration.
//
// # Discovery caching
//
// The discovery document is fetched once per client and cached for the
// client's lifetime. Concurrent first fetches are deduplicated with
// singleflight. A failed fetch never invalidates a previously cached
// success.
package oidc
