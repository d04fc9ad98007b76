// Package callback implements the host side of the browser redirect
// boundary: a temporary loopback HTTP server that receives the provider's
// authorization callback, and a helper for opening the login URL in the
// user's default browser.
//
// The server accepts exactly one callback, renders a result page for the
// browser tab and hands the code and state to the waiting login flow.
package callback
