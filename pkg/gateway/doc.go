// Package gateway is the browser-facing HTTP surface.
//
// It owns the login redirect flow, the session cookie, and the
// cookie-to-bearer conversion in front of the authorization relay. Handlers
// never expose provider tokens to the browser; the cookie carries only the
// opaque session identifier, and token material stays server-side.
package gateway
