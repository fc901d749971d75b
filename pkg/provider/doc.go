// Package provider implements the token exchange client for the external
// identity provider: authorization-code exchange, refresh-token grants, and
// RFC 8693 token exchange for minting workspace-scoped access tokens.
//
// Every call is bounded by an explicit timeout. Transient failures (network
// errors, 5xx) are retried with exponential backoff; rejections
// (invalid_grant and friends) are classified and never retried.
package provider
