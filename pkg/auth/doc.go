// Package auth defines the shared authentication vocabulary for tenantgate:
// workspace-scoped claims, provider token bundles, relay validation results,
// and the error taxonomy every component classifies into before crossing a
// package boundary.
//
// # Error Taxonomy
//
// Errors fall into three families:
//
// Client-caused: unauthenticated, answered with a login redirect hint
//
//	auth.KindSessionNotFound
//
// Upstream-transient: retryable at the calling component, surfaced as a
// retryable service error when retries exhaust
//
//	auth.KindProviderUnavailable
//	auth.KindUpstreamUnavailable
//
// Upstream-rejection: never retried, invalidates the session when it concerns
// the session's own tokens
//
//	auth.KindInvalidGrant
//	auth.KindRefreshInvalid
//	auth.KindExchangeRejected
//	auth.KindNotAMember
//	auth.KindUnauthorized
//
// Components wrap failures with auth.E and callers branch with auth.KindOf:
//
//	if auth.KindOf(err) == auth.KindSessionNotFound { ... }
//	if auth.IsTransient(err) { ... retry ... }
//
// No raw transport or provider error escapes to an HTTP response.
package auth
