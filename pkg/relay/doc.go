// Package relay validates workspace-scoped bearer tokens and forwards
// authorized requests to downstream services.
//
// Validation is local: signatures are checked against a cached copy of the
// provider's signing keys, so the hot path never calls the provider. The key
// cache refreshes on its own schedule, independent of token or session
// lifetimes, and once more on demand when a signature check meets an unknown
// key ID.
//
// Checks run in a fixed order and stop at the first failure: well-formedness,
// signature, issuer, expiry, audience. Results are produced per request and
// never cached.
package relay
