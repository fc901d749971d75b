// Package session implements the session orchestrator: the single owner of
// session records that converts a long-lived browser session into short-lived
// workspace-scoped access tokens.
//
// # Lifecycle
//
// A session is created from an authorization-code exchange, gains a workspace
// on first resolution, is mutated on every workspace switch and token refresh,
// and is deleted on logout or when either the idle or the absolute timeout
// passes.
//
// # Refresh coordination
//
// Refresh tokens are single-use upstream, so concurrent requests seeing the
// same expired access token must produce exactly one provider call. Two layers
// enforce this: a singleflight group collapses callers inside one process, and
// a Redis lease (owner token + TTL, SET NX) serializes across orchestrator
// instances. Lease losers poll the session record and reuse the winner's
// result.
//
// All session mutation goes through Orchestrator; the Store is passive and no
// other component writes to it.
package session
