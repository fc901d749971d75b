// Package workspace resolves a user's workspace memberships from the
// workspace membership service.
//
// The resolver is a thin read-only HTTP client. It never caches; the
// session record is the only place a membership snapshot lives, and it is
// refreshed only on explicit workspace resolution or switch.
package workspace
