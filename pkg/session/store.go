package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Store.Get when no record exists for the key.
// The orchestrator classifies it before it crosses a component boundary.
var ErrNotFound = errors.New("session record not found")

// Store is the passive session store. The orchestrator is the only writer;
// reads and writes are independent per key with no cross-session ordering.
type Store interface {
	// Get returns the session or ErrNotFound
	Get(ctx context.Context, id string) (*Session, error)

	// Put writes the record with a TTL backstop derived from the session's
	// remaining absolute lifetime
	Put(ctx context.Context, s *Session) error

	// Delete removes the record; deleting an absent session is not an error
	Delete(ctx context.Context, id string) error

	// Touch updates only the session's idle timestamp, leaving every other
	// field to whichever writer holds it. Touching an absent session is not
	// an error: a concurrent logout wins.
	Touch(ctx context.Context, id string, at time.Time) error

	// AcquireLease takes the per-session refresh lease for owner if it is
	// free, returning whether it was acquired. The lease self-expires after
	// ttl so a crashed holder cannot deadlock refreshes.
	AcquireLease(ctx context.Context, id, owner string, ttl time.Duration) (bool, error)

	// ReleaseLease frees the lease only if owner still holds it
	ReleaseLease(ctx context.Context, id, owner string) error
}
