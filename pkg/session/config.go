package session

import "time"

// Config holds the session lifecycle timings
type Config struct {
	// IdleTimeout deletes sessions not touched for this long
	IdleTimeout time.Duration
	// AbsoluteTimeout deletes sessions this long after creation regardless
	// of activity; also used as the store's TTL backstop
	AbsoluteTimeout time.Duration
	// ExpiryMargin treats access tokens expiring within this window as
	// already expired
	ExpiryMargin time.Duration
	// RefreshLeaseTTL bounds how long a crashed refresh holder can block
	// other instances
	RefreshLeaseTTL time.Duration
	// RefreshWaitPoll is the interval lease losers poll the store at
	RefreshWaitPoll time.Duration
}

// DefaultConfig returns the reference lifecycle timings
func DefaultConfig() Config {
	return Config{
		IdleTimeout:     24 * time.Hour,
		AbsoluteTimeout: 7 * 24 * time.Hour,
		ExpiryMargin:    30 * time.Second,
		RefreshLeaseTTL: 15 * time.Second,
		RefreshWaitPoll: 100 * time.Millisecond,
	}
}

// RedisOptions holds session store connection settings
type RedisOptions struct {
	URL        string
	Password   string
	DB         int
	MaxRetries int
	PoolSize   int
}
