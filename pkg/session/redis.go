package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"tenantgate/pkg/observability"
)

// NewRedisClient builds a Redis client for the session store
func NewRedisClient(opts RedisOptions) (*redis.Client, error) {
	ropts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	if opts.Password != "" {
		ropts.Password = opts.Password
	}
	if opts.DB >= 0 {
		ropts.DB = opts.DB
	}
	if opts.MaxRetries > 0 {
		ropts.MaxRetries = opts.MaxRetries
	}
	if opts.PoolSize > 0 {
		ropts.PoolSize = opts.PoolSize
	}

	ropts.DialTimeout = 5 * time.Second
	ropts.ReadTimeout = 3 * time.Second
	ropts.WriteTimeout = 3 * time.Second
	ropts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(ropts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return client, nil
}

// releaseLease deletes the lease key only when the caller still owns it
var releaseLease = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// touchSession rewrites only the idle timestamp inside the stored record,
// atomically on the server, so it can never clobber a concurrent workspace
// switch or refresh-token rotation. KEEPTTL preserves the absolute-lifetime
// backstop.
var touchSession = redis.NewScript(`
local raw = redis.call("get", KEYS[1])
if not raw then
	return 0
end
local sess = cjson.decode(raw)
sess["last_accessed_at"] = ARGV[1]
redis.call("set", KEYS[1], cjson.encode(sess), "KEEPTTL")
return 1
`)

// RedisStore is the Redis-backed session store
type RedisStore struct {
	client *redis.Client

	// absoluteTimeout caps every record's TTL so expired sessions age out
	// of the store even if the application-level checks are never hit
	absoluteTimeout time.Duration

	now     func() time.Time
	metrics *observability.Metrics
}

// NewRedisStore creates a session store on the given client
func NewRedisStore(client *redis.Client, absoluteTimeout time.Duration) *RedisStore {
	return &RedisStore{
		client:          client,
		absoluteTimeout: absoluteTimeout,
		now:             time.Now,
	}
}

// WithMetrics enables store operation metrics
func (s *RedisStore) WithMetrics(m *observability.Metrics) *RedisStore {
	s.metrics = m
	return s
}

func (s *RedisStore) observe(operation string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	outcome := "ok"
	switch {
	case err == ErrNotFound:
		outcome = "miss"
	case err != nil:
		outcome = "error"
	}
	s.metrics.StoreOperationsTotal.WithLabelValues(operation, outcome).Inc()
	s.metrics.StoreOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func sessionKey(id string) string {
	return "tenantgate:session:" + id
}

func leaseKey(id string) string {
	return "tenantgate:session:" + id + ":refresh-lease"
}

// Get retrieves a session record
func (s *RedisStore) Get(ctx context.Context, id string) (_ *Session, retErr error) {
	defer func(start time.Time) { s.observe("get", start, retErr) }(time.Now())

	data, err := s.client.Get(ctx, sessionKey(id)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var sess Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		// Corrupt record: drop it rather than serve garbage
		s.client.Del(ctx, sessionKey(id))
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	return &sess, nil
}

// Put stores a session record. The key TTL is the session's remaining
// absolute lifetime, so the store reaps what the idle/absolute checks miss.
func (s *RedisStore) Put(ctx context.Context, sess *Session) (retErr error) {
	defer func(start time.Time) { s.observe("put", start, retErr) }(time.Now())

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	ttl := s.absoluteTimeout - s.now().Sub(sess.CreatedAt)
	if ttl <= 0 {
		// Already past the absolute timeout; writing it back would
		// resurrect a dead session
		return s.Delete(ctx, sess.ID)
	}

	return s.client.Set(ctx, sessionKey(sess.ID), data, ttl).Err()
}

// Delete removes a session record; absent keys are not an error
func (s *RedisStore) Delete(ctx context.Context, id string) (retErr error) {
	defer func(start time.Time) { s.observe("delete", start, retErr) }(time.Now())

	if err := s.client.Del(ctx, sessionKey(id)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// Touch updates the idle timestamp in place; absent keys are not an error
func (s *RedisStore) Touch(ctx context.Context, id string, at time.Time) (retErr error) {
	defer func(start time.Time) { s.observe("touch", start, retErr) }(time.Now())

	stamp := at.Format(time.RFC3339Nano)
	if err := touchSession.Run(ctx, s.client, []string{sessionKey(id)}, stamp).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("redis touch failed: %w", err)
	}
	return nil
}

// AcquireLease takes the per-session refresh lease with SET NX
func (s *RedisStore) AcquireLease(ctx context.Context, id, owner string, ttl time.Duration) (_ bool, retErr error) {
	defer func(start time.Time) { s.observe("acquire_lease", start, retErr) }(time.Now())

	ok, err := s.client.SetNX(ctx, leaseKey(id), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return ok, nil
}

// ReleaseLease frees the lease only if owner still holds it
func (s *RedisStore) ReleaseLease(ctx context.Context, id, owner string) (retErr error) {
	defer func(start time.Time) { s.observe("release_lease", start, retErr) }(time.Now())

	if err := releaseLease.Run(ctx, s.client, []string{leaseKey(id)}, owner).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("redis lease release failed: %w", err)
	}
	return nil
}
