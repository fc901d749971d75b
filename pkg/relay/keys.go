package relay

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/robfig/cron/v3"

	"tenantgate/pkg/observability"
)

// Refresh triggers, reported in metrics
const (
	TriggerInitial   = "initial"
	TriggerScheduled = "scheduled"
	TriggerForced    = "forced"
)

// forcedRefreshFloor bounds how often unknown-kid lookups may force a
// refetch, so a flood of garbage tokens cannot hammer the JWKS endpoint
const forcedRefreshFloor = 10 * time.Second

// KeyCache holds the provider's signing keys, refetched on a fixed schedule
// that is independent of any token or session lifetime
type KeyCache struct {
	jwksURL string

	mu        sync.RWMutex
	set       jwk.Set
	fetchedAt time.Time

	refreshInterval time.Duration
	scheduler       *cron.Cron

	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewKeyCache fetches the initial key set and returns the cache. logger and
// metrics may be nil.
func NewKeyCache(ctx context.Context, jwksURL string, refreshInterval time.Duration, logger *observability.Logger, metrics *observability.Metrics) (*KeyCache, error) {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, os.Stdout)
	}
	if refreshInterval <= 0 {
		refreshInterval = 15 * time.Minute
	}

	kc := &KeyCache{
		jwksURL:         jwksURL,
		refreshInterval: refreshInterval,
		logger:          logger,
		metrics:         metrics,
		now:             time.Now,
	}

	if err := kc.refresh(ctx, TriggerInitial); err != nil {
		return nil, fmt.Errorf("initial signing-key fetch failed: %w", err)
	}
	return kc, nil
}

// Start begins the scheduled background refresh
func (kc *KeyCache) Start() {
	kc.scheduler = cron.New()
	_, err := kc.scheduler.AddFunc(fmt.Sprintf("@every %s", kc.refreshInterval), func() {
		defer observability.RecoverPanic(kc.logger, "signing-key refresh")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := kc.refresh(ctx, TriggerScheduled); err != nil {
			// Stale keys keep serving; the next tick tries again
			kc.logger.WithError(err).Warn("scheduled signing-key refresh failed")
		}
	})
	if err != nil {
		kc.logger.WithError(err).Error("failed to schedule signing-key refresh")
		return
	}
	kc.scheduler.Start()
}

// Stop halts the background refresh
func (kc *KeyCache) Stop() {
	if kc.scheduler != nil {
		kc.scheduler.Stop()
	}
}

// Lookup returns the raw public key for the given key ID
func (kc *KeyCache) Lookup(kid string) (interface{}, bool) {
	kc.mu.RLock()
	set := kc.set
	kc.mu.RUnlock()

	key, found := set.LookupKeyID(kid)
	if !found {
		return nil, false
	}
	var raw interface{}
	if err := key.Raw(&raw); err != nil {
		kc.logger.WithError(err).WithField("kid", kid).Error("failed to materialize signing key")
		return nil, false
	}
	return raw, true
}

// ForceRefresh refetches the key set immediately, rate-limited so repeated
// unknown-kid failures collapse into one fetch. Returns true when a fetch
// actually happened.
func (kc *KeyCache) ForceRefresh(ctx context.Context) bool {
	kc.mu.RLock()
	recent := kc.now().Sub(kc.fetchedAt) < forcedRefreshFloor
	kc.mu.RUnlock()
	if recent {
		return false
	}

	if err := kc.refresh(ctx, TriggerForced); err != nil {
		kc.logger.WithError(err).Warn("forced signing-key refresh failed")
		return false
	}
	return true
}

func (kc *KeyCache) refresh(ctx context.Context, trigger string) error {
	set, err := jwk.Fetch(ctx, kc.jwksURL)
	if err != nil {
		return err
	}

	kc.mu.Lock()
	kc.set = set
	kc.fetchedAt = kc.now()
	kc.mu.Unlock()

	if kc.metrics != nil {
		kc.metrics.KeyCacheRefreshTotal.WithLabelValues(trigger).Inc()
	}
	kc.logger.WithFields(map[string]interface{}{
		"trigger": trigger,
		"keys":    set.Len(),
	}).Debug("signing-key set refreshed")
	return nil
}
