package session

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"tenantgate/pkg/auth"
	"tenantgate/pkg/observability"
)

// TokenExchanger talks to the identity provider's token endpoint. The
// orchestrator holds this interface one-directionally; no back-reference
// exists from the exchanger.
type TokenExchanger interface {
	ExchangeCode(ctx context.Context, code string) (*auth.ProviderTokens, error)
	Refresh(ctx context.Context, refreshToken string) (*auth.ProviderTokens, error)
	ExchangeForScopedToken(ctx context.Context, baseToken, workspaceID string, roles auth.RoleSet) (*auth.ScopedToken, error)
}

// ContextResolver fetches a user's workspace memberships. Pure read; the
// session itself is the only cache of the result.
type ContextResolver interface {
	GetUserContext(ctx context.Context, userID, accessToken string) (*auth.UserContext, error)
}

// Invalidation reasons, reported in metrics
const (
	ReasonLogout          = "logout"
	ReasonIdleTimeout     = "idle_timeout"
	ReasonAbsoluteTimeout = "absolute_timeout"
	ReasonRefreshInvalid  = "refresh_invalid"
)

// refreshAttempts bounds how many times a lease loser re-enters the
// acquire/wait cycle before giving up
const refreshAttempts = 2

// Orchestrator owns the session lifecycle. It is the only component that
// writes sessions into the store.
type Orchestrator struct {
	store     Store
	exchanger TokenExchanger
	resolver  ContextResolver
	cfg       Config

	logger  *observability.Logger
	metrics *observability.Metrics

	// group collapses concurrent refreshes of one session inside this
	// process; the store lease serializes across processes
	group singleflight.Group

	now func() time.Time
}

// NewOrchestrator creates a session orchestrator. logger and metrics may be
// nil.
func NewOrchestrator(store Store, exchanger TokenExchanger, resolver ContextResolver, cfg Config, logger *observability.Logger, metrics *observability.Metrics) *Orchestrator {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, os.Stdout)
	}
	return &Orchestrator{
		store:     store,
		exchanger: exchanger,
		resolver:  resolver,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
	}
}

// CreateSession exchanges an authorization code for provider tokens and
// persists a new session with no workspace selected. The returned session's
// ID is the value to set as the browser cookie.
func (o *Orchestrator) CreateSession(ctx context.Context, code string) (*Session, error) {
	tokens, err := o.exchanger.ExchangeCode(ctx, code)
	if err != nil {
		return nil, err
	}

	id, err := NewID()
	if err != nil {
		return nil, auth.E(auth.KindInternal, "session.create", err)
	}

	now := o.now()
	sess := &Session{
		ID:             id,
		UserID:         tokens.Subject,
		AccessToken:    tokens.AccessToken,
		RefreshToken:   tokens.RefreshToken,
		TokenExpiry:    tokens.Expiry,
		CreatedAt:      now,
		LastAccessedAt: now,
	}

	if err := o.store.Put(ctx, sess); err != nil {
		return nil, auth.E(auth.KindInternal, "session.create", err)
	}

	if o.metrics != nil {
		o.metrics.SessionsCreatedTotal.Inc()
		o.metrics.SessionsActive.Inc()
	}
	o.logger.WithField("session_id", sess.ID).WithField("user_id", sess.UserID).Info("session created")

	return sess, nil
}

// ResolveWorkspace seeds the session's first workspace from the user's
// last-used workspace and mints the scoped token for it. Idempotent: a
// session with a workspace already resolved is returned unchanged.
func (o *Orchestrator) ResolveWorkspace(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := o.lookup(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.WorkspaceID != "" {
		return sess, nil
	}

	uc, err := o.resolver.GetUserContext(ctx, sess.UserID, sess.AccessToken)
	if err != nil {
		return nil, err
	}

	target := uc.LastWorkspaceID
	ws, ok := uc.WorkspaceOf(target)
	if !ok {
		// Last-used workspace is gone or was never set; fall back to the
		// first remaining membership
		if len(uc.Workspaces) == 0 {
			return nil, auth.Errorf(auth.KindNotAMember, "session.resolve_workspace", "user %s has no workspace memberships", sess.UserID)
		}
		ws = uc.Workspaces[0]
	}

	scoped, err := o.exchanger.ExchangeForScopedToken(ctx, sess.AccessToken, ws.ID, ws.Roles)
	if err != nil {
		return nil, err
	}

	sess.WorkspaceID = ws.ID
	sess.Roles = ws.Roles
	sess.AccessToken = scoped.Token
	sess.TokenExpiry = scoped.Expiry
	sess.Touch(o.now())

	if err := o.store.Put(ctx, sess); err != nil {
		return nil, auth.E(auth.KindInternal, "session.resolve_workspace", err)
	}

	o.logger.WithField("session_id", sess.ID).WithField("workspace_id", ws.ID).Info("workspace resolved")
	return sess, nil
}

// SwitchWorkspace re-validates membership in the target workspace, mints a
// new scoped token, and replaces the session's token fields in one write so
// a concurrent reader never sees the token of one workspace paired with the
// roles of another. A NotAMember failure leaves the session untouched.
func (o *Orchestrator) SwitchWorkspace(ctx context.Context, sessionID, workspaceID string) (*Session, error) {
	// A fresh current token doubles as the exchange subject token
	tok, err := o.GetValidToken(ctx, sessionID)
	if err != nil {
		o.countSwitch("error")
		return nil, err
	}

	sess, err := o.lookup(ctx, sessionID)
	if err != nil {
		o.countSwitch("error")
		return nil, err
	}

	uc, err := o.resolver.GetUserContext(ctx, sess.UserID, tok.Token)
	if err != nil {
		o.countSwitch("error")
		return nil, err
	}

	ws, ok := uc.WorkspaceOf(workspaceID)
	if !ok {
		o.countSwitch("not_a_member")
		return nil, auth.Errorf(auth.KindNotAMember, "session.switch_workspace", "user %s is not a member of workspace %s", sess.UserID, workspaceID)
	}

	scoped, err := o.exchanger.ExchangeForScopedToken(ctx, tok.Token, ws.ID, ws.Roles)
	if err != nil {
		o.countSwitch("error")
		return nil, err
	}

	// The previous scoped token is abandoned, not revoked; it ages out
	// with its own TTL
	sess.WorkspaceID = ws.ID
	sess.Roles = ws.Roles
	sess.AccessToken = scoped.Token
	sess.TokenExpiry = scoped.Expiry
	sess.Touch(o.now())

	if err := o.store.Put(ctx, sess); err != nil {
		o.countSwitch("error")
		return nil, auth.E(auth.KindInternal, "session.switch_workspace", err)
	}

	o.countSwitch("ok")
	o.logger.WithField("session_id", sess.ID).WithField("workspace_id", ws.ID).Info("workspace switched")
	return sess, nil
}

// GetValidToken returns the session's access token, refreshing it first if
// it is expired or about to expire. Every successful call moves the idle
// clock forward.
func (o *Orchestrator) GetValidToken(ctx context.Context, sessionID string) (*auth.ScopedToken, error) {
	sess, err := o.lookup(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := o.now()
	if sess.TokenFresh(now, o.cfg.ExpiryMargin) {
		// Touch, never Put: writing the whole record back here would race
		// a concurrent switch or refresh-token rotation and revert it
		if err := o.store.Touch(ctx, sessionID, now); err != nil {
			return nil, auth.E(auth.KindInternal, "session.get_valid_token", err)
		}
		return &auth.ScopedToken{Token: sess.AccessToken, Expiry: sess.TokenExpiry}, nil
	}

	v, err, shared := o.group.Do(sessionID, func() (interface{}, error) {
		return o.refreshSession(ctx, sessionID)
	})
	if err != nil {
		return nil, err
	}
	if shared && o.metrics != nil {
		o.metrics.RefreshDedupedTotal.Inc()
	}
	return v.(*auth.ScopedToken), nil
}

// Inspect returns the session without refreshing its token or moving the
// idle clock. Expiry policy still applies.
func (o *Orchestrator) Inspect(ctx context.Context, sessionID string) (*Session, error) {
	return o.lookup(ctx, sessionID)
}

// ListWorkspaces returns the user's current membership snapshot
func (o *Orchestrator) ListWorkspaces(ctx context.Context, sessionID string) (*auth.UserContext, error) {
	tok, err := o.GetValidToken(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sess, err := o.lookup(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return o.resolver.GetUserContext(ctx, sess.UserID, tok.Token)
}

// Invalidate deletes the session. Idempotent: deleting an absent session is
// not an error.
func (o *Orchestrator) Invalidate(ctx context.Context, sessionID, reason string) error {
	if err := o.store.Delete(ctx, sessionID); err != nil {
		return auth.E(auth.KindInternal, "session.invalidate", err)
	}
	if o.metrics != nil {
		o.metrics.SessionsInvalidatedTotal.WithLabelValues(reason).Inc()
		o.metrics.SessionsActive.Dec()
	}
	o.logger.WithField("session_id", sessionID).WithField("reason", reason).Info("session invalidated")
	return nil
}

// lookup loads a session and applies both expiry clocks, deleting the record
// when either has run out
func (o *Orchestrator) lookup(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := o.store.Get(ctx, sessionID)
	if err == ErrNotFound {
		return nil, auth.E(auth.KindSessionNotFound, "session.lookup", err)
	} else if err != nil {
		return nil, auth.E(auth.KindInternal, "session.lookup", err)
	}

	now := o.now()
	if sess.ExpiredAbsolute(now, o.cfg.AbsoluteTimeout) {
		o.Invalidate(ctx, sessionID, ReasonAbsoluteTimeout)
		return nil, auth.Errorf(auth.KindSessionNotFound, "session.lookup", "session %s past absolute timeout", sessionID)
	}
	if sess.ExpiredIdle(now, o.cfg.IdleTimeout) {
		o.Invalidate(ctx, sessionID, ReasonIdleTimeout)
		return nil, auth.Errorf(auth.KindSessionNotFound, "session.lookup", "session %s past idle timeout", sessionID)
	}

	return sess, nil
}

// refreshSession serializes the refresh across orchestrator instances via
// the store lease. Exactly one caller reaches the provider; losers wait for
// the winner's write and reuse it.
func (o *Orchestrator) refreshSession(callerCtx context.Context, sessionID string) (*auth.ScopedToken, error) {
	// The provider call must complete even if the original client request
	// is abandoned mid-refresh: the refresh token is consumed either way,
	// and the result has to reach the store. Only the caller's response is
	// discarded.
	ctx := context.WithoutCancel(callerCtx)

	for attempt := 0; attempt < refreshAttempts; attempt++ {
		sess, err := o.lookup(ctx, sessionID)
		if err != nil {
			return nil, err
		}

		now := o.now()
		if sess.TokenFresh(now, o.cfg.ExpiryMargin) {
			// Another instance refreshed while we were queueing
			if err := o.store.Touch(ctx, sessionID, now); err != nil {
				return nil, auth.E(auth.KindInternal, "session.refresh", err)
			}
			return &auth.ScopedToken{Token: sess.AccessToken, Expiry: sess.TokenExpiry}, nil
		}

		owner := uuid.NewString()
		acquired, err := o.store.AcquireLease(ctx, sessionID, owner, o.cfg.RefreshLeaseTTL)
		if err != nil {
			return nil, auth.E(auth.KindInternal, "session.refresh", err)
		}

		if acquired {
			tok, rerr := o.doRefresh(ctx, sess)
			if lerr := o.store.ReleaseLease(ctx, sessionID, owner); lerr != nil {
				o.logger.WithError(lerr).WithField("session_id", sessionID).Warn("failed to release refresh lease")
			}
			return tok, rerr
		}

		// Lease loser: wait for the winner's result instead of issuing our
		// own provider call
		start := o.now()
		tok, ok, err := o.waitForRefresh(ctx, sessionID)
		if o.metrics != nil {
			o.metrics.RefreshLeaseWaits.Observe(o.now().Sub(start).Seconds())
		}
		if err != nil {
			return nil, err
		}
		if ok {
			return tok, nil
		}
		// Lease expired without a fresh token: the holder crashed or hit a
		// transient failure. Try to take over.
	}

	return nil, auth.Errorf(auth.KindProviderUnavailable, "session.refresh", "refresh coordination timed out for session %s", sessionID)
}

// waitForRefresh polls the session record until the winner's refreshed token
// appears or the lease window passes
func (o *Orchestrator) waitForRefresh(ctx context.Context, sessionID string) (*auth.ScopedToken, bool, error) {
	deadline := o.now().Add(o.cfg.RefreshLeaseTTL)
	ticker := time.NewTicker(o.cfg.RefreshWaitPoll)
	defer ticker.Stop()

	for {
		sess, err := o.lookup(ctx, sessionID)
		if err != nil {
			// Includes the winner discovering an invalid refresh token and
			// deleting the session
			return nil, false, err
		}

		now := o.now()
		if sess.TokenFresh(now, o.cfg.ExpiryMargin) {
			if err := o.store.Touch(ctx, sessionID, now); err != nil {
				return nil, false, auth.E(auth.KindInternal, "session.refresh", err)
			}
			return &auth.ScopedToken{Token: sess.AccessToken, Expiry: sess.TokenExpiry}, true, nil
		}

		if now.After(deadline) {
			return nil, false, nil
		}

		select {
		case <-ctx.Done():
			return nil, false, auth.E(auth.KindProviderUnavailable, "session.refresh", ctx.Err())
		case <-ticker.C:
		}
	}
}

// doRefresh performs the provider round trip while holding the lease and
// writes the result back. When a workspace is selected, the fresh base token
// is immediately exchanged for a scoped one so the session never carries an
// unscoped token past resolution.
func (o *Orchestrator) doRefresh(ctx context.Context, sess *Session) (*auth.ScopedToken, error) {
	tokens, err := o.exchanger.Refresh(ctx, sess.RefreshToken)
	if err != nil {
		if auth.KindOf(err) == auth.KindRefreshInvalid {
			// The refresh token is expired or revoked upstream; the session
			// can never mint tokens again
			o.countRefresh("rejected")
			o.Invalidate(ctx, sess.ID, ReasonRefreshInvalid)
			return nil, auth.E(auth.KindSessionNotFound, "session.refresh", err)
		}
		o.countRefresh("unavailable")
		return nil, err
	}
	o.countRefresh("ok")

	access := tokens.AccessToken
	expiry := tokens.Expiry

	if sess.WorkspaceID != "" {
		scoped, err := o.exchanger.ExchangeForScopedToken(ctx, tokens.AccessToken, sess.WorkspaceID, sess.Roles)
		if err != nil {
			if auth.IsRejection(err) {
				// The provider refused to scope a token it just issued;
				// the session's token material is unusable
				o.Invalidate(ctx, sess.ID, ReasonRefreshInvalid)
			}
			return nil, err
		}
		access = scoped.Token
		expiry = scoped.Expiry
	}

	if tokens.RefreshToken != "" {
		sess.RefreshToken = tokens.RefreshToken
	}
	sess.AccessToken = access
	sess.TokenExpiry = expiry
	sess.Touch(o.now())

	if err := o.store.Put(ctx, sess); err != nil {
		return nil, auth.E(auth.KindInternal, "session.refresh", err)
	}

	return &auth.ScopedToken{Token: sess.AccessToken, Expiry: sess.TokenExpiry}, nil
}

func (o *Orchestrator) countRefresh(outcome string) {
	if o.metrics != nil {
		o.metrics.RefreshAttemptsTotal.WithLabelValues(outcome).Inc()
	}
}

func (o *Orchestrator) countSwitch(outcome string) {
	if o.metrics != nil {
		o.metrics.WorkspaceSwitchesTotal.WithLabelValues(outcome).Inc()
	}
}
