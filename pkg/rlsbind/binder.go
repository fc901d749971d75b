package rlsbind

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"tenantgate/pkg/auth"
	"tenantgate/pkg/contextkeys"
	"tenantgate/pkg/observability"
)

// ConnectionOptions holds database connection settings
type ConnectionOptions struct {
	URL         string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
}

// Binder runs tenant-scoped work inside RLS-bound transactions
type Binder struct {
	db     *sql.DB
	logger *observability.Logger
}

// Open connects to PostgreSQL and returns a Binder. logger may be nil.
func Open(opts ConnectionOptions, logger *observability.Logger) (*Binder, error) {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, os.Stdout)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}

	db, err := sql.Open("postgres", opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	if opts.MaxConns > 0 {
		db.SetMaxOpenConns(opts.MaxConns)
	}
	if opts.MinConns > 0 {
		db.SetMaxIdleConns(opts.MinConns)
	}
	if opts.MaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.MaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewBinder(db, logger), nil
}

// NewBinder wraps an existing database handle
func NewBinder(db *sql.DB, logger *observability.Logger) *Binder {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, os.Stdout)
	}
	return &Binder{db: db, logger: logger}
}

// Close releases the connection pool
func (b *Binder) Close() error {
	return b.db.Close()
}

// Ping reports database reachability
func (b *Binder) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

// WithWorkspace runs fn inside a transaction bound to the given workspace.
// set_config's is_local flag scopes the setting to the transaction, so no
// explicit reset is needed on any exit path.
func (b *Binder) WithWorkspace(ctx context.Context, workspaceID string, fn func(tx *sql.Tx) error) error {
	const op = "rlsbind.with_workspace"

	if workspaceID == "" {
		return auth.Errorf(auth.KindInternal, op, "empty workspace id")
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.E(auth.KindInternal, op, fmt.Errorf("failed to begin transaction: %w", err))
	}

	if _, err := tx.ExecContext(ctx, "SELECT set_config('app.workspace_id', $1, true)", workspaceID); err != nil {
		tx.Rollback()
		return auth.E(auth.KindInternal, op, fmt.Errorf("failed to bind workspace: %w", err))
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			b.logger.WithError(rbErr).Error("rollback failed")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return auth.E(auth.KindInternal, op, fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// WithClaims runs fn bound to the workspace from the context's validated
// claims, as set by the relay
func (b *Binder) WithClaims(ctx context.Context, fn func(tx *sql.Tx) error) error {
	const op = "rlsbind.with_claims"

	claims, ok := ctx.Value(contextkeys.ClaimsKey).(*auth.WorkspaceClaims)
	if !ok || claims == nil || claims.WorkspaceID == "" {
		return auth.Errorf(auth.KindUnauthorized, op, "no validated workspace claims in context")
	}
	return b.WithWorkspace(ctx, claims.WorkspaceID, fn)
}
