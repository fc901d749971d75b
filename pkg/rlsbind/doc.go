// Package rlsbind binds validated workspace claims to PostgreSQL row-level
// security.
//
// Every tenant-scoped query runs inside a transaction whose app.workspace_id
// setting carries the workspace from the request's validated claims. RLS
// policies on tenant tables read that setting, so a query can only ever see
// one workspace's rows. The setting is transaction-local: it vanishes at
// commit or rollback, and a connection returned to the pool carries nothing
// over to its next borrower.
package rlsbind
