// Package store persists the most recently fetched client-list snapshot
// across process restarts, with the same 24-hour staleness policy judged by
// the caller.
package store

import (
	"context"
	"time"

	"github.com/compliance-checker/compliance-checker/internal/addepar"
)

// Store holds at most one client-list snapshot together with its retrieval
// time.
type Store interface {
	// Get returns the stored snapshot and when it was retrieved. A nil table
	// with a nil error means nothing is stored. Expired snapshots are still
	// returned: staleness is judged by the caller, which may deliberately
	// fall back to stale data when a fresh fetch fails.
	Get(ctx context.Context) (*addepar.Table, time.Time, error)
	// Put replaces the snapshot wholesale.
	Put(ctx context.Context, table *addepar.Table, fetched time.Time) error
	// Delete removes the snapshot, forcing the next refresh to fetch.
	Delete(ctx context.Context) error
	// Close releases any resources held by the store.
	Close() error
}
