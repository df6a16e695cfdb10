// Package store defines the persistence contract shared by the SQLite and
// Postgres backends.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"luxelink/server/internal/models"
)

// ErrConflict is returned by ListingTx.Insert when another writer created
// the row for the same key first. Callers re-run the transaction.
var ErrConflict = errors.New("listing already exists")

// PersistenceError reports that a listing could not be written after all
// retries. It aborts the remaining work of the agent that hit it.
type PersistenceError struct {
	Key models.ListingKey
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to persist listing %s: %v", e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// RecordError reports that the store rejected a listing because of its own
// content, such as a value too long for its column or a violated check. No
// retry can succeed; only this record is skipped.
type RecordError struct {
	Key models.ListingKey
	Err error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("listing %s rejected by store: %v", e.Key, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// ListingTx is a transaction scoped to one (source, external id) key.
type ListingTx interface {
	// Current returns the stored row for the key, locked for the rest of the
	// transaction, or nil when there is none.
	Current(ctx context.Context) (*models.Listing, error)
	// Insert creates the row and sets its ID. It returns ErrConflict when the
	// unique (source, external_id) constraint rejects it.
	Insert(ctx context.Context, l *models.Listing) error
	// Update rewrites every mutable column of an existing row.
	Update(ctx context.Context, l *models.Listing) error
	// EnqueueAlert adds an outbox row committed together with the listing.
	EnqueueAlert(ctx context.Context, a *models.ListingAlert) error
}

type Store interface {
	// WithListing runs fn in one transaction for key. The transaction is
	// committed when fn returns nil and rolled back otherwise, including when
	// ctx is cancelled.
	WithListing(ctx context.Context, key models.ListingKey, fn func(ctx context.Context, tx ListingTx) error) error

	EnabledAgents(ctx context.Context) ([]models.Agent, error)
	ListAgents(ctx context.Context) ([]models.Agent, error)
	UpsertAgent(ctx context.Context, a *models.Agent) error

	ListListings(ctx context.Context, f models.ListingFilter) ([]models.Listing, error)
	GetListing(ctx context.Context, key models.ListingKey) (*models.Listing, error)

	PendingAlerts(ctx context.Context, limit int) ([]models.PendingAlert, error)
	MarkAlertDelivered(ctx context.Context, id int64, at time.Time) error

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// DefaultListingLimit caps ListListings when the filter sets no limit.
const DefaultListingLimit = 100
