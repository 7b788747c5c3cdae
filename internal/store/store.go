// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/shsh-pilot/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Repository persists session targets and the event audit trail.
type Repository interface {
	// GetTarget retrieves the target bound to a session.
	GetTarget(ctx context.Context, sessionID string) (*domain.Target, error)

	// UpsertTarget creates or replaces a session's target binding.
	UpsertTarget(ctx context.Context, target *domain.Target) error

	// TouchTarget records activity on a session's target.
	TouchTarget(ctx context.Context, sessionID string, at time.Time) error

	// DeleteTarget removes a session's target binding. Deleting a missing
	// binding is not an error.
	DeleteTarget(ctx context.Context, sessionID string) error

	// IdleTargets returns targets with no activity within ttl.
	IdleTargets(ctx context.Context, ttl time.Duration) ([]*domain.Target, error)

	// AppendEvents stores a batch of events in one transaction.
	AppendEvents(ctx context.Context, events []domain.EventRecord) error

	// ListEvents returns a session's events with id greater than afterID in
	// insertion order. limit <= 0 means no limit.
	ListEvents(ctx context.Context, sessionID string, afterID int64, limit int) ([]domain.EventRecord, error)

	// PruneEvents deletes events older than the retention period.
	PruneEvents(ctx context.Context, retention time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
