// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/stella/internal/domain"
)

// EventFilter narrows ListEvents. Zero fields match everything.
type EventFilter struct {
	SessionKey string
	Type       domain.EventType
	Limit      int
}

// Repository persists the audit trail, withdrawal history and identity
// templates.
type Repository interface {
	// RecordEvent stores e. Recording the same MessageID twice is a no-op.
	RecordEvent(ctx context.Context, e domain.Event) error

	// ListEvents returns recorded events, newest first.
	ListEvents(ctx context.Context, f EventFilter) ([]domain.Event, error)

	// CleanupEvents removes events recorded before cutoff.
	CleanupEvents(ctx context.Context, cutoff time.Time) (int64, error)

	// RecordWithdrawal stores the committed lines of one withdrawal.
	RecordWithdrawal(ctx context.Context, records []domain.WithdrawalRecord) error

	// AverageWithdrawal returns the mean quantity of the most recent
	// withdrawals of productKey. ok is false when there is no history.
	AverageWithdrawal(ctx context.Context, productKey string) (avg float64, ok bool, err error)

	// SaveIdentity creates or updates an identity template.
	SaveIdentity(ctx context.Context, t domain.IdentityTemplate) error

	// GetIdentity retrieves a template by reference.
	GetIdentity(ctx context.Context, ref string) (domain.IdentityTemplate, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
