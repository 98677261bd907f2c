// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/halcyon-ai/researchd/internal/domain"
)

// SnapshotRepository persists workflow snapshots keyed by session ID.
// Snapshots outlive registry eviction so checkpoint history stays
// queryable after a session is gone from memory.
type SnapshotRepository interface {
	// SaveSnapshot creates or updates the snapshot for a session.
	SaveSnapshot(ctx context.Context, snap *domain.WorkflowSnapshot) error

	// GetSnapshot retrieves the snapshot for a session, or nil if none.
	GetSnapshot(ctx context.Context, sessionID string) (*domain.WorkflowSnapshot, error)

	// DeleteSnapshot removes a session's snapshot.
	DeleteSnapshot(ctx context.Context, sessionID string) error

	// CleanupExpired removes snapshots untouched for longer than ttl.
	CleanupExpired(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
