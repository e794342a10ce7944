package ports

import "context"

// ProgressStore holds per-stage repeat counters and live status while a
// run is active. It is a TTL'd, best-effort mirror: write failures never
// fail a stage, and a read failure at reconciliation time means the
// caller falls back to its own in-memory last-known value.
type ProgressStore interface {
	// Increment atomically bumps the counter at key and returns the new
	// value.
	Increment(ctx context.Context, key string) (int64, error)

	// Get returns the counter at key; the bool reports presence.
	Get(ctx context.Context, key string) (int64, bool, error)

	// SetStatus records a stage's live status string.
	SetStatus(ctx context.Context, key string, status string) error

	// Status returns the live status at key; the bool reports presence.
	Status(ctx context.Context, key string) (string, bool, error)

	// DeletePrefix drops every key under prefix, returning how many were
	// removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)

	Close() error
}
