package storage

import (
	"context"
	"time"
)

// Store is the persistence API used by the group manager, batch processor and
// job runner.
type Store interface {
	// Groups.
	InsertGroup(ctx context.Context, g *Group) error
	GroupByJID(ctx context.Context, jid string) (*Group, error)
	ActiveGroups(ctx context.Context, period string) ([]Group, error)
	// ActiveGroupWithCapacity returns the lowest-numbered active group in the
	// period whose member_count is below ceiling, or ErrNotFound.
	ActiveGroupWithCapacity(ctx context.Context, period string, ceiling int) (*Group, error)
	NextGroupNumber(ctx context.Context, period string) (int, error)
	// IncrementMemberCount bumps the counter atomically, bounded at ceiling.
	// Returns false when the group was already at ceiling (no row changed).
	IncrementMemberCount(ctx context.Context, groupID int64, ceiling int) (bool, error)
	// DecrementMemberCount lowers the counter atomically, never below zero.
	DecrementMemberCount(ctx context.Context, groupID int64) error
	// DeactivatePeriod flips is_active off for every group in the period.
	// Returns how many groups were deactivated.
	DeactivatePeriod(ctx context.Context, period string) (int64, error)

	// Ledger (append-only).
	AppendOp(ctx context.Context, e OpEntry) error
	// WasAdded reports whether a successful add_member entry exists for the
	// user in the given rotation period.
	WasAdded(ctx context.Context, userID, period string) (bool, error)
	RecentOps(ctx context.Context, limit int) ([]OpEntry, error)

	// Subscriber projection.
	EligibleCandidates(ctx context.Context) ([]Candidate, error)
	UpsertCandidate(ctx context.Context, c Candidate) error

	// Refresh lease (cross-invocation mutual exclusion).
	AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key, owner string) error

	Close() error
}
