package gateway

import (
	"context"
	"time"

	"auditgate.org/internal/ids"
)

// GrantStore is the read side of grant persistence plus the three fields the
// gateway is allowed to mutate: status, access_count and last_accessed_at.
type GrantStore interface {
	FindByToken(ctx context.Context, token string) (Grant, error)
	Find(ctx context.Context, id string) (Grant, error)
	// MarkExpired moves an active grant to expired. Applying it twice is a no-op.
	MarkExpired(ctx context.Context, id string) error
	// RecordAccess increments access_count and sets last_accessed_at atomically,
	// returning the updated grant. The write only applies to a grant that is
	// unrevoked, active and inside its window at `at`; otherwise nothing
	// changes and ErrGrantNotLive is returned.
	RecordAccess(ctx context.Context, id string, at time.Time) (Grant, error)
}

// GrantAdmin covers the administrator flows: issuing and revoking grants.
type GrantAdmin interface {
	CreateGrant(ctx context.Context, g *Grant) error
	// RevokeGrant sets revoked_at and revoke_reason once. Revoking an already
	// revoked grant returns it unchanged.
	RevokeGrant(ctx context.Context, id, reason string, at time.Time) (Grant, error)
}

// AccessLogStore appends immutable access log rows. Appending an entry whose
// ID already exists must not create a second row.
type AccessLogStore interface {
	AppendAccessLog(ctx context.Context, entry LogEntry) error
}

// AccessLogReader lists the trail of one grant, newest first.
type AccessLogReader interface {
	ListAccessLog(ctx context.Context, sessionID string, limit int) ([]LogEntry, error)
}

// RecordSource reads tenant-scoped rows of a business-module table.
// It has no write methods.
type RecordSource interface {
	FetchRecords(ctx context.Context, q TenantQuery) ([]Record, error)
}

// AccessLogger records an entry before the action it describes completes.
// A returned error is informational: callers never fail the user-visible
// operation because of it.
type AccessLogger interface {
	Log(ctx context.Context, entry LogEntry) error
}

// DirectLogger writes each entry straight to the store with no queueing or
// retry. Administrative tools and tests use it.
type DirectLogger struct {
	Store AccessLogStore
	Now   func() time.Time
}

func (l DirectLogger) Log(ctx context.Context, entry LogEntry) error {
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	if entry.CreatedAt.IsZero() {
		now := time.Now
		if l.Now != nil {
			now = l.Now
		}
		entry.CreatedAt = now().UTC()
	}
	return l.Store.AppendAccessLog(ctx, entry)
}
