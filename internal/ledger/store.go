package ledger

import (
	"context"
	"time"

	"autoapply-backend/internal/quota"
)

// Store is the durable application ledger.
//
// Writes for one session are serialized. An applied outcome and the matching
// counter increment commit together or not at all.
type Store interface {
	// RecordAttempt inserts a pending entry. It returns ErrDuplicate when the job
	// already has an entry in the session.
	RecordAttempt(ctx context.Context, a Attempt) (Entry, error)
	Exists(ctx context.Context, sessionID string, job JobRef) (bool, error)
	Get(ctx context.Context, entryID string) (Entry, error)
	// RecordRetry bumps the attempt count of a pending entry and returns the new count.
	RecordRetry(ctx context.Context, entryID string) (int, error)
	// RecordOutcome moves a pending entry to applied or failed.
	RecordOutcome(ctx context.Context, entryID string, out Outcome) (Entry, Counts, error)
	CountToday(ctx context.Context, sessionID string, now time.Time) (int, error)
	CountTotal(ctx context.Context, sessionID string) (int, error)
	Counts(ctx context.Context, sessionID string, now time.Time) (Counts, error)
	List(ctx context.Context, sessionID string, limit, offset int) ([]Entry, int, error)
	ListPending(ctx context.Context, sessionID string) ([]Entry, error)
	// Reconcile recomputes cached session counters from ledger aggregates.
	Reconcile(ctx context.Context, sessionID string, now time.Time) (Counts, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// LimitsSource resolves the quota limits of a session.
type LimitsSource interface {
	QuotaLimits(ctx context.Context, sessionID string) (quota.Limits, error)
}

func validOutcome(out Outcome) bool {
	return out.Status == StatusApplied || out.Status == StatusFailed
}

func outcomeTime(out Outcome, now func() time.Time) time.Time {
	if out.At.IsZero() {
		return now().UTC()
	}
	return out.At.UTC()
}

func fitsQuota(limits quota.Limits, c Counts) bool {
	return c.Applied+1 <= limits.Lifetime && c.AppliedToday+1 <= limits.Daily
}
