package ledger

import (
	"time"

	"autoapply-backend/internal/quota"
)

// Status is the lifecycle state of a ledger entry.
type Status string

const (
	StatusPending Status = "pending"
	StatusApplied Status = "applied"
	StatusFailed  Status = "failed"
)

// JobRef identifies a job posting on one platform.
type JobRef struct {
	Platform   string
	ExternalID string
}

// Entry is one application attempt for one job within one session.
type Entry struct {
	ID           string
	SessionID    string
	Job          JobRef
	JobTitle     string
	Company      string
	Status       Status
	SubmittedAt  *time.Time
	ErrorMessage string
	AttemptCount int
	ArtifactKey  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Attempt is the input to RecordAttempt.
type Attempt struct {
	SessionID string
	Job       JobRef
	JobTitle  string
	Company   string
	At        time.Time
}

// Outcome is the terminal result of a pending entry.
type Outcome struct {
	Status      Status
	Reason      string
	ArtifactKey string
	At          time.Time
}

// Applied builds a successful outcome.
func Applied(at time.Time, artifactKey string) Outcome {
	return Outcome{Status: StatusApplied, ArtifactKey: artifactKey, At: at}
}

// Failed builds a failed outcome with a reason.
func Failed(at time.Time, reason string) Outcome {
	return Outcome{Status: StatusFailed, Reason: reason, At: at}
}

// Counts aggregates the committed entries of a session.
type Counts struct {
	Applied      int
	AppliedToday int
	Failed       int
	Pending      int
}

// Quota converts ledger counts to the governor's input.
func (c Counts) Quota() quota.Counts {
	return quota.Counts{Total: c.Applied, Today: c.AppliedToday}
}

func (c Counts) apply(s Status) Counts {
	c.Pending--
	if c.Pending < 0 {
		c.Pending = 0
	}
	switch s {
	case StatusApplied:
		c.Applied++
		c.AppliedToday++
	case StatusFailed:
		c.Failed++
	}
	return c
}
