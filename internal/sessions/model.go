package sessions

import (
	"time"

	"autoapply-backend/internal/jobsource"
	"autoapply-backend/internal/platforms"
	"autoapply-backend/internal/quota"
)

// Status is the lifecycle state of an automation session.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no command can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Config is the user-editable part of a session.
type Config struct {
	Name              string
	TargetPlatforms   []string
	SearchKeywords    []string
	LocationFilters   []string
	SalaryMin         *int
	SalaryMax         *int
	ExperienceLevels  []string
	JobTypes          []string
	DailyLimit        int
	ApplicationsLimit int
	// Timezone is an IANA name fixed at creation. Day boundaries follow it.
	Timezone      string
	ResumeID      string
	CoverLetterID string
	PacingSeconds int
}

// Session is one automation run owned by a user.
type Session struct {
	ID     string
	UserID string
	Config

	Status       Status
	StoppedEarly bool
	ErrorMessage string

	// Cached counters. The ledger is authoritative.
	ApplicationsSent      int
	ApplicationsSentToday int
	LastDispatchAt        *time.Time

	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Location returns the session timezone, falling back to UTC.
func (s Session) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Limits returns the governor input for s.
func (s Session) Limits() quota.Limits {
	return quota.Limits{
		Daily:    s.DailyLimit,
		Lifetime: s.ApplicationsLimit,
		Location: s.Location(),
	}
}

// Filters returns the job source filters for s.
func (s Session) Filters() jobsource.Filters {
	return jobsource.Filters{
		Platforms:        s.TargetPlatforms,
		Keywords:         s.SearchKeywords,
		Locations:        s.LocationFilters,
		SalaryMin:        s.SalaryMin,
		SalaryMax:        s.SalaryMax,
		ExperienceLevels: s.ExperienceLevels,
		JobTypes:         s.JobTypes,
	}
}

// Profile returns the applicant materials passed to adapters.
func (s Session) Profile() platforms.ProfileRef {
	return platforms.ProfileRef{
		UserID:        s.UserID,
		ResumeID:      s.ResumeID,
		CoverLetterID: s.CoverLetterID,
	}
}

// View is the read projection of a session with ledger-derived counters.
type View struct {
	Session
	Applied      int
	AppliedToday int
	Failed       int
	Pending      int
	// Progress is applied over the lifetime limit, in percent.
	Progress float64
	// SuccessRate is applied over decided entries, in percent.
	SuccessRate float64
}

// Stats aggregates a user's automation activity.
type Stats struct {
	TotalApplications      int
	SuccessfulApplications int
	FailedApplications     int
	PendingApplications    int
	ActiveSessions         int
	TotalSessions          int
}

// ConfigPatch carries optional configuration edits. Nil fields are left unchanged.
type ConfigPatch struct {
	Name              *string
	TargetPlatforms   *[]string
	SearchKeywords    *[]string
	LocationFilters   *[]string
	SalaryMin         *int
	SalaryMax         *int
	ClearSalary       bool
	ExperienceLevels  *[]string
	JobTypes          *[]string
	DailyLimit        *int
	ApplicationsLimit *int
	Timezone          *string
	ResumeID          *string
	CoverLetterID     *string
	PacingSeconds     *int
}

func (p ConfigPatch) apply(cfg Config) Config {
	if p.Name != nil {
		cfg.Name = *p.Name
	}
	if p.TargetPlatforms != nil {
		cfg.TargetPlatforms = *p.TargetPlatforms
	}
	if p.SearchKeywords != nil {
		cfg.SearchKeywords = *p.SearchKeywords
	}
	if p.LocationFilters != nil {
		cfg.LocationFilters = *p.LocationFilters
	}
	if p.ClearSalary {
		cfg.SalaryMin, cfg.SalaryMax = nil, nil
	}
	if p.SalaryMin != nil {
		cfg.SalaryMin = p.SalaryMin
	}
	if p.SalaryMax != nil {
		cfg.SalaryMax = p.SalaryMax
	}
	if p.ExperienceLevels != nil {
		cfg.ExperienceLevels = *p.ExperienceLevels
	}
	if p.JobTypes != nil {
		cfg.JobTypes = *p.JobTypes
	}
	if p.DailyLimit != nil {
		cfg.DailyLimit = *p.DailyLimit
	}
	if p.ApplicationsLimit != nil {
		cfg.ApplicationsLimit = *p.ApplicationsLimit
	}
	if p.ResumeID != nil {
		cfg.ResumeID = *p.ResumeID
	}
	if p.CoverLetterID != nil {
		cfg.CoverLetterID = *p.CoverLetterID
	}
	if p.PacingSeconds != nil {
		cfg.PacingSeconds = *p.PacingSeconds
	}
	return cfg
}
