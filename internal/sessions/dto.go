package sessions

import (
	"math"
	"time"

	"autoapply-backend/internal/ledger"
)

type createSessionRequest struct {
	Name              string   `json:"name"`
	TargetPlatforms   []string `json:"targetPlatforms"`
	SearchKeywords    []string `json:"searchKeywords"`
	LocationFilters   []string `json:"locationFilters"`
	SalaryMin         *int     `json:"salaryMin"`
	SalaryMax         *int     `json:"salaryMax"`
	ExperienceLevels  []string `json:"experienceLevels"`
	JobTypes          []string `json:"jobTypes"`
	DailyLimit        int      `json:"dailyLimit"`
	ApplicationsLimit int      `json:"applicationsLimit"`
	Timezone          string   `json:"timezone"`
	ResumeID          string   `json:"resumeId"`
	CoverLetterID     string   `json:"coverLetterId"`
	PacingSeconds     *int     `json:"pacingSeconds"`
}

// config converts the request. An omitted pacingSeconds takes defaultPacing;
// an explicit 0 disables pacing.
func (r createSessionRequest) config(defaultPacing int) Config {
	pacing := defaultPacing
	if r.PacingSeconds != nil {
		pacing = *r.PacingSeconds
	}
	return Config{
		Name:              r.Name,
		TargetPlatforms:   r.TargetPlatforms,
		SearchKeywords:    r.SearchKeywords,
		LocationFilters:   r.LocationFilters,
		SalaryMin:         r.SalaryMin,
		SalaryMax:         r.SalaryMax,
		ExperienceLevels:  r.ExperienceLevels,
		JobTypes:          r.JobTypes,
		DailyLimit:        r.DailyLimit,
		ApplicationsLimit: r.ApplicationsLimit,
		Timezone:          r.Timezone,
		ResumeID:          r.ResumeID,
		CoverLetterID:     r.CoverLetterID,
		PacingSeconds:     pacing,
	}
}

type updateSessionRequest struct {
	Name              *string   `json:"name"`
	TargetPlatforms   *[]string `json:"targetPlatforms"`
	SearchKeywords    *[]string `json:"searchKeywords"`
	LocationFilters   *[]string `json:"locationFilters"`
	SalaryMin         *int      `json:"salaryMin"`
	SalaryMax         *int      `json:"salaryMax"`
	ClearSalary       bool      `json:"clearSalary"`
	ExperienceLevels  *[]string `json:"experienceLevels"`
	JobTypes          *[]string `json:"jobTypes"`
	DailyLimit        *int      `json:"dailyLimit"`
	ApplicationsLimit *int      `json:"applicationsLimit"`
	Timezone          *string   `json:"timezone"`
	ResumeID          *string   `json:"resumeId"`
	CoverLetterID     *string   `json:"coverLetterId"`
	PacingSeconds     *int      `json:"pacingSeconds"`
}

func (r updateSessionRequest) patch() ConfigPatch {
	return ConfigPatch(r)
}

type sessionResponse struct {
	SessionID             string     `json:"sessionId"`
	Name                  string     `json:"name"`
	Status                string     `json:"status"`
	StoppedEarly          bool       `json:"stoppedEarly"`
	ErrorMessage          string     `json:"errorMessage,omitempty"`
	TargetPlatforms       []string   `json:"targetPlatforms"`
	SearchKeywords        []string   `json:"searchKeywords"`
	LocationFilters       []string   `json:"locationFilters"`
	SalaryMin             *int       `json:"salaryMin,omitempty"`
	SalaryMax             *int       `json:"salaryMax,omitempty"`
	ExperienceLevels      []string   `json:"experienceLevels"`
	JobTypes              []string   `json:"jobTypes"`
	DailyLimit            int        `json:"dailyLimit"`
	ApplicationsLimit     int        `json:"applicationsLimit"`
	Timezone              string     `json:"timezone"`
	ResumeID              string     `json:"resumeId,omitempty"`
	CoverLetterID         string     `json:"coverLetterId,omitempty"`
	PacingSeconds         int        `json:"pacingSeconds"`
	ApplicationsSent      int        `json:"applicationsSent"`
	ApplicationsSentToday int        `json:"applicationsSentToday"`
	ApplicationsFailed    int        `json:"applicationsFailed"`
	ApplicationsPending   int        `json:"applicationsPending"`
	Progress              float64    `json:"progress"`
	SuccessRate           float64    `json:"successRate"`
	StartedAt             *time.Time `json:"startedAt,omitempty"`
	CompletedAt           *time.Time `json:"completedAt,omitempty"`
	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedAt             time.Time  `json:"updatedAt"`
}

func toSessionResponse(v View) sessionResponse {
	return sessionResponse{
		SessionID:             v.ID,
		Name:                  v.Name,
		Status:                string(v.Status),
		StoppedEarly:          v.StoppedEarly,
		ErrorMessage:          v.ErrorMessage,
		TargetPlatforms:       nonNil(v.TargetPlatforms),
		SearchKeywords:        nonNil(v.SearchKeywords),
		LocationFilters:       nonNil(v.LocationFilters),
		SalaryMin:             v.SalaryMin,
		SalaryMax:             v.SalaryMax,
		ExperienceLevels:      nonNil(v.ExperienceLevels),
		JobTypes:              nonNil(v.JobTypes),
		DailyLimit:            v.DailyLimit,
		ApplicationsLimit:     v.ApplicationsLimit,
		Timezone:              v.Timezone,
		ResumeID:              v.ResumeID,
		CoverLetterID:         v.CoverLetterID,
		PacingSeconds:         v.PacingSeconds,
		ApplicationsSent:      v.Applied,
		ApplicationsSentToday: v.AppliedToday,
		ApplicationsFailed:    v.Failed,
		ApplicationsPending:   v.Pending,
		Progress:              round1(v.Progress),
		SuccessRate:           round1(v.SuccessRate),
		StartedAt:             v.StartedAt,
		CompletedAt:           v.CompletedAt,
		CreatedAt:             v.CreatedAt,
		UpdatedAt:             v.UpdatedAt,
	}
}

type applicationResponse struct {
	ApplicationID string     `json:"applicationId"`
	Platform      string     `json:"platform"`
	ExternalJobID string     `json:"externalJobId"`
	JobTitle      string     `json:"jobTitle"`
	Company       string     `json:"company"`
	Status        string     `json:"status"`
	SubmittedAt   *time.Time `json:"submittedAt,omitempty"`
	ErrorMessage  string     `json:"errorMessage,omitempty"`
	AttemptCount  int        `json:"attemptCount"`
	HasReceipt    bool       `json:"hasReceipt"`
	CreatedAt     time.Time  `json:"createdAt"`
}

func toApplicationResponse(e ledger.Entry) applicationResponse {
	return applicationResponse{
		ApplicationID: e.ID,
		Platform:      e.Job.Platform,
		ExternalJobID: e.Job.ExternalID,
		JobTitle:      e.JobTitle,
		Company:       e.Company,
		Status:        string(e.Status),
		SubmittedAt:   e.SubmittedAt,
		ErrorMessage:  e.ErrorMessage,
		AttemptCount:  e.AttemptCount,
		HasReceipt:    e.ArtifactKey != "",
		CreatedAt:     e.CreatedAt,
	}
}

type applicationsPage struct {
	Items  []applicationResponse `json:"items"`
	Total  int                   `json:"total"`
	Limit  int                   `json:"limit"`
	Offset int                   `json:"offset"`
}

type statsResponse struct {
	TotalApplications      int     `json:"totalApplications"`
	SuccessfulApplications int     `json:"successfulApplications"`
	FailedApplications     int     `json:"failedApplications"`
	PendingApplications    int     `json:"pendingApplications"`
	SuccessRate            float64 `json:"successRate"`
	ActiveSessions         int     `json:"activeSessions"`
	TotalSessions          int     `json:"totalSessions"`
}

func toStatsResponse(s Stats) statsResponse {
	resp := statsResponse{
		TotalApplications:      s.TotalApplications,
		SuccessfulApplications: s.SuccessfulApplications,
		FailedApplications:     s.FailedApplications,
		PendingApplications:    s.PendingApplications,
		ActiveSessions:         s.ActiveSessions,
		TotalSessions:          s.TotalSessions,
	}
	if decided := s.SuccessfulApplications + s.FailedApplications; decided > 0 {
		resp.SuccessRate = round1(percent(s.SuccessfulApplications, decided))
	}
	return resp
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
