// Package jobsource yields candidate job postings for a session's filters.
package jobsource

import (
	"context"
	"errors"
	"strings"
)

// ErrExhausted means no further candidates match the filters.
var ErrExhausted = errors.New("job source exhausted")

// Candidate is a job posting that may be applied to.
type Candidate struct {
	Platform        string
	ExternalID      string
	Title           string
	Company         string
	Location        string
	Remote          bool
	SalaryMin       *int
	SalaryMax       *int
	ExperienceLevel string
	JobType         string
	Description     string
	URL             string
}

// Filters narrow the candidates offered to a session.
type Filters struct {
	Platforms        []string
	Keywords         []string
	Locations        []string
	SalaryMin        *int
	SalaryMax        *int
	ExperienceLevels []string
	JobTypes         []string
}

// Source yields candidates one at a time. cursor is opaque; pass "" to start.
type Source interface {
	Next(ctx context.Context, f Filters, cursor string) (Candidate, string, error)
}

// Matches reports whether c satisfies every non-empty filter.
func (f Filters) Matches(c Candidate) bool {
	if len(f.Platforms) > 0 && !containsFold(f.Platforms, c.Platform) {
		return false
	}
	if len(f.Keywords) > 0 {
		haystack := strings.ToLower(c.Title + " " + c.Company + " " + c.Description)
		found := false
		for _, kw := range f.Keywords {
			if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" && strings.Contains(haystack, kw) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Locations) > 0 && !matchesLocation(f.Locations, c) {
		return false
	}
	if len(f.ExperienceLevels) > 0 && !containsFold(f.ExperienceLevels, c.ExperienceLevel) {
		return false
	}
	if len(f.JobTypes) > 0 && !containsFold(f.JobTypes, c.JobType) {
		return false
	}
	// Postings without salary data are not excluded by salary filters.
	if f.SalaryMin != nil && c.SalaryMax != nil && *c.SalaryMax < *f.SalaryMin {
		return false
	}
	if f.SalaryMax != nil && c.SalaryMin != nil && *c.SalaryMin > *f.SalaryMax {
		return false
	}
	return true
}

func matchesLocation(locations []string, c Candidate) bool {
	loc := strings.ToLower(c.Location)
	for _, want := range locations {
		want = strings.ToLower(strings.TrimSpace(want))
		if want == "" {
			continue
		}
		if want == "remote" && c.Remote {
			return true
		}
		if strings.Contains(loc, want) {
			return true
		}
	}
	return false
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), v) {
			return true
		}
	}
	return false
}
