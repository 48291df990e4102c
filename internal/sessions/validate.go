package sessions

import (
	"strings"
	"time"
)

const (
	defaultSessionName = "Automation session"
	maxNameLength      = 120
	maxPacingSeconds   = 24 * 60 * 60
)

// normalize trims and deduplicates list fields and lowercases platform names.
func normalize(cfg Config) Config {
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Name == "" {
		cfg.Name = defaultSessionName
	}
	cfg.TargetPlatforms = cleanList(cfg.TargetPlatforms, true)
	cfg.SearchKeywords = cleanList(cfg.SearchKeywords, false)
	cfg.LocationFilters = cleanList(cfg.LocationFilters, false)
	cfg.ExperienceLevels = cleanList(cfg.ExperienceLevels, true)
	cfg.JobTypes = cleanList(cfg.JobTypes, true)
	cfg.Timezone = strings.TrimSpace(cfg.Timezone)
	cfg.ResumeID = strings.TrimSpace(cfg.ResumeID)
	cfg.CoverLetterID = strings.TrimSpace(cfg.CoverLetterID)
	return cfg
}

// validate returns a *ConfigError listing every problem, or nil. When known is
// non-empty, target platforms must be among it.
func validate(cfg Config, known []string) error {
	var problems []FieldProblem
	add := func(field, reason string) {
		problems = append(problems, FieldProblem{Field: field, Reason: reason})
	}

	if len(cfg.Name) > maxNameLength {
		add("name", "must be at most 120 characters")
	}
	if len(cfg.TargetPlatforms) == 0 {
		add("targetPlatforms", "at least one platform is required")
	}
	if len(known) > 0 {
		for _, p := range cfg.TargetPlatforms {
			if !contains(known, p) {
				add("targetPlatforms", "unsupported platform "+p)
			}
		}
	}
	if cfg.DailyLimit <= 0 {
		add("dailyLimit", "must be positive")
	}
	if cfg.ApplicationsLimit <= 0 {
		add("applicationsLimit", "must be positive")
	}
	if cfg.SalaryMin != nil && *cfg.SalaryMin < 0 {
		add("salaryMin", "must not be negative")
	}
	if cfg.SalaryMin != nil && cfg.SalaryMax != nil && *cfg.SalaryMin > *cfg.SalaryMax {
		add("salaryMax", "must be greater than or equal to salaryMin")
	}
	if cfg.PacingSeconds < 0 || cfg.PacingSeconds > maxPacingSeconds {
		add("pacingSeconds", "must be between 0 and 86400")
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil || cfg.Timezone == "" {
		add("timezone", "must be an IANA timezone name")
	}

	if len(problems) > 0 {
		return &ConfigError{Problems: problems}
	}
	return nil
}

func cleanList(values []string, lower bool) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if lower {
			v = strings.ToLower(v)
		}
		if v == "" {
			continue
		}
		key := strings.ToLower(v)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if strings.EqualFold(x, v) {
			return true
		}
	}
	return false
}
