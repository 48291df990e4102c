package jobsource

// SampleCandidates returns a small fixed set of postings across the simulated
// platforms for local development.
func SampleCandidates() []Candidate {
	return []Candidate{
		sample("linkedin", "123456", "Senior Full Stack Developer", "TechCorp Inc.", "San Francisco, CA", 120000, 180000, "senior", "full_time"),
		sample("indeed", "234567", "Frontend Developer", "StartupXYZ", "New York, NY", 80000, 120000, "mid", "full_time"),
		sample("glassdoor", "345678", "Python Backend Developer", "DataSolutions LLC", "Austin, TX", 90000, 140000, "mid", "full_time"),
		sample("linkedin", "456789", "DevOps Engineer", "CloudTech Solutions", "Seattle, WA", 110000, 160000, "senior", "full_time"),
		sample("indeed", "567890", "Junior Software Engineer", "Innovation Labs", "Boston, MA", 65000, 85000, "junior", "full_time"),
		sample("glassdoor", "678901", "Product Manager", "MegaCorp", "Los Angeles, CA", 130000, 200000, "senior", "full_time"),
		sample("linkedin", "789012", "Go Platform Engineer", "Remote First Co.", "Remote", 115000, 150000, "mid", "contract"),
	}
}

func sample(platform, id, title, company, location string, salMin, salMax int, level, jobType string) Candidate {
	return Candidate{
		Platform:        platform,
		ExternalID:      id,
		Title:           title,
		Company:         company,
		Location:        location,
		Remote:          location == "Remote",
		SalaryMin:       &salMin,
		SalaryMax:       &salMax,
		ExperienceLevel: level,
		JobType:         jobType,
		URL:             "https://" + platform + ".example/jobs/" + id,
	}
}
