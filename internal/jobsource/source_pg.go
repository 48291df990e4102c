package jobsource

import (
	"context"
	"database/sql"
	"strconv"
)

const defaultBatchSize = 100

// PGSource reads candidates from the job_listings table by ascending id.
// The cursor is the last id inspected, so postings added later are picked up
// on the next pull.
type PGSource struct {
	DB        *sql.DB
	BatchSize int
}

// NewPGSource constructs a Postgres-backed source.
func NewPGSource(db *sql.DB) *PGSource {
	return &PGSource{DB: db, BatchSize: defaultBatchSize}
}

func (s *PGSource) Next(ctx context.Context, f Filters, cursor string) (Candidate, string, error) {
	var after int64
	if cursor != "" {
		n, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return Candidate{}, cursor, ErrExhausted
		}
		after = n
	}
	batch := s.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	for {
		rows, err := s.DB.QueryContext(ctx, `
SELECT id, platform, external_job_id, title, company, location, remote, salary_min, salary_max, experience_level, job_type, description, url
FROM job_listings
WHERE id > $1
ORDER BY id
LIMIT $2`, after, batch)
		if err != nil {
			return Candidate{}, cursor, err
		}
		seen := 0
		for rows.Next() {
			var (
				id      int64
				c       Candidate
				loc     sql.NullString
				salMin  sql.NullInt64
				salMax  sql.NullInt64
				level   sql.NullString
				jobType sql.NullString
				desc    sql.NullString
				url     sql.NullString
			)
			if err := rows.Scan(&id, &c.Platform, &c.ExternalID, &c.Title, &c.Company, &loc, &c.Remote, &salMin, &salMax, &level, &jobType, &desc, &url); err != nil {
				rows.Close()
				return Candidate{}, cursor, err
			}
			seen++
			after = id
			c.Location = loc.String
			c.ExperienceLevel = level.String
			c.JobType = jobType.String
			c.Description = desc.String
			c.URL = url.String
			if salMin.Valid {
				v := int(salMin.Int64)
				c.SalaryMin = &v
			}
			if salMax.Valid {
				v := int(salMax.Int64)
				c.SalaryMax = &v
			}
			if f.Matches(c) {
				rows.Close()
				return c, strconv.FormatInt(after, 10), nil
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return Candidate{}, cursor, err
		}
		if seen < batch {
			return Candidate{}, strconv.FormatInt(after, 10), ErrExhausted
		}
	}
}

// Upsert inserts postings that are not stored yet and returns how many were new.
func (s *PGSource) Upsert(ctx context.Context, candidates ...Candidate) (int, error) {
	added := 0
	for _, c := range candidates {
		res, err := s.DB.ExecContext(ctx, `
INSERT INTO job_listings (platform, external_job_id, title, company, location, remote, salary_min, salary_max, experience_level, job_type, description, url)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (platform, external_job_id) DO NOTHING`,
			c.Platform, c.ExternalID, c.Title, c.Company, nullable(c.Location), c.Remote,
			c.SalaryMin, c.SalaryMax, nullable(c.ExperienceLevel), nullable(c.JobType),
			nullable(c.Description), nullable(c.URL))
		if err != nil {
			return added, err
		}
		if n, err := res.RowsAffected(); err == nil {
			added += int(n)
		}
	}
	return added, nil
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}

var _ Source = (*PGSource)(nil)
