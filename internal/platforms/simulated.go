package platforms

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"autoapply-backend/internal/jobsource"
)

// SimulatedAdapter accepts every submission without contacting the platform.
// It is wired for platforms with no configured gateway in dev environments.
type SimulatedAdapter struct {
	platform string
	latency  time.Duration
}

// NewSimulatedAdapter constructs a SimulatedAdapter that waits latency per submission.
func NewSimulatedAdapter(platform string, latency time.Duration) *SimulatedAdapter {
	return &SimulatedAdapter{platform: normalize(platform), latency: latency}
}

func (s *SimulatedAdapter) Platform() string { return s.platform }

func (s *SimulatedAdapter) Submit(ctx context.Context, c jobsource.Candidate, profile ProfileRef) (Result, error) {
	if s.latency > 0 {
		t := time.NewTimer(s.latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Result{}, Transient(ctx.Err())
		case <-t.C:
		}
	}
	confirmation := uuid.NewString()
	receipt := fmt.Sprintf("simulated submission\nplatform=%s\njob=%s\ntitle=%s\ncompany=%s\nuser=%s\nconfirmation=%s\n",
		s.platform, c.ExternalID, c.Title, c.Company, profile.UserID, confirmation)
	return Applied(confirmation, &Artifact{
		Name:        fmt.Sprintf("%s-%s-receipt.txt", s.platform, c.ExternalID),
		ContentType: "text/plain; charset=utf-8",
		Data:        []byte(receipt),
	}), nil
}

var _ Adapter = (*SimulatedAdapter)(nil)
