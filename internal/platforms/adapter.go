// Package platforms submits applications to external job platforms.
package platforms

import (
	"context"
	"sort"
	"strings"
	"sync"

	"autoapply-backend/internal/jobsource"
)

// Outcome is the platform's verdict on a submission.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeRejected Outcome = "rejected"
)

// ProfileRef points at the applicant materials used for a submission.
type ProfileRef struct {
	UserID        string
	ResumeID      string
	CoverLetterID string
}

// Artifact is a receipt captured during submission, e.g. a confirmation screenshot.
type Artifact struct {
	Name        string
	ContentType string
	Data        []byte
}

// Result is returned by a successful Submit call.
type Result struct {
	Outcome        Outcome
	Reason         string
	ConfirmationID string
	Artifact       *Artifact
}

// Applied builds an applied result.
func Applied(confirmationID string, artifact *Artifact) Result {
	return Result{Outcome: OutcomeApplied, ConfirmationID: confirmationID, Artifact: artifact}
}

// Rejected builds a rejected result with the platform's reason.
func Rejected(reason string) Result {
	return Result{Outcome: OutcomeRejected, Reason: reason}
}

// Adapter submits one application to one platform.
//
// Errors returned by Submit should be marked with Transient or Permanent.
// Unmarked errors are treated as transient.
type Adapter interface {
	Platform() string
	Submit(ctx context.Context, c jobsource.Candidate, profile ProfileRef) (Result, error)
}

// Registry maps platform names to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry constructs a registry holding adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for its platform.
func (r *Registry) Register(a Adapter) {
	if a == nil {
		return
	}
	r.mu.Lock()
	r.adapters[normalize(a.Platform())] = a
	r.mu.Unlock()
}

// Get returns the adapter for platform.
func (r *Registry) Get(platform string) (Adapter, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[normalize(platform)]
	return a, ok
}

// Platforms lists registered platform names in sorted order.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func normalize(platform string) string {
	return strings.ToLower(strings.TrimSpace(platform))
}
