package sessions

import (
	"context"
	"errors"

	"autoapply-backend/internal/ledger"
	"autoapply-backend/internal/quota"
)

// Repo persists sessions. Update writes configuration and lifecycle fields
// only; the cached counters belong to the ledger. Update succeeds only while
// the stored status still equals prev and returns ErrStatusChanged otherwise.
type Repo interface {
	Create(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, error)
	ListByUser(ctx context.Context, userID string) ([]Session, error)
	ListByStatus(ctx context.Context, status Status) ([]Session, error)
	Update(ctx context.Context, s Session, prev Status) error
	Delete(ctx context.Context, id string) error
}

// LimitsSource exposes a Repo as the ledger's quota limit lookup.
func LimitsSource(repo Repo) ledger.LimitsSource {
	return repoLimits{repo: repo}
}

type repoLimits struct {
	repo Repo
}

func (r repoLimits) QuotaLimits(ctx context.Context, sessionID string) (quota.Limits, error) {
	s, err := r.repo.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return quota.Limits{}, ledger.ErrSessionNotFound
		}
		return quota.Limits{}, err
	}
	return s.Limits(), nil
}
