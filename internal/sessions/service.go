package sessions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"autoapply-backend/internal/dispatch"
	"autoapply-backend/internal/ledger"
	"autoapply-backend/internal/queue"
	"autoapply-backend/internal/shared/keylock"
	"autoapply-backend/internal/shared/lease"
	"autoapply-backend/internal/shared/storage/object"
	"autoapply-backend/internal/shared/telemetry"
)

// Dispatcher runs sessions. *dispatch.Supervisor implements it.
type Dispatcher interface {
	Activate(ctx context.Context, a dispatch.Assignment) error
	Halt(sessionID string, sig dispatch.Signal) <-chan struct{}
	Claim(ctx context.Context, sessionID string) (func(), error)
}

// Service owns session state. Commands on one session are serialized; the
// status field is written only here.
type Service struct {
	Repo       Repo
	Ledger     ledger.Store
	Dispatcher Dispatcher
	// Objects serves receipt downloads and is optional.
	Objects object.ObjectStore
	Queue   queue.Client

	// DefaultTimezone applies when a create request names none.
	DefaultTimezone string
	// DefaultPacingSeconds applies when a create request omits pacingSeconds.
	DefaultPacingSeconds int
	// Platforms restricts target platforms when non-empty.
	Platforms []string

	locks *keylock.Locker
	now   func() time.Time
}

// NewService constructs a Service.
func NewService(repo Repo, store ledger.Store, dispatcher Dispatcher) *Service {
	return &Service{
		Repo:            repo,
		Ledger:          store,
		Dispatcher:      dispatcher,
		Queue:           queue.LogClient{},
		DefaultTimezone: "UTC",
		locks:           keylock.New(),
		now:             time.Now,
	}
}

// Create validates cfg and stores a pending session.
func (s *Service) Create(ctx context.Context, userID string, cfg Config) (Session, error) {
	if userID == "" {
		return Session{}, errors.New("user id required")
	}
	if cfg.Timezone == "" {
		cfg.Timezone = s.DefaultTimezone
	}
	cfg = normalize(cfg)
	if err := validate(cfg, s.Platforms); err != nil {
		return Session{}, err
	}

	now := s.clock()
	sess := Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Config:    cfg,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Repo.Create(ctx, sess); err != nil {
		return Session{}, err
	}
	telemetry.Info("session.created", map[string]any{
		"session_id":         sess.ID,
		"user_id":            userID,
		"platforms":          cfg.TargetPlatforms,
		"daily_limit":        cfg.DailyLimit,
		"applications_limit": cfg.ApplicationsLimit,
		"timezone":           cfg.Timezone,
	})
	return sess, nil
}

// Start moves a pending or paused session to running and activates its runner.
func (s *Service) Start(ctx context.Context, userID, id string) (Session, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	sess, err := s.owned(ctx, userID, id)
	if err != nil {
		return Session{}, err
	}
	prev := sess.Status
	if err := sess.apply(CommandStart, s.clock(), ""); err != nil {
		return Session{}, err
	}

	if err := s.Dispatcher.Activate(ctx, assignment(sess)); err != nil {
		if errors.Is(err, lease.ErrHeld) || errors.Is(err, dispatch.ErrAlreadyActive) {
			return Session{}, ErrBusy
		}
		return Session{}, fmt.Errorf("activate runner: %w", err)
	}
	if err := s.Repo.Update(ctx, sess, prev); err != nil {
		<-s.Dispatcher.Halt(id, dispatch.SignalStop)
		return Session{}, err
	}
	s.transitioned(ctx, sess, prev, "")
	return sess, nil
}

// Pause halts the runner after its in-flight submission is recorded, then
// moves the session to paused.
func (s *Service) Pause(ctx context.Context, userID, id string) (Session, error) {
	return s.halt(ctx, userID, id, CommandPause, dispatch.SignalPause)
}

// Stop ends a non-terminal session early.
func (s *Service) Stop(ctx context.Context, userID, id string) (Session, error) {
	return s.halt(ctx, userID, id, CommandStop, dispatch.SignalStop)
}

func (s *Service) halt(ctx context.Context, userID, id string, cmd Command, sig dispatch.Signal) (Session, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	sess, err := s.owned(ctx, userID, id)
	if err != nil {
		return Session{}, err
	}
	prev := sess.Status
	if _, err := Transition(sess.Status, cmd); err != nil {
		return Session{}, err
	}
	release, err := s.claim(ctx, id)
	if err != nil {
		return Session{}, err
	}
	defer release()
	// Wait until in-flight work is recorded before the status changes.
	<-s.Dispatcher.Halt(id, sig)

	if err := sess.apply(cmd, s.clock(), ""); err != nil {
		return Session{}, err
	}
	if err := s.Repo.Update(context.WithoutCancel(ctx), sess, prev); err != nil {
		return Session{}, err
	}
	s.transitioned(ctx, sess, prev, "")
	return sess, nil
}

// HandleExit applies a runner's self-reported completion or failure. It is
// registered as the dispatcher's exit callback.
func (s *Service) HandleExit(ex dispatch.Exit) {
	var cmd Command
	switch ex.Reason {
	case dispatch.ExitCompleted:
		cmd = CommandComplete
	case dispatch.ExitFailed:
		cmd = CommandFail
	default:
		return
	}

	ctx := context.Background()
	unlock := s.locks.Lock(ex.SessionID)
	defer unlock()

	sess, err := s.Repo.Get(ctx, ex.SessionID)
	if err != nil {
		telemetry.Error("session.exit.load_failed", map[string]any{
			"session_id": ex.SessionID,
			"error":      err,
		})
		return
	}
	prev := sess.Status
	if err := sess.apply(cmd, s.clock(), ex.Message); err != nil {
		// A pause or stop won the race; the runner's exit is moot.
		telemetry.Warn("session.exit.ignored", map[string]any{
			"session_id": ex.SessionID,
			"status":     string(sess.Status),
			"reason":     string(ex.Reason),
		})
		return
	}
	if err := s.Repo.Update(ctx, sess, prev); err != nil {
		telemetry.Error("session.exit.update_failed", map[string]any{
			"session_id": ex.SessionID,
			"error":      err,
		})
		return
	}
	s.transitioned(ctx, sess, prev, ex.Message)
}

// Recover reactivates every running session. Sessions driven by another
// process are skipped.
func (s *Service) Recover(ctx context.Context) (int, error) {
	running, err := s.Repo.ListByStatus(ctx, StatusRunning)
	if err != nil {
		return 0, err
	}
	activated := 0
	for _, sess := range running {
		err := s.Dispatcher.Activate(ctx, assignment(sess))
		switch {
		case err == nil:
			activated++
		case errors.Is(err, lease.ErrHeld), errors.Is(err, dispatch.ErrAlreadyActive):
			telemetry.Info("session.recover.skipped", map[string]any{"session_id": sess.ID})
		default:
			telemetry.Error("session.recover.failed", map[string]any{
				"session_id": sess.ID,
				"error":      err,
			})
		}
	}
	telemetry.Info("session.recover.done", map[string]any{
		"running":   len(running),
		"activated": activated,
	})
	return activated, nil
}

// UpdateConfig edits a pending or paused session. The timezone is fixed at creation.
func (s *Service) UpdateConfig(ctx context.Context, userID, id string, patch ConfigPatch) (Session, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	sess, err := s.owned(ctx, userID, id)
	if err != nil {
		return Session{}, err
	}
	if sess.Status == StatusRunning || sess.Status.Terminal() {
		return Session{}, ErrNotEditable
	}
	if patch.Timezone != nil && *patch.Timezone != sess.Timezone {
		return Session{}, &ConfigError{Problems: []FieldProblem{{Field: "timezone", Reason: "is fixed at creation"}}}
	}

	cfg := normalize(patch.apply(sess.Config))
	if err := validate(cfg, s.Platforms); err != nil {
		return Session{}, err
	}
	now := s.clock()
	counts, err := s.Ledger.Counts(ctx, id, now)
	if err != nil {
		return Session{}, fmt.Errorf("load counts: %w", err)
	}
	if err := limitsCoverSent(cfg, counts); err != nil {
		return Session{}, err
	}
	sess.Config = cfg
	sess.UpdatedAt = now
	if err := s.Repo.Update(ctx, sess, sess.Status); err != nil {
		return Session{}, err
	}
	telemetry.Info("session.updated", map[string]any{"session_id": id, "user_id": userID})
	return sess, nil
}

// Delete removes a session that is not running together with its ledger
// entries and stored receipts.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	sess, err := s.owned(ctx, userID, id)
	if err != nil {
		return err
	}
	if sess.Status == StatusRunning {
		return ErrNotEditable
	}
	release, err := s.claim(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	if s.Objects != nil {
		entries, _, err := s.Ledger.List(ctx, id, 0, 0)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.ArtifactKey == "" {
				continue
			}
			if err := s.Objects.Delete(ctx, e.ArtifactKey); err != nil {
				telemetry.Warn("session.delete.artifact_failed", map[string]any{
					"session_id": id,
					"key":        e.ArtifactKey,
					"error":      err,
				})
			}
		}
	}
	if err := s.Ledger.DeleteSession(ctx, id); err != nil {
		return err
	}
	if err := s.Repo.Delete(ctx, id); err != nil {
		return err
	}
	telemetry.Info("session.deleted", map[string]any{"session_id": id, "user_id": userID})
	return nil
}

// Get returns the projection of one session.
func (s *Service) Get(ctx context.Context, userID, id string) (View, error) {
	sess, err := s.owned(ctx, userID, id)
	if err != nil {
		return View{}, err
	}
	return s.view(ctx, sess)
}

// List returns the projections of a user's sessions, newest first.
func (s *Service) List(ctx context.Context, userID string) ([]View, error) {
	list, err := s.Repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]View, 0, len(list))
	for _, sess := range list {
		v, err := s.view(ctx, sess)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// ListApplications pages through a session's ledger, newest first.
func (s *Service) ListApplications(ctx context.Context, userID, id string, limit, offset int) ([]ledger.Entry, int, error) {
	if _, err := s.owned(ctx, userID, id); err != nil {
		return nil, 0, err
	}
	return s.Ledger.List(ctx, id, limit, offset)
}

// Stats aggregates a user's sessions and applications.
func (s *Service) Stats(ctx context.Context, userID string) (Stats, error) {
	list, err := s.Repo.ListByUser(ctx, userID)
	if err != nil {
		return Stats{}, err
	}
	now := s.clock()
	st := Stats{TotalSessions: len(list)}
	for _, sess := range list {
		if sess.Status == StatusRunning {
			st.ActiveSessions++
		}
		c, err := s.Ledger.Counts(ctx, sess.ID, now)
		if err != nil {
			return Stats{}, err
		}
		st.SuccessfulApplications += c.Applied
		st.FailedApplications += c.Failed
		st.PendingApplications += c.Pending
	}
	st.TotalApplications = st.SuccessfulApplications + st.FailedApplications + st.PendingApplications
	return st, nil
}

// OpenReceipt opens the stored receipt of one application.
func (s *Service) OpenReceipt(ctx context.Context, userID, sessionID, entryID string) (io.ReadCloser, ledger.Entry, error) {
	if _, err := s.owned(ctx, userID, sessionID); err != nil {
		return nil, ledger.Entry{}, err
	}
	e, err := s.Ledger.Get(ctx, entryID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, ledger.Entry{}, ErrNotFound
		}
		return nil, ledger.Entry{}, err
	}
	if e.SessionID != sessionID || e.ArtifactKey == "" || s.Objects == nil {
		return nil, ledger.Entry{}, ErrNotFound
	}
	rc, err := s.Objects.Open(ctx, e.ArtifactKey)
	if errors.Is(err, object.ErrNotFound) {
		return nil, ledger.Entry{}, ErrNotFound
	}
	if err != nil {
		return nil, ledger.Entry{}, err
	}
	return rc, e, nil
}

// claim keeps other processes from driving id while a command writes it.
func (s *Service) claim(ctx context.Context, id string) (func(), error) {
	release, err := s.Dispatcher.Claim(ctx, id)
	if errors.Is(err, lease.ErrHeld) {
		return nil, ErrBusy
	}
	if err != nil {
		return nil, fmt.Errorf("claim session: %w", err)
	}
	return release, nil
}

// owned loads a session and hides sessions of other users.
func (s *Service) owned(ctx context.Context, userID, id string) (Session, error) {
	sess, err := s.Repo.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if sess.UserID != userID {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

func (s *Service) view(ctx context.Context, sess Session) (View, error) {
	c, err := s.Ledger.Counts(ctx, sess.ID, s.clock())
	if err != nil {
		return View{}, err
	}
	sess.ApplicationsSent = c.Applied
	sess.ApplicationsSentToday = c.AppliedToday
	v := View{
		Session:      sess,
		Applied:      c.Applied,
		AppliedToday: c.AppliedToday,
		Failed:       c.Failed,
		Pending:      c.Pending,
	}
	if sess.ApplicationsLimit > 0 {
		v.Progress = percent(c.Applied, sess.ApplicationsLimit)
	}
	if decided := c.Applied + c.Failed; decided > 0 {
		v.SuccessRate = percent(c.Applied, decided)
	}
	return v, nil
}

func (s *Service) transitioned(ctx context.Context, sess Session, prev Status, reason string) {
	telemetry.Info("session.transition", map[string]any{
		"session_id":    sess.ID,
		"user_id":       sess.UserID,
		"from":          string(prev),
		"to":            string(sess.Status),
		"stopped_early": sess.StoppedEarly,
		"reason":        reason,
	})
	if s.Queue == nil {
		return
	}
	msg := queue.TransitionMessage(sess.ID, sess.UserID, string(prev), string(sess.Status), reason, sess.UpdatedAt)
	if err := s.Queue.Send(context.WithoutCancel(ctx), msg); err != nil {
		telemetry.Warn("session.transition.publish_failed", map[string]any{
			"session_id": sess.ID,
			"error":      err,
		})
	}
}

func (s *Service) clock() time.Time {
	if s.now == nil {
		return time.Now().UTC()
	}
	return s.now().UTC()
}

func assignment(sess Session) dispatch.Assignment {
	return dispatch.Assignment{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		Filters:   sess.Filters(),
		Profile:   sess.Profile(),
		Limits:    sess.Limits(),
		Pacing:    time.Duration(sess.PacingSeconds) * time.Second,
	}
}

// limitsCoverSent rejects limits below what the ledger already counts.
func limitsCoverSent(cfg Config, c ledger.Counts) error {
	var problems []FieldProblem
	if cfg.ApplicationsLimit < c.Applied {
		problems = append(problems, FieldProblem{
			Field:  "applicationsLimit",
			Reason: fmt.Sprintf("must be at least the %d applications already sent", c.Applied),
		})
	}
	if cfg.DailyLimit < c.AppliedToday {
		problems = append(problems, FieldProblem{
			Field:  "dailyLimit",
			Reason: fmt.Sprintf("must be at least the %d applications already sent today", c.AppliedToday),
		})
	}
	if len(problems) > 0 {
		return &ConfigError{Problems: problems}
	}
	return nil
}

func percent(part, whole int) float64 {
	return float64(part) * 100 / float64(whole)
}
