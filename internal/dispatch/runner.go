package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"autoapply-backend/internal/jobsource"
	"autoapply-backend/internal/ledger"
	"autoapply-backend/internal/platforms"
	"autoapply-backend/internal/queue"
	"autoapply-backend/internal/quota"
	"autoapply-backend/internal/shared/metrics"
	"autoapply-backend/internal/shared/telemetry"
)

const (
	reasonInterrupted      = "interrupted before outcome was recorded"
	reasonBackoffCancelled = "cancelled during retry backoff"
	reasonQuotaExceeded    = "quota exceeded"
	reasonRejected         = "rejected by platform"
	reasonSourceExhausted  = "no more matching candidates"
)

// minLoopBackoff keeps a failing loop from spinning when BackoffBase is zero.
const minLoopBackoff = time.Second

// errBackoffCancelled ends a retry loop cut short by shutdown or lease loss.
var errBackoffCancelled = errors.New(reasonBackoffCancelled)

type runner struct {
	a       Assignment
	deps    Deps
	opts    Options
	control chan Signal
	done    chan struct{}
	cancel  context.CancelCauseFunc
	pacer   *rate.Limiter
}

// send delivers sig without blocking. The first signal wins.
func (r *runner) send(sig Signal) {
	select {
	case r.control <- sig:
	default:
	}
}

// watch turns the first control message into cancellation of the runner's
// suspension points.
func (r *runner) watch(ctx context.Context) {
	select {
	case sig := <-r.control:
		r.cancel(signalCause{sig: sig})
	case <-ctx.Done():
	}
}

func (r *runner) run(ctx context.Context) Exit {
	r.pacer = newPacer(r.a.Pacing)

	// Store and source faults never fail the session; the runner backs off up
	// to MaxBackoff and keeps going until they clear or a signal arrives.
	infraErrors := 0
	for {
		err := r.recoverOrphans(ctx)
		if err == nil {
			break
		}
		infraErrors++
		if ex, ok := r.fault(ctx, infraErrors, fmt.Errorf("recover pending entries: %w", err)); !ok {
			return ex
		}
	}

	cursor := ""
	infraErrors = 0
	for {
		if ex, ok := r.halted(ctx); ok {
			return ex
		}
		next, ex, err := r.step(ctx, cursor)
		if ex != nil {
			return *ex
		}
		if err != nil {
			infraErrors++
			if ex, ok := r.fault(ctx, infraErrors, err); !ok {
				return ex
			}
			continue
		}
		infraErrors = 0
		cursor = next
	}
}

// fault logs the failures-th consecutive infrastructure error and backs off.
// It returns false with the exit to report when the runner was halted.
func (r *runner) fault(ctx context.Context, failures int, err error) (Exit, bool) {
	if ex, halted := r.halted(ctx); halted {
		return ex, false
	}
	wait := r.loopBackoff(failures)
	telemetry.Error("dispatch.iteration_failed", map[string]any{
		"session_id": r.a.SessionID,
		"attempt":    failures,
		"retry_in":   wait.String(),
		"error":      err,
	})
	if !r.wait(ctx, wait) {
		ex, _ := r.halted(ctx)
		return ex, false
	}
	return Exit{}, true
}

// recoverOrphans fails entries left pending by a previous process and
// rebuilds the cached counters from the ledger.
func (r *runner) recoverOrphans(ctx context.Context) error {
	pending, err := r.deps.Ledger.ListPending(ctx, r.a.SessionID)
	if err != nil {
		return err
	}
	for _, e := range pending {
		if _, _, err := r.deps.Ledger.RecordOutcome(ctx, e.ID, ledger.Failed(r.deps.Clock.Now(), reasonInterrupted)); err != nil {
			if errors.Is(err, ledger.ErrInvalidTransition) {
				continue
			}
			return err
		}
		metrics.IncFailed(e.Job.Platform)
		telemetry.Warn("dispatch.orphan.failed", map[string]any{
			"session_id": r.a.SessionID,
			"entry_id":   e.ID,
		})
	}
	_, err = r.deps.Ledger.Reconcile(ctx, r.a.SessionID, r.deps.Clock.Now())
	return err
}

// step handles one candidate. It returns the cursor to continue from, an exit
// when the runner must stop, or an error for a retryable infrastructure fault.
func (r *runner) step(ctx context.Context, cursor string) (string, *Exit, error) {
	c, next, err := r.deps.Source.Next(ctx, r.a.Filters, cursor)
	if errors.Is(err, jobsource.ErrExhausted) {
		ex := r.exit(ExitCompleted, reasonSourceExhausted)
		return cursor, &ex, nil
	}
	if err != nil {
		return cursor, nil, fmt.Errorf("next candidate: %w", err)
	}

	job := ledger.JobRef{Platform: c.Platform, ExternalID: c.ExternalID}
	exists, err := r.deps.Ledger.Exists(ctx, r.a.SessionID, job)
	if err != nil {
		return cursor, nil, fmt.Errorf("check ledger: %w", err)
	}
	if exists {
		r.skipDuplicate(c)
		return next, nil, nil
	}

	now := r.deps.Clock.Now()
	counts, err := r.deps.Ledger.Counts(ctx, r.a.SessionID, now)
	if err != nil {
		return cursor, nil, fmt.Errorf("load counts: %w", err)
	}
	decision := quota.MayDispatch(r.a.Limits, counts.Quota(), now)
	if decision.Permanent {
		ex := r.exit(ExitCompleted, decision.Reason)
		return cursor, &ex, nil
	}
	if !decision.Allowed {
		wait := min(decision.RetryAfter, r.opts.MaxQuotaWait)
		metrics.IncQuotaWaits()
		telemetry.Info("dispatch.quota.wait", map[string]any{
			"session_id":  r.a.SessionID,
			"reason":      decision.Reason,
			"retry_after": decision.RetryAfter.String(),
			"wait":        wait.String(),
		})
		r.wait(ctx, wait)
		// The candidate is deferred, not consumed.
		return cursor, nil, nil
	}

	if !r.pace(ctx) {
		return cursor, nil, nil
	}
	if _, halted := r.halted(ctx); halted {
		return cursor, nil, nil
	}
	ex, err := r.dispatch(ctx, c, job)
	if err != nil {
		return cursor, nil, err
	}
	return next, ex, nil
}

// dispatch records the attempt, submits it and commits the outcome. Once the
// attempt is recorded, every write uses a context detached from control
// signals. An error is returned only while no entry exists; a commit that
// cannot be made fails the session so the loop never runs past a pending
// entry.
func (r *runner) dispatch(ctx context.Context, c jobsource.Candidate, job ledger.JobRef) (*Exit, error) {
	work := context.WithoutCancel(ctx)
	entry, err := r.deps.Ledger.RecordAttempt(work, ledger.Attempt{
		SessionID: r.a.SessionID,
		Job:       job,
		JobTitle:  c.Title,
		Company:   c.Company,
		At:        r.deps.Clock.Now(),
	})
	if errors.Is(err, ledger.ErrDuplicate) {
		r.skipDuplicate(c)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("record attempt: %w", err)
	}

	adapter, ok := r.deps.Adapters.Get(c.Platform)
	if !ok {
		reason := fmt.Sprintf("%s: %s", platforms.ErrNoAdapter.Error(), c.Platform)
		return r.committed(entry, r.commitFailed(work, entry, reason)), nil
	}

	res, err := r.submit(ctx, adapter, c, entry)
	var commitErr error
	switch {
	case errors.Is(err, errBackoffCancelled):
		commitErr = r.commitFailed(work, entry, reasonBackoffCancelled)
	case err != nil && platforms.IsPermanent(err):
		if commitErr = r.commitFailed(work, entry, err.Error()); commitErr == nil {
			ex := r.exit(ExitFailed, err.Error())
			return &ex, nil
		}
	case err != nil:
		reason := fmt.Sprintf("transient error after %d attempts: %v", r.opts.MaxAttempts, err)
		commitErr = r.commitFailed(work, entry, reason)
	case res.Outcome == platforms.OutcomeApplied:
		commitErr = r.commitApplied(work, entry, res)
	default:
		reason := res.Reason
		if reason == "" {
			reason = reasonRejected
		}
		commitErr = r.commitFailed(work, entry, reason)
	}
	return r.committed(entry, commitErr), nil
}

// committed turns a lost outcome commit into a failed exit. The entry stays
// pending and is failed as an orphan if the session is ever reactivated.
func (r *runner) committed(entry ledger.Entry, err error) *Exit {
	if err == nil {
		return nil
	}
	telemetry.Error("dispatch.outcome.commit_failed", map[string]any{
		"session_id": r.a.SessionID,
		"entry_id":   entry.ID,
		"error":      err,
	})
	ex := r.exit(ExitFailed, fmt.Sprintf("entry %s left pending: %v", entry.ID, err))
	return &ex
}

// submit calls the adapter, retrying transient errors with exponential
// backoff. The call itself is never interrupted by control signals.
func (r *runner) submit(ctx context.Context, adapter platforms.Adapter, c jobsource.Candidate, entry ledger.Entry) (platforms.Result, error) {
	for attempt := 1; ; attempt++ {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.SubmitTimeout)
		started := time.Now()
		metrics.IncSubmissions(c.Platform)
		res, err := adapter.Submit(callCtx, c, r.a.Profile)
		cancel()
		metrics.ObserveSubmitDurationMs(metrics.SinceMillis(started))
		if err == nil {
			return res, nil
		}
		if platforms.IsPermanent(err) || attempt >= r.opts.MaxAttempts {
			return platforms.Result{}, err
		}

		telemetry.Warn("dispatch.submit.retry", map[string]any{
			"session_id": r.a.SessionID,
			"entry_id":   entry.ID,
			"platform":   c.Platform,
			"attempt":    attempt,
			"error":      err,
		})
		if !r.retryWait(ctx, r.backoff(attempt)) {
			return platforms.Result{}, errBackoffCancelled
		}
		if _, rerr := r.deps.Ledger.RecordRetry(context.WithoutCancel(ctx), entry.ID); rerr != nil {
			// Only the attempt counter is lost; the outcome still gets recorded.
			telemetry.Warn("dispatch.retry.record_failed", map[string]any{
				"session_id": r.a.SessionID,
				"entry_id":   entry.ID,
				"error":      rerr,
			})
		}
		metrics.IncRetries()
	}
}

func (r *runner) commitApplied(ctx context.Context, entry ledger.Entry, res platforms.Result) error {
	key := r.saveArtifact(ctx, entry, res.Artifact)
	now := r.deps.Clock.Now()
	committed, err := r.recordOutcome(ctx, entry, ledger.Applied(now, key))
	if errors.Is(err, ledger.ErrQuotaExceeded) {
		r.dropArtifact(ctx, key)
		return r.commitFailed(ctx, entry, reasonQuotaExceeded)
	}
	if errors.Is(err, ledger.ErrInvalidTransition) {
		r.dropArtifact(ctx, key)
		r.alreadyResolved(entry)
		return nil
	}
	if err != nil {
		r.dropArtifact(ctx, key)
		return fmt.Errorf("record outcome: %w", err)
	}
	metrics.IncApplied(committed.Job.Platform)
	telemetry.Info("dispatch.outcome.applied", map[string]any{
		"session_id":      r.a.SessionID,
		"entry_id":        committed.ID,
		"platform":        committed.Job.Platform,
		"external_job_id": committed.Job.ExternalID,
		"confirmation_id": res.ConfirmationID,
		"attempts":        committed.AttemptCount,
	})
	r.publish(ctx, committed, "")
	return nil
}

func (r *runner) commitFailed(ctx context.Context, entry ledger.Entry, reason string) error {
	committed, err := r.recordOutcome(ctx, entry, ledger.Failed(r.deps.Clock.Now(), reason))
	if errors.Is(err, ledger.ErrInvalidTransition) {
		r.alreadyResolved(entry)
		return nil
	}
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	metrics.IncFailed(committed.Job.Platform)
	telemetry.Info("dispatch.outcome.failed", map[string]any{
		"session_id":      r.a.SessionID,
		"entry_id":        committed.ID,
		"platform":        committed.Job.Platform,
		"external_job_id": committed.Job.ExternalID,
		"reason":          reason,
		"attempts":        committed.AttemptCount,
	})
	r.publish(ctx, committed, reason)
	return nil
}

// recordOutcome commits out, retrying store faults with backoff up to
// MaxAttempts times. Control signals do not shorten these waits.
func (r *runner) recordOutcome(ctx context.Context, entry ledger.Entry, out ledger.Outcome) (ledger.Entry, error) {
	for attempt := 1; ; attempt++ {
		committed, _, err := r.deps.Ledger.RecordOutcome(ctx, entry.ID, out)
		if err == nil || errors.Is(err, ledger.ErrQuotaExceeded) || errors.Is(err, ledger.ErrInvalidTransition) {
			return committed, err
		}
		if attempt >= r.opts.MaxAttempts {
			return ledger.Entry{}, err
		}
		wait := r.backoff(attempt)
		telemetry.Warn("dispatch.outcome.commit_retry", map[string]any{
			"session_id": r.a.SessionID,
			"entry_id":   entry.ID,
			"attempt":    attempt,
			"retry_in":   wait.String(),
			"error":      err,
		})
		if wait > 0 {
			<-r.deps.Clock.After(wait)
		}
	}
}

// alreadyResolved logs an entry that left pending through another writer.
func (r *runner) alreadyResolved(entry ledger.Entry) {
	telemetry.Warn("dispatch.outcome.already_recorded", map[string]any{
		"session_id": r.a.SessionID,
		"entry_id":   entry.ID,
	})
}

func (r *runner) saveArtifact(ctx context.Context, entry ledger.Entry, artifact *platforms.Artifact) string {
	if r.deps.Objects == nil || artifact == nil || len(artifact.Data) == 0 {
		return ""
	}
	name := artifact.Name
	if name == "" {
		name = entry.ID + ".bin"
	}
	key, _, _, err := r.deps.Objects.Save(ctx, r.a.SessionID, name, bytes.NewReader(artifact.Data))
	if err != nil {
		telemetry.Warn("dispatch.artifact.save_failed", map[string]any{
			"session_id": r.a.SessionID,
			"entry_id":   entry.ID,
			"error":      err,
		})
		return ""
	}
	return key
}

func (r *runner) dropArtifact(ctx context.Context, key string) {
	if key == "" || r.deps.Objects == nil {
		return
	}
	if err := r.deps.Objects.Delete(ctx, key); err != nil {
		telemetry.Warn("dispatch.artifact.delete_failed", map[string]any{"key": key, "error": err})
	}
}

func (r *runner) publish(ctx context.Context, e ledger.Entry, reason string) {
	msg := queue.OutcomeMessage(r.a.SessionID, r.a.UserID, e.ID, e.Job.Platform, e.Job.ExternalID, string(e.Status), reason, e.UpdatedAt)
	if err := r.deps.Queue.Send(ctx, msg); err != nil {
		telemetry.Warn("dispatch.outcome.publish_failed", map[string]any{
			"session_id": r.a.SessionID,
			"entry_id":   e.ID,
			"error":      err,
		})
	}
}

func (r *runner) skipDuplicate(c jobsource.Candidate) {
	metrics.IncDuplicatesSkipped(c.Platform)
	telemetry.Debug("dispatch.duplicate_skipped", map[string]any{
		"session_id":      r.a.SessionID,
		"platform":        c.Platform,
		"external_job_id": c.ExternalID,
	})
}

// pace blocks until the session's pacing allows another submission. It
// returns false when halted first.
func (r *runner) pace(ctx context.Context) bool {
	now := r.deps.Clock.Now()
	res := r.pacer.ReserveN(now, 1)
	if !r.wait(ctx, res.DelayFrom(now)) {
		res.CancelAt(r.deps.Clock.Now())
		return false
	}
	return true
}

// wait suspends for d or until a control signal arrives. It returns false
// when halted.
func (r *runner) wait(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if d <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-r.deps.Clock.After(d):
		return true
	}
}

// retryWait sleeps out a submit backoff. Pause and stop let the bounded
// retries finish first; shutdown and lease loss cut the wait short.
func (r *runner) retryWait(ctx context.Context, d time.Duration) bool {
	timer := r.deps.Clock.After(d)
	select {
	case <-timer:
		return true
	case <-ctx.Done():
	}
	var cause signalCause
	if errors.As(context.Cause(ctx), &cause) && (cause.sig == SignalPause || cause.sig == SignalStop) {
		<-timer
		return true
	}
	return false
}

func (r *runner) backoff(attempt int) time.Duration {
	return r.opts.BackoffBase * time.Duration(1<<(attempt-1))
}

// loopBackoff doubles from BackoffBase per consecutive failure up to MaxBackoff.
func (r *runner) loopBackoff(failures int) time.Duration {
	d := max(r.opts.BackoffBase, minLoopBackoff)
	for i := 1; i < failures && d < r.opts.MaxBackoff; i++ {
		d *= 2
	}
	return min(d, r.opts.MaxBackoff)
}

// halted reports whether a control signal or shutdown ended the runner.
func (r *runner) halted(ctx context.Context) (Exit, bool) {
	if ctx.Err() == nil {
		return Exit{}, false
	}
	sig := SignalShutdown
	var cause signalCause
	if errors.As(context.Cause(ctx), &cause) {
		sig = cause.sig
	}
	ex := r.exit(ExitHalted, "")
	ex.Signal = sig
	return ex, true
}

func (r *runner) exit(reason ExitReason, message string) Exit {
	return Exit{
		SessionID: r.a.SessionID,
		UserID:    r.a.UserID,
		Reason:    reason,
		Message:   message,
	}
}

func newPacer(every time.Duration) *rate.Limiter {
	if every <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(every), 1)
}
