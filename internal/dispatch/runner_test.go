package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"autoapply-backend/internal/jobsource"
	"autoapply-backend/internal/ledger"
	"autoapply-backend/internal/platforms"
	"autoapply-backend/internal/quota"
	"autoapply-backend/internal/shared/storage/object/local"
)

func TestRunnerAppliesUntilSourceExhausted(t *testing.T) {
	adapter := applyAll("linkedin")
	h := newHarness(t, Options{}, adapter)
	h.source.Add(candidate("linkedin", "j1"), candidate("linkedin", "j2"), candidate("indeed", "j3"))

	require.NoError(t, h.sup.Activate(context.Background(), h.assign("s1", quota.Limits{Daily: 5, Lifetime: 5}, "linkedin")))
	ex := h.waitExit(t)

	require.Equal(t, ExitCompleted, ex.Reason)
	require.Equal(t, reasonSourceExhausted, ex.Message)
	require.Equal(t, ledger.Counts{Applied: 2, AppliedToday: 2}, h.counts(t, "s1"))
	require.Equal(t, 2, adapter.Calls())
	require.False(t, h.sup.Active("s1"))

	msgs := h.queue.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "applied", msgs[0].Status)
	require.Equal(t, "user-s1", msgs[0].UserID)
}

func TestRunnerDefersOverDailyLimitUntilNextDay(t *testing.T) {
	h := newHarness(t, Options{}, applyAll("linkedin"))
	h.source.Add(candidate("linkedin", "j1"), candidate("linkedin", "j2"), candidate("linkedin", "j3"))

	require.NoError(t, h.sup.Activate(context.Background(), h.assign("s1", quota.Limits{Daily: 2, Lifetime: 5}, "linkedin")))

	require.Eventually(t, func() bool {
		return h.clock.Waiters() == 1 && h.counts(t, "s1").Applied == 2
	}, 5*time.Second, 5*time.Millisecond)
	// The third candidate is deferred, not recorded.
	require.Len(t, h.entries(t, "s1"), 2)
	require.True(t, h.sup.Active("s1"))

	// 10:00 UTC plus 14h is the next UTC midnight.
	h.clock.Advance(14 * time.Hour)
	ex := h.waitExit(t)

	require.Equal(t, ExitCompleted, ex.Reason)
	c := h.counts(t, "s1")
	require.Equal(t, 3, c.Applied)
	require.Equal(t, 1, c.AppliedToday)
}

func TestRunnerCompletesAtLifetimeLimit(t *testing.T) {
	adapter := applyAll("linkedin")
	h := newHarness(t, Options{}, adapter)
	h.source.Add(candidate("linkedin", "j1"), candidate("linkedin", "j2"), candidate("linkedin", "j3"))

	require.NoError(t, h.sup.Activate(context.Background(), h.assign("s1", quota.Limits{Daily: 10, Lifetime: 1}, "linkedin")))
	ex := h.waitExit(t)

	require.Equal(t, ExitCompleted, ex.Reason)
	require.Equal(t, quota.ReasonLifetimeReached, ex.Message)
	require.Len(t, h.entries(t, "s1"), 1)
	require.Equal(t, 1, adapter.Calls())
}

func TestRunnerWithZeroDailyLimitNeverDispatches(t *testing.T) {
	adapter := applyAll("linkedin")
	h := newHarness(t, Options{}, adapter)
	h.source.Add(candidate("linkedin", "j1"))

	require.NoError(t, h.sup.Activate(context.Background(), h.assign("s1", quota.Limits{Daily: 0, Lifetime: 5}, "linkedin")))
	require.Eventually(t, func() bool { return h.clock.Waiters() == 1 }, 5*time.Second, 5*time.Millisecond)

	waitClosed(t, h.sup.Halt("s1", SignalStop))
	ex := h.waitExit(t)
	require.Equal(t, ExitHalted, ex.Reason)
	require.Equal(t, SignalStop, ex.Signal)
	require.Empty(t, h.entries(t, "s1"))
	require.Zero(t, adapter.Calls())
}

func TestRunnerRecordsRejectionAndContinues(t *testing.T) {
	adapter := &adapterFunc{platform: "linkedin", fn: func(ctx context.Context, c jobsource.Candidate) (platforms.Result, error) {
		if c.ExternalID == "j1" {
			return platforms.Rejected("position closed"), nil
		}
		return platforms.Applied("ok", nil), nil
	}}
	h := newHarness(t, Options{}, adapter)
	h.source.Add(candidate("linkedin", "j1"), candidate("linkedin", "j2"))

	require.NoError(t, h.sup.Activate(context.Background(), h.assign("s1", quota.Limits{Daily: 5, Lifetime: 5}, "linkedin")))
	require.Equal(t, ExitCompleted, h.waitExit(t).Reason)

	entries := h.entries(t, "s1")
	require.Len(t, entries, 2)
	byJob := map[string]ledger.Entry{}
	for _, e := range entries {
		byJob[e.Job.ExternalID] = e
	}
	require.Equal(t, ledger.StatusFailed, byJob["j1"].Status)
	require.Equal(t, "position closed", byJob["j1"].ErrorMessage)
	require.Equal(t, 1, byJob["j1"].AttemptCount)
	require.Equal(t, ledger.StatusApplied, byJob["j2"].Status)
}

func TestRunnerRetriesTransientErrors(t *testing.T) {
	var mu sync.Mutex
	failures := 2
	adapter := &adapterFunc{platform: "linkedin", fn: func(ctx context.Context, c jobsource.Candidate) (platforms.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return platforms.Result{}, platforms.Transient(errors.New("rate limited"))
		}
		return platforms.Applied("ok", nil), nil
	}}
	h := newHarness(t, Options{MaxAttempts: 3}, adapter)
	h.source.Add(candidate("linkedin", "j1"))

	require.NoError(t, h.sup.Activate(context.Background(), h.assign("s1", quota.Limits{Daily: 5, Lifetime: 5}, "linkedin")))
	require.Equal(t, ExitCompleted, h.waitExit(t).Reason)

	entries := h.entries(t, "s1")
	require.Len(t, entries, 1)
	require.Equal(t, ledger.StatusApplied, entries[0].Status)
	require.Equal(t, 3, entries[0].AttemptCount)
	require.Equal(t, 3, adapter.Calls())
}

func TestRunnerFailsEntryAfterExhaustingRetries(t *testing.T) {
	adapter := &adapterFunc{platform: "linkedin", fn: func(ctx context.Context, c jobsource.Candidate) (platforms.Result, error) {
		if c.ExternalID == "j1" {
			return platforms.Result{}, errors.New("gateway timeout")
		}
		return platforms.Applied("ok", nil), nil
	}}
	h := newHarness(t, Options{MaxAttempts: 3}, adapter)
	h.source.Add(candidate("linkedin", "j1"), candidate("linkedin", "j2"))

	require.NoError(t, h.sup.Activate(context.Background(), h.assign("s1", quota.Limits{Daily: 5, Lifetime: 5}, "linkedin")))
	require.Equal(t, ExitCompleted, h.waitExit(t).Reason)

	c := h.counts(t, "s1")
	require.Equal(t, 1, c.Applied)
	require.Equal(t, 1, c.Failed)
	require.Equal(t, 4, adapter.Calls())
	for _, e := range h.entries(t, "s1") {
		if e.Job.ExternalID == "j1" {
			require.Equal(t, 3, e.AttemptCount)
			require.True(t, strings.HasPrefix(e.ErrorMessage, "transient error after 3 attempts"))
		}
	}
}

func TestRunnerShutdownDuringBackoffFailsEntry(t *testing.T) {
	adapter := &adapterFunc{platform: "linkedin", fn: func(ctx context.Context, c jobsource.Candidate) (platforms.Result, error) {
		return platforms.Result{}, platforms.Transient(errors.New("503"))
	}}
	h := newHarness(t, Options{MaxAttempts: 3, BackoffBase: time.Minute}, adapter)
	h.source.Add(candidate("linkedin", "j1"), candidate("linkedin", "j2"))

	require.NoError(t, h.sup.Activate(context.Background(), h.assign("s1", quota.Limits{Daily: 5, Lifetime: 5}, "linkedin")))
	require.Eventually(t, func() bool { return h.clock.Waiters() == 1 }, 5*time.Second, 5*time.Millisecond)

	waitClosed(t, h.sup.Halt("s1", SignalShutdown))
	ex := h.waitExit(t)
	require.Equal(t, ExitHalted, ex.Reason)
	require.Equal(t, SignalShutdown, ex.Signal)

	entries := h.entries(t, "s1")
	require.Len(t, entries, 1)
	require.Equal(t, ledger.StatusFailed, entries[0].Status)
	require.Equal(t, reasonBackoffCancelled, entries[0].ErrorMessage)
	require.Equal(t, 1, adapter.Calls())
}

func TestRunnerPauseDuringBackoffFinishesRetries(t *testing.T) {
	var failed sync.Once
	adapter := &adapterFunc{platform: "linkedin", fn: func(ctx context.Context, c jobsource.Candidate) (platforms.Result, error) {
		var err error
		failed.Do(func() { err = platforms.Transient(errors.New("503")) })
		if err != nil {
			return platforms.Result{}, err
		}
		return platforms.Applied("conf-"+c.ExternalID, nil), nil
	}}
	h := newHarness(t, Options{MaxAttempts: 3, BackoffBase: time.Minute}, adapter)
	h.source.Add(candidate("linkedin", "j1"), candidate("linkedin", "j2"))

	require.NoError(t, h.sup.Activate(context.Background(), h.assign("s1", quota.Limits{Daily: 5, Lifetime: 5}, "linkedin")))
	require.Eventually(t, func() bool { return h.clock.Waiters() == 1 }, 5*time.Second, 5*time.Millisecond)

	done := h.sup.Halt("s1", SignalPause)
	select {
	case <-done:
		t.Fatal("runner exited before its retries finished")
	case <-time.After(50 * time.Millisecond):
	}
	h.clock.Advance(time.Minute)
	waitClosed(t, done)

	ex := h.waitExit(t)
	require.Equal(t, ExitHalted, ex.Reason)
	require.Equal(t, SignalPause, ex.Signal)

	entries := h.entries(t, "s1")
	require.Len(t, entries, 1)
	require.Equal(t, ledger.StatusApplied, entries[0].Status)
	require.Equal(t, 2, entries[0].AttemptCount)
	require.Equal(t, 2, adapter.Calls())
}

func TestRunnerRetriesOutcomeCommit(t *testing.T) {
	flaky := &flakyLedger{failures: 1}
	w := harnessWiring{ledger: func(m *ledger.MemoryStore) ledger.Store {
		flaky.MemoryStore = m
		return flaky
	}}
	adapter := applyAll("linkedin")
	h := newWiredHarness(t, w, Options{MaxAttempts: 3}, adapter)
	h.source.Add(candidate("linkedin", "j1"))

	require.NoError(t, h.sup.Activate(context.Background(), h.assign("s1", quota.Limits{Daily: 5, Lifetime: 5}, "linkedin")))
	require.Equal(t, ExitCompleted, h.waitExit(t).Reason)

	c := h.counts(t, "s1")
	require.Equal(t, 1, c.Applied)
	require.Zero(t, c.Pending)
	require.Equal(t, 1, adapter.Calls())
	require.Equal(t, 2, flaky.Commits())
}

func TestRunnerFailsSessionWhenOutcomeCannotBeCommitted(t *testing.T) {
	flaky := &flakyLedger{failures: 100}
	w := harnessWiring{ledger: func(m *ledger.MemoryStore) ledger.Store {
		flaky.MemoryStore = m
		return flaky
	}}
	adapter := applyAll("linkedin")
	h := newWiredHarness(t, w, Options{MaxAttempts: 2}, adapter)
	h.source.Add(candidate("linkedin", "j1"), candidate("linkedin", "j2"))

	require.NoError(t, h.sup.Activate(context.Background(), h.assign("s1", quota.Limits{Daily: 5, Lifetime: 5}, "linkedin")))
	ex := h.waitExit(t)
	require.Equal(t, ExitFailed, ex.Reason)
	require.Contains(t, ex.Message, "left pending")

	// The loop stopped at the stuck entry instead of pulling j2.
	require.Equal(t, 1, adapter.Calls())
	require.Equal(t, 2, flaky.Commits())
	entries := h.entries(t, "s1")
	require.Len(t, entries, 1)
	require.Equal(t, ledger.StatusPending, entries[0].Status)
}

func TestRunnerBacksOffSourceFaultsWithoutFailing(t *testing.T) {
	w := harnessWiring{source: func(m *jobsource.MemorySource) jobsource.Source {
		return &flakySource{Source: m, failures: 5}
	}}
	adapter := applyAll("linkedin")
	h := newWiredHarness(t, w, Options{MaxAttempts: 2, MaxBackoff: 4 * time.Second}, adapter)
	h.source.Add(candidate("linkedin", "j1"))

	require.NoError(t, h.sup.Activate(context.Background(), h.assign("s1", quota.Limits{Daily: 5, Lifetime: 5}, "linkedin")))
	for i := 0; i < 5; i++ {
		require.Eventually(t, func() bool { return h.clock.Waiters() == 1 }, 5*time.Second, 5*time.Millisecond)
		require.True(t, h.sup.Active("s1"))
		h.clock.Advance(4 * time.Second)
	}

	ex := h.waitExit(t)
	require.Equal(t, ExitCompleted, ex.Reason)
	require.Equal(t, 1, h.counts(t, "s1").Applied)
}

func TestLoopBackoffIsCapped(t *testing.T) {
	r := &runner{opts: Options{BackoffBase: 0, MaxBackoff: 10 * time.Second}}
	got := make([]time.Duration, 0, 6)
	for n := 1; n <= 6; n++ {
		got = append(got, r.loopBackoff(n))
	}
	require.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second,
	}, got)
}

func TestRunnerPermanentErrorFailsOnlyThatSession(t *testing.T) {
	broken := &adapterFunc{platform: "badboard", fn: func(ctx context.Context, c jobsource.Candidate) (platforms.Result, error) {
		return platforms.Result{}, platforms.Permanent(errors.New("credentials invalid"))
	}}
	healthy := applyAll("linkedin")
	h := newHarness(t, Options{}, broken, healthy)
	h.source.Add(
		candidate("badboard", "b1"), candidate("badboard", "b2"),
		candidate("linkedin", "l1"), candidate("linkedin", "l2"),
	)

	require.NoError(t, h.sup.Activate(context.Background(), h.assign("s1", quota.Limits{Daily: 5, Lifetime: 5}, "badboard")))
	require.NoError(t, h.sup.Activate(context.Background(), h.assign("s2", quota.Limits{Daily: 5, Lifetime: 5}, "linkedin")))

	exits := map[string]Exit{}
	for i := 0; i < 2; i++ {
		ex := h.waitExit(t)
		exits[ex.SessionID] = ex
	}

	require.Equal(t, ExitFailed, exits["s1"].Reason)
	require.Contains(t, exits["s1"].Message, "credentials invalid")
	s1 := h.entries(t, "s1")
	require.Len(t, s1, 1)
	require.Equal(t, ledger.StatusFailed, s1[0].Status)
	require.Equal(t, 1, broken.Calls())

	require.Equal(t, ExitCompleted, exits["s2"].Reason)
	require.Equal(t, 2, h.counts(t, "s2").Applied)
}

func TestPauseWaitsForInFlightSubmission(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	adapter := &adapterFunc{platform: "linkedin", fn: func(ctx context.Context, c jobsource.Candidate) (platforms.Result, error) {
		once.Do(func() { close(started) })
		<-release
		return platforms.Applied("ok", nil), nil
	}}
	h := newHarness(t, Options{}, adapter)
	h.source.Add(candidate("linkedin", "j1"), candidate("linkedin", "j2"))

	require.NoError(t, h.sup.Activate(context.Background(), h.assign("s1", quota.Limits{Daily: 5, Lifetime: 5}, "linkedin")))
	<-started

	done := h.sup.Halt("s1", SignalPause)
	select {
	case <-done:
		t.Fatal("runner exited while a submission was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	waitClosed(t, done)

	ex := h.waitExit(t)
	require.Equal(t, ExitHalted, ex.Reason)
	require.Equal(t, SignalPause, ex.Signal)
	entries := h.entries(t, "s1")
	require.Len(t, entries, 1)
	require.Equal(t, ledger.StatusApplied, entries[0].Status)
	require.Equal(t, 1, adapter.Calls())
}

func TestRunnerSkipsJobsAlreadyInLedger(t *testing.T) {
	adapter := applyAll("linkedin")
	h := newHarness(t, Options{}, adapter)
	h.source.Add(candidate("linkedin", "j1"), candidate("linkedin", "j2"))
	a := h.assign("s1", quota.Limits{Daily: 5, Lifetime: 5}, "linkedin")

	ctx := context.Background()
	prior, err := h.ledger.RecordAttempt(ctx, ledger.Attempt{SessionID: "s1", Job: ledger.JobRef{Platform: "linkedin", ExternalID: "j1"}})
	require.NoError(t, err)
	_, _, err = h.ledger.RecordOutcome(ctx, prior.ID, ledger.Applied(h.clock.Now(), ""))
	require.NoError(t, err)

	require.NoError(t, h.sup.Activate(ctx, a))
	require.Equal(t, ExitCompleted, h.waitExit(t).Reason)
	require.Len(t, h.entries(t, "s1"), 2)
	require.Equal(t, 1, adapter.Calls())
}

func TestRunnerFailsOrphanedPendingEntries(t *testing.T) {
	h := newHarness(t, Options{}, applyAll("linkedin"))
	a := h.assign("s1", quota.Limits{Daily: 5, Lifetime: 5}, "linkedin")
	orphan, err := h.ledger.RecordAttempt(context.Background(), ledger.Attempt{SessionID: "s1", Job: ledger.JobRef{Platform: "linkedin", ExternalID: "j0"}})
	require.NoError(t, err)

	require.NoError(t, h.sup.Activate(context.Background(), a))
	require.Equal(t, ExitCompleted, h.waitExit(t).Reason)

	got, err := h.ledger.Get(context.Background(), orphan.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusFailed, got.Status)
	require.Equal(t, reasonInterrupted, got.ErrorMessage)
}

func TestRunnerPacesSubmissions(t *testing.T) {
	adapter := applyAll("linkedin")
	h := newHarness(t, Options{}, adapter)
	h.source.Add(candidate("linkedin", "j1"), candidate("linkedin", "j2"))
	a := h.assign("s1", quota.Limits{Daily: 5, Lifetime: 5}, "linkedin")
	a.Pacing = time.Minute

	require.NoError(t, h.sup.Activate(context.Background(), a))
	require.Eventually(t, func() bool {
		return h.clock.Waiters() == 1 && adapter.Calls() == 1
	}, 5*time.Second, 5*time.Millisecond)

	h.clock.Advance(time.Minute)
	require.Equal(t, ExitCompleted, h.waitExit(t).Reason)
	require.Equal(t, 2, adapter.Calls())
}

func TestRunnerStoresReceiptArtifacts(t *testing.T) {
	adapter := &adapterFunc{platform: "linkedin", fn: func(ctx context.Context, c jobsource.Candidate) (platforms.Result, error) {
		return platforms.Applied("conf-1", &platforms.Artifact{Name: "receipt.txt", ContentType: "text/plain", Data: []byte("confirmed")}), nil
	}}
	h := newHarness(t, Options{}, adapter)
	h.sup.deps.Objects = local.New(t.TempDir())
	h.source.Add(candidate("linkedin", "j1"))

	require.NoError(t, h.sup.Activate(context.Background(), h.assign("s1", quota.Limits{Daily: 5, Lifetime: 5}, "linkedin")))
	require.Equal(t, ExitCompleted, h.waitExit(t).Reason)

	entries := h.entries(t, "s1")
	require.Len(t, entries, 1)
	require.NotEmpty(t, entries[0].ArtifactKey)
	require.True(t, strings.HasSuffix(entries[0].ArtifactKey, "receipt.txt"))
}

func TestRunnerFailsEntryForUnknownPlatform(t *testing.T) {
	h := newHarness(t, Options{})
	h.source.Add(candidate("monster", "m1"))

	require.NoError(t, h.sup.Activate(context.Background(), h.assign("s1", quota.Limits{Daily: 5, Lifetime: 5}, "monster")))
	require.Equal(t, ExitCompleted, h.waitExit(t).Reason)

	entries := h.entries(t, "s1")
	require.Len(t, entries, 1)
	require.Equal(t, ledger.StatusFailed, entries[0].Status)
	require.Contains(t, entries[0].ErrorMessage, "monster")
}
