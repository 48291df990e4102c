package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"autoapply-backend/internal/jobsource"
	"autoapply-backend/internal/ledger"
	"autoapply-backend/internal/platforms"
	"autoapply-backend/internal/queue"
	"autoapply-backend/internal/quota"
)

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []fakeWaiter
}

type fakeWaiter struct {
	at time.Time
	ch chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, time.March, 14, 10, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.waiters = append(f.waiters, fakeWaiter{at: f.now.Add(d), ch: ch})
	return ch
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	keep := f.waiters[:0]
	for _, w := range f.waiters {
		if w.at.After(f.now) {
			keep = append(keep, w)
			continue
		}
		w.ch <- f.now
	}
	f.waiters = keep
}

func (f *fakeClock) Waiters() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters)
}

type staticLimits map[string]quota.Limits

func (s staticLimits) QuotaLimits(ctx context.Context, sessionID string) (quota.Limits, error) {
	l, ok := s[sessionID]
	if !ok {
		return quota.Limits{}, ledger.ErrSessionNotFound
	}
	return l, nil
}

// adapterFunc adapts a function to platforms.Adapter and counts calls.
type adapterFunc struct {
	platform string
	mu       sync.Mutex
	calls    int
	fn       func(ctx context.Context, c jobsource.Candidate) (platforms.Result, error)
}

func (a *adapterFunc) Platform() string { return a.platform }

func (a *adapterFunc) Submit(ctx context.Context, c jobsource.Candidate, profile platforms.ProfileRef) (platforms.Result, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	return a.fn(ctx, c)
}

func (a *adapterFunc) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func applyAll(platform string) *adapterFunc {
	return &adapterFunc{platform: platform, fn: func(ctx context.Context, c jobsource.Candidate) (platforms.Result, error) {
		return platforms.Applied("conf-"+c.ExternalID, nil), nil
	}}
}

type recordingQueue struct {
	mu   sync.Mutex
	msgs []queue.Message
}

func (q *recordingQueue) Send(ctx context.Context, msg queue.Message) error {
	q.mu.Lock()
	q.msgs = append(q.msgs, msg)
	q.mu.Unlock()
	return nil
}

func (q *recordingQueue) Messages() []queue.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queue.Message(nil), q.msgs...)
}

type harness struct {
	clock  *fakeClock
	limits staticLimits
	ledger *ledger.MemoryStore
	source *jobsource.MemorySource
	reg    *platforms.Registry
	queue  *recordingQueue
	sup    *Supervisor
	exits  chan Exit
}

// harnessWiring swaps collaborators the supervisor sees; nil keeps the
// harness's own.
type harnessWiring struct {
	ledger func(*ledger.MemoryStore) ledger.Store
	source func(*jobsource.MemorySource) jobsource.Source
}

func newHarness(t *testing.T, opts Options, adapters ...platforms.Adapter) *harness {
	t.Helper()
	return newWiredHarness(t, harnessWiring{}, opts, adapters...)
}

func newWiredHarness(t *testing.T, w harnessWiring, opts Options, adapters ...platforms.Adapter) *harness {
	t.Helper()
	clock := newFakeClock()
	limits := staticLimits{}
	h := &harness{
		clock:  clock,
		limits: limits,
		ledger: ledger.NewMemoryStore(limits, clock.Now),
		source: jobsource.NewMemorySource(),
		reg:    platforms.NewRegistry(adapters...),
		queue:  &recordingQueue{},
		exits:  make(chan Exit, 16),
	}
	var store ledger.Store = h.ledger
	if w.ledger != nil {
		store = w.ledger(h.ledger)
	}
	var source jobsource.Source = h.source
	if w.source != nil {
		source = w.source(h.source)
	}
	h.sup = NewSupervisor(Deps{
		Ledger:   store,
		Source:   source,
		Adapters: h.reg,
		Queue:    h.queue,
		Clock:    clock,
	}, opts)
	h.sup.OnExit(func(ex Exit) { h.exits <- ex })
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.sup.Shutdown(ctx)
	})
	return h
}

func (h *harness) assign(id string, limits quota.Limits, platformNames ...string) Assignment {
	h.limits[id] = limits
	return Assignment{
		SessionID: id,
		UserID:    "user-" + id,
		Filters:   jobsource.Filters{Platforms: platformNames},
		Profile:   platforms.ProfileRef{UserID: "user-" + id, ResumeID: "resume-1"},
		Limits:    limits,
	}
}

func (h *harness) waitExit(t *testing.T) Exit {
	t.Helper()
	select {
	case ex := <-h.exits:
		return ex
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not exit")
		return Exit{}
	}
}

func (h *harness) entries(t *testing.T, sessionID string) []ledger.Entry {
	t.Helper()
	list, _, err := h.ledger.List(context.Background(), sessionID, 0, 0)
	require.NoError(t, err)
	return list
}

func (h *harness) counts(t *testing.T, sessionID string) ledger.Counts {
	t.Helper()
	c, err := h.ledger.Counts(context.Background(), sessionID, h.clock.Now())
	require.NoError(t, err)
	return c
}

func candidate(platform, id string) jobsource.Candidate {
	return jobsource.Candidate{Platform: platform, ExternalID: id, Title: "Engineer " + id, Company: "Acme"}
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("channel not closed")
	}
}

// flakyLedger fails the first failures outcome commits with a store error.
type flakyLedger struct {
	*ledger.MemoryStore
	mu       sync.Mutex
	failures int
	commits  int
}

func (f *flakyLedger) RecordOutcome(ctx context.Context, entryID string, out ledger.Outcome) (ledger.Entry, ledger.Counts, error) {
	f.mu.Lock()
	f.commits++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return ledger.Entry{}, ledger.Counts{}, errors.New("connection reset by peer")
	}
	return f.MemoryStore.RecordOutcome(ctx, entryID, out)
}

func (f *flakyLedger) Commits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commits
}

// flakySource fails the first failures reads.
type flakySource struct {
	jobsource.Source
	mu       sync.Mutex
	failures int
}

func (f *flakySource) Next(ctx context.Context, filters jobsource.Filters, cursor string) (jobsource.Candidate, string, error) {
	f.mu.Lock()
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return jobsource.Candidate{}, cursor, errors.New("search backend unavailable")
	}
	return f.Source.Next(ctx, filters, cursor)
}
