// Package dispatch runs one sequential submission loop per running session.
//
// The Supervisor owns a single slot per session id. Commands reach a runner
// only as Signals over its control channel; a runner reports how it ended
// through the OnExit callback.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"autoapply-backend/internal/jobsource"
	"autoapply-backend/internal/ledger"
	"autoapply-backend/internal/platforms"
	"autoapply-backend/internal/queue"
	"autoapply-backend/internal/quota"
	"autoapply-backend/internal/shared/lease"
	"autoapply-backend/internal/shared/metrics"
	"autoapply-backend/internal/shared/storage/object"
	"autoapply-backend/internal/shared/telemetry"
)

var (
	ErrAlreadyActive = errors.New("session already has an active runner")
	ErrShuttingDown  = errors.New("supervisor is shutting down")
)

// Signal is a control message delivered to a runner.
type Signal int

const (
	SignalPause Signal = iota + 1
	SignalStop
	SignalShutdown
	signalLeaseLost
)

func (s Signal) String() string {
	switch s {
	case SignalPause:
		return "pause"
	case SignalStop:
		return "stop"
	case SignalShutdown:
		return "shutdown"
	case signalLeaseLost:
		return "lease_lost"
	default:
		return "none"
	}
}

// signalCause is the cancellation cause a runner sees after a Signal.
type signalCause struct{ sig Signal }

func (c signalCause) Error() string { return "runner halted: " + c.sig.String() }

// ExitReason tells the session layer why a runner ended.
type ExitReason string

const (
	// ExitCompleted: lifetime quota reached or the job source ran dry.
	ExitCompleted ExitReason = "completed"
	// ExitFailed: an unrecoverable error ended the session.
	ExitFailed ExitReason = "failed"
	// ExitHalted: the runner honored a Signal. Session status is owned by whoever sent it.
	ExitHalted ExitReason = "halted"
)

// Exit describes how a runner ended.
type Exit struct {
	SessionID string
	UserID    string
	Reason    ExitReason
	Signal    Signal
	Message   string
}

// Assignment is the immutable snapshot a runner works from. Configuration
// cannot change while a session is running, so the snapshot stays valid.
type Assignment struct {
	SessionID string
	UserID    string
	Filters   jobsource.Filters
	Profile   platforms.ProfileRef
	Limits    quota.Limits
	Pacing    time.Duration
}

// Deps are the collaborators shared by all runners. Objects, Queue and Leases
// are optional.
type Deps struct {
	Ledger   ledger.Store
	Source   jobsource.Source
	Adapters *platforms.Registry
	Objects  object.ObjectStore
	Queue    queue.Client
	Leases   lease.Locker
	Clock    Clock
}

// Options tune runner behavior.
type Options struct {
	SubmitTimeout time.Duration
	MaxAttempts   int
	BackoffBase   time.Duration
	// MaxBackoff caps the wait between failed loop iterations.
	MaxBackoff   time.Duration
	MaxQuotaWait time.Duration
	LeaseTTL     time.Duration
	// Owner identifies this process in leases.
	Owner string
}

func (o Options) withDefaults() Options {
	if o.SubmitTimeout <= 0 {
		o.SubmitTimeout = 2 * time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase < 0 {
		o.BackoffBase = 0
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Minute
	}
	if o.MaxQuotaWait <= 0 {
		o.MaxQuotaWait = time.Hour
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 30 * time.Second
	}
	if o.Owner == "" {
		o.Owner = "local"
	}
	return o
}

// Supervisor keeps at most one runner per session id.
type Supervisor struct {
	deps Deps
	opts Options

	mu       sync.Mutex
	runners  map[string]*runner
	onExit   func(Exit)
	closed   bool
	root     context.Context
	stopRoot context.CancelFunc
	wg       sync.WaitGroup
}

// NewSupervisor constructs a Supervisor.
func NewSupervisor(deps Deps, opts Options) *Supervisor {
	if deps.Clock == nil {
		deps.Clock = SystemClock()
	}
	if deps.Queue == nil {
		deps.Queue = queue.LogClient{}
	}
	root, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		deps:     deps,
		opts:     opts.withDefaults(),
		runners:  make(map[string]*runner),
		root:     root,
		stopRoot: cancel,
	}
}

// OnExit registers the callback invoked after a runner has fully stopped.
// It runs on the runner's goroutine after Halt waiters were released.
func (s *Supervisor) OnExit(fn func(Exit)) {
	s.mu.Lock()
	s.onExit = fn
	s.mu.Unlock()
}

// Activate starts a runner for a. It returns ErrAlreadyActive when the
// session already has one in this process and lease.ErrHeld when another
// process drives it.
func (s *Supervisor) Activate(ctx context.Context, a Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrShuttingDown
	}
	if _, ok := s.runners[a.SessionID]; ok {
		return ErrAlreadyActive
	}
	if s.deps.Leases != nil {
		if err := s.deps.Leases.Acquire(ctx, leaseKey(a.SessionID), s.opts.Owner, s.opts.LeaseTTL); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancelCause(s.root)
	r := &runner{
		a:       a,
		deps:    s.deps,
		opts:    s.opts,
		control: make(chan Signal, 1),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	s.runners[a.SessionID] = r
	s.wg.Add(1)
	metrics.SessionStarted()
	telemetry.Info("dispatch.runner.started", map[string]any{
		"session_id": a.SessionID,
		"user_id":    a.UserID,
	})

	go r.watch(runCtx)
	if s.deps.Leases != nil {
		go s.keepLease(runCtx, r)
	}
	go s.run(runCtx, r)
	return nil
}

// Halt delivers sig to the session's runner and returns a channel closed once
// the runner has recorded its in-flight work and exited. With no runner the
// returned channel is already closed.
func (s *Supervisor) Halt(sessionID string, sig Signal) <-chan struct{} {
	s.mu.Lock()
	r, ok := s.runners[sessionID]
	s.mu.Unlock()
	if !ok {
		done := make(chan struct{})
		close(done)
		return done
	}
	r.send(sig)
	return r.done
}

// Claim reserves a session for a command handled without a local runner, so
// no process can start one until release is called. It returns lease.ErrHeld
// while a runner in another process drives the session. With a local runner,
// or without leases, the claim is a no-op.
func (s *Supervisor) Claim(ctx context.Context, sessionID string) (func(), error) {
	if s.deps.Leases == nil || s.Active(sessionID) {
		return func() {}, nil
	}
	key, owner := leaseKey(sessionID), s.opts.Owner+"/command"
	if err := s.deps.Leases.Acquire(ctx, key, owner, s.opts.LeaseTTL); err != nil {
		return nil, err
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.deps.Leases.Release(releaseCtx, key, owner); err != nil {
			telemetry.Warn("dispatch.claim.release_failed", map[string]any{
				"session_id": sessionID,
				"error":      err,
			})
		}
	}, nil
}

// Active reports whether the session has a runner in this process.
func (s *Supervisor) Active(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runners[sessionID]
	return ok
}

// Len returns the number of active runners.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runners)
}

// Shutdown halts every runner and waits for them until ctx expires. Sessions
// keep their running status and are reactivated on the next start.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, r := range s.runners {
		r.send(SignalShutdown)
	}
	s.mu.Unlock()

	waitDone := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
		s.stopRoot()
		return nil
	case <-ctx.Done():
		s.stopRoot()
		return ctx.Err()
	}
}

func (s *Supervisor) run(ctx context.Context, r *runner) {
	defer s.wg.Done()
	ex := r.run(ctx)

	if s.deps.Leases != nil {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.deps.Leases.Release(releaseCtx, leaseKey(r.a.SessionID), s.opts.Owner); err != nil {
			telemetry.Warn("dispatch.lease.release_failed", map[string]any{
				"session_id": r.a.SessionID,
				"error":      err,
			})
		}
		cancel()
	}

	s.mu.Lock()
	if s.runners[r.a.SessionID] == r {
		delete(s.runners, r.a.SessionID)
	}
	onExit := s.onExit
	s.mu.Unlock()

	r.cancel(nil)
	close(r.done)
	metrics.SessionStopped()
	telemetry.Info("dispatch.runner.exited", map[string]any{
		"session_id": ex.SessionID,
		"reason":     string(ex.Reason),
		"signal":     ex.Signal.String(),
		"message":    ex.Message,
	})
	if onExit != nil {
		onExit(ex)
	}
}

func (s *Supervisor) keepLease(ctx context.Context, r *runner) {
	ticker := time.NewTicker(s.opts.LeaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.deps.Leases.Refresh(ctx, leaseKey(r.a.SessionID), s.opts.Owner, s.opts.LeaseTTL)
			if errors.Is(err, lease.ErrLost) {
				telemetry.Warn("dispatch.lease.lost", map[string]any{"session_id": r.a.SessionID})
				r.send(signalLeaseLost)
				return
			}
			if err != nil && ctx.Err() == nil {
				telemetry.Warn("dispatch.lease.refresh_failed", map[string]any{
					"session_id": r.a.SessionID,
					"error":      err,
				})
			}
		}
	}
}

func leaseKey(sessionID string) string {
	return "session:" + sessionID
}
