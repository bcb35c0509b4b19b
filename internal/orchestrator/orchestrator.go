// Package orchestrator drives the scan, fix, deploy, rescan loop. One
// Orchestrator serves the whole process; each session runs in its own
// goroutine and is mutated only there.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/fixloop/fixloop/internal/agent"
	"github.com/fixloop/fixloop/internal/deploy"
	"github.com/fixloop/fixloop/internal/evaluation"
	"github.com/fixloop/fixloop/internal/events"
	"github.com/fixloop/fixloop/internal/report"
	"github.com/fixloop/fixloop/internal/storage"
	"github.com/fixloop/fixloop/internal/types"
	"github.com/fixloop/fixloop/internal/vcs"
)

// Config wires the orchestrator's collaborators.
type Config struct {
	Store     storage.Storage
	Invoker   agent.Invoker
	VCS       vcs.Manager
	Deployer  deploy.Deployer
	Evaluator evaluation.Evaluator
	// Messages generates commit messages. Optional; nil uses the
	// deterministic fallback.
	Messages *vcs.MessageGenerator
	// WaitReady polls a deployed URL until it answers. Defaults to
	// deploy.WaitUntilReady; tests substitute a stub.
	WaitReady func(ctx context.Context, url string, timeout, pollInterval time.Duration) error
}

// Orchestrator runs fix sessions.
type Orchestrator struct {
	store     storage.Storage
	invoker   agent.Invoker
	vcs       vcs.Manager
	deployer  deploy.Deployer
	evaluator evaluation.Evaluator
	messages  *vcs.MessageGenerator
	waitReady func(ctx context.Context, url string, timeout, pollInterval time.Duration) error

	broadcaster *events.Broadcaster
	registry    *Registry

	mu       sync.Mutex
	sessions map[string]*sessionHandle
}

// sessionHandle tracks a live session goroutine.
type sessionHandle struct {
	stopOnce  sync.Once
	stopCh    chan struct{}
	advanceCh chan string
	done      chan struct{}
}

func (h *sessionHandle) requestStop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

func (h *sessionHandle) stopRequested() bool {
	select {
	case <-h.stopCh:
		return true
	default:
		return false
	}
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if cfg.Invoker == nil {
		return nil, fmt.Errorf("invoker is required")
	}
	if cfg.VCS == nil {
		return nil, fmt.Errorf("vcs manager is required")
	}
	if cfg.Deployer == nil {
		return nil, fmt.Errorf("deployer is required")
	}
	if cfg.Evaluator == nil {
		return nil, fmt.Errorf("evaluator is required")
	}
	waitReady := cfg.WaitReady
	if waitReady == nil {
		waitReady = deploy.WaitUntilReady
	}

	return &Orchestrator{
		store:       cfg.Store,
		invoker:     cfg.Invoker,
		vcs:         cfg.VCS,
		deployer:    cfg.Deployer,
		evaluator:   cfg.Evaluator,
		messages:    cfg.Messages,
		waitReady:   waitReady,
		broadcaster: events.NewBroadcaster(),
		registry:    NewRegistry(),
		sessions:    make(map[string]*sessionHandle),
	}, nil
}

// Subscribe returns a live event channel and an id for Unsubscribe.
func (o *Orchestrator) Subscribe() (<-chan *events.FixEvent, int) {
	return o.broadcaster.Subscribe()
}

// Unsubscribe removes a live event subscriber.
func (o *Orchestrator) Unsubscribe(id int) {
	o.broadcaster.Unsubscribe(id)
}

// Recover marks sessions left running by a crashed process as stopped.
// Sessions whose owning process is still alive are left alone, so a second
// fixloop start never reverts a live session. Call once at startup, before
// Start. There is no automatic resume.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	recovered := 0
	for _, status := range []types.SessionStatus{types.SessionRunning, types.SessionPaused} {
		sessions, err := o.store.ListSessions(ctx, storage.SessionFilter{Status: status})
		if err != nil {
			return recovered, err
		}
		for _, session := range sessions {
			if processAlive(session.PID) {
				continue
			}
			if err := o.store.MarkSessionInterrupted(ctx, session.ID); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				return recovered, err
			}
			recovered++
		}
	}
	return recovered, nil
}

// processAlive reports whether a process with the given PID exists. EPERM
// means the process exists but belongs to another user, so it counts as
// alive.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, syscall.Signal(0))
	return err == nil || err == syscall.EPERM
}

// Start validates preconditions, creates the session, and launches its
// loop. Nothing is mutated until every precondition holds.
func (o *Orchestrator) Start(ctx context.Context, cfg types.SessionConfig, baseReport *report.Report) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrPrecondition, err)
	}

	repoPath, err := vcs.NormalizeRepoPath(cfg.RepoPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrPrecondition, err)
	}
	cfg.RepoPath = repoPath

	if baseReport == nil {
		return "", fmt.Errorf("%w: no base report for %s", types.ErrPrecondition, repoPath)
	}
	filtered := report.FilterBySeverity(baseReport, cfg.SeverityFilter)
	if filtered.TotalFindings() == 0 {
		return "", fmt.Errorf("%w: base report has no findings at severities %v", types.ErrPrecondition, cfg.SeverityFilter)
	}

	if ready, detail := o.invoker.CheckAvailable(ctx); !ready {
		return "", fmt.Errorf("%w: fix agent unavailable: %s", types.ErrPrecondition, detail)
	}

	if cfg.ApplyMode == types.ApplyBranch {
		if !o.vcs.IsRepo(ctx, repoPath) {
			return "", fmt.Errorf("%w: %s", types.ErrNotARepository, repoPath)
		}
		if cfg.RequireClean {
			dirty, err := o.vcs.HasUncommittedChanges(ctx, repoPath)
			if err != nil {
				return "", fmt.Errorf("%w: %v", types.ErrPrecondition, err)
			}
			if dirty {
				return "", fmt.Errorf("%w: %s has uncommitted changes", types.ErrDirtyWorkingTree, repoPath)
			}
		}
	}

	// The registry covers this process; the database check covers sessions
	// started by other processes sharing the store.
	if active, err := o.store.GetRunningSessionForRepo(ctx, repoPath); err == nil {
		return "", fmt.Errorf("%w: session %s is %s", types.ErrSessionActive, active.ID, active.Status)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}

	sessionID := uuid.New().String()
	if err := o.registry.Acquire(repoPath, sessionID); err != nil {
		return "", err
	}

	// Past this point the registry slot is held; every failure path must
	// release it.
	session := &types.FixSession{
		ID:        sessionID,
		RepoPath:  repoPath,
		Config:    cfg,
		Status:    types.SessionRunning,
		PID:       os.Getpid(),
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	if cfg.ApplyMode == types.ApplyBranch {
		branch, err := o.vcs.CreateSafetyBranch(ctx, repoPath, sessionID, cfg.RequireClean)
		if err != nil {
			o.registry.Release(repoPath)
			return "", err
		}
		session.SafetyBranch = branch
	}

	if err := o.store.CreateSession(ctx, session); err != nil {
		o.registry.Release(repoPath)
		return "", err
	}
	if err := o.store.SaveBaseReport(ctx, sessionID, baseReport); err != nil {
		o.registry.Release(repoPath)
		return "", err
	}

	o.emit(ctx, events.NewSessionStarted(sessionID, repoPath, cfg.MaxCycles))
	if session.SafetyBranch != "" {
		o.emit(ctx, events.NewBranchCreated(sessionID, session.SafetyBranch))
	}

	handle := &sessionHandle{
		stopCh:    make(chan struct{}),
		advanceCh: make(chan string, 1),
		done:      make(chan struct{}),
	}
	o.mu.Lock()
	o.sessions[sessionID] = handle
	o.mu.Unlock()

	go o.run(ctx, session, filtered, handle)

	return sessionID, nil
}

// RequestStop flags a session for cooperative stop. The flag is observed
// between cycles and while paused; an in-flight subprocess is never killed.
func (o *Orchestrator) RequestStop(ctx context.Context, sessionID string) error {
	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status.Terminal() {
		return fmt.Errorf("session %s already %s", sessionID, session.Status)
	}

	o.mu.Lock()
	handle, ok := o.sessions[sessionID]
	o.mu.Unlock()
	if ok {
		handle.requestStop()
	} else {
		// The session loop lives in another process; signal it through
		// the sessions table.
		if err := o.store.SetStopRequested(ctx, sessionID); err != nil {
			return err
		}
	}

	o.emit(ctx, events.New(events.EventTypeStopRequested, sessionID, 0, events.SeverityInfo,
		"stop requested; the session will halt after the current cycle", nil))
	return nil
}

// Advance supplies the deployment URL a manually paused session is waiting
// for. Valid only for a paused session in manual deploy mode.
func (o *Orchestrator) Advance(ctx context.Context, sessionID, deployURL string) error {
	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status != types.SessionPaused {
		return fmt.Errorf("session %s is %s, not paused", sessionID, session.Status)
	}
	if session.Config.DeployMode != types.DeployManual {
		return fmt.Errorf("session %s is not in manual deploy mode", sessionID)
	}
	if deployURL == "" {
		return fmt.Errorf("deployment URL is required")
	}

	o.mu.Lock()
	handle, ok := o.sessions[sessionID]
	o.mu.Unlock()
	if !ok {
		return o.store.SetAdvanceURL(ctx, sessionID, deployURL)
	}

	select {
	case handle.advanceCh <- deployURL:
		return nil
	default:
		return fmt.Errorf("session %s already has a pending advance", sessionID)
	}
}

// SessionStatus is a point-in-time view of one session.
type SessionStatus struct {
	Session      *types.FixSession
	Cycles       []*types.FixCycle
	TotalCostUSD float64
	WallTime     time.Duration
	Resolved     int
}

// Status reads the session and its cycles with aggregate totals.
func (o *Orchestrator) Status(ctx context.Context, sessionID string) (*SessionStatus, error) {
	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	cycles, err := o.store.GetCycles(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	status := &SessionStatus{Session: session, Cycles: cycles}
	for _, c := range cycles {
		if c.Invocation != nil {
			status.TotalCostUSD += c.Invocation.CostUSD
		}
		if c.Delta != nil {
			status.Resolved += len(c.Delta.Resolved)
		}
	}
	end := session.UpdatedAt
	if !session.Status.Terminal() {
		end = time.Now()
	}
	status.WallTime = end.Sub(session.CreatedAt)

	return status, nil
}

// Wait blocks until the session goroutine exits. Used by the CLI in
// foreground mode and by tests.
func (o *Orchestrator) Wait(sessionID string) {
	o.mu.Lock()
	handle, ok := o.sessions[sessionID]
	o.mu.Unlock()
	if ok {
		<-handle.done
	}
}

// Close shuts down the live event stream.
func (o *Orchestrator) Close() {
	o.broadcaster.Close()
}

// emit persists and broadcasts an event. Storage failure is reported but
// never interrupts the session.
func (o *Orchestrator) emit(ctx context.Context, event *events.FixEvent) {
	if err := o.store.StoreEvent(ctx, event); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to store event: %v\n", err)
	}
	o.broadcaster.Publish(event)
}
