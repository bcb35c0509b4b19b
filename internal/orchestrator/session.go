package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/fixloop/fixloop/internal/agent"
	"github.com/fixloop/fixloop/internal/deploy"
	"github.com/fixloop/fixloop/internal/events"
	"github.com/fixloop/fixloop/internal/report"
	"github.com/fixloop/fixloop/internal/types"
)

// run is the session loop. It is the only goroutine that mutates the
// session, and it always leaves the session in a terminal state.
func (o *Orchestrator) run(ctx context.Context, session *types.FixSession, current *report.Report, handle *sessionHandle) {
	defer close(handle.done)
	defer func() {
		o.registry.Release(session.RepoPath)
		o.mu.Lock()
		delete(o.sessions, session.ID)
		o.mu.Unlock()
	}()

	cfg := session.Config

	for n := 1; n <= cfg.MaxCycles; n++ {
		if handle.stopRequested() || o.dbStopRequested(ctx, session.ID) {
			o.finish(ctx, session, types.SessionStopped, types.StopOperator, "")
			return
		}
		if ctx.Err() != nil {
			o.finish(ctx, session, types.SessionStopped, types.StopInterrupted, ctx.Err().Error())
			return
		}
		if current.TotalFindings() == 0 {
			o.finish(ctx, session, types.SessionCompleted, types.StopNoFindings, "")
			return
		}

		cycle := &types.FixCycle{
			SessionID: session.ID,
			Number:    n,
			Status:    types.CycleFixing,
			StartedAt: time.Now(),
		}
		if err := o.store.CreateCycle(ctx, cycle); err != nil {
			o.finish(ctx, session, types.SessionFailed, "", fmt.Sprintf("failed to persist cycle %d: %v", n, err))
			return
		}
		session.CurrentCycle = n
		o.updateSession(ctx, session)
		o.emit(ctx, events.NewCycleStarted(session.ID, n, current.TotalFindings()))

		next, err := o.runCycle(ctx, session, cycle, current, handle)
		if err != nil {
			o.failCycle(ctx, session, cycle, err)
			return
		}
		if next == nil {
			// Operator stopped the session while it was paused.
			o.finalizeCycle(ctx, cycle, types.CycleInterrupted)
			o.finish(ctx, session, types.SessionStopped, types.StopOperator, "")
			return
		}

		o.emit(ctx, events.NewCycleCompleted(session.ID, n, cycle.Status, cycle.Verdict))

		if verdictReached(cycle.Verdict, cfg.StopOnVerdict) {
			o.finish(ctx, session, types.SessionCompleted, types.StopVerdictReached, "")
			return
		}
		current = next
	}

	o.finish(ctx, session, types.SessionCompleted, types.StopMaxCycles, "")
}

// runCycle executes one cycle's phases. It returns the next filtered report,
// or (nil, nil) when the operator stopped a paused session.
func (o *Orchestrator) runCycle(ctx context.Context, session *types.FixSession, cycle *types.FixCycle, current *report.Report, handle *sessionHandle) (*report.Report, error) {
	cfg := session.Config

	// Fix phase.
	o.emit(ctx, events.New(events.EventTypeFixStarted, session.ID, cycle.Number, events.SeverityInfo,
		fmt.Sprintf("invoking fix agent for cycle %d", cycle.Number), nil))

	invocation, err := o.invoker.Run(ctx, agentRequest(cfg, cycle.Number, report.RenderInstructions(current, cycle.Number)))
	if invocation != nil {
		cycle.Invocation = invocation
	}
	if err != nil {
		return nil, fmt.Errorf("fix phase: %w", err)
	}

	if o.vcs.IsRepo(ctx, cfg.RepoPath) {
		if files, err := o.vcs.ModifiedFiles(ctx, cfg.RepoPath); err == nil {
			invocation.ModifiedFiles = files
		}
	}
	o.emit(ctx, events.NewFixCompleted(session.ID, cycle.Number, invocation))
	if invocation.BudgetExceeded {
		o.emit(ctx, events.NewBudgetExceeded(session.ID, cycle.Number, invocation.CostUSD, cfg.BudgetUSD))
	}

	// Commit phase, branch mode only. Direct mode leaves edits in place.
	if cfg.ApplyMode == types.ApplyBranch {
		message := o.commitMessage(ctx, session.ID, cycle.Number, invocation.ModifiedFiles)
		commitID, err := o.vcs.CommitChanges(ctx, cfg.RepoPath, message)
		if err != nil {
			return nil, fmt.Errorf("commit phase: %w", err)
		}
		cycle.CommitID = commitID
		if commitID != "" {
			o.emit(ctx, events.New(events.EventTypeChangesCommitted, session.ID, cycle.Number, events.SeverityInfo,
				fmt.Sprintf("committed %d file(s) as %.12s", len(invocation.ModifiedFiles), commitID), nil))
		}
	}

	// Deploy phase.
	cycle.Status = types.CycleDeploying
	o.updateCycle(ctx, cycle)

	url, stopped, err := o.deployPhase(ctx, session, cycle, handle)
	if err != nil {
		return nil, err
	}
	if stopped {
		return nil, nil
	}

	// Readiness.
	o.emit(ctx, events.New(events.EventTypeAwaitingReadiness, session.ID, cycle.Number, events.SeverityInfo,
		fmt.Sprintf("waiting for %s to become ready", url), nil))
	if err := o.waitReady(ctx, url, cfg.ReadyTimeout, cfg.PollInterval); err != nil {
		return nil, fmt.Errorf("readiness: %w", err)
	}
	o.emit(ctx, events.New(events.EventTypeTargetReady, session.ID, cycle.Number, events.SeverityInfo,
		fmt.Sprintf("%s is ready", url), nil))

	// Rescan phase.
	cycle.Status = types.CycleRescanning
	o.updateCycle(ctx, cycle)
	o.emit(ctx, events.New(events.EventTypeRescanStarted, session.ID, cycle.Number, events.SeverityInfo,
		fmt.Sprintf("re-evaluating %s", url), nil))

	rescan, err := o.evaluator.Evaluate(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("rescan: %w", err)
	}

	next := report.FilterBySeverity(rescan, cfg.SeverityFilter)
	cycle.Delta = report.ComputeDelta(next, current)
	cycle.Verdict = rescan.Verdict
	cycle.Score = rescan.Score

	o.emit(ctx, events.New(events.EventTypeRescanCompleted, session.ID, cycle.Number, events.SeverityInfo,
		fmt.Sprintf("rescan verdict %s (score %.1f, %d finding(s) in scope)", rescan.Verdict, rescan.Score, next.TotalFindings()), nil))
	o.emit(ctx, events.NewDeltaComputed(session.ID, cycle.Number, cycle.Delta))

	o.finalizeCycle(ctx, cycle, types.CycleCompleted)
	return next, nil
}

// deployPhase obtains the URL to rescan according to the deploy mode.
// stopped reports that the operator halted a manual-mode pause.
func (o *Orchestrator) deployPhase(ctx context.Context, session *types.FixSession, cycle *types.FixCycle, handle *sessionHandle) (url string, stopped bool, err error) {
	cfg := session.Config

	switch cfg.DeployMode {
	case types.DeployPreview:
		o.emit(ctx, events.New(events.EventTypeDeployStarted, session.ID, cycle.Number, events.SeverityInfo,
			"running deploy command", nil))
		result, err := o.deployer.Deploy(ctx, deploy.Request{
			CommandTemplate: cfg.DeployCommand,
			Branch:          session.SafetyBranch,
			WorkingDir:      cfg.RepoPath,
			Timeout:         cfg.DeployTimeout,
		})
		if err != nil {
			return "", false, fmt.Errorf("deploy phase: %w", err)
		}
		if result.URL == "" {
			return "", false, fmt.Errorf("deploy phase: %w: no deployment URL discovered in command output", types.ErrDeployment)
		}
		cycle.Deploy = &types.DeployResult{URL: result.URL, Status: "deployed", DurationMS: result.DurationMS}
		o.emit(ctx, events.NewDeployCompleted(session.ID, cycle.Number, result.URL, result.DurationMS))
		return result.URL, false, nil

	case types.DeployLocal:
		cycle.Deploy = &types.DeployResult{URL: cfg.LocalURL, Status: "reused"}
		o.emit(ctx, events.New(events.EventTypeURLDiscovered, session.ID, cycle.Number, events.SeverityInfo,
			fmt.Sprintf("reusing local target %s", cfg.LocalURL), nil))
		return cfg.LocalURL, false, nil

	case types.DeployManual:
		session.Status = types.SessionPaused
		o.updateSession(ctx, session)
		o.emit(ctx, events.New(events.EventTypeSessionPaused, session.ID, cycle.Number, events.SeverityInfo,
			"deploy the current branch, then advance with the deployment URL", nil))

		// Stop and advance can arrive on the in-process channels or, from
		// another process, through the sessions table.
		ticker := time.NewTicker(controlPollInterval)
		defer ticker.Stop()
		for {
			select {
			case url := <-handle.advanceCh:
				return o.resumeWith(ctx, session, cycle, url), false, nil
			case <-handle.stopCh:
				return "", true, nil
			case <-ctx.Done():
				return "", false, ctx.Err()
			case <-ticker.C:
				fresh, err := o.store.GetSession(ctx, session.ID)
				if err != nil {
					continue
				}
				if fresh.StopRequested {
					return "", true, nil
				}
				if fresh.AdvanceURL != "" {
					if err := o.store.SetAdvanceURL(ctx, session.ID, ""); err != nil {
						o.emit(ctx, events.NewError(session.ID, cycle.Number, "persistence", err))
					}
					return o.resumeWith(ctx, session, cycle, fresh.AdvanceURL), false, nil
				}
			}
		}

	default:
		return "", false, fmt.Errorf("unknown deploy mode %q", cfg.DeployMode)
	}
}

// controlPollInterval paces the database check for stop and advance
// signals written by another process. Tests shorten it.
var controlPollInterval = time.Second

// resumeWith transitions a paused session back to running with the
// manually supplied deployment URL.
func (o *Orchestrator) resumeWith(ctx context.Context, session *types.FixSession, cycle *types.FixCycle, url string) string {
	session.Status = types.SessionRunning
	o.updateSession(ctx, session)
	cycle.Deploy = &types.DeployResult{URL: url, Status: "manual"}
	o.emit(ctx, events.New(events.EventTypeSessionResumed, session.ID, cycle.Number, events.SeverityInfo,
		fmt.Sprintf("resumed with %s", url), nil))
	return url
}

// dbStopRequested reads the cross-process stop flag. A read failure is
// treated as no stop; the session keeps going.
func (o *Orchestrator) dbStopRequested(ctx context.Context, sessionID string) bool {
	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return false
	}
	return session.StopRequested
}

func agentRequest(cfg types.SessionConfig, cycleNumber int, instructions string) agent.RunRequest {
	return agent.RunRequest{
		RepoPath:       cfg.RepoPath,
		Instructions:   instructions,
		CycleNumber:    cycleNumber,
		BudgetUSD:      cfg.BudgetUSD,
		Timeout:        cfg.AgentTimeout,
		PermissionMode: cfg.PermissionMode,
		AllowedTools:   cfg.AllowedTools,
	}
}

func (o *Orchestrator) commitMessage(ctx context.Context, sessionID string, cycleNumber int, modifiedFiles []string) string {
	if o.messages != nil {
		return o.messages.CommitMessage(ctx, sessionID, cycleNumber, modifiedFiles)
	}
	return fmt.Sprintf("fixloop: apply automated fixes (cycle %d, session %s)", cycleNumber, sessionID)
}

// failCycle finalizes a failed cycle and the session with it.
func (o *Orchestrator) failCycle(ctx context.Context, session *types.FixSession, cycle *types.FixCycle, err error) {
	cycle.Error = err.Error()
	o.finalizeCycle(ctx, cycle, types.CycleFailed)
	o.emit(ctx, events.NewError(session.ID, cycle.Number, "cycle", err))
	o.emit(ctx, events.NewCycleCompleted(session.ID, cycle.Number, types.CycleFailed, cycle.Verdict))
	o.finish(ctx, session, types.SessionFailed, "", err.Error())
}

// finalizeCycle sets the cycle's terminal status exactly once.
func (o *Orchestrator) finalizeCycle(ctx context.Context, cycle *types.FixCycle, status types.CycleStatus) {
	cycle.Status = status
	cycle.FinishedAt = time.Now()
	o.updateCycle(ctx, cycle)
}

// finish sets the session's terminal state exactly once and records it.
func (o *Orchestrator) finish(ctx context.Context, session *types.FixSession, status types.SessionStatus, reason types.StopReason, errText string) {
	session.Status = status
	session.StopReason = reason
	session.Error = errText
	o.updateSession(ctx, session)
	o.emit(ctx, events.NewSessionCompleted(session.ID, status, reason, session.CurrentCycle))
}

func (o *Orchestrator) updateSession(ctx context.Context, session *types.FixSession) {
	if err := o.store.UpdateSession(ctx, session); err != nil {
		o.emit(ctx, events.NewError(session.ID, session.CurrentCycle, "persistence", err))
	}
}

func (o *Orchestrator) updateCycle(ctx context.Context, cycle *types.FixCycle) {
	if err := o.store.UpdateCycle(ctx, cycle); err != nil {
		o.emit(ctx, events.NewError(cycle.SessionID, cycle.Number, "persistence", err))
	}
}

// verdictReached reports whether the verdict satisfies the configured stop
// condition. A better verdict than the target also stops the loop.
func verdictReached(v types.Verdict, target string) bool {
	if target == types.StopOnVerdictNever {
		return false
	}
	return verdictRank(v) >= verdictRank(types.Verdict(target))
}

func verdictRank(v types.Verdict) int {
	switch v {
	case types.VerdictGo:
		return 2
	case types.VerdictConditional:
		return 1
	default:
		return 0
	}
}
