package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fixloop/fixloop/internal/types"
)

// New creates a FixEvent with a fresh ID and timestamp.
func New(eventType EventType, sessionID string, cycleNumber int, severity EventSeverity, message string, data map[string]interface{}) *FixEvent {
	return &FixEvent{
		ID:          uuid.New().String(),
		Type:        eventType,
		Timestamp:   time.Now(),
		SessionID:   sessionID,
		CycleNumber: cycleNumber,
		Severity:    severity,
		Message:     message,
		Data:        data,
	}
}

// NewSessionStarted records the beginning of a fix session.
func NewSessionStarted(sessionID, repoPath string, maxCycles int) *FixEvent {
	return New(EventTypeSessionStarted, sessionID, 0, SeverityInfo,
		fmt.Sprintf("fix session started for %s (max %d cycles)", repoPath, maxCycles),
		map[string]interface{}{"repo_path": repoPath, "max_cycles": maxCycles})
}

// NewSessionCompleted records a session reaching a terminal state.
func NewSessionCompleted(sessionID string, status types.SessionStatus, stopReason types.StopReason, cycles int) *FixEvent {
	return New(EventTypeSessionCompleted, sessionID, 0, SeverityInfo,
		fmt.Sprintf("session %s after %d cycle(s): %s", status, cycles, stopReason),
		map[string]interface{}{"status": string(status), "stop_reason": string(stopReason), "cycles": cycles})
}

// NewBranchCreated records creation of the safety branch.
func NewBranchCreated(sessionID, branch string) *FixEvent {
	return New(EventTypeBranchCreated, sessionID, 0, SeverityInfo,
		fmt.Sprintf("created safety branch %s", branch),
		map[string]interface{}{"branch": branch})
}

// NewCycleStarted records the start of a fix cycle.
func NewCycleStarted(sessionID string, cycleNumber, findings int) *FixEvent {
	return New(EventTypeCycleStarted, sessionID, cycleNumber, SeverityInfo,
		fmt.Sprintf("cycle %d started with %d finding(s) in scope", cycleNumber, findings),
		map[string]interface{}{"findings": findings})
}

// NewCycleCompleted records the end of a fix cycle.
func NewCycleCompleted(sessionID string, cycleNumber int, status types.CycleStatus, verdict types.Verdict) *FixEvent {
	severity := SeverityInfo
	if status == types.CycleFailed {
		severity = SeverityError
	}
	return New(EventTypeCycleCompleted, sessionID, cycleNumber, severity,
		fmt.Sprintf("cycle %d %s (verdict: %s)", cycleNumber, status, verdict),
		map[string]interface{}{"status": string(status), "verdict": string(verdict)})
}

// NewFixCompleted records the agent invocation outcome.
func NewFixCompleted(sessionID string, cycleNumber int, result *types.InvocationResult) *FixEvent {
	return New(EventTypeFixCompleted, sessionID, cycleNumber, SeverityInfo,
		fmt.Sprintf("fix agent finished in %dms at $%.2f", result.DurationMS, result.CostUSD),
		map[string]interface{}{
			"cost_usd":         result.CostUSD,
			"duration_ms":      result.DurationMS,
			"agent_session_id": result.AgentSessionID,
			"modified_files":   len(result.ModifiedFiles),
		})
}

// NewBudgetExceeded records a cost overrun.
func NewBudgetExceeded(sessionID string, cycleNumber int, costUSD, budgetUSD float64) *FixEvent {
	return New(EventTypeBudgetExceeded, sessionID, cycleNumber, SeverityWarning,
		fmt.Sprintf("invocation cost $%.2f exceeded budget $%.2f", costUSD, budgetUSD),
		map[string]interface{}{"cost_usd": costUSD, "budget_usd": budgetUSD})
}

// NewDeployCompleted records a finished deployment.
func NewDeployCompleted(sessionID string, cycleNumber int, url string, durationMS int64) *FixEvent {
	return New(EventTypeDeployCompleted, sessionID, cycleNumber, SeverityInfo,
		fmt.Sprintf("deployed in %dms (url: %s)", durationMS, url),
		map[string]interface{}{"url": url, "duration_ms": durationMS})
}

// NewDeltaComputed records a cross-run delta summary.
func NewDeltaComputed(sessionID string, cycleNumber int, delta *types.DeltaSummary) *FixEvent {
	return New(EventTypeDeltaComputed, sessionID, cycleNumber, SeverityInfo,
		fmt.Sprintf("delta: %d resolved, %d new, %d unchanged",
			len(delta.Resolved), len(delta.New), len(delta.Unchanged)),
		map[string]interface{}{
			"resolved":  len(delta.Resolved),
			"new":       len(delta.New),
			"unchanged": len(delta.Unchanged),
		})
}

// NewError records an error with the phase it occurred in.
func NewError(sessionID string, cycleNumber int, phase string, err error) *FixEvent {
	return New(EventTypeError, sessionID, cycleNumber, SeverityError,
		fmt.Sprintf("%s failed: %v", phase, err),
		map[string]interface{}{"phase": phase, "error": err.Error()})
}
