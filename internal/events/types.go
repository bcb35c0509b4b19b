// Package events defines the structured event stream a fix session emits.
// Every phase transition produces an event; events are persisted for the
// audit trail and fanned out to live subscribers.
package events

import (
	"time"
)

// EventType represents the type of event that occurred during a fix session.
type EventType string

const (
	// Session lifecycle events
	// EventTypeSessionStarted indicates a fix session began
	EventTypeSessionStarted EventType = "session_started"
	// EventTypeSessionCompleted indicates a fix session reached a terminal state
	EventTypeSessionCompleted EventType = "session_completed"
	// EventTypeSessionPaused indicates a session is waiting for operator input
	EventTypeSessionPaused EventType = "session_paused"
	// EventTypeSessionResumed indicates a paused session resumed
	EventTypeSessionResumed EventType = "session_resumed"
	// EventTypeStopRequested indicates an operator requested a cooperative stop
	EventTypeStopRequested EventType = "stop_requested"

	// Preparation events
	// EventTypeBranchCreated indicates the safety branch was created
	EventTypeBranchCreated EventType = "branch_created"

	// Cycle lifecycle events
	// EventTypeCycleStarted indicates a fix cycle began
	EventTypeCycleStarted EventType = "cycle_started"
	// EventTypeCycleCompleted indicates a fix cycle finished
	EventTypeCycleCompleted EventType = "cycle_completed"

	// Fix phase events
	// EventTypeFixStarted indicates the code-fix agent was invoked
	EventTypeFixStarted EventType = "fix_started"
	// EventTypeFixCompleted indicates the code-fix agent finished
	EventTypeFixCompleted EventType = "fix_completed"
	// EventTypeChangesCommitted indicates the cycle's edits were committed
	EventTypeChangesCommitted EventType = "changes_committed"
	// EventTypeBudgetExceeded indicates the invocation overran its cost budget
	EventTypeBudgetExceeded EventType = "budget_exceeded"

	// Deploy phase events
	// EventTypeDeployStarted indicates the deployment command was invoked
	EventTypeDeployStarted EventType = "deploy_started"
	// EventTypeDeployCompleted indicates the deployment command finished
	EventTypeDeployCompleted EventType = "deploy_completed"
	// EventTypeURLDiscovered indicates a deployment URL was found in output
	EventTypeURLDiscovered EventType = "url_discovered"
	// EventTypeAwaitingReadiness indicates readiness polling began
	EventTypeAwaitingReadiness EventType = "awaiting_readiness"
	// EventTypeTargetReady indicates the deployed target answered successfully
	EventTypeTargetReady EventType = "target_ready"

	// Rescan phase events
	// EventTypeRescanStarted indicates re-evaluation of the deployed target began
	EventTypeRescanStarted EventType = "rescan_started"
	// EventTypeRescanCompleted indicates re-evaluation produced a report
	EventTypeRescanCompleted EventType = "rescan_completed"
	// EventTypeDeltaComputed indicates the cross-run delta was computed
	EventTypeDeltaComputed EventType = "delta_computed"

	// EventTypeError indicates an error occurred
	EventTypeError EventType = "error"
)

// EventSeverity represents the severity level of an event.
type EventSeverity string

const (
	// SeverityInfo indicates informational events
	SeverityInfo EventSeverity = "info"
	// SeverityWarning indicates potentially problematic events
	SeverityWarning EventSeverity = "warning"
	// SeverityError indicates error events
	SeverityError EventSeverity = "error"
)

// FixEvent represents one event in a fix session's timeline.
type FixEvent struct {
	// ID is the unique identifier for this event
	ID string `json:"id"`
	// Type is the type of event
	Type EventType `json:"type"`
	// Timestamp is when the event occurred
	Timestamp time.Time `json:"timestamp"`
	// SessionID is the fix session this event belongs to
	SessionID string `json:"session_id"`
	// CycleNumber is the cycle in progress, zero for session-level events
	CycleNumber int `json:"cycle_number"`
	// Severity is the severity level of this event
	Severity EventSeverity `json:"severity"`
	// Message is a human-readable description of the event
	Message string `json:"message"`
	// Data contains structured, type-specific data (must be JSON-serializable)
	Data map[string]interface{} `json:"data,omitempty"`
}
