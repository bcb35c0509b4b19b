// Package types defines the core domain types shared across fixloop:
// sessions, cycles, verdicts, severities, and the error taxonomy.
package types

import (
	"errors"
	"fmt"
	"time"
)

// SessionStatus represents the lifecycle state of a FixSession.
type SessionStatus string

const (
	SessionIdle      SessionStatus = "idle"
	SessionRunning   SessionStatus = "running"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionStopped   SessionStatus = "stopped"
	SessionFailed    SessionStatus = "failed"
)

// Terminal reports whether the status is terminal. A terminal status is set
// exactly once and never reverted.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionStopped, SessionFailed:
		return true
	}
	return false
}

// CycleStatus represents the state of a single fix cycle.
type CycleStatus string

const (
	CyclePending     CycleStatus = "pending"
	CycleFixing      CycleStatus = "fixing"
	CycleDeploying   CycleStatus = "deploying"
	CycleRescanning  CycleStatus = "rescanning"
	CycleCompleted   CycleStatus = "completed"
	CycleFailed      CycleStatus = "failed"
	CycleInterrupted CycleStatus = "interrupted"
)

// Verdict is the tri-state launch recommendation derived from a findings
// report.
type Verdict string

const (
	VerdictGo          Verdict = "GO"
	VerdictConditional Verdict = "CONDITIONAL_GO"
	VerdictNoGo        Verdict = "NO_GO"
)

// Severity classifies a finding's urgency.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// SeverityOrder lists severities from most to least urgent. Report sections
// and filters preserve this ordering.
var SeverityOrder = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}

// Valid reports whether s is a known severity tier.
func (s Severity) Valid() bool {
	for _, known := range SeverityOrder {
		if s == known {
			return true
		}
	}
	return false
}

// ApplyMode controls whether agent edits are isolated on a safety branch or
// applied directly to the current branch.
type ApplyMode string

const (
	ApplyBranch ApplyMode = "branch"
	ApplyDirect ApplyMode = "direct"
)

// DeployMode selects the deployment strategy between cycles.
type DeployMode string

const (
	DeployPreview DeployMode = "preview" // run the deploy command against the safety branch
	DeployLocal   DeployMode = "local"   // reuse an already-running local URL (assumes live reload)
	DeployManual  DeployMode = "manual"  // pause and wait for an operator-supplied URL
)

// PermissionMode controls what the code-fix agent is allowed to do.
type PermissionMode string

const (
	// PermissionBypass lets the agent run any local operation. The safety
	// branch is the only recoverability mechanism.
	PermissionBypass PermissionMode = "bypass"
	// PermissionCautious leaves file edits unrestricted but requires every
	// shell command to match an explicit allow-list.
	PermissionCautious PermissionMode = "cautious"
)

// StopOnVerdictNever disables the verdict stop condition.
const StopOnVerdictNever = "never"

// StopReason records why a session reached a terminal state.
type StopReason string

const (
	StopVerdictReached StopReason = "verdict_reached"
	StopMaxCycles      StopReason = "max_cycles"
	StopNoFindings     StopReason = "no_findings"
	StopOperator       StopReason = "operator_stop"
	StopInterrupted    StopReason = "interrupted"
)

// SessionConfig holds the operator-supplied configuration for one automation
// run.
type SessionConfig struct {
	RepoPath       string          `yaml:"repo_path" json:"repo_path"`
	MaxCycles      int             `yaml:"max_cycles" json:"max_cycles"`
	StopOnVerdict  string          `yaml:"stop_on_verdict" json:"stop_on_verdict"` // verdict string or "never"
	SeverityFilter []Severity      `yaml:"severity_filter" json:"severity_filter"`
	ApplyMode      ApplyMode       `yaml:"apply_mode" json:"apply_mode"`
	DeployMode     DeployMode      `yaml:"deploy_mode" json:"deploy_mode"`
	DeployCommand  string          `yaml:"deploy_command" json:"deploy_command"` // template with {branch} placeholder
	LocalURL       string          `yaml:"local_url" json:"local_url"`           // static URL for DeployLocal
	BudgetUSD      float64         `yaml:"budget_usd" json:"budget_usd"`         // per-invocation agent budget
	AgentTimeout   time.Duration   `yaml:"agent_timeout" json:"agent_timeout"`
	DeployTimeout  time.Duration   `yaml:"deploy_timeout" json:"deploy_timeout"`
	ReadyTimeout   time.Duration   `yaml:"ready_timeout" json:"ready_timeout"`
	PollInterval   time.Duration   `yaml:"poll_interval" json:"poll_interval"`
	PermissionMode PermissionMode  `yaml:"permission_mode" json:"permission_mode"`
	AllowedTools   []string        `yaml:"allowed_tools" json:"allowed_tools"` // cautious-mode shell allow-list
	RequireClean   bool            `yaml:"require_clean" json:"require_clean"` // branch mode: refuse a dirty working tree
}

// DefaultSessionConfig returns a config with sensible defaults. RepoPath must
// still be supplied by the caller.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxCycles:      3,
		StopOnVerdict:  string(VerdictGo),
		SeverityFilter: []Severity{SeverityCritical, SeverityHigh},
		ApplyMode:      ApplyBranch,
		DeployMode:     DeployPreview,
		BudgetUSD:      5.0,
		AgentTimeout:   30 * time.Minute,
		DeployTimeout:  10 * time.Minute,
		ReadyTimeout:   3 * time.Minute,
		PollInterval:   5 * time.Second,
		PermissionMode: PermissionBypass,
		RequireClean:   true,
	}
}

// Validate checks the configuration for internal consistency.
func (c *SessionConfig) Validate() error {
	if c.RepoPath == "" {
		return fmt.Errorf("repo_path is required")
	}
	if c.MaxCycles < 1 {
		return fmt.Errorf("max_cycles must be at least 1 (got %d)", c.MaxCycles)
	}
	if len(c.SeverityFilter) == 0 {
		return fmt.Errorf("severity_filter must include at least one tier")
	}
	for _, sev := range c.SeverityFilter {
		if !sev.Valid() {
			return fmt.Errorf("unknown severity tier %q", sev)
		}
	}
	switch c.ApplyMode {
	case ApplyBranch, ApplyDirect:
	default:
		return fmt.Errorf("unknown apply_mode %q", c.ApplyMode)
	}
	switch c.DeployMode {
	case DeployPreview:
		if c.DeployCommand == "" {
			return fmt.Errorf("deploy_command is required in preview mode")
		}
	case DeployLocal:
		if c.LocalURL == "" {
			return fmt.Errorf("local_url is required in local mode")
		}
	case DeployManual:
	default:
		return fmt.Errorf("unknown deploy_mode %q", c.DeployMode)
	}
	switch c.PermissionMode {
	case PermissionBypass:
	case PermissionCautious:
		if len(c.AllowedTools) == 0 {
			return fmt.Errorf("cautious permission mode requires an allowed_tools list")
		}
	default:
		return fmt.Errorf("unknown permission_mode %q", c.PermissionMode)
	}
	if c.StopOnVerdict != StopOnVerdictNever {
		switch Verdict(c.StopOnVerdict) {
		case VerdictGo, VerdictConditional, VerdictNoGo:
		default:
			return fmt.Errorf("stop_on_verdict must be a verdict or %q (got %q)", StopOnVerdictNever, c.StopOnVerdict)
		}
	}
	return nil
}

// WantsSeverity reports whether the filter includes the given tier.
func (c *SessionConfig) WantsSeverity(sev Severity) bool {
	for _, s := range c.SeverityFilter {
		if s == sev {
			return true
		}
	}
	return false
}

// FixSession is one requested automation run against one target codebase.
// Sessions are retained forever for audit; they are mutated only by the
// orchestrator.
type FixSession struct {
	ID           string        `json:"id"`
	RepoPath     string        `json:"repo_path"` // normalized repository reference
	Config       SessionConfig `json:"config"`
	Status       SessionStatus `json:"status"`
	CurrentCycle int           `json:"current_cycle"`
	SafetyBranch string        `json:"safety_branch,omitempty"`
	StopReason   StopReason    `json:"stop_reason,omitempty"`
	Error        string        `json:"error,omitempty"`
	// PID is the operating system process that owns the session loop.
	// Recovery uses it to tell crashed sessions from live ones.
	PID int `json:"pid,omitempty"`
	// StopRequested and AdvanceURL are operator control signals written by
	// the CLI and polled by the session loop, so stop and advance work from
	// a second process.
	StopRequested bool      `json:"stop_requested,omitempty"`
	AdvanceURL    string    `json:"advance_url,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// InvocationResult captures the outcome of one code-fix agent run.
type InvocationResult struct {
	CostUSD        float64  `json:"cost_usd"`
	DurationMS     int64    `json:"duration_ms"`
	ModifiedFiles  []string `json:"modified_files"`
	AgentSessionID string   `json:"agent_session_id"`
	BudgetExceeded bool     `json:"budget_exceeded"`
}

// DeployResult captures the outcome of one deployment.
type DeployResult struct {
	URL        string `json:"url"`
	Status     string `json:"status"`
	DurationMS int64  `json:"duration_ms"`
}

// DeltaSummary records the partition of findings across a rescan.
type DeltaSummary struct {
	Resolved  []string `json:"resolved"`
	New       []string `json:"new"`
	Unchanged []string `json:"unchanged"`
}

// ResolvedCount returns the number of findings resolved in this delta.
func (d *DeltaSummary) ResolvedCount() int { return len(d.Resolved) }

// FixCycle is one iteration of the scan→fix→deploy→rescan loop. A cycle is
// created at cycle start and finalized exactly once.
type FixCycle struct {
	SessionID  string            `json:"session_id"`
	Number     int               `json:"number"` // 1-based, strictly increasing, unique per session
	Status     CycleStatus       `json:"status"`
	Invocation *InvocationResult `json:"invocation,omitempty"`
	Deploy     *DeployResult     `json:"deploy,omitempty"`
	Verdict    Verdict           `json:"verdict,omitempty"`
	Score      float64           `json:"score,omitempty"`
	CommitID   string            `json:"commit_id,omitempty"`
	Delta      *DeltaSummary     `json:"delta,omitempty"`
	Error      string            `json:"error,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at,omitempty"`
}

// Error taxonomy. Callers classify failures with errors.Is against these
// sentinels; detail travels in the wrapping message.
var (
	// ErrPrecondition is raised before any mutation; the session never starts.
	ErrPrecondition = errors.New("precondition failed")
	// ErrNotARepository indicates the target lacks version-control metadata.
	ErrNotARepository = errors.New("not a version-controlled target")
	// ErrDirtyWorkingTree indicates uncommitted changes where isolation is required.
	ErrDirtyWorkingTree = errors.New("dirty working tree")
	// ErrSessionActive indicates another session is already running against the repo.
	ErrSessionActive = errors.New("session already active for repository")
	// ErrInvocation covers agent timeout, non-zero exit, and unparseable output.
	ErrInvocation = errors.New("code-fix invocation failed")
	// ErrDeployment covers deploy command failures and timeouts.
	ErrDeployment = errors.New("deployment failed")
	// ErrRescan covers re-evaluation failures (retried once before surfacing).
	ErrRescan = errors.New("rescan failed")
)
