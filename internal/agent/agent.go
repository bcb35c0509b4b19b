// Package agent invokes the headless code-fix agent as a subprocess.
// The orchestrator hands it an instructions document per cycle and gets back
// cost, duration, and the agent's session id. The CLI backend is pluggable
// behind the Invoker interface so tests can substitute a fake.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/fixloop/fixloop/internal/types"
)

// instructionsFilename is written into the target repo for each invocation and
// removed afterward. Piping large instruction documents through argv or stdin
// is unreliable across agent versions, so the prompt just references the file.
const instructionsFilename = ".fixloop-instructions.md"

// RunRequest describes one code-fix invocation.
type RunRequest struct {
	RepoPath       string
	Instructions   string
	CycleNumber    int
	BudgetUSD      float64
	Timeout        time.Duration
	PermissionMode types.PermissionMode
	AllowedTools   []string
}

// Invoker runs the code-fix agent against a repository.
type Invoker interface {
	// CheckAvailable reports whether the agent can be invoked right now.
	// detail carries a human-readable reason when ready is false.
	CheckAvailable(ctx context.Context) (ready bool, detail string)

	// Run performs one fix invocation. Budget overrun is reported on the
	// result, not as an error, as long as the agent produced usable output.
	Run(ctx context.Context, req RunRequest) (*types.InvocationResult, error)
}

// ClaudeCode invokes the claude CLI in headless print mode.
type ClaudeCode struct {
	// BinaryPath overrides the binary name for tests. Defaults to "claude".
	BinaryPath string
}

// NewClaudeCode creates the default claude CLI invoker.
func NewClaudeCode() *ClaudeCode {
	return &ClaudeCode{BinaryPath: "claude"}
}

// CheckAvailable verifies the claude binary is on PATH, responds to
// --version, and has a credential source. Without ANTHROPIC_API_KEY or a
// stored CLI login every invocation would fail, so that is a precondition
// failure rather than a warning.
func (c *ClaudeCode) CheckAvailable(ctx context.Context) (bool, string) {
	path, err := exec.LookPath(c.BinaryPath)
	if err != nil {
		return false, fmt.Sprintf("%s not found in PATH", c.BinaryPath)
	}

	cmd := exec.CommandContext(ctx, path, "--version")
	output, err := cmd.Output()
	if err != nil {
		return false, fmt.Sprintf("%s --version failed: %v", c.BinaryPath, err)
	}

	version := strings.TrimSpace(string(output))
	if os.Getenv("ANTHROPIC_API_KEY") == "" && !hasCredentialsFile() {
		return false, fmt.Sprintf("%s found but not authenticated: set ANTHROPIC_API_KEY or run %s login", version, c.BinaryPath)
	}
	return true, version
}

func hasCredentialsFile() bool {
	home, err := os.UserHomeDir()
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(home, ".claude", ".credentials.json"))
	return err == nil
}

// cliResult is the structured result line the claude CLI emits with
// --output-format json.
type cliResult struct {
	Type       string  `json:"type"`
	Subtype    string  `json:"subtype"`
	IsError    bool    `json:"is_error"`
	Result     string  `json:"result"`
	SessionID  string  `json:"session_id"`
	TotalCost  float64 `json:"total_cost_usd"`
	DurationMS int64   `json:"duration_ms"`
	NumTurns   int     `json:"num_turns"`
}

// Run writes the instructions file, invokes the CLI, and parses its JSON
// result. The instructions file is removed on every exit path.
func (c *ClaudeCode) Run(ctx context.Context, req RunRequest) (*types.InvocationResult, error) {
	if req.RepoPath == "" {
		return nil, fmt.Errorf("repo path is required")
	}
	if req.Instructions == "" {
		return nil, fmt.Errorf("instructions are required")
	}
	timeout := req.Timeout
	if timeout == 0 {
		timeout = 30 * time.Minute
	}

	instructionsPath := filepath.Join(req.RepoPath, instructionsFilename)
	if err := os.WriteFile(instructionsPath, []byte(req.Instructions), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write instructions file: %w", err)
	}
	defer os.Remove(instructionsPath)

	prompt := fmt.Sprintf(
		"Read %s and apply every fix it describes. Work through the findings in order, highest severity first. Do not commit; leave all changes in the working tree.",
		instructionsFilename)

	args := []string{"--print", "--output-format", "json"}
	switch req.PermissionMode {
	case types.PermissionCautious:
		args = append(args, "--allowedTools", cautiousToolList(req.AllowedTools))
	default:
		args = append(args, "--dangerously-skip-permissions")
	}
	args = append(args, prompt)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command(c.BinaryPath, args...)
	cmd.Dir = req.RepoPath
	configureProcessGroup(cmd)

	start := time.Now()
	stdout, stderr, runErr := runWithGroupKill(runCtx, cmd)
	elapsed := time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("%w: agent timed out after %v", types.ErrInvocation, timeout)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	result, parseErr := parseResultLine(stdout)
	if runErr != nil && result == nil {
		detail := strings.TrimSpace(stderr)
		if detail == "" {
			detail = lastLine(stdout)
		}
		return nil, fmt.Errorf("%w: %v (%s)", types.ErrInvocation, runErr, detail)
	}
	if parseErr != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvocation, parseErr)
	}

	inv := &types.InvocationResult{
		CostUSD:        result.TotalCost,
		DurationMS:     result.DurationMS,
		AgentSessionID: result.SessionID,
	}
	if inv.DurationMS == 0 {
		inv.DurationMS = elapsed.Milliseconds()
	}
	if req.BudgetUSD > 0 && inv.CostUSD > req.BudgetUSD {
		inv.BudgetExceeded = true
	}
	if result.IsError {
		return inv, fmt.Errorf("%w: agent reported error: %s", types.ErrInvocation, truncate(result.Result, 500))
	}

	return inv, nil
}

// parseResultLine finds the final result object in the CLI's stdout. Scanning
// from the end tolerates any non-JSON noise the agent printed before it.
func parseResultLine(stdout string) (*cliResult, error) {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var result cliResult
		if err := json.Unmarshal([]byte(line), &result); err != nil {
			continue
		}
		if result.Type == "result" {
			return &result, nil
		}
	}
	return nil, fmt.Errorf("no result object in agent output")
}

// cautiousToolList renders the --allowedTools value: edits unrestricted,
// shell commands limited to the allow-list.
func cautiousToolList(allowed []string) string {
	tools := []string{"Edit", "Write", "Read", "Glob", "Grep"}
	for _, cmd := range allowed {
		tools = append(tools, fmt.Sprintf("Bash(%s:*)", cmd))
	}
	return strings.Join(tools, ",")
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.LastIndexByte(s, '\n'); idx >= 0 {
		return s[idx+1:]
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "... (truncated)"
}
