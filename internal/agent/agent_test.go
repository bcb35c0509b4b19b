package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fixloop/fixloop/internal/types"
)

// fakeCLI writes an executable script to a temp dir and returns its path.
func fakeCLI(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claude")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseResultLine(t *testing.T) {
	stdout := "some progress output\n" +
		`{"type":"assistant","content":"working"}` + "\n" +
		`{"type":"result","subtype":"success","is_error":false,"session_id":"sess-42","total_cost_usd":0.32,"duration_ms":4500,"num_turns":7}` + "\n"

	result, err := parseResultLine(stdout)
	if err != nil {
		t.Fatalf("parseResultLine failed: %v", err)
	}
	if result.SessionID != "sess-42" {
		t.Errorf("expected session id sess-42, got %q", result.SessionID)
	}
	if result.TotalCost != 0.32 {
		t.Errorf("expected cost 0.32, got %v", result.TotalCost)
	}
	if result.DurationMS != 4500 {
		t.Errorf("expected duration 4500, got %d", result.DurationMS)
	}
}

func TestParseResultLineNoResult(t *testing.T) {
	if _, err := parseResultLine("plain text\nno json here\n"); err == nil {
		t.Error("expected error when no result object present")
	}
	if _, err := parseResultLine(`{"type":"assistant"}`); err == nil {
		t.Error("expected error when only non-result JSON present")
	}
}

func TestCautiousToolList(t *testing.T) {
	list := cautiousToolList([]string{"npm", "git"})
	for _, want := range []string{"Edit", "Bash(npm:*)", "Bash(git:*)"} {
		if !strings.Contains(list, want) {
			t.Errorf("expected %q in tool list %q", want, list)
		}
	}
}

func TestRunParsesResult(t *testing.T) {
	repo := t.TempDir()
	script := `cat > /dev/null
echo 'working on fixes'
echo '{"type":"result","subtype":"success","is_error":false,"session_id":"abc","total_cost_usd":1.25,"duration_ms":900}'`
	c := &ClaudeCode{BinaryPath: fakeCLI(t, script)}

	result, err := c.Run(context.Background(), RunRequest{
		RepoPath:     repo,
		Instructions: "# Fix instructions\n",
		CycleNumber:  1,
		BudgetUSD:    5.0,
		Timeout:      time.Minute,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.CostUSD != 1.25 {
		t.Errorf("expected cost 1.25, got %v", result.CostUSD)
	}
	if result.AgentSessionID != "abc" {
		t.Errorf("expected session abc, got %q", result.AgentSessionID)
	}
	if result.BudgetExceeded {
		t.Error("cost under budget should not flag BudgetExceeded")
	}
}

func TestRunBudgetExceeded(t *testing.T) {
	repo := t.TempDir()
	script := `echo '{"type":"result","subtype":"success","is_error":false,"session_id":"abc","total_cost_usd":7.50,"duration_ms":900}'`
	c := &ClaudeCode{BinaryPath: fakeCLI(t, script)}

	result, err := c.Run(context.Background(), RunRequest{
		RepoPath:     repo,
		Instructions: "# Fix instructions\n",
		BudgetUSD:    5.0,
		Timeout:      time.Minute,
	})
	if err != nil {
		t.Fatalf("budget overrun should not be an error: %v", err)
	}
	if !result.BudgetExceeded {
		t.Error("expected BudgetExceeded for cost above budget")
	}
}

func TestRunWritesAndRemovesInstructions(t *testing.T) {
	repo := t.TempDir()
	marker := filepath.Join(repo, "saw-instructions")
	script := `if [ -f .fixloop-instructions.md ]; then touch "` + marker + `"; fi
echo '{"type":"result","is_error":false,"session_id":"x","total_cost_usd":0.1,"duration_ms":10}'`
	c := &ClaudeCode{BinaryPath: fakeCLI(t, script)}

	if _, err := c.Run(context.Background(), RunRequest{
		RepoPath:     repo,
		Instructions: "# Fix instructions\n",
		Timeout:      time.Minute,
	}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if _, err := os.Stat(marker); err != nil {
		t.Error("agent did not see the instructions file")
	}
	if _, err := os.Stat(filepath.Join(repo, instructionsFilename)); !os.IsNotExist(err) {
		t.Error("instructions file should be removed after the run")
	}
}

func TestRunTimeout(t *testing.T) {
	repo := t.TempDir()
	c := &ClaudeCode{BinaryPath: fakeCLI(t, "sleep 30")}

	start := time.Now()
	_, err := c.Run(context.Background(), RunRequest{
		RepoPath:     repo,
		Instructions: "# Fix instructions\n",
		Timeout:      200 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, types.ErrInvocation) {
		t.Errorf("expected ErrInvocation, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took too long: %v", elapsed)
	}
}

func TestRunAgentError(t *testing.T) {
	repo := t.TempDir()
	script := `echo '{"type":"result","is_error":true,"result":"credit balance too low","session_id":"x","total_cost_usd":0,"duration_ms":5}'`
	c := &ClaudeCode{BinaryPath: fakeCLI(t, script)}

	result, err := c.Run(context.Background(), RunRequest{
		RepoPath:     repo,
		Instructions: "# Fix instructions\n",
		Timeout:      time.Minute,
	})
	if err == nil {
		t.Fatal("expected error for is_error result")
	}
	if !errors.Is(err, types.ErrInvocation) {
		t.Errorf("expected ErrInvocation, got %v", err)
	}
	if result == nil {
		t.Error("partial result should accompany agent-reported errors")
	}
}

func TestRunUnusableOutput(t *testing.T) {
	repo := t.TempDir()
	c := &ClaudeCode{BinaryPath: fakeCLI(t, `echo 'not json'; exit 1`)}

	_, err := c.Run(context.Background(), RunRequest{
		RepoPath:     repo,
		Instructions: "# Fix instructions\n",
		Timeout:      time.Minute,
	})
	if !errors.Is(err, types.ErrInvocation) {
		t.Errorf("expected ErrInvocation, got %v", err)
	}
}

func TestCheckAvailable(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	c := &ClaudeCode{BinaryPath: fakeCLI(t, `echo '1.0.0 (fake)'`)}
	ready, detail := c.CheckAvailable(context.Background())
	if !ready {
		t.Errorf("expected ready, got detail %q", detail)
	}
	if !strings.Contains(detail, "1.0.0") {
		t.Errorf("expected version in detail, got %q", detail)
	}

	c = &ClaudeCode{BinaryPath: "definitely-not-a-real-binary"}
	ready, detail = c.CheckAvailable(context.Background())
	if ready {
		t.Error("expected not ready for missing binary")
	}
	if detail == "" {
		t.Error("expected detail for missing binary")
	}
}

func TestCheckAvailableUnauthenticated(t *testing.T) {
	// No API key and no stored CLI login: the binary alone is not enough.
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("HOME", t.TempDir())

	c := &ClaudeCode{BinaryPath: fakeCLI(t, `echo '1.0.0 (fake)'`)}
	ready, detail := c.CheckAvailable(context.Background())
	if ready {
		t.Error("expected not ready without credentials")
	}
	if !strings.Contains(detail, "not authenticated") {
		t.Errorf("expected authentication detail, got %q", detail)
	}
}
