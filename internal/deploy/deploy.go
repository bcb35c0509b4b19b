// Package deploy runs the operator-supplied deployment command and discovers
// where the deployed application is reachable.
package deploy

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/fixloop/fixloop/internal/types"
)

// Request describes one deployment invocation.
type Request struct {
	CommandTemplate string
	Branch          string
	WorkingDir      string
	Timeout         time.Duration
}

// Result carries the deploy command's outcome. URL is empty when no
// deployment URL could be discovered in the output.
type Result struct {
	URL        string
	Output     string
	DurationMS int64
}

// Deployer runs deployment commands. Pluggable so orchestrator tests can
// substitute a fake.
type Deployer interface {
	Deploy(ctx context.Context, req Request) (*Result, error)
}

// CommandDeployer executes the deploy command through the shell.
type CommandDeployer struct{}

// NewCommandDeployer creates the shell-backed deployer.
func NewCommandDeployer() *CommandDeployer {
	return &CommandDeployer{}
}

// Deploy substitutes {branch} into the command template and runs it via
// sh -c in the working directory. Command failure wraps ErrDeployment with
// the tail of the combined output so the operator sees the real error
// (for example "command not found: vercel").
func (d *CommandDeployer) Deploy(ctx context.Context, req Request) (*Result, error) {
	if req.CommandTemplate == "" {
		return nil, fmt.Errorf("deploy command is required")
	}
	timeout := req.Timeout
	if timeout == 0 {
		timeout = 10 * time.Minute
	}

	command := strings.ReplaceAll(req.CommandTemplate, "{branch}", req.Branch)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = req.WorkingDir

	start := time.Now()
	output, err := cmd.CombinedOutput()
	elapsed := time.Since(start)

	result := &Result{
		Output:     string(output),
		DurationMS: elapsed.Milliseconds(),
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return result, fmt.Errorf("%w: timed out after %v", types.ErrDeployment, timeout)
	}
	if err != nil {
		return result, fmt.Errorf("%w: %v (%s)", types.ErrDeployment, err, tail(result.Output, 500))
	}

	result.URL = ExtractURL(result.Output)
	return result, nil
}

// Known hosting platforms whose URLs identify a deployment even without a
// labeled prefix line.
var hostPattern = regexp.MustCompile(
	`https://[a-zA-Z0-9._-]+\.(vercel\.app|netlify\.app|fly\.dev|pages\.dev|railway\.app|onrender\.com|herokuapp\.com)[a-zA-Z0-9./_-]*`)

var genericURLPattern = regexp.MustCompile(`https://[a-zA-Z0-9._-]+[a-zA-Z0-9./_-]*`)

var urlPrefixes = []string{"URL:", "Preview:", "Deployed to"}

// ExtractURL finds the deployment URL in command output. Labeled lines win
// over bare platform URLs, which win over any https URL. Returns "" when
// nothing matches.
func ExtractURL(output string) string {
	lines := strings.Split(output, "\n")

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		for _, prefix := range urlPrefixes {
			if !strings.HasPrefix(trimmed, prefix) {
				continue
			}
			rest := strings.TrimSpace(strings.TrimPrefix(trimmed, prefix))
			if url := genericURLPattern.FindString(rest); url != "" {
				return strings.TrimRight(url, ".,)")
			}
		}
	}

	if url := hostPattern.FindString(output); url != "" {
		return strings.TrimRight(url, ".,)")
	}
	if url := genericURLPattern.FindString(output); url != "" {
		return strings.TrimRight(url, ".,)")
	}
	return ""
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
