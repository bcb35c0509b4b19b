// Package evaluation obtains a findings report for a deployed application.
// The scan pipeline itself is external; this package shells out to it and
// decodes the report artifact it prints.
package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/fixloop/fixloop/internal/report"
	"github.com/fixloop/fixloop/internal/types"
)

// Evaluator produces a findings report for the application at url.
type Evaluator interface {
	Evaluate(ctx context.Context, url string) (*report.Report, error)
}

// CommandEvaluator shells out to a scan pipeline command. The command
// receives the target via a {url} placeholder and must print the report as
// JSON on stdout.
type CommandEvaluator struct {
	CommandTemplate string
	WorkingDir      string
	Timeout         time.Duration
}

// NewCommandEvaluator creates a CommandEvaluator.
func NewCommandEvaluator(commandTemplate, workingDir string, timeout time.Duration) *CommandEvaluator {
	return &CommandEvaluator{
		CommandTemplate: commandTemplate,
		WorkingDir:      workingDir,
		Timeout:         timeout,
	}
}

// Evaluate runs the scan pipeline and decodes its report.
func (e *CommandEvaluator) Evaluate(ctx context.Context, url string) (*report.Report, error) {
	if e.CommandTemplate == "" {
		return nil, fmt.Errorf("scan command is required")
	}

	runCtx := ctx
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	command := strings.ReplaceAll(e.CommandTemplate, "{url}", url)
	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = e.WorkingDir

	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && len(exitErr.Stderr) > 0 {
			return nil, fmt.Errorf("%w: %v (%s)", types.ErrRescan, err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("%w: %v", types.ErrRescan, err)
	}

	return decodeReport(output)
}

// decodeReport parses the report JSON, tolerating log noise before the
// opening brace.
func decodeReport(output []byte) (*report.Report, error) {
	text := string(output)
	if idx := strings.IndexByte(text, '{'); idx > 0 {
		text = text[idx:]
	}

	var r report.Report
	if err := json.Unmarshal([]byte(text), &r); err != nil {
		return nil, fmt.Errorf("%w: failed to decode report: %v", types.ErrRescan, err)
	}
	if r.Verdict == "" {
		return nil, fmt.Errorf("%w: report missing verdict", types.ErrRescan)
	}
	return &r, nil
}

// Rescanner retries a failed evaluation once before surfacing the error.
// A scan against a freshly deployed target fails transiently often enough
// that one retry is always worth it.
type Rescanner struct {
	Evaluator  Evaluator
	RetryDelay time.Duration
}

// NewRescanner wraps an Evaluator with retry-once semantics.
func NewRescanner(e Evaluator) *Rescanner {
	return &Rescanner{Evaluator: e, RetryDelay: 5 * time.Second}
}

// Evaluate calls the underlying evaluator, retrying once after RetryDelay.
func (r *Rescanner) Evaluate(ctx context.Context, url string) (*report.Report, error) {
	result, firstErr := r.Evaluator.Evaluate(ctx, url)
	if firstErr == nil {
		return result, nil
	}
	if ctx.Err() != nil {
		return nil, firstErr
	}

	select {
	case <-ctx.Done():
		return nil, firstErr
	case <-time.After(r.RetryDelay):
	}

	result, retryErr := r.Evaluator.Evaluate(ctx, url)
	if retryErr != nil {
		return nil, fmt.Errorf("rescan failed twice: %w (first attempt: %v)", retryErr, firstErr)
	}
	return result, nil
}
