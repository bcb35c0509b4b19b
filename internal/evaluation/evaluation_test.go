package evaluation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixloop/fixloop/internal/report"
	"github.com/fixloop/fixloop/internal/types"
)

const sampleReport = `{
  "target": "https://myapp.vercel.app",
  "verdict": "CONDITIONAL_GO",
  "score": 6.5,
  "sections": [
    {"severity": "critical", "findings": []},
    {"severity": "high", "findings": [
      {"id": "AUTH-SESSION-FIXATION", "title": "Session fixation", "severity": "high"}
    ]}
  ]
}`

func TestCommandEvaluatorDecodesReport(t *testing.T) {
	e := NewCommandEvaluator("echo '"+sampleReport+"' # scanning {url}", t.TempDir(), time.Minute)

	r, err := e.Evaluate(context.Background(), "https://myapp.vercel.app")
	require.NoError(t, err)
	assert.Equal(t, types.VerdictConditional, r.Verdict)
	assert.Equal(t, 6.5, r.Score)
	assert.Len(t, r.Sections, 2)
}

func TestCommandEvaluatorSubstitutesURL(t *testing.T) {
	e := NewCommandEvaluator(
		`echo "{\"target\": \"{url}\", \"verdict\": \"GO\", \"score\": 9, \"sections\": []}"`,
		t.TempDir(), time.Minute)

	r, err := e.Evaluate(context.Background(), "https://staging.example.com")
	require.NoError(t, err)
	assert.Equal(t, "https://staging.example.com", r.Target)
}

func TestCommandEvaluatorToleratesLogNoise(t *testing.T) {
	e := NewCommandEvaluator(
		"echo 'scanning target...'; echo '"+sampleReport+"'",
		t.TempDir(), time.Minute)

	r, err := e.Evaluate(context.Background(), "https://x.example.com")
	require.NoError(t, err)
	assert.Equal(t, types.VerdictConditional, r.Verdict)
}

func TestCommandEvaluatorCommandFailure(t *testing.T) {
	e := NewCommandEvaluator("echo 'scanner exploded' >&2; exit 3", t.TempDir(), time.Minute)

	_, err := e.Evaluate(context.Background(), "https://x.example.com")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrRescan)
	assert.Contains(t, err.Error(), "scanner exploded")
}

func TestCommandEvaluatorBadJSON(t *testing.T) {
	e := NewCommandEvaluator("echo 'not a report'", t.TempDir(), time.Minute)

	_, err := e.Evaluate(context.Background(), "https://x.example.com")
	assert.ErrorIs(t, err, types.ErrRescan)
}

func TestCommandEvaluatorMissingVerdict(t *testing.T) {
	e := NewCommandEvaluator(`echo '{"target": "x", "sections": []}'`, t.TempDir(), time.Minute)

	_, err := e.Evaluate(context.Background(), "https://x.example.com")
	assert.ErrorIs(t, err, types.ErrRescan)
}

// flakyEvaluator fails a configured number of times before succeeding.
type flakyEvaluator struct {
	failures int
	calls    int
}

func (f *flakyEvaluator) Evaluate(ctx context.Context, url string) (*report.Report, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, fmt.Errorf("%w: attempt %d", types.ErrRescan, f.calls)
	}
	return &report.Report{Target: url, Verdict: types.VerdictGo}, nil
}

func TestRescannerRetriesOnce(t *testing.T) {
	flaky := &flakyEvaluator{failures: 1}
	r := &Rescanner{Evaluator: flaky, RetryDelay: time.Millisecond}

	result, err := r.Evaluate(context.Background(), "https://x.example.com")
	require.NoError(t, err)
	assert.Equal(t, types.VerdictGo, result.Verdict)
	assert.Equal(t, 2, flaky.calls)
}

func TestRescannerSecondFailureSurfaces(t *testing.T) {
	flaky := &flakyEvaluator{failures: 5}
	r := &Rescanner{Evaluator: flaky, RetryDelay: time.Millisecond}

	_, err := r.Evaluate(context.Background(), "https://x.example.com")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrRescan)
	assert.Equal(t, 2, flaky.calls, "exactly one retry")
}

func TestRescannerNoRetryAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	flaky := &flakyEvaluator{failures: 5}
	r := &Rescanner{Evaluator: flaky, RetryDelay: time.Minute}

	cancel()
	_, err := r.Evaluate(ctx, "https://x.example.com")
	require.Error(t, err)
	assert.Equal(t, 1, flaky.calls, "no retry once cancelled")
}

func TestRescannerSuccessPassthrough(t *testing.T) {
	flaky := &flakyEvaluator{}
	r := NewRescanner(flaky)

	result, err := r.Evaluate(context.Background(), "https://x.example.com")
	require.NoError(t, err)
	assert.Equal(t, "https://x.example.com", result.Target)
	assert.Equal(t, 1, flaky.calls)
}
